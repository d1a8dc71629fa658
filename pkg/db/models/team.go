package models

import (
	"time"

	"github.com/lib/pq"
)

// Team is the tenant boundary for events, persons and plugin pipelines. The
// event_names / event_properties columns are additive ingestion caches kept
// current by the event processor; entries are never removed.
type Team struct {
	ID                        int            `gorm:"column:id;primaryKey"`
	Name                      string         `gorm:"column:name;not null"`
	APIToken                  string         `gorm:"column:api_token"`
	AnonymizeIPs              bool           `gorm:"column:anonymize_ips;not null;default:false"`
	SessionRecordingOptIn     bool           `gorm:"column:session_recording_opt_in;not null;default:false"`
	IngestedEvent             bool           `gorm:"column:ingested_event;not null;default:false"`
	EventNames                pq.StringArray `gorm:"column:event_names;type:text[]"`
	EventProperties           pq.StringArray `gorm:"column:event_properties;type:text[]"`
	EventPropertiesNumerical  pq.StringArray `gorm:"column:event_properties_numerical;type:text[]"`
	CreatedAt                 time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt                 time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Team) TableName() string { return "teams" }
