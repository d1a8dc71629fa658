package models

import (
	"time"

	"github.com/google/uuid"
)

// PluginJob is a durable background job enqueued by a plugin via the job
// host API. Rows live in the job-queue schema and are claimed with
// FOR UPDATE SKIP LOCKED.
type PluginJob struct {
	ID             uuid.UUID      `gorm:"column:id;type:uuid;primaryKey"`
	TeamID         int            `gorm:"column:team_id;not null"`
	PluginConfigID int            `gorm:"column:plugin_config_id;not null"`
	Name           string         `gorm:"column:name;not null"`
	Payload        map[string]any `gorm:"column:payload;type:jsonb;serializer:json"`
	RunAt          time.Time      `gorm:"column:run_at;not null"`
	Attempts       int            `gorm:"column:attempts;not null;default:0"`
	MaxAttempts    int            `gorm:"column:max_attempts;not null;default:5"`
	LastError      string         `gorm:"column:last_error"`
	CompletedAt    *time.Time     `gorm:"column:completed_at"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (PluginJob) TableName() string { return "plugin_jobs" }
