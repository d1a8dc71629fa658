package models

import (
	"time"

	"github.com/google/uuid"
)

// Log entry sources and types mirror the values the web UI filters on.
const (
	LogSourceSystem  = "SYSTEM"
	LogSourcePlugin  = "PLUGIN"
	LogSourceConsole = "CONSOLE"

	LogTypeDebug = "DEBUG"
	LogTypeLog   = "LOG"
	LogTypeInfo  = "INFO"
	LogTypeWarn  = "WARN"
	LogTypeError = "ERROR"
)

// PluginLogEntry is a single log line attached to a plugin config. Entries are
// buffered in memory and flushed in batches.
type PluginLogEntry struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	TeamID         int       `gorm:"column:team_id;not null"`
	PluginID       int       `gorm:"column:plugin_id;not null"`
	PluginConfigID int       `gorm:"column:plugin_config_id;not null"`
	Timestamp      time.Time `gorm:"column:timestamp;not null"`
	Source         string    `gorm:"column:source;not null"`
	Type           string    `gorm:"column:type;not null"`
	Message        string    `gorm:"column:message;not null"`
	InstanceID     uuid.UUID `gorm:"column:instance_id;type:uuid;not null"`
}

func (PluginLogEntry) TableName() string { return "plugin_log_entries" }
