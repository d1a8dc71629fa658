package models

import (
	"encoding/json"
	"time"
)

// PluginCapabilities summarizes what a compiled plugin runtime exposes:
// recognized method exports, scheduled-task exports and job names.
type PluginCapabilities struct {
	Methods        []string `json:"methods"`
	ScheduledTasks []string `json:"scheduled_tasks"`
	Jobs           []string `json:"jobs"`
}

// PluginError is the last error recorded against a plugin or one of its
// configs. Stored as jsonb.
type PluginError struct {
	Message string          `json:"message"`
	Time    time.Time       `json:"time"`
	Stack   string          `json:"stack,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

// Plugin is a stored plugin definition. Exactly one of Archive, Source or URL
// carries the executable payload; compilation happens lazily per config.
type Plugin struct {
	ID           int                 `gorm:"column:id;primaryKey"`
	Name         string              `gorm:"column:name;not null"`
	Description  string              `gorm:"column:description"`
	URL          string              `gorm:"column:url"`
	ConfigSchema json.RawMessage     `gorm:"column:config_schema;type:jsonb"`
	Archive      []byte              `gorm:"column:archive"`
	Source       string              `gorm:"column:source"`
	Error        *PluginError        `gorm:"column:error;type:jsonb;serializer:json"`
	Capabilities *PluginCapabilities `gorm:"column:capabilities;type:jsonb;serializer:json"`
	CreatedAt    time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (Plugin) TableName() string { return "plugins" }

// PluginConfig enables a plugin for a team. Pipeline execution order within a
// team is ascending ("order", id).
type PluginConfig struct {
	ID        int            `gorm:"column:id;primaryKey"`
	PluginID  int            `gorm:"column:plugin_id;not null"`
	TeamID    int            `gorm:"column:team_id;not null"`
	Enabled   bool           `gorm:"column:enabled;not null;default:false"`
	Order     int            `gorm:"column:order;not null;default:0"`
	Config    map[string]any `gorm:"column:config;type:jsonb;serializer:json"`
	Error     *PluginError   `gorm:"column:error;type:jsonb;serializer:json"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (PluginConfig) TableName() string { return "plugin_configs" }

// PluginAttachment is an uploaded file bound to a plugin config, exposed to
// the runtime by key.
type PluginAttachment struct {
	ID             int       `gorm:"column:id;primaryKey"`
	TeamID         int       `gorm:"column:team_id;not null"`
	PluginConfigID int       `gorm:"column:plugin_config_id;not null"`
	Key            string    `gorm:"column:key;not null"`
	ContentType    string    `gorm:"column:content_type"`
	FileName       string    `gorm:"column:file_name"`
	FileSize       int       `gorm:"column:file_size"`
	Contents       []byte    `gorm:"column:contents"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (PluginAttachment) TableName() string { return "plugin_attachments" }
