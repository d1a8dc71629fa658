package models

import "time"

// PropertyFilter is a single predicate inside an action step.
type PropertyFilter struct {
	Key      string `json:"key"`
	Value    any    `json:"value"`
	Operator string `json:"operator,omitempty"`
	Type     string `json:"type,omitempty"`
}

// Action labels events server-side through its match steps; an action matches
// when any of its steps matches.
type Action struct {
	ID        int          `gorm:"column:id;primaryKey"`
	TeamID    int          `gorm:"column:team_id;not null"`
	Name      string       `gorm:"column:name;not null"`
	Deleted   bool         `gorm:"column:deleted;not null;default:false"`
	Steps     []ActionStep `gorm:"foreignKey:ActionID"`
	CreatedAt time.Time    `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time    `gorm:"column:updated_at;autoUpdateTime"`
}

func (Action) TableName() string { return "actions" }

// ActionStep is one match specification: URL predicate, event-name predicate,
// DOM-element predicate and a property-filter list. Empty fields match
// anything.
type ActionStep struct {
	ID          int              `gorm:"column:id;primaryKey"`
	ActionID    int              `gorm:"column:action_id;not null"`
	TagName     string           `gorm:"column:tag_name"`
	Text        string           `gorm:"column:text"`
	Href        string           `gorm:"column:href"`
	Selector    string           `gorm:"column:selector"`
	URL         string           `gorm:"column:url"`
	URLMatching string           `gorm:"column:url_matching;default:'contains'"`
	EventName   string           `gorm:"column:event_name"`
	Properties  []PropertyFilter `gorm:"column:properties;type:jsonb;serializer:json"`
}

func (ActionStep) TableName() string { return "action_steps" }
