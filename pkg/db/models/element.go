package models

import (
	"time"

	"github.com/lib/pq"
)

// ElementGroup deduplicates DOM element chains by hash; the unique constraint
// on hash makes concurrent inserts of the same chain a benign race.
type ElementGroup struct {
	ID     int64  `gorm:"column:id;primaryKey"`
	Hash   string `gorm:"column:hash;not null;uniqueIndex"`
	TeamID int    `gorm:"column:team_id;not null"`
}

func (ElementGroup) TableName() string { return "element_groups" }

// Element is one node of a captured DOM chain.
type Element struct {
	ID         int64          `gorm:"column:id;primaryKey"`
	GroupID    int64          `gorm:"column:group_id;not null"`
	Text       string         `gorm:"column:text"`
	TagName    string         `gorm:"column:tag_name"`
	Href       string         `gorm:"column:href"`
	AttrID     string         `gorm:"column:attr_id"`
	AttrClass  pq.StringArray `gorm:"column:attr_class;type:text[]"`
	NthChild   int            `gorm:"column:nth_child"`
	NthOfType  int            `gorm:"column:nth_of_type"`
	Attributes map[string]any `gorm:"column:attributes;type:jsonb;serializer:json"`
	Order      int            `gorm:"column:order;not null;default:0"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (Element) TableName() string { return "elements" }
