package models

import (
	"time"

	"github.com/google/uuid"
)

// Person is the canonical identity one or more distinct ids collapse into.
// Exactly one person exists per equivalence class of distinct ids in a team.
type Person struct {
	ID           int64          `gorm:"column:id;primaryKey"`
	UUID         uuid.UUID      `gorm:"column:uuid;type:uuid;not null"`
	TeamID       int            `gorm:"column:team_id;not null"`
	Properties   map[string]any `gorm:"column:properties;type:jsonb;serializer:json"`
	IsIdentified bool           `gorm:"column:is_identified;not null;default:false"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
}

func (Person) TableName() string { return "persons" }

// PersonDistinctID maps a client-provided distinct id to a person. The
// (team_id, distinct_id) unique constraint is the arbiter of identity races.
type PersonDistinctID struct {
	ID         int64  `gorm:"column:id;primaryKey"`
	PersonID   int64  `gorm:"column:person_id;not null"`
	DistinctID string `gorm:"column:distinct_id;not null"`
	TeamID     int    `gorm:"column:team_id;not null"`
}

func (PersonDistinctID) TableName() string { return "person_distinct_ids" }

// CohortPerson is a cohort membership row; memberships are repointed when
// persons merge.
type CohortPerson struct {
	ID       int64 `gorm:"column:id;primaryKey"`
	CohortID int   `gorm:"column:cohort_id;not null"`
	PersonID int64 `gorm:"column:person_id;not null"`
}

func (CohortPerson) TableName() string { return "cohort_people" }
