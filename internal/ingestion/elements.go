package ingestion

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/openloom/plugin-server/internal/event"
	"github.com/openloom/plugin-server/pkg/db"
	"github.com/openloom/plugin-server/pkg/db/models"
)

// ElementsStore persists deduplicated DOM element chains. Groups are keyed by
// a hash of the chain; concurrent inserts of the same chain race on the hash
// unique constraint and the loser re-reads the winner's row.
type ElementsStore struct {
	db *gorm.DB
}

// NewElementsStore builds the store over the provided DB handle.
func NewElementsStore(gdb *gorm.DB) (*ElementsStore, error) {
	if gdb == nil {
		return nil, errors.New("db handle is required")
	}
	return &ElementsStore{db: gdb}, nil
}

// EnsureGroup returns the hash of the group holding the chain, inserting the
// group and its elements on first sight.
func (s *ElementsStore) EnsureGroup(ctx context.Context, teamID int, elements []models.Element) (string, error) {
	if len(elements) == 0 {
		return "", nil
	}
	hash := event.HashElements(elements)

	var existing models.ElementGroup
	err := s.db.WithContext(ctx).Where("hash = ?", hash).First(&existing).Error
	if err == nil {
		return hash, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	insertErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group := models.ElementGroup{Hash: hash, TeamID: teamID}
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		for i := range elements {
			elements[i].GroupID = group.ID
			elements[i].Order = i
		}
		return tx.Create(&elements).Error
	})
	if insertErr == nil {
		return hash, nil
	}
	if db.IsUniqueViolation(insertErr, "") {
		// Another writer inserted the same chain first.
		return hash, nil
	}
	return "", insertErr
}
