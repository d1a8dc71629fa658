package actions

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/openloom/plugin-server/pkg/db/models"
)

// Repository loads action definitions with their match steps.
type Repository interface {
	FindAll(ctx context.Context) ([]models.Action, error)
	FindByID(ctx context.Context, id int) (*models.Action, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an actions repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) FindAll(ctx context.Context) ([]models.Action, error) {
	var actions []models.Action
	err := r.db.WithContext(ctx).
		Preload("Steps").
		Where("deleted = ?", false).
		Order("id ASC").
		Find(&actions).Error
	if err != nil {
		return nil, err
	}
	return actions, nil
}

// FindByID returns nil when the action does not exist or is deleted.
func (r *repository) FindByID(ctx context.Context, id int) (*models.Action, error) {
	var action models.Action
	err := r.db.WithContext(ctx).
		Preload("Steps").
		Where("id = ? AND deleted = ?", id, false).
		First(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &action, nil
}
