package plugins

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/openloom/plugin-server/pkg/db/models"
)

// Repository defines the persistence surface of the lifecycle manager: the
// three load tables, error/disable bookkeeping, capability persistence and
// the buffered log flush target.
type Repository interface {
	LoadPlugins(ctx context.Context) ([]models.Plugin, error)
	LoadAttachments(ctx context.Context) ([]models.PluginAttachment, error)
	LoadConfigs(ctx context.Context) ([]models.PluginConfig, error)
	DisableConfig(ctx context.Context, configID int, pluginErr *models.PluginError) error
	RecordConfigError(ctx context.Context, configID int, pluginErr *models.PluginError) error
	SaveCapabilities(ctx context.Context, pluginID int, caps *models.PluginCapabilities) error
	InsertLogEntries(ctx context.Context, entries []models.PluginLogEntry) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a plugin repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) LoadPlugins(ctx context.Context) ([]models.Plugin, error) {
	var plugins []models.Plugin
	err := r.db.WithContext(ctx).Order("id ASC").Find(&plugins).Error
	if err != nil {
		return nil, err
	}
	return plugins, nil
}

func (r *repository) LoadAttachments(ctx context.Context) ([]models.PluginAttachment, error) {
	var attachments []models.PluginAttachment
	err := r.db.WithContext(ctx).Order("id ASC").Find(&attachments).Error
	if err != nil {
		return nil, err
	}
	return attachments, nil
}

// LoadConfigs returns enabled configs in pipeline order.
func (r *repository) LoadConfigs(ctx context.Context) ([]models.PluginConfig, error) {
	var configs []models.PluginConfig
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order(`"order" ASC, id ASC`).
		Find(&configs).Error
	if err != nil {
		return nil, err
	}
	return configs, nil
}

// DisableConfig turns a permanently failed config off and records why.
func (r *repository) DisableConfig(ctx context.Context, configID int, pluginErr *models.PluginError) error {
	errJSON, err := marshalColumn(pluginErr)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Model(&models.PluginConfig{}).
		Where("id = ?", configID).
		Updates(map[string]any{"enabled": false, "error": errJSON}).Error
}

func (r *repository) RecordConfigError(ctx context.Context, configID int, pluginErr *models.PluginError) error {
	errJSON, err := marshalColumn(pluginErr)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Model(&models.PluginConfig{}).
		Where("id = ?", configID).
		Update("error", errJSON).Error
}

func (r *repository) SaveCapabilities(ctx context.Context, pluginID int, caps *models.PluginCapabilities) error {
	if caps == nil {
		return errors.New("capabilities are required")
	}
	capsJSON, err := marshalColumn(caps)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Model(&models.Plugin{}).
		Where("id = ?", pluginID).
		Update("capabilities", capsJSON).Error
}

func (r *repository) InsertLogEntries(ctx context.Context, entries []models.PluginLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&entries).Error
}

// marshalColumn serializes a jsonb column value for a column-level update,
// which bypasses the model serializer.
func marshalColumn(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
