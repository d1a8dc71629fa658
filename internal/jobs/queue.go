package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openloom/plugin-server/pkg/db/models"
)

// retryBackoffBase spaces retry attempts: attempt n reruns after n*base.
const retryBackoffBase = 10 * time.Second

// enqueueParams is the validated shape of one job submission.
type enqueueParams struct {
	TeamID         int            `validate:"required,gt=0"`
	PluginConfigID int            `validate:"required,gt=0"`
	Name           string         `validate:"required,max=200"`
	Payload        map[string]any `validate:"omitempty"`
}

// Queue persists plugin jobs in the graphile-compatible schema and claims due
// rows for execution.
type Queue struct {
	db          *gorm.DB
	table       string
	maxAttempts int
	validate    *validator.Validate
}

// NewQueue builds the job queue over the given schema.
func NewQueue(db *gorm.DB, schema string, maxAttempts int) (*Queue, error) {
	if db == nil {
		return nil, errors.New("db handle is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	table := models.PluginJob{}.TableName()
	if schema != "" {
		table = schema + "." + table
	}
	return &Queue{
		db:          db,
		table:       table,
		maxAttempts: maxAttempts,
		validate:    validator.New(),
	}, nil
}

// EnqueueJob stores a job for later execution. Implements the host-function
// enqueue contract plugins call into.
func (q *Queue) EnqueueJob(ctx context.Context, teamID, pluginConfigID int, name string, payload map[string]any, runAt time.Time) error {
	params := enqueueParams{
		TeamID:         teamID,
		PluginConfigID: pluginConfigID,
		Name:           name,
		Payload:        payload,
	}
	if err := q.validate.Struct(params); err != nil {
		return fmt.Errorf("validating job: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating job id: %w", err)
	}
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	job := models.PluginJob{
		ID:             id,
		TeamID:         teamID,
		PluginConfigID: pluginConfigID,
		Name:           name,
		Payload:        payload,
		RunAt:          runAt.UTC(),
		MaxAttempts:    q.maxAttempts,
	}
	return q.db.WithContext(ctx).Table(q.table).Create(&job).Error
}

// ClaimDue picks up to limit due jobs, bumping their attempt count inside the
// claiming transaction so a crashed worker leaves a retriable row behind.
// Rows locked by another poller are skipped.
func (q *Queue) ClaimDue(ctx context.Context, limit int) ([]models.PluginJob, error) {
	if limit <= 0 {
		limit = 20
	}
	var claimed []models.PluginJob
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Table(q.table).
			Where("completed_at IS NULL").
			Where("attempts < max_attempts").
			Where("run_at <= ?", time.Now().UTC()).
			Order("run_at ASC").
			Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := query.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			claimed[i].Attempts++
			err := tx.Table(q.table).
				Where("id = ?", claimed[i].ID).
				Update("attempts", claimed[i].Attempts).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkCompleted records a successful run.
func (q *Queue) MarkCompleted(ctx context.Context, jobID uuid.UUID) error {
	now := time.Now().UTC()
	return q.db.WithContext(ctx).Table(q.table).
		Where("id = ?", jobID).
		Updates(map[string]any{"completed_at": now, "last_error": ""}).Error
}

// MarkFailed records a failed run. Attempts left push run_at out by a linear
// backoff; an exhausted job keeps its last error and is never claimed again.
func (q *Queue) MarkFailed(ctx context.Context, job *models.PluginJob, runErr error) error {
	updates := map[string]any{"last_error": runErr.Error()}
	if job.Attempts < job.MaxAttempts {
		updates["run_at"] = time.Now().UTC().Add(time.Duration(job.Attempts) * retryBackoffBase)
	}
	return q.db.WithContext(ctx).Table(q.table).
		Where("id = ?", job.ID).
		Updates(updates).Error
}

// Depth reports pending jobs; the health surface exposes it.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).Table(q.table).
		Where("completed_at IS NULL").
		Where("attempts < max_attempts").
		Count(&count).Error
	return count, err
}
