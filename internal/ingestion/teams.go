package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/openloom/plugin-server/pkg/db/models"
	"github.com/openloom/plugin-server/pkg/logger"
)

// teamCacheTTL bounds how stale the in-memory team snapshot may get.
const teamCacheTTL = 30 * time.Second

// TeamRepository loads and updates team rows.
type TeamRepository interface {
	Find(ctx context.Context, teamID int) (*models.Team, error)
	// Update re-reads the row inside a transaction, applies fn and saves when
	// fn reports a change. Concurrent updates coalesce last-writer-wins.
	Update(ctx context.Context, teamID int, fn func(team *models.Team) bool) (*models.Team, error)
}

type teamRepository struct {
	db *gorm.DB
}

// NewTeamRepository builds a team repository bound to the provided DB.
func NewTeamRepository(db *gorm.DB) TeamRepository {
	return &teamRepository{db: db}
}

func (r *teamRepository) Find(ctx context.Context, teamID int) (*models.Team, error) {
	var team models.Team
	err := r.db.WithContext(ctx).Where("id = ?", teamID).First(&team).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &team, nil
}

func (r *teamRepository) Update(ctx context.Context, teamID int, fn func(team *models.Team) bool) (*models.Team, error) {
	var updated *models.Team
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var team models.Team
		if err := tx.Where("id = ?", teamID).First(&team).Error; err != nil {
			return err
		}
		if fn(&team) {
			if err := tx.Save(&team).Error; err != nil {
				return err
			}
		}
		updated = &team
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

type cachedTeam struct {
	team      *models.Team
	fetchedAt time.Time
}

// TeamManager caches team rows and applies the additive ingestion caches:
// first sight of an event name, property or numerical property per team adds
// it to the team row; entries are never removed.
type TeamManager struct {
	repo TeamRepository
	logg *logger.Logger

	mu    sync.Mutex
	cache map[int]cachedTeam
}

// NewTeamManager creates the shared team cache.
func NewTeamManager(repo TeamRepository, logg *logger.Logger) (*TeamManager, error) {
	if repo == nil {
		return nil, errors.New("team repository is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &TeamManager{repo: repo, logg: logg, cache: map[int]cachedTeam{}}, nil
}

// Fetch returns the team, nil when unknown. Hits the store once per TTL.
func (m *TeamManager) Fetch(ctx context.Context, teamID int) (*models.Team, error) {
	m.mu.Lock()
	entry, ok := m.cache[teamID]
	m.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < teamCacheTTL {
		return entry.team, nil
	}

	team, err := m.repo.Find(ctx, teamID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[teamID] = cachedTeam{team: team, fetchedAt: time.Now()}
	m.mu.Unlock()
	return team, nil
}

// RecordEvent applies the additive team caches for one ingested event.
func (m *TeamManager) RecordEvent(ctx context.Context, team *models.Team, eventName string, properties map[string]any) error {
	newNames := missingValues(team.EventNames, []string{eventName})
	var propertyNames, numericalNames []string
	for key, value := range properties {
		propertyNames = append(propertyNames, key)
		if isNumerical(value) {
			numericalNames = append(numericalNames, key)
		}
	}
	newProperties := missingValues(team.EventProperties, propertyNames)
	newNumerical := missingValues(team.EventPropertiesNumerical, numericalNames)

	if len(newNames) == 0 && len(newProperties) == 0 && len(newNumerical) == 0 && team.IngestedEvent {
		return nil
	}

	updated, err := m.repo.Update(ctx, team.ID, func(row *models.Team) bool {
		changed := false
		if add := missingValues(row.EventNames, newNames); len(add) > 0 {
			row.EventNames = append(row.EventNames, add...)
			changed = true
		}
		if add := missingValues(row.EventProperties, newProperties); len(add) > 0 {
			row.EventProperties = append(row.EventProperties, add...)
			changed = true
		}
		if add := missingValues(row.EventPropertiesNumerical, newNumerical); len(add) > 0 {
			row.EventPropertiesNumerical = append(row.EventPropertiesNumerical, add...)
			changed = true
		}
		if !row.IngestedEvent {
			row.IngestedEvent = true
			changed = true
		}
		return changed
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cache[team.ID] = cachedTeam{team: updated, fetchedAt: time.Now()}
	m.mu.Unlock()
	return nil
}

// Invalidate drops a team from the cache; tests and reloads use it.
func (m *TeamManager) Invalidate(teamID int) {
	m.mu.Lock()
	delete(m.cache, teamID)
	m.mu.Unlock()
}

func missingValues(existing []string, candidates []string) []string {
	if len(candidates) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(existing))
	for _, value := range existing {
		seen[value] = struct{}{}
	}
	var missing []string
	for _, candidate := range candidates {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		missing = append(missing, candidate)
	}
	return missing
}

func isNumerical(value any) bool {
	switch v := value.(type) {
	case float64, int, int64:
		return true
	case json.Number:
		_, err := v.Float64()
		return err == nil
	default:
		return false
	}
}
