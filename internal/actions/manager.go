package actions

import (
	"context"
	"errors"
	"sync"

	"github.com/openloom/plugin-server/pkg/db/models"
	"github.com/openloom/plugin-server/pkg/logger"
)

// Manager holds the in-memory action set. Reload and drop tasks mutate it;
// matching reads it. Safe for concurrent use by all workers.
type Manager struct {
	repo Repository
	logg *logger.Logger

	mu      sync.RWMutex
	byTeam  map[int][]models.Action
	byID    map[int]models.Action
}

// NewManager creates an action manager; call ReloadAll before matching.
func NewManager(repo Repository, logg *logger.Logger) (*Manager, error) {
	if repo == nil {
		return nil, errors.New("actions repository is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Manager{
		repo:   repo,
		logg:   logg,
		byTeam: map[int][]models.Action{},
		byID:   map[int]models.Action{},
	}, nil
}

// ReloadAll swaps the full action set in one step.
func (m *Manager) ReloadAll(ctx context.Context) error {
	actions, err := m.repo.FindAll(ctx)
	if err != nil {
		return err
	}

	byTeam := map[int][]models.Action{}
	byID := map[int]models.Action{}
	for _, action := range actions {
		byTeam[action.TeamID] = append(byTeam[action.TeamID], action)
		byID[action.ID] = action
	}

	m.mu.Lock()
	m.byTeam = byTeam
	m.byID = byID
	m.mu.Unlock()

	m.logg.Debug(m.logg.WithField(ctx, "actions", len(actions)), "action set reloaded")
	return nil
}

// Reload refreshes a single action; a missing or deleted row drops it.
func (m *Manager) Reload(ctx context.Context, id int) error {
	action, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if action == nil {
		m.Drop(id)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[id] = *action
	m.rebuildTeamLocked(action.TeamID)
	return nil
}

// Drop removes an action from the in-memory set.
func (m *Manager) Drop(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	action, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	m.rebuildTeamLocked(action.TeamID)
}

// ForTeam returns the actions configured for a team.
func (m *Manager) ForTeam(teamID int) []models.Action {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTeam[teamID]
}

func (m *Manager) rebuildTeamLocked(teamID int) {
	var list []models.Action
	for _, action := range m.byID {
		if action.TeamID == teamID {
			list = append(list, action)
		}
	}
	m.byTeam[teamID] = list
}
