package persons

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openloom/plugin-server/internal/event"
	"github.com/openloom/plugin-server/pkg/db"
	"github.com/openloom/plugin-server/pkg/db/models"
	"github.com/openloom/plugin-server/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type sink interface {
	Queue(topic string, key, value []byte) error
}

// Service resolves distinct ids to canonical persons and keeps the person
// topics in sync. Identity races are arbitrated by the unique constraint on
// (team_id, distinct_id): on violation every operation retries exactly once
// from the top.
type Service struct {
	repo                Repository
	tx                  txRunner
	logg                *logger.Logger
	producer            sink
	personTopic         string
	personUniqueIDTopic string
}

// ServiceParams carries the dependencies for NewService.
type ServiceParams struct {
	Repo Repository
	Tx   txRunner
	Logg *logger.Logger

	// Producer is optional; without it person changes are not fanned out.
	Producer            sink
	PersonTopic         string
	PersonUniqueIDTopic string
}

// NewService creates the persons service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("persons repository is required")
	}
	if params.Tx == nil {
		return nil, errors.New("transaction runner is required")
	}
	if params.Logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{
		repo:                params.Repo,
		tx:                  params.Tx,
		logg:                params.Logg,
		producer:            params.Producer,
		personTopic:         params.PersonTopic,
		personUniqueIDTopic: params.PersonUniqueIDTopic,
	}, nil
}

// HandleEvent applies the identity side effects of one event: aliasing for
// $identify/$create_alias, property updates on identify, and first-sight
// person creation for everything else.
func (s *Service) HandleEvent(ctx context.Context, ev *event.PluginEvent, ts time.Time) error {
	switch ev.Event {
	case event.NameIdentify:
		return s.handleIdentify(ctx, ev, ts)
	case event.NameCreateAlias:
		return s.handleCreateAlias(ctx, ev, ts)
	default:
		_, err := s.EnsurePerson(ctx, ev.TeamID, ev.DistinctID, ts)
		return err
	}
}

func (s *Service) handleIdentify(ctx context.Context, ev *event.PluginEvent, ts time.Time) error {
	if anon, ok := ev.Properties["$anon_distinct_id"].(string); ok && anon != "" {
		if err := s.Alias(ctx, ev.TeamID, anon, ev.DistinctID, ts); err != nil {
			return err
		}
	} else if _, err := s.EnsurePerson(ctx, ev.TeamID, ev.DistinctID, ts); err != nil {
		return err
	}

	set, _ := ev.Properties["$set"].(map[string]any)
	setOnce, _ := ev.Properties["$set_once"].(map[string]any)
	return s.SetProperties(ctx, ev.TeamID, ev.DistinctID, set, setOnce, true)
}

func (s *Service) handleCreateAlias(ctx context.Context, ev *event.PluginEvent, ts time.Time) error {
	alias, ok := ev.Properties["alias"].(string)
	if !ok || alias == "" {
		return errors.New("$create_alias event is missing the alias property")
	}
	return s.Alias(ctx, ev.TeamID, alias, ev.DistinctID, ts)
}

// EnsurePerson creates a person on first sight of a distinct id. Losing the
// creation race is benign: the winner's person is re-read and returned.
func (s *Service) EnsurePerson(ctx context.Context, teamID int, distinctID string, ts time.Time) (*models.Person, error) {
	person, err := s.repo.FindByDistinctID(ctx, teamID, distinctID)
	if err != nil {
		return nil, err
	}
	if person != nil {
		return person, nil
	}

	person, err = s.createPerson(ctx, teamID, ts, nil, false, distinctID)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return s.repo.FindByDistinctID(ctx, teamID, distinctID)
		}
		return nil, err
	}
	return person, nil
}

// Alias links two distinct ids to one canonical person. The four cases — A
// only, B only, neither, both — and the retry-once rule live here.
func (s *Service) Alias(ctx context.Context, teamID int, previous, current string, ts time.Time) error {
	if previous == current {
		return nil
	}
	err := s.aliasOnce(ctx, teamID, previous, current, ts)
	if err != nil && db.IsUniqueViolation(err, "") {
		// Another worker attached one of the ids first. After one retry at
		// least one side is guaranteed present, so the race cannot repeat.
		return s.aliasOnce(ctx, teamID, previous, current, ts)
	}
	return err
}

func (s *Service) aliasOnce(ctx context.Context, teamID int, previous, current string, ts time.Time) error {
	personA, err := s.repo.FindByDistinctID(ctx, teamID, previous)
	if err != nil {
		return err
	}
	personB, err := s.repo.FindByDistinctID(ctx, teamID, current)
	if err != nil {
		return err
	}

	switch {
	case personA != nil && personB == nil:
		return s.attachDistinctID(ctx, personA, current)
	case personA == nil && personB != nil:
		return s.attachDistinctID(ctx, personB, previous)
	case personA == nil && personB == nil:
		_, err := s.createPerson(ctx, teamID, ts, nil, false, previous, current)
		return err
	case personA.ID == personB.ID:
		return nil
	default:
		return s.mergePeople(ctx, personA, personB)
	}
}

// SetProperties merges $set/$set_once into the person behind distinctID.
// Merge order is set_once ∪ existing ∪ set with rightmost winning.
func (s *Service) SetProperties(ctx context.Context, teamID int, distinctID string, set, setOnce map[string]any, markIdentified bool) error {
	if len(set) == 0 && len(setOnce) == 0 && !markIdentified {
		return nil
	}
	person, err := s.repo.FindByDistinctID(ctx, teamID, distinctID)
	if err != nil {
		return err
	}
	if person == nil {
		person, err = s.EnsurePerson(ctx, teamID, distinctID, time.Now().UTC())
		if err != nil {
			return err
		}
		if person == nil {
			return errors.New("person vanished during property update")
		}
	}

	merged := MergeProperties(person.Properties, set, setOnce)
	identified := person.IsIdentified || markIdentified
	if identified == person.IsIdentified && equalProperties(person.Properties, merged) {
		return nil
	}

	person.Properties = merged
	person.IsIdentified = identified
	if err := s.repo.UpdatePerson(ctx, person); err != nil {
		return err
	}
	s.emitPerson(ctx, person, false)
	return nil
}

// DistinctIDs lists the distinct ids attached to a person.
func (s *Service) DistinctIDs(ctx context.Context, personID int64) ([]string, error) {
	rows, err := s.repo.FindDistinctIDs(ctx, personID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.DistinctID)
	}
	return ids, nil
}

func (s *Service) createPerson(ctx context.Context, teamID int, ts time.Time, properties map[string]any, isIdentified bool, distinctIDs ...string) (*models.Person, error) {
	if properties == nil {
		properties = map[string]any{}
	}
	person := &models.Person{
		UUID:         uuid.New(),
		TeamID:       teamID,
		Properties:   properties,
		IsIdentified: isIdentified,
		CreatedAt:    ts.UTC(),
	}

	var rows []models.PersonDistinctID
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if _, err := repo.CreatePerson(ctx, person); err != nil {
			return err
		}
		for _, distinctID := range distinctIDs {
			row, err := repo.AddDistinctID(ctx, person.ID, teamID, distinctID)
			if err != nil {
				return err
			}
			rows = append(rows, *row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emitPerson(ctx, person, false)
	for i := range rows {
		s.emitDistinctID(ctx, &rows[i], false)
	}
	return person, nil
}

func (s *Service) attachDistinctID(ctx context.Context, person *models.Person, distinctID string) error {
	row, err := s.repo.AddDistinctID(ctx, person.ID, person.TeamID, distinctID)
	if err != nil {
		return err
	}
	s.emitDistinctID(ctx, row, false)
	return nil
}

// mergePeople folds `from` into `to`: to-wins property merge, earlier
// created_at, moved distinct ids, repointed cohorts, then from is deleted.
func (s *Service) mergePeople(ctx context.Context, from, to *models.Person) error {
	properties := MergeProperties(from.Properties, to.Properties, nil)
	createdAt := to.CreatedAt
	if from.CreatedAt.Before(createdAt) {
		createdAt = from.CreatedAt
	}
	identified := from.IsIdentified || to.IsIdentified

	var moved []models.PersonDistinctID
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		to.Properties = properties
		to.CreatedAt = createdAt
		to.IsIdentified = identified
		if err := repo.UpdatePerson(ctx, to); err != nil {
			return err
		}
		rows, err := repo.MoveDistinctIDs(ctx, from.ID, to.ID)
		if err != nil {
			return err
		}
		moved = rows
		if err := repo.RepointCohorts(ctx, from.ID, to.ID); err != nil {
			return err
		}
		return repo.DeletePerson(ctx, from.ID)
	})
	if err != nil {
		return err
	}

	s.emitPerson(ctx, to, false)
	s.emitPerson(ctx, from, true)
	for i := range moved {
		s.emitDistinctID(ctx, &moved[i], false)
	}
	return nil
}

// MergeProperties applies the person property merge: set_once fills gaps,
// existing stays, set overrides.
func MergeProperties(existing, set, setOnce map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(set)+len(setOnce))
	for k, v := range setOnce {
		merged[k] = v
	}
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range set {
		merged[k] = v
	}
	return merged
}

func equalProperties(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

type personRow struct {
	ID           string         `json:"id"`
	CreatedAt    string         `json:"created_at"`
	TeamID       int            `json:"team_id"`
	Properties   map[string]any `json:"properties"`
	IsIdentified bool           `json:"is_identified"`
	IsDeleted    bool           `json:"is_deleted"`
}

type distinctIDRow struct {
	ID         int64  `json:"id"`
	DistinctID string `json:"distinct_id"`
	PersonID   int64  `json:"person_id"`
	TeamID     int    `json:"team_id"`
	IsDeleted  bool   `json:"is_deleted"`
}

// emitPerson fans a person change out to the person topic. Fan-out is
// best-effort: the identity operation already committed.
func (s *Service) emitPerson(ctx context.Context, person *models.Person, deleted bool) {
	if s.producer == nil || s.personTopic == "" {
		return
	}
	payload, err := json.Marshal(personRow{
		ID:           person.UUID.String(),
		CreatedAt:    event.WireTime(person.CreatedAt),
		TeamID:       person.TeamID,
		Properties:   person.Properties,
		IsIdentified: person.IsIdentified,
		IsDeleted:    deleted,
	})
	if err != nil {
		s.logg.Error(ctx, "marshaling person row", err)
		return
	}
	if err := s.producer.Queue(s.personTopic, []byte(person.UUID.String()), payload); err != nil {
		s.logg.Error(ctx, "queueing person row", err)
	}
}

func (s *Service) emitDistinctID(ctx context.Context, row *models.PersonDistinctID, deleted bool) {
	if s.producer == nil || s.personUniqueIDTopic == "" {
		return
	}
	payload, err := json.Marshal(distinctIDRow{
		ID:         row.ID,
		DistinctID: row.DistinctID,
		PersonID:   row.PersonID,
		TeamID:     row.TeamID,
		IsDeleted:  deleted,
	})
	if err != nil {
		s.logg.Error(ctx, "marshaling distinct id row", err)
		return
	}
	if err := s.producer.Queue(s.personUniqueIDTopic, []byte(row.DistinctID), payload); err != nil {
		s.logg.Error(ctx, "queueing distinct id row", err)
	}
}
