package persons

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/openloom/plugin-server/internal/event"
	"github.com/openloom/plugin-server/pkg/db/models"
	"github.com/openloom/plugin-server/pkg/logger"
)

var testDBSeq atomic.Int64

func setupPersonsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:persons%d?mode=memory&cache=shared", testDBSeq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	persons := `
CREATE TABLE IF NOT EXISTS persons (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  uuid TEXT NOT NULL,
  team_id INTEGER NOT NULL,
  properties TEXT,
  is_identified INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME
);`
	distinctIDs := `
CREATE TABLE IF NOT EXISTS person_distinct_ids (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  person_id INTEGER NOT NULL,
  distinct_id TEXT NOT NULL,
  team_id INTEGER NOT NULL,
  UNIQUE (team_id, distinct_id)
);`
	cohorts := `
CREATE TABLE IF NOT EXISTS cohort_people (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  cohort_id INTEGER NOT NULL,
  person_id INTEGER NOT NULL
);`
	for _, stmt := range []string{persons, distinctIDs, cohorts} {
		require.NoError(t, gdb.Exec(stmt).Error)
	}
	return gdb
}

type gormTx struct {
	db *gorm.DB
}

func (g gormTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return g.db.WithContext(ctx).Transaction(fn)
}

type capturedMessage struct {
	topic string
	key   string
	value string
}

type stubSink struct {
	messages []capturedMessage
}

func (s *stubSink) Queue(topic string, key, value []byte) error {
	s.messages = append(s.messages, capturedMessage{topic: topic, key: string(key), value: string(value)})
	return nil
}

func (s *stubSink) count(topic string) int {
	n := 0
	for _, m := range s.messages {
		if m.topic == topic {
			n++
		}
	}
	return n
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "persons-test", Level: logger.ParseLevel("error"), Output: io.Discard})
}

func newTestService(t *testing.T, gdb *gorm.DB) (*Service, *stubSink) {
	t.Helper()
	sinkStub := &stubSink{}
	svc, err := NewService(ServiceParams{
		Repo:                NewRepository(gdb),
		Tx:                  gormTx{db: gdb},
		Logg:                testLogger(),
		Producer:            sinkStub,
		PersonTopic:         "person",
		PersonUniqueIDTopic: "person_unique_id",
	})
	require.NoError(t, err)
	return svc, sinkStub
}

func TestEnsurePersonFirstSight(t *testing.T) {
	gdb := setupPersonsTestDB(t)
	svc, sinkStub := newTestService(t, gdb)
	ctx := context.Background()
	ts := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

	person, err := svc.EnsurePerson(ctx, 1, "user-1", ts)
	require.NoError(t, err)
	require.NotNil(t, person)
	assert.False(t, person.IsIdentified)

	again, err := svc.EnsurePerson(ctx, 1, "user-1", ts.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, person.ID, again.ID)

	count, err := NewRepository(gdb).CountPersons(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 1, sinkStub.count("person"))
	assert.Equal(t, 1, sinkStub.count("person_unique_id"))
}

func TestAliasAttachCases(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

	t.Run("previous known, current new", func(t *testing.T) {
		gdb := setupPersonsTestDB(t)
		svc, _ := newTestService(t, gdb)
		person, err := svc.EnsurePerson(ctx, 1, "anon", ts)
		require.NoError(t, err)

		require.NoError(t, svc.Alias(ctx, 1, "anon", "user-1", ts))

		ids, err := svc.DistinctIDs(ctx, person.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"anon", "user-1"}, ids)
	})

	t.Run("previous new, current known", func(t *testing.T) {
		gdb := setupPersonsTestDB(t)
		svc, _ := newTestService(t, gdb)
		person, err := svc.EnsurePerson(ctx, 1, "user-1", ts)
		require.NoError(t, err)

		require.NoError(t, svc.Alias(ctx, 1, "anon", "user-1", ts))

		ids, err := svc.DistinctIDs(ctx, person.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"anon", "user-1"}, ids)
	})

	t.Run("both new", func(t *testing.T) {
		gdb := setupPersonsTestDB(t)
		svc, _ := newTestService(t, gdb)

		require.NoError(t, svc.Alias(ctx, 1, "anon", "user-1", ts))

		repo := NewRepository(gdb)
		count, err := repo.CountPersons(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		person, err := repo.FindByDistinctID(ctx, 1, "anon")
		require.NoError(t, err)
		require.NotNil(t, person)
		other, err := repo.FindByDistinctID(ctx, 1, "user-1")
		require.NoError(t, err)
		require.NotNil(t, other)
		assert.Equal(t, person.ID, other.ID)
	})

	t.Run("same person is a no-op", func(t *testing.T) {
		gdb := setupPersonsTestDB(t)
		svc, _ := newTestService(t, gdb)
		require.NoError(t, svc.Alias(ctx, 1, "a", "b", ts))
		require.NoError(t, svc.Alias(ctx, 1, "a", "b", ts))
		count, err := NewRepository(gdb).CountPersons(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

func TestAliasMergesPeople(t *testing.T) {
	gdb := setupPersonsTestDB(t)
	svc, sinkStub := newTestService(t, gdb)
	ctx := context.Background()
	repo := NewRepository(gdb)

	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	personA, err := svc.EnsurePerson(ctx, 1, "anon", early)
	require.NoError(t, err)
	require.NoError(t, svc.SetProperties(ctx, 1, "anon", map[string]any{"x": "a", "y": "a"}, nil, false))

	personB, err := svc.EnsurePerson(ctx, 1, "user-1", late)
	require.NoError(t, err)
	require.NoError(t, svc.SetProperties(ctx, 1, "user-1", map[string]any{"y": "b", "z": "b"}, nil, true))

	require.NoError(t, gdb.Create(&models.CohortPerson{CohortID: 7, PersonID: personA.ID}).Error)

	require.NoError(t, svc.Alias(ctx, 1, "anon", "user-1", late))

	count, err := repo.CountPersons(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	merged, err := repo.FindByDistinctID(ctx, 1, "anon")
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, personB.ID, merged.ID)

	// B wins on conflicts, A fills gaps, earlier created_at survives.
	assert.Equal(t, "a", merged.Properties["x"])
	assert.Equal(t, "b", merged.Properties["y"])
	assert.Equal(t, "b", merged.Properties["z"])
	assert.True(t, merged.IsIdentified)
	assert.True(t, merged.CreatedAt.Equal(early))

	ids, err := svc.DistinctIDs(ctx, personB.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"anon", "user-1"}, ids)

	var cohort models.CohortPerson
	require.NoError(t, gdb.Where("cohort_id = ?", 7).First(&cohort).Error)
	assert.Equal(t, personB.ID, cohort.PersonID)

	// The deleted person is tombstoned on the person topic.
	deleted := 0
	for _, m := range sinkStub.messages {
		if m.topic == "person" && m.key == personA.UUID.String() {
			deleted++
		}
	}
	assert.GreaterOrEqual(t, deleted, 1)
}

// raceRepo simulates another worker winning the creation race: the first
// lookup of `current` reports it absent while quietly inserting the
// competitor person with both distinct ids.
type raceRepo struct {
	Repository
	db    *gorm.DB
	fired bool
}

func (r *raceRepo) FindByDistinctID(ctx context.Context, teamID int, distinctID string) (*models.Person, error) {
	if !r.fired && distinctID == "B" {
		r.fired = true
		competitor := NewRepository(r.db)
		person, err := competitor.CreatePerson(ctx, &models.Person{
			UUID:      uuid.New(),
			TeamID:    teamID,
			CreatedAt: time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC),
		})
		if err != nil {
			return nil, err
		}
		if _, err := competitor.AddDistinctID(ctx, person.ID, teamID, "A"); err != nil {
			return nil, err
		}
		if _, err := competitor.AddDistinctID(ctx, person.ID, teamID, "B"); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return r.Repository.FindByDistinctID(ctx, teamID, distinctID)
}

func TestAliasRaceConvergesToOnePerson(t *testing.T) {
	gdb := setupPersonsTestDB(t)
	wrapped := &raceRepo{Repository: NewRepository(gdb), db: gdb}
	svc, err := NewService(ServiceParams{
		Repo: wrapped,
		Tx:   gormTx{db: gdb},
		Logg: testLogger(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	// This replica saw empty state, the competitor already created the
	// person. The unique violation forces one retry which converges.
	require.NoError(t, svc.Alias(ctx, 1, "A", "B", time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)))

	repo := NewRepository(gdb)
	count, err := repo.CountPersons(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	personA, err := repo.FindByDistinctID(ctx, 1, "A")
	require.NoError(t, err)
	require.NotNil(t, personA)
	personB, err := repo.FindByDistinctID(ctx, 1, "B")
	require.NoError(t, err)
	require.NotNil(t, personB)
	assert.Equal(t, personA.ID, personB.ID)

	ids, err := repo.FindDistinctIDs(ctx, personA.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestSetPropertiesMergeSemantics(t *testing.T) {
	gdb := setupPersonsTestDB(t)
	svc, _ := newTestService(t, gdb)
	ctx := context.Background()
	ts := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

	_, err := svc.EnsurePerson(ctx, 1, "user-1", ts)
	require.NoError(t, err)
	require.NoError(t, svc.SetProperties(ctx, 1, "user-1", map[string]any{"a": float64(1), "b": float64(2)}, nil, false))

	// set_once must not clobber existing keys; set overrides everything.
	require.NoError(t, svc.SetProperties(ctx, 1, "user-1",
		map[string]any{"b": float64(3), "c": float64(4)},
		map[string]any{"a": float64(9), "d": float64(5)},
		false,
	))

	person, err := NewRepository(gdb).FindByDistinctID(ctx, 1, "user-1")
	require.NoError(t, err)
	require.NotNil(t, person)
	assert.Equal(t, float64(1), person.Properties["a"])
	assert.Equal(t, float64(3), person.Properties["b"])
	assert.Equal(t, float64(4), person.Properties["c"])
	assert.Equal(t, float64(5), person.Properties["d"])
}

func TestHandleIdentify(t *testing.T) {
	gdb := setupPersonsTestDB(t)
	svc, _ := newTestService(t, gdb)
	ctx := context.Background()
	ts := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

	_, err := svc.EnsurePerson(ctx, 1, "anon", ts)
	require.NoError(t, err)

	ev := &event.PluginEvent{
		DistinctID: "user-1",
		TeamID:     1,
		Event:      event.NameIdentify,
		Properties: map[string]any{
			"$anon_distinct_id": "anon",
			"$set":              map[string]any{"plan": "pro"},
		},
	}
	require.NoError(t, svc.HandleEvent(ctx, ev, ts))

	repo := NewRepository(gdb)
	person, err := repo.FindByDistinctID(ctx, 1, "user-1")
	require.NoError(t, err)
	require.NotNil(t, person)
	assert.True(t, person.IsIdentified)
	assert.Equal(t, "pro", person.Properties["plan"])

	same, err := repo.FindByDistinctID(ctx, 1, "anon")
	require.NoError(t, err)
	require.NotNil(t, same)
	assert.Equal(t, person.ID, same.ID)
}
