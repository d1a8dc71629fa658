package persons

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/openloom/plugin-server/pkg/db/models"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds a persons repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// FindByDistinctID resolves a distinct id to its person. Returns nil without
// error when the distinct id is unknown.
func (r *repository) FindByDistinctID(ctx context.Context, teamID int, distinctID string) (*models.Person, error) {
	var person models.Person
	err := r.db.WithContext(ctx).
		Joins("JOIN person_distinct_ids ON person_distinct_ids.person_id = persons.id").
		Where("person_distinct_ids.team_id = ? AND person_distinct_ids.distinct_id = ?", teamID, distinctID).
		First(&person).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &person, nil
}

func (r *repository) FindDistinctIDs(ctx context.Context, personID int64) ([]models.PersonDistinctID, error) {
	var rows []models.PersonDistinctID
	err := r.db.WithContext(ctx).
		Where("person_id = ?", personID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) CountPersons(ctx context.Context, teamID int) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Person{}).
		Where("team_id = ?", teamID).
		Count(&count).Error
	return count, err
}

func (r *repository) CreatePerson(ctx context.Context, person *models.Person) (*models.Person, error) {
	if err := r.db.WithContext(ctx).Create(person).Error; err != nil {
		return nil, err
	}
	return person, nil
}

func (r *repository) AddDistinctID(ctx context.Context, personID int64, teamID int, distinctID string) (*models.PersonDistinctID, error) {
	row := &models.PersonDistinctID{
		PersonID:   personID,
		TeamID:     teamID,
		DistinctID: distinctID,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

// UpdatePerson writes the merge-relevant columns of an existing person.
func (r *repository) UpdatePerson(ctx context.Context, person *models.Person) error {
	return r.db.WithContext(ctx).
		Model(&models.Person{}).
		Where("id = ?", person.ID).
		Select("Properties", "IsIdentified", "CreatedAt").
		Updates(person).Error
}

func (r *repository) MoveDistinctIDs(ctx context.Context, fromPersonID, toPersonID int64) ([]models.PersonDistinctID, error) {
	err := r.db.WithContext(ctx).
		Model(&models.PersonDistinctID{}).
		Where("person_id = ?", fromPersonID).
		Update("person_id", toPersonID).Error
	if err != nil {
		return nil, err
	}
	return r.FindDistinctIDs(ctx, toPersonID)
}

func (r *repository) RepointCohorts(ctx context.Context, fromPersonID, toPersonID int64) error {
	return r.db.WithContext(ctx).
		Model(&models.CohortPerson{}).
		Where("person_id = ?", fromPersonID).
		Update("person_id", toPersonID).Error
}

func (r *repository) DeletePerson(ctx context.Context, personID int64) error {
	return r.db.WithContext(ctx).
		Where("id = ?", personID).
		Delete(&models.Person{}).Error
}
