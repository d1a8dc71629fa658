package persons

import (
	"context"

	"gorm.io/gorm"

	"github.com/openloom/plugin-server/pkg/db/models"
)

// Repository defines persistence operations for persons, their distinct ids
// and cohort memberships.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByDistinctID(ctx context.Context, teamID int, distinctID string) (*models.Person, error)
	FindDistinctIDs(ctx context.Context, personID int64) ([]models.PersonDistinctID, error)
	CountPersons(ctx context.Context, teamID int) (int64, error)
	CreatePerson(ctx context.Context, person *models.Person) (*models.Person, error)
	AddDistinctID(ctx context.Context, personID int64, teamID int, distinctID string) (*models.PersonDistinctID, error)
	UpdatePerson(ctx context.Context, person *models.Person) error
	MoveDistinctIDs(ctx context.Context, fromPersonID, toPersonID int64) ([]models.PersonDistinctID, error)
	RepointCohorts(ctx context.Context, fromPersonID, toPersonID int64) error
	DeletePerson(ctx context.Context, personID int64) error
}
