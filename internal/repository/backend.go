package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/predicate"
)

// Backend stores the entity hierarchy.
type Backend interface {
	// Transaction runs fn in one transaction. The transaction commits when
	// fn returns nil and rolls back otherwise. Unique key violations surface
	// as archive.ErrConflict.
	Transaction(ctx context.Context, fn func(tx Tx) error) error

	// Query streams the rows of sel.Level matching sel.Where, ordered so that
	// rows sharing a parent are contiguous.
	Query(ctx context.Context, sel Select) (Rows, error)
}

// Select describes a hierarchical query.
type Select struct {
	Level     archive.Level
	Where     predicate.Expr
	Offset    int
	Limit     int
	WithFiles bool
}

// Row is one matched entity together with its ancestors. Entities below the
// selected level are nil. Files are set only when requested, best available
// first.
type Row struct {
	Patient  *models.Patient
	Study    *models.Study
	Series   *models.Series
	Instance *models.Instance
	Files    []models.FileRef
}

// Rows is a forward-only result stream.
type Rows interface {
	Next() bool
	Row() Row
	Err() error
	Close() error
}

// Tx is the set of operations available inside a transaction. Finders return
// archive.ErrNotFound when no row matches.
type Tx interface {
	FindPatient(idKey string) (*models.Patient, error)
	GetPatient(pk uuid.UUID) (*models.Patient, error)
	FindStudy(studyIUID string) (*models.Study, error)
	GetStudy(pk uuid.UUID) (*models.Study, error)
	FindSeries(seriesIUID string) (*models.Series, error)
	GetSeries(pk uuid.UUID) (*models.Series, error)
	FindInstance(sopIUID string) (*models.Instance, error)
	FindIssuer(natural *models.Issuer) (*models.Issuer, error)
	FindCode(value, designator, version string) (*models.Code, error)

	// Create inserts a new entity and assigns its key.
	Create(entity any) error

	// LockStudy and LockSeries read the row and hold it until the
	// transaction ends.
	LockStudy(pk uuid.UUID) (*models.Study, error)
	LockSeries(pk uuid.UUID) (*models.Series, error)

	IncrementPatient(pk uuid.UUID, studies int) error
	IncrementStudy(pk uuid.UUID, series, instances int) error
	IncrementSeries(pk uuid.UUID, instances int) error

	// Update writes the named columns of an existing entity.
	Update(entity any, columns ...string) error

	Studies(patientPK uuid.UUID) ([]models.Study, error)
	Series(studyPK uuid.UUID) ([]models.Series, error)
	Instances(seriesPK uuid.UUID) ([]models.Instance, error)

	// StudyModalities and StudySOPClasses return the distinct known values
	// over the descendants of a study, sorted.
	StudyModalities(studyPK uuid.UUID) ([]string, error)
	StudySOPClasses(studyPK uuid.UUID) ([]string, error)

	// MoveStudies reassigns every study of one patient to another.
	MoveStudies(fromPatientPK, toPatientPK uuid.UUID) (int, error)
}

// Columns updated by the store engine.
var (
	AggregateColumns = []string{"retrieve_aets", "ext_retrieve_aet", "availability"}
	StudySetColumns  = []string{"mods_in_study", "cuids_in_study"}
)
