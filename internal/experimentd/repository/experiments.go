package repository

import (
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/G-Research/experimentd/internal/common/experrors"
	"github.com/G-Research/experimentd/internal/experimentd/domain"
)

const (
	experimentsTable = "experiments"
	jobsTable        = "jobs"
	idIndex          = "id"         // primary key
	nameIndex        = "name"       // lookup experiments by unique name
	experimentIndex  = "experiment" // lookup jobs of an experiment
)

type ExperimentRepository interface {
	// CreateExperiment stores a new experiment together with its jobs.
	// Returns ErrAlreadyExists if the id or the name is taken.
	CreateExperiment(experiment *domain.Experiment, jobs []*domain.Job) error
	// GetExperiment returns ErrNotFound if there's no experiment with this id.
	GetExperiment(id string) (*domain.Experiment, error)
	GetExperimentByName(name string) (*domain.Experiment, error)
	// UpdateExperiment replaces a stored experiment and, atomically, the given jobs.
	UpdateExperiment(experiment *domain.Experiment, jobs ...*domain.Job) error
	GetJobs(experimentId string) ([]*domain.Job, error)
}

// MemExperimentRepository stores experiments and jobs in a go-memdb database.
// Objects are copied on the way in and out since memdb requires stored objects to never be modified.
type MemExperimentRepository struct {
	db *memdb.MemDB
}

func NewMemExperimentRepository() (*MemExperimentRepository, error) {
	db, err := memdb.NewMemDB(experimentsSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemExperimentRepository{db: db}, nil
}

func (r *MemExperimentRepository) CreateExperiment(experiment *domain.Experiment, jobs []*domain.Job) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	for _, lookup := range []struct{ index, value string }{{idIndex, experiment.Id}, {nameIndex, experiment.Name}} {
		existing, err := txn.First(experimentsTable, lookup.index, lookup.value)
		if err != nil {
			return errors.WithStack(err)
		}
		if existing != nil {
			return errors.WithStack(&experrors.ErrAlreadyExists{Type: "experiment", Value: lookup.value})
		}
	}
	if err := insertAll(txn, experiment, jobs); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (r *MemExperimentRepository) GetExperiment(id string) (*domain.Experiment, error) {
	return r.first(idIndex, id)
}

func (r *MemExperimentRepository) GetExperimentByName(name string) (*domain.Experiment, error) {
	return r.first(nameIndex, name)
}

func (r *MemExperimentRepository) first(index, value string) (*domain.Experiment, error) {
	txn := r.db.Txn(false)
	obj, err := txn.First(experimentsTable, index, value)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&experrors.ErrNotFound{Type: "experiment", Value: value})
	}
	experiment := *obj.(*domain.Experiment)
	return &experiment, nil
}

func (r *MemExperimentRepository) UpdateExperiment(experiment *domain.Experiment, jobs ...*domain.Job) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(experimentsTable, idIndex, experiment.Id)
	if err != nil {
		return errors.WithStack(err)
	}
	if existing == nil {
		return errors.WithStack(&experrors.ErrNotFound{Type: "experiment", Value: experiment.Id})
	}
	if err := insertAll(txn, experiment, jobs); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (r *MemExperimentRepository) GetJobs(experimentId string) ([]*domain.Job, error) {
	txn := r.db.Txn(false)
	iter, err := txn.Get(jobsTable, experimentIndex, experimentId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*domain.Job, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		job := *obj.(*domain.Job)
		result = append(result, &job)
	}
	return result, nil
}

func insertAll(txn *memdb.Txn, experiment *domain.Experiment, jobs []*domain.Job) error {
	e := *experiment
	if err := txn.Insert(experimentsTable, &e); err != nil {
		return errors.WithStack(err)
	}
	for _, job := range jobs {
		j := *job
		j.ExperimentId = experiment.Id
		if err := txn.Insert(jobsTable, &j); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func experimentsSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			experimentsTable: {
				Name: experimentsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
					nameIndex: {
						Name:    nameIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:   idIndex,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "ExperimentId"},
								&memdb.StringFieldIndex{Field: "Id"},
							},
						},
					},
					experimentIndex: {
						Name:    experimentIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "ExperimentId"},
					},
				},
			},
		},
	}
}
