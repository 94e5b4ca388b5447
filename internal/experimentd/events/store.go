package events

import (
	"context"
	"embed"
	"sync"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/G-Research/experimentd/internal/common/config"
	"github.com/G-Research/experimentd/internal/common/database"
	"github.com/G-Research/experimentd/internal/experimentd/domain"
)

// EventStore keeps the events flagged persist so they outlive the log stream.
type EventStore interface {
	Store(ctx context.Context, event domain.LogEvent) error
	// Events returns the stored events of an experiment in insertion order.
	Events(ctx context.Context, experimentId string) ([]domain.LogEvent, error)
}

type InMemoryEventStore struct {
	mu     sync.Mutex
	events map[string][]domain.LogEvent
}

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{events: map[string][]domain.LogEvent{}}
}

func (s *InMemoryEventStore) Store(_ context.Context, event domain.LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ExperimentId] = append(s.events[event.ExperimentId], event)
	return nil
}

func (s *InMemoryEventStore) Events(_ context.Context, experimentId string) ([]domain.LogEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]domain.LogEvent, len(s.events[experimentId]))
	copy(result, s.events[experimentId])
	return result, nil
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the schema migrations of the postgres event store.
func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationsFS, "migrations")
}

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects to postgres and brings the schema up to date.
func OpenPostgresStore(ctx context.Context, c config.PostgresConfig) (*PostgresStore, error) {
	db, err := database.OpenPgxPool(ctx, c)
	if err != nil {
		return nil, err
	}
	store := NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrations, err := Migrations()
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, s.db, migrations)
}

func (s *PostgresStore) Store(ctx context.Context, event domain.LogEvent) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO experiment_events (experiment_id, experiment_name, job_id, status, line, created)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ExperimentId, event.ExperimentName, event.JobId, string(event.Status), event.Line, event.Timestamp)
	return errors.WithStack(err)
}

func (s *PostgresStore) Events(ctx context.Context, experimentId string) ([]domain.LogEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT experiment_id, experiment_name, job_id, status, line, created
		 FROM experiment_events WHERE experiment_id = $1 ORDER BY id`, experimentId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	result := make([]domain.LogEvent, 0)
	for rows.Next() {
		event := domain.LogEvent{Persist: true}
		var status string
		if err := rows.Scan(&event.ExperimentId, &event.ExperimentName, &event.JobId, &status, &event.Line, &event.Timestamp); err != nil {
			return nil, errors.WithStack(err)
		}
		event.Status = domain.Status(status)
		result = append(result, event)
	}
	return result, errors.WithStack(rows.Err())
}

func (s *PostgresStore) Check() error {
	return errors.Wrap(s.db.Ping(context.Background()), "postgres health check failed")
}

func (s *PostgresStore) Close() {
	s.db.Close()
}
