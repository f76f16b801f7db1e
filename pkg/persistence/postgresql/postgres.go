// Package postgresql implements the persistence Store on PostgreSQL. Job
// lock acquisition maps to a single conditional UPDATE, so the database is
// the arbiter of acquisition races between engine nodes.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/procflow/procflow/pkg/persistence"
	"github.com/procflow/procflow/pkg/persistence/sqlbase"

	_ "github.com/lib/pq"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore connects to PostgreSQL and runs schema migrations.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run engine migrations: %w", err)
	}

	store := &Store{
		db:     database,
		logger: logger.With("module", "postgres_store"),
	}

	logger.InfoContext(ctx, "Engine PostgreSQL store initialized successfully")

	return store, nil
}

func (s *Store) Begin(ctx context.Context) (persistence.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &tx{reader: reader{q: sqlTx}, tx: sqlTx}, nil
}

func (s *Store) Read() persistence.View {
	return &reader{q: s.db}
}

// AcquireJob performs the compare-and-swap lock acquisition as one
// conditional UPDATE. Zero rows affected means another acquirer won the race.
func (s *Store) AcquireJob(ctx context.Context, jobID, owner string, now time.Time, lockDuration time.Duration) (bool, error) {
	if jobID == "" || owner == "" {
		return false, persistence.NewEntityError("AcquireJob", jobID, persistence.ErrIllegalArgument)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET lock_owner = $1, lock_expiration_time = $2, revision = revision + 1
		WHERE id = $3
		  AND suspended = FALSE
		  AND retries > 0
		  AND (due_date IS NULL OR due_date <= $4)
		  AND (lock_owner = '' OR lock_expiration_time IS NULL OR lock_expiration_time <= $4)
	`, owner, now.Add(lockDuration), jobID, now)
	if err != nil {
		return false, persistence.NewEntityError("AcquireJob", jobID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewEntityError("AcquireJob", jobID, err)
	}

	return affected == 1, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}
