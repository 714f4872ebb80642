package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. It is the backend for
// fleets of workers spread over many machines.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{
		sqlStore: &sqlStore{
			db: db,
			dialect: dialect{
				name:         "postgres",
				rebind:       questionToDollar,
				claimLock:    "FOR UPDATE SKIP LOCKED",
				setSlot:      "results = jsonb_set(results, ARRAY[?::text], ?::jsonb)",
				slotCount:    "jsonb_array_length(results)",
				frameRateArg: "?::double precision",
			},
		},
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		schema_version INTEGER NOT NULL DEFAULT 1,
		generation INTEGER NOT NULL,
		trial DOUBLE PRECISION NOT NULL,
		individual_num INTEGER NOT NULL,
		genome_key BIGINT NOT NULL DEFAULT 0,
		species_id INTEGER NOT NULL DEFAULT 0,
		algo TEXT NOT NULL DEFAULT 'NEAT',
		tracks JSONB NOT NULL,
		target_times JSONB NOT NULL,
		controller BYTEA,
		results JSONB NOT NULL,
		frame_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		started BOOLEAN NOT NULL DEFAULT false,
		started_at TIMESTAMPTZ,
		finished BOOLEAN NOT NULL DEFAULT false,
		finished_at TIMESTAMPTZ,
		failed BOOLEAN NOT NULL DEFAULT false,
		error TEXT,
		just_failed BOOLEAN NOT NULL DEFAULT false,
		hostname TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		permanently_failed BOOLEAN NOT NULL DEFAULT false,
		failures INTEGER NOT NULL DEFAULT 0,
		low_frame_rate_failures INTEGER NOT NULL DEFAULT 0,
		acked_failures INTEGER NOT NULL DEFAULT 0,
		acked_low_frame_rate INTEGER NOT NULL DEFAULT 0,
		fitness DOUBLE PRECISION,
		track_fitness JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (generation, trial, individual_num, algo)
	);

	CREATE INDEX IF NOT EXISTS idx_units_claim ON units(started, finished, permanently_failed, generation, individual_num);
	CREATE INDEX IF NOT EXISTS idx_units_generation ON units(generation, trial, algo);
	CREATE INDEX IF NOT EXISTS idx_units_genome_key ON units(genome_key);
	`

	_, err := s.db.Exec(schema)
	return err
}
