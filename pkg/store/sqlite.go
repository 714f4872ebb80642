package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based implementation of the unit store. Several
// worker processes on one host may share the same database file.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// - _journal_mode=WAL: readers do not block the single writer
	// - _busy_timeout=10000: wait up to 10 seconds when another process holds the lock
	// - _txlock=immediate: take the write lock at BEGIN so claims serialize across processes
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{
		sqlStore: &sqlStore{
			db: db,
			dialect: dialect{
				name:         "sqlite",
				rebind:       func(q string) string { return q },
				setSlot:      `results = json_set(results, '$[' || ? || ']', json(?))`,
				slotCount:    "json_array_length(results)",
				frameRateArg: "?",
			},
		},
	}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		schema_version INTEGER NOT NULL DEFAULT 1,
		generation INTEGER NOT NULL,
		trial REAL NOT NULL,
		individual_num INTEGER NOT NULL,
		genome_key INTEGER NOT NULL DEFAULT 0,
		species_id INTEGER NOT NULL DEFAULT 0,
		algo TEXT NOT NULL DEFAULT 'NEAT',
		tracks TEXT NOT NULL,
		target_times TEXT NOT NULL,
		controller BLOB,
		results TEXT NOT NULL,
		frame_rate REAL NOT NULL DEFAULT 0,
		started BOOLEAN NOT NULL DEFAULT 0,
		started_at DATETIME,
		finished BOOLEAN NOT NULL DEFAULT 0,
		finished_at DATETIME,
		failed BOOLEAN NOT NULL DEFAULT 0,
		error TEXT,
		just_failed BOOLEAN NOT NULL DEFAULT 0,
		hostname TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		permanently_failed BOOLEAN NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		low_frame_rate_failures INTEGER NOT NULL DEFAULT 0,
		acked_failures INTEGER NOT NULL DEFAULT 0,
		acked_low_frame_rate INTEGER NOT NULL DEFAULT 0,
		fitness REAL,
		track_fitness TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (generation, trial, individual_num, algo)
	);

	CREATE INDEX IF NOT EXISTS idx_units_claim ON units(started, finished, permanently_failed, generation, individual_num);
	CREATE INDEX IF NOT EXISTS idx_units_generation ON units(generation, trial, algo);
	CREATE INDEX IF NOT EXISTS idx_units_genome_key ON units(genome_key);
	`

	_, err := s.db.Exec(schema)
	return err
}
