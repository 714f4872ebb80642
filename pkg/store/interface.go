package store

import (
	"context"
	"time"

	"github.com/psantana5/evalfarm/pkg/models"
)

// Store is the shared evaluation unit collection. Every implementation must
// be safe for concurrent use by many processes.
type Store interface {
	// UpsertUnit creates or replaces the unit keyed by generation, trial,
	// individual and algo. Replacement resets lifecycle flags and result slots.
	UpsertUnit(ctx context.Context, unit *models.EvaluationUnit) (*models.EvaluationUnit, error)

	// ClaimOnePending atomically claims the oldest pending unit and returns
	// it as it is after the claim. Returns ErrNoPendingUnit when nothing matches.
	ClaimOnePending(ctx context.Context, req ClaimRequest) (*models.EvaluationUnit, error)

	CountMatching(ctx context.Context, filter Filter) (int, error)
	FindAll(ctx context.Context, filter Filter, sort Sort) ([]*models.EvaluationUnit, error)
	FindOne(ctx context.Context, filter Filter) (*models.EvaluationUnit, error)
	GetUnit(ctx context.Context, id string) (*models.EvaluationUnit, error)

	// UpdateFields applies a partial update. Fields left nil are untouched.
	UpdateFields(ctx context.Context, id string, fields Fields) error

	// UpdateFieldsIf applies the update only while the unit still matches
	// guard and reports whether it did.
	UpdateFieldsIf(ctx context.Context, id string, guard Filter, fields Fields) (bool, error)

	// SetTrackResult writes one result slot of a unit still owned by hostname
	// and not yet finished. The unit frame rate keeps the lowest non-zero rate.
	SetTrackResult(ctx context.Context, id, hostname string, index int, result models.TrackResult) (bool, error)

	// ResetResults zeroes every result slot of an owned unit and clears finished
	ResetResults(ctx context.Context, id, hostname string) (bool, error)

	// DistinctHostnames lists hostnames that appear on units matching filter
	DistinctHostnames(ctx context.Context, filter Filter) ([]string, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// ClaimRequest narrows which pending unit a worker may claim
type ClaimRequest struct {
	Hostname    string
	Algo        string
	Generation  *int
	Trial       *float64
	MaxAttempts int // 0 means unlimited

	// ExcludeID skips one unit, typically the one the caller just failed
	ExcludeID string
}

// Sort selects the ordering of FindAll
type Sort int

const (
	// SortFIFO orders by generation then individual, oldest first
	SortFIFO Sort = iota
	// SortBest orders by total completion descending then total time ascending
	SortBest
)

// Config holds database configuration
type Config struct {
	Type string // "sqlite", "postgres" or "memory"
	DSN  string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		pg, err := NewPostgresStore(config)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "evalfarm.db"
		}
		lite, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return lite, nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}
