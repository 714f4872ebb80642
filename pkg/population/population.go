// Package population is the boundary with the external evolutionary
// algorithm: it hands out the genomes of a generation and takes their
// fitness back.
package population

import (
	"context"
	"errors"

	"github.com/psantana5/evalfarm/pkg/models"
)

// ErrNoMoreGenerations ends a run cleanly
var ErrNoMoreGenerations = errors.New("no more generations")

// Population supplies genomes and receives their fitness
type Population interface {
	// Genomes returns the individuals of generation, waiting until they exist
	Genomes(ctx context.Context, generation int) ([]*models.Genome, error)
	// Report hands the fitness of every evaluated genome back
	Report(ctx context.Context, generation int, fitness map[int64]float64) error
}
