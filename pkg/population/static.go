package population

import (
	"context"
	"sync"

	"github.com/psantana5/evalfarm/pkg/models"
)

// Static serves the same genomes for every generation and keeps the reports
// in memory
type Static struct {
	genomes []*models.Genome

	mu      sync.Mutex
	reports map[int]map[int64]float64
}

// NewStatic creates a static population
func NewStatic(genomes []*models.Genome) *Static {
	return &Static{genomes: genomes, reports: make(map[int]map[int64]float64)}
}

// Genomes returns copies of the configured genomes
func (s *Static) Genomes(ctx context.Context, generation int) ([]*models.Genome, error) {
	out := make([]*models.Genome, len(s.genomes))
	for i, g := range s.genomes {
		c := *g
		c.Fitness = nil
		out[i] = &c
	}
	return out, nil
}

// Report records the fitness of generation
func (s *Static) Report(ctx context.Context, generation int, fitness map[int64]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[int64]float64, len(fitness))
	for k, v := range fitness {
		copied[k] = v
	}
	s.reports[generation] = copied
	return nil
}

// Reported returns the fitness reported for generation
func (s *Static) Reported(generation int) (map[int64]float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[generation]
	return r, ok
}
