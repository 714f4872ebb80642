package population

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/models"
)

// ManifestFile names the per-generation genome list
const ManifestFile = "manifest.yaml"

// FitnessFile names the per-generation fitness report
const FitnessFile = "fitness.yaml"

// StopFile in the root directory ends the run after the current generation
const StopFile = "STOP"

// Manifest is written by the evolutionary algorithm into gen-<N>/
type Manifest struct {
	Generation int             `yaml:"generation"`
	Genomes    []ManifestEntry `yaml:"genomes"`
}

// ManifestEntry describes one genome. Controller is a path relative to the
// generation directory.
type ManifestEntry struct {
	Key        int64  `yaml:"key"`
	Species    int    `yaml:"species"`
	Controller string `yaml:"controller"`
}

// FitnessReport is written back into gen-<N>/ once the generation is scored
type FitnessReport struct {
	Generation int               `yaml:"generation"`
	ScoredAt   time.Time         `yaml:"scored_at"`
	Fitness    map[int64]float64 `yaml:"fitness"`
}

// FilePopulation exchanges generations through a shared directory
type FilePopulation struct {
	root         string
	pollInterval time.Duration
	logger       *logging.Logger
}

// NewFilePopulation creates a file based population rooted at root
func NewFilePopulation(root string, pollInterval time.Duration, logger *logging.Logger) *FilePopulation {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &FilePopulation{root: root, pollInterval: pollInterval, logger: logger}
}

// GenerationDir returns the directory holding one generation
func (p *FilePopulation) GenerationDir(generation int) string {
	return filepath.Join(p.root, fmt.Sprintf("gen-%d", generation))
}

// Genomes waits for the manifest of generation and loads every controller
func (p *FilePopulation) Genomes(ctx context.Context, generation int) ([]*models.Genome, error) {
	dir := p.GenerationDir(generation)
	path := filepath.Join(dir, ManifestFile)

	waiting := false
	for {
		if _, err := os.Stat(filepath.Join(p.root, StopFile)); err == nil {
			return nil, ErrNoMoreGenerations
		}

		data, err := os.ReadFile(path)
		if err == nil {
			return p.load(dir, generation, data)
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}

		if !waiting {
			p.logger.Info("Waiting for generation manifest", logging.Fields{"path": path})
			waiting = true
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

func (p *FilePopulation) load(dir string, generation int, data []byte) ([]*models.Genome, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Generation != generation {
		return nil, fmt.Errorf("manifest in %s is for generation %d", dir, m.Generation)
	}
	if len(m.Genomes) == 0 {
		return nil, fmt.Errorf("manifest in %s lists no genomes", dir)
	}

	seen := make(map[int64]bool, len(m.Genomes))
	genomes := make([]*models.Genome, 0, len(m.Genomes))
	for _, e := range m.Genomes {
		if seen[e.Key] {
			return nil, fmt.Errorf("duplicate genome key %d in manifest", e.Key)
		}
		seen[e.Key] = true

		controller, err := os.ReadFile(filepath.Join(dir, e.Controller))
		if err != nil {
			return nil, fmt.Errorf("failed to read controller of genome %d: %w", e.Key, err)
		}
		genomes = append(genomes, &models.Genome{
			Key:        e.Key,
			SpeciesID:  e.Species,
			Controller: controller,
		})
	}
	return genomes, nil
}

// Report writes fitness.yaml next to the manifest. The file is renamed into
// place so readers never see a partial report.
func (p *FilePopulation) Report(ctx context.Context, generation int, fitness map[int64]float64) error {
	dir := p.GenerationDir(generation)
	data, err := yaml.Marshal(FitnessReport{
		Generation: generation,
		ScoredAt:   time.Now().UTC(),
		Fitness:    fitness,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal fitness report: %w", err)
	}

	tmp := filepath.Join(dir, FitnessFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write fitness report: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, FitnessFile)); err != nil {
		return fmt.Errorf("failed to publish fitness report: %w", err)
	}
	p.logger.Info("Fitness reported", logging.Fields{"generation": generation, "genomes": len(fitness)})
	return nil
}

// WriteGeneration lays out a generation the way the evolutionary algorithm
// does. Used by tooling and tests.
func WriteGeneration(root string, generation int, genomes []*models.Genome) error {
	dir := filepath.Join(root, fmt.Sprintf("gen-%d", generation))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	sorted := append([]*models.Genome(nil), genomes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	m := Manifest{Generation: generation}
	for _, g := range sorted {
		name := fmt.Sprintf("genome-%d.bin", g.Key)
		if err := os.WriteFile(filepath.Join(dir, name), g.Controller, 0644); err != nil {
			return err
		}
		m.Genomes = append(m.Genomes, ManifestEntry{Key: g.Key, Species: g.SpeciesID, Controller: name})
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), data, 0644)
}

// ReadReport loads the fitness report of one generation
func ReadReport(root string, generation int) (*FitnessReport, error) {
	data, err := os.ReadFile(filepath.Join(root, fmt.Sprintf("gen-%d", generation), FitnessFile))
	if err != nil {
		return nil, err
	}
	var r FitnessReport
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse fitness report: %w", err)
	}
	return &r, nil
}
