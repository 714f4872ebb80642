package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/psantana5/evalfarm/pkg/models"
)

// MemoryStore is an in-memory implementation of the unit store. It is safe
// for concurrent use within one process.
type MemoryStore struct {
	units map[string]*models.EvaluationUnit
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units: make(map[string]*models.EvaluationUnit),
	}
}

// UpsertUnit creates or replaces the unit with the same identity
func (s *MemoryStore) UpsertUnit(ctx context.Context, unit *models.EvaluationUnit) (*models.EvaluationUnit, error) {
	if err := unit.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	algo := unit.Algo
	if algo == "" {
		algo = models.DefaultAlgo
	}

	now := time.Now()
	stored := cloneUnit(unit)
	stored.Algo = algo
	stored.SchemaVersion = models.SchemaVersion
	resetLifecycle(stored)
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if existing := s.findByIdentity(unit.Generation, unit.Trial, unit.IndividualNum, algo); existing != nil {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.ID = uuid.New().String()
	}

	s.units[stored.ID] = stored
	return cloneUnit(stored), nil
}

func (s *MemoryStore) findByIdentity(generation int, trial float64, individual int, algo string) *models.EvaluationUnit {
	for _, u := range s.units {
		if u.Generation == generation && u.Trial == trial && u.IndividualNum == individual && u.Algo == algo {
			return u
		}
	}
	return nil
}

// ClaimOnePending claims the oldest pending unit
func (s *MemoryStore) ClaimOnePending(ctx context.Context, req ClaimRequest) (*models.EvaluationUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filter := claimFilter(req)
	var candidates []*models.EvaluationUnit
	for _, u := range s.units {
		if !filter.Matches(u) {
			continue
		}
		if req.MaxAttempts > 0 && u.Attempts >= req.MaxAttempts {
			continue
		}
		if req.ExcludeID != "" && u.ID == req.ExcludeID {
			continue
		}
		candidates = append(candidates, u)
	}
	if len(candidates) == 0 {
		return nil, ErrNoPendingUnit
	}
	sortUnits(candidates, SortFIFO)

	now := time.Now()
	unit := candidates[0]
	unit.Started = true
	unit.StartedAt = &now
	unit.Hostname = req.Hostname
	unit.Attempts++
	unit.JustFailed = false
	unit.UpdatedAt = now

	return cloneUnit(unit), nil
}

// CountMatching counts units matching filter
func (s *MemoryStore) CountMatching(ctx context.Context, filter Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, u := range s.units {
		if filter.Matches(u) {
			count++
		}
	}
	return count, nil
}

// FindAll returns copies of every unit matching filter
func (s *MemoryStore) FindAll(ctx context.Context, filter Filter, order Sort) ([]*models.EvaluationUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	units := make([]*models.EvaluationUnit, 0)
	for _, u := range s.units {
		if filter.Matches(u) {
			units = append(units, cloneUnit(u))
		}
	}
	sortUnits(units, order)
	return units, nil
}

// FindOne returns the first unit matching filter in FIFO order
func (s *MemoryStore) FindOne(ctx context.Context, filter Filter) (*models.EvaluationUnit, error) {
	units, err := s.FindAll(ctx, filter, SortFIFO)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, ErrUnitNotFound
	}
	return units[0], nil
}

// GetUnit retrieves a unit by ID
func (s *MemoryStore) GetUnit(ctx context.Context, id string) (*models.EvaluationUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unit, ok := s.units[id]
	if !ok {
		return nil, ErrUnitNotFound
	}
	return cloneUnit(unit), nil
}

// UpdateFields applies a partial update
func (s *MemoryStore) UpdateFields(ctx context.Context, id string, fields Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, ok := s.units[id]
	if !ok {
		return ErrUnitNotFound
	}
	fields.apply(unit)
	return nil
}

// UpdateFieldsIf applies a partial update while the unit matches guard
func (s *MemoryStore) UpdateFieldsIf(ctx context.Context, id string, guard Filter, fields Fields) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, ok := s.units[id]
	if !ok {
		return false, ErrUnitNotFound
	}
	if !guard.Matches(unit) {
		return false, nil
	}
	fields.apply(unit)
	return true, nil
}

// SetTrackResult writes one slot of an owned, unfinished unit
func (s *MemoryStore) SetTrackResult(ctx context.Context, id, hostname string, index int, result models.TrackResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, ok := s.units[id]
	if !ok {
		return false, ErrUnitNotFound
	}
	if index < 0 || index >= len(unit.Results) {
		return false, ErrTrackIndexRange
	}
	if !ownedBy(unit, hostname) {
		return false, nil
	}

	unit.Results[index] = result
	unit.FrameRate = lowerFrameRate(unit.FrameRate, result.FrameRate)
	unit.UpdatedAt = time.Now()
	return true, nil
}

// ResetResults zeroes the result slots of an owned unit
func (s *MemoryStore) ResetResults(ctx context.Context, id, hostname string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, ok := s.units[id]
	if !ok {
		return false, ErrUnitNotFound
	}
	if !unit.Started || unit.Hostname != hostname {
		return false, nil
	}

	unit.Results = models.ZeroResults(len(unit.Tracks))
	unit.FrameRate = 0
	unit.Finished = false
	unit.UpdatedAt = time.Now()
	return true, nil
}

// DistinctHostnames lists the hostnames on units matching filter
func (s *MemoryStore) DistinctHostnames(ctx context.Context, filter Filter) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, u := range s.units {
		if u.Hostname != "" && filter.Matches(u) {
			seen[u.Hostname] = true
		}
	}
	hosts := make([]string, 0, len(seen))
	for h := range seen {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts, nil
}

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

func claimFilter(req ClaimRequest) Filter {
	algo := req.Algo
	if algo == "" {
		algo = models.DefaultAlgo
	}
	return Filter{
		Generation:        req.Generation,
		Trial:             req.Trial,
		Algo:              &algo,
		Started:           Bool(false),
		Finished:          Bool(false),
		PermanentlyFailed: Bool(false),
	}
}

func ownedBy(u *models.EvaluationUnit, hostname string) bool {
	return u.Started && !u.Finished && u.Hostname == hostname
}

// resetLifecycle puts a unit back into its freshly seeded state
func resetLifecycle(u *models.EvaluationUnit) {
	u.Results = models.ZeroResults(len(u.Tracks))
	u.FrameRate = 0
	u.Started = false
	u.StartedAt = nil
	u.Finished = false
	u.FinishedAt = nil
	u.Failed = false
	u.Error = ""
	u.JustFailed = false
	u.Hostname = ""
	u.Attempts = 0
	u.PermanentlyFailed = false
	u.Failures = 0
	u.LowFrameRateFailures = 0
	u.AckedFailures = 0
	u.AckedLowFrameRate = 0
	u.Fitness = nil
	u.TrackFitness = nil
}

func cloneUnit(u *models.EvaluationUnit) *models.EvaluationUnit {
	c := *u
	c.Tracks = append([]string(nil), u.Tracks...)
	c.TargetTimes = append([]float64(nil), u.TargetTimes...)
	c.Results = append([]models.TrackResult(nil), u.Results...)
	if u.SerializedController != nil {
		c.SerializedController = append([]byte(nil), u.SerializedController...)
	}
	if u.TrackFitness != nil {
		c.TrackFitness = append([]float64(nil), u.TrackFitness...)
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		c.StartedAt = &t
	}
	if u.FinishedAt != nil {
		t := *u.FinishedAt
		c.FinishedAt = &t
	}
	if u.Fitness != nil {
		f := *u.Fitness
		c.Fitness = &f
	}
	return &c
}
