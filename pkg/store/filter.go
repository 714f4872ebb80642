package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/psantana5/evalfarm/pkg/models"
)

// Filter selects units by field equality. Nil fields do not constrain.
type Filter struct {
	ID                *string
	Generation        *int
	Trial             *float64
	Algo              *string
	GenomeKey         *int64
	IndividualNum     *int
	Started           *bool
	Finished          *bool
	Failed            *bool
	JustFailed        *bool
	PermanentlyFailed *bool
	Hostname          *string

	// Unacked selects units whose failure counters run ahead of the
	// coordinator's acknowledged counters
	Unacked           *bool
	AckedFailures     *int
	AckedLowFrameRate *int
}

// Fields is a partial update. Nil fields are left untouched.
type Fields struct {
	Started           *bool
	StartedAt         *time.Time
	Finished          *bool
	FinishedAt        *time.Time
	Failed            *bool
	Error             *string
	JustFailed        *bool
	Hostname          *string
	Attempts          *int
	PermanentlyFailed *bool
	FrameRate         *float64
	Fitness           *float64
	TrackFitness      []float64

	// AddFailure increments the failure counter, AddLowFrameRate the low
	// frame rate counter, in the same write
	AddFailure        bool
	AddLowFrameRate   bool
	AckedFailures     *int
	AckedLowFrameRate *int
}

// Bool returns a pointer to b
func Bool(b bool) *bool { return &b }

// Int returns a pointer to i
func Int(i int) *int { return &i }

// Int64 returns a pointer to i
func Int64(i int64) *int64 { return &i }

// Float returns a pointer to f
func Float(f float64) *float64 { return &f }

// String returns a pointer to s
func String(s string) *string { return &s }

// Time returns a pointer to t
func Time(t time.Time) *time.Time { return &t }

// GenerationFilter selects every unit of one generation and trial
func GenerationFilter(generation int, trial float64, algo string) Filter {
	if algo == "" {
		algo = models.DefaultAlgo
	}
	return Filter{Generation: &generation, Trial: &trial, Algo: &algo}
}

// Pending restricts f to units not yet finished nor permanently failed
func (f Filter) Pending() Filter {
	f.Finished = Bool(false)
	f.PermanentlyFailed = Bool(false)
	return f
}

// InProgress restricts f to units holding a live claim
func (f Filter) InProgress() Filter {
	f.Started = Bool(true)
	f.Finished = Bool(false)
	return f
}

// Done restricts f to finished units
func (f Filter) Done() Filter {
	f.Finished = Bool(true)
	return f
}

// Matches reports whether unit satisfies f
func (f Filter) Matches(u *models.EvaluationUnit) bool {
	switch {
	case f.ID != nil && u.ID != *f.ID:
		return false
	case f.Generation != nil && u.Generation != *f.Generation:
		return false
	case f.Trial != nil && u.Trial != *f.Trial:
		return false
	case f.Algo != nil && u.Algo != *f.Algo:
		return false
	case f.GenomeKey != nil && u.GenomeKey != *f.GenomeKey:
		return false
	case f.IndividualNum != nil && u.IndividualNum != *f.IndividualNum:
		return false
	case f.Started != nil && u.Started != *f.Started:
		return false
	case f.Finished != nil && u.Finished != *f.Finished:
		return false
	case f.Failed != nil && u.Failed != *f.Failed:
		return false
	case f.JustFailed != nil && u.JustFailed != *f.JustFailed:
		return false
	case f.PermanentlyFailed != nil && u.PermanentlyFailed != *f.PermanentlyFailed:
		return false
	case f.Hostname != nil && u.Hostname != *f.Hostname:
		return false
	case f.Unacked != nil && (u.Failures > u.AckedFailures) != *f.Unacked:
		return false
	case f.AckedFailures != nil && u.AckedFailures != *f.AckedFailures:
		return false
	case f.AckedLowFrameRate != nil && u.AckedLowFrameRate != *f.AckedLowFrameRate:
		return false
	}
	return true
}

// where renders f as a SQL condition with ? placeholders
func (f Filter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(column string, value interface{}) {
		clauses = append(clauses, column+" = ?")
		args = append(args, value)
	}

	if f.ID != nil {
		add("id", *f.ID)
	}
	if f.Generation != nil {
		add("generation", *f.Generation)
	}
	if f.Trial != nil {
		add("trial", *f.Trial)
	}
	if f.Algo != nil {
		add("algo", *f.Algo)
	}
	if f.GenomeKey != nil {
		add("genome_key", *f.GenomeKey)
	}
	if f.IndividualNum != nil {
		add("individual_num", *f.IndividualNum)
	}
	if f.Started != nil {
		add("started", *f.Started)
	}
	if f.Finished != nil {
		add("finished", *f.Finished)
	}
	if f.Failed != nil {
		add("failed", *f.Failed)
	}
	if f.JustFailed != nil {
		add("just_failed", *f.JustFailed)
	}
	if f.PermanentlyFailed != nil {
		add("permanently_failed", *f.PermanentlyFailed)
	}
	if f.Hostname != nil {
		add("hostname", *f.Hostname)
	}
	if f.Unacked != nil {
		if *f.Unacked {
			clauses = append(clauses, "failures > acked_failures")
		} else {
			clauses = append(clauses, "failures = acked_failures")
		}
	}
	if f.AckedFailures != nil {
		add("acked_failures", *f.AckedFailures)
	}
	if f.AckedLowFrameRate != nil {
		add("acked_low_frame_rate", *f.AckedLowFrameRate)
	}

	if len(clauses) == 0 {
		return "1 = 1", nil
	}
	return strings.Join(clauses, " AND "), args
}

// IsEmpty reports whether no field would be written
func (p Fields) IsEmpty() bool {
	return p.Started == nil && p.StartedAt == nil && p.Finished == nil &&
		p.FinishedAt == nil && p.Failed == nil && p.Error == nil &&
		p.JustFailed == nil && p.Hostname == nil && p.Attempts == nil &&
		p.PermanentlyFailed == nil && p.FrameRate == nil && p.Fitness == nil &&
		p.TrackFitness == nil && !p.AddFailure && !p.AddLowFrameRate &&
		p.AckedFailures == nil && p.AckedLowFrameRate == nil
}

// set renders p as a SQL SET list with ? placeholders
func (p Fields) set() (string, []interface{}, error) {
	var clauses []string
	var args []interface{}
	add := func(column string, value interface{}) {
		clauses = append(clauses, column+" = ?")
		args = append(args, value)
	}

	if p.Started != nil {
		add("started", *p.Started)
	}
	if p.StartedAt != nil {
		add("started_at", *p.StartedAt)
	}
	if p.Finished != nil {
		add("finished", *p.Finished)
	}
	if p.FinishedAt != nil {
		add("finished_at", *p.FinishedAt)
	}
	if p.Failed != nil {
		add("failed", *p.Failed)
	}
	if p.Error != nil {
		add("error", nullString(*p.Error))
	}
	if p.JustFailed != nil {
		add("just_failed", *p.JustFailed)
	}
	if p.Hostname != nil {
		add("hostname", nullString(*p.Hostname))
	}
	if p.Attempts != nil {
		add("attempts", *p.Attempts)
	}
	if p.PermanentlyFailed != nil {
		add("permanently_failed", *p.PermanentlyFailed)
	}
	if p.FrameRate != nil {
		add("frame_rate", *p.FrameRate)
	}
	if p.Fitness != nil {
		add("fitness", *p.Fitness)
	}
	if p.TrackFitness != nil {
		data, err := json.Marshal(p.TrackFitness)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal track fitness: %w", err)
		}
		add("track_fitness", string(data))
	}
	if p.AddFailure {
		clauses = append(clauses, "failures = failures + 1")
	}
	if p.AddLowFrameRate {
		clauses = append(clauses, "low_frame_rate_failures = low_frame_rate_failures + 1")
	}
	if p.AckedFailures != nil {
		add("acked_failures", *p.AckedFailures)
	}
	if p.AckedLowFrameRate != nil {
		add("acked_low_frame_rate", *p.AckedLowFrameRate)
	}

	add("updated_at", time.Now())
	return strings.Join(clauses, ", "), args, nil
}

// apply writes p onto u in place
func (p Fields) apply(u *models.EvaluationUnit) {
	if p.Started != nil {
		u.Started = *p.Started
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		u.StartedAt = &t
	}
	if p.Finished != nil {
		u.Finished = *p.Finished
	}
	if p.FinishedAt != nil {
		t := *p.FinishedAt
		u.FinishedAt = &t
	}
	if p.Failed != nil {
		u.Failed = *p.Failed
	}
	if p.Error != nil {
		u.Error = *p.Error
	}
	if p.JustFailed != nil {
		u.JustFailed = *p.JustFailed
	}
	if p.Hostname != nil {
		u.Hostname = *p.Hostname
	}
	if p.Attempts != nil {
		u.Attempts = *p.Attempts
	}
	if p.PermanentlyFailed != nil {
		u.PermanentlyFailed = *p.PermanentlyFailed
	}
	if p.FrameRate != nil {
		u.FrameRate = *p.FrameRate
	}
	if p.Fitness != nil {
		f := *p.Fitness
		u.Fitness = &f
	}
	if p.TrackFitness != nil {
		u.TrackFitness = append([]float64(nil), p.TrackFitness...)
	}
	if p.AddFailure {
		u.Failures++
	}
	if p.AddLowFrameRate {
		u.LowFrameRateFailures++
	}
	if p.AckedFailures != nil {
		u.AckedFailures = *p.AckedFailures
	}
	if p.AckedLowFrameRate != nil {
		u.AckedLowFrameRate = *p.AckedLowFrameRate
	}
	u.UpdatedAt = time.Now()
}

// sortUnits orders units in place
func sortUnits(units []*models.EvaluationUnit, s Sort) {
	switch s {
	case SortBest:
		sort.SliceStable(units, func(i, j int) bool {
			ci, cj := units[i].TotalCompletion(), units[j].TotalCompletion()
			if ci != cj {
				return ci > cj
			}
			return units[i].TotalTime() < units[j].TotalTime()
		})
	default:
		sort.SliceStable(units, func(i, j int) bool {
			if units[i].Generation != units[j].Generation {
				return units[i].Generation < units[j].Generation
			}
			return units[i].IndividualNum < units[j].IndividualNum
		})
	}
}

// lowerFrameRate keeps the lowest non-zero frame rate
func lowerFrameRate(current, observed float64) float64 {
	if observed <= 0 {
		return current
	}
	if current == 0 || observed < current {
		return observed
	}
	return current
}
