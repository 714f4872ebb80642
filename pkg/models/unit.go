package models

import (
	"time"
)

// SchemaVersion is stamped on every unit written by this version of the code
const SchemaVersion = 1

// DefaultAlgo is the algorithm label used when a unit does not name one
const DefaultAlgo = "NEAT"

// EvaluationUnit is one genome's scheduled evaluation across all tracks for
// one generation and trial.
type EvaluationUnit struct {
	ID            string  `json:"id"`
	SchemaVersion int     `json:"schema_version"`
	Generation    int     `json:"generation"`
	Trial         float64 `json:"trial"`
	IndividualNum int     `json:"individual_num"`
	GenomeKey     int64   `json:"genome_key"`
	SpeciesID     int     `json:"species_id"`
	Algo          string  `json:"algo"`

	Tracks               []string  `json:"tracks"`
	TargetTimes          []float64 `json:"target_times"`
	SerializedController []byte    `json:"serialized_controller,omitempty"`

	Results   []TrackResult `json:"results"`
	FrameRate float64       `json:"frame_rate"`

	Started           bool       `json:"started"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	Finished          bool       `json:"finished"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Failed            bool       `json:"failed"`
	Error             string     `json:"error,omitempty"`
	JustFailed        bool       `json:"just_failed"`
	Hostname          string     `json:"hostname,omitempty"`
	Attempts          int        `json:"attempts"`
	PermanentlyFailed bool       `json:"permanently_failed"`

	// Failures counts failures reported against the unit since it was
	// seeded, LowFrameRateFailures the subset caused by a low frame rate.
	// The Acked counters are how many of each the coordinator has tallied.
	Failures             int `json:"failures"`
	LowFrameRateFailures int `json:"low_frame_rate_failures"`
	AckedFailures        int `json:"acked_failures"`
	AckedLowFrameRate    int `json:"acked_low_frame_rate"`

	Fitness      *float64  `json:"fitness,omitempty"`
	TrackFitness []float64 `json:"track_fitness,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TrackResult holds the measurements of one track run. A zero slot has
// Time set to -1 and no autopsy.
type TrackResult struct {
	Bonus                 float64 `json:"bonus"`
	Completion            float64 `json:"completion"`
	Time                  float64 `json:"time"`
	Runtime               float64 `json:"runtime"`
	AvgSpeed              float64 `json:"avg_speed"`
	AvgCompletionPerFrame float64 `json:"avg_completion_per_frame"`
	FrameCount            int     `json:"frame_count"`
	EndFrame              int     `json:"end_frame"`
	X                     float64 `json:"x"`
	Y                     float64 `json:"y"`
	FrameRate             float64 `json:"frame_rate"`
	TimeDiff              float64 `json:"time_diff"`
	FrameAdjRuntime       float64 `json:"frame_adj_runtime"`
	Autopsy               Autopsy `json:"autopsy,omitempty"`
}

// ZeroTrackResult returns the value every slot holds before a worker writes it
func ZeroTrackResult() TrackResult {
	return TrackResult{Time: -1}
}

// ZeroResults returns n zeroed slots
func ZeroResults(n int) []TrackResult {
	results := make([]TrackResult, n)
	for i := range results {
		results[i] = ZeroTrackResult()
	}
	return results
}

// Completed reports whether the run reached the finish line
func (r TrackResult) Completed() bool {
	return r.Time > 0
}

// NewEvaluationUnit builds a freshly seeded unit with every per-track slot
// zero-filled.
func NewEvaluationUnit(generation int, trial float64, individualNum int, tracks []string, targetTimes []float64, controller []byte) *EvaluationUnit {
	return &EvaluationUnit{
		SchemaVersion:        SchemaVersion,
		Generation:           generation,
		Trial:                trial,
		IndividualNum:        individualNum,
		Algo:                 DefaultAlgo,
		Tracks:               append([]string(nil), tracks...),
		TargetTimes:          append([]float64(nil), targetTimes...),
		SerializedController: controller,
		Results:              ZeroResults(len(tracks)),
	}
}

// Status derives the unit status from its lifecycle flags
func (u *EvaluationUnit) Status() UnitStatus {
	return DeriveStatus(u.Started, u.Finished, u.Failed, u.PermanentlyFailed)
}

// TotalTargetTime sums the target times of every track
func (u *EvaluationUnit) TotalTargetTime() float64 {
	total := 0.0
	for _, t := range u.TargetTimes {
		total += t
	}
	return total
}

// TotalRuntime sums the wall clock runtime of every track
func (u *EvaluationUnit) TotalRuntime() float64 {
	total := 0.0
	for _, r := range u.Results {
		total += r.Runtime
	}
	return total
}

// TotalCompletion sums completion percentages across tracks
func (u *EvaluationUnit) TotalCompletion() float64 {
	total := 0.0
	for _, r := range u.Results {
		total += r.Completion
	}
	return total
}

// TotalTime sums the finish times across tracks, ignoring unfinished runs
func (u *EvaluationUnit) TotalTime() float64 {
	total := 0.0
	for _, r := range u.Results {
		if r.Time > 0 {
			total += r.Time
		}
	}
	return total
}

// CompletedAllTracks reports whether every track was run to 100% completion
func (u *EvaluationUnit) CompletedAllTracks() bool {
	if len(u.Results) == 0 {
		return false
	}
	return u.TotalCompletion() >= 100.0*float64(len(u.Results))
}

// UnackedFailures returns the failures not yet tallied by the coordinator,
// split into low frame rate failures and every other kind
func (u *EvaluationUnit) UnackedFailures() (failed, lowFrameRate int) {
	lowFrameRate = u.LowFrameRateFailures - u.AckedLowFrameRate
	failed = u.Failures - u.AckedFailures - lowFrameRate
	if lowFrameRate < 0 {
		lowFrameRate = 0
	}
	if failed < 0 {
		failed = 0
	}
	return failed, lowFrameRate
}

// Elapsed returns how long the current claim has been held
func (u *EvaluationUnit) Elapsed(now time.Time) time.Duration {
	if u.StartedAt == nil {
		return 0
	}
	return now.Sub(*u.StartedAt)
}

// Validate checks the shape invariants of a unit before it is stored
func (u *EvaluationUnit) Validate() error {
	if len(u.Tracks) == 0 {
		return ErrNoTracks
	}
	if len(u.TargetTimes) != len(u.Tracks) {
		return ErrTargetTimesMismatch
	}
	if len(u.Results) != len(u.Tracks) {
		return ErrResultsMismatch
	}
	return nil
}
