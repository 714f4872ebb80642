// Package progress estimates how long a generation still needs.
package progress

import (
	"fmt"
	"math"
	"time"

	"github.com/psantana5/evalfarm/pkg/models"
)

// Per-track defaults used before any generation has finished
const (
	DefaultTrackRuntime  = 10 * time.Second
	DefaultTrackOverhead = 8 * time.Second
)

// Input is one observation of the queue
type Input struct {
	Pending     int
	InProgress  int
	MeanRuntime float64 // seconds per unit
	Workers     int
}

// Estimate returns the seconds remaining. With more pending units than
// units in flight the estimate never drops below one unit's runtime.
func Estimate(in Input) float64 {
	secs := math.Ceil(float64(in.Pending) * in.MeanRuntime / float64(in.Workers+1))
	if in.Pending-in.InProgress > 0 {
		secs = math.Max(in.MeanRuntime, secs)
	}
	return secs
}

// MeanRuntime is the mean summed track runtime of the given finished units
// plus a fixed per-track overhead. Without history it falls back to the
// default per-track runtime.
func MeanRuntime(units []*models.EvaluationUnit, numTracks int, overhead time.Duration) float64 {
	extra := overhead.Seconds() * float64(numTracks)
	if len(units) == 0 {
		return DefaultTrackRuntime.Seconds()*float64(numTracks) + extra
	}
	total := 0.0
	for _, u := range units {
		total += u.TotalRuntime()
	}
	return total/float64(len(units)) + extra
}

// Estimator turns raw estimates into a countdown. A changed raw estimate is
// taken as is; an unchanged one is counted down by the time since it was
// last recomputed.
type Estimator struct {
	last        float64
	lastChanged time.Time
	started     time.Time
}

// NewEstimator starts the clock at start
func NewEstimator(start time.Time) *Estimator {
	return &Estimator{started: start, last: -1}
}

// Tick folds one observation in and returns the remaining duration
func (e *Estimator) Tick(in Input, now time.Time) time.Duration {
	raw := Estimate(in)
	if raw != e.last {
		e.last = raw
		e.lastChanged = now
	}
	remaining := raw - now.Sub(e.lastChanged).Seconds()
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining * float64(time.Second))
}

// Elapsed returns the time since the generation started
func (e *Estimator) Elapsed(now time.Time) time.Duration {
	return now.Sub(e.started)
}

// Format renders elapsed and remaining time for the progress line
func Format(elapsed, remaining time.Duration) string {
	return fmt.Sprintf("%s Elapsed - ETA %s Remaining", clock(elapsed), clock(remaining))
}

func clock(d time.Duration) string {
	secs := int(math.Round(d.Seconds()))
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
