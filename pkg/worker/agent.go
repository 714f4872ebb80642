// Package worker implements the evaluation agent that claims pending units,
// runs every track of a unit through a Track Runner and writes the results
// back to the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/metrics"
	"github.com/psantana5/evalfarm/pkg/models"
	"github.com/psantana5/evalfarm/pkg/retry"
	"github.com/psantana5/evalfarm/pkg/store"
	"github.com/psantana5/evalfarm/pkg/trackrunner"
	"github.com/psantana5/evalfarm/pkg/tracing"
)

// Error tags written to a failed unit by the quality gates
var (
	ErrNoFrames     = errors.New(models.ErrorNoFrames)
	ErrLowFrameRate = errors.New(models.ErrorLowFrameRate)
	// ErrClaimLost means another party took the unit away mid evaluation
	ErrClaimLost = errors.New("claim lost")
)

// EvalError reports an evaluation that was aborted. The store already holds
// the failure when Recorded is true.
type EvalError struct {
	UnitID   string
	Track    string
	Recorded bool
	Err      error
}

func (e *EvalError) Error() string {
	if e.Track != "" {
		return fmt.Sprintf("evaluation of unit %s aborted on track %s: %v", e.UnitID, e.Track, e.Err)
	}
	return fmt.Sprintf("evaluation of unit %s aborted: %v", e.UnitID, e.Err)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// StoreError wraps a store failure that survived the retry budget. A worker
// cannot make progress without the store, so it stops.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Config controls one worker agent
type Config struct {
	Hostname string
	Algo     string
	// Trial restricts claims to one trial when set
	Trial *float64

	PollMin           time.Duration
	PollMax           time.Duration
	StartupMargin     time.Duration
	MinFrameRate      float64
	MaxAttempts       int
	MaxHostCPUPercent float64
	CPUSampleInterval time.Duration
	// ReleaseTimeout bounds the failure write made after cancellation
	ReleaseTimeout time.Duration

	Retry retry.Config
}

// DefaultConfig returns the worker defaults
func DefaultConfig() Config {
	return Config{
		Algo:              models.DefaultAlgo,
		PollMin:           5 * time.Second,
		PollMax:           15 * time.Second,
		StartupMargin:     10 * time.Second,
		MinFrameRate:      27.0,
		MaxAttempts:       3,
		CPUSampleInterval: 500 * time.Millisecond,
		ReleaseTimeout:    10 * time.Second,
		Retry:             retry.DefaultConfig(),
	}
}

// Hostname builds the worker identity <host>_<instance>. An empty host uses
// the machine hostname.
func Hostname(host string, instance int) string {
	if host == "" {
		h, err := os.Hostname()
		if err != nil || h == "" {
			h = "unknown"
		}
		host = h
	}
	return fmt.Sprintf("%s_%d", host, instance)
}

// Agent claims and evaluates units until its context is cancelled
type Agent struct {
	store   store.Store
	runner  trackrunner.Runner
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.Provider

	sleep    func(ctx context.Context, d time.Duration) error
	hostLoad func() (float64, error)

	// lastFailed is skipped by the next claim so another worker gets a
	// chance at a unit this host could not evaluate
	lastFailed string
}

// Option customises an Agent
type Option func(*Agent)

// WithLogger sets the agent logger
func WithLogger(l *logging.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithMetrics sets the collectors the agent updates
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithTracer sets the span provider
func WithTracer(p *tracing.Provider) Option {
	return func(a *Agent) { a.tracer = p }
}

// WithSleep replaces the backoff sleep
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Agent) { a.sleep = fn }
}

// WithHostLoad replaces the host CPU sampler used by the host gate
func WithHostLoad(fn func() (float64, error)) Option {
	return func(a *Agent) { a.hostLoad = fn }
}

// NewAgent creates a worker agent
func NewAgent(s store.Store, r trackrunner.Runner, cfg Config, opts ...Option) *Agent {
	if cfg.Hostname == "" {
		cfg.Hostname = Hostname("", 0)
	}
	if cfg.Algo == "" {
		cfg.Algo = models.DefaultAlgo
	}
	if cfg.PollMax < cfg.PollMin {
		cfg.PollMax = cfg.PollMin
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 10 * time.Second
	}

	a := &Agent{
		store:  s,
		runner: r,
		cfg:    cfg,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.NewLogger(logging.INFO, false)
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	if a.tracer == nil {
		a.tracer = tracing.Noop()
	}
	if a.hostLoad == nil {
		a.hostLoad = func() (float64, error) {
			return a.metrics.SampleHost(a.cfg.CPUSampleInterval)
		}
	}
	a.logger = a.logger.WithField("hostname", cfg.Hostname)
	return a
}

// Hostname returns the identity the agent claims units under
func (a *Agent) Hostname() string {
	return a.cfg.Hostname
}

// Run claims and evaluates units until ctx is cancelled or the store fails
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("Beginning work cycle")
	waiting := false

	for {
		if ctx.Err() != nil {
			a.logger.Info("Worker stopping")
			return nil
		}

		if a.hostBusy() {
			if err := a.sleep(ctx, a.backoff()); err != nil {
				return nil
			}
			continue
		}

		claimed, err := a.RunOnce(ctx)
		if err != nil {
			var evalErr *EvalError
			switch {
			case errors.As(err, &evalErr):
				waiting = false
				if err := a.sleep(ctx, a.backoff()); err != nil {
					return nil
				}
			case ctx.Err() != nil:
				return nil
			default:
				a.logger.Error("Worker stopping on store failure", logging.Fields{"error": err.Error()})
				return err
			}
			continue
		}

		if claimed {
			waiting = false
			continue
		}

		if !waiting {
			a.logger.Info("Waiting for work assignment")
			waiting = true
		}
		// Randomised to desync workers started together
		if err := a.sleep(ctx, a.backoff()); err != nil {
			return nil
		}
	}
}

// RunOnce claims and evaluates at most one unit. It reports whether a unit
// was claimed. A non-nil *EvalError means the evaluation was aborted; any
// other error is a store failure.
func (a *Agent) RunOnce(ctx context.Context) (bool, error) {
	unit, err := a.claim(ctx)
	if err != nil {
		return false, err
	}
	if unit == nil {
		return false, nil
	}
	err = a.evaluate(ctx, unit)
	var evalErr *EvalError
	if errors.As(err, &evalErr) {
		a.lastFailed = unit.ID
	}
	return true, err
}

func (a *Agent) claim(ctx context.Context) (*models.EvaluationUnit, error) {
	ctx, span := a.tracer.StartSpan(ctx, "worker.claim", attribute.String("unit.hostname", a.cfg.Hostname))
	defer span.End()

	req := store.ClaimRequest{
		Hostname:    a.cfg.Hostname,
		Algo:        a.cfg.Algo,
		Trial:       a.cfg.Trial,
		MaxAttempts: a.cfg.MaxAttempts,
		ExcludeID:   a.lastFailed,
	}
	a.lastFailed = ""

	var unit *models.EvaluationUnit
	err := retry.Do(ctx, a.cfg.Retry, func() error {
		u, err := a.store.ClaimOnePending(ctx, req)
		if errors.Is(err, store.ErrNoPendingUnit) {
			unit = nil
			return nil
		}
		if err != nil {
			return err
		}
		unit = u
		return nil
	})
	if err != nil {
		a.metrics.Claims.WithLabelValues("error").Inc()
		tracing.SetError(ctx, err)
		return nil, &StoreError{Op: "claim", Err: err}
	}
	if unit == nil {
		a.metrics.Claims.WithLabelValues("empty").Inc()
		return nil, nil
	}

	a.metrics.Claims.WithLabelValues("claimed").Inc()
	span.SetAttributes(tracing.UnitAttributes(unit.ID, unit.Generation, unit.IndividualNum, a.cfg.Hostname)...)
	return unit, nil
}

func (a *Agent) evaluate(ctx context.Context, unit *models.EvaluationUnit) error {
	ctx, span := a.tracer.StartSpan(ctx, "worker.evaluate",
		tracing.UnitAttributes(unit.ID, unit.Generation, unit.IndividualNum, a.cfg.Hostname)...)
	defer span.End()

	log := a.logger.WithFields(logging.Fields{
		"unit_id":    unit.ID,
		"generation": unit.Generation,
		"individual": unit.IndividualNum,
	})

	if err := unit.Validate(); err != nil {
		return a.fail(ctx, log, unit, "", err)
	}

	owned, err := a.withRetry(ctx, func() (bool, error) {
		return a.store.ResetResults(ctx, unit.ID, a.cfg.Hostname)
	})
	if err != nil {
		return &StoreError{Op: "reset results", Err: err}
	}
	if !owned {
		return a.lost(log, unit, "")
	}

	log.Info("Started evaluation", logging.Fields{"tracks": len(unit.Tracks), "attempt": unit.Attempts})
	start := time.Now()
	frameRate := 0.0

	for i, trackID := range unit.Tracks {
		track := models.Track{ID: trackID, TargetTime: unit.TargetTimes[i]}
		res, err := a.runTrack(ctx, unit, track, i)
		if err != nil {
			return a.fail(ctx, log, unit, trackID, err)
		}

		owned, err := a.withRetry(ctx, func() (bool, error) {
			return a.store.SetTrackResult(ctx, unit.ID, a.cfg.Hostname, i, *res)
		})
		if err != nil {
			return &StoreError{Op: "set track result", Err: err}
		}
		if !owned {
			return a.lost(log, unit, trackID)
		}

		if res.FrameRate > 0 && (frameRate == 0 || res.FrameRate < frameRate) {
			frameRate = res.FrameRate
		}

		log.Info("Finished track", logging.Fields{
			"track":      trackID,
			"bonus":      res.Bonus,
			"completion": res.Completion,
			"time":       res.Time,
			"runtime":    res.Runtime,
			"frame_rate": frameRate,
			"autopsy":    string(res.Autopsy),
		})

		if res.EndFrame == 0 {
			return a.fail(ctx, log, unit, trackID, ErrNoFrames)
		}
		if a.cfg.MinFrameRate > 0 && frameRate < a.cfg.MinFrameRate {
			return a.fail(ctx, log, unit, trackID, ErrLowFrameRate)
		}
	}

	now := time.Now()
	guard := store.Filter{Started: store.Bool(true), Finished: store.Bool(false), Hostname: &a.cfg.Hostname}
	owned, err = a.withRetry(ctx, func() (bool, error) {
		return a.store.UpdateFieldsIf(ctx, unit.ID, guard, store.Fields{
			Finished:   store.Bool(true),
			FinishedAt: &now,
			Failed:     store.Bool(false),
			Error:      store.String(""),
			JustFailed: store.Bool(false),
		})
	})
	if err != nil {
		return &StoreError{Op: "finish unit", Err: err}
	}
	if !owned {
		return a.lost(log, unit, "")
	}

	a.metrics.UnitsEvaluated.WithLabelValues("finished").Inc()
	log.Info("Finished evaluation", logging.Fields{
		"runtime":    time.Since(start).Round(time.Millisecond).String(),
		"frame_rate": frameRate,
	})
	return nil
}

func (a *Agent) runTrack(ctx context.Context, unit *models.EvaluationUnit, track models.Track, index int) (*models.TrackResult, error) {
	deadline := a.cfg.StartupMargin + time.Duration(track.TargetTime*float64(time.Second))

	ctx, span := a.tracer.StartSpan(ctx, "worker.track",
		attribute.String("unit.id", unit.ID),
		attribute.String("track.id", track.ID),
		attribute.Int("track.index", index),
		attribute.String("track.deadline", deadline.String()),
	)
	defer span.End()

	start := time.Now()
	res, err := a.runner.RunTrack(ctx, trackrunner.Request{
		UnitID:     unit.ID,
		Hostname:   a.cfg.Hostname,
		Controller: unit.SerializedController,
		Track:      track,
		TrackIndex: index,
		Deadline:   deadline,
	})
	a.metrics.TrackRunDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		a.metrics.TrackRuns.WithLabelValues(string(trackrunner.ReasonOf(err))).Inc()
		tracing.SetError(ctx, err)
		return nil, err
	}
	a.metrics.TrackRuns.WithLabelValues(string(trackrunner.ExitReasonSuccess)).Inc()
	return res, nil
}

// fail releases the unit with the failure recorded so the coordinator can
// requeue it at once
func (a *Agent) fail(ctx context.Context, log *logging.Logger, unit *models.EvaluationUnit, track string, cause error) error {
	outcome := "failed"
	switch {
	case errors.Is(cause, ErrNoFrames):
		outcome = "no_frames"
	case errors.Is(cause, ErrLowFrameRate):
		outcome = "low_frame_rate"
	}
	a.metrics.UnitsEvaluated.WithLabelValues(outcome).Inc()

	// The unit must be released even when ctx is what ended the run
	writeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ReleaseTimeout)
		defer cancel()
	}

	guard := store.Filter{Started: store.Bool(true), Finished: store.Bool(false), Hostname: &a.cfg.Hostname}
	owned, err := a.withRetry(writeCtx, func() (bool, error) {
		return a.store.UpdateFieldsIf(writeCtx, unit.ID, guard, store.Fields{
			Started:         store.Bool(false),
			Failed:          store.Bool(true),
			Error:           store.String(cause.Error()),
			JustFailed:      store.Bool(true),
			AddFailure:      true,
			AddLowFrameRate: errors.Is(cause, ErrLowFrameRate),
		})
	})
	if err != nil {
		return &StoreError{Op: "record failure", Err: err}
	}

	log.Error("Evaluation failed", logging.Fields{
		"track":    track,
		"error":    cause.Error(),
		"reason":   string(trackrunner.ReasonOf(cause)),
		"recorded": owned,
	})
	return &EvalError{UnitID: unit.ID, Track: track, Recorded: owned, Err: cause}
}

func (a *Agent) lost(log *logging.Logger, unit *models.EvaluationUnit, track string) error {
	a.metrics.UnitsEvaluated.WithLabelValues("claim_lost").Inc()
	log.Warn("Unit no longer owned by this worker, abandoning", logging.Fields{"track": track})
	return &EvalError{UnitID: unit.ID, Track: track, Err: ErrClaimLost}
}

func (a *Agent) withRetry(ctx context.Context, fn func() (bool, error)) (bool, error) {
	var ok bool
	err := retry.Do(ctx, a.cfg.Retry, func() error {
		var err error
		ok, err = fn()
		return err
	})
	return ok, err
}

// hostBusy reports whether the host is too loaded to take on a unit
func (a *Agent) hostBusy() bool {
	if a.cfg.MaxHostCPUPercent <= 0 {
		return false
	}
	load, err := a.hostLoad()
	if err != nil {
		a.logger.Warn("Failed to sample host load", logging.Fields{"error": err.Error()})
		return false
	}
	if load > a.cfg.MaxHostCPUPercent {
		a.logger.Debug("Host busy, backing off", logging.Fields{"cpu_percent": load})
		return true
	}
	return false
}

func (a *Agent) backoff() time.Duration {
	span := a.cfg.PollMax - a.cfg.PollMin
	if span <= 0 {
		return a.cfg.PollMin
	}
	return a.cfg.PollMin + rand.N(span+1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
