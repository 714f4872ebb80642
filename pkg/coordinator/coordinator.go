// Package coordinator drives generations through the shared unit store: it
// seeds one unit per genome, waits for the workers to drain the generation
// while recovering stalled units, then scores every finished unit.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/evalfarm/pkg/alert"
	"github.com/psantana5/evalfarm/pkg/fitness"
	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/metrics"
	"github.com/psantana5/evalfarm/pkg/models"
	"github.com/psantana5/evalfarm/pkg/population"
	"github.com/psantana5/evalfarm/pkg/progress"
	"github.com/psantana5/evalfarm/pkg/retry"
	"github.com/psantana5/evalfarm/pkg/store"
	"github.com/psantana5/evalfarm/pkg/tracing"
)

var (
	ErrEmptyPopulation = errors.New("population has no genomes")
	ErrNoTracks        = errors.New("no tracks configured")
)

// Config controls the generation loop
type Config struct {
	Tracks          []models.Track
	Algo            string
	Trial           float64
	StartGeneration int

	PollInterval       time.Duration
	TrackOverhead      time.Duration
	NoWorkerAlertAfter time.Duration
	WriteBackWorkers   int

	Recovery RecoveryConfig
	Fitness  fitness.Config
	Retry    retry.Config
}

// DefaultConfig returns the coordinator defaults without any tracks
func DefaultConfig() Config {
	return Config{
		Algo:               models.DefaultAlgo,
		Trial:              1,
		PollInterval:       time.Second,
		TrackOverhead:      progress.DefaultTrackOverhead,
		NoWorkerAlertAfter: time.Minute,
		WriteBackWorkers:   4,
		Recovery:           DefaultRecoveryConfig(),
		Fitness:            fitness.DefaultConfig(),
		Retry:              retry.DefaultConfig(),
	}
}

// GenerationResult is what one generation produced
type GenerationResult struct {
	Generation int
	Trial      float64
	// Fitness is keyed by genome key. Genomes lost to data loss are absent.
	Fitness map[int64]float64
	Stats   GenerationStats
}

// Coordinator evaluates generations. One is built per process.
type Coordinator struct {
	store    store.Store
	cfg      Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.Provider
	alerter  *alert.Alerter
	recovery *Recovery
	score    fitness.Func
	summary  io.Writer

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	// meanRuntime feeds the estimator from the previous generation
	meanRuntime float64
}

// Option customises a Coordinator
type Option func(*Coordinator)

// WithLogger sets the coordinator logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the collectors the coordinator updates
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer sets the span provider
func WithTracer(p *tracing.Provider) Option {
	return func(c *Coordinator) { c.tracer = p }
}

// WithAlerter sets the alerter used for operator notifications
func WithAlerter(a *alert.Alerter) Option {
	return func(c *Coordinator) { c.alerter = a }
}

// WithFitness replaces the per-track scoring function
func WithFitness(fn fitness.Func) Option {
	return func(c *Coordinator) { c.score = fn }
}

// WithSummary prints a summary table of every generation to w
func WithSummary(w io.Writer) Option {
	return func(c *Coordinator) { c.summary = w }
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator over s
func New(s store.Store, cfg Config, opts ...Option) (*Coordinator, error) {
	if len(cfg.Tracks) == 0 {
		return nil, ErrNoTracks
	}
	if cfg.Algo == "" {
		cfg.Algo = models.DefaultAlgo
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.WriteBackWorkers <= 0 {
		cfg.WriteBackWorkers = 4
	}

	c := &Coordinator{
		store: s,
		cfg:   cfg,
		score: fitness.Score,
		sleep: sleepContext,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.NewLogger(logging.INFO, false)
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	if c.tracer == nil {
		c.tracer = tracing.Noop()
	}
	if c.alerter == nil {
		c.alerter = alert.New(alert.DefaultConfig(), c.logger)
	}

	c.recovery = NewRecovery(s, cfg.Recovery, c.logger, c.alerter, c.metrics)
	c.recovery.now = c.now
	c.meanRuntime = progress.MeanRuntime(nil, len(cfg.Tracks), cfg.TrackOverhead)
	return c, nil
}

// Recovery exposes the stall recovery pass
func (c *Coordinator) Recovery() *Recovery {
	return c.recovery
}

// EvaluateGeneration seeds one unit per genome, blocks until none is pending
// and returns the fitness of every genome with a finished unit. The fitness is
// also written onto the genomes and onto the store.
func (c *Coordinator) EvaluateGeneration(ctx context.Context, genomes []*models.Genome, trial float64, generation int) (*GenerationResult, error) {
	if len(genomes) == 0 {
		return nil, ErrEmptyPopulation
	}

	started := c.now()
	ctx, span := c.tracer.StartSpan(ctx, "coordinator.evaluate_generation",
		attribute.Int("generation", generation),
		attribute.Float64("trial", trial),
		attribute.Int("population", len(genomes)),
	)
	defer span.End()

	logger := c.logger.WithFields(logging.Fields{"generation": generation, "trial": trial})
	c.metrics.Generation.Set(float64(generation))
	filter := store.GenerationFilter(generation, trial, c.cfg.Algo)

	if err := c.seed(ctx, genomes, trial, generation); err != nil {
		tracing.SetError(ctx, err)
		return nil, err
	}
	logger.Info("Generation seeded", logging.Fields{"units": len(genomes)})

	tally, err := c.wait(ctx, filter, started, logger)
	if err != nil {
		tracing.SetError(ctx, err)
		return nil, err
	}

	result, err := c.aggregate(ctx, genomes, filter, logger)
	if err != nil {
		tracing.SetError(ctx, err)
		return nil, err
	}
	result.Generation = generation
	result.Trial = trial
	result.Stats.Generation = generation
	result.Stats.Trial = trial
	result.Stats.PopulationSize = len(genomes)
	result.Stats.Tally = tally
	result.Stats.Duration = c.now().Sub(started)

	c.metrics.GenerationDuration.Observe(result.Stats.Duration.Seconds())
	if result.Stats.Evaluated > 0 {
		c.metrics.BestFitness.Set(result.Stats.Fitness.Max)
	}

	logger.Info("Generation evaluated", logging.Fields{
		"evaluated":          result.Stats.Evaluated,
		"data_loss":          result.Stats.DataLoss,
		"failed":             tally.Failed,
		"timed_out":          tally.TimedOut,
		"low_frame_rate":     tally.LowFrameRate,
		"permanently_failed": tally.PermanentlyFailed,
		"fitness_mean":       result.Stats.Fitness.Mean,
		"fitness_max":        result.Stats.Fitness.Max,
		"duration":           result.Stats.Duration.Round(time.Second).String(),
	})
	if c.summary != nil {
		if err := WriteSummary(c.summary, &result.Stats); err != nil {
			logger.Warn("Failed to write generation summary", logging.Fields{"error": err.Error()})
		}
	}
	return result, nil
}

// seed upserts one zeroed unit per genome. Seeding twice resets the units in
// place instead of duplicating them.
func (c *Coordinator) seed(ctx context.Context, genomes []*models.Genome, trial float64, generation int) error {
	ctx, span := c.tracer.StartSpan(ctx, "coordinator.seed")
	defer span.End()

	tracks := models.TrackIDs(c.cfg.Tracks)
	targets := models.TargetTimes(c.cfg.Tracks)

	for i, g := range genomes {
		unit := models.NewEvaluationUnit(generation, trial, i+1, tracks, targets, g.Controller)
		unit.GenomeKey = g.Key
		unit.SpeciesID = g.SpeciesID
		unit.Algo = c.cfg.Algo

		err := retry.Do(ctx, c.cfg.Retry, func() error {
			_, err := c.store.UpsertUnit(ctx, unit)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to seed genome %d: %w", g.Key, err)
		}
	}
	return nil
}

// wait polls the generation until no unit is pending. Recovery runs before
// the counts so a released unit is never mistaken for a drained queue.
func (c *Coordinator) wait(ctx context.Context, filter store.Filter, started time.Time, logger *logging.Logger) (Tally, error) {
	ctx, span := c.tracer.StartSpan(ctx, "coordinator.wait")
	defer span.End()

	var tally Tally
	estimator := progress.NewEstimator(started)
	lastWorkerSeen := started
	lastLine := ""

	for {
		pass, err := c.recovery.Check(ctx, filter)
		tally.Add(pass)
		if err != nil {
			return tally, fmt.Errorf("stall recovery failed: %w", err)
		}

		var pending, inProgress, finished int
		var hosts []string
		err = retry.Do(ctx, c.cfg.Retry, func() error {
			var err error
			if pending, err = c.store.CountMatching(ctx, filter.Pending()); err != nil {
				return err
			}
			if inProgress, err = c.store.CountMatching(ctx, filter.InProgress()); err != nil {
				return err
			}
			if finished, err = c.store.CountMatching(ctx, filter.Done()); err != nil {
				return err
			}
			hosts, err = c.store.DistinctHostnames(ctx, filter.InProgress())
			return err
		})
		if err != nil {
			return tally, fmt.Errorf("failed to poll generation: %w", err)
		}

		c.metrics.SetUnitCounts(pending, inProgress, finished)
		c.metrics.Workers.Set(float64(len(hosts)))

		if pending == 0 {
			c.metrics.ETASeconds.Set(0)
			tracing.AddEvent(ctx, "generation.drained", attribute.Int("finished", finished))
			return tally, nil
		}

		now := c.now()
		if len(hosts) > 0 {
			lastWorkerSeen = now
		} else if now.Sub(lastWorkerSeen) >= c.cfg.NoWorkerAlertAfter {
			c.alerter.Raise(ctx, alert.KindNoWorkers, "No Worker Nodes Available",
				"No workers currently running.", logging.Fields{"pending": pending})
		}

		remaining := estimator.Tick(progress.Input{
			Pending:     pending,
			InProgress:  inProgress,
			MeanRuntime: c.meanRuntime,
			Workers:     len(hosts),
		}, now)
		c.metrics.ETASeconds.Set(remaining.Seconds())

		line := progress.Format(estimator.Elapsed(now), remaining)
		fields := logging.Fields{
			"pending":     pending,
			"in_progress": inProgress,
			"finished":    finished,
			"workers":     len(hosts),
		}
		if line != lastLine {
			logger.Info(line, fields)
			lastLine = line
		}

		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return tally, err
		}
	}
}

// aggregate scores every genome's finished unit and writes the fitness back
func (c *Coordinator) aggregate(ctx context.Context, genomes []*models.Genome, filter store.Filter, logger *logging.Logger) (*GenerationResult, error) {
	ctx, span := c.tracer.StartSpan(ctx, "coordinator.aggregate")
	defer span.End()

	result := &GenerationResult{Fitness: make(map[int64]float64, len(genomes))}
	var scored []scoredUnit
	var lost []int64

	for i, g := range genomes {
		f := filter.Done()
		f.IndividualNum = store.Int(i + 1)
		f.GenomeKey = store.Int64(g.Key)

		var unit *models.EvaluationUnit
		err := retry.Do(ctx, c.cfg.Retry, func() error {
			var err error
			unit, err = c.store.FindOne(ctx, f)
			return err
		})
		if errors.Is(err, store.ErrUnitNotFound) {
			lost = append(lost, g.Key)
			c.metrics.DataLoss.Inc()
			logger.Warn("No finished unit for genome, skipping", logging.Fields{
				"genome_key": g.Key,
				"individual": i + 1,
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read unit of genome %d: %w", g.Key, err)
		}

		trackFitness := fitness.Many(c.score, FitnessInputs(unit), c.cfg.Fitness)
		total := fitness.Sum(trackFitness)
		g.Fitness = &total
		result.Fitness[g.Key] = total
		scored = append(scored, scoredUnit{genome: g, unit: unit, trackFitness: trackFitness, fitness: total})
	}

	if len(lost) > 0 {
		c.alerter.Raise(ctx, alert.KindDataLoss, "Data Loss",
			fmt.Sprintf("%d of %d genomes have no finished unit", len(lost), len(genomes)),
			logging.Fields{"genome_keys": lost})
	}

	if err := c.writeBack(ctx, scored); err != nil {
		return nil, err
	}

	result.Stats = computeStats(scored, c.cfg.Tracks)
	result.Stats.DataLoss = len(lost)

	if len(scored) > 0 {
		units := make([]*models.EvaluationUnit, len(scored))
		for i, s := range scored {
			units[i] = s.unit
		}
		c.meanRuntime = progress.MeanRuntime(units, len(c.cfg.Tracks), c.cfg.TrackOverhead)
	}
	return result, nil
}

// writeBack persists fitness onto the store for auditability
func (c *Coordinator) writeBack(ctx context.Context, scored []scoredUnit) error {
	p := pool.New().WithMaxGoroutines(c.cfg.WriteBackWorkers).WithContext(ctx)
	for _, s := range scored {
		p.Go(func(ctx context.Context) error {
			return retry.Do(ctx, c.cfg.Retry, func() error {
				return c.store.UpdateFields(ctx, s.unit.ID, store.Fields{
					Fitness:      store.Float(s.fitness),
					TrackFitness: s.trackFitness,
				})
			})
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("failed to write fitness back: %w", err)
	}
	return nil
}

// FitnessInputs maps a unit's result slots onto fitness inputs. The time of
// a finished run is its frame count at the simulation rate; unfinished runs
// carry no time.
func FitnessInputs(u *models.EvaluationUnit) []fitness.Input {
	inputs := make([]fitness.Input, len(u.Results))
	for i, r := range u.Results {
		t := -1.0
		if r.Completed() {
			t = r.Time
			if r.FrameCount > 0 {
				t = fitness.FrameTime(r.FrameCount)
			}
		}
		target := 0.0
		if i < len(u.TargetTimes) {
			target = u.TargetTimes[i]
		}
		inputs[i] = fitness.Input{
			Completion:            r.Completion,
			Bonus:                 r.Bonus,
			Time:                  t,
			AvgSpeed:              r.AvgSpeed,
			AvgCompletionPerFrame: r.AvgCompletionPerFrame,
			TargetTime:            target,
		}
	}
	return inputs
}

// Run evaluates generations from pop until generations have run, the
// population signals the end, or ctx is cancelled. generations <= 0 runs
// until one of the other two.
func (c *Coordinator) Run(ctx context.Context, pop population.Population, generations int) error {
	c.logger.Info("Coordinator started", logging.Fields{
		"start_generation": c.cfg.StartGeneration,
		"trial":            c.cfg.Trial,
		"tracks":           len(c.cfg.Tracks),
	})

	for i := 0; generations <= 0 || i < generations; i++ {
		generation := c.cfg.StartGeneration + i

		genomes, err := pop.Genomes(ctx, generation)
		if errors.Is(err, population.ErrNoMoreGenerations) {
			c.logger.Info("Population finished", logging.Fields{"generation": generation})
			return nil
		}
		if err == nil {
			var result *GenerationResult
			result, err = c.EvaluateGeneration(ctx, genomes, c.cfg.Trial, generation)
			if err == nil {
				err = pop.Report(ctx, generation, result.Fitness)
			}
		}
		if err != nil {
			return c.abort(ctx, generation, err)
		}
	}
	return nil
}

func (c *Coordinator) abort(ctx context.Context, generation int, err error) error {
	fields := logging.Fields{"generation": generation, "error": err.Error()}
	notify := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		c.logger.Warn("Run aborted", fields)
		c.alerter.Raise(notify, alert.KindRunAborted, "Run Aborted",
			fmt.Sprintf("Stopped during generation %d", generation), fields)
		return ctx.Err()
	}
	c.logger.Error("Run failed", fields)
	c.alerter.Raise(notify, alert.KindRunError, "Run Error",
		fmt.Sprintf("Generation %d failed: %v", generation, err), fields)
	return fmt.Errorf("generation %d: %w", generation, err)
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
