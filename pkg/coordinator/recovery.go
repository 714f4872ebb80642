package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/psantana5/evalfarm/pkg/alert"
	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/metrics"
	"github.com/psantana5/evalfarm/pkg/models"
	"github.com/psantana5/evalfarm/pkg/store"
)

// RecoveryConfig tunes stall detection
type RecoveryConfig struct {
	// SafetyFactor scales the summed target times of a unit
	SafetyFactor float64 `mapstructure:"safety_factor" yaml:"safety_factor"`
	// PerTrackOverhead is added once per track on top of the scaled targets
	PerTrackOverhead time.Duration `mapstructure:"per_track_overhead" yaml:"per_track_overhead"`
	// MaxAttempts before a unit is permanently failed, 0 means unlimited
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// DefaultRecoveryConfig returns the stock stall policy
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		SafetyFactor:     1.1,
		PerTrackOverhead: 10 * time.Second,
		MaxAttempts:      3,
	}
}

// Tally counts what stall recovery did during one generation
type Tally struct {
	Failed            int `json:"failed" yaml:"failed"`
	TimedOut          int `json:"timed_out" yaml:"timed_out"`
	LowFrameRate      int `json:"low_frame_rate" yaml:"low_frame_rate"`
	PermanentlyFailed int `json:"permanently_failed" yaml:"permanently_failed"`
}

// Add folds o into t
func (t *Tally) Add(o Tally) {
	t.Failed += o.Failed
	t.TimedOut += o.TimedOut
	t.LowFrameRate += o.LowFrameRate
	t.PermanentlyFailed += o.PermanentlyFailed
}

// Total returns the number of recovered units
func (t Tally) Total() int {
	return t.Failed + t.TimedOut + t.LowFrameRate + t.PermanentlyFailed
}

// Recovery releases units whose worker failed or went silent. Every write is
// conditional so a pass racing a worker, or a second pass observing the same
// unit before the first write lands, never counts a unit twice.
type Recovery struct {
	store   store.Store
	cfg     RecoveryConfig
	logger  *logging.Logger
	alerter *alert.Alerter
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRecovery creates a stall recovery pass over s
func NewRecovery(s store.Store, cfg RecoveryConfig, logger *logging.Logger, alerter *alert.Alerter, m *metrics.Metrics) *Recovery {
	if cfg.SafetyFactor <= 0 {
		cfg.SafetyFactor = 1.1
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	if alerter == nil {
		alerter = alert.New(alert.DefaultConfig(), logger)
	}
	if m == nil {
		m = metrics.New()
	}
	return &Recovery{
		store:   s,
		cfg:     cfg,
		logger:  logger,
		alerter: alerter,
		metrics: m,
		now:     time.Now,
	}
}

// Deadline is how long a claim on u may be held before it counts as stalled
func (r *Recovery) Deadline(u *models.EvaluationUnit) time.Duration {
	scaled := u.TotalTargetTime() * r.cfg.SafetyFactor
	return time.Duration(scaled*float64(time.Second)) + r.cfg.PerTrackOverhead*time.Duration(len(u.Tracks))
}

// Check runs one recovery pass over the units selected by filter
func (r *Recovery) Check(ctx context.Context, filter store.Filter) (Tally, error) {
	var tally Tally

	if err := r.checkClaimed(ctx, filter, &tally); err != nil {
		return tally, err
	}
	// Retire before acknowledging so a unit retired in this pass has its
	// last failure tallied in the same pass
	if err := r.sweepExhausted(ctx, filter, &tally); err != nil {
		return tally, err
	}
	if err := r.acknowledge(ctx, filter, &tally); err != nil {
		return tally, err
	}
	return tally, nil
}

// checkClaimed handles units still holding a claim
func (r *Recovery) checkClaimed(ctx context.Context, filter store.Filter, tally *Tally) error {
	units, err := r.store.FindAll(ctx, filter.InProgress(), store.SortFIFO)
	if err != nil {
		return fmt.Errorf("failed to list in-progress units: %w", err)
	}

	now := r.now()
	for _, u := range units {
		guard := store.Filter{Started: store.Bool(true), Finished: store.Bool(false)}
		if u.Hostname != "" {
			guard.Hostname = store.String(u.Hostname)
		}

		// A worker that reports a failure without releasing its claim
		if u.JustFailed {
			guard.JustFailed = store.Bool(true)
			_, err := r.store.UpdateFieldsIf(ctx, u.ID, guard, store.Fields{
				Started:         store.Bool(false),
				Finished:        store.Bool(false),
				JustFailed:      store.Bool(false),
				AddFailure:      true,
				AddLowFrameRate: u.Error == models.ErrorLowFrameRate,
			})
			if err != nil {
				return fmt.Errorf("failed to release unit %s: %w", u.ID, err)
			}
			continue
		}

		elapsed := u.Elapsed(now)
		deadline := r.Deadline(u)
		if elapsed <= deadline {
			continue
		}

		ok, err := r.store.UpdateFieldsIf(ctx, u.ID, guard, store.Fields{
			Started:    store.Bool(false),
			Failed:     store.Bool(true),
			Error:      store.String(models.ErrorTimeout),
			JustFailed: store.Bool(false),
		})
		if err != nil {
			return fmt.Errorf("failed to time out unit %s: %w", u.ID, err)
		}
		if !ok {
			continue
		}

		tally.TimedOut++
		r.metrics.Recoveries.WithLabelValues("timeout").Inc()
		fields := unitFields(u)
		fields["elapsed"] = elapsed.Round(time.Second).String()
		fields["deadline"] = deadline.Round(time.Second).String()
		r.logger.Warn("Recovery: unit timed out, released", fields)
		r.alerter.Raise(ctx, alert.KindTimeout, "Evaluation Timeout",
			fmt.Sprintf("%s timed out on individual %d after %s", u.Hostname, u.IndividualNum, elapsed.Round(time.Second)), fields)
	}
	return nil
}

// acknowledge tallies the failures workers recorded since the last pass.
// The counters survive a re-claim, so failures are counted even when the
// worker picked the unit up again before this pass ran.
func (r *Recovery) acknowledge(ctx context.Context, filter store.Filter, tally *Tally) error {
	f := filter
	f.Unacked = store.Bool(true)

	units, err := r.store.FindAll(ctx, f, store.SortFIFO)
	if err != nil {
		return fmt.Errorf("failed to list failed units: %w", err)
	}

	for _, u := range units {
		failed, lowFrameRate := u.UnackedFailures()
		guard := store.Filter{AckedFailures: store.Int(u.AckedFailures), AckedLowFrameRate: store.Int(u.AckedLowFrameRate)}
		ok, err := r.store.UpdateFieldsIf(ctx, u.ID, guard, store.Fields{
			AckedFailures:     store.Int(u.Failures),
			AckedLowFrameRate: store.Int(u.LowFrameRateFailures),
		})
		if err != nil {
			return fmt.Errorf("failed to acknowledge unit %s: %w", u.ID, err)
		}
		if !ok {
			continue
		}
		r.recordFailures(ctx, u, failed, lowFrameRate, tally)

		if !u.Started && u.JustFailed {
			guard := store.Filter{Started: store.Bool(false), JustFailed: store.Bool(true)}
			if _, err := r.store.UpdateFieldsIf(ctx, u.ID, guard, store.Fields{JustFailed: store.Bool(false)}); err != nil {
				return fmt.Errorf("failed to acknowledge unit %s: %w", u.ID, err)
			}
		}
	}
	return nil
}

// sweepExhausted retires released units that used up their attempts so the
// generation barrier cannot wait on them forever
func (r *Recovery) sweepExhausted(ctx context.Context, filter store.Filter, tally *Tally) error {
	if r.cfg.MaxAttempts <= 0 {
		return nil
	}

	f := filter
	f.Started = store.Bool(false)
	f.Finished = store.Bool(false)
	f.Failed = store.Bool(true)
	f.PermanentlyFailed = store.Bool(false)

	units, err := r.store.FindAll(ctx, f, store.SortFIFO)
	if err != nil {
		return fmt.Errorf("failed to list released units: %w", err)
	}

	guard := store.Filter{Started: store.Bool(false), Finished: store.Bool(false), PermanentlyFailed: store.Bool(false)}
	for _, u := range units {
		if u.Attempts < r.cfg.MaxAttempts {
			continue
		}
		ok, err := r.store.UpdateFieldsIf(ctx, u.ID, guard, store.Fields{
			PermanentlyFailed: store.Bool(true),
			JustFailed:        store.Bool(false),
		})
		if err != nil {
			return fmt.Errorf("failed to retire unit %s: %w", u.ID, err)
		}
		if !ok {
			continue
		}

		tally.PermanentlyFailed++
		r.metrics.Recoveries.WithLabelValues("permanent").Inc()
		fields := unitFields(u)
		fields["attempts"] = u.Attempts
		r.logger.Error("Recovery: unit permanently failed", fields)
		r.alerter.Raise(ctx, alert.KindPermanentFailure, "Evaluation Abandoned",
			fmt.Sprintf("Individual %d failed %d times, last error: %s", u.IndividualNum, u.Attempts, u.Error), fields)
	}
	return nil
}

func (r *Recovery) recordFailures(ctx context.Context, u *models.EvaluationUnit, failed, lowFrameRate int, tally *Tally) {
	fields := unitFields(u)
	fields["error"] = u.Error

	if lowFrameRate > 0 {
		tally.LowFrameRate += lowFrameRate
		r.metrics.Recoveries.WithLabelValues("low_frame_rate").Add(float64(lowFrameRate))
		fields["count"] = lowFrameRate
		r.logger.Warn("Recovery: low frame rate, released", fields)
		r.alerter.Raise(ctx, alert.KindLowFrameRate, "Low Framerate",
			fmt.Sprintf("%s ran at %.1f fps", u.Hostname, u.FrameRate), fields)
	}

	if failed > 0 {
		tally.Failed += failed
		r.metrics.Recoveries.WithLabelValues("failed").Add(float64(failed))
		fields["count"] = failed
		r.logger.Warn("Recovery: failed evaluation, released", fields)
		r.alerter.Raise(ctx, alert.KindFailedEval, "Failed Eval!",
			fmt.Sprintf("%s failed individual %d: %s", u.Hostname, u.IndividualNum, u.Error), fields)
	}
}

func unitFields(u *models.EvaluationUnit) logging.Fields {
	return logging.Fields{
		"unit_id":    u.ID,
		"generation": u.Generation,
		"individual": u.IndividualNum,
		"hostname":   u.Hostname,
	}
}
