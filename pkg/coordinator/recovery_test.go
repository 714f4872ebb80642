package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/evalfarm/pkg/alert"
	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/metrics"
	"github.com/psantana5/evalfarm/pkg/models"
	"github.com/psantana5/evalfarm/pkg/retry"
	"github.com/psantana5/evalfarm/pkg/store"
	"github.com/psantana5/evalfarm/pkg/trackrunner"
	"github.com/psantana5/evalfarm/pkg/worker"
)

type alertLog struct {
	mu    sync.Mutex
	kinds []alert.Kind
}

func (l *alertLog) record(k alert.Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds = append(l.kinds, k)
}

func (l *alertLog) has(k alert.Kind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.kinds {
		if got == k {
			return true
		}
	}
	return false
}

func quietLogger() *logging.Logger {
	return logging.NewLogger(logging.FATAL, false)
}

func unthrottled(log *alertLog) *alert.Alerter {
	a := alert.New(alert.Config{}, quietLogger())
	a.OnRaise(log.record)
	return a
}

func newTestRecovery(s store.Store, log *alertLog) *Recovery {
	return NewRecovery(s, DefaultRecoveryConfig(), quietLogger(), unthrottled(log), metrics.New())
}

// claimed seeds one unit and claims it as host
func claimed(t *testing.T, s store.Store, targets []float64, host string) *models.EvaluationUnit {
	t.Helper()
	ctx := context.Background()

	tracks := make([]string, len(targets))
	for i := range targets {
		tracks[i] = "track"
	}
	_, err := s.UpsertUnit(ctx, models.NewEvaluationUnit(1, 1, 1, tracks, targets, []byte("c")))
	require.NoError(t, err)

	u, err := s.ClaimOnePending(ctx, store.ClaimRequest{Hostname: host})
	require.NoError(t, err)
	return u
}

func TestDeadline(t *testing.T) {
	r := newTestRecovery(store.NewMemoryStore(), &alertLog{})
	u := models.NewEvaluationUnit(1, 1, 1, []string{"a", "b"}, []float64{30, 40}, nil)
	assert.Equal(t, 97*time.Second, r.Deadline(u))
}

func TestRecoveryTimesOutStalledClaim(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	alerts := &alertLog{}
	r := newTestRecovery(s, alerts)

	// 2 tracks of 50s: deadline is a little over two minutes
	u := claimed(t, s, []float64{50, 50}, "node_0")
	require.NoError(t, s.UpdateFields(ctx, u.ID, store.Fields{StartedAt: store.Time(time.Now().Add(-10 * time.Minute))}))

	filter := store.GenerationFilter(1, 1, "")
	tally, err := r.Check(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 1, tally.TimedOut)
	assert.True(t, alerts.has(alert.KindTimeout))

	got, err := s.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.Started)
	assert.True(t, got.Failed)
	assert.Equal(t, models.ErrorTimeout, got.Error)
	assert.Equal(t, models.UnitStatusFailed, got.Status())

	again, err := r.Check(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Total())
}

func TestRecoveryLeavesFreshClaim(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := newTestRecovery(s, &alertLog{})

	u := claimed(t, s, []float64{30, 40}, "node_0")
	tally, err := r.Check(ctx, store.GenerationFilter(1, 1, ""))
	require.NoError(t, err)
	assert.Equal(t, 0, tally.Total())

	got, err := s.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Started)
	assert.False(t, got.Failed)
}

func TestRecoveryClockDrivesTimeout(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := newTestRecovery(s, &alertLog{})
	claimed(t, s, []float64{30}, "node_0")

	filter := store.GenerationFilter(1, 1, "")
	r.now = func() time.Time { return time.Now().Add(r.cfg.PerTrackOverhead + 30*time.Second) }
	tally, err := r.Check(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 0, tally.TimedOut, "43s deadline not yet reached")

	r.now = func() time.Time { return time.Now().Add(time.Minute) }
	tally, err = r.Check(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 1, tally.TimedOut)
}

func TestRecoveryReleasesJustFailedImmediately(t *testing.T) {
	tests := []struct {
		name      string
		errTag    string
		lowFrames int
		failed    int
		kind      alert.Kind
	}{
		{"low frame rate", models.ErrorLowFrameRate, 1, 0, alert.KindLowFrameRate},
		{"crash", "track run failed (eval_failure, exit 1)", 0, 1, alert.KindFailedEval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := store.NewMemoryStore()
			alerts := &alertLog{}
			r := newTestRecovery(s, alerts)

			u := claimed(t, s, []float64{30, 40}, "node_0")
			require.NoError(t, s.UpdateFields(ctx, u.ID, store.Fields{
				Failed:     store.Bool(true),
				Error:      store.String(tt.errTag),
				JustFailed: store.Bool(true),
			}))

			tally, err := r.Check(ctx, store.GenerationFilter(1, 1, ""))
			require.NoError(t, err)
			assert.Equal(t, tt.lowFrames, tally.LowFrameRate)
			assert.Equal(t, tt.failed, tally.Failed)
			assert.Equal(t, 0, tally.TimedOut)
			assert.True(t, alerts.has(tt.kind))

			got, err := s.GetUnit(ctx, u.ID)
			require.NoError(t, err)
			assert.False(t, got.Started)
			assert.False(t, got.Finished)
			assert.False(t, got.JustFailed)
		})
	}
}

func TestRecoveryAcknowledgesWorkerRelease(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := newTestRecovery(s, &alertLog{})

	u := claimed(t, s, []float64{30}, "node_0")
	require.NoError(t, s.UpdateFields(ctx, u.ID, store.Fields{
		Started:    store.Bool(false),
		Failed:     store.Bool(true),
		Error:      store.String(models.ErrorNoFrames),
		JustFailed: store.Bool(true),
		AddFailure: true,
	}))

	filter := store.GenerationFilter(1, 1, "")
	tally, err := r.Check(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 1, tally.Failed)

	tally, err = r.Check(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 0, tally.Total())

	pending, err := s.CountMatching(ctx, filter.Pending())
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "released unit stays claimable")

	got, err := s.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.JustFailed)
	assert.Equal(t, 1, got.AckedFailures)
}

func TestRecoveryCountsFailuresAcrossReclaims(t *testing.T) {
	tests := []struct {
		name      string
		result    *models.TrackResult
		err       error
		failed    int
		lowFrames int
	}{
		{
			name:   "crash",
			err:    &trackrunner.RunError{Reason: trackrunner.ExitReasonEvalFailure, ExitCode: 1, Message: "bot crashed"},
			failed: 3,
		},
		{
			name:      "low frame rate",
			result:    &models.TrackResult{Completion: 40, Time: -1, Runtime: 20, EndFrame: 300, FrameRate: 12},
			lowFrames: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := store.NewMemoryStore()
			alerts := &alertLog{}
			r := newTestRecovery(s, alerts)

			_, err := s.UpsertUnit(ctx, models.NewEvaluationUnit(1, 1, 1, []string{"circuit_a"}, []float64{30}, []byte("c")))
			require.NoError(t, err)

			runner := &scriptedRunner{run: func(req trackrunner.Request) (*models.TrackResult, error) {
				return tt.result, tt.err
			}}
			cfg := worker.DefaultConfig()
			cfg.Hostname = "node_0"
			cfg.Retry = retry.Config{MaxRetries: 0, ShouldRetry: retry.IsRetryable}
			agent := worker.NewAgent(s, runner, cfg, worker.WithLogger(quietLogger()))

			// The same worker keeps picking the unit back up before any
			// recovery pass runs, until its attempts are used up
			evaluated := 0
			for i := 0; i < 10; i++ {
				claimed, err := agent.RunOnce(ctx)
				if claimed {
					require.Error(t, err)
					evaluated++
				}
			}
			require.Equal(t, 3, evaluated)

			tally, err := r.Check(ctx, store.GenerationFilter(1, 1, ""))
			require.NoError(t, err)
			assert.Equal(t, tt.failed, tally.Failed)
			assert.Equal(t, tt.lowFrames, tally.LowFrameRate)
			assert.Equal(t, 1, tally.PermanentlyFailed)

			again, err := r.Check(ctx, store.GenerationFilter(1, 1, ""))
			require.NoError(t, err)
			assert.Equal(t, 0, again.Total())
		})
	}
}

func TestRecoveryRetiresExhaustedUnits(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	alerts := &alertLog{}
	r := newTestRecovery(s, alerts)

	u := claimed(t, s, []float64{30}, "node_0")
	require.NoError(t, s.UpdateFields(ctx, u.ID, store.Fields{
		Started:    store.Bool(false),
		Failed:     store.Bool(true),
		Error:      store.String("boom"),
		JustFailed: store.Bool(true),
		Attempts:   store.Int(3),
		AddFailure: true,
	}))

	filter := store.GenerationFilter(1, 1, "")
	tally, err := r.Check(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 1, tally.Failed)
	assert.Equal(t, 1, tally.PermanentlyFailed)
	assert.True(t, alerts.has(alert.KindPermanentFailure))

	got, err := s.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusPermanentlyFailed, got.Status())

	pending, err := s.CountMatching(ctx, filter.Pending())
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestRecoveryUnlimitedAttempts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	cfg := DefaultRecoveryConfig()
	cfg.MaxAttempts = 0
	r := NewRecovery(s, cfg, quietLogger(), unthrottled(&alertLog{}), nil)

	u := claimed(t, s, []float64{30}, "node_0")
	require.NoError(t, s.UpdateFields(ctx, u.ID, store.Fields{
		Started:  store.Bool(false),
		Failed:   store.Bool(true),
		Attempts: store.Int(50),
	}))

	tally, err := r.Check(ctx, store.GenerationFilter(1, 1, ""))
	require.NoError(t, err)
	assert.Equal(t, 0, tally.PermanentlyFailed)
}

func TestTally(t *testing.T) {
	var total Tally
	total.Add(Tally{Failed: 1, TimedOut: 2})
	total.Add(Tally{LowFrameRate: 3, PermanentlyFailed: 1})
	assert.Equal(t, Tally{Failed: 1, TimedOut: 2, LowFrameRate: 3, PermanentlyFailed: 1}, total)
	assert.Equal(t, 7, total.Total())
}
