package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/models"
	"github.com/psantana5/evalfarm/pkg/retry"
	"github.com/psantana5/evalfarm/pkg/store"
	"github.com/psantana5/evalfarm/pkg/trackrunner"
)

type fakeRunner struct {
	mu       sync.Mutex
	requests []trackrunner.Request
	run      func(ctx context.Context, req trackrunner.Request) (*models.TrackResult, error)
}

func (f *fakeRunner) RunTrack(ctx context.Context, req trackrunner.Request) (*models.TrackResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, req)
	}
	return goodResult(req.TrackIndex), nil
}

func (f *fakeRunner) calls() []trackrunner.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trackrunner.Request(nil), f.requests...)
}

func goodResult(index int) *models.TrackResult {
	return &models.TrackResult{
		Bonus:      2,
		Completion: 100,
		Time:       25 + float64(index),
		Runtime:    27,
		EndFrame:   700,
		FrameCount: 700,
		FrameRate:  29.5 - float64(index),
		Autopsy:    models.AutopsyCompleted,
	}
}

func testConfig(host string) Config {
	cfg := DefaultConfig()
	cfg.Hostname = host
	cfg.Retry = retry.Config{MaxRetries: 0, ShouldRetry: retry.IsRetryable}
	return cfg
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func newTestAgent(s store.Store, r trackrunner.Runner, cfg Config) *Agent {
	return NewAgent(s, r, cfg,
		WithLogger(logging.NewLogger(logging.FATAL, false)),
		WithSleep(noSleep),
	)
}

func seed(t *testing.T, s store.Store, generation int, n int) []*models.EvaluationUnit {
	t.Helper()
	var units []*models.EvaluationUnit
	for i := 1; i <= n; i++ {
		u := models.NewEvaluationUnit(generation, 1, i, []string{"circuit1_a", "circuit1_b"}, []float64{30, 40}, []byte("ctrl"))
		stored, err := s.UpsertUnit(context.Background(), u)
		require.NoError(t, err)
		units = append(units, stored)
	}
	return units
}

func TestRunOnceFinishesUnit(t *testing.T) {
	s := store.NewMemoryStore()
	units := seed(t, s, 1, 1)
	runner := &fakeRunner{}
	agent := newTestAgent(s, runner, testConfig("host_0"))

	claimed, err := agent.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := s.GetUnit(context.Background(), units[0].ID)
	require.NoError(t, err)
	assert.True(t, got.Finished)
	assert.True(t, got.Started)
	assert.False(t, got.Failed)
	assert.Equal(t, "host_0", got.Hostname)
	assert.Equal(t, 1, got.Attempts)
	require.Len(t, got.Results, 2)
	assert.Equal(t, 25.0, got.Results[0].Time)
	assert.Equal(t, 26.0, got.Results[1].Time)
	assert.Equal(t, 28.5, got.FrameRate)
	assert.Equal(t, models.UnitStatusFinished, got.Status())

	calls := runner.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 40*time.Second, calls[0].Deadline)
	assert.Equal(t, 50*time.Second, calls[1].Deadline)
	assert.Equal(t, "circuit1_b", calls[1].Track.ID)
	assert.Equal(t, []byte("ctrl"), calls[0].Controller)
}

func TestRunOnceNoPendingUnit(t *testing.T) {
	agent := newTestAgent(store.NewMemoryStore(), &fakeRunner{}, testConfig("host_0"))
	claimed, err := agent.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRunOnceFailures(t *testing.T) {
	tests := []struct {
		name      string
		run       func(ctx context.Context, req trackrunner.Request) (*models.TrackResult, error)
		wantErr   error
		wantTag   string
		wantCalls int
	}{
		{
			name: "runner crash on first track",
			run: func(ctx context.Context, req trackrunner.Request) (*models.TrackResult, error) {
				return nil, &trackrunner.RunError{Reason: trackrunner.ExitReasonEvalFailure, ExitCode: 1, Message: "bot exited with code 1"}
			},
			wantTag:   "track run failed (eval_failure, exit 1): bot exited with code 1",
			wantCalls: 1,
		},
		{
			name: "no frames",
			run: func(ctx context.Context, req trackrunner.Request) (*models.TrackResult, error) {
				res := goodResult(req.TrackIndex)
				res.EndFrame = 0
				return res, nil
			},
			wantErr:   ErrNoFrames,
			wantTag:   "No frames!",
			wantCalls: 1,
		},
		{
			name: "low frame rate on second track",
			run: func(ctx context.Context, req trackrunner.Request) (*models.TrackResult, error) {
				res := goodResult(req.TrackIndex)
				if req.TrackIndex == 1 {
					res.FrameRate = 20
				}
				return res, nil
			},
			wantErr:   ErrLowFrameRate,
			wantTag:   "Frame rate too low!",
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemoryStore()
			units := seed(t, s, 1, 1)
			runner := &fakeRunner{run: tt.run}
			agent := newTestAgent(s, runner, testConfig("host_0"))

			claimed, err := agent.RunOnce(context.Background())
			assert.True(t, claimed)

			var evalErr *EvalError
			require.True(t, errors.As(err, &evalErr))
			assert.True(t, evalErr.Recorded)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
			}
			lowFrameRate := 0
			if errors.Is(err, ErrLowFrameRate) {
				lowFrameRate = 1
			}

			got, err := s.GetUnit(context.Background(), units[0].ID)
			require.NoError(t, err)
			assert.False(t, got.Started, "failure releases the claim")
			assert.True(t, got.Failed)
			assert.True(t, got.JustFailed)
			assert.False(t, got.Finished)
			assert.Equal(t, tt.wantTag, got.Error)
			assert.Equal(t, "host_0", got.Hostname)
			assert.Equal(t, 1, got.Failures)
			assert.Equal(t, lowFrameRate, got.LowFrameRateFailures)
			assert.Len(t, runner.calls(), tt.wantCalls)
		})
	}
}

func TestFailedUnitIsClaimableAgain(t *testing.T) {
	s := store.NewMemoryStore()
	units := seed(t, s, 1, 1)

	crash := &fakeRunner{run: func(ctx context.Context, req trackrunner.Request) (*models.TrackResult, error) {
		return nil, &trackrunner.RunError{Reason: trackrunner.ExitReasonSignal}
	}}
	_, err := newTestAgent(s, crash, testConfig("host_0")).RunOnce(context.Background())
	require.Error(t, err)

	claimed, err := newTestAgent(s, &fakeRunner{}, testConfig("host_1")).RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := s.GetUnit(context.Background(), units[0].ID)
	require.NoError(t, err)
	assert.True(t, got.Finished)
	assert.False(t, got.Failed)
	assert.Empty(t, got.Error)
	assert.Equal(t, "host_1", got.Hostname)
	assert.Equal(t, 2, got.Attempts)
}

func TestFailedUnitLeftForOtherWorkers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	units := seed(t, s, 1, 1)

	crash := &fakeRunner{run: func(ctx context.Context, req trackrunner.Request) (*models.TrackResult, error) {
		return nil, &trackrunner.RunError{Reason: trackrunner.ExitReasonEvalFailure, ExitCode: 1}
	}}
	broken := newTestAgent(s, crash, testConfig("host_0"))
	healthy := newTestAgent(s, &fakeRunner{}, testConfig("host_1"))

	claimed, err := broken.RunOnce(ctx)
	require.Error(t, err)
	require.True(t, claimed)

	claimed, err = broken.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, claimed, "the unit just failed here is skipped once")

	claimed, err = healthy.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := s.GetUnit(ctx, units[0].ID)
	require.NoError(t, err)
	assert.True(t, got.Finished)
	assert.Equal(t, "host_1", got.Hostname)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 1, got.Failures)
	assert.Len(t, crash.calls(), 1)
}

func TestSkipLastsOneClaim(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	units := seed(t, s, 1, 2)

	failFirst := &fakeRunner{run: func(ctx context.Context, req trackrunner.Request) (*models.TrackResult, error) {
		return nil, &trackrunner.RunError{Reason: trackrunner.ExitReasonEvalFailure, ExitCode: 1}
	}}
	agent := newTestAgent(s, failFirst, testConfig("host_0"))

	_, err := agent.RunOnce(ctx)
	require.Error(t, err)

	// Next claim goes to the other unit, then the failed one is claimable again
	failFirst.run = nil
	claimed, err := agent.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = agent.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	for _, u := range units {
		got, err := s.GetUnit(ctx, u.ID)
		require.NoError(t, err)
		assert.True(t, got.Finished, "individual %d", got.IndividualNum)
	}
	first, err := s.GetUnit(ctx, units[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Attempts)
}

func TestRunBacksOffAfterFailure(t *testing.T) {
	s := store.NewMemoryStore()
	units := seed(t, s, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig("host_0")
	cfg.PollMin = 5 * time.Second
	cfg.PollMax = 15 * time.Second
	crash := &fakeRunner{run: func(ctx context.Context, req trackrunner.Request) (*models.TrackResult, error) {
		return nil, &trackrunner.RunError{Reason: trackrunner.ExitReasonEvalFailure, ExitCode: 1}
	}}
	var slept []time.Duration
	agent := NewAgent(s, crash, cfg,
		WithLogger(logging.NewLogger(logging.FATAL, false)),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			cancel()
			return ctx.Err()
		}),
	)

	require.NoError(t, agent.Run(ctx))
	require.Len(t, slept, 1)
	assert.GreaterOrEqual(t, slept[0], 5*time.Second)
	assert.LessOrEqual(t, slept[0], 15*time.Second)
	assert.Len(t, crash.calls(), 1)

	got, err := s.GetUnit(context.Background(), units[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
}

func TestClaimLostMidEvaluation(t *testing.T) {
	s := store.NewMemoryStore()
	units := seed(t, s, 1, 1)

	runner := &fakeRunner{}
	runner.run = func(ctx context.Context, req trackrunner.Request) (*models.TrackResult, error) {
		// Stall recovery times the unit out and another worker claims it
		_, err := s.UpdateFieldsIf(ctx, req.UnitID, store.Filter{Started: store.Bool(true)}, store.Fields{
			Started: store.Bool(false), Failed: store.Bool(true), Error: store.String("Timeout"),
		})
		require.NoError(t, err)
		_, err = s.ClaimOnePending(ctx, store.ClaimRequest{Hostname: "host_9"})
		require.NoError(t, err)
		return goodResult(req.TrackIndex), nil
	}

	agent := newTestAgent(s, runner, testConfig("host_0"))
	claimed, err := agent.RunOnce(context.Background())
	assert.True(t, claimed)
	assert.True(t, errors.Is(err, ErrClaimLost))

	got, err := s.GetUnit(context.Background(), units[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "host_9", got.Hostname)
	assert.True(t, got.Started)
	assert.Equal(t, models.TrackResult{Time: -1}, got.Results[0], "stale writer must not touch the new owner's slots")
}

func TestCancelledRunReleasesUnit(t *testing.T) {
	s := store.NewMemoryStore()
	units := seed(t, s, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{run: func(runCtx context.Context, req trackrunner.Request) (*models.TrackResult, error) {
		cancel()
		return nil, &trackrunner.RunError{Reason: trackrunner.ExitReasonSignal, Message: "run cancelled", Err: runCtx.Err()}
	}}

	_, err := newTestAgent(s, runner, testConfig("host_0")).RunOnce(ctx)
	require.Error(t, err)

	got, err := s.GetUnit(context.Background(), units[0].ID)
	require.NoError(t, err)
	assert.False(t, got.Started)
	assert.True(t, got.JustFailed)
}

func TestRunDrainsQueue(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, 1, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idle := 0
	agent := NewAgent(s, &fakeRunner{}, testConfig("host_0"),
		WithLogger(logging.NewLogger(logging.FATAL, false)),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			idle++
			cancel()
			return ctx.Err()
		}),
	)

	require.NoError(t, agent.Run(ctx))
	assert.Equal(t, 1, idle)

	n, err := s.CountMatching(context.Background(), store.GenerationFilter(1, 1, "").Done())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRunBacksOffWhenHostBusy(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig("host_0")
	cfg.MaxHostCPUPercent = 80
	runner := &fakeRunner{}
	sleeps := 0
	agent := NewAgent(s, runner, cfg,
		WithLogger(logging.NewLogger(logging.FATAL, false)),
		WithHostLoad(func() (float64, error) { return 97, nil }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			sleeps++
			if sleeps == 3 {
				cancel()
			}
			return ctx.Err()
		}),
	)

	require.NoError(t, agent.Run(ctx))
	assert.Empty(t, runner.calls())

	n, err := s.CountMatching(context.Background(), store.Filter{Started: store.Bool(true)})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTwoWorkersRace(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, 1, 10)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(instance int) {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			agent := NewAgent(s, &fakeRunner{}, testConfig(Hostname("racer", instance)),
				WithLogger(logging.NewLogger(logging.FATAL, false)),
				WithSleep(func(ctx context.Context, d time.Duration) error {
					cancel()
					return ctx.Err()
				}),
			)
			assert.NoError(t, agent.Run(ctx))
		}(i)
	}
	wg.Wait()

	units, err := s.FindAll(context.Background(), store.GenerationFilter(1, 1, ""), store.SortFIFO)
	require.NoError(t, err)
	for _, u := range units {
		assert.True(t, u.Finished)
		assert.Equal(t, 1, u.Attempts, "unit %d claimed more than once", u.IndividualNum)
	}
}

func TestHostnameFormat(t *testing.T) {
	assert.Equal(t, "rig_3", Hostname("rig", 3))
	assert.Regexp(t, `^.+_0$`, Hostname("", 0))
}

func TestBackoffWithinWindow(t *testing.T) {
	cfg := testConfig("host_0")
	cfg.PollMin = 5 * time.Second
	cfg.PollMax = 15 * time.Second
	agent := newTestAgent(store.NewMemoryStore(), &fakeRunner{}, cfg)
	for i := 0; i < 100; i++ {
		d := agent.backoff()
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 15*time.Second)
	}
}
