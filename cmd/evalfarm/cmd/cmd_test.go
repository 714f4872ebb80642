package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/evalfarm/pkg/api"
	"github.com/psantana5/evalfarm/pkg/auth"
	"github.com/psantana5/evalfarm/pkg/client"
	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/models"
	"github.com/psantana5/evalfarm/pkg/store"
	"github.com/psantana5/evalfarm/pkg/trackrunner"
	"github.com/psantana5/evalfarm/pkg/worker"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 3, ExitCode(withExitCode(exitNoUnit, nil)))

	wrapped := withExitCode(exitBadArgs, errors.New("bad flag"))
	assert.Equal(t, 2, ExitCode(wrapped))
	assert.Equal(t, "bad flag", wrapped.Error())
	assert.Empty(t, withExitCode(exitNoUnit, nil).Error())
}

func TestInstanceAddr(t *testing.T) {
	assert.Equal(t, ":9103", instanceAddr(":9101", 2))
	assert.Equal(t, "127.0.0.1:9101", instanceAddr("127.0.0.1:9101", 0))
	assert.Equal(t, "", instanceAddr("", 4))
	assert.Equal(t, "not-an-addr", instanceAddr("not-an-addr", 1))
}

func TestWorkerCommand(t *testing.T) {
	c := workerCommand("/usr/bin/evalfarm", "/etc/evalfarm.yaml")(3)
	assert.Equal(t, []string{"/usr/bin/evalfarm", "worker", "--instance", "3", "--config", "/etc/evalfarm.yaml"}, c.Args)

	c = workerCommand("/usr/bin/evalfarm", "")(0)
	assert.Equal(t, []string{"/usr/bin/evalfarm", "worker", "--instance", "0"}, c.Args)
}

type fixedRunner struct{}

func (fixedRunner) RunTrack(ctx context.Context, req trackrunner.Request) (*models.TrackResult, error) {
	return &models.TrackResult{Completion: 100, Time: 20, FrameCount: 560, EndFrame: 560, Runtime: 20, FrameRate: 28}, nil
}

type failingRunner struct{}

func (failingRunner) RunTrack(ctx context.Context, req trackrunner.Request) (*models.TrackResult, error) {
	return nil, &trackrunner.RunError{Reason: trackrunner.ExitReasonEvalFailure, ExitCode: 1, Message: "bot exited with code 1"}
}

func seedUnit(t *testing.T, s store.Store) *models.EvaluationUnit {
	t.Helper()
	tracks := []models.Track{{ID: "circuit_a", TargetTime: 30}}
	u, err := s.UpsertUnit(context.Background(), &models.EvaluationUnit{
		Generation:           1,
		Trial:                1,
		IndividualNum:        1,
		GenomeKey:            7,
		Algo:                 models.DefaultAlgo,
		Tracks:               models.TrackIDs(tracks),
		TargetTimes:          models.TargetTimes(tracks),
		Results:              make([]models.TrackResult, len(tracks)),
		SerializedController: []byte("g7"),
	})
	require.NoError(t, err)
	return u
}

func testAgent(s store.Store, r trackrunner.Runner) *worker.Agent {
	cfg := worker.DefaultConfig()
	cfg.Hostname = "test_0"
	cfg.MinFrameRate = 0
	cfg.Retry.MaxRetries = 0
	return worker.NewAgent(s, r, cfg,
		worker.WithLogger(logging.NewLogger(logging.FATAL, false)),
		worker.WithHostLoad(func() (float64, error) { return 0, nil }),
	)
}

func TestRunWorkerOnceExitCodes(t *testing.T) {
	ctx := context.Background()

	t.Run("no pending unit", func(t *testing.T) {
		code, err := runWorkerOnce(ctx, testAgent(store.NewMemoryStore(), fixedRunner{}))
		assert.NoError(t, err)
		assert.Equal(t, exitNoUnit, code)
	})

	t.Run("completed", func(t *testing.T) {
		s := store.NewMemoryStore()
		u := seedUnit(t, s)

		code, err := runWorkerOnce(ctx, testAgent(s, fixedRunner{}))
		require.NoError(t, err)
		assert.Equal(t, exitCompleted, code)

		got, err := s.GetUnit(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, models.UnitStatusFinished, got.Status())
	})

	t.Run("aborted", func(t *testing.T) {
		s := store.NewMemoryStore()
		u := seedUnit(t, s)

		code, err := runWorkerOnce(ctx, testAgent(s, failingRunner{}))
		require.Error(t, err)
		assert.Equal(t, exitAborted, code)

		got, err := s.GetUnit(ctx, u.ID)
		require.NoError(t, err)
		assert.False(t, got.Started)
		assert.True(t, got.Failed)
	})
}

func newTestAPI(t *testing.T, s store.Store, token string) {
	t.Helper()
	hash := ""
	if token != "" {
		var err error
		hash, err = auth.HashToken(token)
		require.NoError(t, err)
	}
	handler := api.NewHandler(s, nil, auth.NewVerifier(hash), logging.NewLogger(logging.FATAL, false))
	srv := httptest.NewServer(api.NewRouter(handler, nil))
	t.Cleanup(srv.Close)

	prevURL, prevToken := apiURL, apiToken
	apiURL, apiToken = srv.URL+"/", token
	t.Cleanup(func() { apiURL, apiToken = prevURL, prevToken })
}

func TestUnitsListThroughClient(t *testing.T) {
	s := store.NewMemoryStore()
	seedUnit(t, s)
	newTestAPI(t, s, "")

	c, err := operatorClient()
	require.NoError(t, err)
	gen := 1
	result, err := c.ListUnits(context.Background(), client.ListQuery{Generation: &gen})
	require.NoError(t, err)
	require.Len(t, result.Units, 1)
	assert.Equal(t, int64(7), result.Units[0].GenomeKey)
	assert.Nil(t, result.Units[0].SerializedController)

	var buf bytes.Buffer
	require.NoError(t, renderUnits(&buf, result.Units))
	assert.Contains(t, buf.String(), "pending")
}

func TestRequeueNeedsToken(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	u := seedUnit(t, s)
	require.NoError(t, s.UpdateFields(ctx, u.ID, store.Fields{Finished: store.Bool(true)}))

	newTestAPI(t, s, "operator-secret")
	apiToken = "wrong"
	c, err := operatorClient()
	require.NoError(t, err)
	_, err = c.Requeue(ctx, u.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")

	apiToken = "operator-secret"
	c, err = operatorClient()
	require.NoError(t, err)
	unit, err := c.Requeue(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusPending, unit.Status())
}

func TestGetAPIURLTrimsSlash(t *testing.T) {
	prev := apiURL
	t.Cleanup(func() { apiURL = prev })

	apiURL = "http://coordinator:8080///"
	assert.Equal(t, "http://coordinator:8080", GetAPIURL())
}
