package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/evalfarm/pkg/api"
	"github.com/psantana5/evalfarm/pkg/auth"
	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/models"
	"github.com/psantana5/evalfarm/pkg/store"
)

func seed(t *testing.T, s store.Store, individual int) *models.EvaluationUnit {
	t.Helper()
	tracks := []models.Track{{ID: "circuit_a", TargetTime: 30}}
	u, err := s.UpsertUnit(context.Background(), &models.EvaluationUnit{
		Generation:           2,
		Trial:                1,
		IndividualNum:        individual,
		GenomeKey:            int64(100 + individual),
		Algo:                 models.DefaultAlgo,
		Tracks:               models.TrackIDs(tracks),
		TargetTimes:          models.TargetTimes(tracks),
		Results:              make([]models.TrackResult, len(tracks)),
		SerializedController: []byte("controller"),
	})
	require.NoError(t, err)
	return u
}

func newServer(t *testing.T, s store.Store, token string) string {
	t.Helper()
	hash := ""
	if token != "" {
		var err error
		hash, err = auth.HashToken(token)
		require.NoError(t, err)
	}
	h := api.NewHandler(s, nil, auth.NewVerifier(hash), logging.NewLogger(logging.FATAL, false))
	srv := httptest.NewServer(api.NewRouter(h, nil))
	t.Cleanup(srv.Close)
	return srv.URL + "/"
}

func TestListAndGet(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	first := seed(t, s, 1)
	seed(t, s, 2)

	c := NewClient(newServer(t, s, ""))
	require.NoError(t, c.Health(ctx))

	gen := 2
	list, err := c.ListUnits(ctx, ListQuery{Generation: &gen, Status: models.UnitStatusPending, Limit: 1})
	require.NoError(t, err)
	require.Len(t, list.Units, 1)
	assert.Equal(t, 1, list.Count)
	assert.Nil(t, list.Units[0].SerializedController)

	unit, err := c.GetUnit(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("controller"), unit.SerializedController)

	summary, err := c.GenerationSummary(ctx, 2, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Counts[models.UnitStatusPending])
}

func TestRequeueUsesToken(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	u := seed(t, s, 1)
	require.NoError(t, s.UpdateFields(ctx, u.ID, store.Fields{Finished: store.Bool(true)}))
	url := newServer(t, s, "secret")

	_, err := NewClient(url).Requeue(ctx, u.ID)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)

	got, err := NewClient(url, WithToken("secret")).Requeue(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusPending, got.Status())
}

func TestGetUnknownUnit(t *testing.T) {
	c := NewClient(newServer(t, store.NewMemoryStore(), ""))
	_, err := c.GetUnit(context.Background(), "missing")

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestListQueryValues(t *testing.T) {
	gen := 0
	v := ListQuery{Generation: &gen, Trial: 1.5, Best: true, Hostname: "farm_1"}.values()
	assert.Equal(t, "0", v.Get("generation"))
	assert.Equal(t, "1.5", v.Get("trial"))
	assert.Equal(t, "best", v.Get("sort"))
	assert.Equal(t, "farm_1", v.Get("hostname"))
	assert.Empty(t, v.Get("limit"))
}
