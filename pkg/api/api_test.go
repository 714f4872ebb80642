package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/evalfarm/pkg/auth"
	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/metrics"
	"github.com/psantana5/evalfarm/pkg/models"
	"github.com/psantana5/evalfarm/pkg/store"
	"github.com/psantana5/evalfarm/pkg/tracing"
)

type fixture struct {
	store  *store.MemoryStore
	router http.Handler
	token  string
	units  []*models.EvaluationUnit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	var units []*models.EvaluationUnit
	for i := 1; i <= 3; i++ {
		u, err := s.UpsertUnit(ctx, models.NewEvaluationUnit(4, 1, i, []string{"a"}, []float64{30}, []byte("ctrl")))
		require.NoError(t, err)
		units = append(units, u)
	}

	token, hash, err := auth.GenerateToken()
	require.NoError(t, err)

	logger := logging.NewLogger(logging.FATAL, false)
	h := NewHandler(s, metrics.New(), auth.NewVerifier(hash), logger)
	return &fixture{store: s, router: NewRouter(h, tracing.Noop()), token: token, units: units}
}

func (f *fixture) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "evalfarm_uptime_seconds")
}

func TestListUnits(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.ClaimOnePending(context.Background(), store.ClaimRequest{Hostname: "rig_0"})
	require.NoError(t, err)

	tests := []struct {
		query string
		count int
	}{
		{"", 3},
		{"?generation=4", 3},
		{"?generation=5", 0},
		{"?status=pending", 2},
		{"?status=in_progress&hostname=rig_0", 1},
		{"?limit=1", 1},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/v1/units"+tt.query, "")
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var body struct {
				Units []models.EvaluationUnit `json:"units"`
				Count int                     `json:"count"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.count, body.Count)
			for _, u := range body.Units {
				assert.Nil(t, u.SerializedController)
			}
		})
	}

	for _, bad := range []string{"?generation=x", "?status=bogus", "?limit=-1"} {
		rec := f.do(t, http.MethodGet, "/api/v1/units"+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestGetUnit(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/units/"+f.units[0].ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var u models.EvaluationUnit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.Equal(t, f.units[0].ID, u.ID)
	assert.Equal(t, []byte("ctrl"), u.SerializedController)

	rec = f.do(t, http.MethodGet, "/api/v1/units/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerationSummary(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.ClaimOnePending(context.Background(), store.ClaimRequest{Hostname: "rig_0"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/generations/4", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp GenerationSummaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Counts[models.UnitStatusPending])
	assert.Equal(t, 1, resp.Counts[models.UnitStatusInProgress])
	assert.Equal(t, []string{"rig_0"}, resp.Workers)
	assert.Equal(t, models.DefaultAlgo, resp.Algo)
}

func TestRequeueUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.units[1].ID
	require.NoError(t, f.store.UpdateFields(ctx, id, store.Fields{
		Failed:            store.Bool(true),
		PermanentlyFailed: store.Bool(true),
		Attempts:          store.Int(3),
	}))
	path := "/api/v1/units/" + id + "/requeue"

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, path, "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, path, "wrong").Code)

	rec := f.do(t, http.MethodPost, path, f.token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := f.store.GetUnit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusPending, got.Status())
	assert.Equal(t, 0, got.Attempts)

	// already pending
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, path, f.token).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/units/nope/requeue", f.token).Code)
}

func TestRequeueHandlerNeedsOperatorContext(t *testing.T) {
	s := store.NewMemoryStore()
	h := NewHandler(s, nil, auth.NewVerifier(""), logging.NewLogger(logging.FATAL, false))

	req := mux.SetURLVars(httptest.NewRequest(http.MethodPost, "/api/v1/units/x/requeue", nil), map[string]string{"id": "x"})
	rec := httptest.NewRecorder()
	h.RequeueUnit(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
