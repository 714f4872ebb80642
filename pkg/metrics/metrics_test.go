package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderIncludesCollectors(t *testing.T) {
	m := New()
	m.SetUnitCounts(3, 2, 5)
	m.Workers.Set(2)
	m.Recoveries.WithLabelValues("timeout").Inc()

	data, err := m.Render()
	require.NoError(t, err)
	body := string(data)

	assert.Contains(t, body, "evalfarm_uptime_seconds")
	assert.Contains(t, body, `evalfarm_units{state="pending"} 3`)
	assert.Contains(t, body, `evalfarm_units{state="finished"} 5`)
	assert.Contains(t, body, "evalfarm_workers_active 2")
	assert.Contains(t, body, `evalfarm_recoveries_total{kind="timeout"} 1`)
}

func TestInstancesAreIndependent(t *testing.T) {
	a := New()
	b := New()
	a.DataLoss.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.DataLoss))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.DataLoss))
}

func TestServeHTTP(t *testing.T) {
	m := New()
	m.Claims.WithLabelValues("claimed").Inc()

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), `evalfarm_claims_total{result="claimed"} 1`)
}
