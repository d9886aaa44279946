package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoop(t *testing.T) {
	var m Recorder = Noop{}
	m.IncChainsSubmitted("purchase", "t1")
	m.IncBuildFailures("purchase", "no_template")
	m.IncDecisions("approve", "applied")
	m.IncDecisionConflicts()
	m.ObserveChainCompleted("purchase", "approved", time.Minute)
	m.ObserveHTTPRequest("GET", "/health", 200, time.Millisecond)
}

func TestProm(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewProm("approvals", reg)

	m.IncChainsSubmitted("purchase", "po-large")
	m.IncChainsSubmitted("purchase", "po-large")
	m.IncDecisions("approve", "applied")
	m.IncDecisionConflicts()
	m.ObserveHTTPRequest("POST", "/api/v1/chains", 503, 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.chainsSubmitted.WithLabelValues("purchase", "po-large")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("approve", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisionConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "/api/v1/chains", "5xx")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "approvals_chains_submitted_total")
	assert.Contains(t, string(body), "approvals_decision_conflicts_total 1")
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "3xx", statusClass(304))
	assert.Equal(t, "4xx", statusClass(409))
	assert.Equal(t, "5xx", statusClass(500))
}
