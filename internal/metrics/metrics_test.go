package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.FramesReceived.WithLabelValues("control", "GISData").Inc()
	m.FramesReceived.WithLabelValues("control", "GISData").Inc()
	m.ResolutionsDegraded.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesReceived.WithLabelValues("control", "GISData")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolutionsDegraded))
}

func TestHandler(t *testing.T) {
	m := New()
	m.RulesActive.Set(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rtls_rules_active 3")
}

func TestNewIsIsolated(t *testing.T) {
	// Two instances must not collide on registration.
	a := New()
	b := New()
	a.DispatchDropped.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.DispatchDropped))
}
