package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.CacheOp("c", "hit")
		m.CacheSize("c", 1)
		m.EventPublished("a.b", "normal")
		m.HandlerFailed("a.b")
		m.HistorySize(3)
		m.ErrorHandled("network", "exhausted")
		m.Retry("network")
		m.HealthState("svc", "healthy", []string{"healthy"})
		m.ForgetService("svc")
		m.Restart("svc", "recovered")
		m.ConfigRejected("k")
		m.FlushFailed("user")
	})
	require.Nil(t, m.Registry())
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.CacheOp("sessions", "hit")
	m.CacheOp("sessions", "hit")
	m.CacheOp("sessions", "miss")
	m.Retry("network")

	require.Equal(t, 2.0, testutil.ToFloat64(m.cacheOps.WithLabelValues("sessions", "hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.cacheOps.WithLabelValues("sessions", "miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("network")))
}

func TestMetrics_HealthStateIsOneHot(t *testing.T) {
	m := New()
	states := []string{"healthy", "degraded", "unhealthy", "unknown"}

	m.HealthState("indexer", "degraded", states)

	require.Equal(t, 1.0, testutil.ToFloat64(m.healthState.WithLabelValues("indexer", "degraded")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.healthState.WithLabelValues("indexer", "healthy")))

	m.ForgetService("indexer")
	require.Equal(t, 0, testutil.CollectAndCount(m.healthState))
}

func TestMetrics_RuntimeCollectors(t *testing.T) {
	m := New(WithRuntimeCollectors())

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
