package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionFinished("completed")
		m.SetScheduler(1, 2)
		m.PartUploaded(10, time.Second)
		m.PartRetried()
		m.CredentialFetched("initial")
	})
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionFinished("completed")
	m.SessionFinished("completed")
	m.SessionFinished("failed")
	m.SetScheduler(2, 3)
	m.PartUploaded(1024, 200*time.Millisecond)
	m.PartUploaded(512, 100*time.Millisecond)
	m.PartRetried()
	m.CredentialFetched("initial")
	m.CredentialFetched("refresh")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueuedSessions))
	assert.Equal(t, 1536.0, testutil.ToFloat64(m.BytesUploaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PartRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CredentialFetches.WithLabelValues("refresh")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "mediaupload_part_duration_seconds")
	assert.Contains(t, names, "mediaupload_sessions_total")
}

func TestNew_NilRegistry(t *testing.T) {
	m := New(nil)
	require.NotNil(t, m)
	m.PartRetried()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PartRetries))
}
