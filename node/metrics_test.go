package node

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics("test")

	m.connOpened(directionInbound)
	m.connOpened(directionOutbound)
	m.connClosed()
	m.read(10)
	m.written(4)
	m.fault(eventData)
	m.connectFailed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsTotal.WithLabelValues(directionInbound)))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.bytesRead))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.bytesWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerFaults.WithLabelValues(eventData)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectErrors))
}

func TestMetricsSeparateRegistries(t *testing.T) {
	// a second reactor in the same process must not collide on registration
	a := NewMetrics("nbconn")
	b := NewMetrics("nbconn")
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics("test")
	m.read(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "test_bytes_read_total 3")
}
