package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SocketConnected()
		m.SocketFrame("in")
		m.RoomJoin("joined")
		m.BusMessage("t", "EVENT")
		m.BusReconnect("consumer", "crash")
		m.SetRegistryServices(3)
		m.SetPendingRequests(1)
		m.RequestTimeout()
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.SocketConnected()
	m.SocketConnected()
	m.SocketDisconnected()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.socketConnections))

	m.BusMessage("service-registry", "EVENT")
	m.BusMessage("service-registry", "EVENT")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.busMessages.WithLabelValues("service-registry", "EVENT")))

	m.SetRegistryServices(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(m.registryServices))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RequestTimeout()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "service_gateway_requests_timeouts_total"))
}
