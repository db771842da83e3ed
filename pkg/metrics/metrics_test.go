package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amoylab/timerbridge/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeSeries(t *testing.T) {
	m := New(config.MetricsConfig{Namespace: "tb"})

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed(time.Now().Add(-time.Second))
	m.UpstreamConnect(ResultOK)
	m.UpstreamConnect(ResultFailed)
	m.UpstreamConnect(ResultFailed)
	m.Request("get_version")
	m.ReplyResolved()
	m.ReplyUnmatched()
	m.MalformedMessage()
	m.Notification("heartbeat")
	m.AcceptorsFlushed("link_down", 3)
	m.AcceptorsFlushed("link_down", 0)
	m.RequestsDropped(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connects.WithLabelValues(ResultOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connects.WithLabelValues(ResultFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("get_version")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unmatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.malformed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("heartbeat")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.flushed.WithLabelValues("link_down")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dropped))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.SessionClosed(time.Now())
		m.UpstreamConnect(ResultOK)
		m.Request("x")
		m.ReplyResolved()
		m.ReplyUnmatched()
		m.MalformedMessage()
		m.Notification("x")
		m.AcceptorsFlushed("x", 1)
		m.RequestsDropped(1)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New(config.MetricsConfig{Namespace: "tb"})

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/health_check", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health_check")
	require.NoError(t, err)
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `tb_http_requests_total{method="GET",route="/health_check",status="200"} 1`)
	assert.Contains(t, string(body), "tb_sessions_active")
}
