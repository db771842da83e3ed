package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/amoylab/timerbridge/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connect results reported by UpstreamConnect
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Metrics holds every series the bridge exports. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	httpInfl   *prometheus.GaugeVec

	sessionsActive prometheus.Gauge
	sessionDur     prometheus.Histogram
	connects       *prometheus.CounterVec
	requests       *prometheus.CounterVec
	replies        prometheus.Counter
	unmatched      prometheus.Counter
	malformed      prometheus.Counter
	notifications  *prometheus.CounterVec
	flushed        *prometheus.CounterVec
	dropped        prometheus.Counter
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry:   r,
		httpReqCnt: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"}),
		httpDur:    prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: cfg.Buckets}, []string{"method", "route", "status"}),
		httpInfl:   prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"}),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "sessions_active"}),
		sessionDur:     prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: "session_duration_seconds", Buckets: []float64{1, 10, 60, 300, 1800, 3600, 4 * 3600}}),
		connects:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "upstream_connects_total"}, []string{"result"}),
		requests:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "requests_total"}, []string{"event"}),
		replies:        prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "replies_resolved_total"}),
		unmatched:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "replies_unmatched_total"}),
		malformed:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "upstream_malformed_messages_total"}),
		notifications:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "notifications_total"}, []string{"kind"}),
		flushed:        prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "acceptors_flushed_total"}, []string{"reason"}),
		dropped:        prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "requests_dropped_total"}),
	}
	r.MustRegister(m.httpReqCnt, m.httpDur, m.httpInfl)
	r.MustRegister(m.sessionsActive, m.sessionDur, m.connects, m.requests, m.replies,
		m.unmatched, m.malformed, m.notifications, m.flushed, m.dropped)
	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed(since time.Time) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionDur.Observe(time.Since(since).Seconds())
}

// UpstreamConnect counts one finished dial attempt
func (m *Metrics) UpstreamConnect(result string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(result).Inc()
}

func (m *Metrics) Request(event string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(event).Inc()
}

func (m *Metrics) ReplyResolved() {
	if m == nil {
		return
	}
	m.replies.Inc()
}

func (m *Metrics) ReplyUnmatched() {
	if m == nil {
		return
	}
	m.unmatched.Inc()
}

func (m *Metrics) MalformedMessage() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) Notification(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

// AcceptorsFlushed counts pending replies failed at once for reason
func (m *Metrics) AcceptorsFlushed(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.flushed.WithLabelValues(reason).Add(float64(n))
}

// RequestsDropped counts fire-and-forget requests discarded unsent
func (m *Metrics) RequestsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.Add(float64(n))
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
