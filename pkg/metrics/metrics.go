package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skychat-io/skychat/internal/common/config"
)

type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	httpInfl   *prometheus.GaugeVec

	connGauge    prometheus.Gauge
	sessGauge    prometheus.Gauge
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	admitted     prometheus.Counter
	throttled    prometheus.Counter
	genDur       *prometheus.HistogramVec
	upstreamErrs *prometheus.CounterVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: cfg.Buckets}, []string{"method", "route", "status"})
	httpInfl := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"})
	r.MustRegister(httpReqCnt, httpDur, httpInfl)

	connGauge := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "active_connections"})
	sessGauge := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "active_sessions"})
	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "cache_hits_total"})
	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "cache_misses_total"})
	admitted := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "admitted_total"})
	throttled := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "throttled_total"})
	genDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "generation_duration_seconds", Buckets: cfg.Buckets}, []string{"outcome"})
	upstreamErrs := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "upstream_errors_total"}, []string{"kind"})
	r.MustRegister(connGauge, sessGauge, cacheHits, cacheMisses, admitted, throttled, genDur, upstreamErrs)

	return &Metrics{
		registry:     r,
		namespace:    ns,
		httpReqCnt:   httpReqCnt,
		httpDur:      httpDur,
		httpInfl:     httpInfl,
		connGauge:    connGauge,
		sessGauge:    sessGauge,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
		admitted:     admitted,
		throttled:    throttled,
		genDur:       genDur,
		upstreamErrs: upstreamErrs,
	}
}

func (m *Metrics) ConnectionsAdd(delta int) { m.connGauge.Add(float64(delta)) }
func (m *Metrics) SessionsSet(n int)        { m.sessGauge.Set(float64(n)) }
func (m *Metrics) CacheHit()                { m.cacheHits.Inc() }
func (m *Metrics) CacheMiss()               { m.cacheMisses.Inc() }
func (m *Metrics) Admitted()                { m.admitted.Inc() }
func (m *Metrics) Throttled()               { m.throttled.Inc() }

func (m *Metrics) GenerationDone(outcome string, d time.Duration) {
	m.genDur.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) UpstreamError(kind string) {
	m.upstreamErrs.WithLabelValues(kind).Inc()
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
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
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
