package render0

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics registers on its own registry so several services (tests) can
// coexist in one process.
type metrics struct {
	registry *prometheus.Registry

	cacheRequests      *prometheus.CounterVec
	upstreamRequests   *prometheus.CounterVec
	screenshotRetries  prometheus.Counter
	stylesheetsInlined *prometheus.CounterVec
	fetchDuration      *prometheus.HistogramVec
	cacheEntries       prometheus.GaugeFunc
}

func newMetrics(entries func() float64) *metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	m := &metrics{registry: reg}
	m.cacheRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "render0_cache_requests_total",
		Help: "Fetches by cache outcome (hit, miss)",
	}, []string{"result"})
	m.upstreamRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "render0_upstream_requests_total",
		Help: "Calls to the rendering service by endpoint and outcome",
	}, []string{"service", "outcome"})
	m.screenshotRetries = f.NewCounter(prometheus.CounterOpts{
		Name: "render0_screenshot_retries_total",
		Help: "Screenshot attempts repeated after a 429",
	})
	m.stylesheetsInlined = f.NewCounterVec(prometheus.CounterOpts{
		Name: "render0_stylesheets_inlined_total",
		Help: "Stylesheet links processed by outcome (inlined, error)",
	}, []string{"outcome"})
	m.fetchDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "render0_fetch_duration_seconds",
		Help:    "End-to-end fetch latency by source",
		Buckets: []float64{0.005, 0.05, 0.25, 1, 2.5, 5, 10, 20, 40, 80},
	}, []string{"source"})
	if entries != nil {
		m.cacheEntries = f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "render0_cache_entries",
			Help: "Entries currently held by the result cache",
		}, entries)
	}
	return m
}

func (m *metrics) observeCache(src Source) {
	m.cacheRequests.WithLabelValues(string(src)).Inc()
}

func (m *metrics) observeUpstream(service, outcome string) {
	m.upstreamRequests.WithLabelValues(service, outcome).Inc()
}

func (m *metrics) observeStylesheet(outcome string) {
	m.stylesheetsInlined.WithLabelValues(outcome).Inc()
}

func (m *metrics) observeFetch(src Source, d time.Duration) {
	m.fetchDuration.WithLabelValues(string(src)).Observe(d.Seconds())
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
