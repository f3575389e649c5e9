package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engagement service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Collector metrics
	Views    *prometheus.CounterVec
	AdEvents *prometheus.CounterVec

	// Moderation metrics
	CommentsSubmitted *prometheus.CounterVec
	ModerationActions *prometheus.CounterVec

	// Aggregation metrics
	Refreshes         *prometheus.CounterVec
	RefreshLatency    *prometheus.HistogramVec
	CoordinatorState  *prometheus.GaugeVec
	SubscribeFailures *prometheus.CounterVec
	OrphanRows        *prometheus.GaugeVec
	ClampedAds        prometheus.Gauge

	// HTTP metrics
	HTTPRequests  *prometheus.CounterVec
	HTTPLatency   *prometheus.HistogramVec
	RateLimitHits *prometheus.CounterVec

	// System metrics
	DBConnections *prometheus.GaugeVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// registers with the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Views: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "article_views_total",
				Help:      "Article view attempts by outcome",
			},
			[]string{"result"},
		),
		AdEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ad_events_total",
				Help:      "Ad impressions and clicks by outcome",
			},
			[]string{"kind", "result"},
		),

		CommentsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "comments_submitted_total",
				Help:      "Comment submissions by outcome",
			},
			[]string{"result"},
		),
		ModerationActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "moderation_actions_total",
				Help:      "Moderation actions by action and outcome",
			},
			[]string{"action", "result"},
		),

		Refreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metric_refreshes_total",
				Help:      "Metric recomputations by job and outcome",
			},
			[]string{"job", "result"},
		),
		RefreshLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "metric_refresh_seconds",
				Help:      "Metric recomputation latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"job"},
		),
		CoordinatorState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "refresh_coordinator_state",
				Help:      "Current coordinator state per job (0 idle, 1 subscribed, 2 recomputing, 3 polling)",
			},
			[]string{"job"},
		),
		SubscribeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "change_feed_failures_total",
				Help:      "Change feed subscription failures",
			},
			[]string{"job"},
		),
		OrphanRows: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "orphan_rows",
				Help:      "Rows skipped by the last aggregation because their article is gone",
			},
			[]string{"table"},
		),
		ClampedAds: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ads_clicks_exceed_impressions",
				Help:      "Ads whose click count exceeds impressions in the last snapshot",
			},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"scope"},
		),

		DBConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "PostgreSQL pool connections by state",
			},
			[]string{"state"},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordView records a view attempt outcome: recorded, duplicate or failed.
func (m *Metrics) RecordView(result string) {
	if m == nil {
		return
	}
	m.Views.WithLabelValues(result).Inc()
}

// RecordAdEvent records an impression or click outcome.
func (m *Metrics) RecordAdEvent(kind, result string) {
	if m == nil {
		return
	}
	m.AdEvents.WithLabelValues(kind, result).Inc()
}

// RecordCommentSubmitted records a submission outcome.
func (m *Metrics) RecordCommentSubmitted(result string) {
	if m == nil {
		return
	}
	m.CommentsSubmitted.WithLabelValues(result).Inc()
}

// RecordModeration records a moderation action outcome.
func (m *Metrics) RecordModeration(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ModerationActions.WithLabelValues(action, result).Inc()
}

// RecordRefresh records one recomputation of a metrics job.
func (m *Metrics) RecordRefresh(job string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Refreshes.WithLabelValues(job, result).Inc()
	m.RefreshLatency.WithLabelValues(job).Observe(latency.Seconds())
}

// SetCoordinatorState publishes the state ordinal of a job.
func (m *Metrics) SetCoordinatorState(job string, state int) {
	if m == nil {
		return
	}
	m.CoordinatorState.WithLabelValues(job).Set(float64(state))
}

// RecordSubscribeFailure records a failed or dropped change feed subscription.
func (m *Metrics) RecordSubscribeFailure(job string) {
	if m == nil {
		return
	}
	m.SubscribeFailures.WithLabelValues(job).Inc()
}

// SetOrphans publishes the orphan count per table from the last aggregation.
func (m *Metrics) SetOrphans(table string, n int) {
	if m == nil {
		return
	}
	m.OrphanRows.WithLabelValues(table).Set(float64(n))
}

// SetClampedAds publishes the number of ads with clicks above impressions.
func (m *Metrics) SetClampedAds(n int) {
	if m == nil {
		return
	}
	m.ClampedAds.Set(float64(n))
}

// RecordHTTPRequest records a served request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(latency.Seconds())
}

// RecordRateLimitHit records a rate limit rejection; scope is global or ip.
func (m *Metrics) RecordRateLimitHit(scope string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(scope).Inc()
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	if m == nil {
		return
	}
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}
