// Package metrics holds the Prometheus collectors for the security perimeter.
// All methods are safe on a nil *Metrics so tests can omit it.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "visaportal"

type Metrics struct {
	rateLimitRejections *prometheus.CounterVec
	loginFailures       *prometheus.CounterVec
	accountLockouts     prometheus.Counter
	refreshReuse        prometheus.Counter
	tokensRevoked       *prometheus.CounterVec
	csrfRejections      *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		rateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"scope"}),
		loginFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_failures_total",
			Help:      "Failed login attempts by reason.",
		}, []string{"reason"}),
		accountLockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_lockouts_total",
			Help:      "Accounts locked after too many failed logins.",
		}),
		refreshReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_reuse_detected_total",
			Help:      "Refresh token reuse events that triggered a cascade revocation.",
		}),
		tokensRevoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_tokens_revoked_total",
			Help:      "Refresh tokens revoked by reason.",
		}, []string{"reason"}),
		csrfRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_rejections_total",
			Help:      "Requests rejected by the CSRF guard.",
		}, []string{"reason"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.rateLimitRejections,
		m.loginFailures,
		m.accountLockouts,
		m.refreshReuse,
		m.tokensRevoked,
		m.csrfRejections,
		m.requestDuration,
	)
	return m
}

func (m *Metrics) RateLimitRejected(scope string) {
	if m == nil {
		return
	}
	m.rateLimitRejections.WithLabelValues(scope).Inc()
}

func (m *Metrics) LoginFailed(reason string) {
	if m == nil {
		return
	}
	m.loginFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) AccountLocked() {
	if m == nil {
		return
	}
	m.accountLockouts.Inc()
}

func (m *Metrics) RefreshReuseDetected() {
	if m == nil {
		return
	}
	m.refreshReuse.Inc()
}

func (m *Metrics) TokensRevoked(reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensRevoked.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) CSRFRejected(reason string) {
	if m == nil {
		return
	}
	m.csrfRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
