// Package metrics provides Prometheus metrics for sentinel operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for sentinel operations.
// A nil or disabled *Metrics is a valid no-op.
type Metrics struct {
	enabled bool

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec
	lockoutsTotal     prometheus.Counter
	mfaChecksTotal    *prometheus.CounterVec

	// Token and API key metrics
	tokensIssuedTotal        prometheus.Counter
	tokenVerificationsTotal  *prometheus.CounterVec
	apiKeyVerificationsTotal *prometheus.CounterVec
	rateLimitedTotal         *prometheus.CounterVec

	// Threat metrics
	threatScore       prometheus.Histogram
	alertsTotal       *prometheus.CounterVec
	incidentsTotal    *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	eventsAggregated  *prometheus.CounterVec
	bucketsFlushTotal prometheus.Counter
}

// Option configures metric registration.
type Option func(*options)

type options struct {
	reg prometheus.Registerer
}

// WithRegisterer registers metrics on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// New creates and registers Prometheus metrics.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool, opts ...Option) *Metrics {
	m := &Metrics{enabled: enabled}

	if !enabled {
		return m
	}

	o := options{reg: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	f := promauto.With(o.reg)

	// Authentication metrics
	m.authAttemptsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_auth_attempts_total",
		Help: "Password authentication attempts by result",
	}, []string{"result"})

	m.lockoutsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_account_lockouts_total",
		Help: "Accounts locked after repeated failures",
	})

	m.mfaChecksTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_mfa_checks_total",
		Help: "TOTP verifications by result",
	}, []string{"result"})

	// Token and API key metrics
	m.tokensIssuedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_tokens_issued_total",
		Help: "Session tokens issued",
	})

	m.tokenVerificationsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_token_verifications_total",
		Help: "Session token verifications by result",
	}, []string{"result"})

	m.apiKeyVerificationsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_api_key_verifications_total",
		Help: "API key verifications by result",
	}, []string{"result"})

	m.rateLimitedTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_rate_limited_total",
		Help: "Requests rejected by a rate limiter",
	}, []string{"limiter"})

	// Threat metrics
	m.threatScore = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_threat_score",
		Help:    "Distribution of event threat scores",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	})

	m.alertsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_alerts_total",
		Help: "Alert rules fired",
	}, []string{"rule"})

	m.incidentsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_incidents_opened_total",
		Help: "Incidents opened by type",
	}, []string{"type"})

	m.transitionsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_incident_transitions_total",
		Help: "Incident status transitions by target status",
	}, []string{"status"})

	m.eventsAggregated = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_events_aggregated_total",
		Help: "Security events counted by the aggregator",
	}, []string{"type"})

	m.bucketsFlushTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_aggregate_buckets_flushed_total",
		Help: "Aggregation buckets flushed",
	})

	return m
}

func (m *Metrics) on() bool { return m != nil && m.enabled }

// RecordAuthAttempt records a password authentication outcome.
func (m *Metrics) RecordAuthAttempt(result string) {
	if !m.on() {
		return
	}
	m.authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordLockout records an account lockout.
func (m *Metrics) RecordLockout() {
	if !m.on() {
		return
	}
	m.lockoutsTotal.Inc()
}

// RecordMFACheck records a TOTP verification outcome.
func (m *Metrics) RecordMFACheck(ok bool) {
	if !m.on() {
		return
	}
	m.mfaChecksTotal.WithLabelValues(result(ok)).Inc()
}

// RecordTokenIssued records an issued session token.
func (m *Metrics) RecordTokenIssued() {
	if !m.on() {
		return
	}
	m.tokensIssuedTotal.Inc()
}

// RecordTokenVerification records a token verification outcome.
func (m *Metrics) RecordTokenVerification(result string) {
	if !m.on() {
		return
	}
	m.tokenVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordAPIKeyVerification records an API key verification outcome.
func (m *Metrics) RecordAPIKeyVerification(result string) {
	if !m.on() {
		return
	}
	m.apiKeyVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimited records a rejected request.
func (m *Metrics) RecordRateLimited(limiter string) {
	if !m.on() {
		return
	}
	m.rateLimitedTotal.WithLabelValues(limiter).Inc()
}

// ObserveThreatScore records a threat score.
func (m *Metrics) ObserveThreatScore(score float64) {
	if !m.on() {
		return
	}
	m.threatScore.Observe(score)
}

// RecordAlert records a fired alert rule.
func (m *Metrics) RecordAlert(rule string) {
	if !m.on() {
		return
	}
	m.alertsTotal.WithLabelValues(rule).Inc()
}

// RecordIncidentOpened records a new incident.
func (m *Metrics) RecordIncidentOpened(incidentType string) {
	if !m.on() {
		return
	}
	m.incidentsTotal.WithLabelValues(incidentType).Inc()
}

// RecordTransition records an incident status change.
func (m *Metrics) RecordTransition(status string) {
	if !m.on() {
		return
	}
	m.transitionsTotal.WithLabelValues(status).Inc()
}

// RecordBucket adds a flushed aggregation bucket's per-type counts.
func (m *Metrics) RecordBucket(counts map[string]int) {
	if !m.on() {
		return
	}
	for typ, n := range counts {
		m.eventsAggregated.WithLabelValues(typ).Add(float64(n))
	}
	m.bucketsFlushTotal.Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
