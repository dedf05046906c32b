// Package threat scores security events and evaluates alert rules.
//
// The score is additive over independent signals and clamped to [0,1]. Alert
// rules are evaluated separately; either path can escalate an event.
package threat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/chimerakang/sentinel-go/logger"
	"github.com/chimerakang/sentinel-go/metrics"
	"github.com/chimerakang/sentinel-go/ratelimit"
	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Level is a threat level.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

var levelNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (l Level) String() string {
	if l < LevelLow || l > LevelCritical {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel parses LOW, MEDIUM, HIGH or CRITICAL, case-insensitively.
func ParseLevel(s string) (Level, error) {
	for i, n := range levelNames {
		if strings.EqualFold(s, n) {
			return Level(i), nil
		}
	}
	return LevelLow, fmt.Errorf("sentinel/threat: unknown level %q", s)
}

// Signal weights in tenths, so sums stay exact.
const (
	weightFailedLogin = 3
	weightAccess      = 4
	weightData        = 5
	weightKnownBadIP  = 8
	weightBurst       = 6
)

// Indicators attached to a score.
const (
	IndicatorFailedLogin = "failed_login"
	IndicatorAccess      = "access_event"
	IndicatorData        = "data_event"
	IndicatorKnownBadIP  = "known_bad_ip"
	IndicatorBurst       = "burst_frequency"
)

// ThreatScore is the additive score of one event.
type ThreatScore struct {
	Score      float64  `json:"score"`
	Level      Level    `json:"level"`
	Indicators []string `json:"indicators"`
}

// levelFor maps a score in tenths to a level.
func levelFor(tenths int) Level {
	switch {
	case tenths < 4:
		return LevelLow
	case tenths < 6:
		return LevelMedium
	case tenths < 8:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Alert is a fired rule.
type Alert struct {
	Rule         string        `json:"rule"`
	Severity     Level         `json:"severity"`
	IncidentType string        `json:"incident_type"`
	GroupBy      string        `json:"group_by"`
	Key          string        `json:"key"`
	Count        int           `json:"count"`
	Window       time.Duration `json:"window"`
	FiredAt      time.Time     `json:"fired_at"`
}

// Assessment is the outcome of Analyze.
type Assessment struct {
	Score  ThreatScore `json:"score"`
	Alerts []Alert     `json:"alerts,omitempty"`
	// Escalate is set when the level reaches the escalation level or any alert fired.
	Escalate bool `json:"escalate"`
}

// Escalator receives escalated events. *incident.Manager implements it.
type Escalator interface {
	Escalate(ctx context.Context, event sentinel.SecurityEvent, a Assessment) error
}

type compiledRule struct {
	Rule
	prg     cel.Program
	counter *ratelimit.Limiter
}

// Analyzer scores events. Safe for concurrent use.
type Analyzer struct {
	rules      []compiledRule
	burst      *ratelimit.Limiter
	burstMax   int
	escalateAt Level
	escalator  Escalator
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu      sync.RWMutex
	blocked map[string]string // ip → reason

	fired *lru.Cache[string, time.Time] // rule|key → last alert
}

// Option configures an Analyzer.
type Option func(*config)

type config struct {
	rules       []Rule
	badIPs      []string
	burstMax    int
	burstWindow time.Duration
	escalateAt  Level
	escalator   Escalator
	log         *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// WithRules replaces the default rules.
func WithRules(rules ...Rule) Option {
	return func(c *config) { c.rules = rules }
}

// WithKnownBadIPs seeds the blocklist.
func WithKnownBadIPs(ips ...string) Option {
	return func(c *config) { c.badIPs = append(c.badIPs, ips...) }
}

// WithBurst sets the per-source event count above which the burst signal
// applies.
func WithBurst(threshold int, window time.Duration) Option {
	return func(c *config) {
		c.burstMax = threshold
		c.burstWindow = window
	}
}

// WithEscalationLevel sets the score level at which events escalate.
func WithEscalationLevel(l Level) Option {
	return func(c *config) { c.escalateAt = l }
}

// WithEscalator sets who receives escalated events.
func WithEscalator(e Escalator) Option {
	return func(c *config) { c.escalator = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// New compiles the rules and creates an Analyzer.
func New(opts ...Option) (*Analyzer, error) {
	c := config{
		rules:       DefaultRules(),
		burstMax:    10,
		burstWindow: time.Minute,
		escalateAt:  LevelHigh,
		log:         logger.Discard(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&c)
	}

	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("sentinel/threat: cel env: %w", err)
	}
	a := &Analyzer{
		burst:      ratelimit.New(c.burstMax, c.burstWindow, ratelimit.WithClock(c.now)),
		burstMax:   c.burstMax,
		escalateAt: c.escalateAt,
		escalator:  c.escalator,
		log:        c.log,
		metrics:    c.metrics,
		now:        c.now,
		blocked:    make(map[string]string),
	}
	a.fired, _ = lru.New[string, time.Time](ratelimit.DefaultMaxKeys)
	for _, r := range c.rules {
		prg, err := compile(env, r)
		if err != nil {
			return nil, err
		}
		a.rules = append(a.rules, compiledRule{
			Rule:    r,
			prg:     prg,
			counter: ratelimit.New(r.Threshold, r.Window, ratelimit.WithClock(c.now)),
		})
	}
	for _, ip := range c.badIPs {
		a.BlockIP(ip, "configured")
	}
	return a, nil
}

// SetEscalator sets the escalator after construction, for wiring cycles.
func (a *Analyzer) SetEscalator(e Escalator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.escalator = e
}

// Score computes the additive score of ev and records it for the burst signal.
func (a *Analyzer) Score(ev sentinel.SecurityEvent) ThreatScore {
	tenths := 0
	var ind []string

	cat := ev.Type.Category()
	if ev.Type == sentinel.EventLoginFailed {
		tenths += weightFailedLogin
		ind = append(ind, IndicatorFailedLogin)
	}
	switch cat {
	case sentinel.CategoryAccess:
		tenths += weightAccess
		ind = append(ind, IndicatorAccess)
	case sentinel.CategoryData:
		tenths += weightData
		ind = append(ind, IndicatorData)
	}
	if ev.SourceIP != "" {
		if a.IsBlocked(ev.SourceIP) {
			tenths += weightKnownBadIP
			ind = append(ind, IndicatorKnownBadIP)
		}
		// Successful key use is steady machine traffic and does not count
		// toward bursts.
		if cat != sentinel.CategoryAPIKey && a.burst.Record(ev.SourceIP) > a.burstMax {
			tenths += weightBurst
			ind = append(ind, IndicatorBurst)
		}
	}
	tenths = min(tenths, 10)
	return ThreatScore{Score: float64(tenths) / 10, Level: levelFor(tenths), Indicators: ind}
}

// Evaluate runs the alert rules for ev and returns the alerts that fired.
// A rule fires at most once per window for the same group key.
func (a *Analyzer) Evaluate(ctx context.Context, ev sentinel.SecurityEvent) []Alert {
	var alerts []Alert
	act := activation(&ev)
	now := a.now()
	for _, r := range a.rules {
		key := groupKey(r.Rule, &ev)
		if key == "" {
			continue
		}
		out, _, err := r.prg.Eval(act)
		if err != nil {
			a.log.WarnContext(ctx, "alert rule evaluation failed", "rule", r.Name, "error", err)
			continue
		}
		if match, ok := out.Value().(bool); !ok || !match {
			continue
		}
		count := r.counter.Record(key)
		if count < r.Threshold {
			continue
		}
		firedKey := r.Name + "|" + key
		if last, ok := a.fired.Get(firedKey); ok && now.Sub(last) < r.Window {
			continue
		}
		a.fired.Add(firedKey, now)
		alerts = append(alerts, Alert{
			Rule:         r.Name,
			Severity:     r.Severity,
			IncidentType: r.IncidentType,
			GroupBy:      r.GroupBy,
			Key:          key,
			Count:        count,
			Window:       r.Window,
			FiredAt:      now,
		})
		a.metrics.RecordAlert(r.Name)
		a.log.WarnContext(ctx, "alert fired", "rule", r.Name, "key", key, "count", count)
	}
	return alerts
}

// Analyze scores ev, evaluates the rules and hands escalations to the
// escalator. Escalator failures are logged; the assessment is still returned.
func (a *Analyzer) Analyze(ctx context.Context, ev sentinel.SecurityEvent) Assessment {
	as := Assessment{
		Score:  a.Score(ev),
		Alerts: a.Evaluate(ctx, ev),
	}
	as.Escalate = as.Score.Level >= a.escalateAt || len(as.Alerts) > 0
	a.metrics.ObserveThreatScore(as.Score.Score)

	if !as.Escalate {
		return as
	}
	a.mu.RLock()
	esc := a.escalator
	a.mu.RUnlock()
	if esc != nil {
		if err := esc.Escalate(ctx, ev, as); err != nil {
			a.log.ErrorContext(ctx, "escalate event", "event_id", ev.ID, "error", err)
		}
	}
	return as
}

// BlockIP adds ip to the known-bad list.
func (a *Analyzer) BlockIP(ip, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocked[ip] = reason
}

// UnblockIP removes ip from the known-bad list.
func (a *Analyzer) UnblockIP(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.blocked, ip)
}

// IsBlocked reports whether ip is on the known-bad list.
func (a *Analyzer) IsBlocked(ip string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.blocked[ip]
	return ok
}

// BlockedIPs returns a copy of the known-bad list with reasons.
func (a *Analyzer) BlockedIPs() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]string, len(a.blocked))
	for ip, r := range a.blocked {
		out[ip] = r
	}
	return out
}

// Rules returns the configured rules.
func (a *Analyzer) Rules() []Rule {
	out := make([]Rule, len(a.rules))
	for i, r := range a.rules {
		out[i] = r.Rule
	}
	return out
}
