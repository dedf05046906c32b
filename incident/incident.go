// Package incident tracks security incidents through their response
// lifecycle and runs playbook actions on each transition.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/chimerakang/sentinel-go/logger"
	"github.com/chimerakang/sentinel-go/metrics"
	"github.com/chimerakang/sentinel-go/threat"
	"github.com/google/uuid"
)

// Status is an incident lifecycle state.
type Status string

const (
	StatusDetected      Status = "DETECTED"
	StatusInvestigating Status = "INVESTIGATING"
	StatusContained     Status = "CONTAINED"
	StatusEradicated    Status = "ERADICATED"
	StatusRecovered     Status = "RECOVERED"
	StatusClosed        Status = "CLOSED"
)

var order = []Status{
	StatusDetected, StatusInvestigating, StatusContained,
	StatusEradicated, StatusRecovered, StatusClosed,
}

func rank(s Status) int { return slices.Index(order, s) }

// CanTransition reports whether from → to is allowed: strictly forward,
// skipping allowed, nothing out of CLOSED.
func CanTransition(from, to Status) bool {
	f, t := rank(from), rank(to)
	return f >= 0 && t >= 0 && from != StatusClosed && t > f
}

// SystemActor is the actor recorded for automatic escalations.
const SystemActor = "threat-analyzer"

// TimelineEntry records one status change.
type TimelineEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
}

// Evidence links an incident to the event that raised or extended it.
type Evidence struct {
	Timestamp time.Time          `json:"timestamp"`
	EventID   string             `json:"event_id"`
	EventType sentinel.EventType `json:"event_type"`
	Score     float64            `json:"score"`
	Alerts    []string           `json:"alerts,omitempty"`
}

// Incident is a tracked security incident. Incidents are never deleted.
type Incident struct {
	ID              string           `json:"id"`
	Type            string           `json:"type"`
	Severity        threat.Level     `json:"severity"`
	Status          Status           `json:"status"`
	SourceIP        string           `json:"source_ip,omitempty"`
	AccountID       string           `json:"account_id,omitempty"`
	Description     string           `json:"description,omitempty"`
	AffectedSystems []string         `json:"affected_systems,omitempty"`
	Evidence        []Evidence       `json:"evidence,omitempty"`
	Timeline        []TimelineEntry  `json:"timeline"`
	Responses       []ResponseRecord `json:"responses,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func (i *Incident) clone() *Incident {
	c := *i
	c.AffectedSystems = slices.Clone(i.AffectedSystems)
	c.Evidence = slices.Clone(i.Evidence)
	c.Timeline = slices.Clone(i.Timeline)
	c.Responses = slices.Clone(i.Responses)
	return &c
}

// NewIncident describes a manually reported incident.
type NewIncident struct {
	Type            string
	Severity        threat.Level
	SourceIP        string
	AccountID       string
	Description     string
	AffectedSystems []string
	Actor           string
}

// Filter selects incidents in List. Zero values match everything.
type Filter struct {
	Status   Status
	Type     string
	OpenOnly bool
}

var _ threat.Escalator = (*Manager)(nil)

// Manager owns incidents. Safe for concurrent use; playbook actions run
// without the manager lock held.
type Manager struct {
	responder Responder
	playbooks map[string]Playbook
	lockFor   time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu        sync.RWMutex
	incidents map[string]*Incident
}

// Option configures a Manager.
type Option func(*Manager)

// WithResponder sets who carries out playbook actions. Without one, actions
// other than notify are recorded as skipped.
func WithResponder(r Responder) Option {
	return func(m *Manager) { m.responder = r }
}

// WithPlaybooks replaces the default playbooks.
func WithPlaybooks(p map[string]Playbook) Option {
	return func(m *Manager) { m.playbooks = p }
}

// WithLockDuration sets how long lock_account locks an account.
func WithLockDuration(d time.Duration) Option {
	return func(m *Manager) { m.lockFor = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		playbooks: DefaultPlaybooks(),
		lockFor:   24 * time.Hour,
		log:       logger.Discard(),
		now:       time.Now,
		incidents: make(map[string]*Incident),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open creates an incident in DETECTED and runs the immediate phase.
func (m *Manager) Open(ctx context.Context, n NewIncident) (*Incident, error) {
	if n.Type == "" {
		return nil, errors.New("sentinel/incident: type cannot be empty")
	}
	m.mu.Lock()
	inc := m.create(n)
	snap := inc.clone()
	m.mu.Unlock()

	m.opened(ctx, snap)
	return m.Get(snap.ID)
}

// create inserts a new DETECTED incident. m.mu must be held.
func (m *Manager) create(n NewIncident) *Incident {
	actor := n.Actor
	if actor == "" {
		actor = SystemActor
	}
	now := m.now()
	inc := &Incident{
		ID:              uuid.NewString(),
		Type:            n.Type,
		Severity:        n.Severity,
		Status:          StatusDetected,
		SourceIP:        n.SourceIP,
		AccountID:       n.AccountID,
		Description:     n.Description,
		AffectedSystems: slices.Clone(n.AffectedSystems),
		Timeline: []TimelineEntry{{
			Timestamp: now,
			Status:    StatusDetected,
			Action:    "incident opened",
			Actor:     actor,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.incidents[inc.ID] = inc
	return inc
}

func (m *Manager) opened(ctx context.Context, inc *Incident) {
	m.metrics.RecordIncidentOpened(inc.Type)
	m.log.WarnContext(ctx, "incident opened",
		"incident_id", inc.ID, "type", inc.Type, "severity", inc.Severity.String(), "source_ip", inc.SourceIP)
	m.runPhase(ctx, inc, PhaseImmediate)
}

// Escalate opens incidents for an escalated event, one per incident type
// raised by its alerts, or a suspicious_activity incident when only the
// score escalated. An open incident of the same type and source absorbs the
// event as evidence instead of a new incident being opened.
func (m *Manager) Escalate(ctx context.Context, ev sentinel.SecurityEvent, a threat.Assessment) error {
	severity := map[string]threat.Level{}
	var types []string
	for _, al := range a.Alerts {
		if _, seen := severity[al.IncidentType]; !seen {
			types = append(types, al.IncidentType)
		}
		severity[al.IncidentType] = max(severity[al.IncidentType], al.Severity, a.Score.Level)
	}
	if len(types) == 0 {
		types = []string{threat.IncidentSuspicious}
		severity[threat.IncidentSuspicious] = a.Score.Level
	}

	alertNames := make([]string, len(a.Alerts))
	for i, al := range a.Alerts {
		alertNames[i] = al.Rule
	}
	evidence := Evidence{
		Timestamp: ev.Timestamp,
		EventID:   ev.ID,
		EventType: ev.Type,
		Score:     a.Score.Score,
		Alerts:    alertNames,
	}

	for _, typ := range types {
		m.mu.Lock()
		inc := m.findOpen(typ, ev)
		created := inc == nil
		if created {
			inc = m.create(NewIncident{
				Type:        typ,
				Severity:    severity[typ],
				SourceIP:    ev.SourceIP,
				AccountID:   ev.AccountID,
				Description: fmt.Sprintf("%s escalated at %s", ev.Type, a.Score.Level),
			})
		} else {
			inc.Severity = max(inc.Severity, severity[typ])
			inc.UpdatedAt = m.now()
		}
		inc.Evidence = append(inc.Evidence, evidence)
		snap := inc.clone()
		m.mu.Unlock()

		if created {
			m.opened(ctx, snap)
		} else {
			m.log.DebugContext(ctx, "event attached to open incident",
				"incident_id", snap.ID, "event_id", ev.ID)
		}
	}
	return nil
}

// findOpen returns the open incident of typ sharing ev's source. m.mu must
// be held.
func (m *Manager) findOpen(typ string, ev sentinel.SecurityEvent) *Incident {
	for _, inc := range m.incidents {
		if inc.Type == typ && inc.Status != StatusClosed && sameSource(inc, ev) {
			return inc
		}
	}
	return nil
}

func sameSource(inc *Incident, ev sentinel.SecurityEvent) bool {
	if inc.SourceIP != "" || ev.SourceIP != "" {
		return inc.SourceIP == ev.SourceIP
	}
	return inc.AccountID == ev.AccountID
}

// UpdateStatus moves an incident forward, appends a timeline entry and runs
// the playbook phase of the entered status. Backward moves, repeats and any
// move out of CLOSED yield ErrInvalidTransition. Playbook failures are
// recorded in Responses and do not undo the transition.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status Status, action, actor string) (*Incident, error) {
	const op = "incident.UpdateStatus"

	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return nil, sentinel.E(sentinel.KindNotFound, op, nil)
	}
	if !CanTransition(inc.Status, status) {
		from := inc.Status
		m.mu.Unlock()
		return nil, sentinel.E(sentinel.KindInvalidTransition, op, fmt.Errorf("%s → %s", from, status))
	}
	now := m.now()
	from := inc.Status
	inc.Status = status
	inc.UpdatedAt = now
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		Timestamp: now,
		Status:    status,
		Action:    action,
		Actor:     actor,
	})
	snap := inc.clone()
	m.mu.Unlock()

	m.metrics.RecordTransition(string(status))
	m.log.InfoContext(ctx, "incident status changed",
		"incident_id", id, "from", from, "to", status, "actor", actor)

	if phase, ok := phaseFor(status); ok {
		m.runPhase(ctx, snap, phase)
	}
	return m.Get(id)
}

// Get returns a copy of the incident.
func (m *Manager) Get(id string) (*Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, sentinel.E(sentinel.KindNotFound, "incident.Get", nil)
	}
	return inc.clone(), nil
}

// List returns matching incidents, oldest first.
func (m *Manager) List(f Filter) []*Incident {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Incident
	for _, inc := range m.incidents {
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		if f.Type != "" && inc.Type != f.Type {
			continue
		}
		if f.OpenOnly && inc.Status == StatusClosed {
			continue
		}
		out = append(out, inc.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// runPhase executes the incident type's actions for phase and records the
// outcomes. It must be called without m.mu held.
func (m *Manager) runPhase(ctx context.Context, inc *Incident, phase Phase) {
	pb, ok := m.playbooks[inc.Type]
	if !ok {
		pb = m.playbooks[DefaultPlaybookKey]
	}
	actions := pb[phase]
	if len(actions) == 0 {
		return
	}

	records := make([]ResponseRecord, 0, len(actions))
	for _, a := range actions {
		rec := ResponseRecord{Timestamp: m.now(), Phase: phase, Action: a}
		skipped, err := m.run(ctx, inc, a)
		rec.Skipped = skipped
		if err != nil {
			rec.Err = err.Error()
			m.log.ErrorContext(ctx, "playbook action failed",
				"incident_id", inc.ID, "phase", phase, "action", a, "error", err)
		}
		records = append(records, rec)
	}

	m.mu.Lock()
	if cur, ok := m.incidents[inc.ID]; ok {
		cur.Responses = append(cur.Responses, records...)
	}
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, inc *Incident, a Action) (skipped bool, err error) {
	if a == ActionNotify {
		m.log.WarnContext(ctx, "incident notification",
			"incident_id", inc.ID, "type", inc.Type, "status", inc.Status, "severity", inc.Severity.String())
		return false, nil
	}
	if m.responder == nil {
		return true, nil
	}
	switch a {
	case ActionBlockSourceIP:
		if inc.SourceIP == "" {
			return true, nil
		}
		m.responder.BlockIP(inc.SourceIP, "incident "+inc.ID)
	case ActionUnblockIP:
		if inc.SourceIP == "" {
			return true, nil
		}
		m.responder.UnblockIP(inc.SourceIP)
	case ActionRevokeSessions:
		if inc.AccountID == "" {
			return true, nil
		}
		return false, m.responder.RevokeSessions(ctx, inc.AccountID)
	case ActionLockAccount:
		if inc.AccountID == "" {
			return true, nil
		}
		return false, m.responder.LockAccount(ctx, inc.AccountID, m.now().Add(m.lockFor))
	default:
		return false, fmt.Errorf("unknown action %q", a)
	}
	return false, nil
}
