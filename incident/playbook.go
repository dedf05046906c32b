package incident

import (
	"context"
	"time"

	"github.com/chimerakang/sentinel-go/threat"
)

// Phase is a playbook stage, run when its status is entered.
type Phase string

const (
	PhaseImmediate   Phase = "immediate"
	PhaseContainment Phase = "containment"
	PhaseEradication Phase = "eradication"
	PhaseRecovery    Phase = "recovery"
)

// phaseFor returns the phase run on entering s.
func phaseFor(s Status) (Phase, bool) {
	switch s {
	case StatusDetected:
		return PhaseImmediate, true
	case StatusContained:
		return PhaseContainment, true
	case StatusEradicated:
		return PhaseEradication, true
	case StatusRecovered:
		return PhaseRecovery, true
	}
	return "", false
}

// Action is a built-in response action.
type Action string

const (
	ActionNotify         Action = "notify"
	ActionBlockSourceIP  Action = "block_source_ip"
	ActionUnblockIP      Action = "unblock_source_ip"
	ActionRevokeSessions Action = "revoke_sessions"
	ActionLockAccount    Action = "lock_account"
)

// Playbook maps phases to ordered actions.
type Playbook map[Phase][]Action

// DefaultPlaybookKey selects the playbook for incident types without their own.
const DefaultPlaybookKey = "*"

// DefaultPlaybooks returns the built-in playbooks keyed by incident type.
func DefaultPlaybooks() map[string]Playbook {
	return map[string]Playbook{
		threat.IncidentBruteForce: {
			PhaseImmediate:   {ActionNotify},
			PhaseContainment: {ActionBlockSourceIP, ActionRevokeSessions},
			PhaseEradication: {ActionNotify},
			PhaseRecovery:    {ActionUnblockIP},
		},
		threat.IncidentAccountTakeover: {
			PhaseImmediate:   {ActionNotify},
			PhaseContainment: {ActionRevokeSessions, ActionLockAccount},
			PhaseRecovery:    {ActionNotify},
		},
		threat.IncidentAPIKeyAbuse: {
			PhaseImmediate:   {ActionNotify},
			PhaseContainment: {ActionBlockSourceIP},
			PhaseRecovery:    {ActionUnblockIP},
		},
		DefaultPlaybookKey: {
			PhaseImmediate:   {ActionNotify},
			PhaseContainment: {ActionBlockSourceIP, ActionRevokeSessions},
		},
	}
}

// Responder carries out playbook actions against the rest of the system.
type Responder interface {
	BlockIP(ip, reason string)
	UnblockIP(ip string)
	RevokeSessions(ctx context.Context, accountID string) error
	LockAccount(ctx context.Context, accountID string, until time.Time) error
}

// ResponseRecord is the outcome of one playbook action.
type ResponseRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Phase     Phase     `json:"phase"`
	Action    Action    `json:"action"`
	Skipped   bool      `json:"skipped,omitempty"`
	Err       string    `json:"error,omitempty"`
}
