package threat

import (
	"fmt"
	"time"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/google/cel-go/cel"
)

// GroupBy fields for rules.
const (
	GroupBySourceIP  = "source_ip"
	GroupByAccountID = "account_id"
)

// Incident types raised by the default rules and by score escalation.
const (
	IncidentBruteForce      = "brute_force"
	IncidentAccountTakeover = "account_takeover"
	IncidentAPIKeyAbuse     = "api_key_abuse"
	IncidentSuspicious      = "suspicious_activity"
)

// Rule raises an alert when Threshold matching events share the same
// GroupBy value within Window. Condition is a CEL expression over the map
// variable event with keys type, category, account_id, source_ip, success
// and raw.
type Rule struct {
	Name         string
	Condition    string
	GroupBy      string
	Threshold    int
	Window       time.Duration
	Severity     Level
	IncidentType string
}

// DefaultRules returns the built-in alert rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:         "brute_force",
			Condition:    `event.type == "login_failed"`,
			GroupBy:      GroupBySourceIP,
			Threshold:    5,
			Window:       15 * time.Minute,
			Severity:     LevelHigh,
			IncidentType: IncidentBruteForce,
		},
		{
			Name:         "targeted_account",
			Condition:    `event.type == "login_failed" && event.account_id != ""`,
			GroupBy:      GroupByAccountID,
			Threshold:    10,
			Window:       time.Hour,
			Severity:     LevelHigh,
			IncidentType: IncidentAccountTakeover,
		},
		{
			Name:         "api_key_abuse",
			Condition:    `event.type == "api_key_rejected"`,
			GroupBy:      GroupBySourceIP,
			Threshold:    20,
			Window:       5 * time.Minute,
			Severity:     LevelMedium,
			IncidentType: IncidentAPIKeyAbuse,
		},
	}
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)))
}

func compile(env *cel.Env, r Rule) (cel.Program, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("sentinel/threat: rule without name")
	}
	if r.GroupBy != GroupBySourceIP && r.GroupBy != GroupByAccountID {
		return nil, fmt.Errorf("sentinel/threat: rule %s: unknown group_by %q", r.Name, r.GroupBy)
	}
	if r.Threshold < 1 || r.Window <= 0 {
		return nil, fmt.Errorf("sentinel/threat: rule %s: threshold and window must be positive", r.Name)
	}
	ast, iss := env.Compile(r.Condition)
	if iss.Err() != nil {
		return nil, fmt.Errorf("sentinel/threat: rule %s: %w", r.Name, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("sentinel/threat: rule %s: condition must be boolean, got %s", r.Name, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("sentinel/threat: rule %s: %w", r.Name, err)
	}
	return prg, nil
}

func activation(ev *sentinel.SecurityEvent) map[string]any {
	raw := ev.RawData
	if raw == nil {
		raw = map[string]any{}
	}
	return map[string]any{
		"event": map[string]any{
			"type":       string(ev.Type),
			"category":   ev.Type.Category(),
			"account_id": ev.AccountID,
			"source_ip":  ev.SourceIP,
			"success":    ev.Success,
			"raw":        raw,
		},
	}
}

func groupKey(r Rule, ev *sentinel.SecurityEvent) string {
	if r.GroupBy == GroupByAccountID {
		return ev.AccountID
	}
	return ev.SourceIP
}
