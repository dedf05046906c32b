package threat

import (
	"context"
	"sync"
	"testing"
	"time"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/chimerakang/sentinel-go/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEscalator struct {
	mu    sync.Mutex
	calls []Assessment
}

func (r *recordingEscalator) Escalate(_ context.Context, _ sentinel.SecurityEvent, a Assessment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, a)
	return nil
}

func (r *recordingEscalator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newAnalyzer(t *testing.T, opts ...Option) (*Analyzer, *fake.Clock) {
	t.Helper()
	clock := fake.NewClock(time.Time{})
	a, err := New(append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return a, clock
}

func TestScoreSignals(t *testing.T) {
	a, _ := newAnalyzer(t, WithKnownBadIPs("203.0.113.66"), WithRules())

	tests := []struct {
		name  string
		ev    sentinel.SecurityEvent
		score float64
		level Level
		ind   []string
	}{
		{"login success", sentinel.SecurityEvent{Type: sentinel.EventLoginSuccess, Success: true}, 0, LevelLow, nil},
		{"failed login", sentinel.SecurityEvent{Type: sentinel.EventLoginFailed}, 0.3, LevelLow, []string{IndicatorFailedLogin}},
		{"access", sentinel.SecurityEvent{Type: sentinel.EventAccessDenied}, 0.4, LevelMedium, []string{IndicatorAccess}},
		{"data", sentinel.SecurityEvent{Type: sentinel.EventDataExport}, 0.5, LevelMedium, []string{IndicatorData}},
		{"failed login from bad ip", sentinel.SecurityEvent{Type: sentinel.EventLoginFailed, SourceIP: "203.0.113.66"}, 1, LevelCritical, []string{IndicatorFailedLogin, IndicatorKnownBadIP}},
		{"data from bad ip clamps", sentinel.SecurityEvent{Type: sentinel.EventDataAccess, SourceIP: "203.0.113.66"}, 1, LevelCritical, []string{IndicatorData, IndicatorKnownBadIP}},
		{"api key success", sentinel.SecurityEvent{Type: sentinel.EventAPIKeySuccess, Success: true}, 0, LevelLow, nil},
		{"api key rejected", sentinel.SecurityEvent{Type: sentinel.EventAPIKeyRejected}, 0.4, LevelMedium, []string{IndicatorAccess}},
		{"custom access type", sentinel.SecurityEvent{Type: "admin_access_granted"}, 0.4, LevelMedium, []string{IndicatorAccess}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.Score(tt.ev)
			assert.InDelta(t, tt.score, got.Score, 1e-9)
			assert.Equal(t, tt.level, got.Level)
			assert.Equal(t, tt.ind, got.Indicators)
		})
	}
}

func TestLevelThresholds(t *testing.T) {
	tests := []struct {
		tenths int
		want   Level
	}{
		{0, LevelLow}, {3, LevelLow}, {4, LevelMedium}, {5, LevelMedium},
		{6, LevelHigh}, {7, LevelHigh}, {8, LevelCritical}, {10, LevelCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, levelFor(tt.tenths), "tenths=%d", tt.tenths)
	}
}

func TestBurstSignal(t *testing.T) {
	a, clock := newAnalyzer(t, WithBurst(3, time.Minute), WithRules())
	ev := sentinel.SecurityEvent{Type: sentinel.EventLoginSuccess, SourceIP: "10.1.1.1", Success: true}

	for i := 0; i < 3; i++ {
		assert.Empty(t, a.Score(ev).Indicators)
	}
	s := a.Score(ev)
	assert.Equal(t, []string{IndicatorBurst}, s.Indicators)
	assert.InDelta(t, 0.6, s.Score, 1e-9)
	assert.Equal(t, LevelHigh, s.Level)

	clock.Advance(2 * time.Minute)
	assert.Empty(t, a.Score(ev).Indicators)
}

func TestSteadyAPIKeyTrafficDoesNotEscalate(t *testing.T) {
	esc := &recordingEscalator{}
	a, _ := newAnalyzer(t, WithEscalator(esc))
	ctx := context.Background()

	for n := 0; n < 30; n++ {
		as := a.Analyze(ctx, sentinel.SecurityEvent{
			Type: sentinel.EventAPIKeySuccess, SourceIP: "198.51.100.7", AccountID: "acct-1", Success: true,
		})
		require.Equal(t, LevelLow, as.Score.Level)
		require.False(t, as.Escalate)
	}
	assert.Zero(t, esc.count())

	// the same source still bursts on other traffic
	for n := 0; n < 11; n++ {
		a.Score(sentinel.SecurityEvent{Type: sentinel.EventLoginSuccess, SourceIP: "198.51.100.7", Success: true})
	}
	s := a.Score(sentinel.SecurityEvent{Type: sentinel.EventLoginSuccess, SourceIP: "198.51.100.7", Success: true})
	assert.Contains(t, s.Indicators, IndicatorBurst)
}

func TestBruteForceRuleFiresAtLowScore(t *testing.T) {
	esc := &recordingEscalator{}
	a, _ := newAnalyzer(t, WithEscalator(esc))
	ctx := context.Background()
	ev := sentinel.SecurityEvent{Type: sentinel.EventLoginFailed, SourceIP: "198.51.100.23"}

	for i := 0; i < 4; i++ {
		as := a.Analyze(ctx, ev)
		assert.Empty(t, as.Alerts)
		assert.False(t, as.Escalate)
	}
	as := a.Analyze(ctx, ev)
	require.Len(t, as.Alerts, 1)
	assert.Equal(t, "brute_force", as.Alerts[0].Rule)
	assert.Equal(t, IncidentBruteForce, as.Alerts[0].IncidentType)
	assert.Equal(t, 5, as.Alerts[0].Count)
	assert.Equal(t, LevelLow, as.Score.Level, "alert is independent of the additive score")
	assert.True(t, as.Escalate)
	assert.Equal(t, 1, esc.count())

	// no repeat alert within the window
	as = a.Analyze(ctx, ev)
	assert.Empty(t, as.Alerts)
}

func TestTargetedAccountRule(t *testing.T) {
	a, _ := newAnalyzer(t)
	ctx := context.Background()

	var fired []Alert
	for i := 0; i < 10; i++ {
		ev := sentinel.SecurityEvent{
			Type:      sentinel.EventLoginFailed,
			AccountID: "acct-7",
			SourceIP:  "10.0.0." + string(rune('0'+i)),
		}
		fired = append(fired, a.Evaluate(ctx, ev)...)
	}
	require.Len(t, fired, 1)
	assert.Equal(t, "targeted_account", fired[0].Rule)
	assert.Equal(t, "acct-7", fired[0].Key)
}

func TestRuleWindowExpires(t *testing.T) {
	a, clock := newAnalyzer(t)
	ctx := context.Background()
	ev := sentinel.SecurityEvent{Type: sentinel.EventLoginFailed, SourceIP: "198.51.100.23"}

	for i := 0; i < 4; i++ {
		a.Evaluate(ctx, ev)
		clock.Advance(5 * time.Minute)
	}
	// the first failure has left the 15 minute window
	assert.Empty(t, a.Evaluate(ctx, ev))
}

func TestHighScoreEscalatesWithoutAlert(t *testing.T) {
	esc := &recordingEscalator{}
	a, _ := newAnalyzer(t, WithEscalator(esc), WithKnownBadIPs("203.0.113.66"))

	as := a.Analyze(context.Background(), sentinel.SecurityEvent{Type: sentinel.EventLoginSuccess, SourceIP: "203.0.113.66", Success: true})
	assert.Empty(t, as.Alerts)
	assert.Equal(t, LevelCritical, as.Score.Level)
	assert.True(t, as.Escalate)
	assert.Equal(t, 1, esc.count())
}

func TestEscalationLevelConfigurable(t *testing.T) {
	esc := &recordingEscalator{}
	a, _ := newAnalyzer(t, WithEscalator(esc), WithEscalationLevel(LevelMedium), WithRules())

	as := a.Analyze(context.Background(), sentinel.SecurityEvent{Type: sentinel.EventAccessDenied})
	assert.Equal(t, LevelMedium, as.Score.Level)
	assert.True(t, as.Escalate)
}

func TestCustomRule(t *testing.T) {
	a, _ := newAnalyzer(t, WithRules(Rule{
		Name:         "bulk_export",
		Condition:    `event.type == "data_export" && event.raw.rows > 1000`,
		GroupBy:      GroupByAccountID,
		Threshold:    1,
		Window:       time.Hour,
		Severity:     LevelCritical,
		IncidentType: "data_exfiltration",
	}))
	ctx := context.Background()

	small := sentinel.SecurityEvent{Type: sentinel.EventDataExport, AccountID: "u1", RawData: map[string]any{"rows": 10}}
	big := sentinel.SecurityEvent{Type: sentinel.EventDataExport, AccountID: "u1", RawData: map[string]any{"rows": 5000}}

	assert.Empty(t, a.Evaluate(ctx, small))
	alerts := a.Evaluate(ctx, big)
	require.Len(t, alerts, 1)
	assert.Equal(t, "data_exfiltration", alerts[0].IncidentType)
}

func TestInvalidRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"syntax", Rule{Name: "x", Condition: "event.type ==", GroupBy: GroupBySourceIP, Threshold: 1, Window: time.Minute}},
		{"not boolean", Rule{Name: "x", Condition: `event.type`, GroupBy: GroupBySourceIP, Threshold: 1, Window: time.Minute}},
		{"group by", Rule{Name: "x", Condition: "true", GroupBy: "tenant", Threshold: 1, Window: time.Minute}},
		{"threshold", Rule{Name: "x", Condition: "true", GroupBy: GroupBySourceIP, Window: time.Minute}},
		{"name", Rule{Condition: "true", GroupBy: GroupBySourceIP, Threshold: 1, Window: time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(WithRules(tt.rule))
			assert.Error(t, err)
		})
	}
}

func TestBlocklist(t *testing.T) {
	a, _ := newAnalyzer(t, WithKnownBadIPs("192.0.2.1"))
	assert.True(t, a.IsBlocked("192.0.2.1"))

	a.BlockIP("192.0.2.2", "incident inc-1")
	assert.Equal(t, "incident inc-1", a.BlockedIPs()["192.0.2.2"])

	a.UnblockIP("192.0.2.1")
	assert.False(t, a.IsBlocked("192.0.2.1"))
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("high")
	require.NoError(t, err)
	assert.Equal(t, LevelHigh, l)
	assert.Equal(t, "HIGH", l.String())

	_, err = ParseLevel("severe")
	assert.Error(t, err)
}
