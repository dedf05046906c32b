package core

import (
	"context"
	"maps"
	"time"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/chimerakang/sentinel-go/audit"
	"github.com/chimerakang/sentinel-go/incident"
	"github.com/chimerakang/sentinel-go/threat"
	"github.com/chimerakang/sentinel-go/token"
	"github.com/chimerakang/sentinel-go/vault"
)

// pipeline is the EventSink handed to every component. It records the
// event, then scores it inline so escalation happens before the emitting
// call returns.
type pipeline struct {
	sink       sentinel.EventSink
	aggregator *audit.Aggregator // set when sink does not feed it already
	analyzer   *threat.Analyzer
}

var _ sentinel.EventSink = (*pipeline)(nil)

func (p *pipeline) Append(ctx context.Context, ev sentinel.SecurityEvent) error {
	if id := sentinel.RequestIDFromContext(ctx); id != "" {
		if _, ok := ev.RawData["request_id"]; !ok {
			raw := make(map[string]any, len(ev.RawData)+1)
			maps.Copy(raw, ev.RawData)
			raw["request_id"] = id
			ev.RawData = raw
		}
	}
	// Storage failures are reported to the emitter, which logs them;
	// detection still runs.
	err := p.sink.Append(ctx, ev)
	if p.aggregator != nil {
		p.aggregator.Observe(ev)
	}
	p.analyzer.Analyze(ctx, ev)
	return err
}

func (p *pipeline) Query(ctx context.Context, f sentinel.EventFilter) ([]sentinel.SecurityEvent, error) {
	return p.sink.Query(ctx, f)
}

// responder carries out incident playbook actions.
type responder struct {
	analyzer *threat.Analyzer
	tokens   *token.Issuer
	vault    *vault.Vault
}

var _ incident.Responder = (*responder)(nil)

func (r *responder) BlockIP(ip, reason string) { r.analyzer.BlockIP(ip, reason) }

func (r *responder) UnblockIP(ip string) { r.analyzer.UnblockIP(ip) }

func (r *responder) RevokeSessions(ctx context.Context, accountID string) error {
	_, err := r.tokens.RevokeAll(ctx, accountID)
	return err
}

func (r *responder) LockAccount(ctx context.Context, accountID string, until time.Time) error {
	return r.vault.Lock(ctx, accountID, until)
}
