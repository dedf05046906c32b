package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/chimerakang/sentinel-go/audit"
)

var (
	_ sentinel.EventSink = (*Store)(nil)
	_ audit.BucketSink   = (*Store)(nil)
)

var eventColumns = []string{"id", "account_id", "type", "source_ip", "timestamp", "success", "raw_data"}

type eventRow struct {
	ID        string    `db:"id"`
	AccountID string    `db:"account_id"`
	Type      string    `db:"type"`
	SourceIP  string    `db:"source_ip"`
	Timestamp time.Time `db:"timestamp"`
	Success   bool      `db:"success"`
	RawData   []byte    `db:"raw_data"`
}

func (r eventRow) event() (sentinel.SecurityEvent, error) {
	ev := sentinel.SecurityEvent{
		ID:        r.ID,
		AccountID: r.AccountID,
		Type:      sentinel.EventType(r.Type),
		SourceIP:  r.SourceIP,
		Timestamp: r.Timestamp,
		Success:   r.Success,
	}
	if len(r.RawData) > 0 {
		if err := json.Unmarshal(r.RawData, &ev.RawData); err != nil {
			return ev, fmt.Errorf("sentinel/postgres: decoding raw_data of %s: %w", r.ID, err)
		}
	}
	return ev, nil
}

// Append inserts ev. A missing ID is generated; a zero timestamp becomes now.
func (s *Store) Append(ctx context.Context, ev sentinel.SecurityEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	var raw []byte
	if len(ev.RawData) > 0 {
		var err error
		if raw, err = json.Marshal(ev.RawData); err != nil {
			return fmt.Errorf("sentinel/postgres: encoding raw_data: %w", err)
		}
	}
	query, args, err := psql().Insert("security_events").
		Columns(eventColumns...).
		Values(ev.ID, ev.AccountID, string(ev.Type), ev.SourceIP, ev.Timestamp, ev.Success, raw).
		ToSql()
	if err != nil {
		return fmt.Errorf("sentinel/postgres: building insert query: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("sentinel/postgres: inserting event: %w", err)
	}
	return nil
}

// Query returns matching events oldest first. With a Limit, the most recent
// Limit events are returned.
func (s *Store) Query(ctx context.Context, f sentinel.EventFilter) ([]sentinel.SecurityEvent, error) {
	qb := psql().Select(eventColumns...).From("security_events")
	if f.AccountID != "" {
		qb = qb.Where(squirrel.Eq{"account_id": f.AccountID})
	}
	if f.SourceIP != "" {
		qb = qb.Where(squirrel.Eq{"source_ip": f.SourceIP})
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		qb = qb.Where(squirrel.Eq{"type": types})
	}
	if !f.Since.IsZero() {
		qb = qb.Where(squirrel.GtOrEq{"timestamp": f.Since})
	}
	if !f.Until.IsZero() {
		qb = qb.Where(squirrel.Lt{"timestamp": f.Until})
	}
	if f.Success != nil {
		qb = qb.Where(squirrel.Eq{"success": *f.Success})
	}
	if f.Limit > 0 {
		qb = qb.OrderBy("timestamp DESC").Limit(uint64(f.Limit))
	} else {
		qb = qb.OrderBy("timestamp ASC")
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("sentinel/postgres: building select query: %w", err)
	}
	var rows []eventRow
	if err := pgxscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("sentinel/postgres: scanning events: %w", err)
	}
	out := make([]sentinel.SecurityEvent, 0, len(rows))
	for _, r := range rows {
		ev, err := r.event()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if f.Limit > 0 {
		slices.Reverse(out)
	}
	return out, nil
}

// StoreBucket adds an hourly aggregate to the stored row for the same hour.
// Counts are summed key by key, so a late or post-restart flush of an hour
// never erases what was stored before. Sources and accounts are distinct
// counts that cannot be summed; the larger value is kept as a lower bound.
const mergeBucket = `ON CONFLICT (bucket_start) DO UPDATE SET
	counts = COALESCE((
		SELECT jsonb_object_agg(k, COALESCE((event_buckets.counts->>k)::int, 0) + COALESCE((EXCLUDED.counts->>k)::int, 0))
		FROM (SELECT jsonb_object_keys(event_buckets.counts) UNION SELECT jsonb_object_keys(EXCLUDED.counts)) AS keys(k)
	), '{}'::jsonb),
	total = event_buckets.total + EXCLUDED.total,
	failures = event_buckets.failures + EXCLUDED.failures,
	sources = GREATEST(event_buckets.sources, EXCLUDED.sources),
	accounts = GREATEST(event_buckets.accounts, EXCLUDED.accounts),
	partial = EXCLUDED.partial`

func (s *Store) StoreBucket(ctx context.Context, b audit.Bucket) error {
	counts, err := json.Marshal(b.Counts)
	if err != nil {
		return fmt.Errorf("sentinel/postgres: encoding bucket counts: %w", err)
	}
	query, args, err := psql().Insert("event_buckets").
		Columns("bucket_start", "counts", "total", "failures", "sources", "accounts", "partial").
		Values(b.Start, counts, b.Total, b.Failures, b.Sources, b.Accounts, b.Partial).
		Suffix(mergeBucket).
		ToSql()
	if err != nil {
		return fmt.Errorf("sentinel/postgres: building upsert query: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("sentinel/postgres: storing bucket: %w", err)
	}
	return nil
}
