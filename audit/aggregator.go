package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/chimerakang/sentinel-go/logger"
	"github.com/chimerakang/sentinel-go/metrics"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule flushes completed buckets at the top of every hour.
const DefaultSchedule = "@hourly"

// Bucket summarizes the events of one hour.
type Bucket struct {
	Start    time.Time                  `json:"start"    db:"bucket_start"`
	Counts   map[sentinel.EventType]int `json:"counts"   db:"counts"`
	Total    int                        `json:"total"    db:"total"`
	Failures int                        `json:"failures" db:"failures"`
	Sources  int                        `json:"sources"  db:"sources"`
	Accounts int                        `json:"accounts" db:"accounts"`
	// Partial is set when the bucket was flushed before its hour ended.
	Partial bool `json:"partial" db:"partial"`
}

// End returns the exclusive end of the bucket.
func (b Bucket) End() time.Time { return b.Start.Add(time.Hour) }

// BucketSink receives flushed buckets.
type BucketSink interface {
	StoreBucket(ctx context.Context, b Bucket) error
}

type bucketState struct {
	counts   map[sentinel.EventType]int
	total    int
	failures int
	sources  map[string]struct{}
	accounts map[string]struct{}
}

// Aggregator buckets events per hour and flushes completed buckets on a cron
// schedule. Register it on a Log with Handler.
type Aggregator struct {
	sink     BucketSink
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
	schedule string
	keep     int

	mu      sync.Mutex
	open    map[time.Time]*bucketState
	flushed []Bucket
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithBucketSink sets where flushed buckets go.
func WithBucketSink(s BucketSink) AggregatorOption {
	return func(a *Aggregator) { a.sink = s }
}

// WithAggregatorMetrics exports flushed counts to Prometheus.
func WithAggregatorMetrics(m *metrics.Metrics) AggregatorOption {
	return func(a *Aggregator) { a.metrics = m }
}

// WithAggregatorLogger sets the logger.
func WithAggregatorLogger(l *slog.Logger) AggregatorOption {
	return func(a *Aggregator) { a.log = l }
}

// WithAggregatorClock overrides time.Now.
func WithAggregatorClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// WithSchedule sets the cron spec for flushing, e.g. "@every 10m".
func WithSchedule(spec string) AggregatorOption {
	return func(a *Aggregator) { a.schedule = spec }
}

// NewAggregator creates an Aggregator.
func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		log:      logger.Discard(),
		now:      time.Now,
		schedule: DefaultSchedule,
		keep:     48,
		open:     make(map[time.Time]*bucketState),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns a Log handler feeding this aggregator.
func (a *Aggregator) Handler() Handler {
	return a.Observe
}

// Observe adds an event to its hour bucket.
func (a *Aggregator) Observe(ev sentinel.SecurityEvent) {
	start := ev.Timestamp.UTC().Truncate(time.Hour)

	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.open[start]
	if !ok {
		b = &bucketState{
			counts:   make(map[sentinel.EventType]int),
			sources:  make(map[string]struct{}),
			accounts: make(map[string]struct{}),
		}
		a.open[start] = b
	}
	b.counts[ev.Type]++
	b.total++
	if !ev.Success {
		b.failures++
	}
	if ev.SourceIP != "" {
		b.sources[ev.SourceIP] = struct{}{}
	}
	if ev.AccountID != "" {
		b.accounts[ev.AccountID] = struct{}{}
	}
}

// Flush emits every bucket whose hour has ended.
func (a *Aggregator) Flush(ctx context.Context) error {
	now := a.now()
	return a.flush(ctx, func(start time.Time) bool {
		return !start.Add(time.Hour).After(now)
	})
}

// FlushAll emits every bucket, marking unfinished ones partial.
func (a *Aggregator) FlushAll(ctx context.Context) error {
	return a.flush(ctx, func(time.Time) bool { return true })
}

// Recent returns the most recently flushed buckets, oldest first.
func (a *Aggregator) Recent() []Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Bucket, len(a.flushed))
	for i, b := range a.flushed {
		b.Counts = maps.Clone(b.Counts)
		out[i] = b
	}
	return out
}

// Run flushes on schedule until ctx is cancelled, then flushes the partial
// bucket and returns.
func (a *Aggregator) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(a.schedule, func() {
		if err := a.Flush(ctx); err != nil {
			a.log.ErrorContext(ctx, "flush event buckets", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("sentinel/audit: schedule %q: %w", a.schedule, err)
	}
	c.Start()
	a.log.DebugContext(ctx, "event aggregator started", "schedule", a.schedule)

	<-ctx.Done()
	<-c.Stop().Done()

	if err := a.FlushAll(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	a.log.DebugContext(ctx, "event aggregator stopped")
	return nil
}

func (a *Aggregator) flush(ctx context.Context, due func(time.Time) bool) error {
	now := a.now()

	a.mu.Lock()
	var starts []time.Time
	taken := make(map[time.Time]*bucketState)
	for start, st := range a.open {
		if !due(start) {
			continue
		}
		starts = append(starts, start)
		taken[start] = st
		delete(a.open, start)
	}
	a.mu.Unlock()
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	var errs []error
	for _, start := range starts {
		st := taken[start]
		b := Bucket{
			Start:    start,
			Counts:   st.counts,
			Total:    st.total,
			Failures: st.failures,
			Sources:  len(st.sources),
			Accounts: len(st.accounts),
			Partial:  start.Add(time.Hour).After(now),
		}
		if a.sink != nil {
			if err := a.sink.StoreBucket(ctx, b); err != nil {
				a.requeue(start, st)
				errs = append(errs, fmt.Errorf("sentinel/audit: store bucket %s: %w", start.Format(time.RFC3339), err))
				continue
			}
		}
		a.stored(b)

		counts := make(map[string]int, len(b.Counts))
		for t, n := range b.Counts {
			counts[string(t)] = n
		}
		a.metrics.RecordBucket(counts)
		a.log.InfoContext(ctx, "event bucket flushed",
			"start", b.Start, "total", b.Total, "failures", b.Failures, "partial", b.Partial)
	}
	return errors.Join(errs...)
}

// requeue puts a bucket that failed to store back into the open set, merged
// with anything observed for the same hour in the meantime.
func (a *Aggregator) requeue(start time.Time, st *bucketState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.open[start]
	if !ok {
		a.open[start] = st
		return
	}
	for t, n := range cur.counts {
		st.counts[t] += n
	}
	st.total += cur.total
	st.failures += cur.failures
	maps.Copy(st.sources, cur.sources)
	maps.Copy(st.accounts, cur.accounts)
	a.open[start] = st
}

func (a *Aggregator) stored(b Bucket) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushed = append(a.flushed, b)
	if n := len(a.flushed) - a.keep; n > 0 {
		a.flushed = append([]Bucket(nil), a.flushed[n:]...)
	}
}
