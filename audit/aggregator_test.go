package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/chimerakang/sentinel-go/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBuckets struct {
	mu      sync.Mutex
	buckets []Bucket
	fail    int // next n stores fail
}

func (m *memBuckets) StoreBucket(_ context.Context, b Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return errors.New("db down")
	}
	m.buckets = append(m.buckets, b)
	return nil
}

func (m *memBuckets) all() []Bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Bucket(nil), m.buckets...)
}

func TestAggregatorFlushCompletedOnly(t *testing.T) {
	clock := fake.NewClock(time.Date(2026, 2, 1, 10, 20, 0, 0, time.UTC))
	sink := &memBuckets{}
	agg := NewAggregator(WithBucketSink(sink), WithAggregatorClock(clock.Now))

	prevHour := time.Date(2026, 2, 1, 9, 45, 0, 0, time.UTC)
	agg.Observe(sentinel.SecurityEvent{Type: sentinel.EventLoginFailed, SourceIP: "a", AccountID: "u1", Timestamp: prevHour})
	agg.Observe(sentinel.SecurityEvent{Type: sentinel.EventLoginFailed, SourceIP: "b", AccountID: "u1", Timestamp: prevHour})
	agg.Observe(sentinel.SecurityEvent{Type: sentinel.EventLoginSuccess, SourceIP: "a", AccountID: "u1", Success: true, Timestamp: prevHour})
	agg.Observe(sentinel.SecurityEvent{Type: sentinel.EventLoginSuccess, Success: true, Timestamp: clock.Now()})

	require.NoError(t, agg.Flush(context.Background()))

	got := sink.all()
	require.Len(t, got, 1)
	b := got[0]
	assert.Equal(t, time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC), b.Start)
	assert.Equal(t, 3, b.Total)
	assert.Equal(t, 2, b.Failures)
	assert.Equal(t, 2, b.Sources)
	assert.Equal(t, 1, b.Accounts)
	assert.Equal(t, 2, b.Counts[sentinel.EventLoginFailed])
	assert.False(t, b.Partial)

	// the current hour is flushed once it ends
	clock.Advance(time.Hour)
	require.NoError(t, agg.Flush(context.Background()))
	assert.Len(t, sink.all(), 2)
	assert.Len(t, agg.Recent(), 2)
}

func TestAggregatorRunFlushesPartialOnCancel(t *testing.T) {
	clock := fake.NewClock(time.Date(2026, 2, 1, 10, 20, 0, 0, time.UTC))
	sink := &memBuckets{}
	agg := NewAggregator(WithBucketSink(sink), WithAggregatorClock(clock.Now))

	log := New(10, WithHandler(agg.Handler()), WithClock(clock.Now))
	log.Append(context.Background(), sentinel.SecurityEvent{Type: sentinel.EventDataAccess, AccountID: "u1", Success: true})
	log.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	got := sink.all()
	require.Len(t, got, 1)
	assert.True(t, got[0].Partial)
	assert.Equal(t, 1, got[0].Counts[sentinel.EventDataAccess])
}

func TestAggregatorBadSchedule(t *testing.T) {
	agg := NewAggregator(WithSchedule("not a schedule"))
	err := agg.Run(context.Background())
	assert.Error(t, err)
}

func TestAggregatorKeepsBucketsWhenStoreFails(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 20, 0, 0, time.UTC)
	clock := fake.NewClock(now)
	sink := &memBuckets{fail: 1}
	agg := NewAggregator(WithBucketSink(sink), WithAggregatorClock(clock.Now))

	for _, ts := range []time.Time{now.Add(-3 * time.Hour), now.Add(-2 * time.Hour), now} {
		agg.Observe(sentinel.SecurityEvent{Type: sentinel.EventLoginFailed, SourceIP: "a", Timestamp: ts})
	}

	err := agg.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2026-01-01T09:00:00Z")

	// the 10:00 bucket is stored despite the 09:00 failure
	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), got[0].Start)
	assert.Len(t, agg.Recent(), 1)

	// a late event for the failed hour merges into the retried bucket
	agg.Observe(sentinel.SecurityEvent{Type: sentinel.EventLoginFailed, SourceIP: "b", Timestamp: now.Add(-3 * time.Hour)})

	require.NoError(t, agg.FlushAll(context.Background()))
	got = sink.all()
	require.Len(t, got, 3)
	assert.Equal(t, time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC), got[1].Start)
	assert.Equal(t, 2, got[1].Total)
	assert.Equal(t, 2, got[1].Sources)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), got[2].Start)
	assert.True(t, got[2].Partial)
}
