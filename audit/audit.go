// Package audit provides the append-only security event log.
//
// Log stores every event in memory for Query and fans it out asynchronously
// to handlers, such as the hourly Aggregator.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/google/uuid"
)

var _ sentinel.EventSink = (*Log)(nil)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("sentinel/audit: log closed")

// Handler processes events. Implementations should not block.
type Handler func(event sentinel.SecurityEvent)

// Log is an in-memory sentinel.EventSink with buffered async emission.
type Log struct {
	mu       sync.RWMutex
	events   []sentinel.SecurityEvent
	handlers []Handler
	now      func() time.Time

	queue     chan sentinel.SecurityEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures Log behavior.
type Option func(*Log)

// WithWriterHandler adds a handler that writes JSON events to w, one per line.
func WithWriterHandler(w io.Writer) Option {
	var mu sync.Mutex
	return WithHandler(func(e sentinel.SecurityEvent) {
		data, _ := json.Marshal(e)
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "%s\n", data)
	})
}

// WithHandler adds a custom event handler.
func WithHandler(h Handler) Option {
	return func(l *Log) {
		l.AddHandler(h)
	}
}

// WithClock overrides time.Now for events appended without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates a new event log with buffered async emission.
// bufferSize: handler queue buffer size (default: 1000).
func New(bufferSize int, opts ...Option) *Log {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	l := &Log{
		now:   time.Now,
		queue: make(chan sentinel.SecurityEvent, bufferSize),
		done:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	// Start async event processor
	l.wg.Add(1)
	go l.process()

	return l
}

// AddHandler adds a handler to receive events appended from now on.
func (l *Log) AddHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Append stores the event and queues it for handlers. Missing ID and
// Timestamp are filled in. The stored copy does not share RawData with the
// caller.
func (l *Log) Append(ctx context.Context, event sentinel.SecurityEvent) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	event.RawData = maps.Clone(event.RawData)

	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()

	select {
	case l.queue <- event:
		return nil
	case <-l.done:
		// shutting down; the event is stored but not fanned out
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query returns matching events oldest first. With a Limit, only the most
// recent Limit matches are returned.
func (l *Log) Query(_ context.Context, filter sentinel.EventFilter) ([]sentinel.SecurityEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []sentinel.SecurityEvent
	for i := range l.events {
		if filter.Match(&l.events[i]) {
			ev := l.events[i]
			ev.RawData = maps.Clone(ev.RawData)
			out = append(out, ev)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Len returns the number of stored events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// process handles events from the queue.
func (l *Log) process() {
	defer l.wg.Done()

	for {
		select {
		case event := <-l.queue:
			l.dispatch(event)
		case <-l.done:
			// Drain remaining events
			for {
				select {
				case event := <-l.queue:
					l.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) dispatch(event sentinel.SecurityEvent) {
	l.mu.RLock()
	handlers := l.handlers
	l.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

// Close flushes pending events to handlers and stops the log.
func (l *Log) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}
