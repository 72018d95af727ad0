package reqlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]RequestLog
	err     error
}

func (s *fakeSink) WriteBatch(_ context.Context, entries []RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]RequestLog, len(entries))
	copy(cp, entries)
	s.batches = append(s.batches, cp)
	return s.err
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestLoggerFlushesToSinkOnClose(t *testing.T) {
	sink := &fakeSink{}
	l, err := New(context.Background(), nil, WithSink(sink))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	for i := 0; i < 5; i++ {
		l.Log(RequestLog{
			ID:        uuid.New(),
			Alias:     "gpt-4o",
			Provider:  "openai-primary",
			Model:     "gpt-4o",
			Status:    200,
			CreatedAt: time.Now(),
		})
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	if got := sink.count(); got != 5 {
		t.Errorf("expected sink to receive 5 entries, got %d", got)
	}
	if l.DroppedLogs() != 0 {
		t.Errorf("expected 0 dropped logs, got %d", l.DroppedLogs())
	}
}

func TestLoggerCountsSinkErrors(t *testing.T) {
	sink := &fakeSink{err: context.DeadlineExceeded}
	l, err := New(context.Background(), nil, WithSink(sink))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	l.Log(RequestLog{ID: uuid.New(), CreatedAt: time.Now()})
	if err := l.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	if l.SinkErrors() != 1 {
		t.Errorf("expected 1 sink error, got %d", l.SinkErrors())
	}
}

func TestLoggerRejectsNilContext(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestLoggerDropsWhenChannelFull(t *testing.T) {
	// Construct a Logger directly with a tiny, never-drained channel so
	// Log's drop-on-full path is exercised deterministically, without
	// racing against the background flush loop.
	l := &Logger{
		ch:   make(chan RequestLog, 1),
		done: make(chan struct{}),
	}

	l.Log(RequestLog{ID: uuid.New()}) // fills the one slot
	l.Log(RequestLog{ID: uuid.New()}) // must be dropped
	l.Log(RequestLog{ID: uuid.New()}) // must be dropped

	if got := l.DroppedLogs(); got != 2 {
		t.Errorf("expected 2 dropped logs, got %d", got)
	}
}
