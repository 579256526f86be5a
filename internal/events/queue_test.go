package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type stuckSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stuckSink) Emit(Record) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
}

type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *lineLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func TestQueueDeliversInOrderAndDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(sink, 8, nil)
	for i := 0; i < 5; i++ {
		q.Emit(New("a", KindOutput, fmt.Sprint(i)))
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := sink.details()
	if len(got) != 5 || got[0] != "0" || got[4] != "4" {
		t.Fatalf("unexpected delivery %v", got)
	}
	q.Emit(New("a", KindOutput, "late"))
	if len(sink.details()) != 5 {
		t.Fatalf("record accepted after close")
	}
}

func TestQueueEmitNeverWaitsForStuckSink(t *testing.T) {
	sink := &stuckSink{entered: make(chan struct{}), release: make(chan struct{})}
	q := NewQueue(sink, 2, nil)
	q.Emit(New("a", KindStarted, "first"))
	<-sink.entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			q.Emit(New("a", KindOutput, "line"))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("emit blocked behind a stuck sink")
	}
	if q.Dropped() != 98 {
		t.Fatalf("expected 98 dropped records, got %d", q.Dropped())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); err == nil {
		t.Fatalf("expected close to give up on a stuck sink")
	}
	close(sink.release)
}

func TestQueueSurvivesPanickingSink(t *testing.T) {
	logger := &lineLogger{}
	inner := &recordingSink{}
	sink := SinkFunc(func(r Record) {
		if r.Detail == "bad" {
			panic("render failed")
		}
		inner.Emit(r)
	})
	q := NewQueue(sink, 4, logger)
	q.Emit(New("a", KindOutput, "bad"))
	q.Emit(New("a", KindOutput, "good"))
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := inner.details(); len(got) != 1 || got[0] != "good" {
		t.Fatalf("expected delivery to continue after panic, got %v", got)
	}
	if logger.count() != 1 {
		t.Fatalf("expected the panic to be logged once, got %d lines", logger.count())
	}
}
