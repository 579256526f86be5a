package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const defaultQueueCapacity = 1024

// Queue decouples emitters from a slow sink. Emit hands the record to a
// bounded buffer and returns at once; one goroutine delivers records to the
// wrapped sink in order. When the buffer is full the incoming record is
// dropped and counted.
type Queue struct {
	sink   Sink
	logger Logger

	mu     sync.RWMutex
	ch     chan Record
	closed bool
	done   chan struct{}

	dropped  atomic.Uint64
	reported uint64
}

// NewQueue starts delivering to sink. capacity <= 0 uses the default.
// logger may be nil.
func NewQueue(sink Sink, capacity int, logger Logger) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if sink == nil {
		sink = Discard
	}
	q := &Queue{
		sink:   sink,
		logger: logger,
		ch:     make(chan Record, capacity),
		done:   make(chan struct{}),
	}
	go q.drain()
	return q
}

// Emit satisfies Sink. It never blocks.
func (q *Queue) Emit(r Record) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- r:
	default:
		q.dropped.Add(1)
	}
}

// Dropped reports how many records were discarded because the buffer was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close stops accepting records and waits until the buffered ones have been
// delivered or ctx is done. Records emitted after Close are discarded.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("events: queue drain: %w", ctx.Err())
	}
}

func (q *Queue) drain() {
	defer close(q.done)
	for r := range q.ch {
		q.deliver(r)
		q.reportDrops()
	}
	q.reportDrops()
}

// deliver isolates the emitter side from a panicking sink.
func (q *Queue) deliver(r Record) {
	defer func() {
		if p := recover(); p != nil && q.logger != nil {
			q.logger.Printf("events: sink panicked on %s record for %s: %v", r.Kind, r.Worker, p)
		}
	}()
	q.sink.Emit(r)
}

func (q *Queue) reportDrops() {
	if q.logger == nil {
		return
	}
	total := q.dropped.Load()
	if total == q.reported {
		return
	}
	q.logger.Printf("events: sink fell behind; %d record(s) dropped", total-q.reported)
	q.reported = total
}
