package events

import (
	"sync"
)

const (
	defaultSubscriberCapacity = 256
	defaultBacklogLimit       = 200
)

// Logger records broadcaster diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

// BroadcasterOption customizes Broadcaster construction.
type BroadcasterOption func(*Broadcaster)

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(capacity int) BroadcasterOption {
	return func(b *Broadcaster) {
		if capacity > 0 {
			b.channelSize = capacity
		}
	}
}

// WithBacklogLimit overrides how many recent records are replayed to new
// subscribers.
func WithBacklogLimit(limit int) BroadcasterOption {
	return func(b *Broadcaster) {
		if limit > 0 {
			b.backlogLimit = limit
		}
	}
}

// WithLogger injects a logger for drop diagnostics.
func WithLogger(logger Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// Broadcaster delivers every record to all subscribers through bounded
// channels. A slow subscriber loses records; Emit never waits for it.
type Broadcaster struct {
	mu           sync.RWMutex
	subscribers  map[*subscriber]struct{}
	backlog      []Record
	channelSize  int
	backlogLimit int
	logger       Logger
}

// Subscription represents an active subscriber.
type Subscription struct {
	Events <-chan Record
	cancel func()
}

// Close terminates the subscription and closes Events.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewBroadcaster constructs a broadcaster with default limits.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		subscribers:  map[*subscriber]struct{}{},
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers a new subscriber. Recent records are replayed first.
func (b *Broadcaster) Subscribe() Subscription {
	sub := newSubscriber(b.channelSize, b.logger)
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	for _, record := range b.backlog {
		sub.deliver(record)
	}
	b.mu.Unlock()
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			b.removeSubscriber(sub)
		},
	}
}

// Emit satisfies Sink.
func (b *Broadcaster) Emit(record Record) {
	b.mu.Lock()
	if len(b.backlog) >= b.backlogLimit {
		b.backlog = b.backlog[1:]
	}
	b.backlog = append(b.backlog, record)
	// deliver never blocks, so fan-out under the lock keeps every
	// subscriber's order identical to the backlog's.
	for sub := range b.subscribers {
		sub.deliver(record)
	}
	b.mu.Unlock()
}

// Recent returns up to n of the most recent records, oldest first.
func (b *Broadcaster) Recent(n int) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.backlog) {
		n = len(b.backlog)
	}
	return append([]Record(nil), b.backlog[len(b.backlog)-n:]...)
}

// Subscribers reports how many subscriptions are open.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broadcaster) removeSubscriber(sub *subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()
	sub.close()
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Record
	logger Logger
	closed bool
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan Record, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Record {
	return s.ch
}

// deliver holds the subscriber lock for the whole exchange so overflow
// handling cannot race with a concurrent deliver or close.
func (s *subscriber) deliver(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- record:
		return
	default:
	}
	var oldest Record
	select {
	case oldest = <-s.ch:
	default:
		// The reader drained the channel in the meantime.
		s.ch <- record
		return
	}
	if oldest.Critical() && !record.Critical() {
		s.ch <- oldest
		s.logDrop(record, "queue overflow:incoming")
		return
	}
	s.ch <- record
	s.logDrop(oldest, "queue overflow")
}

func (s *subscriber) logDrop(record Record, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("events: dropped %s record for %s (%s)", record.Kind, record.Worker, reason)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
