package events

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const defaultSubscriberCapacity = 64

// BusOption customizes Bus construction.
type BusOption func(*Bus)

// BusWithLogger injects a logger for drop diagnostics.
func BusWithLogger(logger *zap.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// BusWithSubscriberCapacity overrides the buffered channel size per subscriber.
func BusWithSubscriberCapacity(capacity int) BusOption {
	return func(b *Bus) {
		if capacity > 0 {
			b.capacity = capacity
		}
	}
}

// Bus is an in-process Publisher that fans events out to subscribers.
// Each subscriber has a bounded buffer; when it is full the oldest
// non-critical event is dropped so publishers never block.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
	capacity int
	logger   *zap.Logger
}

var _ Publisher = (*Bus)(nil)

// NewBus constructs a bus with default capacity and a no-op logger.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:     map[*subscriber]struct{}{},
		capacity: defaultSubscriberCapacity,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscription is an active Bus subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription and closes Events.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Subscribe registers for events whose name starts with prefix. An empty
// prefix receives everything.
func (b *Bus) Subscribe(prefix string) Subscription {
	sub := &subscriber{
		prefix: prefix,
		ch:     make(chan Event, b.capacity),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return Subscription{
		Events: sub.ch,
		cancel: func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			sub.close()
		},
	}
}

// Publish delivers a new event to every matching subscriber.
func (b *Bus) Publish(ctx context.Context, name string, payload map[string]any) {
	b.Deliver(NewEvent(name, payload))
}

// Deliver routes an already stamped event, e.g. one received from Redis.
func (b *Bus) Deliver(ev Event) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		if strings.HasPrefix(ev.Name, sub.prefix) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if dropped, ok := sub.deliver(ev); ok {
			b.logger.Debug("event_dropped",
				zap.String("event", dropped.Name),
				zap.String("event_id", dropped.ID),
				zap.String("reason", "subscriber queue overflow"),
			)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type subscriber struct {
	prefix string
	ch     chan Event

	mu     sync.Mutex
	closed bool
}

// deliver enqueues ev, returning the event that was dropped to make room.
func (s *subscriber) deliver(ev Event) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Event{}, false
	}

	select {
	case s.ch <- ev:
		return Event{}, false
	default:
	}

	var oldest Event
	select {
	case oldest = <-s.ch:
	default:
		// A reader drained the queue in between.
		s.ch <- ev
		return Event{}, false
	}

	if isCritical(oldest.Name) && !isCritical(ev.Name) {
		s.ch <- oldest
		return ev, true
	}
	s.ch <- ev
	return oldest, true
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

// isCritical marks events that should survive overflow.
func isCritical(name string) bool {
	return strings.HasSuffix(name, ".failed") || strings.HasSuffix(name, ".step_failed")
}
