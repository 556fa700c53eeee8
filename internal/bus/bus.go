// Package bus fans committed domain events out to live subscribers. Delivery
// is at-least-once in id order per subscriber; a subscriber that falls
// behind its bounded buffer is marked lagging and must re-read the event
// store from its cursor.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// DefaultBufferSize bounds each subscriber queue.
const DefaultBufferSize = 256

// Subscription is one live consumer of the event stream.
type Subscription struct {
	id      int64
	ch      chan *models.Event
	bus     *Bus
	mu      sync.Mutex
	lagging bool
	closed  bool
}

// Events is the subscriber's receive channel. It closes on Unsubscribe and
// on bus Stop.
func (s *Subscription) Events() <-chan *models.Event {
	return s.ch
}

// Lagging reports whether events were dropped; the subscriber must resume by
// re-reading the event store with its cursor.
func (s *Subscription) Lagging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagging
}

// ClearLagging resets the flag after the subscriber has caught up from the
// store.
func (s *Subscription) ClearLagging() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lagging = false
}

// Close removes the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is the in-process publisher.
type Bus struct {
	mu      sync.Mutex
	nextID  int64
	subs    map[int64]*Subscription
	bufSize int
	stopped bool
	logger  *slog.Logger
}

// New creates a bus with the given per-subscriber buffer (0 = default).
func New(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:    make(map[int64]*Subscription),
		bufSize: bufferSize,
		logger:  logger,
	}
}

// Subscribe registers a live consumer. The caller owns catching up from the
// store before consuming, using its cursor.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:  b.nextID,
		ch:  make(chan *models.Event, b.bufSize),
		bus: b,
	}
	if b.stopped {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	s.mu.Lock()
	if !s.closed {
		close(s.ch)
		s.closed = true
	}
	s.mu.Unlock()
}

// Publish delivers one committed event to every subscriber. A full queue
// drops the oldest buffered event and marks the subscriber lagging.
func (b *Bus) Publish(ctx context.Context, event *models.Event) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- event:
		default:
			// Drop oldest first; the subscriber resumes from the store.
			select {
			case <-s.ch:
			default:
			}
			s.mu.Lock()
			if !s.lagging {
				s.lagging = true
				b.logger.WarnContext(ctx, "subscriber lagging, dropping oldest event",
					"subscriber", s.id, "event_id", event.ID)
			}
			s.mu.Unlock()
			select {
			case s.ch <- event:
			default:
			}
		}
	}
}

// Stop closes every subscription.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	for id, s := range b.subs {
		s.mu.Lock()
		if !s.closed {
			close(s.ch)
			s.closed = true
		}
		s.mu.Unlock()
		delete(b.subs, id)
	}
}
