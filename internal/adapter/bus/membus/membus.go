// Package membus is the in-process event bus. Delivery semantics mirror the
// Redis driver: events reach subscribers connected at publish time, nothing
// is replayed, and a subscriber that stops draining its channel loses events
// once its buffer fills.
package membus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/evalbox/evalbox/internal/domain"
)

const subscriberBuffer = 256

// Bus implements domain.Bus with per-subscriber buffered channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

type subscription struct {
	bus    *Bus
	topics map[string]struct{}
	ch     chan domain.Event
	once   sync.Once
}

func (s *subscription) Events() <-chan domain.Event { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (b *Bus) Publish(_ domain.Context, ev domain.Event) error {
	if ev.Topic == "" {
		return fmt.Errorf("op=membus.Publish: %w", domain.ErrInvalidArgument)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if _, ok := sub.topics[ev.Topic]; !ok {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("event dropped, slow subscriber",
				slog.String("topic", ev.Topic), slog.String("id", ev.ID))
		}
	}
	return nil
}

func (b *Bus) Subscribe(_ domain.Context, topics ...string) (domain.Subscription, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("op=membus.Subscribe: %w", domain.ErrInvalidArgument)
	}
	sub := &subscription{
		bus:    b,
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan domain.Event, subscriberBuffer),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}
