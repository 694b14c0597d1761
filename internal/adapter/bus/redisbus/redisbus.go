// Package redisbus carries lifecycle events over Redis Pub/Sub, one channel
// per topic. Pub/Sub gives exactly the bus contract: delivery to connected
// subscribers, no persistence, no replay.
package redisbus

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/evalbox/evalbox/internal/domain"
)

// Bus implements domain.Bus on a Redis client.
type Bus struct {
	rdb *redis.Client
}

// New wraps an established Redis client.
func New(rdb *redis.Client) *Bus { return &Bus{rdb: rdb} }

func (b *Bus) Publish(ctx domain.Context, ev domain.Event) error {
	if ev.Topic == "" {
		return fmt.Errorf("op=redisbus.Publish: %w", domain.ErrInvalidArgument)
	}
	raw, err := domain.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("op=redisbus.Publish: %w", err)
	}
	if err := b.rdb.Publish(ctx, ev.Topic, raw).Err(); err != nil {
		return fmt.Errorf("op=redisbus.Publish: %w", err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx domain.Context, topics ...string) (domain.Subscription, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("op=redisbus.Subscribe: %w", domain.ErrInvalidArgument)
	}
	ps := b.rdb.Subscribe(ctx, topics...)
	// Force the SUBSCRIBE round-trip so a dead Redis surfaces here, not on
	// the first receive.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("op=redisbus.Subscribe: %w", err)
	}

	sub := &subscription{ps: ps, events: make(chan domain.Event, 64)}
	go sub.pump()
	return sub, nil
}

type subscription struct {
	ps     *redis.PubSub
	events chan domain.Event
}

func (s *subscription) Events() <-chan domain.Event { return s.events }

func (s *subscription) Close() error { return s.ps.Close() }

// pump decodes raw pub/sub messages into events until Close drains the
// underlying channel.
func (s *subscription) pump() {
	defer close(s.events)
	for msg := range s.ps.Channel() {
		ev, err := domain.DecodeEvent([]byte(msg.Payload))
		if err != nil {
			slog.Warn("dropping undecodable bus message",
				slog.String("channel", msg.Channel), slog.Any("error", err))
			continue
		}
		if ev.Topic == "" {
			ev.Topic = msg.Channel
		}
		s.events <- ev
	}
}
