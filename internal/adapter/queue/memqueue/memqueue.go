// Package memqueue is the in-process work queue. Each resource class is a
// buffered channel, which preserves FIFO order and gives Claim a natural
// blocking wait. Claimed items live only in the consumer's hands, so an ack
// is a no-op and a crash loses the claim; the queue exists for tests and
// single-process deployments where that trade is fine.
package memqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/evalbox/evalbox/internal/domain"
)

const classBuffer = 1024

type queued struct {
	item     domain.WorkItem
	attempts int
}

// Queue implements domain.Queue with per-class channels.
type Queue struct {
	mu      sync.Mutex
	classes map[string]chan queued
	dead    []domain.DeadLetter
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{classes: make(map[string]chan queued)}
}

func (q *Queue) class(name string) chan queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.classes[name]
	if !ok {
		ch = make(chan queued, classBuffer)
		q.classes[name] = ch
	}
	return ch
}

func (q *Queue) Enqueue(_ domain.Context, class string, item domain.WorkItem) error {
	if class == "" || item.ID == "" {
		return fmt.Errorf("op=memqueue.Enqueue: %w", domain.ErrInvalidArgument)
	}
	select {
	case q.class(class) <- queued{item: item}:
		return nil
	default:
		return fmt.Errorf("op=memqueue.Enqueue: %w", domain.ErrQueueFull)
	}
}

func (q *Queue) Claim(ctx domain.Context, class string, wait time.Duration) (*domain.ClaimedItem, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case entry := <-q.class(class):
		return &domain.ClaimedItem{
			WorkItem:  entry.item,
			Attempts:  entry.attempts,
			ClaimedAt: time.Now().UTC(),
			Receipt:   entry,
		}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) Ack(_ domain.Context, item *domain.ClaimedItem) error {
	if item == nil {
		return fmt.Errorf("op=memqueue.Ack: %w", domain.ErrInvalidArgument)
	}
	return nil
}

func (q *Queue) Nack(_ domain.Context, item *domain.ClaimedItem, retryAfter time.Duration) error {
	if item == nil {
		return fmt.Errorf("op=memqueue.Nack: %w", domain.ErrInvalidArgument)
	}
	entry := queued{item: item.WorkItem, attempts: item.Attempts + 1}
	ch := q.class(item.ResourceClass)
	if retryAfter <= 0 {
		select {
		case ch <- entry:
		default:
		}
		return nil
	}
	time.AfterFunc(retryAfter, func() {
		select {
		case ch <- entry:
		default:
		}
	})
	return nil
}

func (q *Queue) Requeue(_ domain.Context, item *domain.ClaimedItem) error {
	if item == nil {
		return fmt.Errorf("op=memqueue.Requeue: %w", domain.ErrInvalidArgument)
	}
	select {
	case q.class(item.ResourceClass) <- queued{item: item.WorkItem, attempts: item.Attempts}:
		return nil
	default:
		return fmt.Errorf("op=memqueue.Requeue: %w", domain.ErrQueueFull)
	}
}

func (q *Queue) DeadLetter(_ domain.Context, item *domain.ClaimedItem, reason string) error {
	if item == nil {
		return fmt.Errorf("op=memqueue.DeadLetter: %w", domain.ErrInvalidArgument)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, domain.DeadLetter{
		Item:     item.WorkItem,
		Reason:   reason,
		Attempts: item.Attempts,
		FailedAt: time.Now().UTC(),
	})
	return nil
}

func (q *Queue) Depth(_ domain.Context, class string) (int64, error) {
	return int64(len(q.class(class))), nil
}

// DeadLetters returns a copy of the dead-letter list, oldest first.
func (q *Queue) DeadLetters() []domain.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}
