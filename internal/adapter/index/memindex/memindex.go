// Package memindex is the in-memory routing index used by tests and
// single-process deployments. Expiry is evaluated lazily on read, which keeps
// the semantics aligned with the Redis driver: a binding past its TTL is
// invisible to Lookup/Live/Refresh but its id stays in the membership set
// until Unbind removes it.
package memindex

import (
	"fmt"
	"sync"
	"time"

	"github.com/evalbox/evalbox/internal/domain"
)

type binding struct {
	entry     domain.RoutingEntry
	expiresAt time.Time
}

// Index implements domain.RoutingIndex in process memory.
type Index struct {
	mu       sync.Mutex
	bindings map[string]binding
	members  map[string]struct{}
	now      func() time.Time
}

// New returns an empty index.
func New() *Index {
	return &Index{
		bindings: make(map[string]binding),
		members:  make(map[string]struct{}),
		now:      time.Now,
	}
}

func (x *Index) Bind(_ domain.Context, id string, entry domain.RoutingEntry, ttl time.Duration) error {
	if id == "" || ttl <= 0 {
		return fmt.Errorf("op=memindex.Bind: %w", domain.ErrInvalidArgument)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.bindings[id] = binding{entry: entry, expiresAt: x.now().Add(ttl)}
	x.members[id] = struct{}{}
	return nil
}

func (x *Index) Lookup(_ domain.Context, id string) (domain.RoutingEntry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.bindings[id]
	if !ok || !x.now().Before(b.expiresAt) {
		return domain.RoutingEntry{}, fmt.Errorf("op=memindex.Lookup: %w", domain.ErrNotFound)
	}
	return b.entry, nil
}

func (x *Index) Refresh(_ domain.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("op=memindex.Refresh: %w", domain.ErrInvalidArgument)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.bindings[id]
	if !ok || !x.now().Before(b.expiresAt) {
		return false, nil
	}
	b.expiresAt = x.now().Add(ttl)
	x.bindings[id] = b
	return true, nil
}

func (x *Index) Unbind(_ domain.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.bindings, id)
	delete(x.members, id)
	return nil
}

func (x *Index) Members(_ domain.Context) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]string, 0, len(x.members))
	for id := range x.members {
		out = append(out, id)
	}
	return out, nil
}

func (x *Index) Live(_ domain.Context, id string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.bindings[id]
	return ok && x.now().Before(b.expiresAt), nil
}

// SetClock overrides the time source for tests.
func (x *Index) SetClock(now func() time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.now = now
}
