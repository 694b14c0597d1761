// Package redisindex keeps runner bindings in Redis. Each binding is a JSON
// value at eval:{id}:running with a TTL, plus membership in the
// running_evaluations set. The key expires on its own; the set entry stays
// until Unbind, so the reconciler can spot bindings that died without a
// terminal event.
package redisindex

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evalbox/evalbox/internal/domain"
)

const membersKey = "running_evaluations"

func bindingKey(id string) string { return "eval:" + id + ":running" }

// Index implements domain.RoutingIndex on a Redis client.
type Index struct {
	rdb *redis.Client
}

// New wraps an established Redis client.
func New(rdb *redis.Client) *Index { return &Index{rdb: rdb} }

func (x *Index) Bind(ctx domain.Context, id string, entry domain.RoutingEntry, ttl time.Duration) error {
	if id == "" || ttl <= 0 {
		return fmt.Errorf("op=redisindex.Bind: %w", domain.ErrInvalidArgument)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=redisindex.Bind: %w", err)
	}
	pipe := x.rdb.TxPipeline()
	pipe.Set(ctx, bindingKey(id), raw, ttl)
	pipe.SAdd(ctx, membersKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisindex.Bind: %w", err)
	}
	return nil
}

func (x *Index) Lookup(ctx domain.Context, id string) (domain.RoutingEntry, error) {
	raw, err := x.rdb.Get(ctx, bindingKey(id)).Bytes()
	if err == redis.Nil {
		return domain.RoutingEntry{}, fmt.Errorf("op=redisindex.Lookup: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.RoutingEntry{}, fmt.Errorf("op=redisindex.Lookup: %w", err)
	}
	var entry domain.RoutingEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.RoutingEntry{}, fmt.Errorf("op=redisindex.Lookup: %w", err)
	}
	return entry, nil
}

func (x *Index) Refresh(ctx domain.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("op=redisindex.Refresh: %w", domain.ErrInvalidArgument)
	}
	// EXPIRE reports false when the key is gone, which is exactly the
	// "binding already expired" signal the runner needs.
	ok, err := x.rdb.Expire(ctx, bindingKey(id), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=redisindex.Refresh: %w", err)
	}
	return ok, nil
}

func (x *Index) Unbind(ctx domain.Context, id string) error {
	pipe := x.rdb.TxPipeline()
	pipe.Del(ctx, bindingKey(id))
	pipe.SRem(ctx, membersKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisindex.Unbind: %w", err)
	}
	return nil
}

func (x *Index) Members(ctx domain.Context) ([]string, error) {
	ids, err := x.rdb.SMembers(ctx, membersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisindex.Members: %w", err)
	}
	return ids, nil
}

func (x *Index) Live(ctx domain.Context, id string) (bool, error) {
	n, err := x.rdb.Exists(ctx, bindingKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("op=redisindex.Live: %w", err)
	}
	return n == 1, nil
}
