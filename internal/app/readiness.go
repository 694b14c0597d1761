package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/evalbox/evalbox/internal/adapter/httpserver"
)

// Pinger is the minimal interface of a client capable of Ping. pgxpool
// pools, the kafka queue, and the s3 blob store all satisfy it.
type Pinger interface{ Ping(ctx context.Context) error }

// PingCheck adapts a Ping-capable client to a readiness probe.
func PingCheck(name string, p Pinger) httpserver.ReadyCheck {
	return httpserver.ReadyCheck{Name: name, Probe: func(ctx context.Context) error {
		if p == nil {
			return fmt.Errorf("%s not configured", name)
		}
		return p.Ping(ctx)
	}}
}

// RedisCheck adapts a go-redis client to a readiness probe.
func RedisCheck(name string, rdb *redis.Client) httpserver.ReadyCheck {
	return httpserver.ReadyCheck{Name: name, Probe: func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("%s not configured", name)
		}
		return rdb.Ping(ctx).Err()
	}}
}

// StaticCheck reports a fixed result, used for memory-backed drivers that
// have nothing to probe.
func StaticCheck(name string) httpserver.ReadyCheck {
	return httpserver.ReadyCheck{Name: name, Probe: func(context.Context) error { return nil }}
}
