// Package throttle is the gateway's global submission limiter: a Redis
// fixed-window counter evaluated by a Lua script so the increment, the
// expiry arming, and the remaining-window read happen atomically across
// gateway replicas.
package throttle

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter admits or rejects an action against a shared budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// windowScript bumps the window counter, arms the expiry on first use, and
// returns the count together with the window's remaining lifetime in ms.
const windowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return { current, ttl }
`

// RedisWindow is a fixed-window limiter over a Redis client. A nil receiver
// or a non-positive limit admits everything, and Redis failures fail open:
// a broken limiter must not take submissions down with it.
type RedisWindow struct {
	rdb    *redis.Client
	limit  int64
	window time.Duration
	script *redis.Script
	log    *slog.Logger
}

// NewRedisWindow builds a limiter admitting limit calls per window.
func NewRedisWindow(rdb *redis.Client, limit int, window time.Duration, log *slog.Logger) *RedisWindow {
	if rdb == nil {
		return nil
	}
	if window <= 0 {
		window = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisWindow{
		rdb:    rdb,
		limit:  int64(limit),
		window: window,
		script: redis.NewScript(windowScript),
		log:    log,
	}
}

func (l *RedisWindow) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l == nil || l.rdb == nil || l.limit <= 0 {
		return true, 0, nil
	}

	res, err := l.script.Run(ctx, l.rdb, []string{"throttle:" + key}, l.window.Milliseconds()).Result()
	if err != nil {
		l.log.Error("throttle script failed, admitting",
			slog.String("key", key), slog.Any("error", err))
		return true, 0, err
	}
	vals, ok := res.([]any)
	if !ok || len(vals) < 2 {
		l.log.Error("throttle script returned unexpected shape",
			slog.String("key", key), slog.Any("result", res))
		return true, 0, nil
	}

	count := toInt64(vals[0])
	if count <= l.limit {
		return true, 0, nil
	}
	retry := time.Duration(toInt64(vals[1])) * time.Millisecond
	if retry <= 0 {
		retry = l.window
	}
	return false, retry, nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
