package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/evalbox/evalbox/internal/adapter/blob/fsblob"
	"github.com/evalbox/evalbox/internal/adapter/blob/memblob"
	"github.com/evalbox/evalbox/internal/adapter/blob/s3blob"
	"github.com/evalbox/evalbox/internal/adapter/bus/membus"
	"github.com/evalbox/evalbox/internal/adapter/bus/redisbus"
	"github.com/evalbox/evalbox/internal/adapter/httpserver"
	"github.com/evalbox/evalbox/internal/adapter/index/memindex"
	"github.com/evalbox/evalbox/internal/adapter/index/redisindex"
	"github.com/evalbox/evalbox/internal/adapter/queue/kafka"
	"github.com/evalbox/evalbox/internal/adapter/queue/memqueue"
	"github.com/evalbox/evalbox/internal/adapter/sandbox/dockerbox"
	"github.com/evalbox/evalbox/internal/adapter/sandbox/stubbox"
	"github.com/evalbox/evalbox/internal/adapter/store/filestore"
	"github.com/evalbox/evalbox/internal/adapter/store/memstore"
	"github.com/evalbox/evalbox/internal/adapter/store/postgres"
	"github.com/evalbox/evalbox/internal/config"
	"github.com/evalbox/evalbox/internal/domain"
	"github.com/evalbox/evalbox/internal/service/throttle"
)

// QueueGroup is the Kafka consumer group shared by all dispatcher replicas.
// The gateway opens its queue handle under the same group so Depth reports
// the dispatchers' backlog rather than a lag nobody consumes.
const QueueGroup = "evalbox-dispatchers"

// noop is the closer for drivers that hold no external resources.
func noop() {}

// OpenStore builds the evaluation store named by STORE_DRIVER. The postgres
// driver runs migrations on open; an advisory lock inside Migrate makes that
// safe when several processes start at once.
func OpenStore(ctx context.Context, cfg config.Config) (domain.EvaluationStore, httpserver.ReadyCheck, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.StoreURL)
		if err != nil {
			return nil, httpserver.ReadyCheck{}, nil, fmt.Errorf("op=app.OpenStore: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, httpserver.ReadyCheck{}, nil, fmt.Errorf("op=app.OpenStore: %w", err)
		}
		return postgres.New(pool), PingCheck("store", pool), pool.Close, nil
	case "file":
		st, err := filestore.New(cfg.FileStoreDir)
		if err != nil {
			return nil, httpserver.ReadyCheck{}, nil, fmt.Errorf("op=app.OpenStore: %w", err)
		}
		return st, StaticCheck("store"), noop, nil
	case "memory":
		return memstore.New(), StaticCheck("store"), noop, nil
	default:
		return nil, httpserver.ReadyCheck{}, nil, fmt.Errorf("op=app.OpenStore: unknown driver %q", cfg.StoreDriver)
	}
}

// OpenIndex builds the routing index named by INDEX_DRIVER.
func OpenIndex(cfg config.Config) (domain.RoutingIndex, httpserver.ReadyCheck, func(), error) {
	switch cfg.IndexDriver {
	case "redis":
		rdb, err := openRedis(cfg.IndexURL)
		if err != nil {
			return nil, httpserver.ReadyCheck{}, nil, fmt.Errorf("op=app.OpenIndex: %w", err)
		}
		return redisindex.New(rdb), RedisCheck("index", rdb), func() { _ = rdb.Close() }, nil
	case "memory":
		return memindex.New(), StaticCheck("index"), noop, nil
	default:
		return nil, httpserver.ReadyCheck{}, nil, fmt.Errorf("op=app.OpenIndex: unknown driver %q", cfg.IndexDriver)
	}
}

// OpenBus builds the event bus named by BUS_DRIVER.
func OpenBus(cfg config.Config) (domain.Bus, httpserver.ReadyCheck, func(), error) {
	switch cfg.BusDriver {
	case "redis":
		rdb, err := openRedis(cfg.BusURL)
		if err != nil {
			return nil, httpserver.ReadyCheck{}, nil, fmt.Errorf("op=app.OpenBus: %w", err)
		}
		return redisbus.New(rdb), RedisCheck("bus", rdb), func() { _ = rdb.Close() }, nil
	case "memory":
		return membus.New(), StaticCheck("bus"), noop, nil
	default:
		return nil, httpserver.ReadyCheck{}, nil, fmt.Errorf("op=app.OpenBus: unknown driver %q", cfg.BusDriver)
	}
}

// OpenQueue builds the work queue named by QUEUE_DRIVER. instance must be
// unique per process (it seeds the Kafka transactional id); the consumer
// group is always QueueGroup.
func OpenQueue(cfg config.Config, instance string) (domain.Queue, httpserver.ReadyCheck, func(), error) {
	switch cfg.QueueDriver {
	case "kafka":
		q, err := kafka.New(cfg.QueueURL, QueueGroup, "evalbox-"+instance)
		if err != nil {
			return nil, httpserver.ReadyCheck{}, nil, fmt.Errorf("op=app.OpenQueue: %w", err)
		}
		return q, PingCheck("queue", q), func() { _ = q.Close() }, nil
	case "memory":
		return memqueue.New(), StaticCheck("queue"), noop, nil
	default:
		return nil, httpserver.ReadyCheck{}, nil, fmt.Errorf("op=app.OpenQueue: unknown driver %q", cfg.QueueDriver)
	}
}

// OpenBlobs builds the output blob store named by BLOB_DRIVER.
func OpenBlobs(ctx context.Context, cfg config.Config) (domain.BlobStore, httpserver.ReadyCheck, func(), error) {
	switch cfg.BlobDriver {
	case "s3":
		st, err := s3blob.New(ctx, s3blob.Config{
			Endpoint:  cfg.BlobS3Endpoint,
			AccessKey: cfg.BlobS3AccessKey,
			SecretKey: cfg.BlobS3SecretKey,
			Bucket:    cfg.BlobS3Bucket,
			UseSSL:    cfg.BlobS3UseSSL,
		})
		if err != nil {
			return nil, httpserver.ReadyCheck{}, nil, fmt.Errorf("op=app.OpenBlobs: %w", err)
		}
		return st, PingCheck("blobs", st), noop, nil
	case "fs":
		st, err := fsblob.New(cfg.BlobFSDir)
		if err != nil {
			return nil, httpserver.ReadyCheck{}, nil, fmt.Errorf("op=app.OpenBlobs: %w", err)
		}
		return st, StaticCheck("blobs"), noop, nil
	case "memory":
		return memblob.New(), StaticCheck("blobs"), noop, nil
	default:
		return nil, httpserver.ReadyCheck{}, nil, fmt.Errorf("op=app.OpenBlobs: unknown driver %q", cfg.BlobDriver)
	}
}

// OpenSandbox builds the container backend named by SANDBOX_DRIVER.
func OpenSandbox(ctx context.Context, cfg config.Config) (domain.Sandbox, error) {
	switch cfg.SandboxDriver {
	case "docker":
		box, err := dockerbox.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("op=app.OpenSandbox: %w", err)
		}
		return box, nil
	case "stub":
		return stubbox.New(), nil
	default:
		return nil, fmt.Errorf("op=app.OpenSandbox: unknown driver %q", cfg.SandboxDriver)
	}
}

// OpenThrottle builds the submit rate limiter. A zero limit disables it, as
// does a memory routing index: the shared window lives in the index redis,
// and without one there is nothing to share between gateway replicas.
func OpenThrottle(cfg config.Config, log *slog.Logger) (throttle.Limiter, func(), error) {
	if cfg.SubmitThrottleLimit <= 0 || cfg.IndexDriver != "redis" {
		return nil, noop, nil
	}
	rdb, err := openRedis(cfg.IndexURL)
	if err != nil {
		return nil, nil, fmt.Errorf("op=app.OpenThrottle: %w", err)
	}
	return throttle.NewRedisWindow(rdb, cfg.SubmitThrottleLimit, cfg.SubmitThrottleWindow(), log),
		func() { _ = rdb.Close() }, nil
}

func openRedis(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}
