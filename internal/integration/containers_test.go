//go:build integration

// Package integration exercises the real driver implementations against
// disposable containers: postgres for the store, redis for the routing index
// and bus, minio for the blob store, redpanda for the queue. Run with
// -tags integration on a host with a Docker daemon; tests skip when none is
// reachable.
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/evalbox/evalbox/internal/adapter/blob"
	"github.com/evalbox/evalbox/internal/adapter/blob/s3blob"
	"github.com/evalbox/evalbox/internal/adapter/bus/redisbus"
	"github.com/evalbox/evalbox/internal/adapter/index/redisindex"
	"github.com/evalbox/evalbox/internal/adapter/queue/kafka"
	"github.com/evalbox/evalbox/internal/adapter/store/postgres"
	"github.com/evalbox/evalbox/internal/domain"
)

// redpandaHostPort is bound on the host so the broker can advertise a
// reachable address before the container starts.
const redpandaHostPort = 19193

func dockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{Image: "hello-world"},
		Started:          false,
	})
	return err == nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if !dockerAvailable() {
		t.Skip("docker not available, skipping container tests")
	}
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func startContainer(t *testing.T, req tc.ContainerRequest) tc.Container {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer tcancel()
		_ = c.Terminate(tctx)
	})
	return c
}

func endpoint(t *testing.T, c tc.Container, port nat.Port) string {
	t.Helper()
	ctx := context.Background()
	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err)
	return host + ":" + mapped.Port()
}

func startPostgres(t *testing.T) string {
	t.Helper()
	c := startContainer(t, tc.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_USER": "evalbox", "POSTGRES_PASSWORD": "evalbox", "POSTGRES_DB": "evalbox"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	})
	return "postgres://evalbox:evalbox@" + endpoint(t, c, "5432") + "/evalbox?sslmode=disable"
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	c := startContainer(t, tc.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	})
	rdb := redis.NewClient(&redis.Options{Addr: endpoint(t, c, "6379")})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	require.Eventually(t, func() bool { return rdb.Ping(ctx).Err() == nil }, 30*time.Second, 500*time.Millisecond)
	return rdb
}

func startMinio(t *testing.T) s3blob.Config {
	t.Helper()
	c := startContainer(t, tc.ContainerRequest{
		Image:        "minio/minio:latest",
		Cmd:          []string{"server", "/data"},
		Env:          map[string]string{"MINIO_ROOT_USER": "minioadmin", "MINIO_ROOT_PASSWORD": "minioadmin"},
		ExposedPorts: []string{"9000/tcp"},
		WaitingFor:   wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
	})
	return s3blob.Config{
		Endpoint:  endpoint(t, c, "9000"),
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "evalbox-it",
	}
}

// startRedpanda binds a fixed host port so --advertise-kafka-addr can name
// the reachable address before the container exists.
func startRedpanda(t *testing.T) string {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redpandadata/redpanda:v24.3.7",
		ExposedPorts: []string{"9092/tcp"},
		Cmd: []string{
			"redpanda", "start",
			"--overprovisioned",
			"--smp", "1",
			"--memory", "256M",
			"--reserve-memory", "0M",
			"--node-id", "0",
			"--check=false",
			"--kafka-addr", "PLAINTEXT://0.0.0.0:9092",
			"--advertise-kafka-addr", fmt.Sprintf("PLAINTEXT://127.0.0.1:%d", redpandaHostPort),
			"--default-log-level=error",
			"--mode", "dev-container",
		},
		WaitingFor: wait.ForListeningPort("9092/tcp").WithStartupTimeout(60 * time.Second),
		HostConfigModifier: func(hc *containertypes.HostConfig) {
			if hc.PortBindings == nil {
				hc.PortBindings = nat.PortMap{}
			}
			hc.PortBindings["9092/tcp"] = []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", redpandaHostPort)},
			}
		},
	}
	startContainer(t, req)
	return fmt.Sprintf("127.0.0.1:%d", redpandaHostPort)
}

func TestPostgresStoreLifecycle(t *testing.T) {
	requireDocker(t)
	ctx := context.Background()
	dsn := startPostgres(t)

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.Eventually(t, func() bool { return pool.Ping(ctx) == nil }, 30*time.Second, time.Second)

	// Migrations hold an advisory lock, so a second run is a no-op.
	require.NoError(t, postgres.Migrate(ctx, pool))
	require.NoError(t, postgres.Migrate(ctx, pool))
	store := postgres.New(pool)

	id := uniqueID("it-store")
	created := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.Insert(ctx, domain.Evaluation{
		ID:            id,
		SourceText:    "print('integration')",
		LanguageTag:   "python",
		TimeoutS:      30,
		ResourceClass: "default",
		Status:        domain.StatusQueued,
		CreatedAt:     created,
	}))

	// A duplicate insert must not clobber the original record.
	require.NoError(t, store.Insert(ctx, domain.Evaluation{
		ID:          id,
		SourceText:  "print('changed')",
		LanguageTag: "python",
		TimeoutS:    5,
		Status:      domain.StatusQueued,
		CreatedAt:   created,
	}))
	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "print('integration')", rec.SourceText)
	assert.Equal(t, domain.StatusQueued, rec.Status)

	started := time.Now().UTC()
	runnerID := "runner-it"
	ok, err := store.UpdateIf(ctx, id, []domain.Status{domain.StatusQueued}, domain.EvalUpdate{
		Status:    domain.StatusRunning,
		StartedAt: &started,
		RunnerID:  &runnerID,
	})
	require.NoError(t, err)
	require.True(t, ok)

	// The guard must reject a stale transition.
	ok, err = store.UpdateIf(ctx, id, []domain.Status{domain.StatusQueued}, domain.EvalUpdate{Status: domain.StatusRunning})
	require.NoError(t, err)
	assert.False(t, ok)

	completed := time.Now().UTC()
	exit := 0
	preview := "integration\n"
	ok, err = store.UpdateIf(ctx, id, domain.TransitionSources(domain.StatusCompleted), domain.EvalUpdate{
		Status:        domain.StatusCompleted,
		CompletedAt:   &completed,
		ExitCode:      &exit,
		OutputPreview: &preview,
	})
	require.NoError(t, err)
	require.True(t, ok)

	rec, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
	assert.Equal(t, preview, rec.OutputPreview)
	require.NotNil(t, rec.RunnerID)
	assert.Equal(t, runnerID, *rec.RunnerID)

	list, err := store.List(ctx, domain.ListFilter{Status: domain.StatusCompleted, Limit: 50})
	require.NoError(t, err)
	found := false
	for _, e := range list {
		if e.ID == id {
			found = true
		}
	}
	assert.True(t, found, "completed listing should include %s", id)

	n, err := store.CountByStatus(ctx, domain.StatusCompleted)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	_, err = store.Get(ctx, uniqueID("it-missing"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisIndexAndBus(t *testing.T) {
	requireDocker(t)
	ctx := context.Background()
	rdb := startRedis(t)

	idx := redisindex.New(rdb)
	id := uniqueID("it-idx")
	entry := domain.RoutingEntry{
		RunnerID:    "runner-it",
		RunnerURL:   "http://runner-it:8081",
		ContainerID: "ctr-it",
		StartedAt:   time.Now().UTC(),
		TimeoutS:    30,
	}
	require.NoError(t, idx.Bind(ctx, id, entry, 30*time.Second))

	got, err := idx.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entry.RunnerID, got.RunnerID)
	assert.Equal(t, entry.RunnerURL, got.RunnerURL)
	assert.Equal(t, entry.ContainerID, got.ContainerID)
	assert.WithinDuration(t, entry.StartedAt, got.StartedAt, time.Second)

	live, err := idx.Live(ctx, id)
	require.NoError(t, err)
	assert.True(t, live)

	members, err := idx.Members(ctx)
	require.NoError(t, err)
	assert.Contains(t, members, id)

	refreshed, err := idx.Refresh(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, refreshed)

	require.NoError(t, idx.Unbind(ctx, id))
	_, err = idx.Lookup(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Expiry leaves the membership entry behind for the reconciler to find.
	expID := uniqueID("it-exp")
	require.NoError(t, idx.Bind(ctx, expID, entry, time.Second))
	require.Eventually(t, func() bool {
		live, err := idx.Live(ctx, expID)
		return err == nil && !live
	}, 10*time.Second, 200*time.Millisecond)
	members, err = idx.Members(ctx)
	require.NoError(t, err)
	assert.Contains(t, members, expID)

	bus := redisbus.New(rdb)
	sub, err := bus.Subscribe(ctx, domain.TopicEvalQueued)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	evID := uniqueID("it-bus")
	require.NoError(t, bus.Publish(ctx, domain.NewEvent(domain.TopicEvalQueued, evID, map[string]any{
		"language_tag": "python",
	})))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, domain.TopicEvalQueued, ev.Topic)
		assert.Equal(t, evID, ev.ID)
		lang, _ := ev.PayloadString("language_tag")
		assert.Equal(t, "python", lang)
	case <-time.After(10 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestMinioBlobRoundTrip(t *testing.T) {
	requireDocker(t)
	ctx := context.Background()
	cfg := startMinio(t)

	st, err := s3blob.New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, st.Ping(ctx))

	payload := []byte(`{"stdout":"integration\n","stderr":""}`)
	ref, err := st.Put(ctx, uniqueID("it-blob"), payload)
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	got, err := st.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.True(t, blob.Verify(ref, got))

	_, err = st.Get(ctx, blob.Sum([]byte("never stored")))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedpandaQueueClaimCycle(t *testing.T) {
	requireDocker(t)
	ctx := context.Background()
	broker := startRedpanda(t)

	q, err := kafka.New([]string{broker}, uniqueID("it-group"), uniqueID("it-tx"))
	require.NoError(t, err)
	defer q.Close()
	require.Eventually(t, func() bool { return q.Ping(ctx) == nil }, 30*time.Second, time.Second)

	item := domain.WorkItem{ID: uniqueID("it-q"), ResourceClass: "default"}
	require.NoError(t, q.Enqueue(ctx, "default", item))

	claimed, err := q.Claim(ctx, "default", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, item.ID, claimed.ID)
	assert.Equal(t, 0, claimed.Attempts)

	// Nack redelivers with the attempt counted.
	require.NoError(t, q.Nack(ctx, claimed, 0))
	reclaimed, err := q.Claim(ctx, "default", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, item.ID, reclaimed.ID)
	assert.Equal(t, 1, reclaimed.Attempts)
	require.NoError(t, q.Ack(ctx, reclaimed))

	require.Eventually(t, func() bool {
		depth, err := q.Depth(ctx, "default")
		return err == nil && depth == 0
	}, 30*time.Second, time.Second, "acked backlog should drain to zero")

	// Dead-lettering parks the item without redelivery.
	parked := domain.WorkItem{ID: uniqueID("it-dlq"), ResourceClass: "default"}
	require.NoError(t, q.Enqueue(ctx, "default", parked))
	claimed, err = q.Claim(ctx, "default", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.DeadLetter(ctx, claimed, domain.ReasonRetriesExhausted))

	again, err := q.Claim(ctx, "default", 5*time.Second)
	require.NoError(t, err)
	assert.Nil(t, again)
}
