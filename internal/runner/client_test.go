package runner_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalbox/evalbox/internal/domain"
	"github.com/evalbox/evalbox/internal/runner"
)

func TestClientRun(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, runner.Options{RunnerID: "c-runner", KillGrace: 100 * time.Millisecond})
	cli := runner.NewClient(5 * time.Second)
	ctx := context.Background()

	acc, err := cli.Run(ctx, srv.URL, runReq("c-held", "#!sleep:10"))
	require.NoError(t, err)
	assert.Equal(t, "running", acc.Status)
	assert.Equal(t, "c-runner", acc.RunnerID)

	_, err = cli.Run(ctx, srv.URL, runReq("c-other", "#!exit:0"))
	require.ErrorIs(t, err, domain.ErrRunnerBusy)

	_, err = cli.Run(ctx, srv.URL, runReq("", "#!exit:0"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	res, err := cli.Kill(ctx, srv.URL, "c-held")
	require.NoError(t, err)
	assert.True(t, res.Killed)
}

func TestClientLogsNotFound(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, runner.Options{RunnerID: "c-runner"})
	cli := runner.NewClient(5 * time.Second)

	_, err := cli.Logs(context.Background(), srv.URL, "absent")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClientRunningAndHealth(t *testing.T) {
	t.Parallel()
	srv, svc := newTestServer(t, runner.Options{RunnerID: "c-alive", KillGrace: 100 * time.Millisecond})
	cli := runner.NewClient(5 * time.Second)
	ctx := context.Background()

	entries, err := cli.Running(ctx, srv.URL)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = cli.Run(ctx, srv.URL, runReq("c-running", "#!sleep:10"))
	require.NoError(t, err)

	entries, err = cli.Running(ctx, srv.URL)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c-running", entries[0].ID)

	health, err := cli.Health(ctx, srv.URL)
	require.NoError(t, err)
	assert.True(t, health.Live)
	assert.Equal(t, "c-alive", health.RunnerID)

	svc.Kill(ctx, "c-running")
}

func TestClientUpstreamTimeout(t *testing.T) {
	t.Parallel()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)

	cli := runner.NewClient(100 * time.Millisecond)
	_, err := cli.Run(context.Background(), slow.URL, runReq("c-slow", "#!exit:0"))
	require.ErrorIs(t, err, domain.ErrUpstreamTimeout)
}

func TestClientUnavailable(t *testing.T) {
	t.Parallel()
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	dead.Close()

	cli := runner.NewClient(time.Second)
	_, err := cli.Health(context.Background(), dead.URL)
	require.ErrorIs(t, err, domain.ErrRunnerUnavailable)
}

func TestClientUnexpectedStatus(t *testing.T) {
	t.Parallel()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)

	cli := runner.NewClient(time.Second)
	_, err := cli.Health(context.Background(), broken.URL)
	require.ErrorIs(t, err, domain.ErrInternal)
}
