package runner_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalbox/evalbox/internal/adapter/bus/membus"
	"github.com/evalbox/evalbox/internal/adapter/sandbox/stubbox"
	"github.com/evalbox/evalbox/internal/config"
	"github.com/evalbox/evalbox/internal/domain"
	"github.com/evalbox/evalbox/internal/runner"
)

func newTestService(t *testing.T, opts runner.Options) (*runner.Service, *membus.Bus) {
	t.Helper()
	cat, err := runner.LoadCatalog(config.Config{SupportedLanguages: []string{"python"}})
	require.NoError(t, err)
	bus := membus.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return runner.New(opts, stubbox.New(), bus, cat, log), bus
}

func subscribeTopics(t *testing.T, bus *membus.Bus, topics ...string) domain.Subscription {
	t.Helper()
	sub, err := bus.Subscribe(context.Background(), topics...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func waitEvent(t *testing.T, sub domain.Subscription, within time.Duration) domain.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(within):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func runReq(id, script string) domain.RunRequest {
	return domain.RunRequest{ID: id, SourceText: script, LanguageTag: "python", TimeoutS: 30}
}

type failBox struct{ err error }

func (f failBox) Start(domain.Context, domain.SandboxSpec) (domain.SandboxProc, error) {
	return nil, f.err
}

func TestRunCompletedFlow(t *testing.T) {
	t.Parallel()
	svc, bus := newTestService(t, runner.Options{RunnerID: "runner-a"})
	sub := subscribeTopics(t, bus, domain.TopicEvalCompleted)

	req := runReq("eval-ok", "#!stdout:hello\n#!stderr:oops\n#!exit:0")
	acc, err := svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusRunning), acc.Status)
	assert.Equal(t, "runner-a", acc.RunnerID)
	assert.True(t, strings.HasPrefix(acc.ContainerID, "stub-"))

	ev := waitEvent(t, sub, 5*time.Second)
	assert.Equal(t, "eval-ok", ev.ID)

	code, ok := ev.PayloadInt("exit_code")
	require.True(t, ok)
	assert.Equal(t, 0, code)

	stdout, _ := ev.PayloadString("stdout")
	stderr, _ := ev.PayloadString("stderr")
	assert.Equal(t, "hello\n", stdout)
	assert.Equal(t, "oops\n", stderr)

	rid, _ := ev.PayloadString("runner_id")
	assert.Equal(t, "runner-a", rid)
	_, ok = ev.PayloadTime("finished_at")
	assert.True(t, ok)

	require.Eventually(t, func() bool { return len(svc.Running()) == 0 },
		3*time.Second, 20*time.Millisecond)
}

func TestRunBusy(t *testing.T) {
	t.Parallel()
	svc, bus := newTestService(t, runner.Options{RunnerID: "runner-b", KillGrace: 100 * time.Millisecond})
	sub := subscribeTopics(t, bus, domain.TopicEvalCancelled)

	_, err := svc.Run(context.Background(), runReq("eval-held", "#!sleep:10"))
	require.NoError(t, err)

	_, err = svc.Run(context.Background(), runReq("eval-other", "#!exit:0"))
	require.ErrorIs(t, err, domain.ErrRunnerBusy)

	res := svc.Kill(context.Background(), "eval-held")
	assert.True(t, res.Killed)
	ev := waitEvent(t, sub, 5*time.Second)
	assert.Equal(t, "eval-held", ev.ID)
}

func TestRunDuplicateReturnsBinding(t *testing.T) {
	t.Parallel()
	svc, bus := newTestService(t, runner.Options{RunnerID: "runner-c", KillGrace: 100 * time.Millisecond})
	sub := subscribeTopics(t, bus, domain.TopicEvalCancelled)

	req := runReq("eval-dup", "#!sleep:10")
	first, err := svc.Run(context.Background(), req)
	require.NoError(t, err)

	// A redelivered work item for the held id is not an error; the runner
	// reports the existing binding instead.
	second, err := svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ContainerID, second.ContainerID)
	assert.Equal(t, string(domain.StatusRunning), second.Status)

	svc.Kill(context.Background(), "eval-dup")
	waitEvent(t, sub, 5*time.Second)
}

func TestRunSpawnError(t *testing.T) {
	t.Parallel()
	cat, err := runner.LoadCatalog(config.Config{SupportedLanguages: []string{"python"}})
	require.NoError(t, err)
	bus := membus.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := runner.New(runner.Options{RunnerID: "runner-d"}, failBox{err: errors.New("disk full")}, bus, cat, log)

	sub := subscribeTopics(t, bus, domain.TopicEvalFailed)

	_, err = svc.Run(context.Background(), runReq("eval-spawn", "print(1)"))
	require.ErrorIs(t, err, domain.ErrInternal)

	ev := waitEvent(t, sub, 5*time.Second)
	assert.Equal(t, "eval-spawn", ev.ID)
	reason, _ := ev.PayloadString("reason")
	assert.Equal(t, domain.ReasonSpawnError, reason)
	msg, _ := ev.PayloadString("error_message")
	assert.Contains(t, msg, "disk full")

	// The slot must be free again: the next admission fails on the sandbox,
	// not on a held slot.
	_, err = svc.Run(context.Background(), runReq("eval-spawn-2", "print(1)"))
	require.ErrorIs(t, err, domain.ErrInternal)
	require.NotErrorIs(t, err, domain.ErrRunnerBusy)
}

func TestRunWallTimeout(t *testing.T) {
	t.Parallel()
	svc, bus := newTestService(t, runner.Options{RunnerID: "runner-e", KillGrace: 100 * time.Millisecond})
	sub := subscribeTopics(t, bus, domain.TopicEvalFailed)

	req := runReq("eval-slow", "#!sleep:30")
	req.TimeoutS = 1
	_, err := svc.Run(context.Background(), req)
	require.NoError(t, err)

	ev := waitEvent(t, sub, 10*time.Second)
	assert.Equal(t, "eval-slow", ev.ID)
	reason, _ := ev.PayloadString("reason")
	assert.Equal(t, domain.ReasonTimeout, reason)
	code, ok := ev.PayloadInt("exit_code")
	require.True(t, ok)
	assert.Equal(t, 143, code)
	msg, _ := ev.PayloadString("error_message")
	assert.Contains(t, msg, "wall timeout after 1s")
}

func TestKillPublishesCancelled(t *testing.T) {
	t.Parallel()
	svc, bus := newTestService(t, runner.Options{RunnerID: "runner-f", KillGrace: 100 * time.Millisecond})
	sub := subscribeTopics(t, bus, domain.TopicEvalCancelled)

	_, err := svc.Run(context.Background(), runReq("eval-kill", "#!sleep:10"))
	require.NoError(t, err)

	res := svc.Kill(context.Background(), "eval-kill")
	assert.True(t, res.Killed)

	ev := waitEvent(t, sub, 5*time.Second)
	assert.Equal(t, "eval-kill", ev.ID)
	code, ok := ev.PayloadInt("exit_code")
	require.True(t, ok)
	assert.Equal(t, 143, code)

	// After the terminal event the id moves to the finished cache and a
	// second kill is a reported no-op.
	require.Eventually(t, func() bool {
		return svc.Kill(context.Background(), "eval-kill").Reason == "terminal"
	}, 3*time.Second, 20*time.Millisecond)

	res = svc.Kill(context.Background(), "eval-unknown")
	assert.False(t, res.Killed)
	assert.Equal(t, "not_running", res.Reason)
}

func TestLogsLifecycle(t *testing.T) {
	t.Parallel()
	svc, bus := newTestService(t, runner.Options{RunnerID: "runner-g", KillGrace: 100 * time.Millisecond})
	sub := subscribeTopics(t, bus, domain.TopicEvalCancelled)

	_, err := svc.Run(context.Background(), runReq("eval-logs", "#!stdout:live\n#!sleep:10"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := svc.Logs("eval-logs")
		return ok && snap.IsRunning && strings.Contains(snap.Stdout, "live")
	}, 3*time.Second, 20*time.Millisecond)

	svc.Kill(context.Background(), "eval-logs")
	waitEvent(t, sub, 5*time.Second)

	require.Eventually(t, func() bool {
		snap, ok := svc.Logs("eval-logs")
		return ok && !snap.IsRunning && snap.ExitCode != nil && *snap.ExitCode == 143
	}, 3*time.Second, 20*time.Millisecond)

	_, ok := svc.Logs("eval-nope")
	assert.False(t, ok)
}

func TestRunningEntries(t *testing.T) {
	t.Parallel()
	svc, bus := newTestService(t, runner.Options{RunnerID: "runner-h", KillGrace: 100 * time.Millisecond})
	sub := subscribeTopics(t, bus, domain.TopicEvalCancelled)

	_, err := svc.Run(context.Background(), runReq("eval-run", "#!sleep:10"))
	require.NoError(t, err)

	entries := svc.Running()
	require.Len(t, entries, 1)
	assert.Equal(t, "eval-run", entries[0].ID)
	assert.Equal(t, 30, entries[0].TimeoutS)
	assert.False(t, entries[0].StartedAt.IsZero())

	svc.Kill(context.Background(), "eval-run")
	waitEvent(t, sub, 5*time.Second)
	require.Eventually(t, func() bool { return len(svc.Running()) == 0 },
		3*time.Second, 20*time.Millisecond)
}

func TestHeartbeats(t *testing.T) {
	t.Parallel()
	svc, bus := newTestService(t, runner.Options{
		RunnerID:  "runner-hb",
		Heartbeat: 50 * time.Millisecond,
	})
	hb := subscribeTopics(t, bus, domain.TopicEvalHeartbeat)
	done := subscribeTopics(t, bus, domain.TopicEvalCompleted)

	req := runReq("eval-hb", "#!sleep:0.4")
	_, err := svc.Run(context.Background(), req)
	require.NoError(t, err)

	// Heartbeats stop before the terminal event publishes, so once the
	// completion arrives every heartbeat is already buffered.
	waitEvent(t, done, 5*time.Second)

	count := 0
	for {
		select {
		case ev := <-hb.Events():
			assert.Equal(t, "eval-hb", ev.ID)
			rid, _ := ev.PayloadString("runner_id")
			assert.Equal(t, "runner-hb", rid)
			count++
			continue
		default:
		}
		break
	}
	assert.GreaterOrEqual(t, count, 2)
}

func TestRunValidation(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, runner.Options{RunnerID: "runner-v"})

	cases := map[string]domain.RunRequest{
		"empty id":         {SourceText: "x", LanguageTag: "python", TimeoutS: 10},
		"empty source":     {ID: "e1", LanguageTag: "python", TimeoutS: 10},
		"zero timeout":     {ID: "e1", SourceText: "x", LanguageTag: "python"},
		"huge timeout":     {ID: "e1", SourceText: "x", LanguageTag: "python", TimeoutS: 100000},
		"unknown language": {ID: "e1", SourceText: "x", LanguageTag: "cobol", TimeoutS: 10},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Run(context.Background(), req)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, runner.Options{RunnerID: "runner-z"})
	h := svc.Health()
	assert.True(t, h.Live)
	assert.Equal(t, "runner-z", h.RunnerID)
	assert.WithinDuration(t, time.Now().UTC(), h.HeartbeatTS, 5*time.Second)
}
