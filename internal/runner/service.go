package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/evalbox/evalbox/internal/adapter/observability"
	"github.com/evalbox/evalbox/internal/domain"
)

// Options tune one runner instance.
type Options struct {
	RunnerID      string
	Heartbeat     time.Duration
	KillGrace     time.Duration
	CaptureBudget int
	MinTimeoutS   int
	MaxTimeoutS   int

	// Per-container resource caps handed to the sandbox driver.
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
}

func (o *Options) withDefaults() {
	if o.RunnerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "runner"
		}
		o.RunnerID = host
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 10 * time.Second
	}
	if o.KillGrace <= 0 {
		o.KillGrace = 5 * time.Second
	}
	if o.CaptureBudget <= 0 {
		o.CaptureBudget = 1 << 20
	}
	if o.MinTimeoutS <= 0 {
		o.MinTimeoutS = 1
	}
	if o.MaxTimeoutS <= 0 {
		o.MaxTimeoutS = 900
	}
}

// Service holds the single execution slot and publishes the lifecycle
// events for everything it runs. It guarantees exactly one terminal event
// per accepted id.
type Service struct {
	opts    Options
	box     domain.Sandbox
	bus     domain.Bus
	catalog *Catalog
	log     *slog.Logger
	now     func() time.Time

	slot     slot
	finished *resultCache
}

// New wires a Service. The zero fields of opts get production defaults.
func New(opts Options, box domain.Sandbox, bus domain.Bus, catalog *Catalog, log *slog.Logger) *Service {
	opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		opts:     opts,
		box:      box,
		bus:      bus,
		catalog:  catalog,
		log:      log,
		now:      time.Now,
		finished: newResultCache(32),
	}
}

// RunnerID is the advertised identity carried in events and bindings.
func (s *Service) RunnerID() string { return s.opts.RunnerID }

// Run admits one execution. Busy slots surface domain.ErrRunnerBusy, a
// duplicate of the held id returns the existing binding, and a successful
// spawn returns once the container is started, with supervision continuing
// in the background.
func (s *Service) Run(ctx context.Context, req domain.RunRequest) (domain.RunAccepted, error) {
	if err := s.validate(req); err != nil {
		return domain.RunAccepted{}, err
	}
	lang, _ := s.catalog.Lookup(req.LanguageTag)

	verdict, exec := s.slot.admit(req.ID)
	switch verdict {
	case admitBusy:
		return domain.RunAccepted{}, fmt.Errorf("op=runner.Run: slot held: %w", domain.ErrRunnerBusy)
	case admitDuplicate:
		view, _ := s.slot.viewFor(req.ID)
		return domain.RunAccepted{
			Status:      string(domain.StatusRunning),
			RunnerID:    s.opts.RunnerID,
			ContainerID: view.containerID,
		}, nil
	}

	observability.RunnerBusy.Set(1)
	spawnStart := s.now()
	proc, err := s.box.Start(ctx, domain.SandboxSpec{
		EvalID:      req.ID,
		Language:    lang,
		SourceText:  req.SourceText,
		TimeoutS:    req.TimeoutS,
		MemoryBytes: s.opts.MemoryBytes,
		NanoCPUs:    s.opts.NanoCPUs,
		PidsLimit:   s.opts.PidsLimit,
	})
	if err != nil {
		s.slot.abort()
		observability.RunnerBusy.Set(0)
		finishedAt := s.now().UTC()
		go s.publishTerminal(req.ID, domain.TopicEvalFailed, map[string]any{
			"reason":        domain.ReasonSpawnError,
			"error_message": err.Error(),
			"finished_at":   finishedAt.Format(time.RFC3339Nano),
			"runner_id":     s.opts.RunnerID,
		})
		observability.ObserveExecution("spawn_error", 0)
		return domain.RunAccepted{}, fmt.Errorf("op=runner.Run: spawn: %w: %w", domain.ErrInternal, err)
	}

	startedAt := s.now().UTC()
	observability.SandboxSpawnDuration.Observe(startedAt.Sub(spawnStart).Seconds())
	capture := newCaptureSet(s.opts.CaptureBudget)
	s.slot.markRunning(exec, proc, startedAt, req.TimeoutS, capture)

	// A kill that raced the spawn is honored now that there is a process
	// to signal.
	if exec.cancelRequested.Load() {
		s.terminate(exec, proc)
	}

	go s.supervise(exec)

	return domain.RunAccepted{
		Status:      string(domain.StatusRunning),
		RunnerID:    s.opts.RunnerID,
		ContainerID: proc.ContainerID(),
	}, nil
}

func (s *Service) validate(req domain.RunRequest) error {
	switch {
	case req.ID == "":
		return fmt.Errorf("op=runner.Run: %w: id is required", domain.ErrInvalidArgument)
	case req.SourceText == "":
		return fmt.Errorf("op=runner.Run: %w: source_text is required", domain.ErrInvalidArgument)
	case req.TimeoutS < s.opts.MinTimeoutS || req.TimeoutS > s.opts.MaxTimeoutS:
		return fmt.Errorf("op=runner.Run: %w: timeout_s %d outside [%d,%d]",
			domain.ErrInvalidArgument, req.TimeoutS, s.opts.MinTimeoutS, s.opts.MaxTimeoutS)
	}
	if _, ok := s.catalog.Lookup(req.LanguageTag); !ok {
		return fmt.Errorf("op=runner.Run: %w: unsupported language %q", domain.ErrInvalidArgument, req.LanguageTag)
	}
	return nil
}

// supervise owns the running container until its terminal event is settled.
func (s *Service) supervise(exec *execution) {
	ctx := context.Background()

	pumps := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(exec.capture.stdoutSink(), exec.proc.Stdout())
		pumps <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(exec.capture.stderrSink(), exec.proc.Stderr())
		pumps <- struct{}{}
	}()

	hbStop := make(chan struct{})
	go s.heartbeatLoop(exec.id, hbStop)

	timer := time.AfterFunc(time.Duration(exec.timeoutS)*time.Second, func() {
		exec.timedOut.Store(true)
		s.terminate(exec, exec.proc)
	})

	status, waitErr := exec.proc.Wait(ctx)
	timer.Stop()
	close(exec.exited)
	<-pumps
	<-pumps
	close(hbStop)

	stdout, stderr, truncated := exec.capture.snapshot()
	finishedAt := s.now().UTC()
	wall := finishedAt.Sub(exec.startedAt)

	topic, exitCode, payload := classify(exec, status, waitErr)
	payload["stdout"] = stdout
	payload["stderr"] = stderr
	payload["finished_at"] = finishedAt.Format(time.RFC3339Nano)
	payload["runner_id"] = s.opts.RunnerID
	if truncated {
		payload["output_truncated"] = true
	}

	s.finished.put(result{
		id:         exec.id,
		stdout:     stdout,
		stderr:     stderr,
		exitCode:   exitCode,
		topic:      topic,
		finishedAt: finishedAt,
	})
	observability.ObserveExecution(topic, wall)

	// The slot stays held until the terminal event is on the bus or the
	// backoff budget is spent; a lost event is repaired by the reconciler.
	s.publishTerminal(exec.id, topic, payload)

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := exec.proc.Close(closeCtx); err != nil {
		s.log.Warn("container cleanup failed", slog.String("eval_id", exec.id), slog.Any("error", err))
	}
	cancel()

	s.slot.release()
	observability.RunnerBusy.Set(0)
}

// classify maps the observed exit to the terminal topic, reported exit
// code, and the payload fields specific to that outcome.
func classify(exec *execution, status domain.ExitStatus, waitErr error) (string, *int, map[string]any) {
	payload := map[string]any{}

	if waitErr != nil {
		payload["reason"] = domain.ReasonSpawnError
		payload["error_message"] = "container lost before exit: " + waitErr.Error()
		return domain.TopicEvalFailed, nil, payload
	}

	code := status.Code
	switch {
	case status.OOMKilled:
		payload["reason"] = domain.ReasonOOM
		payload["error_message"] = "memory limit exceeded"
		payload["exit_code"] = code
	case exec.cancelRequested.Load():
		payload["exit_code"] = code
		return domain.TopicEvalCancelled, &code, payload
	case exec.timedOut.Load() && signalExit(code):
		if exec.killEscalated.Load() {
			code = 124
		} else {
			code = 143
		}
		payload["reason"] = domain.ReasonTimeout
		payload["error_message"] = fmt.Sprintf("wall timeout after %ds", exec.timeoutS)
		payload["exit_code"] = code
	default:
		payload["exit_code"] = code
		return domain.TopicEvalCompleted, &code, payload
	}
	return domain.TopicEvalFailed, &code, payload
}

// signalExit reports whether code is a TERM/KILL termination.
func signalExit(code int) bool { return code == 137 || code == 143 }

// terminate delivers SIGTERM and escalates to SIGKILL after the grace
// period if the container is still up.
func (s *Service) terminate(exec *execution, proc domain.SandboxProc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = proc.Signal(ctx, "SIGTERM")

	time.AfterFunc(s.opts.KillGrace, func() {
		select {
		case <-exec.exited:
			return
		default:
		}
		exec.killEscalated.Store(true)
		kctx, kcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer kcancel()
		_ = proc.Signal(kctx, "SIGKILL")
	})
}

func (s *Service) heartbeatLoop(id string, stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := s.bus.Publish(ctx, domain.NewEvent(domain.TopicEvalHeartbeat, id, map[string]any{
				"runner_id": s.opts.RunnerID,
			}))
			cancel()
			if err != nil {
				s.log.Debug("heartbeat publish failed", slog.String("eval_id", id), slog.Any("error", err))
			}
		}
	}
}

// publishTerminal retries until the event lands; a bus hiccup must not lose
// the single terminal event.
func (s *Service) publishTerminal(id, topic string, payload map[string]any) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute

	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.bus.Publish(ctx, domain.NewEvent(topic, id, payload))
	}, bo)
	if err != nil {
		s.log.Error("terminal event lost after retries",
			slog.String("eval_id", id), slog.String("topic", topic), slog.Any("error", err))
		return
	}
	observability.ObserveTerminal(topic)
}

// Logs snapshots the output of a current or recently finished execution.
func (s *Service) Logs(id string) (domain.LogsSnapshot, bool) {
	if view, ok := s.slot.viewFor(id); ok {
		snap := domain.LogsSnapshot{IsRunning: true}
		if view.capture != nil {
			snap.Stdout, snap.Stderr, _ = view.capture.snapshot()
		}
		return snap, true
	}
	if res, ok := s.finished.get(id); ok {
		return domain.LogsSnapshot{
			Stdout:    res.stdout,
			Stderr:    res.stderr,
			IsRunning: false,
			ExitCode:  res.exitCode,
		}, true
	}
	return domain.LogsSnapshot{}, false
}

// Kill requests termination of the held execution. The terminal event is
// published by the supervisor once the container exits.
func (s *Service) Kill(ctx context.Context, id string) domain.KillResult {
	if exec := s.slot.currentFor(id); exec != nil {
		exec.cancelRequested.Store(true)
		if view, ok := s.slot.viewFor(id); ok && view.proc != nil {
			s.terminate(exec, view.proc)
		}
		return domain.KillResult{Killed: true}
	}
	if _, ok := s.finished.get(id); ok {
		return domain.KillResult{Killed: false, Reason: "terminal"}
	}
	return domain.KillResult{Killed: false, Reason: "not_running"}
}

// Running lists the held slot; at most one entry.
func (s *Service) Running() []domain.RunningEntry {
	if entry, ok := s.slot.runningEntry(); ok {
		return []domain.RunningEntry{entry}
	}
	return []domain.RunningEntry{}
}

// Health is the liveness beacon consumed by dispatcher probes.
func (s *Service) Health() domain.HealthStatus {
	return domain.HealthStatus{
		Live:        true,
		RunnerID:    s.opts.RunnerID,
		HeartbeatTS: s.now().UTC(),
	}
}
