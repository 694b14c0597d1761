// Package reactor is the sole writer of the durable store and the routing
// index. It consumes the lifecycle topics, applies each event through the
// status transition guard, and confirms writes with store.* events. Every
// handler is idempotent: redelivered events settle into the same state.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evalbox/evalbox/internal/adapter/blob"
	"github.com/evalbox/evalbox/internal/adapter/observability"
	"github.com/evalbox/evalbox/internal/domain"
)

// handlerTimeout bounds one event application against a stuck backend.
const handlerTimeout = 10 * time.Second

// Options tune one reactor instance.
type Options struct {
	// RoutingGrace pads the index TTL beyond the wall timeout.
	RoutingGrace   time.Duration
	ReconcileEvery time.Duration
	QueuedSweepAge time.Duration

	// InlineMax is the largest encoded output kept inline in the record;
	// PreviewBytes is the head kept in output_preview either way.
	InlineMax    int
	PreviewBytes int
}

func (o *Options) withDefaults() {
	if o.RoutingGrace <= 0 {
		o.RoutingGrace = 60 * time.Second
	}
	if o.ReconcileEvery <= 0 {
		o.ReconcileEvery = 30 * time.Second
	}
	if o.QueuedSweepAge <= 0 {
		o.QueuedSweepAge = 15 * time.Minute
	}
	if o.InlineMax <= 0 {
		o.InlineMax = 100 << 10
	}
	if o.PreviewBytes <= 0 {
		o.PreviewBytes = 1 << 10
	}
}

type handlerFunc func(ctx context.Context, ev domain.Event) (outcome string, err error)

// Reactor applies lifecycle events to the store and index.
type Reactor struct {
	opts     Options
	store    domain.EvaluationStore
	index    domain.RoutingIndex
	blobs    domain.BlobStore
	bus      domain.Bus
	log      *slog.Logger
	now      func() time.Time
	handlers map[string]handlerFunc
}

// New wires a Reactor over the given backends.
func New(opts Options, store domain.EvaluationStore, index domain.RoutingIndex, blobs domain.BlobStore, bus domain.Bus, log *slog.Logger) *Reactor {
	opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	r := &Reactor{
		opts:  opts,
		store: store,
		index: index,
		blobs: blobs,
		bus:   bus,
		log:   log,
		now:   time.Now,
	}
	r.handlers = map[string]handlerFunc{
		domain.TopicEvalQueued:    r.handleQueued,
		domain.TopicEvalStarted:   r.handleStarted,
		domain.TopicEvalHeartbeat: r.handleHeartbeat,
		domain.TopicEvalCompleted: r.terminal(domain.StatusCompleted),
		domain.TopicEvalFailed:    r.terminal(domain.StatusFailed),
		domain.TopicEvalCancelled: r.terminal(domain.StatusCancelled),
	}
	return r
}

// SetClock overrides the reconciler clock. Tests use it to age records past
// their deadlines without sleeping.
func (r *Reactor) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Start consumes lifecycle events and runs the reconciler until ctx ends.
func (r *Reactor) Start(ctx context.Context) error {
	sub, err := r.bus.Subscribe(ctx, domain.EvalTopics...)
	if err != nil {
		return fmt.Errorf("op=reactor.Start: %w", err)
	}
	defer func() {
		_ = sub.Close()
	}()

	r.log.Info("reactor started")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.reconcileLoop(ctx)
		return nil
	})
	g.Go(func() error {
		r.consume(ctx, sub)
		return nil
	})
	return g.Wait()
}

func (r *Reactor) consume(ctx context.Context, sub domain.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			r.Handle(ctx, ev)
		}
	}
}

// Handle applies one event through the dispatch table. The reconciler feeds
// its synthesized failure events through the same path.
func (r *Reactor) Handle(ctx context.Context, ev domain.Event) {
	h, ok := r.handlers[ev.Topic]
	if !ok {
		observability.ObserveReactorEvent(ev.Topic, "unknown")
		return
	}
	if ev.ID == "" {
		observability.ObserveReactorEvent(ev.Topic, "dropped")
		return
	}

	hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()
	outcome, err := h(hctx, ev)
	if err != nil {
		r.log.Error("event handling failed",
			slog.String("topic", ev.Topic),
			slog.String("eval_id", ev.ID),
			slog.Any("error", err))
		observability.ObserveReactorEvent(ev.Topic, "error")
		return
	}
	if outcome != "applied" && outcome != "duplicate" {
		r.log.Debug("event not applied",
			slog.String("topic", ev.Topic),
			slog.String("eval_id", ev.ID),
			slog.String("outcome", outcome))
	}
	observability.ObserveReactorEvent(ev.Topic, outcome)
}

func (r *Reactor) handleQueued(ctx context.Context, ev domain.Event) (string, error) {
	if _, err := r.store.Get(ctx, ev.ID); err == nil {
		return "duplicate", nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	createdAt, ok := ev.PayloadTime("created_at")
	if !ok {
		createdAt = ev.Timestamp
	}
	source, _ := ev.PayloadString("source_text")
	lang, _ := ev.PayloadString("language_tag")
	timeoutS, _ := ev.PayloadInt("timeout_s")
	class, _ := ev.PayloadString("resource_class")
	if class == "" {
		class = domain.DefaultResourceClass
	}

	err := r.store.Insert(ctx, domain.Evaluation{
		ID:            ev.ID,
		SourceText:    source,
		LanguageTag:   lang,
		TimeoutS:      timeoutS,
		ResourceClass: class,
		Status:        domain.StatusQueued,
		CreatedAt:     createdAt.UTC(),
	})
	if err != nil {
		return "", err
	}
	r.confirm(ctx, domain.TopicStoreCreated, ev.ID, domain.StatusQueued)
	return "applied", nil
}

func (r *Reactor) handleStarted(ctx context.Context, ev domain.Event) (string, error) {
	rid, _ := ev.PayloadString("runner_id")
	rurl, _ := ev.PayloadString("runner_url")
	cid, _ := ev.PayloadString("container_id")
	startedAt, ok := ev.PayloadTime("started_at")
	if !ok {
		startedAt = ev.Timestamp
	}
	timeoutS, _ := ev.PayloadInt("timeout_s")

	transitioned, err := r.store.UpdateIf(ctx, ev.ID,
		[]domain.Status{domain.StatusQueued},
		domain.EvalUpdate{
			Status:      domain.StatusRunning,
			StartedAt:   &startedAt,
			RunnerID:    &rid,
			ContainerID: &cid,
		})
	if err != nil {
		return "", err
	}

	outcome := "applied"
	if !transitioned {
		rec, err := r.store.Get(ctx, ev.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return "dropped", nil
		case err != nil:
			return "", err
		case rec.Status == domain.StatusRunning:
			// Redelivered start for an already-running record; keep the
			// binding fresh below.
			outcome = "duplicate"
			if timeoutS <= 0 {
				timeoutS = rec.TimeoutS
			}
		default:
			// Terminal record: a late start must not resurrect a binding.
			return "dropped", nil
		}
	}

	entry := domain.RoutingEntry{
		RunnerID:    rid,
		RunnerURL:   rurl,
		ContainerID: cid,
		StartedAt:   startedAt.UTC(),
		TimeoutS:    timeoutS,
	}
	if err := r.index.Bind(ctx, ev.ID, entry, r.routingTTL(timeoutS)); err != nil {
		return "", err
	}
	if transitioned {
		r.confirm(ctx, domain.TopicStoreUpdated, ev.ID, domain.StatusRunning)
	}
	return outcome, nil
}

func (r *Reactor) handleHeartbeat(ctx context.Context, ev domain.Event) (string, error) {
	entry, err := r.index.Lookup(ctx, ev.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return "dropped", nil
	}
	if err != nil {
		return "", err
	}
	refreshed, err := r.index.Refresh(ctx, ev.ID, r.routingTTL(entry.TimeoutS))
	if err != nil {
		return "", err
	}
	if !refreshed {
		return "dropped", nil
	}
	return "applied", nil
}

// terminal builds the handler applying one of the three end states.
func (r *Reactor) terminal(target domain.Status) handlerFunc {
	return func(ctx context.Context, ev domain.Event) (string, error) {
		finishedAt, ok := ev.PayloadTime("finished_at")
		if !ok {
			finishedAt = ev.Timestamp
		}
		stdout, _ := ev.PayloadString("stdout")
		stderr, _ := ev.PayloadString("stderr")
		truncated, _ := ev.Payload["output_truncated"].(bool)

		preview := makePreview(stdout, stderr, r.opts.PreviewBytes)
		ref, err := r.offload(ctx, ev.ID, stdout, stderr, truncated)
		if err != nil {
			// Losing the full output is recoverable from the preview;
			// losing the terminal transition is not. Keep going.
			r.log.Warn("output offload failed",
				slog.String("eval_id", ev.ID), slog.Any("error", err))
			ref = ""
		}

		upd := domain.EvalUpdate{
			Status:        target,
			CompletedAt:   &finishedAt,
			OutputPreview: &preview,
			OutputRef:     &ref,
		}
		if code, ok := ev.PayloadInt("exit_code"); ok {
			upd.ExitCode = &code
		}
		if target == domain.StatusFailed {
			if msg := failureMessage(ev); msg != "" {
				upd.ErrorMessage = &msg
			}
		}

		transitioned, err := r.store.UpdateIf(ctx, ev.ID, domain.TransitionSources(target), upd)
		if err != nil {
			return "", err
		}

		// The binding must not outlive the terminal state, whichever way
		// the update went.
		if err := r.index.Unbind(ctx, ev.ID); err != nil {
			r.log.Warn("unbind failed", slog.String("eval_id", ev.ID), slog.Any("error", err))
		}

		if !transitioned {
			rec, err := r.store.Get(ctx, ev.ID)
			if err == nil && rec.Status == target {
				return "duplicate", nil
			}
			if err == nil {
				r.log.Warn("dropping illegal transition",
					slog.String("eval_id", ev.ID),
					slog.String("from", string(rec.Status)),
					slog.String("to", string(target)))
			}
			return "dropped", nil
		}
		r.confirm(ctx, domain.TopicStoreUpdated, ev.ID, target)
		return "applied", nil
	}
}

// offload persists the output streams and returns the ref to store on the
// record: empty for no output, inline for small, blob for large.
func (r *Reactor) offload(ctx context.Context, id, stdout, stderr string, truncated bool) (string, error) {
	if stdout == "" && stderr == "" {
		return "", nil
	}
	data, err := blob.EncodeOutputs(blob.Outputs{Stdout: stdout, Stderr: stderr, Truncated: truncated})
	if err != nil {
		return "", err
	}
	if len(data) <= r.opts.InlineMax {
		return blob.InlineRef(data), nil
	}
	if r.blobs == nil {
		return "", fmt.Errorf("op=reactor.offload: %w: no blob store configured", domain.ErrInternal)
	}
	return r.blobs.Put(ctx, id, data)
}

func failureMessage(ev domain.Event) string {
	msg, _ := ev.PayloadString("error_message")
	reason, _ := ev.PayloadString("reason")
	switch {
	case msg == "":
		return reason
	case reason == "":
		return msg
	default:
		return reason + ": " + msg
	}
}

func makePreview(stdout, stderr string, n int) string {
	combined := stdout + stderr
	if len(combined) > n {
		combined = combined[:n]
	}
	return combined
}

func (r *Reactor) routingTTL(timeoutS int) time.Duration {
	return time.Duration(timeoutS)*time.Second + r.opts.RoutingGrace
}

// confirm publishes a store.* confirmation; best effort.
func (r *Reactor) confirm(ctx context.Context, topic, id string, st domain.Status) {
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err := r.bus.Publish(pctx, domain.NewEvent(topic, id, map[string]any{
		"status": string(st),
	}))
	if err != nil {
		r.log.Debug("confirmation publish failed",
			slog.String("topic", topic), slog.String("eval_id", id), slog.Any("error", err))
	}
}
