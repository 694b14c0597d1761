// Package dispatcher moves claimed work items onto runner slots. It is
// stateless and fire-and-forget: a successful dispatch publishes
// eval.started and acks the item; the runner owns the execution from there.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evalbox/evalbox/internal/adapter/observability"
	"github.com/evalbox/evalbox/internal/domain"
)

// Options tune one dispatcher instance.
type Options struct {
	// Classes are the priority classes to claim from; defaults to the pool
	// keys when empty.
	Classes []string
	// Pools maps resource classes to runner base URLs.
	Pools map[string][]string

	ClaimWait        time.Duration
	IdleSleep        time.Duration
	DispatchDeadline time.Duration
	ProbeInterval    time.Duration
	Liveness         time.Duration

	Policy domain.RetryPolicy
}

func (o *Options) withDefaults() {
	if len(o.Classes) == 0 {
		for class := range o.Pools {
			o.Classes = append(o.Classes, class)
		}
		sort.Strings(o.Classes)
	}
	if o.ClaimWait <= 0 {
		o.ClaimWait = 2 * time.Second
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = 2 * time.Second
	}
	if o.DispatchDeadline <= 0 {
		o.DispatchDeadline = 10 * time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 5 * time.Second
	}
	if o.Liveness <= 0 {
		o.Liveness = 30 * time.Second
	}
	if o.Policy == (domain.RetryPolicy{}) {
		o.Policy = domain.DefaultRetryPolicy()
	}
}

// Dispatcher claims work items and places them on live runners.
type Dispatcher struct {
	opts  Options
	queue domain.Queue
	store domain.EvaluationStore
	bus   domain.Bus
	api   domain.RunnerAPI
	pools map[string]*pool
	log   *slog.Logger
	now   func() time.Time
}

// New wires a Dispatcher over the given backends.
func New(opts Options, queue domain.Queue, store domain.EvaluationStore, bus domain.Bus, api domain.RunnerAPI, log *slog.Logger) (*Dispatcher, error) {
	opts.withDefaults()
	if len(opts.Pools) == 0 {
		return nil, fmt.Errorf("op=dispatcher.New: %w: no runner pools", domain.ErrInvalidArgument)
	}
	if log == nil {
		log = slog.Default()
	}
	pools := make(map[string]*pool, len(opts.Pools))
	for class, urls := range opts.Pools {
		pools[class] = newPool(class, urls)
	}
	return &Dispatcher{
		opts:  opts,
		queue: queue,
		store: store,
		bus:   bus,
		api:   api,
		pools: pools,
		log:   log,
		now:   time.Now,
	}, nil
}

// Start runs the health prober and one claim loop per class until ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.probeLoop(ctx) })
	for _, class := range d.opts.Classes {
		g.Go(func() error { return d.claimLoop(ctx, class) })
	}
	return g.Wait()
}

func (d *Dispatcher) probeLoop(ctx context.Context) error {
	d.probeOnce(ctx)
	ticker := time.NewTicker(d.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.probeOnce(ctx)
		}
	}
}

// probeOnce refreshes runner liveness and samples queue depth per class.
func (d *Dispatcher) probeOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range d.pools {
		for _, r := range p.runners {
			wg.Add(1)
			go func(r *runnerRef) {
				defer wg.Done()
				pctx, cancel := context.WithTimeout(ctx, d.opts.ProbeInterval)
				defer cancel()
				if h, err := d.api.Health(pctx, r.baseURL); err == nil && h.Live {
					r.markAlive(d.now())
				}
			}(r)
		}
	}
	wg.Wait()

	for _, class := range d.opts.Classes {
		if depth, err := d.queue.Depth(ctx, class); err == nil {
			observability.QueueDepth.WithLabelValues(class).Set(float64(depth))
		}
	}
}

func (d *Dispatcher) claimLoop(ctx context.Context, class string) error {
	log := d.log.With(slog.String("class", class))
	log.Info("claim loop started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		item, err := d.queue.Claim(ctx, class, d.opts.ClaimWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("claim failed", slog.Any("error", err))
			d.pause(ctx)
			continue
		}
		if item == nil {
			continue
		}
		d.dispatch(ctx, class, item)
	}
}

// dispatch handles one claimed item end to end: load the record, pick a live
// runner, place the work, settle the claim.
func (d *Dispatcher) dispatch(ctx context.Context, class string, item *domain.ClaimedItem) {
	log := d.log.With(slog.String("eval_id", item.ID), slog.String("class", class))

	rec, err := d.store.Get(ctx, item.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// The claim can outrun the reactor's insert of the queued record.
		// Put the item back without spending an attempt and give the
		// reactor a beat to catch up.
		log.Debug("record not visible yet")
		d.requeue(ctx, item, log)
		d.pause(ctx)
		return
	case err != nil:
		log.Warn("store read failed", slog.Any("error", err))
		d.requeue(ctx, item, log)
		d.pause(ctx)
		return
	}

	if rec.Status != domain.StatusQueued {
		// Cancelled while queued, or a redelivery after a dispatch whose
		// ack was lost. Either way the item is spent.
		log.Info("skipping stale work item", slog.String("status", string(rec.Status)))
		d.ack(ctx, item, log)
		observability.ObserveDispatch("stale")
		return
	}

	pool := d.poolFor(item.ResourceClass, class)
	if pool == nil {
		log.Error("no runner pool for class")
		d.requeue(ctx, item, log)
		d.pause(ctx)
		return
	}

	candidates := pool.rotation(d.now(), d.opts.Liveness)
	if len(candidates) == 0 {
		log.Warn("no live runner", slog.String("pool", pool.class))
		observability.ObserveDispatch("no_runner")
		d.requeue(ctx, item, log)
		d.pause(ctx)
		return
	}

	req := domain.RunRequest{
		ID:          rec.ID,
		SourceText:  rec.SourceText,
		LanguageTag: rec.LanguageTag,
		TimeoutS:    rec.TimeoutS,
	}

	var lastErr error
	for _, r := range candidates {
		if d.slotHeld(ctx, r) {
			observability.ObserveDispatch("busy")
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, d.opts.DispatchDeadline)
		acc, err := d.api.Run(rctx, r.baseURL, req)
		cancel()

		switch {
		case err == nil:
			if perr := d.publishStarted(ctx, item.ID, r.baseURL, acc, rec.TimeoutS); perr != nil {
				// Without eval.started the reactor never records the
				// binding. Redelivery is safe: the runner reports the
				// existing binding for the held id, so nack and let the
				// publish get another chance.
				log.Warn("started event publish failed", slog.Any("error", perr))
				d.retryOrPark(ctx, item, perr, log)
				return
			}
			d.ack(ctx, item, log)
			observability.ObserveDispatch("dispatched")
			log.Info("dispatched",
				slog.String("runner_url", r.baseURL),
				slog.String("runner_id", acc.RunnerID),
				slog.String("container_id", acc.ContainerID))
			return
		case errors.Is(err, domain.ErrRunnerBusy):
			// Lost the slot race since the held-slot check; next candidate.
			lastErr = err
			observability.ObserveDispatch("busy")
			continue
		case errors.Is(err, domain.ErrInvalidArgument):
			// The runner rejected the request outright; no other runner
			// will accept it either.
			log.Error("runner rejected request", slog.Any("error", err))
			d.ack(ctx, item, log)
			observability.ObserveDispatch("rejected")
			return
		default:
			lastErr = err
			observability.ObserveDispatch("error")
			log.Warn("dispatch attempt failed",
				slog.String("runner_url", r.baseURL), slog.Any("error", err))
			continue
		}
	}

	if lastErr == nil {
		lastErr = domain.ErrRunnerBusy
	}
	d.retryOrPark(ctx, item, lastErr, log)
}

// poolFor resolves the pool for a class, falling back to the default class.
func (d *Dispatcher) poolFor(itemClass, claimClass string) *pool {
	for _, c := range []string{itemClass, claimClass, domain.DefaultResourceClass} {
		if c == "" {
			continue
		}
		if p, ok := d.pools[c]; ok {
			return p
		}
	}
	return nil
}

// slotHeld reports whether the runner's slot is occupied right now. Probe
// errors count as held; the liveness prober will retire the runner shortly
// if it stays unreachable.
func (d *Dispatcher) slotHeld(ctx context.Context, r *runnerRef) bool {
	rctx, cancel := context.WithTimeout(ctx, d.opts.DispatchDeadline)
	defer cancel()
	entries, err := d.api.Running(rctx, r.baseURL)
	if err != nil {
		return true
	}
	return len(entries) > 0
}

// retryOrPark nacks the item on a spendable attempt or parks it in the DLQ
// with the terminal failure event once the budget is gone.
func (d *Dispatcher) retryOrPark(ctx context.Context, item *domain.ClaimedItem, cause error, log *slog.Logger) {
	if d.opts.Policy.Exhausted(item.Attempts) {
		if err := d.queue.DeadLetter(ctx, item, domain.ReasonRetriesExhausted); err != nil {
			log.Error("dead-letter failed", slog.Any("error", err))
		}
		observability.DeadLettersTotal.Inc()
		observability.ObserveDispatch("dead_letter")
		d.publishFailed(ctx, item, cause)
		log.Error("retry budget exhausted",
			slog.Int("attempts", item.Attempts), slog.Any("error", cause))
		return
	}

	delay := d.opts.Policy.Delay(item.Attempts)
	if err := d.queue.Nack(ctx, item, delay); err != nil {
		log.Error("nack failed", slog.Any("error", err))
		return
	}
	observability.DispatchRetriesTotal.Inc()
	observability.ObserveDispatch("retry")
	log.Info("dispatch will retry",
		slog.Int("attempts", item.Attempts),
		slog.Duration("retry_after", delay),
		slog.Any("error", cause))
}

func (d *Dispatcher) publishStarted(ctx context.Context, id, runnerURL string, acc domain.RunAccepted, timeoutS int) error {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return d.bus.Publish(pctx, domain.NewEvent(domain.TopicEvalStarted, id, map[string]any{
		"runner_id":    acc.RunnerID,
		"runner_url":   runnerURL,
		"container_id": acc.ContainerID,
		"started_at":   d.now().UTC().Format(time.RFC3339Nano),
		"timeout_s":    timeoutS,
	}))
}

func (d *Dispatcher) publishFailed(ctx context.Context, item *domain.ClaimedItem, cause error) {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := d.bus.Publish(pctx, domain.NewEvent(domain.TopicEvalFailed, item.ID, map[string]any{
		"reason":        domain.ReasonRetriesExhausted,
		"error_message": fmt.Sprintf("dispatch failed after %d attempts: %v", item.Attempts+1, cause),
		"finished_at":   d.now().UTC().Format(time.RFC3339Nano),
	}))
	if err != nil {
		d.log.Error("failed event publish failed",
			slog.String("eval_id", item.ID), slog.Any("error", err))
	}
}

func (d *Dispatcher) ack(ctx context.Context, item *domain.ClaimedItem, log *slog.Logger) {
	if err := d.queue.Ack(ctx, item); err != nil {
		log.Warn("ack failed", slog.Any("error", err))
	}
}

func (d *Dispatcher) requeue(ctx context.Context, item *domain.ClaimedItem, log *slog.Logger) {
	if err := d.queue.Requeue(ctx, item); err != nil {
		log.Warn("requeue failed", slog.Any("error", err))
	}
}

func (d *Dispatcher) pause(ctx context.Context) {
	t := time.NewTimer(d.opts.IdleSleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
