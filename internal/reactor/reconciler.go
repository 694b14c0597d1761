package reactor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/evalbox/evalbox/internal/adapter/observability"
	"github.com/evalbox/evalbox/internal/domain"
)

// sweepPage sizes the queued-sweep store listing.
const sweepPage = 200

func (r *Reactor) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.ReconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce runs one repair pass: dead bindings are reaped and stale
// queued records swept. Exported so tests and operators can force a pass.
func (r *Reactor) ReconcileOnce(ctx context.Context) {
	r.reapLostRunners(ctx)
	r.sweepQueued(ctx)
}

// reapLostRunners fails running evaluations whose binding expired and whose
// wall deadline passed twice over. A crashed runner never publishes its
// terminal event; this is the repair path that keeps records from sticking
// in running forever.
func (r *Reactor) reapLostRunners(ctx context.Context) {
	members, err := r.index.Members(ctx)
	if err != nil {
		r.log.Warn("members listing failed", slog.Any("error", err))
		return
	}
	observability.RunningEvaluations.Set(float64(len(members)))

	for _, id := range members {
		live, err := r.index.Live(ctx, id)
		if err != nil || live {
			continue
		}
		rec, err := r.store.Get(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			_ = r.index.Unbind(ctx, id)
			continue
		case err != nil:
			continue
		}
		if rec.Status.IsTerminal() {
			_ = r.index.Unbind(ctx, id)
			continue
		}
		if rec.Status != domain.StatusRunning {
			continue
		}

		started := rec.CreatedAt
		if rec.StartedAt != nil {
			started = *rec.StartedAt
		}
		deadline := started.Add(time.Duration(rec.TimeoutS)*time.Second + 2*r.opts.RoutingGrace)
		if r.now().Before(deadline) {
			continue
		}

		r.log.Warn("reaping lost runner",
			slog.String("eval_id", id),
			slog.Time("started_at", started))
		r.Handle(ctx, domain.NewEvent(domain.TopicEvalFailed, id, map[string]any{
			"reason":        domain.ReasonLostRunner,
			"error_message": "runner stopped heartbeating before the terminal event",
			"finished_at":   r.now().UTC().Format(time.RFC3339Nano),
		}))
	}
}

// sweepQueued fails queued records that outlived the sweep age. They were
// either dead-lettered without a failure event landing, or their work item
// was lost outright.
func (r *Reactor) sweepQueued(ctx context.Context) {
	for offset := 0; ; offset += sweepPage {
		recs, err := r.store.List(ctx, domain.ListFilter{
			Status: domain.StatusQueued,
			Limit:  sweepPage,
			Offset: offset,
		})
		if err != nil {
			r.log.Warn("queued sweep listing failed", slog.Any("error", err))
			return
		}
		for _, rec := range recs {
			if r.now().Sub(rec.CreatedAt) < r.opts.QueuedSweepAge {
				continue
			}
			r.log.Warn("sweeping expired queued record",
				slog.String("eval_id", rec.ID),
				slog.Time("created_at", rec.CreatedAt))
			r.Handle(ctx, domain.NewEvent(domain.TopicEvalFailed, rec.ID, map[string]any{
				"reason":        domain.ReasonQueuedExpired,
				"error_message": "no runner picked up the evaluation before the sweep age",
				"finished_at":   r.now().UTC().Format(time.RFC3339Nano),
			}))
		}
		if len(recs) < sweepPage {
			return
		}
	}
}
