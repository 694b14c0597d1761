package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/evalbox/evalbox/internal/adapter/blob"
	"github.com/evalbox/evalbox/internal/domain"
	obsctx "github.com/evalbox/evalbox/internal/observability"
)

// proxyDeadline bounds the runner round-trip for logs and kill proxying.
const proxyDeadline = 2 * time.Second

// ProxyService forwards logs and kill requests to the runner holding an
// evaluation, falling back to persisted state when nothing holds it.
type ProxyService struct {
	Store  domain.EvaluationStore
	Index  domain.RoutingIndex
	Blobs  domain.BlobStore
	Runner domain.RunnerAPI
}

// NewProxyService constructs a ProxyService.
func NewProxyService(st domain.EvaluationStore, ix domain.RoutingIndex, bl domain.BlobStore, rn domain.RunnerAPI) ProxyService {
	return ProxyService{Store: st, Index: ix, Blobs: bl, Runner: rn}
}

// Logs returns live output from the bound runner, or the persisted output
// for terminal records, or an empty snapshot for records still queued.
func (s ProxyService) Logs(ctx domain.Context, id string) (domain.LogsSnapshot, error) {
	if id == "" {
		return domain.LogsSnapshot{}, fmt.Errorf("op=usecase.Logs: %w: id is required", domain.ErrInvalidArgument)
	}

	entry, err := s.Index.Lookup(ctx, id)
	switch {
	case err == nil:
		snap, rerr := s.runnerLogs(ctx, entry, id)
		if rerr == nil {
			return snap, nil
		}
		if !errors.Is(rerr, domain.ErrNotFound) {
			return domain.LogsSnapshot{}, rerr
		}
		// The runner already released the slot; the store has the rest.
	case !errors.Is(err, domain.ErrNotFound):
		return domain.LogsSnapshot{}, fmt.Errorf("op=usecase.Logs: %w", err)
	}

	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return domain.LogsSnapshot{}, fmt.Errorf("op=usecase.Logs: %w", err)
	}
	if rec.Status.IsTerminal() {
		return s.persistedLogs(ctx, rec), nil
	}
	return domain.LogsSnapshot{IsRunning: false}, nil
}

func (s ProxyService) runnerLogs(ctx domain.Context, entry domain.RoutingEntry, id string) (domain.LogsSnapshot, error) {
	if entry.RunnerURL == "" {
		return domain.LogsSnapshot{}, fmt.Errorf("op=usecase.Logs: binding has no runner url: %w", domain.ErrRunnerUnavailable)
	}
	cctx, cancel := context.WithTimeout(ctx, proxyDeadline)
	defer cancel()
	snap, err := s.Runner.Logs(cctx, entry.RunnerURL, id)
	switch {
	case err == nil:
		return snap, nil
	case errors.Is(err, domain.ErrNotFound):
		return domain.LogsSnapshot{}, err
	case errors.Is(err, domain.ErrRunnerUnavailable), errors.Is(err, domain.ErrUpstreamTimeout):
		return domain.LogsSnapshot{}, fmt.Errorf("op=usecase.Logs: bound runner unreachable: %w", domain.ErrRunnerUnavailable)
	default:
		return domain.LogsSnapshot{}, fmt.Errorf("op=usecase.Logs: %w", err)
	}
}

// persistedLogs rebuilds a snapshot from the terminal record. A failed blob
// fetch degrades to the stored preview instead of failing the read.
func (s ProxyService) persistedLogs(ctx domain.Context, rec domain.Evaluation) domain.LogsSnapshot {
	snap := domain.LogsSnapshot{IsRunning: false, ExitCode: rec.ExitCode}
	if rec.OutputRef == "" {
		snap.Stdout = rec.OutputPreview
		return snap
	}
	log := obsctx.LoggerFromContext(ctx)
	data, err := blob.Fetch(ctx, s.Blobs, rec.OutputRef)
	if err != nil {
		log.Warn("output fetch failed, serving preview", slog.Any("error", err))
		snap.Stdout = rec.OutputPreview
		return snap
	}
	out, err := blob.DecodeOutputs(data)
	if err != nil {
		log.Warn("output envelope decode failed, serving preview", slog.Any("error", err))
		snap.Stdout = rec.OutputPreview
		return snap
	}
	snap.Stdout, snap.Stderr = out.Stdout, out.Stderr
	return snap
}

// Kill forwards a termination request to the bound runner. Ids without a
// binding resolve against the store: existing records report not_running,
// unknown ids are NotFound.
func (s ProxyService) Kill(ctx domain.Context, id string) (domain.KillResult, error) {
	if id == "" {
		return domain.KillResult{}, fmt.Errorf("op=usecase.Kill: %w: id is required", domain.ErrInvalidArgument)
	}

	entry, err := s.Index.Lookup(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		if _, serr := s.Store.Get(ctx, id); serr != nil {
			return domain.KillResult{}, fmt.Errorf("op=usecase.Kill: %w", serr)
		}
		return domain.KillResult{Killed: false, Reason: "not_running"}, nil
	}
	if err != nil {
		return domain.KillResult{}, fmt.Errorf("op=usecase.Kill: %w", err)
	}
	if entry.RunnerURL == "" {
		return domain.KillResult{}, fmt.Errorf("op=usecase.Kill: binding has no runner url: %w", domain.ErrRunnerUnavailable)
	}

	cctx, cancel := context.WithTimeout(ctx, proxyDeadline)
	defer cancel()
	res, err := s.Runner.Kill(cctx, entry.RunnerURL, id)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, domain.ErrRunnerUnavailable), errors.Is(err, domain.ErrUpstreamTimeout):
		return domain.KillResult{}, fmt.Errorf("op=usecase.Kill: bound runner unreachable: %w", domain.ErrRunnerUnavailable)
	default:
		return domain.KillResult{}, fmt.Errorf("op=usecase.Kill: %w", err)
	}
}
