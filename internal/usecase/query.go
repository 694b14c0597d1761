package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/evalbox/evalbox/internal/config"
	"github.com/evalbox/evalbox/internal/domain"
)

// Listing limits applied when the caller names none or asks for too much.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// QueryService reads evaluation state. The synthesized fallbacks exist
// because submit acknowledges before the reactor has written the record.
type QueryService struct {
	Cfg   config.Config
	Store domain.EvaluationStore
	Index domain.RoutingIndex
}

// NewQueryService constructs a QueryService.
func NewQueryService(cfg config.Config, st domain.EvaluationStore, ix domain.RoutingIndex) QueryService {
	return QueryService{Cfg: cfg, Store: st, Index: ix}
}

// Status resolves id through store, routing index, and the fresh-submit
// grace window, in that order.
func (s QueryService) Status(ctx domain.Context, id string) (domain.Evaluation, error) {
	if id == "" {
		return domain.Evaluation{}, fmt.Errorf("op=usecase.Status: %w: id is required", domain.ErrInvalidArgument)
	}

	rec, err := s.Store.Get(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Evaluation{}, fmt.Errorf("op=usecase.Status: %w", err)
	}

	// A dispatched evaluation reaches the index before the store insert
	// lands; answer from the binding.
	if entry, ierr := s.Index.Lookup(ctx, id); ierr == nil {
		started := entry.StartedAt
		return domain.Evaluation{
			ID:          id,
			Status:      domain.StatusRunning,
			TimeoutS:    entry.TimeoutS,
			CreatedAt:   started,
			StartedAt:   &started,
			RunnerID:    &entry.RunnerID,
			ContainerID: &entry.ContainerID,
		}, nil
	}

	// A freshly allocated id is reported queued until the grace window
	// closes; after that, absence is authoritative.
	if ts, ok := ulidTime(id); ok && time.Since(ts) <= s.Cfg.SubmitVisibilityGrace() {
		return domain.Evaluation{ID: id, Status: domain.StatusQueued, CreatedAt: ts.UTC()}, nil
	}

	return domain.Evaluation{}, fmt.Errorf("op=usecase.Status: %w", domain.ErrNotFound)
}

// List pages store records, newest first.
func (s QueryService) List(ctx domain.Context, f domain.ListFilter) ([]domain.Evaluation, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("op=usecase.List: %w: unknown status %q", domain.ErrInvalidArgument, f.Status)
	}
	if f.Offset < 0 {
		return nil, fmt.Errorf("op=usecase.List: %w: negative offset", domain.ErrInvalidArgument)
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	recs, err := s.Store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.List: %w", err)
	}
	return recs, nil
}

// ulidTime extracts the embedded timestamp; false when id is not a ULID.
func ulidTime(id string) (time.Time, bool) {
	u, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
