// Package memstore is the in-memory EvaluationStore used by tests and
// single-process dev mode.
package memstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/evalbox/evalbox/internal/domain"
)

// DefaultPageSize caps List results when the filter names no limit.
const DefaultPageSize = 50

type Store struct {
	mu    sync.RWMutex
	evals map[string]domain.Evaluation
}

func New() *Store {
	return &Store{evals: make(map[string]domain.Evaluation)}
}

// Insert creates the record when id is new and is a no-op otherwise.
func (s *Store) Insert(_ domain.Context, ev domain.Evaluation) error {
	if ev.ID == "" {
		return fmt.Errorf("op=memstore.Insert: %w: empty id", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.evals[ev.ID]; ok {
		return nil
	}
	s.evals[ev.ID] = ev
	return nil
}

// UpdateIf applies upd when the current status is one of from.
func (s *Store) UpdateIf(_ domain.Context, id string, from []domain.Status, upd domain.EvalUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.evals[id]
	if !ok {
		return false, nil
	}
	if !statusIn(cur.Status, from) {
		return false, nil
	}
	s.evals[id] = Apply(cur, upd)
	return true, nil
}

func (s *Store) Get(_ domain.Context, id string) (domain.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.evals[id]
	if !ok {
		return domain.Evaluation{}, fmt.Errorf("op=memstore.Get: %w", domain.ErrNotFound)
	}
	return ev, nil
}

// List returns records newest-first, filtered and paged.
func (s *Store) List(_ domain.Context, f domain.ListFilter) ([]domain.Evaluation, error) {
	s.mu.RLock()
	all := make([]domain.Evaluation, 0, len(s.evals))
	for _, ev := range s.evals {
		if f.Status != "" && ev.Status != f.Status {
			continue
		}
		all = append(all, ev)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if f.Offset >= len(all) {
		return []domain.Evaluation{}, nil
	}
	end := f.Offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[f.Offset:end], nil
}

func (s *Store) CountByStatus(_ domain.Context, st domain.Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ev := range s.evals {
		if ev.Status == st {
			n++
		}
	}
	return n, nil
}

func statusIn(st domain.Status, set []domain.Status) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

// Apply folds an update into a record. Shared with the file store so both
// non-relational backends mutate identically.
func Apply(ev domain.Evaluation, upd domain.EvalUpdate) domain.Evaluation {
	if upd.Status != "" {
		ev.Status = upd.Status
	}
	if upd.StartedAt != nil {
		ev.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		ev.CompletedAt = upd.CompletedAt
	}
	if upd.ExitCode != nil {
		ev.ExitCode = upd.ExitCode
	}
	if upd.OutputPreview != nil {
		ev.OutputPreview = *upd.OutputPreview
	}
	if upd.OutputRef != nil {
		ev.OutputRef = *upd.OutputRef
	}
	if upd.ErrorMessage != nil {
		ev.ErrorMessage = upd.ErrorMessage
	}
	if upd.RunnerID != nil {
		ev.RunnerID = upd.RunnerID
	}
	if upd.ContainerID != nil {
		ev.ContainerID = upd.ContainerID
	}
	return ev
}
