// Package filestore persists evaluations as one JSON document per id under a
// directory. It backs single-node dev deployments that want durability
// without a database; semantics mirror the relational store.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/evalbox/evalbox/internal/adapter/store/memstore"
	"github.com/evalbox/evalbox/internal/domain"
)

type Store struct {
	dir string
	// mu serializes read-modify-write cycles; the reactor is the only
	// writer but UpdateIf must still be atomic against itself.
	mu sync.Mutex
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("op=filestore.New: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) Insert(_ domain.Context, ev domain.Evaluation) error {
	if ev.ID == "" || strings.ContainsAny(ev.ID, "/\\") {
		return fmt.Errorf("op=filestore.Insert: %w: bad id", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(ev.ID)); err == nil {
		return nil
	}
	return s.write(ev)
}

func (s *Store) UpdateIf(_ domain.Context, id string, from []domain.Status, upd domain.EvalUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.read(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	matched := false
	for _, st := range from {
		if cur.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	if err := s.write(memstore.Apply(cur, upd)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Get(_ domain.Context, id string) (domain.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *Store) List(_ domain.Context, f domain.ListFilter) ([]domain.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("op=filestore.List: %w", err)
	}
	all := make([]domain.Evaluation, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ev, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if f.Status != "" && ev.Status != f.Status {
			continue
		}
		all = append(all, ev)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	limit := f.Limit
	if limit <= 0 {
		limit = memstore.DefaultPageSize
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

func (s *Store) CountByStatus(ctx domain.Context, st domain.Status) (int, error) {
	evs, err := s.List(ctx, domain.ListFilter{Status: st, Limit: 1 << 20})
	if err != nil {
		return 0, err
	}
	return len(evs), nil
}

func (s *Store) read(id string) (domain.Evaluation, error) {
	b, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Evaluation{}, fmt.Errorf("op=filestore.read: %w", domain.ErrNotFound)
		}
		return domain.Evaluation{}, fmt.Errorf("op=filestore.read: %w", err)
	}
	var ev domain.Evaluation
	if err := json.Unmarshal(b, &ev); err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=filestore.read: %w", err)
	}
	return ev, nil
}

// write lands the document with a temp-file rename so readers never observe
// a torn record.
func (s *Store) write(ev domain.Evaluation) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=filestore.write: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+ev.ID+".tmp-")
	if err != nil {
		return fmt.Errorf("op=filestore.write: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("op=filestore.write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("op=filestore.write: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(ev.ID)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("op=filestore.write: %w", err)
	}
	return nil
}
