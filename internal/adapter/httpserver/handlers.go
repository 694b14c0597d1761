package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/evalbox/evalbox/internal/config"
	"github.com/evalbox/evalbox/internal/domain"
	obsctx "github.com/evalbox/evalbox/internal/observability"
	"github.com/evalbox/evalbox/internal/usecase"
	"github.com/evalbox/evalbox/pkg/exitcode"
)

// Server aggregates the gateway handler dependencies.
type Server struct {
	Cfg    config.Config
	Submit usecase.SubmitService
	Query  usecase.QueryService
	Proxy  usecase.ProxyService
	Checks []ReadyCheck
}

// ReadyCheck probes one backing service for /readyz.
type ReadyCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, query usecase.QueryService, proxy usecase.ProxyService, checks ...ReadyCheck) *Server {
	return &Server{Cfg: cfg, Submit: submit, Query: query, Proxy: proxy, Checks: checks}
}

// evalView is the JSON shape of an evaluation record. Source text is
// deliberately absent; outputs are served by the logs endpoint.
type evalView struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	LanguageTag   string     `json:"language_tag,omitempty"`
	TimeoutS      int        `json:"timeout_s,omitempty"`
	ResourceClass string     `json:"resource_class,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	ExitClass     string     `json:"exit_class,omitempty"`
	OutputPreview string     `json:"output_preview,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	RunnerID      *string    `json:"runner_id,omitempty"`
}

func viewOf(e domain.Evaluation) evalView {
	v := evalView{
		ID:            e.ID,
		Status:        string(e.Status),
		LanguageTag:   e.LanguageTag,
		TimeoutS:      e.TimeoutS,
		ResourceClass: e.ResourceClass,
		CreatedAt:     e.CreatedAt,
		StartedAt:     e.StartedAt,
		CompletedAt:   e.CompletedAt,
		ExitCode:      e.ExitCode,
		OutputPreview: e.OutputPreview,
		ErrorMessage:  e.ErrorMessage,
		RunnerID:      e.RunnerID,
	}
	if e.ExitCode != nil {
		v.ExitClass = exitcode.Classify(*e.ExitCode)
	}
	return v
}

// SubmitHandler accepts a source submission and acknowledges with the
// allocated evaluation id. The store record appears asynchronously.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxRequestBytes)
		var req usecase.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, r, err, map[string]int64{"max_bytes": maxErr.Limit})
				return
			}
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		acc, err := s.Submit.Submit(r.Context(), req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, acc)
	}
}

// StatusHandler returns the evaluation record by id.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		ctx := obsctx.ContextWithEvalID(r.Context(), id)
		rec, err := s.Query.Status(ctx, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(rec))
	}
}

// ListHandler returns a page of evaluation records, newest first.
func (s *Server) ListHandler() http.HandlerFunc {
	type page struct {
		Evaluations []evalView `json:"evaluations"`
		Count       int        `json:"count"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		q := r.URL.Query()
		f := domain.ListFilter{Status: domain.Status(q.Get("status"))}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: limit must be an integer", domain.ErrInvalidArgument), nil)
				return
			}
			f.Limit = n
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: offset must be an integer", domain.ErrInvalidArgument), nil)
				return
			}
			f.Offset = n
		}
		recs, err := s.Query.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]evalView, 0, len(recs))
		for _, rec := range recs {
			views = append(views, viewOf(rec))
		}
		writeJSON(w, http.StatusOK, page{Evaluations: views, Count: len(views)})
	}
}

// LogsHandler returns current output for a running evaluation, or the
// persisted output once it is terminal.
func (s *Server) LogsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		ctx := obsctx.ContextWithEvalID(r.Context(), id)
		snap, err := s.Proxy.Logs(ctx, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// KillHandler requests cancellation of a running evaluation. Killing an
// evaluation that is not running reports killed:false rather than an error.
func (s *Server) KillHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		ctx := obsctx.ContextWithEvalID(r.Context(), id)
		res, err := s.Proxy.Kill(ctx, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// ReadyzHandler probes the configured backends and reports per-check status.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, len(s.Checks))
		ok := true
		for _, c := range s.Checks {
			if c.Probe == nil {
				continue
			}
			if err := c.Probe(ctx); err != nil {
				ok = false
				checks = append(checks, check{Name: c.Name, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: c.Name, OK: true})
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
