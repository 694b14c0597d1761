package runner

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evalbox/evalbox/internal/adapter/observability"
	"github.com/evalbox/evalbox/internal/domain"
)

// maxRunBodyBytes bounds POST /run bodies; the source itself is capped at
// 1 MiB upstream, the rest is JSON overhead.
const maxRunBodyBytes = 4 << 20

// Handler is the runner's HTTP surface.
type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// Router assembles the internal API consumed by the dispatcher and gateway.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observability.HTTPMetricsMiddleware)

	r.Post("/run", h.handleRun)
	r.Get("/logs/{id}", h.handleLogs)
	r.Post("/kill/{id}", h.handleKill)
	r.Get("/running", h.handleRunning)
	r.Get("/health", h.handleHealth)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRunBodyBytes)
	var req domain.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalidArgument, "malformed request body")
		return
	}

	accepted, err := h.svc.Run(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrRunnerBusy) {
			w.Header().Set("Retry-After", "1")
		}
		h.log.Info("run rejected", slog.String("eval_id", req.ID), slog.Any("error", err))
		writeError(w, err, "")
		return
	}
	h.log.Info("run accepted",
		slog.String("eval_id", req.ID),
		slog.String("container_id", accepted.ContainerID))
	writeJSON(w, http.StatusOK, accepted)
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := h.svc.Logs(id)
	if !ok {
		writeError(w, domain.ErrNotFound, "no execution for id")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleKill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res := h.svc.Kill(r.Context(), id)
	h.log.Info("kill requested", slog.String("eval_id", id), slog.Bool("killed", res.Killed))
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleRunning(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Running())
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Health())
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, message string) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrRunnerBusy):
		status, code = http.StatusServiceUnavailable, "BUSY"
	}
	if message == "" {
		message = err.Error()
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: message}})
}
