package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	EvalsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evals_submitted_total",
			Help: "Total number of accepted evaluation submissions",
		},
		[]string{"language"},
	)
	SubmitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evals_submit_rejected_total",
			Help: "Submissions rejected before enqueue",
		},
		[]string{"reason"},
	)
	EvalsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evals_enqueued_total",
			Help: "Total number of work items enqueued",
		},
		[]string{"class"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Visible backlog per priority class",
		},
		[]string{"class"},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatches_total",
			Help: "Dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)
	DispatchRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_retries_total",
			Help: "Work items nacked for redelivery",
		},
	)
	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Work items parked after the retry budget",
		},
	)

	EvalsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evals_terminal_total",
			Help: "Evaluations reaching a terminal status",
		},
		[]string{"status"},
	)
	ReactorEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactor_events_total",
			Help: "Lifecycle events processed by the reactor",
		},
		[]string{"topic", "outcome"},
	)
	RunningEvaluations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "running_evaluations",
			Help: "Size of the routing-index membership set",
		},
	)

	RunnerBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runner_busy",
			Help: "1 while the local slot is held",
		},
	)
	SandboxSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_spawn_duration_seconds",
			Help:    "Container spawn latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "execution_duration_seconds",
			Help:    "Wall time of sandboxed executions",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"result"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(EvalsSubmittedTotal)
	prometheus.MustRegister(SubmitRejectedTotal)
	prometheus.MustRegister(EvalsEnqueuedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(DispatchRetriesTotal)
	prometheus.MustRegister(DeadLettersTotal)
	prometheus.MustRegister(EvalsTerminalTotal)
	prometheus.MustRegister(ReactorEventsTotal)
	prometheus.MustRegister(RunningEvaluations)
	prometheus.MustRegister(RunnerBusy)
	prometheus.MustRegister(SandboxSpawnDuration)
	prometheus.MustRegister(ExecutionDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func SubmitAccepted(language string) {
	EvalsSubmittedTotal.WithLabelValues(language).Inc()
}

func SubmitRejected(reason string) {
	SubmitRejectedTotal.WithLabelValues(reason).Inc()
}

func EnqueueItem(class string) {
	EvalsEnqueuedTotal.WithLabelValues(class).Inc()
}

func ObserveDispatch(outcome string) {
	DispatchesTotal.WithLabelValues(outcome).Inc()
}

func ObserveTerminal(status string) {
	EvalsTerminalTotal.WithLabelValues(status).Inc()
}

func ObserveReactorEvent(topic, outcome string) {
	ReactorEventsTotal.WithLabelValues(topic, outcome).Inc()
}

// ObserveExecution records one finished sandbox run.
func ObserveExecution(result string, wall time.Duration) {
	ExecutionDuration.WithLabelValues(result).Observe(wall.Seconds())
}
