package domain

import (
	"io"
	"time"
)

// Wire contract between dispatcher/gateway and runner instances.

// RunRequest is the body of POST /run.
type RunRequest struct {
	ID          string `json:"id" validate:"required"`
	SourceText  string `json:"source_text" validate:"required"`
	LanguageTag string `json:"language_tag" validate:"required"`
	TimeoutS    int    `json:"timeout_s" validate:"required,min=1"`
}

// RunAccepted acknowledges an admitted execution. Status is "running" both
// for a fresh spawn and for an idempotent duplicate of the held id.
type RunAccepted struct {
	Status      string `json:"status"`
	RunnerID    string `json:"runner_id"`
	ContainerID string `json:"container_id"`
}

// LogsSnapshot is the currently buffered output of an execution.
type LogsSnapshot struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	IsRunning bool   `json:"is_running"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// KillResult reports whether a termination was delivered.
type KillResult struct {
	Killed bool   `json:"killed"`
	Reason string `json:"reason,omitempty"`
}

// RunningEntry describes the held slot; /running returns at most one.
type RunningEntry struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	TimeoutS  int       `json:"timeout_s"`
}

// HealthStatus is the liveness beacon consumed by dispatcher probes.
type HealthStatus struct {
	Live        bool      `json:"live"`
	RunnerID    string    `json:"runner_id"`
	HeartbeatTS time.Time `json:"heartbeat_ts"`
}

// RunnerAPI (port). Implementations speak HTTP to one runner base URL.
// Run maps a busy slot to ErrRunnerBusy and a dead deadline to
// ErrUpstreamTimeout so the dispatcher can tell retry from skip.

type RunnerAPI interface {
	Run(ctx Context, baseURL string, req RunRequest) (RunAccepted, error)
	Logs(ctx Context, baseURL, id string) (LogsSnapshot, error)
	Kill(ctx Context, baseURL, id string) (KillResult, error)
	Running(ctx Context, baseURL string) ([]RunningEntry, error)
	Health(ctx Context, baseURL string) (HealthStatus, error)
}

// Sandbox driver contract. The isolation mechanism itself is external; the
// runner only consumes this surface.

// SandboxSpec describes one container execution.
type SandboxSpec struct {
	EvalID      string
	Language    LanguageSpec
	SourceText  string
	TimeoutS    int
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
}

// ExitStatus is the container outcome as observed by the driver.
type ExitStatus struct {
	Code      int
	OOMKilled bool
}

// SandboxProc is one spawned, supervised container. Stdout and Stderr are
// live demuxed streams; both reach EOF when the container exits.
type SandboxProc interface {
	ContainerID() string
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the container exits or ctx is done.
	Wait(ctx Context) (ExitStatus, error)
	// Signal delivers SIGTERM/SIGKILL to the container init process.
	Signal(ctx Context, sig string) error
	// Close force-removes the container and releases driver resources.
	Close(ctx Context) error
}

type Sandbox interface {
	Start(ctx Context, spec SandboxSpec) (SandboxProc, error)
}
