// Package domain holds the evaluation entity, its status lifecycle, the
// lifecycle events exchanged on the bus, and the ports the services depend on.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrQueueFull         = errors.New("queue full")
	ErrRunnerBusy        = errors.New("runner busy")
	ErrRunnerUnavailable = errors.New("runner unavailable")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrInternal          = errors.New("internal error")
)

// Status is the evaluation lifecycle status.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Failure reasons carried in eval.failed payloads and error_message context.
const (
	ReasonSpawnError       = "spawn_error"
	ReasonTimeout          = "timeout"
	ReasonOOM              = "oom"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonLostRunner       = "lost_runner"
	ReasonQueuedExpired    = "queued_expired"
	ReasonEnqueueError     = "enqueue_error"
)

// DefaultResourceClass is assumed when a submission names none.
const DefaultResourceClass = "default"

// Evaluation is the primary entity. RunnerID and ContainerID are only
// meaningful while Status == running.
//
//go:generate mockery --name=EvaluationStore --with-expecter --filename=store_mock.go
//go:generate mockery --name=Queue --with-expecter --filename=queue_mock.go
//go:generate mockery --name=Bus --with-expecter --filename=bus_mock.go
type Evaluation struct {
	ID            string
	SourceText    string
	LanguageTag   string
	TimeoutS      int
	ResourceClass string
	Status        Status
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ExitCode      *int
	OutputPreview string
	OutputRef     string
	ErrorMessage  *string
	RunnerID      *string
	ContainerID   *string
}

// EvalUpdate carries the optional fields of a conditional store update.
// Nil fields are left untouched.
type EvalUpdate struct {
	Status        Status
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ExitCode      *int
	OutputPreview *string
	OutputRef     *string
	ErrorMessage  *string
	RunnerID      *string
	ContainerID   *string
}

// ListFilter narrows and pages a store listing. Zero Limit means the store
// default page size.
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

// RoutingEntry is the runner binding kept in the routing index while an
// evaluation executes. RunnerURL is the base URL the dispatcher dialed;
// the gateway proxies logs and kill calls to it.
type RoutingEntry struct {
	RunnerID    string    `json:"runner_id"`
	RunnerURL   string    `json:"runner_url,omitempty"`
	ContainerID string    `json:"container_id"`
	StartedAt   time.Time `json:"started_at"`
	TimeoutS    int       `json:"timeout_s"`
}

// WorkItem is the queue payload produced by the gateway.
type WorkItem struct {
	ID            string `json:"id"`
	ResourceClass string `json:"resource_class"`
}

// ClaimedItem is a work item held by exactly one consumer until acked,
// nacked, or dead-lettered. Receipt is backend-private.
type ClaimedItem struct {
	WorkItem
	Attempts  int
	ClaimedAt time.Time
	Receipt   any
}

// Store (port). The reactor is the sole writer; every other service reads.

type EvaluationStore interface {
	// Insert creates the record when id is new and is a no-op otherwise.
	Insert(ctx Context, ev Evaluation) error
	// UpdateIf applies upd only when the current status is one of from.
	// It reports whether a row transitioned; a false result means the event
	// was stale or illegal and must be dropped by the caller.
	UpdateIf(ctx Context, id string, from []Status, upd EvalUpdate) (bool, error)
	Get(ctx Context, id string) (Evaluation, error)
	List(ctx Context, f ListFilter) ([]Evaluation, error)
	CountByStatus(ctx Context, st Status) (int, error)
}

// Queue (port). Claim/ack semantics are the one-evaluation-one-runner
// synchronization point; retry policy stays with the dispatcher.

type Queue interface {
	Enqueue(ctx Context, class string, item WorkItem) error
	// Claim blocks up to wait and returns nil when no item surfaced.
	Claim(ctx Context, class string, wait time.Duration) (*ClaimedItem, error)
	Ack(ctx Context, item *ClaimedItem) error
	// Nack redelivers the item after retryAfter with Attempts incremented.
	Nack(ctx Context, item *ClaimedItem, retryAfter time.Duration) error
	// Requeue redelivers without counting an attempt (no live runner case).
	Requeue(ctx Context, item *ClaimedItem) error
	DeadLetter(ctx Context, item *ClaimedItem, reason string) error
	// Depth reports the visible backlog for a class; backpressure input.
	Depth(ctx Context, class string) (int64, error)
}

// RoutingIndex (port). Key shape: eval:{id}:running plus the
// running_evaluations membership set. The reactor is the sole writer.

type RoutingIndex interface {
	Bind(ctx Context, id string, entry RoutingEntry, ttl time.Duration) error
	Lookup(ctx Context, id string) (RoutingEntry, error)
	// Refresh extends the entry TTL and reports whether the entry still exists.
	Refresh(ctx Context, id string, ttl time.Duration) (bool, error)
	Unbind(ctx Context, id string) error
	// Members lists ids in the membership set, expired entries included.
	Members(ctx Context) ([]string, error)
	// Live reports whether the keyed entry has not expired.
	Live(ctx Context, id string) (bool, error)
}

// BlobStore (port) backs full outputs that exceed the inline cut-over.

type BlobStore interface {
	Put(ctx Context, id string, data []byte) (ref string, err error)
	Get(ctx Context, ref string) ([]byte, error)
}

// LanguageSpec describes one supported runtime from the language catalog.
type LanguageSpec struct {
	Tag     string   `yaml:"tag"`
	Image   string   `yaml:"image"`
	Command []string `yaml:"command"`
}

// Context is an alias so ports read cleanly; adapters pass context.Context.
type Context = context.Context
