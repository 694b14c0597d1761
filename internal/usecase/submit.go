// Package usecase contains the gateway's application services: submission,
// status reads, and the logs/kill proxy onto bound runners. Services are
// value types over the domain ports; the store is never written here, the
// reactor owns it.
package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"github.com/evalbox/evalbox/internal/adapter/observability"
	"github.com/evalbox/evalbox/internal/config"
	"github.com/evalbox/evalbox/internal/domain"
	"github.com/evalbox/evalbox/internal/service/throttle"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// SubmitRequest is the decoded body of POST /eval.
type SubmitRequest struct {
	SourceText    string `json:"source_text" validate:"required"`
	LanguageTag   string `json:"language_tag" validate:"required"`
	TimeoutS      int    `json:"timeout_s" validate:"required"`
	ResourceClass string `json:"resource_class"`
}

// SubmitAccepted is the synchronous acknowledgement. The store record
// appears asynchronously once the reactor consumes eval.queued.
type SubmitAccepted struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SubmitService validates a submission, publishes eval.queued, and enqueues
// the work item.
type SubmitService struct {
	Cfg      config.Config
	Queue    domain.Queue
	Bus      domain.Bus
	Throttle throttle.Limiter
}

// NewSubmitService constructs a SubmitService. throttle may be nil.
func NewSubmitService(cfg config.Config, q domain.Queue, b domain.Bus, t throttle.Limiter) SubmitService {
	return SubmitService{Cfg: cfg, Queue: q, Bus: b, Throttle: t}
}

// Submit runs the admission pipeline. Everything up to the eval.queued
// publish is side-effect free; after the publish the id exists and any
// partial failure is resolved through events, never by writing the store.
func (s SubmitService) Submit(ctx domain.Context, req SubmitRequest) (SubmitAccepted, error) {
	if err := s.validate(req); err != nil {
		observability.SubmitRejected("validation")
		return SubmitAccepted{}, err
	}
	class := req.ResourceClass
	if class == "" {
		class = domain.DefaultResourceClass
	}

	if s.Throttle != nil {
		allowed, retryAfter, _ := s.Throttle.Allow(ctx, "submit")
		if !allowed {
			observability.SubmitRejected("throttled")
			return SubmitAccepted{}, fmt.Errorf("op=usecase.Submit: %w: retry in %s",
				domain.ErrRateLimited, retryAfter.Round(time.Millisecond))
		}
	}

	if hw := s.Cfg.QueueHighWatermark; hw > 0 {
		depth, err := s.Queue.Depth(ctx, class)
		if err == nil && depth > hw {
			observability.SubmitRejected("backpressure")
			return SubmitAccepted{}, fmt.Errorf("op=usecase.Submit: %w: depth %d over watermark %d",
				domain.ErrQueueFull, depth, hw)
		}
	}

	id := ulid.Make().String()
	ev := domain.NewEvent(domain.TopicEvalQueued, id, map[string]any{
		"source_text":    req.SourceText,
		"language_tag":   req.LanguageTag,
		"timeout_s":      req.TimeoutS,
		"resource_class": class,
		"created_at":     time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err := s.Bus.Publish(ctx, ev); err != nil {
		observability.SubmitRejected("publish")
		return SubmitAccepted{}, fmt.Errorf("op=usecase.Submit: publish: %w: %w", domain.ErrQueueFull, err)
	}

	if err := s.Queue.Enqueue(ctx, class, domain.WorkItem{ID: id, ResourceClass: class}); err != nil {
		// eval.queued is already out, so the reactor will create the
		// record. Failing it here keeps the id from sitting in queued
		// until the sweep catches it.
		s.failEnqueue(ctx, id, err)
		observability.SubmitRejected("enqueue")
		return SubmitAccepted{}, fmt.Errorf("op=usecase.Submit: enqueue: %w: %w", domain.ErrQueueFull, err)
	}

	observability.SubmitAccepted(req.LanguageTag)
	observability.EnqueueItem(class)
	return SubmitAccepted{ID: id, Status: string(domain.StatusQueued)}, nil
}

func (s SubmitService) validate(req SubmitRequest) error {
	if err := getValidator().Struct(req); err != nil {
		return fmt.Errorf("op=usecase.Submit: %w: %v", domain.ErrInvalidArgument, err)
	}
	if n := int64(len(req.SourceText)); n > s.Cfg.MaxSourceBytes {
		return fmt.Errorf("op=usecase.Submit: %w: source_text is %d bytes, limit %d",
			domain.ErrInvalidArgument, n, s.Cfg.MaxSourceBytes)
	}
	if !s.Cfg.SupportsLanguage(req.LanguageTag) {
		return fmt.Errorf("op=usecase.Submit: %w: unsupported language %q",
			domain.ErrInvalidArgument, req.LanguageTag)
	}
	if req.TimeoutS < s.Cfg.MinTimeoutS || req.TimeoutS > s.Cfg.MaxTimeoutS {
		return fmt.Errorf("op=usecase.Submit: %w: timeout_s %d outside [%d,%d]",
			domain.ErrInvalidArgument, req.TimeoutS, s.Cfg.MinTimeoutS, s.Cfg.MaxTimeoutS)
	}
	if req.ResourceClass != "" && !s.classKnown(req.ResourceClass) {
		return fmt.Errorf("op=usecase.Submit: %w: unknown resource class %q",
			domain.ErrInvalidArgument, req.ResourceClass)
	}
	if !textPayload(req.SourceText) {
		return fmt.Errorf("op=usecase.Submit: %w: source_text is not text", domain.ErrInvalidArgument)
	}
	return nil
}

func (s SubmitService) classKnown(class string) bool {
	for _, c := range s.Cfg.PriorityClasses {
		if c == class {
			return true
		}
	}
	return false
}

// textPayload sniffs the submission body; binary blobs never reach a
// container. mimetype's hierarchy roots all textual detections at
// text/plain.
func textPayload(src string) bool {
	for m := mimetype.Detect([]byte(src)); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func (s SubmitService) failEnqueue(ctx domain.Context, id string, cause error) {
	ev := domain.NewEvent(domain.TopicEvalFailed, id, map[string]any{
		"reason":        domain.ReasonEnqueueError,
		"error_message": fmt.Sprintf("work item enqueue failed: %v", cause),
		"finished_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	_ = s.Bus.Publish(ctx, ev)
}
