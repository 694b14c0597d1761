package runner

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/evalbox/evalbox/internal/domain"
)

// The slot is the runner's whole admission story: one execution at a time,
// transitions idle -> spawning -> running -> idle, all under one mutex.

type slotState int

const (
	slotIdle slotState = iota
	slotSpawning
	slotRunning
)

type admitVerdict int

const (
	admitNew admitVerdict = iota
	admitDuplicate
	admitBusy
)

// execution is the state of one accepted id, from admission to release.
// Mutable fields are written under the slot mutex; the flags are atomics
// because the kill handler, the timeout timer, and the supervisor race on
// them.
type execution struct {
	id          string
	containerID string
	startedAt   time.Time
	timeoutS    int
	capture     *captureSet
	proc        domain.SandboxProc

	cancelRequested atomic.Bool
	timedOut        atomic.Bool
	killEscalated   atomic.Bool

	// exited closes when Wait has returned; the kill escalation timer
	// checks it before sending SIGKILL.
	exited chan struct{}
}

type slot struct {
	mu    sync.Mutex
	state slotState
	exec  *execution
}

// admit reserves the slot for id, detects a duplicate delivery of the held
// id, or reports busy. On admitNew the slot is left in spawning.
func (s *slot) admit(id string) (admitVerdict, *execution) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == slotIdle:
		s.state = slotSpawning
		s.exec = &execution{id: id, exited: make(chan struct{})}
		return admitNew, s.exec
	case s.exec != nil && s.exec.id == id:
		return admitDuplicate, s.exec
	default:
		return admitBusy, nil
	}
}

// markRunning publishes the spawn result into the execution and moves the
// slot to running.
func (s *slot) markRunning(exec *execution, proc domain.SandboxProc, startedAt time.Time, timeoutS int, capture *captureSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec.proc = proc
	exec.containerID = proc.ContainerID()
	exec.startedAt = startedAt
	exec.timeoutS = timeoutS
	exec.capture = capture
	s.state = slotRunning
}

// abort returns a spawning slot to idle after a failed spawn.
func (s *slot) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = slotIdle
	s.exec = nil
}

// release frees the slot once the terminal event for the held id is settled.
func (s *slot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = slotIdle
	s.exec = nil
}

// currentFor returns the held execution when it matches id. Callers may
// only touch the atomic flags through the returned pointer; the other
// fields belong to the mutex and are exposed via viewFor.
func (s *slot) currentFor(id string) *execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != slotIdle && s.exec != nil && s.exec.id == id {
		return s.exec
	}
	return nil
}

// slotView is a copy of the locked execution fields for readers outside the
// mutex. capture and proc are themselves safe for concurrent use.
type slotView struct {
	id          string
	containerID string
	startedAt   time.Time
	timeoutS    int
	capture     *captureSet
	proc        domain.SandboxProc
	running     bool
}

func (s *slot) viewFor(id string) (slotView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == slotIdle || s.exec == nil || s.exec.id != id {
		return slotView{}, false
	}
	e := s.exec
	return slotView{
		id:          e.id,
		containerID: e.containerID,
		startedAt:   e.startedAt,
		timeoutS:    e.timeoutS,
		capture:     e.capture,
		proc:        e.proc,
		running:     s.state == slotRunning,
	}, true
}

// holding reports whether any id occupies the slot.
func (s *slot) holding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != slotIdle
}

// runningEntry snapshots the held slot for GET /running.
func (s *slot) runningEntry() (domain.RunningEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != slotRunning || s.exec == nil {
		return domain.RunningEntry{}, false
	}
	return domain.RunningEntry{
		ID:        s.exec.id,
		StartedAt: s.exec.startedAt,
		TimeoutS:  s.exec.timeoutS,
	}, true
}
