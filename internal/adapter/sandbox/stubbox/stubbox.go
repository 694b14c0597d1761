// Package stubbox is a sandbox driver that fakes container execution in
// process. The submitted source is read as a script of directives, one per
// line, so tests and the dev profile can exercise every runner outcome
// without a container engine:
//
//	#!stdout:<text>   append a line to stdout
//	#!stderr:<text>   append a line to stderr
//	#!sleep:<secs>    keep running for that long (fractions allowed)
//	#!exit:<code>     finish with the given exit code
//	#!oom             finish as an OOM kill (137, OOMKilled)
//
// Lines without a directive prefix are ignored. A script that names no exit
// finishes with code 0.
package stubbox

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evalbox/evalbox/internal/domain"
)

const directivePrefix = "#!"

// Box spawns stub processes.
type Box struct{}

// New returns a ready Box.
func New() *Box { return &Box{} }

var _ domain.Sandbox = (*Box)(nil)

// Start parses the source script and begins executing it asynchronously.
func (b *Box) Start(ctx domain.Context, spec domain.SandboxSpec) (domain.SandboxProc, error) {
	if spec.EvalID == "" {
		return nil, fmt.Errorf("op=stubbox.Start: %w: empty eval id", domain.ErrInvalidArgument)
	}
	if spec.TimeoutS <= 0 {
		return nil, fmt.Errorf("op=stubbox.Start: %w: timeout_s must be positive", domain.ErrInvalidArgument)
	}

	p := &proc{
		id:     "stub-" + uuid.NewString(),
		stdout: newStreamBuffer(),
		stderr: newStreamBuffer(),
		exited: make(chan struct{}),
		sig:    make(chan string, 2),
		closed: make(chan struct{}),
	}
	go p.run(parseScript(spec.SourceText))
	return p, nil
}

type step struct {
	kind string // stdout, stderr, sleep, exit, oom
	text string
	dur  time.Duration
	code int
}

func parseScript(src string) []step {
	var steps []step
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, directivePrefix)
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(rest, "stdout:"):
			steps = append(steps, step{kind: "stdout", text: strings.TrimPrefix(rest, "stdout:")})
		case strings.HasPrefix(rest, "stderr:"):
			steps = append(steps, step{kind: "stderr", text: strings.TrimPrefix(rest, "stderr:")})
		case strings.HasPrefix(rest, "sleep:"):
			secs, err := strconv.ParseFloat(strings.TrimPrefix(rest, "sleep:"), 64)
			if err != nil || secs < 0 {
				continue
			}
			steps = append(steps, step{kind: "sleep", dur: time.Duration(secs * float64(time.Second))})
		case strings.HasPrefix(rest, "exit:"):
			code, err := strconv.Atoi(strings.TrimPrefix(rest, "exit:"))
			if err != nil {
				continue
			}
			steps = append(steps, step{kind: "exit", code: code})
		case rest == "oom":
			steps = append(steps, step{kind: "oom"})
		}
	}
	return steps
}

type proc struct {
	id        string
	stdout    *streamBuffer
	stderr    *streamBuffer
	sig       chan string
	closed    chan struct{}
	closeOnce sync.Once

	exited chan struct{}
	status domain.ExitStatus
}

func (p *proc) run(steps []step) {
	status := domain.ExitStatus{Code: 0}

loop:
	for _, st := range steps {
		switch st.kind {
		case "stdout":
			p.stdout.WriteString(st.text + "\n")
		case "stderr":
			p.stderr.WriteString(st.text + "\n")
		case "sleep":
			timer := time.NewTimer(st.dur)
			select {
			case <-timer.C:
			case s := <-p.sig:
				timer.Stop()
				status = signalStatus(s)
				break loop
			case <-p.closed:
				timer.Stop()
				status = domain.ExitStatus{Code: 137}
				break loop
			}
		case "exit":
			status = domain.ExitStatus{Code: st.code}
			break loop
		case "oom":
			status = domain.ExitStatus{Code: 137, OOMKilled: true}
			break loop
		}
	}

	// A signal that raced the final step still decides the outcome the way
	// a real container would report it.
	select {
	case s := <-p.sig:
		if status.Code == 0 && !status.OOMKilled {
			status = signalStatus(s)
		}
	default:
	}

	p.status = status
	p.stdout.CloseWrite()
	p.stderr.CloseWrite()
	close(p.exited)
}

func signalStatus(sig string) domain.ExitStatus {
	if sig == "SIGKILL" {
		return domain.ExitStatus{Code: 137}
	}
	return domain.ExitStatus{Code: 143}
}

func (p *proc) ContainerID() string { return p.id }

func (p *proc) Stdout() io.Reader { return p.stdout }

func (p *proc) Stderr() io.Reader { return p.stderr }

func (p *proc) Wait(ctx domain.Context) (domain.ExitStatus, error) {
	select {
	case <-p.exited:
		return p.status, nil
	case <-ctx.Done():
		return domain.ExitStatus{}, ctx.Err()
	}
}

func (p *proc) Signal(ctx domain.Context, sig string) error {
	if sig == "" {
		return fmt.Errorf("op=stubbox.Signal: %w: empty signal", domain.ErrInvalidArgument)
	}
	select {
	case p.sig <- sig:
	default:
	}
	return nil
}

func (p *proc) Close(ctx domain.Context) error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
