package runner

import (
	"bytes"
	"io"
	"sync"
)

// captureSet buffers stdout and stderr under one shared byte budget. Writes
// past the budget are counted but dropped; the sinks keep accepting bytes so
// the container's streams drain to EOF instead of blocking on a full pipe.
type captureSet struct {
	mu        sync.Mutex
	remaining int
	dropped   int64
	stdout    bytes.Buffer
	stderr    bytes.Buffer
}

func newCaptureSet(budget int) *captureSet {
	return &captureSet{remaining: budget}
}

func (c *captureSet) stdoutSink() io.Writer { return &captureSink{set: c, buf: &c.stdout} }
func (c *captureSet) stderrSink() io.Writer { return &captureSink{set: c, buf: &c.stderr} }

// snapshot returns copies of both streams and whether output was dropped.
func (c *captureSet) snapshot() (stdout, stderr string, truncated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout.String(), c.stderr.String(), c.dropped > 0
}

type captureSink struct {
	set *captureSet
	buf *bytes.Buffer
}

func (s *captureSink) Write(p []byte) (int, error) {
	s.set.mu.Lock()
	defer s.set.mu.Unlock()
	take := len(p)
	if take > s.set.remaining {
		take = s.set.remaining
	}
	if take > 0 {
		s.buf.Write(p[:take])
		s.set.remaining -= take
	}
	s.set.dropped += int64(len(p) - take)
	return len(p), nil
}
