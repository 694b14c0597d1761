package stubbox

import (
	"bytes"
	"io"
	"sync"
)

// streamBuffer is an io.Reader fed by the stub process. Reads block while
// the stream is open and empty, and return io.EOF once the writer side is
// closed and the buffer drained, mirroring how an attached container stream
// behaves.
type streamBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newStreamBuffer() *streamBuffer {
	sb := &streamBuffer{}
	sb.cond = sync.NewCond(&sb.mu)
	return sb
}

func (sb *streamBuffer) WriteString(s string) {
	sb.mu.Lock()
	sb.buf.WriteString(s)
	sb.mu.Unlock()
	sb.cond.Broadcast()
}

func (sb *streamBuffer) CloseWrite() {
	sb.mu.Lock()
	sb.closed = true
	sb.mu.Unlock()
	sb.cond.Broadcast()
}

func (sb *streamBuffer) Read(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for sb.buf.Len() == 0 && !sb.closed {
		sb.cond.Wait()
	}
	if sb.buf.Len() == 0 {
		return 0, io.EOF
	}
	return sb.buf.Read(p)
}
