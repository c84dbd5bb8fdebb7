package claude

import "sync"

// stderrRing keeps the most recent max bytes written to it. The handler
// points the process stderr at one of these so crash diagnostics survive
// without unbounded growth.
type stderrRing struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newStderrRing(max int) *stderrRing {
	if max <= 0 {
		max = 64 * 1024
	}
	return &stderrRing{max: max}
}

// Write implements io.Writer. Older bytes are discarded once the ring
// exceeds its capacity.
func (r *stderrRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p) >= r.max {
		r.buf = append(r.buf[:0], p[len(p)-r.max:]...)
		return len(p), nil
	}

	r.buf = append(r.buf, p...)
	if over := len(r.buf) - r.max; over > 0 {
		copy(r.buf, r.buf[over:])
		r.buf = r.buf[:r.max]
	}
	return len(p), nil
}

// String returns the buffered bytes, oldest first.
func (r *stderrRing) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}

func (r *stderrRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
