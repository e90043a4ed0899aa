package logsink

import "sync"

// ring keeps the most recent lines in a fixed circular buffer.
type ring struct {
	mu    sync.RWMutex
	buf   []string
	start int
	n     int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = DefaultBufferLines
	}
	return &ring{buf: make([]string, size)}
}

func (r *ring) push(line string) {
	r.mu.Lock()
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = line
		r.n++
	} else {
		r.buf[r.start] = line
		r.start = (r.start + 1) % len(r.buf)
	}
	r.mu.Unlock()
}

// last returns up to n lines, oldest first. n <= 0 returns everything held.
func (r *ring) last(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.n {
		n = r.n
	}
	out := make([]string, n)
	first := r.start + r.n - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(first+i)%len(r.buf)]
	}
	return out
}
