package supervisor

import "sync"

// Ring keeps the most recent size bytes written to it. Older bytes are
// dropped silently.
type Ring struct {
	mu    sync.Mutex
	buf   []byte
	size  int
	pos   int
	full  bool
	total int64
}

// NewRing returns a ring holding up to size bytes.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{buf: make([]byte, size), size: size}
}

// Write never fails.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	r.total += int64(n)
	if n >= r.size {
		copy(r.buf, p[n-r.size:])
		r.pos = 0
		r.full = true
		return n, nil
	}
	k := copy(r.buf[r.pos:], p)
	if k < n {
		copy(r.buf, p[k:])
		r.full = true
	}
	r.pos = (r.pos + n) % r.size
	if r.pos == 0 && n > 0 {
		r.full = true
	}
	return n, nil
}

// Bytes returns the retained content, oldest first.
func (r *Ring) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]byte(nil), r.buf[:r.pos]...)
	}
	out := make([]byte, 0, r.size)
	out = append(out, r.buf[r.pos:]...)
	return append(out, r.buf[:r.pos]...)
}

// Len is the number of bytes currently retained.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return r.size
	}
	return r.pos
}

// Total is the number of bytes ever written.
func (r *Ring) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
