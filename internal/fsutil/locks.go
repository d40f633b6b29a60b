package fsutil

import (
	"os"
	"path/filepath"
	"sync"
)

// Locks serializes writers per absolute path. Each caller waits for the
// previous caller on the same path to finish, in arrival order. A failing
// or panicking writer still releases its successor.
//
// Construct one per process and pass it to every component that writes
// files; the zero value is ready to use.
type Locks struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{tails: make(map[string]chan struct{})}
}

// Do runs fn once every earlier Do on the same path has returned.
func (l *Locks) Do(path string, fn func() error) error {
	key := Key(path)
	done := make(chan struct{})

	l.mu.Lock()
	if l.tails == nil {
		l.tails = make(map[string]chan struct{})
	}
	prev := l.tails[key]
	l.tails[key] = done
	l.mu.Unlock()

	if prev != nil {
		<-prev
	}

	defer func() {
		l.mu.Lock()
		if l.tails[key] == done {
			delete(l.tails, key)
		}
		l.mu.Unlock()
		close(done)
	}()
	return fn()
}

// WriteFile writes data atomically under the path's lock.
func (l *Locks) WriteFile(path string, data []byte, perm os.FileMode) error {
	return l.Do(path, func() error {
		return WriteFileAtomic(path, data, perm)
	})
}

// Pending returns the number of paths with a writer in flight.
func (l *Locks) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tails)
}

// Key normalizes path to the absolute form used as the queue key.
func Key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
