// Package ports arbitrates TCP ports between concurrent ticket runs.
package ports

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
)

var (
	// ErrExhausted is returned when no free port was found in the scanned range.
	ErrExhausted = errors.New("ports: no free port in range")
	// ErrOwned is returned when registering a port held by another owner.
	ErrOwned = errors.New("ports: port owned by another owner")
)

// Prober reports whether a port can be bound right now.
type Prober func(port int) bool

// ListenProbe binds 127.0.0.1:port and releases it immediately.
func ListenProbe(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Registry maps port → owner id. Only the recorded owner may release a port.
type Registry struct {
	mu     sync.Mutex
	owners map[int]string
	probe  Prober
	logger *slog.Logger
}

// New creates an empty registry. A nil probe uses ListenProbe.
func New(probe Prober, logger *slog.Logger) *Registry {
	if probe == nil {
		probe = ListenProbe
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		owners: make(map[int]string),
		probe:  probe,
		logger: logger,
	}
}

// FindAvailable scans base, base+1, ... for at most maxAttempts ports and
// returns the first one that is neither registered nor bound by anyone else.
func (r *Registry) FindAvailable(base, maxAttempts int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(base, maxAttempts)
}

func (r *Registry) findLocked(base, maxAttempts int) (int, error) {
	for i := 0; i < maxAttempts; i++ {
		port := base + i
		if port <= 0 || port > 65535 {
			break
		}
		if _, taken := r.owners[port]; taken {
			continue
		}
		if r.probe(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: %d..%d", ErrExhausted, base, base+maxAttempts-1)
}

// Register records owner for port. Registering a port the owner already
// holds is a no-op.
func (r *Registry) Register(owner string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.owners[port]; ok && cur != owner {
		return fmt.Errorf("%w: %d held by %s", ErrOwned, port, cur)
	}
	r.owners[port] = owner
	r.logger.Debug("port registered", "port", port, "owner", owner)
	return nil
}

// Reserve finds a free port and registers it for owner in one step, so two
// owners scanning at once never receive the same port.
func (r *Registry) Reserve(owner string, base, maxAttempts int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	port, err := r.findLocked(base, maxAttempts)
	if err != nil {
		return 0, err
	}
	r.owners[port] = owner
	r.logger.Debug("port reserved", "port", port, "owner", owner)
	return port, nil
}

// Unregister releases port if owner holds it. Anyone else is ignored.
func (r *Registry) Unregister(owner string, port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.owners[port]; !ok || cur != owner {
		return false
	}
	delete(r.owners, port)
	r.logger.Debug("port released", "port", port, "owner", owner)
	return true
}

// UnregisterAll releases every port held by owner and returns how many.
func (r *Registry) UnregisterAll(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for port, cur := range r.owners {
		if cur == owner {
			delete(r.owners, port)
			n++
		}
	}
	return n
}

// OwnerOf returns the owner of port.
func (r *Registry) OwnerOf(port int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[port]
	return owner, ok
}

// PortsOf returns the ports held by owner, ascending.
func (r *Registry) PortsOf(owner string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for port, cur := range r.owners {
		if cur == owner {
			out = append(out, port)
		}
	}
	sort.Ints(out)
	return out
}
