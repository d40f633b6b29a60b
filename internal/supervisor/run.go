package supervisor

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

// maxLine caps the partial line kept for marker detection.
const maxLine = 64 << 10

type run struct {
	id       string
	ticketID string
	dir      string
	cmd      *exec.Cmd
	pid      int
	port     int
	ring     *Ring
	detector Detector
	await    bool
	now      func() time.Time
	done     chan struct{}

	mu            sync.Mutex
	phase         protocol.RunPhase
	alive         bool
	iterations    int
	lastOutputAt  time.Time
	sentinelSeen  bool
	exitCode      int
	err           string
	startedAt     time.Time
	endedAt       time.Time
	stopRequested bool
	killTimer     *time.Timer
	partial       []byte
}

func (r *run) isAlive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

func (r *run) snapshot() protocol.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *run) snapshotLocked() protocol.RunStatus {
	return protocol.RunStatus{
		TicketID:       r.ticketID,
		RunID:          r.id,
		Phase:          r.phase,
		Alive:          r.alive,
		IterationCount: r.iterations,
		LastOutputAt:   r.lastOutputAt,
		SentinelSeen:   r.sentinelSeen,
		PID:            r.pid,
		Port:           r.port,
		ExitCode:       r.exitCode,
		Error:          r.err,
		StartedAt:      r.startedAt,
		EndedAt:        r.endedAt,
	}
}

// observeLocked feeds one complete line to the detector.
func (r *run) observeLocked(line string) {
	if n, ok := r.detector.Iterations(line, r.iterations); ok {
		r.iterations = n
	}
	ev, ok := r.detector.Detect(line)
	if !ok {
		return
	}
	switch ev.Kind {
	case EventComplete:
		r.sentinelSeen = true
	case EventReady:
		if r.phase == protocol.PhaseSpawning {
			r.phase = protocol.PhaseRunning
		}
	}
}

// flushLineLocked treats a trailing unterminated line as complete.
func (r *run) flushLineLocked() {
	if len(r.partial) > 0 {
		r.observeLocked(string(r.partial))
		r.partial = nil
	}
}

// outputWriter receives the agent's stdout and stderr.
type outputWriter struct {
	run *run
}

func (w *outputWriter) Write(p []byte) (int, error) {
	r := w.run
	r.ring.Write(p)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(p) > 0 {
		r.lastOutputAt = r.now()
		if r.phase == protocol.PhaseSpawning && r.detector.ReadyPattern == nil {
			r.phase = protocol.PhaseRunning
		}
	}
	r.partial = append(r.partial, p...)
	for {
		i := bytes.IndexByte(r.partial, '\n')
		if i < 0 {
			break
		}
		r.observeLocked(string(r.partial[:i]))
		r.partial = r.partial[i+1:]
	}
	if len(r.partial) > maxLine {
		r.observeLocked(string(r.partial))
		r.partial = nil
	}
	// Release the backing array once drained.
	if len(r.partial) == 0 {
		r.partial = nil
	}
	return len(p), nil
}

// AgentInput is what the agent reads on stdin: the approved PRD when there
// is one, otherwise a prompt assembled from the ticket.
func AgentInput(t protocol.Ticket) string {
	if t.PRD != nil && t.PRD.Approved && strings.TrimSpace(t.PRD.Content) != "" {
		return t.PRD.Content
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance criteria\n\n")
		for _, c := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}
