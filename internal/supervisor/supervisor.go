// Package supervisor runs at most one external coding agent per ticket and
// owns its lifecycle: spawn, output capture, completion detection, graceful
// stop with escalation, and worktree cleanup.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dalejefferson/CodingIDE-sub002/internal/ports"
	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

const (
	DefaultGracePeriod  = 2 * time.Second
	DefaultBufferSize   = 256 << 10
	DefaultPortBase     = 8081
	DefaultPortAttempts = 20

	// waitDelay bounds how long Wait keeps draining output after the agent
	// exits while an orphaned grandchild still holds the pipe.
	waitDelay = 2 * time.Second
)

var (
	// ErrNoWorktree is returned when a ticket has no provisioned worktree.
	ErrNoWorktree = errors.New("supervisor: ticket has no worktree")
	// ErrRunActive is returned when cleanup is attempted on a live run.
	ErrRunActive = errors.New("supervisor: run still active")
	// ErrUnsafePath is returned when a worktree path fails the removal checks.
	ErrUnsafePath = errors.New("supervisor: refusing to remove path")
)

// Config describes how agents are launched.
type Config struct {
	Command string
	Args    []string
	// Env is appended to the daemon's environment.
	Env []string

	Sentinel         string
	IterationPattern string
	ReadyPattern     string
	// AwaitReadiness keeps a run in spawning until its first output (or the
	// ReadyPattern) is seen. Otherwise a run is running once spawned.
	AwaitReadiness bool

	GracePeriod  time.Duration
	BufferSize   int
	PortBase     int
	PortAttempts int
}

// Recorder journals finished runs.
type Recorder interface {
	Record(ctx context.Context, rec protocol.RunRecord) error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// WithPorts reserves a port per run from reg.
func WithPorts(reg *ports.Registry) Option { return func(s *Supervisor) { s.ports = reg } }

// WithRecorder journals every finished run.
func WithRecorder(r Recorder) Option { return func(s *Supervisor) { s.recorder = r } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }

// Supervisor tracks one run per ticket.
type Supervisor struct {
	cfg      Config
	detector Detector
	ports    *ports.Registry
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

// New validates cfg and returns a supervisor.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if cfg.Command == "" {
		return nil, errors.New("supervisor: agent command is required")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PortBase <= 0 {
		cfg.PortBase = DefaultPortBase
	}
	if cfg.PortAttempts <= 0 {
		cfg.PortAttempts = DefaultPortAttempts
	}
	d, err := NewDetector(cfg.Sentinel, cfg.IterationPattern, cfg.ReadyPattern)
	if err != nil {
		return nil, fmt.Errorf("supervisor: output patterns: %w", err)
	}
	s := &Supervisor{
		cfg:      cfg,
		detector: d,
		now:      time.Now,
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "supervisor")
	return s, nil
}

// GracePeriod is the delay between SIGTERM and SIGKILL.
func (s *Supervisor) GracePeriod() time.Duration { return s.cfg.GracePeriod }

// Execute spawns the agent for t in its worktree. A ticket whose run is still
// alive is left alone: the call logs a warning and returns nil.
func (s *Supervisor) Execute(t protocol.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.logger.With("ticket", t.ID)
	if cur, ok := s.runs[t.ID]; ok && cur.isAlive() {
		logger.Warn("execute ignored: run already active", "run", cur.id, "pid", cur.pid)
		return nil
	}
	if t.WorktreePath == "" {
		return ErrNoWorktree
	}
	if info, err := os.Stat(t.WorktreePath); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrNoWorktree, t.WorktreePath)
	}

	r := &run{
		id:        uuid.NewString(),
		ticketID:  t.ID,
		dir:       t.WorktreePath,
		ring:      NewRing(s.cfg.BufferSize),
		detector:  s.detector,
		await:     s.cfg.AwaitReadiness,
		now:       s.now,
		done:      make(chan struct{}),
		phase:     protocol.PhaseSpawning,
		startedAt: s.now(),
	}

	if s.ports != nil {
		port, err := s.ports.Reserve(t.ID, s.cfg.PortBase, s.cfg.PortAttempts)
		if err != nil {
			return fmt.Errorf("supervisor: execute %s: %w", t.ID, err)
		}
		r.port = port
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = t.WorktreePath
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"TICKET_ID="+t.ID,
		"WORKTREE_PATH="+t.WorktreePath,
	)
	if r.port != 0 {
		cmd.Env = append(cmd.Env, "PORT="+strconv.Itoa(r.port))
	}
	cmd.Stdin = strings.NewReader(AgentInput(t))
	w := &outputWriter{run: r}
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.WaitDelay = waitDelay
	detach(cmd)

	if err := cmd.Start(); err != nil {
		r.phase = protocol.PhaseFailed
		r.err = err.Error()
		r.endedAt = s.now()
		close(r.done)
		s.releasePort(r)
		s.runs[t.ID] = r
		logger.Error("agent spawn failed", "command", s.cfg.Command, "error", err)
		s.record(r.snapshot())
		return fmt.Errorf("supervisor: spawn %s: %w", s.cfg.Command, err)
	}

	r.cmd = cmd
	r.pid = cmd.Process.Pid
	r.alive = true
	if !r.await {
		r.phase = protocol.PhaseRunning
	}
	s.runs[t.ID] = r
	logger.Info("agent started", "run", r.id, "pid", r.pid, "port", r.port, "dir", r.dir)

	go s.wait(r)
	return nil
}

// wait reaps the process and settles the run's final phase.
func (s *Supervisor) wait(r *run) {
	err := r.cmd.Wait()

	r.mu.Lock()
	r.flushLineLocked()
	r.alive = false
	r.endedAt = s.now()
	if r.killTimer != nil {
		r.killTimer.Stop()
	}
	r.exitCode = -1
	if st := r.cmd.ProcessState; st != nil {
		r.exitCode = st.ExitCode()
	}
	switch {
	case r.stopRequested:
		r.phase = protocol.PhaseStopped
	case r.exitCode != 0:
		r.phase = protocol.PhaseFailed
		if err != nil {
			r.err = err.Error()
		}
	case !r.sentinelSeen:
		r.phase = protocol.PhaseFailed
		r.err = "agent exited without completion sentinel"
	default:
		r.phase = protocol.PhaseSucceeded
	}
	final := r.snapshotLocked()
	r.mu.Unlock()

	s.releasePort(r)

	logger := s.logger.With("ticket", r.ticketID, "run", r.id)
	switch final.Phase {
	case protocol.PhaseSucceeded:
		logger.Info("agent finished", "exit", final.ExitCode, "iterations", final.IterationCount)
	case protocol.PhaseStopped:
		logger.Info("agent stopped", "exit", final.ExitCode)
	default:
		logger.Warn("agent failed", "exit", final.ExitCode, "error", final.Error)
	}
	// Journal before done closes so Stop and StopAll return with the run on disk.
	s.record(final)
	close(r.done)
}

func (s *Supervisor) releasePort(r *run) {
	if s.ports != nil && r.port != 0 {
		s.ports.Unregister(r.ticketID, r.port)
	}
}

func (s *Supervisor) record(st protocol.RunStatus) {
	if s.recorder == nil {
		return
	}
	rec := protocol.RunRecord{
		ID:             st.RunID,
		TicketID:       st.TicketID,
		Phase:          st.Phase,
		ExitCode:       st.ExitCode,
		IterationCount: st.IterationCount,
		Port:           st.Port,
		Error:          st.Error,
		StartedAt:      st.StartedAt,
		EndedAt:        st.EndedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.Record(ctx, rec); err != nil {
		s.logger.Error("run journal write failed", "ticket", st.TicketID, "run", st.RunID, "error", err)
	}
}

// Status returns the current run state without blocking on the process.
func (s *Supervisor) Status(ticketID string) (protocol.RunStatus, bool) {
	s.mu.Lock()
	r, ok := s.runs[ticketID]
	s.mu.Unlock()
	if !ok {
		return protocol.RunStatus{}, false
	}
	return r.snapshot(), true
}

// Statuses returns every tracked run, ordered by ticket id.
func (s *Supervisor) Statuses() []protocol.RunStatus {
	s.mu.Lock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	out := make([]protocol.RunStatus, len(runs))
	for i, r := range runs {
		out[i] = r.snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TicketID < out[j].TicketID })
	return out
}

// Output returns the retained tail of the run's output.
func (s *Supervisor) Output(ticketID string) ([]byte, bool) {
	s.mu.Lock()
	r, ok := s.runs[ticketID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.ring.Bytes(), true
}

// Release forgets a finished run once its final status has been consumed.
// runID guards against releasing a newer run of the same ticket.
func (s *Supervisor) Release(ticketID, runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[ticketID]
	if !ok || r.id != runID || r.isAlive() {
		return false
	}
	delete(s.runs, ticketID)
	return true
}

// Stop sends SIGTERM to the run's process group and SIGKILL after the grace
// period if it is still alive. It returns once the process has exited or ctx
// is done. Without a live run it does nothing.
func (s *Supervisor) Stop(ctx context.Context, ticketID string) error {
	s.mu.Lock()
	r, ok := s.runs[ticketID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	if !r.alive {
		r.mu.Unlock()
		return nil
	}
	if !r.stopRequested {
		r.stopRequested = true
		logger := s.logger.With("ticket", ticketID, "run", r.id, "pid", r.pid)
		if err := terminate(r.pid); err != nil {
			r.stopRequested = false
			r.mu.Unlock()
			logger.Error("stop failed", "error", err)
			return err
		}
		pid := r.pid
		r.killTimer = time.AfterFunc(s.cfg.GracePeriod, func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if !r.alive {
				return
			}
			logger.Warn("agent ignored SIGTERM, killing process group", "grace", s.cfg.GracePeriod)
			if err := forceKill(pid); err != nil {
				logger.Error("force kill failed", "error", err)
			}
		})
		logger.Info("stopping agent", "grace", s.cfg.GracePeriod)
	}
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: stop %s: %w", ticketID, ctx.Err())
	}
}

// StopAll stops every live run concurrently. Each stop is attempted even if
// others fail.
func (s *Supervisor) StopAll(ctx context.Context) error {
	var ids []string
	s.mu.Lock()
	for id, r := range s.runs {
		if r.isAlive() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	if len(ids) > 0 {
		s.logger.Info("stopping all agents", "count", len(ids))
	}
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Stop(ctx, id)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Cleanup removes the ticket's worktree and forgets its run. Callers stop the
// run first; a live run is refused.
func (s *Supervisor) Cleanup(t protocol.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, tracked := s.runs[t.ID]
	if tracked && r.isAlive() {
		return ErrRunActive
	}
	if t.WorktreePath != "" {
		if err := checkRemovable(t.WorktreePath, t.WorktreeBasePath); err != nil {
			return err
		}
		if err := os.RemoveAll(t.WorktreePath); err != nil {
			return fmt.Errorf("supervisor: cleanup %s: %w", t.ID, err)
		}
		s.logger.Info("worktree removed", "ticket", t.ID, "path", t.WorktreePath)
	}
	if tracked {
		r.mu.Lock()
		r.phase = protocol.PhaseCleaned
		r.mu.Unlock()
		delete(s.runs, t.ID)
	}
	return nil
}

// checkRemovable refuses relative paths, filesystem roots, the base itself
// and anything outside base.
func checkRemovable(path, base string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: %q is not absolute", ErrUnsafePath, path)
	}
	clean := filepath.Clean(path)
	if clean == filepath.Dir(clean) {
		return fmt.Errorf("%w: %q is a filesystem root", ErrUnsafePath, path)
	}
	if home, err := os.UserHomeDir(); err == nil && clean == filepath.Clean(home) {
		return fmt.Errorf("%w: %q is the home directory", ErrUnsafePath, path)
	}
	if base == "" {
		return nil
	}
	rel, err := filepath.Rel(filepath.Clean(base), clean)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q is not inside %q", ErrUnsafePath, path, base)
	}
	return nil
}
