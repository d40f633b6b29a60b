// Package board is the inbound command layer: it validates requests and
// sequences the ticket repository, worktree provisioner, supervisor and PRD
// generator the way the UI expects.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dalejefferson/CodingIDE-sub002/internal/fsutil"
	"github.com/dalejefferson/CodingIDE-sub002/internal/prd"
	"github.com/dalejefferson/CodingIDE-sub002/internal/supervisor"
	"github.com/dalejefferson/CodingIDE-sub002/internal/ticket"
	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

const defaultRunsLimit = 50

var (
	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = errors.New("board: invalid request")
	// ErrNoBasePath is returned when a run needs a worktree but the ticket
	// has no base directory to provision one in.
	ErrNoBasePath = errors.New("board: ticket has no worktree base path")
	// ErrConflict is returned when a set-once field already holds a
	// different value.
	ErrConflict = errors.New("board: conflicting value already set")
	// ErrNoRun is returned when the ticket has no tracked run.
	ErrNoRun = errors.New("board: no run for ticket")
	// ErrPRDUnavailable is returned when no PRD generator is configured.
	ErrPRDUnavailable = errors.New("board: prd generation is not configured")
	// ErrNoPRD is returned when approving a ticket without a PRD.
	ErrNoPRD = errors.New("board: ticket has no prd")
	// ErrStartFailed wraps the reason an agent could not be started after a
	// transition into in_progress. The transition itself stands.
	ErrStartFailed = errors.New("board: agent not started")
)

// Provisioner creates worktrees.
type Provisioner interface {
	Provision(ctx context.Context, base string, t protocol.Ticket) (string, error)
}

// Runs is the supervisor surface the board drives.
type Runs interface {
	Execute(t protocol.Ticket) error
	Status(ticketID string) (protocol.RunStatus, bool)
	Output(ticketID string) ([]byte, bool)
	Stop(ctx context.Context, ticketID string) error
	Cleanup(t protocol.Ticket) error
}

// Journal lists finished runs.
type Journal interface {
	List(ctx context.Context, ticketID string, limit int) ([]protocol.RunRecord, error)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithGenerator enables PRD generation.
func WithGenerator(g prd.Generator) Option { return func(s *Service) { s.generator = g } }

// WithJournal enables run history.
func WithJournal(j Journal) Option { return func(s *Service) { s.journal = j } }

// Service serializes commands per ticket and sequences the components.
type Service struct {
	tickets   *ticket.Repository
	worktrees Provisioner
	runs      Runs
	generator prd.Generator
	journal   Journal
	logger    *slog.Logger

	// serial queues commands per ticket id.
	serial *fsutil.Locks
}

// New wires a service.
func New(tickets *ticket.Repository, worktrees Provisioner, runs Runs, opts ...Option) *Service {
	s := &Service{
		tickets:   tickets,
		worktrees: worktrees,
		runs:      runs,
		serial:    fsutil.NewLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "board")
	return s
}

func (s *Service) do(id string, fn func() error) error {
	return s.serial.Do("ticket/"+id, fn)
}

// List returns every ticket, or only those in status when it is set.
func (s *Service) List(status protocol.TicketStatus) ([]protocol.Ticket, error) {
	if status == "" {
		return s.tickets.List(), nil
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	return s.tickets.ListStatus(status), nil
}

// Get returns one ticket.
func (s *Service) Get(id string) (protocol.Ticket, error) {
	t, ok := s.tickets.Get(id)
	if !ok {
		return protocol.Ticket{}, ticket.ErrNotFound
	}
	return t, nil
}

// Create adds a ticket to the backlog.
func (s *Service) Create(req protocol.CreateTicketRequest) (protocol.Ticket, error) {
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return protocol.Ticket{}, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	return s.tickets.Create(req), nil
}

// Update applies a partial edit.
func (s *Service) Update(id string, patch protocol.TicketPatch) (protocol.Ticket, error) {
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return protocol.Ticket{}, fmt.Errorf("%w: title must not be empty", ErrInvalidRequest)
	}
	var out protocol.Ticket
	err := s.do(id, func() error {
		if !s.tickets.Update(id, patch) {
			return ticket.ErrNotFound
		}
		out, _ = s.tickets.Get(id)
		return nil
	})
	return out, err
}

// Delete removes a ticket. A ticket whose agent is still running is
// refused; its worktree is left on disk unless Cleanup ran first.
func (s *Service) Delete(id string) error {
	return s.do(id, func() error {
		if st, ok := s.runs.Status(id); ok && st.Alive {
			return supervisor.ErrRunActive
		}
		if !s.tickets.Delete(id) {
			return ticket.ErrNotFound
		}
		return nil
	})
}

// Transition moves a ticket along one edge of the workflow. Entering
// in_progress starts the agent, provisioning a worktree first when only the
// base path is known. If the agent cannot start the ticket stays in
// in_progress and the returned error wraps ErrStartFailed.
func (s *Service) Transition(ctx context.Context, id string, to protocol.TicketStatus) (protocol.Ticket, error) {
	if !to.Valid() {
		return protocol.Ticket{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, to)
	}
	var out protocol.Ticket
	err := s.do(id, func() error {
		if !s.tickets.Transition(id, to) {
			if _, ok := s.tickets.Get(id); !ok {
				return ticket.ErrNotFound
			}
			return ticket.ErrInvalidTransition
		}
		out, _ = s.tickets.Get(id)
		if to != protocol.StatusInProgress {
			return nil
		}
		t, err := s.startLocked(ctx, out)
		out = t
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStartFailed, err)
		}
		return nil
	})
	return out, err
}

// Reorder places a ticket at index in status. A move into in_progress
// starts the agent exactly like Transition.
func (s *Service) Reorder(ctx context.Context, id string, to protocol.TicketStatus, index int) ([]protocol.Ticket, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, to)
	}
	var all []protocol.Ticket
	err := s.do(id, func() error {
		before, _ := s.tickets.Get(id)
		var err error
		all, err = s.tickets.Reorder(id, to, index)
		if err != nil {
			return err
		}
		if before.Status == to || to != protocol.StatusInProgress {
			return nil
		}
		t, _ := s.tickets.Get(id)
		if _, err := s.startLocked(ctx, t); err != nil {
			return fmt.Errorf("%w: %w", ErrStartFailed, err)
		}
		all = s.tickets.List()
		return nil
	})
	return all, err
}

// SetWorktree records the base directory and provisions the worktree if the
// ticket does not have one yet.
func (s *Service) SetWorktree(ctx context.Context, id, base string) (protocol.Ticket, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return protocol.Ticket{}, fmt.Errorf("%w: base_path is required", ErrInvalidRequest)
	}
	var out protocol.Ticket
	err := s.do(id, func() error {
		t, ok := s.tickets.Get(id)
		if !ok {
			return ticket.ErrNotFound
		}
		if !s.tickets.SetWorktreeBasePath(id, base) {
			return fmt.Errorf("%w: worktree base is %s", ErrConflict, t.WorktreeBasePath)
		}
		t, _ = s.tickets.Get(id)
		t, err := s.ensureWorktreeLocked(ctx, t)
		out = t
		return err
	})
	return out, err
}

// ensureWorktreeLocked provisions and records the worktree when missing.
func (s *Service) ensureWorktreeLocked(ctx context.Context, t protocol.Ticket) (protocol.Ticket, error) {
	if t.WorktreePath != "" {
		return t, nil
	}
	if t.WorktreeBasePath == "" {
		return t, ErrNoBasePath
	}
	path, err := s.worktrees.Provision(ctx, t.WorktreeBasePath, t)
	if err != nil {
		return t, err
	}
	if !s.tickets.SetWorktreePath(t.ID, path) {
		// Deleted or given a worktree behind our back.
		s.logger.Warn("provisioned worktree not recorded", "ticket", t.ID, "path", path)
		return t, fmt.Errorf("%w: worktree path for %s", ErrConflict, t.ID)
	}
	t, _ = s.tickets.Get(t.ID)
	return t, nil
}

func (s *Service) startLocked(ctx context.Context, t protocol.Ticket) (protocol.Ticket, error) {
	t, err := s.ensureWorktreeLocked(ctx, t)
	if err != nil {
		s.logger.Warn("agent not started", "ticket", t.ID, "error", err)
		return t, err
	}
	if err := s.runs.Execute(t); err != nil {
		s.logger.Warn("agent not started", "ticket", t.ID, "error", err)
		return t, err
	}
	return t, nil
}

// Execute starts (or keeps) the agent for a ticket that is in progress.
func (s *Service) Execute(ctx context.Context, id string) (protocol.RunStatus, error) {
	var st protocol.RunStatus
	err := s.do(id, func() error {
		t, ok := s.tickets.Get(id)
		if !ok {
			return ticket.ErrNotFound
		}
		if t.Status != protocol.StatusInProgress {
			return fmt.Errorf("%w: ticket is %s, not in_progress", ErrInvalidRequest, t.Status)
		}
		if _, err := s.startLocked(ctx, t); err != nil {
			return err
		}
		st, _ = s.runs.Status(id)
		return nil
	})
	return st, err
}

// RunStatus returns the ticket's current run.
func (s *Service) RunStatus(id string) (protocol.RunStatus, error) {
	if _, ok := s.tickets.Get(id); !ok {
		return protocol.RunStatus{}, ticket.ErrNotFound
	}
	st, ok := s.runs.Status(id)
	if !ok {
		return protocol.RunStatus{}, ErrNoRun
	}
	return st, nil
}

// Output returns the retained agent output.
func (s *Service) Output(id string) ([]byte, error) {
	if _, ok := s.tickets.Get(id); !ok {
		return nil, ticket.ErrNotFound
	}
	out, ok := s.runs.Output(id)
	if !ok {
		return nil, ErrNoRun
	}
	return out, nil
}

// Stop terminates the ticket's agent. Stopping a ticket with no live run is
// a no-op.
func (s *Service) Stop(ctx context.Context, id string) error {
	if _, ok := s.tickets.Get(id); !ok {
		return ticket.ErrNotFound
	}
	return s.runs.Stop(ctx, id)
}

// Cleanup stops the agent, removes the worktree and clears the recorded
// path so a later run provisions a fresh one.
func (s *Service) Cleanup(ctx context.Context, id string) (protocol.Ticket, error) {
	var out protocol.Ticket
	err := s.do(id, func() error {
		t, ok := s.tickets.Get(id)
		if !ok {
			return ticket.ErrNotFound
		}
		if err := s.runs.Stop(ctx, id); err != nil {
			return err
		}
		if err := s.runs.Cleanup(t); err != nil {
			return err
		}
		s.tickets.ClearWorktree(id)
		out, _ = s.tickets.Get(id)
		return nil
	})
	return out, err
}

// SetPRD stores PRD content written by hand.
func (s *Service) SetPRD(id, content string) (protocol.Ticket, error) {
	if strings.TrimSpace(content) == "" {
		return protocol.Ticket{}, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}
	var out protocol.Ticket
	err := s.do(id, func() error {
		if !s.tickets.SetPRD(id, content) {
			return ticket.ErrNotFound
		}
		out, _ = s.tickets.Get(id)
		return nil
	})
	return out, err
}

// GeneratePRD asks the configured generator for a PRD and stores it
// unapproved.
func (s *Service) GeneratePRD(ctx context.Context, id string) (protocol.Ticket, error) {
	if s.generator == nil {
		return protocol.Ticket{}, ErrPRDUnavailable
	}
	t, ok := s.tickets.Get(id)
	if !ok {
		return protocol.Ticket{}, ticket.ErrNotFound
	}
	// Generation is slow; only the store is serialized.
	content, err := s.generator.Generate(ctx, t)
	if err != nil {
		return protocol.Ticket{}, fmt.Errorf("board: generate prd for %s: %w", id, err)
	}
	s.logger.Info("prd generated", "ticket", id, "provider", s.generator.Name(), "bytes", len(content))
	return s.SetPRD(id, content)
}

// ApprovePRD marks the ticket's PRD approved.
func (s *Service) ApprovePRD(id string) (protocol.Ticket, error) {
	var out protocol.Ticket
	err := s.do(id, func() error {
		t, ok := s.tickets.Get(id)
		if !ok {
			return ticket.ErrNotFound
		}
		if t.PRD == nil || !s.tickets.ApprovePRD(id) {
			return ErrNoPRD
		}
		out, _ = s.tickets.Get(id)
		return nil
	})
	return out, err
}

// Runs lists the ticket's finished runs, newest first.
func (s *Service) Runs(ctx context.Context, id string, limit int) ([]protocol.RunRecord, error) {
	if _, ok := s.tickets.Get(id); !ok {
		return nil, ticket.ErrNotFound
	}
	if s.journal == nil {
		return []protocol.RunRecord{}, nil
	}
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	return s.journal.List(ctx, id, limit)
}
