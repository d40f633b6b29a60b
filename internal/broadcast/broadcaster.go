package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dalejefferson/CodingIDE-sub002/internal/probe"
	"github.com/dalejefferson/CodingIDE-sub002/internal/scheduler"
	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

// DefaultInterval is how often the broadcaster polls runs.
const DefaultInterval = 3 * time.Second

// Runs is the slice of the supervisor the broadcaster reads.
type Runs interface {
	Statuses() []protocol.RunStatus
	Release(ticketID, runID string) bool
}

// Prober counts live agent processes per owner.
type Prober interface {
	Scan(ctx context.Context, roots []probe.Root) (map[string]int, error)
}

// Tickets is the slice of the repository the broadcaster drives. Transition
// is the same validated entry point user requests go through.
type Tickets interface {
	Get(id string) (protocol.Ticket, bool)
	Transition(id string, to protocol.TicketStatus) bool
}

// Publisher receives merged run status events.
type Publisher interface {
	Publish(protocol.Event)
}

// Config tunes the broadcaster.
type Config struct {
	Interval      time.Duration
	IdleThreshold time.Duration
}

// Broadcaster merges supervisor status with process-table liveness, pushes
// changes to observers, and advances completed tickets to in_testing.
type Broadcaster struct {
	runs    Runs
	probe   Prober
	tickets Tickets
	pub     Publisher
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger

	mu   sync.Mutex
	last map[string]published
}

type published struct {
	runID      string
	phase      protocol.RunPhase
	alive      bool
	iterations int
	activity   protocol.Activity
}

// New wires a broadcaster. probe may be nil, in which case activity is
// derived from output recency alone.
func New(runs Runs, prober Prober, tickets Tickets, pub Publisher, cfg Config, logger *slog.Logger) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = probe.DefaultIdleThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		runs:    runs,
		probe:   prober,
		tickets: tickets,
		pub:     pub,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With("component", "broadcaster"),
		last:    make(map[string]published),
	}
}

// Register schedules Tick on s.
func (b *Broadcaster) Register(s *scheduler.Scheduler) error {
	return s.Every("status-broadcast", b.cfg.Interval, func(ctx context.Context) { b.Tick(ctx) })
}

// Tick runs one reconciliation cycle. A failure inside a cycle is logged and
// does not affect later cycles.
func (b *Broadcaster) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("broadcast tick panicked", "panic", r)
		}
	}()

	statuses := b.runs.Statuses()
	counts, scanned := b.scan(ctx, statuses)
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		seen[st.TicketID] = true
		st = b.merge(st, counts, scanned, now)

		key := published{
			runID:      st.RunID,
			phase:      st.Phase,
			alive:      st.Alive,
			iterations: st.IterationCount,
			activity:   st.Activity,
		}
		if prev, ok := b.last[st.TicketID]; !ok || prev != key {
			b.last[st.TicketID] = key
			run := st
			b.pub.Publish(protocol.Event{Type: protocol.EventRunStatusChanged, TicketID: st.TicketID, Time: now, Run: &run})
		}

		if st.Alive || !st.Phase.Terminal() {
			continue
		}
		if st.Completed() {
			b.advance(st)
		}
		if b.runs.Release(st.TicketID, st.RunID) {
			delete(b.last, st.TicketID)
		}
	}
	for id := range b.last {
		if !seen[id] {
			delete(b.last, id)
		}
	}
}

func (b *Broadcaster) scan(ctx context.Context, statuses []protocol.RunStatus) (map[string]int, bool) {
	if b.probe == nil {
		return nil, false
	}
	var roots []probe.Root
	for _, st := range statuses {
		if st.Alive && st.PID > 0 {
			roots = append(roots, probe.Root{PID: st.PID, Owner: st.TicketID})
		}
	}
	if len(roots) == 0 {
		return map[string]int{}, true
	}
	counts, err := b.probe.Scan(ctx, roots)
	if err != nil {
		b.logger.Warn("process scan failed", "error", err)
		return nil, false
	}
	return counts, true
}

func (b *Broadcaster) merge(st protocol.RunStatus, counts map[string]int, scanned bool, now time.Time) protocol.RunStatus {
	switch {
	case !st.Alive:
		st.Activity = protocol.ActivityAbsent
	case scanned:
		st.AgentCount = counts[st.TicketID]
		st.Activity = probe.Classify(st.AgentCount, st.LastOutputAt, now, b.cfg.IdleThreshold)
	case b.probe == nil:
		// No process table: trust the supervisor that the agent is there.
		st.Activity = probe.Classify(1, st.LastOutputAt, now, b.cfg.IdleThreshold)
	default:
		st.Activity = protocol.ActivityUnknown
	}
	return st
}

// advance moves a completed ticket from in_progress to in_testing.
func (b *Broadcaster) advance(st protocol.RunStatus) {
	t, ok := b.tickets.Get(st.TicketID)
	if !ok {
		b.logger.Warn("completed run for unknown ticket", "ticket", st.TicketID, "run", st.RunID)
		return
	}
	if t.Status != protocol.StatusInProgress {
		b.logger.Info("completed run left ticket alone", "ticket", t.ID, "status", t.Status)
		return
	}
	if !b.tickets.Transition(t.ID, protocol.StatusInTesting) {
		b.logger.Warn("auto-transition to in_testing rejected", "ticket", t.ID)
		return
	}
	b.logger.Info("ticket completed by agent", "ticket", t.ID, "run", st.RunID, "iterations", st.IterationCount)
}
