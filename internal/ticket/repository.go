// Package ticket is the persisted ticket store and Kanban state machine.
package ticket

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dalejefferson/CodingIDE-sub002/internal/fsutil"
	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

// DefaultQuietPeriod is how long the repository waits after the last
// mutation before writing the document.
const DefaultQuietPeriod = 500 * time.Millisecond

var (
	// ErrNotFound is returned when no ticket has the requested id.
	ErrNotFound = errors.New("ticket not found")
	// ErrInvalidTransition is returned when a move is not an edge of the
	// state machine (or is blocked by the PRD approval gate).
	ErrInvalidTransition = errors.New("invalid transition")
)

// Listener receives change notifications after the mutation is applied.
type Listener func(protocol.Event)

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// WithQuietPeriod sets the debounce delay between the last mutation and
// the document write.
func WithQuietPeriod(d time.Duration) Option {
	return func(r *Repository) { r.quiet = d }
}

// WithLocks shares a per-path write queue with other writers.
func WithLocks(l *fsutil.Locks) Option {
	return func(r *Repository) { r.locks = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithIDGenerator overrides uuid-based ticket ids.
func WithIDGenerator(gen func() string) Option {
	return func(r *Repository) { r.newID = gen }
}

// WithListener registers the change listener.
func WithListener(fn Listener) Option {
	return func(r *Repository) { r.listener = fn }
}

// WithApprovedPRDGate requires an approved PRD before in_review → in_progress.
func WithApprovedPRDGate(on bool) Option {
	return func(r *Repository) { r.requirePRD = on }
}

// Repository holds tickets in memory, lazily loaded from a JSON document,
// and writes them back after a quiet period.
type Repository struct {
	path       string
	quiet      time.Duration
	locks      *fsutil.Locks
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	listener   Listener
	requirePRD bool

	mu        sync.Mutex
	loaded    bool
	tickets   map[string]*protocol.Ticket
	dirty     bool
	timer     *time.Timer
	lastWrite stamp

	// flushMu keeps at most one flush in flight.
	flushMu sync.Mutex
}

// New returns a repository backed by the document at path. Nothing is read
// until the first operation.
func New(path string, opts ...Option) *Repository {
	r := &Repository{
		path:    path,
		quiet:   DefaultQuietPeriod,
		now:     time.Now,
		newID:   uuid.NewString,
		tickets: make(map[string]*protocol.Ticket),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.locks == nil {
		r.locks = fsutil.NewLocks()
	}
	return r
}

// Path returns the document path.
func (r *Repository) Path() string { return r.path }

// List returns all tickets ordered by column then order.
func (r *Repository) List() []protocol.Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLoaded()
	return r.snapshotLocked()
}

// ListStatus returns one column in order.
func (r *Repository) ListStatus(status protocol.TicketStatus) []protocol.Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLoaded()
	col := r.columnLocked(status, "")
	out := make([]protocol.Ticket, len(col))
	for i, t := range col {
		out[i] = t.Clone()
	}
	return out
}

// Get returns a copy of the ticket.
func (r *Repository) Get(id string) (protocol.Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLoaded()
	t, ok := r.tickets[id]
	if !ok {
		return protocol.Ticket{}, false
	}
	return t.Clone(), true
}

// Create adds a ticket at the end of the backlog.
func (r *Repository) Create(req protocol.CreateTicketRequest) protocol.Ticket {
	r.mu.Lock()
	r.ensureLoaded()

	now := r.now()
	t := &protocol.Ticket{
		ID:                 r.newID(),
		Title:              req.Title,
		Description:        req.Description,
		AcceptanceCriteria: append([]string{}, req.AcceptanceCriteria...),
		Status:             protocol.StatusBacklog,
		Order:              r.maxOrderLocked(protocol.StatusBacklog) + 1,
		Type:               req.Type,
		Priority:           req.Priority,
		ProjectID:          req.ProjectID,
		History: []protocol.HistoryEntry{{
			Timestamp: now,
			Action:    protocol.ActionCreated,
			To:        protocol.StatusBacklog,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.tickets[t.ID] = t
	r.markDirtyLocked()
	out := t.Clone()
	r.mu.Unlock()

	r.logger.Debug("ticket created", "ticket", out.ID, "title", out.Title)
	r.emit(protocol.EventTicketUpdated, out)
	return out
}

// Update applies a partial content update. It returns false when the ticket
// does not exist.
func (r *Repository) Update(id string, patch protocol.TicketPatch) bool {
	r.mu.Lock()
	r.ensureLoaded()
	t, ok := r.tickets[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if patch.Empty() {
		r.mu.Unlock()
		return true
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.AcceptanceCriteria != nil {
		t.AcceptanceCriteria = append([]string{}, (*patch.AcceptanceCriteria)...)
	}
	if patch.Type != nil {
		t.Type = *patch.Type
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.ProjectID != nil {
		t.ProjectID = *patch.ProjectID
	}
	r.recordLocked(t, protocol.HistoryEntry{Action: protocol.ActionUpdated})
	out := t.Clone()
	r.mu.Unlock()

	r.emit(protocol.EventTicketUpdated, out)
	return true
}

// Delete removes the ticket and closes the gap in its column. Worktrees are
// not touched; callers clean up first if they want that.
func (r *Repository) Delete(id string) bool {
	r.mu.Lock()
	r.ensureLoaded()
	t, ok := r.tickets[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.tickets, id)
	renumber(r.columnLocked(t.Status, ""))
	r.markDirtyLocked()
	r.mu.Unlock()

	r.logger.Debug("ticket deleted", "ticket", id)
	if r.listener != nil {
		r.listener(protocol.Event{Type: protocol.EventTicketDeleted, TicketID: id, Time: r.now()})
	}
	return true
}

// Transition moves a ticket along an allowed edge and appends it to the end
// of the destination column. On rejection nothing changes.
func (r *Repository) Transition(id string, to protocol.TicketStatus) bool {
	r.mu.Lock()
	r.ensureLoaded()
	t, ok := r.tickets[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("transition rejected: not found", "ticket", id, "to", to)
		return false
	}
	from := t.Status
	if err := r.checkTransitionLocked(t, to); err != nil {
		r.mu.Unlock()
		r.logger.Info("transition rejected", "ticket", id, "from", from, "to", to, "error", err)
		return false
	}

	order := r.maxOrderLocked(to) + 1
	t.Status = to
	t.Order = order
	renumber(r.columnLocked(from, ""))
	r.recordLocked(t, protocol.HistoryEntry{Action: protocol.ActionTransitioned, From: from, To: to})
	out := t.Clone()
	r.mu.Unlock()

	r.logger.Info("ticket transitioned", "ticket", id, "from", from, "to", to)
	r.emit(protocol.EventTicketStatusChanged, out)
	return true
}

// Reorder moves a ticket to position index of column to, validating the
// transition when the column changes, and re-enumerates the destination
// column. The full ticket set is returned in every case; a non-nil error
// (ErrNotFound or ErrInvalidTransition) means nothing changed.
func (r *Repository) Reorder(id string, to protocol.TicketStatus, index int) ([]protocol.Ticket, error) {
	r.mu.Lock()
	r.ensureLoaded()
	t, ok := r.tickets[id]
	if !ok {
		all := r.snapshotLocked()
		r.mu.Unlock()
		return all, ErrNotFound
	}
	from := t.Status
	moved := from != to
	if moved {
		if err := r.checkTransitionLocked(t, to); err != nil {
			all := r.snapshotLocked()
			r.mu.Unlock()
			r.logger.Info("reorder rejected", "ticket", id, "from", from, "to", to, "error", err)
			return all, err
		}
	}

	src := r.columnLocked(from, id)
	dst := src
	if moved {
		renumber(src)
		dst = r.columnLocked(to, id)
	}
	index = max(0, min(index, len(dst)))

	if !moved && t.Order == index {
		all := r.snapshotLocked()
		r.mu.Unlock()
		return all, nil
	}

	dst = append(dst, nil)
	copy(dst[index+1:], dst[index:])
	dst[index] = t
	t.Status = to
	renumber(dst)

	entry := protocol.HistoryEntry{Action: protocol.ActionReordered}
	evt := protocol.EventTicketUpdated
	if moved {
		entry = protocol.HistoryEntry{Action: protocol.ActionTransitioned, From: from, To: to}
		evt = protocol.EventTicketStatusChanged
	}
	r.recordLocked(t, entry)
	out := t.Clone()
	all := r.snapshotLocked()
	r.mu.Unlock()

	r.emit(evt, out)
	return all, nil
}

// SetWorktreeBasePath records the user-chosen parent directory. It can be
// set once; setting the same value again is a no-op.
func (r *Repository) SetWorktreeBasePath(id, base string) bool {
	return r.mutate(id, protocol.ActionWorktreeBase, func(t *protocol.Ticket) (bool, bool) {
		if base == "" || (t.WorktreeBasePath != "" && t.WorktreeBasePath != base) {
			return false, false
		}
		if t.WorktreeBasePath == base {
			return true, false
		}
		t.WorktreeBasePath = base
		return true, true
	})
}

// SetWorktreePath records the provisioned worktree. It fails while a path is
// already recorded; ClearWorktree releases it.
func (r *Repository) SetWorktreePath(id, path string) bool {
	return r.mutate(id, protocol.ActionWorktreeSet, func(t *protocol.Ticket) (bool, bool) {
		if path == "" || t.WorktreePath != "" {
			return false, false
		}
		t.WorktreePath = path
		return true, true
	})
}

// ClearWorktree forgets the worktree path after cleanup.
func (r *Repository) ClearWorktree(id string) bool {
	return r.mutate(id, protocol.ActionWorktreeGone, func(t *protocol.Ticket) (bool, bool) {
		if t.WorktreePath == "" {
			return true, false
		}
		t.WorktreePath = ""
		return true, true
	})
}

// SetPRD attaches freshly generated PRD content, unapproved.
func (r *Repository) SetPRD(id, content string) bool {
	return r.mutate(id, protocol.ActionPRDSet, func(t *protocol.Ticket) (bool, bool) {
		t.PRD = &protocol.PRD{Content: content, GeneratedAt: r.now()}
		return true, true
	})
}

// ApprovePRD marks the attached PRD approved.
func (r *Repository) ApprovePRD(id string) bool {
	return r.mutate(id, protocol.ActionPRDApproved, func(t *protocol.Ticket) (bool, bool) {
		if t.PRD == nil {
			return false, false
		}
		if t.PRD.Approved {
			return true, false
		}
		t.PRD.Approved = true
		return true, true
	})
}

// mutate runs fn on the ticket. fn reports (ok, changed); a history entry
// with action is recorded only when changed.
func (r *Repository) mutate(id, action string, fn func(*protocol.Ticket) (bool, bool)) bool {
	r.mu.Lock()
	r.ensureLoaded()
	t, found := r.tickets[id]
	if !found {
		r.mu.Unlock()
		return false
	}
	ok, changed := fn(t)
	if !changed {
		r.mu.Unlock()
		return ok
	}
	r.recordLocked(t, protocol.HistoryEntry{Action: action})
	out := t.Clone()
	r.mu.Unlock()

	r.emit(protocol.EventTicketUpdated, out)
	return ok
}

func (r *Repository) checkTransitionLocked(t *protocol.Ticket, to protocol.TicketStatus) error {
	if !CanTransition(t.Status, to) {
		return ErrInvalidTransition
	}
	if r.requirePRD && t.Status == protocol.StatusInReview && to == protocol.StatusInProgress {
		if t.PRD == nil || !t.PRD.Approved {
			return ErrInvalidTransition
		}
	}
	return nil
}

// recordLocked stamps the mutation and schedules a flush.
func (r *Repository) recordLocked(t *protocol.Ticket, e protocol.HistoryEntry) {
	now := r.now()
	e.Timestamp = now
	t.History = append(t.History, e)
	t.UpdatedAt = now
	r.markDirtyLocked()
}

// columnLocked returns the tickets of one status sorted by order, leaving
// out skipID.
func (r *Repository) columnLocked(status protocol.TicketStatus, skipID string) []*protocol.Ticket {
	var col []*protocol.Ticket
	for _, t := range r.tickets {
		if t.Status == status && t.ID != skipID {
			col = append(col, t)
		}
	}
	sort.Slice(col, func(i, j int) bool { return less(col[i], col[j]) })
	return col
}

func (r *Repository) maxOrderLocked(status protocol.TicketStatus) int {
	highest := -1
	for _, t := range r.tickets {
		if t.Status == status && t.Order > highest {
			highest = t.Order
		}
	}
	return highest
}

func (r *Repository) snapshotLocked() []protocol.Ticket {
	all := make([]*protocol.Ticket, 0, len(r.tickets))
	for _, t := range r.tickets {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return less(all[i], all[j]) })
	out := make([]protocol.Ticket, len(all))
	for i, t := range all {
		out[i] = t.Clone()
	}
	return out
}

func (r *Repository) emit(typ protocol.EventType, t protocol.Ticket) {
	if r.listener == nil {
		return
	}
	r.listener(protocol.Event{Type: typ, TicketID: t.ID, Time: r.now(), Ticket: &t})
}

func less(a, b *protocol.Ticket) bool {
	if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
		return ra < rb
	}
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// renumber assigns 0..n-1 in slice order.
func renumber(col []*protocol.Ticket) {
	for i, t := range col {
		t.Order = i
	}
}
