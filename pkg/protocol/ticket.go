package protocol

import "time"

// TicketStatus is a Kanban column.
type TicketStatus string

const (
	StatusBacklog    TicketStatus = "backlog"
	StatusUpNext     TicketStatus = "up_next"
	StatusInReview   TicketStatus = "in_review"
	StatusInProgress TicketStatus = "in_progress"
	StatusInTesting  TicketStatus = "in_testing"
	StatusCompleted  TicketStatus = "completed"
)

// Statuses lists every column in board order.
var Statuses = []TicketStatus{
	StatusBacklog,
	StatusUpNext,
	StatusInReview,
	StatusInProgress,
	StatusInTesting,
	StatusCompleted,
}

// Valid reports whether s names a known column.
func (s TicketStatus) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// History actions recorded on a ticket.
const (
	ActionCreated      = "created"
	ActionUpdated      = "updated"
	ActionTransitioned = "transitioned"
	ActionReordered    = "reordered"
	ActionWorktreeBase = "worktree_base_set"
	ActionWorktreeSet  = "worktree_set"
	ActionWorktreeGone = "worktree_cleared"
	ActionPRDSet       = "prd_set"
	ActionPRDApproved  = "prd_approved"
)

// HistoryEntry is one audit record. From/To are set for transitions.
type HistoryEntry struct {
	Timestamp time.Time    `json:"timestamp"`
	Action    string       `json:"action"`
	From      TicketStatus `json:"from,omitempty"`
	To        TicketStatus `json:"to,omitempty"`
}

// PRD is the generated requirements document attached to a ticket.
type PRD struct {
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generatedAt"`
	Approved    bool      `json:"approved"`
}

// Ticket is a unit of work on the board.
type Ticket struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	AcceptanceCriteria []string       `json:"acceptanceCriteria"`
	Status             TicketStatus   `json:"status"`
	Order              int            `json:"order"`
	Type               string         `json:"type,omitempty"`
	Priority           string         `json:"priority,omitempty"`
	ProjectID          string         `json:"projectId,omitempty"`
	PRD                *PRD           `json:"prd,omitempty"`
	WorktreeBasePath   string         `json:"worktreeBasePath,omitempty"`
	WorktreePath       string         `json:"worktreePath,omitempty"`
	History            []HistoryEntry `json:"history"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to callers.
func (t *Ticket) Clone() Ticket {
	c := *t
	c.AcceptanceCriteria = make([]string, len(t.AcceptanceCriteria))
	copy(c.AcceptanceCriteria, t.AcceptanceCriteria)
	c.History = make([]HistoryEntry, len(t.History))
	copy(c.History, t.History)
	if t.PRD != nil {
		prd := *t.PRD
		c.PRD = &prd
	}
	return c
}

// LastTransition returns the most recent transitioned entry, if any.
func (t *Ticket) LastTransition() (HistoryEntry, bool) {
	for i := len(t.History) - 1; i >= 0; i-- {
		if t.History[i].Action == ActionTransitioned {
			return t.History[i], true
		}
	}
	return HistoryEntry{}, false
}

// CreateTicketRequest carries the caller-supplied fields of a new ticket.
type CreateTicketRequest struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
	Type               string   `json:"type,omitempty"`
	Priority           string   `json:"priority,omitempty"`
	ProjectID          string   `json:"projectId,omitempty"`
}

// TicketPatch is a partial content update. Nil fields are left alone.
// Workflow fields (status, order) are not patchable; use transition/reorder.
type TicketPatch struct {
	Title              *string   `json:"title,omitempty"`
	Description        *string   `json:"description,omitempty"`
	AcceptanceCriteria *[]string `json:"acceptanceCriteria,omitempty"`
	Type               *string   `json:"type,omitempty"`
	Priority           *string   `json:"priority,omitempty"`
	ProjectID          *string   `json:"projectId,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TicketPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.AcceptanceCriteria == nil &&
		p.Type == nil && p.Priority == nil && p.ProjectID == nil
}
