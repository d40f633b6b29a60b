package protocol

import "time"

// EventType names an outbound notification.
type EventType string

const (
	EventTicketStatusChanged EventType = "ticket.status_changed"
	EventTicketUpdated       EventType = "ticket.updated"
	EventTicketDeleted       EventType = "ticket.deleted"
	EventRunStatusChanged    EventType = "run.status_changed"
)

// Event is pushed to observers. Exactly one of Ticket or Run is set,
// except for deletions which carry only TicketID.
type Event struct {
	Type     EventType  `json:"type"`
	TicketID string     `json:"ticketId"`
	Time     time.Time  `json:"time"`
	Ticket   *Ticket    `json:"ticket,omitempty"`
	Run      *RunStatus `json:"run,omitempty"`
}
