// Package notify pushes noteworthy board events (a ticket ready for testing,
// a failed agent run) to chat and webhook sinks.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

const defaultSendTimeout = 10 * time.Second

// Message is a rendered notification. Text is Markdown; sinks convert it to
// their own markup.
type Message struct {
	TicketID string
	Title    string
	Text     string
	Event    protocol.Event
}

// Sink delivers messages to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Tickets resolves ticket titles for run events.
type Tickets interface {
	Get(id string) (protocol.Ticket, bool)
}

// Notifier filters an event stream and fans the interesting events out to
// every sink. A failing sink is logged and does not affect the others.
type Notifier struct {
	sinks   []Sink
	tickets Tickets
	timeout time.Duration
	logger  *slog.Logger

	// lastFailed maps a ticket to the last run reported as failed.
	lastFailed map[string]string
}

// New creates a notifier. tickets may be nil.
func New(sinks []Sink, tickets Tickets, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		sinks:      sinks,
		tickets:    tickets,
		timeout:    defaultSendTimeout,
		logger:     logger.With("component", "notify"),
		lastFailed: make(map[string]string),
	}
}

// Run consumes events until ctx is done or the channel closes.
func (n *Notifier) Run(ctx context.Context, events <-chan protocol.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.Handle(ctx, ev)
		}
	}
}

// Handle renders ev and sends it when it is worth a notification.
func (n *Notifier) Handle(ctx context.Context, ev protocol.Event) {
	msg, ok := n.render(ev)
	if !ok {
		return
	}
	for _, s := range n.sinks {
		sctx, cancel := context.WithTimeout(ctx, n.timeout)
		err := s.Send(sctx, msg)
		cancel()
		if err != nil {
			n.logger.Warn("notification failed", "sink", s.Name(), "ticket", msg.TicketID, "error", err)
			continue
		}
		n.logger.Debug("notification sent", "sink", s.Name(), "ticket", msg.TicketID, "event", ev.Type)
	}
}

func (n *Notifier) render(ev protocol.Event) (Message, bool) {
	msg := Message{TicketID: ev.TicketID, Event: ev}
	switch ev.Type {
	case protocol.EventTicketDeleted:
		delete(n.lastFailed, ev.TicketID)
		return msg, false

	case protocol.EventTicketStatusChanged:
		if ev.Ticket == nil {
			return msg, false
		}
		msg.Title = ev.Ticket.Title
		switch ev.Ticket.Status {
		case protocol.StatusInTesting:
			msg.Text = fmt.Sprintf("**Ready for testing**: %s (`%s`)", msg.Title, ev.TicketID)
			if ev.Ticket.WorktreePath != "" {
				msg.Text += "\nWorktree: `" + ev.Ticket.WorktreePath + "`"
			}
		case protocol.StatusCompleted:
			msg.Text = fmt.Sprintf("**Completed**: %s (`%s`)", msg.Title, ev.TicketID)
		default:
			return msg, false
		}
		return msg, true

	case protocol.EventRunStatusChanged:
		r := ev.Run
		if r == nil || r.Phase != protocol.PhaseFailed || n.lastFailed[ev.TicketID] == r.RunID {
			return msg, false
		}
		n.lastFailed[ev.TicketID] = r.RunID
		msg.Title = ev.TicketID
		if n.tickets != nil {
			if t, ok := n.tickets.Get(ev.TicketID); ok {
				msg.Title = t.Title
			}
		}
		msg.Text = fmt.Sprintf("**Agent run failed**: %s (`%s`), exit code %d after %d iterations",
			msg.Title, ev.TicketID, r.ExitCode, r.IterationCount)
		if r.Error != "" {
			msg.Text += "\n" + r.Error
		}
		return msg, true
	}
	return msg, false
}
