package ticket

import "github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"

// transitions is the Kanban state machine: status → allowed destinations.
var transitions = map[protocol.TicketStatus][]protocol.TicketStatus{
	protocol.StatusBacklog:    {protocol.StatusUpNext},
	protocol.StatusUpNext:     {protocol.StatusInReview, protocol.StatusBacklog},
	protocol.StatusInReview:   {protocol.StatusInProgress, protocol.StatusBacklog},
	protocol.StatusInProgress: {protocol.StatusInTesting},
	protocol.StatusInTesting:  {protocol.StatusCompleted, protocol.StatusInProgress},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to protocol.TicketStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Destinations returns the statuses reachable from s in one step.
func Destinations(s protocol.TicketStatus) []protocol.TicketStatus {
	return append([]protocol.TicketStatus(nil), transitions[s]...)
}

// statusRank orders columns for listing.
func statusRank(s protocol.TicketStatus) int {
	for i, known := range protocol.Statuses {
		if s == known {
			return i
		}
	}
	return len(protocol.Statuses)
}
