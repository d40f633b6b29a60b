package protocol

import "time"

// RunPhase is the lifecycle state of one agent run.
type RunPhase string

const (
	PhaseIdle      RunPhase = "idle"
	PhaseSpawning  RunPhase = "spawning"
	PhaseRunning   RunPhase = "running"
	PhaseSucceeded RunPhase = "succeeded"
	PhaseFailed    RunPhase = "failed"
	PhaseStopped   RunPhase = "stopped"
	PhaseCleaned   RunPhase = "cleaned"
)

// Terminal reports whether the run has finished.
func (p RunPhase) Terminal() bool {
	switch p {
	case PhaseSucceeded, PhaseFailed, PhaseStopped, PhaseCleaned:
		return true
	}
	return false
}

// Activity is the probe's view of what the agent is doing.
type Activity string

const (
	ActivityGenerating Activity = "generating"
	ActivityWaiting    Activity = "waiting"
	ActivityAbsent     Activity = "absent"
	ActivityUnknown    Activity = "unknown"
)

// RunStatus is the observable state of a ticket's run.
type RunStatus struct {
	TicketID       string    `json:"ticketId"`
	RunID          string    `json:"runId"`
	Phase          RunPhase  `json:"phase"`
	Alive          bool      `json:"alive"`
	IterationCount int       `json:"iterationCount"`
	LastOutputAt   time.Time `json:"lastOutputAt,omitzero"`
	SentinelSeen   bool      `json:"sentinelSeen"`
	PID            int       `json:"pid,omitempty"`
	Port           int       `json:"port,omitempty"`
	ExitCode       int       `json:"exitCode"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	EndedAt        time.Time `json:"endedAt,omitzero"`
	Activity       Activity  `json:"activity,omitempty"`
	AgentCount     int       `json:"agentCount"`
}

// Completed reports whether the run finished with the completion sentinel.
func (s RunStatus) Completed() bool {
	return !s.Alive && s.SentinelSeen && s.Phase == PhaseSucceeded
}

// RunRecord is a journaled finished run.
type RunRecord struct {
	ID             string    `json:"id"`
	TicketID       string    `json:"ticketId"`
	Phase          RunPhase  `json:"phase"`
	ExitCode       int       `json:"exitCode"`
	IterationCount int       `json:"iterationCount"`
	Port           int       `json:"port,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	EndedAt        time.Time `json:"endedAt"`
}
