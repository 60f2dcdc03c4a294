package models

import "time"

// SessionStatus represents the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionStatusActive       SessionStatus = "active"
	SessionStatusDisconnected SessionStatus = "disconnected"
	SessionStatusResumed      SessionStatus = "resumed"
	SessionStatusTerminated   SessionStatus = "terminated"
)

// Live reports whether a session in this status is expected to have a running process.
func (s SessionStatus) Live() bool {
	return s == SessionStatusActive || s == SessionStatusResumed || s == SessionStatusDisconnected
}

// AgentSession is the durable record of a worker's coding-agent session.
// There is at most one non-terminated session per (ProjectID, WorkerID).
type AgentSession struct {
	ID        string
	ProjectID string
	WorkerID  string
	Branch    string
	WorkDir   string
	Command   string

	// ProcessSessionID identifies the underlying process. It is replaced on resume.
	ProcessSessionID string
	// ConversationID is the agent's own conversation handle, used to resume its context.
	ConversationID string

	Status       SessionStatus
	ResumeCount  int
	CreatedAt    time.Time
	LastActiveAt time.Time
	EndedAt      *time.Time
}
