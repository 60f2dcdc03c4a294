package orchestrator

import "github.com/joescharf/overseer/internal/pubsub"

// Event types published on the scheduler's event broker.
const (
	EventStateChanged   pubsub.EventType = "state_changed"
	EventTickCompleted  pubsub.EventType = "tick_completed"
	EventWorkerCreated  pubsub.EventType = "worker_created"
	EventSessionResumed pubsub.EventType = "session_resumed"
)

// Event is implemented by every payload published by a Scheduler.
type Event interface {
	EventType() pubsub.EventType
}

// StateChanged reports a loop state transition.
type StateChanged struct {
	ProjectID string
	From      State
	To        State
}

func (StateChanged) EventType() pubsub.EventType { return EventStateChanged }

// TickCompleted reports the end of a tick.
type TickCompleted struct {
	ProjectID           string
	TickNumber          int64
	Failed              bool
	Error               string
	ConsecutiveFailures int
}

func (TickCompleted) EventType() pubsub.EventType { return EventTickCompleted }

// WorkerCreated reports a worker started by create_worker.
type WorkerCreated struct {
	ProjectID string
	WorkerID  string
	Branch    string
	SessionID string
}

func (WorkerCreated) EventType() pubsub.EventType { return EventWorkerCreated }

// SessionResumed reports a dead session brought back by auto-restart.
type SessionResumed struct {
	ProjectID   string
	WorkerID    string
	SessionID   string
	ResumeCount int
}

func (SessionResumed) EventType() pubsub.EventType { return EventSessionResumed }
