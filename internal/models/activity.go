package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActivityKind tags an activity record and selects its payload type.
type ActivityKind string

const (
	ActivityStartup        ActivityKind = "startup"
	ActivityShutdown       ActivityKind = "shutdown"
	ActivityStateChanged   ActivityKind = "state_changed"
	ActivityTick           ActivityKind = "tick"
	ActivityDecision       ActivityKind = "decision"
	ActivityToolCall       ActivityKind = "tool_call"
	ActivityToolResult     ActivityKind = "tool_result"
	ActivityWorkerCreated  ActivityKind = "worker_created"
	ActivitySessionResumed ActivityKind = "session_resumed"
	ActivityError          ActivityKind = "error"
)

// ActivityPayload is the typed detail of an activity record.
type ActivityPayload interface {
	Kind() ActivityKind
}

// LoopPayload describes a loop startup or shutdown.
type LoopPayload struct {
	Shutdown bool   `json:"shutdown,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Sessions int    `json:"sessions,omitempty"`
}

func (p LoopPayload) Kind() ActivityKind {
	if p.Shutdown {
		return ActivityShutdown
	}
	return ActivityStartup
}

// StateChangedPayload records a loop state transition.
type StateChangedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (StateChangedPayload) Kind() ActivityKind { return ActivityStateChanged }

// TickPayload summarizes the context a tick observed.
type TickPayload struct {
	TickNumber     int64    `json:"tickNumber"`
	Workers        int      `json:"workers"`
	DeadSessions   []string `json:"deadSessions,omitempty"`
	UnreadMessages int      `json:"unreadMessages"`
	Completions    int      `json:"completions"`
	Questions      int      `json:"questions"`
	Errors         int      `json:"errors"`
}

func (TickPayload) Kind() ActivityKind { return ActivityTick }

// DecisionPayload holds the oracle's free-text reasoning for a tick.
type DecisionPayload struct {
	TickNumber int64  `json:"tickNumber"`
	Reasoning  string `json:"reasoning"`
	ToolCalls  int    `json:"toolCalls"`
}

func (DecisionPayload) Kind() ActivityKind { return ActivityDecision }

// ToolCallPayload records a tool invocation before it runs.
type ToolCallPayload struct {
	Tool      string          `json:"tool"`
	CallID    string          `json:"callId,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (ToolCallPayload) Kind() ActivityKind { return ActivityToolCall }

// ToolResultPayload records the outcome of a tool invocation.
type ToolResultPayload struct {
	Tool    string `json:"tool"`
	CallID  string `json:"callId,omitempty"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (ToolResultPayload) Kind() ActivityKind { return ActivityToolResult }

// WorkerCreatedPayload records a new worker.
type WorkerCreatedPayload struct {
	WorkerID  string `json:"workerId"`
	Branch    string `json:"branch"`
	WorkDir   string `json:"workDir"`
	SessionID string `json:"sessionId"`
}

func (WorkerCreatedPayload) Kind() ActivityKind { return ActivityWorkerCreated }

// SessionResumedPayload records a dead session brought back.
type SessionResumedPayload struct {
	WorkerID    string `json:"workerId"`
	SessionID   string `json:"sessionId"`
	ResumeCount int    `json:"resumeCount"`
}

func (SessionResumedPayload) Kind() ActivityKind { return ActivitySessionResumed }

// ErrorPayload records a failure of the given scope (tick, resume, oracle, ...).
type ErrorPayload struct {
	Scope               string `json:"scope"`
	Message             string `json:"message"`
	WorkerID            string `json:"workerId,omitempty"`
	ConsecutiveFailures int    `json:"consecutiveFailures,omitempty"`
}

func (ErrorPayload) Kind() ActivityKind { return ActivityError }

// Activity is one append-only audit record of the control loop.
type Activity struct {
	ID        string
	ProjectID string
	Kind      ActivityKind
	Summary   string
	Payload   ActivityPayload
	CreatedAt time.Time
}

// NewActivity builds an activity whose kind is taken from the payload.
func NewActivity(projectID, summary string, payload ActivityPayload) *Activity {
	return &Activity{
		ProjectID: projectID,
		Kind:      payload.Kind(),
		Summary:   summary,
		Payload:   payload,
	}
}

// EncodeActivityPayload serializes a payload for persistence.
func EncodeActivityPayload(p ActivityPayload) (string, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return string(data), nil
}

// DecodeActivityPayload restores the typed payload for kind from its JSON form.
func DecodeActivityPayload(kind ActivityKind, data string) (ActivityPayload, error) {
	var (
		p   ActivityPayload
		err error
	)
	switch kind {
	case ActivityStartup, ActivityShutdown:
		var v LoopPayload
		err = json.Unmarshal([]byte(data), &v)
		v.Shutdown = kind == ActivityShutdown
		p = v
	case ActivityStateChanged:
		var v StateChangedPayload
		err = json.Unmarshal([]byte(data), &v)
		p = v
	case ActivityTick:
		var v TickPayload
		err = json.Unmarshal([]byte(data), &v)
		p = v
	case ActivityDecision:
		var v DecisionPayload
		err = json.Unmarshal([]byte(data), &v)
		p = v
	case ActivityToolCall:
		var v ToolCallPayload
		err = json.Unmarshal([]byte(data), &v)
		p = v
	case ActivityToolResult:
		var v ToolResultPayload
		err = json.Unmarshal([]byte(data), &v)
		p = v
	case ActivityWorkerCreated:
		var v WorkerCreatedPayload
		err = json.Unmarshal([]byte(data), &v)
		p = v
	case ActivitySessionResumed:
		var v SessionResumedPayload
		err = json.Unmarshal([]byte(data), &v)
		p = v
	case ActivityError:
		var v ErrorPayload
		err = json.Unmarshal([]byte(data), &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown activity kind: %s", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
