package orchestrator

import (
	"errors"
	"time"

	"github.com/joescharf/overseer/internal/models"
)

// State is the control loop state.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StatePaused   State = "PAUSED"
	StateDegraded State = "DEGRADED"
	StateStopping State = "STOPPING"
)

// ticking reports whether ticks run in this state.
func (s State) ticking() bool {
	return s == StateRunning || s == StateDegraded
}

var (
	// ErrInvalidState is returned for a control operation the current state does not allow.
	ErrInvalidState = errors.New("invalid loop state")
	// ErrDisabled is returned by Start when the project's loop is disabled.
	ErrDisabled = errors.New("orchestrator disabled for project")
	// ErrOracleTimeout is returned when the oracle does not answer within the configured timeout.
	ErrOracleTimeout = errors.New("oracle call timed out")
)

// Status is a snapshot of the scheduler.
type Status struct {
	State               State                     `json:"state"`
	ProjectID           string                    `json:"projectId,omitempty"`
	TickNumber          int64                     `json:"tickNumber"`
	LastTickAt          *time.Time                `json:"lastTickAt,omitempty"`
	NextTickAt          *time.Time                `json:"nextTickAt,omitempty"`
	ConsecutiveFailures int                       `json:"consecutiveFailures"`
	Config              models.OrchestratorConfig `json:"config"`
}
