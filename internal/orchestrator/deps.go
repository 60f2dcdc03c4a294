package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/joescharf/overseer/internal/git"
	"github.com/joescharf/overseer/internal/llm"
	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/process"
	"github.com/joescharf/overseer/internal/pubsub"
	"github.com/joescharf/overseer/internal/sessions"
)

// Store is the subset of store.Store the control loop reads and writes.
type Store interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByName(ctx context.Context, name string) (*models.Project, error)
	GetProjectByPath(ctx context.Context, path string) (*models.Project, error)
	GetOrchestratorConfig(ctx context.Context, projectID string) (*models.OrchestratorConfig, error)
	SaveOrchestratorConfig(ctx context.Context, cfg *models.OrchestratorConfig) error
	AppendActivity(ctx context.Context, a *models.Activity) error
	AppendChatMessage(ctx context.Context, m *models.ChatMessage) error
	ListUnreadChatMessages(ctx context.Context, projectID string, role models.ChatRole) ([]*models.ChatMessage, error)
	MarkChatMessagesRead(ctx context.Context, ids []string) (int64, error)
}

// SessionManager is the session lifecycle the loop drives.
type SessionManager interface {
	Launch(ctx context.Context, req sessions.LaunchRequest) (*models.AgentSession, error)
	Resume(ctx context.Context, sessionID string) (*models.AgentSession, error)
	DisconnectAll(ctx context.Context, projectID string) (int64, error)
	Terminate(ctx context.Context, sessionID string) error
	LiveSession(ctx context.Context, projectID, workerID string) (*models.AgentSession, error)
	LiveSessions(ctx context.Context, projectID string) ([]*models.AgentSession, error)
	Dead(ctx context.Context, projectID string) ([]*models.AgentSession, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error
	Reconcile(ctx context.Context, projectID string) (*sessions.ReconcileResult, error)
}

// Processes exposes the running worker processes.
type Processes interface {
	Get(sessionID string) (process.Info, bool)
	WriteInput(sessionID, text string) error
}

// OracleFactory builds the oracle for a configuration.
type OracleFactory func(cfg models.OrchestratorConfig) (llm.Provider, error)

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Store     Store
	Sessions  SessionManager
	Processes Processes
	Git       git.Client
	Oracle    OracleFactory

	// Signals delivers worker output signals. Optional.
	Signals pubsub.Subscriber[process.Signal]
	// Events receives loop events. Optional.
	Events *pubsub.Broker[Event]

	// Defaults is used when a project has no stored configuration.
	Defaults models.OrchestratorConfig

	Clock  Clock
	Logger *slog.Logger
	Tracer trace.Tracer
	// Cache holds default branch lookups. A five minute cache is created when nil.
	Cache *cache.Cache
}

// DefaultConfig returns the built-in loop configuration.
func DefaultConfig() models.OrchestratorConfig {
	return models.OrchestratorConfig{
		Enabled:                 true,
		Provider:                models.ProviderHosted,
		TickIntervalMs:          30000,
		MaxConsecutiveFailures:  3,
		AutoRestartDeadSessions: true,
		OracleTimeoutMs:         120000,
	}
}

func (d *Deps) setDefaults() {
	if d.Clock == nil {
		d.Clock = RealClock()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracer == nil {
		d.Tracer = noop.NewTracerProvider().Tracer("overseer/orchestrator")
	}
	if d.Cache == nil {
		d.Cache = cache.New(5*time.Minute, 10*time.Minute)
	}
	if d.Defaults.TickIntervalMs <= 0 {
		d.Defaults = DefaultConfig()
	}
}

func (d *Deps) publish(ev Event) {
	if d.Events != nil {
		d.Events.Publish(ev.EventType(), ev)
	}
}
