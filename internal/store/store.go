package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/overseer/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SessionFilter narrows ListAgentSessions. Zero values match everything.
type SessionFilter struct {
	ProjectID string
	WorkerID  string
	Statuses  []models.SessionStatus
	Limit     int
}

// Store defines the persistence interface for overseer.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByName(ctx context.Context, name string) (*models.Project, error)
	GetProjectByPath(ctx context.Context, path string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	DeleteProject(ctx context.Context, id string) error

	// Agent Sessions
	CreateAgentSession(ctx context.Context, session *models.AgentSession) error
	GetAgentSession(ctx context.Context, id string) (*models.AgentSession, error)
	GetLiveSessionByWorker(ctx context.Context, projectID, workerID string) (*models.AgentSession, error)
	ListAgentSessions(ctx context.Context, filter SessionFilter) ([]*models.AgentSession, error)
	UpdateAgentSession(ctx context.Context, session *models.AgentSession) error
	TouchAgentSession(ctx context.Context, id string, at time.Time) error
	DisconnectActiveSessions(ctx context.Context, projectID string) (int64, error)
	MarkSessionResumed(ctx context.Context, id, processSessionID string) (*models.AgentSession, error)
	TerminateAgentSession(ctx context.Context, id string) error
	PurgeTerminatedSessions(ctx context.Context, before time.Time) (int64, error)

	// Orchestrator configuration
	GetOrchestratorConfig(ctx context.Context, projectID string) (*models.OrchestratorConfig, error)
	SaveOrchestratorConfig(ctx context.Context, cfg *models.OrchestratorConfig) error

	// Activity
	AppendActivity(ctx context.Context, a *models.Activity) error
	ListActivity(ctx context.Context, projectID string, limit int) ([]*models.Activity, error)

	// Chat
	AppendChatMessage(ctx context.Context, m *models.ChatMessage) error
	ListChatMessages(ctx context.Context, projectID string, limit int) ([]*models.ChatMessage, error)
	ListUnreadChatMessages(ctx context.Context, projectID string, role models.ChatRole) ([]*models.ChatMessage, error)
	MarkChatMessagesRead(ctx context.Context, ids []string) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
