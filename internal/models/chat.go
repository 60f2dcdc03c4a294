package models

import "time"

// ChatRole identifies who authored a chat message.
type ChatRole string

const (
	ChatRoleUser         ChatRole = "user"
	ChatRoleOrchestrator ChatRole = "orchestrator"
)

// ChatMessage is an entry in the operator-facing conversation of a project.
type ChatMessage struct {
	ID        string
	ProjectID string
	Role      ChatRole
	Content   string
	Read      bool
	CreatedAt time.Time
}
