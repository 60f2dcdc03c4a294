// Package llm talks to the decision oracle: a chat-completion model with tool
// calling, reached either through the hosted Anthropic API or a local
// OpenAI-compatible server.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/joescharf/overseer/internal/models"
)

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the oracle conversation.
type Turn struct {
	Role    Role
	Content string
}

// ToolCall is an action requested by the oracle.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Reply is the oracle's answer to one request.
type Reply struct {
	Text      string
	ToolCalls []ToolCall
}

// Summary renders the reply as plain text for the conversation history:
// the free text followed by one line per requested call.
func (r *Reply) Summary() string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(r.Text))
	for _, call := range r.ToolCalls {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[called %s %s]", call.Name, compactJSON(call.Arguments))
	}
	return sb.String()
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, _ := json.Marshal(v)
	return string(out)
}

// Request is a single oracle call.
type Request struct {
	System    string
	Turns     []Turn
	Tools     []mcp.Tool
	MaxTokens int
}

// Provider completes oracle requests. A nil reply with a nil error means the
// oracle returned nothing usable.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Reply, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider   models.OracleProvider
	BaseURL    string
	Model      string
	APIKey     string
	HTTPClient *http.Client
}

// DefaultModels holds the model used when the configuration leaves it empty.
var DefaultModels = map[models.OracleProvider]string{
	models.ProviderHosted: "claude-sonnet-4-5",
	models.ProviderLocal:  "llama3.1",
}

// DefaultLocalBaseURL is where a local OpenAI-compatible server is expected.
const DefaultLocalBaseURL = "http://localhost:11434/v1"

// NewProvider builds the provider named by cfg.Provider.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModels[cfg.Provider]
	}
	switch cfg.Provider {
	case models.ProviderHosted, "":
		return NewAnthropicProvider(cfg), nil
	case models.ProviderLocal:
		if cfg.BaseURL == "" {
			cfg.BaseURL = DefaultLocalBaseURL
		}
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown oracle provider: %s", cfg.Provider)
	}
}

// toolSchema returns the JSON schema properties and required list of a tool.
func toolSchema(tool mcp.Tool) (map[string]any, []string) {
	props := tool.InputSchema.Properties
	if props == nil {
		props = map[string]any{}
	}
	return props, tool.InputSchema.Required
}
