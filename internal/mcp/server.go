// Package mcp exposes the orchestrator loop as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/orchestrator"
	"github.com/joescharf/overseer/internal/store"
)

// Loop is the control surface of a scheduler.
type Loop interface {
	Start(ctx context.Context, projectRef string) error
	Stop(ctx context.Context) error
	Pause() error
	Resume() error
	ManualTick(ctx context.Context) (*orchestrator.TickContext, error)
	UpdateConfig(ctx context.Context, patch models.ConfigPatch) (models.OrchestratorConfig, error)
	Status() orchestrator.Status
}

// Server wraps the loop and the data layer and exposes them as MCP tools.
type Server struct {
	store   store.Store
	loop    Loop
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store, loop Loop, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{store: s, loop: loop, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("overseer", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listProjectsTool())
	srv.AddTool(s.loopStatusTool())
	srv.AddTool(s.loopStartTool())
	srv.AddTool(s.loopControlTool("overseer_loop_stop", "Stop the orchestrator loop. Live sessions keep running and are reconnected on the next start.", s.stop))
	srv.AddTool(s.loopControlTool("overseer_loop_pause", "Pause ticking. Only valid while RUNNING.", s.pause))
	srv.AddTool(s.loopControlTool("overseer_loop_resume", "Resume ticking. Only valid while PAUSED.", s.resume))
	srv.AddTool(s.loopTickTool())
	srv.AddTool(s.updateConfigTool())
	srv.AddTool(s.sendMessageTool())
	srv.AddTool(s.listActivityTool())
	srv.AddTool(s.listSessionsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// projectID resolves an optional project name or ID, falling back to the loop's project.
func (s *Server) projectID(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		if id := s.loop.Status().ProjectID; id != "" {
			return id, nil
		}
		return "", fmt.Errorf("no project given and the loop has none")
	}
	if p, err := s.store.GetProjectByName(ctx, ref); err == nil {
		return p.ID, nil
	}
	p, err := s.store.GetProject(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("project not found: %s", ref)
	}
	return p.ID, nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// overseer_list_projects
func (s *Server) listProjectsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overseer_list_projects",
		mcp.WithDescription("List registered projects. Returns a JSON array with id, name, path and description."),
	)
	return tool, s.handleListProjects
}

func (s *Server) handleListProjects(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list projects: %v", err)), nil
	}

	type projectOut struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Path        string `json:"path"`
		Description string `json:"description"`
	}

	out := make([]projectOut, len(projects))
	for i, p := range projects {
		out[i] = projectOut{ID: p.ID, Name: p.Name, Path: p.Path, Description: p.Description}
	}
	return jsonResult(out)
}

// overseer_loop_status
func (s *Server) loopStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overseer_loop_status",
		mcp.WithDescription("Get the orchestrator loop status: state, tick number, last and next tick times, consecutive failures and configuration."),
	)
	return tool, func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(s.loop.Status())
	}
}

// overseer_loop_start
func (s *Server) loopStartTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overseer_loop_start",
		mcp.WithDescription("Start the orchestrator loop. Reconnects live sessions, reconciles dead ones and schedules the first tick."),
		mcp.WithString("project", mcp.Description("Project name, ID or path. Defaults to the loop's project.")),
	)
	return tool, s.handleLoopStart
}

func (s *Server) handleLoopStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.loop.Start(ctx, request.GetString("project", "")); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start loop: %v", err)), nil
	}
	return jsonResult(s.loop.Status())
}

func (s *Server) stop(ctx context.Context) error { return s.loop.Stop(ctx) }
func (s *Server) pause(context.Context) error    { return s.loop.Pause() }
func (s *Server) resume(context.Context) error   { return s.loop.Resume() }

// loopControlTool builds a parameterless tool that performs op and returns the new status.
func (s *Server) loopControlTool(name, desc string, op func(context.Context) error) (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool(name, mcp.WithDescription(desc))
	verb := strings.TrimPrefix(name, "overseer_loop_")
	return tool, func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := op(ctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to %s loop: %v", verb, err)), nil
		}
		return jsonResult(s.loop.Status())
	}
}

// overseer_loop_tick
func (s *Server) loopTickTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overseer_loop_tick",
		mcp.WithDescription("Run one tick now and return the tick context the oracle saw. The next timed tick is rescheduled a full interval later."),
	)
	return tool, s.handleLoopTick
}

func (s *Server) handleLoopTick(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tc, err := s.loop.ManualTick(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tick failed: %v", err)), nil
	}
	return jsonResult(tc)
}

// overseer_update_config
func (s *Server) updateConfigTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overseer_update_config",
		mcp.WithDescription("Update the loop configuration. Omitted fields are left unchanged; changes apply from the next tick."),
		mcp.WithBoolean("enabled", mcp.Description("Whether the loop may start")),
		mcp.WithString("provider", mcp.Description("Oracle provider"), mcp.Enum(string(models.ProviderHosted), string(models.ProviderLocal))),
		mcp.WithString("base_url", mcp.Description("Base URL of a local OpenAI-compatible endpoint")),
		mcp.WithString("model", mcp.Description("Oracle model name")),
		mcp.WithNumber("tick_interval_ms", mcp.Description("Milliseconds between ticks")),
		mcp.WithNumber("max_consecutive_failures", mcp.Description("Failures before the loop degrades")),
		mcp.WithBoolean("auto_restart", mcp.Description("Resume dead sessions automatically")),
		mcp.WithNumber("oracle_timeout_ms", mcp.Description("Oracle call timeout in milliseconds")),
	)
	return tool, s.handleUpdateConfig
}

func (s *Server) handleUpdateConfig(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	patch, err := configPatch(request.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cfg, err := s.loop.UpdateConfig(ctx, patch)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update config: %v", err)), nil
	}
	return jsonResult(cfg)
}

// configPatch converts tool arguments to a patch. Only arguments present are set.
func configPatch(args map[string]any) (models.ConfigPatch, error) {
	var patch models.ConfigPatch
	for key, v := range args {
		switch key {
		case "enabled", "auto_restart":
			b, ok := v.(bool)
			if !ok {
				return patch, fmt.Errorf("%s must be a boolean", key)
			}
			if key == "enabled" {
				patch.Enabled = &b
			} else {
				patch.AutoRestartDeadSessions = &b
			}
		case "provider":
			str, ok := v.(string)
			p := models.OracleProvider(str)
			if !ok || (p != models.ProviderHosted && p != models.ProviderLocal) {
				return patch, fmt.Errorf("provider must be %q or %q", models.ProviderHosted, models.ProviderLocal)
			}
			patch.Provider = &p
		case "base_url", "model":
			str, ok := v.(string)
			if !ok {
				return patch, fmt.Errorf("%s must be a string", key)
			}
			if key == "base_url" {
				patch.BaseURL = &str
			} else {
				patch.Model = &str
			}
		case "tick_interval_ms", "max_consecutive_failures", "oracle_timeout_ms":
			f, ok := v.(float64)
			if !ok || f <= 0 {
				return patch, fmt.Errorf("%s must be a positive number", key)
			}
			n := int(f)
			switch key {
			case "tick_interval_ms":
				patch.TickIntervalMs = &n
			case "max_consecutive_failures":
				patch.MaxConsecutiveFailures = &n
			default:
				patch.OracleTimeoutMs = &n
			}
		default:
			return patch, fmt.Errorf("unknown config field: %s", key)
		}
	}
	return patch, nil
}

// overseer_send_message
func (s *Server) sendMessageTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overseer_send_message",
		mcp.WithDescription("Send an operator message to the orchestrator. It is shown to the oracle on the next tick."),
		mcp.WithString("message", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("project", mcp.Description("Project name or ID. Defaults to the loop's project.")),
	)
	return tool, s.handleSendMessage
}

func (s *Server) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := request.RequireString("message")
	if err != nil || strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("missing required parameter: message"), nil
	}
	projectID, err := s.projectID(ctx, request.GetString("project", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msg := &models.ChatMessage{ProjectID: projectID, Role: models.ChatRoleUser, Content: text}
	if err := s.store.AppendChatMessage(ctx, msg); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to send message: %v", err)), nil
	}
	return jsonResult(map[string]string{"id": msg.ID, "projectId": projectID})
}

// overseer_list_activity
func (s *Server) listActivityTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overseer_list_activity",
		mcp.WithDescription("List recent activity records of a project, newest first."),
		mcp.WithString("project", mcp.Description("Project name or ID. Defaults to the loop's project.")),
		mcp.WithNumber("limit", mcp.Description("Maximum records to return (default 50)")),
	)
	return tool, s.handleListActivity
}

func (s *Server) handleListActivity(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := s.projectID(ctx, request.GetString("project", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	acts, err := s.store.ListActivity(ctx, projectID, request.GetInt("limit", 50))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list activity: %v", err)), nil
	}

	type activityOut struct {
		Kind      models.ActivityKind    `json:"kind"`
		Summary   string                 `json:"summary"`
		Payload   models.ActivityPayload `json:"payload,omitempty"`
		CreatedAt string                 `json:"createdAt"`
	}
	out := make([]activityOut, len(acts))
	for i, a := range acts {
		out[i] = activityOut{Kind: a.Kind, Summary: a.Summary, Payload: a.Payload, CreatedAt: a.CreatedAt.Format("2006-01-02T15:04:05Z07:00")}
	}
	return jsonResult(out)
}

// overseer_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overseer_list_sessions",
		mcp.WithDescription("List agent sessions of a project, newest first."),
		mcp.WithString("project", mcp.Description("Project name or ID. Defaults to the loop's project.")),
		mcp.WithString("status", mcp.Description("Comma-separated statuses to include (active, disconnected, resumed, terminated)")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := s.projectID(ctx, request.GetString("project", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	filter := store.SessionFilter{ProjectID: projectID}
	for _, st := range strings.Split(request.GetString("status", ""), ",") {
		if st = strings.TrimSpace(st); st != "" {
			filter.Statuses = append(filter.Statuses, models.SessionStatus(st))
		}
	}
	sessions, err := s.store.ListAgentSessions(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	type sessionOut struct {
		ID          string               `json:"id"`
		WorkerID    string               `json:"workerId"`
		Branch      string               `json:"branch"`
		Status      models.SessionStatus `json:"status"`
		ResumeCount int                  `json:"resumeCount"`
	}
	out := make([]sessionOut, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionOut{ID: sess.ID, WorkerID: sess.WorkerID, Branch: sess.Branch, Status: sess.Status, ResumeCount: sess.ResumeCount}
	}
	return jsonResult(out)
}
