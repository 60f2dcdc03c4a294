package llm

import "github.com/mark3labs/mcp-go/mcp"

// Tool names of the orchestrator contract.
const (
	ToolCreateWorker = "create_worker"
	ToolSendTask     = "send_task"
	ToolMergeWorker  = "merge_worker"
	ToolSendMessage  = "send_message"
	ToolCheckStatus  = "check_status"
	ToolNoAction     = "no_action"
)

// OrchestratorTools returns the six actions the oracle may request each tick.
func OrchestratorTools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(ToolCreateWorker,
			mcp.WithDescription("Create a new worker: a git worktree on branch worker/<name> with a coding agent started on the given task."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Short name for the worker, used for its branch and directory")),
			mcp.WithString("task", mcp.Required(), mcp.Description("Task description handed to the agent")),
		),
		mcp.NewTool(ToolSendTask,
			mcp.WithDescription("Send a message or follow-up task to an existing worker's agent."),
			mcp.WithString("workerId", mcp.Required(), mcp.Description("Worker identifier")),
			mcp.WithString("message", mcp.Required(), mcp.Description("Text written to the agent")),
		),
		mcp.NewTool(ToolMergeWorker,
			mcp.WithDescription("Merge a worker's branch into the project's default branch. Conflicts abort the merge and keep the worker."),
			mcp.WithString("workerId", mcp.Required(), mcp.Description("Worker identifier")),
			mcp.WithBoolean("deleteAfterMerge", mcp.Description("Remove the worker and its worktree after a successful merge")),
		),
		mcp.NewTool(ToolSendMessage,
			mcp.WithDescription("Send a message to the human operator."),
			mcp.WithString("message", mcp.Required(), mcp.Description("Message text")),
		),
		mcp.NewTool(ToolCheckStatus,
			mcp.WithDescription("Report detailed status of one worker, or of all workers when workerId is omitted."),
			mcp.WithString("workerId", mcp.Description("Worker identifier")),
		),
		mcp.NewTool(ToolNoAction,
			mcp.WithDescription("Explicitly take no action this tick."),
			mcp.WithString("reason", mcp.Required(), mcp.Description("Why nothing needs to be done")),
		),
	}
}
