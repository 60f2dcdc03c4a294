package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/joescharf/overseer/internal/git"
	"github.com/joescharf/overseer/internal/llm"
	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/process"
	"github.com/joescharf/overseer/internal/sessions"
)

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	Tool    string `json:"tool"`
	CallID  string `json:"callId,omitempty"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ConflictResult is the output of a merge_worker call that hit conflicts.
type ConflictResult struct {
	WorkerID  string   `json:"workerId"`
	Branch    string   `json:"branch"`
	Into      string   `json:"into"`
	Merged    bool     `json:"merged"`
	Conflicts []string `json:"conflicts"`
}

// ToolExecutor applies oracle tool calls to the worker fleet.
type ToolExecutor struct {
	deps     *Deps
	project  *models.Project
	fleet    *FleetView
	recorder *ActivityRecorder
}

func newToolExecutor(deps *Deps, project *models.Project, fleet *FleetView, recorder *ActivityRecorder) *ToolExecutor {
	return &ToolExecutor{deps: deps, project: project, fleet: fleet, recorder: recorder}
}

type createWorkerArgs struct {
	Name string `json:"name"`
	Task string `json:"task"`
}

type sendTaskArgs struct {
	WorkerID string `json:"workerId"`
	Message  string `json:"message"`
}

type mergeWorkerArgs struct {
	WorkerID         string `json:"workerId"`
	DeleteAfterMerge bool   `json:"deleteAfterMerge"`
}

type sendMessageArgs struct {
	Message string `json:"message"`
}

type checkStatusArgs struct {
	WorkerID string `json:"workerId"`
}

type noActionArgs struct {
	Reason string `json:"reason"`
}

// errToolArgs marks argument decoding or validation failures.
var errToolArgs = errors.New("malformed tool arguments")

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errToolArgs, err)
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", errToolArgs, field)
	}
	return nil
}

// Execute runs one tool call. Failures are reported in the result and never
// returned as errors.
func (e *ToolExecutor) Execute(ctx context.Context, call llm.ToolCall, tc *TickContext) ToolResult {
	ctx, span := e.deps.Tracer.Start(ctx, "orchestrator.tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", call.Name))

	e.recorder.Record(ctx, "tool call: "+call.Name, models.ToolCallPayload{
		Tool: call.Name, CallID: call.ID, Arguments: call.Arguments,
	})

	output, err := e.dispatch(ctx, call, tc)
	res := ToolResult{Tool: call.Name, CallID: call.ID, Success: err == nil, Output: output}
	if err != nil {
		res.Error = err.Error()
		span.SetStatus(codes.Error, res.Error)
		if errors.Is(err, errToolArgs) {
			e.deps.Logger.Warn("skipping tool call", "tool", call.Name, "error", err)
		} else {
			e.deps.Logger.Warn("tool call failed", "tool", call.Name, "error", err)
		}
	}

	summary := "tool result: " + call.Name
	if !res.Success {
		summary = "tool failed: " + call.Name
	}
	e.recorder.Record(ctx, summary, models.ToolResultPayload{
		Tool: call.Name, CallID: call.ID, Success: res.Success, Output: res.Output, Error: res.Error,
	})
	return res
}

func (e *ToolExecutor) dispatch(ctx context.Context, call llm.ToolCall, tc *TickContext) (string, error) {
	switch call.Name {
	case llm.ToolCreateWorker:
		var args createWorkerArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", err
		}
		return e.createWorker(ctx, args)
	case llm.ToolSendTask:
		var args sendTaskArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", err
		}
		return e.sendTask(ctx, args)
	case llm.ToolMergeWorker:
		var args mergeWorkerArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", err
		}
		return e.mergeWorker(ctx, args)
	case llm.ToolSendMessage:
		var args sendMessageArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", err
		}
		return e.sendMessage(ctx, args)
	case llm.ToolCheckStatus:
		var args checkStatusArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", err
		}
		return e.checkStatus(args, tc)
	case llm.ToolNoAction:
		var args noActionArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", err
		}
		if err := required("reason", args.Reason); err != nil {
			return "", err
		}
		e.deps.Logger.Info("no action", "reason", args.Reason)
		return args.Reason, nil
	default:
		return "", fmt.Errorf("%w: unknown tool %q", errToolArgs, call.Name)
	}
}

func (e *ToolExecutor) createWorker(ctx context.Context, args createWorkerArgs) (string, error) {
	if err := required("name", args.Name); err != nil {
		return "", err
	}
	if err := required("task", args.Task); err != nil {
		return "", err
	}
	workerID := git.Slugify(args.Name)
	if workerID == "" {
		return "", fmt.Errorf("%w: name %q has no usable characters", errToolArgs, args.Name)
	}
	branch := git.WorkerBranch(args.Name)
	workDir := filepath.Join(git.WorktreesDir(e.project.Path), workerID)

	base, err := e.fleet.DefaultBranch(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve default branch: %w", err)
	}
	if err := e.deps.Git.WorktreeAdd(ctx, e.project.Path, workDir, branch, base); err != nil {
		return "", fmt.Errorf("create worktree: %w", err)
	}

	sess, err := e.deps.Sessions.Launch(ctx, sessions.LaunchRequest{
		ProjectID: e.project.ID,
		WorkerID:  workerID,
		Branch:    branch,
		WorkDir:   workDir,
		Task:      args.Task,
	})
	if err != nil {
		if rmErr := e.deps.Git.WorktreeRemove(ctx, e.project.Path, workDir, true); rmErr != nil {
			e.deps.Logger.Warn("remove worktree after failed launch", "worker", workerID, "error", rmErr)
		} else if brErr := e.deps.Git.DeleteBranch(ctx, e.project.Path, branch); brErr != nil {
			e.deps.Logger.Warn("delete branch after failed launch", "branch", branch, "error", brErr)
		}
		return "", fmt.Errorf("launch worker: %w", err)
	}

	e.recorder.Record(ctx, "worker created: "+workerID, models.WorkerCreatedPayload{
		WorkerID: workerID, Branch: branch, WorkDir: workDir, SessionID: sess.ID,
	})
	e.deps.publish(WorkerCreated{ProjectID: e.project.ID, WorkerID: workerID, Branch: branch, SessionID: sess.ID})

	return marshalOutput(map[string]string{"workerId": workerID, "branch": branch, "sessionId": sess.ID})
}

func (e *ToolExecutor) sendTask(ctx context.Context, args sendTaskArgs) (string, error) {
	if err := required("workerId", args.WorkerID); err != nil {
		return "", err
	}
	if err := required("message", args.Message); err != nil {
		return "", err
	}
	sess, err := e.deps.Sessions.LiveSession(ctx, e.project.ID, args.WorkerID)
	if isNotFound(err) {
		return "", fmt.Errorf("no active session for worker %s", args.WorkerID)
	}
	if err != nil {
		return "", fmt.Errorf("look up session: %w", err)
	}
	if err := e.deps.Processes.WriteInput(sess.ProcessSessionID, args.Message); err != nil {
		if errors.Is(err, process.ErrNoSession) {
			return "", fmt.Errorf("worker %s is not running", args.WorkerID)
		}
		return "", fmt.Errorf("write to worker %s: %w", args.WorkerID, err)
	}
	if err := e.deps.Sessions.Touch(ctx, sess.ID, e.deps.Clock.Now()); err != nil {
		e.deps.Logger.Warn("touch session", "session", sess.ID, "error", err)
	}
	return fmt.Sprintf("sent %d characters to %s", len(args.Message), args.WorkerID), nil
}

func (e *ToolExecutor) mergeWorker(ctx context.Context, args mergeWorkerArgs) (string, error) {
	if err := required("workerId", args.WorkerID); err != nil {
		return "", err
	}

	sess, err := e.deps.Sessions.LiveSession(ctx, e.project.ID, args.WorkerID)
	if err != nil && !isNotFound(err) {
		return "", fmt.Errorf("look up session: %w", err)
	}
	wt, wtErr := e.fleet.Worktree(ctx, args.WorkerID)
	if wtErr != nil && !isNotFound(wtErr) {
		return "", wtErr
	}

	var branch, workDir string
	switch {
	case wt != nil:
		branch, workDir = wt.Branch, wt.Path
	case sess != nil:
		branch, workDir = sess.Branch, sess.WorkDir
	}
	if branch == "" {
		return "", fmt.Errorf("unknown worker %s", args.WorkerID)
	}

	into, err := e.fleet.DefaultBranch(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve default branch: %w", err)
	}
	res, err := e.deps.Git.Merge(ctx, e.project.Path, branch, into)
	if err != nil {
		return "", fmt.Errorf("merge %s: %w", branch, err)
	}
	if !res.Merged {
		out, _ := marshalOutput(ConflictResult{
			WorkerID: args.WorkerID, Branch: branch, Into: into, Conflicts: res.Conflicts,
		})
		return out, fmt.Errorf("merge of %s into %s conflicts in %d file(s); merge aborted", branch, into, len(res.Conflicts))
	}

	removed := false
	if args.DeleteAfterMerge {
		if sess != nil {
			if err := e.deps.Sessions.Terminate(ctx, sess.ID); err != nil {
				return "", fmt.Errorf("terminate session: %w", err)
			}
		}
		if workDir != "" {
			if err := e.deps.Git.WorktreeRemove(ctx, e.project.Path, workDir, true); err != nil {
				return "", fmt.Errorf("remove worktree: %w", err)
			}
		}
		if err := e.deps.Git.DeleteBranch(ctx, e.project.Path, branch); err != nil {
			e.deps.Logger.Warn("delete merged branch", "branch", branch, "error", err)
		}
		removed = true
	}
	return marshalOutput(map[string]any{"workerId": args.WorkerID, "branch": branch, "into": into, "merged": true, "removed": removed})
}

func (e *ToolExecutor) sendMessage(ctx context.Context, args sendMessageArgs) (string, error) {
	if err := required("message", args.Message); err != nil {
		return "", err
	}
	msg := &models.ChatMessage{ProjectID: e.project.ID, Role: models.ChatRoleOrchestrator, Content: args.Message}
	if err := e.deps.Store.AppendChatMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("save message: %w", err)
	}
	return "message sent", nil
}

func (e *ToolExecutor) checkStatus(args checkStatusArgs, tc *TickContext) (string, error) {
	if tc == nil {
		return "", errors.New("no tick context")
	}
	if args.WorkerID == "" {
		return marshalOutput(tc.Agents)
	}
	a, ok := tc.Agent(args.WorkerID)
	if !ok {
		return "", fmt.Errorf("unknown worker %s", args.WorkerID)
	}
	return marshalOutput(a)
}

func marshalOutput(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}
