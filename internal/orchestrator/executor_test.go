package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/overseer/internal/git"
	"github.com/joescharf/overseer/internal/llm"
	"github.com/joescharf/overseer/internal/models"
)

func (f *fixture) execute(t *testing.T, name, args string) ToolResult {
	t.Helper()
	tc := f.tick(t)
	return f.sched.engine.executor.Execute(context.Background(), call(name, args), tc)
}

func TestCreateWorker(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	res := f.execute(t, llm.ToolCreateWorker, `{"name":"Fix Login!","task":"fix the login redirect"}`)
	require.True(t, res.Success, res.Error)

	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.Output), &out))
	assert.Equal(t, "fix-login", out["workerId"])
	assert.Equal(t, "worker/fix-login", out["branch"])

	workDir := filepath.Join(git.WorktreesDir(f.project.Path), "fix-login")
	assert.True(t, f.git.hasWorktree(workDir))

	sess, err := f.sessions.LiveSession(context.Background(), f.project.ID, "fix-login")
	require.NoError(t, err)
	assert.Equal(t, out["sessionId"], sess.ID)
	assert.Equal(t, models.SessionStatusActive, sess.Status)
	assert.Equal(t, workDir, sess.WorkDir)
	assert.Equal(t, []string{"fix the login redirect"}, f.procs.inputsFor(sess.ProcessSessionID))

	created := f.activities(t, models.ActivityWorkerCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "fix-login", created[0].Payload.(models.WorkerCreatedPayload).WorkerID)
}

func TestCreateWorker_LaunchFailureRemovesWorktree(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.procs.launchErr = errBoom

	res := f.execute(t, llm.ToolCreateWorker, `{"name":"api","task":"add endpoint"}`)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "launch worker")
	assert.False(t, f.git.hasWorktree(filepath.Join(git.WorktreesDir(f.project.Path), "api")))
	assert.Equal(t, []string{"worker/api"}, f.git.deleted)
}

func TestMalformedArgumentsAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	for _, tc := range []struct {
		tool, args string
	}{
		{llm.ToolCreateWorker, `{"name":5}`},
		{llm.ToolCreateWorker, `{"name":"x"}`},
		{llm.ToolSendTask, `not json`},
		{llm.ToolNoAction, `{}`},
		{"format_disk", `{}`},
	} {
		res := f.execute(t, tc.tool, tc.args)
		assert.False(t, res.Success, tc.tool+" "+tc.args)
		assert.NotEmpty(t, res.Error)
	}
	assert.Len(t, f.git.worktrees, 1)
	assert.Equal(t, 0, f.sched.Status().ConsecutiveFailures)
}

func TestSendTask_NoSessionIsToolLocal(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	res := f.execute(t, llm.ToolSendTask, `{"workerId":"ghost","message":"hello"}`)
	assert.False(t, res.Success)
	assert.Equal(t, "no active session for worker ghost", res.Error)

	results := f.activities(t, models.ActivityToolResult)
	require.NotEmpty(t, results)
	payload := results[len(results)-1].Payload.(models.ToolResultPayload)
	assert.False(t, payload.Success)
	assert.Equal(t, "no active session for worker ghost", payload.Error)
	assert.Equal(t, 0, f.sched.Status().ConsecutiveFailures)
}

func TestSendTask(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	sess := f.addWorker(t, "auth")

	res := f.execute(t, llm.ToolSendTask, `{"workerId":"auth","message":"also add tests"}`)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"work on auth", "also add tests"}, f.procs.inputsFor(sess.ProcessSessionID))

	f.procs.kill(sess.ProcessSessionID)
	_, err := f.sched.UpdateConfig(context.Background(), models.ConfigPatch{AutoRestartDeadSessions: ptr(false)})
	require.NoError(t, err)
	res = f.execute(t, llm.ToolSendTask, `{"workerId":"auth","message":"ping"}`)
	assert.False(t, res.Success)
	assert.Equal(t, "worker auth is not running", res.Error)
}

func TestMergeWorker_ConflictKeepsWorktree(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	sess := f.addWorker(t, "auth")
	f.git.conflicts["worker/auth"] = []string{"auth.go", "README.md"}

	res := f.execute(t, llm.ToolMergeWorker, `{"workerId":"auth","deleteAfterMerge":true}`)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "conflicts in 2 file(s)")

	var conflict ConflictResult
	require.NoError(t, json.Unmarshal([]byte(res.Output), &conflict))
	assert.Equal(t, ConflictResult{
		WorkerID: "auth", Branch: "worker/auth", Into: "main",
		Conflicts: []string{"auth.go", "README.md"},
	}, conflict)

	assert.True(t, f.git.hasWorktree(sess.WorkDir))
	live, err := f.sessions.LiveSession(context.Background(), f.project.ID, "auth")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, live.ID)
}

func TestMergeWorker_DeleteAfterMerge(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	sess := f.addWorker(t, "auth")

	res := f.execute(t, llm.ToolMergeWorker, `{"workerId":"auth","deleteAfterMerge":true}`)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"worker/auth"}, f.git.merged)
	assert.Equal(t, []string{"worker/auth"}, f.git.deleted)
	assert.False(t, f.git.hasWorktree(sess.WorkDir))
	assert.False(t, f.procs.Alive(sess.ProcessSessionID))

	got, err := f.store.GetAgentSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTerminated, got.Status)
}

func TestMergeWorker_KeepWorker(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	sess := f.addWorker(t, "auth")

	res := f.execute(t, llm.ToolMergeWorker, `{"workerId":"auth"}`)
	require.True(t, res.Success, res.Error)
	assert.True(t, f.git.hasWorktree(sess.WorkDir))
	assert.True(t, f.procs.Alive(sess.ProcessSessionID))
}

func TestMergeWorker_UnknownWorker(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	res := f.execute(t, llm.ToolMergeWorker, `{"workerId":"ghost"}`)
	assert.False(t, res.Success)
	assert.Equal(t, "unknown worker ghost", res.Error)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	res := f.execute(t, llm.ToolSendMessage, `{"message":"auth is ready for review"}`)
	require.True(t, res.Success, res.Error)

	msgs, err := f.store.ListChatMessages(context.Background(), f.project.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.ChatRoleOrchestrator, msgs[0].Role)
	assert.Equal(t, "auth is ready for review", msgs[0].Content)
}

func TestCheckStatus(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.addWorker(t, "auth")

	res := f.execute(t, llm.ToolCheckStatus, `{"workerId":"auth"}`)
	require.True(t, res.Success, res.Error)
	var st AgentStatus
	require.NoError(t, json.Unmarshal([]byte(res.Output), &st))
	assert.Equal(t, "auth", st.WorkerID)
	assert.True(t, st.HasSession)

	res = f.execute(t, llm.ToolCheckStatus, `{}`)
	require.True(t, res.Success, res.Error)
	var all []AgentStatus
	require.NoError(t, json.Unmarshal([]byte(res.Output), &all))
	assert.Len(t, all, 1)

	res = f.execute(t, llm.ToolCheckStatus, `{"workerId":"ghost"}`)
	assert.False(t, res.Success)
}

func TestToolCallsAreRecordedBeforeAndAfter(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	res := f.execute(t, llm.ToolNoAction, `{"reason":"all quiet"}`)
	require.True(t, res.Success)
	assert.Equal(t, "all quiet", res.Output)

	kinds := f.activityKinds(t)
	require.GreaterOrEqual(t, len(kinds), 2)
	assert.Equal(t, []models.ActivityKind{models.ActivityToolCall, models.ActivityToolResult}, kinds[len(kinds)-2:])
}
