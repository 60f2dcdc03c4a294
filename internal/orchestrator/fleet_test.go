package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/overseer/internal/git"
	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/process"
)

func TestDeriveState(t *testing.T) {
	now := epoch
	tests := []struct {
		name string
		in   statusInput
		want AgentState
	}{
		{"no branch", statusInput{Now: now}, AgentUnknown},
		{"detached", statusInput{Branch: "worker/a", Detached: true, Now: now}, AgentUnknown},
		{"dead", statusInput{Branch: "worker/a", Dead: true, Blocked: true, Now: now}, AgentDead},
		{"dead and detached", statusInput{Detached: true, Dead: true, Now: now}, AgentDead},
		{"question pending", statusInput{Branch: "worker/a", Blocked: true, Completed: true, Now: now}, AgentBlocked},
		{"completion pending", statusInput{Branch: "worker/a", Completed: true, Running: true, Now: now}, AgentReady},
		{"recent output", statusInput{Branch: "worker/a", Running: true, LastActivityAt: now.Add(-30 * time.Second), Now: now}, AgentWorking},
		{"quiet process", statusInput{Branch: "worker/a", Running: true, LastActivityAt: now.Add(-5 * time.Minute), Now: now}, AgentIdle},
		{"no process", statusInput{Branch: "worker/a", LastActivityAt: now, Now: now}, AgentIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveState(tt.in))
		})
	}
}

func TestBuild_ExcludesPrimaryAndDerivesStatus(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	idle := f.addWorker(t, "idle")
	dead := f.addWorker(t, "dead")
	f.procs.kill(dead.ProcessSessionID)
	// A worktree without a session.
	require.NoError(t, f.git.WorktreeAdd(context.Background(), f.project.Path,
		git.WorktreesDir(f.project.Path)+"/manual", "worker/manual", "main"))
	f.procs.output(idle.ProcessSessionID, epoch.Add(-10*time.Minute))

	_, err := f.sched.UpdateConfig(context.Background(), models.ConfigPatch{AutoRestartDeadSessions: ptr(false)})
	require.NoError(t, err)
	tc := f.tick(t)

	require.Len(t, tc.Agents, 3)
	byID := map[string]AgentStatus{}
	for _, a := range tc.Agents {
		byID[a.WorkerID] = a
	}
	assert.NotContains(t, byID, "app")
	assert.Equal(t, AgentDead, byID["dead"].State)
	assert.Equal(t, AgentIdle, byID["manual"].State)
	assert.False(t, byID["manual"].HasSession)
	assert.True(t, byID["idle"].HasSession)
	assert.Equal(t, idle.ID, byID["idle"].SessionID)
	assert.Equal(t, []string{"dead"}, tc.DeadSessions)
}

func TestBuild_TouchesSessionOnNewOutput(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	sess := f.addWorker(t, "auth")
	later := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	f.procs.output(sess.ProcessSessionID, later)

	tc := f.tick(t)
	a, ok := tc.Agent("auth")
	require.True(t, ok)
	assert.True(t, a.LastActivityAt.Equal(later))

	got, err := f.store.GetAgentSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, got.LastActiveAt.Equal(later))
}

func TestBuild_DrainsSignalsOnce(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.addWorker(t, "auth")
	f.addWorker(t, "api")
	f.oracle.set(func(o *scriptedOracle) { o.err = errBoom })

	f.signals.Publish(process.SignalQuestion, process.Signal{WorkerID: "auth", Text: "Should I also update the docs?", At: epoch})
	f.signals.Publish(process.SignalCompletion, process.Signal{WorkerID: "api", Text: "Task complete", At: epoch})
	f.signals.Publish(process.SignalError, process.Signal{WorkerID: "auth", Text: "error: build failed", At: epoch})

	require.Eventually(t, func() bool {
		f.sched.fleet.pending.mu.Lock()
		defer f.sched.fleet.pending.mu.Unlock()
		return len(f.sched.fleet.pending.questions)+len(f.sched.fleet.pending.completions)+len(f.sched.fleet.pending.errors) == 3
	}, time.Second, 5*time.Millisecond)

	tc := f.tick(t)
	require.Len(t, tc.Questions, 1)
	require.Len(t, tc.Completions, 1)
	require.Len(t, tc.Errors, 1)
	auth, _ := tc.Agent("auth")
	api, _ := tc.Agent("api")
	assert.Equal(t, AgentBlocked, auth.State)
	assert.Equal(t, AgentReady, api.State)

	tc = f.tick(t)
	assert.Empty(t, tc.Questions)
	assert.Empty(t, tc.Completions)
	assert.Empty(t, tc.Errors)
}

func TestBuild_ConsumesUnreadOperatorMessages(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()
	require.NoError(t, f.store.AppendChatMessage(ctx, &models.ChatMessage{ProjectID: f.project.ID, Role: models.ChatRoleUser, Content: "prioritize the auth work"}))
	require.NoError(t, f.store.AppendChatMessage(ctx, &models.ChatMessage{ProjectID: f.project.ID, Role: models.ChatRoleOrchestrator, Content: "noted"}))

	tc := f.tick(t)
	assert.Equal(t, 1, tc.UnreadMessages)
	require.Len(t, tc.Messages, 1)
	assert.Equal(t, "prioritize the auth work", tc.Messages[0].Content)

	tc = f.tick(t)
	assert.Equal(t, 0, tc.UnreadMessages)
}

func TestBuild_OracleFailureKeepsMessagesUnread(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()
	require.NoError(t, f.store.AppendChatMessage(ctx, &models.ChatMessage{ProjectID: f.project.ID, Role: models.ChatRoleUser, Content: "merge auth first"}))

	f.oracle.set(func(o *scriptedOracle) { o.err = errBoom })
	tc := f.tick(t)
	assert.Equal(t, 1, tc.UnreadMessages)

	f.oracle.set(func(o *scriptedOracle) { o.err = nil })
	tc = f.tick(t)
	assert.Equal(t, 1, tc.UnreadMessages, "message is shown again after the oracle recovers")

	tc = f.tick(t)
	assert.Equal(t, 0, tc.UnreadMessages)
}

func TestDefaultBranchIsCached(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	fleet := f.sched.fleet

	for range 3 {
		b, err := fleet.DefaultBranch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "main", b)
	}
	assert.Equal(t, 1, f.git.defaultCalls)
}
