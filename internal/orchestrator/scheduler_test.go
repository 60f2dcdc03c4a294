package orchestrator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/overseer/internal/llm"
	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/pubsub"
)

func ptr[T any](v T) *T { return &v }

func TestStart_RunsAndPersistsDefaults(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	st := f.sched.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, f.project.ID, st.ProjectID)
	assert.Equal(t, int64(0), st.TickNumber)
	require.NotNil(t, st.NextTickAt)
	assert.Equal(t, epoch.Add(30*time.Second), *st.NextTickAt)
	assert.Equal(t, []time.Time{epoch.Add(30 * time.Second)}, f.clock.Pending())

	cfg, err := f.store.GetOrchestratorConfig(context.Background(), f.project.ID)
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 30000, cfg.TickIntervalMs)
	assert.Equal(t, 1, f.builds)
	assert.Contains(t, f.activityKinds(t), models.ActivityStartup)
}

func TestStart_ResolvesProjectByIDNameOrPath(t *testing.T) {
	for _, ref := range []func(p *models.Project) string{
		func(p *models.Project) string { return p.ID },
		func(p *models.Project) string { return p.Name },
		func(p *models.Project) string { return p.Path },
	} {
		f := newFixture(t)
		require.NoError(t, f.sched.Start(context.Background(), ref(f.project)))
		assert.Equal(t, f.project.ID, f.sched.Project().ID)
	}
}

func TestStart_Disabled(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.ProjectID = f.project.ID
	cfg.Enabled = false
	require.NoError(t, f.store.SaveOrchestratorConfig(context.Background(), &cfg))

	err := f.sched.Start(context.Background(), "")
	require.ErrorIs(t, err, ErrDisabled)
	assert.Equal(t, StateStopped, f.sched.Status().State)
	assert.Empty(t, f.clock.Pending())
	assert.Equal(t, 0, f.builds)
}

func TestStart_UnknownProject(t *testing.T) {
	f := newFixture(t)
	err := f.sched.Start(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, StateStopped, f.sched.Status().State)
}

func TestStart_OnlyFromStopped(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	err := f.sched.Start(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateRunning, f.sched.Status().State)
}

func TestStart_DisconnectsAndReconcilesSessions(t *testing.T) {
	f := newFixture(t)
	kept := f.addWorker(t, "auth")
	gone := f.addWorker(t, "gone")
	require.NoError(t, os.RemoveAll(gone.WorkDir))

	f.start(t)

	ctx := context.Background()
	got, err := f.store.GetAgentSession(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusDisconnected, got.Status)

	got, err = f.store.GetAgentSession(ctx, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTerminated, got.Status)

	startups := f.activities(t, models.ActivityStartup)
	require.Len(t, startups, 1)
	assert.Equal(t, 2, startups[0].Payload.(models.LoopPayload).Sessions)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.sched.Pause(), ErrInvalidState)

	f.start(t)
	require.NoError(t, f.sched.Pause())
	assert.Equal(t, StatePaused, f.sched.Status().State)
	assert.Empty(t, f.clock.Pending())
	assert.Nil(t, f.sched.Status().NextTickAt)
	require.ErrorIs(t, f.sched.Pause(), ErrInvalidState)

	f.clock.Advance(time.Minute)
	assert.Equal(t, int64(0), f.sched.Status().TickNumber)
	_, err := f.sched.ManualTick(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, f.sched.Resume())
	assert.Equal(t, StateRunning, f.sched.Status().State)
	assert.Equal(t, []time.Time{epoch.Add(90 * time.Second)}, f.clock.Pending())
	require.ErrorIs(t, f.sched.Resume(), ErrInvalidState)
}

func TestTimerDrivesTicks(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.clock.Advance(29 * time.Second)
	assert.Equal(t, int64(0), f.sched.Status().TickNumber)

	f.clock.Advance(time.Second)
	st := f.sched.Status()
	assert.Equal(t, int64(1), st.TickNumber)
	require.NotNil(t, st.LastTickAt)
	assert.Equal(t, epoch.Add(30*time.Second), *st.LastTickAt)

	f.clock.Advance(30 * time.Second)
	assert.Equal(t, int64(2), f.sched.Status().TickNumber)
	assert.Equal(t, 2, f.oracle.requestCount())
	assert.Len(t, f.clock.Pending(), 1)
}

func TestManualTick_ReArmsTimer(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.clock.Advance(20 * time.Second)

	tc := f.tick(t)
	assert.Equal(t, int64(1), tc.TickNumber)
	assert.Equal(t, epoch.Add(20*time.Second), tc.Timestamp)
	assert.Equal(t, []time.Time{epoch.Add(50 * time.Second)}, f.clock.Pending())
}

func TestStaleTimerCallbackIgnored(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.sched.mu.Lock()
	gen := f.sched.generation
	f.sched.mu.Unlock()

	_, err := f.sched.UpdateConfig(context.Background(), models.ConfigPatch{TickIntervalMs: ptr(5000)})
	require.NoError(t, err)

	f.sched.fire(gen)
	assert.Equal(t, int64(0), f.sched.Status().TickNumber)
}

func TestDegradedAfterThresholdAndRecovery(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.git.setListErr(errBoom)

	states := []State{f.sched.Status().State}
	for i := 1; i <= 3; i++ {
		tc := f.tick(t)
		assert.Equal(t, int64(i), tc.TickNumber)
		assert.Empty(t, tc.Agents)
		states = append(states, f.sched.Status().State)
	}
	assert.Equal(t, []State{StateRunning, StateRunning, StateRunning, StateDegraded}, states)
	assert.Equal(t, 3, f.sched.Status().ConsecutiveFailures)
	assert.Len(t, f.clock.Pending(), 1, "degraded loop keeps ticking")

	f.clock.Advance(30 * time.Second)
	assert.Equal(t, StateDegraded, f.sched.Status().State)
	assert.Equal(t, 4, f.sched.Status().ConsecutiveFailures)

	f.git.setListErr(nil)
	f.tick(t)
	st := f.sched.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Len(t, f.activities(t, models.ActivityError), 4)
}

func TestOracleTimeoutIsTickFatal(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	_, err := f.sched.UpdateConfig(context.Background(), models.ConfigPatch{OracleTimeoutMs: ptr(20)})
	require.NoError(t, err)
	f.oracle.set(func(o *scriptedOracle) { o.block = true })

	tc := f.tick(t)
	assert.Equal(t, int64(1), tc.TickNumber)
	assert.Equal(t, 1, f.sched.Status().ConsecutiveFailures)

	errs := f.activities(t, models.ActivityError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Payload.(models.ErrorPayload).Message, "timed out")
}

func TestOracleErrorIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.oracle.set(func(o *scriptedOracle) { o.err = errBoom })

	f.tick(t)
	assert.Equal(t, 0, f.sched.Status().ConsecutiveFailures)
	errs := f.activities(t, models.ActivityError)
	require.Len(t, errs, 1)
	assert.Equal(t, "oracle", errs[0].Payload.(models.ErrorPayload).Scope)
}

func TestTickPanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.oracle.set(func(o *scriptedOracle) { o.panicMsg = "oracle exploded" })

	tc := f.tick(t)
	assert.Equal(t, int64(1), tc.TickNumber)
	st := f.sched.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Len(t, f.clock.Pending(), 1)
}

func TestUpdateConfig_ReArmsTimer(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.clock.Advance(10 * time.Second)

	cfg, err := f.sched.UpdateConfig(context.Background(), models.ConfigPatch{TickIntervalMs: ptr(5000)})
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.TickIntervalMs)
	assert.Equal(t, []time.Time{epoch.Add(15 * time.Second)}, f.clock.Pending())

	f.clock.Advance(5 * time.Second)
	assert.Equal(t, int64(1), f.sched.Status().TickNumber)
	assert.Equal(t, []time.Time{epoch.Add(20 * time.Second)}, f.clock.Pending())

	stored, err := f.store.GetOrchestratorConfig(context.Background(), f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, 5000, stored.TickIntervalMs)
	assert.Equal(t, 1, f.builds, "interval change keeps the oracle")
}

func TestUpdateConfig_ReinitializesOracle(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.sched.UpdateConfig(context.Background(), models.ConfigPatch{Model: ptr("claude-opus-4-1")})
	require.NoError(t, err)
	assert.Equal(t, 2, f.builds)
	assert.Equal(t, "claude-opus-4-1", f.sched.Status().Config.Model)
}

func TestUpdateConfig_WhileStopped(t *testing.T) {
	f := newFixture(t)
	cfg, err := f.sched.UpdateConfig(context.Background(), models.ConfigPatch{Enabled: ptr(false)})
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Empty(t, f.clock.Pending())

	require.ErrorIs(t, f.sched.Start(context.Background(), ""), ErrDisabled)
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sched.Stop(context.Background()), "stop when stopped is a no-op")

	f.start(t)
	require.NoError(t, f.sched.Stop(context.Background()))
	assert.Equal(t, StateStopped, f.sched.Status().State)
	assert.Empty(t, f.clock.Pending())

	f.clock.Advance(time.Minute)
	assert.Equal(t, int64(0), f.sched.Status().TickNumber)
	assert.Contains(t, f.activityKinds(t), models.ActivityShutdown)

	f.start(t)
	assert.Equal(t, StateRunning, f.sched.Status().State)
}

func TestTickNumberSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.tick(t)
	f.tick(t)
	require.NoError(t, f.sched.Stop(context.Background()))

	f.start(t)
	assert.Equal(t, int64(2), f.sched.Status().TickNumber)
	tc := f.tick(t)
	assert.Equal(t, int64(3), tc.TickNumber)
}

func TestStateEventsPublished(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.events.Subscribe(ctx)

	f.start(t)
	require.NoError(t, f.sched.Pause())

	var got []StateChanged
	for len(got) < 3 {
		select {
		case ev := <-ch:
			if sc, ok := ev.Payload.(StateChanged); ok {
				got = append(got, sc)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for state events, got %v", got)
		}
	}
	assert.Equal(t, StateStopped, got[0].From)
	assert.Equal(t, StateStarting, got[0].To)
	assert.Equal(t, StateRunning, got[1].To)
	assert.Equal(t, f.project.ID, got[1].ProjectID)
	assert.Equal(t, StatePaused, got[2].To)
	assert.Equal(t, pubsub.EventType("state_changed"), EventStateChanged)
}

func TestAutoRestartDeadSessions(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.events.Subscribe(ctx)

	sess := f.addWorker(t, "auth")
	f.procs.kill(sess.ProcessSessionID)

	tc := f.tick(t)
	assert.Equal(t, []string{"auth"}, tc.DeadSessions)
	a, ok := tc.Agent("auth")
	require.True(t, ok)
	assert.Equal(t, AgentDead, a.State)

	got, err := f.store.GetAgentSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusResumed, got.Status)
	assert.Equal(t, 1, got.ResumeCount)
	assert.NotEqual(t, sess.ProcessSessionID, got.ProcessSessionID)

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-ch:
				if r, ok := ev.Payload.(SessionResumed); ok {
					return r.SessionID == sess.ID && r.ResumeCount == 1
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
}

func TestAutoRestartDisabled(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	_, err := f.sched.UpdateConfig(context.Background(), models.ConfigPatch{AutoRestartDeadSessions: ptr(false)})
	require.NoError(t, err)

	sess := f.addWorker(t, "auth")
	f.procs.kill(sess.ProcessSessionID)
	f.tick(t)

	got, err := f.store.GetAgentSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, got.Status)
	assert.Equal(t, 0, got.ResumeCount)
}

func TestTickRunsRequestedTools(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.oracle.queue(&llm.Reply{
		Text: "Starting the login fix.",
		ToolCalls: []llm.ToolCall{
			call(llm.ToolCreateWorker, `{"name":"Fix Login","task":"fix the login redirect"}`),
			call(llm.ToolSendMessage, `{"message":"started fix-login"}`),
		},
	})

	f.tick(t)

	sess, err := f.sessions.LiveSession(context.Background(), f.project.ID, "fix-login")
	require.NoError(t, err)
	assert.Equal(t, "worker/fix-login", sess.Branch)

	msgs, err := f.store.ListChatMessages(context.Background(), f.project.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.ChatRoleOrchestrator, msgs[0].Role)

	decisions := f.activities(t, models.ActivityDecision)
	require.Len(t, decisions, 1)
	d := decisions[0].Payload.(models.DecisionPayload)
	assert.Equal(t, "Starting the login fix.", d.Reasoning)
	assert.Equal(t, 2, d.ToolCalls)

	tc := f.tick(t)
	a, ok := tc.Agent("fix-login")
	require.True(t, ok)
	assert.Equal(t, "worker/fix-login", a.Branch)
	assert.True(t, a.HasSession)
}
