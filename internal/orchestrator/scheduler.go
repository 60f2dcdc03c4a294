// Package orchestrator runs the control loop that supervises a project's
// worker fleet: each tick observes the workers, asks the oracle what to do and
// applies the requested actions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joescharf/overseer/internal/llm"
	"github.com/joescharf/overseer/internal/models"
)

// Scheduler owns the loop state of one project and drives its ticks.
type Scheduler struct {
	deps       Deps
	defaultRef string

	// tickMu serializes ticks.
	tickMu sync.Mutex
	// configMu serializes configuration updates.
	configMu sync.Mutex

	mu          sync.Mutex
	state       State
	project     *models.Project
	cfg         models.OrchestratorConfig
	tickNumber  int64 // never reset, so numbers stay unique across restarts
	lastTickAt  time.Time
	nextTickAt  time.Time
	failures    int
	timer       Timer
	generation  uint64
	fleet       *FleetView
	engine      *DecisionEngine
	recorder    *ActivityRecorder
	stopSignals context.CancelFunc
}

// NewScheduler creates a stopped scheduler. projectRef is the project Start
// uses when called without one; it may be a project id, name or path.
func NewScheduler(deps Deps, projectRef string) *Scheduler {
	deps.setDefaults()
	return &Scheduler{deps: deps, defaultRef: projectRef, state: StateStopped, cfg: deps.Defaults}
}

// Start loads the project's configuration and begins ticking.
func (s *Scheduler) Start(ctx context.Context, projectRef string) (err error) {
	s.mu.Lock()
	if s.state != StateStopped {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, st)
	}
	ev := s.setStateLocked(StateStarting)
	s.mu.Unlock()
	s.emit(ctx, ev)

	defer func() {
		if err != nil {
			s.mu.Lock()
			ev := s.setStateLocked(StateStopped)
			s.mu.Unlock()
			s.emit(ctx, ev)
		}
	}()

	project, err := s.resolveProject(ctx, projectRef)
	if err != nil {
		return err
	}
	cfg, err := s.loadConfig(ctx, project.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.project, s.cfg = project, *cfg
	s.mu.Unlock()
	if !cfg.Enabled {
		return ErrDisabled
	}

	if s.deps.Oracle == nil {
		return errors.New("no oracle configured")
	}
	provider, err := s.deps.Oracle(*cfg)
	if err != nil {
		return fmt.Errorf("initialize oracle: %w", err)
	}

	disconnected, err := s.deps.Sessions.DisconnectAll(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("disconnect sessions: %w", err)
	}
	rec, err := s.deps.Sessions.Reconcile(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("reconcile sessions: %w", err)
	}

	recorder := NewActivityRecorder(s.deps.Store, project.ID, s.deps.Logger)
	fleet := newFleetView(&s.deps, project)
	executor := newToolExecutor(&s.deps, project, fleet, recorder)
	engine := newDecisionEngine(provider, executor, recorder, &s.deps, cfg.OracleTimeout())

	subCtx, cancel := context.WithCancel(context.Background())
	fleet.Subscribe(subCtx)

	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: stopped while starting", ErrInvalidState)
	}
	s.fleet, s.engine, s.recorder, s.stopSignals = fleet, engine, recorder, cancel
	s.failures = 0
	s.lastTickAt = time.Time{}
	ev = s.setStateLocked(StateRunning)
	s.armLocked(cfg.TickInterval())
	s.mu.Unlock()

	for _, t := range rec.Terminated {
		s.deps.Logger.Info("terminated session with missing worktree", "worker", t.WorkerID, "session", t.ID)
	}
	for _, d := range rec.Dead {
		s.deps.Logger.Info("found dead session", "worker", d.WorkerID, "session", d.ID)
	}
	recorder.Record(ctx, "orchestrator started", models.LoopPayload{Sessions: int(disconnected)})
	s.deps.Logger.Info("orchestrator started", "project", project.Name, "interval", cfg.TickInterval(), "oracle", provider.Name())
	s.emit(ctx, ev)
	return nil
}

// Stop cancels the pending tick and stops the loop. A tick already running
// finishes on its own.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateStopping {
		s.mu.Unlock()
		return nil
	}
	ev := s.setStateLocked(StateStopping)
	s.cancelTimerLocked()
	if s.stopSignals != nil {
		s.stopSignals()
		s.stopSignals = nil
	}
	recorder := s.recorder
	s.mu.Unlock()
	s.emit(ctx, ev)

	if recorder != nil {
		recorder.Record(ctx, "orchestrator stopped", models.LoopPayload{Shutdown: true, Reason: "stop requested"})
	}

	s.mu.Lock()
	ev = s.setStateLocked(StateStopped)
	s.mu.Unlock()
	s.emit(ctx, ev)
	return nil
}

// Pause cancels the pending tick.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	if s.state != StateRunning {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidState, st)
	}
	s.cancelTimerLocked()
	ev := s.setStateLocked(StatePaused)
	s.mu.Unlock()
	s.emit(context.Background(), ev)
	return nil
}

// Resume continues a paused loop.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	if s.state != StatePaused {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidState, st)
	}
	ev := s.setStateLocked(StateRunning)
	s.armLocked(s.cfg.TickInterval())
	s.mu.Unlock()
	s.emit(context.Background(), ev)
	return nil
}

// ManualTick runs a tick now. A failed tick yields a context holding only the
// tick number and timestamp.
func (s *Scheduler) ManualTick(ctx context.Context) (*TickContext, error) {
	return s.tick(ctx, 0)
}

// UpdateConfig merges patch into the project's configuration and persists it.
// Oracle settings take effect immediately and a running loop is rescheduled
// with the new interval.
func (s *Scheduler) UpdateConfig(ctx context.Context, patch models.ConfigPatch) (models.OrchestratorConfig, error) {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	s.mu.Lock()
	project, current, engine := s.project, s.cfg, s.engine
	s.mu.Unlock()

	if project == nil {
		p, err := s.resolveProject(ctx, "")
		if err != nil {
			return models.OrchestratorConfig{}, err
		}
		loaded, err := s.loadConfig(ctx, p.ID)
		if err != nil {
			return models.OrchestratorConfig{}, err
		}
		project, current = p, *loaded
	}

	cfg := current
	oracleChanged := patch.Apply(&cfg)
	cfg.ProjectID = project.ID

	var provider llm.Provider
	if oracleChanged && engine != nil {
		p, err := s.deps.Oracle(cfg)
		if err != nil {
			return current, fmt.Errorf("initialize oracle: %w", err)
		}
		provider = p
	}

	if err := s.deps.Store.SaveOrchestratorConfig(ctx, &cfg); err != nil {
		return current, fmt.Errorf("save config: %w", err)
	}
	if engine != nil {
		engine.reconfigure(provider, cfg.OracleTimeout())
	}

	s.mu.Lock()
	if s.project == nil {
		s.project = project
	}
	s.cfg = cfg
	if s.state.ticking() {
		s.armLocked(cfg.TickInterval())
	}
	s.mu.Unlock()

	s.deps.Logger.Info("orchestrator config updated", "project", project.Name,
		"interval", cfg.TickInterval(), "oracle_changed", oracleChanged)
	return cfg, nil
}

// Status returns a snapshot of the loop.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:               s.state,
		TickNumber:          s.tickNumber,
		ConsecutiveFailures: s.failures,
		Config:              s.cfg,
	}
	if s.project != nil {
		st.ProjectID = s.project.ID
	}
	if !s.lastTickAt.IsZero() {
		t := s.lastTickAt
		st.LastTickAt = &t
	}
	if !s.nextTickAt.IsZero() {
		t := s.nextTickAt
		st.NextTickAt = &t
	}
	return st
}

// Project returns the project the scheduler was started for, if any.
func (s *Scheduler) Project() *models.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project
}

var errStaleTimer = errors.New("stale timer")

func (s *Scheduler) fire(gen uint64) {
	if _, err := s.tick(context.Background(), gen); err != nil && !errors.Is(err, errStaleTimer) {
		s.deps.Logger.Debug("scheduled tick skipped", "error", err)
	}
}

// tick runs one tick. gen is the timer generation that triggered it, or zero
// for a manual tick.
func (s *Scheduler) tick(ctx context.Context, gen uint64) (*TickContext, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	if gen != 0 && gen != s.generation {
		s.mu.Unlock()
		return nil, errStaleTimer
	}
	if !s.state.ticking() {
		st := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot tick in %s", ErrInvalidState, st)
	}
	s.tickNumber++
	n := s.tickNumber
	now := s.deps.Clock.Now()
	s.lastTickAt = now
	cfg, fleet, engine, recorder := s.cfg, s.fleet, s.engine, s.recorder
	s.mu.Unlock()

	tc, err := s.runTick(ctx, n, now, cfg, fleet, engine, recorder)

	var changed StateChanged
	s.mu.Lock()
	if err != nil {
		s.failures++
	} else {
		s.failures = 0
	}
	if s.state.ticking() {
		switch {
		case err != nil && s.state == StateRunning && s.failures >= s.cfg.MaxConsecutiveFailures:
			changed = s.setStateLocked(StateDegraded)
		case err == nil && s.state == StateDegraded:
			changed = s.setStateLocked(StateRunning)
		}
		s.armLocked(s.cfg.TickInterval())
	}
	failures := s.failures
	projectID := s.project.ID
	s.mu.Unlock()

	done := TickCompleted{ProjectID: projectID, TickNumber: n, ConsecutiveFailures: failures}
	if err != nil {
		done.Failed, done.Error = true, err.Error()
		s.deps.Logger.Error("tick failed", "tick", n, "consecutive_failures", failures, "error", err)
		recorder.Record(ctx, fmt.Sprintf("tick %d failed", n), models.ErrorPayload{
			Scope: "tick", Message: err.Error(), ConsecutiveFailures: failures,
		})
		tc = &TickContext{TickNumber: n, Timestamp: now}
	}
	s.deps.publish(done)
	s.emit(ctx, changed)
	return tc, nil
}

func (s *Scheduler) runTick(ctx context.Context, n int64, now time.Time, cfg models.OrchestratorConfig,
	fleet *FleetView, engine *DecisionEngine, recorder *ActivityRecorder) (tc *TickContext, err error) {
	ctx, span := s.deps.Tracer.Start(ctx, "orchestrator.tick", trace.WithAttributes(attribute.Int64("tick.number", n)))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			tc, err = nil, fmt.Errorf("tick panicked: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	tc, err = fleet.Build(ctx, n, now)
	if err != nil {
		return nil, fmt.Errorf("build tick context: %w", err)
	}
	span.SetAttributes(attribute.Int("tick.workers", len(tc.Agents)), attribute.Int("tick.dead", len(tc.DeadSessions)))
	recorder.Record(ctx, fmt.Sprintf("tick %d", n), models.TickPayload{
		TickNumber:     n,
		Workers:        len(tc.Agents),
		DeadSessions:   tc.DeadSessions,
		UnreadMessages: tc.UnreadMessages,
		Completions:    len(tc.Completions),
		Questions:      len(tc.Questions),
		Errors:         len(tc.Errors),
	})

	if cfg.AutoRestartDeadSessions {
		s.restartDead(ctx, tc, recorder)
	}

	answered, err := engine.Decide(ctx, tc)
	if err != nil {
		return nil, err
	}
	if answered {
		fleet.ConsumeMessages(ctx, tc)
	}
	return tc, nil
}

func (s *Scheduler) restartDead(ctx context.Context, tc *TickContext, recorder *ActivityRecorder) {
	for _, dead := range tc.dead {
		sess, err := s.deps.Sessions.Resume(ctx, dead.ID)
		if err != nil {
			s.deps.Logger.Warn("restart dead session", "worker", dead.WorkerID, "session", dead.ID, "error", err)
			recorder.Record(ctx, "restart failed: "+dead.WorkerID, models.ErrorPayload{
				Scope: "resume", Message: err.Error(), WorkerID: dead.WorkerID,
			})
			continue
		}
		recorder.Record(ctx, "session resumed: "+sess.WorkerID, models.SessionResumedPayload{
			WorkerID: sess.WorkerID, SessionID: sess.ID, ResumeCount: sess.ResumeCount,
		})
		s.deps.publish(SessionResumed{
			ProjectID: sess.ProjectID, WorkerID: sess.WorkerID, SessionID: sess.ID, ResumeCount: sess.ResumeCount,
		})
	}
}

func (s *Scheduler) resolveProject(ctx context.Context, ref string) (*models.Project, error) {
	if ref == "" {
		ref = s.defaultRef
	}
	if ref == "" {
		return nil, errors.New("no project given")
	}
	p, err := s.deps.Store.GetProject(ctx, ref)
	if err == nil {
		return p, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p, err = s.deps.Store.GetProjectByName(ctx, ref)
	if err == nil {
		return p, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("get project: %w", err)
	}
	abs, absErr := filepath.Abs(ref)
	if absErr != nil {
		abs = ref
	}
	p, err = s.deps.Store.GetProjectByPath(ctx, abs)
	if err != nil {
		return nil, fmt.Errorf("project %q: %w", ref, err)
	}
	return p, nil
}

// loadConfig returns the stored configuration, persisting the defaults when
// the project has none.
func (s *Scheduler) loadConfig(ctx context.Context, projectID string) (*models.OrchestratorConfig, error) {
	cfg, err := s.deps.Store.GetOrchestratorConfig(ctx, projectID)
	if err == nil {
		return cfg, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("load config: %w", err)
	}
	d := s.deps.Defaults
	d.ProjectID = projectID
	if err := s.deps.Store.SaveOrchestratorConfig(ctx, &d); err != nil {
		return nil, fmt.Errorf("save default config: %w", err)
	}
	return &d, nil
}

func (s *Scheduler) setStateLocked(to State) StateChanged {
	ev := StateChanged{From: s.state, To: to}
	if s.project != nil {
		ev.ProjectID = s.project.ID
	}
	s.state = to
	return ev
}

// emit publishes and records a state change. Zero or no-op changes are ignored.
func (s *Scheduler) emit(ctx context.Context, ev StateChanged) {
	if ev.From == ev.To {
		return
	}
	s.mu.Lock()
	recorder := s.recorder
	s.mu.Unlock()

	s.deps.Logger.Debug("loop state changed", "from", ev.From, "to", ev.To)
	if recorder != nil {
		recorder.Record(ctx, fmt.Sprintf("state %s -> %s", ev.From, ev.To), models.StateChangedPayload{
			From: string(ev.From), To: string(ev.To),
		})
	}
	s.deps.publish(ev)
}

func (s *Scheduler) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.generation++
	s.nextTickAt = time.Time{}
}

// armLocked replaces any pending timer with one firing after d.
func (s *Scheduler) armLocked(d time.Duration) {
	if d <= 0 {
		d = DefaultConfig().TickInterval()
	}
	s.cancelTimerLocked()
	gen := s.generation
	s.nextTickAt = s.deps.Clock.Now().Add(d)
	s.timer = s.deps.Clock.AfterFunc(d, func() { s.fire(gen) })
}
