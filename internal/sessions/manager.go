// Package sessions manages the lifecycle of worker agent sessions: the durable
// session rows in the store and the processes backing them.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/process"
	"github.com/joescharf/overseer/internal/store"
)

var (
	// ErrTerminated is returned when operating on a terminated session.
	ErrTerminated = errors.New("session is terminated")
	// ErrInvalidTransition is returned for a lifecycle move the state machine forbids.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrAlreadyLive is returned when launching a worker that already has a live session.
	ErrAlreadyLive = errors.New("worker already has a live session")
)

// transitions lists the legal status changes:
//
//	active       -> disconnected | terminated
//	disconnected -> resumed | terminated
//	resumed      -> disconnected | terminated
//	terminated   -> (none)
var transitions = map[models.SessionStatus][]models.SessionStatus{
	models.SessionStatusActive:       {models.SessionStatusDisconnected, models.SessionStatusTerminated},
	models.SessionStatusDisconnected: {models.SessionStatusResumed, models.SessionStatusTerminated},
	models.SessionStatusResumed:      {models.SessionStatusDisconnected, models.SessionStatusTerminated},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to models.SessionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SessionStore is the subset of store.Store needed for session lifecycle.
type SessionStore interface {
	CreateAgentSession(ctx context.Context, session *models.AgentSession) error
	GetAgentSession(ctx context.Context, id string) (*models.AgentSession, error)
	GetLiveSessionByWorker(ctx context.Context, projectID, workerID string) (*models.AgentSession, error)
	ListAgentSessions(ctx context.Context, filter store.SessionFilter) ([]*models.AgentSession, error)
	UpdateAgentSession(ctx context.Context, session *models.AgentSession) error
	TouchAgentSession(ctx context.Context, id string, at time.Time) error
	DisconnectActiveSessions(ctx context.Context, projectID string) (int64, error)
	MarkSessionResumed(ctx context.Context, id, processSessionID string) (*models.AgentSession, error)
	TerminateAgentSession(ctx context.Context, id string) error
	PurgeTerminatedSessions(ctx context.Context, before time.Time) (int64, error)
}

// Processes is the subset of process.Manager the lifecycle manager drives.
type Processes interface {
	Launch(ctx context.Context, spec process.LaunchSpec) (process.Info, error)
	SubmitTask(ctx context.Context, sessionID, task string) error
	Alive(sessionID string) bool
	Destroy(sessionID string) error
}

// AgentCommand describes how worker agents are started and resumed.
type AgentCommand struct {
	Command     string
	Args        []string
	SessionFlag string
	ResumeFlag  string
}

func (a AgentCommand) launchArgs(conversationID string) []string {
	args := append([]string{}, a.Args...)
	if a.SessionFlag != "" {
		args = append(args, a.SessionFlag, conversationID)
	}
	return args
}

func (a AgentCommand) resumeArgs(conversationID string) []string {
	args := append([]string{}, a.Args...)
	if a.ResumeFlag != "" && conversationID != "" {
		args = append(args, a.ResumeFlag, conversationID)
	}
	return args
}

func commandLine(name string, args []string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

// Manager ties session rows to worker processes.
type Manager struct {
	store  SessionStore
	procs  Processes
	agent  AgentCommand
	logger *slog.Logger
}

// NewManager creates a new sessions manager.
func NewManager(s SessionStore, procs Processes, agent AgentCommand, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, procs: procs, agent: agent, logger: logger}
}

// LaunchRequest describes a new worker session.
type LaunchRequest struct {
	ProjectID string
	WorkerID  string
	Branch    string
	WorkDir   string
	Task      string
}

var liveStatuses = []models.SessionStatus{
	models.SessionStatusActive,
	models.SessionStatusDisconnected,
	models.SessionStatusResumed,
}

// Launch starts a worker process, records an active session and submits the
// initial task. A failed submission tears the session down again.
func (m *Manager) Launch(ctx context.Context, req LaunchRequest) (*models.AgentSession, error) {
	if existing, err := m.store.GetLiveSessionByWorker(ctx, req.ProjectID, req.WorkerID); err == nil {
		return nil, fmt.Errorf("worker %s (session %s): %w", req.WorkerID, existing.ID, ErrAlreadyLive)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	conversationID := uuid.NewString()
	args := m.agent.launchArgs(conversationID)
	info, err := m.procs.Launch(ctx, process.LaunchSpec{
		WorkerID: req.WorkerID,
		WorkDir:  req.WorkDir,
		Command:  m.agent.Command,
		Args:     args,
	})
	if err != nil {
		return nil, fmt.Errorf("launch worker %s: %w", req.WorkerID, err)
	}

	session := &models.AgentSession{
		ProjectID:        req.ProjectID,
		WorkerID:         req.WorkerID,
		Branch:           req.Branch,
		WorkDir:          req.WorkDir,
		Command:          commandLine(m.agent.Command, args),
		ProcessSessionID: info.SessionID,
		ConversationID:   conversationID,
		Status:           models.SessionStatusActive,
	}
	if err := m.store.CreateAgentSession(ctx, session); err != nil {
		_ = m.procs.Destroy(info.SessionID)
		return nil, fmt.Errorf("record session: %w", err)
	}

	if req.Task != "" {
		if err := m.procs.SubmitTask(ctx, info.SessionID, req.Task); err != nil {
			_ = m.procs.Destroy(info.SessionID)
			_ = m.store.TerminateAgentSession(ctx, session.ID)
			return nil, fmt.Errorf("submit task to %s: %w", req.WorkerID, err)
		}
	}

	m.logger.Info("worker session launched", "worker", req.WorkerID, "session", session.ID)
	return session, nil
}

// Resume relaunches the process of a dead session and updates the same row in
// place: status resumed, resume counter +1, new process session id.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*models.AgentSession, error) {
	session, err := m.store.GetAgentSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionStatusTerminated {
		return nil, fmt.Errorf("resume %s: %w", sessionID, ErrTerminated)
	}
	if m.procs.Alive(session.ProcessSessionID) {
		return nil, fmt.Errorf("resume %s: process still running: %w", sessionID, ErrInvalidTransition)
	}
	if _, err := os.Stat(session.WorkDir); err != nil {
		if termErr := m.store.TerminateAgentSession(ctx, session.ID); termErr != nil {
			m.logger.Warn("terminate session with missing worktree", "session", session.ID, "error", termErr)
		}
		return nil, fmt.Errorf("resume %s: worktree %s unavailable: %w", sessionID, session.WorkDir, err)
	}

	// A session that died while this control plane was running is still
	// active or resumed; it passes through disconnected on its way to resumed.
	if session.Status == models.SessionStatusActive || session.Status == models.SessionStatusResumed {
		session.Status = models.SessionStatusDisconnected
		if err := m.store.UpdateAgentSession(ctx, session); err != nil {
			return nil, fmt.Errorf("disconnect session: %w", err)
		}
	}

	info, err := m.procs.Launch(ctx, process.LaunchSpec{
		WorkerID: session.WorkerID,
		WorkDir:  session.WorkDir,
		Command:  m.agent.Command,
		Args:     m.agent.resumeArgs(session.ConversationID),
	})
	if err != nil {
		return nil, fmt.Errorf("relaunch worker %s: %w", session.WorkerID, err)
	}
	if session.ProcessSessionID != "" {
		_ = m.procs.Destroy(session.ProcessSessionID)
	}

	resumed, err := m.store.MarkSessionResumed(ctx, session.ID, info.SessionID)
	if err != nil {
		_ = m.procs.Destroy(info.SessionID)
		return nil, err
	}
	m.logger.Info("worker session resumed", "worker", resumed.WorkerID, "session", resumed.ID, "resumes", resumed.ResumeCount)
	return resumed, nil
}

// DisconnectAll marks every active session of a project disconnected. It runs
// when a control plane starts, since processes from a previous run are gone.
func (m *Manager) DisconnectAll(ctx context.Context, projectID string) (int64, error) {
	return m.store.DisconnectActiveSessions(ctx, projectID)
}

// Terminate stops the session's process and marks the row terminated.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	session, err := m.store.GetAgentSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !CanTransition(session.Status, models.SessionStatusTerminated) {
		return fmt.Errorf("terminate %s: %w", sessionID, ErrTerminated)
	}
	if session.ProcessSessionID != "" {
		if err := m.procs.Destroy(session.ProcessSessionID); err != nil && !errors.Is(err, process.ErrNoSession) {
			m.logger.Warn("destroy worker process", "session", sessionID, "error", err)
		}
	}
	return m.store.TerminateAgentSession(ctx, sessionID)
}

// LiveSession returns the non-terminated session of a worker.
func (m *Manager) LiveSession(ctx context.Context, projectID, workerID string) (*models.AgentSession, error) {
	return m.store.GetLiveSessionByWorker(ctx, projectID, workerID)
}

// LiveSessions returns the project's non-terminated sessions.
func (m *Manager) LiveSessions(ctx context.Context, projectID string) ([]*models.AgentSession, error) {
	return m.store.ListAgentSessions(ctx, store.SessionFilter{ProjectID: projectID, Statuses: liveStatuses})
}

// Dead returns the live-status sessions whose process is no longer running.
func (m *Manager) Dead(ctx context.Context, projectID string) ([]*models.AgentSession, error) {
	live, err := m.LiveSessions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var dead []*models.AgentSession
	for _, s := range live {
		if !m.procs.Alive(s.ProcessSessionID) {
			dead = append(dead, s)
		}
	}
	return dead, nil
}

// Touch records worker activity on a session.
func (m *Manager) Touch(ctx context.Context, sessionID string, at time.Time) error {
	return m.store.TouchAgentSession(ctx, sessionID, at)
}

// ReconcileResult summarizes a reconciliation pass.
type ReconcileResult struct {
	Terminated []*models.AgentSession
	Dead       []*models.AgentSession
}

// Reconcile terminates sessions whose worktree directory is gone and reports
// the remaining sessions without a running process.
func (m *Manager) Reconcile(ctx context.Context, projectID string) (*ReconcileResult, error) {
	live, err := m.LiveSessions(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}

	result := &ReconcileResult{}
	for _, s := range live {
		if _, err := os.Stat(s.WorkDir); s.WorkDir == "" || err != nil {
			if err := m.Terminate(ctx, s.ID); err != nil {
				m.logger.Warn("terminate unreachable session", "session", s.ID, "error", err)
				continue
			}
			result.Terminated = append(result.Terminated, s)
			continue
		}
		if !m.procs.Alive(s.ProcessSessionID) {
			result.Dead = append(result.Dead, s)
		}
	}
	return result, nil
}

// Cleanup purges terminated sessions that ended more than retention ago.
func (m *Manager) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	return m.store.PurgeTerminatedSessions(ctx, time.Now().Add(-retention))
}
