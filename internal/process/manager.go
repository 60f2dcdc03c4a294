// Package process runs worker agent processes and turns their output into
// signals for the orchestrator.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/overseer/internal/pubsub"
)

// SignalExited is published when a worker process exits.
const SignalExited pubsub.EventType = "exited"

// ErrNoSession is returned for operations on an unknown or exited process session.
var ErrNoSession = errors.New("no such process session")

// Signal is a notable event observed in a worker's output.
type Signal struct {
	SessionID string
	WorkerID  string
	Text      string
	At        time.Time
}

// LaunchSpec describes a worker process to start.
type LaunchSpec struct {
	WorkerID string
	WorkDir  string
	Command  string
	Args     []string
	Env      []string
}

// Info is a snapshot of a managed process.
type Info struct {
	SessionID    string
	WorkerID     string
	WorkDir      string
	PID          int
	StartedAt    time.Time
	LastOutputAt time.Time
	Running      bool
}

// CommandFactoryFunc creates the exec.Cmd for a launch. Tests substitute it.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Manager owns the worker processes launched by this control plane.
type Manager struct {
	mu      sync.RWMutex
	procs   map[string]*proc
	signals *pubsub.Broker[Signal]

	detector       *Detector
	commandFactory CommandFactoryFunc
	logger         *slog.Logger

	submitAttempts int
	submitBackoff  time.Duration
}

type proc struct {
	info   Info
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	done   chan struct{}
	writeM sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithDetector replaces the default output detector.
func WithDetector(d *Detector) Option { return func(m *Manager) { m.detector = d } }

// WithCommandFactory overrides how commands are created.
func WithCommandFactory(fn CommandFactoryFunc) Option {
	return func(m *Manager) { m.commandFactory = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithSubmitRetry sets how often SubmitTask retries a failed write and the
// initial backoff, which doubles between attempts.
func WithSubmitRetry(attempts int, backoff time.Duration) Option {
	return func(m *Manager) {
		m.submitAttempts = attempts
		m.submitBackoff = backoff
	}
}

// NewManager creates a process manager publishing signals on broker.
func NewManager(broker *pubsub.Broker[Signal], opts ...Option) *Manager {
	m := &Manager{
		procs:          make(map[string]*proc),
		signals:        broker,
		detector:       DefaultDetector(),
		commandFactory: exec.CommandContext,
		logger:         slog.Default(),
		submitAttempts: 3,
		submitBackoff:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Signals returns the broker on which worker signals are published.
func (m *Manager) Signals() *pubsub.Broker[Signal] {
	return m.signals
}

// Launch starts a worker process and returns its snapshot. The process is not
// bound to ctx; it runs until it exits or Destroy is called.
func (m *Manager) Launch(ctx context.Context, spec LaunchSpec) (Info, error) {
	if spec.Command == "" {
		return Info{}, fmt.Errorf("launch %s: command is required", spec.WorkerID)
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := m.commandFactory(procCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return Info{}, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return Info{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return Info{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return Info{}, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	now := time.Now().UTC()
	p := &proc{
		info: Info{
			SessionID:    uuid.NewString(),
			WorkerID:     spec.WorkerID,
			WorkDir:      spec.WorkDir,
			PID:          cmd.Process.Pid,
			StartedAt:    now,
			LastOutputAt: now,
			Running:      true,
		},
		cmd:    cmd,
		stdin:  stdin,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.procs[p.info.SessionID] = p
	m.mu.Unlock()

	m.logger.Debug("worker process started",
		"worker", spec.WorkerID, "session", p.info.SessionID, "pid", p.info.PID)

	var readers sync.WaitGroup
	readers.Add(2)
	go m.scan(p, stdout, &readers)
	go m.scan(p, stderr, &readers)
	go m.wait(p, &readers)

	return p.info, nil
}

func (m *Manager) scan(p *proc, r io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		now := time.Now().UTC()

		m.mu.Lock()
		p.info.LastOutputAt = now
		m.mu.Unlock()

		if kind, ok := m.detector.Classify(line); ok {
			m.signals.Publish(kind, Signal{
				SessionID: p.info.SessionID,
				WorkerID:  p.info.WorkerID,
				Text:      line,
				At:        now,
			})
		}
	}
}

func (m *Manager) wait(p *proc, readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()
	p.cancel()

	m.mu.Lock()
	p.info.Running = false
	m.mu.Unlock()
	close(p.done)

	m.logger.Debug("worker process exited", "worker", p.info.WorkerID, "session", p.info.SessionID, "error", err)
	text := "exited"
	if err != nil {
		text = err.Error()
	}
	m.signals.Publish(SignalExited, Signal{
		SessionID: p.info.SessionID,
		WorkerID:  p.info.WorkerID,
		Text:      text,
		At:        time.Now().UTC(),
	})
}

func (m *Manager) running(sessionID string) (*proc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procs[sessionID]
	if !ok || !p.info.Running {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNoSession)
	}
	return p, nil
}

// WriteInput writes text followed by a newline to the worker's stdin.
func (m *Manager) WriteInput(sessionID, text string) error {
	p, err := m.running(sessionID)
	if err != nil {
		return err
	}
	p.writeM.Lock()
	defer p.writeM.Unlock()
	if _, err := io.WriteString(p.stdin, text+"\n"); err != nil {
		return fmt.Errorf("write to session %s: %w", sessionID, err)
	}
	return nil
}

// SubmitTask delivers an initial task to a freshly launched worker, retrying
// failed writes with exponential backoff. ErrNoSession is not retried.
func (m *Manager) SubmitTask(ctx context.Context, sessionID, task string) error {
	backoff := m.submitBackoff
	var err error
	for attempt := 1; attempt <= m.submitAttempts; attempt++ {
		err = m.WriteInput(sessionID, task)
		if err == nil || errors.Is(err, ErrNoSession) {
			return err
		}
		m.logger.Debug("task submission failed", "session", sessionID, "attempt", attempt, "error", err)
		if attempt == m.submitAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("submit task after %d attempts: %w", m.submitAttempts, err)
}

// Get returns the snapshot of a process session.
func (m *Manager) Get(sessionID string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procs[sessionID]
	if !ok {
		return Info{}, false
	}
	return p.info, true
}

// Alive reports whether the process session is still running.
func (m *Manager) Alive(sessionID string) bool {
	info, ok := m.Get(sessionID)
	return ok && info.Running
}

// List returns all known process sessions ordered by start time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, p.info)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Destroy kills the process session and forgets it. Destroying an exited
// session only forgets it.
func (m *Manager) Destroy(sessionID string) error {
	m.mu.Lock()
	p, ok := m.procs[sessionID]
	if ok {
		delete(m.procs, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNoSession)
	}

	_ = p.stdin.Close()
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("session %s did not exit", sessionID)
	}
	return nil
}

// Shutdown destroys every managed process.
func (m *Manager) Shutdown() {
	for _, info := range m.List() {
		if err := m.Destroy(info.SessionID); err != nil && !errors.Is(err, ErrNoSession) {
			m.logger.Warn("destroy worker process", "session", info.SessionID, "error", err)
		}
	}
}
