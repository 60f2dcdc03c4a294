package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/joescharf/overseer/internal/git"
	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/process"
	"github.com/joescharf/overseer/internal/pubsub"
	"github.com/joescharf/overseer/internal/store"
)

// AgentState is the derived state of a worker.
type AgentState string

const (
	AgentWorking AgentState = "WORKING"
	AgentIdle    AgentState = "IDLE"
	AgentReady   AgentState = "READY"
	AgentBlocked AgentState = "BLOCKED"
	AgentDead    AgentState = "DEAD"
	AgentUnknown AgentState = "UNKNOWN"
)

// workingWindow is how recent worker output must be for the worker to count as working.
const workingWindow = 2 * time.Minute

// AgentStatus describes one worker as seen at the start of a tick.
type AgentStatus struct {
	WorkerID       string     `json:"workerId"`
	Branch         string     `json:"branch"`
	State          AgentState `json:"state"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	HasSession     bool       `json:"hasSession"`
	SessionID      string     `json:"sessionId,omitempty"`
	WorkDir        string     `json:"workDir"`
}

// WorkerSignal is a worker output line that matched a detector rule.
type WorkerSignal struct {
	WorkerID string    `json:"workerId"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// MessagePreview is an unread operator message included in a tick.
type MessagePreview struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// TickContext is the snapshot a tick decides on. It is not modified once built.
type TickContext struct {
	TickNumber     int64            `json:"tickNumber"`
	Timestamp      time.Time        `json:"timestamp"`
	UnreadMessages int              `json:"unreadMessages"`
	Messages       []MessagePreview `json:"messages,omitempty"`
	Agents         []AgentStatus    `json:"agents,omitempty"`
	DeadSessions   []string         `json:"deadSessions,omitempty"`
	Completions    []WorkerSignal   `json:"completions,omitempty"`
	Questions      []WorkerSignal   `json:"questions,omitempty"`
	Errors         []WorkerSignal   `json:"errors,omitempty"`

	dead []*models.AgentSession
}

// Agent returns the status of a worker.
func (tc *TickContext) Agent(workerID string) (AgentStatus, bool) {
	for _, a := range tc.Agents {
		if a.WorkerID == workerID {
			return a, true
		}
	}
	return AgentStatus{}, false
}

// statusInput holds what deriveState looks at for one worker.
type statusInput struct {
	Branch         string
	Detached       bool
	Dead           bool
	Blocked        bool
	Completed      bool
	Running        bool
	LastActivityAt time.Time
	Now            time.Time
}

func deriveState(in statusInput) AgentState {
	switch {
	case in.Dead:
		return AgentDead
	case in.Branch == "" || in.Detached:
		return AgentUnknown
	case in.Blocked:
		return AgentBlocked
	case in.Completed:
		return AgentReady
	case in.Running && in.Now.Sub(in.LastActivityAt) < workingWindow:
		return AgentWorking
	default:
		return AgentIdle
	}
}

// signalBuffers collects detector signals between ticks.
type signalBuffers struct {
	mu          sync.Mutex
	completions []WorkerSignal
	questions   []WorkerSignal
	errors      []WorkerSignal
}

func (b *signalBuffers) add(ev pubsub.Event[process.Signal]) {
	sig := WorkerSignal{WorkerID: ev.Payload.WorkerID, Text: ev.Payload.Text, At: ev.Payload.At}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch ev.Type {
	case process.SignalCompletion:
		b.completions = append(b.completions, sig)
	case process.SignalQuestion:
		b.questions = append(b.questions, sig)
	case process.SignalError:
		b.errors = append(b.errors, sig)
	}
}

// drain empties all buffers at once.
func (b *signalBuffers) drain() (completions, questions, errs []WorkerSignal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	completions, questions, errs = b.completions, b.questions, b.errors
	b.completions, b.questions, b.errors = nil, nil, nil
	return completions, questions, errs
}

// FleetView assembles TickContexts for one project.
type FleetView struct {
	deps    *Deps
	project *models.Project
	pending signalBuffers
}

func newFleetView(deps *Deps, project *models.Project) *FleetView {
	return &FleetView{deps: deps, project: project}
}

// Subscribe feeds worker signals into the pending buffers until ctx is done.
func (f *FleetView) Subscribe(ctx context.Context) {
	if f.deps.Signals == nil {
		return
	}
	ch := f.deps.Signals.Subscribe(ctx)
	go func() {
		for ev := range ch {
			f.pending.add(ev)
		}
	}()
}

// DefaultBranch returns the project's default branch, cached.
func (f *FleetView) DefaultBranch(ctx context.Context) (string, error) {
	key := "default-branch:" + f.project.Path
	if v, ok := f.deps.Cache.Get(key); ok {
		return v.(string), nil
	}
	branch, err := f.deps.Git.DefaultBranch(ctx, f.project.Path)
	if err != nil {
		return "", err
	}
	f.deps.Cache.Set(key, branch, cache.DefaultExpiration)
	return branch, nil
}

// Worktree finds a worker's worktree.
func (f *FleetView) Worktree(ctx context.Context, workerID string) (*git.WorktreeInfo, error) {
	wts, err := f.workerWorktrees(ctx)
	if err != nil {
		return nil, err
	}
	for i := range wts {
		if filepath.Base(wts[i].Path) == workerID {
			return &wts[i], nil
		}
	}
	return nil, fmt.Errorf("worktree for worker %s: %w", workerID, store.ErrNotFound)
}

// workerWorktrees lists the project's worktrees except the primary checkout.
func (f *FleetView) workerWorktrees(ctx context.Context) ([]git.WorktreeInfo, error) {
	all, err := f.deps.Git.WorktreeList(ctx, f.project.Path)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	primary := filepath.Clean(f.project.Path)
	var out []git.WorktreeInfo
	for i, wt := range all {
		if i == 0 || wt.Bare || filepath.Clean(wt.Path) == primary {
			continue
		}
		out = append(out, wt)
	}
	return out, nil
}

// Build assembles the context for a tick. Pending signals are consumed. Unread
// operator messages stay unread until ConsumeMessages runs.
func (f *FleetView) Build(ctx context.Context, tickNumber int64, now time.Time) (*TickContext, error) {
	tc := &TickContext{TickNumber: tickNumber, Timestamp: now}

	wts, err := f.workerWorktrees(ctx)
	if err != nil {
		return nil, err
	}

	live, err := f.deps.Sessions.LiveSessions(ctx, f.project.ID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	byWorker := make(map[string]*models.AgentSession, len(live))
	for _, s := range live {
		byWorker[s.WorkerID] = s
	}

	dead, err := f.deps.Sessions.Dead(ctx, f.project.ID)
	if err != nil {
		return nil, fmt.Errorf("find dead sessions: %w", err)
	}
	deadWorkers := make(map[string]bool, len(dead))
	for _, s := range dead {
		deadWorkers[s.WorkerID] = true
		tc.DeadSessions = append(tc.DeadSessions, s.WorkerID)
	}
	sort.Strings(tc.DeadSessions)
	tc.dead = dead

	msgs, err := f.deps.Store.ListUnreadChatMessages(ctx, f.project.ID, models.ChatRoleUser)
	if err != nil {
		return nil, fmt.Errorf("list unread messages: %w", err)
	}

	tc.Completions, tc.Questions, tc.Errors = f.pending.drain()
	blocked := make(map[string]bool)
	for _, s := range append(append([]WorkerSignal{}, tc.Questions...), tc.Errors...) {
		blocked[s.WorkerID] = true
	}
	completed := make(map[string]bool)
	for _, s := range tc.Completions {
		completed[s.WorkerID] = true
	}

	for _, wt := range wts {
		workerID := filepath.Base(wt.Path)
		st := AgentStatus{WorkerID: workerID, Branch: wt.Branch, WorkDir: wt.Path}
		in := statusInput{
			Branch:    wt.Branch,
			Detached:  wt.Detached,
			Dead:      deadWorkers[workerID],
			Blocked:   blocked[workerID],
			Completed: completed[workerID],
			Now:       now,
		}
		if s, ok := byWorker[workerID]; ok {
			st.HasSession = true
			st.SessionID = s.ID
			st.LastActivityAt = s.LastActiveAt
			if info, ok := f.deps.Processes.Get(s.ProcessSessionID); ok {
				in.Running = info.Running
				if info.LastOutputAt.After(st.LastActivityAt) {
					st.LastActivityAt = info.LastOutputAt
					if err := f.deps.Sessions.Touch(ctx, s.ID, info.LastOutputAt); err != nil {
						f.deps.Logger.Warn("touch session", "session", s.ID, "error", err)
					}
				}
			}
		}
		in.LastActivityAt = st.LastActivityAt
		st.State = deriveState(in)
		tc.Agents = append(tc.Agents, st)
	}

	if len(msgs) > 0 {
		for _, m := range msgs {
			tc.Messages = append(tc.Messages, MessagePreview{ID: m.ID, Content: m.Content, CreatedAt: m.CreatedAt})
		}
		tc.UnreadMessages = len(msgs)
	}
	return tc, nil
}

// ConsumeMessages marks the operator messages shown in tc as read.
func (f *FleetView) ConsumeMessages(ctx context.Context, tc *TickContext) {
	if len(tc.Messages) == 0 {
		return
	}
	ids := make([]string, 0, len(tc.Messages))
	for _, m := range tc.Messages {
		ids = append(ids, m.ID)
	}
	if _, err := f.deps.Store.MarkChatMessagesRead(ctx, ids); err != nil {
		f.deps.Logger.Warn("mark messages read", "error", err)
	}
}

// isNotFound reports whether err is a store not-found error.
func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
