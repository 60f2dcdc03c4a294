package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joescharf/overseer/internal/git"
	"github.com/joescharf/overseer/internal/llm"
	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/process"
	"github.com/joescharf/overseer/internal/pubsub"
	"github.com/joescharf/overseer/internal/sessions"
	"github.com/joescharf/overseer/internal/store"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeProcs stands in for process.Manager.
type fakeProcs struct {
	mu         sync.Mutex
	next       int
	alive      map[string]bool
	lastOutput map[string]time.Time
	inputs     map[string][]string
	launchErr  error
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{alive: map[string]bool{}, lastOutput: map[string]time.Time{}, inputs: map[string][]string{}}
}

func (p *fakeProcs) Launch(_ context.Context, spec process.LaunchSpec) (process.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.launchErr != nil {
		return process.Info{}, p.launchErr
	}
	p.next++
	id := fmt.Sprintf("proc-%d", p.next)
	p.alive[id] = true
	return process.Info{SessionID: id, WorkerID: spec.WorkerID, WorkDir: spec.WorkDir, Running: true}, nil
}

func (p *fakeProcs) SubmitTask(_ context.Context, sessionID, task string) error {
	return p.WriteInput(sessionID, task)
}

func (p *fakeProcs) WriteInput(sessionID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive[sessionID] {
		return process.ErrNoSession
	}
	p.inputs[sessionID] = append(p.inputs[sessionID], text)
	return nil
}

func (p *fakeProcs) Alive(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[sessionID]
}

func (p *fakeProcs) Get(sessionID string) (process.Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	alive, ok := p.alive[sessionID]
	if !ok {
		return process.Info{}, false
	}
	return process.Info{SessionID: sessionID, Running: alive, LastOutputAt: p.lastOutput[sessionID]}, true
}

func (p *fakeProcs) Destroy(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.alive[sessionID]; !ok {
		return process.ErrNoSession
	}
	delete(p.alive, sessionID)
	return nil
}

func (p *fakeProcs) kill(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive[sessionID] = false
}

func (p *fakeProcs) output(sessionID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastOutput[sessionID] = at
}

func (p *fakeProcs) inputsFor(sessionID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.inputs[sessionID]...)
}

// fakeGit keeps worktrees in memory and mirrors their directories on disk.
type fakeGit struct {
	mu            sync.Mutex
	repo          string
	worktrees     []git.WorktreeInfo
	conflicts     map[string][]string
	merged        []string
	deleted       []string
	listErr       error
	defaultCalls  int
	defaultBranch string
}

func newFakeGit(repo string) *fakeGit {
	return &fakeGit{
		repo:          repo,
		worktrees:     []git.WorktreeInfo{{Path: repo, Branch: "main"}},
		conflicts:     map[string][]string{},
		defaultBranch: "main",
	}
}

func (g *fakeGit) RepoRoot(_ context.Context, path string) (string, error) { return g.repo, nil }

func (g *fakeGit) CurrentBranch(_ context.Context, _ string) (string, error) { return "main", nil }

func (g *fakeGit) DefaultBranch(_ context.Context, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defaultCalls++
	return g.defaultBranch, nil
}

func (g *fakeGit) IsDirty(_ context.Context, _ string) (bool, error) { return false, nil }

func (g *fakeGit) WorktreeList(_ context.Context, _ string) ([]git.WorktreeInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	return append([]git.WorktreeInfo(nil), g.worktrees...), nil
}

func (g *fakeGit) WorktreeAdd(_ context.Context, _, path, branch, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, wt := range g.worktrees {
		if wt.Path == path {
			return fmt.Errorf("worktree %s already exists", path)
		}
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	g.worktrees = append(g.worktrees, git.WorktreeInfo{Path: path, Branch: branch})
	return nil
}

func (g *fakeGit) WorktreeRemove(_ context.Context, _, path string, _ bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, wt := range g.worktrees {
		if wt.Path == path {
			g.worktrees = append(g.worktrees[:i], g.worktrees[i+1:]...)
			return os.RemoveAll(path)
		}
	}
	return fmt.Errorf("no worktree at %s", path)
}

func (g *fakeGit) DeleteBranch(_ context.Context, _, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, branch)
	return nil
}

func (g *fakeGit) Merge(_ context.Context, _, branch, into string) (*git.MergeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if files, ok := g.conflicts[branch]; ok {
		return &git.MergeResult{Branch: branch, Into: into, Conflicts: files}, nil
	}
	g.merged = append(g.merged, branch)
	return &git.MergeResult{Branch: branch, Into: into, Merged: true}, nil
}

func (g *fakeGit) setListErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listErr = err
}

func (g *fakeGit) hasWorktree(path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, wt := range g.worktrees {
		if wt.Path == path {
			return true
		}
	}
	return false
}

// scriptedOracle replays queued replies. An empty queue answers with no_action.
type scriptedOracle struct {
	mu       sync.Mutex
	replies  []*llm.Reply
	err      error
	block    bool
	panicMsg string
	requests []llm.Request
}

func (o *scriptedOracle) Name() string { return "scripted" }

func (o *scriptedOracle) Complete(ctx context.Context, req llm.Request) (*llm.Reply, error) {
	o.mu.Lock()
	o.requests = append(o.requests, req)
	block, err, panicMsg := o.block, o.err, o.panicMsg
	var reply *llm.Reply
	queued := len(o.replies) > 0
	if queued {
		reply, o.replies = o.replies[0], o.replies[1:]
	}
	o.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if !queued {
		return &llm.Reply{ToolCalls: []llm.ToolCall{call(llm.ToolNoAction, `{"reason":"nothing to do"}`)}}, nil
	}
	return reply, nil
}

func (o *scriptedOracle) queue(replies ...*llm.Reply) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replies = append(o.replies, replies...)
}

func (o *scriptedOracle) set(fn func(o *scriptedOracle)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o)
}

func (o *scriptedOracle) requestCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

var callSeq int

func call(name, args string) llm.ToolCall {
	callSeq++
	return llm.ToolCall{ID: fmt.Sprintf("call-%d", callSeq), Name: name, Arguments: json.RawMessage(args)}
}

type fixture struct {
	dir      string
	store    *store.SQLiteStore
	procs    *fakeProcs
	git      *fakeGit
	oracle   *scriptedOracle
	builds   int
	clock    *FakeClock
	events   *pubsub.Broker[Event]
	signals  *pubsub.Broker[process.Signal]
	sessions *sessions.Manager
	project  *models.Project
	sched    *Scheduler
}

func openStore(t *testing.T) (*store.SQLiteStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, dir := openStore(t)
	f := buildFixture(t, s, dir, "app")
	t.Cleanup(f.close)
	return f
}

// buildFixture registers a project named name in s and wires a scheduler for it.
func buildFixture(t require.TestingT, s *store.SQLiteStore, dir, name string) *fixture {
	repo := filepath.Join(dir, name)
	p := &models.Project{Name: name, Path: repo}
	require.NoError(t, s.CreateProject(context.Background(), p))

	f := &fixture{
		dir:     dir,
		store:   s,
		procs:   newFakeProcs(),
		git:     newFakeGit(repo),
		oracle:  &scriptedOracle{},
		clock:   NewFakeClock(epoch),
		events:  pubsub.NewBroker[Event](),
		signals: pubsub.NewBroker[process.Signal](),
		project: p,
	}
	f.sessions = sessions.NewManager(s, f.procs, sessions.AgentCommand{Command: "agent"}, discardLogger())
	f.sched = NewScheduler(Deps{
		Store:     s,
		Sessions:  f.sessions,
		Processes: f.procs,
		Git:       f.git,
		Oracle: func(models.OrchestratorConfig) (llm.Provider, error) {
			f.builds++
			return f.oracle, nil
		},
		Signals:  f.signals,
		Events:   f.events,
		Defaults: DefaultConfig(),
		Clock:    f.clock,
		Logger:   discardLogger(),
	}, name)
	return f
}

func (f *fixture) close() {
	_ = f.sched.Stop(context.Background())
	f.events.Close()
	f.signals.Close()
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sched.Start(context.Background(), ""))
}

func (f *fixture) tick(t *testing.T) *TickContext {
	t.Helper()
	tc, err := f.sched.ManualTick(context.Background())
	require.NoError(t, err)
	return tc
}

// addWorker creates a worktree and a launched session for it.
func (f *fixture) addWorker(t *testing.T, name string) *models.AgentSession {
	t.Helper()
	workDir := filepath.Join(git.WorktreesDir(f.project.Path), name)
	require.NoError(t, f.git.WorktreeAdd(context.Background(), f.project.Path, workDir, git.WorkerBranch(name), "main"))
	sess, err := f.sessions.Launch(context.Background(), sessions.LaunchRequest{
		ProjectID: f.project.ID,
		WorkerID:  name,
		Branch:    git.WorkerBranch(name),
		WorkDir:   workDir,
		Task:      "work on " + name,
	})
	require.NoError(t, err)
	return sess
}

func (f *fixture) activityKinds(t *testing.T) []models.ActivityKind {
	t.Helper()
	acts, err := f.store.ListActivity(context.Background(), f.project.ID, 500)
	require.NoError(t, err)
	kinds := make([]models.ActivityKind, 0, len(acts))
	for i := len(acts) - 1; i >= 0; i-- {
		kinds = append(kinds, acts[i].Kind)
	}
	return kinds
}

func (f *fixture) activities(t *testing.T, kind models.ActivityKind) []*models.Activity {
	t.Helper()
	acts, err := f.store.ListActivity(context.Background(), f.project.ID, 500)
	require.NoError(t, err)
	var out []*models.Activity
	for i := len(acts) - 1; i >= 0; i-- {
		if acts[i].Kind == kind {
			out = append(out, acts[i])
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errBoom = errors.New("boom")
