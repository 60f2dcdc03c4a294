package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path     string
	Branch   string
	HEAD     string
	Detached bool
	Bare     bool
}

// MergeResult describes the outcome of merging a worker branch.
type MergeResult struct {
	Branch    string
	Into      string
	Merged    bool
	Conflicts []string
}

// Client defines the git operations the orchestrator performs on a project repo.
// All methods take the repository path since overseer manages several projects.
type Client interface {
	RepoRoot(ctx context.Context, path string) (string, error)
	CurrentBranch(ctx context.Context, path string) (string, error)
	DefaultBranch(ctx context.Context, repoPath string) (string, error)
	IsDirty(ctx context.Context, path string) (bool, error)
	WorktreeList(ctx context.Context, repoPath string) ([]WorktreeInfo, error)
	WorktreeAdd(ctx context.Context, repoPath, path, branch, base string) error
	WorktreeRemove(ctx context.Context, repoPath, path string, force bool) error
	DeleteBranch(ctx context.Context, repoPath, branch string) error
	Merge(ctx context.Context, repoPath, branch, into string) (*MergeResult, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) RepoRoot(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

// DefaultBranch resolves the branch workers are created from and merged into:
// origin's HEAD when a remote is configured, then main or master, then whatever
// the primary worktree has checked out.
func (c *RealClient) DefaultBranch(ctx context.Context, repoPath string) (string, error) {
	if ref, err := gitCmd(ctx, repoPath, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil && ref != "" {
		return strings.TrimPrefix(ref, "origin/"), nil
	}
	for _, candidate := range []string{"main", "master"} {
		if _, err := gitCmd(ctx, repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+candidate); err == nil {
			return candidate, nil
		}
	}
	branch, err := c.CurrentBranch(ctx, repoPath)
	if err != nil {
		return "", fmt.Errorf("resolve default branch: %w", err)
	}
	return branch, nil
}

func (c *RealClient) IsDirty(ctx context.Context, path string) (bool, error) {
	out, err := gitCmd(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *RealClient) WorktreeList(ctx context.Context, repoPath string) ([]WorktreeInfo, error) {
	out, err := gitCmd(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

// WorktreeAdd creates a new branch off base and checks it out at path.
func (c *RealClient) WorktreeAdd(ctx context.Context, repoPath, path, branch, base string) error {
	_, err := gitCmd(ctx, repoPath, "worktree", "add", "-b", branch, path, base)
	return err
}

func (c *RealClient) WorktreeRemove(ctx context.Context, repoPath, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := gitCmd(ctx, repoPath, args...)
	return err
}

func (c *RealClient) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	_, err := gitCmd(ctx, repoPath, "branch", "-d", branch)
	return err
}

// Merge merges branch into the into branch inside the primary worktree.
// On conflict the merge is aborted and the conflicting paths are reported in
// the result rather than as an error.
func (c *RealClient) Merge(ctx context.Context, repoPath, branch, into string) (*MergeResult, error) {
	result := &MergeResult{Branch: branch, Into: into}

	current, err := c.CurrentBranch(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	if current != into {
		if _, err := gitCmd(ctx, repoPath, "checkout", into); err != nil {
			return nil, fmt.Errorf("checkout %s: %w", into, err)
		}
	}

	msg := fmt.Sprintf("Merge branch '%s' into %s", branch, into)
	if _, mergeErr := gitCmd(ctx, repoPath, "merge", "--no-ff", "-m", msg, branch); mergeErr != nil {
		out, err := gitCmd(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
		if err != nil || out == "" {
			return nil, mergeErr
		}
		result.Conflicts = strings.Split(out, "\n")
		if _, err := gitCmd(ctx, repoPath, "merge", "--abort"); err != nil {
			return nil, fmt.Errorf("abort merge: %w", err)
		}
		return result, nil
	}

	result.Merged = true
	return result, nil
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "detached":
			current.Detached = true
		case line == "bare":
			current.Bare = true
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// WorktreesDir returns the directory holding a repo's worker worktrees.
func WorktreesDir(repoPath string) string {
	return filepath.Clean(repoPath) + ".worktrees"
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases name and collapses anything outside [a-z0-9] into single
// dashes. The result is safe as both a branch component and a directory name.
func Slugify(name string) string {
	slug := nonSlug.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 50 {
		slug = strings.TrimRight(slug[:50], "-")
	}
	return slug
}

// WorkerBranch returns the branch name used for a worker with the given name.
func WorkerBranch(name string) string {
	return "worker/" + Slugify(name)
}
