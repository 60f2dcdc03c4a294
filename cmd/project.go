package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/overseer/internal/git"
	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/output"
	"github.com/joescharf/overseer/internal/store"
)

var (
	projectName        string
	projectDescription string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage orchestrated projects",
	Long:  "Add, remove, list, and show the repositories overseer runs loops for.",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a git repository",
	Long:  "Register a git repository. Use '.' for the current directory; subdirectories resolve to the repo root.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectAddRun(args[0])
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:     "remove <name-or-path>",
	Aliases: []string{"rm"},
	Short:   "Unregister a project",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectRemoveRun(args[0])
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectListRun()
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a project's loop configuration and sessions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := ""
		if len(args) > 0 {
			ref = args[0]
		}
		return projectShowRun(ref)
	},
}

func init() {
	projectAddCmd.Flags().StringVar(&projectName, "name", "", "Override project name (default: directory name)")
	projectAddCmd.Flags().StringVar(&projectDescription, "description", "", "Project description")

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectRemoveCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	rootCmd.AddCommand(projectCmd)
}

func projectAddRun(rawPath string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("not a directory: %s", absPath)
	}

	root, err := git.NewClient().RepoRoot(ctx, absPath)
	if err != nil {
		return fmt.Errorf("not a git repository: %s", absPath)
	}

	name := projectName
	if name == "" {
		name = filepath.Base(root)
	}

	p := &models.Project{
		Name:        name,
		Path:        root,
		Description: projectDescription,
	}

	if dryRun {
		ui.DryRunMsg("Would add project: %s (%s)", name, root)
		return nil
	}

	if err := s.CreateProject(ctx, p); err != nil {
		return fmt.Errorf("add project: %w", err)
	}

	ui.Success("Added project: %s (%s)", output.Cyan(name), root)
	ui.VerboseLog("ID: %s", p.ID)
	return nil
}

func projectRemoveRun(nameOrPath string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProject(ctx, s, nameOrPath)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove project: %s", p.Name)
		return nil
	}

	if err := s.DeleteProject(ctx, p.ID); err != nil {
		return fmt.Errorf("remove project: %w", err)
	}

	ui.Success("Removed project: %s", output.Cyan(p.Name))
	return nil
}

func projectListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	projects, err := s.ListProjects(ctx)
	if err != nil {
		return err
	}

	if len(projects) == 0 {
		ui.Info("No projects registered. Use 'overseer project add <path>' to get started.")
		return nil
	}

	table := ui.Table([]string{"Name", "Path", "Loop", "Live Sessions"})
	for _, p := range projects {
		loop := "defaults"
		if cfg, err := s.GetOrchestratorConfig(ctx, p.ID); err == nil {
			loop = "enabled"
			if !cfg.Enabled {
				loop = "disabled"
			}
		}
		live, _ := s.ListAgentSessions(ctx, store.SessionFilter{
			ProjectID: p.ID,
			Statuses:  []models.SessionStatus{models.SessionStatusActive, models.SessionStatusResumed, models.SessionStatusDisconnected},
		})

		_ = table.Append([]string{
			output.Cyan(p.Name),
			p.Path,
			loop,
			fmt.Sprintf("%d", len(live)),
		})
	}
	_ = table.Render()
	return nil
}

func projectShowRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProjectOrCwd(ctx, s, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(p.Name))
	fmt.Fprintf(ui.Out, "  ID:         %s\n", p.ID)
	fmt.Fprintf(ui.Out, "  Path:       %s\n", p.Path)
	if p.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", p.Description)
	}
	if branch, err := git.NewClient().DefaultBranch(ctx, p.Path); err == nil {
		fmt.Fprintf(ui.Out, "  Default:    %s\n", branch)
	}
	fmt.Fprintln(ui.Out)

	cfg, err := s.GetOrchestratorConfig(ctx, p.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Fprintln(ui.Out, "  Loop:       not started yet (defaults apply)")
	case err != nil:
		return err
	default:
		fmt.Fprintf(ui.Out, "  Loop:       enabled=%t provider=%s model=%s\n", cfg.Enabled, cfg.Provider, cfg.Model)
		fmt.Fprintf(ui.Out, "  Interval:   %s (oracle timeout %s)\n", cfg.TickInterval(), cfg.OracleTimeout())
		fmt.Fprintf(ui.Out, "  Failures:   degrade after %d, auto-restart=%t\n", cfg.MaxConsecutiveFailures, cfg.AutoRestartDeadSessions)
	}

	sessions, err := s.ListAgentSessions(ctx, store.SessionFilter{ProjectID: p.ID, Limit: 10})
	if err != nil {
		return err
	}
	if len(sessions) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "  Recent sessions:")
		for _, sess := range sessions {
			fmt.Fprintf(ui.Out, "    %-24s %-13s resumed %dx, active %s\n",
				sess.Branch, sess.Status, sess.ResumeCount, timeAgo(sess.LastActiveAt))
		}
	}
	return nil
}

// resolveProject finds a project by name, ID or path.
func resolveProject(ctx context.Context, s store.Store, ref string) (*models.Project, error) {
	if p, err := s.GetProjectByName(ctx, ref); err == nil {
		return p, nil
	}
	if p, err := s.GetProject(ctx, ref); err == nil {
		return p, nil
	}
	absPath, _ := filepath.Abs(ref)
	if p, err := s.GetProjectByPath(ctx, absPath); err == nil {
		return p, nil
	}
	return nil, fmt.Errorf("project not found: %s", ref)
}

// resolveProjectOrCwd resolves a project by reference or from the current directory.
func resolveProjectOrCwd(ctx context.Context, s store.Store, ref string) (*models.Project, error) {
	if ref != "" {
		return resolveProject(ctx, s, ref)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	if p, err := s.GetProjectByPath(ctx, cwd); err == nil {
		return p, nil
	}
	// Subdirectories and worktrees resolve through the repo root.
	if root, err := git.NewClient().RepoRoot(ctx, cwd); err == nil {
		if p, err := s.GetProjectByPath(ctx, root); err == nil {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no project registered for %s", cwd)
}

// timeAgo returns a human-readable duration from a time.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
