package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/output"
	"github.com/joescharf/overseer/internal/sessions"
	"github.com/joescharf/overseer/internal/store"
)

var (
	sessionsStatus    string
	sessionsLimit     int
	sessionsRetention string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions [project]",
	Short: "List agent sessions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := ""
		if len(args) > 0 {
			ref = args[0]
		}
		return sessionsListRun(ref)
	},
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge terminated sessions past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsCleanupRun()
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsStatus, "status", "", "Comma-separated statuses (active, disconnected, resumed, terminated)")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 50, "Maximum sessions to list")
	sessionsCleanupCmd.Flags().StringVar(&sessionsRetention, "retention", "", "Override sessions.retention (e.g. 168h)")

	sessionsCmd.AddCommand(sessionsCleanupCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func sessionsListRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.SessionFilter{Limit: sessionsLimit}
	if ref != "" {
		p, err := resolveProject(ctx, s, ref)
		if err != nil {
			return err
		}
		filter.ProjectID = p.ID
	}
	for _, st := range strings.Split(sessionsStatus, ",") {
		if st = strings.TrimSpace(st); st != "" {
			filter.Statuses = append(filter.Statuses, models.SessionStatus(st))
		}
	}

	list, err := s.ListAgentSessions(ctx, filter)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No sessions found.")
		return nil
	}

	table := ui.Table([]string{"Worker", "Branch", "Status", "Resumes", "Last Active", "ID"})
	for _, sess := range list {
		_ = table.Append([]string{
			output.Cyan(sess.WorkerID),
			sess.Branch,
			sessionStatusColor(sess.Status),
			fmt.Sprintf("%d", sess.ResumeCount),
			timeAgo(sess.LastActiveAt),
			sess.ID,
		})
	}
	_ = table.Render()
	return nil
}

func sessionStatusColor(st models.SessionStatus) string {
	switch st {
	case models.SessionStatusActive, models.SessionStatusResumed:
		return output.Green(string(st))
	case models.SessionStatusDisconnected:
		return output.Yellow(string(st))
	default:
		return string(st)
	}
}

// cleanupRetention returns the retention window from the flag or config.
func cleanupRetention() (time.Duration, error) {
	raw := sessionsRetention
	if raw == "" {
		raw = viper.GetString("sessions.retention")
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid retention %q", raw)
	}
	return d, nil
}

func sessionsCleanupRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	retention, err := cleanupRetention()
	if err != nil {
		return err
	}

	if dryRun {
		cutoff := time.Now().Add(-retention)
		terminated, err := s.ListAgentSessions(ctx, store.SessionFilter{
			Statuses: []models.SessionStatus{models.SessionStatusTerminated},
		})
		if err != nil {
			return err
		}
		n := 0
		for _, sess := range terminated {
			if sess.EndedAt != nil && sess.EndedAt.Before(cutoff) {
				n++
				ui.VerboseLog("%s %s ended %s", sess.WorkerID, sess.ID, timeAgo(*sess.EndedAt))
			}
		}
		ui.DryRunMsg("Would purge %d terminated session(s) older than %s", n, retention)
		return nil
	}

	// Processes are not needed to purge rows.
	count, err := sessions.NewManager(s, nil, agentCommand(), nil).Cleanup(ctx, retention)
	if err != nil {
		return fmt.Errorf("cleanup sessions: %w", err)
	}
	ui.Success("Purged %d terminated session(s) older than %s", count, retention)
	return nil
}
