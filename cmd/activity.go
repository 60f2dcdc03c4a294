package cmd

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/output"
)

var (
	activityLimit   int
	activityDetails bool
)

var activityCmd = &cobra.Command{
	Use:   "activity [project]",
	Short: "Show the loop's activity log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := ""
		if len(args) > 0 {
			ref = args[0]
		}
		return activityRun(ref)
	},
}

func init() {
	activityCmd.Flags().IntVar(&activityLimit, "limit", 30, "Number of records to show")
	activityCmd.Flags().BoolVar(&activityDetails, "details", false, "Include the JSON payload of each record")
	rootCmd.AddCommand(activityCmd)
}

func activityRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	p, err := resolveProjectOrCwd(ctx, s, ref)
	if err != nil {
		return err
	}

	acts, err := s.ListActivity(ctx, p.ID, activityLimit)
	if err != nil {
		return err
	}
	if len(acts) == 0 {
		ui.Info("No activity recorded for %s yet.", p.Name)
		return nil
	}

	headers := []string{"When", "Kind", "Summary"}
	if activityDetails {
		headers = append(headers, "Details")
	}
	table := ui.Table(headers)
	// Oldest first reads like a log.
	for i := len(acts) - 1; i >= 0; i-- {
		a := acts[i]
		row := []string{timeAgo(a.CreatedAt), activityKindColor(a.Kind), a.Summary}
		if activityDetails {
			data, _ := json.Marshal(a.Payload)
			row = append(row, string(data))
		}
		_ = table.Append(row)
	}
	_ = table.Render()
	return nil
}

func activityKindColor(k models.ActivityKind) string {
	switch k {
	case models.ActivityError:
		return output.Red(string(k))
	case models.ActivityDecision, models.ActivityWorkerCreated:
		return output.Green(string(k))
	case models.ActivityStateChanged, models.ActivitySessionResumed:
		return output.Yellow(string(k))
	default:
		return string(k)
	}
}
