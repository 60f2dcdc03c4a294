package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/overseer/internal/daemon"
	"github.com/joescharf/overseer/internal/orchestrator"
)

var tickCmd = &cobra.Command{
	Use:   "tick [project]",
	Short: "Run a single tick and exit",
	Long: `Start the loop, run one tick immediately, print the report the
oracle was given, and stop. Refuses to run while 'overseer run' holds the project.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := ""
		if len(args) > 0 {
			ref = args[0]
		}
		return tickRun(ref)
	},
}

func init() {
	rootCmd.AddCommand(tickCmd)
}

func tickRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	p, err := resolveProjectOrCwd(ctx, s, ref)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would run one tick for %s", p.Name)
		return nil
	}

	pf := daemon.ForProject(viper.GetString("state_dir"), p.ID)
	if err := pf.Acquire(); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return fmt.Errorf("%s: %w; use the API or MCP server to tick it", p.Name, err)
		}
		return err
	}
	defer func() { _ = pf.Release() }()

	rt, err := newLoopRuntime(ctx, p.ID)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if err := rt.scheduler.Start(ctx, p.ID); err != nil {
		return fmt.Errorf("start loop: %w", err)
	}
	tc, err := rt.scheduler.ManualTick(ctx)
	if err != nil {
		return fmt.Errorf("tick: %w", err)
	}

	fmt.Fprintln(ui.Out, orchestrator.RenderReport(tc))
	st := rt.scheduler.Status()
	if st.ConsecutiveFailures > 0 {
		ui.Warning("Tick failed; see 'overseer activity %s'", p.Name)
		return nil
	}
	ui.Success("Tick #%d done (%s)", tc.TickNumber, strings.ToLower(string(st.State)))
	return nil
}
