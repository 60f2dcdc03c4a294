package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mcpserver "github.com/joescharf/overseer/internal/mcp"
)

var mcpStart bool

var mcpCmd = &cobra.Command{
	Use:   "mcp [project]",
	Short: "Start an MCP stdio server controlling a project's loop",
	Long: `Start an MCP (Model Context Protocol) server on stdio that controls
the loop of one project. Configure an MCP client with:

  {
    "mcpServers": {
      "overseer": { "command": "overseer", "args": ["mcp", "<project>"] }
    }
  }

Available tools: overseer_list_projects, overseer_loop_status,
overseer_loop_start, overseer_loop_stop, overseer_loop_pause,
overseer_loop_resume, overseer_loop_tick, overseer_update_config,
overseer_send_message, overseer_list_activity, overseer_list_sessions`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := ""
		if len(args) > 0 {
			ref = args[0]
		}
		return mcpRun(ref)
	},
}

func init() {
	mcpCmd.Flags().BoolVar(&mcpStart, "start", false, "Start the loop immediately")
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ref string) error {
	// stdout carries the protocol.
	ui.Out = os.Stderr
	if viper.GetString("tracing.exporter") == "stdout" {
		viper.Set("tracing.exporter", "file")
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	p, err := resolveProjectOrCwd(context.Background(), s, ref)
	if err != nil {
		return err
	}

	pf, err := acquireLoop(p)
	if err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	rt, err := newLoopRuntime(ctx, p.ID)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	if mcpStart {
		if err := rt.scheduler.Start(ctx, p.ID); err != nil {
			return fmt.Errorf("start loop: %w", err)
		}
	}

	return mcpserver.NewServer(s, rt.scheduler, buildVersion).ServeStdio(ctx)
}
