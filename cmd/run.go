package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/overseer/internal/daemon"
	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/orchestrator"
	"github.com/joescharf/overseer/internal/output"
)

var (
	runWatchConfig bool
	runStop        bool
)

var runCmd = &cobra.Command{
	Use:   "run [project]",
	Short: "Run a project's control loop in the foreground",
	Long: `Run the control loop for a project until interrupted.

Only one loop may supervise a project at a time; a PID file under
<state_dir>/run guards this. Live sessions from a previous run are
disconnected and resumed on start. Use --stop to signal a running loop.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := ""
		if len(args) > 0 {
			ref = args[0]
		}
		return runRun(ref)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runWatchConfig, "watch-config", false, "Apply orchestrator.* config file edits to the running loop")
	runCmd.Flags().BoolVar(&runStop, "stop", false, "Stop the loop running for the project")
	rootCmd.AddCommand(runCmd)
}

func runRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	p, err := resolveProjectOrCwd(context.Background(), s, ref)
	if err != nil {
		return err
	}

	pf := daemon.ForProject(viper.GetString("state_dir"), p.ID)
	if runStop {
		return runStopRun(pf, p)
	}

	if dryRun {
		ui.DryRunMsg("Would start the control loop for %s", p.Name)
		return nil
	}

	if err := pf.Acquire(); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
		return fmt.Errorf("acquire PID file: %w", err)
	}
	defer func() { _ = pf.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	rt, err := newLoopRuntime(ctx, p.ID)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	go reportEvents(ctx, rt.events)

	if err := rt.scheduler.Start(ctx, p.ID); err != nil {
		if errors.Is(err, orchestrator.ErrDisabled) {
			ui.Warning("Loop is disabled for %s (orchestrator.enabled=false)", p.Name)
			return nil
		}
		return fmt.Errorf("start loop: %w", err)
	}

	st := rt.scheduler.Status()
	ui.Success("Loop running for %s, ticking every %s", output.Cyan(p.Name), st.Config.TickInterval())

	if runWatchConfig {
		watchConfig(ctx, rt.scheduler)
	}

	<-ctx.Done()
	ui.Info("Stopping loop for %s", p.Name)
	return rt.scheduler.Stop(context.Background())
}

// configUpdater is the part of the scheduler config reloads drive.
type configUpdater interface {
	UpdateConfig(ctx context.Context, patch models.ConfigPatch) (models.OrchestratorConfig, error)
}

// watchConfig applies config file edits to the loop.
func watchConfig(ctx context.Context, loop configUpdater) {
	if viper.ConfigFileUsed() == "" {
		ui.Warning("No config file to watch; run 'overseer config init' first")
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		applyConfigChange(ctx, loop, e)
	})
	viper.WatchConfig()
	ui.VerboseLog("Watching %s", viper.ConfigFileUsed())
}

func applyConfigChange(ctx context.Context, loop configUpdater, e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	cfg, err := loop.UpdateConfig(ctx, configPatchFromViper())
	if err != nil {
		ui.Warning("Config reload failed: %v", err)
		return
	}
	ui.Info("Config reloaded: interval %s, provider %s", cfg.TickInterval(), cfg.Provider)
}

func runStopRun(pf *daemon.PIDFile, p *models.Project) error {
	pid, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("no loop running for %s", p.Name)
	}
	if dryRun {
		ui.DryRunMsg("Would send SIGTERM to pid %d", pid)
		return nil
	}
	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal loop: %w", err)
	}
	ui.Success("Sent stop to the loop for %s (pid %d)", p.Name, pid)
	return nil
}
