package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/overseer/internal/api"
	"github.com/joescharf/overseer/internal/daemon"
	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/output"
)

var serveStart bool

var serveCmd = &cobra.Command{
	Use:   "serve [project]",
	Short: "Serve the REST control API for a project's loop",
	Long: `Start an HTTP server exposing the loop control API under /api/v1.
The loop starts stopped unless --start is given; control it with
POST /api/v1/loop/start, /pause, /resume, /tick and /stop.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := ""
		if len(args) > 0 {
			ref = args[0]
		}
		return serveRun(ref)
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().BoolVar(&serveStart, "start", false, "Start the loop immediately")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	rootCmd.AddCommand(serveCmd)
}

// acquireLoop claims the project's PID file for this process.
func acquireLoop(p *models.Project) (*daemon.PIDFile, error) {
	pf := daemon.ForProject(viper.GetString("state_dir"), p.ID)
	if err := pf.Acquire(); err != nil {
		return nil, fmt.Errorf("%s: %w", p.Name, err)
	}
	return pf, nil
}

func serveRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	p, err := resolveProjectOrCwd(context.Background(), s, ref)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf(":%d", viper.GetInt("port"))

	if dryRun {
		ui.DryRunMsg("Would serve the control API for %s on %s", p.Name, addr)
		return nil
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

	go reportEvents(ctx, rt.events)

	if serveStart {
		if err := rt.scheduler.Start(ctx, p.ID); err != nil {
			return fmt.Errorf("start loop: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(s, rt.scheduler, rt.events).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	ui.Success("Serving the control API for %s at http://localhost%s/api/v1", output.Cyan(p.Name), addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	return nil
}
