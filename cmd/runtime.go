package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/overseer/internal/git"
	"github.com/joescharf/overseer/internal/llm"
	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/orchestrator"
	"github.com/joescharf/overseer/internal/process"
	"github.com/joescharf/overseer/internal/pubsub"
	"github.com/joescharf/overseer/internal/sessions"
	"github.com/joescharf/overseer/internal/store"
	"github.com/joescharf/overseer/internal/tracing"
)

// loopDefaults is the loop configuration for projects with none stored.
func loopDefaults() models.OrchestratorConfig {
	return models.OrchestratorConfig{
		Enabled:                 viper.GetBool("orchestrator.enabled"),
		Provider:                models.OracleProvider(viper.GetString("orchestrator.provider")),
		BaseURL:                 viper.GetString("orchestrator.base_url"),
		Model:                   viper.GetString("orchestrator.model"),
		TickIntervalMs:          viper.GetInt("orchestrator.tick_interval_ms"),
		MaxConsecutiveFailures:  viper.GetInt("orchestrator.max_consecutive_failures"),
		AutoRestartDeadSessions: viper.GetBool("orchestrator.auto_restart_dead_sessions"),
		OracleTimeoutMs:         viper.GetInt("orchestrator.oracle_timeout_ms"),
	}
}

// configPatchFromViper builds a patch carrying the effective orchestrator.* values.
func configPatchFromViper() models.ConfigPatch {
	d := loopDefaults()
	return models.ConfigPatch{
		Enabled:                 &d.Enabled,
		Provider:                &d.Provider,
		BaseURL:                 &d.BaseURL,
		Model:                   &d.Model,
		TickIntervalMs:          &d.TickIntervalMs,
		MaxConsecutiveFailures:  &d.MaxConsecutiveFailures,
		AutoRestartDeadSessions: &d.AutoRestartDeadSessions,
		OracleTimeoutMs:         &d.OracleTimeoutMs,
	}
}

func apiKeyFor(provider models.OracleProvider) string {
	if provider == models.ProviderLocal {
		return viper.GetString("local.api_key")
	}
	if key := viper.GetString("anthropic.api_key"); key != "" {
		return key
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

// newOracle builds the oracle for a loop configuration.
func newOracle(cfg models.OrchestratorConfig) (llm.Provider, error) {
	key := apiKeyFor(cfg.Provider)
	if key == "" && cfg.Provider != models.ProviderLocal {
		return nil, fmt.Errorf("no API key for the hosted oracle (set anthropic.api_key or ANTHROPIC_API_KEY)")
	}
	return llm.NewProvider(llm.Config{
		Provider: cfg.Provider,
		BaseURL:  cfg.BaseURL,
		Model:    cfg.Model,
		APIKey:   key,
	})
}

func agentCommand() sessions.AgentCommand {
	return sessions.AgentCommand{
		Command:     viper.GetString("agent.command"),
		Args:        viper.GetStringSlice("agent.args"),
		SessionFlag: viper.GetString("agent.session_flag"),
		ResumeFlag:  viper.GetString("agent.resume_flag"),
	}
}

func tracingConfig() tracing.Config {
	cfg := tracing.DefaultConfig()
	cfg.Enabled = viper.GetBool("tracing.enabled")
	cfg.Exporter = viper.GetString("tracing.exporter")
	cfg.FilePath = viper.GetString("tracing.file_path")
	cfg.OTLPEndpoint = viper.GetString("tracing.otlp_endpoint")
	cfg.SampleRate = viper.GetFloat64("tracing.sample_rate")
	return cfg
}

// loopRuntime is everything a running control loop needs, wired together.
type loopRuntime struct {
	store     store.Store
	procs     *process.Manager
	sessions  *sessions.Manager
	events    *pubsub.Broker[orchestrator.Event]
	tracing   *tracing.Provider
	scheduler *orchestrator.Scheduler
}

// newLoopRuntime wires a scheduler for projectRef. The loop is not started.
func newLoopRuntime(ctx context.Context, projectRef string) (*loopRuntime, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	tp, err := tracing.NewProvider(ctx, tracingConfig())
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	logger := slog.Default()
	procs := process.NewManager(pubsub.NewBroker[process.Signal](), process.WithLogger(logger))
	sm := sessions.NewManager(s, procs, agentCommand(), logger)
	events := pubsub.NewBroker[orchestrator.Event]()

	sched := orchestrator.NewScheduler(orchestrator.Deps{
		Store:     s,
		Sessions:  sm,
		Processes: procs,
		Git:       git.NewClient(),
		Oracle:    newOracle,
		Signals:   procs.Signals(),
		Events:    events,
		Defaults:  loopDefaults(),
		Logger:    logger,
		Tracer:    tp.Tracer(),
	}, projectRef)

	return &loopRuntime{
		store:     s,
		procs:     procs,
		sessions:  sm,
		events:    events,
		tracing:   tp,
		scheduler: sched,
	}, nil
}

// Close stops the loop and releases worker processes and exporters.
func (r *loopRuntime) Close(ctx context.Context) {
	if err := r.scheduler.Stop(ctx); err != nil {
		slog.Warn("stop loop", "error", err)
	}
	r.procs.Shutdown()
	r.events.Close()
	r.procs.Signals().Close()
	if err := r.tracing.Shutdown(ctx); err != nil {
		slog.Warn("shutdown tracing", "error", err)
	}
}

// reportEvents prints loop events until ctx is done.
func reportEvents(ctx context.Context, events *pubsub.Broker[orchestrator.Event]) {
	for ev := range events.Subscribe(ctx) {
		switch e := ev.Payload.(type) {
		case orchestrator.StateChanged:
			ui.Info("Loop %s -> %s", e.From, e.To)
		case orchestrator.TickCompleted:
			if e.Failed {
				ui.Warning("Tick #%d failed (%d consecutive): %s", e.TickNumber, e.ConsecutiveFailures, e.Error)
			} else {
				ui.VerboseLog("Tick #%d completed", e.TickNumber)
			}
		case orchestrator.WorkerCreated:
			ui.Success("Worker %s created on %s", e.WorkerID, e.Branch)
		case orchestrator.SessionResumed:
			ui.Info("Resumed worker %s (resume #%d)", e.WorkerID, e.ResumeCount)
		}
	}
}
