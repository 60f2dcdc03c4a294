package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/overseer/internal/output"
	"github.com/joescharf/overseer/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "overseer",
	Short: "Overseer - an unattended control loop for coding-agent workers",
	Long: `overseer runs a control loop per project that watches a fleet of
coding-agent workers (one git worktree each), asks an LLM oracle what to do
next, and carries out its decisions: creating workers, handing them tasks,
merging their branches and reporting back to you.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/overseer/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(filepath.Join(home, ".config", "overseer"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("OVERSEER")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	setDefaults(filepath.Join(home, ".config", "overseer"))

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// envKeyReplacer maps nested keys to env names: orchestrator.model -> OVERSEER_ORCHESTRATOR_MODEL.
var envKeyReplacer = strings.NewReplacer(".", "_")

// setDefaults registers a default for every config key.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "overseer.db"))
	viper.SetDefault("port", 8080)

	viper.SetDefault("orchestrator.enabled", true)
	viper.SetDefault("orchestrator.provider", "hosted")
	viper.SetDefault("orchestrator.base_url", "")
	viper.SetDefault("orchestrator.model", "")
	viper.SetDefault("orchestrator.tick_interval_ms", 30000)
	viper.SetDefault("orchestrator.max_consecutive_failures", 3)
	viper.SetDefault("orchestrator.auto_restart_dead_sessions", true)
	viper.SetDefault("orchestrator.oracle_timeout_ms", 120000)

	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("local.api_key", "")

	viper.SetDefault("agent.command", "claude")
	viper.SetDefault("agent.args", []string{})
	viper.SetDefault("agent.session_flag", "--session-id")
	viper.SetDefault("agent.resume_flag", "--resume")

	viper.SetDefault("sessions.retention", "720h")

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.exporter", "file")
	viper.SetDefault("tracing.file_path", filepath.Join(stateDir, "traces.jsonl"))
	viper.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	viper.SetDefault("tracing.sample_rate", 1.0)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// Initialize store lazily; only commands that need it open the db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}
