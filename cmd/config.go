package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "overseer"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage overseer configuration.

Running bare 'overseer config' is the same as 'overseer config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# overseer configuration
# See: overseer config show (for effective values and sources)

# State/data directory (default: ~/.config/overseer)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/overseer/overseer.db)
# db_path: {{ .DBPath }}

# Port of the REST control API (overseer serve)
port: {{ .Port }}

# Loop defaults, stored per project the first time its loop starts.
# Later changes go through 'overseer run --watch-config' or the API.
orchestrator:
  enabled: {{ .Enabled }}
  # Oracle provider: hosted (Anthropic) or local (OpenAI-compatible endpoint)
  provider: "{{ .Provider }}"
  # base_url: "http://localhost:11434/v1"
  # model: ""
  tick_interval_ms: {{ .TickIntervalMs }}
  max_consecutive_failures: {{ .MaxFailures }}
  auto_restart_dead_sessions: {{ .AutoRestart }}
  oracle_timeout_ms: {{ .OracleTimeoutMs }}

# API keys (env: OVERSEER_ANTHROPIC_API_KEY or ANTHROPIC_API_KEY)
anthropic:
  api_key: ""
local:
  api_key: ""

# Worker agent command
agent:
  command: "{{ .AgentCommand }}"
  session_flag: "{{ .SessionFlag }}"
  resume_flag: "{{ .ResumeFlag }}"

# Terminated sessions older than this are purged by 'overseer sessions cleanup'
sessions:
  retention: "{{ .Retention }}"

tracing:
  enabled: false
  # none, stdout, file or otlp
  exporter: "file"
`

type configTemplateData struct {
	StateDir        string
	DBPath          string
	Port            int
	Enabled         bool
	Provider        string
	TickIntervalMs  int
	MaxFailures     int
	AutoRestart     bool
	OracleTimeoutMs int
	AgentCommand    string
	SessionFlag     string
	ResumeFlag      string
	Retention       string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:        viper.GetString("state_dir"),
		DBPath:          viper.GetString("db_path"),
		Port:            viper.GetInt("port"),
		Enabled:         viper.GetBool("orchestrator.enabled"),
		Provider:        viper.GetString("orchestrator.provider"),
		TickIntervalMs:  viper.GetInt("orchestrator.tick_interval_ms"),
		MaxFailures:     viper.GetInt("orchestrator.max_consecutive_failures"),
		AutoRestart:     viper.GetBool("orchestrator.auto_restart_dead_sessions"),
		OracleTimeoutMs: viper.GetInt("orchestrator.oracle_timeout_ms"),
		AgentCommand:    viper.GetString("agent.command"),
		SessionFlag:     viper.GetString("agent.session_flag"),
		ResumeFlag:      viper.GetString("agent.resume_flag"),
		Retention:       viper.GetString("sessions.retention"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "OVERSEER_STATE_DIR"},
	{Key: "db_path", EnvVar: "OVERSEER_DB_PATH"},
	{Key: "port", EnvVar: "OVERSEER_PORT"},
	{Key: "orchestrator.enabled", EnvVar: "OVERSEER_ORCHESTRATOR_ENABLED"},
	{Key: "orchestrator.provider", EnvVar: "OVERSEER_ORCHESTRATOR_PROVIDER"},
	{Key: "orchestrator.base_url", EnvVar: "OVERSEER_ORCHESTRATOR_BASE_URL"},
	{Key: "orchestrator.model", EnvVar: "OVERSEER_ORCHESTRATOR_MODEL"},
	{Key: "orchestrator.tick_interval_ms", EnvVar: "OVERSEER_ORCHESTRATOR_TICK_INTERVAL_MS"},
	{Key: "orchestrator.max_consecutive_failures", EnvVar: "OVERSEER_ORCHESTRATOR_MAX_CONSECUTIVE_FAILURES"},
	{Key: "orchestrator.auto_restart_dead_sessions", EnvVar: "OVERSEER_ORCHESTRATOR_AUTO_RESTART_DEAD_SESSIONS"},
	{Key: "orchestrator.oracle_timeout_ms", EnvVar: "OVERSEER_ORCHESTRATOR_ORACLE_TIMEOUT_MS"},
	{Key: "agent.command", EnvVar: "OVERSEER_AGENT_COMMAND"},
	{Key: "agent.session_flag", EnvVar: "OVERSEER_AGENT_SESSION_FLAG"},
	{Key: "agent.resume_flag", EnvVar: "OVERSEER_AGENT_RESUME_FLAG"},
	{Key: "sessions.retention", EnvVar: "OVERSEER_SESSIONS_RETENTION"},
	{Key: "tracing.enabled", EnvVar: "OVERSEER_TRACING_ENABLED"},
	{Key: "tracing.exporter", EnvVar: "OVERSEER_TRACING_EXPORTER"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-40s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'overseer config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
