package models

import "time"

// OracleProvider selects the chat-completion backend.
type OracleProvider string

const (
	ProviderLocal  OracleProvider = "local"
	ProviderHosted OracleProvider = "hosted"
)

// OrchestratorConfig is the per-project configuration of the control loop.
type OrchestratorConfig struct {
	ProjectID               string
	Enabled                 bool
	Provider                OracleProvider
	BaseURL                 string
	Model                   string
	TickIntervalMs          int
	MaxConsecutiveFailures  int
	AutoRestartDeadSessions bool
	OracleTimeoutMs         int
	UpdatedAt               time.Time
}

// TickInterval returns the configured interval as a duration.
func (c OrchestratorConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// OracleTimeout returns the configured oracle call timeout as a duration.
func (c OrchestratorConfig) OracleTimeout() time.Duration {
	return time.Duration(c.OracleTimeoutMs) * time.Millisecond
}

// ConfigPatch holds a partial configuration update. Nil fields are left unchanged.
type ConfigPatch struct {
	Enabled                 *bool           `json:"enabled,omitempty"`
	Provider                *OracleProvider `json:"provider,omitempty"`
	BaseURL                 *string         `json:"baseUrl,omitempty"`
	Model                   *string         `json:"model,omitempty"`
	TickIntervalMs          *int            `json:"tickIntervalMs,omitempty"`
	MaxConsecutiveFailures  *int            `json:"maxConsecutiveFailures,omitempty"`
	AutoRestartDeadSessions *bool           `json:"autoRestartDeadSessions,omitempty"`
	OracleTimeoutMs         *int            `json:"oracleTimeoutMs,omitempty"`
}

// Apply merges the patch into cfg and reports whether the oracle connection
// settings (provider, base URL or model) changed.
func (p ConfigPatch) Apply(cfg *OrchestratorConfig) (oracleChanged bool) {
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.Provider != nil && *p.Provider != cfg.Provider {
		cfg.Provider = *p.Provider
		oracleChanged = true
	}
	if p.BaseURL != nil && *p.BaseURL != cfg.BaseURL {
		cfg.BaseURL = *p.BaseURL
		oracleChanged = true
	}
	if p.Model != nil && *p.Model != cfg.Model {
		cfg.Model = *p.Model
		oracleChanged = true
	}
	if p.TickIntervalMs != nil && *p.TickIntervalMs > 0 {
		cfg.TickIntervalMs = *p.TickIntervalMs
	}
	if p.MaxConsecutiveFailures != nil && *p.MaxConsecutiveFailures > 0 {
		cfg.MaxConsecutiveFailures = *p.MaxConsecutiveFailures
	}
	if p.AutoRestartDeadSessions != nil {
		cfg.AutoRestartDeadSessions = *p.AutoRestartDeadSessions
	}
	if p.OracleTimeoutMs != nil && *p.OracleTimeoutMs > 0 {
		cfg.OracleTimeoutMs = *p.OracleTimeoutMs
	}
	return oracleChanged
}
