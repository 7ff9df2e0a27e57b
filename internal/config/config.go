// Package config provides configuration management for procrun.
package config

// Config holds all configuration options for a run.
type Config struct {
	// Input
	SpecPath string `json:"spec_path"`

	// Output
	Indent  int  `json:"indent"` // 0 = single line
	Summary bool `json:"summary"`

	// Supervision
	ForwardSignals bool   `json:"forward_signals"`
	TempDir        string `json:"temp_dir"` // "" = os.TempDir()

	// Observability
	MetricsAddr string `json:"metrics_addr"` // "" = no server
	MetricsFile string `json:"metrics_file"` // "" = no dump
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	LogLevel    string `json:"log_level"`

	// Dashboard
	TUIEnabled bool `json:"tui_enabled"`

	// Diagnostic modes
	SkipPreflight bool `json:"skip_preflight"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Indent:    0,
		LogFormat: "text",
		LogLevel:  "info",
	}
}

// MetricsEnabled returns true if a metrics registry is needed at all.
func (c *Config) MetricsEnabled() bool {
	return c.MetricsAddr != "" || c.MetricsFile != ""
}

// EffectiveLogLevel returns the level logs are emitted at.
func (c *Config) EffectiveLogLevel() string {
	if c.Verbose {
		return "debug"
	}
	return c.LogLevel
}
