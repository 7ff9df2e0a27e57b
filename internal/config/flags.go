package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// BindFlags registers every option on fs, with cfg's current values as
// defaults.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	// Output
	fs.IntVar(&cfg.Indent, "indent", cfg.Indent, "Indent the result document by N spaces (0 = single line)")
	fs.BoolVar(&cfg.Summary, "summary", cfg.Summary, "Print a run summary to stderr")

	// Supervision
	fs.BoolVar(&cfg.ForwardSignals, "forward-signals", cfg.ForwardSignals, "Forward SIGINT, SIGTERM and SIGHUP to live children")
	fs.StringVar(&cfg.TempDir, "temp-dir", cfg.TempDir, "Directory for capture files (default $TMPDIR)")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address while running")
	fs.StringVar(&cfg.MetricsFile, "metrics-file", cfg.MetricsFile, "Write Prometheus metrics in text format to this file after the run")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn" or "error"`)

	// Dashboard
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Show a live dashboard on stderr")

	// Diagnostics
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
}

// ApplyArgs takes the positional arguments of the command line.
func ApplyArgs(cfg *Config, args []string) error {
	switch len(args) {
	case 0:
		return ValidationError{Field: "spec_path", Message: "a spec file is required"}
	case 1:
		cfg.SpecPath = args[0]
		return nil
	default:
		return ValidationError{Field: "spec_path", Message: fmt.Sprintf("expected one spec file, got %d arguments", len(args))}
	}
}
