// Package main provides the procrun CLI entry point.
//
// procrun launches the processes described by a spec file, arranges each
// child's descriptors, supervises them until every one has exited, and
// prints a JSON result document to stdout.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-procrun/internal/childinit"
	"github.com/randomizedcoder/go-procrun/internal/config"
	"github.com/randomizedcoder/go-procrun/internal/exitcode"
	"github.com/randomizedcoder/go-procrun/internal/logging"
	"github.com/randomizedcoder/go-procrun/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/procrun
var version = "dev"

func main() {
	// The re-executed child branch must not parse flags or log.
	if childinit.Invoked() {
		childinit.Main()
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg := config.DefaultConfig()
	code := exitcode.OK

	cmd := &cobra.Command{
		Use:   "procrun [flags] <spec-path>",
		Short: "Run and supervise the processes described by a spec file",
		Long: `procrun launches every process in the spec, arranges its descriptors
(inherit, close, null, file, dup, capture, input, log), waits for all of them,
and writes a JSON result document to stdout.

Exit codes: 0 ok, 1 errors recorded, 64 usage, 65 invalid spec,
71 OS error or failed preflight, 72 unreadable spec.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			return config.ApplyArgs(cfg, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(cfg); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.LogFormat, cfg.EffectiveLogLevel(), cfg.Verbose)
			logging.SetDefault(logger)
			logger.Debug("starting", "version", version, "spec", cfg.SpecPath)

			orch := orchestrator.New(cfg, logger, orchestrator.Options{Version: version})
			code = orch.Run(cmd.Context())
			return nil
		},
	}
	config.BindFlags(cmd.Flags(), cfg)
	cmd.SetArgs(args)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "procrun: %v\n", err)
		fmt.Fprintf(os.Stderr, "Run 'procrun --help' for usage.\n")
		return exitcode.Usage
	}
	return code
}
