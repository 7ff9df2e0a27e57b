// Package orchestrator coordinates one procrun run: it loads the spec, runs
// preflight checks, starts the metrics server and dashboard, supervises the
// processes, and reports the result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-procrun/internal/config"
	"github.com/randomizedcoder/go-procrun/internal/exitcode"
	"github.com/randomizedcoder/go-procrun/internal/logging"
	"github.com/randomizedcoder/go-procrun/internal/metrics"
	"github.com/randomizedcoder/go-procrun/internal/preflight"
	"github.com/randomizedcoder/go-procrun/internal/result"
	"github.com/randomizedcoder/go-procrun/internal/spec"
	"github.com/randomizedcoder/go-procrun/internal/stats"
	"github.com/randomizedcoder/go-procrun/internal/supervisor"
	"github.com/randomizedcoder/go-procrun/internal/tui"
)

// tuiBacklog bounds the dashboard events queued behind a slow render.
const tuiBacklog = 256

// Options are the process-level inputs of a run.
type Options struct {
	Version string

	// Stdout receives the result document. Defaults to os.Stdout.
	Stdout io.Writer

	// Stderr receives the summary, preflight report and dashboard.
	// Defaults to os.Stderr.
	Stderr io.Writer

	// Executable overrides the binary re-executed as the child init.
	Executable string

	// Environ overrides the ambient environment.
	Environ []string
}

// Orchestrator coordinates all components for a run.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger
	opts   Options

	runID     string
	metrics   *metrics.Collector
	server    *metrics.Server
	events    chan tea.Msg
	startTime time.Time
}

// New creates a new Orchestrator with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts Options) *Orchestrator {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	runID := uuid.NewString()
	return &Orchestrator{
		config: cfg,
		logger: logger.With("run_id", runID),
		opts:   opts,
		runID:  runID,
	}
}

// RunID returns the id tagging this run's logs, metrics and result.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Run executes the spec and returns the process exit code.
func (o *Orchestrator) Run(ctx context.Context) int {
	o.startTime = time.Now()

	sp, err := spec.Load(o.config.SpecPath)
	if err != nil {
		return o.specFailure(err)
	}
	o.logger.Info("spec_loaded", "path", o.config.SpecPath, "procs", len(sp.Procs))

	if !o.config.SkipPreflight {
		checks := preflight.RunAll(sp, o.opts.Executable)
		for _, c := range checks.Checks {
			if c.Warning {
				o.logger.Warn("preflight_warning", "check", c.Name, "message", c.Message)
			}
		}
		if !checks.Passed {
			preflight.PrintResults(o.opts.Stderr, checks)
			o.logger.Error("preflight_failed", "hint", "use --skip-preflight to override")
			return exitcode.OSErr
		}
	}

	o.metrics = metrics.NewCollector(metrics.CollectorConfig{
		Version:        o.opts.Version,
		RunID:          o.runID,
		Procs:          len(sp.Procs),
		RuntimeMetrics: o.config.MetricsAddr != "",
	})

	if o.config.MetricsAddr != "" {
		o.server = metrics.NewServer(o.config.MetricsAddr, o.metrics.Registry(), o.logger)
		if err := o.server.Start(); err != nil {
			o.logger.Error("metrics_server_failed", "error", err)
			return exitcode.OSErr
		}
	}

	res := result.New(o.runID)
	runErr := o.supervise(ctx, sp, res)

	var fatal *supervisor.FatalError
	if errors.As(runErr, &fatal) {
		o.logger.Error("run_failed", "op", fatal.Op, "error", fatal.Err)
		o.finish(res)
		var se *spec.Error
		if errors.As(fatal, &se) {
			return exitcode.DataErr
		}
		return exitcode.OSErr
	}
	if runErr != nil {
		o.logger.Error("run_failed", "error", runErr)
		o.finish(res)
		return exitcode.OSErr
	}

	if err := res.Write(o.opts.Stdout, o.config.Indent); err != nil {
		o.logger.Error("result_write_failed", "error", err)
		o.finish(res)
		return exitcode.OSErr
	}
	o.finish(res)

	if !res.OK() {
		return exitcode.Errors
	}
	return exitcode.OK
}

// specFailure maps a load failure to its exit code.
func (o *Orchestrator) specFailure(err error) int {
	if errors.Is(err, spec.ErrRead) {
		o.logger.Error("spec_unreadable", "path", o.config.SpecPath, "error", err)
		return exitcode.OSFile
	}
	o.logger.Error("spec_invalid", "path", o.config.SpecPath, "error", err)
	return exitcode.DataErr
}

// supervise runs the supervisor alongside the dashboard and the metrics
// server. The auxiliary goroutines are stopped once every proc is reaped.
func (o *Orchestrator) supervise(ctx context.Context, sp *spec.Spec, res *result.Result) error {
	var g errgroup.Group
	done := make(chan struct{})

	logger := o.logger
	if o.config.TUIEnabled {
		program := o.startTUI(sp)
		g.Go(func() error {
			_, err := program.Run()
			return err
		})
		g.Go(func() error {
			for msg := range o.events {
				program.Send(msg)
			}
			tui.SendQuit(program)
			return nil
		})
		logger = logging.Discard()
	}
	if o.server != nil {
		g.Go(func() error {
			<-done
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return o.server.Shutdown(shutdownCtx)
		})
	}

	sup := supervisor.New(supervisor.Config{
		Logger:         logger,
		Executable:     o.opts.Executable,
		Environ:        o.opts.Environ,
		TempDir:        o.config.TempDir,
		ForwardSignals: o.config.ForwardSignals,
		Callbacks:      o.callbacks(),
	})
	err := sup.Run(ctx, sp, res)

	var notLaunched []int
	for i := range sp.Procs {
		if sup.State(i) == supervisor.StateFailed {
			notLaunched = append(notLaunched, i)
		}
	}
	if len(notLaunched) > 0 {
		o.logger.Warn("procs_not_launched", "count", len(notLaunched), "indexes", notLaunched)
	}

	close(done)
	if o.events != nil {
		close(o.events)
	}
	if werr := g.Wait(); werr != nil {
		o.logger.Warn("auxiliary_stopped_with_error", "error", werr)
	}
	return err
}

func (o *Orchestrator) startTUI(sp *spec.Spec) *tea.Program {
	argv0 := make([]string, len(sp.Procs))
	for i, ps := range sp.Procs {
		if len(ps.Argv) > 0 {
			argv0[i] = ps.Argv[0]
		}
	}
	model := tui.New(tui.Config{
		SpecPath:    o.config.SpecPath,
		MetricsAddr: o.config.MetricsAddr,
		Argv0:       argv0,
	})
	o.events = make(chan tea.Msg, tuiBacklog)
	return tea.NewProgram(model,
		tea.WithInput(nil),
		tea.WithOutput(o.opts.Stderr),
		tea.WithoutSignalHandler(),
	)
}

// notify queues a dashboard event when the dashboard is running.
func (o *Orchestrator) notify(msg tea.Msg) {
	if o.events != nil {
		o.events <- msg
	}
}

// Callback handlers

func (o *Orchestrator) callbacks() supervisor.Callbacks {
	return supervisor.Callbacks{
		OnStateChange: o.onStateChange,
		OnStart:       o.onStart,
		OnExit:        o.onExit,
		OnError:       o.onError,
		OnWakeup:      o.metrics.RecordWakeup,
		OnCapture:     o.metrics.RecordCapture,
	}
}

func (o *Orchestrator) onStateChange(index int, oldState, newState supervisor.State) {
	o.notify(tui.StateMsg{Index: index, State: newState})
}

func (o *Orchestrator) onStart(index int, pid int) {
	o.metrics.ProcStarted()
	o.notify(tui.StartedMsg{Index: index, Pid: pid, At: time.Now()})
}

func (o *Orchestrator) onExit(index int, pr *result.ProcResult) {
	elapsed := time.Duration(pr.Elapsed * float64(time.Second))
	cpu := time.Duration((pr.Rusage.UserTime + pr.Rusage.SystemTime) * float64(time.Second))
	o.metrics.ProcReaped(pr.Outcome(), elapsed, cpu)
	o.notify(tui.ExitedMsg{Index: index, Result: pr})
}

func (o *Orchestrator) onError(source string, msg string) {
	o.metrics.RecordError(source)
	o.notify(tui.ErrorMsg{Source: source, Message: msg})
}

// finish writes the metrics textfile and the exit summary.
func (o *Orchestrator) finish(res *result.Result) {
	if o.config.MetricsFile != "" {
		if err := metrics.WriteFile(o.config.MetricsFile, o.metrics.Registry()); err != nil {
			o.logger.Warn("metrics_file_failed", "path", o.config.MetricsFile, "error", err)
		} else {
			o.logger.Debug("metrics_file_written", "path", o.config.MetricsFile)
		}
	}

	o.logger.Info("run_finished",
		"procs", len(res.Procs),
		"errors", len(res.Errors),
		"peak_live", o.metrics.PeakLive(),
		"duration", time.Since(o.startTime).String(),
	)

	if !o.config.Summary {
		return
	}
	styled := false
	if f, ok := o.opts.Stderr.(*os.File); ok {
		styled = stats.IsTerminal(f)
	}
	err := stats.WriteSummary(o.opts.Stderr, stats.Collect(res), stats.SummaryConfig{
		RunID:       o.runID,
		Duration:    time.Since(o.startTime),
		PeakLive:    o.metrics.PeakLive(),
		MetricsAddr: o.config.MetricsAddr,
		Styled:      styled,
	})
	if err != nil {
		o.logger.Warn("summary_failed", "error", fmt.Errorf("write summary: %w", err))
	}
}
