package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-procrun/internal/childinit"
	"github.com/randomizedcoder/go-procrun/internal/environ"
	"github.com/randomizedcoder/go-procrun/internal/fd"
	"github.com/randomizedcoder/go-procrun/internal/fdio"
	"github.com/randomizedcoder/go-procrun/internal/result"
	"github.com/randomizedcoder/go-procrun/internal/selector"
	"github.com/randomizedcoder/go-procrun/internal/spec"
	"github.com/randomizedcoder/go-procrun/internal/sys"
)

// Error sources reported through Callbacks.OnError.
const (
	SourceChild   = "child"
	SourceSetup   = "setup"
	SourceCleanup = "cleanup"
	SourceLaunch  = "launch"
)

// Callbacks observe a run. They are invoked from the supervising goroutine
// and must not block.
type Callbacks struct {
	// OnStateChange is called when a proc changes state.
	OnStateChange func(index int, oldState, newState State)

	// OnStart is called when a proc's child has been forked.
	OnStart func(index int, pid int)

	// OnExit is called when a proc has been reaped and torn down.
	OnExit func(index int, pr *result.ProcResult)

	// OnError is called for every error recorded in the result.
	OnError func(source string, msg string)

	// OnWakeup is called after every poll with "ok", "interrupted" or
	// "error".
	OnWakeup func(outcome string)

	// OnCapture is called with the byte count of every capture.
	OnCapture func(n int)
}

// Config holds configuration for a Supervisor.
type Config struct {
	Logger *slog.Logger

	// Executable is the binary forked as the child branch. It must call
	// childinit.Main when childinit.Invoked reports true. Defaults to
	// os.Executable().
	Executable string

	// Environ is the ambient environment. Defaults to os.Environ().
	Environ []string

	// TempDir holds capture files.
	TempDir string

	// ForwardSignals relays SIGINT, SIGTERM and SIGHUP to live children.
	ForwardSignals bool

	Callbacks Callbacks
}

// FatalError aborts a run. The result holds everything recorded before it.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// liveProc is a forked, not yet reaped proc.
type liveProc struct {
	index    int
	spec     *spec.ProcSpec
	managers []fd.Manager
	pid      int
	start    time.Time
	errors   []string
}

// Supervisor runs one spec to completion. It is not reusable.
type Supervisor struct {
	logger    *slog.Logger
	callbacks Callbacks
	exe       string
	ambient   []string
	tempDir   string
	forward   bool

	sel    *selector.Selector
	wake   *wakeup
	errs   *errorChannel
	res    *result.Result
	live   map[int]*liveProc
	states []State
	stdio  [3]int
	forked int
	killed bool
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ambient := cfg.Environ
	if ambient == nil {
		ambient = os.Environ()
	}
	return &Supervisor{
		logger:    logger,
		callbacks: cfg.Callbacks,
		exe:       cfg.Executable,
		ambient:   ambient,
		tempDir:   cfg.TempDir,
		forward:   cfg.ForwardSignals,
		live:      make(map[int]*liveProc),
	}
}

// Run launches every proc of sp, supervises them until all are reaped, and
// records their results in res. It returns a *FatalError when the run
// could not continue; per-proc failures are recorded in res instead.
//
// Cancelling ctx kills every live child; the run still reaps them.
func (s *Supervisor) Run(ctx context.Context, sp *spec.Spec, res *result.Result) (err error) {
	s.res = res
	s.states = make([]State, len(sp.Procs))

	if s.exe == "" {
		exe, err := os.Executable()
		if err != nil {
			return &FatalError{Op: "resolve executable", Err: err}
		}
		s.exe = exe
	}

	// Before any descriptor of ours can take a stdio number.
	for i := range s.stdio {
		s.stdio[i] = -1
		if sys.IsOpen(i) {
			s.stdio[i] = i
		}
	}

	// Spec errors are fatal, so find them before any child exists.
	plans := make([]procPlan, len(sp.Procs))
	for i := range sp.Procs {
		if plans[i], err = prepare(s.ambient, i, &sp.Procs[i]); err != nil {
			return err
		}
	}

	s.logger.Info("run_starting",
		"procs", len(sp.Procs),
		"pid", sys.Getpid(),
		"forward_signals", s.forward,
	)

	s.sel = selector.New()
	if s.wake, err = newWakeup(); err != nil {
		return &FatalError{Op: "create wakeup pipe", Err: err}
	}
	defer s.wake.close()
	if err := s.sel.InsertReader(s.wake.r, s.wake); err != nil {
		return &FatalError{Op: "register wakeup pipe", Err: err}
	}
	s.wake.start(ctx, s.forward)

	if s.errs, err = newErrorChannel(); err != nil {
		return &FatalError{Op: "create error channel", Err: err}
	}
	defer func() {
		s.collectChildErrors()
		s.errs.close(s.sel)
	}()
	defer s.abandon()
	if err := s.sel.InsertReader(s.errs.r, s.errs); err != nil {
		return &FatalError{Op: "register error channel", Err: err}
	}

	for i := range sp.Procs {
		if ctx.Err() != nil {
			s.recordError(SourceLaunch, fmt.Sprintf("procs[%d]: not launched: %v", i, ctx.Err()))
			s.setState(i, StateFailed)
			continue
		}
		if err := s.launch(i, &sp.Procs[i], plans[i]); err != nil {
			return err
		}
	}
	if err := s.errs.closeWriter(); err != nil {
		return &FatalError{Op: "close error channel", Err: err}
	}

	if err := s.supervise(); err != nil {
		return err
	}

	s.errs.drain(s.sel)
	s.logger.Info("run_complete",
		"procs", len(res.Procs),
		"errors", len(res.Errors),
	)
	return nil
}

// procPlan is what a proc needs from its spec to be launched.
type procPlan struct {
	env []string
	fds []spec.NumberedFd
}

// prepare resolves the environment and descriptors of proc index.
func prepare(ambient []string, index int, ps *spec.ProcSpec) (procPlan, error) {
	if len(ps.Argv) == 0 || ps.Argv[0] == "" {
		return procPlan{}, &FatalError{
			Op:  fmt.Sprintf("procs[%d]", index),
			Err: spec.Errorf(fmt.Sprintf("procs[%d].argv", index), "argv must name an executable"),
		}
	}
	env, err := environ.ForProc(ambient, ps)
	if err != nil {
		return procPlan{}, &FatalError{Op: fmt.Sprintf("procs[%d] environment", index), Err: err}
	}
	fds, err := ps.FdList()
	if err != nil {
		return procPlan{}, &FatalError{Op: fmt.Sprintf("procs[%d] descriptors", index), Err: err}
	}
	return procPlan{env: env, fds: fds}, nil
}

// launch builds the managers for one proc and forks it. Failures that only
// affect this proc are recorded and return nil. OS failures are fatal only
// while no child has been forked.
func (s *Supervisor) launch(index int, ps *spec.ProcSpec, pp procPlan) error {
	s.setState(index, StateStarting)
	env, fds := pp.env, pp.fds

	opts := fd.Options{
		Logger:    s.logger.With("index", index),
		TempDir:   s.tempDir,
		OnCapture: s.callbacks.OnCapture,
	}
	managers := make([]fd.Manager, 0, len(fds))
	for _, nf := range fds {
		m, err := fd.New(nf.Fd, nf.Spec, opts)
		if err != nil {
			s.recordError(SourceSetup, err.Error())
			s.tearDown(managers)
			s.logger.Warn("proc_not_launched",
				"index", index,
				"fd", nf.Fd,
				"error", err,
			)
			s.setState(index, StateFailed)
			return nil
		}
		managers = append(managers, m)
	}

	planR, planW, err := sys.Pipe()
	if err != nil {
		s.tearDown(managers)
		return s.launchFailed(index, "create launch pipe", err)
	}

	files := []int{s.stdio[0], s.stdio[1], s.stdio[2], s.errs.w, planR}
	plan := &childinit.Plan{
		Path: ps.Argv[0],
		Argv: ps.Argv,
		Env:  env,
		Fds:  make([]fd.Descriptor, len(managers)),
	}
	for i, m := range managers {
		d := m.Describe()
		if cf := m.ChildFile(); cf >= 0 {
			d.Src = len(files)
			files = append(files, cf)
		}
		plan.Fds[i] = d
	}
	payload, err := plan.Encode()
	if err != nil {
		sys.Close(planR)
		sys.Close(planW)
		s.tearDown(managers)
		return s.launchFailed(index, "encode launch plan", err)
	}

	start := time.Now()
	pid, err := sys.Fork(s.exe, childinit.Argv(), files)
	sys.Close(planR)
	if err != nil {
		sys.Close(planW)
		s.tearDown(managers)
		return s.launchFailed(index, "fork", err)
	}
	s.forked++

	lp := &liveProc{index: index, spec: ps, managers: managers, pid: pid, start: start}
	s.live[pid] = lp

	// The child reads the plan as we write it, so a plan larger than the
	// pipe buffer cannot stall here.
	werr := fdio.WriteFramed(planW, payload)
	if cerr := sys.Close(planW); werr == nil {
		werr = cerr
	}
	if werr != nil {
		s.procError(lp, SourceLaunch, fmt.Sprintf("write launch plan: %v", werr))
	}

	for _, m := range managers {
		if err := m.SetUpInParent(s.sel); err != nil {
			s.procError(lp, SourceSetup, err.Error())
		}
	}

	s.logger.Info("proc_started",
		"index", index,
		"pid", pid,
		"argv0", ps.Argv[0],
		"fds", len(managers),
	)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(index, pid)
	}
	s.setState(index, StateRunning)
	return nil
}

// launchFailed handles an OS failure while launching proc index. Before
// the first fork the run is aborted; afterwards the proc is recorded as not
// launched so the children already running are still supervised.
func (s *Supervisor) launchFailed(index int, op string, err error) error {
	if s.forked == 0 {
		return &FatalError{Op: op, Err: err}
	}
	s.recordError(SourceLaunch, fmt.Sprintf("procs[%d]: %s: %v", index, op, err))
	s.setState(index, StateFailed)
	return nil
}

// supervise multiplexes descriptor IO and reaps children until nothing is
// registered with the selector.
func (s *Supervisor) supervise() error {
	for {
		if err := s.reapAvailable(); err != nil {
			return err
		}
		s.handleWakeEvents()

		if len(s.live) == 0 && s.wake.r >= 0 && s.sel.HasReader(s.wake.r) {
			if _, err := s.sel.RemoveReader(s.wake.r); err != nil {
				return &FatalError{Op: "unregister wakeup pipe", Err: err}
			}
		}
		if !s.sel.Any() {
			return nil
		}

		err := s.sel.Select(-1)
		switch {
		case err == nil:
			s.wakeup("ok")
		case errors.Is(err, selector.ErrInterrupted):
			s.wakeup("interrupted")
		default:
			s.wakeup("error")
			return &FatalError{Op: "select", Err: err}
		}
	}
}

// reapAvailable reaps every child that has already exited.
func (s *Supervisor) reapAvailable() error {
	for len(s.live) > 0 {
		wr, err := sys.Wait4(-1, unix.WNOHANG)
		if err != nil {
			if sys.IsInterrupted(err) {
				continue
			}
			return &FatalError{Op: "reap", Err: err}
		}
		if wr.Pid == 0 {
			return nil
		}
		s.reap(wr)
	}
	return nil
}

func (s *Supervisor) reap(wr sys.WaitResult) {
	lp, ok := s.live[wr.Pid]
	if !ok {
		s.logger.Warn("unknown_child_reaped",
			"pid", wr.Pid,
			"status", int(wr.Status),
		)
		return
	}
	delete(s.live, wr.Pid)
	end := time.Now()

	// Frames the child wrote before exiting are already in the pipe.
	s.collectChildErrors()

	pr := result.NewProcResult(lp.index, lp.spec.Argv, wr.Pid, wr.Status, &wr.Rusage, lp.start, end)
	for _, msg := range lp.errors {
		pr.AddError(msg)
	}
	for _, m := range lp.managers {
		name := fd.Name(m.Fd())
		fr, err := m.CleanUpInParent(s.sel)
		if err != nil {
			pr.Fds[name] = result.None()
			s.recordError(SourceCleanup, err.Error())
			continue
		}
		if fr != nil {
			pr.Fds[name] = fr
		}
	}
	s.res.AddProc(pr)

	attrs := []any{
		"index", lp.index,
		"pid", wr.Pid,
		"outcome", pr.Outcome(),
		"elapsed", end.Sub(lp.start).String(),
	}
	if pr.ExitCode != nil {
		attrs = append(attrs, "exit_code", *pr.ExitCode)
	}
	if pr.Signal != nil {
		attrs = append(attrs, "signal", syscall.Signal(*pr.Signal).String())
	}
	s.logger.Info("proc_reaped", attrs...)

	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(lp.index, pr)
	}
	s.setState(lp.index, StateReaped)
}

// handleWakeEvents acts on signals and cancellation seen by the wakeup pipe.
func (s *Supervisor) handleWakeEvents() {
	for _, sig := range s.wake.takeSignals() {
		for pid, lp := range s.live {
			if err := sys.Kill(pid, sig); err != nil {
				s.logger.Debug("signal_forward_failed", "index", lp.index, "pid", pid, "error", err)
				continue
			}
			s.logger.Info("signal_forwarded", "index", lp.index, "pid", pid, "signal", sig.String())
		}
	}
	if s.wake.cancelled && !s.killed {
		s.killed = true
		s.logger.Warn("run_cancelled", "live", len(s.live))
		for pid := range s.live {
			_ = sys.Kill(pid, syscall.SIGKILL)
		}
	}
}

// collectChildErrors moves error channel frames into the result.
func (s *Supervisor) collectChildErrors() {
	if s.errs == nil {
		return
	}
	s.errs.drain(s.sel)
	for _, msg := range s.errs.take() {
		s.recordError(SourceChild, msg)
	}
}

// abandon kills, reaps and tears down procs still live when a run ends
// early, so no child outlives the supervisor.
func (s *Supervisor) abandon() {
	for pid, lp := range s.live {
		s.logger.Warn("proc_abandoned", "index", lp.index, "pid", pid)
		_ = sys.Kill(pid, syscall.SIGKILL)
		for {
			if _, err := sys.Wait4(pid, 0); err == nil || !sys.IsInterrupted(err) {
				break
			}
		}
		s.tearDown(lp.managers)
		delete(s.live, pid)
	}
}

// tearDown releases managers of a proc that produced no result.
func (s *Supervisor) tearDown(managers []fd.Manager) {
	for _, m := range managers {
		if _, err := m.CleanUpInParent(s.sel); err != nil {
			s.recordError(SourceCleanup, err.Error())
		}
	}
}

func (s *Supervisor) recordError(source, msg string) {
	s.res.AddError(msg)
	s.logger.Warn("run_error", "source", source, "error", msg)
	if s.callbacks.OnError != nil {
		s.callbacks.OnError(source, msg)
	}
}

// procError records an error both in the run and on the proc's result.
func (s *Supervisor) procError(lp *liveProc, source, msg string) {
	lp.errors = append(lp.errors, msg)
	s.recordError(source, msg)
}

func (s *Supervisor) wakeup(outcome string) {
	if s.callbacks.OnWakeup != nil {
		s.callbacks.OnWakeup(outcome)
	}
}

func (s *Supervisor) setState(index int, newState State) {
	oldState := s.states[index]
	s.states[index] = newState
	if s.callbacks.OnStateChange != nil && oldState != newState {
		s.callbacks.OnStateChange(index, oldState, newState)
	}
}

// State returns the state of proc index.
func (s *Supervisor) State(index int) State {
	if index < 0 || index >= len(s.states) {
		return StatePending
	}
	return s.states[index]
}
