package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-procrun/internal/childinit"
	"github.com/randomizedcoder/go-procrun/internal/logging"
	"github.com/randomizedcoder/go-procrun/internal/result"
	"github.com/randomizedcoder/go-procrun/internal/spec"
	"github.com/randomizedcoder/go-procrun/internal/sys"
)

func TestMain(m *testing.M) {
	if childinit.Invoked() {
		childinit.Main()
	}
	os.Exit(m.Run())
}

// =============================================================================
// Test Helpers
// =============================================================================

func mustParse(t *testing.T, doc string) *spec.Spec {
	t.Helper()
	sp, err := spec.Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("spec.Parse() error = %v", err)
	}
	return sp
}

func requireBinary(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Skipf("%s not available", p)
		}
	}
}

func run(t *testing.T, cfg Config, doc string) (*result.Result, error) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res := result.New("test")
	err := New(cfg).Run(ctx, mustParse(t, doc), res)
	return res, err
}

func exitCode(t *testing.T, pr *result.ProcResult) int {
	t.Helper()
	if pr.ExitCode == nil {
		t.Fatalf("proc %d did not exit normally: signal=%v", pr.Index, pr.Signal)
	}
	return *pr.ExitCode
}

func captured(t *testing.T, pr *result.ProcResult, name string) string {
	t.Helper()
	fr, ok := pr.Fds[name]
	if !ok || fr.Text == nil {
		t.Fatalf("fds[%s] = %+v, want a text capture", name, fr)
	}
	return *fr.Text
}

// =============================================================================
// Table-Driven Tests: State Management
// =============================================================================

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StatePending, "pending"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateReaped, "reaped"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
		{State(-1), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
			}
		})
	}
}

func TestState_IsActive(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StatePending, false},
		{StateStarting, true},
		{StateRunning, true},
		{StateReaped, false},
		{StateFailed, false},
		{State(99), false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.IsActive(); got != tt.want {
				t.Errorf("State(%d).IsActive() = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestState_IsTerminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StatePending, false},
		{StateStarting, false},
		{StateRunning, false},
		{StateReaped, true},
		{StateFailed, true},
		{State(99), false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.want {
				t.Errorf("State(%d).IsTerminal() = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestFatalError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&FatalError{Op: "select", Err: cause})
	if got := err.Error(); got != "fatal: select: boom" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("FatalError should unwrap to its cause")
	}
}

// =============================================================================
// Tests: Launch and Supervise
// =============================================================================

func TestRun_TrivialSuccess(t *testing.T) {
	requireBinary(t, "/bin/true")
	res, err := run(t, Config{}, `procs: [{argv: [/bin/true]}]`)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Procs) != 1 {
		t.Fatalf("len(Procs) = %d, want 1", len(res.Procs))
	}
	pr := res.Procs[0]
	if pr.Status != 0 || exitCode(t, pr) != 0 {
		t.Errorf("status = %d, want 0", pr.Status)
	}
	if pr.Pid <= 0 {
		t.Errorf("pid = %d", pr.Pid)
	}
	if len(pr.Fds) != 0 {
		t.Errorf("fds = %v, want none", pr.Fds)
	}
	if !res.OK() {
		t.Errorf("errors = %v, want none", res.Errors)
	}
}

func TestRun_ExecFailure(t *testing.T) {
	res, err := run(t, Config{}, `procs: [{argv: [/nonexistent/xyz]}]`)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Procs) != 1 {
		t.Fatalf("len(Procs) = %d, want 1", len(res.Procs))
	}
	if code := exitCode(t, res.Procs[0]); code == 0 {
		t.Error("exit code should be non-zero")
	}
	want := "exec: /nonexistent/xyz: no such file or directory"
	if len(res.Errors) != 1 || res.Errors[0] != want {
		t.Errorf("errors = %q, want [%q]", res.Errors, want)
	}
}

func TestRun_Capture(t *testing.T) {
	requireBinary(t, "/bin/echo")
	tests := []struct {
		name string
		fd   string
	}{
		{"tempfile", `capture`},
		{"pipe", `{capture: {mode: pipe}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := `procs: [{argv: [/bin/echo, hello], fds: {1: ` + tt.fd + `}}]`
			res, err := run(t, Config{TempDir: t.TempDir()}, doc)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got := captured(t, res.Procs[0], "stdout"); got != "hello\n" {
				t.Errorf("stdout = %q, want %q", got, "hello\n")
			}
			if !res.OK() {
				t.Errorf("errors = %v", res.Errors)
			}
		})
	}
}

func TestRun_CaptureBase64(t *testing.T) {
	requireBinary(t, "/bin/echo")
	doc := `procs: [{argv: [/bin/echo, hi], fds: {stdout: {capture: {encoding: base64}}}}]`
	res, err := run(t, Config{}, doc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	fr := res.Procs[0].Fds["stdout"]
	if fr == nil || fr.Data == nil || *fr.Data != "aGkK" {
		t.Errorf("stdout = %+v, want base64 aGkK", fr)
	}
}

func TestRun_TwoChildren(t *testing.T) {
	requireBinary(t, "/bin/sleep")
	res, err := run(t, Config{}, `
procs:
  - argv: [/bin/sleep, "0"]
  - argv: [/bin/sleep, "0"]
`)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Procs) != 2 {
		t.Fatalf("len(Procs) = %d, want 2", len(res.Procs))
	}
	seen := map[int]bool{}
	for _, pr := range res.Procs {
		if exitCode(t, pr) != 0 {
			t.Errorf("proc %d exit = %d", pr.Index, *pr.ExitCode)
		}
		seen[pr.Index] = true
	}
	if !seen[0] || !seen[1] {
		t.Errorf("indexes = %v, want 0 and 1", seen)
	}
	if !res.OK() {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestRun_ChildSetupFailure(t *testing.T) {
	requireBinary(t, "/bin/echo")
	path := filepath.Join(t.TempDir(), "missing", "out")
	doc := `procs: [{argv: [/bin/echo, never], fds: {1: {file: {path: "` + path + `"}}}}]`
	res, err := run(t, Config{}, doc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Procs) != 1 {
		t.Fatalf("len(Procs) = %d, want 1", len(res.Procs))
	}
	if code := exitCode(t, res.Procs[0]); code != 71 {
		t.Errorf("exit = %d, want 71", code)
	}
	want := "failed to set up fd 1: open " + path + ": no such file or directory"
	if len(res.Errors) != 1 || res.Errors[0] != want {
		t.Errorf("errors = %q, want [%q]", res.Errors, want)
	}
}

func TestRun_SignalDuringSelect(t *testing.T) {
	requireBinary(t, "/bin/sleep")
	var wakeups []string
	sup := New(Config{
		Logger: logging.Discard(),
		Callbacks: Callbacks{
			OnWakeup: func(outcome string) { wakeups = append(wakeups, outcome) },
		},
	})
	res := result.New("")
	// No managed fds: only the self-pipe can wake the poll once the
	// child has exec'd.
	if err := sup.Run(context.Background(), mustParse(t, `procs: [{argv: [/bin/sleep, "0.2"]}]`), res); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Procs) != 1 || exitCode(t, res.Procs[0]) != 0 {
		t.Fatalf("procs = %+v", res.Procs)
	}
	if !res.OK() {
		t.Errorf("errors = %v", res.Errors)
	}
	if sup.wake.count == 0 {
		t.Error("SIGCHLD never woke the poll through the self-pipe")
	}
	ok := 0
	for _, w := range wakeups {
		switch w {
		case "ok":
			ok++
		case "error":
			t.Errorf("wakeups = %v, want no errors", wakeups)
		}
	}
	if ok == 0 {
		t.Errorf("wakeups = %v, want at least one ok", wakeups)
	}
}

func TestRun_InputToOutput(t *testing.T) {
	requireBinary(t, "/bin/cat")
	// Larger than a pipe buffer in both directions.
	payload := strings.Repeat("0123456789abcdef", 16<<10)
	doc := `procs: [{argv: [/bin/cat], fds: {stdin: {input: {text: "` + payload + `"}}, stdout: {capture: {mode: pipe}}}}]`
	res, err := run(t, Config{}, doc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := captured(t, res.Procs[0], "stdout"); got != payload {
		t.Errorf("stdout has %d bytes, want %d", len(got), len(payload))
	}
	if _, ok := res.Procs[0].Fds["stdin"]; ok {
		t.Error("input should not produce a result")
	}
	if !res.OK() {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestRun_DupStderrToStdout(t *testing.T) {
	requireBinary(t, "/bin/sh")
	doc := `
procs:
  - argv: [/bin/sh, -c, "echo out; echo err >&2"]
    fds:
      stdout: capture
      stderr: {dup: {fd: stdout}}
`
	res, err := run(t, Config{}, doc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := captured(t, res.Procs[0], "stdout"); got != "out\nerr\n" {
		t.Errorf("stdout = %q, want both streams", got)
	}
}

func TestRun_Environment(t *testing.T) {
	requireBinary(t, "/bin/sh")
	doc := `
procs:
  - argv: [/bin/sh, -c, "echo \"$KEEP-$ADDED-${DROP:-unset}\""]
    env: {ADDED: new, DROP: null}
    fds: {stdout: capture}
`
	cfg := Config{Environ: []string{"KEEP=old", "DROP=x", "PATH=/bin:/usr/bin"}}
	res, err := run(t, cfg, doc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := captured(t, res.Procs[0], "stdout"); got != "old-new-unset\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestRun_EnvironmentNotInherited(t *testing.T) {
	requireBinary(t, "/bin/sh")
	doc := `
procs:
  - argv: [/bin/sh, -c, "echo \"${KEEP:-unset}\""]
    env_inherit: false
    fds: {stdout: capture}
`
	res, err := run(t, Config{Environ: []string{"KEEP=old"}}, doc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := captured(t, res.Procs[0], "stdout"); got != "unset\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestRun_ClosedDescriptor(t *testing.T) {
	requireBinary(t, "/bin/sh")
	doc := `
procs:
  - argv: [/bin/sh, -c, "echo x 2>/dev/null >&9 && echo open || echo closed"]
    fds: {stdout: capture, 9: close}
`
	res, err := run(t, Config{}, doc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := captured(t, res.Procs[0], "stdout"); got != "closed\n" {
		t.Errorf("stdout = %q, want closed", got)
	}
}

func TestRun_LogDescriptor(t *testing.T) {
	requireBinary(t, "/bin/sh")
	var buf bytes.Buffer
	cfg := Config{Logger: logging.NewLoggerWithWriter(&buf, "json", "debug")}
	doc := `procs: [{argv: [/bin/sh, -c, "echo first; echo second"], fds: {stdout: log}}]`
	res, err := run(t, cfg, doc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.OK() {
		t.Errorf("errors = %v", res.Errors)
	}
	out := buf.String()
	for _, want := range []string{`"line":"first"`, `"line":"second"`, `"msg":"proc_reaped"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %s:\n%s", want, out)
		}
	}
}

func TestRun_ManagerConstructionFailure(t *testing.T) {
	requireBinary(t, "/bin/true")
	doc := `
procs:
  - argv: [/bin/true]
    fds: {900: inherit}
  - argv: [/bin/true]
`
	var failed []int
	cfg := Config{Callbacks: Callbacks{
		OnStateChange: func(index int, _, newState State) {
			if newState == StateFailed {
				failed = append(failed, index)
			}
		},
	}}
	res, err := run(t, cfg, doc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Procs) != 1 || res.Procs[0].Index != 1 {
		t.Fatalf("procs = %+v, want only proc 1", res.Procs)
	}
	if len(res.Errors) != 1 || !strings.HasPrefix(res.Errors[0], "failed to set up fd 900: ") {
		t.Errorf("errors = %q", res.Errors)
	}
	if len(failed) != 1 || failed[0] != 0 {
		t.Errorf("failed = %v, want [0]", failed)
	}
}

func TestRun_LaunchPipeFailureAfterFork(t *testing.T) {
	requireBinary(t, "/bin/sleep", "/bin/true")
	var orig unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &orig); err != nil {
		t.Fatal(err)
	}
	restore := func() { _ = unix.Setrlimit(unix.RLIMIT_NOFILE, &orig) }
	defer restore()

	cfg := Config{
		Logger: logging.Discard(),
		Callbacks: Callbacks{
			// Once proc 0 runs, cap the limit at the lowest free descriptor
			// so proc 1 cannot get a launch pipe.
			OnStart: func(index, _ int) {
				if index != 0 {
					return
				}
				lowest, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
				if err != nil {
					t.Errorf("open /dev/null: %v", err)
					return
				}
				unix.Close(lowest)
				lim := unix.Rlimit{Cur: uint64(lowest), Max: orig.Max}
				if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
					t.Errorf("setrlimit: %v", err)
				}
			},
		},
	}
	sup := New(cfg)
	res := result.New("")
	err := sup.Run(context.Background(), mustParse(t, `
procs:
  - argv: [/bin/sleep, "0.3"]
  - argv: [/bin/true]
`), res)
	restore()

	if err != nil {
		t.Fatalf("Run() error = %v, want the run to continue", err)
	}
	if len(res.Procs) != 1 || res.Procs[0].Index != 0 || exitCode(t, res.Procs[0]) != 0 {
		t.Fatalf("procs = %+v, want proc 0 reaped", res.Procs)
	}
	if len(res.Errors) != 1 || !strings.HasPrefix(res.Errors[0], "procs[1]: create launch pipe: ") {
		t.Errorf("errors = %q", res.Errors)
	}
	if sup.State(0) != StateReaped || sup.State(1) != StateFailed {
		t.Errorf("states = %v %v, want reaped failed", sup.State(0), sup.State(1))
	}
	if _, err := sys.Wait4(-1, unix.WNOHANG); !errors.Is(err, unix.ECHILD) {
		t.Errorf("Wait4() error = %v, want ECHILD (no child left behind)", err)
	}
}

func TestRun_ForkFailureIsFatal(t *testing.T) {
	cfg := Config{Executable: "/nonexistent/procrun"}
	_, err := run(t, cfg, `procs: [{argv: [/bin/true]}]`)
	var fatal *FatalError
	if !errors.As(err, &fatal) || fatal.Op != "fork" {
		t.Fatalf("Run() error = %v, want fatal fork error", err)
	}
}

func TestRun_Empty(t *testing.T) {
	res := result.New("")
	err := New(Config{Logger: logging.Discard()}).Run(context.Background(), &spec.Spec{}, res)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Procs) != 0 || !res.OK() {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_Cancelled(t *testing.T) {
	requireBinary(t, "/bin/sleep")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := Config{
		Logger: logging.Discard(),
		Callbacks: Callbacks{
			OnStart: func(int, int) { cancel() },
		},
	}
	res := result.New("")
	start := time.Now()
	err := New(cfg).Run(ctx, mustParse(t, `procs: [{argv: [/bin/sleep, "30"]}]`), res)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("cancellation did not stop the child")
	}
	if len(res.Procs) != 1 || res.Procs[0].Outcome() != "signaled" {
		t.Errorf("procs = %+v, want one signaled proc", res.Procs)
	}
}

func TestRun_ForwardSignals(t *testing.T) {
	requireBinary(t, "/bin/sleep")
	cfg := Config{
		ForwardSignals: true,
		Callbacks: Callbacks{
			OnStart: func(int, int) { _ = syscall.Kill(os.Getpid(), syscall.SIGTERM) },
		},
	}
	start := time.Now()
	res, err := run(t, cfg, `procs: [{argv: [/bin/sleep, "30"]}]`)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("SIGTERM was not forwarded to the child")
	}
	if len(res.Procs) != 1 {
		t.Fatalf("procs = %+v, want one", res.Procs)
	}
	if sig := res.Procs[0].Signal; sig == nil || *sig != int(syscall.SIGTERM) {
		t.Errorf("signal = %v, want SIGTERM", sig)
	}
	if !res.OK() {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestRun_Callbacks(t *testing.T) {
	requireBinary(t, "/bin/true", "/bin/false")
	var (
		starts []int
		exits  []string
		states []State
	)
	cfg := Config{Callbacks: Callbacks{
		OnStart: func(index, pid int) {
			if pid <= 0 {
				t.Errorf("OnStart pid = %d", pid)
			}
			starts = append(starts, index)
		},
		OnExit: func(_ int, pr *result.ProcResult) {
			exits = append(exits, pr.Outcome())
		},
		OnStateChange: func(index int, _, newState State) {
			if index == 0 {
				states = append(states, newState)
			}
		},
	}}
	res, err := run(t, cfg, `
procs:
  - argv: [/bin/true]
  - argv: [/bin/false]
`)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(starts) != 2 || starts[0] != 0 || starts[1] != 1 {
		t.Errorf("starts = %v, want [0 1]", starts)
	}
	if len(exits) != 2 {
		t.Errorf("exits = %v", exits)
	}
	want := []State{StateStarting, StateRunning, StateReaped}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}
	if !res.OK() {
		t.Errorf("a non-zero exit is not an error: %v", res.Errors)
	}
}


// =============================================================================
// Tests: Resource Hygiene
// =============================================================================

func openFds(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("/proc/self/fd not available: %v", err)
	}
	return len(entries)
}

func TestRun_NoDescriptorLeaks(t *testing.T) {
	requireBinary(t, "/bin/true", "/bin/echo", "/bin/cat")
	missing := filepath.Join(t.TempDir(), "missing", "out")

	tests := []struct {
		name string
		doc  string
	}{
		{"trivial", `procs: [{argv: [/bin/true]}]`},
		{"exec failure", `procs: [{argv: [/nonexistent/xyz]}]`},
		{"pipe capture", `procs: [{argv: [/bin/echo, hi], fds: {stdout: {capture: {mode: pipe}}}}]`},
		{"input", `procs: [{argv: [/bin/cat], fds: {stdin: {input: {text: hello}}, stdout: capture}}]`},
		{"child setup failure", `procs: [{argv: [/bin/echo], fds: {1: {file: {path: "` + missing + `"}}}}]`},
		{"manager construction failure", `procs: [{argv: [/bin/true], fds: {900: inherit}}]`},
	}

	openFds(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := openFds(t)
			if _, err := run(t, Config{TempDir: t.TempDir()}, tt.doc); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if after := openFds(t); after != before {
				t.Errorf("open descriptors = %d after Run, want %d", after, before)
			}
		})
	}
}

func TestReap_UnknownPid(t *testing.T) {
	s := New(Config{Logger: logging.Discard()})
	s.res = result.New("")
	s.states = make([]State, 1)
	known := &liveProc{index: 0, pid: 4242, start: time.Now()}
	s.live[known.pid] = known

	s.reap(sys.WaitResult{Pid: 4243})

	if len(s.live) != 1 || s.live[known.pid] != known {
		t.Errorf("live = %v, want only pid %d", s.live, known.pid)
	}
	if len(s.res.Procs) != 0 || len(s.res.Errors) != 0 {
		t.Errorf("result = %+v, want unchanged", s.res)
	}
	if s.State(0) != StatePending {
		t.Errorf("State(0) = %v, want pending", s.State(0))
	}
}
