package result

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestNewProcResult_Status(t *testing.T) {
	start := time.Unix(1000, 0)
	end := start.Add(1500 * time.Millisecond)

	testCases := []struct {
		name     string
		status   unix.WaitStatus
		exitCode *int
		signal   *int
		outcome  string
	}{
		{"exit 0", unix.WaitStatus(0), ptr(0), nil, "exited"},
		{"exit 3", unix.WaitStatus(3 << 8), ptr(3), nil, "failed"},
		{"SIGKILL", unix.WaitStatus(9), nil, ptr(9), "signaled"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pr := NewProcResult(0, []string{"x"}, 42, tc.status, nil, start, end)
			if !eqPtr(pr.ExitCode, tc.exitCode) {
				t.Errorf("ExitCode = %v, want %v", deref(pr.ExitCode), deref(tc.exitCode))
			}
			if !eqPtr(pr.Signal, tc.signal) {
				t.Errorf("Signal = %v, want %v", deref(pr.Signal), deref(tc.signal))
			}
			if pr.Outcome() != tc.outcome {
				t.Errorf("Outcome() = %q, want %q", pr.Outcome(), tc.outcome)
			}
			if pr.Status != int(tc.status) {
				t.Errorf("Status = %d, want %d", pr.Status, int(tc.status))
			}
			if pr.Elapsed != 1.5 {
				t.Errorf("Elapsed = %v, want 1.5", pr.Elapsed)
			}
		})
	}
}

func TestRusageFrom(t *testing.T) {
	ru := &unix.Rusage{
		Utime:  unix.Timeval{Sec: 1, Usec: 500000},
		Stime:  unix.Timeval{Sec: 0, Usec: 250000},
		Maxrss: 2048,
		Nvcsw:  7,
	}
	got := RusageFrom(ru)
	if got.UserTime != 1.5 || got.SystemTime != 0.25 {
		t.Errorf("times = %v/%v, want 1.5/0.25", got.UserTime, got.SystemTime)
	}
	if got.MaxRSS != 2048 || got.NVCSw != 7 {
		t.Errorf("counters = %+v", got)
	}
}

func TestResult_OK(t *testing.T) {
	r := New("run")
	if !r.OK() {
		t.Error("empty result should be OK")
	}
	r.AddErrorf("failed to set up fd %d: %s", 3, "boom")
	if r.OK() {
		t.Error("result with errors should not be OK")
	}
	if r.Errors[0] != "failed to set up fd 3: boom" {
		t.Errorf("Errors[0] = %q", r.Errors[0])
	}
}

func TestResult_Write(t *testing.T) {
	r := New("abc")
	pr := NewProcResult(0, []string{"/bin/echo", "hi"}, 10, unix.WaitStatus(0), nil, time.Unix(0, 0), time.Unix(1, 0))
	pr.Fds["stdout"] = CaptureText("hi\n")
	pr.Fds["fd3"] = CaptureData([]byte{0, 1, 2})
	pr.Fds["stderr"] = None()
	r.AddProc(pr)

	var buf bytes.Buffer
	if err := r.Write(&buf, 0); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	out := buf.String()
	if !strings.HasSuffix(out, "}\n") {
		t.Error("document should end with a newline")
	}

	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if doc["run_id"] != "abc" {
		t.Errorf("run_id = %v", doc["run_id"])
	}
	if errs, ok := doc["errors"].([]any); !ok || len(errs) != 0 {
		t.Errorf("errors = %v, want []", doc["errors"])
	}

	procs := doc["procs"].([]any)
	p0 := procs[0].(map[string]any)
	if p0["exit_code"].(float64) != 0 || p0["signal"] != nil {
		t.Errorf("exit_code/signal = %v/%v", p0["exit_code"], p0["signal"])
	}
	fds := p0["fds"].(map[string]any)
	if got := fds["stdout"].(map[string]any); got["type"] != "capture" || got["text"] != "hi\n" {
		t.Errorf("stdout = %v", got)
	}
	if got := fds["fd3"].(map[string]any); got["data"] != "AAEC" {
		t.Errorf("fd3 = %v, want base64 data", got)
	}
	if got := fds["stderr"].(map[string]any); len(got) != 1 || got["type"] != "none" {
		t.Errorf("stderr = %v, want only type none", got)
	}
}

func TestResult_WriteIndent(t *testing.T) {
	var buf bytes.Buffer
	if err := New("").Write(&buf, 2); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "\n  \"procs\"") {
		t.Errorf("indented output = %q", buf.String())
	}
}

func TestCaptureText_Empty(t *testing.T) {
	b, err := json.Marshal(CaptureText(""))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"type":"capture","text":""}` {
		t.Errorf("marshal = %s", b)
	}
}

func ptr(v int) *int { return &v }

func eqPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func deref(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func TestCaptureData_Empty(t *testing.T) {
	b, err := json.Marshal(CaptureData(nil))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"type":"capture","data":""}` {
		t.Errorf("marshal = %s", b)
	}
}

func TestFdResult_Size(t *testing.T) {
	bad := "not base64!"
	tests := []struct {
		name string
		fr   *FdResult
		want int
	}{
		{"nil", nil, 0},
		{"none", None(), 0},
		{"text", CaptureText("hello\n"), 6},
		{"data", CaptureData([]byte{0, 1, 2, 3, 4}), 5},
		{"bad data", &FdResult{Type: TypeCapture, Data: &bad}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fr.Size(); got != tt.want {
				t.Errorf("Size() = %d, want %d", got, tt.want)
			}
		})
	}
}
