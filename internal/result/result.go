// Package result accumulates per-process outcomes and serializes the run's
// result document.
package result

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-procrun/internal/sys"
)

// Result types reported for a descriptor.
const (
	TypeNone    = "none"
	TypeCapture = "capture"
)

// FdResult is what one descriptor manager reports after its process ended.
// A capture carries either Text (UTF-8 encoding) or Data (base64 text).
type FdResult struct {
	Type string  `json:"type"`
	Text *string `json:"text,omitempty"`
	Data *string `json:"data,omitempty"`
}

// None is the sentinel stored when a manager failed to clean up.
func None() *FdResult {
	return &FdResult{Type: TypeNone}
}

// CaptureText returns a text capture.
func CaptureText(s string) *FdResult {
	return &FdResult{Type: TypeCapture, Text: &s}
}

// CaptureData returns a binary capture, serialized as base64.
func CaptureData(b []byte) *FdResult {
	enc := base64.StdEncoding.EncodeToString(b)
	return &FdResult{Type: TypeCapture, Data: &enc}
}

// Size returns the number of captured bytes.
func (f *FdResult) Size() int {
	switch {
	case f == nil:
		return 0
	case f.Text != nil:
		return len(*f.Text)
	case f.Data != nil:
		b, err := base64.StdEncoding.DecodeString(*f.Data)
		if err != nil {
			return 0
		}
		return len(b)
	}
	return 0
}

// Rusage is the subset of getrusage(2) fields reported per process.
type Rusage struct {
	UserTime   float64 `json:"utime"`
	SystemTime float64 `json:"stime"`
	MaxRSS     int64   `json:"maxrss"`
	MinFlt     int64   `json:"minflt"`
	MajFlt     int64   `json:"majflt"`
	InBlock    int64   `json:"inblock"`
	OuBlock    int64   `json:"oublock"`
	NVCSw      int64   `json:"nvcsw"`
	NIVCSw     int64   `json:"nivcsw"`
}

// RusageFrom converts a kernel rusage.
func RusageFrom(ru *unix.Rusage) Rusage {
	return Rusage{
		UserTime:   sys.TimevalDuration(ru.Utime).Seconds(),
		SystemTime: sys.TimevalDuration(ru.Stime).Seconds(),
		MaxRSS:     int64(ru.Maxrss),
		MinFlt:     int64(ru.Minflt),
		MajFlt:     int64(ru.Majflt),
		InBlock:    int64(ru.Inblock),
		OuBlock:    int64(ru.Oublock),
		NVCSw:      int64(ru.Nvcsw),
		NIVCSw:     int64(ru.Nivcsw),
	}
}

// ProcResult describes one reaped process.
type ProcResult struct {
	Index    int                  `json:"index"`
	Argv     []string             `json:"argv"`
	Pid      int                  `json:"pid"`
	Status   int                  `json:"status"`
	ExitCode *int                 `json:"exit_code"`
	Signal   *int                 `json:"signal"`
	CoreDump bool                 `json:"core_dump"`
	Rusage   Rusage               `json:"rusage"`
	Start    time.Time            `json:"start"`
	End      time.Time            `json:"end"`
	Elapsed  float64              `json:"elapsed"`
	Fds      map[string]*FdResult `json:"fds"`
	Errors   []string             `json:"errors,omitempty"`
}

// NewProcResult decodes a raw wait status into a ProcResult.
func NewProcResult(index int, argv []string, pid int, status unix.WaitStatus, ru *unix.Rusage, start, end time.Time) *ProcResult {
	pr := &ProcResult{
		Index:   index,
		Argv:    argv,
		Pid:     pid,
		Status:  int(status),
		Start:   start,
		End:     end,
		Elapsed: end.Sub(start).Seconds(),
		Fds:     make(map[string]*FdResult),
	}
	switch {
	case status.Exited():
		code := status.ExitStatus()
		pr.ExitCode = &code
	case status.Signaled():
		sig := int(status.Signal())
		pr.Signal = &sig
		pr.CoreDump = status.CoreDump()
	}
	if ru != nil {
		pr.Rusage = RusageFrom(ru)
	}
	return pr
}

// Outcome classifies the process end as "exited", "failed" (non-zero exit),
// or "signaled".
func (p *ProcResult) Outcome() string {
	switch {
	case p.Signal != nil:
		return "signaled"
	case p.ExitCode != nil && *p.ExitCode != 0:
		return "failed"
	default:
		return "exited"
	}
}

// AddError appends a process-level error.
func (p *ProcResult) AddError(msg string) {
	p.Errors = append(p.Errors, msg)
}

// Result is the run's result document.
type Result struct {
	RunID  string        `json:"run_id,omitempty"`
	Procs  []*ProcResult `json:"procs"`
	Errors []string      `json:"errors"`
}

// New returns an empty result tagged with runID.
func New(runID string) *Result {
	return &Result{
		RunID:  runID,
		Procs:  []*ProcResult{},
		Errors: []string{},
	}
}

// AddProc appends a reaped process. Procs keep reap order.
func (r *Result) AddProc(p *ProcResult) {
	r.Procs = append(r.Procs, p)
}

// AddError records a supervisor-level error.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// AddErrorf records a formatted supervisor-level error.
func (r *Result) AddErrorf(format string, args ...any) {
	r.AddError(fmt.Sprintf(format, args...))
}

// OK reports whether no error was recorded.
func (r *Result) OK() bool {
	return len(r.Errors) == 0
}

// Write serializes the document as JSON followed by a newline. A positive
// indent pretty-prints with that many spaces.
func (r *Result) Write(w io.Writer, indent int) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if indent > 0 {
		enc.SetIndent("", strings.Repeat(" ", indent))
	}
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
