// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-procrun/internal/spec"
)

// baseFds covers the supervisor's own descriptors: stdio, the wakeup and
// error pipes, the metrics listener and log files.
const baseFds = 32

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// Failed returns the checks that did not pass.
func (r *Result) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// RunAll executes all preflight checks for sp. exe is the executable that
// will be re-executed as the child init; empty means os.Executable.
func RunAll(sp *spec.Spec, exe string) *Result {
	result := &Result{
		Checks: make([]Check, 0, 3+len(sp.Procs)),
		Passed: true,
	}
	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkFileDescriptors(sp))
	add(checkProcessLimit(len(sp.Procs)))
	add(checkExecutable(exe))
	for i, ps := range sp.Procs {
		if len(ps.Argv) == 0 {
			continue
		}
		add(checkProgram(i, ps.Argv[0]))
	}

	return result
}

// fdDemand returns the highest child descriptor any proc names plus one,
// and the number of descriptors the supervisor may hold open at once.
func fdDemand(sp *spec.Spec) (highest, open int) {
	open = baseFds
	for _, ps := range sp.Procs {
		fds, err := ps.FdList()
		if err != nil {
			continue
		}
		// each proc holds a plan pipe end while it launches, and up to
		// two descriptors per managed fd
		open += 1 + 2*len(fds)
		for _, nf := range fds {
			highest = max(highest, nf.Fd+1)
		}
	}
	return highest, open
}

// checkFileDescriptors verifies the descriptor limit covers both the
// descriptors the supervisor holds and the numbers children are given.
func checkFileDescriptors(sp *spec.Spec) Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to read RLIMIT_NOFILE: %v", err),
		}
	}

	highest, open := fdDemand(sp)
	required := max(highest, open)
	actual := int(min(limit.Cur, uint64(1<<31-1)))

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d procs)", actual, required, len(sp.Procs)),
	}
}

// checkProcessLimit warns when the process limit leaves little headroom.
// RLIMIT_NPROC counts every process of the user, so this never fails.
func checkProcessLimit(procs int) Check {
	required := procs + 50

	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "Max processes") {
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				if fields[2] == "unlimited" {
					actual = 1000000
				} else {
					fmt.Sscanf(fields[2], "%d", &actual)
				}
			}
			break
		}
	}

	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   true,
		Warning:  actual < required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// checkExecutable verifies the supervisor can re-execute itself.
func checkExecutable(exe string) Check {
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return Check{
				Name:    "executable",
				Passed:  false,
				Message: fmt.Sprintf("cannot resolve own executable: %v", err),
			}
		}
	}

	if err := unix.Access(exe, unix.X_OK); err != nil {
		return Check{
			Name:    "executable",
			Passed:  false,
			Message: fmt.Sprintf("%s: %v", exe, err),
		}
	}

	return Check{
		Name:    "executable",
		Passed:  true,
		Message: exe,
	}
}

// checkProgram warns when argv[0] is missing or not executable. The run
// still proceeds; the child reports the exec failure itself.
func checkProgram(index int, path string) Check {
	name := fmt.Sprintf("procs[%d].argv[0]", index)

	fi, err := os.Stat(path)
	switch {
	case err != nil:
		return Check{Name: name, Passed: true, Warning: true, Message: err.Error()}
	case fi.IsDir():
		return Check{Name: name, Passed: true, Warning: true, Message: path + " is a directory"}
	}
	if err := unix.Access(path, unix.X_OK); err != nil {
		return Check{Name: name, Passed: true, Warning: true, Message: fmt.Sprintf("%s: %v", path, err)}
	}

	return Check{Name: name, Passed: true, Message: path}
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "executable":
		return "run procrun from an executable path on a filesystem mounted without noexec"
	default:
		return "see documentation"
	}
}
