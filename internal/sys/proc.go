package sys

import (
	"fmt"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Fork starts a new process running exe with argv, whose descriptor i is
// files[i]. A negative entry leaves descriptor i closed in the child. The
// child gets an empty environment. Descriptors not listed are not inherited,
// because every descriptor this package opens is close-on-exec.
//
// The Go runtime cannot continue arbitrary code after fork(2), so the child
// branch is always a fresh executable image; callers pass their own binary
// and recognize the child role from argv.
func Fork(exe string, argv []string, files []int) (int, error) {
	attr := &syscall.ProcAttr{
		Env:   []string{},
		Files: make([]uintptr, len(files)),
	}
	for i, fd := range files {
		if fd < 0 {
			attr.Files[i] = ^uintptr(0)
			continue
		}
		attr.Files[i] = uintptr(fd)
	}
	pid, err := syscall.ForkExec(exe, argv, attr)
	if err != nil {
		return 0, wrap("fork", err)
	}
	return pid, nil
}

// CheckArgs rejects strings that cannot cross execve.
func CheckArgs(what string, strs []string) error {
	for i, s := range strs {
		if strings.IndexByte(s, 0) >= 0 {
			return fmt.Errorf("%s[%d] contains NUL: %w", what, i, ErrBadArgument)
		}
	}
	return nil
}

// Execve replaces the process image. It returns only on failure.
func Execve(path string, argv, env []string) error {
	if strings.IndexByte(path, 0) >= 0 {
		return fmt.Errorf("path contains NUL: %w", ErrBadArgument)
	}
	if err := CheckArgs("argv", argv); err != nil {
		return err
	}
	if err := CheckArgs("env", env); err != nil {
		return err
	}
	err := unix.Exec(path, argv, env)
	if errno := Errno(err); errno != 0 {
		// Reported bare; the caller frames it as "exec: <path>: <err>".
		return errno
	}
	return err
}

// WaitResult is one reaped child.
type WaitResult struct {
	Pid    int
	Status unix.WaitStatus
	Rusage unix.Rusage
}

// Wait4 waits for pid (or any child when pid is -1). With unix.WNOHANG and
// no child ready it returns a zero Pid and no error.
func Wait4(pid int, options int) (WaitResult, error) {
	var res WaitResult
	wpid, err := unix.Wait4(pid, &res.Status, options, &res.Rusage)
	if err != nil {
		return WaitResult{}, wrap("wait4", err)
	}
	res.Pid = wpid
	return res, nil
}

// Getpid returns the caller's process id.
func Getpid() int {
	return unix.Getpid()
}

// Kill sends sig to pid.
func Kill(pid int, sig syscall.Signal) error {
	return wrap("kill", unix.Kill(pid, sig))
}

// TimevalDuration converts a rusage time to a duration.
func TimevalDuration(tv unix.Timeval) time.Duration {
	return time.Duration(tv.Nano())
}
