// Package fd implements the per-descriptor strategies that arrange a
// child's file descriptors.
//
// A Manager lives in the supervisor. Before fork it may acquire resources
// the child must inherit (ChildFile); its Describe method yields the
// Descriptor that the child branch replays between fork and exec. After
// fork the parent half registers readers or writers with the selector, and
// after reap it tears everything down and reports what it collected.
package fd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/randomizedcoder/go-procrun/internal/result"
	"github.com/randomizedcoder/go-procrun/internal/selector"
	"github.com/randomizedcoder/go-procrun/internal/spec"
)

// Manager is the parent half of one child descriptor.
//
// CleanUpInParent runs exactly once per manager, whether or not the
// process was started and whether or not SetUpInParent succeeded. A nil
// FdResult with a nil error means the descriptor contributes no result.
type Manager interface {
	Fd() int
	ChildFile() int
	Describe() Descriptor
	SetUpInParent(sel *selector.Selector) error
	CleanUpInParent(sel *selector.Selector) (*result.FdResult, error)
}

// Error is a manager failure for one descriptor. Op is "set up" or
// "clean up".
type Error struct {
	Fd  int
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to %s fd %d: %v", e.Op, e.Fd, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func setUpError(fd int, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Fd: fd, Op: "set up", Err: err}
}

func cleanUpError(fd int, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Fd: fd, Op: "clean up", Err: err}
}

// Name returns the result key for fd.
func Name(fd int) string {
	switch fd {
	case 0:
		return "stdin"
	case 1:
		return "stdout"
	case 2:
		return "stderr"
	default:
		return fmt.Sprintf("fd%d", fd)
	}
}

// Options carries what managers need from their surroundings.
type Options struct {
	Logger *slog.Logger

	// TempDir holds capture files. Defaults to os.TempDir().
	TempDir string

	// OnCapture, when set, observes bytes collected by capture managers.
	OnCapture func(n int)
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) tempDir() string {
	if o.TempDir == "" {
		return os.TempDir()
	}
	return o.TempDir
}

func (o Options) captured(n int) {
	if o.OnCapture != nil && n > 0 {
		o.OnCapture(n)
	}
}

// New builds the manager for child descriptor num. Resources acquired here
// are released by CleanUpInParent; on error nothing is left open.
func New(num int, fs spec.FdSpec, opts Options) (Manager, error) {
	var (
		m   Manager
		err error
	)
	switch fs.Kind {
	case spec.KindInherit:
		m, err = newInherit(num)
	case spec.KindClose:
		m = &closeFd{fd: num}
	case spec.KindNull:
		m, err = newOpen(num, os.DevNull, fs.Mode, 0)
	case spec.KindFile:
		m, err = newOpen(num, fs.Path, fs.Mode, fs.Perm)
	case spec.KindDup:
		m = &dup{fd: num, from: fs.From}
	case spec.KindCapture:
		if fs.Mode == spec.CapturePipe {
			m, err = newPipeCapture(num, fs.Encoding, opts)
		} else {
			m, err = newFileCapture(num, fs.Encoding, opts)
		}
	case spec.KindInput:
		m, err = newInput(num, fs.Input, opts)
	case spec.KindLog:
		m, err = newLog(num, fs.Level, opts)
	default:
		err = fmt.Errorf("unknown fd kind %q", fs.Kind)
	}
	if err != nil {
		return nil, setUpError(num, err)
	}
	return m, nil
}
