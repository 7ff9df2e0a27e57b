package fd

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-procrun/internal/spec"
	"github.com/randomizedcoder/go-procrun/internal/sys"
)

// Action is what the child does to put a descriptor in place.
type Action string

const (
	// ActionMove installs an inherited source descriptor at Fd.
	ActionMove Action = "move"
	// ActionClose closes Fd.
	ActionClose Action = "close"
	// ActionOpen opens Path at Fd.
	ActionOpen Action = "open"
	// ActionDup makes Fd a copy of the child's descriptor From.
	ActionDup Action = "dup"
)

// Descriptor is the child half of a manager. It crosses the fork as part
// of the launch plan and runs in the child between fork and exec.
type Descriptor struct {
	Action Action `json:"action"`
	Fd     int    `json:"fd"`

	// Src is the child descriptor holding the inherited source for
	// ActionMove. The supervisor fills it in when it lays out the fork.
	Src int `json:"src"`

	Path  string `json:"path,omitempty"`
	Flags int    `json:"flags,omitempty"`
	Perm  uint32 `json:"perm,omitempty"`
	From  int    `json:"from,omitempty"`

	installed bool
}

// IsDup reports whether the descriptor depends on another target, and so
// must be set up after every non-dup descriptor.
func (d *Descriptor) IsDup() bool {
	return d.Action == ActionDup
}

// SetUpInChild establishes the child mapping for d.Fd.
func (d *Descriptor) SetUpInChild() error {
	err := d.setUp()
	if err == nil {
		d.installed = true
	}
	return setUpError(d.Fd, err)
}

func (d *Descriptor) setUp() error {
	switch d.Action {
	case ActionMove:
		if d.Src < 0 {
			return fmt.Errorf("no source descriptor")
		}
		return sys.MoveFd(d.Src, d.Fd)

	case ActionClose:
		if err := sys.Close(d.Fd); err != nil && !errors.Is(err, unix.EBADF) {
			return err
		}
		return nil

	case ActionOpen:
		nfd, err := sys.Open(d.Path, d.Flags, d.Perm)
		if err != nil {
			return err
		}
		if err := sys.MoveFd(nfd, d.Fd); err != nil {
			if nfd != d.Fd {
				sys.Close(nfd)
			}
			return err
		}
		return nil

	case ActionDup:
		return sys.Dup2(d.From, d.Fd)

	default:
		return fmt.Errorf("unknown action %q", d.Action)
	}
}

// CleanUpInChild releases what SetUpInChild installed. It runs only when
// exec failed, just before the child exits.
func (d *Descriptor) CleanUpInChild() error {
	if !d.installed {
		return nil
	}
	d.installed = false
	switch d.Action {
	case ActionOpen, ActionDup:
		return cleanUpError(d.Fd, sys.Close(d.Fd))
	}
	return nil
}

// openFlags maps a null/file mode to open(2) flags.
func openFlags(mode string) (int, error) {
	switch mode {
	case spec.ModeRead:
		return unix.O_RDONLY, nil
	case spec.ModeWrite:
		return unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC, nil
	case spec.ModeAppend:
		return unix.O_WRONLY | unix.O_CREAT | unix.O_APPEND, nil
	case spec.ModeReadWrite:
		return unix.O_RDWR | unix.O_CREAT, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", mode)
	}
}
