package fd

import (
	"fmt"

	"github.com/randomizedcoder/go-procrun/internal/result"
	"github.com/randomizedcoder/go-procrun/internal/selector"
	"github.com/randomizedcoder/go-procrun/internal/spec"
	"github.com/randomizedcoder/go-procrun/internal/sys"
)

// inherit passes the supervisor's own descriptor through.
type inherit struct {
	fd int
}

func newInherit(num int) (*inherit, error) {
	if !sys.IsOpen(num) {
		return nil, fmt.Errorf("fd %d is not open in the supervisor", num)
	}
	return &inherit{fd: num}, nil
}

func (m *inherit) Fd() int        { return m.fd }
func (m *inherit) ChildFile() int { return m.fd }

func (m *inherit) Describe() Descriptor {
	return Descriptor{Action: ActionMove, Fd: m.fd, Src: -1}
}

func (m *inherit) SetUpInParent(*selector.Selector) error { return nil }

func (m *inherit) CleanUpInParent(*selector.Selector) (*result.FdResult, error) {
	return nil, nil
}

// closeFd leaves the child descriptor closed.
type closeFd struct {
	fd int
}

func (m *closeFd) Fd() int        { return m.fd }
func (m *closeFd) ChildFile() int { return -1 }

func (m *closeFd) Describe() Descriptor {
	return Descriptor{Action: ActionClose, Fd: m.fd, Src: -1}
}

func (m *closeFd) SetUpInParent(*selector.Selector) error { return nil }

func (m *closeFd) CleanUpInParent(*selector.Selector) (*result.FdResult, error) {
	return nil, nil
}

// open opens a path in the child, so failures surface as child setup
// errors and the parent holds nothing.
type open struct {
	fd    int
	path  string
	flags int
	perm  uint32
}

func newOpen(num int, path, mode string, perm uint32) (*open, error) {
	if mode == "" {
		mode = spec.DefaultMode(num)
	}
	flags, err := openFlags(mode)
	if err != nil {
		return nil, err
	}
	if perm == 0 {
		perm = 0o666
	}
	return &open{fd: num, path: path, flags: flags, perm: perm}, nil
}

func (m *open) Fd() int        { return m.fd }
func (m *open) ChildFile() int { return -1 }

func (m *open) Describe() Descriptor {
	return Descriptor{Action: ActionOpen, Fd: m.fd, Src: -1, Path: m.path, Flags: m.flags, Perm: m.perm}
}

func (m *open) SetUpInParent(*selector.Selector) error { return nil }

func (m *open) CleanUpInParent(*selector.Selector) (*result.FdResult, error) {
	return nil, nil
}

// dup copies another child descriptor.
type dup struct {
	fd   int
	from int
}

func (m *dup) Fd() int        { return m.fd }
func (m *dup) ChildFile() int { return -1 }

func (m *dup) Describe() Descriptor {
	return Descriptor{Action: ActionDup, Fd: m.fd, Src: -1, From: m.from}
}

func (m *dup) SetUpInParent(*selector.Selector) error { return nil }

func (m *dup) CleanUpInParent(*selector.Selector) (*result.FdResult, error) {
	return nil, nil
}
