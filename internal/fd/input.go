package fd

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-procrun/internal/result"
	"github.com/randomizedcoder/go-procrun/internal/selector"
	"github.com/randomizedcoder/go-procrun/internal/sys"
)

// input feeds fixed bytes to the child through a pipe, writing as the
// selector reports the pipe writable.
type input struct {
	fd      int
	pipe    pipePair
	pending []byte
	opts    Options
	err     error
	done    bool
}

func newInput(num int, data []byte, opts Options) (*input, error) {
	pp, err := newPipePair()
	if err != nil {
		return nil, err
	}
	return &input{fd: num, pipe: pp, pending: data, opts: opts}, nil
}

func (m *input) Fd() int        { return m.fd }
func (m *input) ChildFile() int { return m.pipe.r }

func (m *input) Describe() Descriptor {
	return Descriptor{Action: ActionMove, Fd: m.fd, Src: -1}
}

func (m *input) SetUpInParent(sel *selector.Selector) error {
	if err := m.pipe.closeR(); err != nil {
		return setUpError(m.fd, err)
	}
	if len(m.pending) == 0 {
		return setUpError(m.fd, m.pipe.closeW())
	}
	if err := sys.SetNonblock(m.pipe.w, true); err != nil {
		return setUpError(m.fd, err)
	}
	return setUpError(m.fd, sel.InsertWriter(m.pipe.w, m))
}

// Ready writes as much as the pipe takes. The write end is closed once
// everything is written, so the child sees EOF.
func (m *input) Ready(sel *selector.Selector, fd int) {
	n, err := sys.Write(fd, m.pending)
	if n > 0 {
		m.pending = m.pending[n:]
	}
	switch {
	case err != nil && sys.IsWouldBlock(err):
		return
	case errors.Is(err, unix.EPIPE):
		// The child closed its end without reading everything.
		m.opts.logger().Debug("fd_input_unread", "fd", m.fd, "bytes", len(m.pending))
		m.pending = nil
	case err != nil:
		m.err = err
	case len(m.pending) > 0:
		return
	}
	sel.RemoveWriter(fd)
	if cerr := m.pipe.closeW(); cerr != nil && m.err == nil {
		m.err = cerr
	}
}

func (m *input) CleanUpInParent(sel *selector.Selector) (*result.FdResult, error) {
	if m.done {
		return nil, nil
	}
	m.done = true

	if m.pipe.w >= 0 && sel != nil && sel.HasWriter(m.pipe.w) {
		sel.RemoveWriter(m.pipe.w)
	}
	err := errors.Join(m.err, m.pipe.closeR(), m.pipe.closeW())
	return nil, cleanUpError(m.fd, err)
}
