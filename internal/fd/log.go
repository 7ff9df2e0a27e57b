package fd

import (
	"errors"

	"github.com/randomizedcoder/go-procrun/internal/logging"
	"github.com/randomizedcoder/go-procrun/internal/result"
	"github.com/randomizedcoder/go-procrun/internal/selector"
)

// logFd forwards each line the child writes into the structured log.
type logFd struct {
	fd     int
	pipe   pipePair
	lines  *logging.LineHandler
	reader *pipeReader
	done   bool
}

func newLog(num int, level string, opts Options) (*logFd, error) {
	pp, err := newPipePair()
	if err != nil {
		return nil, err
	}
	lh := logging.NewLineHandler(opts.logger().With("fd", num), logging.ParseLevel(level))
	m := &logFd{fd: num, pipe: pp, lines: lh}
	m.reader = newPipeReader(pp.r, func(b []byte) { lh.Write(b) })
	return m, nil
}

func (m *logFd) Fd() int        { return m.fd }
func (m *logFd) ChildFile() int { return m.pipe.w }

func (m *logFd) Describe() Descriptor {
	return Descriptor{Action: ActionMove, Fd: m.fd, Src: -1}
}

func (m *logFd) SetUpInParent(sel *selector.Selector) error {
	if err := m.pipe.closeW(); err != nil {
		return setUpError(m.fd, err)
	}
	return setUpError(m.fd, sel.InsertReader(m.pipe.r, m.reader))
}

func (m *logFd) CleanUpInParent(sel *selector.Selector) (*result.FdResult, error) {
	if m.done {
		return nil, nil
	}
	m.done = true

	var drainErr error
	if m.pipe.r >= 0 {
		drainErr = m.reader.drain(sel)
	}
	m.lines.Flush()
	err := errors.Join(drainErr, m.pipe.closeW(), m.pipe.closeR())
	return nil, cleanUpError(m.fd, err)
}
