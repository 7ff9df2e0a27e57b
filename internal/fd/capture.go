package fd

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/randomizedcoder/go-procrun/internal/result"
	"github.com/randomizedcoder/go-procrun/internal/selector"
	"github.com/randomizedcoder/go-procrun/internal/spec"
	"github.com/randomizedcoder/go-procrun/internal/sys"
)

func encode(b []byte, encoding string) *result.FdResult {
	if encoding == spec.EncodingBase64 {
		return result.CaptureData(b)
	}
	return result.CaptureText(strings.ToValidUTF8(string(b), "\uFFFD"))
}

// fileCapture hands the child an unlinked temporary file and reads it back
// after the child is reaped. Nothing is read while the child runs.
type fileCapture struct {
	fd       int
	tmp      int
	encoding string
	opts     Options
}

func newFileCapture(num int, encoding string, opts Options) (*fileCapture, error) {
	path, tmp, err := sys.Mkstemp(filepath.Join(opts.tempDir(), "procrun-capture-XXXXXX"))
	if err != nil {
		return nil, err
	}
	if err := sys.Unlink(path); err != nil {
		sys.Close(tmp)
		return nil, err
	}
	return &fileCapture{fd: num, tmp: tmp, encoding: encoding, opts: opts}, nil
}

func (m *fileCapture) Fd() int        { return m.fd }
func (m *fileCapture) ChildFile() int { return m.tmp }

func (m *fileCapture) Describe() Descriptor {
	return Descriptor{Action: ActionMove, Fd: m.fd, Src: -1}
}

func (m *fileCapture) SetUpInParent(*selector.Selector) error { return nil }

func (m *fileCapture) CleanUpInParent(*selector.Selector) (*result.FdResult, error) {
	if m.tmp < 0 {
		return nil, nil
	}
	tmp := m.tmp
	m.tmp = -1

	var data []byte
	buf := make([]byte, readChunk)
	var readErr error
	for {
		n, err := sys.Pread(tmp, buf, int64(len(data)))
		if err != nil {
			readErr = err
			break
		}
		if n == 0 {
			break
		}
		data = append(data, buf[:n]...)
	}
	if err := errors.Join(readErr, sys.Close(tmp)); err != nil {
		return nil, cleanUpError(m.fd, err)
	}

	m.opts.captured(len(data))
	m.opts.logger().Debug("fd_captured", "fd", m.fd, "mode", spec.CaptureTempfile, "bytes", len(data))
	return encode(data, m.encoding), nil
}

// pipeCapture hands the child a pipe and accumulates what arrives while
// the child runs.
type pipeCapture struct {
	fd       int
	pipe     pipePair
	reader   *pipeReader
	data     []byte
	encoding string
	opts     Options
	done     bool
}

func newPipeCapture(num int, encoding string, opts Options) (*pipeCapture, error) {
	pp, err := newPipePair()
	if err != nil {
		return nil, err
	}
	m := &pipeCapture{fd: num, pipe: pp, encoding: encoding, opts: opts}
	m.reader = newPipeReader(pp.r, func(b []byte) {
		m.data = append(m.data, b...)
	})
	return m, nil
}

func (m *pipeCapture) Fd() int        { return m.fd }
func (m *pipeCapture) ChildFile() int { return m.pipe.w }

func (m *pipeCapture) Describe() Descriptor {
	return Descriptor{Action: ActionMove, Fd: m.fd, Src: -1}
}

// SetUpInParent drops the parent's write end, so the read end sees EOF once
// the child and its descendants are done writing.
func (m *pipeCapture) SetUpInParent(sel *selector.Selector) error {
	if err := m.pipe.closeW(); err != nil {
		return setUpError(m.fd, err)
	}
	return setUpError(m.fd, sel.InsertReader(m.pipe.r, m.reader))
}

func (m *pipeCapture) CleanUpInParent(sel *selector.Selector) (*result.FdResult, error) {
	if m.done {
		return nil, nil
	}
	m.done = true

	var drainErr error
	if m.pipe.r >= 0 {
		drainErr = m.reader.drain(sel)
	}
	err := errors.Join(drainErr, m.pipe.closeW(), m.pipe.closeR())
	if err != nil {
		return nil, cleanUpError(m.fd, err)
	}

	m.opts.captured(len(m.data))
	m.opts.logger().Debug("fd_captured", "fd", m.fd, "mode", spec.CapturePipe, "bytes", len(m.data))
	return encode(m.data, m.encoding), nil
}
