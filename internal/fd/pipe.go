package fd

import (
	"github.com/randomizedcoder/go-procrun/internal/selector"
	"github.com/randomizedcoder/go-procrun/internal/sys"
)

const readChunk = 64 << 10

// pipeReader is the selector handler for the parent's read end of a pipe
// whose write end the child holds. Every chunk goes to sink.
type pipeReader struct {
	fd   int
	sink func([]byte)
	buf  []byte
	err  error
}

func newPipeReader(fd int, sink func([]byte)) *pipeReader {
	return &pipeReader{fd: fd, sink: sink, buf: make([]byte, readChunk)}
}

// Ready reads one chunk. EOF or a read error unregisters the reader.
func (p *pipeReader) Ready(sel *selector.Selector, fd int) {
	n, err := sys.Read(fd, p.buf)
	switch {
	case err != nil && sys.IsWouldBlock(err):
	case err != nil:
		p.err = err
		sel.RemoveReader(fd)
	case n == 0:
		sel.RemoveReader(fd)
	default:
		p.sink(p.buf[:n])
	}
}

// drain unregisters the reader and collects whatever is buffered in the
// pipe without waiting for writers that outlived the child.
func (p *pipeReader) drain(sel *selector.Selector) error {
	if sel != nil && sel.HasReader(p.fd) {
		sel.RemoveReader(p.fd)
	}
	if p.err != nil {
		return p.err
	}
	if err := sys.SetNonblock(p.fd, true); err != nil {
		return err
	}
	for {
		n, err := sys.Read(p.fd, p.buf)
		if err != nil {
			if sys.IsWouldBlock(err) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
		p.sink(p.buf[:n])
	}
}

// pipePair holds both ends of a pipe until each is handed off or closed.
type pipePair struct {
	r, w int
}

func newPipePair() (pipePair, error) {
	r, w, err := sys.Pipe()
	if err != nil {
		return pipePair{-1, -1}, err
	}
	return pipePair{r, w}, nil
}

// closeR and closeW are idempotent.
func (p *pipePair) closeR() error {
	if p.r < 0 {
		return nil
	}
	err := sys.Close(p.r)
	p.r = -1
	return err
}

func (p *pipePair) closeW() error {
	if p.w < 0 {
		return nil
	}
	err := sys.Close(p.w)
	p.w = -1
	return err
}
