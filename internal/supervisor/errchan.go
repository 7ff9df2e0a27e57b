package supervisor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-procrun/internal/fdio"
	"github.com/randomizedcoder/go-procrun/internal/selector"
	"github.com/randomizedcoder/go-procrun/internal/sys"
)

// errorChannel is the read end of the pipe every child reports setup and
// exec failures on. Each child writes whole frames in one write, so a
// readable pipe always holds at least one complete frame.
type errorChannel struct {
	r, w int

	// Messages read but not yet moved into the result.
	pending []string
}

func newErrorChannel() (*errorChannel, error) {
	r, w, err := sys.Pipe()
	if err != nil {
		return nil, err
	}
	return &errorChannel{r: r, w: w}, nil
}

// Ready reads one frame. EOF means every child has exec'd or exited.
func (ec *errorChannel) Ready(sel *selector.Selector, _ int) {
	ec.readOne(sel)
}

// readOne reads a frame and reports whether the channel is still open.
func (ec *errorChannel) readOne(sel *selector.Selector) bool {
	msg, err := fdio.ReadString(ec.r)
	switch {
	case err == nil:
		ec.pending = append(ec.pending, msg)
		return true
	case errors.Is(err, fdio.ErrEOF):
	default:
		ec.pending = append(ec.pending, fmt.Sprintf("error channel: %v", err))
	}
	ec.closeReader(sel)
	return false
}

// drain reads every frame already in the pipe without blocking.
func (ec *errorChannel) drain(sel *selector.Selector) {
	for ec.r >= 0 {
		pfd := []unix.PollFd{{Fd: int32(ec.r), Events: unix.POLLIN}}
		n, err := sys.Poll(pfd, 0)
		if err != nil {
			if sys.IsInterrupted(err) {
				continue
			}
			ec.pending = append(ec.pending, fmt.Sprintf("error channel: %v", err))
			ec.closeReader(sel)
			return
		}
		if n == 0 || pfd[0].Revents == 0 {
			return
		}
		if !ec.readOne(sel) {
			return
		}
	}
}

// take returns and clears the pending messages.
func (ec *errorChannel) take() []string {
	p := ec.pending
	ec.pending = nil
	return p
}

// closeWriter drops the parent's copy of the write end, so the reader sees
// EOF once the last child has gone.
func (ec *errorChannel) closeWriter() error {
	if ec.w < 0 {
		return nil
	}
	err := sys.Close(ec.w)
	ec.w = -1
	return err
}

func (ec *errorChannel) closeReader(sel *selector.Selector) {
	if ec.r < 0 {
		return
	}
	if sel != nil && sel.HasReader(ec.r) {
		_, _ = sel.RemoveReader(ec.r)
	}
	sys.Close(ec.r)
	ec.r = -1
}

func (ec *errorChannel) close(sel *selector.Selector) {
	_ = ec.closeWriter()
	ec.closeReader(sel)
}
