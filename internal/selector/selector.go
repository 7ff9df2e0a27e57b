// Package selector multiplexes readiness over a set of borrowed descriptors.
//
// The selector owns no descriptor: whoever registers a descriptor keeps
// responsibility for closing it. Each registered descriptor carries a
// Handler which is invoked when poll(2) reports it ready.
package selector

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-procrun/internal/sys"
)

// ErrInterrupted is returned by Select when a signal interrupted the wait.
// Callers treat it as a wakeup and select again.
var ErrInterrupted = errors.New("select interrupted")

// Handler reacts to readiness on fd. It may read or write, mutate its own
// state, and remove itself (or others) from the selector.
type Handler interface {
	Ready(sel *Selector, fd int)
}

// Selector maps descriptors to readiness handlers.
type Selector struct {
	readers map[int]Handler
	writers map[int]Handler
}

// New returns an empty selector.
func New() *Selector {
	return &Selector{
		readers: make(map[int]Handler),
		writers: make(map[int]Handler),
	}
}

// InsertReader registers h for readability on fd.
func (s *Selector) InsertReader(fd int, h Handler) error {
	if _, ok := s.readers[fd]; ok {
		return fmt.Errorf("fd %d: reader already registered", fd)
	}
	s.readers[fd] = h
	return nil
}

// RemoveReader unregisters fd and returns its handler.
func (s *Selector) RemoveReader(fd int) (Handler, error) {
	h, ok := s.readers[fd]
	if !ok {
		return nil, fmt.Errorf("fd %d: no reader registered", fd)
	}
	delete(s.readers, fd)
	return h, nil
}

// HasReader reports whether fd has a reader.
func (s *Selector) HasReader(fd int) bool {
	_, ok := s.readers[fd]
	return ok
}

// InsertWriter registers h for writability on fd.
func (s *Selector) InsertWriter(fd int, h Handler) error {
	if _, ok := s.writers[fd]; ok {
		return fmt.Errorf("fd %d: writer already registered", fd)
	}
	s.writers[fd] = h
	return nil
}

// RemoveWriter unregisters fd and returns its handler.
func (s *Selector) RemoveWriter(fd int) (Handler, error) {
	h, ok := s.writers[fd]
	if !ok {
		return nil, fmt.Errorf("fd %d: no writer registered", fd)
	}
	delete(s.writers, fd)
	return h, nil
}

// HasWriter reports whether fd has a writer.
func (s *Selector) HasWriter(fd int) bool {
	_, ok := s.writers[fd]
	return ok
}

// Any reports whether at least one descriptor is registered.
func (s *Selector) Any() bool {
	return len(s.readers) > 0 || len(s.writers) > 0
}

// Len returns the number of registrations.
func (s *Selector) Len() int {
	return len(s.readers) + len(s.writers)
}

const (
	readyRead  = unix.POLLIN | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL
	readyWrite = unix.POLLOUT | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL
)

// Select waits until a registered descriptor is ready, then dispatches the
// handlers of every ready descriptor in ascending fd order, readers before
// writers for the same fd. A negative timeout blocks indefinitely; a timeout
// with nothing ready returns nil without dispatching.
func (s *Selector) Select(timeout time.Duration) error {
	fds := s.pollSet()
	if len(fds) == 0 {
		return nil
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	n, err := sys.Poll(fds, ms)
	if err != nil {
		if sys.IsInterrupted(err) {
			return ErrInterrupted
		}
		return err
	}
	if n == 0 {
		return nil
	}

	for _, pfd := range fds {
		fd := int(pfd.Fd)
		if pfd.Revents&readyRead != 0 {
			// An earlier handler in this pass may have removed it.
			if h, ok := s.readers[fd]; ok {
				h.Ready(s, fd)
			}
		}
		if pfd.Revents&readyWrite != 0 {
			if h, ok := s.writers[fd]; ok {
				h.Ready(s, fd)
			}
		}
	}
	return nil
}

// pollSet builds the poll array sorted by descriptor.
func (s *Selector) pollSet() []unix.PollFd {
	events := make(map[int]int16, s.Len())
	for fd := range s.readers {
		events[fd] |= unix.POLLIN
	}
	for fd := range s.writers {
		events[fd] |= unix.POLLOUT
	}

	keys := make([]int, 0, len(events))
	for fd := range events {
		keys = append(keys, fd)
	}
	slices.Sort(keys)

	fds := make([]unix.PollFd, len(keys))
	for i, fd := range keys {
		fds[i] = unix.PollFd{Fd: int32(fd), Events: events[fd]}
	}
	return fds
}
