package sys

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"golang.org/x/sys/unix"
)

// Close closes fd.
func Close(fd int) error {
	return wrap("close", unix.Close(fd))
}

// Dup2 makes dst a copy of src. The copy is not close-on-exec.
func Dup2(src, dst int) error {
	return wrap("dup2", unix.Dup2(src, dst))
}

// DupAbove duplicates fd onto the lowest free descriptor >= min with
// close-on-exec set.
func DupAbove(fd, min int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, min)
	if err != nil {
		return -1, wrap("fcntl(F_DUPFD_CLOEXEC)", err)
	}
	return nfd, nil
}

// MoveFd places src at dst so that it survives exec, then releases src.
// When src already is dst, dup2 would be a no-op that keeps close-on-exec,
// so the flag is cleared instead.
func MoveFd(src, dst int) error {
	if src == dst {
		_, err := unix.FcntlInt(uintptr(dst), unix.F_SETFD, 0)
		return wrap("fcntl(F_SETFD)", err)
	}
	if err := Dup2(src, dst); err != nil {
		return err
	}
	return Close(src)
}

// IsOpen reports whether fd names an open descriptor in this process.
func IsOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// Pipe returns a close-on-exec pipe as (read, write).
func Pipe() (r, w int, err error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, wrap("pipe", err)
	}
	return p[0], p[1], nil
}

// Open opens path. O_CLOEXEC is always added to flags.
func Open(path string, flags int, perm uint32) (int, error) {
	if strings.IndexByte(path, 0) >= 0 {
		return -1, fmt.Errorf("open %q: %w", path, ErrBadArgument)
	}
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, perm)
	if err != nil {
		return -1, wrap("open "+path, err)
	}
	return fd, nil
}

const tempChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Mkstemp creates a unique file from template, whose last six characters
// must be "XXXXXX", and returns its path and a read-write descriptor.
func Mkstemp(template string) (string, int, error) {
	if !strings.HasSuffix(template, "XXXXXX") {
		return "", -1, fmt.Errorf("mkstemp %q: %w", template, ErrBadArgument)
	}
	prefix := strings.TrimSuffix(template, "XXXXXX")
	for range 10000 {
		var b strings.Builder
		b.WriteString(prefix)
		for range 6 {
			b.WriteByte(tempChars[rand.IntN(len(tempChars))])
		}
		path := b.String()
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
		if err == unix.EEXIST {
			continue
		}
		if err != nil {
			return "", -1, wrap("mkstemp "+template, err)
		}
		return path, fd, nil
	}
	return "", -1, &OsError{Op: "mkstemp " + template, Errno: unix.EEXIST}
}

// Unlink removes path.
func Unlink(path string) error {
	return wrap("unlink "+path, unix.Unlink(path))
}

// Read reads into p, retrying when interrupted.
func Read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, wrap("read", err)
		}
		return n, nil
	}
}

// Pread reads into p at offset, retrying when interrupted.
func Pread(fd int, p []byte, offset int64) (int, error) {
	for {
		n, err := unix.Pread(fd, p, offset)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, wrap("pread", err)
		}
		return n, nil
	}
}

// Write writes p, retrying when interrupted. It may write fewer bytes than
// len(p); callers needing the whole buffer loop.
func Write(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, wrap("write", err)
		}
		return n, nil
	}
}

// SetNonblock toggles O_NONBLOCK on fd.
func SetNonblock(fd int, nonblocking bool) error {
	return wrap("fcntl(O_NONBLOCK)", unix.SetNonblock(fd, nonblocking))
}

// Poll waits for events on fds. A negative timeout blocks.
func Poll(fds []unix.PollFd, timeoutMs int) (int, error) {
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		return 0, wrap("poll", err)
	}
	return n, nil
}
