// Package fdio implements length-prefixed framing over a raw descriptor.
//
// A frame is an 8-byte native-endian unsigned length followed by that many
// payload bytes. The supervisor's error channel and the child launch plan
// both travel as frames.
package fdio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/randomizedcoder/go-procrun/internal/sys"
)

const (
	// HeaderSize is the length prefix size.
	HeaderSize = 8

	// MaxFrame bounds the payload a reader will allocate.
	MaxFrame = 64 << 20

	// AtomicFrame is the largest frame, header included, that a single
	// write to a pipe delivers without interleaving (PIPE_BUF on Linux).
	AtomicFrame = 4096
)

var (
	// ErrEOF means the descriptor reached end of file before any byte of a
	// frame was read.
	ErrEOF = errors.New("eof")

	// ErrShort means a frame ended part way through.
	ErrShort = errors.New("short frame")

	// ErrTooLarge means a length prefix exceeded MaxFrame.
	ErrTooLarge = errors.New("frame too large")
)

// readFull reads exactly len(p) bytes. It returns ErrEOF when nothing was
// read and ErrShort when EOF arrived part way.
func readFull(fd int, p []byte) error {
	got := 0
	for got < len(p) {
		n, err := sys.Read(fd, p[got:])
		if err != nil {
			return err
		}
		if n == 0 {
			if got == 0 {
				return ErrEOF
			}
			return fmt.Errorf("%w: read %d of %d bytes", ErrShort, got, len(p))
		}
		got += n
	}
	return nil
}

// writeFull writes all of p, looping on short writes.
func writeFull(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := sys.Write(fd, p)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: wrote 0 of %d bytes", ErrShort, len(p))
		}
		p = p[n:]
	}
	return nil
}

// ReadUint64 reads a native-endian length prefix.
func ReadUint64(fd int) (uint64, error) {
	var buf [HeaderSize]byte
	if err := readFull(fd, buf[:]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Frame encodes b as a single frame buffer.
func Frame(b []byte) []byte {
	buf := make([]byte, HeaderSize+len(b))
	binary.NativeEndian.PutUint64(buf, uint64(len(b)))
	copy(buf[HeaderSize:], b)
	return buf
}

// WriteFramed writes b as one frame using a single buffer, so frames no
// larger than AtomicFrame reach a pipe in one write.
func WriteFramed(fd int, b []byte) error {
	return writeFull(fd, Frame(b))
}

// ReadFramed reads one frame.
func ReadFramed(fd int) ([]byte, error) {
	n, err := ReadUint64(fd)
	if err != nil {
		return nil, err
	}
	if n > MaxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if err := readFull(fd, buf); err != nil {
		if errors.Is(err, ErrEOF) {
			return nil, fmt.Errorf("%w: payload missing", ErrShort)
		}
		return nil, err
	}
	return buf, nil
}

// WriteString writes s as a frame.
func WriteString(fd int, s string) error {
	return WriteFramed(fd, []byte(s))
}

// ReadString reads a frame as UTF-8, replacing invalid sequences.
func ReadString(fd int) (string, error) {
	b, err := ReadFramed(fd)
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(b), "\uFFFD"), nil
}

// Truncate shortens s so that its frame fits in AtomicFrame, marking the
// cut with "...". The cut never splits a UTF-8 sequence.
func Truncate(s string) string {
	const limit = AtomicFrame - HeaderSize
	if len(s) <= limit {
		return s
	}
	cut := limit - len("...")
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
