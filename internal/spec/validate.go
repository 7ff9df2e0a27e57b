package spec

import (
	"errors"
	"fmt"
	"strings"
)

// Validate enforces schema invariants. It does not touch the filesystem.
func (s *Spec) Validate() error {
	for i := range s.Procs {
		if err := s.Procs[i].validate(fmt.Sprintf("procs[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func (p *ProcSpec) validate(field string) error {
	if len(p.Argv) == 0 {
		return Errorf(field+".argv", "argv must not be empty")
	}
	if p.Argv[0] == "" {
		return Errorf(field+".argv", "argv[0] must not be empty")
	}
	for name := range p.Env {
		if err := CheckEnvName(name); err != nil {
			return Errorf(field+".env", "%v", err)
		}
	}

	fds, err := p.FdList()
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return &Error{Field: field + ".fds", Msg: se.Msg}
		}
		return err
	}
	kinds := make(map[int]Kind, len(fds))
	for _, nf := range fds {
		kinds[nf.Fd] = nf.Spec.Kind
	}
	for _, nf := range fds {
		if err := validateFd(nf, kinds); err != nil {
			return Errorf(fmt.Sprintf("%s.fds.%d", field, nf.Fd), "%s", err.Msg)
		}
	}
	return nil
}

func validateFd(nf NumberedFd, kinds map[int]Kind) *Error {
	fs := nf.Spec
	switch fs.Kind {
	case KindNull, KindFile:
		switch fs.Mode {
		case "", ModeRead, ModeWrite, ModeAppend, ModeReadWrite:
		default:
			return Errorf("", "unknown mode %q", fs.Mode)
		}
	case KindCapture:
		if fs.Mode != CaptureTempfile && fs.Mode != CapturePipe {
			return Errorf("", "unknown capture mode %q", fs.Mode)
		}
		if fs.Encoding != EncodingUTF8 && fs.Encoding != EncodingBase64 {
			return Errorf("", "unknown encoding %q", fs.Encoding)
		}
	case KindDup:
		if fs.From == nf.Fd {
			return Errorf("", "fd cannot dup itself")
		}
		k, managed := kinds[fs.From]
		switch {
		case !managed && fs.From > 2:
			return Errorf("", "dup source fd %d is not set up", fs.From)
		case k == KindDup:
			return Errorf("", "dup source fd %d is itself a dup", fs.From)
		case k == KindClose:
			return Errorf("", "dup source fd %d is closed", fs.From)
		}
	case KindLog:
		switch strings.ToLower(fs.Level) {
		case "debug", "info", "warn", "warning", "error":
		default:
			return Errorf("", "unknown log level %q", fs.Level)
		}
	}
	return nil
}

// CheckEnvName rejects names that cannot appear left of '=' in an
// environment entry.
func CheckEnvName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty environment variable name")
	case strings.ContainsRune(name, '='):
		return fmt.Errorf("environment variable name %q contains '='", name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("environment variable name %q contains NUL", name)
	}
	return nil
}
