// Package spec loads the run description: an ordered list of processes,
// each with its argv, environment overrides, and descriptor layout.
//
// Documents are YAML; JSON documents are accepted as the YAML subset.
package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrRead wraps failures to read the spec file itself, as opposed to
// failures to make sense of its contents.
var ErrRead = errors.New("read spec")

// Error is invalid spec content.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// Errorf returns an *Error for field.
func Errorf(field, format string, args ...any) *Error {
	return &Error{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Spec is a whole run.
type Spec struct {
	Procs []ProcSpec `yaml:"procs"`
}

// ProcSpec describes one child process.
type ProcSpec struct {
	Argv []string `yaml:"argv"`

	// Env overrides the ambient environment. A nil value unsets the name.
	Env map[string]*string `yaml:"env"`

	// EnvInherit starts from the ambient environment when unset or true,
	// and from an empty one when false.
	EnvInherit *bool `yaml:"env_inherit"`

	// Fds maps descriptor keys ("1", "stdout", ...) to how the child
	// descriptor is arranged.
	Fds map[string]FdSpec `yaml:"fds"`
}

// InheritEnv reports whether the ambient environment is the base.
func (p *ProcSpec) InheritEnv() bool {
	return p.EnvInherit == nil || *p.EnvInherit
}

// NumberedFd is an FdSpec resolved to its descriptor number.
type NumberedFd struct {
	Fd   int
	Spec FdSpec
}

// FdList resolves the descriptor keys and returns the layout in ascending
// descriptor order. Keys naming the same descriptor are an error.
func (p *ProcSpec) FdList() ([]NumberedFd, error) {
	out := make([]NumberedFd, 0, len(p.Fds))
	seen := make(map[int]string, len(p.Fds))
	for key, fs := range p.Fds {
		n, err := ParseFd(key)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[n]; ok {
			a, b := prev, key
			if b < a {
				a, b = b, a
			}
			return nil, Errorf("fds", "keys %q and %q both name fd %d", a, b, n)
		}
		seen[n] = key
		out = append(out, NumberedFd{Fd: n, Spec: fs})
	}
	slices.SortFunc(out, func(a, b NumberedFd) int { return a.Fd - b.Fd })
	return out, nil
}

var fdNames = map[string]int{"stdin": 0, "stdout": 1, "stderr": 2}

// ParseFd resolves a descriptor key: a decimal non-negative integer or one
// of stdin, stdout and stderr.
func ParseFd(key string) (int, error) {
	if n, ok := fdNames[key]; ok {
		return n, nil
	}
	if key == "" {
		return 0, Errorf("fds", "empty fd key")
	}
	for _, c := range key {
		if c < '0' || c > '9' {
			return 0, Errorf("fds", "bad fd %q", key)
		}
	}
	n, err := strconv.Atoi(key)
	if err != nil || n > maxFd {
		return 0, Errorf("fds", "bad fd %q", key)
	}
	return n, nil
}

// maxFd bounds descriptor numbers to what the kernel accepts for dup2.
const maxFd = 1<<20 - 1

// Load reads and validates the spec at path.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes and validates a spec document.
func Parse(r io.Reader) (*Spec, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var doc Spec
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, Errorf("", "empty spec document")
		}
		var se *Error
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, Errorf("", "decode: %v", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}
