package spec

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind names a descriptor arrangement.
type Kind string

const (
	KindInherit Kind = "inherit"
	KindClose   Kind = "close"
	KindNull    Kind = "null"
	KindFile    Kind = "file"
	KindDup     Kind = "dup"
	KindCapture Kind = "capture"
	KindInput   Kind = "input"
	KindLog     Kind = "log"
)

// Modes for null and file descriptors.
const (
	ModeRead      = "read"
	ModeWrite     = "write"
	ModeAppend    = "append"
	ModeReadWrite = "read-write"
)

// Capture modes.
const (
	CaptureTempfile = "tempfile"
	CapturePipe     = "pipe"
)

// Capture encodings.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

// FdSpec describes how one child descriptor is arranged.
//
// In a document it is either a bare kind name (for kinds needing no
// parameters) or a mapping with a single kind key:
//
//	fds:
//	  stdout: capture
//	  stderr: {capture: {mode: pipe, encoding: base64}}
//	  3: {file: {path: /tmp/out, mode: append}}
//	  4: {dup: {fd: 1}}
type FdSpec struct {
	Kind Kind

	// Mode is the open mode for null and file, or the capture mode.
	Mode string

	// Path and Perm apply to file.
	Path string
	Perm uint32

	// Encoding applies to capture.
	Encoding string

	// From is the child descriptor a dup copies.
	From int

	// Input holds the bytes fed to the child for input.
	Input []byte

	// Level is the slog level name for log.
	Level string
}

var shorthand = map[Kind]bool{
	KindInherit: true,
	KindClose:   true,
	KindNull:    true,
	KindCapture: true,
	KindLog:     true,
}

// bodyFields lists the parameters each kind accepts.
var bodyFields = map[Kind][]string{
	KindInherit: nil,
	KindClose:   nil,
	KindNull:    {"mode"},
	KindFile:    {"path", "mode", "perm"},
	KindDup:     {"fd"},
	KindCapture: {"mode", "encoding"},
	KindInput:   {"text", "data"},
	KindLog:     {"level"},
}

type fdBody struct {
	Mode     string  `yaml:"mode"`
	Path     string  `yaml:"path"`
	Perm     string  `yaml:"perm"`
	Encoding string  `yaml:"encoding"`
	Fd       string  `yaml:"fd"`
	Text     *string `yaml:"text"`
	Data     *string `yaml:"data"`
	Level    string  `yaml:"level"`
}

// UnmarshalYAML decodes the shorthand and mapping forms.
func (f *FdSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		k := Kind(node.Value)
		if !shorthand[k] {
			if _, known := bodyFields[k]; known {
				return Errorf("fds", "line %d: %s needs parameters", node.Line, k)
			}
			return Errorf("fds", "line %d: unknown fd kind %q", node.Line, node.Value)
		}
		*f = FdSpec{Kind: k}
		f.applyDefaults()
		return nil

	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return Errorf("fds", "line %d: fd spec must have exactly one kind key", node.Line)
		}
		k := Kind(node.Content[0].Value)
		allowed, known := bodyFields[k]
		if !known {
			return Errorf("fds", "line %d: unknown fd kind %q", node.Line, node.Content[0].Value)
		}
		body := node.Content[1]
		var raw fdBody
		switch {
		case body.Kind == yaml.ScalarNode && body.ShortTag() == "!!null":
		case body.Kind == yaml.MappingNode:
			if err := checkFields(k, body, allowed); err != nil {
				return err
			}
			if err := body.Decode(&raw); err != nil {
				return Errorf("fds", "line %d: %s: %v", body.Line, k, err)
			}
		default:
			return Errorf("fds", "line %d: %s parameters must be a mapping", body.Line, k)
		}
		if err := f.fromBody(k, &raw); err != nil {
			return err
		}
		f.applyDefaults()
		return nil

	default:
		return Errorf("fds", "line %d: fd spec must be a kind name or a mapping", node.Line)
	}
}

func checkFields(k Kind, body *yaml.Node, allowed []string) error {
	for i := 0; i+1 < len(body.Content); i += 2 {
		name := body.Content[i].Value
		ok := false
		for _, a := range allowed {
			if a == name {
				ok = true
				break
			}
		}
		if !ok {
			return Errorf("fds", "line %d: %s does not take %q", body.Content[i].Line, k, name)
		}
	}
	return nil
}

func (f *FdSpec) fromBody(k Kind, raw *fdBody) error {
	*f = FdSpec{Kind: k, Mode: raw.Mode, Path: raw.Path, Encoding: raw.Encoding, Level: raw.Level}

	switch k {
	case KindFile:
		if raw.Path == "" {
			return Errorf("fds", "file needs a path")
		}
		f.Perm = 0o666
		if raw.Perm != "" {
			perm, err := parsePerm(raw.Perm)
			if err != nil {
				return err
			}
			f.Perm = perm
		}
	case KindDup:
		if raw.Fd == "" {
			return Errorf("fds", "dup needs fd")
		}
		from, err := ParseFd(raw.Fd)
		if err != nil {
			return err
		}
		f.From = from
	case KindInput:
		switch {
		case raw.Text != nil && raw.Data != nil:
			return Errorf("fds", "input takes text or data, not both")
		case raw.Text != nil:
			f.Input = []byte(*raw.Text)
		case raw.Data != nil:
			b, err := base64.StdEncoding.DecodeString(*raw.Data)
			if err != nil {
				return Errorf("fds", "input data: %v", err)
			}
			f.Input = b
		default:
			f.Input = []byte{}
		}
	}
	return nil
}

// applyDefaults fills parameters that do not depend on the descriptor
// number. Null and file modes do, see DefaultMode.
func (f *FdSpec) applyDefaults() {
	switch f.Kind {
	case KindCapture:
		if f.Mode == "" {
			f.Mode = CaptureTempfile
		}
		if f.Encoding == "" {
			f.Encoding = EncodingUTF8
		}
	case KindLog:
		if f.Level == "" {
			f.Level = "info"
		}
	}
}

// parsePerm reads a permission as octal, with or without a 0 or 0o prefix.
func parsePerm(s string) (uint32, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0o"), "0")
	if digits == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(digits, 8, 32)
	if err != nil || v > 0o7777 {
		return 0, Errorf("fds", "bad perm %q", s)
	}
	return uint32(v), nil
}

// DefaultMode returns the null/file open mode used when none is given.
func DefaultMode(fd int) string {
	if fd == 0 {
		return ModeRead
	}
	return ModeWrite
}

// String renders the spec compactly for logs.
func (f FdSpec) String() string {
	switch f.Kind {
	case KindFile:
		return fmt.Sprintf("file(%s,%s)", f.Path, f.Mode)
	case KindDup:
		return fmt.Sprintf("dup(%d)", f.From)
	case KindCapture:
		return fmt.Sprintf("capture(%s,%s)", f.Mode, f.Encoding)
	case KindNull:
		if f.Mode != "" {
			return fmt.Sprintf("null(%s)", f.Mode)
		}
	}
	return string(f.Kind)
}
