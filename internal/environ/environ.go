// Package environ computes the environment handed to each child.
package environ

import (
	"slices"
	"strings"

	"github.com/randomizedcoder/go-procrun/internal/spec"
)

// Build returns the child environment as NAME=VALUE entries.
//
// The ambient entries come first in their original order. An override
// replaces the value of a same-named ambient entry where it stands, and a
// nil override removes it. Overrides naming variables absent from the
// ambient environment are appended in name order. When inherit is false
// the ambient environment is ignored.
//
// Values are passed through unchecked; a NUL byte in a value is rejected
// by exec.
func Build(ambient []string, overrides map[string]*string, inherit bool) ([]string, error) {
	for name := range overrides {
		if err := spec.CheckEnvName(name); err != nil {
			return nil, &spec.Error{Field: "env", Msg: err.Error()}
		}
	}

	env := make([]string, 0, len(ambient)+len(overrides))
	applied := make(map[string]bool, len(overrides))
	if inherit {
		for _, entry := range ambient {
			name, _, ok := strings.Cut(entry, "=")
			if !ok {
				continue
			}
			val, overridden := overrides[name]
			if !overridden {
				env = append(env, entry)
				continue
			}
			applied[name] = true
			if val != nil {
				env = append(env, name+"="+*val)
			}
		}
	}

	var extra []string
	for name, val := range overrides {
		if !applied[name] && val != nil {
			extra = append(extra, name)
		}
	}
	slices.Sort(extra)
	for _, name := range extra {
		env = append(env, name+"="+*overrides[name])
	}
	return env, nil
}

// ForProc builds the environment for p.
func ForProc(ambient []string, p *spec.ProcSpec) ([]string, error) {
	return Build(ambient, p.Env, p.InheritEnv())
}
