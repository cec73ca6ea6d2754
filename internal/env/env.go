// Package env composes the environment handed to each child process.
package env

import (
	"maps"
	"os"
	"slices"
	"strings"
)

type Var map[string]string

// Env holds the global layer shared by every service, optionally on top of the
// supervisor's own OS environment. It is immutable after construction; WithSet
// returns a modified copy.
type Env struct {
	base Var // OS environment, empty unless built with FromOS
	vars Var // global variables (K->V)
}

func New() *Env { return &Env{base: Var{}, vars: Var{}} }

// FromOS starts from the current process environment.
func FromOS() *Env {
	e := New()
	e.base = ParseKV(os.Environ())
	return e
}

// ParseKV converts "KEY=VALUE" entries into a map. Entries without '=' or with
// an empty key are skipped; later entries win.
func ParseKV(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// WithSet returns a copy of e with k=v in the global layer.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{base: e.base, vars: maps.Clone(e.vars)}
	if c.vars == nil {
		c.vars = Var{}
	}
	if k != "" {
		c.vars[k] = v
	}
	return c
}

// WithVars returns a copy of e with every entry of kvs ("KEY=VALUE") set.
func (e *Env) WithVars(kvs []string) *Env {
	c := e
	for k, v := range ParseKV(kvs) {
		c = c.WithSet(k, v)
	}
	return c
}

// Resolve composes the final map: OS base, then globals, then each layer in
// order. ${VAR} and $VAR references in global and layer values are expanded
// against the composed map (one pass, no recursion); inherited OS values are
// passed through untouched.
func (e *Env) Resolve(layers ...map[string]string) Var {
	m := make(Var, len(e.base)+len(e.vars))
	maps.Copy(m, e.base)
	own := make(map[string]struct{}, len(e.vars))
	for k, v := range e.vars {
		m[k] = v
		own[k] = struct{}{}
	}
	for _, l := range layers {
		for k, v := range l {
			if k == "" {
				continue
			}
			m[k] = v
			own[k] = struct{}{}
		}
	}
	out := maps.Clone(m)
	for k := range own {
		out[k] = Expand(m[k], m)
	}
	return out
}

// Merge is Resolve rendered as a sorted "KEY=VALUE" slice for exec.Cmd.Env.
func (e *Env) Merge(layers ...map[string]string) []string {
	return e.Resolve(layers...).List()
}

func (v Var) List() []string {
	keys := slices.Sorted(maps.Keys(v))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+v[k])
	}
	return out
}

// Expand replaces ${VAR} and $VAR with values from m. Unknown names expand to
// the empty string, matching shell behaviour.
func Expand(s string, m Var) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
