package env

import (
	"os"
	"sort"
	"strings"
)

// Env composes the environment handed to supervised scripts.
type Env struct {
	base map[string]string
	vars map[string]string
}

// New starts from the current process environment when inherit is true, or
// from an empty one otherwise.
func New(inherit bool) *Env {
	e := &Env{base: map[string]string{}, vars: map[string]string{}}
	if inherit {
		for k, v := range parse(os.Environ()) {
			e.base[k] = v
		}
	}
	return e
}

// With returns a copy of e with the K=V entries of kvs layered on top.
// Malformed entries are skipped.
func (e *Env) With(kvs []string) *Env {
	c := &Env{base: e.base, vars: make(map[string]string, len(e.vars)+len(kvs))}
	for k, v := range e.vars {
		c.vars[k] = v
	}
	for k, v := range parse(kvs) {
		c.vars[k] = v
	}
	return c
}

// List renders the composed environment as sorted K=V pairs. ${VAR}
// references in layered values are expanded against the composed map, one
// level deep.
func (e *Env) List() []string {
	m := make(map[string]string, len(e.base)+len(e.vars))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		if _, layered := e.vars[k]; layered {
			v = expand(v, m)
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
