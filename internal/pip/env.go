package pip

import (
	"sort"
	"strings"
)

// ResolveEnvironment returns the child environment for p. Pass-through
// variables take their value from host, which the caller captures once at
// startup; a pass-through variable missing from host is left out.
func ResolveEnvironment(p *Process, host map[string]string) map[string]string {
	env := make(map[string]string, len(p.Environment))
	for _, ev := range p.Environment {
		if !ev.PassThrough {
			env[ev.Name] = ev.Value
			continue
		}
		if v, ok := host[ev.Name]; ok {
			env[ev.Name] = v
		}
	}
	return env
}

// EnvList renders env as sorted NAME=value pairs for exec.Cmd.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// HostEnvironment selects names from environ (os.Environ form).
func HostEnvironment(environ []string, names []string) map[string]string {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	host := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok && want[k] {
			host[k] = v
		}
	}
	return host
}
