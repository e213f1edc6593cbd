package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultSystemPaths are the host paths every isolated child sees read-only
// so that toolchains run. Missing ones are skipped. Nothing else of the
// host is visible.
var DefaultSystemPaths = []string{
	"/usr",
	"/bin",
	"/sbin",
	"/lib",
	"/lib32",
	"/lib64",
	"/nix",
	"/etc/alternatives",
	"/etc/ld.so.cache",
	"/etc/ld.so.conf",
	"/etc/ld.so.conf.d",
	"/etc/passwd",
	"/etc/group",
	"/etc/nsswitch.conf",
	"/etc/hosts",
	"/etc/resolv.conf",
	"/etc/localtime",
	"/etc/ssl",
	"/etc/ca-certificates",
}

// BwrapBuilder builds bubblewrap command-line arguments that show the
// child its declared paths while the bytes live in the execution root.
// The child starts from an empty root: only the system paths, the binds
// and fresh /proc, /dev and /tmp exist in it.
type BwrapBuilder struct {
	args        []string
	systemPaths []string
}

// NewBwrapBuilder creates a builder exposing systemPaths, or
// DefaultSystemPaths when none are given.
func NewBwrapBuilder(systemPaths ...string) *BwrapBuilder {
	if len(systemPaths) == 0 {
		systemPaths = DefaultSystemPaths
	}
	return &BwrapBuilder{systemPaths: systemPaths}
}

// Build constructs the bwrap arguments for inv.
func (b *BwrapBuilder) Build(inv *Invocation) ([]string, error) {
	if inv.Executable == "" {
		return nil, fmt.Errorf("executable is required")
	}
	if inv.Dir == "" {
		return nil, fmt.Errorf("working directory is required")
	}
	for _, p := range b.systemPaths {
		if !filepath.IsAbs(p) || filepath.Clean(p) == "/" {
			return nil, fmt.Errorf("system path %q must be an absolute directory below /", p)
		}
		if inv.WatchRoot != "" && within(inv.WatchRoot, p) {
			return nil, fmt.Errorf("system path %s would expose the execution root %s", p, inv.WatchRoot)
		}
	}

	// The child stays in our process group so group signals reach bwrap;
	// with its own pid namespace, killing bwrap takes the tree down.
	b.args = []string{"--unshare-pid", "--unshare-ipc", "--unshare-uts", "--die-with-parent"}

	for _, p := range b.systemPaths {
		b.args = append(b.args, "--ro-bind-try", p, p)
	}
	b.args = append(b.args, "--proc", "/proc")
	b.args = append(b.args, "--dev", "/dev")
	b.args = append(b.args, "--tmpfs", "/tmp")

	binds := append([]Bind(nil), inv.Binds...)
	// Parents before children so nested binds are not hidden.
	sort.SliceStable(binds, func(i, j int) bool { return len(binds[i].Target) < len(binds[j].Target) })
	for _, bind := range binds {
		if !strings.HasPrefix(bind.Target, "/") {
			return nil, fmt.Errorf("bind target %q is not absolute", bind.Target)
		}
		if filepath.Clean(bind.Target) == "/" {
			return nil, fmt.Errorf("bind of %s would replace the whole filesystem view", bind.Source)
		}
		flag := "--ro-bind"
		if bind.Writable {
			flag = "--bind"
		}
		b.args = append(b.args, flag, bind.Source, bind.Target)
	}

	b.args = append(b.args, "--chdir", inv.Dir)

	b.args = append(b.args, "--clearenv")
	env := append([]string(nil), inv.Env...)
	sort.Strings(env)
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		b.args = append(b.args, "--setenv", k, v)
	}

	b.args = append(b.args, "--", inv.Executable)
	b.args = append(b.args, inv.Args...)
	return b.args, nil
}

// within reports whether p is dir or lies under it.
func within(p, dir string) bool {
	p, dir = filepath.Clean(p), filepath.Clean(dir)
	return p == dir || strings.HasPrefix(p, strings.TrimSuffix(dir, "/")+"/")
}

// BwrapPath returns the path to the bwrap executable.
func BwrapPath() (string, error) {
	paths := []string{
		"/usr/bin/bwrap",
		"/usr/local/bin/bwrap",
		"/bin/bwrap",
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	if path, err := exec.LookPath("bwrap"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("bwrap not found in standard locations or PATH")
}

// CheckIsolation runs a trivial child through bwrap at path with the same
// arguments real executions get, so a host without working user namespaces
// is caught at startup rather than on the first execution.
func CheckIsolation(ctx context.Context, path string, systemPaths ...string) error {
	dir, err := os.MkdirTemp("", "pipagent-isolation-")
	if err != nil {
		return fmt.Errorf("create isolation check dir: %w", err)
	}
	defer os.RemoveAll(dir)

	args, err := NewBwrapBuilder(systemPaths...).Build(&Invocation{
		Executable: "/bin/sh",
		Args:       []string{"-c", "test -d /check && ! test -e " + dir},
		Dir:        "/check",
		WatchRoot:  dir,
		Binds:      []Bind{{Source: dir, Target: "/check"}},
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("bwrap at %s does not work on this host: %w: %s", path, err, strings.TrimSpace(string(out)))
	}
	return nil
}
