package sandbox

import (
	"strings"
	"testing"
)

func TestBwrapBuilder(t *testing.T) {
	args, err := NewBwrapBuilder().Build(&Invocation{
		Executable: "/bin/sh",
		Args:       []string{"-c", "make"},
		Dir:        "/src",
		Env:        []string{"PATH=/bin", "HOME=/home/build"},
		WatchRoot:  "/var/lib/pipagent/sandboxes/x/fs",
		Binds: []Bind{
			{Source: "/x/fs/src/gen", Target: "/src/gen", Writable: true},
			{Source: "/x/fs/src", Target: "/src"},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--unshare-pid --unshare-ipc --unshare-uts --die-with-parent",
		"--ro-bind-try /usr /usr",
		"--ro-bind-try /etc/passwd /etc/passwd",
		"--proc /proc --dev /dev --tmpfs /tmp",
		"--ro-bind /x/fs/src /src --bind /x/fs/src/gen /src/gen",
		"--chdir /src",
		"--clearenv --setenv HOME /home/build --setenv PATH /bin",
		"-- /bin/sh -c make",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected %q in %q", want, joined)
		}
	}
	if strings.Contains(joined, "--new-session") {
		t.Error("the child must stay in the caller's process group")
	}
	for i := 0; i+2 < len(args); i++ {
		if strings.HasSuffix(args[i], "bind") || strings.HasSuffix(args[i], "bind-try") {
			if args[i+2] == "/" {
				t.Errorf("the host root must never be bound: %q", joined)
			}
			if strings.HasPrefix(args[i+1], "/var") {
				t.Errorf("worker state must not be visible: %s %s", args[i+1], args[i+2])
			}
		}
	}
}

func TestBwrapBuilderSystemPaths(t *testing.T) {
	args, err := NewBwrapBuilder("/opt/toolchain").Build(&Invocation{
		Executable: "/opt/toolchain/bin/cc",
		Dir:        "/src",
		WatchRoot:  "/srv/pipagent/sandboxes/x/fs",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--ro-bind-try /opt/toolchain /opt/toolchain") {
		t.Errorf("expected the custom system path in %q", joined)
	}
	if strings.Contains(joined, "/usr") {
		t.Errorf("custom system paths replace the defaults: %q", joined)
	}
}

func TestBwrapBuilderValidation(t *testing.T) {
	tests := []struct {
		name string
		inv  *Invocation
	}{
		{"no executable", &Invocation{Dir: "/src"}},
		{"no dir", &Invocation{Executable: "/bin/sh"}},
		{"relative bind", &Invocation{Executable: "/bin/sh", Dir: "/src", Binds: []Bind{{Source: "/a", Target: "b"}}}},
		{"bind over root", &Invocation{Executable: "/bin/sh", Dir: "/src", Binds: []Bind{{Source: "/x/fs", Target: "/"}}}},
		{"system path covers execution root", &Invocation{Executable: "/bin/sh", Dir: "/src", WatchRoot: "/usr/local/pipagent/sandboxes/x/fs"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBwrapBuilder().Build(tt.inv); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
