package sandbox

import (
	"context"
	"io"
	"time"

	"github.com/opensandbox/pipagent/pkg/types"
)

// FileAccess is one observed access. Path is the real path the process
// touched, i.e. inside the execution root.
type FileAccess struct {
	Path      string
	Requested types.RequestedAccess
	Exists    bool
}

// Bind makes Source visible at Target inside an isolated child.
type Bind struct {
	Source   string
	Target   string
	Writable bool
}

// Invocation is everything a Monitor needs to run the child.
type Invocation struct {
	Executable string
	Args       []string
	Dir        string
	Env        []string

	// WatchRoot is the tree whose changes are reported as accesses.
	WatchRoot string
	// Binds are applied when the monitor isolates the child. Executable,
	// Args and Dir then refer to the bound (declared) paths.
	Binds []Bind
	// Isolate asks for the child to see the bound paths instead of the
	// redirected ones.
	Isolate bool

	Timeout                  time.Duration
	NestedTerminationTimeout time.Duration

	Stdout io.Writer
	Stderr io.Writer
}

// RunResult is what the monitor observed.
type RunResult struct {
	ExitCode int
	Accesses []FileAccess
	TimedOut bool
	// Killed is set when the process tree had to be sent SIGKILL.
	Killed   bool
	Duration time.Duration
}

// Monitor runs a child process and reports its file accesses. On
// cancellation the process tree must be terminated before Run returns.
type Monitor interface {
	Run(ctx context.Context, inv *Invocation) (*RunResult, error)
}
