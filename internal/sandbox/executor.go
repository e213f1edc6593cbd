package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opensandbox/pipagent/internal/pathtable"
	"github.com/opensandbox/pipagent/internal/pip"
	"github.com/opensandbox/pipagent/pkg/types"
)

var (
	// ErrTimeout is returned when the child exceeded its wall-clock limit.
	// No outputs are produced for a timed out execution.
	ErrTimeout = errors.New("sandbox: process timed out")
	// ErrIdentifierCollision means a freshly generated execution root
	// already existed. It is not retried.
	ErrIdentifierCollision = errors.New("sandbox: execution identifier collision")
	// ErrUnmappableOutput means a declared output cannot be shown to an
	// isolated child, e.g. a file directly under a filesystem root.
	ErrUnmappableOutput = errors.New("sandbox: output cannot be mapped into the isolated view")
)

// FakeTimestamp is the modification time inputs see unless their policy
// allows real timestamps.
var FakeTimestamp = time.Date(2002, 2, 2, 2, 2, 2, 0, time.UTC)

// ContentStore is the part of the content store the executor uses.
type ContentStore interface {
	PlaceFile(ctx context.Context, hash types.ContentHash, dst string, mode fs.FileMode) error
	PutFileHashing(ctx context.Context, path string) (types.ContentInfo, error)
}

// State is the phase an execution is in.
type State int

const (
	StateStaging State = iota
	StateRunning
	StateCollecting
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStaging:
		return "staging"
	case StateRunning:
		return "running"
	case StateCollecting:
		return "collecting"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Config configures an Executor.
type Config struct {
	// Root holds one directory per execution.
	Root string
	// EngineDir is readable by every child.
	EngineDir string
	// HostEnv supplies the values of pass-through variables.
	HostEnv map[string]string
	// Unisolated runs children directly on the host with their arguments
	// rewritten to the redirected paths. Such a child can touch anything
	// the worker can; only for tests and trusted single-tenant hosts. By
	// default children run under bubblewrap and see nothing but the system
	// paths, the engine directory and their declared roots.
	Unisolated bool
	// RetainSandboxes keeps execution roots for diagnostics.
	RetainSandboxes bool
	// DefaultTimeout overrides pip.DefaultTimeout when set.
	DefaultTimeout time.Duration
	// DefaultNestedTerminationTimeout overrides
	// pip.DefaultNestedTerminationTimeout when set.
	DefaultNestedTerminationTimeout time.Duration
	// OutputLimit caps the bytes kept from each of stdout and stderr;
	// DefaultOutputLimit when zero.
	OutputLimit int
}

// Input is a file to place before the run.
type Input struct {
	Path pathtable.PathID
	Hash types.ContentHash
}

// Request is one execution.
type Request struct {
	Process *pip.Process
	Table   *pathtable.Table
	Inputs  []Input
	// ExecID names the execution root; generated when empty.
	ExecID string
}

// Output is a produced file, already stored in the content store.
type Output struct {
	File pip.FileArtifact
	Info types.ContentInfo
}

// DirectoryOutput lists the outputs under one declared output directory.
type DirectoryOutput struct {
	Directory pathtable.PathID
	Files     []pip.FileArtifact
}

// Violation is a write the manifest did not allow.
type Violation struct {
	Path   pathtable.PathID
	Access types.RequestedAccess
}

// Outcome is the result of a completed execution.
type Outcome struct {
	ExecID           string
	State            State
	ExitCode         int
	Outputs          []Output
	DirectoryOutputs []DirectoryOutput
	Violations       []Violation
	Accesses         int
	// Stdout and Stderr hold at most Config.OutputLimit bytes each.
	Stdout          []byte
	Stderr          []byte
	OutputTruncated bool
	Duration        time.Duration
}

// Executor runs process pips in per-execution roots. Concurrent Execute
// calls share only the content store.
type Executor struct {
	cfg     Config
	store   ContentStore
	monitor Monitor
}

// NewExecutor returns an executor.
func NewExecutor(cfg Config, store ContentStore, monitor Monitor) (*Executor, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("sandbox: root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	return &Executor{cfg: cfg, store: store, monitor: monitor}, nil
}

// Execute stages the inputs, runs the process and classifies its writes.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	proc := req.Process
	policy, err := BuildPolicy(proc, req.Table, e.cfg.EngineDir)
	if err != nil {
		return nil, err
	}

	execID := req.ExecID
	if execID == "" {
		execID = uuid.NewString()
	}
	execRoot := filepath.Join(e.cfg.Root, execID)
	if err := os.Mkdir(execRoot, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrIdentifierCollision, execRoot)
		}
		return nil, fmt.Errorf("create execution root: %w", err)
	}
	defer func() {
		if e.cfg.RetainSandboxes {
			log.Printf("sandbox: retaining %s for %s", execRoot, pip.FormatSemiStableHash(proc.SemiStableHash))
			return
		}
		if err := removeTree(execRoot); err != nil {
			log.Printf("sandbox: remove %s: %v", execRoot, err)
		}
	}()

	run := &execution{
		Executor: e,
		req:      req,
		policy:   policy,
		out:      &Outcome{ExecID: execID, State: StateStaging},
	}
	started := time.Now()
	err = run.execute(ctx, filepath.Join(execRoot, "fs"))
	run.out.Duration = time.Since(started)
	if err != nil {
		run.out.State = StateFailed
		return nil, err
	}
	run.out.State = StateComplete
	return run.out, nil
}

type execution struct {
	*Executor
	req    *Request
	policy *Policy
	out    *Outcome
	redir  *Redirector
	// fileRoots are declared files that are their own root because they
	// sit directly under a filesystem root.
	fileRoots map[string]pathtable.PathID
}

func (x *execution) execute(ctx context.Context, fsRoot string) error {
	proc, table := x.req.Process, x.req.Table
	x.redir = NewRedirector(fsRoot, x.declaredRoots())
	if err := os.MkdirAll(fsRoot, 0755); err != nil {
		return fmt.Errorf("create %s: %w", fsRoot, err)
	}

	placed, err := x.stage(ctx)
	if err != nil {
		return fmt.Errorf("staging: %w", err)
	}

	x.out.State = StateRunning
	inv, err := x.invocation(placed)
	if err != nil {
		return err
	}
	stdout, stderr := newCappedBuffer(x.cfg.OutputLimit), newCappedBuffer(x.cfg.OutputLimit)
	inv.Stdout, inv.Stderr = stdout, stderr

	res, err := x.monitor.Run(ctx, inv)
	if err != nil {
		return fmt.Errorf("running %s: %w", table.String(proc.Executable.Path), err)
	}
	x.out.Stdout, x.out.Stderr = stdout.Bytes(), stderr.Bytes()
	x.out.OutputTruncated = stdout.Dropped() > 0 || stderr.Dropped() > 0
	if res.TimedOut {
		return fmt.Errorf("%w after %s", ErrTimeout, inv.Timeout)
	}
	x.out.ExitCode = res.ExitCode

	x.out.State = StateCollecting
	return x.collect(ctx, res.Accesses)
}

// declaredRoots are the directories that hold declared files, the working
// directory and declared output directories. A file directly under a
// filesystem root is its own root; bare filesystem roots are never roots.
func (x *execution) declaredRoots() []string {
	proc, table := x.req.Process, x.req.Table
	x.fileRoots = make(map[string]pathtable.PathID)
	var roots []string
	addFile := func(id pathtable.PathID) {
		parent := table.Parent(id)
		if !parent.IsValid() {
			return
		}
		if table.Parent(parent).IsValid() {
			roots = append(roots, table.String(parent))
			return
		}
		p := table.String(id)
		x.fileRoots[p] = id
		roots = append(roots, p)
	}
	addDir := func(id pathtable.PathID) {
		if id.IsValid() && table.Parent(id).IsValid() {
			roots = append(roots, table.String(id))
		}
	}
	for _, in := range x.req.Inputs {
		addFile(in.Path)
	}
	for _, out := range proc.FileOutputs {
		addFile(out.Path)
	}
	for _, dir := range proc.DirectoryOutputs {
		addDir(dir.Path)
	}
	for _, dir := range proc.DirectoryDependencies {
		addDir(dir.Path)
	}
	addDir(proc.WorkingDirectory)
	return minimalRoots(roots)
}

// stage places every input, fakes input timestamps and creates the
// directories the process expects. It returns the set of placed paths.
func (x *execution) stage(ctx context.Context) (map[pathtable.PathID]bool, error) {
	proc, table := x.req.Process, x.req.Table
	m := x.policy.Manifest
	placed := make(map[pathtable.PathID]bool, len(x.req.Inputs))

	for _, in := range x.req.Inputs {
		declared := table.String(in.Path)
		dst := x.redir.ToSandbox(declared)
		var mode fs.FileMode = 0444
		switch {
		case in.Path == proc.Executable.Path:
			mode = 0555
		case x.policy.Rewrites[in.Path].Path.IsValid():
			mode = 0644
		}
		if err := x.store.PlaceFile(ctx, in.Hash, dst, mode); err != nil {
			return nil, fmt.Errorf("place %s: %w", declared, err)
		}
		if m.Check(declared, types.AccessRead, true).FakeTimestamps {
			if err := os.Chtimes(dst, FakeTimestamp, FakeTimestamp); err != nil {
				return nil, fmt.Errorf("fake timestamp of %s: %w", declared, err)
			}
		}
		placed[in.Path] = true
	}

	dirs := []pathtable.PathID{proc.WorkingDirectory}
	for _, out := range proc.FileOutputs {
		dirs = append(dirs, table.Parent(out.Path))
	}
	for _, dir := range proc.DirectoryOutputs {
		dirs = append(dirs, dir.Path)
	}
	for _, dir := range dirs {
		if !dir.IsValid() {
			continue
		}
		if err := os.MkdirAll(x.redir.ToSandbox(table.String(dir)), 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", table.String(dir), err)
		}
	}
	return placed, nil
}

func (x *execution) invocation(placed map[pathtable.PathID]bool) (*Invocation, error) {
	proc, table := x.req.Process, x.req.Table
	env := pip.EnvList(pip.ResolveEnvironment(proc, x.cfg.HostEnv))

	timeout := proc.Timeout
	if timeout <= 0 {
		timeout = x.cfg.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = pip.DefaultTimeout
	}
	grace := proc.NestedTerminationTimeout
	if grace <= 0 {
		grace = x.cfg.DefaultNestedTerminationTimeout
	}
	if grace <= 0 {
		grace = pip.DefaultNestedTerminationTimeout
	}
	inv := &Invocation{
		Env:                      env,
		WatchRoot:                x.redir.Root(),
		Timeout:                  timeout,
		NestedTerminationTimeout: grace,
	}

	exe := table.String(proc.Executable.Path)
	wd := "/"
	if proc.WorkingDirectory.IsValid() {
		wd = table.String(proc.WorkingDirectory)
	}
	if !x.cfg.Unisolated {
		inv.Isolate = true
		inv.Executable = exe
		inv.Args = append([]string(nil), proc.Arguments...)
		inv.Dir = wd
		if x.cfg.EngineDir != "" {
			inv.Binds = append(inv.Binds, Bind{Source: x.cfg.EngineDir, Target: x.cfg.EngineDir})
		}
		for _, root := range x.redir.roots {
			src := x.redir.ToSandbox(root)
			if id, ok := x.fileRoots[root]; ok {
				if !placed[id] {
					return nil, fmt.Errorf("%w: %s lies directly under a filesystem root", ErrUnmappableOutput, root)
				}
				inv.Binds = append(inv.Binds, Bind{Source: src, Target: root, Writable: x.policy.Rewrites[id].Path.IsValid()})
				continue
			}
			if err := os.MkdirAll(src, 0755); err != nil {
				return nil, fmt.Errorf("create bind source for %s: %w", root, err)
			}
			inv.Binds = append(inv.Binds, Bind{Source: src, Target: root, Writable: true})
		}
		return inv, nil
	}

	if placed[proc.Executable.Path] {
		exe = x.redir.ToSandbox(exe)
	}
	inv.Executable = exe
	inv.Dir = x.redir.ToSandbox(wd)
	for _, arg := range proc.Arguments {
		inv.Args = append(inv.Args, x.redir.RewriteArg(arg))
	}
	return inv, nil
}

// collect turns observed writes into outputs and violations.
func (x *execution) collect(ctx context.Context, accesses []FileAccess) error {
	table := x.req.Table
	m := x.policy.Manifest
	x.out.Accesses = len(accesses)

	seen := make(map[string]bool, len(accesses))
	byDir := make(map[pathtable.PathID][]pip.FileArtifact)
	for _, acc := range accesses {
		if !acc.Requested.IsWrite() || seen[acc.Path] {
			continue
		}
		seen[acc.Path] = true

		declared, ok := x.redir.ToOriginal(acc.Path)
		if !ok {
			return fmt.Errorf("access outside execution root: %s", acc.Path)
		}
		id, err := table.Intern(declared)
		if err != nil {
			return fmt.Errorf("intern %s: %w", declared, err)
		}

		if !m.Check(declared, acc.Requested, acc.Exists).Allowed {
			x.out.Violations = append(x.out.Violations, Violation{Path: id, Access: acc.Requested})
			continue
		}
		if !acc.Exists {
			continue
		}
		fi, err := os.Lstat(acc.Path)
		if err != nil {
			return fmt.Errorf("stat output %s: %w", declared, err)
		}
		if !fi.Mode().IsRegular() {
			continue
		}

		artifact, ok := x.policy.ArtifactFor(table, id)
		if !ok {
			// Allowed by a scope but not an output, e.g. a write under the
			// engine directory: treat as undeclared.
			x.out.Violations = append(x.out.Violations, Violation{Path: id, Access: acc.Requested})
			continue
		}
		info, err := x.store.PutFileHashing(ctx, acc.Path)
		if err != nil {
			return fmt.Errorf("store output %s: %w", declared, err)
		}
		x.out.Outputs = append(x.out.Outputs, Output{File: artifact, Info: info})
		if dir := x.policy.OutputDirectoryOf(table, id); dir.IsValid() {
			byDir[dir] = append(byDir[dir], artifact)
		}
	}

	sort.Slice(x.out.Outputs, func(i, j int) bool {
		return table.String(x.out.Outputs[i].File.Path) < table.String(x.out.Outputs[j].File.Path)
	})
	for _, dir := range x.policy.OutputDirectories {
		if files, ok := byDir[dir]; ok {
			x.out.DirectoryOutputs = append(x.out.DirectoryOutputs, DirectoryOutput{Directory: dir, Files: files})
		}
	}
	return nil
}

// removeTree deletes dir even when it contains read-only files and
// directories.
func removeTree(dir string) error {
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			os.Chmod(p, 0755)
		}
		return nil
	})
	return os.RemoveAll(dir)
}
