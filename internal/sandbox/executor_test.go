package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensandbox/pipagent/internal/cas"
	"github.com/opensandbox/pipagent/internal/pathtable"
	"github.com/opensandbox/pipagent/internal/pip"
	"github.com/opensandbox/pipagent/pkg/types"
)

// funcMonitor runs fn in place of a child process and reports the tree
// changes it made, like TreeMonitor does.
type funcMonitor func(ctx context.Context, inv *Invocation) (int, error)

func (f funcMonitor) Run(ctx context.Context, inv *Invocation) (*RunResult, error) {
	before, err := snapshot(inv.WatchRoot)
	if err != nil {
		return nil, err
	}
	code, err := f(ctx, inv)
	if errors.Is(err, ErrTimeout) {
		return &RunResult{TimedOut: true, ExitCode: -1}, nil
	}
	if err != nil {
		return nil, err
	}
	after, err := snapshot(inv.WatchRoot)
	if err != nil {
		return nil, err
	}
	return &RunResult{ExitCode: code, Accesses: diffSnapshots(before, after)}, nil
}

type fixture struct {
	store *cas.Store
	exec  *Executor
	root  string
}

// newFixture runs children unisolated so that funcMonitor can reach the
// redirected paths directly.
func newFixture(t *testing.T, mon Monitor) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, Config{Unisolated: true}, mon)
}

func newFixtureWithConfig(t *testing.T, cfg Config, mon Monitor) *fixture {
	t.Helper()
	store, err := cas.Open(t.TempDir(), cas.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	cfg.Root = filepath.Join(t.TempDir(), "sandbox")
	cfg.HostEnv = map[string]string{"HOME": "/home/build"}
	ex, err := NewExecutor(cfg, store, mon)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{store: store, exec: ex, root: cfg.Root}
}

func (f *fixture) put(t *testing.T, content string) types.ContentHash {
	t.Helper()
	p := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	info, err := f.store.PutFileHashing(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	return info.Hash
}

// scenario declares inputs a.txt (10 bytes) and b.txt (20 bytes) and
// output c.txt under /src.
func (f *fixture) scenario(t *testing.T) *Request {
	t.Helper()
	table := pathtable.New()
	proc := declaredProcess(table)
	proc.Environment = []pip.EnvVar{{Name: "HOME", PassThrough: true}, {Name: "LANG", Value: "C"}}
	return &Request{
		Process: proc,
		Table:   table,
		Inputs: []Input{
			{Path: table.MustIntern("/src/a.txt"), Hash: f.put(t, "0123456789")},
			{Path: table.MustIntern("/src/b.txt"), Hash: f.put(t, "abcdefghijabcdefghij")},
		},
	}
}

func TestExecuteProducesDeclaredOutput(t *testing.T) {
	var sawEnv []string
	f := newFixture(t, funcMonitor(func(ctx context.Context, inv *Invocation) (int, error) {
		sawEnv = inv.Env
		a, err := os.ReadFile(filepath.Join(inv.Dir, "a.txt"))
		if err != nil {
			return 0, err
		}
		if len(a) != 10 {
			t.Errorf("expected placed a.txt to hold 10 bytes, got %d", len(a))
		}
		fi, err := os.Stat(filepath.Join(inv.Dir, "b.txt"))
		if err != nil {
			return 0, err
		}
		if !fi.ModTime().Equal(FakeTimestamp) {
			t.Errorf("expected faked input timestamp, got %s", fi.ModTime())
		}
		return 0, os.WriteFile(filepath.Join(inv.Dir, "c.txt"), []byte("hello"), 0644)
	}))
	req := f.scenario(t)

	out, err := f.exec.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ExitCode != 0 || out.State != StateComplete {
		t.Errorf("expected exit 0/complete, got %d/%s", out.ExitCode, out.State)
	}
	if len(out.Outputs) != 1 {
		t.Fatalf("expected 1 output, got %d: %+v", len(out.Outputs), out.Outputs)
	}
	o := out.Outputs[0]
	if got := req.Table.String(o.File.Path); got != "/src/c.txt" {
		t.Errorf("expected output /src/c.txt, got %s", got)
	}
	if o.Info.Length != 5 || o.Info.Hash != types.HashBytes([]byte("hello")) {
		t.Errorf("unexpected output content %+v", o.Info)
	}
	if !f.store.Contains(o.Info.Hash) {
		t.Error("expected output to be stored")
	}
	if len(out.Violations) != 0 {
		t.Errorf("expected no violations, got %+v", out.Violations)
	}
	if strings.Join(sawEnv, " ") != "HOME=/home/build LANG=C" {
		t.Errorf("unexpected child environment %v", sawEnv)
	}

	entries, _ := os.ReadDir(f.root)
	if len(entries) != 0 {
		t.Errorf("expected execution root to be removed, found %d entries", len(entries))
	}
}

func TestExecuteClassifiesUndeclaredWrites(t *testing.T) {
	f := newFixture(t, funcMonitor(func(ctx context.Context, inv *Invocation) (int, error) {
		os.WriteFile(filepath.Join(inv.Dir, "c.txt"), []byte("ok"), 0644)
		os.WriteFile(filepath.Join(inv.Dir, "stray.log"), []byte("nope"), 0644)
		return 3, nil
	}))
	req := f.scenario(t)

	out, err := f.exec.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("expected exit code 3 to be passed through, got %d", out.ExitCode)
	}
	if len(out.Outputs) != 1 {
		t.Errorf("expected only the declared output, got %+v", out.Outputs)
	}
	if len(out.Violations) != 1 || req.Table.String(out.Violations[0].Path) != "/src/stray.log" {
		t.Fatalf("expected one violation for stray.log, got %+v", out.Violations)
	}
	if f.store.Contains(types.HashBytes([]byte("nope"))) {
		t.Error("violating writes must not be stored")
	}
}

func TestExecuteRewrite(t *testing.T) {
	f := newFixture(t, funcMonitor(func(ctx context.Context, inv *Invocation) (int, error) {
		return 0, os.WriteFile(filepath.Join(inv.Dir, "c.txt"), []byte("v2"), 0644)
	}))
	req := f.scenario(t)
	c := req.Table.MustIntern("/src/c.txt")
	req.Process.Dependencies = append(req.Process.Dependencies, pip.FileArtifact{Path: c})
	req.Inputs = append(req.Inputs, Input{Path: c, Hash: f.put(t, "v1")})

	out, err := f.exec.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Outputs) != 1 || out.Outputs[0].File.RewriteCount != 1 {
		t.Fatalf("expected rewrite version 1, got %+v", out.Outputs)
	}
	if out.Outputs[0].Info.Hash != types.HashBytes([]byte("v2")) {
		t.Error("expected the rewritten content")
	}
}

func TestExecuteOutputDirectory(t *testing.T) {
	f := newFixture(t, funcMonitor(func(ctx context.Context, inv *Invocation) (int, error) {
		gen := filepath.Join(inv.WatchRoot, "out", "gen")
		if err := os.MkdirAll(filepath.Join(gen, "sub"), 0755); err != nil {
			return 0, err
		}
		os.WriteFile(filepath.Join(gen, "one.h"), []byte("1"), 0644)
		os.WriteFile(filepath.Join(gen, "sub", "two.h"), []byte("2"), 0644)
		return 0, nil
	}))
	req := f.scenario(t)
	req.Process.DirectoryOutputs = []pip.DirectoryArtifact{{Path: req.Table.MustIntern("/out/gen")}}

	out, err := f.exec.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %+v", out.Outputs)
	}
	if len(out.DirectoryOutputs) != 1 || len(out.DirectoryOutputs[0].Files) != 2 {
		t.Fatalf("expected both files grouped under /out/gen, got %+v", out.DirectoryOutputs)
	}
}

func TestExecuteTimeoutHasNoOutputs(t *testing.T) {
	f := newFixture(t, funcMonitor(func(ctx context.Context, inv *Invocation) (int, error) {
		os.WriteFile(filepath.Join(inv.Dir, "c.txt"), []byte("partial"), 0644)
		return 0, ErrTimeout
	}))
	out, err := f.exec.Execute(context.Background(), f.scenario(t))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if out != nil {
		t.Errorf("expected no outcome for a timed out execution, got %+v", out)
	}
	if f.store.Contains(types.HashBytes([]byte("partial"))) {
		t.Error("timed out execution must not store outputs")
	}
}

func TestExecuteIdentifierCollision(t *testing.T) {
	ran := false
	f := newFixture(t, funcMonitor(func(ctx context.Context, inv *Invocation) (int, error) {
		ran = true
		return 0, nil
	}))
	if err := os.MkdirAll(filepath.Join(f.root, "fixed"), 0755); err != nil {
		t.Fatal(err)
	}
	req := f.scenario(t)
	req.ExecID = "fixed"

	_, err := f.exec.Execute(context.Background(), req)
	if !errors.Is(err, ErrIdentifierCollision) {
		t.Fatalf("expected ErrIdentifierCollision, got %v", err)
	}
	if ran {
		t.Error("process must not run after a collision")
	}
	if _, err := os.Stat(filepath.Join(f.root, "fixed")); err != nil {
		t.Error("a colliding directory must not be removed")
	}
}

func TestExecuteMissingInputAbortsBeforeRun(t *testing.T) {
	ran := false
	f := newFixture(t, funcMonitor(func(ctx context.Context, inv *Invocation) (int, error) {
		ran = true
		return 0, nil
	}))
	req := f.scenario(t)
	req.Inputs[0].Hash = types.HashBytes([]byte("never stored"))

	_, err := f.exec.Execute(context.Background(), req)
	if !errors.Is(err, cas.ErrNotFound) {
		t.Fatalf("expected cas.ErrNotFound, got %v", err)
	}
	if ran {
		t.Error("process must not run when staging fails")
	}
}

func TestExecuteUndeclaredSourceReadsFailsFast(t *testing.T) {
	f := newFixture(t, funcMonitor(func(ctx context.Context, inv *Invocation) (int, error) {
		t.Error("process must not run")
		return 0, nil
	}))
	req := f.scenario(t)
	req.Process.AllowUndeclaredSourceReads = true
	if _, err := f.exec.Execute(context.Background(), req); !errors.Is(err, ErrUndeclaredSourceReads) {
		t.Fatalf("expected ErrUndeclaredSourceReads, got %v", err)
	}
}

func TestConcurrentExecutionsAreIsolated(t *testing.T) {
	var (
		mu    sync.Mutex
		roots = map[string]bool{}
	)
	f := newFixture(t, funcMonitor(func(ctx context.Context, inv *Invocation) (int, error) {
		mu.Lock()
		roots[inv.WatchRoot] = true
		mu.Unlock()
		marker := filepath.Join(inv.Dir, "c.txt")
		if _, err := os.Stat(marker); err == nil {
			t.Error("saw another execution's output")
		}
		time.Sleep(20 * time.Millisecond)
		return 0, os.WriteFile(marker, []byte(inv.WatchRoot), 0644)
	}))

	const n = 4
	reqs := make([]*Request, n)
	for i := range reqs {
		reqs[i] = f.scenario(t)
	}
	var wg sync.WaitGroup
	for _, req := range reqs {
		req := req
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.exec.Execute(context.Background(), req)
			if err != nil {
				t.Errorf("Execute: %v", err)
				return
			}
			if len(out.Outputs) != 1 {
				t.Errorf("expected 1 output, got %d", len(out.Outputs))
			}
		}()
	}
	wg.Wait()
	if len(roots) != n {
		t.Errorf("expected %d distinct execution roots, got %d", n, len(roots))
	}
}

func TestExecuteIsolatedBindsOnlyDeclaredRoots(t *testing.T) {
	var inv *Invocation
	f := newFixtureWithConfig(t, Config{EngineDir: "/opt/engine"}, funcMonitor(func(ctx context.Context, got *Invocation) (int, error) {
		inv = got
		return 0, nil
	}))
	req := f.scenario(t)
	top := req.Table.MustIntern("/a.txt")
	req.Process.Dependencies = append(req.Process.Dependencies, pip.FileArtifact{Path: top})
	req.Inputs = append(req.Inputs, Input{Path: top, Hash: f.put(t, "top")})

	if _, err := f.exec.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !inv.Isolate {
		t.Fatal("children must be isolated by default")
	}
	if inv.Executable != "/bin/sh" || inv.Dir != "/src" {
		t.Errorf("isolated child must see declared paths, got %s in %s", inv.Executable, inv.Dir)
	}

	binds := map[string]Bind{}
	for _, b := range inv.Binds {
		binds[b.Target] = b
		if b.Target == "/" {
			t.Errorf("the filesystem root must never be bound: %+v", b)
		}
		if b.Target != "/opt/engine" && !strings.HasPrefix(b.Source, inv.WatchRoot+"/") {
			t.Errorf("bind source %s lies outside the execution root", b.Source)
		}
	}
	if b, ok := binds["/src"]; !ok || !b.Writable {
		t.Errorf("expected a writable bind of /src, got %+v", inv.Binds)
	}
	if b, ok := binds["/opt/engine"]; !ok || b.Writable || b.Source != "/opt/engine" {
		t.Errorf("expected a read-only bind of the engine directory, got %+v", inv.Binds)
	}
	b, ok := binds["/a.txt"]
	if !ok || b.Writable {
		t.Fatalf("expected a read-only bind of the root-level input, got %+v", inv.Binds)
	}
	if b.Source != filepath.Join(inv.WatchRoot, "a.txt") {
		t.Errorf("root-level input bound from %s", b.Source)
	}
	if len(binds) != 3 {
		t.Errorf("expected exactly 3 binds, got %+v", inv.Binds)
	}
}

func TestExecuteIsolatedRejectsRootLevelOutput(t *testing.T) {
	f := newFixtureWithConfig(t, Config{}, funcMonitor(func(ctx context.Context, inv *Invocation) (int, error) {
		t.Error("process must not run")
		return 0, nil
	}))
	req := f.scenario(t)
	req.Process.FileOutputs = append(req.Process.FileOutputs, pip.FileArtifact{Path: req.Table.MustIntern("/d.txt"), RewriteCount: 1})

	if _, err := f.exec.Execute(context.Background(), req); !errors.Is(err, ErrUnmappableOutput) {
		t.Fatalf("expected ErrUnmappableOutput, got %v", err)
	}
}

func TestExecuteUnisolatedRewritesRootLevelFiles(t *testing.T) {
	var inv *Invocation
	f := newFixture(t, funcMonitor(func(ctx context.Context, got *Invocation) (int, error) {
		inv = got
		return 0, nil
	}))
	req := f.scenario(t)
	top := req.Table.MustIntern("/a.txt")
	req.Process.Dependencies = append(req.Process.Dependencies, pip.FileArtifact{Path: top})
	req.Process.Arguments = []string{"-c", "cat /a.txt"}
	req.Process.WorkingDirectory = pathtable.Invalid
	req.Inputs = append(req.Inputs, Input{Path: top, Hash: f.put(t, "top")})

	if _, err := f.exec.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	placed := filepath.Join(inv.WatchRoot, "a.txt")
	if inv.Args[1] != "cat "+placed {
		t.Errorf("expected the root-level input to be redirected, got %q", inv.Args[1])
	}
	if inv.Dir != inv.WatchRoot {
		t.Errorf("without a working directory the child starts in the execution root, got %s", inv.Dir)
	}
}

func TestExecuteCapsProcessOutput(t *testing.T) {
	f := newFixtureWithConfig(t, Config{Unisolated: true, OutputLimit: 8}, funcMonitor(func(ctx context.Context, inv *Invocation) (int, error) {
		for i := 0; i < 4; i++ {
			inv.Stdout.Write([]byte("0123456789"))
		}
		inv.Stderr.Write([]byte("warn"))
		return 0, os.WriteFile(filepath.Join(inv.Dir, "c.txt"), []byte("ok"), 0644)
	}))

	out, err := f.exec.Execute(context.Background(), f.scenario(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out.Stdout) != "01234567" {
		t.Errorf("expected stdout cut at 8 bytes, got %q", out.Stdout)
	}
	if string(out.Stderr) != "warn" {
		t.Errorf("unexpected stderr %q", out.Stderr)
	}
	if !out.OutputTruncated {
		t.Error("expected the truncation to be reported")
	}
}
