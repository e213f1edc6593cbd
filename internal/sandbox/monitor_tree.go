package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/opensandbox/pipagent/pkg/types"
)

// TreeMonitor observes a child by diffing its execution root before and
// after the run. It sees every change the child makes to the tree but not
// reads, which the executor does not echo back anyway.
type TreeMonitor struct {
	// BwrapPath enables isolation for invocations that ask for it.
	BwrapPath string
	// SystemPaths override DefaultSystemPaths in isolated children.
	SystemPaths []string
}

// NewTreeMonitor returns a monitor that isolates children with the bwrap
// executable at bwrapPath, or the one BwrapPath finds when empty. It fails
// when isolation does not work on this host. With unsafe set no isolation
// is attempted and children run directly on the host.
func NewTreeMonitor(ctx context.Context, bwrapPath string, systemPaths []string, unsafe bool) (*TreeMonitor, error) {
	if unsafe {
		return &TreeMonitor{}, nil
	}
	if bwrapPath == "" {
		path, err := BwrapPath()
		if err != nil {
			return nil, err
		}
		bwrapPath = path
	}
	if err := CheckIsolation(ctx, bwrapPath, systemPaths...); err != nil {
		return nil, err
	}
	return &TreeMonitor{BwrapPath: bwrapPath, SystemPaths: systemPaths}, nil
}

type fileState struct {
	dir   bool
	size  int64
	mtime int64
	mode  fs.FileMode
}

func snapshot(root string) (map[string]fileState, error) {
	state := make(map[string]fileState)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if p == root {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		state[p] = fileState{
			dir:   d.IsDir(),
			size:  info.Size(),
			mtime: info.ModTime().UnixNano(),
			mode:  info.Mode(),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", root, err)
	}
	return state, nil
}

func diffSnapshots(before, after map[string]fileState) []FileAccess {
	var accesses []FileAccess
	for p, now := range after {
		prev, existed := before[p]
		switch {
		case !existed && now.dir:
			accesses = append(accesses, FileAccess{Path: p, Requested: types.AccessEnumerate, Exists: true})
		case !existed:
			accesses = append(accesses, FileAccess{Path: p, Requested: types.AccessWrite, Exists: true})
		case now.dir:
		case prev.dir || prev.size != now.size || prev.mtime != now.mtime || prev.mode != now.mode:
			accesses = append(accesses, FileAccess{Path: p, Requested: types.AccessWrite, Exists: true})
		}
	}
	for p, prev := range before {
		if _, ok := after[p]; !ok && !prev.dir {
			accesses = append(accesses, FileAccess{Path: p, Requested: types.AccessWrite, Exists: false})
		}
	}
	sort.Slice(accesses, func(i, j int) bool { return accesses[i].Path < accesses[j].Path })
	return accesses
}

// Run starts the child in its own process group, enforces the timeout and
// reports the tree changes it made.
func (m *TreeMonitor) Run(ctx context.Context, inv *Invocation) (*RunResult, error) {
	before, err := snapshot(inv.WatchRoot)
	if err != nil {
		return nil, err
	}

	var cmd *exec.Cmd
	if inv.Isolate {
		if m.BwrapPath == "" {
			return nil, fmt.Errorf("isolation requested but bwrap is not configured")
		}
		args, err := NewBwrapBuilder(m.SystemPaths...).Build(inv)
		if err != nil {
			return nil, fmt.Errorf("build bwrap arguments: %w", err)
		}
		cmd = exec.Command(m.BwrapPath, args...)
	} else {
		cmd = exec.Command(inv.Executable, inv.Args...)
		cmd.Dir = inv.Dir
		cmd.Env = inv.Env
	}
	cmd.Stdout = inv.Stdout
	cmd.Stderr = inv.Stderr
	// A surviving descendant holding the output pipes must not keep Wait
	// blocked; the group is killed right after.
	cmd.WaitDelay = time.Second
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", inv.Executable, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	res := &RunResult{}
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		res.TimedOut = true
		res.Killed, waitErr = stopTree(cmd, done, inv.NestedTerminationTimeout)
	case <-ctx.Done():
		stopTree(cmd, done, inv.NestedTerminationTimeout)
		return nil, ctx.Err()
	}
	res.Duration = time.Since(start)

	// Descendants may outlive the main process; none are allowed to.
	if err := killGroup(cmd); err != nil {
		log.Printf("sandbox: kill surviving processes of %d: %v", cmd.Process.Pid, err)
	}

	if cmd.ProcessState == nil {
		return nil, fmt.Errorf("wait for %s: %w", inv.Executable, waitErr)
	}
	res.ExitCode = cmd.ProcessState.ExitCode()
	if res.TimedOut {
		return res, nil
	}

	after, err := snapshot(inv.WatchRoot)
	if err != nil {
		return nil, err
	}
	res.Accesses = diffSnapshots(before, after)
	return res, nil
}

// stopTree asks the process group to exit, waits up to grace, then kills
// it. It reports whether SIGKILL was needed along with the wait error.
func stopTree(cmd *exec.Cmd, done <-chan error, grace time.Duration) (bool, error) {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	if err := terminateGroup(cmd); err != nil {
		log.Printf("sandbox: terminate process group %d: %v", cmd.Process.Pid, err)
	}
	select {
	case err := <-done:
		return false, err
	case <-time.After(grace):
	}
	if err := killGroup(cmd); err != nil {
		log.Printf("sandbox: kill process group %d: %v", cmd.Process.Pid, err)
	}
	return true, <-done
}
