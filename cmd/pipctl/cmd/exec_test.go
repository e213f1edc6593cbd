package cmd

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/opensandbox/pipagent/internal/pathtable"
)

func TestBuildProcess(t *testing.T) {
	dir := t.TempDir()
	table := pathtable.New()
	o := execFlags{
		inputs:         []string{filepath.Join(dir, "in.txt")},
		sealed:         []string{filepath.Join(dir, "src")},
		outputs:        []string{filepath.Join(dir, "out.txt")},
		outputDirs:     []string{filepath.Join(dir, "obj")},
		workDir:        dir,
		env:            []string{"A=1", "B=x=y"},
		passThrough:    []string{"HOME"},
		processTimeout: time.Minute,
	}
	proc, err := buildProcess(table, o, []string{"/bin/cp", "in.txt", "out.txt"})
	if err != nil {
		t.Fatal(err)
	}

	if got := table.String(proc.Executable.Path); got != "/bin/cp" {
		t.Errorf("executable = %s", got)
	}
	if table.String(proc.WorkingDirectory) != dir {
		t.Errorf("working directory = %s", table.String(proc.WorkingDirectory))
	}
	if len(proc.Arguments) != 2 || proc.Arguments[0] != "in.txt" {
		t.Errorf("arguments = %v", proc.Arguments)
	}
	if len(proc.Dependencies) != 1 || len(proc.DirectoryDependencies) != 1 {
		t.Errorf("dependencies = %v / %v", proc.Dependencies, proc.DirectoryDependencies)
	}
	if len(proc.FileOutputs) != 1 || !proc.FileOutputs[0].IsOutput() {
		t.Errorf("outputs = %v", proc.FileOutputs)
	}
	if len(proc.DirectoryOutputs) != 1 {
		t.Errorf("directory outputs = %v", proc.DirectoryOutputs)
	}
	if len(proc.Environment) != 3 || proc.Environment[1].Value != "x=y" || !proc.Environment[2].PassThrough {
		t.Errorf("environment = %+v", proc.Environment)
	}
	if proc.Timeout != time.Minute || proc.SemiStableHash == 0 {
		t.Errorf("timeout %v hash %x", proc.Timeout, proc.SemiStableHash)
	}
	if proc.Description != "/bin/cp in.txt out.txt" {
		t.Errorf("description = %q", proc.Description)
	}

	again, _ := buildProcess(pathtable.New(), o, []string{"/bin/cp", "in.txt", "out.txt"})
	if again.SemiStableHash != proc.SemiStableHash {
		t.Error("hash not stable across runs")
	}
}

func TestBuildProcessRejectsBadEnv(t *testing.T) {
	_, err := buildProcess(pathtable.New(), execFlags{workDir: "/", env: []string{"NOEQUALS"}}, []string{"/bin/true"})
	if err == nil {
		t.Fatal("expected error")
	}
}
