package sandbox

import (
	"errors"
	"testing"

	"github.com/opensandbox/pipagent/internal/pathtable"
	"github.com/opensandbox/pipagent/internal/pip"
	"github.com/opensandbox/pipagent/pkg/types"
)

func declaredProcess(table *pathtable.Table) *pip.Process {
	return &pip.Process{
		Executable:       pip.FileArtifact{Path: table.MustIntern("/bin/sh")},
		WorkingDirectory: table.MustIntern("/src"),
		Dependencies: []pip.FileArtifact{
			{Path: table.MustIntern("/src/a.txt")},
			{Path: table.MustIntern("/src/b.txt")},
		},
		FileOutputs: []pip.FileArtifact{{Path: table.MustIntern("/src/c.txt"), RewriteCount: 1}},
	}
}

func TestPolicyCompleteness(t *testing.T) {
	table := pathtable.New()
	pol, err := BuildPolicy(declaredProcess(table), table, "/opt/pipagent")
	if err != nil {
		t.Fatalf("BuildPolicy: %v", err)
	}
	m := pol.Manifest

	tests := []struct {
		path   string
		access types.RequestedAccess
		exists bool
		allow  bool
	}{
		{"/src/a.txt", types.AccessRead, true, true},
		{"/src/b.txt", types.AccessRead, true, true},
		{"/src/a.txt", types.AccessWrite, true, false},
		{"/src/c.txt", types.AccessRead, true, true},
		{"/src/c.txt", types.AccessWrite, true, true},
		{"/src/c.txt", types.AccessReadWrite, true, true},
		{"/src/d.txt", types.AccessRead, true, false},
		{"/src/d.txt", types.AccessProbe, false, true},
		{"/src/d.txt", types.AccessWrite, false, false},
		{"/etc/passwd", types.AccessRead, true, false},
		{"/opt/pipagent/lib/support.so", types.AccessRead, true, true},
		{"/opt/pipagent/lib/support.so", types.AccessWrite, true, false},
	}
	for _, tt := range tests {
		d := m.Check(tt.path, tt.access, tt.exists)
		if d.Allowed != tt.allow {
			t.Errorf("%s %s: expected allowed=%v, got %v (policy %s)", tt.access, tt.path, tt.allow, d.Allowed, d.Policy)
		}
	}

	if !m.Check("/src/a.txt", types.AccessRead, true).FakeTimestamps {
		t.Error("expected input timestamps to be faked")
	}
	if m.Check("/src/c.txt", types.AccessRead, true).FakeTimestamps {
		t.Error("expected outputs to see real timestamps")
	}
	if !m.Check("/src/a.txt", types.AccessRead, true).Report {
		t.Error("expected input reads to be reported")
	}
	// Output accesses are reported so production can be validated.
	if !m.Check("/src/c.txt", types.AccessWrite, true).Report {
		t.Error("expected output writes to be reported")
	}
	if m.Check("/opt/pipagent/x", types.AccessRead, true).Report {
		t.Error("expected engine reads not to be reported")
	}
	if !m.Check("/src", types.AccessEnumerate, true).Report {
		t.Error("expected enumerations to be reported")
	}
}

func TestPolicyRejectsUndeclaredSourceReads(t *testing.T) {
	table := pathtable.New()
	proc := declaredProcess(table)
	proc.AllowUndeclaredSourceReads = true
	_, err := BuildPolicy(proc, table, "")
	if !errors.Is(err, ErrUndeclaredSourceReads) {
		t.Fatalf("expected ErrUndeclaredSourceReads, got %v", err)
	}
}

func TestPolicyRewrite(t *testing.T) {
	table := pathtable.New()
	proc := declaredProcess(table)
	c := table.MustIntern("/src/c.txt")
	proc.Dependencies = append(proc.Dependencies, pip.FileArtifact{Path: c})

	pol, err := BuildPolicy(proc, table, "")
	if err != nil {
		t.Fatal(err)
	}
	rw, ok := pol.Rewrites[c]
	if !ok || rw.RewriteCount != 1 {
		t.Fatalf("expected c.txt to be recorded as rewrite version 1, got %+v (ok=%v)", rw, ok)
	}
	// The less permissive input entry must not replace the output entry.
	if !pol.Manifest.Check("/src/c.txt", types.AccessWrite, true).Allowed {
		t.Error("expected rewritten input to stay writable")
	}
	for _, e := range pol.Manifest.Entries() {
		if e.Path == c && e.Values == inputValues {
			t.Error("unexpected input entry for a declared output")
		}
	}
}

func TestManifestScopeInheritance(t *testing.T) {
	table := pathtable.New()
	m := NewManifest(table)
	m.AddScope(pathtable.Invalid, MaskNothing, AllowRead|ReportAccess)
	m.AddScope(table.MustIntern("/quiet"), ^ReportAccess, 0)
	m.AddScope(table.MustIntern("/quiet/loud"), MaskNothing, ReportAccess|AllowWrite)
	m.AddPath(table.MustIntern("/quiet/loud/locked"), ^(AllowWrite | AllowRead), 0)
	m.Seal()

	tests := []struct {
		path string
		want FileAccessPolicy
	}{
		{"/anything", AllowRead | ReportAccess},
		{"/quiet/x", AllowRead},
		{"/quiet/loud/x/y", AllowRead | ReportAccess | AllowWrite},
		{"/quiet/loud/locked", ReportAccess},
	}
	for _, tt := range tests {
		if got := m.PolicyFor(tt.path); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.path, tt.want, got)
		}
	}
}

func TestManifestSealed(t *testing.T) {
	m := NewManifest(pathtable.New())
	m.Seal()
	defer func() {
		if recover() == nil {
			t.Error("expected a panic when modifying a sealed manifest")
		}
	}()
	m.AddPath(1, MaskNothing, AllowRead)
}
