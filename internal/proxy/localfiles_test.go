package proxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opensandbox/pipagent/internal/pathtable"
	"github.com/opensandbox/pipagent/internal/pip"
	"github.com/opensandbox/pipagent/pkg/types"
)

func TestLocalFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, content string) string {
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	a := write("a.txt", "alpha")
	write("sealed/x", "x")
	write("sealed/sub/y", "y")

	table := pathtable.New()
	files := NewLocalFiles(table)

	info, ok := files.InputContent(pip.FileArtifact{Path: table.MustIntern(a)})
	if !ok {
		t.Fatal("input not found")
	}
	if info.Hash != types.HashBytes([]byte("alpha")) || info.Length != 5 || !info.KnownLength {
		t.Errorf("InputContent = %+v", info)
	}

	// Hashing is cached: a later change is not seen.
	write("a.txt", "changed")
	again, _ := files.InputContent(pip.FileArtifact{Path: table.MustIntern(a)})
	if again != info {
		t.Error("content re-hashed")
	}

	if _, ok := files.InputContent(pip.FileArtifact{Path: table.MustIntern(filepath.Join(dir, "missing"))}); ok {
		t.Error("missing file reported as tracked")
	}

	members := files.ListSealedDirectoryContents(pip.DirectoryArtifact{Path: table.MustIntern(filepath.Join(dir, "sealed"))})
	var got []string
	for _, m := range members {
		got = append(got, table.String(m.Path))
	}
	want := []string{filepath.Join(dir, "sealed/sub/y"), filepath.Join(dir, "sealed/x")}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("sealed members = %v, want %v", got, want)
	}

	out := table.MustIntern(filepath.Join(dir, "out"))
	files.ReportOutputContent(pip.FileArtifact{Path: out, RewriteCount: 1}, types.NewContentInfo(types.HashBytes(nil), 0))
	if _, ok := files.Outputs()[filepath.Join(dir, "out")]; !ok {
		t.Error("output not recorded")
	}
}
