package proxy

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/opensandbox/pipagent/internal/pathtable"
	"github.com/opensandbox/pipagent/internal/pip"
	"github.com/opensandbox/pipagent/pkg/types"
)

// LocalFiles is a FileContentManager over files on the local disk. Input
// content is hashed on first use; sealed directories are the files found
// under them at that moment.
type LocalFiles struct {
	table   *pathtable.Table
	mu      sync.Mutex
	hashed  map[pathtable.PathID]types.ContentInfo
	outputs map[pathtable.PathID]types.ContentInfo
}

// NewLocalFiles creates a manager whose paths are interned in table.
func NewLocalFiles(table *pathtable.Table) *LocalFiles {
	return &LocalFiles{
		table:   table,
		hashed:  make(map[pathtable.PathID]types.ContentInfo),
		outputs: make(map[pathtable.PathID]types.ContentInfo),
	}
}

// Hash returns the content of the file at id, hashing it once.
func (l *LocalFiles) Hash(id pathtable.PathID) (types.ContentInfo, error) {
	l.mu.Lock()
	info, ok := l.hashed[id]
	l.mu.Unlock()
	if ok {
		return info, nil
	}

	path := l.table.String(id)
	f, err := os.Open(path)
	if err != nil {
		return types.ContentInfo{}, err
	}
	defer f.Close()
	hash, n, err := types.HashReader(f)
	if err != nil {
		return types.ContentInfo{}, fmt.Errorf("hash %s: %w", path, err)
	}
	info = types.NewContentInfo(hash, n)

	l.mu.Lock()
	l.hashed[id] = info
	l.mu.Unlock()
	return info, nil
}

// InputContent implements FileContentManager.
func (l *LocalFiles) InputContent(f pip.FileArtifact) (types.ContentInfo, bool) {
	info, err := l.Hash(f.Path)
	if err != nil {
		return types.ContentInfo{}, false
	}
	return info, true
}

// ListSealedDirectoryContents implements FileContentManager.
func (l *LocalFiles) ListSealedDirectoryContents(d pip.DirectoryArtifact) []pip.FileArtifact {
	root := l.table.String(d.Path)
	var paths []string
	filepath.WalkDir(root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if e.Type().IsRegular() {
			paths = append(paths, p)
		}
		return nil
	})
	sort.Strings(paths)

	out := make([]pip.FileArtifact, 0, len(paths))
	for _, p := range paths {
		id, err := l.table.Intern(p)
		if err != nil {
			continue
		}
		out = append(out, pip.FileArtifact{Path: id})
	}
	return out
}

// ReportOutputContent implements FileContentManager.
func (l *LocalFiles) ReportOutputContent(f pip.FileArtifact, info types.ContentInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outputs[f.Path] = info
}

// Outputs returns the produced files reported so far.
func (l *LocalFiles) Outputs() map[string]types.ContentInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]types.ContentInfo, len(l.outputs))
	for id, info := range l.outputs {
		out[l.table.String(id)] = info
	}
	return out
}
