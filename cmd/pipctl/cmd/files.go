package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/opensandbox/pipagent/pkg/types"
)

type localFile struct {
	Path string            `json:"path"`
	Info types.ContentInfo `json:"content"`
}

// hashFiles interns and hashes each argument.
func hashFiles(s *session, args []string) ([]localFile, error) {
	out := make([]localFile, 0, len(args))
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		id, err := s.table.Intern(abs)
		if err != nil {
			return nil, err
		}
		info, err := s.files.Hash(id)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", arg, err)
		}
		out = append(out, localFile{Path: abs, Info: info})
	}
	return out, nil
}
