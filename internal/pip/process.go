// Package pip models a process pip: one process invocation with a fully
// declared set of inputs and outputs.
package pip

import (
	"time"

	"github.com/opensandbox/pipagent/internal/pathtable"
)

// DefaultTimeout applies when a pip declares no timeout.
const DefaultTimeout = 10 * time.Minute

// DefaultNestedTerminationTimeout is the grace period between asking a
// timed out process tree to stop and killing it.
const DefaultNestedTerminationTimeout = 30 * time.Second

// FileArtifact is one version of a file. Version 0 is a source file;
// every write to the path during a build produces the next version.
type FileArtifact struct {
	Path         pathtable.PathID
	RewriteCount int
}

// CreateNextWrittenVersion returns the artifact for the next write to the
// same path.
func (f FileArtifact) CreateNextWrittenVersion() FileArtifact {
	return FileArtifact{Path: f.Path, RewriteCount: f.RewriteCount + 1}
}

// IsOutput reports whether the artifact was produced by a write.
func (f FileArtifact) IsOutput() bool { return f.RewriteCount > 0 }

// DirectoryArtifact is a directory dependency or output. SealID tells
// apart successive seals of the same path.
type DirectoryArtifact struct {
	Path   pathtable.PathID
	SealID uint32
}

// EnvVar is a literal value or, with PassThrough set, a variable whose
// value comes from the worker's host environment.
type EnvVar struct {
	Name        string
	Value       string
	PassThrough bool
}

// Process describes a process pip.
type Process struct {
	SemiStableHash             uint64
	Description                string
	Executable                 FileArtifact
	Arguments                  []string
	Environment                []EnvVar
	WorkingDirectory           pathtable.PathID
	Dependencies               []FileArtifact
	DirectoryDependencies      []DirectoryArtifact
	FileOutputs                []FileArtifact
	DirectoryOutputs           []DirectoryArtifact
	Timeout                    time.Duration
	NestedTerminationTimeout   time.Duration
	AllowUndeclaredSourceReads bool
	UniqueOutputDirectory      pathtable.PathID
}

// EffectiveTimeout returns the declared timeout or DefaultTimeout.
func (p *Process) EffectiveTimeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultTimeout
}

// FormatSemiStableHash renders the hash the way diagnostics and sandbox
// directories refer to it.
func FormatSemiStableHash(h uint64) string {
	const digits = "0123456789ABCDEF"
	var b [16]byte
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = digits[h&0xF]
		h >>= 4
	}
	return "Pip" + string(b[:])
}
