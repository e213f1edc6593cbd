package sandbox

import (
	"errors"
	"fmt"

	"github.com/opensandbox/pipagent/internal/pathtable"
	"github.com/opensandbox/pipagent/internal/pip"
)

// ErrUndeclaredSourceReads is returned for pips that ask to read paths
// they did not declare. Remote execution needs the full footprint.
var ErrUndeclaredSourceReads = errors.New("sandbox: undeclared source reads are not supported for remoting")

const (
	rootPolicy = AllowReadIfNonexistent | ReportDirectoryEnumerationAccess | ReportAccessIfNonexistent

	outputValues = AllowAll | ReportAccess | AllowRealInputTimestamps
	outputMask   = ^ReportAccess

	inputValues = AllowRead | AllowReadIfNonexistent | ReportAccess
	inputMask   = ^(ReportAccess | AllowRealInputTimestamps)
)

// Policy is the sealed manifest for one execution plus the bookkeeping
// needed to classify its writes.
type Policy struct {
	Manifest *Manifest
	// Outputs maps each declared output path to its declared artifact.
	Outputs map[pathtable.PathID]pip.FileArtifact
	// Rewrites maps inputs that are also declared outputs to the version a
	// write produces.
	Rewrites map[pathtable.PathID]pip.FileArtifact
	// OutputDirectories are the declared output directories.
	OutputDirectories []pathtable.PathID
}

// ArtifactFor returns the artifact a write to path produces. ok is false
// when path is neither a declared output, a rewrite, nor under a declared
// output directory.
func (p *Policy) ArtifactFor(table *pathtable.Table, path pathtable.PathID) (pip.FileArtifact, bool) {
	if a, ok := p.Rewrites[path]; ok {
		return a, true
	}
	if a, ok := p.Outputs[path]; ok {
		if a.RewriteCount == 0 {
			a = a.CreateNextWrittenVersion()
		}
		return a, true
	}
	if p.OutputDirectoryOf(table, path).IsValid() {
		return pip.FileArtifact{Path: path, RewriteCount: 1}, true
	}
	return pip.FileArtifact{}, false
}

// OutputDirectoryOf returns the declared output directory containing path,
// or pathtable.Invalid.
func (p *Policy) OutputDirectoryOf(table *pathtable.Table, path pathtable.PathID) pathtable.PathID {
	for _, dir := range p.OutputDirectories {
		if path != dir && table.IsWithin(path, dir) {
			return dir
		}
	}
	return pathtable.Invalid
}

// BuildPolicy builds and seals the manifest for proc. engineDir is the
// agent's own runtime directory, which the child may always read.
func BuildPolicy(proc *pip.Process, table *pathtable.Table, engineDir string) (*Policy, error) {
	if proc.AllowUndeclaredSourceReads {
		return nil, ErrUndeclaredSourceReads
	}

	m := NewManifest(table)
	m.AddScope(pathtable.Invalid, MaskNothing, rootPolicy)

	if engineDir != "" {
		id, err := table.Intern(engineDir)
		if err != nil {
			return nil, fmt.Errorf("engine directory: %w", err)
		}
		m.AddScope(id, MaskNothing, AllowReadAlways)
	}

	pol := &Policy{
		Manifest: m,
		Outputs:  make(map[pathtable.PathID]pip.FileArtifact, len(proc.FileOutputs)),
		Rewrites: make(map[pathtable.PathID]pip.FileArtifact),
	}

	for _, out := range proc.FileOutputs {
		// Outputs are expected to be written, so their accesses are not
		// reported as anomalies; real timestamps stay visible so a rewrite
		// sees the previous version's time.
		m.AddPath(out.Path, outputMask, outputValues)
		pol.Outputs[out.Path] = out
	}

	for _, dir := range proc.DirectoryOutputs {
		m.AddScope(dir.Path, MaskNothing, AllowAll|ReportAccess)
		pol.OutputDirectories = append(pol.OutputDirectories, dir.Path)
	}

	for _, dir := range proc.DirectoryDependencies {
		m.AddScope(dir.Path, inputMask, inputValues)
	}

	for _, dep := range proc.Dependencies {
		if _, isOutput := pol.Outputs[dep.Path]; isOutput {
			pol.Rewrites[dep.Path] = dep.CreateNextWrittenVersion()
			continue
		}
		m.AddPath(dep.Path, inputMask, inputValues)
	}

	if exe := proc.Executable.Path; exe.IsValid() {
		if _, declared := m.paths[exe]; !declared {
			m.AddPath(exe, inputMask, inputValues)
		}
	}

	m.Seal()
	return pol, nil
}
