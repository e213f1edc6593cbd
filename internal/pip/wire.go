package pip

import (
	"fmt"
	"time"

	"github.com/opensandbox/pipagent/internal/pathtable"
	"github.com/opensandbox/pipagent/internal/rpc"
)

// ToWire converts p into its wire form, assigning portable numbers through
// x. The caller sends x.Send() with the message. Optional paths that are
// absent travel as a cleared presence flag and are never numbered.
func ToWire(p *Process, x *pathtable.Exchange) (*rpc.Process, error) {
	exe, err := x.ToPortable(p.Executable.Path)
	if err != nil {
		return nil, fmt.Errorf("executable: %w", err)
	}
	w := &rpc.Process{
		SemiStableHash:             p.SemiStableHash,
		Description:                p.Description,
		Executable:                 exe,
		Arguments:                  append([]string(nil), p.Arguments...),
		TimeoutMillis:              p.Timeout.Milliseconds(),
		NestedTerminationMillis:    p.NestedTerminationTimeout.Milliseconds(),
		AllowUndeclaredSourceReads: p.AllowUndeclaredSourceReads,
	}
	if p.WorkingDirectory.IsValid() {
		if w.WorkingDirectory, err = x.ToPortable(p.WorkingDirectory); err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		w.HasWorkingDirectory = true
	}
	if w.Dependencies, err = filesToWire(p.Dependencies, x); err != nil {
		return nil, fmt.Errorf("dependencies: %w", err)
	}
	if w.DirectoryDependencies, err = dirsToWire(p.DirectoryDependencies, x); err != nil {
		return nil, fmt.Errorf("directory dependencies: %w", err)
	}
	if w.FileOutputs, err = filesToWire(p.FileOutputs, x); err != nil {
		return nil, fmt.Errorf("file outputs: %w", err)
	}
	if w.DirectoryOutputs, err = dirsToWire(p.DirectoryOutputs, x); err != nil {
		return nil, fmt.Errorf("directory outputs: %w", err)
	}
	for _, ev := range p.Environment {
		w.Environment = append(w.Environment, rpc.EnvironmentVariable{
			Name:        ev.Name,
			Value:       ev.Value,
			PassThrough: ev.PassThrough,
		})
	}
	if p.UniqueOutputDirectory.IsValid() {
		if w.UniqueOutputDirectory, err = x.ToPortable(p.UniqueOutputDirectory); err != nil {
			return nil, fmt.Errorf("unique output directory: %w", err)
		}
		w.HasUniqueOutputDirectory = true
	}
	return w, nil
}

// FromWire rebuilds a Process from its wire form. The peer's delta must
// already have been applied to x.
func FromWire(w *rpc.Process, x *pathtable.Exchange) (*Process, error) {
	if w == nil {
		return nil, fmt.Errorf("pip: nil process")
	}
	exe, err := x.FromPortable(w.Executable)
	if err != nil {
		return nil, fmt.Errorf("executable: %w", err)
	}
	wd := pathtable.Invalid
	if w.HasWorkingDirectory {
		if wd, err = x.FromPortable(w.WorkingDirectory); err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
	}
	p := &Process{
		SemiStableHash:             w.SemiStableHash,
		Description:                w.Description,
		Executable:                 FileArtifact{Path: exe},
		Arguments:                  append([]string(nil), w.Arguments...),
		WorkingDirectory:           wd,
		Timeout:                    time.Duration(w.TimeoutMillis) * time.Millisecond,
		NestedTerminationTimeout:   time.Duration(w.NestedTerminationMillis) * time.Millisecond,
		AllowUndeclaredSourceReads: w.AllowUndeclaredSourceReads,
	}
	for _, ev := range w.Environment {
		p.Environment = append(p.Environment, EnvVar{Name: ev.Name, Value: ev.Value, PassThrough: ev.PassThrough})
	}
	if p.Dependencies, err = filesFromWire(w.Dependencies, x); err != nil {
		return nil, fmt.Errorf("dependencies: %w", err)
	}
	if p.DirectoryDependencies, err = dirsFromWire(w.DirectoryDependencies, x); err != nil {
		return nil, fmt.Errorf("directory dependencies: %w", err)
	}
	if p.FileOutputs, err = filesFromWire(w.FileOutputs, x); err != nil {
		return nil, fmt.Errorf("file outputs: %w", err)
	}
	if p.DirectoryOutputs, err = dirsFromWire(w.DirectoryOutputs, x); err != nil {
		return nil, fmt.Errorf("directory outputs: %w", err)
	}
	if w.HasUniqueOutputDirectory {
		if p.UniqueOutputDirectory, err = x.FromPortable(w.UniqueOutputDirectory); err != nil {
			return nil, fmt.Errorf("unique output directory: %w", err)
		}
	}
	return p, nil
}

// FileToWire converts one artifact.
func FileToWire(f FileArtifact, x *pathtable.Exchange) (rpc.FileArtifact, error) {
	seq, err := x.ToPortable(f.Path)
	if err != nil {
		return rpc.FileArtifact{}, err
	}
	return rpc.FileArtifact{Path: seq, RewriteCount: int32(f.RewriteCount)}, nil
}

// FileFromWire converts one artifact.
func FileFromWire(f rpc.FileArtifact, x *pathtable.Exchange) (FileArtifact, error) {
	id, err := x.FromPortable(f.Path)
	if err != nil {
		return FileArtifact{}, err
	}
	return FileArtifact{Path: id, RewriteCount: int(f.RewriteCount)}, nil
}

func filesToWire(files []FileArtifact, x *pathtable.Exchange) ([]rpc.FileArtifact, error) {
	if len(files) == 0 {
		return nil, nil
	}
	out := make([]rpc.FileArtifact, len(files))
	for i, f := range files {
		a, err := FileToWire(f, x)
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

func filesFromWire(files []rpc.FileArtifact, x *pathtable.Exchange) ([]FileArtifact, error) {
	if len(files) == 0 {
		return nil, nil
	}
	out := make([]FileArtifact, len(files))
	for i, f := range files {
		a, err := FileFromWire(f, x)
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

func dirsToWire(dirs []DirectoryArtifact, x *pathtable.Exchange) ([]rpc.DirectoryArtifact, error) {
	if len(dirs) == 0 {
		return nil, nil
	}
	out := make([]rpc.DirectoryArtifact, len(dirs))
	for i, d := range dirs {
		seq, err := x.ToPortable(d.Path)
		if err != nil {
			return nil, err
		}
		out[i] = rpc.DirectoryArtifact{Path: seq, SealID: d.SealID}
	}
	return out, nil
}

func dirsFromWire(dirs []rpc.DirectoryArtifact, x *pathtable.Exchange) ([]DirectoryArtifact, error) {
	if len(dirs) == 0 {
		return nil, nil
	}
	out := make([]DirectoryArtifact, len(dirs))
	for i, d := range dirs {
		id, err := x.FromPortable(d.Path)
		if err != nil {
			return nil, err
		}
		out[i] = DirectoryArtifact{Path: id, SealID: d.SealID}
	}
	return out, nil
}
