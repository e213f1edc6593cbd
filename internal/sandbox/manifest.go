package sandbox

import (
	"github.com/opensandbox/pipagent/internal/pathtable"
	"github.com/opensandbox/pipagent/pkg/types"
)

// Entry is one manifest rule. A scope applies to Path and everything
// beneath it; a path entry applies to Path only. Scope entries with an
// invalid Path apply to the whole filesystem.
type Entry struct {
	Path   pathtable.PathID
	Scope  bool
	Mask   FileAccessPolicy
	Values FileAccessPolicy
}

type rule struct {
	mask, values FileAccessPolicy
}

func (r rule) apply(p FileAccessPolicy) FileAccessPolicy {
	return (p & r.mask) | r.values
}

// Manifest is the per-execution file access policy. The effective policy
// of a path is computed by walking from the filesystem root down to the
// path, applying each scope as (inherited & mask) | values, and finally
// applying the path's own entry.
//
// A Manifest is built single-threaded and then sealed; after Seal it is
// read-only and safe for concurrent use.
type Manifest struct {
	table  *pathtable.Table
	root   *rule
	scopes map[pathtable.PathID]rule
	paths  map[pathtable.PathID]rule
	order  []Entry
	sealed bool
}

// NewManifest returns an empty manifest over table.
func NewManifest(table *pathtable.Table) *Manifest {
	return &Manifest{
		table:  table,
		scopes: make(map[pathtable.PathID]rule),
		paths:  make(map[pathtable.PathID]rule),
	}
}

func (m *Manifest) mustBeOpen() {
	if m.sealed {
		panic("sandbox: manifest modified after seal")
	}
}

// AddScope adds a rule for path and everything beneath it. An invalid path
// denotes the filesystem root.
func (m *Manifest) AddScope(path pathtable.PathID, mask, values FileAccessPolicy) {
	m.mustBeOpen()
	r := rule{mask: mask, values: values}
	if !path.IsValid() {
		m.root = &r
	} else {
		m.scopes[path] = r
	}
	m.order = append(m.order, Entry{Path: path, Scope: true, Mask: mask, Values: values})
}

// AddPath adds a rule for exactly path.
func (m *Manifest) AddPath(path pathtable.PathID, mask, values FileAccessPolicy) {
	m.mustBeOpen()
	m.paths[path] = rule{mask: mask, values: values}
	m.order = append(m.order, Entry{Path: path, Mask: mask, Values: values})
}

// Seal makes the manifest immutable.
func (m *Manifest) Seal() { m.sealed = true }

// Sealed reports whether Seal has been called.
func (m *Manifest) Sealed() bool { return m.sealed }

// Entries returns the rules in the order they were added.
func (m *Manifest) Entries() []Entry {
	return append([]Entry(nil), m.order...)
}

// Policy returns the effective policy for an interned path.
func (m *Manifest) Policy(path pathtable.PathID) FileAccessPolicy {
	return m.PolicyFor(m.table.String(path))
}

// PolicyFor returns the effective policy for a path string. The path does
// not have to be interned; ancestors that are interned still contribute
// their scopes.
func (m *Manifest) PolicyFor(p string) FileAccessPolicy {
	var policy FileAccessPolicy
	if m.root != nil {
		policy = m.root.apply(policy)
	}
	comps, err := pathtable.Split(p)
	if err != nil {
		return policy
	}
	var leaf pathtable.PathID
	for i := 1; i <= len(comps); i++ {
		id, ok := m.table.Lookup(pathtable.Join(comps[:i]))
		if !ok {
			// Nothing below an unknown component can be interned.
			return policy
		}
		if r, ok := m.scopes[id]; ok {
			policy = r.apply(policy)
		}
		leaf = id
	}
	if r, ok := m.paths[leaf]; ok {
		policy = r.apply(policy)
	}
	return policy
}

// Decision is the manifest's verdict on one access.
type Decision struct {
	Policy         FileAccessPolicy
	Allowed        bool
	Report         bool
	FakeTimestamps bool
}

// Check evaluates an access to path. exists tells whether the target
// existed at the time of the access.
func (m *Manifest) Check(path string, access types.RequestedAccess, exists bool) Decision {
	p := m.PolicyFor(path)
	d := Decision{
		Policy:         p,
		FakeTimestamps: !p.Has(AllowRealInputTimestamps),
	}

	readable := p.Has(AllowRead) || p.Has(AllowReadAlways) || (!exists && p.Has(AllowReadIfNonexistent))
	switch access {
	case types.AccessRead:
		d.Allowed = readable
	case types.AccessProbe:
		d.Allowed = readable || p.Has(AllowReadIfNonexistent)
	case types.AccessWrite:
		d.Allowed = p.Has(AllowWrite)
	case types.AccessReadWrite, types.AccessAll:
		d.Allowed = p.Has(AllowWrite) && readable
	case types.AccessEnumerate:
		d.Allowed = true
		d.Report = p.Has(ReportDirectoryEnumerationAccess)
		return d
	case types.AccessNone:
		d.Allowed = true
	}

	switch {
	case !d.Allowed:
		d.Report = true
	case p.Has(AllowReadAlways) && !access.IsWrite():
		d.Report = false
	default:
		d.Report = p.Has(ReportAccess) || (!exists && p.Has(ReportAccessIfNonexistent))
	}
	return d
}
