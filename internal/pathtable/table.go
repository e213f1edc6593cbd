// Package pathtable interns filesystem paths into small integer identifiers
// and translates those identifiers across process boundaries.
//
// A Table is private to one process and only ever grows: once a PathID is
// handed out it denotes the same path for the lifetime of the table. Two
// processes never share a Table. Instead each request/response pair uses an
// Exchange, which assigns portable sequence numbers to the paths referenced
// during that round trip and ships only the entries the peer has not seen.
package pathtable

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
)

// PathID identifies a path within one Table. The zero value is Invalid.
type PathID uint32

// Invalid is the PathID of no path. It is also the parent of root components.
const Invalid PathID = 0

// IsValid reports whether id refers to a path.
func (id PathID) IsValid() bool { return id != Invalid }

// ErrRelativePath is returned when interning a path that is not absolute.
var ErrRelativePath = errors.New("pathtable: path is not absolute")

type entry struct {
	parent PathID
	name   string
}

type childKey struct {
	parent PathID
	name   string
}

// Table is a hierarchical path interning table. Each PathID names one
// component and points at its parent, so a path is stored once per distinct
// prefix. Safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	entries  []entry
	children map[childKey]PathID
}

// New creates an empty table.
func New() *Table {
	return &Table{
		// Slot 0 is Invalid.
		entries:  make([]entry, 1, 64),
		children: make(map[childKey]PathID),
	}
}

// Split normalizes p and returns its components. POSIX paths start with an
// empty root component; Windows paths start with the drive ("C:").
// Backslashes are treated as separators.
func Split(p string) ([]string, error) {
	if p == "" {
		return nil, ErrRelativePath
	}
	p = strings.ReplaceAll(p, `\`, "/")

	var root string
	switch {
	case strings.HasPrefix(p, "/"):
		root = ""
		p = p[1:]
	case len(p) >= 2 && p[1] == ':' && isDriveLetter(p[0]):
		root = strings.ToUpper(p[:1]) + ":"
		p = strings.TrimPrefix(p[2:], "/")
	default:
		return nil, fmt.Errorf("%w: %q", ErrRelativePath, p)
	}

	comps := []string{root}
	if p == "" {
		return comps, nil
	}
	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return comps, nil
	}
	return append(comps, strings.Split(cleaned[1:], "/")...), nil
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Join renders components produced by Split back into a path string.
func Join(comps []string) string {
	if len(comps) == 0 {
		return ""
	}
	root := comps[0]
	if len(comps) == 1 {
		return root + "/"
	}
	return root + "/" + strings.Join(comps[1:], "/")
}

// Intern returns the PathID for p, adding it and any missing ancestors.
func (t *Table) Intern(p string) (PathID, error) {
	comps, err := Split(p)
	if err != nil {
		return Invalid, err
	}
	id := Invalid
	for _, c := range comps {
		id = t.InternChild(id, c)
	}
	return id, nil
}

// MustIntern is Intern for paths known to be absolute. It panics otherwise.
func (t *Table) MustIntern(p string) PathID {
	id, err := t.Intern(p)
	if err != nil {
		panic(err)
	}
	return id
}

// InternChild returns the PathID of the component name under parent.
// A parent of Invalid makes name a root component.
func (t *Table) InternChild(parent PathID, name string) PathID {
	key := childKey{parent: parent, name: name}

	t.mu.RLock()
	id, ok := t.children[key]
	t.mu.RUnlock()
	if ok {
		return id
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.children[key]; ok {
		return id
	}
	id = PathID(len(t.entries))
	t.entries = append(t.entries, entry{parent: parent, name: name})
	t.children[key] = id
	return id
}

// Lookup returns the PathID of p without interning it.
func (t *Table) Lookup(p string) (PathID, bool) {
	comps, err := Split(p)
	if err != nil {
		return Invalid, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	id := Invalid
	for _, c := range comps {
		next, ok := t.children[childKey{parent: id, name: c}]
		if !ok {
			return Invalid, false
		}
		id = next
	}
	return id, true
}

// Contains reports whether id was handed out by this table.
func (t *Table) Contains(id PathID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return id.IsValid() && int(id) < len(t.entries)
}

// Parent returns the parent of id, or Invalid for root components.
func (t *Table) Parent(id PathID) PathID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.entries) {
		return Invalid
	}
	return t.entries[id].parent
}

// Name returns the last component of id.
func (t *Table) Name(id PathID) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.entries) {
		return ""
	}
	return t.entries[id].name
}

// Components returns the components of id from the root down.
func (t *Table) Components(id PathID) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var comps []string
	for id.IsValid() && int(id) < len(t.entries) {
		e := t.entries[id]
		comps = append(comps, e.name)
		id = e.parent
	}
	for i, j := 0, len(comps)-1; i < j; i, j = i+1, j-1 {
		comps[i], comps[j] = comps[j], comps[i]
	}
	return comps
}

// String renders id as a path. Invalid renders as the empty string.
func (t *Table) String(id PathID) string {
	return Join(t.Components(id))
}

// IsWithin reports whether id equals dir or lies beneath it.
func (t *Table) IsWithin(id, dir PathID) bool {
	if !dir.IsValid() {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id.IsValid() && int(id) < len(t.entries) {
		if id == dir {
			return true
		}
		id = t.entries[id].parent
	}
	return false
}

// Len returns the number of interned components.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries) - 1
}
