package pathtable

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownPortableID is returned when a peer references a portable
	// sequence number that was never introduced in the exchange.
	ErrUnknownPortableID = errors.New("pathtable: unknown portable path id")

	// ErrSequenceGap is returned when a delta does not continue the shared
	// sequence exactly where the exchange left off.
	ErrSequenceGap = errors.New("pathtable: portable sequence gap")

	// ErrDuplicateEntry is returned when a delta introduces a path that
	// already has a portable number in this exchange.
	ErrDuplicateEntry = errors.New("pathtable: path introduced twice")

	// ErrInvalidName is returned when a delta entry carries a component
	// name that could not have come out of Split.
	ErrInvalidName = errors.New("pathtable: invalid path component")

	// ErrInvalidID is returned when asked to number the Invalid PathID or
	// an id the table never handed out.
	ErrInvalidID = errors.New("pathtable: invalid path id")
)

// DeltaEntry introduces one path component. Parent is the portable number
// of the parent component plus one, so that zero means "root component".
type DeltaEntry struct {
	Seq    uint32 `cbor:"1,keyasint"`
	Parent uint32 `cbor:"2,keyasint,omitempty"`
	Name   string `cbor:"3,keyasint"`
}

// Delta is the set of path components introduced since the last exchange
// step, in portable sequence order.
type Delta struct {
	Entries []DeltaEntry `cbor:"1,keyasint,omitempty"`
}

// Len returns the number of entries in the delta.
func (d Delta) Len() int { return len(d.Entries) }

// Exchange translates between one Table's PathIDs and the portable
// sequence numbers shared with a peer for the duration of a round trip.
//
// Both sides number paths from the same counter: entries are appended in
// the order they are introduced, whichever side introduces them, and each
// Send or Receive advances the watermark past everything the peer now
// knows. An Exchange is not safe for concurrent use.
type Exchange struct {
	table        *Table
	toPortable   map[PathID]uint32
	fromPortable []PathID
	watermark    int
}

// NewExchange starts an exchange over table.
func NewExchange(table *Table) *Exchange {
	return &Exchange{
		table:      table,
		toPortable: make(map[PathID]uint32),
	}
}

// Table returns the local table this exchange translates for.
func (x *Exchange) Table() *Table { return x.table }

// ToPortable returns the portable number for id, assigning one (and one for
// each ancestor not yet assigned) on first reference. Optional paths that
// are absent must not be numbered; Invalid is refused.
func (x *Exchange) ToPortable(id PathID) (uint32, error) {
	if seq, ok := x.toPortable[id]; ok {
		return seq, nil
	}
	if !id.IsValid() || !x.table.Contains(id) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	return x.assign(id), nil
}

func (x *Exchange) assign(id PathID) uint32 {
	if seq, ok := x.toPortable[id]; ok {
		return seq
	}
	if parent := x.table.Parent(id); parent.IsValid() {
		x.assign(parent)
	}
	seq := uint32(len(x.fromPortable))
	x.fromPortable = append(x.fromPortable, id)
	x.toPortable[id] = seq
	return seq
}

// AddPath interns p in the local table and returns its portable number.
func (x *Exchange) AddPath(p string) (uint32, error) {
	id, err := x.table.Intern(p)
	if err != nil {
		return 0, err
	}
	return x.assign(id), nil
}

// FromPortable returns the local PathID for a portable number.
func (x *Exchange) FromPortable(seq uint32) (PathID, error) {
	if int(seq) >= len(x.fromPortable) {
		return Invalid, fmt.Errorf("%w: %d (known %d)", ErrUnknownPortableID, seq, len(x.fromPortable))
	}
	return x.fromPortable[seq], nil
}

// PathFromPortable returns the path string for a portable number.
func (x *Exchange) PathFromPortable(seq uint32) (string, error) {
	id, err := x.FromPortable(seq)
	if err != nil {
		return "", err
	}
	return x.table.String(id), nil
}

// Pending returns the number of entries that the next Send would carry.
func (x *Exchange) Pending() int {
	return len(x.fromPortable) - x.watermark
}

// Send returns the entries introduced locally since the last Send or
// Receive and advances the watermark past them.
func (x *Exchange) Send() Delta {
	n := len(x.fromPortable) - x.watermark
	if n == 0 {
		return Delta{}
	}
	entries := make([]DeltaEntry, 0, n)
	for seq := x.watermark; seq < len(x.fromPortable); seq++ {
		id := x.fromPortable[seq]
		e := DeltaEntry{Seq: uint32(seq), Name: x.table.Name(id)}
		if parent := x.table.Parent(id); parent.IsValid() {
			// Parents are always assigned before their children.
			e.Parent = x.toPortable[parent] + 1
		}
		entries = append(entries, e)
	}
	x.watermark = len(x.fromPortable)
	return Delta{Entries: entries}
}

// Receive applies a peer's delta. Every entry must continue the shared
// sequence and may only reference parents that are already known or that
// appear earlier in the same delta. On error the exchange is unchanged,
// although components may have been interned into the table.
func (x *Exchange) Receive(d Delta) error {
	if x.watermark != len(x.fromPortable) {
		return fmt.Errorf("pathtable: receive with %d unsent local entries", x.Pending())
	}
	base := len(x.fromPortable)
	ids := make([]PathID, 0, len(d.Entries))
	pending := make(map[PathID]uint32, len(d.Entries))

	resolve := func(portable uint32) (PathID, bool) {
		switch {
		case int(portable) < base:
			return x.fromPortable[portable], true
		case int(portable) < base+len(ids):
			return ids[int(portable)-base], true
		}
		return Invalid, false
	}

	for i, e := range d.Entries {
		want := uint32(base + i)
		if e.Seq != want {
			return fmt.Errorf("%w: got %d, want %d", ErrSequenceGap, e.Seq, want)
		}
		if err := checkName(e); err != nil {
			return err
		}
		parent := Invalid
		if e.Parent != 0 {
			if e.Parent-1 >= e.Seq {
				return fmt.Errorf("%w: entry %d references parent %d", ErrUnknownPortableID, e.Seq, e.Parent-1)
			}
			p, ok := resolve(e.Parent - 1)
			if !ok {
				return fmt.Errorf("%w: parent %d of entry %d", ErrUnknownPortableID, e.Parent-1, e.Seq)
			}
			parent = p
		}
		id := x.table.InternChild(parent, e.Name)
		if prev, ok := x.toPortable[id]; ok {
			return fmt.Errorf("%w: %q already has portable id %d", ErrDuplicateEntry, x.table.String(id), prev)
		}
		if prev, ok := pending[id]; ok {
			return fmt.Errorf("%w: %q already has portable id %d", ErrDuplicateEntry, x.table.String(id), prev)
		}
		pending[id] = e.Seq
		ids = append(ids, id)
	}

	for i, id := range ids {
		seq := uint32(base + i)
		x.fromPortable = append(x.fromPortable, id)
		x.toPortable[id] = seq
	}
	x.watermark = len(x.fromPortable)
	return nil
}

// checkName accepts only names Split can produce: a root entry is the POSIX
// root ("") or a drive ("C:"), any other entry is a plain component.
func checkName(e DeltaEntry) error {
	if e.Parent == 0 {
		if e.Name == "" || (len(e.Name) == 2 && e.Name[1] == ':' && e.Name[0] >= 'A' && e.Name[0] <= 'Z') {
			return nil
		}
		return fmt.Errorf("%w: root entry %d named %q", ErrInvalidName, e.Seq, e.Name)
	}
	switch {
	case e.Name == "", e.Name == ".", e.Name == "..", strings.ContainsAny(e.Name, `/\`):
		return fmt.Errorf("%w: entry %d named %q", ErrInvalidName, e.Seq, e.Name)
	}
	return nil
}
