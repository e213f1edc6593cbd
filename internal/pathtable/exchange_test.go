package pathtable

import (
	"errors"
	"testing"
)

// roundTrip simulates one request/response pair between two processes with
// independently built tables.
func TestExchangeRoundTrip(t *testing.T) {
	client := New()
	// Unrelated paths so the two tables assign different local ids.
	client.MustIntern("/noise/one")
	client.MustIntern("/noise/two")
	server := New()

	cx := NewExchange(client)
	sent := map[uint32]string{}
	for _, p := range []string{"/src/a.txt", "/src/b.txt", "/out/c.txt"} {
		seq, err := cx.AddPath(p)
		if err != nil {
			t.Fatalf("AddPath(%q) error: %v", p, err)
		}
		sent[seq] = p
	}
	request := cx.Send()

	sx := NewExchange(server)
	if err := sx.Receive(request); err != nil {
		t.Fatalf("server Receive() error: %v", err)
	}
	for seq, want := range sent {
		got, err := sx.PathFromPortable(seq)
		if err != nil {
			t.Fatalf("PathFromPortable(%d) error: %v", seq, err)
		}
		if got != want {
			t.Errorf("server decoded %d as %q, want %q", seq, got, want)
		}
	}

	// Reply: one known path by id only, one new path introduced by the server.
	knownID, _ := server.Lookup("/out/c.txt")
	knownSeq, err := sx.ToPortable(knownID)
	if err != nil {
		t.Fatalf("ToPortable() error: %v", err)
	}
	newSeq, err := sx.AddPath("/out/extra/d.txt")
	if err != nil {
		t.Fatalf("AddPath() error: %v", err)
	}
	reply := sx.Send()
	for _, e := range reply.Entries {
		if e.Name == "c.txt" {
			t.Errorf("known path c.txt was resent in reply delta")
		}
	}

	if err := cx.Receive(reply); err != nil {
		t.Fatalf("client Receive() error: %v", err)
	}
	if got, _ := cx.PathFromPortable(knownSeq); got != "/out/c.txt" {
		t.Errorf("client decoded known seq as %q", got)
	}
	if got, _ := cx.PathFromPortable(newSeq); got != "/out/extra/d.txt" {
		t.Errorf("client decoded new seq as %q", got)
	}
}

func TestExchangeDeltaOnlyCarriesNewPaths(t *testing.T) {
	x := NewExchange(New())
	x.AddPath("/a/b/c")
	first := x.Send()
	if first.Len() != 4 {
		t.Fatalf("expected 4 entries (root, a, b, c), got %d", first.Len())
	}
	x.AddPath("/a/b/c")
	x.AddPath("/a/b/d")
	second := x.Send()
	if second.Len() != 1 || second.Entries[0].Name != "d" {
		t.Errorf("expected only the new component d, got %+v", second.Entries)
	}
}

func TestExchangeUnknownPortableID(t *testing.T) {
	x := NewExchange(New())
	if _, err := x.FromPortable(7); !errors.Is(err, ErrUnknownPortableID) {
		t.Errorf("expected ErrUnknownPortableID, got %v", err)
	}
}

func TestToPortableRefusesInvalid(t *testing.T) {
	table := New()
	x := NewExchange(table)
	if _, err := x.ToPortable(Invalid); !errors.Is(err, ErrInvalidID) {
		t.Errorf("ToPortable(Invalid) error = %v, want ErrInvalidID", err)
	}
	if _, err := x.ToPortable(PathID(42)); !errors.Is(err, ErrInvalidID) {
		t.Errorf("ToPortable(42) error = %v, want ErrInvalidID", err)
	}
	if x.Pending() != 0 {
		t.Fatalf("refused ids must not be numbered, %d pending", x.Pending())
	}

	// The real root still gets a clean entry afterwards.
	seq, err := x.ToPortable(table.MustIntern("/"))
	if err != nil || seq != 0 {
		t.Fatalf("ToPortable(/) = %d, %v", seq, err)
	}
	peer := NewExchange(New())
	if err := peer.Receive(x.Send()); err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if got, _ := peer.PathFromPortable(0); got != "/" {
		t.Errorf("peer decoded root as %q", got)
	}
}

func TestReceiveRejectsMalformedDeltas(t *testing.T) {
	tests := []struct {
		name  string
		delta Delta
		want  error
	}{
		{
			name:  "gap",
			delta: Delta{Entries: []DeltaEntry{{Seq: 1, Name: ""}}},
			want:  ErrSequenceGap,
		},
		{
			name:  "forward parent",
			delta: Delta{Entries: []DeltaEntry{{Seq: 0, Parent: 2, Name: "x"}}},
			want:  ErrUnknownPortableID,
		},
		{
			name: "duplicate",
			delta: Delta{Entries: []DeltaEntry{
				{Seq: 0, Name: ""},
				{Seq: 1, Parent: 1, Name: "a"},
				{Seq: 2, Parent: 1, Name: "a"},
			}},
			want: ErrDuplicateEntry,
		},
		{
			name:  "empty component",
			delta: Delta{Entries: []DeltaEntry{{Seq: 0, Name: ""}, {Seq: 1, Parent: 1, Name: ""}}},
			want:  ErrInvalidName,
		},
		{
			name:  "dot",
			delta: Delta{Entries: []DeltaEntry{{Seq: 0, Name: ""}, {Seq: 1, Parent: 1, Name: "."}}},
			want:  ErrInvalidName,
		},
		{
			name:  "dot dot",
			delta: Delta{Entries: []DeltaEntry{{Seq: 0, Name: ""}, {Seq: 1, Parent: 1, Name: ".."}}},
			want:  ErrInvalidName,
		},
		{
			name:  "slash alias",
			delta: Delta{Entries: []DeltaEntry{{Seq: 0, Name: ""}, {Seq: 1, Parent: 1, Name: "tmp/x"}}},
			want:  ErrInvalidName,
		},
		{
			name:  "backslash",
			delta: Delta{Entries: []DeltaEntry{{Seq: 0, Name: ""}, {Seq: 1, Parent: 1, Name: `tmp\x`}}},
			want:  ErrInvalidName,
		},
		{
			name:  "root that is not a drive",
			delta: Delta{Entries: []DeltaEntry{{Seq: 0, Name: "tmp"}}},
			want:  ErrInvalidName,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := NewExchange(New())
			if err := x.Receive(tt.delta); !errors.Is(err, tt.want) {
				t.Errorf("Receive() error = %v, want %v", err, tt.want)
			}
			if x.Pending() != 0 {
				t.Errorf("failed Receive must not change exchange state")
			}
			if _, err := x.FromPortable(0); err == nil {
				t.Errorf("failed Receive must not register portable ids")
			}
		})
	}
}
