package discovery

import (
	"errors"
	"testing"

	"github.com/opensandbox/pipagent/internal/rpc"
)

func TestRegistryPick(t *testing.T) {
	tests := []struct {
		name    string
		workers []Worker
		region  string
		want    string
		wantErr bool
	}{
		{
			name:    "empty",
			wantErr: true,
		},
		{
			name: "most remaining capacity",
			workers: []Worker{
				{ID: "a", GRPCAddr: "a:1", Capacity: 8, Current: 6},
				{ID: "b", GRPCAddr: "b:1", Capacity: 4, Current: 0},
			},
			want: "b",
		},
		{
			name: "region preferred",
			workers: []Worker{
				{ID: "a", Region: "us", GRPCAddr: "a:1", Capacity: 8},
				{ID: "b", Region: "eu", GRPCAddr: "b:1", Capacity: 2},
			},
			region: "eu",
			want:   "b",
		},
		{
			name: "region full falls back",
			workers: []Worker{
				{ID: "a", Region: "us", GRPCAddr: "a:1", Capacity: 8},
				{ID: "b", Region: "eu", GRPCAddr: "b:1", Capacity: 2, Current: 2},
			},
			region: "eu",
			want:   "a",
		},
		{
			name: "draining skipped",
			workers: []Worker{
				{ID: "a", GRPCAddr: "a:1", Capacity: 8, Draining: true},
				{ID: "b", GRPCAddr: "b:1", Capacity: 1},
			},
			want: "b",
		},
		{
			name: "no address skipped",
			workers: []Worker{
				{ID: "a", Capacity: 8},
			},
			wantErr: true,
		},
		{
			name: "tie broken by id",
			workers: []Worker{
				{ID: "b", GRPCAddr: "b:1", Capacity: 2},
				{ID: "a", GRPCAddr: "a:1", Capacity: 2},
			},
			want: "a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRegistry(nil)
			for _, w := range tt.workers {
				r.handleHeartbeat(w)
			}
			got, err := r.Pick(tt.region)
			if tt.wantErr {
				if !errors.Is(err, ErrNoWorkers) {
					t.Fatalf("Pick err = %v, want ErrNoWorkers", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Pick: %v", err)
			}
			if got.ID != tt.want {
				t.Errorf("Pick = %s, want %s", got.ID, tt.want)
			}
		})
	}
}

func TestRegistryHeartbeatUpdates(t *testing.T) {
	r := newRegistry(nil)
	r.handleHeartbeat(Worker{ID: "w1", Region: "us", GRPCAddr: "10.0.0.1:2233", HTTPAddr: "10.0.0.1:8080", Capacity: 4})
	r.handleHeartbeat(Worker{ID: "w1", GRPCAddr: "10.0.0.2:2233", Capacity: 4, Current: 3, Draining: true})
	r.handleHeartbeat(Worker{Capacity: 100})

	ws := r.Workers()
	if len(ws) != 1 {
		t.Fatalf("got %d workers, want 1", len(ws))
	}
	w := ws[0]
	if w.GRPCAddr != "10.0.0.2:2233" || w.HTTPAddr != "10.0.0.1:8080" || w.Region != "us" {
		t.Errorf("addresses not merged: %+v", w)
	}
	if w.Current != 3 || !w.Draining {
		t.Errorf("load not updated: %+v", w)
	}

	// Snapshot is a copy.
	w.Current = 0
	if r.Workers()[0].Current != 3 {
		t.Error("snapshot aliases registry state")
	}
}

func TestRegistryPrune(t *testing.T) {
	r := newRegistry(nil)
	r.handleHeartbeat(Worker{ID: "a", GRPCAddr: "a:1", Capacity: 1})
	r.handleHeartbeat(Worker{ID: "b", GRPCAddr: "b:1", Capacity: 1})
	r.prune(map[string]bool{"b": true})

	ws := r.Workers()
	if len(ws) != 1 || ws[0].ID != "b" {
		t.Fatalf("after prune: %+v", ws)
	}
}

func TestStaticPickSpreads(t *testing.T) {
	s := NewStatic([]string{"a:1", "b:1"}, 1)

	first, err := s.Pick("")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Pick("")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Fatalf("both picks went to %s", first.ID)
	}
	if _, err := s.Pick(""); !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("third pick err = %v, want ErrNoWorkers", err)
	}

	s.Release(first.ID)
	again, err := s.Pick("")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Errorf("Pick after release = %s, want %s", again.ID, first.ID)
	}
}

func TestPoolReusesConnections(t *testing.T) {
	p := NewPool(rpc.DialOptions{Insecure: true})
	defer p.Close()

	c1, err := p.Get("127.0.0.1:1")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := p.Get("127.0.0.1:1")
	if err != nil {
		t.Fatal(err)
	}
	// A refused connection may already have failed; then Get re-dials.
	if c1 != c2 && c1.GetState().String() != "TRANSIENT_FAILURE" && c1.GetState().String() != "SHUTDOWN" {
		t.Error("healthy connection was replaced")
	}
	other, err := p.Get("127.0.0.1:2")
	if err != nil {
		t.Fatal(err)
	}
	if other == c2 {
		t.Error("different addresses share a connection")
	}
}
