// Package discovery tells a coordinator which workers it can offload to.
package discovery

import (
	"errors"
	"sort"
	"sync"
)

// ErrNoWorkers is returned by Pick when no worker has spare capacity.
var ErrNoWorkers = errors.New("discovery: no workers available")

// Worker is one worker as last advertised.
type Worker struct {
	ID       string  `json:"worker_id"`
	Region   string  `json:"region"`
	GRPCAddr string  `json:"grpc_addr"`
	HTTPAddr string  `json:"http_addr"`
	Capacity int     `json:"capacity"`
	Current  int     `json:"current"`
	CPUPct   float64 `json:"cpu_pct"`
	MemPct   float64 `json:"mem_pct"`
	Draining bool    `json:"draining,omitempty"`
}

// Remaining returns the number of free execution slots.
func (w *Worker) Remaining() int { return w.Capacity - w.Current }

// Resolver lists workers and picks one for the next pip.
type Resolver interface {
	// Pick returns the least loaded worker, preferring region when set.
	Pick(region string) (*Worker, error)
	// Workers returns a snapshot of every known worker.
	Workers() []*Worker
}

// set is the worker table shared by the resolvers.
type set struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

func newSet() *set {
	return &set{workers: make(map[string]*Worker)}
}

// pick returns the worker with the most remaining capacity. If no worker in
// region has room, it falls back to all regions. Ties go to the lowest ID so
// picks are deterministic.
func (s *set) pick(region string) (*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	best := s.bestLocked(region)
	if best == nil && region != "" {
		best = s.bestLocked("")
	}
	if best == nil {
		return nil, ErrNoWorkers
	}
	cp := *best
	return &cp, nil
}

func (s *set) bestLocked(region string) *Worker {
	var best *Worker
	for _, w := range s.workers {
		if w.Draining || w.GRPCAddr == "" {
			continue
		}
		if region != "" && w.Region != region {
			continue
		}
		if w.Remaining() <= 0 {
			continue
		}
		if best == nil || w.Remaining() > best.Remaining() ||
			(w.Remaining() == best.Remaining() && w.ID < best.ID) {
			best = w
		}
	}
	return best
}

func (s *set) snapshot() []*Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
