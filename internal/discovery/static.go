package discovery

import "sync"

// Static resolves a fixed endpoint list. Without load reports it spreads
// picks by counting its own in-flight assignments.
type Static struct {
	*set
	mu sync.Mutex
}

// NewStatic creates a resolver for endpoints (host:port), each assumed to
// run capacity executions at once.
func NewStatic(endpoints []string, capacity int) *Static {
	if capacity <= 0 {
		capacity = 1
	}
	s := &Static{set: newSet()}
	for _, addr := range endpoints {
		s.workers[addr] = &Worker{ID: addr, GRPCAddr: addr, Capacity: capacity}
	}
	return s
}

// Pick returns the endpoint with the fewest assignments in flight and
// counts one more against it. Call Release when the pip is done.
func (s *Static) Pick(region string) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.set.pick("")
	if err != nil {
		return nil, err
	}
	s.set.mu.Lock()
	s.workers[w.ID].Current++
	s.set.mu.Unlock()
	return w, nil
}

// Release returns the slot taken by Pick.
func (s *Static) Release(id string) {
	s.set.mu.Lock()
	defer s.set.mu.Unlock()
	if w, ok := s.workers[id]; ok && w.Current > 0 {
		w.Current--
	}
}

// Workers returns the configured endpoints.
func (s *Static) Workers() []*Worker { return s.snapshot() }
