package discovery

import (
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	"github.com/opensandbox/pipagent/internal/rpc"
)

// Pool keeps one client connection per worker address and replaces
// connections that have failed.
type Pool struct {
	opts  rpc.DialOptions
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewPool creates an empty pool that dials with opts.
func NewPool(opts rpc.DialOptions) *Pool {
	return &Pool{opts: opts, conns: make(map[string]*grpc.ClientConn)}
}

// Get returns a connection to addr, dialing a new one if none exists or the
// existing one is in TransientFailure or Shutdown.
func (p *Pool) Get(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.TransientFailure && state != connectivity.Shutdown {
			return conn, nil
		}
		conn.Close()
		delete(p.conns, addr)
	}
	conn, err := rpc.Dial(addr, p.opts)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = conn
	return conn, nil
}

// Close closes every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conn := range p.conns {
		conn.Close()
		delete(p.conns, addr)
	}
}
