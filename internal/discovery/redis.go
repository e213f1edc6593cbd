package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout written by the worker heartbeat (internal/worker).
const (
	keyPattern     = "worker:*"
	channel        = "workers:heartbeat"
	reconcileEvery = 10 * time.Second
)

// Registry keeps an in-memory view of workers that advertise themselves
// in Redis. Pub/sub gives fast first detection; a periodic SCAN of the
// heartbeat keys is authoritative and drops workers whose key expired.
type Registry struct {
	*set
	rdb  *redis.Client
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRedisRegistry connects to Redis and returns a registry. Call Start to
// begin tracking workers.
func NewRedisRegistry(redisURL string) (*Registry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRegistry(rdb), nil
}

func newRegistry(rdb *redis.Client) *Registry {
	return &Registry{set: newSet(), rdb: rdb, stop: make(chan struct{})}
}

// Start performs an initial scan and then follows heartbeats.
func (r *Registry) Start() {
	r.reconcile()
	r.wg.Add(2)
	go r.subscribeLoop()
	go r.reconcileLoop()
}

// Pick returns the worker with the most spare slots.
func (r *Registry) Pick(region string) (*Worker, error) { return r.set.pick(region) }

// Workers returns every live worker.
func (r *Registry) Workers() []*Worker { return r.snapshot() }

// Stop ends both loops and closes the Redis client.
func (r *Registry) Stop() {
	close(r.stop)
	r.wg.Wait()
	r.rdb.Close()
	log.Println("discovery: stopped")
}

func (r *Registry) subscribeLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		pubsub := r.rdb.Subscribe(context.Background(), channel)
		if !r.consume(pubsub.Channel()) {
			pubsub.Close()
			return
		}
		pubsub.Close()
		log.Println("discovery: pub/sub channel closed, reconnecting...")
		select {
		case <-time.After(2 * time.Second):
		case <-r.stop:
			return
		}
	}
}

// consume applies heartbeats until the channel closes (true) or the
// registry stops (false).
func (r *Registry) consume(ch <-chan *redis.Message) bool {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return true
			}
			var w Worker
			if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
				log.Printf("discovery: invalid heartbeat payload: %v", err)
				continue
			}
			r.handleHeartbeat(w)
		case <-r.stop:
			return false
		}
	}
}

func (r *Registry) reconcileLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(reconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stop:
			return
		}
	}
}

// reconcile scans worker:* keys and replaces the view with what it finds.
// A failed scan leaves the view untouched.
func (r *Registry) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cursor uint64
	seen := make(map[string]bool)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, keyPattern, 100).Result()
		if err != nil {
			log.Printf("discovery: SCAN failed: %v", err)
			return
		}
		for _, key := range keys {
			val, err := r.rdb.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			var w Worker
			if err := json.Unmarshal([]byte(val), &w); err != nil {
				continue
			}
			seen[w.ID] = true
			r.handleHeartbeat(w)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	r.prune(seen)
}

func (r *Registry) handleHeartbeat(w Worker) {
	if w.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.workers[w.ID]
	if !ok {
		cp := w
		r.workers[w.ID] = &cp
		log.Printf("discovery: new worker %s (region=%s, grpc=%s)", w.ID, w.Region, w.GRPCAddr)
		return
	}
	if w.GRPCAddr != "" && existing.GRPCAddr != w.GRPCAddr {
		log.Printf("discovery: worker %s moved %s -> %s", w.ID, existing.GRPCAddr, w.GRPCAddr)
		existing.GRPCAddr = w.GRPCAddr
	}
	if w.HTTPAddr != "" {
		existing.HTTPAddr = w.HTTPAddr
	}
	if w.Region != "" {
		existing.Region = w.Region
	}
	existing.Capacity = w.Capacity
	existing.Current = w.Current
	existing.CPUPct = w.CPUPct
	existing.MemPct = w.MemPct
	existing.Draining = w.Draining
}

func (r *Registry) prune(seen map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.workers {
		if !seen[id] {
			log.Printf("discovery: worker %s no longer in Redis, removing", id)
			delete(r.workers, id)
		}
	}
}
