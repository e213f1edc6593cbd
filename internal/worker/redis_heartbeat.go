package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout shared with internal/discovery.
const (
	HeartbeatKeyPrefix = "worker:"
	HeartbeatChannel   = "workers:heartbeat"
	HeartbeatTTL       = 30 * time.Second
)

// Heartbeat is the JSON structure published to Redis.
type Heartbeat struct {
	WorkerID string  `json:"worker_id"`
	Region   string  `json:"region"`
	GRPCAddr string  `json:"grpc_addr"`
	HTTPAddr string  `json:"http_addr"`
	Capacity int     `json:"capacity"`
	Current  int     `json:"current"`
	CPUPct   float64 `json:"cpu_pct"`
	MemPct   float64 `json:"mem_pct"`
	Draining bool    `json:"draining,omitempty"`
}

// RedisHeartbeat publishes periodic heartbeats to Redis for worker discovery.
// Each heartbeat:
//  1. SETs worker:{id} with a 30s TTL (auto-expires if worker dies)
//  2. PUBLISHes to workers:heartbeat for real-time coordinator notification
type RedisHeartbeat struct {
	rdb      *redis.Client
	base     Heartbeat
	interval time.Duration
	getLoad  func() Load
	stop     chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	draining bool
}

// NewRedisHeartbeat creates a new heartbeat publisher.
func NewRedisHeartbeat(redisURL, workerID, region, grpcAddr, httpAddr string) (*RedisHeartbeat, error) {
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

	return newRedisHeartbeat(rdb, Heartbeat{
		WorkerID: workerID,
		Region:   region,
		GRPCAddr: grpcAddr,
		HTTPAddr: httpAddr,
	}), nil
}

func newRedisHeartbeat(rdb *redis.Client, base Heartbeat) *RedisHeartbeat {
	return &RedisHeartbeat{
		rdb:      rdb,
		base:     base,
		interval: 10 * time.Second,
		stop:     make(chan struct{}),
	}
}

// SetDraining marks the worker as not accepting new executions. Coordinators
// skip draining workers when picking.
func (h *RedisHeartbeat) SetDraining(v bool) {
	h.mu.Lock()
	h.draining = v
	h.mu.Unlock()
	h.publish()
}

// Start begins publishing heartbeats every 10 seconds.
func (h *RedisHeartbeat) Start(getLoad func() Load) {
	h.getLoad = getLoad

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.publish()

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.publish()
			case <-h.stop:
				return
			}
		}
	}()
}

func (h *RedisHeartbeat) payload() Heartbeat {
	hb := h.base
	if h.getLoad != nil {
		l := h.getLoad()
		hb.Capacity, hb.Current, hb.CPUPct, hb.MemPct = l.Capacity, l.Current, l.CPUPct, l.MemPct
	}
	h.mu.Lock()
	hb.Draining = h.draining
	h.mu.Unlock()
	return hb
}

func (h *RedisHeartbeat) publish() {
	data, err := json.Marshal(h.payload())
	if err != nil {
		log.Printf("redis_heartbeat: marshal error: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := HeartbeatKeyPrefix + h.base.WorkerID
	if err := h.rdb.Set(ctx, key, data, HeartbeatTTL).Err(); err != nil {
		log.Printf("redis_heartbeat: SET failed: %v", err)
	}
	if err := h.rdb.Publish(ctx, HeartbeatChannel, data).Err(); err != nil {
		log.Printf("redis_heartbeat: PUBLISH failed: %v", err)
	}
}

// Stop stops the heartbeat publisher and closes the Redis connection.
func (h *RedisHeartbeat) Stop() {
	close(h.stop)
	h.wg.Wait()

	// Remove the key so coordinators stop picking this worker immediately
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.rdb.Del(ctx, HeartbeatKeyPrefix+h.base.WorkerID)

	h.rdb.Close()
	log.Println("redis_heartbeat: stopped")
}
