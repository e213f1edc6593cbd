package worker

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensandbox/pipagent/internal/execlog"
	"github.com/opensandbox/pipagent/internal/metrics"
)

// Stream and subject layout for published journal events.
const (
	EventStream        = "PIPAGENT_EVENTS"
	eventSubjectPrefix = "pipagent.events"
)

// Publisher is the subset of a JetStream context the publisher needs.
type Publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// EventPublisher publishes journal events from local SQLite to NATS JetStream.
type EventPublisher struct {
	nc       *nats.Conn // nil when constructed around a bare Publisher
	js       Publisher
	journal  *execlog.Journal
	region   string
	workerID string
	lastSync time.Time
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NATSEvent is the JSON payload published to NATS.
type NATSEvent struct {
	Type      string          `json:"type"`
	WorkerID  string          `json:"worker_id"`
	Region    string          `json:"region"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// NewEventPublisher creates a new NATS event publisher.
func NewEventPublisher(natsURL, region, workerID string, journal *execlog.Journal) (*EventPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     EventStream,
		Subjects: []string{eventSubjectPrefix + ".>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		// Stream may already exist
		log.Printf("event_publisher: stream setup: %v", err)
	}

	p := newEventPublisher(js, journal, region, workerID)
	p.nc = nc
	return p, nil
}

func newEventPublisher(js Publisher, journal *execlog.Journal, region, workerID string) *EventPublisher {
	return &EventPublisher{
		js:       js,
		journal:  journal,
		region:   region,
		workerID: workerID,
		lastSync: time.Now(),
		stop:     make(chan struct{}),
	}
}

// Start begins the event sync loop (every 2 seconds).
func (p *EventPublisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.syncEvents()
			case <-p.stop:
				// Final flush
				p.syncEvents()
				return
			}
		}
	}()
}

// Stop stops the event sync loop and closes the NATS connection.
func (p *EventPublisher) Stop() {
	close(p.stop)
	p.wg.Wait()
	if p.nc != nil {
		p.nc.Close()
	}
}

// syncEvents publishes one batch of unsynced events and returns how many
// were published.
func (p *EventPublisher) syncEvents() int {
	events, err := p.journal.UnsyncedEvents(100)
	if err != nil {
		log.Printf("event_publisher: read journal: %v", err)
		return 0
	}
	metrics.EventSyncLag.Set(time.Since(p.lastSync).Seconds())
	if len(events) == 0 {
		p.lastSync = time.Now()
		return 0
	}

	subject := fmt.Sprintf("%s.%s.%s", eventSubjectPrefix, p.region, p.workerID)
	synced := make([]int64, 0, len(events))
	for _, e := range events {
		data, _ := json.Marshal(NATSEvent{
			Type:      e.Type,
			WorkerID:  p.workerID,
			Region:    p.region,
			Payload:   json.RawMessage(e.Payload),
			Timestamp: e.CreatedAt,
		})
		if _, err := p.js.Publish(subject, data); err != nil {
			// Keep order: later events wait for the next round.
			log.Printf("event_publisher: publish event %d: %v", e.ID, err)
			break
		}
		synced = append(synced, e.ID)
	}

	if err := p.journal.MarkSynced(synced); err != nil {
		log.Printf("event_publisher: mark synced: %v", err)
		return 0
	}
	if len(synced) > 0 {
		p.lastSync = time.Now()
		log.Printf("event_publisher: synced %d events to NATS", len(synced))
	}
	return len(synced)
}
