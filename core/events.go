package core

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// verdictsChannel is the Redis pub/sub channel the event bus publishes to.
const verdictsChannel = "attempts:verdicts"

// eventBufferSize bounds how many unpublished events the bus will hold
// before Publish starts dropping newly published ones. Publish never blocks.
const eventBufferSize = 256

// EventBus is a best-effort, non-blocking publisher of terminal verdicts to
// Redis pub/sub. It exists for a future scoreboard or notification service
// to subscribe to; nothing in this worker reads back from it, and a
// publish failure never affects judging correctness.
//
// A nil *EventBus is valid and Publish on it is a no-op, so callers can
// hold an EventBus value unconditionally instead of nil-checking twice.
type EventBus struct {
	client *redis.Client
	events chan VerdictEvent
	done   chan struct{}
}

// NewEventBus connects to redisURL and starts the background publisher
// goroutine. An empty redisURL disables the bus entirely: NewEventBus
// returns (nil, nil) rather than attempting a connection.
func NewEventBus(redisURL string) (*EventBus, error) {
	if redisURL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	bus := &EventBus{
		client: redis.NewClient(opts),
		events: make(chan VerdictEvent, eventBufferSize),
		done:   make(chan struct{}),
	}
	go bus.run()
	return bus, nil
}

// Publish enqueues event for best-effort delivery. When the internal
// buffer is full the event is dropped and logged; Publish itself never
// blocks the judging pipeline.
func (b *EventBus) Publish(event VerdictEvent) {
	if b == nil {
		return
	}
	select {
	case b.events <- event:
	default:
		log.Printf("event bus: buffer full, dropping verdict event for attempt %d", event.AttemptID)
	}
}

// Close stops the publisher goroutine and closes the Redis client. Safe to
// call on a nil *EventBus.
func (b *EventBus) Close() error {
	if b == nil {
		return nil
	}
	close(b.done)
	return b.client.Close()
}

func (b *EventBus) run() {
	for {
		select {
		case <-b.done:
			return
		case event := <-b.events:
			b.publishOne(event)
		}
	}
}

func (b *EventBus) publishOne(event VerdictEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("event bus: marshalling verdict event: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := b.client.Publish(ctx, verdictsChannel, payload).Err(); err != nil {
		log.Printf("event bus: publishing attempt %d verdict: %v", event.AttemptID, err)
	}
}
