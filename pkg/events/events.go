package events

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/log"
)

// EventType represents the kind of configuration change
type EventType string

const (
	EventConfigUpdated   EventType = "config.updated"
	EventRulesChanged    EventType = "rules.changed"
	EventDevHostsChanged EventType = "dev_hosts.changed"
	EventTeamsChanged    EventType = "teams.changed"
)

// Event represents a configuration change notification
type Event struct {
	Type      EventType
	Key       string // dynamic config key, empty for entity changes
	Timestamp time.Time
}

// Notification encodes an event as the payload published on the
// substrate update channel.
func (e *Event) Notification() string {
	if e.Type == EventConfigUpdated {
		return "config:" + e.Key
	}
	return entityPayload(e.Type)
}

func entityPayload(t EventType) string {
	switch t {
	case EventRulesChanged:
		return "rules"
	case EventDevHostsChanged:
		return "dev_hosts"
	case EventTeamsChanged:
		return "teams"
	}
	return ""
}

// Parse decodes a substrate notification payload. Unknown payloads
// return false so consumers can ignore them.
func Parse(payload string) (*Event, bool) {
	if key, ok := strings.CutPrefix(payload, "config:"); ok && key != "" {
		return &Event{Type: EventConfigUpdated, Key: key, Timestamp: time.Now()}, true
	}
	switch payload {
	case "rules":
		return &Event{Type: EventRulesChanged, Timestamp: time.Now()}, true
	case "dev_hosts":
		return &Event{Type: EventDevHostsChanged, Timestamp: time.Now()}, true
	case "teams":
		return &Event{Type: EventTeamsChanged, Timestamp: time.Now()}, true
	}
	return nil, false
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker distributes change notifications to in-process subscribers.
// Each consumer process runs one broker fed by its substrate
// subscription; components subscribe instead of polling.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	logger      zerolog.Logger
}

// NewBroker creates an event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("events"),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish distributes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// PublishConfigUpdated publishes a dynamic config key change
func (b *Broker) PublishConfigUpdated(key string) {
	b.Publish(&Event{Type: EventConfigUpdated, Key: key})
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, drop rather than stall the loop
			b.logger.Debug().Str("type", string(event.Type)).Msg("dropped event for slow subscriber")
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
