package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names what happened to a pod group or container.
type EventType string

const (
	EventRecipeFinalized    EventType = "recipe.finalized"
	EventContainersStarted  EventType = "containers.started"
	EventContainersStopping EventType = "containers.stopping"
	EventCrashDetected      EventType = "container.crashed"
)

const (
	queueSize      = 100
	subscriberSize = 50
)

// Event is one notification about a pod group or container
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber receives events from a Broker.
type Subscriber chan *Event

// Broker fans events out to subscribers. A subscriber that does not keep
// up loses events rather than blocking the publisher.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]map[EventType]bool
	dropped     atomic.Int64

	queue    chan *Event
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewBroker creates a broker. Call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]map[EventType]bool),
		queue:       make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start runs the distribution loop in the background.
func (b *Broker) Start() {
	go b.run()
}

// Stop ends the distribution loop. Publish returns immediately afterwards.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a subscriber for the given types, or for every type
// when none are given.
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, subscriberSize)
	b.subscribers[sub] = filter
	return sub
}

// Unsubscribe removes sub and closes it. Unknown subscribers are ignored.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish stamps event with an ID and time, when missing, and queues it.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.queue <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.queue:
			b.deliver(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) deliver(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.subscribers {
		if filter != nil && !filter[event.Type] {
			continue
		}
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}
