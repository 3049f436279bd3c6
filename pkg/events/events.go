package events

import (
	"sync"
	"time"
)

// EventType is the control plane's event catalog.
type EventType string

const (
	EventContainerCreated      EventType = "container.created"
	EventContainerAssigned     EventType = "container.assigned"
	EventContainerReturned     EventType = "container.returned"
	EventContainerRemoved      EventType = "container.removed"
	EventStateTransitioned     EventType = "state.transitioned"
	EventInvalidTransition     EventType = "state.invalid_transition"
	EventScalingCompleted      EventType = "scaling.completed"
	EventScalingFailed         EventType = "scaling.failed"
	EventAlertGenerated        EventType = "alert.generated"
	EventAnomalyDetected       EventType = "anomaly.detected"
	EventOptimizationSuggested EventType = "optimization.suggestions"
	EventHealthCheckCompleted  EventType = "health.check_completed"
	EventMonitoringCompleted   EventType = "monitoring.completed"
)

// Event is one occurrence on the control plane's event bus.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Sink is the narrow interface every component publishes events through,
// so tests can substitute pkg/events/fake.go's recorder for the Broker.
type Sink interface {
	Publish(event *Event)
}

// Broker is the in-process pub/sub bus wiring the pool, state manager,
// optimizer, scaler, monitor, and coordinator together. Components never
// call each other directly to announce a state change; they publish an
// Event and let interested subscribers react.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers, non-blocking: when the
// broker's queue is full the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
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
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
