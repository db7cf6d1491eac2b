// Package notify implements the change-notification bus: an in-process
// broker fanning committed spot-state changes out to subscribers, plus
// bridges carrying those events to NATS, websocket and gRPC transports.
package notify

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/smartpark/internal/spot/domain"
)

var eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "notify_events_dropped_total",
	Help: "Change events dropped because a subscriber channel was full.",
})

// subscriberBuffer bounds each subscriber channel. A subscriber that falls
// this far behind starts losing events; delivery is at-most-once by
// contract.
const subscriberBuffer = 64

// Broker is the in-process pub/sub hub. Publish is called strictly after
// the owning store mutation commits, and fans out under one lock, so
// subscribers observe per-spot events in commit order.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan domain.SpotEvent
	closed bool
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan domain.SpotEvent)}
}

// Publish delivers the event to every current subscriber without blocking.
// A full subscriber channel drops the event for that subscriber only.
func (b *Broker) Publish(_ context.Context, event domain.SpotEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			eventsDropped.Inc()
		}
	}
	return nil
}

// Subscribe registers a new subscriber and returns its event channel plus a
// cancel function. Cancel is idempotent and closes the channel.
func (b *Broker) Subscribe() (<-chan domain.SpotEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.SpotEvent, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Close drops all subscribers. Subsequent publishes are discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
