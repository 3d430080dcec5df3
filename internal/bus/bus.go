// Package bus is an in-process pub/sub hub with topic prefix matching. Feed
// sources publish decoded task events on it, and the store pump, gateway
// broadcaster and terminal UI each consume their own subscription.
package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// ErrNotDelivered is returned by PublishContext when a blocking subscriber
// went away before taking the event.
var ErrNotDelivered = errors.New("bus: event not delivered")

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription represents an active subscription.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	dropped atomic.Uint64

	blocking bool
	done     chan struct{}
	doneOnce sync.Once
	senders  sync.WaitGroup
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Prefix returns the topic prefix the subscription matches.
func (s *Subscription) Prefix() string {
	return s.prefix
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. The channel buffers 100 events; slow
// consumers miss events rather than block publishers.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, defaultBufferSize)
}

// SubscribeBuffered is Subscribe with an explicit buffer size. Sizes below 1
// use the default.
func (b *Bus) SubscribeBuffered(topicPrefix string, size int) *Subscription {
	if size < 1 {
		size = defaultBufferSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.subscribe(topicPrefix, size, false)
}

// SubscribeBlocking is SubscribeBuffered for consumers that must not miss
// events. PublishContext waits for buffer room on such a subscription instead
// of dropping; plain Publish still drops.
func (b *Bus) SubscribeBlocking(topicPrefix string, size int) *Subscription {
	if size < 1 {
		size = defaultBufferSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribe(topicPrefix, size, true)
}

func (b *Bus) subscribe(topicPrefix string, size int, blocking bool) *Subscription {
	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefix:   topicPrefix,
		ch:       make(chan Event, size),
		blocking: blocking,
		done:     make(chan struct{}),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. It is safe to
// call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	// Release publishers waiting in PublishContext before taking the lock.
	sub.doneOnce.Do(func() { close(sub.done) })

	b.mu.Lock()
	_, ok := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.senders.Wait()
	close(sub.ch)
}

// Publish sends an event to all matching subscribers and returns how many
// received it. Delivery is non-blocking: a full subscriber misses the event.
func (b *Bus) Publish(topic string, payload any) int {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			sub.dropped.Add(1)
		}
	}
	return delivered
}

// PublishContext is Publish, except that blocking subscriptions wait for
// buffer room until ctx is done. The wait happens outside the bus lock so
// subscribers may publish and subscribe while a publisher is parked. It
// returns ctx.Err() or ErrNotDelivered when a blocking subscriber did not get
// the event; non-blocking subscribers drop as usual.
func (b *Bus) PublishContext(ctx context.Context, topic string, payload any) (int, error) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	var waiting []*Subscription
	delivered := 0
	b.mu.RLock()
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
			delivered++
			continue
		default:
		}
		if sub.blocking {
			sub.senders.Add(1)
			waiting = append(waiting, sub)
			continue
		}
		sub.dropped.Add(1)
	}
	b.mu.RUnlock()

	var err error
	for _, sub := range waiting {
		select {
		case sub.ch <- event:
			delivered++
		case <-sub.done:
			sub.dropped.Add(1)
			if err == nil {
				err = ErrNotDelivered
			}
		case <-ctx.Done():
			sub.dropped.Add(1)
			if err == nil {
				err = ctx.Err()
			}
		}
		sub.senders.Done()
	}
	return delivered, err
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
