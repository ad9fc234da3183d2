package server

import (
	"context"
	"sync"
	"time"
)

const (
	// PokeEventName is the SSE event type emitted for each poke.
	PokeEventName = "poke"
)

// PokeEvent is a zero-payload wake-up signal. Consumers respond by issuing
// a pull; the event itself carries no state.
type PokeEvent struct {
	Channel   string
	Timestamp time.Time
}

// PokeDispatcher fans pokes out to every listener on a named channel.
// Delivery is best-effort: sends never block, a full subscriber buffer drops
// the poke, and nothing is reported back to the publisher. A dropped poke
// only delays convergence because any later poke or background pull catches
// the client up.
type PokeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*pokeSubscriber
	nextID      int64
	bufferSize  int
}

type pokeSubscriber struct {
	id     int64
	stream chan PokeEvent
}

// NewPokeDispatcher returns an empty dispatcher.
func NewPokeDispatcher() *PokeDispatcher {
	return &PokeDispatcher{
		subscribers: make(map[string]map[int64]*pokeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener on a channel. The returned stream never
// closes; callers stop reading and invoke cleanup (or cancel the context)
// to unregister. An empty channel name yields a nil stream that never
// becomes ready.
func (d *PokeDispatcher) Subscribe(ctx context.Context, channel string) (<-chan PokeEvent, func()) {
	if channel == "" {
		return nil, func() {}
	}
	subscriber := &pokeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan PokeEvent, d.bufferSize),
	}
	d.registerSubscriber(channel, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(channel, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish wakes every listener on the channel. It never blocks and never
// fails; there is nothing to deliver beyond the edge itself.
func (d *PokeDispatcher) Publish(channel string) {
	if channel == "" {
		return
	}
	event := PokeEvent{Channel: channel, Timestamp: time.Now().UTC()}
	d.mu.RLock()
	subscribers := d.subscribers[channel]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*pokeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// ListenerCount reports how many listeners are registered on a channel.
func (d *PokeDispatcher) ListenerCount(channel string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[channel])
}

func (d *PokeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *PokeDispatcher) registerSubscriber(channel string, subscriber *pokeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[channel]; !ok {
		d.subscribers[channel] = make(map[int64]*pokeSubscriber)
	}
	d.subscribers[channel][subscriber.id] = subscriber
}

func (d *PokeDispatcher) unregisterSubscriber(channel string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[channel]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, channel)
		}
	}
	d.mu.Unlock()
}
