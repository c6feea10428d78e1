// Package coldstart detects and coordinates "the backend is still warming up"
// signaling. A latency watchdog publishes start/end events per slow request;
// the coordinator folds overlapping events into one coherent loading signal.
package coldstart

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType marks an Event as the start or the end of a slow request.
type EventType string

const (
	EventStart EventType = "start"
	EventEnd   EventType = "end"
)

// Event is a cold-start marker for one in-flight request. Every start for a
// given RequestID is followed by exactly one end; an end may arrive without a
// preceding start when the response beat the latency threshold.
type Event struct {
	RequestID string
	Type      EventType
	StartTime time.Time
}

// Handler receives published events.
type Handler func(Event)

// Subscription detaches a handler from the bus.
type Subscription struct {
	once sync.Once
	bus  *Bus
	id   int
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}

// Bus is a typed publish/subscribe channel for cold-start events. Publishing
// delivers synchronously to every subscriber; a panicking subscriber is
// isolated and does not prevent delivery to the rest.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]Handler
	next int
	log  zerolog.Logger
}

// NewBus returns an empty Bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[int]Handler),
		log:  log.With().Str("component", "coldstart_bus").Logger(),
	}
}

// Subscribe registers fn and returns its subscription.
func (b *Bus) Subscribe(fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return &Subscription{bus: b, id: id}
}

// Publish delivers e to all current subscribers.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()
	for _, fn := range handlers {
		b.deliver(fn, e)
	}
}

func (b *Bus) deliver(fn Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("request_id", e.RequestID).Msg("subscriber panicked")
		}
	}()
	fn(e)
}
