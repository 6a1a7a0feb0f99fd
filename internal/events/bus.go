package events

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler receives published events. A panicking handler is recovered and
// logged without affecting other handlers or the publisher.
type Handler func(event *Event)

// Publisher is the write side of the bus
type Publisher interface {
	Publish(module string, data EventData) *Event
}

// Bus fans out events to every registered handler, synchronously and in
// registration order.
type Bus struct {
	handlers map[uint64]Handler
	nextID   uint64
	mu       sync.RWMutex
	log      zerolog.Logger
	now      func() time.Time
}

// NewBus creates an empty event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[uint64]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
		now:      time.Now,
	}
}

// Subscribe registers a handler and returns a function that removes exactly
// that handler. The returned function is safe to call more than once.
func (b *Bus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Count returns the number of registered handlers
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Publish wraps data in an event and delivers it to every handler
func (b *Bus) Publish(module string, data EventData) *Event {
	event := &Event{
		ID:        uuid.NewString(),
		Type:      data.EventType(),
		Timestamp: b.now(),
		Module:    module,
		Data:      data,
	}

	for _, h := range b.snapshot() {
		b.deliver(h, event)
	}

	return event
}

// snapshot copies the handler set so delivery runs without holding the lock
func (b *Bus) snapshot() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]uint64, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	result := make([]Handler, 0, len(ids))
	for _, id := range ids {
		result = append(result, b.handlers[id])
	}
	return result
}

func (b *Bus) deliver(h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Str("module", event.Module).
				Msg("Event handler failed")
		}
	}()
	h(event)
}
