// Package events provides the observer registry through which storage providers
// publish session lifecycle notifications.
package events

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/aretw0/termstore/internal/logging"
	"github.com/aretw0/termstore/pkg/domain"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not call back into the publishing store.
type Handler func(domain.Event)

const wildcard = "*"

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous pub-sub registry keyed by event name.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID atomic.Uint64
	logger *slog.Logger
}

// NewBus creates an empty bus. A nil logger discards handler panics' reports.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers h for a single event name and returns its cancel func.
func (b *Bus) Subscribe(name domain.EventName, h Handler) func() {
	return b.add(string(name), h)
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.add(wildcard, h)
}

func (b *Bus) add(key string, h Handler) func() {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(key, id) })
	}
}

func (b *Bus) remove(key string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, s := range subs {
		if s.id == id {
			b.subs[key] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to the handlers registered for its name, then to the
// wildcard handlers, each group in registration order. A panicking handler is
// recovered and logged so the remaining handlers still run.
func (b *Bus) Publish(e domain.Event) {
	b.mu.RLock()
	specific := append([]subscription(nil), b.subs[e.EventType()]...)
	all := append([]subscription(nil), b.subs[wildcard]...)
	b.mu.RUnlock()

	for _, s := range specific {
		b.safeCall(s.handler, e)
	}
	for _, s := range all {
		b.safeCall(s.handler, e)
	}
}

func (b *Bus) safeCall(h Handler, e domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", e.Name,
				"session_id", e.SessionID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	h(e)
}

// Len returns the number of registered handlers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
