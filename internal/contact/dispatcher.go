package contact

import (
	"log/slog"
	"sync"
)

// Handler receives contact-form events.
type Handler func(ev ContactFormEvent)

// Dispatcher fans contact-form events out to subscribers keyed by session.
// A subscriber registered under "" receives every event.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	nextID   int
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]map[int]Handler)}
}

// Subscribe registers h for events of sessionID and returns an unsubscribe func.
func (d *Dispatcher) Subscribe(sessionID string, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	if d.handlers[sessionID] == nil {
		d.handlers[sessionID] = make(map[int]Handler)
	}
	d.handlers[sessionID][id] = h
	slog.Debug("Dispatcher.Subscribe", "sessionID", sessionID, "id", id)
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[sessionID], id)
		if len(d.handlers[sessionID]) == 0 {
			delete(d.handlers, sessionID)
		}
	}
}

// Dispatch delivers ev synchronously to matching subscribers.
func (d *Dispatcher) Dispatch(ev ContactFormEvent) {
	d.mu.RLock()
	var targets []Handler
	for _, h := range d.handlers[ev.SessionID] {
		targets = append(targets, h)
	}
	if ev.SessionID != "" {
		for _, h := range d.handlers[""] {
			targets = append(targets, h)
		}
	}
	d.mu.RUnlock()

	slog.Debug("Dispatcher.Dispatch", "event", ev.Name, "sessionID", ev.SessionID, "subscribers", len(targets))
	for _, h := range targets {
		h(ev)
	}
}
