package notify

import (
	"context"
	"sync"
)

// Hub fans wake-ups out to in-process listeners.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]map[*Listener]struct{} // owner -> listeners
}

// Listener receives wake-ups for one owner. Wake-ups that arrive while
// one is already pending are coalesced.
type Listener struct {
	// C receives a value whenever the owner's mailboxes changed.
	C <-chan struct{}

	SessionID string
	owner     string
	ch        chan struct{}
	hub       *Hub
	once      sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[string]map[*Listener]struct{})}
}

// Listen registers a listener for owner. Close it when the session ends.
func (h *Hub) Listen(owner, sessionID string) *Listener {
	ch := make(chan struct{}, 1)
	l := &Listener{C: ch, SessionID: sessionID, owner: owner, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.listeners[owner]
	if !ok {
		set = make(map[*Listener]struct{})
		h.listeners[owner] = set
	}
	set[l] = struct{}{}
	return l
}

// Broadcast wakes up every listener of owner without blocking.
func (h *Hub) Broadcast(_ context.Context, owner string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for l := range h.listeners[owner] {
		select {
		case l.ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Len returns the number of listeners of owner.
func (h *Hub) Len(owner string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[owner])
}

// Close unregisters the listener. It is safe to call more than once.
func (l *Listener) Close() {
	l.once.Do(func() {
		h := l.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.listeners[l.owner]; ok {
			delete(set, l)
			if len(set) == 0 {
				delete(h.listeners, l.owner)
			}
		}
	})
}
