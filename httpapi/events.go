package httpapi

import "sync"

// Events fans inbound modem lines out to websocket clients.
type Events struct {
	sync.RWMutex
	pool map[chan string]struct{}
}

// NewEvents creates a broadcaster without subscribers.
func NewEvents() *Events {
	return &Events{pool: make(map[chan string]struct{})}
}

// Broadcast never blocks; a subscriber with a full buffer misses msg.
func (e *Events) Broadcast(msg string) {
	e.RLock()
	defer e.RUnlock()
	for ch := range e.pool {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe returns a channel of messages and the function that closes it.
func (e *Events) Subscribe(buffer int) (<-chan string, func()) {
	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan string, buffer)
	e.Lock()
	e.pool[ch] = struct{}{}
	e.Unlock()
	return ch, func() {
		e.Lock()
		defer e.Unlock()
		if _, ok := e.pool[ch]; ok {
			delete(e.pool, ch)
			close(ch)
		}
	}
}

// Len returns the number of subscribers.
func (e *Events) Len() int {
	e.RLock()
	defer e.RUnlock()
	return len(e.pool)
}
