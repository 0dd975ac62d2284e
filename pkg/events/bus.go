// Package events broadcasts model-switch activity to HTTP stream clients.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types.
const (
	TypeSwitch = "switch" // model changed at one or more tiers
	TypeReset  = "reset"  // user/room override removed
	TypeReload = "reload" // catalog rebuilt
	TypeUsage  = "usage"  // completion served
	TypeError  = "error"
)

// Event is a single event broadcast to subscribers.
type Event struct {
	Type     string `json:"type"`
	ModelID  string `json:"model,omitempty"`
	Previous string `json:"previous,omitempty"`
	UserID   string `json:"user,omitempty"`
	RoomID   string `json:"room,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Source   string `json:"source,omitempty"` // catalog source on reload
	Message  string `json:"message,omitempty"`
	TS       string `json:"ts"`
}

// Marshal serializes an event to JSON, stamping it if needed.
func (e Event) Marshal() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Bus fans out events to all subscribers. Subscribers that fall behind
// miss events rather than block the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	recentMu  sync.RWMutex
	recent    []Event
	maxRecent int
}

// NewBus creates a bus keeping the last maxRecent events for new subscribers.
func NewBus(maxRecent int) *Bus {
	if maxRecent <= 0 {
		maxRecent = 100
	}
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   maxRecent,
	}
}

// Publish sends e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	b.recentMu.Lock()
	b.recent = append(b.recent, e)
	if len(b.recent) > b.maxRecent {
		b.recent = b.recent[len(b.recent)-b.maxRecent:]
	}
	b.recentMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub.ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribe registers a subscriber. The caller must Unsubscribe with the
// returned done channel.
func (b *Bus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(done chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(b.subscribers, sub)
			return
		}
	}
}

// Recent returns up to the last n events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.recentMu.RLock()
	defer b.recentMu.RUnlock()
	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
