package receipt

import (
	"sync"
)

// EventKind is the type of change delivered on the feed
type EventKind string

const (
	EventInserted EventKind = "insert"
	EventUpdated  EventKind = "update"
	EventDeleted  EventKind = "delete"
)

// Event is a change to one receipt. Receipt is nil for deletes.
type Event struct {
	Kind      EventKind `json:"kind"`
	ReceiptID string    `json:"receipt_id"`
	Receipt   *Receipt  `json:"receipt,omitempty"`
}

// Feed is an in-process change feed scoped per user. Publishing never
// blocks: a subscriber whose buffer is full misses the event and must
// reconcile by reloading.
type Feed struct {
	mu     sync.Mutex
	buffer int
	subs   map[string]map[*subscription]struct{}
}

type subscription struct {
	ch chan Event
}

// NewFeed creates a feed whose subscriber channels hold buffer events
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 16
	}
	return &Feed{
		buffer: buffer,
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

// Subscribe registers for userID's events. The returned cancel func must be
// called to release the subscription; it closes the channel.
func (f *Feed) Subscribe(userID string) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, f.buffer)}

	f.mu.Lock()
	if f.subs[userID] == nil {
		f.subs[userID] = make(map[*subscription]struct{})
	}
	f.subs[userID][sub] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[userID], sub)
			if len(f.subs[userID]) == 0 {
				delete(f.subs, userID)
			}
			f.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers evt to every subscriber of userID and returns how many
// received it
func (f *Feed) Publish(userID string, evt Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	delivered := 0
	for sub := range f.subs[userID] {
		select {
		case sub.ch <- evt:
			delivered++
		default:
		}
	}
	return delivered
}
