// Package chat keeps chat delivery idempotent on the receiving side.
//
// Messages of one stream may arrive through the control channel broadcast and
// through the stream's data channel, in either order. An Inbox applies each
// logical message once and drops every later copy, including echoes of the
// messages its owner sent.
package chat

import (
	"container/list"
	"sync"
)

const DefaultCapacity = 1024

// Deduper remembers the most recent identities, evicting the oldest first.
type Deduper struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]*list.Element
	order    *list.List
}

func NewDeduper(capacity int) *Deduper {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Deduper{
		capacity: capacity,
		seen:     make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Mark records id and reports whether it was new.
func (d *Deduper) Mark(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = d.order.PushBack(id)
	for d.order.Len() > d.capacity {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
	return true
}

func (d *Deduper) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
