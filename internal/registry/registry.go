// Package registry maintains the set of conversation summaries and their
// recency ordering. It is a passive, in-memory store: it never touches the
// network and is driven by the active conversation session (for the open
// conversation) and by the update coalescer (for all others).
package registry

import (
	"sync"
	"time"
)

// Conversation is one entry in the conversation list: the counterpart's
// denormalized snapshot plus the latest-activity summary.
type Conversation struct {
	ID                 string
	CounterpartEmail   string
	CounterpartName    string
	CounterpartAvatar  string
	LastMessagePreview string
	LastMessageAt      time.Time
	UnreadCount        int
}

// Patch describes a partial update to one conversation. Nil fields are left
// untouched. Setting Preview moves the conversation to the front of the
// recency order with At as its new activity timestamp; unread-only changes
// never affect position.
type Patch struct {
	Preview           *string
	At                time.Time
	UnreadDelta       int
	MarkRead          bool
	CounterpartEmail  *string
	CounterpartName   *string
	CounterpartAvatar *string
}

// Registry is a goroutine-safe conversation summary store ordered by last
// activity, most recent first. Conversations are never deleted client-side;
// the server owns their lifecycle.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Conversation
	order []string // conversation ids, most recent first
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*Conversation)}
}

// Replace swaps the full contents for a freshly fetched conversation list.
// The input is expected in recency order, most recent first.
func (r *Registry) Replace(convs []Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID = make(map[string]*Conversation, len(convs))
	r.order = r.order[:0]
	for i := range convs {
		c := convs[i]
		r.byID[c.ID] = &c
		r.order = append(r.order, c.ID)
	}
}

// Upsert applies a patch to the conversation with the given id, creating a
// stub entry if the id has never been seen. A preview change moves the
// conversation to the front of the recency order; any other change leaves
// its position untouched.
func (r *Registry) Upsert(id string, patch Patch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		c = &Conversation{ID: id}
		r.byID[id] = c
		r.order = append(r.order, id)
	}

	if patch.CounterpartEmail != nil {
		c.CounterpartEmail = *patch.CounterpartEmail
	}
	if patch.CounterpartName != nil {
		c.CounterpartName = *patch.CounterpartName
	}
	if patch.CounterpartAvatar != nil {
		c.CounterpartAvatar = *patch.CounterpartAvatar
	}

	// A patch carrying both a read reset and increments means the
	// increments postdate the receipt: reset first so they survive.
	if patch.MarkRead {
		c.UnreadCount = 0
	}
	if patch.UnreadDelta > 0 {
		c.UnreadCount += patch.UnreadDelta
	}

	if patch.Preview != nil {
		c.LastMessagePreview = *patch.Preview
		if !patch.At.IsZero() {
			c.LastMessageAt = patch.At
		}
		r.moveToFrontLocked(id)
	}
}

// MarkRead sets the conversation's unread count to zero unconditionally. It
// produces no reordering. Unknown ids are ignored.
func (r *Registry) MarkRead(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byID[id]; ok {
		c.UnreadCount = 0
	}
}

// Get returns a copy of the conversation with the given id. The second
// return value reports whether it exists.
func (r *Registry) Get(id string) (Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byID[id]; ok {
		return *c, true
	}
	return Conversation{}, false
}

// List returns a snapshot of all conversations ordered by last activity,
// most recent first.
func (r *Registry) List() []Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conversation, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

// Len returns the number of known conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// moveToFrontLocked moves id to the head of the recency order. Caller must
// hold the write lock.
func (r *Registry) moveToFrontLocked(id string) {
	for i, existing := range r.order {
		if existing == id {
			copy(r.order[1:i+1], r.order[:i])
			r.order[0] = id
			return
		}
	}
}
