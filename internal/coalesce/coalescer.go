// Package coalesce batches registry mutations for conversations that are not
// currently open. Inbound notifications arrive at unpredictable rates;
// applying each immediately would reorder and redraw the conversation list on
// every event. The coalescer holds one process-wide debounce timer and a
// pending-patch map, then applies everything in a single pass when the timer
// fires, so each burst causes at most one reorder per conversation.
package coalesce

import (
	"sync"
	"time"

	"github.com/toymarket/chatsync/internal/metrics"
	"github.com/toymarket/chatsync/internal/registry"
)

// DefaultWindow is the debounce window applied between the last scheduled
// update and the flush.
const DefaultWindow = 1 * time.Second

// pending accumulates merged updates for one conversation across a window:
// the latest preview wins, unread increments accumulate.
type pending struct {
	preview     *string
	at          time.Time
	unreadDelta int
	markRead    bool
}

// Coalescer debounces registry updates. The open conversation is owned by
// the active session, which renders its state live; scheduling for it is
// suppressed entirely so the session stays the sole writer of that
// conversation's summary within a tick.
type Coalescer struct {
	reg    *registry.Registry
	window time.Duration
	active func() string // authoritative open-conversation query

	mu      sync.Mutex
	patches map[string]*pending
	timer   *time.Timer
}

// New creates a Coalescer applying to reg after window. The active func is a
// query against the component that owns open-conversation state; it returns
// the open conversation id, or "" when none is open. A zero window falls
// back to DefaultWindow.
func New(reg *registry.Registry, window time.Duration, active func() string) *Coalescer {
	if window <= 0 {
		window = DefaultWindow
	}
	if active == nil {
		active = func() string { return "" }
	}
	return &Coalescer{
		reg:     reg,
		window:  window,
		active:  active,
		patches: make(map[string]*pending),
	}
}

// Schedule records an inbound message for a conversation: the preview (nil
// to leave it untouched) and one unread increment. Calls for the currently
// open conversation are suppressed entirely. Every call restarts the single
// process-wide debounce timer.
func (c *Coalescer) Schedule(conversationID string, preview *string, at time.Time) {
	if conversationID == c.active() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.patchLocked(conversationID)
	if preview != nil {
		p.preview = preview
		p.at = at
	}
	p.unreadDelta++
	c.restartLocked()
}

// ScheduleRead records a read receipt for a conversation: its unread count
// resets to zero at the next flush, without any reordering. Receipts for the
// open conversation are suppressed like any other update.
func (c *Coalescer) ScheduleRead(conversationID string) {
	if conversationID == c.active() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.patchLocked(conversationID)
	p.markRead = true
	p.unreadDelta = 0
	c.restartLocked()
}

// Flush applies all pending patches to the registry in one pass, each
// conversation causing at most one reorder. Patches whose conversation has
// become the open one since they were scheduled are dropped: opening a
// conversation replaces its log from history and marks it read, so the patch
// carries nothing the session does not already own. Flush is invoked by the
// debounce timer and may be called directly at shutdown.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	patches := c.patches
	c.patches = make(map[string]*pending)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	if len(patches) == 0 {
		return
	}

	open := c.active()
	applied := 0
	for id, p := range patches {
		if id == open {
			continue
		}
		c.reg.Upsert(id, registry.Patch{
			Preview:     p.preview,
			At:          p.at,
			UnreadDelta: p.unreadDelta,
			MarkRead:    p.markRead,
		})
		applied++
	}

	metrics.CoalescerFlushes.Inc()
	metrics.CoalescedPatches.Add(float64(applied))
}

// Stop cancels any pending timer without applying its patches.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.patches = make(map[string]*pending)
}

// patchLocked returns the pending patch for id, creating it if needed.
// Caller must hold c.mu.
func (c *Coalescer) patchLocked(id string) *pending {
	p, ok := c.patches[id]
	if !ok {
		p = &pending{}
		c.patches[id] = p
	}
	return p
}

// restartLocked cancels and restarts the single debounce timer. Caller must
// hold c.mu.
func (c *Coalescer) restartLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.window, c.Flush)
}
