package registry

import (
	"testing"
	"time"
)

func strptr(s string) *string { return &s }

func TestPreviewChangeMovesToFront(t *testing.T) {
	r := New()
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t5 := t1.Add(4 * time.Hour)
	t6 := t1.Add(5 * time.Hour)

	r.Replace([]Conversation{
		{ID: "Y", LastMessagePreview: "see you then", LastMessageAt: t5, UnreadCount: 2},
		{ID: "X", LastMessagePreview: "ok", LastMessageAt: t1},
	})

	r.Upsert("X", Patch{Preview: strptr("new offer for you"), At: t6, UnreadDelta: 1})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(list))
	}
	if list[0].ID != "X" || list[1].ID != "Y" {
		t.Errorf("expected order [X Y], got [%s %s]", list[0].ID, list[1].ID)
	}
	if !list[0].LastMessageAt.Equal(t6) {
		t.Errorf("expected X activity at t6, got %v", list[0].LastMessageAt)
	}
	if list[0].UnreadCount != 1 {
		t.Errorf("expected X unread 1, got %d", list[0].UnreadCount)
	}
}

func TestUnreadOnlyChangeKeepsPosition(t *testing.T) {
	r := New()
	now := time.Now()
	r.Replace([]Conversation{
		{ID: "A", LastMessageAt: now},
		{ID: "B", LastMessageAt: now.Add(-time.Hour)},
	})

	r.Upsert("B", Patch{UnreadDelta: 3})

	list := r.List()
	if list[0].ID != "A" || list[1].ID != "B" {
		t.Errorf("unread-only change must not reorder: got [%s %s]", list[0].ID, list[1].ID)
	}
	if list[1].UnreadCount != 3 {
		t.Errorf("expected B unread 3, got %d", list[1].UnreadCount)
	}
}

func TestMarkReadZeroesWithoutReordering(t *testing.T) {
	r := New()
	now := time.Now()
	r.Replace([]Conversation{
		{ID: "A", LastMessageAt: now, UnreadCount: 4},
		{ID: "B", LastMessageAt: now.Add(-time.Hour), UnreadCount: 7},
	})

	r.MarkRead("B")

	list := r.List()
	if list[1].ID != "B" {
		t.Errorf("MarkRead must not reorder, got %s at tail", list[1].ID)
	}
	if list[1].UnreadCount != 0 {
		t.Errorf("expected B unread 0, got %d", list[1].UnreadCount)
	}
	// Repeated MarkRead stays at zero.
	r.MarkRead("B")
	if c, _ := r.Get("B"); c.UnreadCount != 0 {
		t.Errorf("expected B unread 0 after repeat, got %d", c.UnreadCount)
	}
}

func TestUpsertResetsBeforeApplyingDelta(t *testing.T) {
	r := New()
	r.Replace([]Conversation{{ID: "C", LastMessageAt: time.Now(), UnreadCount: 2}})

	// A combined patch means the delta postdates the read: the reset must
	// not swallow it.
	r.Upsert("C", Patch{MarkRead: true, UnreadDelta: 1})

	if c, _ := r.Get("C"); c.UnreadCount != 1 {
		t.Errorf("expected C unread 1, got %d", c.UnreadCount)
	}
}

func TestUpsertUnknownIDCreatesStub(t *testing.T) {
	r := New()
	r.Upsert("fresh", Patch{Preview: strptr("hi there"), At: time.Now(), UnreadDelta: 1})

	c, ok := r.Get("fresh")
	if !ok {
		t.Fatal("expected stub conversation to exist")
	}
	if c.LastMessagePreview != "hi there" || c.UnreadCount != 1 {
		t.Errorf("stub fields wrong: %+v", c)
	}
	if len(r.List()) != 1 {
		t.Errorf("expected 1 conversation, got %d", len(r.List()))
	}
}

func TestCounterpartSnapshotPatch(t *testing.T) {
	r := New()
	r.Upsert("c1", Patch{
		CounterpartEmail: strptr("seller@example.com"),
		CounterpartName:  strptr("Seller"),
	})

	c, _ := r.Get("c1")
	if c.CounterpartEmail != "seller@example.com" || c.CounterpartName != "Seller" {
		t.Errorf("counterpart snapshot wrong: %+v", c)
	}
	if c.LastMessageAt != (time.Time{}) {
		t.Errorf("snapshot-only patch must not set activity time")
	}
}

func TestListReturnsCopies(t *testing.T) {
	r := New()
	r.Replace([]Conversation{{ID: "A", UnreadCount: 1}})

	list := r.List()
	list[0].UnreadCount = 99

	if c, _ := r.Get("A"); c.UnreadCount != 1 {
		t.Errorf("List must return copies; store was mutated to %d", c.UnreadCount)
	}
}
