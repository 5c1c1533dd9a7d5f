package coalesce

import (
	"testing"
	"time"

	"github.com/toymarket/chatsync/internal/registry"
)

func strptr(s string) *string { return &s }

func TestBurstAppliesOnce(t *testing.T) {
	reg := registry.New()
	c := New(reg, 20*time.Millisecond, nil)

	base := time.Now()
	for i := 0; i < 5; i++ {
		c.Schedule("conv1", strptr("latest"), base.Add(time.Duration(i)*time.Millisecond))
	}

	// Nothing applied before the window elapses.
	if reg.Len() != 0 {
		t.Fatalf("expected no registry mutation before flush, got %d entries", reg.Len())
	}

	time.Sleep(60 * time.Millisecond)

	conv, ok := reg.Get("conv1")
	if !ok {
		t.Fatal("expected conv1 after flush")
	}
	if conv.LastMessagePreview != "latest" {
		t.Errorf("latest preview must win, got %q", conv.LastMessagePreview)
	}
	if conv.UnreadCount != 5 {
		t.Errorf("unread increments must accumulate, expected 5 got %d", conv.UnreadCount)
	}
}

func TestEachScheduleRestartsTheSingleTimer(t *testing.T) {
	reg := registry.New()
	c := New(reg, 40*time.Millisecond, nil)

	// Keep rescheduling faster than the window: no flush may happen.
	for i := 0; i < 4; i++ {
		c.Schedule("conv1", strptr("p"), time.Now())
		time.Sleep(15 * time.Millisecond)
	}
	if reg.Len() != 0 {
		t.Fatal("timer must restart on every schedule; flush happened early")
	}

	time.Sleep(80 * time.Millisecond)
	if reg.Len() != 1 {
		t.Fatalf("expected a single flushed conversation, got %d", reg.Len())
	}
}

func TestOpenConversationSuppressed(t *testing.T) {
	reg := registry.New()
	open := "conv-open"
	c := New(reg, 10*time.Millisecond, func() string { return open })

	c.Schedule("conv-open", strptr("live"), time.Now())
	c.ScheduleRead("conv-open")
	time.Sleep(40 * time.Millisecond)

	if reg.Len() != 0 {
		t.Fatal("schedules for the open conversation must never mutate the registry")
	}
}

func TestPatchPendingWhenConversationBecomesOpen(t *testing.T) {
	reg := registry.New()
	open := ""
	c := New(reg, 25*time.Millisecond, func() string { return open })

	c.Schedule("convA", strptr("while closed"), time.Now())
	open = "convA" // user opens convA before the window fires
	time.Sleep(60 * time.Millisecond)

	if _, ok := reg.Get("convA"); ok {
		t.Fatal("patch for a conversation opened before flush must be dropped")
	}
}

func TestPatchForPreviouslyOpenConversationApplies(t *testing.T) {
	reg := registry.New()
	open := "convB"
	c := New(reg, 25*time.Millisecond, func() string { return open })

	// convA is not open; its patch is pending while the user switches away
	// from convB. It must still apply once the window fires.
	c.Schedule("convA", strptr("pending patch"), time.Now())
	open = ""
	time.Sleep(60 * time.Millisecond)

	conv, ok := reg.Get("convA")
	if !ok {
		t.Fatal("patch for a non-open conversation must apply after the window")
	}
	if conv.LastMessagePreview != "pending patch" {
		t.Errorf("unexpected preview %q", conv.LastMessagePreview)
	}
}

func TestScheduleReadResetsAtFlush(t *testing.T) {
	reg := registry.New()
	reg.Replace([]registry.Conversation{{ID: "convC", UnreadCount: 3, LastMessageAt: time.Now()}})
	c := New(reg, 10*time.Millisecond, nil)

	c.ScheduleRead("convC")
	time.Sleep(40 * time.Millisecond)

	conv, _ := reg.Get("convC")
	if conv.UnreadCount != 0 {
		t.Errorf("expected unread 0 after read receipt flush, got %d", conv.UnreadCount)
	}
}

func TestMessageAfterReadReceiptSurvivesFlush(t *testing.T) {
	reg := registry.New()
	reg.Replace([]registry.Conversation{{ID: "convD", UnreadCount: 2, LastMessageAt: time.Now()}})
	c := New(reg, 15*time.Millisecond, nil)

	// A receipt and a newer message land in the same window: the reset
	// covers only what came before the receipt.
	c.ScheduleRead("convD")
	c.Schedule("convD", strptr("after the receipt"), time.Now())
	time.Sleep(50 * time.Millisecond)

	conv, _ := reg.Get("convD")
	if conv.UnreadCount != 1 {
		t.Errorf("message after a read receipt must leave unread 1, got %d", conv.UnreadCount)
	}
	if conv.LastMessagePreview != "after the receipt" {
		t.Errorf("unexpected preview %q", conv.LastMessagePreview)
	}
}

func TestFlushAppliesDistinctConversationsInOnePass(t *testing.T) {
	reg := registry.New()
	c := New(reg, 15*time.Millisecond, nil)

	now := time.Now()
	c.Schedule("c1", strptr("one"), now)
	c.Schedule("c2", strptr("two"), now.Add(time.Second))
	c.Schedule("c3", nil, now) // unread-only update
	time.Sleep(50 * time.Millisecond)

	if reg.Len() != 3 {
		t.Fatalf("expected 3 conversations after one flush, got %d", reg.Len())
	}
	if conv, _ := reg.Get("c3"); conv.UnreadCount != 1 || conv.LastMessagePreview != "" {
		t.Errorf("unread-only patch applied wrong: %+v", conv)
	}
}

func TestStopDropsPending(t *testing.T) {
	reg := registry.New()
	c := New(reg, 10*time.Millisecond, nil)

	c.Schedule("c1", strptr("doomed"), time.Now())
	c.Stop()
	time.Sleep(40 * time.Millisecond)

	if reg.Len() != 0 {
		t.Fatal("Stop must drop pending patches")
	}
}
