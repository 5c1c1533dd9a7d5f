package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/toymarket/chatsync/internal/channel"
	"github.com/toymarket/chatsync/internal/conversation"
	"github.com/toymarket/chatsync/internal/protocol"
	"github.com/toymarket/chatsync/internal/reconcile"
	"github.com/toymarket/chatsync/internal/registry"
	"github.com/toymarket/chatsync/internal/typing"
)

// fakeChan is an in-memory Channel that lets tests deliver server events
// directly to the engine's handlers.
type fakeChan struct {
	mu        sync.Mutex
	handlers  map[string][]channel.Handler
	published []string
	connects  int
	reconnect func()
}

func newFakeChan() *fakeChan {
	return &fakeChan{handlers: make(map[string][]channel.Handler)}
}

func (f *fakeChan) Connect(_ context.Context, _ channel.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.handlers = make(map[string][]channel.Handler) // fresh channel instance
	return nil
}

func (f *fakeChan) Disconnect() error { return nil }

func (f *fakeChan) Publish(event string, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, event)
	return nil
}

func (f *fakeChan) Subscribe(event string, h channel.Handler) channel.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
	return 0
}

func (f *fakeChan) OnReconnect(fn func()) { f.reconnect = fn }

// deliver simulates one inbound server event.
func (f *fakeChan) deliver(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	f.mu.Lock()
	hs := append([]channel.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(json.RawMessage(data))
	}
}

func (f *fakeChan) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.published {
		if e == event {
			n++
		}
	}
	return n
}

type fakeHistory struct {
	pages map[string][]reconcile.Message
}

func (f *fakeHistory) History(_ context.Context, id string, _ int) ([]reconcile.Message, error) {
	return append([]reconcile.Message(nil), f.pages[id]...), nil
}

type fakeLister struct {
	convs []registry.Conversation
}

func (f *fakeLister) Conversations(_ context.Context) ([]registry.Conversation, error) {
	return append([]registry.Conversation(nil), f.convs...), nil
}

func wireMsg(id, convID, sender, text string, at time.Time) protocol.Message {
	return protocol.Message{
		ID:             id,
		ConversationID: convID,
		SenderEmail:    sender,
		SenderName:     "Sender",
		Text:           text,
		CreatedAt:      at,
	}
}

func newTestEngine(t *testing.T, ch *fakeChan) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CoalesceWindow = 20 * time.Millisecond
	cfg.Session.TypingTimeout = 30 * time.Millisecond
	cfg.Session.TypingQuiet = 20 * time.Millisecond

	e := New(cfg, ch, Collaborators{
		History: &fakeHistory{pages: map[string][]reconcile.Message{}},
		Lister: &fakeLister{convs: []registry.Conversation{
			{ID: "c1", CounterpartEmail: "them@example.com", CounterpartName: "Them", LastMessageAt: time.Now()},
			{ID: "c2", CounterpartEmail: "other@example.com", CounterpartName: "Other", LastMessageAt: time.Now().Add(-time.Hour)},
		}},
	}, conversation.Identity{Email: "me@example.com", Name: "Me"})

	if err := e.Start(context.Background(), channel.Credential{Token: "tokA", Email: "me@example.com"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return e
}

func TestStartLoadsConversationList(t *testing.T) {
	ch := newFakeChan()
	e := newTestEngine(t, ch)

	convs := e.Conversations()
	if len(convs) != 2 || convs[0].ID != "c1" {
		t.Fatalf("expected fetched list [c1 c2], got %+v", convs)
	}
	if ch.connects != 1 {
		t.Errorf("expected one connect, got %d", ch.connects)
	}
}

func TestNewMessageForOpenConversationGoesToLog(t *testing.T) {
	ch := newFakeChan()
	e := newTestEngine(t, ch)
	if err := e.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	ch.deliver(t, protocol.EventNewMessage, protocol.NewMessagePayload{
		Message: wireMsg("m1", "c1", "them@example.com", "hi there", time.Now()),
	})

	logEntries := e.ActiveLog()
	if len(logEntries) != 1 || logEntries[0].ID != "m1" {
		t.Fatalf("expected m1 in the open log, got %+v", logEntries)
	}

	// Live delivery to the open conversation must not add unread.
	if c, _ := e.reg.Get("c1"); c.UnreadCount != 0 {
		t.Errorf("open conversation must stay read, unread=%d", c.UnreadCount)
	}
}

func TestNotificationForOtherConversationCoalesces(t *testing.T) {
	ch := newFakeChan()
	e := newTestEngine(t, ch)
	e.OpenConversation(context.Background(), "c1")

	for i := 0; i < 3; i++ {
		ch.deliver(t, protocol.EventNewMessageNotification, protocol.NewMessageNotificationPayload{
			ConversationID: "c2",
			Message:        wireMsg("m5", "c2", "other@example.com", "ping", time.Now()),
		})
	}

	// Nothing before the window.
	if c, _ := e.reg.Get("c2"); c.UnreadCount != 0 {
		t.Fatal("coalescer must not apply before the window")
	}

	time.Sleep(60 * time.Millisecond)

	c, _ := e.reg.Get("c2")
	if c.UnreadCount != 3 {
		t.Errorf("expected 3 accumulated unread for c2, got %d", c.UnreadCount)
	}
	if c.LastMessagePreview != "ping" {
		t.Errorf("expected preview update, got %q", c.LastMessagePreview)
	}
	if list := e.Conversations(); list[0].ID != "c2" {
		t.Errorf("preview change must move c2 to front, got %s", list[0].ID)
	}
}

func TestNotificationForOpenConversationSuppressed(t *testing.T) {
	ch := newFakeChan()
	e := newTestEngine(t, ch)
	e.OpenConversation(context.Background(), "c1")

	ch.deliver(t, protocol.EventNewMessageNotification, protocol.NewMessageNotificationPayload{
		ConversationID: "c1",
		Message:        wireMsg("m1", "c1", "them@example.com", "live already", time.Now()),
	})
	time.Sleep(50 * time.Millisecond)

	if c, _ := e.reg.Get("c1"); c.UnreadCount != 0 {
		t.Errorf("notifications for the open conversation must never mutate the registry, unread=%d", c.UnreadCount)
	}
}

func TestLateMessageAfterCloseStillUpdatesRegistry(t *testing.T) {
	ch := newFakeChan()
	e := newTestEngine(t, ch)
	e.OpenConversation(context.Background(), "c1")
	e.CloseConversation()

	ch.deliver(t, protocol.EventNewMessage, protocol.NewMessagePayload{
		Message: wireMsg("m2", "c1", "them@example.com", "after close", time.Now()),
	})
	time.Sleep(50 * time.Millisecond)

	c, _ := e.reg.Get("c1")
	if c.LastMessagePreview != "after close" || c.UnreadCount != 1 {
		t.Errorf("late room message must fall through to the registry: %+v", c)
	}
}

func TestOwnReadReceiptResetsUnread(t *testing.T) {
	ch := newFakeChan()
	e := newTestEngine(t, ch)
	e.reg.Upsert("c2", registry.Patch{UnreadDelta: 4})

	ch.deliver(t, protocol.EventMessagesRead, protocol.MessagesReadPayload{
		ConversationID: "c2", ReaderEmail: "me@example.com",
	})
	time.Sleep(50 * time.Millisecond)

	if c, _ := e.reg.Get("c2"); c.UnreadCount != 0 {
		t.Errorf("own read receipt must reset unread, got %d", c.UnreadCount)
	}
}

func TestForeignReadReceiptIgnored(t *testing.T) {
	ch := newFakeChan()
	e := newTestEngine(t, ch)
	e.reg.Upsert("c2", registry.Patch{UnreadDelta: 4})

	ch.deliver(t, protocol.EventMessagesRead, protocol.MessagesReadPayload{
		ConversationID: "c2", ReaderEmail: "other@example.com",
	})
	time.Sleep(50 * time.Millisecond)

	if c, _ := e.reg.Get("c2"); c.UnreadCount != 4 {
		t.Errorf("another reader's receipt must not touch local unread, got %d", c.UnreadCount)
	}
}

func TestMessageSentAckPromotesPending(t *testing.T) {
	ch := newFakeChan()
	e := newTestEngine(t, ch)
	e.OpenConversation(context.Background(), "c1")

	tempID, err := e.Send("hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	ch.deliver(t, protocol.EventMessageSent, protocol.MessageSentPayload{
		MessageID: "m7", ClientRef: tempID,
	})

	logEntries := e.ActiveLog()
	if logEntries[0].State != reconcile.Confirmed || logEntries[0].ID != "m7" {
		t.Fatalf("ack must promote the pending entry: %+v", logEntries[0])
	}
}

func TestUserTypingRouted(t *testing.T) {
	ch := newFakeChan()
	e := newTestEngine(t, ch)
	e.OpenConversation(context.Background(), "c1")

	ch.deliver(t, protocol.EventUserTyping, protocol.UserTypingPayload{
		ConversationID: "c1", UserEmail: "them@example.com", UserName: "Them", IsTyping: true,
	})

	if state, label := e.TypingState(); state != typing.Typing || label != "Them" {
		t.Fatalf("expected Typing(Them), got %v(%q)", state, label)
	}
}

func TestReconnectRejoinsOpenConversation(t *testing.T) {
	ch := newFakeChan()
	e := newTestEngine(t, ch)
	e.OpenConversation(context.Background(), "c1")

	joins := ch.count(protocol.EventJoinConversation)
	ch.reconnect()

	if got := ch.count(protocol.EventJoinConversation); got != joins+1 {
		t.Fatalf("reconnect must re-join the open room: joins %d -> %d", joins, got)
	}
	if e.ActiveConversationID() != "c1" {
		t.Errorf("open conversation must survive reconnect, got %q", e.ActiveConversationID())
	}
}

func TestReconnectWithNothingOpenIsQuiet(t *testing.T) {
	ch := newFakeChan()
	e := newTestEngine(t, ch)
	_ = e

	ch.reconnect()

	if n := ch.count(protocol.EventJoinConversation); n != 0 {
		t.Fatalf("no room to re-join, but %d joins published", n)
	}
}
