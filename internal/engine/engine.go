// Package engine wires the channel, the conversation registry, the update
// coalescer, and the active conversation session into the client-side
// synchronization engine. It owns event routing: confirmed messages for the
// open conversation flow through the session's reconcile path, everything
// else flows through the coalescer into the registry.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/toymarket/chatsync/internal/channel"
	"github.com/toymarket/chatsync/internal/coalesce"
	"github.com/toymarket/chatsync/internal/conversation"
	"github.com/toymarket/chatsync/internal/protocol"
	"github.com/toymarket/chatsync/internal/reconcile"
	"github.com/toymarket/chatsync/internal/registry"
	"github.com/toymarket/chatsync/internal/typing"
)

// Channel is the connection manager as the engine consumes it. It is
// satisfied by *channel.Manager.
type Channel interface {
	Connect(ctx context.Context, cred channel.Credential) error
	Disconnect() error
	Publish(event string, payload interface{}) error
	Subscribe(event string, handler channel.Handler) channel.Token
	OnReconnect(fn func())
}

// ConversationLister fetches the user's conversation list, most recent
// first. REST collaborator; internals out of scope.
type ConversationLister interface {
	Conversations(ctx context.Context) ([]registry.Conversation, error)
}

// ConversationLookup finds or creates the conversation with a counterpart.
// REST collaborator; internals out of scope.
type ConversationLookup interface {
	ConversationWith(ctx context.Context, counterpartEmail string) (registry.Conversation, error)
}

// Collaborators bundles the external data-access interfaces the engine
// consumes.
type Collaborators struct {
	History conversation.HistoryFetcher
	Lister  ConversationLister
	Lookup  ConversationLookup
}

// Config holds engine tuning parameters.
type Config struct {
	Session        conversation.Config
	CoalesceWindow time.Duration
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		Session:        conversation.DefaultConfig(),
		CoalesceWindow: coalesce.DefaultWindow,
	}
}

// Engine is the client-side synchronization engine. One engine serves one
// authenticated user; Start may be called again with a different credential,
// which tears the channel down and rebuilds it.
type Engine struct {
	ch    Channel
	reg   *registry.Registry
	coal  *coalesce.Coalescer
	sess  *conversation.Session
	colls Collaborators
	self  conversation.Identity
}

// New creates an engine over the given channel and collaborators.
func New(cfg Config, ch Channel, colls Collaborators, self conversation.Identity) *Engine {
	e := &Engine{
		ch:    ch,
		reg:   registry.New(),
		colls: colls,
		self:  self,
	}
	e.sess = conversation.New(cfg.Session, ch, colls.History, e.reg, self)
	// The coalescer queries the session — the owner of open-conversation
	// state — rather than a captured copy of it.
	e.coal = coalesce.New(e.reg, cfg.CoalesceWindow, e.sess.ConversationID)
	e.ch.OnReconnect(e.rejoin)
	return e
}

// Start connects the channel with the given credential, registers the
// engine's event subscriptions on the fresh channel instance, and loads the
// conversation list. Calling Start while connected rebuilds the channel from
// scratch; the previous credential is never reused.
func (e *Engine) Start(ctx context.Context, cred channel.Credential) error {
	if err := e.ch.Connect(ctx, cred); err != nil {
		return fmt.Errorf("engine: connect: %w", err)
	}
	e.subscribe()
	return e.RefreshConversations(ctx)
}

// Stop closes the open conversation, applies any coalesced patches, and
// disconnects the channel.
func (e *Engine) Stop() error {
	e.sess.Close()
	e.coal.Flush()
	return e.ch.Disconnect()
}

// RefreshConversations reloads the registry from the conversation-list
// collaborator. A nil lister leaves the registry as is.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	if e.colls.Lister == nil {
		return nil
	}
	convs, err := e.colls.Lister.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("engine: conversation list: %w", err)
	}
	e.reg.Replace(convs)
	return nil
}

// OpenConversation opens the conversation with the given id.
func (e *Engine) OpenConversation(ctx context.Context, id string) error {
	conv, ok := e.reg.Get(id)
	if !ok {
		return fmt.Errorf("engine: unknown conversation %s", id)
	}
	return e.sess.Open(ctx, conv)
}

// OpenConversationWith finds or creates the conversation with a counterpart
// and opens it. Used when the user targets a new chat partner from a
// listing.
func (e *Engine) OpenConversationWith(ctx context.Context, counterpartEmail string) error {
	if e.colls.Lookup == nil {
		return fmt.Errorf("engine: no conversation lookup configured")
	}
	conv, err := e.colls.Lookup.ConversationWith(ctx, counterpartEmail)
	if err != nil {
		return fmt.Errorf("engine: lookup %s: %w", counterpartEmail, err)
	}
	e.reg.Upsert(conv.ID, registry.Patch{
		CounterpartEmail:  &conv.CounterpartEmail,
		CounterpartName:   &conv.CounterpartName,
		CounterpartAvatar: &conv.CounterpartAvatar,
	})
	return e.sess.Open(ctx, conv)
}

// CloseConversation closes the open conversation, if any.
func (e *Engine) CloseConversation() {
	e.sess.Close()
}

// Send sends a message in the open conversation.
func (e *Engine) Send(text string) (string, error) {
	return e.sess.Send(text)
}

// Retry re-sends a failed message by its temp id.
func (e *Engine) Retry(tempID string) error {
	return e.sess.Retry(tempID)
}

// Keystroke records a local keystroke for typing signaling.
func (e *Engine) Keystroke() {
	e.sess.Keystroke()
}

// Conversations returns the registry snapshot, most recent first.
func (e *Engine) Conversations() []registry.Conversation {
	return e.reg.List()
}

// ActiveLog returns the open conversation's message log snapshot.
func (e *Engine) ActiveLog() []reconcile.Message {
	return e.sess.Log()
}

// ActiveConversationID returns the open conversation id, or "".
func (e *Engine) ActiveConversationID() string {
	return e.sess.ConversationID()
}

// TypingState exposes the open conversation's typing indicator.
func (e *Engine) TypingState() (typing.State, string) {
	return e.sess.TypingState()
}

// OnChange registers the rendering layer's refresh hook.
func (e *Engine) OnChange(fn func()) {
	e.sess.OnChange(fn)
}

// subscribe registers the engine's inbound handlers. It runs exactly once
// per channel instance — Connect discards prior subscriptions, so Start is
// the only caller.
func (e *Engine) subscribe() {
	e.ch.Subscribe(protocol.EventNewMessage, e.handleNewMessage)
	e.ch.Subscribe(protocol.EventNewMessageNotification, e.handleNotification)
	e.ch.Subscribe(protocol.EventMessageSent, e.handleMessageSent)
	e.ch.Subscribe(protocol.EventMessagesRead, e.handleMessagesRead)
	e.ch.Subscribe(protocol.EventUserTyping, e.handleUserTyping)
	e.ch.Subscribe(protocol.EventError, e.handleError)
}

// rejoin re-establishes room state after an automatic reconnect: the channel
// does not remember rooms, so the engine re-joins the open conversation and
// replaces its log from history to cover the gap.
func (e *Engine) rejoin() {
	id := e.sess.ConversationID()
	if id == "" {
		return
	}
	conv, ok := e.reg.Get(id)
	if !ok {
		return
	}
	log.Printf("engine: re-joining conversation %s after reconnect", id)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.sess.Open(ctx, conv); err != nil {
		log.Printf("engine: re-join %s failed: %v", id, err)
	}
}

// handleNewMessage routes a room-scoped confirmed message. If the session
// does not consume it — the conversation was closed after the server sent it
// — it still updates the registry via the coalescer rather than being
// dropped.
func (e *Engine) handleNewMessage(payload json.RawMessage) {
	var p protocol.NewMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Printf("engine: bad new-message payload: %v", err)
		return
	}
	msg := toModel(p.Message)
	if e.sess.HandleConfirmed(msg) {
		return
	}
	e.coal.Schedule(msg.ConversationID, &msg.Text, msg.CreatedAt)
}

// handleNotification routes a membership-independent notification into the
// coalescer. Notifications for the open conversation are suppressed there;
// the session already sees its messages live.
func (e *Engine) handleNotification(payload json.RawMessage) {
	var p protocol.NewMessageNotificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Printf("engine: bad new-message-notification payload: %v", err)
		return
	}
	e.coal.Schedule(p.ConversationID, &p.Message.Text, p.Message.CreatedAt)
}

func (e *Engine) handleMessageSent(payload json.RawMessage) {
	var p protocol.MessageSentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Printf("engine: bad message-sent payload: %v", err)
		return
	}
	e.sess.HandleAck(p.ClientRef, p.MessageID)
}

// handleMessagesRead folds read receipts from the user's other sessions into
// the unread counters. Receipts from other readers are informational only;
// they never touch this user's unread state.
func (e *Engine) handleMessagesRead(payload json.RawMessage) {
	var p protocol.MessagesReadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Printf("engine: bad messages-read payload: %v", err)
		return
	}
	if p.ReaderEmail != e.self.Email {
		return
	}
	e.coal.ScheduleRead(p.ConversationID)
}

func (e *Engine) handleUserTyping(payload json.RawMessage) {
	var p protocol.UserTypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Printf("engine: bad user-typing payload: %v", err)
		return
	}
	e.sess.HandleTyping(p)
}

// handleError surfaces non-fatal channel errors as a log line. They never
// unwind into the rendering layer.
func (e *Engine) handleError(payload json.RawMessage) {
	var p protocol.ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	log.Printf("engine: channel error code=%s: %s", p.Code, p.Message)
}

// toModel converts a wire message into a log entry.
func toModel(m protocol.Message) reconcile.Message {
	return reconcile.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderEmail:    m.SenderEmail,
		SenderName:     m.SenderName,
		ClientRef:      m.ClientRef,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
		State:          reconcile.Confirmed,
	}
}
