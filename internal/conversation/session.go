// Package conversation implements the active conversation session: the one
// currently open conversation, its ordered message log, optimistic sends,
// reconciliation of server confirmations, and the typing indicator wiring.
package conversation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toymarket/chatsync/internal/metrics"
	"github.com/toymarket/chatsync/internal/protocol"
	"github.com/toymarket/chatsync/internal/reconcile"
	"github.com/toymarket/chatsync/internal/registry"
	"github.com/toymarket/chatsync/internal/typing"
)

// Publisher is the outbound half of the channel as the session sees it.
type Publisher interface {
	Publish(event string, payload interface{}) error
}

// HistoryFetcher loads a conversation's historical message page. It is an
// external collaborator (REST data access); its internals are out of scope.
type HistoryFetcher interface {
	History(ctx context.Context, conversationID string, limit int) ([]reconcile.Message, error)
}

// Identity is the local user as recorded on optimistic sends. It is
// advisory; the server-confirmed message is authoritative for sender fields.
type Identity struct {
	Email string
	Name  string
}

// Config holds session tuning parameters.
type Config struct {
	Tolerance     time.Duration // reconciliation time window
	FailTimeout   time.Duration // pending entries become Failed after this
	HistoryLimit  int           // page size for the history fetch on open
	TypingTimeout time.Duration // inbound typing auto-revert deadline
	TypingQuiet   time.Duration // local keystroke gap before stop-typing
}

// DefaultConfig returns sensible session defaults.
func DefaultConfig() Config {
	return Config{
		Tolerance:     reconcile.DefaultTolerance,
		FailTimeout:   15 * time.Second,
		HistoryLimit:  50,
		TypingTimeout: typing.DefaultTimeout,
		TypingQuiet:   typing.DefaultQuiet,
	}
}

// State is the session lifecycle state.
type State int

const (
	Closed State = iota
	Joining
	Joined
)

// Session owns the open conversation. At most one conversation is open at a
// time; opening another closes the current one first, discarding its log and
// all pending reconciliation state so memory never accumulates across
// conversation switches.
type Session struct {
	cfg     Config
	pub     Publisher
	history HistoryFetcher
	reg     *registry.Registry
	self    Identity

	machine  *typing.Machine
	notifier *typing.Notifier

	mu         sync.Mutex
	state      State
	conv       registry.Conversation
	entries    []reconcile.Message
	joinBuf    []reconcile.Message    // confirmed messages parked while Joining
	failTimers map[string]*time.Timer // temp id -> failure deadline

	onChange func()
}

// New creates a closed session for the local identity.
func New(cfg Config, pub Publisher, history HistoryFetcher, reg *registry.Registry, self Identity) *Session {
	s := &Session{
		cfg:        cfg,
		pub:        pub,
		history:    history,
		reg:        reg,
		self:       self,
		failTimers: make(map[string]*time.Timer),
	}
	s.machine = typing.NewMachine(self.Email, cfg.TypingTimeout, func(typing.State, string) {
		s.notifyChange()
	})
	// The notifier queries the session for the open conversation id at
	// publish time instead of capturing it, so a burst that straddles a
	// conversation switch never signals the wrong room.
	s.notifier = typing.NewNotifier(cfg.TypingQuiet, func(isTyping bool) {
		id := s.ConversationID()
		if id == "" {
			return
		}
		event := protocol.EventTyping
		if !isTyping {
			event = protocol.EventStopTyping
		}
		if err := s.pub.Publish(event, protocol.TypingPayload{ConversationID: id}); err != nil {
			log.Printf("conversation: typing signal failed: %v", err)
		}
	})
	return s
}

// OnChange registers a hook invoked after every visible state change (log,
// typing indicator, delivery states). The rendering layer reads Log and
// TypingState from it.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Open joins the conversation's room, loads its history page, and replaces
// the local log with the result. An already-open conversation is closed
// first. History faults are user-visible: the session reverts to Closed and
// the error is returned.
func (s *Session) Open(ctx context.Context, conv registry.Conversation) error {
	s.Close()

	s.mu.Lock()
	s.state = Joining
	s.conv = conv
	s.mu.Unlock()

	if err := s.pub.Publish(protocol.EventJoinConversation, protocol.JoinConversationPayload{ConversationID: conv.ID}); err != nil {
		s.mu.Lock()
		s.state = Closed
		s.conv = registry.Conversation{}
		s.joinBuf = nil
		s.mu.Unlock()
		return fmt.Errorf("conversation: join %s: %w", conv.ID, err)
	}

	page, err := s.history.History(ctx, conv.ID, s.cfg.HistoryLimit)
	if err != nil {
		s.pub.Publish(protocol.EventLeaveConversation, protocol.LeaveConversationPayload{ConversationID: conv.ID})
		s.mu.Lock()
		s.state = Closed
		s.conv = registry.Conversation{}
		s.joinBuf = nil
		s.mu.Unlock()
		return fmt.Errorf("conversation: history %s: %w", conv.ID, err)
	}

	s.mu.Lock()
	if s.state != Joining || s.conv.ID != conv.ID {
		// Closed (or replaced) while the history fetch was in flight.
		s.mu.Unlock()
		return nil
	}
	s.entries = page
	// Messages confirmed while the page was in flight may postdate it; fold
	// them in, id-deduped against the page.
	var tail *reconcile.Message
	for i := range s.joinBuf {
		m := s.joinBuf[i]
		if reconcile.ContainsID(s.entries, m.ID) {
			continue
		}
		s.entries, _ = reconcile.Reconcile(s.entries, m, s.cfg.Tolerance)
		tail = &m
	}
	s.joinBuf = nil
	s.state = Joined
	s.mu.Unlock()

	// Opening a conversation reads it.
	s.reg.MarkRead(conv.ID)
	if tail != nil {
		s.reg.Upsert(conv.ID, registry.Patch{Preview: &tail.Text, At: tail.CreatedAt, MarkRead: true})
	}
	if err := s.pub.Publish(protocol.EventMarkRead, protocol.MarkReadPayload{ConversationID: conv.ID}); err != nil {
		log.Printf("conversation: mark-read %s failed: %v", conv.ID, err)
	}

	s.notifyChange()
	return nil
}

// Close leaves the room and discards the log and all pending reconciliation
// state. Closing a closed session is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	id := s.conv.ID
	s.mu.Unlock()

	// Flush an owed stop-typing while the room is still joined.
	s.notifier.Stop()

	s.mu.Lock()
	if s.state == Closed || s.conv.ID != id {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.conv = registry.Conversation{}
	s.entries = nil
	s.joinBuf = nil
	for tempID, t := range s.failTimers {
		t.Stop()
		delete(s.failTimers, tempID)
	}
	s.mu.Unlock()

	s.machine.Reset()
	if err := s.pub.Publish(protocol.EventLeaveConversation, protocol.LeaveConversationPayload{ConversationID: id}); err != nil {
		log.Printf("conversation: leave %s failed: %v", id, err)
	}
	s.notifyChange()
}

// Send appends an optimistic Pending entry and publishes the send request.
// It never waits for server acknowledgment: the sender sees their message
// immediately. The temp id doubles as the correlation ref echoed by the
// server. A publish fault leaves the entry Pending in the log (the failure
// sweep will surface it) and is also returned for the caller's information.
func (s *Session) Send(text string) (string, error) {
	s.mu.Lock()
	if s.state != Joined {
		s.mu.Unlock()
		return "", fmt.Errorf("conversation: no open conversation")
	}
	convID := s.conv.ID
	tempID := uuid.New().String()
	now := time.Now()

	s.entries = append(s.entries, reconcile.Message{
		TempID:         tempID,
		ConversationID: convID,
		SenderEmail:    s.self.Email,
		SenderName:     s.self.Name,
		ClientRef:      tempID,
		Text:           text,
		CreatedAt:      now,
		State:          reconcile.Pending,
	})
	s.armFailTimerLocked(tempID)
	s.mu.Unlock()

	// Own-conversation registry write: sending bumps the preview but adds
	// no unread.
	s.reg.Upsert(convID, registry.Patch{Preview: &text, At: now})

	s.notifier.Stop()

	err := s.pub.Publish(protocol.EventSendMessage, protocol.SendMessagePayload{
		ConversationID: convID,
		Text:           text,
		ClientRef:      tempID,
	})
	s.notifyChange()
	return tempID, err
}

// Retry re-publishes a Failed (or still-Pending) entry, resetting its
// creation time so the reconciliation window matches the fresh attempt.
func (s *Session) Retry(tempID string) error {
	s.mu.Lock()
	if s.state != Joined {
		s.mu.Unlock()
		return fmt.Errorf("conversation: no open conversation")
	}
	convID := s.conv.ID

	var text string
	found := false
	for i := range s.entries {
		if s.entries[i].TempID == tempID && s.entries[i].State != reconcile.Confirmed {
			s.entries[i].State = reconcile.Pending
			s.entries[i].CreatedAt = time.Now()
			text = s.entries[i].Text
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("conversation: no retryable entry %s", tempID)
	}
	s.armFailTimerLocked(tempID)
	s.mu.Unlock()

	err := s.pub.Publish(protocol.EventSendMessage, protocol.SendMessagePayload{
		ConversationID: convID,
		Text:           text,
		ClientRef:      tempID,
	})
	s.notifyChange()
	return err
}

// HandleConfirmed feeds one server-confirmed message. It returns false when
// the message is not for the open conversation — the caller then routes it
// to the coalescer path instead of dropping it. Confirmed messages are
// processed strictly in arrival order; an id already present in the log
// adopts the confirmed fields in place rather than appearing twice. Messages
// arriving while the join's history fetch is in flight are buffered and
// folded into the log once the page lands.
func (s *Session) HandleConfirmed(msg reconcile.Message) bool {
	s.mu.Lock()
	if s.state == Joining && msg.ConversationID == s.conv.ID {
		// History fetch in flight: park the message until the page lands.
		// It may postdate the page, so dropping it would lose it entirely.
		s.joinBuf = append(s.joinBuf, msg)
		s.mu.Unlock()
		return true
	}
	if s.state != Joined || msg.ConversationID != s.conv.ID {
		s.mu.Unlock()
		return false
	}

	if i := reconcile.IndexByID(s.entries, msg.ID); i >= 0 {
		// Redelivery, or the full message behind an earlier ack. The entry
		// still adopts the authoritative fields wholesale; only the stable
		// render key is kept.
		msg.State = reconcile.Confirmed
		msg.TempID = s.entries[i].TempID
		s.entries[i] = msg
		s.mu.Unlock()
		metrics.ReconcileOutcomes.WithLabelValues("duplicate").Inc()
		s.notifyChange()
		return true
	}

	var matched bool
	s.entries, matched = reconcile.Reconcile(s.entries, msg, s.cfg.Tolerance)
	if matched {
		s.reapFailTimersLocked()
	}
	convID := s.conv.ID
	s.mu.Unlock()

	// Own-conversation registry write; the open conversation stays read.
	s.reg.Upsert(convID, registry.Patch{Preview: &msg.Text, At: msg.CreatedAt, MarkRead: true})
	if msg.SenderEmail != s.self.Email {
		if err := s.pub.Publish(protocol.EventMarkRead, protocol.MarkReadPayload{ConversationID: convID}); err != nil {
			log.Printf("conversation: mark-read %s failed: %v", convID, err)
		}
	}

	s.notifyChange()
	return true
}

// HandleAck consumes a message-sent acknowledgment: the correlated entry is
// promoted to Confirmed with its server id ahead of the full new-message
// delivery, so the sender's bubble settles as early as possible.
func (s *Session) HandleAck(clientRef, messageID string) {
	if clientRef == "" {
		return
	}

	s.mu.Lock()
	changed := false
	for i := range s.entries {
		if s.entries[i].ClientRef == clientRef && s.entries[i].State != reconcile.Confirmed {
			s.entries[i].ID = messageID
			s.entries[i].State = reconcile.Confirmed
			changed = true
			break
		}
	}
	if changed {
		s.reapFailTimersLocked()
	}
	s.mu.Unlock()

	if changed {
		s.notifyChange()
	}
}

// HandleTyping feeds an inbound typing signal. Signals for other
// conversations or from the local identity are ignored.
func (s *Session) HandleTyping(p protocol.UserTypingPayload) {
	s.mu.Lock()
	relevant := s.state == Joined && p.ConversationID == s.conv.ID
	s.mu.Unlock()

	if relevant {
		s.machine.Signal(p.UserEmail, p.UserName, p.IsTyping)
	}
}

// Keystroke records one local keystroke for the outbound typing debounce.
func (s *Session) Keystroke() {
	if s.ConversationID() != "" {
		s.notifier.Keystroke()
	}
}

// ConversationID returns the open conversation id, or "" when closed. It is
// the authoritative open-conversation query used by the coalescer's
// suppression rule.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ""
	}
	return s.conv.ID
}

// CurrentState returns the lifecycle state.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Log returns a snapshot of the ordered message log.
func (s *Session) Log() []reconcile.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]reconcile.Message, len(s.entries))
	copy(out, s.entries)
	return out
}

// TypingState exposes the counterpart's typing indicator.
func (s *Session) TypingState() (typing.State, string) {
	return s.machine.CurrentState()
}

// armFailTimerLocked schedules the failure sweep for one pending entry.
// Caller must hold s.mu.
func (s *Session) armFailTimerLocked(tempID string) {
	if t, ok := s.failTimers[tempID]; ok {
		t.Stop()
	}
	s.failTimers[tempID] = time.AfterFunc(s.cfg.FailTimeout, func() {
		s.failPending(tempID)
	})
}

// failPending marks a still-pending entry Failed once its deadline elapses.
// The entry stays in the log so the user can see and retry it.
func (s *Session) failPending(tempID string) {
	s.mu.Lock()
	changed := false
	for i := range s.entries {
		if s.entries[i].TempID == tempID && s.entries[i].State == reconcile.Pending {
			s.entries[i].State = reconcile.Failed
			changed = true
			break
		}
	}
	delete(s.failTimers, tempID)
	s.mu.Unlock()

	if changed {
		log.Printf("conversation: send %s unconfirmed after %s, marked failed", tempID, s.cfg.FailTimeout)
		s.notifyChange()
	}
}

// reapFailTimersLocked stops deadlines whose entries are no longer awaiting
// confirmation. Caller must hold s.mu.
func (s *Session) reapFailTimersLocked() {
	awaiting := make(map[string]bool)
	for i := range s.entries {
		if s.entries[i].State != reconcile.Confirmed {
			awaiting[s.entries[i].TempID] = true
		}
	}
	for tempID, t := range s.failTimers {
		if !awaiting[tempID] {
			t.Stop()
			delete(s.failTimers, tempID)
		}
	}
}

func (s *Session) notifyChange() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
