// Package protocol defines the channel event types and payload structures
// exchanged between the chat client engine and the messaging server. All
// events are serialized as JSON inside a consistent envelope carrying the
// event name as a discriminator; payloads form a closed, tagged set that is
// validated at the channel boundary rather than accessed ad hoc.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server event names.
const (
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventSendMessage       = "send-message"
	EventMarkRead          = "mark-read"
	EventTyping            = "typing"
	EventStopTyping        = "stop-typing"
	EventPing              = "ping"
)

// Server -> Client event names.
const (
	EventConnected              = "connected"
	EventNewMessage             = "new-message"
	EventNewMessageNotification = "new-message-notification"
	EventMessageSent            = "message-sent"
	EventMessagesRead           = "messages-read"
	EventUserTyping             = "user-typing"
	EventError                  = "error"
	EventPong                   = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the event discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event name and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It rejects
// envelopes with a missing or empty event name so that malformed frames are
// caught before any handler sees them.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var partial struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Event == "" {
		return fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	e.Event = partial.Event
	e.Payload = partial.Payload
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload structures
// ---------------------------------------------------------------------------

// Message is the wire form of a server-confirmed message. ClientRef echoes
// the correlation id the sender attached to the originating send-message
// event; servers that do not support correlation leave it empty.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderEmail    string    `json:"senderEmail"`
	SenderName     string    `json:"senderName"`
	ClientRef      string    `json:"clientRef,omitempty"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ---------------------------------------------------------------------------
// Client -> Server payload structs
// ---------------------------------------------------------------------------

// JoinConversationPayload asks the server to add this session to a
// conversation's room so it receives that conversation's live messages.
type JoinConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// LeaveConversationPayload removes this session from a conversation's room.
type LeaveConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload carries an outbound chat message. ClientRef is a
// client-generated correlation id the server echoes back in the confirmed
// message so the sender can match it against its optimistic local copy.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	ClientRef      string `json:"clientRef,omitempty"`
}

// MarkReadPayload acknowledges that the sender has read a conversation.
type MarkReadPayload struct {
	ConversationID string `json:"conversationId"`
}

// TypingPayload signals that the sender started or is still typing in a
// conversation. The same shape is used for the stop-typing event.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
}

// PingPayload is a client-initiated keepalive ping.
type PingPayload struct{}

// ---------------------------------------------------------------------------
// Server -> Client payload structs
// ---------------------------------------------------------------------------

// ConnectedPayload is sent by the server once a channel is established and
// authenticated.
type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
}

// NewMessagePayload delivers a confirmed message to clients joined to the
// conversation's room.
type NewMessagePayload struct {
	Message Message `json:"message"`
}

// NewMessageNotificationPayload delivers a confirmed message to every open
// session of a participant regardless of room membership. It drives the
// conversation-list path rather than the open-conversation log.
type NewMessageNotificationPayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// MessageSentPayload acknowledges a prior send-message event to its sender.
type MessageSentPayload struct {
	MessageID string `json:"messageId"`
	ClientRef string `json:"clientRef,omitempty"`
}

// MessagesReadPayload notifies participants that a user has read a
// conversation.
type MessagesReadPayload struct {
	ConversationID string `json:"conversationId"`
	ReaderEmail    string `json:"readerEmail"`
}

// UserTypingPayload relays another participant's typing indicator.
type UserTypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserEmail      string `json:"userEmail"`
	UserName       string `json:"userName"`
	IsTyping       bool   `json:"isTyping"`
}

// ErrorPayload communicates a non-fatal error condition.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// PongPayload is the server's response to a client ping.
type PongPayload struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// NewEvent creates a JSON-encoded envelope for the given event name and
// payload. It is used symmetrically by the client engine and the server.
func NewEvent(event string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", event, err)
		}
		raw = data
	}

	out, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q envelope: %w", event, err)
	}
	return out, nil
}

// ParseClientEvent parses raw channel bytes into a typed client-originated
// event. It returns the event name, the decoded payload struct, and any
// error encountered. Unknown or server-only event names are an error.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		payload interface{}
		err     error
	)

	switch env.Event {
	case EventJoinConversation:
		var p JoinConversationPayload
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case EventLeaveConversation:
		var p LeaveConversationPayload
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case EventSendMessage:
		var p SendMessagePayload
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case EventMarkRead:
		var p MarkReadPayload
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case EventTyping, EventStopTyping:
		var p TypingPayload
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case EventPing:
		payload = PingPayload{}
	default:
		return env.Event, nil, fmt.Errorf("protocol: unknown client event: %q", env.Event)
	}

	if err != nil {
		return env.Event, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Event, err)
	}
	return env.Event, payload, nil
}

// ParseServerEvent parses raw channel bytes into a typed server-originated
// event. Unknown or client-only event names are an error.
func ParseServerEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		payload interface{}
		err     error
	)

	switch env.Event {
	case EventConnected:
		var p ConnectedPayload
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case EventNewMessage:
		var p NewMessagePayload
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case EventNewMessageNotification:
		var p NewMessageNotificationPayload
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case EventMessageSent:
		var p MessageSentPayload
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case EventMessagesRead:
		var p MessagesReadPayload
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case EventUserTyping:
		var p UserTypingPayload
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case EventError:
		var p ErrorPayload
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case EventPong:
		payload = PongPayload{}
	default:
		return env.Event, nil, fmt.Errorf("protocol: unknown server event: %q", env.Event)
	}

	if err != nil {
		return env.Event, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Event, err)
	}
	return env.Event, payload, nil
}
