package protocol

import (
	"strings"
	"testing"
	"time"
)

func TestNewEventAndParseClientEvent(t *testing.T) {
	data, err := NewEvent(EventSendMessage, SendMessagePayload{
		ConversationID: "c1",
		Text:           "hello",
		ClientRef:      "ref-1",
	})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}

	event, payload, err := ParseClientEvent(data)
	if err != nil {
		t.Fatalf("ParseClientEvent failed: %v", err)
	}
	if event != EventSendMessage {
		t.Errorf("expected event %q, got %q", EventSendMessage, event)
	}

	p, ok := payload.(SendMessagePayload)
	if !ok {
		t.Fatalf("expected SendMessagePayload, got %T", payload)
	}
	if p.ConversationID != "c1" || p.Text != "hello" || p.ClientRef != "ref-1" {
		t.Errorf("payload round trip mismatch: %+v", p)
	}
}

func TestParseServerEventNewMessage(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := NewEvent(EventNewMessage, NewMessagePayload{
		Message: Message{
			ID:             "m1",
			ConversationID: "c1",
			SenderEmail:    "buyer@example.com",
			SenderName:     "Buyer",
			ClientRef:      "ref-1",
			Text:           "is this still available?",
			CreatedAt:      created,
		},
	})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}

	event, payload, err := ParseServerEvent(data)
	if err != nil {
		t.Fatalf("ParseServerEvent failed: %v", err)
	}
	if event != EventNewMessage {
		t.Errorf("expected event %q, got %q", EventNewMessage, event)
	}

	p, ok := payload.(NewMessagePayload)
	if !ok {
		t.Fatalf("expected NewMessagePayload, got %T", payload)
	}
	if p.Message.ID != "m1" || !p.Message.CreatedAt.Equal(created) {
		t.Errorf("message round trip mismatch: %+v", p.Message)
	}
}

func TestParseRejectsMissingEvent(t *testing.T) {
	_, _, err := ParseServerEvent([]byte(`{"payload":{"message":"x"}}`))
	if err == nil {
		t.Fatal("expected error for envelope with no event name")
	}
}

func TestParseRejectsUnknownEvent(t *testing.T) {
	_, _, err := ParseClientEvent([]byte(`{"event":"self-destruct"}`))
	if err == nil {
		t.Fatal("expected error for unknown client event")
	}
	if !strings.Contains(err.Error(), "self-destruct") {
		t.Errorf("error should name the offending event, got: %v", err)
	}
}

func TestClientOnlyEventRejectedByServerParser(t *testing.T) {
	data, err := NewEvent(EventJoinConversation, JoinConversationPayload{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	if _, _, err := ParseServerEvent(data); err == nil {
		t.Fatal("expected server parser to reject a client-only event")
	}
}

func TestParseRejectsMalformedPayload(t *testing.T) {
	_, _, err := ParseClientEvent([]byte(`{"event":"send-message","payload":"not-an-object"}`))
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestTypingAndStopTypingShareShape(t *testing.T) {
	for _, name := range []string{EventTyping, EventStopTyping} {
		data, err := NewEvent(name, TypingPayload{ConversationID: "c9"})
		if err != nil {
			t.Fatalf("NewEvent(%s) failed: %v", name, err)
		}
		event, payload, err := ParseClientEvent(data)
		if err != nil {
			t.Fatalf("ParseClientEvent(%s) failed: %v", name, err)
		}
		if event != name {
			t.Errorf("expected %q, got %q", name, event)
		}
		if p := payload.(TypingPayload); p.ConversationID != "c9" {
			t.Errorf("%s: payload mismatch: %+v", name, p)
		}
	}
}
