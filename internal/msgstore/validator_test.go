package msgstore

import (
	"strings"
	"testing"
)

func TestValidateText(t *testing.T) {
	if err := ValidateText("hello"); err != nil {
		t.Errorf("plain text rejected: %v", err)
	}
	if err := ValidateText(""); err == nil {
		t.Error("empty text accepted")
	}
	if err := ValidateText(strings.Repeat("x", MaxMessageBytes+1)); err == nil {
		t.Error("oversized byte payload accepted")
	}
	// Multi-byte runes: under the byte cap but over the character cap.
	if err := ValidateText(strings.Repeat("é", MaxTextChars+1)); err == nil {
		t.Error("over-length character payload accepted")
	}
	if err := ValidateText(string([]byte{0xff, 0xfe})); err == nil {
		t.Error("invalid UTF-8 accepted")
	}
}

func TestConversationCounterpart(t *testing.T) {
	c := &Conversation{
		ParticipantAEmail: "alice@example.com",
		ParticipantAName:  "Alice",
		ParticipantBEmail: "bob@example.com",
		ParticipantBName:  "Bob",
	}

	email, name := c.Counterpart("alice@example.com")
	if email != "bob@example.com" || name != "Bob" {
		t.Errorf("counterpart of alice = %s/%s", email, name)
	}
	email, name = c.Counterpart("bob@example.com")
	if email != "alice@example.com" || name != "Alice" {
		t.Errorf("counterpart of bob = %s/%s", email, name)
	}

	if !c.IsParticipant("alice@example.com") || c.IsParticipant("eve@example.com") {
		t.Error("participant check failed")
	}
}
