package reconcile

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pendingMsg(tempID, text string, at time.Time) Message {
	return Message{
		TempID:         tempID,
		ConversationID: "c1",
		SenderEmail:    "me@example.com",
		ClientRef:      tempID,
		Text:           text,
		CreatedAt:      at,
		State:          Pending,
	}
}

func confirmedMsg(id, ref, text string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: "c1",
		SenderEmail:    "me@example.com",
		SenderName:     "Me",
		ClientRef:      ref,
		Text:           text,
		CreatedAt:      at,
	}
}

func TestSendThenConfirmKeepsLogLength(t *testing.T) {
	// User sends "hello" at t=0; confirmation {m1, "hello", t=2s} arrives.
	log := []Message{pendingMsg("tmp1", "hello", t0)}

	out, matched := Reconcile(log, confirmedMsg("m1", "", "hello", t0.Add(2*time.Second)), 0)
	if !matched {
		t.Fatal("expected in-place match")
	}
	if len(out) != 1 {
		t.Fatalf("log length must not grow: got %d", len(out))
	}
	if out[0].State != Confirmed || out[0].ID != "m1" {
		t.Errorf("final entry must be Confirmed with id m1: %+v", out[0])
	}
}

func TestInPlaceReplaceKeepsPosition(t *testing.T) {
	log := []Message{
		{ID: "m0", Text: "earlier", State: Confirmed, CreatedAt: t0.Add(-time.Minute)},
		pendingMsg("tmp1", "mine", t0),
		{ID: "m2", Text: "later", State: Confirmed, CreatedAt: t0.Add(time.Second)},
	}

	out, matched := Reconcile(log, confirmedMsg("m3", "", "mine", t0.Add(time.Second)), 0)
	if !matched {
		t.Fatal("expected match")
	}
	if out[1].ID != "m3" {
		t.Errorf("replacement must preserve list position, got %+v at index 1", out[1])
	}
	if out[1].TempID != "tmp1" {
		t.Errorf("replacement must retain the local render key, got %q", out[1].TempID)
	}
}

func TestAdoptsConfirmedFieldsWholesale(t *testing.T) {
	// Local sender identity is advisory and may be stale.
	log := []Message{pendingMsg("tmp1", "hi", t0)}
	log[0].SenderEmail = "stale@example.com"

	conf := confirmedMsg("m1", "", "hi", t0.Add(time.Second))
	conf.SenderEmail = "actual@example.com"
	conf.SenderName = "Actual"

	out, _ := Reconcile(log, conf, 0)
	if out[0].SenderEmail != "actual@example.com" || out[0].SenderName != "Actual" {
		t.Errorf("confirmed identity must win: %+v", out[0])
	}
	if !out[0].CreatedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("confirmed timestamp must win: %v", out[0].CreatedAt)
	}
}

func TestNoMatchAppends(t *testing.T) {
	log := []Message{pendingMsg("tmp1", "hello", t0)}

	out, matched := Reconcile(log, confirmedMsg("m9", "", "different text", t0), 0)
	if matched {
		t.Fatal("different text must not match")
	}
	if len(out) != 2 {
		t.Fatalf("expected append, got length %d", len(out))
	}
	if out[1].ID != "m9" || out[1].State != Confirmed {
		t.Errorf("appended entry wrong: %+v", out[1])
	}
}

func TestOutsideToleranceAppends(t *testing.T) {
	log := []Message{pendingMsg("tmp1", "hello", t0)}

	out, matched := Reconcile(log, confirmedMsg("m1", "", "hello", t0.Add(11*time.Second)), 10*time.Second)
	if matched {
		t.Fatal("timestamps 11s apart must not match within a 10s tolerance")
	}
	if len(out) != 2 {
		t.Fatalf("expected append, got length %d", len(out))
	}
}

func TestEarliestPendingWinsTieBreak(t *testing.T) {
	// Two identical-text pending sends; the earlier one must match first.
	log := []Message{
		pendingMsg("tmp1", "same", t0),
		pendingMsg("tmp2", "same", t0.Add(time.Second)),
	}
	log[0].ClientRef = ""
	log[1].ClientRef = ""

	out, matched := Reconcile(log, confirmedMsg("m1", "", "same", t0.Add(2*time.Second)), 0)
	if !matched {
		t.Fatal("expected match")
	}
	if out[0].ID != "m1" {
		t.Errorf("earliest-created pending must be replaced, got %+v", out[0])
	}
	if out[1].State != Pending {
		t.Errorf("later pending must remain pending, got %v", out[1].State)
	}
}

func TestClientRefBeatsHeuristic(t *testing.T) {
	// Simultaneous identical-text sends are ambiguous to the heuristic but
	// exact under correlation refs.
	log := []Message{
		pendingMsg("tmp1", "same", t0),
		pendingMsg("tmp2", "same", t0),
	}

	out, matched := Reconcile(log, confirmedMsg("m2", "tmp2", "same", t0), 0)
	if !matched {
		t.Fatal("expected match")
	}
	if out[1].ID != "m2" {
		t.Errorf("ref match must pick the correlated entry, got %+v", out[1])
	}
	if out[0].State != Pending {
		t.Errorf("uncorrelated entry must remain pending, got %v", out[0].State)
	}
}

func TestFailedEntryRescuedByLateConfirmation(t *testing.T) {
	log := []Message{pendingMsg("tmp1", "slow network", t0)}
	log[0].State = Failed

	out, matched := Reconcile(log, confirmedMsg("m1", "tmp1", "slow network", t0.Add(time.Minute)), 0)
	if !matched {
		t.Fatal("a late confirmation must rescue a failed entry")
	}
	if out[0].State != Confirmed {
		t.Errorf("expected Confirmed, got %v", out[0].State)
	}
}

func TestContainsID(t *testing.T) {
	log := []Message{
		{ID: "m1", State: Confirmed},
		{TempID: "tmp1", State: Pending},
	}
	if !ContainsID(log, "m1") {
		t.Error("expected m1 present")
	}
	if ContainsID(log, "m2") {
		t.Error("m2 must not be present")
	}
	if ContainsID(log, "") {
		t.Error("empty id must never match")
	}
}
