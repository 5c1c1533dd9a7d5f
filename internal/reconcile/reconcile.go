// Package reconcile matches locally-authored optimistic messages against the
// server's confirmed versions so that a sent message never appears twice in
// the open conversation's log.
package reconcile

import (
	"time"

	"github.com/toymarket/chatsync/internal/metrics"
)

// DefaultTolerance is the window within which a confirmed message's
// timestamp may differ from a pending entry's local creation time and still
// be treated as the same message.
const DefaultTolerance = 10 * time.Second

// DeliveryState describes a log entry's position in the send lifecycle.
type DeliveryState int

const (
	// Pending is a locally-authored message awaiting server confirmation.
	Pending DeliveryState = iota
	// Confirmed is a message the server has acknowledged as authoritative.
	Confirmed
	// Failed is a pending message that outlived the failure timeout without
	// confirmation. Failed entries remain in the log and can be retried.
	Failed
)

// String returns the lowercase state name.
func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Message is one entry in a conversation's ordered log. Confirmed entries
// carry a server-assigned ID; pending entries carry only a TempID and a
// ClientRef. The sender identity on a pending entry is advisory; the
// server-confirmed message is the sole source of truth for it.
type Message struct {
	ID             string // server-assigned; empty while pending
	TempID         string // locally generated; stable render key
	ConversationID string
	SenderEmail    string
	SenderName     string
	ClientRef      string // correlation id echoed by the server
	Text           string
	CreatedAt      time.Time
	State          DeliveryState
}

// IndexByID returns the position of the entry carrying the given server id,
// or -1. Empty ids never match.
func IndexByID(log []Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range log {
		if log[i].ID == id {
			return i
		}
	}
	return -1
}

// ContainsID reports whether the log already holds an entry with the given
// server id. Used for duplicate suppression on redelivery.
func ContainsID(log []Message, id string) bool {
	return IndexByID(log, id) >= 0
}

// Reconcile merges a confirmed message into the log. Matching preference:
//
//  1. an unconfirmed entry whose ClientRef equals the confirmed message's
//     echoed ClientRef — exact correlation;
//  2. the earliest-created unconfirmed entry whose text equals the confirmed
//     text and whose local creation time is within tolerance of the
//     confirmed timestamp — the heuristic for servers that do not echo refs.
//
// A match is replaced in place, preserving its list position, and adopts the
// confirmed message's fields wholesale; only the TempID is retained so
// renderers keep a stable key. Failed entries are eligible to match: a late
// confirmation rescues a message previously marked failed. With no match the
// confirmed message is genuinely new inbound and is appended at the end.
//
// The returned bool reports whether an in-place replacement happened. The
// input slice is modified and returned; tolerance <= 0 means
// DefaultTolerance.
func Reconcile(log []Message, confirmed Message, tolerance time.Duration) ([]Message, bool) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	idx := -1

	if confirmed.ClientRef != "" {
		for i := range log {
			if log[i].State != Confirmed && log[i].ClientRef == confirmed.ClientRef {
				idx = i
				break
			}
		}
	}

	if idx < 0 {
		// Earliest-created matching entry wins: sends reconcile in
		// submission order.
		for i := range log {
			if log[i].State == Confirmed || log[i].Text != confirmed.Text {
				continue
			}
			if absDiff(log[i].CreatedAt, confirmed.CreatedAt) > tolerance {
				continue
			}
			if idx < 0 || log[i].CreatedAt.Before(log[idx].CreatedAt) {
				idx = i
			}
		}
	}

	if idx < 0 {
		confirmed.State = Confirmed
		metrics.ReconcileOutcomes.WithLabelValues("appended").Inc()
		return append(log, confirmed), false
	}

	tempID := log[idx].TempID
	confirmed.State = Confirmed
	confirmed.TempID = tempID
	log[idx] = confirmed
	metrics.ReconcileOutcomes.WithLabelValues("matched").Inc()
	return log, true
}

func absDiff(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
