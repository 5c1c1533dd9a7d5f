// Package typing implements the per-conversation typing indicator: a tiny
// state machine for inbound signals from the counterpart, and a debouncer
// that turns the local user's keystroke stream into at most one start and
// one stop signal per burst.
package typing

import (
	"sync"
	"time"
)

// DefaultTimeout is how long an inbound typing signal holds the indicator in
// Typing before it auto-reverts to Idle without a refreshing signal.
const DefaultTimeout = 1 * time.Second

// DefaultQuiet is the local keystroke gap after which a stop signal is
// emitted.
const DefaultQuiet = 700 * time.Millisecond

// State is the indicator state.
type State int

const (
	Idle State = iota
	Typing
)

// Machine tracks the counterpart's typing indicator for one open
// conversation. Signals from the local identity are ignored; the deadline
// auto-reverts Typing to Idle when no refreshing start signal arrives.
type Machine struct {
	localEmail string
	timeout    time.Duration
	onChange   func(State, string)

	mu    sync.Mutex
	state State
	label string
	timer *time.Timer
}

// NewMachine creates an Idle machine. onChange, if non-nil, is invoked on
// every state transition with the new state and the counterpart label; it
// must not call back into the machine. A non-positive timeout means
// DefaultTimeout.
func NewMachine(localEmail string, timeout time.Duration, onChange func(State, string)) *Machine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Machine{localEmail: localEmail, timeout: timeout, onChange: onChange}
}

// Signal feeds one inbound typing event. A start from any identity other
// than the local user moves to Typing and refreshes the revert deadline; a
// stop moves to Idle immediately.
func (m *Machine) Signal(userEmail, userName string, isTyping bool) {
	if userEmail == m.localEmail {
		return
	}

	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	if !isTyping {
		changed := m.state != Idle
		m.state, m.label = Idle, ""
		cb := m.onChange
		m.mu.Unlock()
		if changed && cb != nil {
			cb(Idle, "")
		}
		return
	}

	changed := m.state != Typing || m.label != userName
	m.state, m.label = Typing, userName
	m.timer = time.AfterFunc(m.timeout, m.expire)
	cb := m.onChange
	m.mu.Unlock()
	if changed && cb != nil {
		cb(Typing, userName)
	}
}

// Reset forces the machine to Idle, cancelling any pending deadline. Used
// when the conversation closes.
func (m *Machine) Reset() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.state, m.label = Idle, ""
	m.mu.Unlock()
}

// CurrentState returns the state and, when Typing, the counterpart label.
func (m *Machine) CurrentState() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.label
}

func (m *Machine) expire() {
	m.mu.Lock()
	if m.state != Typing {
		m.mu.Unlock()
		return
	}
	m.state, m.label = Idle, ""
	m.timer = nil
	cb := m.onChange
	m.mu.Unlock()
	if cb != nil {
		cb(Idle, "")
	}
}

// Notifier debounces the local user's keystrokes into outbound signals: a
// continuous typing burst emits exactly one start, and one stop after the
// quiet gap (or an explicit Stop, e.g. when a message is sent).
type Notifier struct {
	quiet   time.Duration
	publish func(typing bool)

	mu     sync.Mutex
	active bool
	timer  *time.Timer
}

// NewNotifier creates a Notifier publishing through the given callback. A
// non-positive quiet gap means DefaultQuiet.
func NewNotifier(quiet time.Duration, publish func(typing bool)) *Notifier {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	return &Notifier{quiet: quiet, publish: publish}
}

// Keystroke records one local keystroke. The first keystroke of a burst
// publishes a start signal; each keystroke pushes the stop deadline out.
func (n *Notifier) Keystroke() {
	n.mu.Lock()
	start := !n.active
	n.active = true
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.quiet, n.stopAfterQuiet)
	n.mu.Unlock()

	if start {
		n.publish(true)
	}
}

// Stop ends the burst immediately, publishing a stop signal if one is owed.
func (n *Notifier) Stop() {
	n.mu.Lock()
	owed := n.active
	n.active = false
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.mu.Unlock()

	if owed {
		n.publish(false)
	}
}

func (n *Notifier) stopAfterQuiet() {
	n.mu.Lock()
	owed := n.active
	n.active = false
	n.timer = nil
	n.mu.Unlock()

	if owed {
		n.publish(false)
	}
}
