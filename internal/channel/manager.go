// Package channel owns the single persistent bidirectional connection to the
// messaging server. It handles the connection lifecycle, credential binding,
// automatic reconnection with capped exponential backoff, and fan-out of
// inbound events to registered subscribers.
//
// Exactly one channel exists at a time. Connecting while a channel is open
// always tears the existing channel down first, even when the credential is
// unchanged: the identity behind a credential may have changed, so channels
// are never silently reused across connects.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/toymarket/chatsync/internal/metrics"
	"github.com/toymarket/chatsync/internal/protocol"
)

// Credential authenticates a channel. It is bound at Connect time and reused
// verbatim for automatic reconnects until the next explicit Connect.
type Credential struct {
	Token string
	Email string
	Name  string
}

// Handler is the callback signature for inbound channel events. Handlers run
// sequentially on the read loop goroutine and run to completion before the
// next queued event is processed, so state mutations inside one handler are
// atomic relative to other channel events. Handlers must not block.
type Handler func(payload json.RawMessage)

// Token identifies a subscription for later removal.
type Token int

// Dialer establishes the underlying network connection. It exists so tests
// can substitute an in-memory pipe for a real WebSocket dial.
type Dialer func(ctx context.Context, url string) (net.Conn, error)

// Config holds channel tuning parameters.
type Config struct {
	URL            string        // WebSocket endpoint, e.g. ws://localhost:8080/ws
	BackoffBase    time.Duration // first reconnect delay
	BackoffCap     time.Duration // maximum reconnect delay
	PingInterval   time.Duration // keepalive ping cadence; 0 disables pings
	Dial           Dialer        // nil means the default WebSocket dialer
}

// DefaultConfig returns sensible defaults for the given endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		URL:          endpoint,
		BackoffBase:  500 * time.Millisecond,
		BackoffCap:   30 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// ErrNotConnected is returned by Publish when no channel is ready. Sends
// requested before Connect has resolved are dropped by design; callers must
// wait for Connect.
var ErrNotConnected = fmt.Errorf("channel: not connected")

type subscription struct {
	token   Token
	event   string
	handler Handler
}

// Manager owns the channel. All components publish and subscribe through it;
// nothing else in the process touches the underlying connection.
type Manager struct {
	cfg Config

	mu         sync.Mutex
	conn       net.Conn
	cred       Credential
	instanceID string // identifies the current channel instance in logs
	gen        int    // bumped on every teardown; guards stale read loops
	ready      bool
	closed     bool // set by Disconnect; suppresses reconnection

	writeMu sync.Mutex // serializes outbound frames

	subMu     sync.Mutex
	subs      map[string][]subscription
	nextToken Token

	onReconnect func()
}

// NewManager creates a Manager for the given config. No connection is made
// until Connect is called.
func NewManager(cfg Config) *Manager {
	if cfg.Dial == nil {
		cfg.Dial = wsDial
	}
	return &Manager{
		cfg:  cfg,
		subs: make(map[string][]subscription),
	}
}

// wsDial is the default Dialer based on gobwas/ws.
func wsDial(ctx context.Context, endpoint string) (net.Conn, error) {
	conn, _, _, err := ws.Dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", endpoint, err)
	}
	return conn, nil
}

// Connect opens a fresh channel authenticated by cred. If a channel is
// already open it is fully closed first — including for an identical
// credential. Connect establishes a new channel instance: all previous
// subscriptions are discarded and callers must register their listeners
// again, exactly once per instance. Room memberships are likewise not
// remembered; re-establishing them is the caller's responsibility.
func (m *Manager) Connect(ctx context.Context, cred Credential) error {
	m.mu.Lock()
	if m.conn != nil {
		m.teardownLocked("replaced by new connect")
	} else {
		// No live connection, but a reconnect may still be backing off for
		// the previous credential; invalidate its generation too.
		m.gen++
	}
	m.closed = false
	m.cred = cred
	gen := m.gen
	m.mu.Unlock()

	// New channel instance: previous listeners no longer apply.
	m.subMu.Lock()
	m.subs = make(map[string][]subscription)
	m.subMu.Unlock()

	conn, err := m.cfg.Dial(ctx, m.endpoint(cred))
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.gen != gen || m.closed {
		// A concurrent Connect or Disconnect superseded this one.
		m.mu.Unlock()
		conn.Close()
		return fmt.Errorf("channel: connect superseded")
	}
	if m.conn != nil {
		// A same-generation reconnect won the dial race; the explicit
		// connect takes precedence.
		m.teardownLocked("replaced by new connect")
	}
	m.attachLocked(conn)
	m.mu.Unlock()
	return nil
}

// Disconnect closes the channel and suppresses reconnection. It is safe to
// call when no channel is open.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.conn != nil {
		m.teardownLocked("disconnect requested")
	}
	return nil
}

// Publish sends an event on the channel. Publishing before the channel is
// ready returns ErrNotConnected; per the error contract the send is dropped,
// not queued.
func (m *Manager) Publish(event string, payload interface{}) error {
	m.mu.Lock()
	conn, ready := m.conn, m.ready
	m.mu.Unlock()

	if !ready || conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.NewEvent(event, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		return fmt.Errorf("channel: publish %q: %w", event, err)
	}
	metrics.ChannelEventsTotal.WithLabelValues("out", event).Inc()
	return nil
}

// Subscribe registers a handler for an event name and returns a token for
// removal. The Manager guarantees each inbound server event is delivered at
// most once to each registered handler; callers are responsible for
// registering a given listener exactly once per channel instance.
func (m *Manager) Subscribe(event string, handler Handler) Token {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextToken++
	tok := m.nextToken
	m.subs[event] = append(m.subs[event], subscription{token: tok, event: event, handler: handler})
	return tok
}

// Unsubscribe removes a previously registered handler. Unknown tokens are
// ignored.
func (m *Manager) Unsubscribe(tok Token) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for event, list := range m.subs {
		for i, sub := range list {
			if sub.token == tok {
				m.subs[event] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// OnReconnect registers a hook invoked after every successful automatic
// reconnect. The channel does not remember room state, so the owner uses
// this hook to re-establish room memberships.
func (m *Manager) OnReconnect(fn func()) {
	m.mu.Lock()
	m.onReconnect = fn
	m.mu.Unlock()
}

// Connected reports whether a channel is currently ready for publishing.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// endpoint builds the dial URL with the credential bound as query parameters.
func (m *Manager) endpoint(cred Credential) string {
	q := url.Values{}
	q.Set("token", cred.Token)
	q.Set("email", cred.Email)
	q.Set("name", cred.Name)
	sep := "?"
	if strings.Contains(m.cfg.URL, "?") {
		sep = "&"
	}
	return m.cfg.URL + sep + q.Encode()
}

// attachLocked installs a new live connection and starts its read and ping
// loops. Caller must hold m.mu.
func (m *Manager) attachLocked(conn net.Conn) {
	m.conn = conn
	m.ready = true
	m.instanceID = uuid.New().String()[:8]
	gen := m.gen

	log.Printf("channel: connected instance=%s", m.instanceID)

	go m.readLoop(conn, gen)
	if m.cfg.PingInterval > 0 {
		go m.pingLoop(gen)
	}
}

// teardownLocked closes the current connection and invalidates its loops.
// Caller must hold m.mu.
func (m *Manager) teardownLocked(reason string) {
	log.Printf("channel: closing instance=%s (%s)", m.instanceID, reason)
	m.gen++
	m.ready = false
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// readLoop reads frames from one physical connection until it dies. Inbound
// events are validated against the closed server event set and dispatched
// sequentially, giving handlers run-to-completion semantics.
func (m *Manager) readLoop(conn net.Conn, gen int) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			m.mu.Lock()
			stale := m.gen != gen
			closed := m.closed
			if !stale && !closed {
				m.teardownLocked("read error")
			}
			m.mu.Unlock()

			if stale || closed {
				return
			}

			m.deliverError("connection_lost", err.Error())
			go m.reconnect()
			return
		}

		event, _, err := protocol.ParseServerEvent(data)
		if err != nil {
			log.Printf("channel: dropping malformed event: %v", err)
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		metrics.ChannelEventsTotal.WithLabelValues("in", event).Inc()
		m.dispatch(event, env.Payload)
	}
}

// dispatch delivers one event to each registered handler exactly once.
func (m *Manager) dispatch(event string, payload json.RawMessage) {
	m.subMu.Lock()
	list := make([]subscription, len(m.subs[event]))
	copy(list, m.subs[event])
	m.subMu.Unlock()

	for _, sub := range list {
		sub.handler(payload)
	}
}

// deliverError surfaces a local connection fault to error subscribers. Faults
// never unwind into caller code as panics or synchronous errors.
func (m *Manager) deliverError(code, message string) {
	payload, err := json.Marshal(protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	log.Printf("channel: fault code=%s: %s", code, message)
	m.dispatch(protocol.EventError, payload)
}

// reconnect retries the last bound credential with capped exponential
// backoff and unbounded attempts. It gives up only when Disconnect or a new
// Connect supersedes it.
func (m *Manager) reconnect() {
	delay := m.cfg.BackoffBase

	for attempt := 1; ; attempt++ {
		time.Sleep(delay)

		m.mu.Lock()
		if m.closed || m.conn != nil {
			m.mu.Unlock()
			return
		}
		cred := m.cred
		gen := m.gen
		hook := m.onReconnect
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := m.cfg.Dial(ctx, m.endpoint(cred))
		cancel()

		if err != nil {
			log.Printf("channel: reconnect attempt %d failed: %v (next in %s)", attempt, err, delay)
			delay *= 2
			if delay > m.cfg.BackoffCap {
				delay = m.cfg.BackoffCap
			}
			continue
		}

		m.mu.Lock()
		if m.gen != gen || m.closed || m.conn != nil {
			// Superseded, or an explicit Connect already attached a
			// channel; a reconnect never replaces a live one.
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.attachLocked(conn)
		m.mu.Unlock()

		metrics.ChannelReconnects.Inc()
		log.Printf("channel: reconnected after %d attempt(s)", attempt)
		if hook != nil {
			hook()
		}
		return
	}
}

// pingLoop publishes keepalive pings until its connection generation is
// superseded.
func (m *Manager) pingLoop(gen int) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		stale := m.gen != gen
		m.mu.Unlock()
		if stale {
			return
		}
		if err := m.Publish(protocol.EventPing, protocol.PingPayload{}); err != nil && err != ErrNotConnected {
			log.Printf("channel: keepalive ping failed: %v", err)
		}
	}
}
