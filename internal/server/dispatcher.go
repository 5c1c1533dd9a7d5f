package server

import (
	"log"
	"time"

	"github.com/toymarket/chatsync/internal/metrics"
	"github.com/toymarket/chatsync/internal/protocol"
)

// Handler is the callback signature for handling a parsed client event. The
// payload parameter is the concrete struct returned by
// protocol.ParseClientEvent (e.g., protocol.SendMessagePayload).
type Handler func(conn *Conn, payload interface{})

// Dispatcher routes incoming events to registered handlers based on the
// event name. It handles the built-in ping/pong keepalive internally and
// sends structured error responses for malformed or unsupported events.
type Dispatcher struct {
	handlers map[string]Handler
	server   *Server
}

// NewDispatcher creates a Dispatcher. The server reference is assigned later
// via SetServer, since NewServer requires the Dispatch callback.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// SetServer assigns the Server reference on the dispatcher.
func (d *Dispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a Handler with an event name. If a handler was already
// registered for the given event, it is silently replaced.
func (d *Dispatcher) Register(event string, handler Handler) {
	d.handlers[event] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed event, handles ping internally, and routes all other events
// to the registered handler. Parse errors and unregistered events result in
// an error event sent back to the client.
func (d *Dispatcher) Dispatch(conn *Conn, data []byte) {
	event, payload, err := protocol.ParseClientEvent(data)
	if err != nil {
		log.Printf("server: dispatch parse error session=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "invalid event format")
		return
	}

	metrics.ServerMessages.WithLabelValues(event).Inc()

	// Built-in ping handler, no registration required.
	if event == protocol.EventPing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[event]
	if !ok {
		log.Printf("server: unsupported event=%q session=%s", event, conn.ID)
		d.sendError(conn, "unsupported_event", "unsupported event")
		return
	}

	handler(conn, payload)
}

// sendError sends a structured error event back to the client. Errors during
// event construction or transmission are logged but not propagated.
func (d *Dispatcher) sendError(conn *Conn, code string, message string) {
	data, err := protocol.NewEvent(protocol.EventError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("server: failed to build error event session=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("server: failed to send error event session=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong event and updates the
// connection's LastPing timestamp.
func (d *Dispatcher) sendPong(conn *Conn) {
	conn.LastPing = time.Now()

	data, err := protocol.NewEvent(protocol.EventPong, protocol.PongPayload{})
	if err != nil {
		log.Printf("server: failed to build pong event session=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("server: failed to send pong event session=%s: %v", conn.ID, err)
	}
}
