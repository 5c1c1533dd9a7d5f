// Package server implements the WebSocket side of the messaging service. It
// upgrades HTTP connections, authenticates the credential bound into the
// upgrade request, maintains the registry of active client sessions, and
// dispatches incoming events to the registered handlers.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/toymarket/chatsync/internal/metrics"
	"github.com/toymarket/chatsync/internal/protocol"
)

// Authenticator validates the credential bound into a channel upgrade
// request. Returning an error rejects the connection before the upgrade.
type Authenticator func(token, email, name string) error

// Config holds tunable parameters for the WebSocket server.
type Config struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		ReadTimeout:    90 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws. Each accepted
// connection gets a dedicated read goroutine that parses frames and hands
// complete text frames to the onMessage callback.
type Server struct {
	config       Config
	registry     *Registry
	auth         Authenticator
	onMessage    func(conn *Conn, data []byte)
	onConnect    func(conn *Conn)
	onDisconnect func(conn *Conn)
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration, authenticator,
// and message callback. The onMessage function is called from the
// connection's read goroutine whenever a complete text frame is received.
func NewServer(config Config, auth Authenticator, onMessage func(conn *Conn, data []byte)) *Server {
	return &Server{
		config:    config,
		registry:  NewRegistry(),
		auth:      auth,
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection is
// authenticated, registered, and has received its connected event.
func (s *Server) SetOnConnect(fn func(conn *Conn)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Conn)) {
	s.onDisconnect = fn
}

// Start configures the HTTP server and begins accepting WebSocket
// connections. Extra HTTP routes (e.g. the conversation REST API) may be
// supplied via routes. It blocks on http.Server.ListenAndServe.
func (s *Server) Start(routes map[string]http.Handler) error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	for pattern, handler := range routes {
		mux.Handle(pattern, handler)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("server: listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: http error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it to a WebSocket
// connection using the gobwas/ws zero-copy upgrader, registers the
// connection, and starts its read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	token, email, name := q.Get("token"), q.Get("email"), q.Get("name")
	if s.auth != nil {
		if err := s.auth(token, email, name); err != nil {
			log.Printf("server: auth rejected email=%s: %v", email, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("server: upgrade failed: %v", err)
		return
	}

	c := &Conn{
		ID:        uuid.New().String(),
		UserEmail: email,
		UserName:  name,
		Conn:      conn,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}
	s.registry.Add(c)
	metrics.ServerConnections.Inc()

	connected, err := protocol.NewEvent(protocol.EventConnected, protocol.ConnectedPayload{
		SessionID: c.ID,
	})
	if err != nil {
		log.Printf("server: failed to build connected event session=%s: %v", c.ID, err)
	} else if err := c.WriteMessage(connected); err != nil {
		log.Printf("server: failed to send connected event session=%s: %v", c.ID, err)
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Printf("server: new connection session=%s email=%s (total=%d)",
		c.ID, email, s.registry.Count())

	go s.readLoop(c)
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.registry.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// readLoop reads frames from one connection until it dies. It uses
// wsutil.NextReader so that control frames (ping, pong, close) are handled
// without blocking on a data frame that may never arrive.
func (s *Server) readLoop(c *Conn) {
	defer s.RemoveConnection(c)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}

		// Any frame proves the connection is alive.
		c.LastPing = time.Now()

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return
			}
			// Pong/ping from the control handler path: discard payload.
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return
			}
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}

		if len(data) == 0 {
			continue
		}

		if s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}

// RemoveConnection removes a connection from the registry and closes the
// underlying network connection. It is exported so that the heartbeat
// monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Conn) {
	// Guard: only proceed if the connection was actually registered. This
	// prevents double cleanup when multiple goroutines race to remove the
	// same connection (e.g., read error + heartbeat timeout).
	if !s.registry.Remove(c.ID) {
		return
	}
	metrics.ServerConnections.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("server: connection closed session=%s (total=%d)", c.ID, s.registry.Count())
}

// SendTo writes an event frame to the connection identified by sessionID.
// It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendTo(sessionID string, data []byte) error {
	c := s.registry.Get(sessionID)
	if c == nil {
		return fmt.Errorf("server: connection %s not found", sessionID)
	}
	return s.write(c, data)
}

// SendToEmail writes an event frame to every open session of the given
// user. Errors on individual connections are logged and skipped; dead
// connections are reaped by their read loops.
func (s *Server) SendToEmail(email string, data []byte) {
	for _, c := range s.registry.ByEmail(email) {
		if err := s.write(c, data); err != nil {
			log.Printf("server: send to session=%s email=%s failed: %v", c.ID, email, err)
		}
	}
}

func (s *Server) write(c *Conn, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear write deadline so it doesn't affect heartbeat pings.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Registry returns the connection registry for external access (e.g., by
// the heartbeat or the event handlers).
func (s *Server) Registry() *Registry {
	return s.registry
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the heartbeat and read loops to exit, and closes all
// active connections.
func (s *Server) Shutdown() error {
	log.Println("server: shutting down...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("server: http shutdown error: %v", err)
		}
	}

	for _, c := range s.registry.All() {
		c.Close()
	}

	log.Printf("server: stopped, all connections closed")
	return nil
}
