package server

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // max time to wait for activity after ping
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and closes those that have gone
// stale (no activity within Interval + Timeout). It returns immediately; the
// goroutine exits when the server's done channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections iterates over all active connections. Connections that
// have not shown activity within Interval + Timeout are considered dead and
// are removed. All other connections receive a WebSocket-level ping frame
// which the client library answers automatically with a pong.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Registry().All() {
		if now.Sub(c.LastPing) > deadline {
			log.Printf("server: heartbeat timeout session=%s last_activity=%s ago",
				c.ID, now.Sub(c.LastPing).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("server: heartbeat ping failed session=%s: %v", c.ID, err)
			server.RemoveConnection(c)
		}
	}
}
