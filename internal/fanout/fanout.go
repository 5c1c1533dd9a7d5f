// Package fanout provides a NATS client wrapper for relaying conversation
// events between server instances. Room traffic flows on per-conversation
// subjects; device-directed traffic (notifications, acks) flows on
// per-session subjects so a user's every open device receives it.
package fanout

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the messaging service.
const (
	SubjectConversation = "conv" // + .<conversation_id> (room events)
	SubjectSession      = "sess" // + .<session_id> (device-directed events)
)

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chatsync",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishConversation publishes data to the conv.<conversationID> subject.
func (c *Client) PublishConversation(conversationID string, data []byte) error {
	return c.conn.Publish(SubjectConversation+"."+conversationID, data)
}

// SubscribeConversation subscribes a session to the conv.<conversationID>
// subject. The subscription is keyed by sessionID so multiple sessions on
// the same server instance can follow the same conversation without
// overwriting each other's subscriptions. A session follows at most one
// conversation: subscribing replaces any previous conversation subscription
// for that session.
func (c *Client) SubscribeConversation(conversationID, sessionID string, handler func(data []byte)) error {
	subject := SubjectConversation + "." + conversationID
	key := "convsub:" + sessionID

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if prev, ok := c.subs[key]; ok {
		_ = prev.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeConversation removes a session's conversation subscription.
func (c *Client) UnsubscribeConversation(sessionID string) error {
	return c.unsubscribe("convsub:" + sessionID)
}

// PublishToSession publishes data to the sess.<sessionID> subject. The
// server instance owning that session relays it to the device.
func (c *Client) PublishToSession(sessionID string, data []byte) error {
	return c.conn.Publish(SubjectSession+"."+sessionID, data)
}

// SubscribeSession subscribes to device-directed events for a locally owned
// session.
func (c *Client) SubscribeSession(sessionID string, handler func(data []byte)) error {
	subject := SubjectSession + "." + sessionID

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeSession removes a session's device-directed subscription.
func (c *Client) UnsubscribeSession(sessionID string) error {
	return c.unsubscribe(SubjectSession + "." + sessionID)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes a stored subscription by key.
func (c *Client) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
