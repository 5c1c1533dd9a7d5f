// Package rooms provides Redis-backed presence and room membership for the
// messaging service. Each connected session gets a presence hash, each
// conversation gets a membership set, and each user email gets an index of
// their open sessions so events can be fanned out to every device.
package rooms

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/toymarket/chatsync/internal/metrics"
)

const (
	// PresencePrefix is the Redis key prefix for per-session presence hashes.
	PresencePrefix = "presence:"

	// RoomPrefix is the Redis key prefix for per-conversation membership sets.
	RoomPrefix = "room:"

	// UserPrefix is the Redis key prefix for per-user session index sets.
	UserPrefix = "user:"

	// PresenceTTL is the time-to-live for presence keys. Membership and
	// index sets share the same TTL and are refreshed on activity.
	PresenceTTL = 1 * time.Hour
)

// Presence represents a session's state stored in Redis.
type Presence struct {
	ID             string `redis:"id"`
	Email          string `redis:"email"`
	Name           string `redis:"name"`
	Server         string `redis:"server"`          // which server instance owns the connection
	ConversationID string `redis:"conversation_id"` // joined room; empty if none
	CreatedAt      int64  `redis:"created_at"`      // unix timestamp
	LastActive     int64  `redis:"last_active"`     // unix timestamp
}

// Store manages presence and room membership in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a store connected to Redis and verifies the connection.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("rooms: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// CreatePresence stores presence for a newly connected session and indexes
// it under the user's email.
func (s *Store) CreatePresence(ctx context.Context, sessionID, email, name string) error {
	key := PresencePrefix + sessionID
	now := time.Now().Unix()

	presence := map[string]interface{}{
		"id":              sessionID,
		"email":           email,
		"name":            name,
		"server":          s.serverName,
		"conversation_id": "",
		"created_at":      now,
		"last_active":     now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, presence)
	pipe.Expire(ctx, key, PresenceTTL)
	pipe.SAdd(ctx, UserPrefix+email, sessionID)
	pipe.Expire(ctx, UserPrefix+email, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetPresence retrieves a session's presence. Returns nil if not found.
func (s *Store) GetPresence(ctx context.Context, sessionID string) (*Presence, error) {
	key := PresencePrefix + sessionID
	var p Presence
	err := s.client.HGetAll(ctx, key).Scan(&p)
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, nil // not found
	}
	return &p, nil
}

// Join adds a session to a conversation's room. A session is in at most one
// room at a time: joining a new room implicitly leaves the previous one.
func (s *Store) Join(ctx context.Context, conversationID, sessionID string) error {
	p, err := s.GetPresence(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("rooms: join %s: %w", conversationID, err)
	}

	pipe := s.client.Pipeline()
	if p != nil && p.ConversationID != "" && p.ConversationID != conversationID {
		pipe.SRem(ctx, RoomPrefix+p.ConversationID, sessionID)
	}
	pipe.SAdd(ctx, RoomPrefix+conversationID, sessionID)
	pipe.Expire(ctx, RoomPrefix+conversationID, PresenceTTL)
	pipe.HSet(ctx, PresencePrefix+sessionID,
		"conversation_id", conversationID,
		"last_active", time.Now().Unix())
	pipe.Expire(ctx, PresencePrefix+sessionID, PresenceTTL)
	_, err = pipe.Exec(ctx)
	if err == nil {
		metrics.ActiveRooms.Inc()
	}
	return err
}

// Leave removes a session from a conversation's room and clears the room
// reference on its presence hash.
func (s *Store) Leave(ctx context.Context, conversationID, sessionID string) error {
	pipe := s.client.Pipeline()
	pipe.SRem(ctx, RoomPrefix+conversationID, sessionID)
	pipe.HSet(ctx, PresencePrefix+sessionID,
		"conversation_id", "",
		"last_active", time.Now().Unix())
	_, err := pipe.Exec(ctx)
	if err == nil {
		metrics.ActiveRooms.Dec()
	}
	return err
}

// Members returns the session IDs currently joined to a conversation's room.
func (s *Store) Members(ctx context.Context, conversationID string) ([]string, error) {
	return s.client.SMembers(ctx, RoomPrefix+conversationID).Result()
}

// UserSessions returns every open session ID for the given user email,
// across all server instances.
func (s *Store) UserSessions(ctx context.Context, email string) ([]string, error) {
	return s.client.SMembers(ctx, UserPrefix+email).Result()
}

// RefreshTTL extends a session's presence TTL.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	return s.client.Expire(ctx, PresencePrefix+sessionID, PresenceTTL).Err()
}

// DeletePresence removes a session's presence, its user index entry, and
// any room membership it still holds.
func (s *Store) DeletePresence(ctx context.Context, sessionID string) error {
	p, err := s.GetPresence(ctx, sessionID)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	if p != nil {
		if p.ConversationID != "" {
			pipe.SRem(ctx, RoomPrefix+p.ConversationID, sessionID)
		}
		if p.Email != "" {
			pipe.SRem(ctx, UserPrefix+p.Email, sessionID)
		}
	}
	pipe.Del(ctx, PresencePrefix+sessionID)
	_, err = pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
