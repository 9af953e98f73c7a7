package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all presence hashes.
	SessionPrefix = "session:"

	// SessionTTL is how long a presence record survives without a refresh.
	SessionTTL = 2 * time.Minute
)

// Store manages presence records in Redis. Each record is a hash under
// SessionPrefix+userID with fields user_id, display_name, match_type,
// room_id (empty if unmatched), server (the relay instance holding the
// socket), created_at and last_active (unix seconds).
type Store struct {
	client     *redis.Client
	serverName string
	ttl        time.Duration
}

// NewStore creates a presence store on an existing client. ttl <= 0 uses
// SessionTTL.
func NewStore(client *redis.Client, serverName string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = SessionTTL
	}
	return &Store{client: client, serverName: serverName, ttl: ttl}
}

// TTL returns the expiry applied on every write.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Touch creates the user's presence record, or refreshes it, and resets the
// TTL.
func (s *Store) Touch(ctx context.Context, userID, displayName, matchType string) error {
	key := SessionPrefix + userID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSetNX(ctx, key, "created_at", now)
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":      userID,
		"display_name": displayName,
		"match_type":   matchType,
		"server":       s.serverName,
		"last_active":  now,
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: touch %s: %w", userID, err)
	}
	return nil
}

// Exists reports whether the user has an unexpired presence record.
func (s *Store) Exists(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, SessionPrefix+userID).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetRoom records the room the user is chatting in. An empty roomID marks
// the user unmatched.
func (s *Store) SetRoom(ctx context.Context, userID, roomID string) error {
	key := SessionPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "room_id", roomID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// RefreshTTL extends the record's TTL. It is a no-op for missing records.
func (s *Store) RefreshTTL(ctx context.Context, userID string) error {
	return s.client.Expire(ctx, SessionPrefix+userID, s.ttl).Err()
}

// Delete removes a presence record.
func (s *Store) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, SessionPrefix+userID).Err()
}
