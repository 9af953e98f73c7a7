// Package room stores confirmed pairings in Redis. A room's identifier is
// derived from its two member IDs and doubles as its Redis key:
//
//	Key:   room:<lower-id>-<higher-id>
//	Value: hash {first-user, second-user, claim}
package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// Prefix is the key prefix shared by every room.
	Prefix = "room:"

	// Hash fields holding the two members.
	FieldFirst  = "first-user"
	FieldSecond = "second-user"

	// FieldClaim holds the token of the claim that created the room.
	FieldClaim = "claim"
)

// ErrSameUser is returned when a room is requested for a single user.
var ErrSameUser = errors.New("room: members must differ")

// ID returns the room identifier for a pair. The result does not depend on
// argument order, so either member can rebuild it.
func ID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return Prefix + a + "-" + b
}

// Ordered returns the pair in the order they are stored.
func Ordered(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Counterpart returns the member of (a, b) that is not self, or "" when self
// is not a member.
func Counterpart(a, b, self string) string {
	switch self {
	case a:
		return b
	case b:
		return a
	default:
		return ""
	}
}

// Store manages room hashes in Redis.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a room store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Create records a room for a and b and returns its ID.
func (s *Store) Create(ctx context.Context, a, b string) (string, error) {
	if a == b {
		return "", ErrSameUser
	}
	first, second := Ordered(a, b)
	id := ID(a, b)
	if err := s.rdb.HSet(ctx, id, FieldFirst, first, FieldSecond, second).Err(); err != nil {
		return "", fmt.Errorf("room: create %s: %w", id, err)
	}
	return id, nil
}

// Members returns both members of a room. found is false if the room does
// not exist.
func (s *Store) Members(ctx context.Context, roomID string) (a, b string, found bool, err error) {
	vals, err := s.rdb.HMGet(ctx, roomID, FieldFirst, FieldSecond).Result()
	if err != nil {
		return "", "", false, fmt.Errorf("room: members %s: %w", roomID, err)
	}
	first, _ := vals[0].(string)
	second, _ := vals[1].(string)
	if first == "" || second == "" {
		return "", "", false, nil
	}
	return first, second, true, nil
}

// Delete removes a room. Deleting a room that does not exist is a no-op.
func (s *Store) Delete(ctx context.Context, roomID string) error {
	if err := s.rdb.Del(ctx, roomID).Err(); err != nil {
		return fmt.Errorf("room: delete %s: %w", roomID, err)
	}
	return nil
}

// Scan walks every room key. It is used by the reaper; fn returning false
// stops the walk.
func (s *Store) Scan(ctx context.Context, fn func(roomID string) bool) error {
	iter := s.rdb.Scan(ctx, 0, Prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if !fn(iter.Val()) {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("room: scan: %w", err)
	}
	return nil
}
