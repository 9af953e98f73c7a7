// Package matching pairs waiting users by shared taste. The Queue keeps the
// waiting pool in Redis; the Engine scans it first-fit and commits a pairing
// through an atomic claim so that concurrent matchers never share a
// candidate.
package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/matchify/chat-relay/internal/room"
)

const (
	// Redis key patterns for the waiting pool.
	keyEntryPrefix = "queue-"       // + <match_type>:<user_id> -> JSON array of taste tokens
	keyIndexPrefix = "match:queue:" // + <match_type> -> sorted set, score = enqueue time (ms)

	claimCheckTimeout = 2 * time.Second
)

// EntryKey returns the queue entry key for a user in a match type pool.
func EntryKey(matchType, userID string) string {
	return keyEntryPrefix + matchType + ":" + userID
}

// IndexKey returns the sorted-set index key for a match type pool.
func IndexKey(matchType string) string {
	return keyIndexPrefix + matchType
}

// Candidate is a user waiting in a match type pool.
type Candidate struct {
	UserID     string
	Taste      []string
	EnqueuedAt time.Time
}

// ClaimRequest asks the queue to commit a pairing between the caller and a
// waiting candidate.
type ClaimRequest struct {
	MatchType   string
	SelfID      string
	CandidateID string
	// SelfQueued requires the caller's own entry to still exist. Set it when
	// the caller is waiting in the same pool.
	SelfQueued bool
}

// ClaimResult is the outcome of a claim.
type ClaimResult int

const (
	// ClaimCandidateTaken means the candidate's entry was gone.
	ClaimCandidateTaken ClaimResult = 0
	// ClaimOK means both entries were removed and the room was written.
	ClaimOK ClaimResult = 1
	// ClaimSelfTaken means the caller's own entry was gone, i.e. another
	// matcher already paired the caller.
	ClaimSelfTaken ClaimResult = -1
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimOK:
		return "ok"
	case ClaimCandidateTaken:
		return "candidate_taken"
	case ClaimSelfTaken:
		return "self_taken"
	default:
		return fmt.Sprintf("claim(%d)", int(r))
	}
}

// Queue manages the Redis data structures for the waiting pools.
type Queue struct {
	rdb         *redis.Client
	claimScript *redis.Script
}

// NewQueue creates a queue backed by Redis.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{
		rdb:         rdb,
		claimScript: redis.NewScript(claimLua),
	}
}

// Enqueue records a user as waiting. An existing entry for the same user is
// replaced, so a pool never holds two entries for one user.
func (q *Queue) Enqueue(ctx context.Context, matchType, userID string, taste []string) error {
	if taste == nil {
		taste = []string{}
	}
	value, err := json.Marshal(taste)
	if err != nil {
		return fmt.Errorf("matching: marshal taste: %w", err)
	}
	now := float64(time.Now().UnixMilli())

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, EntryKey(matchType, userID), value, 0)
		pipe.ZAdd(ctx, IndexKey(matchType), redis.Z{Score: now, Member: userID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("matching: enqueue %s/%s: %w", matchType, userID, err)
	}
	return nil
}

// Dequeue removes a user's entry. Removing an absent entry is not an error.
func (q *Queue) Dequeue(ctx context.Context, matchType, userID string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, EntryKey(matchType, userID))
		pipe.ZRem(ctx, IndexKey(matchType), userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("matching: dequeue %s/%s: %w", matchType, userID, err)
	}
	return nil
}

// Peek returns a user's stored taste vector. found is false when the user is
// not waiting.
func (q *Queue) Peek(ctx context.Context, matchType, userID string) (taste []string, found bool, err error) {
	raw, err := q.rdb.Get(ctx, EntryKey(matchType, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("matching: peek %s/%s: %w", matchType, userID, err)
	}
	if err := json.Unmarshal(raw, &taste); err != nil {
		return nil, false, fmt.Errorf("matching: decode entry %s/%s: %w", matchType, userID, err)
	}
	return taste, true, nil
}

// ListWaiting returns every waiting user in a pool, oldest first. Index
// members whose entry has vanished are skipped.
func (q *Queue) ListWaiting(ctx context.Context, matchType string) ([]Candidate, error) {
	members, err := q.rdb.ZRangeWithScores(ctx, IndexKey(matchType), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: list %s: %w", matchType, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = EntryKey(matchType, m.Member.(string))
	}
	values, err := q.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: list %s: %w", matchType, err)
	}

	candidates := make([]Candidate, 0, len(members))
	for i, m := range members {
		raw, ok := values[i].(string)
		if !ok {
			continue
		}
		userID := m.Member.(string)
		var taste []string
		if err := json.Unmarshal([]byte(raw), &taste); err != nil {
			log.Printf("[matcher] skipping undecodable entry %s: %v", keys[i], err)
			continue
		}
		candidates = append(candidates, Candidate{
			UserID:     userID,
			Taste:      taste,
			EnqueuedAt: time.UnixMilli(int64(m.Score)),
		})
	}
	return candidates, nil
}

// Size returns the number of users indexed in a pool.
func (q *Queue) Size(ctx context.Context, matchType string) (int64, error) {
	return q.rdb.ZCard(ctx, IndexKey(matchType)).Result()
}

// Claim atomically removes the candidate's entry (and the caller's, if any)
// and writes the room hash for the pair. Exactly one of several concurrent
// claims on the same candidate returns ClaimOK.
//
// Every claim stamps the room with a fresh token. When the script's reply is
// lost (timeout, dropped connection) the token tells whether it committed,
// so a committed claim is never reported as failed.
func (q *Queue) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	first, second := room.Ordered(req.SelfID, req.CandidateID)
	requireSelf := "0"
	if req.SelfQueued {
		requireSelf = "1"
	}
	roomID := room.ID(req.SelfID, req.CandidateID)
	token := uuid.New().String()

	keys := []string{
		EntryKey(req.MatchType, req.CandidateID),
		EntryKey(req.MatchType, req.SelfID),
		IndexKey(req.MatchType),
		roomID,
	}
	args := []interface{}{
		req.CandidateID, req.SelfID, requireSelf,
		room.FieldFirst, first, room.FieldSecond, second,
		room.FieldClaim, token,
	}

	n, err := q.claimScript.Run(ctx, q.rdb, keys, args...).Int()
	if err != nil {
		if q.committed(roomID, token) {
			log.Printf("[matcher] claim %s for %s committed despite error: %v", req.CandidateID, req.SelfID, err)
			return ClaimOK, nil
		}
		return ClaimCandidateTaken, fmt.Errorf("matching: claim %s for %s: %w", req.CandidateID, req.SelfID, err)
	}
	return ClaimResult(n), nil
}

// committed reports whether roomID carries the given claim token. It uses
// its own deadline because the claim's context may be the reason the reply
// was lost.
func (q *Queue) committed(roomID, token string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), claimCheckTimeout)
	defer cancel()
	got, err := q.rdb.HGet(ctx, roomID, room.FieldClaim).Result()
	if err != nil {
		return false
	}
	return got == token
}

// claimLua commits a pairing in one round trip.
//
//	KEYS: candidate entry, self entry, pool index, room
//	ARGV: candidate id, self id, require self ("1"/"0"), first field, first id,
//	      second field, second id, claim field, claim token
const claimLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
if ARGV[3] == '1' and redis.call('EXISTS', KEYS[2]) == 0 then
    return -1
end

redis.call('DEL', KEYS[1], KEYS[2])
redis.call('ZREM', KEYS[3], ARGV[1], ARGV[2])
redis.call('DEL', KEYS[4])
redis.call('HSET', KEYS[4], ARGV[4], ARGV[5], ARGV[6], ARGV[7], ARGV[8], ARGV[9])
return 1
`
