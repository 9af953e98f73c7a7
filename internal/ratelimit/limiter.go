// Package ratelimit provides Redis-backed fixed-window rate limiting. The
// relay uses it to throttle how often one user may open a chat connection,
// which keeps a reconnect loop from churning the match queue.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:conn:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleConnect allows 10 chat connections per minute per user.
var RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: time.Minute}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one request for identifier and reports whether it is within
// the rule's limit. The counter and its TTL are read in one transaction; a
// counter found without a TTL gets one, so a failed EXPIRE can never block
// an identifier forever.
//
// On Redis errors Allow fails open (returns true) so that a Redis outage does
// not lock users out.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if rule.Limit <= 0 {
		return true, nil
	}
	key := rule.Key + identifier

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[ratelimit] redis error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if ttl.Val() < 0 {
		if err := l.client.PExpire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis PEXPIRE error key=%s: %v (failing open)", key, err)
			return true, err
		}
	}

	return incr.Val() <= int64(rule.Limit), nil
}

// RetryAfter returns how long until identifier's current window ends, or 0
// when no window is open.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
