package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/matchify/chat-relay/internal/metrics"
	"github.com/matchify/chat-relay/internal/room"
)

// DefaultMaxAttempts bounds how many times Pair re-scans after losing a
// candidate to a concurrent matcher.
const DefaultMaxAttempts = 5

// ErrSelfClaimed is returned by Pair when the caller's own queue entry was
// consumed by another matcher while the caller was scanning.
var ErrSelfClaimed = errors.New("matching: caller already claimed by another matcher")

// Store is the part of the queue the engine reads and commits through.
type Store interface {
	ListWaiting(ctx context.Context, matchType string) ([]Candidate, error)
	Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error)
}

// MatchResult is the outcome of a single scan.
type MatchResult struct {
	Matched   bool
	Candidate Candidate
	Shared    []string // in the caller's taste order
}

// PairRequest describes a user looking for a partner.
type PairRequest struct {
	MatchType string
	UserID    string
	Taste     []string
	// Queued is true when the caller already has an entry in the pool.
	Queued bool
}

// Match is a committed pairing.
type Match struct {
	RoomID        string
	PartnerID     string
	Shared        []string
	PartnerTaste  []string
	PartnerWaited time.Duration
}

// Engine pairs users first-fit: the first waiting candidate (in store order)
// sharing at least one token wins, regardless of how many tokens it shares.
type Engine struct {
	store       Store
	maxAttempts int
}

// NewEngine creates an engine over the given store. maxAttempts <= 0 uses
// DefaultMaxAttempts.
func NewEngine(store Store, maxAttempts int) *Engine {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Engine{store: store, maxAttempts: maxAttempts}
}

// TryMatch scans the pool once. It does not modify the store.
func (e *Engine) TryMatch(ctx context.Context, matchType, selfID string, selfTaste []string) (MatchResult, error) {
	if len(selfTaste) == 0 {
		return MatchResult{}, nil
	}

	candidates, err := e.store.ListWaiting(ctx, matchType)
	if err != nil {
		return MatchResult{}, err
	}

	for _, c := range candidates {
		if c.UserID == selfID {
			continue
		}
		if shared := Intersect(selfTaste, c.Taste); len(shared) > 0 {
			return MatchResult{Matched: true, Candidate: c, Shared: shared}, nil
		}
	}
	return MatchResult{}, nil
}

// Pair scans for a candidate and commits the pairing with an atomic claim.
// When another matcher wins the candidate first, Pair re-scans. It returns
// (nil, nil) when nobody compatible is waiting.
func (e *Engine) Pair(ctx context.Context, req PairRequest) (*Match, error) {
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		result, err := e.TryMatch(ctx, req.MatchType, req.UserID, req.Taste)
		if err != nil {
			return nil, err
		}
		if !result.Matched {
			return nil, nil
		}

		outcome, err := e.store.Claim(ctx, ClaimRequest{
			MatchType:   req.MatchType,
			SelfID:      req.UserID,
			CandidateID: result.Candidate.UserID,
			SelfQueued:  req.Queued,
		})
		if err != nil {
			return nil, err
		}

		switch outcome {
		case ClaimOK:
			return &Match{
				RoomID:        room.ID(req.UserID, result.Candidate.UserID),
				PartnerID:     result.Candidate.UserID,
				Shared:        result.Shared,
				PartnerTaste:  result.Candidate.Taste,
				PartnerWaited: time.Since(result.Candidate.EnqueuedAt),
			}, nil
		case ClaimSelfTaken:
			return nil, ErrSelfClaimed
		case ClaimCandidateTaken:
			metrics.ClaimConflicts.Inc()
			log.Printf("[matcher] %s lost candidate %s (attempt %d/%d)",
				req.UserID, result.Candidate.UserID, attempt, e.maxAttempts)
		default:
			return nil, fmt.Errorf("matching: unexpected claim result %v", outcome)
		}
	}

	log.Printf("[matcher] %s gave up after %d contended attempts", req.UserID, e.maxAttempts)
	return nil, nil
}

// Intersect returns the tokens of self that also appear in other, keeping
// self's order and dropping duplicates. Comparison is exact and
// case-sensitive.
func Intersect(self, other []string) []string {
	if len(self) == 0 || len(other) == 0 {
		return nil
	}
	in := make(map[string]struct{}, len(other))
	for _, t := range other {
		in[t] = struct{}{}
	}

	var shared []string
	seen := make(map[string]struct{})
	for _, t := range self {
		if _, ok := in[t]; !ok {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		shared = append(shared, t)
	}
	return shared
}
