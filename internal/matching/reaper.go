package matching

import (
	"context"
	"log"
	"time"

	"github.com/matchify/chat-relay/internal/room"
)

// DefaultReapInterval is how often the reaper sweeps when not configured.
const DefaultReapInterval = 30 * time.Second

// Presence reports whether a user still has a live connection somewhere.
type Presence interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// ReaperConfig holds reaper tuning parameters.
type ReaperConfig struct {
	MatchTypes []string
	Interval   time.Duration
	MaxWait    time.Duration // 0 disables age-based eviction
}

// Reaper removes queue entries and rooms left behind by connections that
// never ran their close path (process crash, network partition).
type Reaper struct {
	queue    *Queue
	rooms    *room.Store
	presence Presence
	config   ReaperConfig
}

// NewReaper creates a reaper. presence may be nil, in which case only
// age-based eviction applies and rooms are left alone.
func NewReaper(queue *Queue, rooms *room.Store, presence Presence, config ReaperConfig) *Reaper {
	if config.Interval <= 0 {
		config.Interval = DefaultReapInterval
	}
	return &Reaper{queue: queue, rooms: rooms, presence: presence, config: config}
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[reaper] stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass and returns how many queue entries and rooms it
// removed.
func (r *Reaper) Sweep(ctx context.Context) (entries, rooms int) {
	for _, matchType := range r.config.MatchTypes {
		entries += r.sweepQueue(ctx, matchType)
	}
	if r.presence != nil && r.rooms != nil {
		rooms = r.sweepRooms(ctx)
	}
	if entries > 0 || rooms > 0 {
		log.Printf("[reaper] removed %d stale queue entries, %d stale rooms", entries, rooms)
	}
	return entries, rooms
}

func (r *Reaper) sweepQueue(ctx context.Context, matchType string) int {
	members, err := r.queue.rdb.ZRangeWithScores(ctx, IndexKey(matchType), 0, -1).Result()
	if err != nil {
		log.Printf("[reaper] list %s: %v", matchType, err)
		return 0
	}

	now := time.Now()
	removed := 0
	for _, m := range members {
		userID := m.Member.(string)
		if !r.staleEntry(ctx, matchType, userID, now.Sub(time.UnixMilli(int64(m.Score)))) {
			continue
		}
		if err := r.queue.Dequeue(ctx, matchType, userID); err != nil {
			log.Printf("[reaper] dequeue %s/%s: %v", matchType, userID, err)
			continue
		}
		removed++
	}
	return removed
}

func (r *Reaper) staleEntry(ctx context.Context, matchType, userID string, waited time.Duration) bool {
	if r.config.MaxWait > 0 && waited > r.config.MaxWait {
		return true
	}

	// Index member without an entry.
	exists, err := r.queue.rdb.Exists(ctx, EntryKey(matchType, userID)).Result()
	if err == nil && exists == 0 {
		return true
	}

	if r.presence == nil {
		return false
	}
	online, err := r.presence.Exists(ctx, userID)
	if err != nil {
		return false
	}
	return !online
}

func (r *Reaper) sweepRooms(ctx context.Context) int {
	var stale []string
	err := r.rooms.Scan(ctx, func(roomID string) bool {
		a, b, found, err := r.rooms.Members(ctx, roomID)
		if err != nil || !found {
			return true
		}
		if !r.online(ctx, a) && !r.online(ctx, b) {
			stale = append(stale, roomID)
		}
		return true
	})
	if err != nil {
		log.Printf("[reaper] scan rooms: %v", err)
	}

	removed := 0
	for _, roomID := range stale {
		if err := r.rooms.Delete(ctx, roomID); err != nil {
			log.Printf("[reaper] delete %s: %v", roomID, err)
			continue
		}
		removed++
	}
	return removed
}

// online treats lookup errors as online so a Redis hiccup never tears down
// a live room.
func (r *Reaper) online(ctx context.Context, userID string) bool {
	ok, err := r.presence.Exists(ctx, userID)
	if err != nil {
		return true
	}
	return ok
}
