package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis, context.Context) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb, "relay-1", time.Minute), mr, context.Background()
}

func TestTouch_CreatesRecord(t *testing.T) {
	s, mr, ctx := setupTestStore(t)

	if err := s.Touch(ctx, "U1", "alice", "artist"); err != nil {
		t.Fatalf("touch: %v", err)
	}

	key := SessionPrefix + "U1"
	if mr.HGet(key, "user_id") != "U1" || mr.HGet(key, "display_name") != "alice" ||
		mr.HGet(key, "match_type") != "artist" || mr.HGet(key, "server") != "relay-1" {
		t.Error("unexpected record fields")
	}
	if mr.HGet(key, "created_at") == "" || mr.HGet(key, "last_active") == "" {
		t.Error("timestamps not set")
	}
	if ttl := mr.TTL(SessionPrefix + "U1"); ttl != time.Minute {
		t.Errorf("expected 1m TTL, got %s", ttl)
	}
}

func TestTouch_KeepsConnectedAt(t *testing.T) {
	s, mr, ctx := setupTestStore(t)

	if err := s.Touch(ctx, "U1", "alice", "artist"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	mr.HSet(SessionPrefix+"U1", "created_at", "42")
	if err := s.Touch(ctx, "U1", "alice", "artist"); err != nil {
		t.Fatalf("touch: %v", err)
	}

	if got := mr.HGet(SessionPrefix+"U1", "created_at"); got != "42" {
		t.Errorf("created_at should survive refresh, got %s", got)
	}
}

func TestExists_Expiry(t *testing.T) {
	s, mr, ctx := setupTestStore(t)

	if ok, _ := s.Exists(ctx, "U1"); ok {
		t.Fatal("expected no record")
	}
	s.Touch(ctx, "U1", "alice", "artist")
	if ok, _ := s.Exists(ctx, "U1"); !ok {
		t.Fatal("expected record")
	}

	mr.FastForward(2 * time.Minute)
	if ok, _ := s.Exists(ctx, "U1"); ok {
		t.Error("record should expire without refresh")
	}
}

func TestRefreshTTL(t *testing.T) {
	s, mr, ctx := setupTestStore(t)
	s.Touch(ctx, "U1", "alice", "artist")

	mr.FastForward(50 * time.Second)
	if err := s.RefreshTTL(ctx, "U1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	mr.FastForward(50 * time.Second)

	if ok, _ := s.Exists(ctx, "U1"); !ok {
		t.Error("refreshed record should still exist")
	}
}

func TestSetRoomAndDelete(t *testing.T) {
	s, mr, ctx := setupTestStore(t)
	s.Touch(ctx, "U1", "alice", "artist")

	if err := s.SetRoom(ctx, "U1", "room:U1-U2"); err != nil {
		t.Fatalf("set room: %v", err)
	}
	if got := mr.HGet(SessionPrefix+"U1", "room_id"); got != "room:U1-U2" {
		t.Errorf("expected room recorded, got %q", got)
	}

	if err := s.Delete(ctx, "U1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists(SessionPrefix + "U1") {
		t.Error("expected record removed")
	}
}
