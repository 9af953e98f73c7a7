package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/redis/go-redis/v9"

	"github.com/matchify/chat-relay/internal/matching"
	"github.com/matchify/chat-relay/internal/protocol"
	"github.com/matchify/chat-relay/internal/ratelimit"
	"github.com/matchify/chat-relay/internal/relay"
	"github.com/matchify/chat-relay/internal/room"
	"github.com/matchify/chat-relay/internal/session"
)

// staticResolver treats the "user" query parameter as an already
// authenticated user ID.
type staticResolver struct {
	names map[string]string
	err   error
}

func (s staticResolver) Resolve(r *http.Request) (*relay.Identity, error) {
	if s.err != nil {
		return nil, s.err
	}
	user := r.URL.Query().Get("user")
	name, ok := s.names[user]
	if !ok {
		return nil, nil
	}
	return &relay.Identity{UserID: user, DisplayName: name}, nil
}

type fakeTaste map[string][]string

func (f fakeTaste) Taste(ctx context.Context, userID, matchType string) ([]string, error) {
	return f[userID], nil
}

type testServer struct {
	srv  *Server
	http *httptest.Server
	rdb  *redis.Client
	mr   *miniredis.Miniredis
}

func setupTestServer(t *testing.T, config ServerConfig, resolver IdentityResolver, tastes fakeTaste) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	rl := relay.New(relay.Config{OpTimeout: time.Second}, relay.Deps{
		Queue:    matching.NewQueue(rdb),
		Rooms:    room.NewStore(rdb),
		Taste:    tastes,
		Presence: session.NewStore(rdb, "test", time.Minute),
	})

	srv := NewServer(config, rl, resolver)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &testServer{srv: srv, http: hs, rdb: rdb, mr: mr}
}

func testServerConfig() ServerConfig {
	config := DefaultServerConfig()
	config.Heartbeat.Interval = 0
	return config
}

func (ts *testServer) url(path string) string {
	return ts.http.URL + path
}

func (ts *testServer) dial(t *testing.T, path string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(ts.http.URL, "http")+path)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	if br != nil {
		// Frames that arrived with the handshake response.
		return bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
	}
	return conn
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func readEvent(t *testing.T, conn net.Conn) protocol.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ev, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

func writeEvent(t *testing.T, conn net.Conn, ev protocol.Event) {
	t.Helper()
	data, err := protocol.Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------- rejections ----------

func TestServer_RejectsBeforeUpgrade(t *testing.T) {
	ts := setupTestServer(t, testServerConfig(), staticResolver{names: map[string]string{"U1": "alice"}}, fakeTaste{})

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown match type", "/chat/genre?user=U1", http.StatusNotFound},
		{"no identity", "/chat/artist", http.StatusUnauthorized},
		{"unknown user", "/chat/artist?user=U9", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(ts.url(tc.path))
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}

	if keys := ts.mr.Keys(); len(keys) != 0 {
		t.Errorf("rejected requests should not touch redis, got keys %v", keys)
	}
}

func TestServer_IdentityLookupFailure(t *testing.T) {
	ts := setupTestServer(t, testServerConfig(), staticResolver{err: errors.New("db down")}, fakeTaste{})

	resp, err := http.Get(ts.url("/chat/artist?user=U1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func TestServer_RateLimitsConnects(t *testing.T) {
	ts := setupTestServer(t, testServerConfig(), staticResolver{names: map[string]string{"U1": "alice"}}, fakeTaste{})
	ts.srv.SetRateLimit(ratelimit.NewLimiter(ts.rdb), ratelimit.Rule{Key: "rl:conn:", Limit: 1, Window: time.Minute})

	conn := ts.dial(t, "/chat/artist?user=U1")
	conn.Close()

	resp, err := http.Get(ts.url("/chat/artist?user=U1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got == "" || got == "0" {
		t.Errorf("expected a positive Retry-After, got %q", got)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{time.Millisecond, 1},
		{400 * time.Millisecond, 1},
		{time.Second, 1},
		{1001 * time.Millisecond, 2},
		{59500 * time.Millisecond, 60},
		{0, 1},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// ---------- chat ----------

func TestServer_TwoClientsChat(t *testing.T) {
	ts := setupTestServer(t, testServerConfig(),
		staticResolver{names: map[string]string{"U1": "alice", "U2": "bob"}},
		fakeTaste{"U1": {"A", "B", "C"}, "U2": {"C", "D"}})

	c1 := ts.dial(t, "/chat/artist?user=U1")
	waitFor(t, "U1 queued", func() bool { return ts.mr.Exists("queue-artist:U1") })
	c2 := ts.dial(t, "/chat/artist?user=U2")

	for _, tc := range []struct {
		conn net.Conn
		peer string
	}{{c1, "bob"}, {c2, "alice"}} {
		ev := readEvent(t, tc.conn)
		connected, ok := ev.(protocol.Connected)
		if !ok || connected.ConnectedTo.DisplayName != tc.peer {
			t.Fatalf("expected CONNECTED to %s, got %#v", tc.peer, ev)
		}
		greeting, ok := readEvent(t, tc.conn).(protocol.Message)
		if !ok || greeting.From != protocol.SystemSender || !strings.Contains(greeting.Message, "C") {
			t.Fatalf("expected system greeting, got %#v", greeting)
		}
	}

	writeEvent(t, c1, protocol.Message{Message: "hello", From: "U1"})
	got, ok := readEvent(t, c2).(protocol.Message)
	if !ok || got.Message != "hello" || got.From != "U1" {
		t.Fatalf("expected relayed message, got %#v", got)
	}

	c1.Close()

	if _, ok := readEvent(t, c2).(protocol.Disconnected); !ok {
		t.Fatal("expected DISCONNECTED after partner left")
	}
	bye, ok := readEvent(t, c2).(protocol.Message)
	if !ok || bye.Message != "alice disconnected" {
		t.Fatalf("expected disconnect notice, got %#v", bye)
	}

	waitFor(t, "connections drained", func() bool { return ts.srv.conns.Count() == 0 })
	if ts.mr.Exists("room:U1-U2") {
		t.Error("room should be deleted")
	}
}

func TestServer_OversizedFrameClosesConnection(t *testing.T) {
	config := testServerConfig()
	config.MaxFrameBytes = 64
	ts := setupTestServer(t, config, staticResolver{names: map[string]string{"U1": "alice"}}, fakeTaste{"U1": {"A"}})

	conn := ts.dial(t, "/chat/artist?user=U1")
	waitFor(t, "U1 queued", func() bool { return ts.mr.Exists("queue-artist:U1") })

	if err := wsutil.WriteClientMessage(conn, ws.OpText, []byte(strings.Repeat("x", 200))); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, "connection closed", func() bool { return ts.srv.conns.Count() == 0 })
	waitFor(t, "queue entry removed", func() bool { return !ts.mr.Exists("queue-artist:U1") })
}

// ---------- health ----------

func TestServer_Health(t *testing.T) {
	ts := setupTestServer(t, testServerConfig(), staticResolver{names: map[string]string{"U1": "alice"}}, fakeTaste{})

	ts.dial(t, "/chat/artist?user=U1")
	waitFor(t, "U1 registered", func() bool { return ts.srv.relay.Registry().Len() == 1 })

	resp, err := http.Get(ts.url("/health"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Sessions    int    `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Connections != 1 || body.Sessions != 1 {
		t.Errorf("unexpected health %+v", body)
	}
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	ts := setupTestServer(t, testServerConfig(), staticResolver{names: map[string]string{"U1": "alice"}}, fakeTaste{"U1": {"A"}})

	ts.dial(t, "/chat/artist?user=U1")
	waitFor(t, "U1 queued", func() bool { return ts.mr.Exists("queue-artist:U1") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ts.srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := ts.srv.conns.Count(); n != 0 {
		t.Errorf("expected no connections, got %d", n)
	}
	if ts.mr.Exists("queue-artist:U1") {
		t.Error("queue entry should be removed on shutdown")
	}
}
