// Package ws is the WebSocket transport of the relay. It authenticates the
// upgrade request, upgrades with gobwas/ws, runs one read goroutine per
// connection and hands every frame to the connection's relay task.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/matchify/chat-relay/internal/metrics"
	"github.com/matchify/chat-relay/internal/ratelimit"
	"github.com/matchify/chat-relay/internal/relay"
)

var errPeerClosed = errors.New("ws: closed by peer")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for reading the upgrade request
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameBytes  int64         // largest client message accepted
	MatchTypes     []string      // pools served under /chat/{matchType}
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameBytes:  16 << 10,
		MatchTypes:     []string{"artist"},
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server accepts chat connections and feeds them to the relay.
type Server struct {
	config     ServerConfig
	relay      *relay.Relay
	resolver   IdentityResolver
	limiter    *ratelimit.Limiter
	rule       ratelimit.Rule
	matchTypes map[string]bool
	conns      *ConnectionManager
	httpServer *http.Server
	readers    sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. Frames from every accepted connection are
// delivered to rl; resolver authenticates upgrade requests.
func NewServer(config ServerConfig, rl *relay.Relay, resolver IdentityResolver) *Server {
	s := &Server{
		config:     config,
		relay:      rl,
		resolver:   resolver,
		matchTypes: make(map[string]bool, len(config.MatchTypes)),
		conns:      NewConnectionManager(),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	for _, t := range config.MatchTypes {
		s.matchTypes[t] = true
	}
	return s
}

// SetRateLimit enables per-user connect throttling.
func (s *Server) SetRateLimit(limiter *ratelimit.Limiter, rule ratelimit.Rule) {
	s.limiter = limiter
	s.rule = rule
}

// Handler returns the HTTP routes served by the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chat/{matchType}", s.handleChat)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start begins accepting connections and blocks until the listener stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	go s.runHeartbeat(s.config.Heartbeat)

	log.Printf("ws: server listening on %s (max_conns=%d, pools=%v)",
		s.config.ListenAddr, s.config.MaxConnections, s.config.MatchTypes)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleChat authenticates the caller, upgrades the connection and starts
// its read loop. Rejections happen before the upgrade so clients get plain
// HTTP status codes.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	matchType := r.PathValue("matchType")
	if !s.matchTypes[matchType] {
		http.Error(w, "unknown match type", http.StatusNotFound)
		return
	}

	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	id, err := s.resolver.Resolve(r)
	if err != nil {
		log.Printf("ws: identity lookup failed for %s: %v", remoteHost(r), err)
		http.Error(w, "identity unavailable", http.StatusServiceUnavailable)
		return
	}
	if id == nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), id.UserID, s.rule); !ok {
			if d, err := s.limiter.RetryAfter(r.Context(), id.UserID, s.rule); err == nil && d > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d)))
			}
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed for %s: %v", remoteHost(r), err)
		return
	}

	c := newConnection(uuid.New().String(), id.UserID, matchType, conn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	log.Printf("ws: new connection conn=%s user=%s pool=%s (total=%d)", c.ID, c.UserID, matchType, s.conns.Count())

	rc := s.relay.Open(id, matchType, c)

	s.readers.Add(1)
	go s.readLoop(c, rc)
}

// readLoop reads client messages until the socket fails, then runs the
// relay's close transition and waits for it to finish.
func (s *Server) readLoop(c *Connection, rc *relay.Conn) {
	defer s.readers.Done()
	defer func() {
		rc.Close()
		<-rc.Done()
		c.Close()
		if s.conns.Remove(c.ID) {
			metrics.ConnectionsTotal.Dec()
		}
		log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
	}()

	control := s.controlHandler(c)
	rd := &wsutil.Reader{
		Source:         c.Conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   s.config.MaxFrameBytes,
		OnIntermediate: control,
	}

	for {
		header, err := rd.NextFrame()
		if err != nil {
			if errors.Is(err, wsutil.ErrFrameTooLarge) {
				_ = c.CloseWithStatus(ws.StatusMessageTooBig, "message too big")
			}
			return
		}
		c.touch()

		if header.OpCode.IsControl() {
			if err := control(header, rd); err != nil {
				return
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rd, s.config.MaxFrameBytes+1))
		if err != nil {
			if errors.Is(err, wsutil.ErrInvalidUTF8) {
				_ = c.CloseWithStatus(ws.StatusInvalidFramePayloadData, "invalid utf-8")
			}
			return
		}
		if int64(len(data)) > s.config.MaxFrameBytes {
			_ = c.CloseWithStatus(ws.StatusMessageTooBig, "message too big")
			return
		}
		if len(data) == 0 {
			continue
		}
		if !rc.Deliver(data) {
			return
		}
	}
}

// controlHandler answers pings and close frames through the connection's
// write mutex.
func (s *Server) controlHandler(c *Connection) wsutil.FrameHandlerFunc {
	return func(h ws.Header, r io.Reader) error {
		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		switch h.OpCode {
		case ws.OpPing:
			return c.writeFrame(ws.NewPongFrame(payload))
		case ws.OpClose:
			_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
			return errPeerClosed
		}
		return nil
	}
}

// handleHealth responds with the server's health status as JSON, including
// connection counts and uptime. It is used by the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Sessions    int    `json:"sessions"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Sessions:    s.relay.Registry().Len(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Shutdown stops the listener, closes every connection and waits for their
// relay tasks to clean up, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		_ = c.CloseWithStatus(ws.StatusGoingAway, "server shutting down")
	}

	finished := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		log.Printf("ws: server stopped, all connections closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws: shutdown: %w", ctx.Err())
	}
}

// remoteHost strips the port from a request's remote address.
// retryAfterSeconds rounds d up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
