// Package relay drives the chat protocol for each connection: it registers
// the user, runs matchmaking, relays MESSAGE and STATE events inside a room,
// and tears everything down exactly once when the connection ends.
//
// Every connection is served by its own goroutine that owns the connection's
// state and consumes an inbox fed by the transport. Store and registry
// access is the only state shared between connection tasks.
package relay

import (
	"context"
	"time"

	"github.com/matchify/chat-relay/internal/matching"
	"github.com/matchify/chat-relay/internal/session"
)

// Identity is the resolved caller of a connection.
type Identity struct {
	UserID      string
	DisplayName string
}

// QueueStore is the waiting pool used by the relay.
type QueueStore interface {
	matching.Store
	Enqueue(ctx context.Context, matchType, userID string, taste []string) error
	Dequeue(ctx context.Context, matchType, userID string) error
	Peek(ctx context.Context, matchType, userID string) (taste []string, found bool, err error)
}

// RoomStore resolves and removes rooms. Rooms are created by the queue's
// atomic claim.
type RoomStore interface {
	Members(ctx context.Context, roomID string) (a, b string, found bool, err error)
	Delete(ctx context.Context, roomID string) error
}

// TasteSource supplies a user's ordered interest tokens for a match type.
type TasteSource interface {
	Taste(ctx context.Context, userID, matchType string) ([]string, error)
}

// Presence records which users hold a live connection.
type Presence interface {
	Touch(ctx context.Context, userID, displayName, matchType string) error
	SetRoom(ctx context.Context, userID, roomID string) error
	RefreshTTL(ctx context.Context, userID string) error
	Delete(ctx context.Context, userID string) error
}

// EventPublisher announces room lifecycle changes to other services.
type EventPublisher interface {
	RoomCreated(roomID, matchType string, members [2]string, shared []string) error
	RoomClosed(roomID, matchType, closedBy string) error
}

// Config holds relay tuning parameters.
type Config struct {
	InboxSize         int           // buffered client frames per connection
	OpTimeout         time.Duration // bound on the store calls of one transition
	KeepaliveInterval time.Duration // presence refresh period
	MaxMatchAttempts  int           // re-scans after losing a contended candidate
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		InboxSize:         16,
		OpTimeout:         5 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		MaxMatchAttempts:  matching.DefaultMaxAttempts,
	}
}

// Deps are the collaborators of a Relay. Presence and Events may be nil.
type Deps struct {
	Registry *session.Registry
	Queue    QueueStore
	Rooms    RoomStore
	Taste    TasteSource
	Presence Presence
	Events   EventPublisher
}

// Relay is shared by every connection of one process.
type Relay struct {
	config   Config
	registry *session.Registry
	queue    QueueStore
	rooms    RoomStore
	taste    TasteSource
	presence Presence
	events   EventPublisher
	engine   *matching.Engine
}

// New creates a relay. A nil Registry gets a fresh one.
func New(config Config, deps Deps) *Relay {
	def := DefaultConfig()
	if config.InboxSize <= 0 {
		config.InboxSize = def.InboxSize
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = def.OpTimeout
	}
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	return &Relay{
		config:   config,
		registry: deps.Registry,
		queue:    deps.Queue,
		rooms:    deps.Rooms,
		taste:    deps.Taste,
		presence: deps.Presence,
		events:   deps.Events,
		engine:   matching.NewEngine(deps.Queue, config.MaxMatchAttempts),
	}
}

// Registry returns the process-local session registry.
func (r *Relay) Registry() *session.Registry {
	return r.registry
}

// Open starts the task for a new connection. A nil id means the transport
// could not resolve the caller; the connection is closed right away.
func (r *Relay) Open(id *Identity, matchType string, h session.Handle) *Conn {
	c := &Conn{
		relay:     r,
		matchType: matchType,
		handle:    h,
		inbox:     make(chan []byte, r.config.InboxSize),
		quit:      make(chan struct{}),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	if id != nil {
		c.id = *id
		c.authed = true
		if c.id.DisplayName == "" {
			c.id.DisplayName = anonymousName
		}
	}
	go c.run()
	return c
}
