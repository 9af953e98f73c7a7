// Package messaging provides a NATS client wrapper used to announce room
// lifecycle events to other services (analytics, moderation tooling). Chat
// traffic itself never goes through NATS.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATS subjects published by the relay.
const (
	SubjectRoomCreated = "room.created"
	SubjectRoomClosed  = "room.closed"
)

// RoomEvent is the payload of both room subjects.
type RoomEvent struct {
	ID        string   `json:"id"`
	RoomID    string   `json:"room_id"`
	MatchType string   `json:"match_type"`
	Members   []string `json:"members,omitempty"`
	Shared    []string `json:"shared,omitempty"`
	ClosedBy  string   `json:"closed_by,omitempty"`
	Server    string   `json:"server"`
	Timestamp int64    `json:"timestamp"` // unix millis
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	server string
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "matchify-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn:   nc,
		server: config.Name,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// RoomCreated publishes a room.created event.
func (c *NATSClient) RoomCreated(roomID, matchType string, members [2]string, shared []string) error {
	return c.publishRoom(SubjectRoomCreated, RoomEvent{
		RoomID:    roomID,
		MatchType: matchType,
		Members:   members[:],
		Shared:    shared,
	})
}

// RoomClosed publishes a room.closed event.
func (c *NATSClient) RoomClosed(roomID, matchType, closedBy string) error {
	return c.publishRoom(SubjectRoomClosed, RoomEvent{
		RoomID:    roomID,
		MatchType: matchType,
		ClosedBy:  closedBy,
	})
}

// SubscribeRoomEvents delivers decoded events from both room subjects.
// Malformed payloads are logged and dropped.
func (c *NATSClient) SubscribeRoomEvents(handler func(subject string, ev RoomEvent)) error {
	for _, subject := range []string{SubjectRoomCreated, SubjectRoomClosed} {
		err := c.Subscribe(subject, func(msg *nats.Msg) {
			var ev RoomEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				log.Printf("[nats] bad room event on %s: %v", msg.Subject, err)
				return
			}
			handler(msg.Subject, ev)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *NATSClient) publishRoom(subject string, ev RoomEvent) error {
	ev.ID = uuid.New().String()
	ev.Server = c.server
	ev.Timestamp = time.Now().UnixMilli()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: marshal %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
