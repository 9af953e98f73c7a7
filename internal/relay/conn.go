package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matchify/chat-relay/internal/matching"
	"github.com/matchify/chat-relay/internal/metrics"
	"github.com/matchify/chat-relay/internal/protocol"
	"github.com/matchify/chat-relay/internal/room"
	"github.com/matchify/chat-relay/internal/session"
)

const anonymousName = "N/A"

// State is the protocol state of a connection.
type State int

const (
	StateUnmatched State = iota
	StateMatched
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnmatched:
		return "UNMATCHED"
	case StateMatched:
		return "MATCHED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Conn is one connection's task. The transport feeds it with Deliver and
// calls Close when the socket goes away; everything else happens on the
// task's own goroutine.
type Conn struct {
	relay     *Relay
	id        Identity
	authed    bool
	matchType string
	handle    session.Handle

	inbox    chan []byte
	quit     chan struct{}
	quitOnce sync.Once
	ready    chan struct{}
	done     chan struct{}

	closeOnce  sync.Once
	closed     atomic.Bool
	registered bool // owned by the task goroutine
}

// UserID returns the caller's ID, or "" for an unauthenticated connection.
func (c *Conn) UserID() string {
	return c.id.UserID
}

// Deliver hands a client frame to the task. It returns false once the task
// has finished.
func (c *Conn) Deliver(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inbox <- data:
		return true
	case <-c.done:
		return false
	}
}

// Close asks the task to run the close transition. It may be called any
// number of times from any goroutine.
func (c *Conn) Close() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// Ready is closed once the connect transition has finished.
func (c *Conn) Ready() <-chan struct{} {
	return c.ready
}

// Done is closed once the task has exited and its cleanup has run.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// State reports the connection's current protocol state. MATCHED is read
// from the registry because a counterpart's task may assign the room.
func (c *Conn) State() State {
	if c.closed.Load() {
		return StateClosed
	}
	s, ok := c.relay.registry.Lookup(c.id.UserID)
	if ok && s.Handle == c.handle && s.RoomID != "" {
		return StateMatched
	}
	return StateUnmatched
}

func (c *Conn) run() {
	defer close(c.done)

	err := c.connect()
	close(c.ready)
	if err != nil {
		c.fail(err)
		return
	}

	var keepalive <-chan time.Time
	if c.relay.presence != nil && c.relay.config.KeepaliveInterval > 0 {
		ticker := time.NewTicker(c.relay.config.KeepaliveInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case data := <-c.inbox:
			if err := c.message(data); err != nil {
				c.fail(err)
				return
			}
		case <-keepalive:
			c.refresh()
		case <-c.quit:
			if err := c.drain(); err != nil {
				c.fail(err)
				return
			}
			c.shutdown(nil)
			return
		}
	}
}

// drain relays frames that arrived before the close request.
func (c *Conn) drain() error {
	for {
		select {
		case data := <-c.inbox:
			if err := c.message(data); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Conn) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.relay.config.OpTimeout)
}

// ---------- connect ----------

func (c *Conn) connect() error {
	if !c.authed {
		return ErrAuthRequired
	}
	r := c.relay
	uid := c.id.UserID

	if !r.registry.Register(uid, c.id.DisplayName, c.handle) {
		return ErrAlreadyConnected
	}
	c.registered = true
	metrics.SessionsRegistered.Inc()

	ctx, cancel := c.opContext()
	defer cancel()

	if r.presence != nil {
		if err := r.presence.Touch(ctx, uid, c.id.DisplayName, c.matchType); err != nil {
			log.Printf("[relay] presence touch %s: %v", uid, err)
		}
	}

	taste, err := r.taste.Taste(ctx, uid, c.matchType)
	if err != nil {
		return storeErr("load taste", err)
	}

	// An entry left by an earlier connection stays claimable by other
	// matchers. Requiring it on our own claims lets only one of the two
	// pairings commit.
	_, stale, err := r.queue.Peek(ctx, c.matchType, uid)
	if err != nil {
		return storeErr("peek", err)
	}

	req := matching.PairRequest{MatchType: c.matchType, UserID: uid, Taste: taste, Queued: stale}
	m, err := r.engine.Pair(ctx, req)
	if errors.Is(err, matching.ErrSelfClaimed) {
		log.Printf("[relay] %s stale entry claimed by a concurrent matcher", uid)
		return nil
	}
	if err != nil {
		return storeErr("match", err)
	}

	if m == nil {
		if err := r.queue.Enqueue(ctx, c.matchType, uid, taste); err != nil {
			return storeErr("enqueue", err)
		}

		// A user who connected at the same moment may have scanned before
		// our entry existed. One more pass, now requiring our own entry,
		// pairs the two without risking a double claim.
		req.Queued = true
		m, err = r.engine.Pair(ctx, req)
		if errors.Is(err, matching.ErrSelfClaimed) {
			log.Printf("[relay] %s claimed by a concurrent matcher", uid)
			return nil
		}
		if err != nil {
			return storeErr("match", err)
		}
		if m == nil {
			log.Printf("[relay] %s waiting in %s pool (%d tokens)", uid, c.matchType, len(taste))
			return nil
		}
	}

	return c.matched(ctx, m)
}

func (c *Conn) matched(ctx context.Context, m *matching.Match) error {
	r := c.relay
	uid := c.id.UserID

	if !r.registry.AssignRoom(uid, m.RoomID) {
		// A concurrent matcher paired us first.
		c.release(ctx, m)
		return nil
	}
	if !r.registry.AssignRoom(m.PartnerID, m.RoomID) {
		return fmt.Errorf("%w: %s is not available", ErrCounterpartUnreachable, m.PartnerID)
	}
	peer, ok := r.registry.Lookup(m.PartnerID)
	if !ok {
		return fmt.Errorf("%w: %s is not connected", ErrCounterpartUnreachable, m.PartnerID)
	}

	metrics.MatchesTotal.WithLabelValues(c.matchType).Inc()
	metrics.MatchWait.Observe(m.PartnerWaited.Seconds())
	log.Printf("[relay] matched %s with %s in %s (shared=%d)", uid, m.PartnerID, m.RoomID, len(m.Shared))

	if r.presence != nil {
		for _, id := range []string{uid, m.PartnerID} {
			if err := r.presence.SetRoom(ctx, id, m.RoomID); err != nil {
				log.Printf("[relay] presence set room %s: %v", id, err)
			}
		}
	}
	if r.events != nil {
		if err := r.events.RoomCreated(m.RoomID, c.matchType, [2]string{uid, m.PartnerID}, m.Shared); err != nil {
			log.Printf("[relay] publish room created %s: %v", m.RoomID, err)
		}
	}

	shared := matching.FormatList(m.Shared)
	selfErr := announce(c.handle, peer.DisplayName, shared)
	if err := announce(peer.Handle, c.id.DisplayName, shared); err != nil {
		return fmt.Errorf("%w: notify %s: %v", ErrCounterpartUnreachable, m.PartnerID, err)
	}
	if selfErr != nil {
		return fmt.Errorf("relay: notify %s: %w", uid, selfErr)
	}
	return nil
}

// release undoes a committed claim the caller cannot take part in: the room
// is deleted and a partner still waiting on this node goes back to the pool.
func (c *Conn) release(ctx context.Context, m *matching.Match) {
	r := c.relay
	log.Printf("[relay] %s already matched, releasing %s", c.id.UserID, m.RoomID)
	if err := r.rooms.Delete(ctx, m.RoomID); err != nil {
		log.Printf("[relay] delete room %s: %v", m.RoomID, err)
	}
	peer, ok := r.registry.Lookup(m.PartnerID)
	if !ok || peer.RoomID != "" {
		return
	}
	if err := r.queue.Enqueue(ctx, c.matchType, m.PartnerID, m.PartnerTaste); err != nil {
		log.Printf("[relay] re-enqueue %s: %v", m.PartnerID, err)
	}
}

// announce sends CONNECTED and the system greeting to one member.
func announce(h session.Handle, partnerName, shared string) error {
	if err := send(h, protocol.Connected{ConnectedTo: protocol.Peer{DisplayName: partnerName}}); err != nil {
		return err
	}
	return send(h, protocol.Message{
		Message: fmt.Sprintf("You matched with %s and you both listen to %s", partnerName, shared),
		From:    protocol.SystemSender,
	})
}

func send(h session.Handle, ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	return h.Send(data)
}

// ---------- message ----------

func (c *Conn) message(data []byte) error {
	ev, err := protocol.Decode(data)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var out protocol.Event
	switch e := ev.(type) {
	case protocol.Message:
		if err := ValidateText(e.Message); err != nil {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		out = protocol.Message{Message: e.Message, From: c.id.UserID}
	case protocol.State:
		out = protocol.State{Typing: e.Typing, From: c.id.UserID}
	default:
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %s is server-only", ErrMalformedPayload, ev.Type())
	}

	return c.forward(out)
}

// forward relays ev to the other member of the caller's room.
func (c *Conn) forward(ev protocol.Event) error {
	r := c.relay
	uid := c.id.UserID

	self, ok := r.registry.Lookup(uid)
	if !ok || self.RoomID == "" {
		return ErrNotMatched
	}

	ctx, cancel := c.opContext()
	defer cancel()

	a, b, found, err := r.rooms.Members(ctx, self.RoomID)
	if err != nil {
		return storeErr("room members", err)
	}
	if !found {
		return fmt.Errorf("%w: room %s is gone", ErrCounterpartUnreachable, self.RoomID)
	}

	peerID := room.Counterpart(a, b, uid)
	peer, ok := r.registry.Lookup(peerID)
	if !ok || peer.RoomID != self.RoomID {
		return fmt.Errorf("%w: %s left %s", ErrCounterpartUnreachable, peerID, self.RoomID)
	}
	if err := send(peer.Handle, ev); err != nil {
		return fmt.Errorf("%w: send to %s: %v", ErrCounterpartUnreachable, peerID, err)
	}

	if ev.Type() == protocol.TypeState {
		metrics.MessagesTotal.WithLabelValues("state").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("message").Inc()
	}
	return nil
}

func (c *Conn) refresh() {
	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.relay.presence.RefreshTTL(ctx, c.id.UserID); err != nil {
		log.Printf("[relay] presence refresh %s: %v", c.id.UserID, err)
	}
}

// ---------- close ----------

// fail sends a best-effort DISCONNECTED and closes the connection.
func (c *Conn) fail(err error) {
	if !errors.Is(err, ErrAuthRequired) {
		log.Printf("[relay] %s: %v", c.id.UserID, err)
	}
	_ = send(c.handle, protocol.Disconnected{Message: notice(err)})
	c.shutdown(err)
}

// shutdown runs the close transition once.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.registered {
			c.cleanup()
		}
		_ = c.handle.Close()
		metrics.Disconnects.WithLabelValues(reason(cause)).Inc()
	})
}

func (c *Conn) cleanup() {
	r := c.relay
	uid := c.id.UserID

	ctx, cancel := c.opContext()
	defer cancel()

	if err := r.queue.Dequeue(ctx, c.matchType, uid); err != nil {
		log.Printf("[relay] dequeue %s: %v", uid, err)
	}
	if roomID := r.registry.TakeRoom(uid); roomID != "" {
		c.leaveRoom(ctx, roomID)
	}

	r.registry.Release(uid, c.handle)
	metrics.SessionsRegistered.Dec()

	if r.presence != nil {
		if err := r.presence.Delete(ctx, uid); err != nil {
			log.Printf("[relay] presence delete %s: %v", uid, err)
		}
	}
	log.Printf("[relay] %s disconnected (registered=%d)", uid, r.registry.Len())
}

// leaveRoom deletes the room and tells the other member, then closes the
// other member's connection so that its own task unregisters it.
func (c *Conn) leaveRoom(ctx context.Context, roomID string) {
	r := c.relay
	uid := c.id.UserID

	a, b, found, err := r.rooms.Members(ctx, roomID)
	if err != nil {
		log.Printf("[relay] room members %s: %v", roomID, err)
	}
	if err := r.rooms.Delete(ctx, roomID); err != nil {
		log.Printf("[relay] delete room %s: %v", roomID, err)
	}
	if r.events != nil {
		if err := r.events.RoomClosed(roomID, c.matchType, uid); err != nil {
			log.Printf("[relay] publish room closed %s: %v", roomID, err)
		}
	}
	if !found {
		return
	}

	peerID := room.Counterpart(a, b, uid)
	if !r.registry.ClearRoomIf(peerID, roomID) {
		return
	}
	peer, ok := r.registry.Lookup(peerID)
	if !ok {
		return
	}
	// The peer's own cleanup removes its presence record.
	_ = send(peer.Handle, protocol.Disconnected{Message: NoticeDisconnected})
	_ = send(peer.Handle, protocol.Message{
		Message: c.id.DisplayName + " disconnected",
		From:    protocol.SystemSender,
	})
	_ = peer.Handle.Close()
}
