package ws

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// runHeartbeat periodically sends WebSocket ping frames to all connections
// and closes those that have gone stale (no frame read within Interval +
// Timeout). It returns when the server's done channel is closed.
func (s *Server) runHeartbeat(config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkConnections(config)
		}
	}
}

// checkConnections closes connections without recent reads and pings the
// rest. Closing the socket ends the connection's read loop, which runs the
// relay's close transition.
func (s *Server) checkConnections(config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			log.Printf("ws: heartbeat timeout conn=%s user=%s last_activity=%s ago",
				c.ID, c.UserID, idle.Round(time.Second))
			c.Close()
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID, err)
			c.Close()
		}
	}
}
