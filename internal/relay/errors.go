package relay

import (
	"errors"
	"fmt"
)

// Errors that terminate a single connection. They never escape the
// connection's own task.
var (
	ErrAuthRequired           = errors.New("relay: authentication required")
	ErrStoreUnavailable       = errors.New("relay: store unavailable")
	ErrCounterpartUnreachable = errors.New("relay: counterpart unreachable")
	ErrMalformedPayload       = errors.New("relay: malformed payload")
	ErrAlreadyConnected       = errors.New("relay: user already connected")
	ErrNotMatched             = errors.New("relay: not in a room")
)

// Notices carried by DISCONNECTED events.
const (
	NoticeDisconnected     = "Disconnected from server"
	NoticeAlreadyConnected = "Already connected from another session"
)

func storeErr(op string, err error) error {
	return fmt.Errorf("relay: %s: %w: %w", op, ErrStoreUnavailable, err)
}

// reason maps a terminal error to a metrics label.
func reason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, ErrAuthRequired):
		return "auth"
	case errors.Is(err, ErrAlreadyConnected):
		return "duplicate"
	case errors.Is(err, ErrStoreUnavailable):
		return "store"
	case errors.Is(err, ErrCounterpartUnreachable):
		return "unreachable"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, ErrNotMatched):
		return "unmatched"
	default:
		return "transport"
	}
}

// notice picks the DISCONNECTED text for a terminal error.
func notice(err error) string {
	if errors.Is(err, ErrAlreadyConnected) {
		return NoticeAlreadyConnected
	}
	return NoticeDisconnected
}
