// Package protocol defines the JSON events exchanged over a chat connection.
// Every frame is a single event carrying a "type" discriminator; the set of
// event types is closed and anything else is rejected as malformed.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Event type discriminators.
const (
	TypeConnected    = "CONNECTED"
	TypeDisconnected = "DISCONNECTED"
	TypeMessage      = "MESSAGE"
	TypeState        = "STATE"
)

// SystemSender is the "from" value of server-authored messages.
const SystemSender = "SYSTEM"

// ErrMalformed is returned by Decode for frames that are not a known,
// well-formed event.
var ErrMalformed = errors.New("protocol: malformed payload")

// Event is implemented by the four event variants only.
type Event interface {
	Type() string
	isEvent()
}

// Peer describes the other member of a room to a client.
type Peer struct {
	DisplayName string `json:"displayName"`
}

// Connected tells a client it has been paired.
type Connected struct {
	ConnectedTo Peer
}

// Disconnected is the terminal notice sent before the server closes a
// connection.
type Disconnected struct {
	Message string
}

// Message is a chat line. From is the sender's user ID or SystemSender.
type Message struct {
	Message string
	From    string
}

// State carries a typing indicator.
type State struct {
	Typing bool
	From   string
}

func (Connected) Type() string    { return TypeConnected }
func (Disconnected) Type() string { return TypeDisconnected }
func (Message) Type() string      { return TypeMessage }
func (State) Type() string        { return TypeState }

func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}
func (Message) isEvent()      {}
func (State) isEvent()        {}

// Wire shapes written by Encode.
type (
	connectedWire struct {
		Type        string `json:"type"`
		ConnectedTo *Peer  `json:"connectedTo"`
	}
	disconnectedWire struct {
		Type    string  `json:"type"`
		Message *string `json:"message"`
	}
	messageWire struct {
		Type    string  `json:"type"`
		Message *string `json:"message"`
		From    string  `json:"from,omitempty"`
	}
	stateWire struct {
		Type   string `json:"type"`
		Typing *bool  `json:"typing"`
		From   string `json:"from,omitempty"`
	}
)

// Encode serializes an event into a JSON text frame.
func Encode(ev Event) ([]byte, error) {
	var v interface{}
	switch e := ev.(type) {
	case Connected:
		peer := e.ConnectedTo
		v = connectedWire{Type: TypeConnected, ConnectedTo: &peer}
	case Disconnected:
		msg := e.Message
		v = disconnectedWire{Type: TypeDisconnected, Message: &msg}
	case Message:
		msg := e.Message
		v = messageWire{Type: TypeMessage, Message: &msg, From: e.From}
	case State:
		typing := e.Typing
		v = stateWire{Type: TypeState, Typing: &typing, From: e.From}
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", ev)
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", ev.Type(), err)
	}
	return out, nil
}

// Decode parses a frame into one of the event variants. Unknown or missing
// discriminators, bad JSON and missing required fields all yield an error
// wrapping ErrMalformed. Field names must match exactly: a key that differs
// from a known field only by case, or a key given twice, is rejected.
func Decode(data []byte) (Event, error) {
	fields, err := objectFields(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var eventType string
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &eventType); err != nil {
			return nil, fmt.Errorf("%w: \"type\" must be a string", ErrMalformed)
		}
	}

	switch eventType {
	case TypeConnected:
		var peer Peer
		if ok, err := field(fields, eventType, "connectedTo", &peer); err != nil || !ok {
			return nil, orMissing(err, eventType, "connectedTo")
		}
		return Connected{ConnectedTo: peer}, nil

	case TypeDisconnected:
		var msg string
		if ok, err := field(fields, eventType, "message", &msg); err != nil || !ok {
			return nil, orMissing(err, eventType, "message")
		}
		return Disconnected{Message: msg}, nil

	case TypeMessage:
		var msg, from string
		if ok, err := field(fields, eventType, "message", &msg); err != nil || !ok {
			return nil, orMissing(err, eventType, "message")
		}
		if _, err := field(fields, eventType, "from", &from); err != nil {
			return nil, err
		}
		return Message{Message: msg, From: from}, nil

	case TypeState:
		var typing bool
		var from string
		if ok, err := field(fields, eventType, "typing", &typing); err != nil || !ok {
			return nil, orMissing(err, eventType, "typing")
		}
		if _, err := field(fields, eventType, "from", &from); err != nil {
			return nil, err
		}
		return State{Typing: typing, From: from}, nil

	case "":
		return nil, fmt.Errorf("%w: missing or empty \"type\" field", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformed, eventType)
	}
}

// knownFields are the keys any event may carry.
var knownFields = []string{"type", "connectedTo", "message", "from", "typing"}

// objectFields splits a top-level JSON object into its raw members, keyed
// exactly as written.
func objectFields(data []byte) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("event must be a JSON object")
	}

	fields := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		if _, dup := fields[key]; dup {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		for _, known := range knownFields {
			if key != known && strings.EqualFold(key, known) {
				return nil, fmt.Errorf("key %q must be spelled %q", key, known)
			}
		}
		fields[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after event")
	}
	return fields, nil
}

// field decodes fields[name] into dst. A JSON null counts as absent.
func field(fields map[string]json.RawMessage, eventType, name string, dst interface{}) (bool, error) {
	raw, ok := fields[name]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("%w: %s: %q: %v", ErrMalformed, eventType, name, err)
	}
	return true, nil
}

func orMissing(err error, eventType, name string) error {
	if err != nil {
		return err
	}
	return missing(eventType, name)
}

func missing(eventType, field string) error {
	return fmt.Errorf("%w: %s without %q", ErrMalformed, eventType, field)
}
