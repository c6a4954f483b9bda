// ABOUTME: Wire message envelope and type constants for the swarm coordination protocol.
// ABOUTME: JSON over a persistent full-duplex connection; payload stays opaque here.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types carried in the "type" field of a wire message.
const (
	TypePing      = "ping"
	TypePong      = "pong"
	TypeMessage   = "message"
	TypeBroadcast = "broadcast"
	TypeRequest   = "request"
	TypeResponse  = "response"
	TypeError     = "error"
	TypeHeartbeat = "heartbeat"

	// TypeWelcome is server-to-client only, sent once after connection accept.
	TypeWelcome = "welcome"
)

// Error codes carried in the "error" field of an error-typed message.
const (
	CodeValidationError   = "validation-error"
	CodeUnknownType       = "unknown-type"
	CodeMissingRecipient  = "missing-recipient"
	CodeMissingResponseID = "missing-response-id"
	CodeRecipientNotFound = "recipient-not-found"
	CodeTopologyViolation = "topology-violation"
	CodeDeliveryFailed    = "delivery-failed"
)

// ErrInvalidMessage indicates a message failed structural validation.
var ErrInvalidMessage = errors.New("invalid message")

// Message is the wire envelope exchanged between agents and the relay.
// It is immutable once sent; ID is globally unique per sender.
//
// A request message's ID becomes the correlation key; the matching response
// carries it in ResponseID.
type Message struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	From       string          `json:"from"`
	To         string          `json:"to,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  int64           `json:"timestamp"` // unix milliseconds
	Priority   int             `json:"priority"`
	RequestID  string          `json:"requestId,omitempty"`
	ResponseID string          `json:"responseId,omitempty"`
	TTL        int64           `json:"ttl,omitempty"` // milliseconds

	// Error holds an error code when Type == TypeError.
	Error string `json:"error,omitempty"`
}

// New creates a message of the given type with a fresh ID and timestamp.
func New(msgType, from string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		From:      from,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewError creates an error-typed message addressed to the given agent.
// The detail payload explains the failure; correlateID references the
// message that triggered it (may be empty for undecodable input).
func NewError(from, to, code, detail, correlateID string) *Message {
	msg := New(TypeError, from)
	msg.To = to
	msg.Error = code
	msg.ResponseID = correlateID
	if detail != "" {
		payload, _ := json.Marshal(map[string]string{"detail": detail})
		msg.Payload = payload
	}
	return msg
}

// Decode parses a raw wire frame into a Message and validates it.
// Priority is mandatory on the wire but decodes into a plain int, where
// absent and zero look alike, so a shadowing pointer field catches absence.
func Decode(data []byte) (*Message, error) {
	var frame struct {
		Message
		Priority *int `json:"priority"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if frame.Priority == nil {
		return nil, fmt.Errorf("%w: missing priority", ErrInvalidMessage)
	}
	msg := frame.Message
	msg.Priority = *frame.Priority
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the structural invariants of the envelope.
// Mandatory fields: id, type, from, timestamp. Priority presence is
// enforced in Decode.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if m.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	if m.From == "" {
		return fmt.Errorf("%w: missing from", ErrInvalidMessage)
	}
	if m.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidMessage)
	}
	return nil
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// Expired reports whether the message's TTL has elapsed relative to now.
// Messages without a TTL never expire.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.UnixMilli() > m.Timestamp+m.TTL
}

// WelcomePayload is the payload of the welcome message sent on accept.
type WelcomePayload struct {
	ConnectionID string `json:"connectionId"`
	AgentID      string `json:"agentId"`
	ServerTime   int64  `json:"serverTime"`
}

// HeartbeatPayload is the optional payload of a client heartbeat.
// Capabilities, when present, replace the connection's capability set.
type HeartbeatPayload struct {
	Capabilities []string `json:"capabilities,omitempty"`
}

// HeartbeatAckPayload is the server's reply to a heartbeat.
type HeartbeatAckPayload struct {
	ServerTime int64 `json:"serverTime"`
	UptimeMs   int64 `json:"uptimeMs"`
}
