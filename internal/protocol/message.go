// Package protocol implements the HoneyGrid agent/collector wire protocol.
//
// Every message travels as a frame: a 4-byte big-endian length prefix
// followed by a JSON body of the form
//
//	{"header": {"nonce": ..., "timestamp": ..., "msg_type": ..., "sender_id": ...},
//	 "payload": {...}}
//
// The payload is a flat map of string keys to scalar values.
package protocol

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// NonceSize is the number of random bytes in a message nonce (128 bits).
const NonceSize = 16

// MessageType identifies the kind of message carried by a frame
type MessageType string

const (
	MessageTypeEvent     MessageType = "event"
	MessageTypeHeartbeat MessageType = "heartbeat"
	MessageTypeAck       MessageType = "ack"
)

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeEvent, MessageTypeHeartbeat, MessageTypeAck:
		return true
	}
	return false
}

// EventKind is the file-system action reported for a honeytoken
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventModified EventKind = "modified"
	EventDeleted  EventKind = "deleted"
	EventMoved    EventKind = "moved"
	EventAccessed EventKind = "accessed"
)

// ParseEventKind parses a wire event kind, case-insensitively
func ParseEventKind(s string) (EventKind, bool) {
	k := EventKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case EventCreated, EventModified, EventDeleted, EventMoved, EventAccessed:
		return k, true
	}
	return "", false
}

// Payload keys with protocol meaning
const (
	KeyTokenID   = "token_id"
	KeyPath      = "path"
	KeyEventKind = "event_kind"
	KeyStatus    = "status"
	KeyUptime    = "uptime"
	KeyRef       = "ref"
	KeyReason    = "reason"
)

// Ack statuses carried in KeyStatus of an ack message
const (
	AckAccepted = "accepted"
	AckRejected = "rejected"
)

// Header carries the replay-protection metadata of a message.
// It is a value type and is never modified after construction.
type Header struct {
	Nonce     string      `json:"nonce"`
	Timestamp int64       `json:"timestamp"`
	MsgType   MessageType `json:"msg_type"`
	SenderID  string      `json:"sender_id"`
}

// Time returns the sender-side timestamp as a time.Time
func (h Header) Time() time.Time {
	return time.Unix(h.Timestamp, 0)
}

// Payload is the flat key/value body of a message. Values are strings,
// booleans, json.Number or nil.
type Payload map[string]any

// String returns the string value stored under key, or "" if absent or not a string
func (p Payload) String(key string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

// Message is a decoded protocol message
type Message struct {
	Header  Header  `json:"header"`
	Payload Payload `json:"payload"`
}

// EventFields is the typed view of an event payload
type EventFields struct {
	TokenID string
	Path    string
	Kind    EventKind
	// Extra holds every payload field besides token_id, path and event_kind
	Extra Payload
}

// EventFields extracts the honeytoken fields of an event message
func (m Message) EventFields() (EventFields, error) {
	if m.Header.MsgType != MessageTypeEvent {
		return EventFields{}, fmt.Errorf("message type %q is not an event", m.Header.MsgType)
	}
	if err := validateEventPayload(m.Payload); err != nil {
		return EventFields{}, err
	}
	kind, _ := ParseEventKind(m.Payload.String(KeyEventKind))
	ev := EventFields{
		TokenID: m.Payload.String(KeyTokenID),
		Path:    m.Payload.String(KeyPath),
		Kind:    kind,
		Extra:   Payload{},
	}
	for k, v := range m.Payload {
		switch k {
		case KeyTokenID, KeyPath, KeyEventKind:
		default:
			ev.Extra[k] = v
		}
	}
	return ev, nil
}

// NewNonce returns a base64-encoded cryptographically random nonce
func NewNonce() (string, error) {
	b := make([]byte, NonceSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// NewMessage builds a message with a fresh nonce and the current time.
// Numeric payload values are normalised to json.Number so that a decoded
// copy compares equal to the original.
func NewMessage(senderID string, msgType MessageType, payload Payload) (Message, error) {
	if senderID == "" {
		return Message{}, fmt.Errorf("sender id is required")
	}
	if !msgType.Valid() {
		return Message{}, fmt.Errorf("unknown message type %q", msgType)
	}
	normalized, err := normalizePayload(payload)
	if err != nil {
		return Message{}, err
	}
	nonce, err := NewNonce()
	if err != nil {
		return Message{}, err
	}
	return Message{
		Header: Header{
			Nonce:     nonce,
			Timestamp: time.Now().Unix(),
			MsgType:   msgType,
			SenderID:  senderID,
		},
		Payload: normalized,
	}, nil
}

// NewEvent builds a honeytoken event message
func NewEvent(senderID, tokenID, path string, kind EventKind, extra Payload) (Message, error) {
	if _, ok := ParseEventKind(string(kind)); !ok {
		return Message{}, fmt.Errorf("unknown event kind %q", kind)
	}
	payload := Payload{}
	for k, v := range extra {
		payload[k] = v
	}
	payload[KeyTokenID] = tokenID
	payload[KeyPath] = path
	payload[KeyEventKind] = string(kind)
	if err := validateEventPayload(payload); err != nil {
		return Message{}, err
	}
	return NewMessage(senderID, MessageTypeEvent, payload)
}

// NewHeartbeat builds a heartbeat message reporting the agent's own status
func NewHeartbeat(senderID, status string, uptime time.Duration) (Message, error) {
	return NewMessage(senderID, MessageTypeHeartbeat, Payload{
		KeyStatus: status,
		KeyUptime: int64(uptime.Seconds()),
	})
}

// NewAck builds an acknowledgement for the message whose nonce is ref
func NewAck(senderID, ref, status, reason string) (Message, error) {
	payload := Payload{KeyRef: ref, KeyStatus: status}
	if reason != "" {
		payload[KeyReason] = reason
	}
	return NewMessage(senderID, MessageTypeAck, payload)
}

func normalizePayload(p Payload) (Payload, error) {
	out := make(Payload, len(p))
	for k, v := range p {
		switch val := v.(type) {
		case nil, string, bool, json.Number:
			out[k] = val
		case int:
			out[k] = json.Number(strconv.FormatInt(int64(val), 10))
		case int32:
			out[k] = json.Number(strconv.FormatInt(int64(val), 10))
		case int64:
			out[k] = json.Number(strconv.FormatInt(val, 10))
		case uint:
			out[k] = json.Number(strconv.FormatUint(uint64(val), 10))
		case uint32:
			out[k] = json.Number(strconv.FormatUint(uint64(val), 10))
		case uint64:
			out[k] = json.Number(strconv.FormatUint(val, 10))
		case float32:
			if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
				return nil, fmt.Errorf("payload field %q is not a finite number", k)
			}
			out[k] = json.Number(strconv.FormatFloat(float64(val), 'g', -1, 32))
		case float64:
			if math.IsNaN(val) || math.IsInf(val, 0) {
				return nil, fmt.Errorf("payload field %q is not a finite number", k)
			}
			out[k] = json.Number(strconv.FormatFloat(val, 'g', -1, 64))
		default:
			return nil, fmt.Errorf("payload field %q has non-scalar type %T", k, v)
		}
	}
	return out, nil
}

func validateEventPayload(p Payload) error {
	if p.String(KeyTokenID) == "" {
		return fmt.Errorf("event payload missing %s", KeyTokenID)
	}
	if p.String(KeyPath) == "" {
		return fmt.Errorf("event payload missing %s", KeyPath)
	}
	if _, ok := ParseEventKind(p.String(KeyEventKind)); !ok {
		return fmt.Errorf("event payload has invalid %s %q", KeyEventKind, p.String(KeyEventKind))
	}
	return nil
}
