package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderLength is the size of the frame length prefix
	HeaderLength = 4

	// DefaultMaxFrameSize bounds the body of a single frame (1 MiB)
	DefaultMaxFrameSize = 1 << 20

	maxSenderIDLength = 256
)

// ErrMessageTooLarge is returned by Encode when a body exceeds the frame limit
var ErrMessageTooLarge = errors.New("message exceeds maximum frame size")

// DecodeErrorKind classifies a decode failure
type DecodeErrorKind int

const (
	// MalformedFrame: length prefix is zero, oversized or disagrees with the body
	MalformedFrame DecodeErrorKind = iota + 1
	// InvalidEncoding: body is not a structurally valid message
	InvalidEncoding
	// UnknownMsgType: msg_type is not one of the known types
	UnknownMsgType
)

func (k DecodeErrorKind) String() string {
	switch k {
	case MalformedFrame:
		return "malformed_frame"
	case InvalidEncoding:
		return "invalid_encoding"
	case UnknownMsgType:
		return "unknown_msg_type"
	default:
		return "unknown"
	}
}

// DecodeError is returned for any frame or body that cannot be decoded
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
	Err    error
}

// Sentinels for errors.Is matching on the kind only
var (
	ErrMalformedFrame  = &DecodeError{Kind: MalformedFrame}
	ErrInvalidEncoding = &DecodeError{Kind: InvalidEncoding}
	ErrUnknownMsgType  = &DecodeError{Kind: UnknownMsgType}
)

func (e *DecodeError) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is matches any DecodeError of the same kind
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}

func decodeErr(kind DecodeErrorKind, err error, format string, args ...any) error {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// Codec encodes and decodes frames under a size limit. The zero value uses
// DefaultMaxFrameSize.
type Codec struct {
	MaxFrameSize int
}

func (c Codec) limit() int {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Encode serializes m into a length-prefixed frame
func (c Codec) Encode(m Message) ([]byte, error) {
	payload := m.Payload
	if payload == nil {
		payload = Payload{}
	}
	body, err := json.Marshal(Message{Header: m.Header, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(body) > c.limit() {
		return nil, fmt.Errorf("message size %d (max %d): %w", len(body), c.limit(), ErrMessageTooLarge)
	}
	frame := make([]byte, HeaderLength+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderLength], uint32(len(body)))
	copy(frame[HeaderLength:], body)
	return frame, nil
}

// Decode parses a complete frame. The length prefix is checked against the
// size limit and the available bytes before the body is parsed.
func (c Codec) Decode(frame []byte) (Message, error) {
	if len(frame) < HeaderLength {
		return Message{}, decodeErr(MalformedFrame, nil, "frame shorter than length prefix (%d bytes)", len(frame))
	}
	n := binary.BigEndian.Uint32(frame[:HeaderLength])
	if err := c.checkLength(n); err != nil {
		return Message{}, err
	}
	if int(n) != len(frame)-HeaderLength {
		return Message{}, decodeErr(MalformedFrame, nil, "length prefix %d does not match body length %d", n, len(frame)-HeaderLength)
	}
	return Unmarshal(frame[HeaderLength:])
}

// ReadFrame reads one frame body from r. A zero or oversized prefix is
// reported as a MalformedFrame DecodeError without reading the body; I/O
// failures are returned as they are.
func (c Codec) ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [HeaderLength]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if err := c.checkLength(n); err != nil {
		return nil, err
	}
	body := make([]byte, int(n))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// ReadMessage reads and decodes one message from r
func (c Codec) ReadMessage(r io.Reader) (Message, error) {
	body, err := c.ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	return Unmarshal(body)
}

// WriteMessage encodes m and writes the whole frame to w
func (c Codec) WriteMessage(w io.Writer, m Message) error {
	frame, err := c.Encode(m)
	if err != nil {
		return err
	}
	for written := 0; written < len(frame); {
		n, err := w.Write(frame[written:])
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		written += n
	}
	return nil
}

func (c Codec) checkLength(n uint32) error {
	if n == 0 {
		return decodeErr(MalformedFrame, nil, "zero length frame")
	}
	if uint64(n) > uint64(c.limit()) {
		return decodeErr(MalformedFrame, nil, "frame size %d exceeds maximum %d", n, c.limit())
	}
	return nil
}

// Encode serializes m with the default size limit
func Encode(m Message) ([]byte, error) {
	return Codec{}.Encode(m)
}

// Decode parses a frame with the default size limit
func Decode(frame []byte) (Message, error) {
	return Codec{}.Decode(frame)
}

// Unmarshal parses and structurally validates a frame body
func Unmarshal(body []byte) (Message, error) {
	var wire struct {
		Header  *struct {
			Nonce     *string `json:"nonce"`
			Timestamp *int64  `json:"timestamp"`
			MsgType   *string `json:"msg_type"`
			SenderID  *string `json:"sender_id"`
		} `json:"header"`
		Payload map[string]any `json:"payload"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return Message{}, decodeErr(InvalidEncoding, err, "body is not a message object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return Message{}, decodeErr(InvalidEncoding, nil, "trailing data after message")
	}
	if wire.Header == nil {
		return Message{}, decodeErr(InvalidEncoding, nil, "missing header")
	}
	h := wire.Header
	if h.MsgType == nil {
		return Message{}, decodeErr(InvalidEncoding, nil, "missing msg_type")
	}
	msgType := MessageType(*h.MsgType)
	if !msgType.Valid() {
		return Message{}, decodeErr(UnknownMsgType, nil, "%q", *h.MsgType)
	}
	if h.Nonce == nil || *h.Nonce == "" {
		return Message{}, decodeErr(InvalidEncoding, nil, "missing nonce")
	}
	raw, err := base64.StdEncoding.DecodeString(*h.Nonce)
	if err != nil {
		return Message{}, decodeErr(InvalidEncoding, err, "nonce is not base64")
	}
	if len(raw) != NonceSize {
		return Message{}, decodeErr(InvalidEncoding, nil, "nonce is %d bytes, want %d", len(raw), NonceSize)
	}
	if h.Timestamp == nil || *h.Timestamp <= 0 {
		return Message{}, decodeErr(InvalidEncoding, nil, "missing or invalid timestamp")
	}
	if h.SenderID == nil || *h.SenderID == "" {
		return Message{}, decodeErr(InvalidEncoding, nil, "missing sender_id")
	}
	if len(*h.SenderID) > maxSenderIDLength {
		return Message{}, decodeErr(InvalidEncoding, nil, "sender_id longer than %d bytes", maxSenderIDLength)
	}
	if wire.Payload == nil {
		return Message{}, decodeErr(InvalidEncoding, nil, "missing payload")
	}
	for k, v := range wire.Payload {
		switch v.(type) {
		case nil, string, bool, json.Number:
		default:
			return Message{}, decodeErr(InvalidEncoding, nil, "payload field %q is not a scalar", k)
		}
	}
	msg := Message{
		Header: Header{
			Nonce:     *h.Nonce,
			Timestamp: *h.Timestamp,
			MsgType:   msgType,
			SenderID:  *h.SenderID,
		},
		Payload: Payload(wire.Payload),
	}
	if msgType == MessageTypeEvent {
		if err := validateEventPayload(msg.Payload); err != nil {
			return Message{}, decodeErr(InvalidEncoding, err, "invalid event payload")
		}
	}
	return msg, nil
}
