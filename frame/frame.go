package frame

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Kind string

const (
	KindHandshake Kind = "handshake"
	KindPing      Kind = "ping"
	KindPong      Kind = "pong"
	KindData      Kind = "data"
	KindClose     Kind = "close"
)

func (k Kind) Valid() bool {
	switch k {
	case KindHandshake, KindPing, KindPong, KindData, KindClose:
		return true
	default:
		return false
	}
}

// Close codes carried by close frames.
const (
	CloseNormal             = 1000
	CloseGoingAway          = 1001
	CloseCredentialRejected = 4001
	CloseForbidden          = 4003
)

// Frame is the wire envelope. Data frames with a CorrelationID are requests
// or responses; data frames without one are server pushed events.
type Frame struct {
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Type          string          `json:"type,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	Code          int             `json:"code,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func NewCorrelationID() string {
	return uuid.NewString()
}

// NewRequest builds a correlated data frame.
func NewRequest(eventType string, payload any) (Frame, error) {
	frame, err := NewEvent(eventType, payload)
	if err != nil {
		return Frame{}, err
	}
	frame.CorrelationID = NewCorrelationID()
	return frame, nil
}

// NewEvent builds an uncorrelated data frame.
func NewEvent(eventType string, payload any) (Frame, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return Frame{}, fmt.Errorf("frame: event type is required")
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: KindData, Type: eventType, Payload: raw}, nil
}

// Reply builds the response frame for a request.
func (f Frame) Reply(payload any) (Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Kind:          KindData,
		CorrelationID: f.CorrelationID,
		Type:          f.Type,
		SessionID:     f.SessionID,
		Payload:       raw,
	}, nil
}

func (f Frame) Validate() error {
	if !f.Kind.Valid() {
		return fmt.Errorf("frame: unsupported kind %q", f.Kind)
	}
	if f.Kind == KindData && strings.TrimSpace(f.CorrelationID) == "" && f.EventType() == "" {
		return fmt.Errorf("frame: event frame requires a type discriminator")
	}
	return nil
}

func (f Frame) Correlated() bool {
	return f.Kind == KindData && strings.TrimSpace(f.CorrelationID) != ""
}

func (f Frame) IsEvent() bool {
	return f.Kind == KindData && strings.TrimSpace(f.CorrelationID) == ""
}

// EventType returns the discriminator: the frame type, then
// payload.header.event_type, then payload.type.
func (f Frame) EventType() string {
	if eventType := strings.TrimSpace(f.Type); eventType != "" {
		return eventType
	}
	if len(f.Payload) == 0 {
		return ""
	}
	var peek struct {
		Header struct {
			EventType string `json:"event_type"`
		} `json:"header"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(f.Payload, &peek); err != nil {
		return ""
	}
	if eventType := strings.TrimSpace(peek.Header.EventType); eventType != "" {
		return eventType
	}
	return strings.TrimSpace(peek.Type)
}

func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame: payload is empty")
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("frame: decode payload: %w", err)
	}
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch typed := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return typed, nil
	case []byte:
		if !json.Valid(typed) {
			return nil, fmt.Errorf("frame: payload bytes are not valid json")
		}
		return json.RawMessage(typed), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("frame: encode payload: %w", err)
	}
	return raw, nil
}

// Codec turns frames into wire bytes and back.
type Codec interface {
	Encode(frame Frame) ([]byte, error)
	Decode(data []byte) (Frame, error)
}

type JSONCodec struct{}

func (JSONCodec) Encode(frame Frame) ([]byte, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("frame: encode: %w", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("frame: decode: %w", err)
	}
	frame.Kind = Kind(strings.TrimSpace(strings.ToLower(string(frame.Kind))))
	if err := frame.Validate(); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

var _ Codec = JSONCodec{}
