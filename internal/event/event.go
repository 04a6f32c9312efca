package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidJSON indicates a frame that is not a well-formed envelope.
	ErrInvalidJSON = errors.New("invalid json")
	// ErrUnsupportedKind indicates an envelope whose type is not in the closed set.
	ErrUnsupportedKind = errors.New("unsupported event type")
)

// Event is an immutable, decoded envelope. ConversationID is empty when the
// envelope carries a null conversation.
type Event struct {
	ID             string
	Kind           Kind
	Timestamp      time.Time
	ConversationID string
	Payload        Payload
}

// New builds an event around payload with a fresh ID and the current time.
func New(conversationID string, payload Payload) Event {
	return Event{
		ID:             uuid.NewString(),
		Kind:           payload.Kind(),
		Timestamp:      time.Now().UTC(),
		ConversationID: conversationID,
		Payload:        payload,
	}
}

// NewError builds an error event.
func NewError(conversationID, code, message string) Event {
	return New(conversationID, &Error{Code: code, Message: message})
}

// WithConversation returns a copy of e addressed to conversationID.
func (e Event) WithConversation(conversationID string) Event {
	e.ConversationID = conversationID
	return e
}

type envelope struct {
	Type           string          `json:"type"`
	ConversationID *string         `json:"conversation_id"`
	Data           json.RawMessage `json:"data"`
	Timestamp      string          `json:"timestamp"`
	EventID        string          `json:"event_id"`
}

// MarshalJSON encodes the event as a wire envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %s has no payload", e.ID)
	}
	if e.Payload.Kind() != e.Kind {
		return nil, fmt.Errorf("event %s: payload kind %q does not match %q", e.ID, e.Payload.Kind(), e.Kind)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
	}
	env := envelope{
		Type:      string(e.Kind),
		Data:      data,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		EventID:   e.ID,
	}
	if e.ConversationID != "" {
		cid := e.ConversationID
		env.ConversationID = &cid
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes a wire envelope into e.
func (e *Event) UnmarshalJSON(b []byte) error {
	decoded, err := Decode(b)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

// Encode is a convenience wrapper around json.Marshal.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses one frame. Missing event IDs and timestamps are filled in so
// that client frames may omit them. The returned error wraps ErrInvalidJSON or
// ErrUnsupportedKind.
func Decode(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	kind := Kind(env.Type)
	payload := newPayload(kind)
	if payload == nil {
		return Event{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, env.Type)
	}

	if data := bytes.TrimSpace(env.Data); len(data) > 0 && !bytes.Equal(data, []byte("null")) {
		if err := json.Unmarshal(data, payload); err != nil {
			return Event{}, fmt.Errorf("%w: %s data: %v", ErrInvalidJSON, kind, err)
		}
	}

	ts := time.Now().UTC()
	if env.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, env.Timestamp)
		if err != nil {
			return Event{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidJSON, err)
		}
		ts = parsed.UTC()
	}

	id := env.EventID
	if id == "" {
		id = uuid.NewString()
	}

	ev := Event{
		ID:        id,
		Kind:      kind,
		Timestamp: ts,
		Payload:   payload,
	}
	if env.ConversationID != nil {
		ev.ConversationID = *env.ConversationID
	}
	return ev, nil
}
