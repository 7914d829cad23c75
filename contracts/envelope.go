package contracts

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Envelope wraps a producer payload for transport through the delay stages
type Envelope struct {
	MessageID  string          `json:"messageId"`
	RetryCount int             `json:"retryCount"`
	Content    json.RawMessage `json:"content"`
}

// IDGenerator produces message identifiers
type IDGenerator func() string

// DefaultIDGenerator generates random UUIDs
func DefaultIDGenerator() string {
	return uuid.New().String()
}

// NewEnvelope creates a fresh envelope with a new id and retryCount 0
func NewEnvelope(content interface{}) (*Envelope, error) {
	return NewEnvelopeWithID(DefaultIDGenerator(), content)
}

// NewEnvelopeWithID creates a fresh envelope using the given message id
func NewEnvelopeWithID(id string, content interface{}) (*Envelope, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty message id", ErrInvalidEnvelope)
	}

	raw, err := marshalContent(content)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		MessageID:  id,
		RetryCount: 0,
		Content:    raw,
	}, nil
}

// NextAttempt returns a copy of the envelope with retryCount incremented by one.
// The receiver is left untouched.
func (e *Envelope) NextAttempt() *Envelope {
	content := make(json.RawMessage, len(e.Content))
	copy(content, e.Content)

	return &Envelope{
		MessageID:  e.MessageID,
		RetryCount: e.RetryCount + 1,
		Content:    content,
	}
}

// Reset returns a copy of the envelope with retryCount set back to zero
func (e *Envelope) Reset() *Envelope {
	next := e.NextAttempt()
	next.RetryCount = 0
	return next
}

// DecodeContent unmarshals the business payload into v
func (e *Envelope) DecodeContent(v interface{}) error {
	if err := json.Unmarshal(e.Content, v); err != nil {
		return fmt.Errorf("%w: content: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

// Marshal encodes the envelope to its wire format
func (e *Envelope) Marshal() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return body, nil
}

// UnmarshalEnvelope decodes a message body produced by Marshal
func UnmarshalEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.MessageID == "" {
		return nil, fmt.Errorf("%w: missing messageId", ErrInvalidEnvelope)
	}
	if env.RetryCount < 0 {
		return nil, fmt.Errorf("%w: negative retryCount %d", ErrInvalidEnvelope, env.RetryCount)
	}
	if len(env.Content) == 0 {
		env.Content = json.RawMessage("null")
	}
	return &env, nil
}

func marshalContent(content interface{}) (json.RawMessage, error) {
	switch c := content.(type) {
	case json.RawMessage:
		if !json.Valid(c) {
			return nil, fmt.Errorf("%w: content is not valid JSON", ErrInvalidEnvelope)
		}
		return append(json.RawMessage(nil), c...), nil
	default:
		raw, err := json.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("%w: content: %v", ErrInvalidEnvelope, err)
		}
		return raw, nil
	}
}
