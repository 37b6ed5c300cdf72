package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope type discriminators.
const (
	typeText       = "text"
	typeJSON       = "json"
	typeBinary     = "binary"
	typeAck        = "ack"
	typeAckRequest = "ack_request"
)

// ErrNotRenderable is returned for outbound messages that have no text
// envelope of their own. NeedsAck must be given an ID (becoming an
// AckRequest) before it hits the wire.
var ErrNotRenderable = errors.New("wire: message has no text envelope")

// envelope is the JSON shape shared by all typed payloads.
type envelope struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// JSONFormat is the default wire format: one JSON object per text frame with
// a "type" discriminator.
type JSONFormat struct{}

// ParseInMessage classifies a text frame payload. Anything that is not a
// well-formed envelope is passed through as TextMessage.
func (JSONFormat) ParseInMessage(text string) InMessage {
	var env envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return TextMessage{Content: text}
	}

	switch env.Type {
	case typeText:
		var s string
		if err := json.Unmarshal(env.Content, &s); err != nil {
			return TextMessage{Content: text}
		}
		return TextMessage{Content: s}

	case typeJSON:
		return JSONMessage{Content: env.Content}

	case typeBinary:
		var b []byte
		if err := json.Unmarshal(env.Content, &b); err != nil {
			return TextMessage{Content: text}
		}
		return BinaryMessage{Content: b}

	case typeAck:
		return Ack{ID: env.ID}

	case typeAckRequest:
		inner := JSONFormat{}.ParseInMessage(string(env.Content))
		msg, ok := inner.(Message)
		if !ok {
			return TextMessage{Content: text}
		}
		return AckRequest{ID: env.ID, Inner: msg}

	default:
		return TextMessage{Content: text}
	}
}

// Render serializes an ack-capable outbound message to its text envelope.
func (f JSONFormat) Render(out OutMessage) (string, error) {
	env, err := f.envelopeFor(out)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("wire: marshal envelope: %w", err)
	}
	return string(data), nil
}

func (f JSONFormat) envelopeFor(out OutMessage) (envelope, error) {
	switch m := out.(type) {
	case TextMessage:
		content, err := json.Marshal(m.Content)
		if err != nil {
			return envelope{}, fmt.Errorf("wire: marshal text: %w", err)
		}
		return envelope{Type: typeText, Content: content}, nil

	case JSONMessage:
		return envelope{Type: typeJSON, Content: m.Content}, nil

	case BinaryMessage:
		content, err := json.Marshal(m.Content)
		if err != nil {
			return envelope{}, fmt.Errorf("wire: marshal binary: %w", err)
		}
		return envelope{Type: typeBinary, Content: content}, nil

	case Ack:
		return envelope{Type: typeAck, ID: m.ID}, nil

	case AckRequest:
		inner, err := f.envelopeFor(m.Inner)
		if err != nil {
			return envelope{}, err
		}
		content, err := json.Marshal(inner)
		if err != nil {
			return envelope{}, fmt.Errorf("wire: marshal ack request: %w", err)
		}
		return envelope{Type: typeAckRequest, ID: m.ID, Content: content}, nil

	default:
		return envelope{}, ErrNotRenderable
	}
}
