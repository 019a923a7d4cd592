package domain

import (
	"fmt"

	"github.com/oscoin/radicle/internal/xjson"
)

// MessageKind tags the pubsub wire envelope.
type MessageKind string

const (
	// KindSubmit asks the machine's writer to apply a batch of
	// expressions.
	KindSubmit MessageKind = "submit"

	// KindApplied announces that the writer appended a batch. Nonce is
	// set only when the batch originated from a Submit.
	KindApplied MessageKind = "applied"
)

// Message is the tagged envelope carried on a machine's pubsub topic.
type Message struct {
	Kind        MessageKind `json:"type"`
	Nonce       string      `json:"nonce,omitempty"`
	Expressions []Value     `json:"expressions,omitempty"`
	Results     []Value     `json:"results,omitempty"`
}

// NewSubmit builds a reader's write request for the given nonce.
func NewSubmit(nonce string, expressions []Value) Message {
	return Message{Kind: KindSubmit, Nonce: nonce, Expressions: expressions}
}

// NewApplied builds the writer's acknowledgement. nonce may be empty
// for batches the writer applied locally.
func NewApplied(nonce string, results []Value) Message {
	return Message{Kind: KindApplied, Nonce: nonce, Results: results}
}

// EncodeMessage serializes the envelope for publication.
func EncodeMessage(m Message) ([]byte, error) {
	if m.Kind != KindSubmit && m.Kind != KindApplied {
		return nil, fmt.Errorf("encode message: unknown kind %q", m.Kind)
	}
	return xjson.Marshal(m)
}

// DecodeMessage parses an envelope received from pubsub. Payloads that
// do not carry a known kind are rejected so the caller can surface them
// instead of silently dropping traffic.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := xjson.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	switch m.Kind {
	case KindSubmit, KindApplied:
		return m, nil
	default:
		return Message{}, fmt.Errorf("decode message: unknown kind %q", m.Kind)
	}
}
