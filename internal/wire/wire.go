// Package wire defines the frame envelope exchanged between peers over the
// opaque P2P transport (spec §6).
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"webdht/internal/record"
)

// Kind names the frame's RPC.
type Kind string

const (
	DHTStore        Kind = "DHT_STORE"
	DHTGet          Kind = "DHT_GET"
	DHTSubscribe    Kind = "DHT_SUBSCRIBE"
	DHTUnsubscribe  Kind = "DHT_UNSUBSCRIBE"
	DHTNotify       Kind = "DHT_NOTIFY"
	StoreAck        Kind = "STORE_ACK"
	StoreReject     Kind = "STORE_REJECT"
	GetReply        Kind = "GET_REPLY"
	SubscribeAck    Kind = "SUBSCRIBE_ACK"
)

// Frame is the tagged envelope of spec §6. Body is one of the *Body types
// below, keyed by Kind.
type Frame struct {
	Kind      Kind   `json:"kind"`
	RequestID uint64 `json:"requestId"`
	From      string `json:"from"`
	To        string `json:"to"`
	TTL       uint8  `json:"ttl"`
	Body      any    `json:"body"`
}

// NewRequestID generates a request identifier unique per sender by folding
// the low 8 bytes of a UUIDv4 into a uint64 — unique enough for a
// requestId's purpose (matching a request to its reply) without needing a
// monotonic counter shared across goroutines.
func NewRequestID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[8:16])
}

// StoreBody is the body of a DHT_STORE frame.
type StoreBody struct {
	KeyID  string        `json:"keyId"`
	Record record.Record `json:"record"`
	TTL    int64         `json:"ttl,omitempty"`
}

// StoreAckBody is the body of a STORE_ACK frame.
type StoreAckBody struct {
	KeyID string `json:"keyId"`
}

// StoreRejectBody is the body of a STORE_REJECT frame.
type StoreRejectBody struct {
	KeyID  string `json:"keyId"`
	Reason string `json:"reason"`
}

// GetBody is the body of a DHT_GET frame.
type GetBody struct {
	KeyID        string `json:"keyId"`
	ForceRefresh bool   `json:"forceRefresh"`
}

// GetReplyBody is the body of a GET_REPLY frame.
type GetReplyBody struct {
	Record *record.Record `json:"record"`
	Stale  bool           `json:"stale,omitempty"`
}

// SubscribeBody is the body of a DHT_SUBSCRIBE frame.
type SubscribeBody struct {
	KeyID string `json:"keyId"`
}

// SubscribeAckBody is the body of a SUBSCRIBE_ACK frame.
type SubscribeAckBody struct {
	Record *record.Record `json:"record"`
}

// UnsubscribeBody is the body of a DHT_UNSUBSCRIBE frame.
type UnsubscribeBody struct {
	KeyID string `json:"keyId"`
}

// NotifyBody is the body of a DHT_NOTIFY frame.
type NotifyBody struct {
	KeyID  string        `json:"keyId"`
	Record record.Record `json:"record"`
}

// wireFrame is Frame's on-the-wire shape: Body stays raw JSON until the
// caller knows Kind and can decode it into the matching *Body type.
type wireFrame struct {
	Kind      Kind            `json:"kind"`
	RequestID uint64          `json:"requestId"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	TTL       uint8           `json:"ttl"`
	Body      json.RawMessage `json:"body"`
}

// Encode serializes f, marshaling f.Body as nested JSON.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f.Body)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal body: %w", err)
	}
	return json.Marshal(wireFrame{
		Kind: f.Kind, RequestID: f.RequestID, From: f.From, To: f.To, TTL: f.TTL, Body: body,
	})
}

// Decode parses the envelope and the Kind-appropriate body type, leaving
// Frame.Body holding the concrete *Body struct by value (e.g. StoreBody,
// not *StoreBody).
func Decode(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, fmt.Errorf("wire: decode envelope: %w", err)
	}

	out := Frame{Kind: w.Kind, RequestID: w.RequestID, From: w.From, To: w.To, TTL: w.TTL}

	var err error
	switch w.Kind {
	case DHTStore:
		var b StoreBody
		err = json.Unmarshal(w.Body, &b)
		out.Body = b
	case DHTGet:
		var b GetBody
		err = json.Unmarshal(w.Body, &b)
		out.Body = b
	case DHTSubscribe:
		var b SubscribeBody
		err = json.Unmarshal(w.Body, &b)
		out.Body = b
	case DHTUnsubscribe:
		var b UnsubscribeBody
		err = json.Unmarshal(w.Body, &b)
		out.Body = b
	case DHTNotify:
		var b NotifyBody
		err = json.Unmarshal(w.Body, &b)
		out.Body = b
	case StoreAck:
		var b StoreAckBody
		err = json.Unmarshal(w.Body, &b)
		out.Body = b
	case StoreReject:
		var b StoreRejectBody
		err = json.Unmarshal(w.Body, &b)
		out.Body = b
	case GetReply:
		var b GetReplyBody
		err = json.Unmarshal(w.Body, &b)
		out.Body = b
	case SubscribeAck:
		var b SubscribeAckBody
		err = json.Unmarshal(w.Body, &b)
		out.Body = b
	default:
		return Frame{}, fmt.Errorf("wire: unknown frame kind %q", w.Kind)
	}
	if err != nil {
		return Frame{}, fmt.Errorf("wire: decode body for %s: %w", w.Kind, err)
	}
	return out, nil
}
