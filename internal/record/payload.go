package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is the opaque entity body. It always holds canonical JSON, so two
// payloads with the same content compare equal byte for byte.
type Payload []byte

// NewPayload canonicalizes raw JSON into a Payload.
func NewPayload(raw []byte) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("payload: empty document")
	}
	c, err := Canonicalize(raw)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return Payload(c), nil
}

// MustPayload is like NewPayload but panics on error.
// Use only in tests or with literal documents.
func MustPayload(raw string) Payload {
	p, err := NewPayload([]byte(raw))
	if err != nil {
		panic(err)
	}
	return p
}

// PayloadOf marshals v and canonicalizes the result.
func PayloadOf(v any) (Payload, error) {
	c, err := MarshalCanonical(v)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return Payload(c), nil
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	if len(p) == 0 {
		return fmt.Errorf("payload: empty")
	}
	return json.Unmarshal(p, v)
}

// Equal reports whether two payloads hold the same canonical document.
func (p Payload) Equal(other Payload) bool {
	return bytes.Equal(p, other)
}

// Clone returns an independent copy.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return append(Payload(nil), p...)
}

// String returns the canonical JSON text.
func (p Payload) String() string {
	return string(p)
}

// MarshalJSON embeds the payload as a JSON value rather than a base64 string.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON canonicalizes the incoming document.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}
	c, err := NewPayload(data)
	if err != nil {
		return err
	}
	*p = c
	return nil
}
