// Package envelope implements the signed, content-addressed message
// unit exchanged through the relay. An envelope's id is the SHA-256 of
// its canonical byte form and its signature is an Ed25519 signature
// over those same bytes, so any mutation of any field invalidates both.
package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/waypost/waypost/identity"
)

// Verification failure reasons.
var (
	ErrIDMismatch       = errors.New("id does not match canonical bytes")
	ErrSignatureInvalid = errors.New("signature does not verify against sender")
)

// Envelope is the atomic unit on the wire.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"` // milliseconds since Unix epoch
	Payload   json.RawMessage `json:"payload,omitempty"`
	InReplyTo string          `json:"inReplyTo,omitempty"`
	Signature string          `json:"signature"`
}

// Create builds and signs an envelope stamped with the current
// wall-clock time. The private key is hex (seed or full form) and must
// belong to sender for the result to verify.
func Create(typ, sender, privateKey string, payload any) (*Envelope, error) {
	return CreateAt(typ, sender, privateKey, payload, time.Now().UnixMilli(), "")
}

// CreateAt builds and signs an envelope with an explicit timestamp and
// optional inReplyTo reference.
func CreateAt(typ, sender, privateKey string, payload any, timestamp int64, inReplyTo string) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	e := &Envelope{
		Type:      typ,
		Sender:    sender,
		Timestamp: timestamp,
		Payload:   raw,
		InReplyTo: inReplyTo,
	}

	canonical, err := e.CanonicalBytes()
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(canonical)
	e.ID = hex.EncodeToString(sum[:])

	sig, err := identity.Sign(privateKey, canonical)
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	e.Signature = sig
	return e, nil
}

// CanonicalBytes returns the exact bytes that are hashed into the id
// and signed: the UTF-8 concatenation of type, sender, decimal
// timestamp and canonical payload JSON, each separated by a single
// NUL byte, with an inReplyTo segment appended only when present.
func (e *Envelope) CanonicalBytes() ([]byte, error) {
	payload, err := CanonicalJSON(e.Payload)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	b.WriteString(e.Type)
	b.WriteByte(0)
	b.WriteString(e.Sender)
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))
	b.WriteByte(0)
	b.Write(payload)
	if e.InReplyTo != "" {
		b.WriteByte(0)
		b.WriteString(e.InReplyTo)
	}
	return b.Bytes(), nil
}

// Verify checks content addressing and signature. It returns nil when
// the recomputed canonical bytes hash to the envelope's id and the
// signature verifies against the sender; otherwise ErrIDMismatch,
// ErrSignatureInvalid, or a descriptive error for structural failures.
func Verify(e *Envelope) error {
	if e == nil {
		return errors.New("nil envelope")
	}
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return err
	}

	sum := sha256.Sum256(canonical)
	if hex.EncodeToString(sum[:]) != e.ID {
		return ErrIDMismatch
	}
	if !identity.Verify(e.Sender, canonical, e.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}

// marshalPayload turns an arbitrary Go value into the raw JSON stored
// on the envelope. json.RawMessage passes through after a validity
// check; nil stays nil and canonicalizes as null.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		raw := make(json.RawMessage, len(p))
		copy(raw, p)
		return raw, nil
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(payload); err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return json.RawMessage(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
	}
}
