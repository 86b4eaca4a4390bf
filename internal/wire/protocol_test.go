package wire

import (
	"encoding/json"
	"testing"

	"github.com/waypost/waypost/envelope"
)

func TestParseFrame(t *testing.T) {
	typ, err := ParseFrame([]byte(`{"type":"register","publicKey":"aa"}`))
	if err != nil || typ != TypeRegister {
		t.Errorf("ParseFrame = %q, %v; want %q", typ, err, TypeRegister)
	}

	typ, err = ParseFrame([]byte(`{"to":"aa"}`))
	if err != nil || typ != "" {
		t.Errorf("ParseFrame without type = %q, %v; want empty", typ, err)
	}

	if _, err := ParseFrame([]byte(`{"type":`)); err == nil {
		t.Error("ParseFrame accepted malformed JSON")
	}
}

func TestDeliveryIsFlatEnvelope(t *testing.T) {
	d := Delivery{
		Envelope: envelope.Envelope{
			ID:        "deadbeef",
			Type:      "status",
			Sender:    "aa",
			Timestamp: 1700000000000,
			Payload:   json.RawMessage(`{"n":1}`),
			Signature: "sig",
		},
		FromName: "alpha",
	}
	data, err := json.Marshal(&d)
	if err != nil {
		t.Fatalf("marshal delivery: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal delivery: %v", err)
	}
	if m["id"] != "deadbeef" || m["type"] != "status" || m["fromName"] != "alpha" {
		t.Errorf("delivery on the wire = %s", data)
	}
	if _, nested := m["envelope"]; nested {
		t.Error("delivery wraps the envelope instead of flattening it")
	}

	// On a delivery the type field carries the envelope's application
	// tag, not a frame kind; recipients classify by signature instead.
	typ, err := ParseFrame(data)
	if err != nil || typ != "status" {
		t.Errorf("ParseFrame on a delivery = %q, %v; want status", typ, err)
	}
}
