package relay

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRouteDelivers(t *testing.T) {
	pkA, privA := testKeys(t)
	pkB, _ := testKeys(t)

	registry := NewRegistry()
	rt := NewRouter(registry, NewBuffers(nil, 8))

	sender := newStubSession(pkA, "alpha")
	recipient := newStubSession(pkB, "beta")
	registry.Add(sender)
	registry.Add(recipient)

	e := signedEnvelope(t, "status", pkA, privA, map[string]any{"text": "hi"})
	if err := rt.Route(pkA, pkB, e); err != nil {
		t.Fatalf("Route: %v", err)
	}

	recipient.mu.Lock()
	defer recipient.mu.Unlock()
	if len(recipient.delivered) != 1 {
		t.Fatalf("delivered %d envelopes, want 1", len(recipient.delivered))
	}
	d := recipient.delivered[0]
	if d.ID != e.ID {
		t.Errorf("delivered id = %s, want %s", d.ID, e.ID)
	}
	if d.FromName != "alpha" {
		t.Errorf("fromName = %q, want alpha", d.FromName)
	}
}

func TestRouteSenderMismatch(t *testing.T) {
	pkA, _ := testKeys(t)
	pkB, _ := testKeys(t)
	pkC, privC := testKeys(t)

	rt := NewRouter(NewRegistry(), NewBuffers(nil, 8))

	e := signedEnvelope(t, "status", pkC, privC, nil)
	if err := rt.Route(pkA, pkB, e); !errors.Is(err, ErrSenderMismatch) {
		t.Errorf("Route = %v, want ErrSenderMismatch", err)
	}
}

func TestRouteInvalidEnvelope(t *testing.T) {
	pkA, privA := testKeys(t)
	pkB, _ := testKeys(t)

	rt := NewRouter(NewRegistry(), NewBuffers(nil, 8))

	if err := rt.Route(pkA, pkB, nil); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("Route(nil) = %v, want ErrInvalidEnvelope", err)
	}

	e := signedEnvelope(t, "status", pkA, privA, map[string]any{"n": 1})
	e.Payload = json.RawMessage(`{"n":2}`)
	if err := rt.Route(pkA, pkB, e); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("Route(tampered) = %v, want ErrInvalidEnvelope", err)
	}
}

func TestRouteQueueFull(t *testing.T) {
	pkA, privA := testKeys(t)
	pkB, _ := testKeys(t)

	registry := NewRegistry()
	rt := NewRouter(registry, NewBuffers(nil, 8))

	recipient := newStubSession(pkB, "beta")
	recipient.deliverErr = ErrQueueFull
	registry.Add(recipient)

	e := signedEnvelope(t, "status", pkA, privA, nil)
	if err := rt.Route(pkA, pkB, e); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Route = %v, want ErrQueueFull", err)
	}
}

func TestRouteWriteFailureClosesRecipient(t *testing.T) {
	pkA, privA := testKeys(t)
	pkB, _ := testKeys(t)

	registry := NewRegistry()
	rt := NewRouter(registry, NewBuffers(nil, 8))

	recipient := newStubSession(pkB, "beta")
	recipient.deliverErr = errors.New("broken pipe")
	registry.Add(recipient)

	// The sender is not at fault for the recipient's dead connection.
	e := signedEnvelope(t, "status", pkA, privA, nil)
	if err := rt.Route(pkA, pkB, e); err != nil {
		t.Errorf("Route = %v, want nil", err)
	}
	closed, reason := recipient.wasClosed()
	if !closed || reason != "write failure" {
		t.Errorf("recipient closed=%v reason=%q, want write failure", closed, reason)
	}
}

func TestRouteOfflineBuffered(t *testing.T) {
	pkA, privA := testKeys(t)
	pkB, _ := testKeys(t)

	buffers := NewBuffers([]string{pkB}, 8)
	rt := NewRouter(NewRegistry(), buffers)

	e := signedEnvelope(t, "status", pkA, privA, nil)
	if err := rt.Route(pkA, pkB, e); err != nil {
		t.Fatalf("Route = %v, want nil for a stored-for recipient", err)
	}
	if n := buffers.Len(pkB); n != 1 {
		t.Errorf("buffer depth = %d, want 1", n)
	}
}

func TestRouteOfflineNotStored(t *testing.T) {
	pkA, privA := testKeys(t)
	pkB, _ := testKeys(t)

	rt := NewRouter(NewRegistry(), NewBuffers(nil, 8))

	e := signedEnvelope(t, "status", pkA, privA, nil)
	if err := rt.Route(pkA, pkB, e); !errors.Is(err, ErrRecipientNotConnected) {
		t.Errorf("Route = %v, want ErrRecipientNotConnected", err)
	}
}

func TestRouteClosedSessionFallsBack(t *testing.T) {
	pkA, privA := testKeys(t)
	pkB, _ := testKeys(t)

	// A session caught mid-teardown behaves like an offline recipient.
	registry := NewRegistry()
	buffers := NewBuffers([]string{pkB}, 8)
	rt := NewRouter(registry, buffers)

	recipient := newStubSession(pkB, "beta")
	recipient.deliverErr = ErrSessionClosed
	registry.Add(recipient)

	e := signedEnvelope(t, "status", pkA, privA, nil)
	if err := rt.Route(pkA, pkB, e); err != nil {
		t.Fatalf("Route = %v, want nil via the buffer", err)
	}
	if n := buffers.Len(pkB); n != 1 {
		t.Errorf("buffer depth = %d, want 1", n)
	}

	// Without a buffer slot the sender hears the truth.
	pkC, _ := testKeys(t)
	other := newStubSession(pkC, "gamma")
	other.deliverErr = ErrSessionClosed
	registry.Add(other)

	e2 := signedEnvelope(t, "status", pkA, privA, nil)
	if err := rt.Route(pkA, pkC, e2); !errors.Is(err, ErrRecipientNotConnected) {
		t.Errorf("Route = %v, want ErrRecipientNotConnected", err)
	}
}
