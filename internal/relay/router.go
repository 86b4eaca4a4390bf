package relay

import (
	"errors"
	"fmt"
	"log"

	"github.com/waypost/waypost/envelope"
	"github.com/waypost/waypost/internal/wire"
)

// Routing failures surfaced to senders.
var (
	ErrSenderMismatch        = errors.New("sender does not match")
	ErrInvalidEnvelope       = errors.New("invalid envelope")
	ErrRecipientNotConnected = errors.New("recipient not connected")
)

// Router verifies envelopes and dispatches them to a live session or
// the store-and-forward buffer. It is identical across session kinds
// and does not deduplicate: retries can deliver twice, and recipients
// dedupe by the content-addressed id if they care.
type Router struct {
	registry *Registry
	buffers  *Buffers
}

func NewRouter(registry *Registry, buffers *Buffers) *Router {
	return &Router{
		registry: registry,
		buffers:  buffers,
	}
}

// Route checks provenance and integrity, then delivers. Verification
// precedes every dispatch path, so buffered envelopes are always
// verified envelopes.
func (rt *Router) Route(fromPub, toPub string, e *envelope.Envelope) error {
	if e == nil {
		return ErrInvalidEnvelope
	}
	if e.Sender != fromPub {
		return ErrSenderMismatch
	}
	if err := envelope.Verify(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	if to, ok := rt.registry.Get(toPub); ok {
		d := &wire.Delivery{Envelope: *e, FromName: rt.senderName(fromPub)}
		err := to.Deliver(d)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrQueueFull):
			return err
		case errors.Is(err, ErrSessionClosed):
			// Lost a race with teardown; fall through to the offline
			// paths below.
		default:
			// The write failure belongs to the recipient's connection,
			// not the sender. Close it; its read loop finishes the
			// teardown.
			log.Printf("router: deliver to %s: %v", shortKey(toPub), err)
			to.Close("write failure")
			return nil
		}
	}

	if rt.buffers.Append(toPub, e) {
		log.Printf("router: buffered envelope for %s (from=%s)", shortKey(toPub), shortKey(fromPub))
		return nil
	}
	return ErrRecipientNotConnected
}

// senderName resolves the display name a sender registered with, if
// the sender is still online.
func (rt *Router) senderName(publicKey string) string {
	if s, ok := rt.registry.Get(publicKey); ok {
		return s.Name()
	}
	return ""
}
