package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/waypost/waypost/envelope"
	"github.com/waypost/waypost/internal/wire"
)

// Session kinds.
const (
	KindWS   = "ws"
	KindREST = "rest"
)

var (
	ErrQueueFull     = errors.New("recipient queue full")
	ErrSessionClosed = errors.New("session closed")
)

const writeTimeout = 5 * time.Second

// Session is a registered public key bound to a transport. The router
// treats both kinds identically: Deliver is a socket write for WS and
// an enqueue for REST.
type Session interface {
	ID() string
	PublicKey() string
	Kind() string
	Name() string
	LastSeen() time.Time
	Touch()
	// Deliver hands a routed envelope to the session.
	Deliver(d *wire.Delivery) error
	// SendFrame writes a control frame. REST sessions drop it; they
	// observe presence by polling.
	SendFrame(v any) error
	Close(reason string)
}

// wsSession wraps a live WebSocket connection.
type wsSession struct {
	id        string
	publicKey string
	name      string
	metadata  map[string]any
	conn      *websocket.Conn
	lastSeen  atomic.Int64 // unix nanos

	// writeMu serializes all outbound frames. Registration holds it
	// across ack, peer_list and buffer drain so a concurrent Deliver
	// cannot interleave with the drain.
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newWSSession(publicKey, name string, conn *websocket.Conn) *wsSession {
	s := &wsSession{
		id:        uuid.New().String(),
		publicKey: publicKey,
		name:      name,
		conn:      conn,
	}
	s.Touch()
	return s
}

func (s *wsSession) ID() string        { return s.id }
func (s *wsSession) PublicKey() string { return s.publicKey }
func (s *wsSession) Kind() string      { return KindWS }
func (s *wsSession) Name() string      { return s.name }

func (s *wsSession) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }
func (s *wsSession) Touch()              { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *wsSession) Deliver(d *wire.Delivery) error {
	return s.write(d)
}

func (s *wsSession) SendFrame(v any) error {
	return s.write(v)
}

func (s *wsSession) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeLocked(v)
}

// writeLocked writes a frame with writeMu already held.
func (s *wsSession) writeLocked(v any) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSession) Close(reason string) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.conn.Close(websocket.StatusNormalClosure, reason)
}

// restSession is a polled session. The relay holds the client's
// private key to sign envelopes on its behalf; the key is zeroed the
// moment the session is revoked and is never logged or persisted.
type restSession struct {
	id        string
	publicKey string
	name      string
	metadata  map[string]any
	tokenID   string
	expiresAt time.Time
	lastSeen  atomic.Int64

	mu         sync.Mutex
	privateKey []byte
	queue      []*envelope.Envelope
	maxQueue   int
	closed     bool
}

func newRESTSession(publicKey, name, privateKey, tokenID string, expiresAt time.Time, maxQueue int) *restSession {
	s := &restSession{
		id:         uuid.New().String(),
		publicKey:  publicKey,
		name:       name,
		tokenID:    tokenID,
		expiresAt:  expiresAt,
		privateKey: []byte(privateKey),
		maxQueue:   maxQueue,
	}
	s.Touch()
	return s
}

func (s *restSession) ID() string        { return s.id }
func (s *restSession) PublicKey() string { return s.publicKey }
func (s *restSession) Kind() string      { return KindREST }
func (s *restSession) Name() string      { return s.name }

func (s *restSession) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }
func (s *restSession) Touch()              { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *restSession) Expired(now time.Time) bool { return now.After(s.expiresAt) }

func (s *restSession) Deliver(d *wire.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if len(s.queue) >= s.maxQueue {
		return ErrQueueFull
	}
	e := d.Envelope
	s.queue = append(s.queue, &e)
	return nil
}

// SendFrame drops control frames; REST clients poll /v1/peers instead.
func (s *restSession) SendFrame(v any) error { return nil }

// preload seeds the queue with buffered envelopes before the session
// is visible to the router, so the backlog precedes live traffic. The
// backlog may exceed the queue cap; the cap applies to deliveries.
func (s *restSession) preload(envs []*envelope.Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, envs...)
	s.mu.Unlock()
}

// DrainQueue removes and returns all queued envelopes in one step.
func (s *restSession) DrainQueue() []*envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

func (s *restSession) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// signingKey returns the held private key for envelope construction.
func (s *restSession) signingKey() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false
	}
	return string(s.privateKey), true
}

func (s *restSession) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for i := range s.privateKey {
		s.privateKey[i] = 0
	}
	s.privateKey = nil
	s.queue = nil
}

// shortKey abbreviates a public key for log lines.
func shortKey(publicKey string) string {
	if len(publicKey) > 8 {
		return publicKey[:8]
	}
	return publicKey
}
