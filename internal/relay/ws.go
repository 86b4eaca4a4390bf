package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/waypost/waypost/internal/wire"
)

// handleAgentWS runs the per-connection state machine. A socket starts
// Unregistered; the only frame that moves it forward is register.
// After that the read loop routes messages until the socket dies, the
// session is evicted or the idle reaper closes it.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("websocket accept: %v", err)
		return
	}
	conn.SetReadLimit(512 * 1024)
	defer conn.CloseNow()

	ctx := r.Context()

	sess, err := s.awaitRegister(ctx, conn)
	if err != nil {
		return
	}

	log.Printf("agent %s registered (kind=ws name=%q peers=%d)",
		shortKey(sess.PublicKey()), sess.Name(), s.Registry.Count())

	defer func() {
		sess.Close("connection closed")
		// An evicted session loses the ownership check and must not
		// retract its replacement's presence.
		if s.Registry.Remove(sess.PublicKey(), sess.ID()) {
			s.Presence.PeerOffline(sess.PublicKey())
		}
	}()

	// Announce after the registration sequence: the session can accept
	// routed traffic as soon as peers learn it is online.
	s.Presence.PeerOnline(sess)

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go s.pingLoop(pingCtx, sess)

	s.readLoop(ctx, sess, conn)
}

// awaitRegister reads frames in the Unregistered state. Anything but a
// well-formed register gets an error frame and the socket stays open;
// each read carries the idle timeout so an unregistered connection
// cannot squat forever.
func (s *Server) awaitRegister(ctx context.Context, conn *websocket.Conn) (*wsSession, error) {
	idle := s.cfg.Timeouts.Idle.Std()
	for {
		readCtx, cancel := context.WithTimeout(ctx, idle)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return nil, err
		}

		var reg wire.Register
		if err := json.Unmarshal(data, &reg); err != nil || reg.Type != wire.TypeRegister || reg.PublicKey == "" {
			writeFrame(ctx, conn, wire.Error{Type: wire.TypeError, Message: "Not registered"})
			continue
		}
		return s.finishRegister(reg, conn), nil
	}
}

// finishRegister installs the session and replays its world: ack,
// peer snapshot, then the buffered backlog in insertion order. The
// whole sequence runs under the session's write lock, so a routed
// delivery that races registration lands strictly after the drain.
func (s *Server) finishRegister(reg wire.Register, conn *websocket.Conn) *wsSession {
	sess := newWSSession(reg.PublicKey, reg.Name, conn)
	sess.metadata = reg.Metadata

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	if prior := s.Registry.Add(sess); prior != nil {
		log.Printf("agent %s re-registered, evicting prior %s session", shortKey(reg.PublicKey), prior.Kind())
		prior.Close("session replaced")
	}

	sess.writeLocked(wire.Registered{Type: wire.TypeRegistered, PublicKey: reg.PublicKey})
	sess.writeLocked(wire.PeerList{Type: wire.TypePeerList, Peers: s.Presence.PeerList(reg.PublicKey)})

	backlog := s.Buffers.Drain(reg.PublicKey)
	for _, e := range backlog {
		sess.writeLocked(&wire.Delivery{Envelope: *e, FromName: s.Router.senderName(e.Sender)})
	}
	if len(backlog) > 0 {
		log.Printf("agent %s drained %d buffered envelopes", shortKey(reg.PublicKey), len(backlog))
	}

	return sess
}

// readLoop handles frames in the Registered state. Malformed JSON is
// dropped; recognized frames dispatch; anything else goes to the
// extension hook when one is installed.
func (s *Server) readLoop(ctx context.Context, sess *wsSession, conn *websocket.Conn) {
	pk := sess.PublicKey()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Printf("agent %s disconnected: %v", shortKey(pk), err)
			return
		}
		sess.Touch()

		frameType, err := wire.ParseFrame(data)
		if err != nil {
			continue
		}

		switch frameType {
		case wire.TypeRegister:
			sess.SendFrame(wire.Error{Type: wire.TypeError, Message: "Already registered"})

		case wire.TypeMessage:
			var msg wire.Message
			if err := json.Unmarshal(data, &msg); err != nil || msg.Envelope == nil {
				sess.SendFrame(wire.Error{Type: wire.TypeError, Message: "Invalid envelope"})
				continue
			}
			if err := s.Router.Route(pk, msg.To, msg.Envelope); err != nil {
				sess.SendFrame(wire.Error{Type: wire.TypeError, Message: frameMessage(err)})
			}

		case wire.TypePing, wire.TypePong:
			// Heartbeat; lastSeen was touched on read.

		default:
			if s.Extension != nil {
				if reply, handled := s.Extension(sess, frameType, data); handled {
					if reply != nil {
						sess.SendFrame(reply)
					}
					continue
				}
			}
			sess.SendFrame(wire.Error{Type: wire.TypeError, Message: "Unknown message type"})
		}
	}
}

// pingLoop keeps the transport alive with WebSocket ping control
// frames. A pong refreshes lastSeen; a missed pong closes the session.
func (s *Server) pingLoop(ctx context.Context, sess *wsSession) {
	interval := s.cfg.Timeouts.Heartbeat.Std()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := sess.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Printf("agent %s ping failed: %v", shortKey(sess.PublicKey()), err)
					sess.Close("ping timeout")
				}
				return
			}
			sess.Touch()
		}
	}
}

// frameMessage maps routing errors onto protocol error frame text.
func frameMessage(err error) string {
	switch {
	case errors.Is(err, ErrSenderMismatch):
		return "sender does not match"
	case errors.Is(err, ErrInvalidEnvelope):
		return "Invalid envelope"
	case errors.Is(err, ErrRecipientNotConnected):
		return "Recipient not connected"
	case errors.Is(err, ErrQueueFull):
		return "Recipient queue full"
	default:
		return "Internal error"
	}
}

// writeFrame writes a control frame on a connection that has no
// session yet.
func writeFrame(ctx context.Context, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	conn.Write(writeCtx, websocket.MessageText, data)
}
