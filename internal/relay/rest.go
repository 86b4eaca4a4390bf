package relay

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/waypost/waypost/envelope"
	"github.com/waypost/waypost/identity"
)

// keypairProof is the fixed string a registering client's keys must
// sign and verify to prove they form a pair.
const keypairProof = "waypost-keypair-proof"

// restMessage is the REST projection of a delivered envelope.
type restMessage struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	InReplyTo *string         `json:"inReplyTo"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleRESTRegister opens a polled session. The relay verifies the
// submitted key pair, issues a bearer token bound to this session, and
// seeds the queue with any buffered backlog before the session becomes
// routable.
func (s *Server) handleRESTRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey  string         `json:"publicKey"`
		PrivateKey string         `json:"privateKey"`
		Name       string         `json:"name"`
		Metadata   map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.PublicKey == "" || req.PrivateKey == "" {
		writeError(w, http.StatusBadRequest, "publicKey and privateKey are required")
		return
	}

	sig, err := identity.Sign(req.PrivateKey, []byte(keypairProof))
	if err != nil || !identity.Verify(req.PublicKey, []byte(keypairProof), sig) {
		writeError(w, http.StatusBadRequest, "key pair mismatch")
		return
	}

	token, tokenID, expiresAt, err := issueToken(s.tokenSecret, req.PublicKey, s.cfg.Timeouts.TokenTTL.Std())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	sess := newRESTSession(req.PublicKey, req.Name, req.PrivateKey, tokenID, expiresAt, s.cfg.Limits.QueueSize)
	sess.metadata = req.Metadata
	sess.preload(s.Buffers.Drain(req.PublicKey))

	if prior := s.Registry.Add(sess); prior != nil {
		log.Printf("agent %s re-registered, evicting prior %s session", shortKey(req.PublicKey), prior.Kind())
		prior.Close("session replaced")
	}
	s.Presence.PeerOnline(sess)

	log.Printf("agent %s registered (kind=rest name=%q peers=%d)",
		shortKey(req.PublicKey), req.Name, s.Registry.Count())

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expiresAt.UnixMilli(),
		"peers":     s.Presence.PeerList(req.PublicKey),
	})
}

// handleRESTSend constructs and signs an envelope with the session's
// held key, then routes it like any WebSocket message.
func (s *Server) handleRESTSend(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireRESTSession(w, r)
	if !ok {
		return
	}

	var req struct {
		To        string          `json:"to"`
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		InReplyTo string          `json:"inReplyTo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.To == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "to and type are required")
		return
	}

	key, ok := sess.signingKey()
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	e, err := envelope.CreateAt(req.Type, sess.PublicKey(), key, req.Payload, time.Now().UnixMilli(), req.InReplyTo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to construct envelope")
		return
	}

	if err := s.Router.Route(sess.PublicKey(), req.To, e); err != nil {
		switch {
		case errors.Is(err, ErrRecipientNotConnected):
			writeError(w, http.StatusNotFound, "recipient_not_connected")
		case errors.Is(err, ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "queue_full")
		default:
			writeError(w, http.StatusInternalServerError, "routing failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "messageId": e.ID})
}

// handleRESTMessages dequeues everything waiting for the caller. The
// queue is cleared in the same step, so a retry after a lost response
// comes back empty.
func (s *Server) handleRESTMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireRESTSession(w, r)
	if !ok {
		return
	}

	drained := sess.DrainQueue()
	messages := make([]restMessage, 0, len(drained))
	for _, e := range drained {
		m := restMessage{ID: e.ID, From: e.Sender, Type: e.Type, Payload: e.Payload}
		if e.InReplyTo != "" {
			v := e.InReplyTo
			m.InReplyTo = &v
		}
		messages = append(messages, m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleRESTPeers(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireRESTSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": s.Presence.PeerList(sess.PublicKey())})
}

// handleRESTDisconnect revokes the session. The held private key is
// zeroed as part of Close.
func (s *Server) handleRESTDisconnect(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireRESTSession(w, r)
	if !ok {
		return
	}

	if s.Registry.Remove(sess.PublicKey(), sess.ID()) {
		s.Presence.PeerOffline(sess.PublicKey())
	}
	sess.Close("disconnected")
	log.Printf("agent %s disconnected (kind=rest)", shortKey(sess.PublicKey()))

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// requireRESTSession authenticates a bearer token. A token is live
// only while the session it was issued for still owns the key: JWT
// validity, registry presence, token binding and expiry all have to
// line up.
func (s *Server) requireRESTSession(w http.ResponseWriter, r *http.Request) (*restSession, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return nil, false
	}

	claims, err := validateToken(s.tokenSecret, token)
	if err != nil {
		// An expired token still names its session; tear it down now
		// rather than waiting for the reaper.
		if errors.Is(err, jwt.ErrTokenExpired) && claims != nil {
			s.revokeExpired(claims.Subject, claims.ID)
		}
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return nil, false
	}

	sess, ok := s.Registry.Get(claims.Subject)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return nil, false
	}
	rs, isREST := sess.(*restSession)
	if !isREST || rs.tokenID != claims.ID {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return nil, false
	}
	if rs.Expired(time.Now()) {
		s.revokeExpired(rs.publicKey, rs.tokenID)
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return nil, false
	}

	rs.Touch()
	return rs, true
}

// revokeExpired tears down the session an expired token pointed at.
func (s *Server) revokeExpired(publicKey, tokenID string) {
	sess, ok := s.Registry.Get(publicKey)
	if !ok {
		return
	}
	rs, isREST := sess.(*restSession)
	if !isREST || rs.tokenID != tokenID {
		return
	}
	if s.Registry.Remove(publicKey, rs.ID()) {
		s.Presence.PeerOffline(publicKey)
	}
	rs.Close("token expired")
	log.Printf("agent %s session expired", shortKey(publicKey))
}

// withRateLimit throttles a REST handler per client address when a
// limiter is configured.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// Helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
