// Package relay implements the signed-message relay: session registry,
// router, presence fan-out, store-and-forward buffers, and the
// WebSocket and REST surfaces that share them.
package relay

import (
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/waypost/waypost/internal/config"
)

// ExtensionFunc handles frame types outside the core protocol, such as
// discovery queries layered on top of the relay. It returns a reply to
// send on the session (nil for none) and whether the frame was
// handled; unhandled frames draw an "Unknown message type" error.
type ExtensionFunc func(sess Session, frameType string, data []byte) (reply any, handled bool)

type Server struct {
	cfg *config.Config

	Registry *Registry
	Buffers  *Buffers
	Router   *Router
	Presence *Presence

	// Extension, when set, receives unrecognized frames from
	// registered sessions. Install before serving traffic.
	Extension ExtensionFunc

	tokenSecret []byte
	limiter     *IPRateLimiter

	wsMux   *http.ServeMux
	restMux *http.ServeMux
	mux     *http.ServeMux

	done      chan struct{}
	closeOnce sync.Once
}

func NewServer(cfg *config.Config) (*Server, error) {
	identityKey, err := cfg.IdentityKey()
	if err != nil {
		return nil, err
	}
	secret, err := newTokenSecret(identityKey)
	if err != nil {
		return nil, err
	}
	storedFor, err := cfg.StoredForKeys()
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	buffers := NewBuffers(storedFor, cfg.Limits.BufferSize)

	s := &Server{
		cfg:         cfg,
		Registry:    registry,
		Buffers:     buffers,
		Router:      NewRouter(registry, buffers),
		Presence:    NewPresence(registry, buffers),
		tokenSecret: secret,
		done:        make(chan struct{}),
	}
	if cfg.Limits.RatePerSecond > 0 {
		s.limiter = NewIPRateLimiter(cfg.Limits.RatePerSecond, cfg.Limits.RateBurst)
	}

	// The surfaces can share one listener (the combined mux) or get a
	// listener each; both split muxes carry a health endpoint so every
	// listener answers probes.
	s.wsMux = http.NewServeMux()
	s.registerWSRoutes(s.wsMux)
	s.wsMux.HandleFunc("GET /health", s.handleHealth)

	s.restMux = http.NewServeMux()
	s.registerRESTRoutes(s.restMux)

	s.mux = http.NewServeMux()
	s.registerWSRoutes(s.mux)
	s.registerRESTRoutes(s.mux)

	go s.reapLoop()

	return s, nil
}

func (s *Server) registerWSRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleAgentWS)
}

func (s *Server) registerRESTRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/register", s.withRateLimit(s.handleRESTRegister))
	mux.HandleFunc("POST /v1/send", s.withRateLimit(s.handleRESTSend))
	mux.HandleFunc("GET /v1/messages", s.withRateLimit(s.handleRESTMessages))
	mux.HandleFunc("GET /v1/peers", s.withRateLimit(s.handleRESTPeers))
	mux.HandleFunc("DELETE /v1/disconnect", s.withRateLimit(s.handleRESTDisconnect))
}

// ServeHTTP serves the combined surface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// WSHandler serves only the WebSocket surface, for a dedicated listener.
func (s *Server) WSHandler() http.Handler { return s.wsMux }

// RESTHandler serves only the REST surface, for a dedicated listener.
func (s *Server) RESTHandler() http.Handler { return s.restMux }

// Agents returns the registered public keys, sorted.
func (s *Server) Agents() []string { return s.Registry.Keys() }

// SetStoredFor swaps the stored-for allowlist at runtime.
func (s *Server) SetStoredFor(keys []string) { s.Buffers.SetKeys(keys) }

// SessionInfo is the operator view of one session.
type SessionInfo struct {
	PublicKey string         `json:"publicKey"`
	Kind      string         `json:"kind"`
	Name      string         `json:"name,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	LastSeen  time.Time      `json:"lastSeen"`
	Queued    int            `json:"queued,omitempty"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
}

func (s *Server) SessionInfos() []SessionInfo {
	sessions := s.Registry.All()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		info := SessionInfo{
			PublicKey: sess.PublicKey(),
			Kind:      sess.Kind(),
			Name:      sess.Name(),
			LastSeen:  sess.LastSeen(),
		}
		switch t := sess.(type) {
		case *wsSession:
			info.Metadata = t.metadata
		case *restSession:
			info.Metadata = t.metadata
			info.Queued = t.QueueLen()
			exp := t.expiresAt
			info.ExpiresAt = &exp
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PublicKey < infos[j].PublicKey })
	return infos
}

// BufferDepths returns the buffered envelope count per stored-for key.
func (s *Server) BufferDepths() map[string]int { return s.Buffers.Depths() }

// Evict force-closes whatever session owns the key.
func (s *Server) Evict(publicKey string) bool {
	sess, ok := s.Registry.Get(publicKey)
	if !ok {
		return false
	}
	if s.Registry.Remove(publicKey, sess.ID()) {
		s.Presence.PeerOffline(publicKey)
	}
	sess.Close("evicted by operator")
	log.Printf("agent %s evicted by operator", shortKey(publicKey))
	return true
}

// Shutdown stops background work and closes every session.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.Registry.CloseAll("server shutting down")
	})
}

// reapLoop retires sessions that stopped proving liveness: WS sessions
// whose lastSeen fell past the idle timeout, REST sessions whose token
// expired without a request to notice it.
func (s *Server) reapLoop() {
	interval := s.cfg.Timeouts.Idle.Std() / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.reap(time.Now())
		}
	}
}

func (s *Server) reap(now time.Time) {
	idle := s.cfg.Timeouts.Idle.Std()
	for _, sess := range s.Registry.All() {
		switch t := sess.(type) {
		case *wsSession:
			if now.Sub(t.LastSeen()) > idle {
				log.Printf("agent %s idle, closing", shortKey(t.PublicKey()))
				// The read loop finishes the teardown.
				t.Close("idle timeout")
			}
		case *restSession:
			if t.Expired(now) {
				s.revokeExpired(t.publicKey, t.tokenID)
			}
		}
	}
}
