// Package admin exposes the relay's operator surface over a unix
// socket: session listing, buffer depths, and forced eviction. The
// socket never carries agent traffic.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/waypost/waypost/internal/relay"
)

type Server struct {
	relay      *relay.Server
	socketPath string
}

func NewServer(rs *relay.Server, socketPath string) *Server {
	return &Server{relay: rs, socketPath: socketPath}
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up stale socket.
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.socketPath)
		return err
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /buffers", s.handleListBuffers)
	mux.HandleFunc("POST /sessions/{publicKey}/evict", s.handleEvict)
}

// Request/response types

type statusResponse struct {
	Agents    int `json:"agents"`
	Buffered  int `json:"buffered"`
	StoredFor int `json:"storedFor"`
}

// Handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	depths := s.relay.BufferDepths()
	buffered := 0
	for _, n := range depths {
		buffered += n
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Agents:    len(s.relay.Agents()),
		Buffered:  buffered,
		StoredFor: len(depths),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.SessionInfos())
}

func (s *Server) handleListBuffers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.BufferDepths())
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	publicKey := r.PathValue("publicKey")
	if !s.relay.Evict(publicKey) {
		writeError(w, http.StatusNotFound, "no session for that key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"evicted": true})
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
