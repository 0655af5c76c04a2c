package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/eventgate/backend/internal/config"
	"github.com/eventgate/backend/internal/hook"
	"github.com/eventgate/backend/internal/router"
	"github.com/eventgate/backend/internal/source"
)

type Server struct {
	cfg            *config.Config
	registry       *source.Registry
	router         *router.Router
	invoker        hook.Invoker
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(cfg *config.Config, reg *source.Registry, rt *router.Router, invoker hook.Invoker) *Server {
	s := &Server{
		cfg:            cfg,
		registry:       reg,
		router:         rt,
		invoker:        invoker,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// The authenticate hook runs against the upgrade request, before the
	// WebSocket handshake completes. Reject means no session ever exists.
	decision, err := s.invoker.Authenticate(r.Context(), authRequestFrom(r))
	if err != nil {
		log.Printf("authenticate hook failed for %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !decision.Accept {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	sess := newSession(conn, s.registry, s.router, s.cfg.Defaults,
		s.cfg.Server.PushWriteTimeout, decision.Context)
	log.Printf("session %s connected (%s)", sess.id, r.RemoteAddr)
	go sess.run()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"generation": s.registry.Generation(),
	})
}

// authRequestFrom derives the transport-independent handshake metadata
// presented to the authenticate hook.
func authRequestFrom(r *http.Request) hook.AuthRequest {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	req := hook.AuthRequest{
		Method:    r.Method,
		Path:      r.URL.RequestURI(),
		Scheme:    scheme,
		Authority: r.Host,
	}
	for name, values := range r.Header {
		for _, value := range values {
			req.Headers = append(req.Headers, hook.Header{Name: name, Value: value})
		}
	}
	return req
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
