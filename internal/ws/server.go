package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ServerConfig bounds the remote-control surface.
type ServerConfig struct {
	MaxSessions int
	IdleTimeout time.Duration
}

// Server accepts websocket clients and hands each trace session its own hub.
type Server struct {
	addr   string
	config ServerConfig
	launch LaunchFunc

	mu   sync.RWMutex
	hubs map[string]*Hub

	upgrader websocket.Upgrader
}

func NewServer(addr string, config ServerConfig, launch LaunchFunc) *Server {
	return &Server{
		addr:   addr,
		config: config,
		launch: launch,
		hubs:   make(map[string]*Hub),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // local tooling, no origin policy
			},
		},
	}
}

// Handler exposes the routes so callers can mount or test them.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", s.handleSession)
	mux.HandleFunc("/sessions", s.handleSessions)
	return mux
}

func (s *Server) ListenAndServe() error {
	log.Printf("[Server] Listening on %s", s.addr)
	return http.ListenAndServe(s.addr, s.Handler())
}

// handleSession upgrades the connection and attaches it to the requested
// hub, creating one when the sessionId query parameter is absent.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")

	var hub *Hub
	if sessionID == "" {
		created, err := s.CreateHub()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		hub = created
		sessionID = hub.sessionID
	} else {
		existing, ok := s.GetHub(sessionID)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown session %q", sessionID), http.StatusNotFound)
			return
		}
		hub = existing
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] Upgrade failed: %v", err)
		return
	}

	client := NewConnection(conn, hub, uuid.NewString())
	hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	// Let the client know which session it landed in.
	data, err := json.Marshal(SessionStartedEvent{
		Type:      EventSessionStarted,
		SessionID: sessionID,
	})
	if err == nil {
		client.send <- Message{Type: string(EventSessionStarted), Data: data}
	}
}

// handleSessions lists live session IDs.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.hubs))
	for id := range s.hubs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string][]string{"sessions": ids}); err != nil {
		log.Printf("[Server] Failed to encode session list: %v", err)
	}
}

// CreateHub registers a new hub and starts its run loop.
func (s *Server) CreateHub() (*Hub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.MaxSessions > 0 && len(s.hubs) >= s.config.MaxSessions {
		return nil, fmt.Errorf("session limit reached (%d)", s.config.MaxSessions)
	}

	sessionID := uuid.NewString()
	hub := NewHub(sessionID, s.config.IdleTimeout, s.launch)
	hub.onShutdown = s.removeHub
	s.hubs[sessionID] = hub

	go hub.Run()
	log.Printf("[Server] Created session %s", sessionID)
	return hub, nil
}

func (s *Server) GetHub(sessionID string) (*Hub, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hub, ok := s.hubs[sessionID]
	return hub, ok
}

func (s *Server) removeHub(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hubs, sessionID)
	log.Printf("[Server] Removed session %s", sessionID)
}
