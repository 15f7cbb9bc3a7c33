package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lecca.io/ksm-watcher/internal/config"
	"lecca.io/ksm-watcher/internal/liveness"
	"lecca.io/ksm-watcher/internal/logger"
)

const (
	broadcastBuffer = 16
	logBuffer       = 100
	writeTimeout    = 5 * time.Second
)

// StatusProvider is implemented by the liveness monitor.
type StatusProvider interface {
	Status() liveness.Status
}

type Server struct {
	cfg  config.ServerConfig
	mux  *http.ServeMux
	http *http.Server
	ln   net.Listener

	statusMu sync.RWMutex
	status   StatusProvider

	// WebSocket
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	logChan   chan logger.LogEntry
	mu        sync.Mutex
}

func NewServer(cfg config.ServerConfig) *Server {
	s := &Server{
		cfg: cfg,
		mux: http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, broadcastBuffer),
		logChan:   make(chan logger.LogEntry, logBuffer),
	}

	s.mux.HandleFunc("/healthcheck", s.handleHealth)
	s.mux.HandleFunc("/api/state", s.handleState)
	s.mux.HandleFunc("/ws", s.handleConnections)

	logger.SetLogChannel(s.logChan)
	return s
}

// Start binds the listen port and serves in the background. A bind failure
// is returned directly. The websocket fan-out runs until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.http = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.handleMessages(ctx)
	go s.handleLogs(ctx)

	logger.Info("HTTP", "HTTP server listening on %s", ln.Addr())
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP", "HTTP server failed on %s: %v", ln.Addr(), err)
		}
	}()
	return nil
}

// Addr is the bound address, or empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// MountMetrics exposes h under /metrics. Safe to call after Start.
func (s *Server) MountMetrics(h http.Handler) {
	s.mux.Handle("/metrics", h)
	logger.Info("METRICS", "Metrics endpoint mounted at /metrics")
}

// SetStatusProvider wires the source of /api/state and /ws updates.
func (s *Server) SetStatusProvider(p StatusProvider) {
	s.statusMu.Lock()
	s.status = p
	s.statusMu.Unlock()
}

// Shutdown stops accepting requests and closes every websocket client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for client := range s.clients {
		client.Close()
		delete(s.clients, client)
	}
	s.mu.Unlock()

	if s.http == nil {
		return nil
	}
	logger.Info("HTTP", "HTTP server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK!"))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.getStateJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(state)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("HTTP", "WS upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.clients[ws] = true
	// Send initial state
	if state, err := s.getStateJSON(); err == nil {
		s.write(ws, state)
	}
	s.mu.Unlock()

	go s.readUntilClosed(ws)
}

// readUntilClosed drains client frames so close and ping control messages
// are processed, and drops the client once the connection fails.
func (s *Server) readUntilClosed(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	s.mu.Lock()
	if s.clients[ws] {
		delete(s.clients, ws)
		ws.Close()
	}
	s.mu.Unlock()
}

func (s *Server) handleMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.broadcast:
			s.fanOut(msg)
		}
	}
}

func (s *Server) handleLogs(ctx context.Context) {
	type LogMessage struct {
		Type      string `json:"type"`
		Timestamp string `json:"timestamp"`
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
	}

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-s.logChan:
			bytes, err := json.Marshal(LogMessage{
				Type:      "log",
				Timestamp: entry.Timestamp,
				Level:     entry.Level,
				Component: entry.Component,
				Message:   entry.Message,
			})
			if err == nil {
				s.fanOut(bytes)
			}
		}
	}
}

func (s *Server) fanOut(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		if err := s.write(client, msg); err != nil {
			client.Close()
			delete(s.clients, client)
		}
	}
}

// write must be called with s.mu held.
func (s *Server) write(ws *websocket.Conn, msg []byte) error {
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, msg)
}

// BroadcastUpdate queues a push of the current state to all connected
// clients. Never blocks the caller; an update is dropped when the queue is full.
func (s *Server) BroadcastUpdate() {
	state, err := s.getStateJSON()
	if err != nil {
		return
	}
	select {
	case s.broadcast <- state:
	default:
		logger.Debug("HTTP", "Status broadcast queue full, dropping update")
	}
}

var errNoStatus = errors.New("status not available yet")

func (s *Server) getStateJSON() ([]byte, error) {
	s.statusMu.RLock()
	p := s.status
	s.statusMu.RUnlock()
	if p == nil {
		return nil, errNoStatus
	}
	return json.Marshal(p.Status())
}
