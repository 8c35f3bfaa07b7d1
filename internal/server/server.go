package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onlinecli/online/internal/config"
	"github.com/onlinecli/online/internal/control"
	"github.com/onlinecli/online/internal/protocol"
	"github.com/onlinecli/online/internal/util"
)

const (
	// handshakeTimeout bounds how long a freshly upgraded connection may
	// take to send its register frame.
	handshakeTimeout = 10 * time.Second

	// ShutdownGrace is how long Run lets in-flight public requests finish
	// once the server is asked to stop.
	ShutdownGrace = 10 * time.Second
)

// ErrBindFailed reports that the control listen address could not be bound.
// The binary maps it to a distinct exit code.
var ErrBindFailed = errors.New("server: bind failed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server is the tunnel server: one control endpoint, one Manager, and one
// public listener per registered client.
type Server struct {
	cfg     *config.Server
	manager *Manager
	ln      net.Listener
	httpSrv *http.Server
}

// New assembles a Server from its configuration. Start must be called before
// Run.
func New(cfg *config.Server) *Server {
	s := &Server{
		cfg:     cfg,
		manager: newManager(newAllocator(cfg.PortMin, cfg.PortMax), time.Duration(cfg.RequestTimeout)*time.Second, cfg.MaxClients),
	}

	// Control upgrades are accepted on any path; /status is the one
	// plain-HTTP carve-out.
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Manager exposes the session table, mainly for tests and the status handler.
func (s *Server) Manager() *Manager { return s.manager }

// Addr returns the bound control listen address. Valid after Start.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Start binds the control listen address. Kept separate from Run so the
// binary can report bind failures with their own exit code before any
// session work begins.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBindFailed, s.cfg.Listen, err)
	}
	s.ln = ln
	return nil
}

// Run serves the control endpoint until ctx is cancelled, then drains every
// session for up to ShutdownGrace before returning.
func (s *Server) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.httpSrv.Serve(s.ln) }()

	util.LogInfo("Tunnel server listening on %s (public ports %s)", s.ln.Addr(), s.cfg.PortRange())

	select {
	case err := <-serveErr:
		return fmt.Errorf("control listener failed: %w", err)
	case <-ctx.Done():
	}

	util.LogInfo("Shutting down: draining %d session(s)", s.manager.Count())

	shutCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()
	_ = s.httpSrv.Shutdown(shutCtx)
	s.manager.Shutdown(ShutdownGrace)
	s.manager.cancel()
	return nil
}

// handleWS upgrades the control connection and runs the register handshake.
// The first frame must be a register envelope; anything else closes the
// connection with protocol_error.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("Control upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	msg, err := control.ReadFrame(conn, handshakeTimeout)
	if err != nil {
		util.LogWarning("Handshake with %s failed: %v", conn.RemoteAddr(), err)
		control.WriteClose(conn, websocket.CloseProtocolError, protocol.CodeProtocolError)
		return
	}
	if _, ok := msg.(*protocol.Register); !ok {
		util.LogWarning("First frame from %s was %s, not register", conn.RemoteAddr(), msg.Kind())
		reject(conn, protocol.CodeProtocolError, "first frame must be register")
		return
	}

	sess, err := s.manager.Register(conn)
	if err != nil {
		util.LogWarning("Registration from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	util.LogInfo("Client %s registered on public port %d", sess.ID, sess.Port)
}

// handleStatus reports every live session as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(struct {
		Clients []SessionInfo `json:"clients"`
	}{Clients: s.manager.List()})
	if err != nil {
		util.LogDebug("Status encode failed: %v", err)
	}
}
