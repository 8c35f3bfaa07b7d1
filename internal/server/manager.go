package server

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onlinecli/online/internal/control"
	"github.com/onlinecli/online/internal/protocol"
	"github.com/onlinecli/online/internal/util"
)

// Manager owns the client_id → Session table, the port allocator, and the
// registration path. It is process-wide: one Manager per server.
//
// Sessions hang off the Manager's own context rather than the run context,
// so cancelling the server does not yank control channels out from under
// in-flight requests; Shutdown drains first and cancels last.
type Manager struct {
	ctx        context.Context
	cancel     context.CancelFunc
	alloc      *allocator
	timeout    time.Duration
	maxClients int

	mu       sync.Mutex
	sessions map[string]*Session
	reserved int // registrations past the limit check but not yet in the table
}

// SessionInfo is a point-in-time snapshot of one session, as reported by
// the status endpoint.
type SessionInfo struct {
	ClientID       string    `json:"client_id"`
	PublicPort     int       `json:"public_port"`
	State          string    `json:"state"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Requests       int64     `json:"requests"`
	InFlight       int       `json:"in_flight"`
}

func newManager(alloc *allocator, timeout time.Duration, maxClients int) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ctx:        ctx,
		cancel:     cancel,
		alloc:      alloc,
		timeout:    timeout,
		maxClients: maxClients,
		sessions:   make(map[string]*Session),
	}
}

// Register turns a freshly upgraded control connection into an Active
// session: it assigns a client id, allocates and binds a public port, sends
// the registered envelope, and starts the session's pumps. On any failure
// the client receives an error envelope naming the cause and the connection
// is closed; no resources stay allocated.
func (m *Manager) Register(conn *websocket.Conn) (*Session, error) {
	if err := m.reserveSlot(); err != nil {
		reject(conn, protocol.CodeMaxClients, "client limit reached")
		return nil, err
	}

	port, err := m.alloc.Allocate()
	if err != nil {
		m.unreserve()
		reject(conn, protocol.CodeNoPort, "no public port available")
		return nil, err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		m.unreserve()
		m.alloc.Release(port)
		reject(conn, protocol.CodeBindFailed, fmt.Sprintf("cannot bind public port %d", port))
		return nil, fmt.Errorf("server: bind public port %d: %w", port, err)
	}

	clientID := uuid.New().String()
	if err := control.WriteFrame(conn, protocol.NewRegistered(clientID, port)); err != nil {
		m.unreserve()
		_ = ln.Close()
		m.alloc.Release(port)
		_ = conn.Close()
		return nil, fmt.Errorf("server: send registered: %w", err)
	}

	sess := newSession(m.ctx, clientID, port, conn, ln, m.timeout, m.remove)
	m.mu.Lock()
	m.reserved--
	m.sessions[clientID] = sess
	m.mu.Unlock()

	sess.start()
	util.Stats.AddTunnel()
	return sess, nil
}

// reserveSlot claims a registration slot under the table lock, counting
// registrations still in flight, so two concurrent handshakes cannot both
// squeeze past the client limit.
func (m *Manager) reserveSlot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxClients > 0 && len(m.sessions)+m.reserved >= m.maxClients {
		return fmt.Errorf("server: client limit (%d) reached", m.maxClients)
	}
	m.reserved++
	return nil
}

// unreserve gives a claimed slot back after a failed registration.
func (m *Manager) unreserve() {
	m.mu.Lock()
	m.reserved--
	m.mu.Unlock()
}

// Lookup returns the session for a client id.
func (m *Manager) Lookup(clientID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clientID]
	return s, ok
}

// Close tears down the session for a client id. Reports whether a session
// existed.
func (m *Manager) Close(clientID, reason string) bool {
	s, ok := m.Lookup(clientID)
	if !ok {
		return false
	}
	s.Close(websocket.CloseNormalClosure, reason)
	return true
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List snapshots every live session, ordered by public port.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, SessionInfo{
			ClientID:       s.ID,
			PublicPort:     s.Port,
			State:          s.State(),
			ConnectedAt:    s.StartedAt,
			LastActivityAt: s.LastActivity(),
			Requests:       s.Requests(),
			InFlight:       s.InFlight(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PublicPort < infos[j].PublicPort })
	return infos
}

// Shutdown drains every session in parallel: public listeners stop
// accepting, in-flight requests get up to grace to finish, then the control
// channels close with reason "shutdown". Blocks until all sessions are gone.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Drain(grace)
		}(s)
	}
	wg.Wait()
}

// remove is the session close callback: it frees the port and drops the
// table entry.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	m.alloc.Release(s.Port)
}

// reject answers a failed registration with an error envelope and a close
// frame. The connection is dead afterwards.
func reject(conn *websocket.Conn, code, message string) {
	if err := control.WriteFrame(conn, protocol.NewError("", code, message)); err != nil {
		util.LogDebug("Failed sending %s rejection: %v", code, err)
	}
	control.WriteClose(conn, websocket.ClosePolicyViolation, code)
}
