package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onlinecli/online/internal/control"
	"github.com/onlinecli/online/internal/protocol"
	"github.com/onlinecli/online/internal/util"
)

// drainTimeout bounds how long a closing session waits for in-flight public
// handlers to finish writing before their connections are cut.
const drainTimeout = 5 * time.Second

// sessionState tracks where a session is in its lifecycle. Registering is
// never observable here: the handshake happens before the Session exists.
type sessionState int32

const (
	stateActive sessionState = iota
	stateDraining
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Session is the server-side state for one connected client: its control
// channel, its public listener, and the correlation table tying the two
// together.
type Session struct {
	ID        string
	Port      int
	StartedAt time.Time

	channel *control.Channel
	public  *http.Server
	ln      net.Listener
	pending *pendingTable
	timeout time.Duration

	state        atomic.Int32
	requests     atomic.Int64
	lastActivity atomic.Int64 // unix nanos of the last envelope or public request

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	onClose   func(*Session)
}

func newSession(parent context.Context, id string, port int, conn *websocket.Conn,
	ln net.Listener, timeout time.Duration, onClose func(*Session)) *Session {

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:        id,
		Port:      port,
		StartedAt: time.Now(),
		channel:   control.New(ctx, conn),
		ln:        ln,
		pending:   newPendingTable(),
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
		onClose:   onClose,
	}
	s.public = &http.Server{
		Handler:           s.publicHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	// One request per connection: responses carry Connection: close and the
	// conn is torn down after the body is written.
	s.public.SetKeepAlivesEnabled(false)
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity reports when the session last saw traffic in either direction.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// State reports the session's lifecycle state.
func (s *Session) State() string {
	return sessionState(s.state.Load()).String()
}

// start launches the control read loop and the public listener.
func (s *Session) start() {
	go s.run()
	go s.servePublic()
}

// run pumps the control channel until it dies, then tears the session down.
func (s *Session) run() {
	err := s.channel.Run(s.handle)
	util.LogInfo("Control channel for client %s closed: %v", s.ID, err)
	s.Close(websocket.CloseNormalClosure, "control channel lost")
}

// handle dispatches one inbound envelope from the client.
func (s *Session) handle(msg protocol.Message) {
	s.touch()
	switch m := msg.(type) {
	case *protocol.Response:
		if !s.pending.Complete(m.RequestID, m) {
			util.LogDebug("Dropping late response for request %s", m.RequestID)
		}
	case *protocol.Error:
		if m.RequestID != "" {
			if !s.pending.Fail(m.RequestID, fmt.Errorf("client error %s: %s", m.Code, m.Message)) {
				util.LogDebug("Dropping late error for request %s", m.RequestID)
			}
			return
		}
		util.LogWarning("Client %s reported fatal error %s: %s", s.ID, m.Code, m.Message)
		s.Close(websocket.CloseNormalClosure, m.Code)
	default:
		util.LogWarning("Client %s sent unexpected %s envelope", s.ID, msg.Kind())
		s.Close(websocket.CloseProtocolError, protocol.CodeProtocolError)
	}
}

// InFlight reports the number of public requests awaiting a response.
func (s *Session) InFlight() int {
	return s.pending.Len()
}

// Requests reports the total number of public requests accepted.
func (s *Session) Requests() int64 {
	return s.requests.Load()
}

// Drain stops accepting public connections, lets in-flight requests finish
// for up to grace while the control channel keeps pumping responses, then
// closes the session.
func (s *Session) Drain(grace time.Duration) {
	s.state.CompareAndSwap(int32(stateActive), int32(stateDraining))

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.public.Shutdown(ctx); err != nil {
		util.LogWarning("Session %s did not drain cleanly: %v", s.ID, err)
	}
	s.Close(websocket.CloseGoingAway, protocol.CodeShutdown)
}

// Close tears the session down: the listener stops accepting immediately,
// every pending waiter fails with ErrSessionClosed, the control channel is
// closed with the given reason, and the public port returns to the pool.
// Safe to call concurrently and repeatedly; only the first call acts.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.state.CompareAndSwap(int32(stateActive), int32(stateDraining))
		util.LogInfo("Closing session %s (port %d): %s", s.ID, s.Port, reason)

		// Stop accepting before anything else so the port is quiet by the
		// time it is released.
		_ = s.ln.Close()

		s.pending.FailAll(ErrSessionClosed)
		s.channel.CloseWith(code, reason)

		// In-flight handlers are resolving their 502s now; give them a
		// moment to flush before connections are cut.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			if err := s.public.Shutdown(ctx); err != nil {
				_ = s.public.Close()
			}
			s.cancel()
			s.state.Store(int32(stateClosed))
		}()

		s.onClose(s)
		util.Stats.RemoveTunnel()
	})
}
