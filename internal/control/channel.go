// Package control implements the tunnel control channel: a single WebSocket
// connection carrying JSON envelopes between server and client. Both sides
// wrap their end of the connection in a Channel, which serializes all writes
// through one goroutine, applies backpressure when the peer is slow, and runs
// an envelope-level heartbeat to detect dead connections.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onlinecli/online/internal/protocol"
	"github.com/onlinecli/online/internal/util"
)

const (
	// OutboxSize is the capacity of the outgoing envelope queue. Send blocks
	// once this many frames are waiting on a slow connection.
	OutboxSize = 256

	// PingInterval is how often the heartbeat sends a ping envelope.
	PingInterval = 20 * time.Second

	// MaxPingMisses is the number of consecutive unanswered pings tolerated
	// before the channel is closed with reason "heartbeat".
	MaxPingMisses = 3

	writeWait = 10 * time.Second
	closeWait = time.Second
)

// ErrChannelClosed is returned by Send once the channel has shut down.
var ErrChannelClosed = errors.New("control: channel closed")

var (
	pingFrame = mustFrame(protocol.NewPing())
	pongFrame = mustFrame(protocol.NewPong())
)

func mustFrame(m protocol.Message) []byte {
	data, err := protocol.Encode(m)
	if err != nil {
		panic(err)
	}
	return data
}

// Channel wraps a *websocket.Conn carrying tunnel envelopes.
//
// All writes funnel through a single pump goroutine draining a bounded
// outbox, so concurrent callers never interleave frames. Ping and pong
// envelopes travel on a separate small queue that the pump drains first,
// keeping the heartbeat responsive even when the outbox is backed up.
//
// The Channel is alive until the peer disconnects, the heartbeat gives up,
// the parent context is cancelled, or CloseWith is called.
type Channel struct {
	conn *websocket.Conn

	outbox  chan []byte
	urgent  chan []byte
	pending atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	cause     error
}

// New wraps conn in a Channel and starts the write pump and heartbeat.
// The caller must then call Run to start reading; any handshake frames
// should be exchanged with ReadFrame/WriteFrame before calling New.
func New(ctx context.Context, conn *websocket.Conn) *Channel {
	return newChannel(ctx, conn, PingInterval)
}

func newChannel(ctx context.Context, conn *websocket.Conn, pingInterval time.Duration) *Channel {
	cCtx, cCancel := context.WithCancel(ctx)

	c := &Channel{
		conn:   conn,
		outbox: make(chan []byte, OutboxSize),
		urgent: make(chan []byte, 4),
		ctx:    cCtx,
		cancel: cCancel,
	}
	c.conn.SetReadLimit(protocol.MaxFrameBytes)

	go c.writePump()
	go c.heartbeat(pingInterval)

	return c
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done returns a channel that is closed when the Channel has shut down.
func (c *Channel) Done() <-chan struct{} {
	return c.ctx.Done()
}

// RemoteAddr returns the network address of the peer.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// CloseWith sends a close frame with the given status code and reason, then
// tears down the connection. It is safe to call from any goroutine and more
// than once; only the first call takes effect.
func (c *Channel) CloseWith(code int, reason string) {
	c.shutdown(code, reason, fmt.Errorf("%w (%s)", ErrChannelClosed, reason))
}

// shutdown records the close cause, notifies the peer, and releases the
// connection. Subsequent calls are no-ops.
func (c *Channel) shutdown(code int, reason string, cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()

		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))

		c.cancel()
		_ = c.conn.Close()
	})
}

func (c *Channel) closeCause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cause == nil {
		return ErrChannelClosed
	}
	return c.cause
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send encodes m and enqueues it for transmission. It blocks while the
// outbox is full, returning early if ctx is cancelled or the channel shuts
// down. Frames still queued when the channel closes are discarded.
func (c *Channel) Send(ctx context.Context, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	// Fail fast on a closed channel; the outbox may still have room, and
	// the select below picks ready cases at random.
	select {
	case <-c.ctx.Done():
		return ErrChannelClosed
	default:
	}

	select {
	case c.outbox <- data:
		return nil
	case <-c.ctx.Done():
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writePump is the single writer goroutine. Urgent frames (heartbeat
// traffic) are drained before queued envelopes.
func (c *Channel) writePump() {
	for {
		select {
		case data := <-c.urgent:
			if !c.write(data) {
				return
			}
			continue
		default:
		}

		select {
		case data := <-c.urgent:
			if !c.write(data) {
				return
			}
		case data := <-c.outbox:
			if !c.write(data) {
				return
			}
		case <-c.ctx.Done():
			// Parent context cancelled: close the conn so the read loop
			// unblocks too. A no-op when shutdown already ran.
			c.shutdown(websocket.CloseGoingAway, "",
				fmt.Errorf("%w: %v", ErrChannelClosed, context.Cause(c.ctx)))
			return
		}
	}
}

func (c *Channel) write(data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown(websocket.CloseAbnormalClosure, "", fmt.Errorf("write failed: %w", err))
		return false
	}
	util.Stats.AddBytesOut(len(data))
	return true
}

// enqueueUrgent queues a frame ahead of the outbox without ever blocking.
// If the urgent queue is full the frame is dropped; the heartbeat retries
// on its next tick anyway.
func (c *Channel) enqueueUrgent(data []byte) {
	select {
	case c.urgent <- data:
	default:
	}
}

// ---------------------------------------------------------------------------
// Receiving
// ---------------------------------------------------------------------------

// Run reads envelopes from the connection and hands them to onMessage,
// blocking until the channel shuts down. Ping and pong envelopes are
// handled internally and never reach the callback. The returned error
// records why the channel closed.
func (c *Channel) Run(onMessage func(protocol.Message)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdownOnReadError(err)
			return c.closeCause()
		}
		util.Stats.AddBytesIn(len(data))

		msg, err := protocol.Decode(data)
		if errors.Is(err, protocol.ErrUnknownType) {
			// Forward compatibility: peers may speak newer envelope types.
			util.LogDebug("Skipping unknown envelope: %v", err)
			continue
		}
		if err != nil {
			util.LogWarning("Dropping connection after bad frame: %v", err)
			c.shutdown(websocket.CloseProtocolError, protocol.CodeProtocolError,
				fmt.Errorf("bad frame: %w", err))
			return c.closeCause()
		}

		switch msg.(type) {
		case *protocol.Ping:
			c.enqueueUrgent(pongFrame)
		case *protocol.Pong:
			c.pending.Store(0)
		default:
			onMessage(msg)
		}
	}
}

func (c *Channel) shutdownOnReadError(err error) {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		reason := ce.Text
		if reason == "" {
			reason = "no reason given"
		}
		c.shutdown(websocket.CloseNormalClosure, "",
			fmt.Errorf("peer closed channel: %s", reason))
	case errors.Is(err, websocket.ErrReadLimit):
		c.shutdown(websocket.CloseMessageTooBig, protocol.CodeFrameTooLarge, protocol.ErrFrameTooLarge)
	default:
		c.shutdown(websocket.CloseAbnormalClosure, "", fmt.Errorf("read failed: %w", err))
	}
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

// heartbeat sends a ping envelope on every tick and counts unanswered ones.
// A pong from the peer resets the count; too many consecutive misses close
// the channel so stale sessions release their resources.
func (c *Channel) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.pending.Load() >= MaxPingMisses {
				c.shutdown(websocket.CloseGoingAway, protocol.CodeHeartbeat,
					fmt.Errorf("no pong after %d pings", MaxPingMisses))
				return
			}
			c.pending.Add(1)
			c.enqueueUrgent(pingFrame)
		case <-c.ctx.Done():
			return
		}
	}
}
