package control

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onlinecli/online/internal/protocol"
)

// The helpers below exchange single envelopes directly on the connection.
// They are only safe before New starts the pumps, which is exactly the
// registration handshake window on both sides.

// Dial connects to the WebSocket endpoint at url.
func Dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return conn, nil
}

// ReadFrame reads one envelope from conn, giving up after timeout.
func ReadFrame(conn *websocket.Conn, timeout time.Duration) (protocol.Message, error) {
	conn.SetReadLimit(protocol.MaxFrameBytes)
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// WriteFrame writes one envelope to conn.
func WriteFrame(conn *websocket.Conn, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// WriteClose sends a close frame with the given status code and reason and
// closes conn. Used to reject a connection during the handshake.
func WriteClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
	_ = conn.Close()
}
