// Package client implements the tunnel client: it keeps a control channel
// open to the tunnel server, replays forwarded public requests against a
// local HTTP service, and ships the responses back.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pterm/pterm"

	"github.com/onlinecli/online/internal/control"
	"github.com/onlinecli/online/internal/protocol"
	"github.com/onlinecli/online/internal/util"
)

const (
	// DefaultLocalTimeout bounds one replayed request against the local
	// service.
	DefaultLocalTimeout = 30 * time.Second

	// maxInitialAttempts is how many consecutive connection failures are
	// tolerated before the very first successful registration. After one
	// registration the client retries forever.
	maxInitialAttempts = 10

	// handshakeTimeout bounds the wait for the server's registered frame.
	handshakeTimeout = 10 * time.Second

	// maxLocalResponseBytes caps a local response body so the envelope
	// still fits under the control-frame limit after base64 inflation
	// (4 output bytes per 3 input), with headroom for headers.
	maxLocalResponseBytes = protocol.MaxFrameBytes/4*3 - 64<<10
)

// ErrGiveUp is returned by Run when the server stays unreachable through
// every initial connection attempt.
var ErrGiveUp = errors.New("client: server unreachable, giving up")

// Config holds the forwarder settings. ServerURL must already be in
// normalized ws(s)://host:port/ws form (see NormalizeServerURL).
type Config struct {
	ServerURL    string
	LocalURL     string // base URL of the local service, e.g. http://127.0.0.1:9100
	LocalTimeout time.Duration
}

// Forwarder maintains the control channel and serves forwarded requests.
type Forwarder struct {
	cfg  Config
	http *http.Client

	maxAttempts int
	backoff     func(attempt int) time.Duration

	// OnRegistered, when set, replaces the default public-URL banner.
	// Tests use it to observe registrations.
	OnRegistered func(clientID string, publicPort int, publicURL string)
}

// New builds a Forwarder. The local HTTP client reuses connections across
// forwarded requests; per-request deadlines come from Config.LocalTimeout.
func New(cfg Config) *Forwarder {
	if cfg.LocalTimeout <= 0 {
		cfg.LocalTimeout = DefaultLocalTimeout
	}
	return &Forwarder{
		cfg: cfg,
		http: &http.Client{
			// Redirects are the local service's business; pass them through.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxAttempts: maxInitialAttempts,
		backoff:     backoffDelay,
	}
}

// Run connects, registers, and serves until ctx is cancelled. Lost control
// channels are re-established with exponential backoff and a fresh
// registration; the old client id is gone. Returns ErrGiveUp if the server
// never accepts a single registration within the initial attempt budget.
func (f *Forwarder) Run(ctx context.Context) error {
	registeredOnce := false
	attempt := 0

	for {
		registered, err := f.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			// A fresh session resets the backoff schedule.
			registeredOnce = true
			attempt = 0
		}
		attempt++
		if !registeredOnce && attempt >= f.maxAttempts {
			util.LogError("Could not reach %s after %d attempts: %v", f.cfg.ServerURL, attempt, err)
			return ErrGiveUp
		}

		delay := f.backoff(attempt)
		util.LogWarning("Connection lost (%v); reconnecting in %s", err, delay.Round(10*time.Millisecond))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// runOnce performs one connect → register → serve cycle. It reports whether
// the cycle got as far as a successful registration, and why it ended.
func (f *Forwarder) runOnce(ctx context.Context) (bool, error) {
	conn, err := control.Dial(ctx, f.cfg.ServerURL)
	if err != nil {
		return false, err
	}

	reg, err := f.register(conn)
	if err != nil {
		control.WriteClose(conn, websocket.CloseProtocolError, protocol.CodeProtocolError)
		return false, err
	}
	util.Stats.AddTunnel()
	defer util.Stats.RemoveTunnel()

	publicURL := f.publicURL(reg.PublicPort)
	if f.OnRegistered != nil {
		f.OnRegistered(reg.ClientID, reg.PublicPort, publicURL)
	} else {
		pterm.Println()
		pterm.Success.Printfln("Tunnel is up — forwarding %s", publicURL)
		pterm.Printfln("  %s  →  %s", publicURL, f.cfg.LocalURL)
		pterm.Println()
	}
	util.LogInfo("Registered as client %s on public port %d", reg.ClientID, reg.PublicPort)

	chCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := control.New(chCtx, conn)
	defer ch.CloseWith(websocket.CloseNormalClosure, "client shutdown")

	return true, ch.Run(func(msg protocol.Message) {
		switch m := msg.(type) {
		case *protocol.Request:
			go f.serve(chCtx, ch, m)
		case *protocol.Error:
			util.LogWarning("Server reported error %s: %s", m.Code, m.Message)
		default:
			util.LogDebug("Ignoring unexpected %s envelope", msg.Kind())
		}
	})
}

// register sends the register frame and waits for the server's verdict.
func (f *Forwarder) register(conn *websocket.Conn) (*protocol.Registered, error) {
	if err := control.WriteFrame(conn, protocol.NewRegister()); err != nil {
		return nil, fmt.Errorf("send register: %w", err)
	}
	msg, err := control.ReadFrame(conn, handshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("await registered: %w", err)
	}
	switch m := msg.(type) {
	case *protocol.Registered:
		return m, nil
	case *protocol.Error:
		return nil, fmt.Errorf("server rejected registration (%s): %s", m.Code, m.Message)
	default:
		return nil, fmt.Errorf("expected registered frame, got %s", msg.Kind())
	}
}

// serve replays one forwarded request against the local service and sends
// the response envelope back. Local failures of any kind become a plain 502
// so a broken local service never kills the session.
func (f *Forwarder) serve(ctx context.Context, ch *control.Channel, req *protocol.Request) {
	util.Stats.AddRequest()

	resp, err := f.callLocal(ctx, req)
	if err != nil {
		util.Stats.AddFailure()
		util.LogWarning("Request %s failed locally: %v", req.RequestID, err)
		resp = localErrorResponse(req.RequestID, err)
	}

	err = ch.Send(ctx, resp)
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		// Headers alone can blow the frame cap even with the body bounded.
		// The waiter must still get a terminal answer, not a timeout.
		util.Stats.AddFailure()
		util.LogWarning("Response for %s does not fit a control frame", req.RequestID)
		err = ch.Send(ctx, localErrorResponse(req.RequestID, errors.New("response too large for tunnel")))
	}
	if err != nil {
		util.LogDebug("Could not return response for %s: %v", req.RequestID, err)
	}
}

// callLocal issues the forwarded request against the local service.
func (f *Forwarder) callLocal(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	body, err := protocol.DecodeBody(req.BodyB64)
	if err != nil {
		return nil, fmt.Errorf("request body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.LocalTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method,
		f.cfg.LocalURL+req.Path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for _, kv := range protocol.StripHopByHop(req.Headers) {
		if strings.EqualFold(kv[0], "Host") {
			httpReq.Host = kv[1]
			continue
		}
		httpReq.Header.Add(kv[0], kv[1])
	}

	httpResp, err := f.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxLocalResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(respBody) > maxLocalResponseBytes {
		return nil, errors.New("response too large for tunnel")
	}

	return &protocol.Response{
		Type:      protocol.TypeResponse,
		RequestID: req.RequestID,
		Status:    httpResp.StatusCode,
		Headers:   protocol.StripHopByHop(protocol.FromHTTPHeader(httpResp.Header)),
		BodyB64:   protocol.EncodeBody(respBody),
	}, nil
}

// localErrorResponse is the 502 sent back when the local service could not
// be reached or answered badly.
func localErrorResponse(requestID string, err error) *protocol.Response {
	return &protocol.Response{
		Type:      protocol.TypeResponse,
		RequestID: requestID,
		Status:    http.StatusBadGateway,
		Headers:   protocol.Headers{{"Content-Type", "text/plain; charset=utf-8"}},
		BodyB64:   protocol.EncodeBody([]byte("Local server error: " + errorKind(err))),
	}
}

// errorKind reduces a local failure to a short human-readable cause.
func errorKind(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "DNS lookup failed"
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.Is(err, syscall.ENETUNREACH):
		return "network unreachable"
	case errors.Is(err, syscall.EHOSTUNREACH):
		return "host unreachable"
	case errors.Is(err, syscall.ECONNRESET):
		return "connection reset"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return "connection failed"
		}
		return opErr.Op + " failed"
	}
	return err.Error()
}

// publicURL derives the advertised URL from the server host and the
// assigned public port.
func (f *Forwarder) publicURL(port int) string {
	host := "127.0.0.1"
	if u, err := url.Parse(f.cfg.ServerURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(port)))
}
