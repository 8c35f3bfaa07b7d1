package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/onlinecli/online/internal/config"
	"github.com/onlinecli/online/internal/control"
	"github.com/onlinecli/online/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

// freePorts reserves n distinct TCP ports by binding and releasing them.
// There is a small reuse race, but it keeps the tests off fixed port numbers.
func freePorts(t *testing.T, n int) []int {
	t.Helper()
	ports := make([]int, 0, n)
	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("reserve port: %v", err)
		}
		listeners = append(listeners, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}
	for _, ln := range listeners {
		ln.Close()
	}
	return ports
}

// startServer boots a full Server on a loopback control address with the
// given public port range and stops it when the test ends.
func startServer(t *testing.T, portMin, portMax int, mutate func(*config.Server)) *Server {
	t.Helper()

	cfg := &config.Server{
		Listen:         "127.0.0.1:0",
		PortMin:        portMin,
		PortMax:        portMax,
		RequestTimeout: 30,
	}
	if mutate != nil {
		mutate(cfg)
	}

	srv := New(cfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(ctx); err != nil {
			t.Errorf("server run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Error("server never stopped")
		}
	})
	return srv
}

// fakeClient speaks the client side of the control protocol directly so the
// server tests do not depend on the client package.
type fakeClient struct {
	t    *testing.T
	conn *websocket.Conn
	reg  *protocol.Registered
}

// dialControl runs the register handshake and returns whatever came back.
func dialControl(t *testing.T, srv *Server) (*websocket.Conn, protocol.Message) {
	t.Helper()
	return dialControlPath(t, srv, "/ws")
}

// dialControlPath is dialControl against an arbitrary control path.
func dialControlPath(t *testing.T, srv *Server, path string) (*websocket.Conn, protocol.Message) {
	t.Helper()

	url := fmt.Sprintf("ws://%s%s", srv.Addr(), path)
	conn, err := control.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	if err := control.WriteFrame(conn, protocol.NewRegister()); err != nil {
		t.Fatalf("send register: %v", err)
	}
	msg, err := control.ReadFrame(conn, 5*time.Second)
	if err != nil {
		t.Fatalf("read handshake reply: %v", err)
	}
	return conn, msg
}

func newFakeClient(t *testing.T, srv *Server) *fakeClient {
	t.Helper()

	conn, msg := dialControl(t, srv)
	reg, ok := msg.(*protocol.Registered)
	if !ok {
		t.Fatalf("expected registered frame, got %#v", msg)
	}
	c := &fakeClient{t: t, conn: conn, reg: reg}
	t.Cleanup(func() { c.conn.Close() })
	return c
}

// serve answers forwarded requests with handler until the connection dies.
// Pings are answered inline; a nil handler result drops the request.
func (c *fakeClient) serve(handler func(*protocol.Request) *protocol.Response) {
	go func() {
		for {
			msg, err := control.ReadFrame(c.conn, 30*time.Second)
			if err != nil {
				return
			}
			switch m := msg.(type) {
			case *protocol.Ping:
				if err := control.WriteFrame(c.conn, protocol.NewPong()); err != nil {
					return
				}
			case *protocol.Request:
				if resp := handler(m); resp != nil {
					if err := control.WriteFrame(c.conn, resp); err != nil {
						return
					}
				}
			}
		}
	}()
}

func (c *fakeClient) publicURL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", c.reg.PublicPort, path)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func textResponse(id string, status int, body string) *protocol.Response {
	return &protocol.Response{
		Type:      protocol.TypeResponse,
		RequestID: id,
		Status:    status,
		Headers:   protocol.Headers{{"Content-Type", "text/plain"}},
		BodyB64:   protocol.EncodeBody([]byte(body)),
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

// TestHappyPathGET forwards a plain GET through a registered client and
// checks status, body, and response header order (Set-Cookie).
func TestHappyPathGET(t *testing.T) {
	ports := freePorts(t, 1)
	srv := startServer(t, ports[0], ports[0], nil)

	client := newFakeClient(t, srv)
	if client.reg.PublicPort != ports[0] {
		t.Fatalf("public port = %d, want %d", client.reg.PublicPort, ports[0])
	}

	var seen *protocol.Request
	client.serve(func(req *protocol.Request) *protocol.Response {
		seen = req
		return &protocol.Response{
			Type:      protocol.TypeResponse,
			RequestID: req.RequestID,
			Status:    200,
			Headers: protocol.Headers{
				{"Set-Cookie", "a=1"},
				{"Set-Cookie", "b=2"},
				{"Content-Type", "text/plain"},
			},
			BodyB64: protocol.EncodeBody([]byte("hello")),
		}
	})

	resp, err := http.Get(client.publicURL("/x?q=1"))
	if err != nil {
		t.Fatalf("public GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Fatalf("body = %q, want %q", body, "hello")
	}
	if cookies := resp.Header["Set-Cookie"]; len(cookies) != 2 || cookies[0] != "a=1" || cookies[1] != "b=2" {
		t.Fatalf("Set-Cookie order lost: %v", cookies)
	}

	if seen == nil {
		t.Fatal("client never saw the request")
	}
	if seen.Method != "GET" || seen.Path != "/x?q=1" {
		t.Fatalf("forwarded request = %s %s", seen.Method, seen.Path)
	}
	if host, ok := seen.Headers.Get("Host"); !ok || host == "" {
		t.Fatal("Host header was not forwarded")
	}
	if _, ok := seen.Headers.Get("Connection"); ok {
		t.Fatal("hop-by-hop header leaked through")
	}
}

// TestPOSTEcho round-trips a request body byte for byte.
func TestPOSTEcho(t *testing.T) {
	ports := freePorts(t, 1)
	srv := startServer(t, ports[0], ports[0], nil)

	client := newFakeClient(t, srv)
	client.serve(func(req *protocol.Request) *protocol.Response {
		body, err := protocol.DecodeBody(req.BodyB64)
		if err != nil {
			t.Errorf("decode forwarded body: %v", err)
		}
		return &protocol.Response{
			Type:      protocol.TypeResponse,
			RequestID: req.RequestID,
			Status:    200,
			Headers:   protocol.Headers{},
			BodyB64:   protocol.EncodeBody(body),
		}
	})

	payload := `{"a":1}`
	resp, err := http.Post(client.publicURL("/echo"), "", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("public POST: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || !bytes.Equal(body, []byte(payload)) {
		t.Fatalf("echo = %d %q, want 200 %q", resp.StatusCode, body, payload)
	}
}

// TestPortExhaustion registers two clients against a single-port range: the
// second must be rejected with no_port and no port may leak.
func TestPortExhaustion(t *testing.T) {
	ports := freePorts(t, 1)
	srv := startServer(t, ports[0], ports[0], nil)

	first := newFakeClient(t, srv)
	first.serve(func(req *protocol.Request) *protocol.Response {
		return textResponse(req.RequestID, 200, "ok")
	})

	conn, msg := dialControl(t, srv)
	defer conn.Close()
	errMsg, ok := msg.(*protocol.Error)
	if !ok {
		t.Fatalf("expected error frame, got %#v", msg)
	}
	if errMsg.Code != protocol.CodeNoPort {
		t.Fatalf("error code = %q, want %q", errMsg.Code, protocol.CodeNoPort)
	}

	// The rejected connection must be closed by the server.
	if _, err := control.ReadFrame(conn, 5*time.Second); err == nil {
		t.Fatal("rejected control connection stayed open")
	}

	if got := srv.Manager().alloc.InUse(); got != 1 {
		t.Fatalf("ports in use = %d, want 1", got)
	}

	// The surviving session still works.
	resp, err := http.Get(first.publicURL("/"))
	if err != nil {
		t.Fatalf("public GET after rejection: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

// TestUpstreamTimeout lets the client answer too late: the public caller
// gets 504 promptly and the late response is dropped without killing the
// session.
func TestUpstreamTimeout(t *testing.T) {
	ports := freePorts(t, 1)
	srv := startServer(t, ports[0], ports[0], func(cfg *config.Server) {
		cfg.RequestTimeout = 1
	})

	client := newFakeClient(t, srv)
	slow := true
	client.serve(func(req *protocol.Request) *protocol.Response {
		if slow {
			slow = false
			time.Sleep(2 * time.Second)
		}
		return textResponse(req.RequestID, 200, "ok")
	})

	start := time.Now()
	resp, err := http.Get(client.publicURL("/slow"))
	if err != nil {
		t.Fatalf("public GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Fatalf("504 took %s, want under 1.5s", elapsed)
	}

	// The late response lands on an empty table; the session must survive
	// and serve the next request normally.
	waitFor(t, "pending table to drain", func() bool {
		sess, ok := srv.Manager().Lookup(client.reg.ClientID)
		return ok && sess.InFlight() == 0
	})
	resp, err = http.Get(client.publicURL("/fast"))
	if err != nil {
		t.Fatalf("public GET after timeout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status after timeout = %d, want 200", resp.StatusCode)
	}
}

// TestClientDisconnectMidRequest kills the control channel while a request
// is pending: the public caller gets 502, the port is released, and a new
// client can claim it again.
func TestClientDisconnectMidRequest(t *testing.T) {
	ports := freePorts(t, 1)
	srv := startServer(t, ports[0], ports[0], nil)

	client := newFakeClient(t, srv)
	client.serve(func(req *protocol.Request) *protocol.Response {
		client.conn.Close() // die instead of answering
		return nil
	})

	resp, err := http.Get(client.publicURL("/"))
	if err != nil {
		t.Fatalf("public GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}

	waitFor(t, "port release", func() bool { return srv.Manager().alloc.InUse() == 0 })
	waitFor(t, "session removal", func() bool { return srv.Manager().Count() == 0 })

	// Reconnect gets the (only) port back.
	again := newFakeClient(t, srv)
	if again.reg.PublicPort != ports[0] {
		t.Fatalf("reconnect port = %d, want %d", again.reg.PublicPort, ports[0])
	}
	if again.reg.ClientID == client.reg.ClientID {
		t.Fatal("reconnect reused the old client id")
	}
}

// TestPayloadTooLarge rejects an oversized public request body with 413
// before anything crosses the tunnel.
func TestPayloadTooLarge(t *testing.T) {
	ports := freePorts(t, 1)
	srv := startServer(t, ports[0], ports[0], nil)

	client := newFakeClient(t, srv)
	forwarded := make(chan string, 1)
	client.serve(func(req *protocol.Request) *protocol.Response {
		forwarded <- req.RequestID
		return textResponse(req.RequestID, 200, "ok")
	})

	huge := bytes.Repeat([]byte("x"), MaxRequestBodyBytes+1)
	resp, err := http.Post(client.publicURL("/big"), "application/octet-stream", bytes.NewReader(huge))
	if err != nil {
		t.Fatalf("public POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}

	select {
	case id := <-forwarded:
		t.Fatalf("oversized request %s crossed the tunnel", id)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestInvalidResponseBody makes the client return bogus base64: the public
// caller gets 502.
func TestInvalidResponseBody(t *testing.T) {
	ports := freePorts(t, 1)
	srv := startServer(t, ports[0], ports[0], nil)

	client := newFakeClient(t, srv)
	client.serve(func(req *protocol.Request) *protocol.Response {
		return &protocol.Response{
			Type:      protocol.TypeResponse,
			RequestID: req.RequestID,
			Status:    200,
			Headers:   protocol.Headers{},
			BodyB64:   "*** not base64 ***",
		}
	})

	resp, err := http.Get(client.publicURL("/"))
	if err != nil {
		t.Fatalf("public GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

// TestHandshakeRejectsNonRegister sends a ping as the first frame; the
// server must answer with protocol_error and drop the connection.
func TestHandshakeRejectsNonRegister(t *testing.T) {
	ports := freePorts(t, 1)
	srv := startServer(t, ports[0], ports[0], nil)

	url := fmt.Sprintf("ws://%s/ws", srv.Addr())
	conn, err := control.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	defer conn.Close()

	if err := control.WriteFrame(conn, protocol.NewPing()); err != nil {
		t.Fatalf("send ping: %v", err)
	}

	msg, err := control.ReadFrame(conn, 5*time.Second)
	if err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	errMsg, ok := msg.(*protocol.Error)
	if !ok || errMsg.Code != protocol.CodeProtocolError {
		t.Fatalf("expected protocol_error frame, got %#v", msg)
	}
	if _, err := control.ReadFrame(conn, 5*time.Second); err == nil {
		t.Fatal("connection stayed open after rejection")
	}
	if got := srv.Manager().alloc.InUse(); got != 0 {
		t.Fatalf("ports in use = %d, want 0", got)
	}
}

// TestMaxClients caps the session count below the port range.
func TestMaxClients(t *testing.T) {
	ports := freePorts(t, 2)
	min, max := ports[0], ports[1]
	if min > max {
		min, max = max, min
	}
	srv := startServer(t, min, max, func(cfg *config.Server) {
		cfg.MaxClients = 1
	})

	newFakeClient(t, srv)

	conn, msg := dialControl(t, srv)
	defer conn.Close()
	errMsg, ok := msg.(*protocol.Error)
	if !ok || errMsg.Code != protocol.CodeMaxClients {
		t.Fatalf("expected max_clients frame, got %#v", msg)
	}
}

// TestControlEndpointAnyPath registers over an arbitrary control path and
// tunnels a request through it; only /status is reserved.
func TestControlEndpointAnyPath(t *testing.T) {
	ports := freePorts(t, 1)
	srv := startServer(t, ports[0], ports[0], nil)

	conn, msg := dialControlPath(t, srv, "/tunnel/control")
	t.Cleanup(func() { conn.Close() })
	reg, ok := msg.(*protocol.Registered)
	if !ok {
		t.Fatalf("expected registered frame, got %#v", msg)
	}
	if reg.PublicPort != ports[0] {
		t.Fatalf("public port = %d, want %d", reg.PublicPort, ports[0])
	}

	client := &fakeClient{t: t, conn: conn, reg: reg}
	client.serve(func(req *protocol.Request) *protocol.Response {
		return textResponse(req.RequestID, 200, "ok")
	})

	resp, err := http.Get(client.publicURL("/"))
	if err != nil {
		t.Fatalf("public GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

// TestMaxClientsConcurrent races several registrations against a limit of
// one: exactly one may win, the rest must see max_clients.
func TestMaxClientsConcurrent(t *testing.T) {
	ports := freePorts(t, 1)
	srv := startServer(t, ports[0], ports[0], func(cfg *config.Server) {
		cfg.MaxClients = 1
	})

	const dials = 4
	results := make(chan protocol.Message, dials)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < dials; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			url := fmt.Sprintf("ws://%s/ws", srv.Addr())
			conn, err := control.Dial(context.Background(), url)
			if err != nil {
				t.Errorf("dial control: %v", err)
				results <- nil
				return
			}
			defer conn.Close()
			if err := control.WriteFrame(conn, protocol.NewRegister()); err != nil {
				t.Errorf("send register: %v", err)
				results <- nil
				return
			}
			msg, err := control.ReadFrame(conn, 5*time.Second)
			if err != nil {
				t.Errorf("read handshake reply: %v", err)
				results <- nil
				return
			}
			results <- msg
			// Winners hold their session open until everyone is counted,
			// so a released slot cannot be re-won mid-test.
			<-release
		}()
	}

	var won, limited int
	for i := 0; i < dials; i++ {
		switch m := (<-results).(type) {
		case *protocol.Registered:
			won++
		case *protocol.Error:
			if m.Code != protocol.CodeMaxClients {
				t.Errorf("error code = %q, want %q", m.Code, protocol.CodeMaxClients)
			}
			limited++
		}
	}
	close(release)
	wg.Wait()

	if won != 1 || limited != dials-1 {
		t.Fatalf("registered = %d, limited = %d, want 1 and %d", won, limited, dials-1)
	}
}

// TestStatusEndpoint lists live sessions as JSON.
func TestStatusEndpoint(t *testing.T) {
	ports := freePorts(t, 1)
	srv := startServer(t, ports[0], ports[0], nil)

	client := newFakeClient(t, srv)
	client.serve(func(req *protocol.Request) *protocol.Response {
		return textResponse(req.RequestID, 200, "ok")
	})

	resp, err := http.Get(fmt.Sprintf("http://%s/status", srv.Addr()))
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var status struct {
		Clients []SessionInfo `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(status.Clients) != 1 {
		t.Fatalf("clients = %d, want 1", len(status.Clients))
	}
	info := status.Clients[0]
	if info.ClientID != client.reg.ClientID || info.PublicPort != ports[0] {
		t.Fatalf("unexpected session info: %+v", info)
	}
}

// TestCloseIdempotent closes the same session from several goroutines and
// then through the manager again; the end state must be identical.
func TestCloseIdempotent(t *testing.T) {
	ports := freePorts(t, 1)
	srv := startServer(t, ports[0], ports[0], nil)

	client := newFakeClient(t, srv)
	sess, ok := srv.Manager().Lookup(client.reg.ClientID)
	if !ok {
		t.Fatal("session not found")
	}

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			sess.Close(websocket.CloseNormalClosure, "test")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	srv.Manager().Close(client.reg.ClientID, "again")

	waitFor(t, "port release", func() bool { return srv.Manager().alloc.InUse() == 0 })
	if srv.Manager().Count() != 0 {
		t.Fatalf("sessions = %d, want 0", srv.Manager().Count())
	}

	// The public listener must be gone.
	waitFor(t, "public listener to stop accepting", func() bool {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", ports[0]), 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return false
		}
		return true
	})
}

// TestServerShutdownReleasesEverything runs a full lifecycle and verifies no
// goroutine outlives it.
func TestServerShutdownReleasesEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	ports := freePorts(t, 1)

	cfg := &config.Server{
		Listen:         "127.0.0.1:0",
		PortMin:        ports[0],
		PortMax:        ports[0],
		RequestTimeout: 30,
	}
	srv := New(cfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(ctx); err != nil {
			t.Errorf("server run: %v", err)
		}
	}()

	client := newFakeClient(t, srv)
	client.serve(func(req *protocol.Request) *protocol.Response {
		return textResponse(req.RequestID, 200, "ok")
	})
	resp, err := http.Get(client.publicURL("/"))
	if err != nil {
		t.Fatalf("public GET: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("server never stopped")
	}

	waitFor(t, "session teardown", func() bool { return srv.Manager().Count() == 0 })
	client.conn.Close()
	http.DefaultClient.CloseIdleConnections()
}
