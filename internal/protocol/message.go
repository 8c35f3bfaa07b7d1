// Package protocol defines the control-channel envelopes exchanged between
// the tunnel server and its clients, and the JSON codec that frames them.
package protocol

// Type identifies the kind of control-channel envelope.
type Type string

const (
	TypeRegister   Type = "register"   // client → server, first frame
	TypeRegistered Type = "registered" // server → client, reply to register
	TypeRequest    Type = "request"    // server → client, forwarded public request
	TypeResponse   Type = "response"   // client → server, reply to a request
	TypeError      Type = "error"      // either direction
	TypePing       Type = "ping"       // either direction
	TypePong       Type = "pong"       // either direction
)

// Wire error codes carried by Error envelopes.
const (
	CodeNoPort        = "no_port"
	CodeBindFailed    = "bind_failed"
	CodeMaxClients    = "max_clients"
	CodeProtocolError = "protocol_error"
	CodeFrameTooLarge = "frame_too_large"
	CodeHeartbeat     = "heartbeat"
	CodeSessionClosed = "session_closed"
	CodeShutdown      = "shutdown"
)

// Message is implemented by every control-channel envelope.
type Message interface {
	// Kind returns the envelope type, matching the wire "type" field.
	Kind() Type
}

// Register is the first frame a client sends after the WebSocket handshake.
type Register struct {
	Type Type `json:"type"`
}

// Registered is the server's reply to a successful Register.
type Registered struct {
	Type       Type   `json:"type"`
	ClientID   string `json:"client_id"`
	PublicPort int    `json:"public_port"`
}

// Request carries one public HTTP request to the client. Path is the full
// request-target including the query string; BodyB64 is the base64-encoded
// body ("" for an empty body).
type Request struct {
	Type      Type    `json:"type"`
	RequestID string  `json:"request_id"`
	Method    string  `json:"method"`
	Path      string  `json:"path"`
	Headers   Headers `json:"headers"`
	BodyB64   string  `json:"body_b64"`
}

// Response carries the client's answer to a Request, correlated by RequestID.
type Response struct {
	Type      Type    `json:"type"`
	RequestID string  `json:"request_id"`
	Status    int     `json:"status"`
	Headers   Headers `json:"headers"`
	BodyB64   string  `json:"body_b64"`
}

// Error reports a protocol- or session-level failure. RequestID is set only
// when the failure is scoped to a single in-flight request.
type Error struct {
	Type      Type   `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Ping is a liveness probe; the peer answers with Pong.
type Ping struct {
	Type Type `json:"type"`
}

// Pong answers a Ping.
type Pong struct {
	Type Type `json:"type"`
}

func (Register) Kind() Type   { return TypeRegister }
func (Registered) Kind() Type { return TypeRegistered }
func (Request) Kind() Type    { return TypeRequest }
func (Response) Kind() Type   { return TypeResponse }
func (Error) Kind() Type      { return TypeError }
func (Ping) Kind() Type       { return TypePing }
func (Pong) Kind() Type       { return TypePong }

// NewRegister returns a ready-to-send Register envelope.
func NewRegister() *Register { return &Register{Type: TypeRegister} }

// NewRegistered returns a ready-to-send Registered envelope.
func NewRegistered(clientID string, publicPort int) *Registered {
	return &Registered{Type: TypeRegistered, ClientID: clientID, PublicPort: publicPort}
}

// NewError returns a ready-to-send Error envelope.
func NewError(requestID, code, message string) *Error {
	return &Error{Type: TypeError, RequestID: requestID, Code: code, Message: message}
}

// NewPing returns a ready-to-send Ping envelope.
func NewPing() *Ping { return &Ping{Type: TypePing} }

// NewPong returns a ready-to-send Pong envelope.
func NewPong() *Pong { return &Pong{Type: TypePong} }
