package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onlinecli/online/internal/control"
	"github.com/onlinecli/online/internal/protocol"
	"github.com/onlinecli/online/internal/util"
)

// MaxRequestBodyBytes caps the size of a public request body. Anything
// larger cannot travel as a single control frame and is rejected with 413
// before it is read into memory.
const MaxRequestBodyBytes = 16 << 20

// servePublic runs the per-session HTTP server on the public port until the
// listener closes.
func (s *Session) servePublic() {
	err := s.public.Serve(s.ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		util.LogWarning("Public listener on port %d failed: %v", s.Port, err)
	}
	s.Close(websocket.CloseNormalClosure, "public listener closed")
}

// publicHandler translates one public HTTP request into a request envelope,
// waits for the correlated response, and writes it back. The connection is
// closed afterwards regardless of outcome.
func (s *Session) publicHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		s.touch()
		util.Stats.AddRequest()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes))
		if err != nil {
			util.Stats.AddFailure()
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			} else {
				http.Error(w, "bad request", http.StatusBadRequest)
			}
			return
		}

		// Host rides as an ordinary header pair; Go keeps it off r.Header.
		headers := protocol.Headers{{"Host", r.Host}}
		headers = append(headers, protocol.StripHopByHop(protocol.FromHTTPHeader(r.Header))...)

		req := &protocol.Request{
			Type:      protocol.TypeRequest,
			RequestID: uuid.New().String(),
			Method:    r.Method,
			Path:      r.RequestURI,
			Headers:   headers,
			BodyB64:   protocol.EncodeBody(body),
		}

		waiter, err := s.pending.Insert(req.RequestID)
		if err != nil {
			util.Stats.AddFailure()
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		if err := s.channel.Send(r.Context(), req); err != nil {
			s.pending.Remove(req.RequestID)
			s.writeSendError(w, err)
			return
		}

		s.awaitResponse(w, r, req.RequestID, waiter)
	})
}

func (s *Session) writeSendError(w http.ResponseWriter, err error) {
	util.Stats.AddFailure()
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		http.Error(w, "request too large for tunnel", http.StatusRequestEntityTooLarge)
	case errors.Is(err, control.ErrChannelClosed):
		http.Error(w, "tunnel session closed", http.StatusBadGateway)
	default:
		http.Error(w, "tunnel unavailable", http.StatusBadGateway)
	}
}

// awaitResponse blocks until the request's terminal event: the client's
// response, the per-request deadline, the caller hanging up, or session
// close (delivered through the waiter by FailAll).
func (s *Session) awaitResponse(w http.ResponseWriter, r *http.Request, id string, waiter <-chan outcome) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case out := <-waiter:
		s.writeOutcome(w, out)
	case <-timer.C:
		if !s.pending.Remove(id) {
			// The response won the race and is already buffered.
			s.writeOutcome(w, <-waiter)
			return
		}
		util.Stats.AddFailure()
		util.LogWarning("Request %s timed out after %s", id, s.timeout)
		http.Error(w, "tunnel request timed out", http.StatusGatewayTimeout)
	case <-r.Context().Done():
		if !s.pending.Remove(id) {
			<-waiter
		}
		util.Stats.AddFailure()
		util.LogDebug("Public caller for request %s went away", id)
	}
}

// writeOutcome renders a terminal event to the public caller.
func (s *Session) writeOutcome(w http.ResponseWriter, out outcome) {
	if out.err != nil {
		util.Stats.AddFailure()
		if errors.Is(out.err, ErrSessionClosed) {
			http.Error(w, "tunnel session closed", http.StatusBadGateway)
		} else {
			http.Error(w, "tunnel error", http.StatusBadGateway)
		}
		return
	}

	resp := out.resp
	body, err := protocol.DecodeBody(resp.BodyB64)
	if err != nil {
		util.Stats.AddFailure()
		util.LogWarning("Response %s carried an invalid body encoding: %v", resp.RequestID, err)
		http.Error(w, "invalid response from tunnel client", http.StatusBadGateway)
		return
	}
	if resp.Status < 100 || resp.Status > 599 {
		util.Stats.AddFailure()
		util.LogWarning("Response %s carried invalid status %d", resp.RequestID, resp.Status)
		http.Error(w, "invalid response from tunnel client", http.StatusBadGateway)
		return
	}

	h := w.Header()
	for _, kv := range protocol.StripHopByHop(resp.Headers) {
		h.Add(kv[0], kv[1])
	}
	w.WriteHeader(resp.Status)
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			util.LogDebug("Short write to public caller for request %s: %v", resp.RequestID, err)
		}
	}
}
