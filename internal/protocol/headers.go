package protocol

import (
	"net/http"
	"sort"
	"strings"
)

// Headers is an ordered sequence of [name, value] pairs. HTTP allows a header
// name to repeat, and for names like Set-Cookie the relative order of the
// repeats is meaningful, so the wire model is a pair list rather than a map.
type Headers [][2]string

// Add appends a name/value pair.
func (h *Headers) Add(name, value string) {
	*h = append(*h, [2]string{name, value})
}

// Get returns the first value for name (case-insensitive) and whether any
// pair matched.
func (h Headers) Get(name string) (string, bool) {
	for _, p := range h {
		if strings.EqualFold(p[0], name) {
			return p[1], true
		}
	}
	return "", false
}

// FromHTTPHeader flattens an http.Header into a pair list. Names are visited
// in sorted order (http.Header is a map and carries no inter-name order);
// repeated values of the same name keep their original order.
func FromHTTPHeader(src http.Header) Headers {
	names := make([]string, 0, len(src))
	for name := range src {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(Headers, 0, len(src))
	for _, name := range names {
		for _, value := range src[name] {
			out.Add(name, value)
		}
	}
	return out
}

// ToHTTPHeader expands the pair list into an http.Header, preserving the
// order of repeated values per name.
func (h Headers) ToHTTPHeader() http.Header {
	out := make(http.Header, len(h))
	for _, p := range h {
		out.Add(p[0], p[1])
	}
	return out
}

// hopByHopHeaders are connection-scoped per RFC 7230 §6.1 and must not be
// forwarded through the tunnel.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,

	// Not hop-by-hop, but framing metadata: both ends recompute it from the
	// decoded body, and a stale value would corrupt the rewritten message.
	"Content-Length": true,
}

// StripHopByHop returns a copy of h without hop-by-hop headers, including any
// additional names listed in a Connection header.
func StripHopByHop(h Headers) Headers {
	extra := map[string]bool{}
	for _, p := range h {
		if strings.EqualFold(p[0], "Connection") {
			for _, tok := range strings.Split(p[1], ",") {
				if tok = strings.TrimSpace(tok); tok != "" {
					extra[http.CanonicalHeaderKey(tok)] = true
				}
			}
		}
	}

	out := make(Headers, 0, len(h))
	for _, p := range h {
		name := http.CanonicalHeaderKey(p[0])
		if hopByHopHeaders[name] || extra[name] {
			continue
		}
		out = append(out, p)
	}
	return out
}
