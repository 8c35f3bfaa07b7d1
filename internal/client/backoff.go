package client

import (
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"time"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// backoffDelay returns the reconnect delay for the given attempt number
// (1-based): 0.5 s, 1 s, 2 s, ... capped at 30 s, with ±25% jitter so a
// fleet of clients does not reconnect in lockstep.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(backoffBase) * math.Pow(2, float64(attempt-1))
	d = math.Min(d, float64(backoffCap))
	jitter := d * 0.25 * (2*rand.Float64() - 1)
	return time.Duration(d + jitter)
}

// NormalizeServerURL turns whatever the user passed via --server into the
// control endpoint URL: http(s) schemes map to ws(s), a bare host gets ws,
// and the path is forced to /ws.
func NormalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty server URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server URL: %s", raw)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in server URL %s", u.Scheme, raw)
	}

	return fmt.Sprintf("%s://%s/ws", u.Scheme, u.Host), nil
}
