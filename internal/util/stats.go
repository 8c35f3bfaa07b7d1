package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide tunnel traffic counter. The server counts every
// forwarded public request; the client counts every request it serves.
var Stats = &stats{}

type stats struct {
	TunnelsOpened atomic.Int64 // cumulative sessions registered since process start
	TunnelsClosed atomic.Int64 // cumulative sessions torn down since process start
	Requests      atomic.Int64 // cumulative forwarded requests
	Failures      atomic.Int64 // cumulative requests that ended in timeout or error
	BytesIn       atomic.Int64 // cumulative request body bytes entering the tunnel
	BytesOut      atomic.Int64 // cumulative response body bytes leaving the tunnel
}

func (s *stats) AddTunnel()        { s.TunnelsOpened.Add(1) }
func (s *stats) RemoveTunnel()     { s.TunnelsClosed.Add(1) }
func (s *stats) AddRequest()       { s.Requests.Add(1) }
func (s *stats) AddFailure()       { s.Failures.Add(1) }
func (s *stats) AddBytesIn(n int)  { s.BytesIn.Add(int64(n)) }
func (s *stats) AddBytesOut(n int) { s.BytesOut.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs tunnel statistics every
// 10 seconds while anything is happening. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevReq, prevFail, prevIn, prevOut int64
		for {
			select {
			case <-ticker.C:
				req := Stats.Requests.Load()
				fail := Stats.Failures.Load()
				in := Stats.BytesIn.Load()
				out := Stats.BytesOut.Load()

				dReq := req - prevReq
				dFail := fail - prevFail
				inS := float64(in-prevIn) / 10.0
				outS := float64(out-prevOut) / 10.0

				if dReq > 0 || dFail > 0 {
					pterm.DefaultLogger.Info(formatStats(dReq, dFail, inS, outS))
				}

				prevReq = req
				prevFail = fail
				prevIn = in
				prevOut = out

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width
// (exactly 8 chars), for example: "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted line of the last interval's activity.
func formatStats(req, fail int64, inS, outS float64) string {
	return fmt.Sprintf("Req: %3d (%d failed) | In: %s/s | Out: %s/s",
		req,
		fail,
		formatBytes(inS),
		formatBytes(outS),
	)
}
