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

// Stats is the process-wide traffic/session counter. It backs both the
// periodic console reporter and STATUS_RESPONSE replies to the relay.
var Stats = &stats{}

type stats struct {
	TotalSessions  atomic.Int64 // cumulative count of sessions opened since process start
	ClosedSessions atomic.Int64 // cumulative count of sessions closed since process start
	BytesSent      atomic.Int64 // cumulative bytes written to the tunnel
	BytesRecv      atomic.Int64 // cumulative bytes read from the tunnel
}

func (s *stats) AddSession()    { s.TotalSessions.Add(1) }
func (s *stats) RemoveSession() { s.ClosedSessions.Add(1) }
func (s *stats) AddSent(n int)  { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)  { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalSessions.Load()
				closed := Stats.ClosedSessions.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				opened := total - prevTotal
				ended := closed - prevClosed

				if opened > 0 || ended > 0 || outS > 10 || inS > 10 {
					pterm.DefaultLogger.Info(formatStats(outS, inS, opened, ended))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 char) human-readable string.
func formatBytes(b float64) string {
	unitIdx := 0

	// prevents "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted line of the current stats for the logger.
func formatStats(outS, inS float64, opened, ended int64) string {
	return fmt.Sprintf("Out: %s/s | In: %s/s | Sessions: %2d↑ %2d↓",
		formatBytes(outS),
		formatBytes(inS),
		opened,
		ended,
	)
}
