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

// Stats is the process-wide mesh traffic counter.
var Stats = &stats{}

type stats struct {
	FramesSent      atomic.Int64 // frames broadcast on local links
	FramesRecv      atomic.Int64 // frames heard on local links
	FramesForwarded atomic.Int64 // frames re-broadcast for other hosts
	FramesDropped   atomic.Int64 // malformed or duplicate frames discarded
	BytesSent       atomic.Int64 // payload bytes handed to links
	BytesRecv       atomic.Int64 // payload bytes delivered to the application
}

func (s *stats) AddSent(n int)  { s.FramesSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)  { s.FramesRecv.Add(1); s.BytesRecv.Add(int64(n)) }
func (s *stats) AddForwarded()  { s.FramesForwarded.Add(1) }
func (s *stats) AddDropped()    { s.FramesDropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs mesh statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevFwd int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				fwd := Stats.FramesForwarded.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				fwdC := fwd - prevFwd

				if fwdC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, fwdC))
				}

				prevSent = sent
				prevRecv = recv
				prevFwd = fwd

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, fwd int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Fwd: %3d",
		formatBytes(inS),
		formatBytes(outS),
		fwd,
	)
}
