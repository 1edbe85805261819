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

// Stats is the process-wide media/session counter.
var Stats = &stats{}

type stats struct {
	Sessions    atomic.Int64 // sessions currently owned by the negotiator
	Connected   atomic.Int64 // sessions whose ICE connection is up
	PacketsRecv atomic.Int64 // cumulative RTP packets read from inbound tracks
	BytesRecv   atomic.Int64 // cumulative RTP payload bytes read from inbound tracks
}

func (s *stats) AddSession()      { s.Sessions.Add(1) }
func (s *stats) RemoveSession()   { s.Sessions.Add(-1) }
func (s *stats) AddConnected()    { s.Connected.Add(1) }
func (s *stats) RemoveConnected() { s.Connected.Add(-1) }

// AddPacket records one inbound RTP packet carrying n payload bytes.
func (s *stats) AddPacket(n int) {
	s.PacketsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs media statistics every
// 10 seconds while any traffic flows. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevBytes, prevPackets int64
		for {
			select {
			case <-ticker.C:
				bytes := Stats.BytesRecv.Load()
				packets := Stats.PacketsRecv.Load()

				rate := float64(bytes-prevBytes) / reportInterval.Seconds()
				pps := float64(packets-prevPackets) / reportInterval.Seconds()

				if packets != prevPackets {
					pterm.DefaultLogger.Info(formatStats(rate, pps, Stats.Connected.Load(), Stats.Sessions.Load()))
				}

				prevBytes = bytes
				prevPackets = packets

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
func formatStats(rate, pps float64, connected, sessions int64) string {
	return fmt.Sprintf("In: %s/s | %6.1f pkt/s | Sessions: %d/%d connected",
		formatBytes(rate),
		pps,
		connected,
		sessions,
	)
}
