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

// Stats is the process-wide negotiation/media counter.
var Stats = &stats{}

type stats struct {
	DescriptionsSent  atomic.Int64 // offers + answers written to the mailbox
	CandidatesSent    atomic.Int64 // local candidates written to the mailbox
	CandidatesSkipped atomic.Int64 // local candidates suppressed as duplicates
	CandidatesApplied atomic.Int64 // remote candidates accepted by the peer connection
	CandidatesQueued  atomic.Int64 // remote candidates parked until a remote description exists
	ICERestarts       atomic.Int64 // ICE restart offers created
	BytesRecv         atomic.Int64 // RTP payload bytes read from remote tracks
}

func (s *stats) AddDescription()      { s.DescriptionsSent.Add(1) }
func (s *stats) AddCandidateSent()    { s.CandidatesSent.Add(1) }
func (s *stats) AddCandidateSkipped() { s.CandidatesSkipped.Add(1) }
func (s *stats) AddCandidateApplied() { s.CandidatesApplied.Add(1) }
func (s *stats) AddCandidateQueued()  { s.CandidatesQueued.Add(1) }
func (s *stats) AddICERestart()       { s.ICERestarts.Add(1) }
func (s *stats) AddRecv(n int)        { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevRecv, prevSent, prevApplied int64
		for {
			select {
			case <-ticker.C:
				recv := Stats.BytesRecv.Load()
				sent := Stats.CandidatesSent.Load()
				applied := Stats.CandidatesApplied.Load()

				inS := float64(recv-prevRecv) / 10.0
				if inS > 10 || sent != prevSent || applied != prevApplied {
					pterm.DefaultLogger.Info(formatStats(inS, sent, applied, Stats.CandidatesQueued.Load()))
				}

				prevRecv = recv
				prevSent = sent
				prevApplied = applied

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
func formatStats(inS float64, sent, applied, queued int64) string {
	return fmt.Sprintf("Media in: %s/s | ICE sent: %3d applied: %3d queued: %3d",
		formatBytes(inS),
		sent,
		applied,
		queued,
	)
}
