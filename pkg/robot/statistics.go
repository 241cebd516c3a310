// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package robot

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/robolink/pkg/framer"
)

// Statistics tracks link traffic and error rates. It is safe for concurrent
// use: the receiver updates it while the cycle and clients read it.
type Statistics struct {
	mu             sync.Mutex
	startTime      time.Time
	lastUpdateTime time.Time

	// Counters
	totalFrames    uint64
	validFrames    uint64
	checksumErrors uint64
	framingErrors  uint64
	discardedBytes uint64
	bytesIn        uint64
	bytesOut       uint64
	packetsOut     uint64

	// Checksum mismatch times, oldest first, for the windowed rate. Times
	// older than window are trimmed as new ones arrive; a zero window
	// keeps none.
	mismatches []time.Time
	window     time.Duration
}

// Snapshot is a point-in-time copy of Statistics with derived rates.
type Snapshot struct {
	Elapsed        time.Duration `json:"elapsed" yaml:"elapsed"`
	TotalFrames    uint64        `json:"total_frames" yaml:"total_frames"`
	ValidFrames    uint64        `json:"valid_frames" yaml:"valid_frames"`
	ChecksumErrors uint64        `json:"checksum_errors" yaml:"checksum_errors"`
	FramingErrors  uint64        `json:"framing_errors" yaml:"framing_errors"`
	DiscardedBytes uint64        `json:"discarded_bytes" yaml:"discarded_bytes"`
	BytesIn        uint64        `json:"bytes_in" yaml:"bytes_in"`
	BytesOut       uint64        `json:"bytes_out" yaml:"bytes_out"`
	PacketsOut     uint64        `json:"packets_out" yaml:"packets_out"`
	LastUpdate     time.Time     `json:"last_update" yaml:"last_update"`

	// Rates (calculated)
	FrameRate float64 `json:"frame_rate" yaml:"frame_rate"` // frames/sec
	ErrorRate float64 `json:"error_rate" yaml:"error_rate"` // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		startTime:      now,
		lastUpdateTime: now,
		window:         DefaultMismatchWindow,
	}
}

// SetMismatchWindow sets how long mismatch times are kept for
// MismatchesWithin. Zero stops keeping them.
func (s *Statistics) SetMismatchWindow(window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = window
	if window <= 0 {
		s.mismatches = nil
	}
}

// RecordFrame counts a verified frame.
func (s *Statistics) RecordFrame(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalFrames++
	s.validFrames++
	s.lastUpdateTime = now
}

// RecordError counts a framer error. Checksum mismatches also enter the
// windowed mismatch rate.
func (s *Statistics) RecordError(err error, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalFrames++
	if errors.Is(err, framer.ErrChecksumMismatch) {
		s.checksumErrors++
		if s.window > 0 {
			s.trimMismatches(now.Add(-s.window))
			s.mismatches = append(s.mismatches, now)
		}
	} else {
		s.framingErrors++
	}
	var fe *framer.FrameError
	if errors.As(err, &fe) {
		s.discardedBytes += uint64(fe.Discarded)
	}
	s.lastUpdateTime = now
}

// RecordBytesIn counts raw bytes read from the transport.
func (s *Statistics) RecordBytesIn(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesIn += uint64(n)
}

// RecordSent counts one outbound packet of n bytes.
func (s *Statistics) RecordSent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packetsOut++
	s.bytesOut += uint64(n)
}

// MismatchesWithin returns the number of checksum mismatches in the window
// ending at now. Older entries are dropped.
func (s *Statistics) MismatchesWithin(window time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimMismatches(now.Add(-window))
	return len(s.mismatches)
}

// trimMismatches drops mismatch times at or before cutoff.
func (s *Statistics) trimMismatches(cutoff time.Time) {
	i := 0
	for i < len(s.mismatches) && !s.mismatches[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.mismatches = append(s.mismatches[:0], s.mismatches[i:]...)
	}
}

// ClearMismatches forgets the windowed mismatch history.
func (s *Statistics) ClearMismatches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mismatches = nil
}

// Snapshot copies the counters and calculates rates.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Elapsed:        time.Since(s.startTime),
		TotalFrames:    s.totalFrames,
		ValidFrames:    s.validFrames,
		ChecksumErrors: s.checksumErrors,
		FramingErrors:  s.framingErrors,
		DiscardedBytes: s.discardedBytes,
		BytesIn:        s.bytesIn,
		BytesOut:       s.bytesOut,
		PacketsOut:     s.packetsOut,
		LastUpdate:     s.lastUpdateTime,
	}
	snap.CalculateRates()
	return snap
}

// CalculateRates calculates frame and error rates
func (s *Snapshot) CalculateRates() {
	elapsed := s.Elapsed.Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.ValidFrames) / elapsed
		s.ErrorRate = float64(s.ChecksumErrors+s.FramingErrors) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	return s.Snapshot().String()
}

// String returns a formatted statistics summary
func (s Snapshot) String() string {
	// Calculate percentages
	var validPercent, checksumPercent, framingPercent float64
	if s.TotalFrames > 0 {
		validPercent = float64(s.ValidFrames) * 100.0 / float64(s.TotalFrames)
		checksumPercent = float64(s.ChecksumErrors) * 100.0 / float64(s.TotalFrames)
		framingPercent = float64(s.FramingErrors) * 100.0 / float64(s.TotalFrames)
	}

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", s.Elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, validPercent)

	if s.ChecksumErrors > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d (%.1f%%)\n", s.ChecksumErrors, checksumPercent)
	}
	if s.FramingErrors > 0 {
		result += fmt.Sprintf("Framing Errors:  %8d (%.1f%%)\n", s.FramingErrors, framingPercent)
	}
	if s.DiscardedBytes > 0 {
		result += fmt.Sprintf("  Discarded Bytes:  %5d\n", s.DiscardedBytes)
	}

	result += fmt.Sprintf("Bytes In/Out:    %8d / %d\n", s.BytesIn, s.BytesOut)
	result += fmt.Sprintf("Packets Out:     %8d\n", s.PacketsOut)
	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.startTime = now
	s.lastUpdateTime = now
	s.totalFrames = 0
	s.validFrames = 0
	s.checksumErrors = 0
	s.framingErrors = 0
	s.discardedBytes = 0
	s.bytesIn = 0
	s.bytesOut = 0
	s.packetsOut = 0
	s.mismatches = nil
}
