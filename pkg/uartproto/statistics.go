// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package uartproto

import (
	"fmt"
	"strings"
	"time"
)

// Statistics tracks receive path counters for one framing layer.
type Statistics struct {
	StartTime time.Time

	// Counters
	Notifications uint64 // notify calls that saw new bytes
	Frames        uint64 // frames queued for dispatch
	Delivered     uint64 // handler invocations
	CRCErrors     uint64
	LengthErrors  uint64
	NoiseBytes    uint64
	Discarded     uint64 // bytes dropped by a fatal parse
	Overruns      uint64
	ParseResets   uint64 // resets caused by the parse failure limit
	Resets        uint64 // every receive state reset
	Dropped       uint64 // frames lost to a full queue

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

func newStatistics() Statistics {
	return Statistics{StartTime: time.Now()}
}

// Errors returns the total of all receive error counters.
func (s *Statistics) Errors() uint64 {
	return s.CRCErrors + s.LengthErrors + s.Overruns + s.Dropped
}

// CalculateRates fills in the frame and error rates.
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.Frames) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary.
func (s Statistics) String() string {
	s.CalculateRates()

	var b strings.Builder
	fmt.Fprintf(&b, "=== Receive Statistics (%.0f seconds) ===\n", time.Since(s.StartTime).Seconds())
	fmt.Fprintf(&b, "Notifications:   %8d\n", s.Notifications)
	fmt.Fprintf(&b, "Frames:          %8d\n", s.Frames)
	fmt.Fprintf(&b, "Delivered:       %8d\n", s.Delivered)

	if s.CRCErrors > 0 {
		fmt.Fprintf(&b, "CRC Errors:      %8d\n", s.CRCErrors)
	}
	if s.LengthErrors > 0 {
		fmt.Fprintf(&b, "Length Errors:   %8d\n", s.LengthErrors)
	}
	if s.NoiseBytes > 0 {
		fmt.Fprintf(&b, "Noise Bytes:     %8d\n", s.NoiseBytes)
	}
	if s.Discarded > 0 {
		fmt.Fprintf(&b, "Discarded Bytes: %8d\n", s.Discarded)
	}
	if s.Overruns > 0 {
		fmt.Fprintf(&b, "Overruns:        %8d\n", s.Overruns)
	}
	if s.Dropped > 0 {
		fmt.Fprintf(&b, "Dropped Frames:  %8d\n", s.Dropped)
	}
	if s.Resets > 0 {
		fmt.Fprintf(&b, "Resets:          %8d (%d parse)\n", s.Resets, s.ParseResets)
	}

	fmt.Fprintf(&b, "Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	fmt.Fprintf(&b, "Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	b.WriteString("========================================\n")
	return b.String()
}
