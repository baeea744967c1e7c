// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sdo

import (
	"fmt"
	"sync"
	"time"
)

// Statistics counts request outcomes of a Client
type Statistics struct {
	StartTime time.Time

	Requests        uint64
	Responses       uint64
	Timeouts        uint64
	Aborts          uint64
	ProtocolErrors  uint64
	SendErrors      uint64
	Segments        uint64
	BytesDownloaded uint64
	DroppedFrames   uint64 // frames from other identifiers
}

type statsTracker struct {
	mu sync.Mutex
	s  Statistics
}

func newStatsTracker() *statsTracker {
	return &statsTracker{s: Statistics{StartTime: time.Now()}}
}

func (t *statsTracker) update(fn func(s *Statistics)) {
	t.mu.Lock()
	fn(&t.s)
	t.mu.Unlock()
}

func (t *statsTracker) snapshot() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}

// Format returns a one-line summary
func (s Statistics) Format() string {
	elapsed := time.Since(s.StartTime).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(s.Requests) / elapsed
	}
	return fmt.Sprintf("requests=%d responses=%d timeouts=%d aborts=%d protocol_errors=%d segments=%d bytes=%d (%.1f req/s)",
		s.Requests, s.Responses, s.Timeouts, s.Aborts, s.ProtocolErrors, s.Segments, s.BytesDownloaded, rate)
}
