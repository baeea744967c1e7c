// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lpcflash

import "time"

// Phase is a stage of a flash session
type Phase string

const (
	PhaseLoading     Phase = "loading"
	PhaseConnecting  Phase = "connecting"
	PhaseErasing     Phase = "erasing"
	PhaseProgramming Phase = "programming"
	PhaseExecuting   Phase = "executing"
	PhaseComplete    Phase = "complete"
)

// Progress is passed to the progress callback
type Progress struct {
	Phase        Phase
	Sector       int
	FirstSector  int
	LastSector   int
	Percentage   float64
	BytesWritten int
	Elapsed      time.Duration
}

// ProgressCallback is invoked from the flashing goroutine after each step
type ProgressCallback func(Progress)

// Reporter receives human-readable status text in call order
type Reporter interface {
	Report(text string)
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(text string)

func (f ReporterFunc) Report(text string) { f(text) }

type discardReporter struct{}

func (discardReporter) Report(string) {}
