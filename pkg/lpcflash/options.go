// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lpcflash

import (
	"time"

	"github.com/Thermoquad/lpcflash/pkg/bootrom"
	"github.com/Thermoquad/lpcflash/pkg/flashimage"
	"github.com/Thermoquad/lpcflash/pkg/sdo"
	"github.com/sirupsen/logrus"
)

// DefaultBitrate is the speed the boot ROM's C_CAN runs at
const DefaultBitrate = bootrom.DefaultBitrate

// MaxSectors is the largest sector count the prepare and erase commands can address
const MaxSectors = 256

// Config holds the tunable parameters of a Flasher
type Config struct {
	Bitrate        int
	Node           uint8
	Timeout        time.Duration
	ImageSize      int
	SectorSize     int
	VerifyReadback bool
}

// DefaultConfig returns the LPC11C24 defaults
func DefaultConfig() Config {
	return Config{
		Bitrate:        DefaultBitrate,
		Node:           sdo.DefaultNode,
		Timeout:        sdo.DefaultTimeout,
		ImageSize:      flashimage.DefaultSize,
		SectorSize:     flashimage.DefaultSectorSize,
		VerifyReadback: true,
	}
}

// Option configures a Flasher
type Option func(*Flasher)

// WithConfig replaces the whole configuration
func WithConfig(cfg Config) Option {
	return func(f *Flasher) {
		f.cfg = cfg
	}
}

// WithReporter sets the status text sink
func WithReporter(r Reporter) Option {
	return func(f *Flasher) {
		if r != nil {
			f.reporter = r
		}
	}
}

// WithProgressCallback sets the progress callback
func WithProgressCallback(cb ProgressCallback) Option {
	return func(f *Flasher) {
		f.progress = cb
	}
}

// WithLogger sets the diagnostic logger, shared with the SDO client
func WithLogger(l logrus.FieldLogger) Option {
	return func(f *Flasher) {
		if l != nil {
			f.log = l
		}
	}
}

// WithTimeout sets the per-request response timeout
func WithTimeout(d time.Duration) Option {
	return func(f *Flasher) {
		if d > 0 {
			f.cfg.Timeout = d
		}
	}
}

// WithBitrate sets the CAN bitrate
func WithBitrate(bitrate int) Option {
	return func(f *Flasher) {
		if bitrate > 0 {
			f.cfg.Bitrate = bitrate
		}
	}
}

// WithImageGeometry sets flash size and sector size
func WithImageGeometry(size, sectorSize int) Option {
	return func(f *Flasher) {
		if size > 0 && sectorSize > 0 {
			f.cfg.ImageSize = size
			f.cfg.SectorSize = sectorSize
		}
	}
}

// WithVerifyReadback controls whether a failed compare reads back the
// mismatch offset
func WithVerifyReadback(on bool) Option {
	return func(f *Flasher) {
		f.cfg.VerifyReadback = on
	}
}
