// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Thermoquad/lpcflash/pkg/lpcflash"
	"github.com/spf13/pflag"
)

// profile is the on-disk TOML device profile
//
//	[device]
//	image_size = 32768
//	sector_size = 4096
//	bitrate = 100000
//	node_id = 0x7D
//	timeout_ms = 1000
//	verify_readback = true
//
//	[adapter]
//	port = "/dev/ttyACM0"
//	url = "wss://bridge.local/can"
//	username = "admin"
type profile struct {
	Device  deviceProfile  `toml:"device"`
	Adapter adapterProfile `toml:"adapter"`
}

type deviceProfile struct {
	ImageSize      int   `toml:"image_size"`
	SectorSize     int   `toml:"sector_size"`
	Bitrate        int   `toml:"bitrate"`
	NodeID         uint8 `toml:"node_id"`
	TimeoutMs      int   `toml:"timeout_ms"`
	VerifyReadback *bool `toml:"verify_readback"`
}

type adapterProfile struct {
	Port     string `toml:"port"`
	Baud     int    `toml:"baud"`
	URL      string `toml:"url"`
	Username string `toml:"username"`
}

// Device values that have no flag of their own
var deviceSettings = struct {
	imageSize      int
	sectorSize     int
	node           uint8
	verifyReadback bool
}{verifyReadback: true}

func loadProfile(path string) (*profile, error) {
	var p profile
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.WithField("keys", undecoded).Warn("unknown keys in profile")
	}
	if (p.Device.ImageSize == 0) != (p.Device.SectorSize == 0) {
		return nil, fmt.Errorf("config %s: image_size and sector_size must be set together", path)
	}
	if p.Device.SectorSize > 0 && p.Device.ImageSize%p.Device.SectorSize != 0 {
		return nil, fmt.Errorf("config %s: image_size %d is not a multiple of sector_size %d",
			path, p.Device.ImageSize, p.Device.SectorSize)
	}
	if p.Device.SectorSize > 0 && p.Device.ImageSize/p.Device.SectorSize > lpcflash.MaxSectors {
		return nil, fmt.Errorf("config %s: %d sectors exceeds the boot ROM limit of %d",
			path, p.Device.ImageSize/p.Device.SectorSize, lpcflash.MaxSectors)
	}
	return &p, nil
}

// apply copies profile values into every flag not set on the command line
func (p *profile) apply(flags *pflag.FlagSet) {
	setInt := func(name string, dst *int, v int) {
		if v != 0 && !flags.Changed(name) {
			*dst = v
		}
	}
	setString := func(name string, dst *string, v string) {
		if v != "" && !flags.Changed(name) {
			*dst = v
		}
	}

	setInt("bitrate", &bitrate, p.Device.Bitrate)
	setInt("timeout-ms", &timeoutMs, p.Device.TimeoutMs)
	setString("port", &portName, p.Adapter.Port)
	setInt("baud", &baudRate, p.Adapter.Baud)
	setString("url", &wsURL, p.Adapter.URL)
	setString("username", &wsUsername, p.Adapter.Username)

	deviceSettings.imageSize = p.Device.ImageSize
	deviceSettings.sectorSize = p.Device.SectorSize
	deviceSettings.node = p.Device.NodeID
	if p.Device.VerifyReadback != nil {
		deviceSettings.verifyReadback = *p.Device.VerifyReadback
	}
}

// flasherConfig builds the sequencer configuration from defaults, profile
// and flags
func flasherConfig() lpcflash.Config {
	cfg := lpcflash.DefaultConfig()
	cfg.Bitrate = bitrate
	cfg.Timeout = time.Duration(timeoutMs) * time.Millisecond
	cfg.VerifyReadback = deviceSettings.verifyReadback
	if deviceSettings.node != 0 {
		cfg.Node = deviceSettings.node
	}
	if deviceSettings.imageSize > 0 {
		cfg.ImageSize = deviceSettings.imageSize
		cfg.SectorSize = deviceSettings.sectorSize
	}
	return cfg
}
