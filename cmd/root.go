// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Device flags
	configPath string
	bitrate    int
	timeoutMs  int
	simulate   bool
	verbose    bool

	log = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "lpcflash",
	Short: "LPC11C2x CAN boot ROM flasher",
	Long: `lpcflash - Program NXP LPC11C2x parts over CAN through the on-chip boot ROM.

The boot ROM exposes its ISP commands as a CANopen SDO server on node 0x7D.
lpcflash talks to it through a USBtin USB-to-CAN adapter, either attached
locally or reached through a WebSocket serial bridge.

Connection modes:
  Serial:    --port /dev/ttyACM0 (auto-detected when omitted)
  WebSocket: --url ws://host/path [--username user]
  Simulated: --simulate (in-memory boot ROM, no hardware)

Device settings can be kept in a TOML profile passed with --config. Flags
given on the command line override the profile.

For WebSocket authentication, the password is read from the LPCFLASH_PASSWORD
environment variable, or prompted interactively if not set.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port of the USBtin")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Device flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML device profile")
	rootCmd.PersistentFlags().IntVar(&bitrate, "bitrate", 100000, "CAN bitrate in bit/s")
	rootCmd.PersistentFlags().IntVar(&timeoutMs, "timeout-ms", 1000, "SDO response timeout in milliseconds")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "Use the in-memory boot ROM simulator")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Trace SDO and adapter traffic to stderr")
}

// setup configures logging and merges the device profile into the flags
func setup(cmd *cobra.Command, args []string) error {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	log.SetLevel(logrus.WarnLevel)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if configPath == "" {
		return nil
	}
	profile, err := loadProfile(configPath)
	if err != nil {
		return err
	}
	profile.apply(cmd.Flags())
	log.WithField("path", configPath).Debug("profile loaded")
	return nil
}

// Execute runs the root command and prints a failure as a single ERROR line
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		newConsoleReporter(os.Stderr).Error(err)
	}
	return err
}
