// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/lpcflash/pkg/usbtin"
	"github.com/spf13/cobra"
)

var probeTimeout int

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that a USBtin adapter answers",
	Long: `Open the adapter and query its hardware version, firmware version and
serial number. The CAN channel is never opened, so the bus is not touched.

Exit codes:
  0 - Adapter answered
  1 - Adapter did not answer (or answered with an error) before timeout
  2 - Connection error

Useful for checking the link to a local USBtin or a WebSocket bridge
before flashing.`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().IntVar(&probeTimeout, "wait", 2, "Seconds to wait for each adapter reply")
}

func runProbe(cmd *cobra.Command, args []string) error {
	target, connInfo, err := resolveTarget()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("lpcflash - Adapter Probe\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n\n", probeTimeout)

	adapter := usbtin.New(dial,
		usbtin.WithLogger(log),
		usbtin.WithReplyTimeout(time.Duration(probeTimeout)*time.Second),
	)

	if err := adapter.Connect(target); err != nil {
		if errors.Is(err, usbtin.ErrNoReply) || errors.Is(err, usbtin.ErrAdapter) {
			fmt.Fprintf(os.Stderr, "TIMEOUT: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer adapter.Disconnect()

	v := adapter.Versions()
	fmt.Printf("%s\n", okStyle.Render("SUCCESS: Adapter answered"))
	field("Hardware", v.Hardware)
	field("Firmware", v.Firmware)
	field("Serial", v.Serial)
	return nil
}
