// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/Thermoquad/lpcflash/pkg/lpcflash"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Read device type, identity and serial number from the boot ROM",
	Long: `Connect to the boot ROM and read the device type (0x1000), the identity
object (0x1018) and the unique serial number (0x5100). Nothing is written.`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	bus, target, connInfo, err := OpenBus()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("lpcflash - Device Info\n")
	fmt.Printf("Connection: %s\n\n", connInfo)

	flasher := lpcflash.New(bus, lpcflash.WithConfig(flasherConfig()), lpcflash.WithLogger(log))
	info, err := flasher.Info(ctx, target)
	if err != nil {
		return err
	}

	if info.Adapter != "" {
		field("Adapter", info.Adapter)
	}
	field("Device type", info.DeviceType)
	field("Vendor ID", fmt.Sprintf("0x%08X", info.VendorID))
	field("Product code", fmt.Sprintf("0x%08X", info.ProductCode))
	field("Revision", fmt.Sprintf("0x%08X", info.Revision))
	field("Serial", info.Serial())
	return nil
}
