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

var (
	eraseFirst int
	eraseLast  int
)

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase and blank-check a range of flash sectors",
	Long: `Unlock the boot ROM, erase sectors --first through --last and confirm
with a blank check. Without flags the whole device is erased.`,
	RunE: runErase,
}

func init() {
	rootCmd.AddCommand(eraseCmd)
	eraseCmd.Flags().IntVar(&eraseFirst, "first", 0, "First sector to erase")
	eraseCmd.Flags().IntVar(&eraseLast, "last", -1, "Last sector to erase (default: last sector of the device)")
}

func runErase(cmd *cobra.Command, args []string) error {
	cfg := flasherConfig()
	last := eraseLast
	if last < 0 {
		last = cfg.ImageSize/cfg.SectorSize - 1
	}

	bus, target, connInfo, err := OpenBus()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("lpcflash - Erase\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Sectors: %d-%d\n\n", eraseFirst, last)

	flasher := lpcflash.New(bus,
		lpcflash.WithConfig(cfg),
		lpcflash.WithReporter(newConsoleReporter(os.Stdout)),
		lpcflash.WithLogger(log),
	)
	return flasher.Erase(ctx, target, eraseFirst, last)
}
