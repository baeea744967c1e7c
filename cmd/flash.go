// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/Thermoquad/lpcflash/pkg/lpcflash"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	flashGo      string
	flashAddress string
	flashTUI     bool
)

var flashCmd = &cobra.Command{
	Use:   "flash <file.hex>",
	Short: "Program an Intel HEX file through the CAN boot ROM",
	Long: `Decode an Intel HEX file, patch the vector table checksum and write every
touched sector through the LPC11C2x boot ROM.

Post-flash execution (--go):
  none     leave the device in the boot ROM (default)
  address  jump to --address
  reset    place a small reset routine after the image and jump to it,
           so the part restarts cleanly into the new firmware

Each sector is staged in RAM, copied to flash and compared. A compare
failure reports the sector and the offset of the first differing byte.

Use --tui for a full-screen progress view.`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().StringVarP(&flashGo, "go", "g", "none", "After programming: none, address or reset")
	flashCmd.Flags().StringVarP(&flashAddress, "address", "a", "0", "Execution address for --go address (e.g. 0x200)")
	flashCmd.Flags().BoolVar(&flashTUI, "tui", false, "Show a full-screen progress view")
}

func runFlash(cmd *cobra.Command, args []string) error {
	mode, err := lpcflash.ParseGoMode(flashGo)
	if err != nil {
		return err
	}
	execAddr, err := strconv.ParseUint(flashAddress, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid --address %q: %w", flashAddress, err)
	}
	if mode == lpcflash.GoAddress && execAddr%2 != 0 {
		return fmt.Errorf("execution address 0x%X must be halfword aligned", execAddr)
	}

	hexFile, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer hexFile.Close()

	bus, target, connInfo, err := OpenBus()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if flashTUI {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			return runFlashTUI(ctx, bus, target, connInfo, args[0], hexFile, mode, uint32(execAddr))
		}
		log.Warn("stdout is not a terminal, --tui ignored")
	}

	fmt.Printf("lpcflash - Flash\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("File: %s\n\n", args[0])

	reporter := newConsoleReporter(os.Stdout)
	flasher := lpcflash.New(bus,
		lpcflash.WithConfig(flasherConfig()),
		lpcflash.WithReporter(reporter),
		lpcflash.WithLogger(log),
	)

	if err := flasher.Flash(ctx, target, hexFile, mode, uint32(execAddr)); err != nil {
		return err
	}

	stats := flasher.Stats()
	fmt.Println()
	field("Elapsed", time.Since(stats.StartTime).Round(time.Millisecond))
	field("Requests", stats.Requests)
	field("Downloaded", fmt.Sprintf("%d bytes", stats.BytesDownloaded))
	log.Debug(stats.Format())
	return nil
}
