// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/Thermoquad/lpcflash/pkg/flashimage"
	"github.com/Thermoquad/lpcflash/pkg/ihex"
	"github.com/Thermoquad/lpcflash/pkg/lpcflash"
	"github.com/spf13/cobra"
)

var (
	hexInfoGo     string
	hexInfoExport string
)

var hexInfoCmd = &cobra.Command{
	Use:   "hex_info <file.hex>",
	Short: "Show what a flash would write, without touching any hardware",
	Long: `Decode an Intel HEX file exactly as 'flash' would and print the address
range, sector range and vector table checksum.

With --go reset the reset routine is placed as well. --export writes the
prepared image (checksum patched, reset routine included) back out as
Intel HEX, which is handy for comparing against other flashing tools.`,
	Args: cobra.ExactArgs(1),
	RunE: runHexInfo,
}

func init() {
	rootCmd.AddCommand(hexInfoCmd)
	hexInfoCmd.Flags().StringVarP(&hexInfoGo, "go", "g", "none", "Post-flash mode to prepare for: none, address or reset")
	hexInfoCmd.Flags().StringVarP(&hexInfoExport, "export", "o", "", "Write the prepared image to this HEX file")
}

func runHexInfo(cmd *cobra.Command, args []string) error {
	mode, err := lpcflash.ParseGoMode(hexInfoGo)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	cfg := flasherConfig()
	img := flashimage.New(cfg.ImageSize, cfg.SectorSize)
	reporter := newConsoleReporter(os.Stdout)

	end, err := ihex.Decode(f, img, ihex.WithReporter(reporter))
	if err != nil {
		return err
	}
	if img.Empty() {
		return lpcflash.ErrEmptyImage
	}

	fmt.Printf("lpcflash - HEX Info\n")
	fmt.Printf("File: %s\n\n", args[0])

	field("Range", fmt.Sprintf("0x%05X-0x%05X (%d bytes)", img.WroteMin(), img.WroteMax(), end-img.WroteMin()))
	field("Sectors", fmt.Sprintf("%d-%d of %d (%d bytes each)", img.WroteSectorMin(), img.WroteSectorMax(), img.SectorCount(), img.SectorSize()))

	if img.VectorChecksumValid() {
		field("Checksum", "vector table already sums to zero")
	} else {
		field("Checksum", warningStyle.Render("not set, will be patched"))
	}

	if mode == lpcflash.GoReset {
		addr, err := lpcflash.InjectReset(img)
		if err != nil {
			return err
		}
		field("Reset routine", fmt.Sprintf("0x%05X (%d bytes)", addr, len(lpcflash.ResetRoutine)))
		field("New range", fmt.Sprintf("0x%05X-0x%05X (sectors %d-%d)", img.WroteMin(), img.WroteMax(), img.WroteSectorMin(), img.WroteSectorMax()))
	}

	sum := img.PatchChecksum()
	field("Vector 7", fmt.Sprintf("0x%08X", sum))

	if hexInfoExport == "" {
		return nil
	}

	out, err := os.Create(hexInfoExport)
	if err != nil {
		return err
	}
	if err := ihex.Encode(out, img); err != nil {
		out.Close()
		return fmt.Errorf("export %s: %w", hexInfoExport, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	fmt.Printf("\n%s %s\n", okStyle.Render("Exported"), hexInfoExport)
	return nil
}
