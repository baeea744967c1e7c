// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/Thermoquad/lpcflash/pkg/usbtin"
	"github.com/spf13/cobra"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and mark attached USBtin adapters",
	RunE:  runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := usbtin.ListPorts()
	if err != nil {
		return fmt.Errorf("port enumeration failed: %w", err)
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	for _, p := range ports {
		line := p.Name
		if p.USB {
			line += detailStyle.Render(fmt.Sprintf("  %s:%s", p.VID, p.PID))
			if p.Product != "" {
				line += detailStyle.Render("  " + p.Product)
			}
			if p.SerialNumber != "" {
				line += detailStyle.Render("  SN:" + p.SerialNumber)
			}
		}
		if p.IsUSBtin {
			line += "  " + okStyle.Render("USBtin")
		}
		fmt.Println(line)
	}
	return nil
}
