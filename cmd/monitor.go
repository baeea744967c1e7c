// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/Thermoquad/lpcflash/pkg/bootrom"
	"github.com/Thermoquad/lpcflash/pkg/can"
	"github.com/Thermoquad/lpcflash/pkg/sdo"
	"github.com/spf13/cobra"
)

var monitorAll bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Log CAN frames in listen-only mode",
	Long: `Open the adapter in listen-only mode and print every frame as it arrives,
with a decoded summary of boot ROM SDO traffic.

The adapter does not acknowledge frames in this mode, so another node on
the bus must be transmitting for anything to show up. By default only the
boot ROM's request and response identifiers are shown; use --all to see
everything.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorAll, "all", false, "Show all identifiers, not just boot ROM SDO traffic")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if simulate {
		return errors.New("monitor needs a real adapter")
	}

	bus, target, connInfo, err := OpenBus()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	node := flasherConfig().Node
	bus.OnFrame(func(f can.Frame) {
		fmt.Print(formatFrame(f, time.Now(), node))
	})

	if err := bus.Connect(target); err != nil {
		return err
	}
	defer bus.Disconnect()

	var filter []can.FilterRule
	if !monitorAll {
		filter = []can.FilterRule{
			{Mask: can.MaxStandardID, ID: sdo.RequestID(node)},
			{Mask: can.MaxStandardID, ID: sdo.ResponseID(node)},
		}
	}
	if err := bus.SetFilter(filter); err != nil {
		return err
	}
	if err := bus.OpenChannel(bitrate, can.ModeListenOnly); err != nil {
		return err
	}
	defer bus.CloseChannel()

	fmt.Printf("lpcflash - CAN Monitor\n")
	fmt.Printf("Connection: %s @ %d bit/s (listen-only)\n", connInfo, bitrate)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	<-ctx.Done()
	return nil
}

// formatFrame prints one frame with a timestamp and, for the boot ROM's
// identifiers, a decoded SDO summary
func formatFrame(f can.Frame, t time.Time, node uint8) string {
	timestamp := t.Format("15:04:05.000")
	line := fmt.Sprintf("[%s] %s", timestamp, f)

	var summary string
	switch {
	case f.Extended || f.RTR || f.Len < 4:
	case f.ID == sdo.RequestID(node):
		summary = describeRequest(f.Data)
	case f.ID == sdo.ResponseID(node):
		summary = describeResponse(f.Data)
	}
	if summary == "" {
		return line + "\n"
	}
	return line + "\n  " + detailStyle.Render(summary) + "\n"
}

func objectName(data [8]byte) string {
	return fmt.Sprintf("%04X:%02X", binary.LittleEndian.Uint16(data[1:3]), data[3])
}

func describeRequest(data [8]byte) string {
	cmd := data[0]
	switch {
	case cmd == sdo.CmdUploadRequest:
		return "upload " + objectName(data)
	case cmd == sdo.CmdDownloadSegmented:
		return fmt.Sprintf("segmented download %s, %d bytes", objectName(data), binary.LittleEndian.Uint32(data[4:8]))
	case cmd&0xE0 == 0x20:
		n := 4
		if cmd&0x01 != 0 {
			n = 4 - int(cmd>>2&0x03)
		}
		return fmt.Sprintf("download %s % X", objectName(data), data[4:4+n])
	case cmd == sdo.RespAbort:
		return "abort " + objectName(data)
	case cmd&0xE0 == 0:
		n := 7 - int(cmd>>1&0x07)
		text := fmt.Sprintf("segment toggle=%d, %d bytes", cmd>>4&1, n)
		if cmd&0x01 != 0 {
			text += ", last"
		}
		return text
	}
	return ""
}

func describeResponse(data [8]byte) string {
	switch data[0] {
	case sdo.RespUploadExpedited:
		return fmt.Sprintf("upload %s = 0x%08X", objectName(data), binary.LittleEndian.Uint32(data[4:8]))
	case sdo.RespDownloadAck:
		return "ack " + objectName(data)
	case sdo.RespSegmentAck, sdo.RespSegmentAckTog:
		return fmt.Sprintf("segment ack toggle=%d", data[0]>>4&1)
	case sdo.RespAbort:
		code := binary.LittleEndian.Uint32(data[4:8])
		if status, ok := bootrom.StatusFromAbort(code); ok {
			return fmt.Sprintf("abort %s: boot ROM: %s", objectName(data), status)
		}
		err := &sdo.AbortError{
			Index:    binary.LittleEndian.Uint16(data[1:3]),
			Subindex: data[3],
			Code:     code,
		}
		return err.Error()
	}
	return ""
}
