// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// lpcflash - LPC11C2x CAN Boot ROM Flasher
//
// A CLI tool for programming NXP LPC11C2x microcontrollers over CAN
// through the boot ROM's CANopen SDO interface and a USBtin adapter.

package main

import (
	"os"

	"github.com/Thermoquad/lpcflash/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
