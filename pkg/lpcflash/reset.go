// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lpcflash

import (
	"fmt"
	"strings"

	"github.com/Thermoquad/lpcflash/pkg/flashimage"
)

// GoMode selects what happens after the sectors are programmed
type GoMode int

const (
	GoNone    GoMode = iota // leave the device in the boot ROM
	GoAddress               // jump to a caller-supplied address
	GoReset                 // inject a reset routine and jump to it
)

func (m GoMode) String() string {
	switch m {
	case GoNone:
		return "none"
	case GoAddress:
		return "address"
	case GoReset:
		return "reset"
	default:
		return fmt.Sprintf("GoMode(%d)", int(m))
	}
}

// ParseGoMode accepts "none", "address" or "reset" (case-insensitive)
func ParseGoMode(s string) (GoMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "no":
		return GoNone, nil
	case "address", "go":
		return GoAddress, nil
	case "reset":
		return GoReset, nil
	}
	return GoNone, fmt.Errorf("unknown go mode %q (use none, address or reset)", s)
}

// ResetRoutine requests a system reset through AIRCR and spins until it
// takes effect. Thumb code followed by its literal pool.
var ResetRoutine = [24]byte{
	0xBF, 0xF3, 0x4F, 0x8F, // dsb
	0x02, 0x4A,             // ldr r2, [pc, #8]
	0x03, 0x4B,             // ldr r3, [pc, #12]
	0xDA, 0x60,             // str r2, [r3, #12]
	0xBF, 0xF3, 0x4F, 0x8F, // dsb
	0xFE, 0xE7,             // b .
	0x04, 0x00, 0xFA, 0x05, // VECTKEY | SYSRESETREQ
	0x00, 0xED, 0x00, 0xE0, // SCB base
}

// resetFloor keeps the routine clear of the vector table and early code
const resetFloor = 0x200

// ResetAddress returns where the reset routine goes for an image whose
// highest written byte is wroteMax: 0x200 for small images, otherwise the
// first word boundary past wroteMax.
func ResetAddress(wroteMax int) int {
	if wroteMax < resetFloor {
		return resetFloor
	}
	return wroteMax + (4 - wroteMax%4)
}

// InjectReset writes ResetRoutine into img and returns its address
func InjectReset(img *flashimage.Image) (uint32, error) {
	addr := ResetAddress(img.WroteMax())
	if addr+len(ResetRoutine) > img.Size() {
		return 0, fmt.Errorf("reset routine at 0x%X does not fit in %d byte image", addr, img.Size())
	}
	if err := img.Write(addr, ResetRoutine[:]); err != nil {
		return 0, err
	}
	return uint32(addr), nil
}
