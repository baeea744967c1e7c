// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ihex

import (
	"fmt"
	"io"

	"github.com/Thermoquad/lpcflash/pkg/flashimage"
	"github.com/marcinbor85/gohex"
)

// Encode writes the written footprint of img (WroteMin..WroteMax, gaps
// included as erased bytes) as Intel HEX with 16 data bytes per line.
// An empty image produces only the EOF record.
func Encode(w io.Writer, img *flashimage.Image) error {
	mem := gohex.NewMemory()
	if !img.Empty() {
		data := img.Bytes()[img.WroteMin() : img.WroteMax()+1]
		if err := mem.AddBinary(uint32(img.WroteMin()), data); err != nil {
			return fmt.Errorf("add image data: %w", err)
		}
	}
	if err := mem.DumpIntelHex(w, exportLineLength); err != nil {
		return fmt.Errorf("dump intel hex: %w", err)
	}
	return nil
}
