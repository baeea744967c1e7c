// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package usbtin

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/lpcflash/pkg/can"
)

// MCP2515 acceptance registers. Each mask/filter is four consecutive
// registers: SIDH, SIDL, EID8, EID0.
const (
	regRXF0 = 0x00
	regRXF1 = 0x04
	regRXF2 = 0x08
	regRXF3 = 0x10
	regRXF4 = 0x14
	regRXF5 = 0x18
	regRXM0 = 0x20
	regRXM1 = 0x24

	sidlEXIDE = 0x08
)

// Filter chains: RXM0 guards RXF0-1, RXM1 guards RXF2-5
var (
	chain0 = []byte{regRXF0, regRXF1}
	chain1 = []byte{regRXF2, regRXF3, regRXF4, regRXF5}
)

var ErrTooManyFilters = errors.New("usbtin: filter rules exceed MCP2515 masks")

// RegisterWrite is one "W" command
type RegisterWrite struct {
	Register byte
	Value    byte
}

func (w RegisterWrite) String() string {
	return fmt.Sprintf("W%02X%02X", w.Register, w.Value)
}

// idRegisters encodes an identifier into SIDH, SIDL, EID8, EID0
func idRegisters(id uint32, extended bool) [4]byte {
	if !extended {
		return [4]byte{byte(id >> 3), byte(id&0x07) << 5, 0, 0}
	}
	sid := id >> 18
	eid := id & 0x3FFFF
	return [4]byte{
		byte(sid >> 3),
		byte(sid&0x07)<<5 | sidlEXIDE | byte(eid>>16)&0x03,
		byte(eid >> 8),
		byte(eid),
	}
}

func writes4(base byte, v [4]byte) []RegisterWrite {
	out := make([]RegisterWrite, 4)
	for i := range v {
		out[i] = RegisterWrite{Register: base + byte(i), Value: v[i]}
	}
	return out
}

// FilterWrites maps standard-identifier rules onto the two MCP2515 filter
// chains. Rules are grouped by mask; at most two distinct masks, two
// filters for the first and four for the second. Unused filter slots
// repeat the chain's first filter. No rules opens both masks.
func FilterWrites(rules []can.FilterRule) ([]RegisterWrite, error) {
	if len(rules) == 0 {
		var open [4]byte
		return append(writes4(regRXM0, open), writes4(regRXM1, open)...), nil
	}

	var masks []uint32
	groups := map[uint32][]uint32{}
	for _, r := range rules {
		if _, ok := groups[r.Mask]; !ok {
			masks = append(masks, r.Mask)
		}
		groups[r.Mask] = append(groups[r.Mask], r.ID)
	}
	if len(masks) > 2 {
		return nil, fmt.Errorf("%w: %d distinct masks", ErrTooManyFilters, len(masks))
	}

	var chainMask [2]uint32
	var chainIDs [2][]uint32
	if len(masks) == 1 {
		ids := groups[masks[0]]
		if len(ids) > len(chain0)+len(chain1) {
			return nil, fmt.Errorf("%w: %d filters for mask %03X", ErrTooManyFilters, len(ids), masks[0])
		}
		chainMask = [2]uint32{masks[0], masks[0]}
		if len(ids) <= len(chain0) {
			chainIDs = [2][]uint32{ids, ids}
		} else {
			chainIDs = [2][]uint32{ids[:len(chain0)], ids[len(chain0):]}
		}
	} else {
		// The larger group gets the four-filter chain
		if len(groups[masks[0]]) > len(groups[masks[1]]) {
			masks[0], masks[1] = masks[1], masks[0]
		}
		chainMask = [2]uint32{masks[0], masks[1]}
		chainIDs = [2][]uint32{groups[masks[0]], groups[masks[1]]}
	}

	var out []RegisterWrite
	for i, ch := range []struct {
		mask    byte
		filters []byte
	}{{regRXM0, chain0}, {regRXM1, chain1}} {
		ids := chainIDs[i]
		if len(ids) > len(ch.filters) {
			return nil, fmt.Errorf("%w: %d filters for mask %03X", ErrTooManyFilters, len(ids), chainMask[i])
		}
		out = append(out, writes4(ch.mask, idRegisters(chainMask[i]&can.MaxStandardID, false))...)
		for j, reg := range ch.filters {
			id := ids[0]
			if j < len(ids) {
				id = ids[j]
			}
			out = append(out, writes4(reg, idRegisters(id&can.MaxStandardID, false))...)
		}
	}
	return out, nil
}
