// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package flashimage models the flash contents of a target device as a
// fixed-size buffer with a tracked write footprint and sector geometry.
package flashimage

import (
	"encoding/binary"
	"fmt"
)

// Reference geometry of the LPC11C24 (32 KiB flash, 4 KiB sectors)
const (
	DefaultSize       = 32 * 1024
	DefaultSectorSize = 4 * 1024
)

// ErasedValue is the content of a never-written flash byte
const ErasedValue = 0xFF

// Vector table layout used by the boot ROM's valid-image check
const (
	vectorWords        = 7
	ChecksumOffset     = 0x1C
	vectorTableEntries = 8
)

// AddressError reports a write outside the image
type AddressError struct {
	Address int
	Size    int
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("address 0x%X outside image (size 0x%X)", e.Address, e.Size)
}

// Image is the in-memory copy of the target flash.
// The zero value is not usable; create images with New.
type Image struct {
	data       []byte
	sectorSize int
	wroteMin   int
	wroteMax   int
}

// New allocates an erased image of size bytes split into sectorSize sectors
func New(size, sectorSize int) *Image {
	if size <= 0 || sectorSize <= 0 {
		panic(fmt.Sprintf("flashimage: invalid geometry size=%d sector=%d", size, sectorSize))
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = ErasedValue
	}
	return &Image{
		data:       data,
		sectorSize: sectorSize,
		wroteMin:   size,
		wroteMax:   -1,
	}
}

// Size returns the image capacity in bytes
func (m *Image) Size() int {
	return len(m.data)
}

// SectorSize returns the erase unit in bytes
func (m *Image) SectorSize() int {
	return m.sectorSize
}

// SectorCount returns the number of sectors covering the image
func (m *Image) SectorCount() int {
	return (len(m.data) + m.sectorSize - 1) / m.sectorSize
}

// SetByte stores value at address and widens the write footprint
func (m *Image) SetByte(address int, value byte) error {
	if address < 0 || address >= len(m.data) {
		return &AddressError{Address: address, Size: len(m.data)}
	}

	m.data[address] = value

	if address < m.wroteMin {
		m.wroteMin = address
	}
	if address > m.wroteMax {
		m.wroteMax = address
	}
	return nil
}

// Write stores data starting at address. Bytes before the first
// out-of-range address are kept.
func (m *Image) Write(address int, data []byte) error {
	for i, b := range data {
		if err := m.SetByte(address+i, b); err != nil {
			return err
		}
	}
	return nil
}

// Empty reports whether nothing has been written yet
func (m *Image) Empty() bool {
	return m.wroteMax < m.wroteMin
}

// WroteMin returns the lowest written address (Size() when empty)
func (m *Image) WroteMin() int {
	return m.wroteMin
}

// WroteMax returns the highest written address (-1 when empty)
func (m *Image) WroteMax() int {
	return m.wroteMax
}

// WroteSectorMin returns the sector holding the lowest written address
func (m *Image) WroteSectorMin() int {
	return m.wroteMin / m.sectorSize
}

// WroteSectorMax returns the sector holding the highest written address
func (m *Image) WroteSectorMax() int {
	return m.wroteMax / m.sectorSize
}

// SectorStart returns the first address of sector
func (m *Image) SectorStart(sector int) int {
	return sector * m.sectorSize
}

// SectorRange returns the half-open address range [start, end) of sector
func (m *Image) SectorRange(sector int) (start, end int) {
	start = sector * m.sectorSize
	return start, start + m.sectorSize
}

// Sector returns a copy of the whole sector. The boot ROM always programs
// complete sectors, so the slice is not trimmed to the written footprint.
func (m *Image) Sector(sector int) []byte {
	start, end := m.SectorRange(sector)
	if start < 0 || start >= len(m.data) {
		return nil
	}
	if end > len(m.data) {
		end = len(m.data)
	}
	out := make([]byte, end-start)
	copy(out, m.data[start:end])
	return out
}

// Bytes exposes the backing buffer. Callers must not modify it.
func (m *Image) Bytes() []byte {
	return m.data
}

// vectorSum adds the first n little-endian words of the image
func (m *Image) vectorSum(n int) uint32 {
	var sum uint32
	for i := 0; i < n; i++ {
		sum += binary.LittleEndian.Uint32(m.data[i*4:])
	}
	return sum
}

// PatchChecksum stores the two's complement of the sum of vectors 0-6 in
// the reserved slot 7 so the whole table sums to zero. It must run after
// every other write to the vector table.
func (m *Image) PatchChecksum() uint32 {
	if len(m.data) < vectorTableEntries*4 {
		return 0
	}
	checksum := -m.vectorSum(vectorWords)
	binary.LittleEndian.PutUint32(m.data[ChecksumOffset:], checksum)
	return checksum
}

// VectorChecksumValid reports whether the vector table sums to zero
func (m *Image) VectorChecksumValid() bool {
	if len(m.data) < vectorTableEntries*4 {
		return false
	}
	return m.vectorSum(vectorTableEntries) == 0
}
