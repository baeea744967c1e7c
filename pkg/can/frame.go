// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package can defines classical CAN frames and the frame transport contract
// used by the SDO client.
package can

import (
	"errors"
	"fmt"
	"strings"
)

// Identifier limits
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
	MaxDataLength = 8
)

var (
	ErrInvalidID     = errors.New("can: invalid identifier")
	ErrInvalidLength = errors.New("can: invalid data length")
)

// Frame is a classical CAN 2.0A/2.0B frame
type Frame struct {
	ID       uint32 // 11-bit (standard) or 29-bit (extended)
	Extended bool
	RTR      bool
	Len      uint8 // 0..8
	Data     [8]byte
}

// NewFrame builds a standard data frame carrying data
func NewFrame(id uint32, data []byte) (Frame, error) {
	f := Frame{ID: id}
	if len(data) > MaxDataLength {
		return Frame{}, ErrInvalidLength
	}
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// MustFrame is NewFrame that panics on invalid input
func MustFrame(id uint32, data []byte) Frame {
	f, err := NewFrame(id, data)
	if err != nil {
		panic(err)
	}
	return f
}

// Validate returns an error if the identifier or length is out of range
func (f Frame) Validate() error {
	if f.Len > MaxDataLength {
		return ErrInvalidLength
	}
	if f.Extended {
		if f.ID > MaxExtendedID {
			return ErrInvalidID
		}
	} else if f.ID > MaxStandardID {
		return ErrInvalidID
	}
	return nil
}

// Payload returns the used data bytes
func (f Frame) Payload() []byte {
	n := f.Len
	if n > MaxDataLength {
		n = MaxDataLength
	}
	return f.Data[:n]
}

// String formats the frame candump-style: "67D [8] 2B 00 50 00 5A 5A 00 00"
func (f Frame) String() string {
	var s strings.Builder
	if f.Extended {
		fmt.Fprintf(&s, "%08X", f.ID)
	} else {
		fmt.Fprintf(&s, "%03X", f.ID)
	}
	fmt.Fprintf(&s, " [%d]", f.Len)
	if f.RTR {
		s.WriteString(" remote request")
		return s.String()
	}
	for _, b := range f.Payload() {
		fmt.Fprintf(&s, " %02X", b)
	}
	return s.String()
}
