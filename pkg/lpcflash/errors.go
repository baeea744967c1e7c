// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lpcflash

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/lpcflash/pkg/bootrom"
	"github.com/Thermoquad/lpcflash/pkg/sdo"
)

// ErrEmptyImage is returned when the hex file carries no data records
var ErrEmptyImage = errors.New("hex file contains no data")

// TransportError wraps a failure of the CAN adapter itself
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DeviceError is an SDO abort carrying a boot ROM status code
type DeviceError struct {
	Step   string
	Status bootrom.Status
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: boot ROM: %s", e.Step, e.Status)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// VerifyError reports a sector whose flash contents differ from RAM
type VerifyError struct {
	Sector int
	Offset uint32 // first mismatch, relative to the sector start
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify sector %d: mismatch at offset 0x%X", e.Sector, e.Offset)
}

// BlankCheckError reports a byte left programmed after an erase
type BlankCheckError struct {
	First, Last int
	Offset      uint32
}

func (e *BlankCheckError) Error() string {
	return fmt.Sprintf("blank check sectors %d-%d: not blank at 0x%X", e.First, e.Last, e.Offset)
}

// stepError names the failed step and lifts boot ROM aborts into DeviceError
func stepError(step string, err error) error {
	var aerr *sdo.AbortError
	if errors.As(err, &aerr) {
		if st, ok := bootrom.StatusFromAbort(aerr.Code); ok {
			return &DeviceError{Step: step, Status: st, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", step, err)
}
