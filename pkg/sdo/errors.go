// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sdo

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout matches every TimeoutError via errors.Is
var ErrTimeout = errors.New("sdo: timeout")

// TimeoutError reports a request that got no response in time
type TimeoutError struct {
	Index    uint16
	Subindex uint8
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("sdo %04X:%02X: timeout, no response within %v", e.Index, e.Subindex, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ProtocolError reports a response that does not fit the request
type ProtocolError struct {
	Index    uint16
	Subindex uint8
	Expected byte
	Actual   byte
	Reason   string
}

func (e *ProtocolError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("sdo %04X:%02X: %s", e.Index, e.Subindex, e.Reason)
	}
	return fmt.Sprintf("sdo %04X:%02X: not expected answer (is: 0x%02X, expected: 0x%02X)",
		e.Index, e.Subindex, e.Actual, e.Expected)
}

// AbortError is an SDO abort transfer sent by the server
type AbortError struct {
	Index    uint16
	Subindex uint8
	Code     uint32
}

func (e *AbortError) Error() string {
	if msg, ok := abortText[e.Code]; ok {
		return fmt.Sprintf("sdo abort 0x%08X @ %04X:%02X: %s", e.Code, e.Index, e.Subindex, msg)
	}
	return fmt.Sprintf("sdo abort 0x%08X @ %04X:%02X", e.Code, e.Index, e.Subindex)
}

// Common SDO abort codes (subset of CiA 301)
var abortText = map[uint32]string{
	0x05030000: "toggle bit not alternated",
	0x05040000: "SDO protocol timeout",
	0x05040001: "command specifier invalid or unknown",
	0x06010000: "unsupported access to object",
	0x06010001: "attempt to read a write-only object",
	0x06010002: "attempt to write a read-only object",
	0x06020000: "object does not exist",
	0x06040047: "internal incompatibility in device",
	0x06060000: "hardware error",
	0x06070010: "data type does not match (length)",
	0x06070012: "data type does not match (length too high)",
	0x06070013: "data type does not match (length too low)",
	0x06090011: "sub-index does not exist",
	0x06090030: "value range exceeded",
	0x08000000: "general error",
	0x08000020: "data cannot be transferred/stored",
	0x08000022: "device state",
}
