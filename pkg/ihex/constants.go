// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package ihex decodes Intel HEX firmware files into a flash image.
//
// Records have the form :LLAAAATT[DD...]CC where every field is two hex
// characters per byte. Data records are placed at the record address plus
// the current extended linear (type 04) and extended segment (type 02)
// offsets.
package ihex

// Record types
const (
	RecordData                   = 0x00
	RecordEOF                    = 0x01
	RecordExtendedSegmentAddress = 0x02
	RecordStartSegmentAddress    = 0x03
	RecordExtendedLinearAddress  = 0x04
	RecordStartLinearAddress     = 0x05
)

// Fixed record layout (in bytes, after the leading ':')
const (
	startCode      = ':'
	headerSize     = 4 // length + address(2) + type
	recordOverhead = headerSize + 1
)

// exportLineLength is the number of data bytes per line written by Encode
const exportLineLength = 16

// FormatRecordType returns a human-readable name for a record type
func FormatRecordType(t byte) string {
	switch t {
	case RecordData:
		return "DATA"
	case RecordEOF:
		return "EOF"
	case RecordExtendedSegmentAddress:
		return "EXTENDED_SEGMENT_ADDRESS"
	case RecordStartSegmentAddress:
		return "START_SEGMENT_ADDRESS"
	case RecordExtendedLinearAddress:
		return "EXTENDED_LINEAR_ADDRESS"
	case RecordStartLinearAddress:
		return "START_LINEAR_ADDRESS"
	default:
		return "UNKNOWN"
	}
}
