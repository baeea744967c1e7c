// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ihex

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/Thermoquad/lpcflash/pkg/flashimage"
)

// Reporter receives human-readable notices such as skipped record types
type Reporter interface {
	Report(text string)
}

// Option configures Decode
type Option func(*Decoder)

// WithReporter routes notices about ignored records to r
func WithReporter(r Reporter) Option {
	return func(d *Decoder) {
		d.reporter = r
	}
}

// Record is a single decoded line
type Record struct {
	Length   uint8
	Address  uint16
	Type     uint8
	Data     []byte
	Checksum uint8
}

// Decoder places Intel HEX records into a flash image
type Decoder struct {
	img      *flashimage.Image
	reporter Reporter

	line            int
	extendedAddress int
	segmentAddress  int
	end             int
	done            bool
}

// NewDecoder creates a decoder writing into img
func NewDecoder(img *flashimage.Image, opts ...Option) *Decoder {
	d := &Decoder{img: img}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode reads every record from r into img until the EOF record or the
// end of input. It returns one past the highest data address written.
func Decode(r io.Reader, img *flashimage.Image, opts ...Option) (int, error) {
	d := NewDecoder(img, opts...)
	if err := d.ReadFrom(r); err != nil {
		return d.end, err
	}
	return d.end, nil
}

// ReadFrom consumes lines from r. Decoding stops at the first error.
func (d *Decoder) ReadFrom(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for !d.done && scanner.Scan() {
		if err := d.DecodeLine(scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read hex input: %w", err)
	}
	return nil
}

// Done reports whether the EOF record has been seen
func (d *Decoder) Done() bool {
	return d.done
}

// End returns one past the highest data address written so far
func (d *Decoder) End() int {
	return d.end
}

// DecodeLine processes one line of input. Lines after the EOF record are
// counted but not parsed.
func (d *Decoder) DecodeLine(line string) error {
	d.line++
	if d.done {
		return nil
	}

	line = strings.TrimRight(line, " \t\r\n")
	if line == "" {
		return nil
	}

	rec, err := ParseRecord(line)
	if err != nil {
		if fe, ok := err.(*FormatError); ok {
			fe.Line = d.line
		}
		return err
	}

	switch rec.Type {
	case RecordData:
		address := int(rec.Address) + d.extendedAddress + d.segmentAddress
		for _, b := range rec.Data {
			if err := d.img.SetByte(address, b); err != nil {
				return &FormatError{Line: d.line, Err: err}
			}
			address++
		}
		if address > d.end {
			d.end = address
		}

	case RecordEOF:
		d.done = true

	case RecordExtendedLinearAddress:
		value, err := d.addressPayload(rec)
		if err != nil {
			return err
		}
		d.extendedAddress = value << 16

	case RecordExtendedSegmentAddress:
		value, err := d.addressPayload(rec)
		if err != nil {
			return err
		}
		d.segmentAddress = value << 4

	case RecordStartSegmentAddress, RecordStartLinearAddress:
		// execution address is chosen by the caller

	default:
		d.report(fmt.Sprintf("Unknown record type in line %d: %02x\n", d.line, rec.Type))
	}

	return nil
}

// addressPayload returns the 16-bit big-endian value of an extension record
func (d *Decoder) addressPayload(rec *Record) (int, error) {
	if len(rec.Data) != 2 {
		return 0, &FormatError{
			Line:   d.line,
			Err:    ErrMalformed,
			Reason: fmt.Sprintf("%s record needs 2 data bytes, got %d", FormatRecordType(rec.Type), len(rec.Data)),
		}
	}
	return int(rec.Data[0])<<8 | int(rec.Data[1]), nil
}

func (d *Decoder) report(text string) {
	if d.reporter != nil {
		d.reporter.Report(text)
	}
}

// ParseRecord splits a single ":LLAAAATT..CC" line into its fields and
// verifies the checksum. Characters after the checksum are ignored.
// The returned FormatError carries line 0; Decoder fills in the line.
func ParseRecord(line string) (*Record, error) {
	if len(line) < 1+2*recordOverhead || line[0] != startCode {
		return nil, &FormatError{Err: ErrMalformed, Reason: "record too short or missing ':'"}
	}

	length, err := hex.DecodeString(line[1:3])
	if err != nil {
		return nil, &FormatError{Err: ErrMalformed, Reason: "bad length field"}
	}

	want := 1 + 2*(recordOverhead+int(length[0]))
	if len(line) < want {
		return nil, &FormatError{
			Err:    ErrMalformed,
			Reason: fmt.Sprintf("record declares %d data bytes but line has %d characters", length[0], len(line)),
		}
	}

	raw, err := hex.DecodeString(line[1:want])
	if err != nil {
		return nil, &FormatError{Err: ErrMalformed, Reason: "non-hex character"}
	}

	var sum byte
	for _, b := range raw {
		sum += b
	}
	if sum != 0 {
		return nil, &FormatError{Err: ErrChecksum}
	}

	n := int(raw[0])
	return &Record{
		Length:   raw[0],
		Address:  uint16(raw[1])<<8 | uint16(raw[2]),
		Type:     raw[3],
		Data:     raw[headerSize : headerSize+n],
		Checksum: raw[headerSize+n],
	}, nil
}
