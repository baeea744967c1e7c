// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package usbtin drives a USBtin USB-to-CAN adapter over its ASCII line
// protocol and exposes it as a can.Bus.
package usbtin

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/Thermoquad/lpcflash/pkg/can"
)

// Line protocol bytes
const (
	CR  = '\r'
	BEL = 0x07
)

// USB identity of the adapter's CDC port
const (
	VendorID  = "04D8"
	ProductID = "000A"
)

// maxLineLength covers "T" + 8 id + 1 len + 16 data + 4 timestamp
const maxLineLength = 32

var (
	ErrLineTooLong = errors.New("usbtin: line too long")
	ErrBadLine     = errors.New("usbtin: malformed line")
)

// MessageKind classifies a decoded line
type MessageKind int

const (
	KindFrame MessageKind = iota // received CAN frame
	KindAck                      // empty line or z/Z transmit acknowledge
	KindReply                    // text reply (V, v, N)
	KindError                    // BEL
)

func (k MessageKind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindAck:
		return "ack"
	case KindReply:
		return "reply"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
}

// Message is one decoded adapter line
type Message struct {
	Kind  MessageKind
	Frame can.Frame
	Text  string // raw line without terminator
}

// EncodeFrame formats f as a transmit command without the terminator
func EncodeFrame(f can.Frame) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}

	var cmd byte
	switch {
	case f.Extended && f.RTR:
		cmd = 'R'
	case f.Extended:
		cmd = 'T'
	case f.RTR:
		cmd = 'r'
	default:
		cmd = 't'
	}

	var s string
	if f.Extended {
		s = fmt.Sprintf("%c%08X%d", cmd, f.ID, f.Len)
	} else {
		s = fmt.Sprintf("%c%03X%d", cmd, f.ID, f.Len)
	}
	if !f.RTR {
		for _, b := range f.Payload() {
			s += fmt.Sprintf("%02X", b)
		}
	}
	return s, nil
}

// ParseFrame decodes a received frame line (t, T, r or R). A trailing
// four-digit timestamp is ignored.
func ParseFrame(line string) (can.Frame, error) {
	if len(line) == 0 {
		return can.Frame{}, ErrBadLine
	}

	var f can.Frame
	idLen := 3
	switch line[0] {
	case 't':
	case 'r':
		f.RTR = true
	case 'T':
		f.Extended = true
		idLen = 8
	case 'R':
		f.Extended = true
		f.RTR = true
		idLen = 8
	default:
		return can.Frame{}, fmt.Errorf("%w: %q", ErrBadLine, line)
	}

	if len(line) < 1+idLen+1 {
		return can.Frame{}, fmt.Errorf("%w: %q too short", ErrBadLine, line)
	}

	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w: id in %q", ErrBadLine, line)
	}
	f.ID = uint32(id)

	dlc := line[1+idLen]
	if dlc < '0' || dlc > '8' {
		return can.Frame{}, fmt.Errorf("%w: length in %q", ErrBadLine, line)
	}
	f.Len = dlc - '0'

	pos := 2 + idLen
	if !f.RTR {
		need := pos + 2*int(f.Len)
		if len(line) < need {
			return can.Frame{}, fmt.Errorf("%w: %q truncated", ErrBadLine, line)
		}
		for i := 0; i < int(f.Len); i++ {
			v, err := strconv.ParseUint(line[pos+2*i:pos+2*i+2], 16, 8)
			if err != nil {
				return can.Frame{}, fmt.Errorf("%w: data in %q", ErrBadLine, line)
			}
			f.Data[i] = byte(v)
		}
		pos = need
	}

	if rest := len(line) - pos; rest != 0 && rest != 4 {
		return can.Frame{}, fmt.Errorf("%w: %q has trailing bytes", ErrBadLine, line)
	}

	if err := f.Validate(); err != nil {
		return can.Frame{}, fmt.Errorf("%w: %v", ErrBadLine, err)
	}
	return f, nil
}

// Decoder splits the adapter byte stream into messages
type Decoder struct {
	line []byte
}

// NewDecoder creates a decoder
func NewDecoder() *Decoder {
	return &Decoder{line: make([]byte, 0, maxLineLength)}
}

// Reset discards a partial line
func (d *Decoder) Reset() {
	d.line = d.line[:0]
}

// DecodeByte feeds one byte. It returns a message when a line completes, or
// nil if more bytes are needed.
func (d *Decoder) DecodeByte(b byte) (*Message, error) {
	switch b {
	case BEL:
		d.Reset()
		return &Message{Kind: KindError}, nil
	case '\n':
		return nil, nil
	case CR:
		line := string(d.line)
		d.Reset()
		return decodeLine(line)
	}

	if len(d.line) >= maxLineLength {
		d.Reset()
		return nil, ErrLineTooLong
	}
	d.line = append(d.line, b)
	return nil, nil
}

func decodeLine(line string) (*Message, error) {
	if line == "" {
		return &Message{Kind: KindAck}, nil
	}

	switch line[0] {
	case 'z', 'Z':
		return &Message{Kind: KindAck, Text: line}, nil
	case 't', 'T', 'r', 'R':
		f, err := ParseFrame(line)
		if err != nil {
			return nil, err
		}
		return &Message{Kind: KindFrame, Frame: f, Text: line}, nil
	default:
		return &Message{Kind: KindReply, Text: line}, nil
	}
}
