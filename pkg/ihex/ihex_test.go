// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ihex

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"testing"

	"github.com/Thermoquad/lpcflash/pkg/flashimage"
	"github.com/marcinbor85/gohex"
)

// ============================================================
// Test Helpers
// ============================================================

// recordLine builds a valid record line with a correct checksum
func recordLine(address uint16, recType byte, data []byte) string {
	raw := []byte{byte(len(data)), byte(address >> 8), byte(address), recType}
	raw = append(raw, data...)
	var sum byte
	for _, b := range raw {
		sum += b
	}
	raw = append(raw, -sum)
	return fmt.Sprintf(":%X", raw)
}

// collectReporter records every reported notice
type collectReporter struct {
	messages []string
}

func (c *collectReporter) Report(text string) {
	c.messages = append(c.messages, text)
}

func newImage() *flashimage.Image {
	return flashimage.New(flashimage.DefaultSize, flashimage.DefaultSectorSize)
}

// ============================================================
// Record Parsing Tests
// ============================================================

func TestDecode_SingleDataRecord(t *testing.T) {
	img := newImage()
	input := ":10000000000102030405060708090A0B0C0D0E0F78\n:00000001FF\n"

	end, err := Decode(strings.NewReader(input), img)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	if end != 16 {
		t.Errorf("end = %d, want 16", end)
	}
	if img.WroteMin() != 0 || img.WroteMax() != 15 {
		t.Errorf("range %d-%d, want 0-15", img.WroteMin(), img.WroteMax())
	}
	for i := 0; i < 16; i++ {
		if img.Bytes()[i] != byte(i) {
			t.Errorf("byte %d = 0x%02X, want 0x%02X", i, img.Bytes()[i], i)
		}
	}
	if img.Bytes()[16] != flashimage.ErasedValue {
		t.Error("byte after record should stay erased")
	}
}

func TestDecode_CRLF(t *testing.T) {
	img := newImage()
	input := recordLine(0x0100, RecordData, []byte{0xDE, 0xAD}) + "\r\n" + ":00000001FF\r\n"

	if _, err := Decode(strings.NewReader(input), img); err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if img.Bytes()[0x100] != 0xDE || img.Bytes()[0x101] != 0xAD {
		t.Errorf("bytes = % X", img.Bytes()[0x100:0x102])
	}
}

func TestParseRecord_Fields(t *testing.T) {
	rec, err := ParseRecord(recordLine(0x1234, RecordData, []byte{1, 2, 3}))
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if rec.Length != 3 || rec.Address != 0x1234 || rec.Type != RecordData {
		t.Errorf("record = %+v", rec)
	}
	if !bytes.Equal(rec.Data, []byte{1, 2, 3}) {
		t.Errorf("data = % X", rec.Data)
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing colon", "10000000000102030405060708090A0B0C0D0E0F78"},
		{"too short", ":0000"},
		{"truncated data", ":10000000000102030405"},
		{"non-hex", ":0200000000ZZFE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.input+"\n"), newImage())
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("error = %v, want *FormatError", err)
			}
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("error = %v, want ErrMalformed", err)
			}
			if fe.Line != 1 {
				t.Errorf("line = %d, want 1", fe.Line)
			}
		})
	}
}

func TestDecode_ChecksumErrorStops(t *testing.T) {
	img := newImage()
	good := recordLine(0x0000, RecordData, []byte{0x11})
	bad := recordLine(0x0010, RecordData, []byte{0x22})
	bad = bad[:len(bad)-2] + "00" // wrong checksum
	after := recordLine(0x0020, RecordData, []byte{0x33})

	input := strings.Join([]string{good, bad, after}, "\n")
	_, err := Decode(strings.NewReader(input), img)

	var fe *FormatError
	if !errors.As(err, &fe) || !errors.Is(err, ErrChecksum) {
		t.Fatalf("error = %v, want checksum FormatError", err)
	}
	if fe.Line != 2 {
		t.Errorf("line = %d, want 2", fe.Line)
	}
	if img.Bytes()[0x20] != flashimage.ErasedValue {
		t.Error("decoding must stop at the failing line")
	}
	if img.Bytes()[0x00] != 0x11 {
		t.Error("lines before the failure should be applied")
	}
}

func TestDecode_AddressOutsideImage(t *testing.T) {
	img := newImage()
	input := recordLine(0x0000, RecordExtendedLinearAddress, []byte{0x00, 0x01}) + "\n" +
		recordLine(0x0000, RecordData, []byte{0xAA})

	_, err := Decode(strings.NewReader(input), img)
	var addrErr *flashimage.AddressError
	if !errors.As(err, &addrErr) {
		t.Fatalf("error = %v, want wrapped *AddressError", err)
	}
	var fe *FormatError
	if !errors.As(err, &fe) || fe.Line != 2 {
		t.Errorf("error = %v, want FormatError on line 2", err)
	}
}

// ============================================================
// Address Extension Tests
// ============================================================

func TestDecode_ExtendedLinearAddress(t *testing.T) {
	img := flashimage.New(0x30000, 0x1000)
	input := strings.Join([]string{
		recordLine(0x0010, RecordData, []byte{0x01}),
		recordLine(0x0000, RecordExtendedLinearAddress, []byte{0x00, 0x01}),
		recordLine(0x0010, RecordData, []byte{0x02}),
		recordLine(0x0000, RecordExtendedLinearAddress, []byte{0x00, 0x02}),
		recordLine(0x0010, RecordData, []byte{0x03}),
		":00000001FF",
	}, "\n")

	if _, err := Decode(strings.NewReader(input), img); err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	// The first record is not moved by the later extension
	if img.Bytes()[0x00010] != 0x01 {
		t.Error("data before extension record was relocated")
	}
	if img.Bytes()[0x10010] != 0x02 {
		t.Error("data after first extension missing")
	}
	// Second extension overwrites (0x20000), it does not accumulate (0x30000)
	if img.Bytes()[0x20010] != 0x03 {
		t.Error("second extension should replace the first")
	}
}

func TestDecode_ExtendedSegmentAddress(t *testing.T) {
	img := newImage()
	input := strings.Join([]string{
		recordLine(0x0000, RecordExtendedSegmentAddress, []byte{0x01, 0x00}),
		recordLine(0x0004, RecordData, []byte{0xAB}),
		recordLine(0x0000, RecordExtendedSegmentAddress, []byte{0x02, 0x00}),
		recordLine(0x0004, RecordData, []byte{0xCD}),
	}, "\n")

	if _, err := Decode(strings.NewReader(input), img); err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if img.Bytes()[0x1004] != 0xAB {
		t.Errorf("segment 0x100: byte = 0x%02X", img.Bytes()[0x1004])
	}
	if img.Bytes()[0x2004] != 0xCD {
		t.Errorf("segment 0x200: byte = 0x%02X", img.Bytes()[0x2004])
	}
}

func TestDecode_LinearAndSegmentCombine(t *testing.T) {
	img := flashimage.New(0x20000, 0x1000)
	input := strings.Join([]string{
		recordLine(0x0000, RecordExtendedSegmentAddress, []byte{0x00, 0x10}),
		recordLine(0x0000, RecordExtendedLinearAddress, []byte{0x00, 0x01}),
		recordLine(0x0002, RecordData, []byte{0x5A}),
	}, "\n")

	if _, err := Decode(strings.NewReader(input), img); err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	// 0x0002 + 0x10000 + (0x0010 << 4)
	if img.Bytes()[0x10102] != 0x5A {
		t.Error("linear and segment offsets should both apply")
	}
}

func TestDecode_ExtensionPayloadLength(t *testing.T) {
	input := recordLine(0x0000, RecordExtendedLinearAddress, []byte{0x01})
	_, err := Decode(strings.NewReader(input), newImage())
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("error = %v, want ErrMalformed", err)
	}
}

// ============================================================
// Record Type Handling Tests
// ============================================================

func TestDecode_StopsAtEOF(t *testing.T) {
	img := newImage()
	input := strings.Join([]string{
		recordLine(0x0000, RecordData, []byte{0x01}),
		":00000001FF",
		"this line is not a record",
		recordLine(0x0100, RecordData, []byte{0x02}),
	}, "\n")

	if _, err := Decode(strings.NewReader(input), img); err != nil {
		t.Fatalf("trailing lines after EOF must not fail: %v", err)
	}
	if img.WroteMax() != 0 {
		t.Errorf("WroteMax = %d, records after EOF were applied", img.WroteMax())
	}
}

func TestDecode_UnknownTypeReported(t *testing.T) {
	img := newImage()
	rep := &collectReporter{}
	input := strings.Join([]string{
		recordLine(0x0000, 0x07, []byte{0x00}),
		recordLine(0x0000, RecordStartSegmentAddress, []byte{0, 0, 0, 0}),
		recordLine(0x0000, RecordStartLinearAddress, []byte{0, 0, 0, 0xD5}),
		recordLine(0x0040, RecordData, []byte{0x99}),
	}, "\n")

	if _, err := Decode(strings.NewReader(input), img, WithReporter(rep)); err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(rep.messages) != 1 {
		t.Fatalf("reported %d messages, want 1: %q", len(rep.messages), rep.messages)
	}
	if !strings.Contains(rep.messages[0], "line 1") || !strings.Contains(rep.messages[0], "07") {
		t.Errorf("message = %q", rep.messages[0])
	}
	if img.Bytes()[0x40] != 0x99 {
		t.Error("decoding should continue after unknown record")
	}
}

// ============================================================
// Round-Trip Tests (gohex as independent encoder)
// ============================================================

func TestDecode_GohexRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	payload := make([]byte, 3000)
	rng.Read(payload)
	const base = 0x0C35

	mem := gohex.NewMemory()
	if err := mem.AddBinary(base, payload); err != nil {
		t.Fatalf("AddBinary: %v", err)
	}
	var buf bytes.Buffer
	if err := mem.DumpIntelHex(&buf, 16); err != nil {
		t.Fatalf("DumpIntelHex: %v", err)
	}

	img := newImage()
	end, err := Decode(&buf, img)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	if !bytes.Equal(img.Bytes()[base:base+len(payload)], payload) {
		t.Error("decoded bytes differ from encoded payload")
	}
	if img.WroteMin() != base || img.WroteMax() != base+len(payload)-1 {
		t.Errorf("range 0x%X-0x%X", img.WroteMin(), img.WroteMax())
	}
	if end != base+len(payload) {
		t.Errorf("end = 0x%X, want 0x%X", end, base+len(payload))
	}
}

func TestDecode_ChecksumBitFlipEveryLine(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	mem := gohex.NewMemory()
	if err := mem.AddBinary(0x200, payload); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := mem.DumpIntelHex(&buf, 16); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(strings.ReplaceAll(buf.String(), "\r", "")), "\n")

	for i := range lines {
		corrupted := make([]string, len(lines))
		copy(corrupted, lines)

		line := corrupted[i]
		last := line[len(line)-1]
		nibble, err := strconv.ParseUint(string(last), 16, 8)
		if err != nil {
			t.Fatalf("line %d: bad checksum digit %q", i+1, last)
		}
		corrupted[i] = line[:len(line)-1] + strconv.FormatUint(nibble^0x1, 16)

		_, err = Decode(strings.NewReader(strings.Join(corrupted, "\n")), newImage())
		var fe *FormatError
		if !errors.As(err, &fe) || !errors.Is(err, ErrChecksum) {
			t.Fatalf("line %d: error = %v, want checksum FormatError", i+1, err)
		}
		if fe.Line != i+1 {
			t.Errorf("flipped line %d but error names line %d", i+1, fe.Line)
		}
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	src := newImage()
	if err := src.Write(0x1FF0, []byte("firmware spanning a sector boundary")); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, src); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dst := newImage()
	if _, err := Decode(&buf, dst); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(src.Bytes(), dst.Bytes()) {
		t.Error("image changed across Encode/Decode")
	}
	if dst.WroteMin() != src.WroteMin() || dst.WroteMax() != src.WroteMax() {
		t.Errorf("footprint %d-%d, want %d-%d", dst.WroteMin(), dst.WroteMax(), src.WroteMin(), src.WroteMax())
	}
}

func TestEncode_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, newImage()); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dst := newImage()
	if _, err := Decode(&buf, dst); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !dst.Empty() {
		t.Error("empty image should encode to no data records")
	}
}
