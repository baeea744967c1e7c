// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lpcflash

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/lpcflash/pkg/bootrom"
	"github.com/Thermoquad/lpcflash/pkg/can"
	"github.com/Thermoquad/lpcflash/pkg/flashimage"
	"github.com/Thermoquad/lpcflash/pkg/ihex"
	"github.com/Thermoquad/lpcflash/pkg/sdo"
)

// ============================================================================
// Helpers
// ============================================================================

// firmware returns n deterministic bytes starting at address 0
func firmware(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}
	return data
}

// hexFile encodes data placed at addr as Intel HEX
func hexFile(t *testing.T, addr int, data []byte) string {
	t.Helper()
	img := flashimage.New(flashimage.DefaultSize, flashimage.DefaultSectorSize)
	if err := img.Write(addr, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var buf bytes.Buffer
	if err := ihex.Encode(&buf, img); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return buf.String()
}

type messages struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (m *messages) Report(text string) {
	m.mu.Lock()
	m.buf.WriteString(text)
	m.mu.Unlock()
}

func (m *messages) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.String()
}

type request struct {
	cmd   byte
	index uint16
	sub   uint8
}

// commandRequests drops download segments, keeping initiate/expedited frames
func commandRequests(frames []can.Frame) []request {
	var out []request
	for _, f := range frames {
		if f.Data[0]&0xE0 == 0 {
			continue
		}
		out = append(out, request{f.Data[0], binary.LittleEndian.Uint16(f.Data[1:3]), f.Data[3]})
	}
	return out
}

func abortResponse(req can.Frame, code uint32) can.Frame {
	resp := can.Frame{ID: 0x5FD, Len: 8}
	resp.Data[0] = 0x80
	copy(resp.Data[1:4], req.Data[1:4])
	binary.LittleEndian.PutUint32(resp.Data[4:8], code)
	return resp
}

func isRequest(req can.Frame, index uint16, sub uint8) bool {
	return req.Data[0]&0xE0 != 0 && binary.LittleEndian.Uint16(req.Data[1:3]) == index && req.Data[3] == sub
}

// ============================================================================
// Reset routine
// ============================================================================

func TestResetAddress(t *testing.T) {
	tests := []struct {
		wroteMax int
		want     int
	}{
		{-1, 0x200},
		{0x150, 0x200},
		{0x1FF, 0x200},
		{0x200, 0x204},
		{0x400, 0x404},
		{0x401, 0x404},
		{0x402, 0x404},
		{0x403, 0x404},
	}

	for _, tt := range tests {
		if got := ResetAddress(tt.wroteMax); got != tt.want {
			t.Errorf("ResetAddress(0x%X) = 0x%X, want 0x%X", tt.wroteMax, got, tt.want)
		}
	}
}

func TestInjectReset(t *testing.T) {
	img := flashimage.New(flashimage.DefaultSize, flashimage.DefaultSectorSize)
	if err := img.Write(0, firmware(0x151)); err != nil {
		t.Fatal(err)
	}

	addr, err := InjectReset(img)
	if err != nil {
		t.Fatalf("InjectReset: %v", err)
	}
	if addr != 0x200 {
		t.Errorf("addr = 0x%X, want 0x200", addr)
	}
	if !bytes.Equal(img.Bytes()[0x200:0x218], ResetRoutine[:]) {
		t.Error("routine bytes not placed")
	}
	if img.WroteMax() != 0x217 {
		t.Errorf("WroteMax = 0x%X, want 0x217", img.WroteMax())
	}
	// gap between data and routine stays erased
	if img.Bytes()[0x151] != 0xFF || img.Bytes()[0x1FF] != 0xFF {
		t.Error("gap was written")
	}
}

func TestInjectResetDoesNotFit(t *testing.T) {
	img := flashimage.New(0x400, 0x100)
	if err := img.SetByte(0x3F0, 0x00); err != nil {
		t.Fatal(err)
	}
	if _, err := InjectReset(img); err == nil {
		t.Error("expected error when routine overruns the image")
	}
}

func TestParseGoMode(t *testing.T) {
	tests := map[string]GoMode{
		"":        GoNone,
		"none":    GoNone,
		"Address": GoAddress,
		"reset":   GoReset,
	}
	for in, want := range tests {
		got, err := ParseGoMode(in)
		if err != nil || got != want {
			t.Errorf("ParseGoMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseGoMode("jump"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

// ============================================================================
// Image loading
// ============================================================================

func TestLoadImage(t *testing.T) {
	f := New(bootrom.NewSimulator())

	img, addr, err := f.LoadImage(strings.NewReader(hexFile(t, 0, firmware(100))), GoAddress, 0x1234)
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if addr != 0x1234 {
		t.Errorf("execution address = 0x%X", addr)
	}
	if img.WroteMin() != 0 || img.WroteMax() != 99 {
		t.Errorf("range = %d-%d", img.WroteMin(), img.WroteMax())
	}
	if !img.VectorChecksumValid() {
		t.Error("checksum not patched")
	}
}

func TestLoadImageEmpty(t *testing.T) {
	f := New(bootrom.NewSimulator())
	if _, _, err := f.LoadImage(strings.NewReader(":00000001FF\n"), GoNone, 0); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("err = %v, want ErrEmptyImage", err)
	}
}

func TestBadHexNeverTouchesBus(t *testing.T) {
	sim := bootrom.NewSimulator()
	f := New(sim)

	err := f.Flash(context.Background(), "sim", strings.NewReader(":0100000000FE\n"), GoNone, 0)
	var ferr *ihex.FormatError
	if !errors.As(err, &ferr) {
		t.Fatalf("err = %v, want FormatError", err)
	}
	if len(sim.Requests()) != 0 || sim.Connected() {
		t.Error("bus was used for a bad hex file")
	}
}

// ============================================================================
// Flash sessions
// ============================================================================

func TestFlashRequestSequence(t *testing.T) {
	sim := bootrom.NewSimulator()
	f := New(sim)

	err := f.Flash(context.Background(), "sim", strings.NewReader(hexFile(t, 0, firmware(16))), GoAddress, 0x1234)
	if err != nil {
		t.Fatalf("Flash: %v", err)
	}

	want := []request{
		{0x40, 0x1000, 0x00},
		{0x2B, 0x5000, 0x00},
		{0x2B, 0x5020, 0x00},
		{0x2B, 0x5030, 0x00},
		{0x23, 0x5015, 0x00},
		{0x21, 0x1F50, 0x01},
		{0x2B, 0x5020, 0x00},
		{0x23, 0x5050, 0x01},
		{0x23, 0x5050, 0x02},
		{0x2B, 0x5050, 0x03},
		{0x23, 0x5060, 0x01},
		{0x23, 0x5060, 0x02},
		{0x2B, 0x5060, 0x03},
		{0x23, 0x5070, 0x01},
		{0x2F, 0x1F51, 0x01},
	}

	frames := sim.Requests()
	got := commandRequests(frames)
	if len(got) != len(want) {
		t.Fatalf("got %d command requests, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	// one full sector in 7-byte segments
	if segments := len(frames) - len(got); segments != 586 {
		t.Errorf("segments = %d, want 586", segments)
	}

	if exec := sim.Execution(); !exec.Started || exec.Address != 0x1234 {
		t.Errorf("execution = %+v", exec)
	}
	if sim.Connected() || sim.ChannelOpen() {
		t.Error("session left the adapter open")
	}
}

func TestFlashWithReset(t *testing.T) {
	sim := bootrom.NewSimulator()
	msgs := &messages{}

	var mu sync.Mutex
	var phases []Phase
	f := New(sim, WithReporter(msgs), WithProgressCallback(func(p Progress) {
		mu.Lock()
		phases = append(phases, p.Phase)
		mu.Unlock()
	}))

	data := firmware(5000)
	hex := hexFile(t, 0, data)

	if err := f.Flash(context.Background(), "sim", strings.NewReader(hex), GoReset, 0); err != nil {
		t.Fatalf("Flash: %v", err)
	}

	// Same image prepared offline
	expected, addr, err := New(bootrom.NewSimulator()).LoadImage(strings.NewReader(hex), GoReset, 0)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 5000 {
		t.Errorf("reset address = %d, want 5000", addr)
	}

	flash := sim.Flash()
	if !bytes.Equal(flash[:2*flashimage.DefaultSectorSize], expected.Bytes()[:2*flashimage.DefaultSectorSize]) {
		t.Error("programmed flash differs from image")
	}
	for i := 2 * flashimage.DefaultSectorSize; i < len(flash); i++ {
		if flash[i] != 0xFF {
			t.Fatalf("byte 0x%X outside the written sectors is 0x%02X", i, flash[i])
		}
	}

	if exec := sim.Execution(); !exec.Started || exec.Address != 5000 {
		t.Errorf("execution = %+v", exec)
	}

	text := msgs.String()
	for _, want := range []string{"Place reset function at 0x1388", "Write sector 1", "GO to 0x1388", "Finished."} {
		if !strings.Contains(text, want) {
			t.Errorf("messages missing %q:\n%s", want, text)
		}
	}

	wantPhases := []Phase{PhaseLoading, PhaseConnecting, PhaseErasing, PhaseProgramming, PhaseProgramming, PhaseExecuting, PhaseComplete}
	mu.Lock()
	defer mu.Unlock()
	if len(phases) != len(wantPhases) {
		t.Fatalf("phases = %v", phases)
	}
	for i := range wantPhases {
		if phases[i] != wantPhases[i] {
			t.Errorf("phase %d = %s, want %s", i, phases[i], wantPhases[i])
		}
	}
}

func TestFlashNoGo(t *testing.T) {
	sim := bootrom.NewSimulator()
	f := New(sim)

	// data in sector 3 only
	hex := hexFile(t, 3*flashimage.DefaultSectorSize+0x40, firmware(64))
	if err := f.Flash(context.Background(), "sim", strings.NewReader(hex), GoNone, 0); err != nil {
		t.Fatalf("Flash: %v", err)
	}

	if sim.Execution().Started {
		t.Error("GoNone must not start the application")
	}
	for _, r := range commandRequests(sim.Requests()) {
		if r.index == bootrom.IndexExecute || r.index == bootrom.IndexProgramControl {
			t.Errorf("unexpected request %+v", r)
		}
	}

	flash := sim.Flash()
	if !bytes.Equal(flash[3*flashimage.DefaultSectorSize+0x40:3*flashimage.DefaultSectorSize+0x80], firmware(64)) {
		t.Error("sector 3 data missing")
	}
}

func TestFlashVerifyError(t *testing.T) {
	sim := bootrom.NewSimulator(bootrom.WithStuckByte(0x1020))
	f := New(sim)

	err := f.Flash(context.Background(), "sim", strings.NewReader(hexFile(t, 0, firmware(6000))), GoAddress, 0)
	var verr *VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want VerifyError", err)
	}
	if verr.Sector != 1 || verr.Offset != 0x20 {
		t.Errorf("VerifyError = %+v", verr)
	}
	if sim.Execution().Started {
		t.Error("application started after failed verify")
	}
	if sim.Connected() {
		t.Error("adapter left connected")
	}
}

func TestFlashVerifyWithoutReadback(t *testing.T) {
	sim := bootrom.NewSimulator(bootrom.WithStuckByte(0x10))
	f := New(sim, WithVerifyReadback(false))

	err := f.Flash(context.Background(), "sim", strings.NewReader(hexFile(t, 0, firmware(32))), GoNone, 0)
	var derr *DeviceError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want DeviceError", err)
	}
	if derr.Status != bootrom.StatusCompareError {
		t.Errorf("status = %v", derr.Status)
	}
	var aerr *sdo.AbortError
	if !errors.As(err, &aerr) {
		t.Error("DeviceError should unwrap to the SDO abort")
	}
}

func TestFlashTimeout(t *testing.T) {
	sim := bootrom.NewSimulator(bootrom.WithResponseHook(func(req, resp can.Frame) (can.Frame, bool) {
		return resp, !isRequest(req, bootrom.IndexErase, 0)
	}))
	f := New(sim, WithTimeout(50*time.Millisecond))

	err := f.Flash(context.Background(), "sim", strings.NewReader(hexFile(t, 0, firmware(32))), GoNone, 0)
	if !errors.Is(err, sdo.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if !strings.Contains(err.Error(), "erase sectors 0-0") {
		t.Errorf("error does not name the step: %v", err)
	}
	if sim.Connected() {
		t.Error("adapter left connected after timeout")
	}
}

func TestFlashUnlockRejected(t *testing.T) {
	sim := bootrom.NewSimulator(bootrom.WithResponseHook(func(req, resp can.Frame) (can.Frame, bool) {
		if isRequest(req, bootrom.IndexUnlock, 0) {
			return abortResponse(req, bootrom.AbortCode(bootrom.StatusInvalidCode)), true
		}
		return resp, true
	}))
	f := New(sim)

	err := f.Flash(context.Background(), "sim", strings.NewReader(hexFile(t, 0, firmware(32))), GoNone, 0)
	var derr *DeviceError
	if !errors.As(err, &derr) || derr.Status != bootrom.StatusInvalidCode || derr.Step != "unlock" {
		t.Errorf("err = %v, want unlock DeviceError", err)
	}
}

func TestFlashTransportError(t *testing.T) {
	sim := bootrom.NewSimulator()
	if err := sim.Connect("other"); err != nil {
		t.Fatal(err)
	}
	defer sim.Disconnect()

	f := New(sim)
	err := f.Flash(context.Background(), "sim", strings.NewReader(hexFile(t, 0, firmware(32))), GoNone, 0)

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if !errors.Is(err, bootrom.ErrAlreadyConnected) {
		t.Errorf("TransportError should unwrap to the bus error: %v", err)
	}
}

func TestFlashCanceled(t *testing.T) {
	sim := bootrom.NewSimulator()
	f := New(sim)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.Flash(ctx, "sim", strings.NewReader(hexFile(t, 0, firmware(32))), GoNone, 0)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want Canceled", err)
	}
	if len(sim.Requests()) != 0 {
		t.Error("requests sent after cancel")
	}
}

func TestProgramRejectsEmptyImage(t *testing.T) {
	f := New(bootrom.NewSimulator())
	img := flashimage.New(flashimage.DefaultSize, flashimage.DefaultSectorSize)
	if err := f.Program(context.Background(), "sim", img, GoNone, 0); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("err = %v", err)
	}
}

// ============================================================================
// Info and erase
// ============================================================================

func TestInfo(t *testing.T) {
	sim := bootrom.NewSimulator(
		bootrom.WithIdentity(0x15, 0x1A24302B, 2),
		bootrom.WithSerialNumber([4]uint32{0xDEADBEEF, 1, 2, 3}),
	)
	f := New(sim)

	info, err := f.Info(context.Background(), "sim")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.DeviceType != "LPC1" || info.VendorID != 0x15 || info.ProductCode != 0x1A24302B || info.Revision != 2 {
		t.Errorf("info = %+v", info)
	}
	if got := info.Serial(); got != "DEADBEEF-00000001-00000002-00000003" {
		t.Errorf("Serial() = %q", got)
	}
	if !strings.Contains(info.Adapter, "simulator") {
		t.Errorf("Adapter = %q", info.Adapter)
	}
}

func TestErase(t *testing.T) {
	sim := bootrom.NewSimulator(bootrom.WithFlash(firmware(3 * flashimage.DefaultSectorSize)))
	f := New(sim)

	if err := f.Erase(context.Background(), "sim", 0, 1); err != nil {
		t.Fatalf("Erase: %v", err)
	}

	flash := sim.Flash()
	for i := 0; i < 2*flashimage.DefaultSectorSize; i++ {
		if flash[i] != 0xFF {
			t.Fatalf("byte 0x%X not erased", i)
		}
	}
	if flash[2*flashimage.DefaultSectorSize] == 0xFF && flash[2*flashimage.DefaultSectorSize+1] == 0xFF {
		t.Error("sector 2 should be untouched")
	}
}

func TestEraseBlankCheckFails(t *testing.T) {
	sim := bootrom.NewSimulator(bootrom.WithResponseHook(func(req, resp can.Frame) (can.Frame, bool) {
		if isRequest(req, bootrom.IndexBlankCheck, bootrom.SubBlankRange) {
			return abortResponse(req, bootrom.AbortCode(bootrom.StatusSectorNotBlank)), true
		}
		return resp, true
	}))
	f := New(sim)

	err := f.Erase(context.Background(), "sim", 2, 3)
	var berr *BlankCheckError
	if !errors.As(err, &berr) {
		t.Fatalf("err = %v, want BlankCheckError", err)
	}
	if berr.First != 2 || berr.Last != 3 {
		t.Errorf("BlankCheckError = %+v", berr)
	}
}

func TestEraseInvalidRange(t *testing.T) {
	f := New(bootrom.NewSimulator())
	for _, r := range [][2]int{{-1, 0}, {3, 2}, {0, 8}} {
		if err := f.Erase(context.Background(), "sim", r[0], r[1]); err == nil {
			t.Errorf("Erase(%d, %d) should fail", r[0], r[1])
		}
	}
}

func TestEraseUsesImageGeometry(t *testing.T) {
	sim := bootrom.NewSimulator(bootrom.WithGeometry(16*1024, 4096))
	f := New(sim, WithImageGeometry(16*1024, 4096))

	if err := f.Erase(context.Background(), "sim", 0, 4); err == nil {
		t.Error("sector 4 is past the end of a 16 KiB part")
	}
	if err := f.Erase(context.Background(), "sim", 3, 3); err != nil {
		t.Errorf("Erase(3, 3): %v", err)
	}
}

func TestWrongBitrateTimesOut(t *testing.T) {
	sim := bootrom.NewSimulator()
	f := New(sim, WithBitrate(125000), WithTimeout(50*time.Millisecond))

	_, err := f.Info(context.Background(), "sim")
	if !errors.Is(err, sdo.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if !strings.Contains(err.Error(), "read device type") {
		t.Errorf("error does not name the step: %v", err)
	}
	if sim.Connected() {
		t.Error("adapter left connected")
	}
}

func TestSectorLimit(t *testing.T) {
	sim := bootrom.NewSimulator()
	f := New(sim, WithImageGeometry(512*1024, 1024))

	if err := f.Erase(context.Background(), "sim", 0, MaxSectors); err == nil {
		t.Error("Erase accepted a sector number that does not fit a byte")
	}

	img := flashimage.New(512*1024, 1024)
	if err := img.Write(MaxSectors*1024, firmware(16)); err != nil {
		t.Fatal(err)
	}
	img.PatchChecksum()
	if err := f.Program(context.Background(), "sim", img, GoNone, 0); err == nil {
		t.Error("Program accepted a sector number that does not fit a byte")
	}
	if len(sim.Requests()) != 0 || sim.Connected() {
		t.Error("bus was used for an unaddressable sector")
	}
}
