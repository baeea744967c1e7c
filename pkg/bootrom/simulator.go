// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bootrom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Thermoquad/lpcflash/pkg/can"
	"github.com/Thermoquad/lpcflash/pkg/flashimage"
	"github.com/Thermoquad/lpcflash/pkg/sdo"
)

// Boot ROM defaults. Node and flash geometry come from the client packages.
const (
	DefaultBitrate    = 100000
	DefaultDeviceType = "LPC1"
)

// SDO abort codes the simulator uses outside the ISP status range
const (
	abortToggle        = 0x05030000
	abortCommand       = 0x05040001
	abortNoObject      = 0x06020000
	abortNoSubindex    = 0x06090011
	abortLengthInvalid = 0x06070010
)

var (
	ErrAlreadyConnected = errors.New("bootrom: already connected")
	ErrNotConnected     = errors.New("bootrom: not connected")
	ErrChannelClosed    = errors.New("bootrom: channel not open")
	ErrListenOnly       = errors.New("bootrom: channel is listen-only")
)

// ResponseHook sees every response before delivery. It may modify the
// frame, or return false to drop it.
type ResponseHook func(req, resp can.Frame) (can.Frame, bool)

// Option configures a Simulator
type Option func(*Simulator)

// WithGeometry sets the flash size and sector size
func WithGeometry(flashSize, sectorSize int) Option {
	return func(s *Simulator) {
		s.flash = bytes.Repeat([]byte{0xFF}, flashSize)
		s.sectorSize = sectorSize
	}
}

// WithFlash preloads flash contents from address 0
func WithFlash(data []byte) Option {
	return func(s *Simulator) {
		copy(s.flash, data)
	}
}

// WithIdentity sets the 0x1018 vendor, product and revision values
func WithIdentity(vendor, product, revision uint32) Option {
	return func(s *Simulator) {
		s.identity = [3]uint32{vendor, product, revision}
	}
}

// WithSerialNumber sets the four 0x5100 words
func WithSerialNumber(serial [4]uint32) Option {
	return func(s *Simulator) {
		s.serial = serial
	}
}

// WithBitrate sets the bus speed the ROM listens at; other speeds see no answers
func WithBitrate(bitrate int) Option {
	return func(s *Simulator) {
		s.bitrate = bitrate
	}
}

// WithStuckByte makes the flash byte at addr read back inverted in bit 0
// after it is programmed
func WithStuckByte(addr uint32) Option {
	return func(s *Simulator) {
		s.stuck = append(s.stuck, addr)
	}
}

// WithResponseHook installs a response hook
func WithResponseHook(h ResponseHook) Option {
	return func(s *Simulator) {
		s.hook = h
	}
}

// Execution records a start request
type Execution struct {
	Started bool
	Address uint32
	Mode    byte
}

// Simulator is an in-memory LPC11C2x boot ROM reached through can.Bus. It
// answers asynchronously from its own delivery goroutine.
type Simulator struct {
	mu sync.Mutex

	node       uint8
	bitrate    int
	deviceType string
	identity   [3]uint32
	serial     [4]uint32
	hook       ResponseHook
	stuck      []uint32

	// bus state
	connected bool
	open      bool
	mode      can.Mode
	busRate   int
	filters   []can.FilterRule
	handler   can.Handler
	outbox    chan can.Frame
	wg        sync.WaitGroup
	requests  []can.Frame

	// memory
	flash      []byte
	ram        []byte
	sectorSize int

	// ISP state
	unlocked      bool
	prepared      bool
	prepFirst     int
	prepLast      int
	ramWrite      uint32
	copyFlash     uint32
	copyRAM       uint32
	compareA      uint32
	compareB      uint32
	compareOffset uint32
	blankOffset   uint32
	execAddr      uint32
	execMode      byte
	exec          Execution

	// segmented download in progress
	segActive bool
	segIndex  uint16
	segSub    uint8
	segSize   int
	segToggle bool
	segData   []byte
}

// NewSimulator creates a blank, locked device
func NewSimulator(opts ...Option) *Simulator {
	s := &Simulator{
		node:       sdo.DefaultNode,
		bitrate:    DefaultBitrate,
		deviceType: DefaultDeviceType,
		identity:   [3]uint32{0x00000015, 0x1A24302B, 0x00000001},
		flash:      bytes.Repeat([]byte{0xFF}, flashimage.DefaultSize),
		ram:        make([]byte, RAMSize),
		sectorSize: flashimage.DefaultSectorSize,
		execMode:   ModeThumb,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================================
// can.Bus
// ============================================================================

func (s *Simulator) Connect(port string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return ErrAlreadyConnected
	}
	s.connected = true
	s.outbox = make(chan can.Frame, 64)
	s.wg.Add(1)
	go s.deliver(s.outbox)
	return nil
}

func (s *Simulator) Disconnect() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	s.open = false
	close(s.outbox)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Simulator) SetFilter(rules []can.FilterRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.filters = append([]can.FilterRule(nil), rules...)
	return nil
}

func (s *Simulator) OpenChannel(bitrate int, mode can.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.open = true
	s.mode = mode
	s.busRate = bitrate
	return nil
}

func (s *Simulator) CloseChannel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *Simulator) OnFrame(h can.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Send hands a request to the ROM. The answer, if any, arrives through the
// registered handler from the delivery goroutine.
func (s *Simulator) Send(f can.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !s.connected:
		return ErrNotConnected
	case !s.open:
		return ErrChannelClosed
	case s.mode == can.ModeListenOnly:
		return ErrListenOnly
	}

	s.requests = append(s.requests, f)

	if s.busRate != s.bitrate || s.exec.Started {
		return nil
	}
	if f.ID != 0x600+uint32(s.node) || f.Extended || f.RTR || f.Len != 8 {
		return nil
	}

	resp := s.handle(f.Data)
	out := can.Frame{ID: 0x580 + uint32(s.node), Len: 8, Data: resp}
	if s.hook != nil {
		var keep bool
		if out, keep = s.hook(f, out); !keep {
			return nil
		}
	}
	if !can.Accept(s.filters, out.ID) {
		return nil
	}

	select {
	case s.outbox <- out:
	default:
		// bus overrun: the response is lost
	}
	return nil
}

func (s *Simulator) deliver(outbox <-chan can.Frame) {
	defer s.wg.Done()
	for f := range outbox {
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h(f)
		}
	}
}

// ============================================================================
// Inspection
// ============================================================================

// Describe names the simulated device
func (s *Simulator) Describe() string {
	return fmt.Sprintf("simulator %s node 0x%02X", s.deviceType, s.node)
}

// Flash returns a copy of flash memory
func (s *Simulator) Flash() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.flash)
}

// Execution reports whether the application was started
func (s *Simulator) Execution() Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec
}

// Requests returns every frame sent while the channel was open
func (s *Simulator) Requests() []can.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// Connected reports whether the bus is connected
func (s *Simulator) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ChannelOpen reports whether the channel is open
func (s *Simulator) ChannelOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Unlocked reports whether the unlock code was accepted
func (s *Simulator) Unlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked
}

// ============================================================================
// SDO server
// ============================================================================

func (s *Simulator) handle(req [8]byte) [8]byte {
	cmd := req[0]
	index := binary.LittleEndian.Uint16(req[1:3])
	sub := req[3]

	switch cmd >> 5 {
	case 1: // initiate download
		s.segActive = false
		expedited := cmd&0x02 != 0
		sized := cmd&0x01 != 0
		if expedited {
			n := 4
			if sized {
				n = 4 - int(cmd>>2&0x03)
			}
			if code := s.write(index, sub, req[4:4+n]); code != 0 {
				return abortFrame(index, sub, code)
			}
			return ackFrame(0x60, index, sub)
		}
		s.segActive = true
		s.segIndex = index
		s.segSub = sub
		s.segToggle = false
		s.segData = s.segData[:0]
		s.segSize = -1
		if sized {
			s.segSize = int(binary.LittleEndian.Uint32(req[4:8]))
		}
		return ackFrame(0x60, index, sub)

	case 0: // download segment
		if !s.segActive {
			return abortFrame(0, 0, abortCommand)
		}
		toggle := cmd&0x10 != 0
		if toggle != s.segToggle {
			s.segActive = false
			return abortFrame(s.segIndex, s.segSub, abortToggle)
		}
		n := 7 - int(cmd>>1&0x07)
		s.segData = append(s.segData, req[1:1+n]...)
		ack := byte(0x20)
		if toggle {
			ack = 0x30
		}
		s.segToggle = !s.segToggle

		if cmd&0x01 != 0 {
			s.segActive = false
			if s.segSize >= 0 && s.segSize != len(s.segData) {
				return abortFrame(s.segIndex, s.segSub, abortLengthInvalid)
			}
			if code := s.write(s.segIndex, s.segSub, s.segData); code != 0 {
				return abortFrame(s.segIndex, s.segSub, code)
			}
		}
		return [8]byte{ack}

	case 2: // initiate upload
		value, code := s.read(index, sub)
		if code != 0 {
			return abortFrame(index, sub, code)
		}
		resp := ackFrame(0x43, index, sub)
		binary.LittleEndian.PutUint32(resp[4:8], value)
		return resp

	case 4: // client abort
		s.segActive = false
		return abortFrame(index, sub, abortCommand)

	default:
		return abortFrame(index, sub, abortCommand)
	}
}

func ackFrame(cmd byte, index uint16, sub uint8) [8]byte {
	var f [8]byte
	f[0] = cmd
	binary.LittleEndian.PutUint16(f[1:3], index)
	f[3] = sub
	return f
}

func abortFrame(index uint16, sub uint8, code uint32) [8]byte {
	f := ackFrame(0x80, index, sub)
	binary.LittleEndian.PutUint32(f[4:8], code)
	return f
}

func le32(data []byte) uint32 {
	var buf [4]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint32(buf[:])
}

func (s *Simulator) read(index uint16, sub uint8) (uint32, uint32) {
	switch index {
	case IndexDeviceType:
		if sub != 0 {
			return 0, abortNoSubindex
		}
		return le32([]byte(s.deviceType)), 0
	case IndexIdentity:
		if sub == 0 {
			return 3, 0
		}
		if sub > 3 {
			return 0, abortNoSubindex
		}
		return s.identity[sub-1], 0
	case IndexSerialNumber:
		if sub == 0 {
			return 4, 0
		}
		if sub > 4 {
			return 0, abortNoSubindex
		}
		return s.serial[sub-1], 0
	case IndexCompare:
		if sub == SubCompareB {
			return s.compareOffset, 0
		}
		return 0, abortNoSubindex
	case IndexBlankCheck:
		if sub == SubBlankOff {
			return s.blankOffset, 0
		}
		return 0, abortNoSubindex
	case IndexExecute:
		if sub == SubExecAddr {
			return s.execAddr, 0
		}
		return 0, abortNoSubindex
	}
	return 0, abortNoObject
}

func (s *Simulator) write(index uint16, sub uint8, data []byte) uint32 {
	switch index {
	case IndexUnlock:
		if len(data) < 2 || binary.LittleEndian.Uint16(data) != UnlockCode {
			return AbortCode(StatusInvalidCode)
		}
		s.unlocked = true
		return 0

	case IndexRAMWrite:
		addr := le32(data)
		if addr < RAMBase || addr >= RAMBase+RAMSize {
			return AbortCode(StatusAddrNotMapped)
		}
		if addr%4 != 0 {
			return AbortCode(StatusAddrError)
		}
		s.ramWrite = addr
		return 0

	case IndexProgramData:
		if sub != 1 {
			return abortNoSubindex
		}
		off := int(s.ramWrite - RAMBase)
		if s.ramWrite == 0 || off+len(data) > len(s.ram) {
			return AbortCode(StatusSrcAddrNotMapped)
		}
		copy(s.ram[off:], data)
		return 0

	case IndexPrepare:
		first, last, status := s.sectorRange(data)
		if status != StatusSuccess {
			return AbortCode(status)
		}
		s.prepared = true
		s.prepFirst, s.prepLast = first, last
		return 0

	case IndexErase:
		if !s.unlocked {
			return AbortCode(StatusCmdLocked)
		}
		first, last, status := s.sectorRange(data)
		if status != StatusSuccess {
			return AbortCode(status)
		}
		if !s.isPrepared(first, last) {
			return AbortCode(StatusSectorNotPrepared)
		}
		for i := first * s.sectorSize; i < (last+1)*s.sectorSize; i++ {
			s.flash[i] = 0xFF
		}
		s.prepared = false
		return 0

	case IndexBlankCheck:
		if sub != SubBlankRange {
			return abortNoSubindex
		}
		first, last, status := s.sectorRange(data)
		if status != StatusSuccess {
			return AbortCode(status)
		}
		for i := first * s.sectorSize; i < (last+1)*s.sectorSize; i++ {
			if s.flash[i] != 0xFF {
				s.blankOffset = uint32(i)
				return AbortCode(StatusSectorNotBlank)
			}
		}
		s.blankOffset = 0
		return 0

	case IndexCopy:
		switch sub {
		case SubCopyFlash:
			s.copyFlash = le32(data)
			return 0
		case SubCopyRAM:
			s.copyRAM = le32(data)
			return 0
		case SubCopyCount:
			return s.copyToFlash(le32(data))
		}
		return abortNoSubindex

	case IndexCompare:
		switch sub {
		case SubCompareA:
			s.compareA = le32(data)
			return 0
		case SubCompareB:
			s.compareB = le32(data)
			return 0
		case SubCompareLen:
			return s.compare(le32(data))
		}
		return abortNoSubindex

	case IndexExecute:
		switch sub {
		case SubExecAddr:
			s.execAddr = le32(data)
			return 0
		case SubExecMode:
			if len(data) > 0 {
				s.execMode = data[0]
			}
			return 0
		}
		return abortNoSubindex

	case IndexProgramControl:
		if sub != 1 {
			return abortNoSubindex
		}
		if len(data) == 0 || data[0] != StartApp {
			return AbortCode(StatusParamError)
		}
		if !s.unlocked {
			return AbortCode(StatusCmdLocked)
		}
		s.exec = Execution{Started: true, Address: s.execAddr, Mode: s.execMode}
		return 0
	}
	return abortNoObject
}

func (s *Simulator) sectorRange(data []byte) (int, int, Status) {
	if len(data) == 0 {
		return 0, 0, StatusParamError
	}
	first := int(data[0])
	last := first
	if len(data) > 1 {
		last = int(data[1])
	}
	if first > last || last >= len(s.flash)/s.sectorSize {
		return 0, 0, StatusInvalidSector
	}
	return first, last, StatusSuccess
}

func (s *Simulator) isPrepared(first, last int) bool {
	return s.prepared && s.prepFirst <= first && last <= s.prepLast
}

func (s *Simulator) copyToFlash(count uint32) uint32 {
	if !s.unlocked {
		return AbortCode(StatusCmdLocked)
	}
	if s.copyFlash%256 != 0 {
		return AbortCode(StatusDstAddrError)
	}
	if s.copyRAM%4 != 0 {
		return AbortCode(StatusSrcAddrError)
	}
	if !slices.Contains(CopySizes, count) {
		return AbortCode(StatusCountError)
	}
	if s.copyFlash+count > uint32(len(s.flash)) {
		return AbortCode(StatusDstAddrNotMapped)
	}
	if s.copyRAM < RAMBase || s.copyRAM+count > RAMBase+RAMSize {
		return AbortCode(StatusSrcAddrNotMapped)
	}
	first := int(s.copyFlash) / s.sectorSize
	last := int(s.copyFlash+count-1) / s.sectorSize
	if !s.isPrepared(first, last) {
		return AbortCode(StatusSectorNotPrepared)
	}

	src := s.ram[s.copyRAM-RAMBase:]
	for i := uint32(0); i < count; i++ {
		// Programming only clears bits
		s.flash[s.copyFlash+i] &= src[i]
	}
	for _, addr := range s.stuck {
		if addr >= s.copyFlash && addr < s.copyFlash+count {
			s.flash[addr] ^= 0x01
		}
	}
	s.prepared = false
	return 0
}

func (s *Simulator) memory(addr, count uint32) []byte {
	switch {
	case addr+count <= uint32(len(s.flash)):
		return s.flash[addr : addr+count]
	case addr >= RAMBase && addr+count <= RAMBase+RAMSize:
		return s.ram[addr-RAMBase : addr-RAMBase+count]
	}
	return nil
}

func (s *Simulator) compare(count uint32) uint32 {
	if count%4 != 0 {
		return AbortCode(StatusCountError)
	}
	if s.compareA%4 != 0 || s.compareB%4 != 0 {
		return AbortCode(StatusAddrError)
	}
	a := s.memory(s.compareA, count)
	b := s.memory(s.compareB, count)
	if a == nil || b == nil {
		return AbortCode(StatusAddrNotMapped)
	}

	s.compareOffset = 0
	for i := range a {
		if a[i] != b[i] {
			s.compareOffset = uint32(i)
			return AbortCode(StatusCompareError)
		}
	}
	return 0
}
