// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package lpcflash programs LPC11C2x flash through the C_CAN boot ROM.
//
// A session loads an Intel HEX file into an image, optionally places a
// reset routine, patches the vector table checksum and then walks the
// boot ROM through unlock, prepare, erase, and per-sector transfer, copy
// and compare before an optional jump into the new code.
package lpcflash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Thermoquad/lpcflash/pkg/bootrom"
	"github.com/Thermoquad/lpcflash/pkg/can"
	"github.com/Thermoquad/lpcflash/pkg/flashimage"
	"github.com/Thermoquad/lpcflash/pkg/ihex"
	"github.com/Thermoquad/lpcflash/pkg/sdo"
	"github.com/sirupsen/logrus"
)

// Describer is implemented by buses that can name the adapter behind them
type Describer interface {
	Describe() string
}

// Flasher drives one boot ROM session at a time over a can.Bus
type Flasher struct {
	bus      can.Bus
	client   *sdo.Client
	cfg      Config
	reporter Reporter
	progress ProgressCallback
	log      logrus.FieldLogger

	start time.Time
}

// New creates a Flasher bound to bus. The SDO client registers itself as
// the bus's frame handler.
func New(bus can.Bus, opts ...Option) *Flasher {
	silent := logrus.New()
	silent.SetOutput(io.Discard)

	f := &Flasher{
		bus:      bus,
		cfg:      DefaultConfig(),
		reporter: discardReporter{},
		log:      silent,
	}
	for _, opt := range opts {
		opt(f)
	}

	f.client = sdo.New(bus,
		sdo.WithNode(f.cfg.Node),
		sdo.WithTimeout(f.cfg.Timeout),
		sdo.WithLogger(f.log),
	)
	return f
}

// Config returns the effective configuration
func (f *Flasher) Config() Config {
	return f.cfg
}

// Stats returns the SDO request counters of this Flasher
func (f *Flasher) Stats() sdo.Statistics {
	return f.client.Stats()
}

func (f *Flasher) report(format string, args ...any) {
	f.reporter.Report(fmt.Sprintf(format, args...))
}

func (f *Flasher) notify(p Progress) {
	if f.progress == nil {
		return
	}
	p.Elapsed = time.Since(f.start)
	f.progress(p)
}

// ============================================================================
// Image preparation
// ============================================================================

// LoadImage decodes hex into a fresh image, places the reset routine when
// mode is GoReset and patches the vector table checksum. It returns the
// image and the execution address to use.
func (f *Flasher) LoadImage(hex io.Reader, mode GoMode, execAddr uint32) (*flashimage.Image, uint32, error) {
	img := flashimage.New(f.cfg.ImageSize, f.cfg.SectorSize)

	f.report("Load HEX file... ")
	if _, err := ihex.Decode(hex, img, ihex.WithReporter(f.reporter)); err != nil {
		f.report("\n")
		return nil, 0, err
	}
	if img.Empty() {
		f.report("\n")
		return nil, 0, ErrEmptyImage
	}
	f.report("range: %d-%d (sectors %d-%d)\n", img.WroteMin(), img.WroteMax(), img.WroteSectorMin(), img.WroteSectorMax())

	if mode == GoReset {
		addr, err := InjectReset(img)
		if err != nil {
			return nil, 0, err
		}
		execAddr = addr
		f.report("Place reset function at 0x%X... new range: %d-%d (sectors %d-%d)\n",
			addr, img.WroteMin(), img.WroteMax(), img.WroteSectorMin(), img.WroteSectorMax())
	}

	sum := img.PatchChecksum()
	f.log.WithField("checksum", fmt.Sprintf("0x%08X", sum)).Debug("vector table checksum patched")
	return img, execAddr, nil
}

// ============================================================================
// Sessions
// ============================================================================

// session connects, filters and opens the channel, runs fn, then always
// closes the channel and disconnects. A cleanup failure is returned only
// when fn succeeded.
func (f *Flasher) session(ctx context.Context, port string, fn func(ctx context.Context) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.report("Open adapter... ")
	if err := f.bus.Connect(port); err != nil {
		f.report("\n")
		return &TransportError{Op: "connect " + port, Err: err}
	}

	opened := false
	defer func() {
		var cleanup error
		if opened {
			if cerr := f.bus.CloseChannel(); cerr != nil {
				cleanup = &TransportError{Op: "close channel", Err: cerr}
			}
		}
		if derr := f.bus.Disconnect(); derr != nil && cleanup == nil {
			cleanup = &TransportError{Op: "disconnect", Err: derr}
		}
		if cleanup == nil {
			return
		}
		if err == nil {
			err = cleanup
			return
		}
		f.log.WithError(cleanup).Warn("cleanup after failed session")
	}()

	if d, ok := f.bus.(Describer); ok {
		f.report("%s\n", d.Describe())
	} else {
		f.report("\n")
	}

	filter := []can.FilterRule{{Mask: can.MaxStandardID, ID: f.client.ResponseID()}}
	if err := f.bus.SetFilter(filter); err != nil {
		return &TransportError{Op: "set filter", Err: err}
	}
	if err := f.bus.OpenChannel(f.cfg.Bitrate, can.ModeActive); err != nil {
		return &TransportError{Op: "open channel", Err: err}
	}
	opened = true

	return fn(ctx)
}

// Flash programs the image described by hex and optionally starts it.
// With GoAddress execution begins at execAddr; with GoReset at the
// injected reset routine.
func (f *Flasher) Flash(ctx context.Context, port string, hex io.Reader, mode GoMode, execAddr uint32) error {
	f.start = time.Now()
	f.notify(Progress{Phase: PhaseLoading})

	img, execAddr, err := f.LoadImage(hex, mode, execAddr)
	if err != nil {
		return err
	}
	return f.program(ctx, port, img, mode, execAddr)
}

// Program writes an already prepared image. The image must have its
// checksum patched.
func (f *Flasher) Program(ctx context.Context, port string, img *flashimage.Image, mode GoMode, execAddr uint32) error {
	f.start = time.Now()
	if img.Empty() {
		return ErrEmptyImage
	}
	return f.program(ctx, port, img, mode, execAddr)
}

func (f *Flasher) program(ctx context.Context, port string, img *flashimage.Image, mode GoMode, execAddr uint32) error {
	first, last := img.WroteSectorMin(), img.WroteSectorMax()
	if last >= MaxSectors {
		return fmt.Errorf("sector %d is beyond the boot ROM limit of %d sectors", last, MaxSectors)
	}
	f.notify(Progress{Phase: PhaseConnecting, FirstSector: first, LastSector: last})

	err := f.session(ctx, port, func(ctx context.Context) error {
		if _, err := f.deviceType(ctx); err != nil {
			return err
		}
		if err := f.unlock(ctx); err != nil {
			return err
		}

		f.notify(Progress{Phase: PhaseErasing, FirstSector: first, LastSector: last})
		if err := f.prepareAndErase(ctx, first, last); err != nil {
			return err
		}

		written := 0
		for s := first; s <= last; s++ {
			n, err := f.writeSector(ctx, img, s)
			if err != nil {
				return err
			}
			written += n
			f.notify(Progress{
				Phase:        PhaseProgramming,
				Sector:       s,
				FirstSector:  first,
				LastSector:   last,
				Percentage:   float64(s-first+1) / float64(last-first+1) * 100,
				BytesWritten: written,
			})
		}

		if mode != GoNone {
			f.notify(Progress{Phase: PhaseExecuting, FirstSector: first, LastSector: last, Percentage: 100, BytesWritten: written})
			if err := f.execute(ctx, execAddr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	f.report("Finished.\n")
	f.notify(Progress{Phase: PhaseComplete, FirstSector: first, LastSector: last, Percentage: 100,
		BytesWritten: (last - first + 1) * img.SectorSize()})
	return nil
}

// ============================================================================
// Boot ROM steps
// ============================================================================

func (f *Flasher) deviceType(ctx context.Context) (string, error) {
	f.report("Read device type... ")
	data, err := f.client.Read(ctx, bootrom.IndexDeviceType, 0)
	if err != nil {
		f.report("\n")
		return "", stepError("read device type", err)
	}
	name := latin1(data)
	f.report(" %s\n", name)
	return name, nil
}

func (f *Flasher) unlock(ctx context.Context) error {
	f.report("Unlock device...\n")
	code := []byte{bootrom.UnlockCode & 0xFF, bootrom.UnlockCode >> 8}
	if err := f.client.WriteExpedited(ctx, bootrom.IndexUnlock, 0, code); err != nil {
		return stepError("unlock", err)
	}
	return nil
}

func (f *Flasher) prepareAndErase(ctx context.Context, first, last int) error {
	sectors := []byte{byte(first), byte(last)}

	f.report("Prepare erase...\n")
	if err := f.client.WriteExpedited(ctx, bootrom.IndexPrepare, 0, sectors); err != nil {
		return stepError(fmt.Sprintf("prepare sectors %d-%d", first, last), err)
	}

	f.report("Erase sectors...\n")
	if err := f.client.WriteExpedited(ctx, bootrom.IndexErase, 0, sectors); err != nil {
		return stepError(fmt.Sprintf("erase sectors %d-%d", first, last), err)
	}
	return nil
}

// writeSector stages sector s in RAM, copies it to flash and compares.
// It returns the number of bytes transferred.
func (f *Flasher) writeSector(ctx context.Context, img *flashimage.Image, s int) (int, error) {
	data := img.Sector(s)
	flashAddr := uint32(img.SectorStart(s))
	count := []byte{byte(len(data)), byte(len(data) >> 8)}
	step := func(what string) string { return fmt.Sprintf("sector %d: %s", s, what) }

	f.report("Write sector %d\n", s)
	log := f.log.WithField("sector", s)

	f.report("  Set RAM address...\n")
	if err := f.client.WriteUint32(ctx, bootrom.IndexRAMWrite, 0, bootrom.RAMBuffer); err != nil {
		return 0, stepError(step("set RAM address"), err)
	}

	f.report("  Transfer data...\n")
	if err := f.client.WriteSegmented(ctx, bootrom.IndexProgramData, 1, data); err != nil {
		return 0, stepError(step("transfer data"), err)
	}

	f.report("  Prepare write...\n")
	if err := f.client.WriteExpedited(ctx, bootrom.IndexPrepare, 0, []byte{byte(s), byte(s)}); err != nil {
		return 0, stepError(step("prepare write"), err)
	}

	f.report("  Copy RAM to flash...\n")
	if err := f.client.WriteUint32(ctx, bootrom.IndexCopy, bootrom.SubCopyFlash, flashAddr); err != nil {
		return 0, stepError(step("copy flash address"), err)
	}
	if err := f.client.WriteUint32(ctx, bootrom.IndexCopy, bootrom.SubCopyRAM, bootrom.RAMBuffer); err != nil {
		return 0, stepError(step("copy RAM address"), err)
	}
	if err := f.client.WriteExpedited(ctx, bootrom.IndexCopy, bootrom.SubCopyCount, count); err != nil {
		return 0, stepError(step("copy RAM to flash"), err)
	}

	f.report("  Compare...\n")
	if err := f.client.WriteUint32(ctx, bootrom.IndexCompare, bootrom.SubCompareA, bootrom.RAMBuffer); err != nil {
		return 0, stepError(step("compare RAM address"), err)
	}
	if err := f.client.WriteUint32(ctx, bootrom.IndexCompare, bootrom.SubCompareB, flashAddr); err != nil {
		return 0, stepError(step("compare flash address"), err)
	}
	if err := f.client.WriteExpedited(ctx, bootrom.IndexCompare, bootrom.SubCompareLen, count); err != nil {
		return 0, f.compareFailed(ctx, s, err)
	}

	log.WithField("bytes", len(data)).Debug("sector programmed")
	return len(data), nil
}

// compareFailed turns a rejected compare into a VerifyError carrying the
// device's mismatch offset when read-back is enabled
func (f *Flasher) compareFailed(ctx context.Context, s int, err error) error {
	var aerr *sdo.AbortError
	if !f.cfg.VerifyReadback || !errors.As(err, &aerr) {
		return stepError(fmt.Sprintf("sector %d: compare", s), err)
	}

	offset, rerr := f.client.ReadUint32(ctx, bootrom.IndexCompare, bootrom.SubCompareB)
	if rerr != nil {
		f.log.WithError(rerr).Warn("mismatch offset read-back failed")
		return stepError(fmt.Sprintf("sector %d: compare", s), err)
	}
	return &VerifyError{Sector: s, Offset: offset}
}

func (f *Flasher) execute(ctx context.Context, addr uint32) error {
	f.report("GO to 0x%X ...\n", addr)
	if err := f.client.WriteUint32(ctx, bootrom.IndexExecute, bootrom.SubExecAddr, addr); err != nil {
		return stepError("set execution address", err)
	}
	if err := f.client.WriteExpedited(ctx, bootrom.IndexProgramControl, 1, []byte{bootrom.StartApp}); err != nil {
		return stepError("start program", err)
	}
	return nil
}

// ============================================================================
// Device queries
// ============================================================================

// DeviceInfo is what the boot ROM reports about the part
type DeviceInfo struct {
	DeviceType   string
	VendorID     uint32
	ProductCode  uint32
	Revision     uint32
	SerialNumber [4]uint32
	Adapter      string
}

// Serial formats the serial number as four hex words
func (d *DeviceInfo) Serial() string {
	return fmt.Sprintf("%08X-%08X-%08X-%08X", d.SerialNumber[0], d.SerialNumber[1], d.SerialNumber[2], d.SerialNumber[3])
}

// Info reads the device type, identity and serial number objects
func (f *Flasher) Info(ctx context.Context, port string) (*DeviceInfo, error) {
	info := &DeviceInfo{}

	err := f.session(ctx, port, func(ctx context.Context) error {
		if d, ok := f.bus.(Describer); ok {
			info.Adapter = d.Describe()
		}

		name, err := f.deviceType(ctx)
		if err != nil {
			return err
		}
		info.DeviceType = name

		identity := []*uint32{&info.VendorID, &info.ProductCode, &info.Revision}
		for i, dst := range identity {
			v, err := f.client.ReadUint32(ctx, bootrom.IndexIdentity, uint8(i+1))
			if err != nil {
				return stepError(fmt.Sprintf("read identity %d", i+1), err)
			}
			*dst = v
		}

		for i := range info.SerialNumber {
			v, err := f.client.ReadUint32(ctx, bootrom.IndexSerialNumber, uint8(i+1))
			if err != nil {
				return stepError(fmt.Sprintf("read serial number %d", i+1), err)
			}
			info.SerialNumber[i] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Erase clears sectors first..last and verifies them with a blank check
func (f *Flasher) Erase(ctx context.Context, port string, first, last int) error {
	sectors := f.cfg.ImageSize / f.cfg.SectorSize
	if first < 0 || last < first || last >= sectors || last >= MaxSectors {
		return fmt.Errorf("invalid sector range %d-%d (device has %d sectors)", first, last, sectors)
	}

	f.start = time.Now()
	f.notify(Progress{Phase: PhaseConnecting, FirstSector: first, LastSector: last})

	err := f.session(ctx, port, func(ctx context.Context) error {
		if _, err := f.deviceType(ctx); err != nil {
			return err
		}
		if err := f.unlock(ctx); err != nil {
			return err
		}

		f.notify(Progress{Phase: PhaseErasing, FirstSector: first, LastSector: last})
		if err := f.prepareAndErase(ctx, first, last); err != nil {
			return err
		}

		f.report("Blank check...\n")
		if err := f.client.WriteExpedited(ctx, bootrom.IndexBlankCheck, bootrom.SubBlankRange, []byte{byte(first), byte(last)}); err != nil {
			var aerr *sdo.AbortError
			if !errors.As(err, &aerr) {
				return stepError("blank check", err)
			}
			offset, rerr := f.client.ReadUint32(ctx, bootrom.IndexBlankCheck, bootrom.SubBlankOff)
			if rerr != nil {
				return stepError("blank check", err)
			}
			return &BlankCheckError{First: first, Last: last, Offset: offset}
		}
		return nil
	})
	if err != nil {
		return err
	}

	f.report("Finished.\n")
	f.notify(Progress{Phase: PhaseComplete, FirstSector: first, LastSector: last, Percentage: 100})
	return nil
}

// latin1 maps each byte to the code point of the same value
func latin1(b []byte) string {
	r := make([]rune, len(b))
	for i, c := range b {
		r[i] = rune(c)
	}
	return string(r)
}
