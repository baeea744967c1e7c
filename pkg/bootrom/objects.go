// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bootrom describes the object dictionary of the LPC11C2x C_CAN
// in-system-programming boot ROM and provides a simulator of it.
package bootrom

import "fmt"

// Object dictionary indices
const (
	IndexDeviceType     = 0x1000
	IndexIdentity       = 0x1018 // sub 1 vendor, 2 product, 3 revision
	IndexProgramData    = 0x1F50 // sub 1, segmented
	IndexProgramControl = 0x1F51 // sub 1, write 1 to start
	IndexUnlock         = 0x5000
	IndexReadAddress    = 0x5010
	IndexReadLength     = 0x5011
	IndexRAMWrite       = 0x5015
	IndexPrepare        = 0x5020
	IndexErase          = 0x5030
	IndexBlankCheck     = 0x5040 // sub 1 sectors, sub 2 first non-blank offset
	IndexCopy           = 0x5050 // sub 1 flash, 2 RAM, 3 count
	IndexCompare        = 0x5060 // sub 1 addr1, 2 addr2 / mismatch offset, 3 count
	IndexExecute        = 0x5070 // sub 1 address, 2 mode
	IndexSerialNumber   = 0x5100 // sub 1..4
)

// Subindices used across the dictionary
const (
	SubCopyFlash  = 0x01
	SubCopyRAM    = 0x02
	SubCopyCount  = 0x03
	SubCompareA   = 0x01
	SubCompareB   = 0x02
	SubCompareLen = 0x03
	SubExecAddr   = 0x01
	SubExecMode   = 0x02
	SubBlankRange = 0x01
	SubBlankOff   = 0x02
)

// Memory layout of the LPC11C24
const (
	FlashBase  = 0x00000000
	RAMBase    = 0x10000000
	RAMSize    = 8 * 1024
	RAMBuffer  = 0x10000800 // staging area for one sector
	UnlockCode = 0x5A5A
	StartApp   = 0x01
	ModeThumb  = 'T'
)

// CopySizes are the byte counts the ROM accepts for copy RAM to flash
var CopySizes = []uint32{256, 512, 1024, 4096}

// Status is an IAP/ISP return code
type Status uint8

const (
	StatusSuccess                Status = 0
	StatusInvalidCommand         Status = 1
	StatusSrcAddrError           Status = 2
	StatusDstAddrError           Status = 3
	StatusSrcAddrNotMapped       Status = 4
	StatusDstAddrNotMapped       Status = 5
	StatusCountError             Status = 6
	StatusInvalidSector          Status = 7
	StatusSectorNotBlank         Status = 8
	StatusSectorNotPrepared      Status = 9
	StatusCompareError           Status = 10
	StatusBusy                   Status = 11
	StatusParamError             Status = 12
	StatusAddrError              Status = 13
	StatusAddrNotMapped          Status = 14
	StatusCmdLocked              Status = 15
	StatusInvalidCode            Status = 16
	StatusInvalidBaudRate        Status = 17
	StatusInvalidStopBit         Status = 18
	StatusCodeReadProtectEnabled Status = 19
)

var statusText = map[Status]string{
	StatusSuccess:                "success",
	StatusInvalidCommand:         "invalid command",
	StatusSrcAddrError:           "source address not on word boundary",
	StatusDstAddrError:           "destination address not on correct boundary",
	StatusSrcAddrNotMapped:       "source address not mapped",
	StatusDstAddrNotMapped:       "destination address not mapped",
	StatusCountError:             "byte count not permitted",
	StatusInvalidSector:          "invalid sector number",
	StatusSectorNotBlank:         "sector is not blank",
	StatusSectorNotPrepared:      "sector not prepared for write",
	StatusCompareError:           "source and destination differ",
	StatusBusy:                   "flash interface busy",
	StatusParamError:             "invalid parameter",
	StatusAddrError:              "address not on word boundary",
	StatusAddrNotMapped:          "address not mapped",
	StatusCmdLocked:              "command locked",
	StatusInvalidCode:            "unlock code invalid",
	StatusInvalidBaudRate:        "invalid baud rate",
	StatusInvalidStopBit:         "invalid stop bit",
	StatusCodeReadProtectEnabled: "code read protection enabled",
}

func (s Status) String() string {
	if t, ok := statusText[s]; ok {
		return t
	}
	return fmt.Sprintf("status %d", uint8(s))
}

// The ROM reports a failed ISP command as an SDO abort carrying the
// status code in the low byte.
const abortStatusBase = 0x0F000000

// AbortCode returns the SDO abort code for s
func AbortCode(s Status) uint32 {
	return abortStatusBase | uint32(s)
}

// StatusFromAbort extracts the ISP status from an abort code
func StatusFromAbort(code uint32) (Status, bool) {
	if code&0xFFFFFF00 != abortStatusBase {
		return 0, false
	}
	return Status(code & 0xFF), true
}
