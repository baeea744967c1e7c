// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sdo implements a CANopen Service Data Object client with expedited
// upload, expedited download and segmented download, one request at a time.
//
// Every request frame is answered by exactly one response frame from the
// server. The client sends, then waits for the bus's delivery callback to
// hand over the response, bounded by a timeout.
package sdo

import "time"

// COB-ID bases (CiA 301 predefined connection set)
const (
	RequestBase  = 0x600 // client -> server
	ResponseBase = 0x580 // server -> client
)

// DefaultNode is the node id of the LPC11C2x boot ROM (request 0x67D, response 0x5FD)
const DefaultNode = 0x7D

// DefaultTimeout bounds the wait for every response
const DefaultTimeout = 1000 * time.Millisecond

// Client command bytes
const (
	CmdUploadRequest     = 0x40
	CmdDownload1Byte     = 0x2F
	CmdDownload2Bytes    = 0x2B
	CmdDownload4Bytes    = 0x23
	CmdDownloadUnsized   = 0x22
	CmdDownloadSegmented = 0x21
	CmdSegmentToggle     = 0x10
)

// Server response bytes
const (
	RespUploadExpedited = 0x43
	RespDownloadAck     = 0x60
	RespSegmentAck      = 0x20
	RespSegmentAckTog   = 0x30
	RespAbort           = 0x80
)

// Transfer limits
const (
	maxExpedited    = 4
	segmentPayload  = 7
	maxSegmentedLen = 0xFFFF // size is sent in two bytes
)

// RequestID returns the COB-ID the client sends to node
func RequestID(node uint8) uint32 {
	return RequestBase + uint32(node)
}

// ResponseID returns the COB-ID the server on node answers with
func ResponseID(node uint8) uint32 {
	return ResponseBase + uint32(node)
}
