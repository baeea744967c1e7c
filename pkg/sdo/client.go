// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sdo

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Thermoquad/lpcflash/pkg/can"
	"github.com/sirupsen/logrus"
)

// Option configures a Client
type Option func(*Client)

// WithNode targets the server on node instead of DefaultNode
func WithNode(node uint8) Option {
	return func(c *Client) {
		c.requestID = RequestID(node)
		c.responseID = ResponseID(node)
	}
}

// WithTimeout overrides DefaultTimeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used for frame traces (debug level)
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Client is an SDO client bound to one Bus. Requests are serialized: at
// most one is outstanding at any time, and the single most recent response
// frame is held until the waiting request consumes it.
type Client struct {
	bus        can.Bus
	requestID  uint32
	responseID uint32
	timeout    time.Duration
	log        logrus.FieldLogger

	reqMu   sync.Mutex // one outstanding request
	slotMu  sync.Mutex // guards replacement of the pending response
	pending chan can.Frame

	stats *statsTracker
}

// New creates a Client and registers it as the bus's frame handler
func New(bus can.Bus, opts ...Option) *Client {
	silent := logrus.New()
	silent.SetOutput(io.Discard)

	c := &Client{
		bus:        bus,
		requestID:  RequestID(DefaultNode),
		responseID: ResponseID(DefaultNode),
		timeout:    DefaultTimeout,
		log:        silent,
		pending:    make(chan can.Frame, 1),
		stats:      newStatsTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	bus.OnFrame(c.Deliver)
	return c
}

// RequestID returns the COB-ID requests are sent on
func (c *Client) RequestID() uint32 { return c.requestID }

// ResponseID returns the COB-ID responses are accepted from
func (c *Client) ResponseID() uint32 { return c.responseID }

// Timeout returns the response timeout
func (c *Client) Timeout() time.Duration { return c.timeout }

// Stats returns a snapshot of the request counters
func (c *Client) Stats() Statistics {
	return c.stats.snapshot()
}

// Deliver hands a received frame to the client. It never blocks: an unread
// response is replaced by the newer one. Frames from other identifiers are
// dropped.
func (c *Client) Deliver(f can.Frame) {
	if f.ID != c.responseID || f.Extended || f.RTR {
		c.stats.update(func(s *Statistics) { s.DroppedFrames++ })
		return
	}

	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	select {
	case <-c.pending:
	default:
	}
	c.pending <- f
}

func (c *Client) discardPending() {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	select {
	case <-c.pending:
	default:
	}
}

// Read performs an expedited upload of index:sub and returns the four data
// bytes of the response.
func (c *Client) Read(ctx context.Context, index uint16, sub uint8) ([]byte, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	req := c.request(CmdUploadRequest, index, sub, nil)
	resp, err := c.transact(ctx, req, RespUploadExpedited, index, sub)
	if err != nil {
		return nil, err
	}
	if resp.Len < 8 {
		c.stats.update(func(s *Statistics) { s.ProtocolErrors++ })
		return nil, &ProtocolError{Index: index, Subindex: sub, Expected: RespUploadExpedited, Actual: resp.Data[0],
			Reason: fmt.Sprintf("short upload response (%d bytes)", resp.Len)}
	}

	data := make([]byte, 4)
	copy(data, resp.Data[4:8])
	return data, nil
}

// ReadUint32 is Read decoded little-endian
func (c *Client) ReadUint32(ctx context.Context, index uint16, sub uint8) (uint32, error) {
	data, err := c.Read(ctx, index, sub)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// WriteExpedited downloads up to four bytes to index:sub in a single frame
func (c *Client) WriteExpedited(ctx context.Context, index uint16, sub uint8, data []byte) error {
	if len(data) > maxExpedited {
		return fmt.Errorf("sdo %04X:%02X: expedited write of %d bytes exceeds %d", index, sub, len(data), maxExpedited)
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	req := c.request(expeditedCommand(len(data)), index, sub, data)
	if _, err := c.transact(ctx, req, RespDownloadAck, index, sub); err != nil {
		return err
	}
	c.stats.update(func(s *Statistics) { s.BytesDownloaded += uint64(len(data)) })
	return nil
}

// WriteUint32 writes v little-endian as a four-byte expedited download
func (c *Client) WriteUint32(ctx context.Context, index uint16, sub uint8, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return c.WriteExpedited(ctx, index, sub, buf[:])
}

// WriteSegmented downloads data to index:sub as an initiate frame carrying
// the size followed by seven-byte segments with an alternating toggle bit.
func (c *Client) WriteSegmented(ctx context.Context, index uint16, sub uint8, data []byte) error {
	if len(data) > maxSegmentedLen {
		return fmt.Errorf("sdo %04X:%02X: segmented write of %d bytes exceeds %d", index, sub, len(data), maxSegmentedLen)
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	size := []byte{byte(len(data)), byte(len(data) >> 8)}
	req := c.request(CmdDownloadSegmented, index, sub, size)
	if _, err := c.transact(ctx, req, RespDownloadAck, index, sub); err != nil {
		return err
	}

	toggle := false
	for offset := 0; offset < len(data); offset += segmentPayload {
		remaining := len(data) - offset
		n := min(remaining, segmentPayload)

		var seg can.Frame
		seg.ID = c.requestID
		seg.Len = 8
		seg.Data[0] = SegmentCommand(remaining, toggle)
		copy(seg.Data[1:], data[offset:offset+n])

		expected := byte(RespSegmentAck)
		if toggle {
			expected = RespSegmentAckTog
		}
		if _, err := c.transact(ctx, seg, expected, index, sub); err != nil {
			return err
		}

		c.stats.update(func(s *Statistics) {
			s.Segments++
			s.BytesDownloaded += uint64(n)
		})
		toggle = !toggle
	}
	return nil
}

// SegmentCommand returns the command byte of a download segment. remaining
// counts the bytes left including this segment; only the last segment
// (remaining <= 7) carries the unused byte count and the no-more flag.
func SegmentCommand(remaining int, toggle bool) byte {
	var cmd byte
	if remaining <= segmentPayload {
		cmd = byte(2*(segmentPayload-remaining) + 1)
	}
	if toggle {
		cmd |= CmdSegmentToggle
	}
	return cmd
}

func expeditedCommand(n int) byte {
	switch n {
	case 1:
		return CmdDownload1Byte
	case 2:
		return CmdDownload2Bytes
	case 4:
		return CmdDownload4Bytes
	default:
		return CmdDownloadUnsized
	}
}

func (c *Client) request(cmd byte, index uint16, sub uint8, data []byte) can.Frame {
	f := can.Frame{ID: c.requestID, Len: 8}
	f.Data[0] = cmd
	binary.LittleEndian.PutUint16(f.Data[1:3], index)
	f.Data[3] = sub
	copy(f.Data[4:], data)
	return f
}

// transact sends req and waits for a response whose first byte is expected.
// Caller holds reqMu.
func (c *Client) transact(ctx context.Context, req can.Frame, expected byte, index uint16, sub uint8) (can.Frame, error) {
	if err := ctx.Err(); err != nil {
		return can.Frame{}, err
	}

	// A stale response from an earlier, timed-out request must not be
	// taken for the answer to this one.
	c.discardPending()

	c.stats.update(func(s *Statistics) { s.Requests++ })
	c.log.Debugf("[SDO][TX] %s", req)
	if err := c.bus.Send(req); err != nil {
		c.stats.update(func(s *Statistics) { s.SendErrors++ })
		return can.Frame{}, fmt.Errorf("sdo %04X:%02X: send: %w", index, sub, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var resp can.Frame
	select {
	case resp = <-c.pending:
	case <-timer.C:
		c.stats.update(func(s *Statistics) { s.Timeouts++ })
		c.log.Debugf("[SDO][RX] timeout after %v waiting for %02X", c.timeout, expected)
		return can.Frame{}, &TimeoutError{Index: index, Subindex: sub, After: c.timeout}
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	}

	c.stats.update(func(s *Statistics) { s.Responses++ })
	c.log.Debugf("[SDO][RX] %s", resp)

	if resp.Len == 0 {
		c.stats.update(func(s *Statistics) { s.ProtocolErrors++ })
		return can.Frame{}, &ProtocolError{Index: index, Subindex: sub, Expected: expected, Reason: "empty response"}
	}

	switch resp.Data[0] {
	case expected:
		return resp, nil
	case RespAbort:
		c.stats.update(func(s *Statistics) { s.Aborts++ })
		return can.Frame{}, &AbortError{Index: index, Subindex: sub, Code: binary.LittleEndian.Uint32(resp.Data[4:8])}
	default:
		c.stats.update(func(s *Statistics) { s.ProtocolErrors++ })
		return can.Frame{}, &ProtocolError{Index: index, Subindex: sub, Expected: expected, Actual: resp.Data[0]}
	}
}
