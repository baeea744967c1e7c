// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package usbtin

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/lpcflash/pkg/can"
	"github.com/sirupsen/logrus"
)

// DefaultReplyTimeout bounds the wait for the adapter's answer to a command
const DefaultReplyTimeout = 1000 * time.Millisecond

var (
	ErrAdapter            = errors.New("usbtin: adapter answered with error")
	ErrNoReply            = errors.New("usbtin: no reply from adapter")
	ErrNotConnected       = errors.New("usbtin: not connected")
	ErrAlreadyConnected   = errors.New("usbtin: already connected")
	ErrUnsupportedBitrate = errors.New("usbtin: unsupported bitrate")
)

// Preset bitrates selected with S0..S8
var bitrates = []int{10000, 20000, 50000, 100000, 125000, 250000, 500000, 800000, 1000000}

// BitrateCommand returns the S command for a preset bitrate
func BitrateCommand(bitrate int) (string, error) {
	for i, b := range bitrates {
		if b == bitrate {
			return fmt.Sprintf("S%d", i), nil
		}
	}
	return "", fmt.Errorf("%w: %d", ErrUnsupportedBitrate, bitrate)
}

// DialFunc opens the byte stream to the adapter (serial port, bridge, ...)
type DialFunc func(port string) (io.ReadWriteCloser, error)

// Versions reported by the adapter on connect
type Versions struct {
	Hardware string
	Firmware string
	Serial   string
}

// Option configures an Adapter
type Option func(*Adapter)

// WithLogger traces adapter traffic at debug level
func WithLogger(l logrus.FieldLogger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

// WithReplyTimeout overrides DefaultReplyTimeout
func WithReplyTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.replyTimeout = d
		}
	}
}

// Adapter is a can.Bus backed by a USBtin
type Adapter struct {
	dial         DialFunc
	log          logrus.FieldLogger
	replyTimeout time.Duration

	cmdMu sync.Mutex // one command in flight
	conn  io.ReadWriteCloser
	done  chan struct{}
	wg    sync.WaitGroup

	replies chan *Message

	mu       sync.RWMutex
	handler  can.Handler
	filters  []can.FilterRule
	versions Versions
	open     bool
}

// New creates an adapter that reaches the hardware through dial
func New(dial DialFunc, opts ...Option) *Adapter {
	silent := logrus.New()
	silent.SetOutput(io.Discard)

	a := &Adapter{
		dial:         dial,
		log:          silent,
		replyTimeout: DefaultReplyTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Versions returns what the adapter reported during Connect
func (a *Adapter) Versions() Versions {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.versions
}

// Describe formats the versions as "firmware/hardware SN:serial"
func (a *Adapter) Describe() string {
	v := a.Versions()
	return fmt.Sprintf("%s/%s SN:%s", v.Firmware, v.Hardware, v.Serial)
}

// OnFrame registers the delivery callback
func (a *Adapter) OnFrame(h can.Handler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// Connect opens the adapter, closes any channel left open and reads the
// hardware/firmware versions and serial number.
func (a *Adapter) Connect(port string) error {
	a.cmdMu.Lock()
	if a.conn != nil {
		a.cmdMu.Unlock()
		return ErrAlreadyConnected
	}

	conn, err := a.dial(port)
	if err != nil {
		a.cmdMu.Unlock()
		return fmt.Errorf("usbtin: open %s: %w", port, err)
	}

	a.conn = conn
	a.done = make(chan struct{})
	a.replies = make(chan *Message, 16)
	a.wg.Add(1)
	go a.readLoop(conn, a.done, a.replies)
	a.cmdMu.Unlock()

	// Close a channel left open; answers BEL when already closed
	_, _ = a.command("C")

	var v Versions
	steps := []struct {
		cmd string
		dst *string
	}{
		{"V", &v.Hardware},
		{"v", &v.Firmware},
		{"N", &v.Serial},
	}
	for _, s := range steps {
		reply, err := a.command(s.cmd)
		if err != nil {
			_ = a.Disconnect()
			return fmt.Errorf("usbtin: query %s: %w", s.cmd, err)
		}
		*s.dst = strings.TrimPrefix(reply, s.cmd)
	}

	a.mu.Lock()
	a.versions = v
	a.mu.Unlock()
	a.log.Debugf("[USBTIN] connected to %s (hw %s, fw %s, serial %s)", port, v.Hardware, v.Firmware, v.Serial)
	return nil
}

// Disconnect closes the channel if open and releases the stream
func (a *Adapter) Disconnect() error {
	a.mu.RLock()
	open := a.open
	a.mu.RUnlock()
	if open {
		_ = a.CloseChannel()
	}

	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	if a.conn == nil {
		return nil
	}

	close(a.done)
	err := a.conn.Close()
	a.wg.Wait()
	a.conn = nil
	return err
}

// SetFilter programs the MCP2515 acceptance registers. The rules are also
// applied in software to every received frame.
func (a *Adapter) SetFilter(rules []can.FilterRule) error {
	writes, err := FilterWrites(rules)
	if err != nil {
		return err
	}
	for _, w := range writes {
		if _, err := a.command(w.String()); err != nil {
			return fmt.Errorf("usbtin: filter %s: %w", w, err)
		}
	}

	a.mu.Lock()
	a.filters = append([]can.FilterRule(nil), rules...)
	a.mu.Unlock()
	return nil
}

// OpenChannel sets a preset bitrate and opens the channel in mode
func (a *Adapter) OpenChannel(bitrate int, mode can.Mode) error {
	sc, err := BitrateCommand(bitrate)
	if err != nil {
		return err
	}

	var oc string
	switch mode {
	case can.ModeActive:
		oc = "O"
	case can.ModeListenOnly:
		oc = "L"
	case can.ModeLoopback:
		oc = "l"
	default:
		return fmt.Errorf("usbtin: unsupported mode %v", mode)
	}

	if _, err := a.command(sc); err != nil {
		return fmt.Errorf("usbtin: set bitrate %d: %w", bitrate, err)
	}
	if _, err := a.command(oc); err != nil {
		return fmt.Errorf("usbtin: open channel (%v): %w", mode, err)
	}

	a.mu.Lock()
	a.open = true
	a.mu.Unlock()
	return nil
}

// CloseChannel leaves the bus
func (a *Adapter) CloseChannel() error {
	_, err := a.command("C")

	a.mu.Lock()
	a.open = false
	a.mu.Unlock()

	if err != nil {
		return fmt.Errorf("usbtin: close channel: %w", err)
	}
	return nil
}

// Send transmits f and waits for the adapter's z/Z acknowledge
func (a *Adapter) Send(f can.Frame) error {
	line, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	reply, err := a.command(line)
	if err != nil {
		return fmt.Errorf("usbtin: transmit %s: %w", f, err)
	}
	if want := transmitAck(f); !strings.HasPrefix(reply, want) {
		return fmt.Errorf("usbtin: transmit %s: unexpected reply %q", f, reply)
	}
	return nil
}

func transmitAck(f can.Frame) string {
	if f.Extended {
		return "Z"
	}
	return "z"
}

// command sends cmd and returns the adapter's reply line
func (a *Adapter) command(cmd string) (string, error) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	if a.conn == nil {
		return "", ErrNotConnected
	}

	// Replies that arrived unsolicited belong to nobody
	for drained := false; !drained; {
		select {
		case _, ok := <-a.replies:
			if !ok {
				return "", ErrNotConnected
			}
		default:
			drained = true
		}
	}

	a.log.Debugf("[USBTIN][TX] %s", cmd)
	if _, err := io.WriteString(a.conn, cmd+"\r"); err != nil {
		return "", err
	}

	timer := time.NewTimer(a.replyTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-a.replies:
		if !ok {
			return "", ErrNotConnected
		}
		a.log.Debugf("[USBTIN][RX] %s %q", msg.Kind, msg.Text)
		if msg.Kind == KindError {
			return "", ErrAdapter
		}
		return msg.Text, nil
	case <-timer.C:
		return "", ErrNoReply
	}
}

func (a *Adapter) readLoop(r io.Reader, done <-chan struct{}, replies chan<- *Message) {
	defer a.wg.Done()
	defer close(replies)

	dec := NewDecoder()
	buf := make([]byte, 256)

	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			msg, derr := dec.DecodeByte(b)
			if derr != nil {
				a.log.Debugf("[USBTIN][RX] %v", derr)
				continue
			}
			if msg != nil {
				a.dispatch(msg, replies)
			}
		}

		select {
		case <-done:
			return
		default:
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				a.log.Warnf("[USBTIN] read: %v", err)
			}
			return
		}
	}
}

func (a *Adapter) dispatch(msg *Message, replies chan<- *Message) {
	if msg.Kind != KindFrame {
		select {
		case replies <- msg:
		default:
			a.log.Debugf("[USBTIN][RX] reply dropped: %q", msg.Text)
		}
		return
	}

	a.mu.RLock()
	h := a.handler
	pass := can.Accept(a.filters, msg.Frame.ID)
	a.mu.RUnlock()

	if h == nil || !pass {
		return
	}
	h(msg.Frame)
}
