// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package can

import "fmt"

// Mode selects how the controller participates on the bus
type Mode int

const (
	ModeActive     Mode = iota // transmit and acknowledge
	ModeListenOnly             // receive only, no ACK
	ModeLoopback               // frames are looped back internally
)

func (m Mode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModeListenOnly:
		return "listen-only"
	case ModeLoopback:
		return "loopback"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// FilterRule admits frames whose identifier matches ID on every bit set in Mask
type FilterRule struct {
	Mask uint32
	ID   uint32
}

// Match reports whether id passes the rule
func (r FilterRule) Match(id uint32) bool {
	return id&r.Mask == r.ID&r.Mask
}

// Accept reports whether id passes any rule. No rules accepts everything.
func Accept(rules []FilterRule, id uint32) bool {
	if len(rules) == 0 {
		return true
	}
	for _, r := range rules {
		if r.Match(id) {
			return true
		}
	}
	return false
}

// Handler receives frames delivered by a Bus. It runs on the bus's
// delivery goroutine and must not block.
type Handler func(Frame)

// Bus is a frame transport to a CAN adapter
type Bus interface {
	// Connect opens the adapter identified by port (device path or URL)
	Connect(port string) error
	// Disconnect releases the adapter
	Disconnect() error
	// SetFilter installs acceptance rules; must be called before OpenChannel
	SetFilter(rules []FilterRule) error
	// OpenChannel joins the bus at bitrate bit/s
	OpenChannel(bitrate int, mode Mode) error
	// CloseChannel leaves the bus
	CloseChannel() error
	// Send transmits one frame
	Send(f Frame) error
	// OnFrame registers the delivery callback for received frames
	OnFrame(h Handler)
}
