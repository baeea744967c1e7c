// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package can

import (
	"errors"
	"testing"
)

func TestNewFrame(t *testing.T) {
	f, err := NewFrame(0x67D, []byte{0x40, 0x00, 0x10, 0x00})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if f.Len != 4 || f.Data[2] != 0x10 {
		t.Errorf("frame = %+v", f)
	}
	if got := f.String(); got != "67D [4] 40 00 10 00" {
		t.Errorf("String() = %q", got)
	}
}

func TestFrameValidate(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  error
	}{
		{"max standard", Frame{ID: MaxStandardID}, nil},
		{"standard overflow", Frame{ID: MaxStandardID + 1}, ErrInvalidID},
		{"extended", Frame{ID: 0x18DAF110, Extended: true, Len: 8}, nil},
		{"extended overflow", Frame{ID: MaxExtendedID + 1, Extended: true}, ErrInvalidID},
		{"length", Frame{ID: 1, Len: 9}, ErrInvalidLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.frame.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := NewFrame(0x100, make([]byte, 9)); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("NewFrame with 9 bytes: %v", err)
	}
}

func TestFilterAccept(t *testing.T) {
	rules := []FilterRule{{Mask: 0x7FF, ID: 0x5FD}}

	if !Accept(rules, 0x5FD) {
		t.Error("0x5FD should pass")
	}
	if Accept(rules, 0x5FE) {
		t.Error("0x5FE should be rejected")
	}
	if !Accept(nil, 0x123) {
		t.Error("no rules should accept everything")
	}

	partial := []FilterRule{{Mask: 0x780, ID: 0x580}}
	if !Accept(partial, 0x5FD) || Accept(partial, 0x67D) {
		t.Error("mask should ignore low bits only")
	}
}
