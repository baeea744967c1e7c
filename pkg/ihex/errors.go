// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ihex

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksum marks a record whose byte sum is not zero
	ErrChecksum = errors.New("invalid checksum")

	// ErrMalformed marks a record that cannot be split into its fields
	ErrMalformed = errors.New("malformed record")
)

// FormatError reports a decoding failure on a specific line (1-based).
// Err is ErrChecksum, ErrMalformed, or the image error for an address that
// does not fit the target.
type FormatError struct {
	Line   int
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("line %d: %v: %s", e.Line, e.Err, e.Reason)
	}
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}
