// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package crcutil is a thin wrapper around standard IEEE CRC-32 with
// running state, shared by the writer and both readers.
package crcutil

import (
	"hash/crc32"
)

// Accumulator holds a running IEEE CRC-32 value.
type Accumulator struct {
	crc uint32
}

// Update folds buf into the running checksum and returns the new value.
func (a *Accumulator) Update(buf []byte) uint32 {
	a.crc = crc32.Update(a.crc, crc32.IEEETable, buf)
	return a.crc
}

// Sum returns the current running checksum without resetting it.
func (a *Accumulator) Sum() uint32 { return a.crc }

// Reset zeroes the running checksum.
func (a *Accumulator) Reset() { a.crc = 0 }

// IEEE computes the one-shot IEEE CRC-32 of buf.
func IEEE(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf)
}
