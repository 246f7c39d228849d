// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package spillbuffer implements a staging side-buffer: bytes accumulate
// in memory until a threshold is crossed, after which the buffer spills to
// a temporary file. The temporary file, if created, is removed on every
// exit path.
package spillbuffer

import (
	"bytes"
	"io"
	"os"
)

// Buffer is a write-once, read-once byte accumulator that transparently
// spills to disk past Threshold bytes.
type Buffer struct {
	// Threshold is the number of in-memory bytes after which Buffer spills
	// to a temporary file. Zero means "never spill".
	Threshold int64

	mem     bytes.Buffer
	tmp     *os.File
	written int64
}

// New returns a Buffer that spills to a temporary file past threshold
// bytes. threshold <= 0 means never spill.
func New(threshold int64) *Buffer {
	return &Buffer{Threshold: threshold}
}

// Write appends p, spilling to a temporary file if Threshold is exceeded.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.tmp != nil {
		n, err := b.tmp.Write(p)
		b.written += int64(n)
		return n, err
	}
	n, _ := b.mem.Write(p)
	b.written += int64(n)
	if b.Threshold > 0 && int64(b.mem.Len()) > b.Threshold {
		if err := b.spill(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (b *Buffer) spill() error {
	f, err := os.CreateTemp("", "poaf-index-*")
	if err != nil {
		return err
	}
	if _, err := f.Write(b.mem.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	b.tmp = f
	b.mem.Reset()
	return nil
}

// Len returns the total number of bytes written so far.
func (b *Buffer) Len() int64 { return b.written }

// Open returns a reader over everything written so far, positioned at the
// beginning. Writing after Open is not supported.
func (b *Buffer) Open() (io.Reader, error) {
	if b.tmp == nil {
		return bytes.NewReader(b.mem.Bytes()), nil
	}
	if _, err := b.tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return b.tmp, nil
}

// WriteTo copies the buffer's contents, in write order, to w. It is valid to
// call WriteTo at most once; the buffer is not rewound afterwards.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	if b.tmp == nil {
		return io.Copy(w, &b.mem)
	}
	if _, err := b.tmp.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return io.Copy(w, b.tmp)
}

// Close releases the temporary file, if one was created. Safe to call
// multiple times and safe to call on every exit path, including error paths
// where WriteTo was never invoked.
func (b *Buffer) Close() error {
	if b.tmp == nil {
		return nil
	}
	name := b.tmp.Name()
	err := b.tmp.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	b.tmp = nil
	return err
}
