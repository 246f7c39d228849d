// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package bytesource provides a bounded, positioned view over an underlying
// random-access byte source, used by the index reader to constrain a DEFLATE
// decoder to a known [start, end) window of the archive.
package bytesource

import (
	"io"
)

// Source is a bounded, read-only window [start, end) over an io.ReaderAt.
// It implements io.Reader, advancing an internal cursor on every Read.
type Source struct {
	ra  io.ReaderAt
	end int64 // Absolute offset one past the last byte in the window.
	pos int64 // Absolute offset of the next byte Read will return.
}

// New returns a Source over ra restricted to [start, end).
func New(ra io.ReaderAt, start, end int64) *Source {
	return &Source{ra: ra, end: end, pos: start}
}

// Len returns the number of bytes remaining between the cursor and the end
// of the window.
func (s *Source) Len() int64 { return s.end - s.pos }

// Read implements io.Reader, never returning bytes past the window's end.
func (s *Source) Read(p []byte) (int, error) {
	if s.pos >= s.end {
		return 0, io.EOF
	}
	if max := s.end - s.pos; int64(len(p)) > max {
		p = p[:max]
	}
	n, err := s.ra.ReadAt(p, s.pos)
	s.pos += int64(n)
	if err == io.EOF && n > 0 {
		// A short final ReadAt before hitting our own window boundary is
		// not EOF from the caller's perspective.
		err = nil
	}
	return n, err
}
