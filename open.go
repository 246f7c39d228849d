// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package poaf

import (
	"io"

	"github.com/dsnet/poaf/internal/errors"
)

// OpenReader opens the archive in r, choosing between the two reader
// implementations based on the archive's structure and on whether r
// supports random access (implements io.ReaderAt). size is the total
// archive length; it is only consulted for random access.
//
// preferIndex selects the IndexReader whenever the archive and source
// allow it; otherwise the StreamingReader is preferred. requireIndex makes
// index access mandatory: if the archive has no Index Region or r is not
// seekable, OpenReader fails with an incompatible-input error rather than
// falling back to streaming. Exactly one of the two returned readers is
// non-nil on success.
//
// Callers that already know which access pattern they need should call
// NewIndexReader or NewStreamingReader directly instead.
func OpenReader(r io.Reader, size int64, preferIndex, requireIndex bool) (*IndexReader, *StreamingReader, error) {
	ra, seekable := r.(io.ReaderAt)
	if !seekable {
		if requireIndex {
			return nil, nil, errors.Errorf(errors.Incompatible, "index access requires a seekable source")
		}
		sr, err := NewStreamingReader(r)
		return nil, sr, err
	}

	if size < HeaderSize {
		return nil, nil, errors.Errorf(errors.NotAnArchive, "archive too short: %d bytes", size)
	}
	var hdrBuf [HeaderSize]byte
	if _, err := ra.ReadAt(hdrBuf[:], 0); err != nil {
		return nil, nil, errors.Wrap(err, errors.NotAnArchive, "failed to read archive header")
	}
	structure, err := decodeHeader(hdrBuf[:])
	if err != nil {
		return nil, nil, err
	}

	if requireIndex && !structure.HasIndexRegion() {
		return nil, nil, errors.Errorf(errors.Incompatible, "structure %v has no Index Region", structure)
	}
	useIndex := structure.HasIndexRegion() &&
		(preferIndex || requireIndex || !structure.HasDataRegion())
	if useIndex {
		xr, err := NewIndexReader(ra, size)
		return xr, nil, err
	}
	sr, err := NewStreamingReader(io.NewSectionReader(ra, 0, size))
	return nil, sr, err
}
