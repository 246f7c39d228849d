// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package pathvalidate validates archive item names and symlink targets
// against the poaf path grammar: no Windows-hostile characters, no absolute
// paths, no empty segments, and bounded "../" navigation for symlink
// targets.
package pathvalidate

import (
	"bytes"
	"unicode/utf8"

	"github.com/dsnet/poaf/internal/errors"
)

const (
	// MaxNameLen is the longest a regular archive path name may be.
	MaxNameLen = 16383

	// MaxSymlinkTargetLen is the longest a symlink target may be.
	MaxSymlinkTargetLen = 4095
)

// forbidden reports whether b is a byte that may never appear in a name or
// symlink target: the C0 control range, plus the Windows-hostile set
// '"', '*', ':', '<', '>', '?', '\', '|'.
func forbidden(b byte) bool {
	if b <= 0x1f {
		return true
	}
	switch b {
	case '"', '*', ':', '<', '>', '?', '\\', '|':
		return true
	}
	return false
}

func checkCharset(name []byte) error {
	if !utf8.Valid(name) {
		return errors.Errorf(errors.InvalidPath, "name is not valid UTF-8")
	}
	for _, b := range name {
		if forbidden(b) {
			return errors.Errorf(errors.InvalidPath, "name contains a forbidden byte 0x%02x", b)
		}
	}
	return nil
}

// Name validates name in "archive path" mode: used for StreamingItem.name
// and IndexItem.name.
func Name(name []byte) error {
	if len(name) == 0 {
		return errors.Errorf(errors.InvalidPath, "name must not be empty")
	}
	if len(name) > MaxNameLen {
		return errors.Errorf(errors.InvalidPath, "name must not be longer than %d bytes", MaxNameLen)
	}
	if err := checkCharset(name); err != nil {
		return err
	}

	segments := bytes.Split(name, []byte("/"))
	if len(segments[0]) == 0 {
		return errors.Errorf(errors.InvalidPath, "name must not be absolute")
	}
	for _, seg := range segments {
		if len(seg) == 0 {
			return errors.Errorf(errors.InvalidPath, "name must not contain empty segments")
		}
		if bytes.Equal(seg, []byte(".")) {
			return errors.Errorf(errors.InvalidPath, "name must not contain '.' segments")
		}
		if bytes.Equal(seg, []byte("..")) {
			return errors.Errorf(errors.InvalidPath, "name must not contain '..' segments")
		}
	}
	return nil
}

// Depth returns the number of '/' bytes in fileName, used to bound how many
// leading ".." segments a symlink at that path may use.
func Depth(fileName []byte) int {
	return bytes.Count(fileName, []byte("/"))
}

// SymlinkTarget validates target in "symlink target" mode, where fileName is
// the archive path of the symlink itself (used to bound leading ".."
// navigation to the symlink's own nesting depth).
func SymlinkTarget(target, fileName []byte) error {
	if len(target) == 0 {
		return errors.Errorf(errors.InvalidPath, "symlink target must not be empty")
	}
	if len(target) > MaxSymlinkTargetLen {
		return errors.Errorf(errors.InvalidPath, "symlink target must not be longer than %d bytes", MaxSymlinkTargetLen)
	}
	if err := checkCharset(target); err != nil {
		return err
	}
	if bytes.Equal(target, []byte(".")) {
		return nil
	}

	segments := bytes.Split(target, []byte("/"))
	if len(segments[0]) == 0 {
		return errors.Errorf(errors.InvalidPath, "symlink target must not be absolute")
	}
	for _, seg := range segments {
		if len(seg) == 0 {
			return errors.Errorf(errors.InvalidPath, "symlink target must not contain empty segments")
		}
	}

	depth := Depth(fileName)
	for depth > 0 && len(segments) > 0 && bytes.Equal(segments[0], []byte("..")) {
		segments = segments[1:]
		depth--
	}
	for _, seg := range segments {
		if bytes.Equal(seg, []byte(".")) {
			return errors.Errorf(errors.InvalidPath, "symlink target must not contain '.' segments after navigation")
		}
		if bytes.Equal(seg, []byte("..")) {
			return errors.Errorf(errors.InvalidPath, "symlink target may only use '..' up to the depth of the symlink")
		}
	}
	return nil
}
