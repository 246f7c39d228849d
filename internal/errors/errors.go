// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package errors provides the typed error taxonomy shared by every poaf
// reader and writer. Every failure that crosses an exported boundary carries
// a Kind so that callers can switch on the taxonomy instead of matching
// error strings.
package errors

import (
	"fmt"
)

// Kind classifies a poaf error. The zero Kind is never produced by this
// package.
type Kind uint8

const (
	_ Kind = iota

	// NotAnArchive indicates a header or footer magic mismatch.
	NotAnArchive

	// Corrupted indicates a structural violation: a bad item signature, a
	// truncated record, an out-of-bounds location, a CRC mismatch, or an
	// illegal mid-stream split.
	Corrupted

	// InvalidPath indicates a name or symlink target that fails path
	// validation.
	InvalidPath

	// Incompatible indicates the archive lacks the structure a reader
	// requires (e.g. random access on a streaming-only archive).
	Incompatible

	// TooLarge indicates a per-call size limit was exceeded, such as
	// ItemContentsTooLong.
	TooLarge

	// IO indicates a failure surfaced unchanged from the underlying sink or
	// source (a partial write, a closed file, a network error).
	IO

	// Invalid indicates a caller-side API misuse not covered by the wire
	// format taxonomy above: an unrecognized Structure or FileType
	// constant, or a call made after Close.
	Invalid
)

func (k Kind) String() string {
	switch k {
	case NotAnArchive:
		return "not an archive"
	case Corrupted:
		return "malformed input"
	case InvalidPath:
		return "invalid archive path"
	case Incompatible:
		return "incompatible input"
	case TooLarge:
		return "contents too long"
	case IO:
		return "i/o error"
	case Invalid:
		return "invalid argument"
	default:
		return "unknown error"
	}
}

// Error is the concrete error type returned by every exported poaf
// operation. It pairs a Kind with a human-readable message and an optional
// wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("poaf: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("poaf: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with kind, preserving err as the unwrap target. If err
// is already an *Error, its Kind is left untouched and only the message is
// augmented; this avoids masking a more specific Kind raised deeper in the
// call stack.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return &Error{Kind: e.Kind, Msg: msg + ": " + e.Msg, Err: e.Err}
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Errorf constructs a new *Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return errorf(kind, format, args...)
}
