// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package poaf

import (
	stderrors "errors"

	"github.com/dsnet/poaf/internal/errors"
)

// Kind classifies why a poaf operation failed. Every error returned across
// this package's exported API wraps one of these.
type Kind = errors.Kind

// The Kind values every exported operation may report.
const (
	KindNotAnArchive = errors.NotAnArchive
	KindCorrupted    = errors.Corrupted
	KindInvalidPath  = errors.InvalidPath
	KindIncompatible = errors.Incompatible
	KindTooLarge     = errors.TooLarge
	KindIO           = errors.IO
	KindInvalid      = errors.Invalid
)

// ErrorKind reports the Kind of err, if err (or something it wraps) is a
// poaf error. Callers that need to distinguish, say, a corrupted archive
// from an unsupported one should switch on this instead of comparing error
// strings.
func ErrorKind(err error) (Kind, bool) {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
