// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package poaf implements the "plain old archive format": a container for a
// set of named filesystem items (regular files, POSIX executables,
// directories, symlinks), built from concatenated raw-DEFLATE streams with
// an optional random-access index.
//
// An archive has up to two regions: a Data Region, a linear sequence of
// framed items suitable for streaming decode, and an Index Region, a
// separately compressed table of item metadata suitable for random access.
// Both regions, when present, describe the same items in the same order and
// must cross-validate; see Writer and the two Reader implementations,
// StreamingReader and IndexReader.
//
// This package does not walk filesystems, apply permission bits, or extract
// archives to disk; it is a pure container codec. Callers provide item
// bytes and receive item bytes.
package poaf

import "fmt"

// FileType identifies the kind of filesystem item a StreamingItem or
// IndexItem describes.
type FileType uint8

const (
	// TypeRegular is an ordinary file.
	TypeRegular FileType = 0

	// TypePosixExecutable is a regular file with the POSIX executable bit
	// set.
	TypePosixExecutable FileType = 1

	// TypeDirectory is a directory; its single chunk always has size 0.
	TypeDirectory FileType = 2

	// TypeSymlink is a symbolic link; its single chunk holds the link
	// target as an archive path (see internal/pathvalidate).
	TypeSymlink FileType = 3
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypePosixExecutable:
		return "posix-executable"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("FileType(%d)", uint8(t))
	}
}

// Structure identifies which regions an archive carries.
type Structure uint8

const (
	// StructureStreamingOnly archives have a Data Region and no Index
	// Region or footer.
	StructureStreamingOnly Structure = iota

	// StructureIndexOnly archives have an Index Region and footer, but no
	// Data Region; every item's content is only reachable via the index.
	StructureIndexOnly

	// StructureBoth archives have a Data Region, an Index Region, and a
	// footer; either reader implementation may be used.
	StructureBoth
)

func (s Structure) String() string {
	switch s {
	case StructureStreamingOnly:
		return "streaming-only"
	case StructureIndexOnly:
		return "index-only"
	case StructureBoth:
		return "both"
	default:
		return fmt.Sprintf("Structure(%d)", uint8(s))
	}
}

// HasDataRegion reports whether archives of this structure carry a Data
// Region.
func (s Structure) HasDataRegion() bool { return s != StructureIndexOnly }

// HasIndexRegion reports whether archives of this structure carry an Index
// Region and footer.
func (s Structure) HasIndexRegion() bool { return s != StructureStreamingOnly }

const (
	// itemSignature begins every StreamingItem.
	itemSignature = uint16(0xACDC) // bytes 0xDC 0xAC, little-endian

	// footerSig0..footerSig2 end every ArchiveFooter, the 3 trailing bytes.
	footerSig0, footerSig1, footerSig2 = 0xEE, 0xE9, 0xCF

	// maxChunk is the largest chunk payload a single chunk_size/chunk pair
	// may carry; a chunk of exactly this size is never terminal.
	maxChunk = 0xFFFF

	// maxNameSize is the largest name_size the 14-bit field can encode.
	maxNameSize = 0x3FFF
)

var (
	headerStreamingOnly = [4]byte{0xBE, 0xF6, 0xF2, 0x9D}
	headerIndexOnly     = [4]byte{0xBE, 0xF6, 0xF1, 0x9E}
	headerBoth          = [4]byte{0xBE, 0xF6, 0xF0, 0x9F}
)

// typeAndNameSize packs a FileType and a name length into the 16-bit field
// shared by StreamingItem and IndexItem.
func typeAndNameSize(t FileType, nameSize int) uint16 {
	return uint16(t)<<14 | uint16(nameSize)
}

// splitTypeAndNameSize unpacks the 16-bit field into its FileType and
// name_size components.
func splitTypeAndNameSize(v uint16) (FileType, int) {
	return FileType(v >> 14), int(v & maxNameSize)
}

// Item is the reader-facing view of one archive entry. Name and FileType
// are always populated; FileSize and ContentsCRC32 are populated whenever an
// IndexItem is available (index reads, or streaming reads after the item
// has been fully consumed). SymlinkTarget is populated only for
// TypeSymlink.
type Item struct {
	Name          string
	FileType      FileType
	FileSize      uint64
	ContentsCRC32 uint32
	SymlinkTarget string

	// done becomes true once StreamingReader has consumed this item's
	// content and verified its streaming_crc32. Items built by IndexReader
	// always carry true.
	done bool
}

// Done reports whether StreamingReader has consumed every content byte of
// this item and verified its trailer. Items returned by IndexReader.Item
// always report true; reading through an OpenItem reader does not change
// them.
func (it *Item) Done() bool { return it.done }
