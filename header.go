// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package poaf

import (
	"encoding/binary"

	"github.com/dsnet/poaf/internal/errors"
)

// HeaderSize is the fixed size of the 4-byte ArchiveHeader.
const HeaderSize = 4

// FooterSize is the fixed size of the 16-byte ArchiveFooter.
const FooterSize = 16

// encodeHeader returns the 4-byte ArchiveHeader for the given structure.
func encodeHeader(s Structure) [4]byte {
	switch s {
	case StructureStreamingOnly:
		return headerStreamingOnly
	case StructureIndexOnly:
		return headerIndexOnly
	case StructureBoth:
		return headerBoth
	default:
		panic("poaf: invalid Structure")
	}
}

// decodeHeader parses a 4-byte ArchiveHeader, returning the archive's
// Structure. Any value other than the three legal magics is NotAnArchive.
func decodeHeader(buf []byte) (Structure, error) {
	if len(buf) != HeaderSize {
		return 0, errors.Errorf(errors.Corrupted, "short archive header: got %d bytes", len(buf))
	}
	switch [4]byte{buf[0], buf[1], buf[2], buf[3]} {
	case headerStreamingOnly:
		return StructureStreamingOnly, nil
	case headerIndexOnly:
		return StructureIndexOnly, nil
	case headerBoth:
		return StructureBoth, nil
	default:
		return 0, errors.Errorf(errors.NotAnArchive, "unrecognized archive header % x", buf)
	}
}

// footer is the decoded ArchiveFooter.
type footer struct {
	IndexCRC32          uint32
	IndexRegionLocation uint64
}

// footerChecksum computes the single-byte checksum of an encoded
// index_region_location: the sum of its 8 little-endian bytes, mod 256.
func footerChecksum(loc uint64) byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], loc)
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return sum
}

// encodeFooter returns the 16-byte ArchiveFooter.
func encodeFooter(f footer) [FooterSize]byte {
	var buf [FooterSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], f.IndexCRC32)
	binary.LittleEndian.PutUint64(buf[4:12], f.IndexRegionLocation)
	buf[12] = footerChecksum(f.IndexRegionLocation)
	buf[13], buf[14], buf[15] = footerSig0, footerSig1, footerSig2
	return buf
}

// decodeFooter parses a 16-byte ArchiveFooter, validating the trailing
// signature and footer_checksum. fileSize is the total archive length, used
// to bound index_region_location.
func decodeFooter(buf []byte, fileSize int64) (footer, error) {
	if len(buf) != FooterSize {
		return footer{}, errors.Errorf(errors.Corrupted, "short archive footer: got %d bytes", len(buf))
	}
	if buf[13] != footerSig0 || buf[14] != footerSig1 || buf[15] != footerSig2 {
		return footer{}, errors.Errorf(errors.NotAnArchive, "bad footer signature % x", buf[13:16])
	}
	loc := binary.LittleEndian.Uint64(buf[4:12])
	if want, got := footerChecksum(loc), buf[12]; want != got {
		return footer{}, errors.Errorf(errors.Corrupted, "footer checksum mismatch: want 0x%02x, got 0x%02x", want, got)
	}
	if loc < HeaderSize || int64(loc) >= fileSize-FooterSize {
		return footer{}, errors.Errorf(errors.Corrupted, "index_region_location %d out of bounds [%d, %d)", loc, HeaderSize, fileSize-FooterSize)
	}
	return footer{
		IndexCRC32:          binary.LittleEndian.Uint32(buf[0:4]),
		IndexRegionLocation: loc,
	}, nil
}
