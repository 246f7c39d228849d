// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package poaf

import (
	"encoding/binary"

	"github.com/dsnet/poaf/internal/crcutil"
	"github.com/dsnet/poaf/internal/errors"
	"github.com/dsnet/poaf/internal/pathvalidate"
)

// itemHeader is the decoded signature/type_and_name_size/name prefix shared
// by every StreamingItem, used by both StreamingReader and IndexReader's
// OpenItem so the two readers never drift in how they parse the same
// framing.
type itemHeader struct {
	FileType FileType
	Name     []byte
}

// encodedSize returns the byte length of the header's wire form:
// 2 signature bytes, 2 type_and_name_size bytes, and the name.
func (h itemHeader) encodedSize() int64 {
	return 4 + int64(len(h.Name))
}

// encode returns the header's wire form.
func (h itemHeader) encode() []byte {
	buf := make([]byte, h.encodedSize())
	binary.LittleEndian.PutUint16(buf[0:2], itemSignature)
	binary.LittleEndian.PutUint16(buf[2:4], typeAndNameSize(h.FileType, len(h.Name)))
	copy(buf[4:], h.Name)
	return buf
}

// readFullFromStream reads exactly len(buf) bytes from dec. allowEmpty
// permits a clean end-of-stream with zero bytes read; any partial fill is a
// truncation regardless.
func readFullFromStream(dec *streamDecoder, buf []byte, allowEmpty bool) (n int, eos bool, err error) {
	for n < len(buf) {
		var got int
		got, eos, err = dec.readDecompressed(buf[n:])
		n += got
		if err != nil {
			return n, eos, err
		}
		if eos {
			if n == len(buf) {
				return n, true, nil
			}
			if n == 0 && allowEmpty {
				return 0, true, nil
			}
			return n, true, errors.Errorf(errors.Corrupted, "unexpected end of stream")
		}
	}
	return n, eos, nil
}

// readItemHeader decodes one StreamingItem's signature, type_and_name_size,
// and name, validating the name eagerly. done reports a clean end-of-stream
// before any item began. acc, if non-nil, accumulates the decoded bytes
// toward a streaming_crc32.
func readItemHeader(dec *streamDecoder, acc *crcutil.Accumulator) (hdr itemHeader, done bool, err error) {
	var buf [4]byte
	n, _, err := readFullFromStream(dec, buf[:], true)
	if err != nil {
		return itemHeader{}, false, err
	}
	if n == 0 {
		return itemHeader{}, true, nil
	}
	if acc != nil {
		acc.Update(buf[:])
	}
	sig := binary.LittleEndian.Uint16(buf[0:2])
	if sig != itemSignature {
		return itemHeader{}, false, errors.Errorf(errors.Corrupted, "bad item signature 0x%04x", sig)
	}
	tans := binary.LittleEndian.Uint16(buf[2:4])
	fileType, nameSize := splitTypeAndNameSize(tans)

	name := make([]byte, nameSize)
	if _, _, err := readFullFromStream(dec, name, false); err != nil {
		return itemHeader{}, false, err
	}
	if err := pathvalidate.Name(name); err != nil {
		return itemHeader{}, false, err
	}
	if acc != nil {
		acc.Update(name)
	}
	return itemHeader{FileType: fileType, Name: name}, false, nil
}

// readChunk decodes one chunk_size/chunk pair. last reports whether
// chunk_size was below maxChunk, the terminal marker.
func readChunk(dec *streamDecoder, acc *crcutil.Accumulator) (payload []byte, last bool, err error) {
	var sizeBuf [2]byte
	if _, _, err := readFullFromStream(dec, sizeBuf[:], false); err != nil {
		return nil, false, err
	}
	if acc != nil {
		acc.Update(sizeBuf[:])
	}
	size := binary.LittleEndian.Uint16(sizeBuf[:])
	payload = make([]byte, size)
	if _, _, err := readFullFromStream(dec, payload, false); err != nil {
		return nil, false, err
	}
	if acc != nil {
		acc.Update(payload)
	}
	return payload, size < maxChunk, nil
}

// readFirstChunk decodes an item's first chunk_size/chunk pair. This is the
// one boundary where a stream split may legally appear: the writer emits an
// item's framing header into the old stream and begins the new stream at
// the item's first chunk_size byte. A split is detected, never probed for:
// the decoder reports end-of-stream with zero bytes exactly here, after
// which it is restarted over its own unused input and the read retried
// once. splitAt is the archive offset the new stream began at, the
// jump_location an index would record for this item.
func readFirstChunk(dec *streamDecoder, acc *crcutil.Accumulator) (payload []byte, last bool, splitAt int64, split bool, err error) {
	var sizeBuf [2]byte
	n, _, err := readFullFromStream(dec, sizeBuf[:], true)
	if err != nil {
		return nil, false, 0, false, err
	}
	if n == 0 {
		splitAt, split = dec.splitOffset(), true
		dec.restart()
		if _, _, err := readFullFromStream(dec, sizeBuf[:], false); err != nil {
			return nil, false, 0, false, err
		}
	}
	if acc != nil {
		acc.Update(sizeBuf[:])
	}
	size := binary.LittleEndian.Uint16(sizeBuf[:])
	payload = make([]byte, size)
	if _, _, err := readFullFromStream(dec, payload, false); err != nil {
		return nil, false, 0, false, err
	}
	if acc != nil {
		acc.Update(payload)
	}
	return payload, size < maxChunk, splitAt, split, nil
}

// readTrailingCRC decodes an item's 4-byte streaming_crc32 trailer.
func readTrailingCRC(dec *streamDecoder) (uint32, error) {
	var buf [4]byte
	if _, _, err := readFullFromStream(dec, buf[:], false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// discardFromStream decodes and discards exactly n bytes. IndexReader uses
// this to skip past the bytes that share a stream with, but precede, the
// item being opened.
func discardFromStream(dec *streamDecoder, n int64) error {
	var buf [4096]byte
	for n > 0 {
		m := int64(len(buf))
		if n < m {
			m = n
		}
		if _, _, err := readFullFromStream(dec, buf[:m], false); err != nil {
			return err
		}
		n -= m
	}
	return nil
}
