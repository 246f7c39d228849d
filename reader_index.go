// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package poaf

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/dsnet/poaf/internal/bytesource"
	"github.com/dsnet/poaf/internal/crcutil"
	"github.com/dsnet/poaf/internal/errors"
	"github.com/dsnet/poaf/internal/pathvalidate"
)

// indexEntry is one parsed IndexItem, augmented with the seeking metadata
// needed to open it at random: the archive offset of the DEFLATE stream
// holding its contents, and how many decompressed bytes of that stream
// precede them.
//
// A split point always lands between an item's framing header and its first
// chunk, so an item whose jump_location is nonzero has skipToContents == 0:
// its stream's first decompressed byte is its first chunk_size. Items that
// continue an earlier stream carry the running byte total of everything
// before their contents: earlier items' framing and chunks, plus their own
// header.
type indexEntry struct {
	item           Item
	streamStart    int64
	skipToContents int64
}

// IndexReader provides random access to a POAF archive's items via its
// Index Region, the way an archive/zip.Reader provides random access via a
// central directory. Every item's metadata is parsed once, up front, by
// NewIndexReader; OpenItem then seeks directly to an item's stream without
// re-reading the whole archive.
type IndexReader struct {
	ra        io.ReaderAt
	fileSize  int64
	structure Structure
	indexLoc  int64

	entries []indexEntry
	byName  map[string]int
}

// NewIndexReader parses the ArchiveHeader, Index Region, and ArchiveFooter
// of the archive in ra, which spans fileSize bytes. The structure must
// include an Index Region.
func NewIndexReader(ra io.ReaderAt, fileSize int64) (*IndexReader, error) {
	if fileSize < int64(HeaderSize+FooterSize) {
		return nil, errors.Errorf(errors.NotAnArchive, "archive too short: %d bytes", fileSize)
	}

	var hdrBuf [HeaderSize]byte
	if _, err := ra.ReadAt(hdrBuf[:], 0); err != nil {
		return nil, errors.Wrap(err, errors.NotAnArchive, "failed to read archive header")
	}
	structure, err := decodeHeader(hdrBuf[:])
	if err != nil {
		return nil, err
	}
	if !structure.HasIndexRegion() {
		return nil, errors.Errorf(errors.Incompatible, "structure %v has no Index Region", structure)
	}

	var ftrBuf [FooterSize]byte
	if _, err := ra.ReadAt(ftrBuf[:], fileSize-FooterSize); err != nil {
		return nil, errors.Wrap(err, errors.NotAnArchive, "failed to read archive footer")
	}
	ftr, err := decodeFooter(ftrBuf[:], fileSize)
	if err != nil {
		return nil, err
	}

	xr := &IndexReader{
		ra:        ra,
		fileSize:  fileSize,
		structure: structure,
		indexLoc:  int64(ftr.IndexRegionLocation),
		byName:    make(map[string]int),
	}
	if err := xr.parseIndex(ftr); err != nil {
		return nil, err
	}
	if err := xr.resolveSymlinkTargets(); err != nil {
		return nil, err
	}
	return xr, nil
}

// parseIndex decompresses and validates the Index Region, populating
// xr.entries and xr.byName with precomputed seeking metadata.
func (xr *IndexReader) parseIndex(ftr footer) error {
	src := bytesource.New(xr.ra, xr.indexLoc, xr.fileSize-FooterSize)
	dec := newStreamDecoder(src, xr.indexLoc)

	var crc crcutil.Accumulator

	// Running split state: the stream the next jump_location=0 item
	// continues, and the decompressed bytes of it consumed by the items
	// seen so far. The implicit first stream begins right after the
	// ArchiveHeader.
	var curStreamStart int64 = HeaderSize
	var skipBytes int64

	for {
		var rec [22]byte
		n, eos, err := readFullFromStream(dec, rec[:], true)
		if err != nil {
			return err
		}
		if n == 0 && eos {
			break
		}
		crc.Update(rec[:])

		contentsCRC := binary.LittleEndian.Uint32(rec[0:4])
		jumpLocation := binary.LittleEndian.Uint64(rec[4:12])
		fileSize := binary.LittleEndian.Uint64(rec[12:20])
		tans := binary.LittleEndian.Uint16(rec[20:22])
		fileType, nameSize := splitTypeAndNameSize(tans)

		name := make([]byte, nameSize)
		if _, _, err := readFullFromStream(dec, name, false); err != nil {
			return err
		}
		if err := pathvalidate.Name(name); err != nil {
			return err
		}
		crc.Update(name)

		e := indexEntry{
			item: Item{
				Name:          string(name),
				FileType:      fileType,
				FileSize:      fileSize,
				ContentsCRC32: contentsCRC,
				done:          true,
			},
		}
		switch fileType {
		case TypeDirectory:
			if fileSize != 0 || contentsCRC != 0 {
				return errors.Errorf(errors.Corrupted, "directory item %q has nonzero size or checksum", e.item.Name)
			}
		case TypeSymlink:
			if fileSize == 0 || fileSize > pathvalidate.MaxSymlinkTargetLen {
				return errors.Errorf(errors.Corrupted, "symlink item %q has implausible target length %d", e.item.Name, fileSize)
			}
		}
		if jumpLocation != 0 &&
			(jumpLocation < HeaderSize || int64(jumpLocation) >= xr.indexLoc) {
			return errors.Errorf(errors.Corrupted, "item %q jump_location %d out of bounds [%d, %d)", e.item.Name, jumpLocation, HeaderSize, xr.indexLoc)
		}

		switch xr.structure {
		case StructureIndexOnly:
			if jumpLocation == 0 {
				return errors.Errorf(errors.Corrupted, "index-only item %q has a zero jump_location", e.item.Name)
			}
			e.streamStart = int64(jumpLocation)
		case StructureBoth:
			// The first item may record HeaderSize instead of 0 for "the
			// implicit initial stream"; both resolve identically here.
			if len(xr.entries) == 0 && jumpLocation == HeaderSize {
				jumpLocation = 0
			}
			if jumpLocation != 0 {
				curStreamStart = int64(jumpLocation)
				skipBytes = 0
			} else {
				skipBytes += 4 + int64(nameSize)
			}
			e.streamStart = curStreamStart
			e.skipToContents = skipBytes
			skipBytes += int64(fileSize) + 2*(int64(fileSize)/maxChunk+1) + 4
		}

		xr.byName[e.item.Name] = len(xr.entries)
		xr.entries = append(xr.entries, e)
	}

	if got, want := crc.Sum(), ftr.IndexCRC32; got != want {
		return errors.Errorf(errors.Corrupted, "index_crc32 mismatch: got 0x%08x, want 0x%08x", got, want)
	}
	if dec.splitOffset() != xr.fileSize-FooterSize {
		return errors.Errorf(errors.Corrupted, "trailing bytes after the Index Region stream")
	}
	return nil
}

// resolveSymlinkTargets reads, validates, and caches every symlink item's
// target, the way StreamingReader resolves it eagerly in Next rather than
// requiring a separate OpenItem call for metadata a caller almost always
// wants up front (mirroring archive/tar.Header.Linkname).
func (xr *IndexReader) resolveSymlinkTargets() error {
	for i := range xr.entries {
		e := &xr.entries[i]
		if e.item.FileType != TypeSymlink {
			continue
		}
		r, err := xr.OpenItem(i)
		if err != nil {
			return err
		}
		target, err := io.ReadAll(r)
		if err != nil {
			return errors.Wrap(err, errors.Corrupted, "failed to resolve symlink target")
		}
		if err := pathvalidate.SymlinkTarget(target, []byte(e.item.Name)); err != nil {
			return err
		}
		e.item.SymlinkTarget = string(target)
	}
	return nil
}

// Len returns the number of items in the archive.
func (xr *IndexReader) Len() int { return len(xr.entries) }

// Item returns the metadata for the i'th item, in archive order.
func (xr *IndexReader) Item(i int) *Item {
	it := xr.entries[i].item
	return &it
}

// Lookup returns the index of the item named name, and whether it exists.
func (xr *IndexReader) Lookup(name string) (int, bool) {
	i, ok := xr.byName[name]
	return i, ok
}

// OpenItem returns an io.Reader over the i'th item's content, validating it
// against the contents_crc32 and file_size recorded in the Index Region
// (and, in structure "both", the item's own streaming_crc32) as it is read
// to EOF. Directories always yield an empty reader without touching the
// archive. Each open acquires its own decoder; items may be opened in any
// order and concurrently.
func (xr *IndexReader) OpenItem(i int) (io.Reader, error) {
	if i < 0 || i >= len(xr.entries) {
		return nil, errors.Errorf(errors.Invalid, "item index %d out of range", i)
	}
	e := xr.entries[i]
	if e.item.FileType == TypeDirectory {
		return bytes.NewReader(nil), nil
	}

	switch xr.structure {
	case StructureIndexOnly:
		return xr.openRaw(e)
	default: // StructureBoth
		return xr.openFramed(e)
	}
}

// openRaw opens an index-only item: a standalone DEFLATE stream holding
// exactly e.item.FileSize bytes of raw content, with no StreamingItem
// framing to parse.
func (xr *IndexReader) openRaw(e indexEntry) (io.Reader, error) {
	src := bytesource.New(xr.ra, e.streamStart, xr.indexLoc)
	dec := newStreamDecoder(src, e.streamStart)
	return &rawItemReader{dec: dec, remaining: e.item.FileSize, wantCRC: e.item.ContentsCRC32}, nil
}

// openFramed opens a "both"-structure item: it seeks to the start of the
// stream holding the item's contents, discards the decompressed bytes that
// precede them, and verifies the item's own framing header along the way.
//
// When the item continued an existing stream, its header is among the
// skipped bytes and is checked against the index's record of it. When the
// item began a new stream, its header sits at the tail of the previous
// stream instead; it is reconstructed from the index so the trailing
// streaming_crc32, which covers the header, still verifies end to end.
func (xr *IndexReader) openFramed(e indexEntry) (io.Reader, error) {
	src := bytesource.New(xr.ra, e.streamStart, xr.indexLoc)
	dec := newStreamDecoder(src, e.streamStart)

	hdr := itemHeader{FileType: e.item.FileType, Name: []byte(e.item.Name)}
	want := hdr.encode()

	var acc crcutil.Accumulator
	if e.skipToContents == 0 {
		acc.Update(want)
	} else {
		if err := discardFromStream(dec, e.skipToContents-hdr.encodedSize()); err != nil {
			return nil, err
		}
		got := make([]byte, len(want))
		if _, _, err := readFullFromStream(dec, got, false); err != nil {
			return nil, err
		}
		if !bytes.Equal(got, want) {
			return nil, errors.Errorf(errors.Corrupted, "stream does not hold item %q at its indexed location", e.item.Name)
		}
		acc.Update(got)
	}
	return &framedItemReader{
		dec:      dec,
		acc:      acc,
		wantCRC:  e.item.ContentsCRC32,
		wantSize: e.item.FileSize,
	}, nil
}

// framedItemReader delivers one StreamingItem's chunked content, verifying
// file_size and both checksums once the final chunk and trailer have been
// read.
type framedItemReader struct {
	dec         *streamDecoder
	acc         crcutil.Accumulator
	contentsAcc crcutil.Accumulator
	pending     []byte
	size        uint64
	chunkDone   bool
	wantCRC     uint32
	wantSize    uint64
}

func (fr *framedItemReader) Read(p []byte) (int, error) {
	for len(fr.pending) == 0 {
		if fr.chunkDone {
			crc, err := readTrailingCRC(fr.dec)
			if err != nil {
				return 0, err
			}
			if got, want := fr.acc.Sum(), crc; got != want {
				return 0, errors.Errorf(errors.Corrupted, "streaming_crc32 mismatch: got 0x%08x, want 0x%08x", got, want)
			}
			if got, want := fr.contentsAcc.Sum(), fr.wantCRC; got != want {
				return 0, errors.Errorf(errors.Corrupted, "contents_crc32 mismatch: got 0x%08x, want 0x%08x", got, want)
			}
			if fr.size != fr.wantSize {
				return 0, errors.Errorf(errors.Corrupted, "file_size mismatch: got %d, index records %d", fr.size, fr.wantSize)
			}
			return 0, io.EOF
		}
		chunk, last, err := readChunk(fr.dec, &fr.acc)
		if err != nil {
			return 0, err
		}
		fr.contentsAcc.Update(chunk)
		fr.size += uint64(len(chunk))
		fr.pending = chunk
		fr.chunkDone = last
	}
	n := copy(p, fr.pending)
	fr.pending = fr.pending[n:]
	return n, nil
}

// rawItemReader delivers an index-only item's unframed content directly
// from its private DEFLATE stream, verifying contents_crc32 and the exact
// end-of-stream position at EOF.
type rawItemReader struct {
	dec       *streamDecoder
	acc       crcutil.Accumulator
	remaining uint64
	wantCRC   uint32
	done      bool
}

func (rr *rawItemReader) Read(p []byte) (int, error) {
	if rr.done {
		return 0, io.EOF
	}
	if rr.remaining == 0 {
		rr.done = true
		if got, want := rr.acc.Sum(), rr.wantCRC; got != want {
			return 0, errors.Errorf(errors.Corrupted, "contents_crc32 mismatch: got 0x%08x, want 0x%08x", got, want)
		}
		var one [1]byte
		n, eos, err := rr.dec.readDecompressed(one[:])
		if err != nil {
			return 0, err
		}
		if n > 0 || !eos {
			return 0, errors.Errorf(errors.Corrupted, "item stream holds more than file_size bytes")
		}
		return 0, io.EOF
	}
	if uint64(len(p)) > rr.remaining {
		p = p[:rr.remaining]
	}
	n, eos, err := rr.dec.readDecompressed(p)
	rr.acc.Update(p[:n])
	rr.remaining -= uint64(n)
	if err != nil {
		return n, err
	}
	if n == 0 && eos {
		return 0, errors.Errorf(errors.Corrupted, "item stream truncated before file_size bytes")
	}
	return n, nil
}
