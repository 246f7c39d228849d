// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package poaf

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/dsnet/poaf/internal/crcutil"
	"github.com/dsnet/poaf/internal/errors"
	"github.com/dsnet/poaf/internal/pathvalidate"
	"github.com/dsnet/poaf/internal/spillbuffer"
)

type streamingState uint8

const (
	stateIdle streamingState = iota
	stateItemBody
	stateDone
)

// StreamingReader reads a POAF archive's Data Region as a forward-only
// sequence of items. Call Next to advance, then Read to pull the current
// item's content; Next automatically discards whatever content of the
// previous item the caller did not consume.
//
// StreamingReader never seeks: it only ever advances through the source it
// was given, restarting its DEFLATE decoder whenever a stream split is
// reached. This is the only reader usable against a plain io.Reader (a
// pipe, a network connection) rather than a random-access source; see
// IndexReader for seekable access.
//
// As it iterates a StructureBoth archive, the reader rebuilds the Index
// Region it expects the archive to carry, including the jump_location of
// every stream split it crossed, and Close compares that prediction
// byte-for-byte against the archive's actual Index Region and footer. A
// lying jump_location that would misdirect random access is caught here
// even though streaming decode itself never needed it.
type StreamingReader struct {
	dec       *streamDecoder
	structure Structure
	state     streamingState
	err       error
	closed    bool

	cur         Item
	curHdr      itemHeader
	curJump     uint64
	firstChunk  bool
	acc         crcutil.Accumulator
	contentsAcc crcutil.Accumulator
	pending     []byte
	chunkDone   bool

	// Predicted Index Region state, used only for StructureBoth: the
	// serialized IndexItems this Data Region implies, and the archive
	// offset at which the Data Region ended.
	predicted *spillbuffer.Buffer
	indexLoc  int64
}

// NewStreamingReader returns a StreamingReader reading a POAF archive from
// r, starting with its 4-byte ArchiveHeader. The structure must include a
// Data Region.
func NewStreamingReader(r io.Reader) (*StreamingReader, error) {
	var hdrBuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return nil, errors.Wrap(err, errors.NotAnArchive, "failed to read archive header")
	}
	structure, err := decodeHeader(hdrBuf[:])
	if err != nil {
		return nil, err
	}
	if !structure.HasDataRegion() {
		return nil, errors.Errorf(errors.Incompatible, "structure %v has no Data Region to stream", structure)
	}
	sr := &StreamingReader{
		dec:       newStreamDecoder(r, HeaderSize),
		structure: structure,
		state:     stateIdle,
	}
	if structure.HasIndexRegion() {
		sr.predicted = spillbuffer.New(DefaultIndexSpillThreshold)
	}
	return sr, nil
}

// Next advances to the next item in the Data Region, returning io.EOF once
// every item has been visited.
func (sr *StreamingReader) Next() (*Item, error) {
	if sr.err != nil {
		return nil, sr.err
	}
	if sr.state == stateDone {
		return nil, io.EOF
	}
	if sr.state == stateItemBody {
		if err := sr.skipRestOfItem(); err != nil {
			return nil, sr.fail(err)
		}
	}

	// A clean end-of-stream between items always means the Data Region is
	// over: the writer only ever splits streams after an item's framing
	// header, never at an item boundary. Whatever input remains unconsumed
	// is the Index Region and footer (StructureBoth) or trailing garbage
	// (StructureStreamingOnly); Close accounts for it either way.
	sr.acc = crcutil.Accumulator{}
	hdr, done, err := readItemHeader(sr.dec, &sr.acc)
	if err != nil {
		return nil, sr.fail(err)
	}
	if done {
		sr.state = stateDone
		sr.indexLoc = sr.dec.splitOffset()
		return nil, io.EOF
	}

	sr.cur = Item{Name: string(hdr.Name), FileType: hdr.FileType}
	sr.curHdr = hdr
	sr.curJump = 0
	sr.firstChunk = true
	sr.contentsAcc = crcutil.Accumulator{}
	sr.pending = nil
	sr.chunkDone = false

	// Directories and symlinks always carry exactly one chunk and are
	// small enough (a symlink target is bounded to 4095 bytes) that it is
	// friendlier to resolve them eagerly, the way tar.Reader populates
	// Header.Linkname without requiring a Read call. Regular files are
	// left in stateItemBody for the caller to Read.
	switch hdr.FileType {
	case TypeDirectory, TypeSymlink:
		chunk, last, err := sr.nextChunk()
		if err != nil {
			return nil, sr.fail(err)
		}
		if !last {
			return nil, sr.fail(errors.Errorf(errors.Corrupted, "%v item %q must have exactly one chunk", hdr.FileType, sr.cur.Name))
		}
		if hdr.FileType == TypeDirectory && len(chunk) != 0 {
			return nil, sr.fail(errors.Errorf(errors.Corrupted, "directory item %q has %d bytes of contents", sr.cur.Name, len(chunk)))
		}
		if hdr.FileType == TypeSymlink {
			if err := pathvalidate.SymlinkTarget(chunk, hdr.Name); err != nil {
				return nil, sr.fail(err)
			}
			sr.cur.SymlinkTarget = string(chunk)
		}
		sr.contentsAcc.Update(chunk)
		sr.cur.FileSize = uint64(len(chunk))
		sr.chunkDone = true
		if err := sr.finishItem(); err != nil {
			return nil, sr.fail(err)
		}
		sr.state = stateIdle
	default:
		sr.state = stateItemBody
	}
	return &sr.cur, nil
}

// nextChunk reads the current item's next chunk, handling the stream split
// that may legally appear before the first one.
func (sr *StreamingReader) nextChunk() (payload []byte, last bool, err error) {
	if !sr.firstChunk {
		return readChunk(sr.dec, &sr.acc)
	}
	sr.firstChunk = false
	payload, last, splitAt, split, err := readFirstChunk(sr.dec, &sr.acc)
	if err != nil {
		return nil, false, err
	}
	if split {
		sr.curJump = uint64(splitAt)
	}
	return payload, last, nil
}

// Read returns the current item's content. It returns io.EOF once the
// item's final chunk has been delivered and its streaming_crc32 has been
// verified.
func (sr *StreamingReader) Read(p []byte) (int, error) {
	if sr.err != nil {
		return 0, sr.err
	}
	if sr.state != stateItemBody {
		return 0, errors.Errorf(errors.Invalid, "Read called with no active item")
	}
	for len(sr.pending) == 0 {
		if sr.chunkDone {
			if err := sr.finishItem(); err != nil {
				return 0, sr.fail(err)
			}
			sr.state = stateIdle
			return 0, io.EOF
		}
		chunk, last, err := sr.nextChunk()
		if err != nil {
			return 0, sr.fail(err)
		}
		sr.contentsAcc.Update(chunk)
		sr.cur.FileSize += uint64(len(chunk))
		sr.pending = chunk
		sr.chunkDone = last
	}
	n := copy(p, sr.pending)
	sr.pending = sr.pending[n:]
	return n, nil
}

// skipRestOfItem discards any chunks of the current item the caller never
// read, then verifies it exactly as Read would on a natural EOF.
func (sr *StreamingReader) skipRestOfItem() error {
	for !sr.chunkDone {
		chunk, last, err := sr.nextChunk()
		if err != nil {
			return err
		}
		sr.contentsAcc.Update(chunk)
		sr.cur.FileSize += uint64(len(chunk))
		sr.chunkDone = last
	}
	sr.pending = nil
	if err := sr.finishItem(); err != nil {
		return err
	}
	sr.state = stateIdle
	return nil
}

// finishItem reads the trailing streaming_crc32 and validates it, records
// the item's ContentsCRC32 for the caller, and appends the predicted
// IndexItem to the side buffer.
func (sr *StreamingReader) finishItem() error {
	sr.cur.ContentsCRC32 = sr.contentsAcc.Sum()
	crc, err := readTrailingCRC(sr.dec)
	if err != nil {
		return err
	}
	if got, want := sr.acc.Sum(), crc; got != want {
		return errors.Errorf(errors.Corrupted, "streaming_crc32 mismatch for %q: got 0x%08x, want 0x%08x", sr.cur.Name, got, want)
	}
	sr.cur.done = true

	if sr.predicted != nil {
		var rec [22]byte
		binary.LittleEndian.PutUint32(rec[0:4], sr.cur.ContentsCRC32)
		binary.LittleEndian.PutUint64(rec[4:12], sr.curJump)
		binary.LittleEndian.PutUint64(rec[12:20], sr.cur.FileSize)
		binary.LittleEndian.PutUint16(rec[20:22], typeAndNameSize(sr.curHdr.FileType, len(sr.curHdr.Name)))
		if _, err := sr.predicted.Write(rec[:]); err != nil {
			return errors.Wrap(err, errors.IO, "failed to stage predicted index item")
		}
		if _, err := sr.predicted.Write(sr.curHdr.Name); err != nil {
			return errors.Wrap(err, errors.IO, "failed to stage predicted index item")
		}
	}
	return nil
}

// fail latches err so that every later Next/Read/Close reports it instead
// of a misleading clean io.EOF.
func (sr *StreamingReader) fail(err error) error {
	sr.err = err
	sr.state = stateDone
	return err
}

// Close finishes reading the archive and verifies its trailer. Any items
// not yet visited are decoded and discarded (their checksums still
// checked). For StructureStreamingOnly the source must end immediately
// after the Data Region; for StructureBoth the Index Region is decoded,
// compared byte-for-byte against the index predicted from the Data Region,
// and the ArchiveFooter checked against the computed index_crc32 and
// index_region_location. Close is idempotent.
func (sr *StreamingReader) Close() error {
	if sr.closed {
		return sr.err
	}
	sr.closed = true
	defer func() {
		if sr.predicted != nil {
			sr.predicted.Close()
			sr.predicted = nil
		}
	}()

	for sr.err == nil && sr.state != stateDone {
		if _, err := sr.Next(); err == io.EOF {
			break
		} else if err != nil {
			break
		}
	}
	if sr.err != nil {
		return sr.err
	}

	if sr.structure == StructureStreamingOnly {
		trail, err := sr.dec.drainSource(0)
		if err != nil {
			return sr.fail(err)
		}
		if len(trail) > 0 {
			return sr.fail(errors.Errorf(errors.Corrupted, "trailing bytes after the Data Region"))
		}
		return nil
	}
	return sr.verifyIndexRegion()
}

// verifyIndexRegion decodes the archive's Index Region (which begins at the
// decoder's unused input, the Data Region having just ended) and compares
// it byte-for-byte against the predicted index, then validates the footer.
func (sr *StreamingReader) verifyIndexRegion() error {
	pred, err := sr.predicted.Open()
	if err != nil {
		return sr.fail(errors.Wrap(err, errors.IO, "failed to reread predicted index"))
	}

	sr.dec.restart()
	var idxCRC crcutil.Accumulator

	// The first record's contents_crc32 and jump_location prefix is
	// compared leniently (see compareFirstJump), so read exactly that
	// much up front; everything after it must match exactly.
	var gotFirst [12]byte
	n, eos, err := readFullFromStream(sr.dec, gotFirst[:], true)
	if err != nil {
		return sr.fail(err)
	}
	if n > 0 {
		idxCRC.Update(gotFirst[:])
		var wantFirst [12]byte
		if _, err := io.ReadFull(pred, wantFirst[:]); err != nil {
			return sr.fail(errors.Errorf(errors.Corrupted, "Index Region records more items than the Data Region holds"))
		}
		if err := compareFirstJump(gotFirst[:], wantFirst[:]); err != nil {
			return sr.fail(err)
		}
	}

	got := make([]byte, 4096)
	want := make([]byte, 4096)
	for !eos {
		n, eos, err = sr.dec.readDecompressed(got)
		if err != nil {
			return sr.fail(err)
		}
		if n > 0 {
			idxCRC.Update(got[:n])
			if _, err := io.ReadFull(pred, want[:n]); err != nil {
				return sr.fail(errors.Errorf(errors.Corrupted, "Index Region records more items than the Data Region holds"))
			}
			if !bytes.Equal(got[:n], want[:n]) {
				return sr.fail(errors.Errorf(errors.Corrupted, "Index Region disagrees with the index predicted from the Data Region"))
			}
		}
	}
	if n, _ := pred.Read(want[:1]); n > 0 {
		return sr.fail(errors.Errorf(errors.Corrupted, "Data Region holds more items than the Index Region records"))
	}

	trail, err := sr.dec.drainSource(FooterSize)
	if err != nil {
		return sr.fail(err)
	}
	if len(trail) != FooterSize {
		return sr.fail(errors.Errorf(errors.Corrupted, "expected a %d-byte footer after the Index Region, found %d bytes", FooterSize, len(trail)))
	}
	wantFooter := encodeFooter(footer{IndexCRC32: idxCRC.Sum(), IndexRegionLocation: uint64(sr.indexLoc)})
	if !bytes.Equal(trail, wantFooter[:]) {
		return sr.fail(errors.Errorf(errors.Corrupted, "archive footer disagrees with the Data Region: got % x, want % x", trail, wantFooter))
	}
	return nil
}

// compareFirstJump compares the 12-byte contents_crc32 ‖ jump_location
// prefix of the first IndexItem. The first item's jump_location must be
// accepted as either 0 (the convention this package writes and predicts) or
// HeaderSize, both meaning "the implicit stream that begins right after the
// ArchiveHeader"; every other byte must match exactly.
func compareFirstJump(got, want []byte) error {
	if !bytes.Equal(got[:4], want[:4]) {
		return errors.Errorf(errors.Corrupted, "Index Region disagrees with the index predicted from the Data Region")
	}
	gotJump := binary.LittleEndian.Uint64(got[4:12])
	wantJump := binary.LittleEndian.Uint64(want[4:12])
	if gotJump != wantJump && !(wantJump == 0 && gotJump == HeaderSize) {
		return errors.Errorf(errors.Corrupted, "first item jump_location %d disagrees with predicted %d", gotJump, wantJump)
	}
	return nil
}
