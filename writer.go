// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package poaf

import (
	"encoding/binary"
	"io"

	"github.com/dsnet/poaf/internal/crcutil"
	"github.com/dsnet/poaf/internal/errors"
	"github.com/dsnet/poaf/internal/pathvalidate"
	"github.com/dsnet/poaf/internal/spillbuffer"
)

// DefaultStreamSplitThreshold is the default minimum number of compressed
// bytes written to the current Data Region stream before the writer
// considers starting a new one, enabling random-access jumps from the
// index.
const DefaultStreamSplitThreshold = 1 << 16

// DefaultIndexSpillThreshold is the default number of in-memory bytes the
// Writer's Index Region side-buffer accumulates before spilling to a
// temporary file.
const DefaultIndexSpillThreshold = 1 << 20

// DefaultCompressionLevel is the flate compression level used when the
// caller does not specify one.
const DefaultCompressionLevel = 6

// WriterOptions configures a Writer.
type WriterOptions struct {
	// StreamSplitThreshold is the minimum number of compressed Data Region
	// bytes written since the start of the current stream before the next
	// eligible item begins a new one. Zero uses DefaultStreamSplitThreshold;
	// a negative value disables splitting entirely (every item continues
	// the initial stream).
	StreamSplitThreshold int64

	// IndexSpillThreshold is the in-memory byte budget for the Index
	// Region side-buffer before it spills to a temporary file. Zero uses
	// DefaultIndexSpillThreshold.
	IndexSpillThreshold int64

	// CompressionLevel is passed to the underlying flate encoders. Zero
	// uses DefaultCompressionLevel.
	CompressionLevel int
}

func (o WriterOptions) normalize() WriterOptions {
	if o.StreamSplitThreshold == 0 {
		o.StreamSplitThreshold = DefaultStreamSplitThreshold
	}
	if o.IndexSpillThreshold == 0 {
		o.IndexSpillThreshold = DefaultIndexSpillThreshold
	}
	if o.CompressionLevel == 0 {
		o.CompressionLevel = DefaultCompressionLevel
	}
	return o
}

// Writer builds a POAF archive: it drives the Data Region and Index Region
// encoders in lockstep as items are Add-ed, then finalizes the Index
// Region and ArchiveFooter on Close.
type Writer struct {
	structure Structure
	opts      WriterOptions

	out *countingWriter

	// Data Region state. For StructureIndexOnly, dataEnc is nil until the
	// first Add, after which it holds the latest item's own stream.
	dataEnc     *streamEncoder
	streamStart int64

	// Index Region state: compressed into a side buffer, emitted to out
	// only at Close.
	idxBuf   *spillbuffer.Buffer
	idxOut   *countingWriter
	idxEnc   *streamEncoder
	idxCRC32 crcutil.Accumulator

	itemCount int
	closed    bool
	err       error
}

// NewWriter returns a Writer that emits an archive of the given structure to
// w. The Data Region and Index Region encoders (whichever the structure
// calls for) are started immediately, so even a zero-item archive contains
// their minimal empty DEFLATE streams.
func NewWriter(w io.Writer, structure Structure, opts WriterOptions) (*Writer, error) {
	switch structure {
	case StructureStreamingOnly, StructureIndexOnly, StructureBoth:
	default:
		return nil, errors.Errorf(errors.Invalid, "invalid Structure %d", structure)
	}
	opts = opts.normalize()

	zw := &Writer{
		structure: structure,
		opts:      opts,
		out:       &countingWriter{w: w},
	}

	hdr := encodeHeader(structure)
	if _, err := zw.out.Write(hdr[:]); err != nil {
		return nil, errors.Wrap(err, errors.IO, "failed to write archive header")
	}

	if structure.HasDataRegion() {
		enc, err := newStreamEncoder(zw.out, opts.CompressionLevel)
		if err != nil {
			return nil, err
		}
		zw.dataEnc = enc
		zw.streamStart = enc.offset()
	}

	if structure.HasIndexRegion() {
		zw.idxBuf = spillbuffer.New(opts.IndexSpillThreshold)
		zw.idxOut = &countingWriter{w: zw.idxBuf}
		enc, err := newStreamEncoder(zw.idxOut, opts.CompressionLevel)
		if err != nil {
			zw.idxBuf.Close()
			return nil, err
		}
		zw.idxEnc = enc
	}

	return zw, nil
}

// Add appends one item to the archive. name is validated per the archive
// path grammar; for TypeDirectory, contents is ignored (and may be nil);
// for TypeSymlink, contents must yield the symlink target, validated as a
// symlink path relative to name; for TypeRegular/TypePosixExecutable,
// contents is read to EOF and becomes the item's logical content.
func (zw *Writer) Add(name string, fileType FileType, contents io.Reader) error {
	if zw.err != nil {
		return zw.err
	}
	if zw.closed {
		return errors.Errorf(errors.Invalid, "Add called after Close")
	}

	nameBytes := []byte(name)
	if err := pathvalidate.Name(nameBytes); err != nil {
		zw.err = err
		return err
	}
	switch fileType {
	case TypeRegular, TypePosixExecutable, TypeDirectory, TypeSymlink:
	default:
		err := errors.Errorf(errors.Invalid, "invalid FileType %d", fileType)
		zw.err = err
		return err
	}

	var target []byte
	if fileType == TypeSymlink {
		t, err := readAllLimited(contents, pathvalidate.MaxSymlinkTargetLen+1)
		if err != nil {
			zw.err = err
			return err
		}
		if err := pathvalidate.SymlinkTarget(t, nameBytes); err != nil {
			zw.err = err
			return err
		}
		target = t
	}

	tans := typeAndNameSize(fileType, len(nameBytes))

	var fileSize uint64
	var contentsCRC uint32
	var jumpLocation uint64

	if zw.structure == StructureIndexOnly {
		jumpLocation, fileSize, contentsCRC, zw.err = zw.addIndexOnly(fileType, target, contents)
		if zw.err != nil {
			return zw.err
		}
	} else {
		jumpLocation, fileSize, contentsCRC, zw.err = zw.addFramed(nameBytes, tans, fileType, target, contents)
		if zw.err != nil {
			return zw.err
		}
	}

	if zw.structure.HasIndexRegion() {
		var rec [22]byte
		binary.LittleEndian.PutUint32(rec[0:4], contentsCRC)
		binary.LittleEndian.PutUint64(rec[4:12], jumpLocation)
		binary.LittleEndian.PutUint64(rec[12:20], fileSize)
		binary.LittleEndian.PutUint16(rec[20:22], tans)
		if err := zw.idxEnc.write(rec[:]); err != nil {
			zw.err = err
			return err
		}
		if err := zw.idxEnc.write(nameBytes); err != nil {
			zw.err = err
			return err
		}
		zw.idxCRC32.Update(rec[:])
		zw.idxCRC32.Update(nameBytes)
	}

	zw.itemCount++
	return nil
}

// addFramed writes a StreamingItem into the Data Region for
// StructureStreamingOnly/StructureBoth, returning the jump_location,
// file_size, and contents_crc32 to record in the IndexItem.
//
// The split point, when taken, lands after the item's framing header and
// before its first chunk_size byte: the header goes into the old stream and
// the new stream's first decompressed bytes are the item's chunked
// contents. Splitting here, rather than between items, is what lets a
// streaming reader tell a split (end-of-stream while expecting chunk_size)
// apart from the end of the Data Region (end-of-stream while expecting the
// next item's signature).
func (zw *Writer) addFramed(nameBytes []byte, tans uint16, fileType FileType, target []byte, contents io.Reader) (jumpLocation uint64, fileSize uint64, contentsCRC uint32, err error) {
	var crcAcc crcutil.Accumulator
	var header [4]byte
	binary.LittleEndian.PutUint16(header[0:2], itemSignature)
	binary.LittleEndian.PutUint16(header[2:4], tans)
	if err := zw.dataEnc.write(header[:]); err != nil {
		return 0, 0, 0, err
	}
	crcAcc.Update(header[:])
	if err := zw.dataEnc.write(nameBytes); err != nil {
		return 0, 0, 0, err
	}
	crcAcc.Update(nameBytes)

	// The first chunk must be in hand before the split decision: an item
	// with no contents at all must not start a new stream, since decoding
	// from its jump_location would yield nothing but the 2-byte terminal
	// chunk_size of an empty chunk.
	var firstChunk []byte
	var moreChunks bool
	var contentsAcc crcutil.Accumulator
	var chunkBuf []byte
	switch fileType {
	case TypeSymlink:
		firstChunk = target
	case TypeRegular, TypePosixExecutable:
		if contents == nil {
			contents = io.MultiReader()
		}
		chunkBuf = make([]byte, maxChunk)
		n, rerr := io.ReadFull(contents, chunkBuf)
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			return 0, 0, 0, errors.Wrap(rerr, errors.IO, "failed to read item contents")
		}
		firstChunk = chunkBuf[:n]
		moreChunks = n == maxChunk
	}

	if len(firstChunk) > 0 && zw.opts.StreamSplitThreshold >= 0 &&
		zw.dataEnc.offset()-zw.streamStart >= zw.opts.StreamSplitThreshold {
		if err := zw.dataEnc.finish(); err != nil {
			return 0, 0, 0, err
		}
		enc, err := newStreamEncoder(zw.out, zw.opts.CompressionLevel)
		if err != nil {
			return 0, 0, 0, err
		}
		zw.dataEnc = enc
		zw.streamStart = enc.offset()
		jumpLocation = uint64(zw.streamStart)
	}

	writeChunk := func(payload []byte) error {
		var sizeBuf [2]byte
		binary.LittleEndian.PutUint16(sizeBuf[:], uint16(len(payload)))
		if err := zw.dataEnc.write(sizeBuf[:]); err != nil {
			return err
		}
		crcAcc.Update(sizeBuf[:])
		if len(payload) > 0 {
			if err := zw.dataEnc.write(payload); err != nil {
				return err
			}
			crcAcc.Update(payload)
			contentsAcc.Update(payload)
			fileSize += uint64(len(payload))
		}
		return nil
	}

	if err := writeChunk(firstChunk); err != nil {
		return 0, 0, 0, err
	}
	for moreChunks {
		n, rerr := io.ReadFull(contents, chunkBuf)
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			return 0, 0, 0, errors.Wrap(rerr, errors.IO, "failed to read item contents")
		}
		if err := writeChunk(chunkBuf[:n]); err != nil {
			return 0, 0, 0, err
		}
		moreChunks = n == maxChunk
	}
	contentsCRC = contentsAcc.Sum()

	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crcAcc.Sum())
	if err := zw.dataEnc.write(crcBuf[:]); err != nil {
		return 0, 0, 0, err
	}

	// Flush so the next item's split-threshold check sees this item's true
	// compressed size rather than bytes still sitting in flate's internal
	// buffer.
	if err := zw.dataEnc.flush(); err != nil {
		return 0, 0, 0, err
	}

	return jumpLocation, fileSize, contentsCRC, nil
}

// addIndexOnly writes an item's raw contents as a standalone DEFLATE stream
// with no chunk framing, per spec.md's index-only structure rules: every
// item, including the first, is the sole occupant of its own stream, so
// unlike addFramed there is no implicit "stream 0"; a content stream is
// only ever allocated lazily, once an item exists to put in it.
func (zw *Writer) addIndexOnly(fileType FileType, target []byte, contents io.Reader) (jumpLocation uint64, fileSize uint64, contentsCRC uint32, err error) {
	if zw.dataEnc != nil {
		if err := zw.dataEnc.finish(); err != nil {
			return 0, 0, 0, err
		}
	}
	enc, err := newStreamEncoder(zw.out, zw.opts.CompressionLevel)
	if err != nil {
		return 0, 0, 0, err
	}
	zw.dataEnc = enc
	jumpLocation = uint64(zw.dataEnc.offset())

	switch fileType {
	case TypeDirectory:
		contentsCRC = crcutil.IEEE(nil)
	case TypeSymlink:
		if err := zw.dataEnc.write(target); err != nil {
			return 0, 0, 0, err
		}
		fileSize = uint64(len(target))
		contentsCRC = crcutil.IEEE(target)
	case TypeRegular, TypePosixExecutable:
		if contents == nil {
			contents = io.MultiReader()
		}
		var acc crcutil.Accumulator
		buf := make([]byte, 32*1024)
		for {
			n, rerr := contents.Read(buf)
			if n > 0 {
				if err := zw.dataEnc.write(buf[:n]); err != nil {
					return 0, 0, 0, err
				}
				acc.Update(buf[:n])
				fileSize += uint64(n)
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return 0, 0, 0, errors.Wrap(rerr, errors.IO, "failed to read item contents")
			}
		}
		contentsCRC = acc.Sum()
	}
	return jumpLocation, fileSize, contentsCRC, nil
}

// Close finalizes both regions and the ArchiveFooter. It is idempotent
// after a successful return.
func (zw *Writer) Close() error {
	if zw.closed {
		return nil
	}
	zw.closed = true
	if zw.err != nil {
		if zw.idxBuf != nil {
			zw.idxBuf.Close()
		}
		return zw.err
	}

	// dataEnc is non-nil here whenever a content stream is open: always for
	// StructureStreamingOnly/StructureBoth (started eagerly in NewWriter),
	// and for StructureIndexOnly only once at least one item has been added
	// (addIndexOnly allocates streams lazily, one per item).
	if zw.dataEnc != nil {
		if err := zw.dataEnc.finish(); err != nil {
			zw.err = err
			if zw.idxBuf != nil {
				zw.idxBuf.Close()
			}
			return err
		}
	}

	if !zw.structure.HasIndexRegion() {
		return nil
	}

	if err := zw.idxEnc.finish(); err != nil {
		zw.err = err
		zw.idxBuf.Close()
		return err
	}

	indexRegionLocation := uint64(zw.out.n)
	if _, err := zw.idxBuf.WriteTo(zw.out); err != nil {
		zw.err = errors.Wrap(err, errors.IO, "failed to copy index region to output")
		zw.idxBuf.Close()
		return zw.err
	}
	if err := zw.idxBuf.Close(); err != nil {
		zw.err = errors.Wrap(err, errors.IO, "failed to release index side buffer")
		return zw.err
	}

	f := encodeFooter(footer{IndexCRC32: zw.idxCRC32.Sum(), IndexRegionLocation: indexRegionLocation})
	if _, err := zw.out.Write(f[:]); err != nil {
		zw.err = errors.Wrap(err, errors.IO, "failed to write archive footer")
		return zw.err
	}
	return nil
}

// readAllLimited reads all of r, failing with errors.TooLarge if more than
// limit bytes are produced.
func readAllLimited(r io.Reader, limit int) ([]byte, error) {
	if r == nil {
		return nil, errors.Errorf(errors.Invalid, "symlink target reader must not be nil")
	}
	buf := make([]byte, 0, limit)
	total := 0
	tmp := make([]byte, 4096)
	for {
		n, err := r.Read(tmp)
		if n > 0 {
			total += n
			if total > limit {
				return nil, errors.Errorf(errors.TooLarge, "symlink target exceeds %d bytes", limit-1)
			}
			buf = append(buf, tmp[:n]...)
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.IO, "failed to read symlink target")
		}
	}
}
