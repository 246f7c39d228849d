// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package poaf

import (
	"bufio"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/dsnet/poaf/internal/errors"
)

// countingReader wraps an io.Reader, tracking the total number of bytes
// physically pulled from the underlying source.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// countingWriter wraps an io.Writer, tracking the total number of bytes
// written so far. The Writer's output counter gives every Data Region
// stream a shared notion of "current archive offset"; the Index Region
// encoder counts into its own side buffer instead.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// streamDecoder drives a raw-DEFLATE decoder across one or more
// back-to-back streams pulled from a single byte source. It never probes:
// a stream boundary is only ever discovered because the current decoder
// reported end-of-stream.
//
// The decoder reads through a *bufio.Reader wrapped around a
// *countingReader. At end-of-stream, any bytes the DEFLATE decoder already
// pulled into the bufio buffer but did not consume are the unused input
// belonging to whatever follows the stream; they stay put in the same
// bufio.Reader and are handed to the next stream's decoder simply by
// constructing that decoder over the same *bufio.Reader. This mirrors the
// way compress/gzip's multistream support and ianlewis/go-dictzip's
// Reader (through flate.Resetter) keep reusing one buffered reader across
// concatenated streams instead of re-slicing input by hand.
type streamDecoder struct {
	cr  *countingReader
	br  *bufio.Reader
	fr  io.ReadCloser
	eos bool
}

// newStreamDecoder returns a streamDecoder reading raw-DEFLATE from r,
// starting at the first stream. base is the absolute archive offset of r's
// first byte, so that splitOffset reports true archive offsets.
func newStreamDecoder(r io.Reader, base int64) *streamDecoder {
	cr := &countingReader{r: r, n: base}
	br := bufio.NewReader(cr)
	return &streamDecoder{cr: cr, br: br, fr: flate.NewReader(br)}
}

// splitOffset returns the absolute archive offset of the first byte not yet
// consumed by any decoder: the jump_location a new stream would begin at
// if one started right now.
func (d *streamDecoder) splitOffset() int64 {
	return d.cr.n - int64(d.br.Buffered())
}

// restart discards the exhausted decoder and begins a fresh one over the
// same buffered reader, implicitly seeding it with the previous stream's
// unused input.
func (d *streamDecoder) restart() {
	d.fr.Close()
	d.fr = flate.NewReader(d.br)
	d.eos = false
}

// drainSource bypasses DEFLATE decoding and reads the raw bytes not yet
// consumed by any decoder (buffered unused input first, then whatever the
// source still holds), up to max+1 bytes, so callers can distinguish
// "exactly max" from "more than max".
func (d *streamDecoder) drainSource(max int) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(d.br, int64(max)+1))
	if err != nil {
		return b, errors.Wrap(err, errors.IO, "failed to read archive trailer")
	}
	return b, nil
}

// readDecompressed reads up to len(buf) decompressed bytes. It returns
// eos=true once the active stream is exhausted; buf[:n] is always valid
// even when eos is true. It never calls restart itself; the caller
// decides when a new stream begins, since only the caller knows whether
// this is a legal split boundary.
func (d *streamDecoder) readDecompressed(buf []byte) (n int, eos bool, err error) {
	if d.eos {
		return 0, true, nil
	}
	n, err = d.fr.Read(buf)
	if err == io.EOF {
		d.eos = true
		return n, true, nil
	}
	if err != nil {
		return n, false, errors.Wrap(err, errors.Corrupted, "deflate stream decode failed")
	}
	return n, false, nil
}

// streamEncoder drives a raw-DEFLATE encoder writing through a
// countingWriter. Successive Data Region encoders share the Writer's output
// counter, so offset reflects the true archive offset across stream
// splits; the Index Region encoder writes through a separate counter over
// its side buffer.
type streamEncoder struct {
	cw    *countingWriter
	fw    *flate.Writer
	level int
}

// newStreamEncoder starts a fresh raw-DEFLATE stream writing through cw.
func newStreamEncoder(cw *countingWriter, level int) (*streamEncoder, error) {
	fw, err := flate.NewWriter(cw, level)
	if err != nil {
		return nil, errors.Wrap(err, errors.Corrupted, "failed to start deflate encoder")
	}
	return &streamEncoder{cw: cw, fw: fw, level: level}, nil
}

// write compresses buf into the active stream.
func (e *streamEncoder) write(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if _, err := e.fw.Write(buf); err != nil {
		return errors.Wrap(err, errors.IO, "deflate stream encode failed")
	}
	return nil
}

// offset returns the current archive offset of the underlying sink. Only
// meaningful immediately after flush or finish: flate buffers internally,
// so bytes written since the last flush may not be reflected yet.
func (e *streamEncoder) offset() int64 { return e.cw.n }

// flush forces any internally buffered bytes out to the sink without
// ending the stream, so offset() reflects all data written so far. The
// Writer calls this once per item so its stream-split bookkeeping is based
// on real output size rather than flate's internal buffering.
func (e *streamEncoder) flush() error {
	if err := e.fw.Flush(); err != nil {
		return errors.Wrap(err, errors.IO, "failed to flush deflate stream")
	}
	return nil
}

// finish flushes all buffered data and writes the stream's final block,
// terminating it. After finish, a new streamEncoder must be constructed to
// begin a subsequent stream. This is the "split point": the archive
// offset immediately after finish returns is where the new stream's first
// byte will land.
func (e *streamEncoder) finish() error {
	if err := e.fw.Close(); err != nil {
		return errors.Wrap(err, errors.IO, "failed to finish deflate stream")
	}
	return nil
}
