// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package poaf

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/flate"
)

// wantItem is the subset of Item fields a round-trip test checks; done is
// internal bookkeeping and SymlinkTarget only applies to TypeSymlink.
type wantItem struct {
	Name     string
	FileType FileType
	Contents string
}

var roundTripItems = []wantItem{
	{"a.txt", TypeRegular, "hello"},
	{"bin/run.sh", TypePosixExecutable, "#!/bin/sh\necho hi\n"},
	{"bin", TypeDirectory, ""},
	{"empty.txt", TypeRegular, ""},
	{"link-to-a", TypeSymlink, "a.txt"},
	{"big.bin", TypeRegular, strings.Repeat("x", 3*maxChunk+17)},
}

func writeRoundTrip(t *testing.T, structure Structure, opts WriterOptions) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := NewWriter(&buf, structure, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, it := range roundTripItems {
		if err := zw.Add(it.Name, it.FileType, strings.NewReader(it.Contents)); err != nil {
			t.Fatalf("Add(%q): %v", it.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestRoundTripStreaming(t *testing.T) {
	for _, structure := range []Structure{StructureStreamingOnly, StructureBoth} {
		t.Run(structure.String(), func(t *testing.T) {
			for _, splitThreshold := range []int64{-1, 1, DefaultStreamSplitThreshold} {
				t.Run(fmt.Sprintf("split=%d", splitThreshold), func(t *testing.T) {
					data := writeRoundTrip(t, structure, WriterOptions{StreamSplitThreshold: splitThreshold})

					sr, err := NewStreamingReader(bytes.NewReader(data))
					if err != nil {
						t.Fatalf("NewStreamingReader: %v", err)
					}
					var got []wantItem
					for {
						it, err := sr.Next()
						if err == io.EOF {
							break
						}
						if err != nil {
							t.Fatalf("Next: %v", err)
						}
						var contents []byte
						if it.FileType == TypeRegular || it.FileType == TypePosixExecutable {
							if contents, err = io.ReadAll(sr); err != nil {
								t.Fatalf("ReadAll(%q): %v", it.Name, err)
							}
						}
						c := string(contents)
						if it.FileType == TypeSymlink {
							c = it.SymlinkTarget
						}
						got = append(got, wantItem{it.Name, it.FileType, c})
					}
					if err := sr.Close(); err != nil {
						t.Fatalf("Close: %v", err)
					}
					if diff := cmp.Diff(roundTripItems, got); diff != "" {
						t.Errorf("items mismatch (-want +got):\n%s", diff)
					}

					if structure == StructureBoth {
						if err := VerifyBoth(bytes.NewReader(data), int64(len(data))); err != nil {
							t.Errorf("VerifyBoth: %v", err)
						}
					}
				})
			}
		})
	}
}

func TestRoundTripIndex(t *testing.T) {
	for _, structure := range []Structure{StructureIndexOnly, StructureBoth} {
		t.Run(structure.String(), func(t *testing.T) {
			data := writeRoundTrip(t, structure, WriterOptions{StreamSplitThreshold: 1})

			xr, err := NewIndexReader(bytes.NewReader(data), int64(len(data)))
			if err != nil {
				t.Fatalf("NewIndexReader: %v", err)
			}
			if xr.Len() != len(roundTripItems) {
				t.Fatalf("Len() = %d, want %d", xr.Len(), len(roundTripItems))
			}
			for i, want := range roundTripItems {
				it := xr.Item(i)
				r, err := xr.OpenItem(i)
				if err != nil {
					t.Fatalf("OpenItem(%d): %v", i, err)
				}
				contents, err := io.ReadAll(r)
				if err != nil {
					t.Fatalf("ReadAll(%d): %v", i, err)
				}
				if it.FileSize != uint64(len(want.Contents)) {
					t.Errorf("item %d: FileSize = %d, want %d", i, it.FileSize, len(want.Contents))
				}
				c := string(contents)
				if it.FileType == TypeSymlink {
					c = it.SymlinkTarget
				}
				got := wantItem{it.Name, it.FileType, c}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("item %d mismatch (-want +got):\n%s", i, diff)
				}
			}

			for i, want := range roundTripItems {
				idx, ok := xr.Lookup(want.Name)
				if !ok || idx != i {
					t.Errorf("Lookup(%q) = (%d, %v), want (%d, true)", want.Name, idx, ok, i)
				}
			}
		})
	}
}

func TestEmptyArchiveBothGoldenBytes(t *testing.T) {
	var buf bytes.Buffer
	zw, err := NewWriter(&buf, StructureBoth, WriterOptions{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want, err := hex.DecodeString("BEF6F09F0300030000000000060000000000000006EEE9CF")
	if err != nil {
		t.Fatalf("bad literal: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("empty archive bytes = % X, want % X", buf.Bytes(), want)
	}

	if err := VerifyBoth(bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		t.Errorf("VerifyBoth: %v", err)
	}
}

func TestInvalidArchiveHeader(t *testing.T) {
	data, err := hex.DecodeString("BEF6F29E00000000000000000000000000000000")
	if err != nil {
		t.Fatalf("bad literal: %v", err)
	}
	if _, err := NewStreamingReader(bytes.NewReader(data)); err == nil {
		t.Fatal("NewStreamingReader succeeded on an invalid header")
	} else if kind, ok := ErrorKind(err); !ok || kind != KindNotAnArchive {
		t.Errorf("ErrorKind = (%v, %v), want (KindNotAnArchive, true)", kind, ok)
	}
}

// deflateBytes compresses data as a single raw-DEFLATE stream, for building
// archive regions by hand.
func deflateBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, DefaultCompressionLevel)
	if err != nil {
		t.Fatalf("flate.NewWriter: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("flate write: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("flate close: %v", err)
	}
	return buf.Bytes()
}

// rawStreamingItem returns one StreamingItem's uncompressed wire form with
// a correct trailing streaming_crc32.
func rawStreamingItem(name string, fileType FileType, contents []byte) []byte {
	var b bytes.Buffer
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], itemSignature)
	b.Write(u16[:])
	binary.LittleEndian.PutUint16(u16[:], typeAndNameSize(fileType, len(name)))
	b.Write(u16[:])
	b.WriteString(name)
	for {
		chunk := contents
		if len(chunk) >= maxChunk {
			chunk = chunk[:maxChunk]
		}
		contents = contents[len(chunk):]
		binary.LittleEndian.PutUint16(u16[:], uint16(len(chunk)))
		b.Write(u16[:])
		b.Write(chunk)
		if len(chunk) < maxChunk {
			break
		}
	}
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], crc32.ChecksumIEEE(b.Bytes()))
	b.Write(u32[:])
	return b.Bytes()
}

func TestWrongStreamingCRC(t *testing.T) {
	item := rawStreamingItem("a.txt", TypeRegular, []byte("hello"))
	item[len(item)-1] ^= 0x01

	hdr := encodeHeader(StructureStreamingOnly)
	archive := append(hdr[:], deflateBytes(t, item)...)

	sr, err := NewStreamingReader(bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("NewStreamingReader: %v", err)
	}
	if _, err := sr.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	_, err = io.ReadAll(sr)
	if err == nil {
		t.Fatal("reading an item with a corrupted streaming_crc32 succeeded")
	}
	if kind, ok := ErrorKind(err); !ok || kind != KindCorrupted {
		t.Errorf("ErrorKind = (%v, %v), want (KindCorrupted, true)", kind, ok)
	}
}

// TestIndexFileSizeLie builds a "both" archive whose IndexItem claims
// file_size 1 for an empty file. Streaming verification must reject it when
// the predicted index diverges, and index-driven reads must reject it when
// the decoded contents fall short of the recorded size.
func TestIndexFileSizeLie(t *testing.T) {
	dataRegion := deflateBytes(t, rawStreamingItem("a", TypeRegular, nil))

	idx := make([]byte, 22+1)
	binary.LittleEndian.PutUint32(idx[0:4], 0)  // contents_crc32 of empty
	binary.LittleEndian.PutUint64(idx[4:12], 0) // jump_location
	binary.LittleEndian.PutUint64(idx[12:20], 1)
	binary.LittleEndian.PutUint16(idx[20:22], typeAndNameSize(TypeRegular, 1))
	idx[22] = 'a'
	idxRegion := deflateBytes(t, idx)

	hdr := encodeHeader(StructureBoth)
	archive := append(hdr[:], dataRegion...)
	loc := uint64(len(archive))
	archive = append(archive, idxRegion...)
	ftr := encodeFooter(footer{IndexCRC32: crc32.ChecksumIEEE(idx), IndexRegionLocation: loc})
	archive = append(archive, ftr[:]...)

	err := VerifyBoth(bytes.NewReader(archive), int64(len(archive)))
	if err == nil {
		t.Fatal("VerifyBoth accepted an index whose file_size disagrees with the Data Region")
	}
	if kind, ok := ErrorKind(err); !ok || kind != KindCorrupted {
		t.Errorf("ErrorKind = (%v, %v), want (KindCorrupted, true)", kind, ok)
	}

	xr, err := NewIndexReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("NewIndexReader: %v", err)
	}
	r, err := xr.OpenItem(0)
	if err != nil {
		t.Fatalf("OpenItem: %v", err)
	}
	if _, err := io.ReadAll(r); err == nil {
		t.Fatal("index-driven read accepted a file_size lie")
	}
}

// TestJumpLocationLie records a jump_location that points inside the Data
// Region at an offset that is not a DEFLATE stream boundary. VerifyBoth
// rejects it in its streaming pass, because the predicted index recorded no
// split there. This test does not exercise index-driven access.
func TestJumpLocationLie(t *testing.T) {
	item := rawStreamingItem("a", TypeRegular, []byte("hello"))
	dataRegion := deflateBytes(t, item)

	idx := make([]byte, 22+1)
	binary.LittleEndian.PutUint32(idx[0:4], crc32.ChecksumIEEE([]byte("hello")))
	binary.LittleEndian.PutUint64(idx[4:12], 5) // not a stream boundary
	binary.LittleEndian.PutUint64(idx[12:20], 5)
	binary.LittleEndian.PutUint16(idx[20:22], typeAndNameSize(TypeRegular, 1))
	idx[22] = 'a'
	idxRegion := deflateBytes(t, idx)

	hdr := encodeHeader(StructureBoth)
	archive := append(hdr[:], dataRegion...)
	loc := uint64(len(archive))
	archive = append(archive, idxRegion...)
	ftr := encodeFooter(footer{IndexCRC32: crc32.ChecksumIEEE(idx), IndexRegionLocation: loc})
	archive = append(archive, ftr[:]...)

	err := VerifyBoth(bytes.NewReader(archive), int64(len(archive)))
	if err == nil {
		t.Fatal("VerifyBoth accepted a jump_location that is not a stream boundary")
	}
	if kind, ok := ErrorKind(err); !ok || kind != KindCorrupted {
		t.Errorf("ErrorKind = (%v, %v), want (KindCorrupted, true)", kind, ok)
	}
}

func TestSymlinkEscapingArchive(t *testing.T) {
	var buf bytes.Buffer
	zw, err := NewWriter(&buf, StructureStreamingOnly, WriterOptions{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	err = zw.Add("a/c/b", TypeSymlink, strings.NewReader("../../../b.sh"))
	if err == nil {
		t.Fatal("Add succeeded for a symlink target escaping the archive root")
	}
	if kind, ok := ErrorKind(err); !ok || kind != KindInvalidPath {
		t.Errorf("ErrorKind = (%v, %v), want (KindInvalidPath, true)", kind, ok)
	}
}

func TestChunkBoundarySizes(t *testing.T) {
	for _, size := range []int{maxChunk - 1, maxChunk, maxChunk + 1, 2 * maxChunk} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			contents := strings.Repeat("\x00", size)
			var buf bytes.Buffer
			zw, err := NewWriter(&buf, StructureBoth, WriterOptions{})
			if err != nil {
				t.Fatalf("NewWriter: %v", err)
			}
			if err := zw.Add("z.bin", TypeRegular, strings.NewReader(contents)); err != nil {
				t.Fatalf("Add: %v", err)
			}
			if err := zw.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			sr, err := NewStreamingReader(bytes.NewReader(buf.Bytes()))
			if err != nil {
				t.Fatalf("NewStreamingReader: %v", err)
			}
			if _, err := sr.Next(); err != nil {
				t.Fatalf("Next: %v", err)
			}
			got, err := io.ReadAll(sr)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if string(got) != contents {
				t.Errorf("contents length = %d, want %d", len(got), len(contents))
			}
			if err := sr.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := VerifyBoth(bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
				t.Errorf("VerifyBoth: %v", err)
			}
		})
	}
}

func TestTrailingGarbage(t *testing.T) {
	data := writeRoundTrip(t, StructureStreamingOnly, WriterOptions{})
	data = append(data, 0x00)

	sr, err := NewStreamingReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewStreamingReader: %v", err)
	}
	for {
		if _, err := sr.Next(); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if err := sr.Close(); err == nil {
		t.Fatal("Close accepted trailing bytes after the Data Region")
	} else if kind, ok := ErrorKind(err); !ok || kind != KindCorrupted {
		t.Errorf("ErrorKind = (%v, %v), want (KindCorrupted, true)", kind, ok)
	}
}

// nonSeeker hides the ReaderAt implementation of its underlying source.
type nonSeeker struct{ io.Reader }

func TestOpenReaderDispatch(t *testing.T) {
	both := writeRoundTrip(t, StructureBoth, WriterOptions{})
	streamingOnly := writeRoundTrip(t, StructureStreamingOnly, WriterOptions{})

	xr, sr, err := OpenReader(bytes.NewReader(both), int64(len(both)), true, false)
	if err != nil || xr == nil || sr != nil {
		t.Errorf("OpenReader(both, prefer) = (%v, %v, %v), want index reader", xr, sr, err)
	}
	xr, sr, err = OpenReader(bytes.NewReader(both), int64(len(both)), false, false)
	if err != nil || xr != nil || sr == nil {
		t.Errorf("OpenReader(both, no prefer) = (%v, %v, %v), want streaming reader", xr, sr, err)
	}

	_, _, err = OpenReader(bytes.NewReader(streamingOnly), int64(len(streamingOnly)), false, true)
	if kind, ok := ErrorKind(err); !ok || kind != KindIncompatible {
		t.Errorf("OpenReader(streaming-only, require) error kind = (%v, %v), want (KindIncompatible, true)", kind, ok)
	}

	_, _, err = OpenReader(nonSeeker{bytes.NewReader(both)}, int64(len(both)), true, true)
	if kind, ok := ErrorKind(err); !ok || kind != KindIncompatible {
		t.Errorf("OpenReader(non-seekable, require) error kind = (%v, %v), want (KindIncompatible, true)", kind, ok)
	}
	_, sr, err = OpenReader(nonSeeker{bytes.NewReader(both)}, int64(len(both)), true, false)
	if err != nil || sr == nil {
		t.Errorf("OpenReader(non-seekable, prefer) = (%v, %v), want streaming fallback", sr, err)
	}
}
