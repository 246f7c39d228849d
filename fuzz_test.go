// Copyright 2015, Joe Tsai. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package poaf

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/dsnet/poaf/internal/testutil"
)

// genItem produces one pseudo-random item, biasing toward small content so
// a run exercises many items (and several stream splits) rather than a few
// huge ones.
func genItem(r *testutil.Rand, i int) wantItem {
	fileType := FileType(r.Intn(4))
	name := fmt.Sprintf("dir%d/item-%d", r.Intn(3), i)
	switch fileType {
	case TypeDirectory:
		return wantItem{name, fileType, ""}
	case TypeSymlink:
		return wantItem{name, fileType, "target"}
	default:
		return wantItem{name, fileType, string(r.Bytes(r.Intn(4096)))}
	}
}

// TestFuzzRoundTrip builds many pseudo-random archives across a range of
// split thresholds and structures, checking that every item comes back
// unchanged through both readers.
func TestFuzzRoundTrip(t *testing.T) {
	for _, structure := range []Structure{StructureStreamingOnly, StructureIndexOnly, StructureBoth} {
		for seed := 0; seed < 5; seed++ {
			structure, seed := structure, seed
			t.Run(fmt.Sprintf("%s/seed=%d", structure, seed), func(t *testing.T) {
				rng := testutil.NewRand(seed)
				n := 1 + rng.Intn(20)
				items := make([]wantItem, n)
				usedNames := map[string]bool{}
				for i := range items {
					it := genItem(rng, i)
					// Every name must be unique within the archive: keep
					// appending to the name until it is.
					for usedNames[it.Name] {
						it.Name += "x"
					}
					usedNames[it.Name] = true
					items[i] = it
				}

				var buf bytes.Buffer
				zw, err := NewWriter(&buf, structure, WriterOptions{StreamSplitThreshold: int64(1 + rng.Intn(256))})
				if err != nil {
					t.Fatalf("NewWriter: %v", err)
				}
				for _, it := range items {
					if err := zw.Add(it.Name, it.FileType, bytes.NewReader([]byte(it.Contents))); err != nil {
						t.Fatalf("Add(%q): %v", it.Name, err)
					}
				}
				if err := zw.Close(); err != nil {
					t.Fatalf("Close: %v", err)
				}
				data := buf.Bytes()

				switch structure {
				case StructureStreamingOnly:
					checkStreaming(t, data, items)
				case StructureIndexOnly:
					checkIndex(t, data, items)
				case StructureBoth:
					checkStreaming(t, data, items)
					checkIndex(t, data, items)
					if err := VerifyBoth(bytes.NewReader(data), int64(len(data))); err != nil {
						t.Errorf("VerifyBoth: %v", err)
					}
				}
			})
		}
	}
}

func checkStreaming(t *testing.T, data []byte, items []wantItem) {
	t.Helper()
	sr, err := NewStreamingReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewStreamingReader: %v", err)
	}
	for i, want := range items {
		it, err := sr.Next()
		if err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
		var contents []byte
		if it.FileType == TypeRegular || it.FileType == TypePosixExecutable {
			if contents, err = io.ReadAll(sr); err != nil {
				t.Fatalf("ReadAll(%d): %v", i, err)
			}
		}
		checkItem(t, i, want, it, string(contents))
	}
	if _, err := sr.Next(); err != io.EOF {
		t.Fatalf("Next after last item = %v, want io.EOF", err)
	}
	if err := sr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func checkIndex(t *testing.T, data []byte, items []wantItem) {
	t.Helper()
	xr, err := NewIndexReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewIndexReader: %v", err)
	}
	if xr.Len() != len(items) {
		t.Fatalf("Len() = %d, want %d", xr.Len(), len(items))
	}
	for i, want := range items {
		it := xr.Item(i)
		r, err := xr.OpenItem(i)
		if err != nil {
			t.Fatalf("OpenItem(%d): %v", i, err)
		}
		contents, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("ReadAll(%d): %v", i, err)
		}
		checkItem(t, i, want, it, string(contents))
	}
}

func checkItem(t *testing.T, i int, want wantItem, got *Item, contents string) {
	t.Helper()
	if got.Name != want.Name || got.FileType != want.FileType {
		t.Errorf("item %d: got (%q, %v), want (%q, %v)", i, got.Name, got.FileType, want.Name, want.FileType)
	}
	c := contents
	if got.FileType == TypeSymlink {
		c = got.SymlinkTarget
	}
	if c != want.Contents {
		t.Errorf("item %d (%q): contents mismatch: got %d bytes, want %d bytes", i, want.Name, len(c), len(want.Contents))
	}
}
