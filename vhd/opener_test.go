package vhd_test

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pombredanne/bind7z/vhd"
)

type blockSpec struct {
	present    bool
	bitmapByte byte
	data       []byte
}

// buildDynamicBuffer assembles a minimal Dynamic or Differencing image:
// head footer, dynamic header, a one-sector BAT, one bitmap+data frame
// per present block, and a backup footer identical to the head (so the
// "footer unchanged" fast path of the opener applies).
func buildDynamicBuffer(diskType uint32, currentSize uint64, blockSizeLog uint32, uid, parentUID [16]byte, parentName string, blocks []blockSpec) []byte {
	blockSize := int(1) << blockSizeLog
	numBlocks := uint32(len(blocks))

	head := buildFooter(diskType, 512, currentSize, uid)
	dyn := buildDynHeader(1536, numBlocks, blockSizeLog, parentUID, parentName)
	bat := make([]byte, 512)
	entries := make([]uint32, numBlocks)

	frameOffset := uint64(2048)
	var frames []byte
	for i, b := range blocks {
		if !b.present {
			entries[i] = vhd.UnusedBlock
			continue
		}
		entries[i] = uint32(frameOffset >> 9)
		bitmap := make([]byte, 512)
		bitmap[0] = b.bitmapByte
		frames = append(frames, bitmap...)
		frames = append(frames, b.data...)
		frameOffset += uint64(512 + blockSize)
	}
	fillBAT(bat, entries)

	buf := make([]byte, 0, len(head)*2+len(dyn)+len(bat)+len(frames))
	buf = append(buf, head...)
	buf = append(buf, dyn...)
	buf = append(buf, bat...)
	buf = append(buf, frames...)
	buf = append(buf, head...)
	return buf
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i) + seed
	}
	return b
}

// E1: Fixed image is a direct window over the payload bytes.
func TestFixedPassThrough(t *testing.T) {
	payload := pattern(2048, 0)
	var uid [16]byte
	buf := append(append([]byte{}, payload...), buildFooter(uint32(vhd.DiskTypeFixed), 0, 2048, uid)...)

	img, err := vhd.OpenImage(newMemStream(buf), nil)
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	if !img.Footer().IsFixed() {
		t.Fatalf("expected Fixed, got %v", img.Footer().Type)
	}
	logical, err := img.Stream()
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got, err := io.ReadAll(logical)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if diff := cmp.Diff(payload, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

// E2: Dynamic image, single fully-allocated block.
func TestDynamicSingleBlock(t *testing.T) {
	var uid, zero [16]byte
	data := pattern(4096, 1)
	buf := buildDynamicBuffer(uint32(vhd.DiskTypeDynamic), 4096, 12, uid, zero, "", []blockSpec{
		{present: true, bitmapByte: 0xFF, data: data},
	})

	img, err := vhd.OpenImage(newMemStream(buf), nil)
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	logical, err := img.Stream()
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got, err := io.ReadAll(logical)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("block data mismatch")
	}

	props := img.Properties()
	if props.ClusterSize != 4096 {
		t.Fatalf("expected cluster size 4096, got %d", props.ClusterSize)
	}
	if props.PackSize != 4096 {
		t.Fatalf("expected pack size 4096, got %d", props.PackSize)
	}
}

// E3: Dynamic image with a sparse hole, no parent to fall back to.
func TestDynamicSparseHole(t *testing.T) {
	var uid, zero [16]byte
	data := pattern(4096, 2)
	buf := buildDynamicBuffer(uint32(vhd.DiskTypeDynamic), 8192, 12, uid, zero, "", []blockSpec{
		{present: true, bitmapByte: 0xFF, data: data},
		{present: false},
	})

	img, err := vhd.OpenImage(newMemStream(buf), nil)
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	logical, err := img.Stream()
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got, err := io.ReadAll(logical)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 8192 {
		t.Fatalf("expected 8192 bytes, got %d", len(got))
	}
	if !bytes.Equal(got[:4096], data) {
		t.Fatalf("first block mismatch")
	}
	for _, b := range got[4096:] {
		if b != 0 {
			t.Fatalf("expected hole block to read as zero")
		}
	}
}

// E4: Differencing image overlays its own sectors over a Dynamic parent.
func TestDifferencingOverlay(t *testing.T) {
	var parentUID, childUID [16]byte
	childUID[0] = 1

	parentData := pattern(4096, 3)
	parentBuf := buildDynamicBuffer(uint32(vhd.DiskTypeDynamic), 4096, 12, parentUID, [16]byte{}, "", []blockSpec{
		{present: true, bitmapByte: 0xFF, data: parentData},
	})

	childData := make([]byte, 4096)
	copy(childData[:2048], pattern(2048, 9))
	childBuf := buildDynamicBuffer(uint32(vhd.DiskTypeDifferencing), 4096, 12, childUID, parentUID, "parent.vhd", []blockSpec{
		{present: true, bitmapByte: 0xF0, data: childData},
	})

	cb := fakeCallback{"parent.vhd": parentBuf}
	img, err := vhd.OpenImage(newMemStream(childBuf), cb)
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	if img.Parent() == nil {
		t.Fatalf("expected parent to resolve")
	}

	logical, err := img.Stream()
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got, err := io.ReadAll(logical)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got[:2048], childData[:2048]) {
		t.Fatalf("child half mismatch")
	}
	if !bytes.Equal(got[2048:], parentData[2048:]) {
		t.Fatalf("parent half mismatch")
	}
}

// E5: a Differencing image whose parent can't be found still opens; the
// failure is recorded, not fatal, and the logical stream is unavailable.
func TestMissingParentIsNonFatal(t *testing.T) {
	var parentUID, childUID [16]byte
	childUID[0] = 2
	childData := pattern(4096, 4)
	childBuf := buildDynamicBuffer(uint32(vhd.DiskTypeDifferencing), 4096, 12, childUID, parentUID, "missing.vhd", []blockSpec{
		{present: true, bitmapByte: 0xFF, data: childData},
	})

	img, err := vhd.OpenImage(newMemStream(childBuf), fakeCallback{})
	if err != nil {
		t.Fatalf("OpenImage should succeed even with a missing parent: %v", err)
	}
	if img.Parent() != nil {
		t.Fatalf("expected no parent to resolve")
	}
	props := img.Properties()
	if !bytes.Contains([]byte(props.Error), []byte("Can't open parent VHD file")) {
		t.Fatalf("expected missing-parent annotation, got %q", props.Error)
	}
	if _, err := img.Stream(); err == nil {
		t.Fatalf("expected Stream to fail over a broken parent chain")
	}
}

// Lineage law: a same-named parent with the wrong UID is rejected, same
// as if it were simply missing.
func TestLineageMismatchRejectsParent(t *testing.T) {
	var declaredParentUID, actualParentUID, childUID [16]byte
	declaredParentUID[0] = 0xAA
	actualParentUID[0] = 0xBB
	childUID[0] = 3

	parentBuf := buildDynamicBuffer(uint32(vhd.DiskTypeDynamic), 4096, 12, actualParentUID, [16]byte{}, "", []blockSpec{
		{present: true, bitmapByte: 0xFF, data: pattern(4096, 5)},
	})
	childBuf := buildDynamicBuffer(uint32(vhd.DiskTypeDifferencing), 4096, 12, childUID, declaredParentUID, "parent.vhd", []blockSpec{
		{present: true, bitmapByte: 0xFF, data: pattern(4096, 6)},
	})

	img, err := vhd.OpenImage(newMemStream(childBuf), fakeCallback{"parent.vhd": parentBuf})
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	if img.Parent() != nil {
		t.Fatalf("expected parent with mismatched UID to be rejected")
	}
}

// BAT/size consistency: a NumBlocks that doesn't match current_size
// fails to open.
func TestBATSizeMismatchFails(t *testing.T) {
	var uid, zero [16]byte
	buf := buildDynamicBuffer(uint32(vhd.DiskTypeDynamic), 9000, 12, uid, zero, "", []blockSpec{
		{present: true, bitmapByte: 0xFF, data: pattern(4096, 7)},
	})
	if _, err := vhd.OpenImage(newMemStream(buf), nil); err == nil {
		t.Fatalf("expected BAT/size mismatch to fail Open")
	}
}

// Logical/physical bounds: seeking past end is allowed, the next read
// reports EOF; seeking negative fails.
func TestSeekBounds(t *testing.T) {
	payload := pattern(1024, 0)
	var uid [16]byte
	buf := append(append([]byte{}, payload...), buildFooter(uint32(vhd.DiskTypeFixed), 0, 1024, uid)...)

	img, err := vhd.OpenImage(newMemStream(buf), nil)
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	logical, err := img.Stream()
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if _, err := logical.Seek(2000, io.SeekStart); err != nil {
		t.Fatalf("Seek past end should succeed: %v", err)
	}
	n, err := logical.Read(make([]byte, 16))
	if n != 0 || err != io.EOF {
		t.Fatalf("expected (0, EOF) reading past end, got (%d, %v)", n, err)
	}
	if _, err := logical.Seek(-1, io.SeekStart); err == nil {
		t.Fatalf("expected negative seek to fail")
	}
}

// Read idempotence: re-reading the same logical range yields the same
// bytes.
func TestReadIdempotence(t *testing.T) {
	var uid, zero [16]byte
	data := pattern(4096, 11)
	buf := buildDynamicBuffer(uint32(vhd.DiskTypeDynamic), 4096, 12, uid, zero, "", []blockSpec{
		{present: true, bitmapByte: 0xFF, data: data},
	})
	img, err := vhd.OpenImage(newMemStream(buf), nil)
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	logical, err := img.Stream()
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	first := make([]byte, 1000)
	if _, err := io.ReadFull(logical, first); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if _, err := logical.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	second := make([]byte, 1000)
	if _, err := io.ReadFull(logical, second); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("re-reading the same range produced different bytes")
	}
}

// Block-boundary equivalence: reading the whole image in one large
// buffer yields the same bytes as reading it a chunk at a time, even
// though a single Read call never crosses a block boundary internally.
func TestBlockBoundaryEquivalence(t *testing.T) {
	var uid, zero [16]byte
	data := pattern(4096, 13)
	buf := buildDynamicBuffer(uint32(vhd.DiskTypeDynamic), 8192, 12, uid, zero, "", []blockSpec{
		{present: true, bitmapByte: 0xFF, data: data},
		{present: true, bitmapByte: 0xFF, data: data},
	})

	img1, _ := vhd.OpenImage(newMemStream(buf), nil)
	whole, err := img1.Stream()
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	allAtOnce, err := io.ReadAll(whole)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	img2, _ := vhd.OpenImage(newMemStream(buf), nil)
	chunked, err := img2.Stream()
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var piecewise []byte
	small := make([]byte, 300)
	for {
		n, err := chunked.Read(small)
		piecewise = append(piecewise, small[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("chunked read: %v", err)
		}
	}

	if !bytes.Equal(allAtOnce, piecewise) {
		t.Fatalf("chunked and bulk reads disagree")
	}
}

// Truncation: an archive that ends before room for a backup footer
// still opens, reads fine (the BAT/bitmap/data it does have are
// intact), and records a non-fatal Truncated annotation.
func TestTruncatedArchiveRecordsAnnotation(t *testing.T) {
	var uid, zero [16]byte
	data := pattern(4096, 20)
	buf := buildDynamicBuffer(uint32(vhd.DiskTypeDynamic), 4096, 12, uid, zero, "", []blockSpec{
		{present: true, bitmapByte: 0xFF, data: data},
	})
	truncated := buf[:len(buf)-512] // drop the trailing backup footer entirely

	img, err := vhd.OpenImage(newMemStream(truncated), nil)
	if err != nil {
		t.Fatalf("OpenImage should succeed on a truncated archive: %v", err)
	}
	props := img.Properties()
	if !strings.Contains(props.Error, vhd.ErrTruncated.Error()) {
		t.Fatalf("expected truncation annotation, got %q", props.Error)
	}

	logical, err := img.Stream()
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got, err := io.ReadAll(logical)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("block data mismatch despite truncation being non-fatal")
	}
}

type fakeCallback map[string][]byte

func (f fakeCallback) GetStream(name string) (vhd.SourceStream, error) {
	b, ok := f[name]
	if !ok {
		return nil, vhd.ErrNotFound
	}
	return newMemStream(b), nil
}
