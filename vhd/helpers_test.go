package vhd_test

import (
	"io"
)

// memStream is a []byte-backed SourceStream for building synthetic VHD
// images in tests without touching the filesystem.
type memStream struct {
	data []byte
	pos  int64
}

func newMemStream(b []byte) *memStream { return &memStream{data: b} }

func (m *memStream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memStream) Read(p []byte) (int, error) {
	n, err := m.ReadAt(p, m.pos)
	m.pos += int64(n)
	return n, err
}

func (m *memStream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = m.pos + offset
	case io.SeekEnd:
		abs = int64(len(m.data)) + offset
	}
	m.pos = abs
	return abs, nil
}

func putBE16(p []byte, off int, v uint16) {
	p[off] = byte(v >> 8)
	p[off+1] = byte(v)
}

func putBE32(p []byte, off int, v uint32) {
	p[off] = byte(v >> 24)
	p[off+1] = byte(v >> 16)
	p[off+2] = byte(v >> 8)
	p[off+3] = byte(v)
}

func putBE64(p []byte, off int, v uint64) {
	putBE32(p, off, uint32(v>>32))
	putBE32(p, off+4, uint32(v))
}

func setChecksum(buf []byte, checksumOffset int) {
	var sum uint32
	for i, b := range buf {
		if i >= checksumOffset && i < checksumOffset+4 {
			continue
		}
		sum += uint32(b)
	}
	putBE32(buf, checksumOffset, ^sum)
}

// buildFooter fills a 512-byte footer with valid checksum. diskType is
// one of DiskTypeFixed/Dynamic/Differencing's raw uint32 value.
func buildFooter(diskType uint32, dataOffset, currentSize uint64, uid [16]byte) []byte {
	buf := make([]byte, 512)
	copy(buf[0:10], []byte("conectix\x00\x00"))
	putBE64(buf, 0x10, dataOffset)
	copy(buf[0x1C:0x20], []byte("tst "))
	putBE32(buf, 0x20, 0x00010000)
	putBE32(buf, 0x24, 0x5769326B) // "Wi2k"
	putBE64(buf, 0x30, currentSize)
	putBE32(buf, 0x3C, diskType)
	copy(buf[0x44:0x54], uid[:])
	setChecksum(buf, 0x40)
	return buf
}

// buildDynHeader fills a 1024-byte dynamic header with valid checksum.
func buildDynHeader(tableOffset uint64, numBlocks uint32, blockSizeLog uint32, parentUID [16]byte, parentName string) []byte {
	buf := make([]byte, 1024)
	copy(buf[0:8], []byte("cxsparse"))
	putBE64(buf, 0x10, tableOffset)
	putBE32(buf, 0x1C, numBlocks)
	putBE32(buf, 0x20, uint32(1)<<blockSizeLog)
	copy(buf[0x28:0x38], parentUID[:])
	units := []rune(parentName)
	for i, r := range units {
		if 0x40+i*2+1 >= 0x240 {
			break
		}
		putBE16(buf, 0x40+i*2, uint16(r))
	}
	setChecksum(buf, 0x24)
	return buf
}

// fillBAT writes entries (sector numbers, or UnusedBlock) into a
// 512-byte BAT sector buffer starting at batBuf[0].
func fillBAT(batBuf []byte, entries []uint32) {
	for i, v := range entries {
		putBE32(batBuf, i*4, v)
	}
}
