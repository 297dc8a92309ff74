package vhd

import (
	"fmt"
	"unicode/utf16"
)

// dynHeaderSignature is the literal "cxsparse" (§6 Constants).
var dynHeaderSignature = [8]byte{'c', 'x', 's', 'p', 'a', 'r', 's', 'e'}

// parentLocatorCode identifies a parent-locator slot's encoding. Only
// "W2ru" (relative-path UTF-16LE) is interpreted; the rest are ignored
// for naming but still count toward the physical-size accounting.
const parentLocatorCodeW2ru uint32 = 0x57327275

// ParentLocatorEntry is one of the 8 fixed locator slots in a DynHeader
// (§3, §4.4).
type ParentLocatorEntry struct {
	Code       uint32
	DataSpace  uint32
	DataLen    uint32
	DataOffset uint64
}

func parseParentLocatorEntry(p []byte) (ParentLocatorEntry, error) {
	e := ParentLocatorEntry{
		Code:       getBE32(p, 0x00),
		DataSpace:  getBE32(p, 0x04),
		DataLen:    getBE32(p, 0x08),
		DataOffset: getBE64(p, 0x10),
	}
	if getBE32(p, 0x0C) != 0 {
		return e, fmt.Errorf("%w: parent locator reserved field nonzero", ErrInvalid)
	}
	return e, nil
}

// DynHeader is the parsed, immutable 1024-byte dynamic/differencing
// header (§3, §4.3), present only when Footer.ThereIsDynamic().
type DynHeader struct {
	TableOffset    uint64
	NumBlocks      uint32
	BlockSizeLog   uint
	ParentTime     uint32
	ParentUID      [16]byte
	ParentName     string // decoded from 256 UTF-16BE code units, NUL-trimmed
	ParentLocators [8]ParentLocatorEntry

	// RelativeParentNameFromLocator is populated during Open from the
	// "W2ru" locator, if any (§4.4). Empty until the opener runs.
	RelativeParentNameFromLocator string
	// RelativeNameWasUsed records which of ParentName/
	// RelativeParentNameFromLocator the opener actually used to find
	// the parent, for GetParentSequence-style reporting (§4.6, §9).
	RelativeNameWasUsed bool
}

// NumBitmapSectors returns the number of 512-byte sectors the per-block
// sector bitmap occupies, given this header's block size: one bit per
// sector in the block, rounded up to a whole sector of bits.
func (d *DynHeader) NumBitmapSectors() uint32 {
	numSectorsInBlock := uint64(1) << (d.BlockSizeLog - SectorSizeLog)
	const bitsPerSector = SectorSize * 8
	return uint32(alignUp(numSectorsInBlock, bitsPerSector) / bitsPerSector)
}

// BlockSize returns 1<<BlockSizeLog, the logical block size in bytes.
func (d *DynHeader) BlockSize() uint32 {
	return uint32(1) << d.BlockSizeLog
}

// parseDynHeader parses a 1024-byte buffer per §4.3.
func parseDynHeader(buf []byte) (*DynHeader, error) {
	if len(buf) < DynHeaderSize {
		return nil, fmt.Errorf("%w: dyn header buffer too short", ErrInvalid)
	}
	if string(buf[:8]) != string(dynHeaderSignature[:]) {
		return nil, fmt.Errorf("%w: bad dynamic header signature", ErrInvalid)
	}

	blockSize := getBE32(buf, 0x20)
	blockSizeLog, ok := log2PowerOfTwo(blockSize, SectorSizeLog, 31)
	if !ok {
		return nil, fmt.Errorf("%w: block size %d is not a power of two in range", ErrInvalid, blockSize)
	}

	if getBE32(buf, 0x3C) != 0 {
		return nil, fmt.Errorf("%w: dyn header reserved field nonzero", ErrInvalid)
	}

	d := &DynHeader{
		TableOffset:  getBE64(buf, 0x10),
		NumBlocks:    getBE32(buf, 0x1C),
		BlockSizeLog: blockSizeLog,
		ParentTime:   getBE32(buf, 0x38),
	}
	copy(d.ParentUID[:], buf[0x28:0x38])
	d.ParentName = decodeParentName(buf[0x40 : 0x40+256*2])

	for i := 0; i < 8; i++ {
		entry, err := parseParentLocatorEntry(buf[0x240+i*24 : 0x240+i*24+24])
		if err != nil {
			return nil, err
		}
		d.ParentLocators[i] = entry
	}

	if !checkBlock(buf, DynHeaderSize, 0x24, 0x240+8*24) {
		return nil, fmt.Errorf("%w: dyn header checksum/zero-tail mismatch", ErrInvalid)
	}
	return d, nil
}

// log2PowerOfTwo returns i such that 1<<i == v, for i in [minLog,
// maxLog], or false if v is not an exact power of two in that range.
func log2PowerOfTwo(v uint32, minLog, maxLog uint) (uint, bool) {
	for i := minLog; i <= maxLog; i++ {
		if uint32(1)<<i == v {
			return i, true
		}
	}
	return 0, false
}

// decodeParentName decodes a fixed run of big-endian UTF-16 code units,
// stopping at the first NUL.
func decodeParentName(raw []byte) string {
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = getBE16(raw, i*2)
	}
	for i, u := range units {
		if u == 0 {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}

// decodeParentNameUTF16LE decodes a little-endian UTF-16 byte slice of
// even length, as used by the "W2ru" parent locator (§4.4).
func decodeParentNameUTF16LE(raw []byte) string {
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = uint16(raw[i*2]) | uint16(raw[i*2+1])<<8
	}
	return string(utf16.Decode(units))
}
