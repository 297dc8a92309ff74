package vhd

import (
	"fmt"
)

// DiskType is the tagged variant replacing the raw integer `Type` field
// of the original CFooter (Design Note: "Tagged variant for Disk Type").
type DiskType uint32

const (
	DiskTypeFixed        DiskType = 2
	DiskTypeDynamic      DiskType = 3
	DiskTypeDifferencing DiskType = 4
)

func (t DiskType) String() string {
	switch t {
	case DiskTypeFixed:
		return "Fixed"
	case DiskTypeDynamic:
		return "Dynamic"
	case DiskTypeDifferencing:
		return "Differencing"
	default:
		return fmt.Sprintf("%d", uint32(t))
	}
}

// footerSignature is the literal "conectix" + two zero bytes, 10 bytes as
// specified in §6 Constants.
var footerSignature = [10]byte{'c', 'o', 'n', 'e', 'c', 't', 'i', 'x', 0, 0}

// Geometry is the packed CHS disk geometry. It's informational only: the
// decoder never derives block addressing from it (spec.md Non-goals).
type Geometry struct {
	Cylinders     uint16
	Heads         uint8
	SectorsPerTrk uint8
}

func decodeGeometry(raw uint32) Geometry {
	return Geometry{
		Cylinders:     uint16(raw >> 16),
		Heads:         uint8(raw >> 8),
		SectorsPerTrk: uint8(raw),
	}
}

// Footer is the parsed, immutable 512-byte VHD footer (§3).
type Footer struct {
	DataOffset     uint64
	CreationTime   uint32 // seconds since 2000-01-01, see secondsSince2000
	CreatorApp     [4]byte
	CreatorVersion uint32
	CreatorHostOS  uint32
	CurrentSize    uint64
	DiskGeometry   Geometry
	Type           DiskType
	UID            [16]byte
	SavedState     bool
}

// IsFixed reports whether this footer describes a Fixed-disk image.
func (f *Footer) IsFixed() bool { return f.Type == DiskTypeFixed }

// ThereIsDynamic reports whether a DynHeader follows this footer.
func (f *Footer) ThereIsDynamic() bool {
	return f.Type == DiskTypeDynamic || f.Type == DiskTypeDifferencing
}

// CreatorAppString trims the 4-byte creator-app tag to its printable
// prefix, null-truncating at the first non-printable byte (§3).
func (f *Footer) CreatorAppString() string {
	return printableASCII(f.CreatorApp[:])
}

// CreatorVersionString renders the 32-bit creator version as major.minor
// from its high/low 16-bit halves.
func (f *Footer) CreatorVersionString() string {
	return fmt.Sprintf("%d.%d", f.CreatorVersion>>16, f.CreatorVersion&0xFFFF)
}

// HostOSString maps the "Wi2k" tag to "Windows", else decodes the raw
// 4-byte tag as printable ASCII.
func (f *Footer) HostOSString() string {
	if f.CreatorHostOS == 0x5769326B {
		return "Windows"
	}
	var b [4]byte
	b[0] = byte(f.CreatorHostOS >> 24)
	b[1] = byte(f.CreatorHostOS >> 16)
	b[2] = byte(f.CreatorHostOS >> 8)
	b[3] = byte(f.CreatorHostOS)
	return printableASCII(b[:])
}

func printableASCII(b []byte) string {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c < 0x20 || c > 0x7F {
			break
		}
		out = append(out, c)
	}
	return string(out)
}

// IDHex renders the 16-byte UID as 32 uppercase hex characters.
func (f *Footer) IDHex() string {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 32)
	for i, b := range f.UID {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0xF]
	}
	return string(out)
}

// parseFooter parses a 512-byte candidate footer per §4.2. It returns
// ErrNotMine when the buffer doesn't look like a footer at all (bad
// signature or disk type), and ErrInvalid when the signature and type
// check out but the checksum/zero-tail law fails.
func parseFooter(buf []byte) (*Footer, error) {
	if len(buf) < FooterSize {
		return nil, fmt.Errorf("%w: footer buffer too short", ErrNotMine)
	}
	if string(buf[:10]) != string(footerSignature[:]) {
		return nil, ErrNotMine
	}

	rawType := getBE32(buf, 0x3C)
	if rawType < uint32(DiskTypeFixed) || rawType > uint32(DiskTypeDifferencing) {
		return nil, fmt.Errorf("%w: disk type %d out of range", ErrNotMine, rawType)
	}

	f := &Footer{
		DataOffset:     getBE64(buf, 0x10),
		CreationTime:   getBE32(buf, 0x18),
		CreatorVersion: getBE32(buf, 0x20),
		CreatorHostOS:  getBE32(buf, 0x24),
		CurrentSize:    getBE64(buf, 0x30),
		DiskGeometry:   decodeGeometry(getBE32(buf, 0x38)),
		Type:           DiskType(rawType),
		SavedState:     buf[0x54] != 0,
	}
	copy(f.CreatorApp[:], buf[0x1C:0x20])
	copy(f.UID[:], buf[0x44:0x54])

	if !checkBlock(buf, FooterSize, 0x40, 0x55) {
		return nil, fmt.Errorf("%w: footer checksum/zero-tail mismatch", ErrInvalid)
	}
	return f, nil
}
