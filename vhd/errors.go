package vhd

import "errors"

// Error kinds from §7. These are sentinels: wrap them with fmt.Errorf's
// %w and test with errors.Is, mirroring the handful of HRESULT values the
// original COM handler returns (S_FALSE/E_FAIL map onto ErrNotMine/
// ErrInvalid depending on context).
var (
	// ErrNotMine means the source doesn't begin (or end) with a valid
	// footer; a caller trying several decoders should move on.
	ErrNotMine = errors.New("vhd: not a VHD image")

	// ErrInvalid means a structurally present VHD contains a malformed
	// field: bad checksum, nonzero reserved bytes, an impossible block
	// size, a BAT inconsistent with the logical size, or a locator that
	// overflows the file.
	ErrInvalid = errors.New("vhd: invalid VHD structure")

	// ErrParentMissing means the volume callback could not supply a
	// named ancestor, or two linked images disagree on lineage UID.
	// Open still succeeds when this occurs; it is recorded as an
	// annotation and surfaces here only when a caller tries to read
	// through the broken chain.
	ErrParentMissing = errors.New("vhd: parent image unavailable")

	// ErrDepthExceeded means the differencing parent chain recursed
	// past MaxParentDepth, almost certainly because of a cycle.
	ErrDepthExceeded = errors.New("vhd: parent chain too deep")

	// ErrDataIntegrity means a sector outside any parent's backing was
	// read as non-zero in an image with no parent, violating the
	// "else zero-fill" branch of the differencing law (§8 property 7).
	ErrDataIntegrity = errors.New("vhd: unbacked sector is not zero-filled")

	// ErrIO wraps a failure from the underlying SourceStream itself —
	// a short read, a seek error — as opposed to a malformed VHD
	// structure found in data that was read successfully.
	ErrIO = errors.New("vhd: I/O error reading source stream")

	// ErrTruncated means the archive ends before a backup footer could
	// fit. Open still succeeds, with the logical limit clipped to what
	// was actually found; this is recorded as a non-fatal annotation,
	// the same as ErrParentMissing.
	ErrTruncated = errors.New("vhd: archive truncated before backup footer")
)
