package vhd

import "io"

// SourceStream is the seekable byte stream the decoder reads a container
// from (§6, "Source stream (consumed)"). *os.File and the mmap-backed
// localFile type both satisfy it; so does any io.ReadSeeker a host wants
// to hand in (an embedded-archive sub-range, a network-backed cache,
// ...). The decoder performs no filesystem I/O of its own against this
// stream — it only seeks and reads.
type SourceStream interface {
	io.ReaderAt
	io.Reader
	io.Seeker
}

// LogicalStream is the read-only, seekable stream of logical disk
// contents the decoder produces (§6, "Exposed stream (produced)").
// *Image implements it directly.
type LogicalStream interface {
	io.Reader
	io.Seeker
}

// VolumeCallback resolves a parent image by name for Differencing disks
// (§6, "Volume callback (consumed)"). The decoder performs no filesystem
// I/O itself; it asks the host for a stream by name and otherwise treats
// the result opaquely. GetStream should return ErrNotFound (wrapped or
// bare) when name cannot be resolved, distinct from any other failure.
type VolumeCallback interface {
	GetStream(name string) (SourceStream, error)
}

// ErrNotFound is the sentinel a VolumeCallback returns when it has no
// stream for the requested name. The parent resolver (§4.6) treats this,
// and only this, as "try the alternate name, then give up gracefully".
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "vhd: volume not found" }
