package vhd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxParentDepth bounds differencing-chain recursion so a cyclic or
// adversarial locator chain cannot blow the stack (§3, §5).
const MaxParentDepth = 1 << 12

// Image is one opened VHD container: a Fixed image, or a Dynamic /
// Differencing image together with its fully-resolved parent chain
// (§3 "Parent chain"). It satisfies LogicalStream once obtained through
// Stream.
type Image struct {
	stream      SourceStream
	startOffset uint64
	// posInArcLimit bounds every physical read against the archive's
	// known backing extent (§4.5 Step C/D); it also doubles as the
	// locator bounds check of §4.4.
	posInArcLimit uint64
	phySize       uint64

	footer *Footer
	dyn    *DynHeader
	bat    BAT

	bitmap    []byte
	bitmapTag uint32

	parent *Image

	errorMessage string

	virtPos uint64
}

// Footer returns the parsed footer of this image.
func (img *Image) Footer() *Footer { return img.footer }

// DynHeader returns the parsed dynamic header, or nil for a Fixed image.
func (img *Image) DynHeader() *DynHeader { return img.dyn }

// BAT returns the block allocation table, or nil for a Fixed image.
func (img *Image) BAT() BAT { return img.bat }

// Parent returns the parent image in a Differencing chain, or nil if
// this image isn't Differencing or the parent couldn't be resolved.
func (img *Image) Parent() *Image { return img.parent }

func (img *Image) needParent() bool { return img.footer.Type == DiskTypeDifferencing }

// areParentsOK reports whether every Differencing link down the chain
// resolved to a real parent image.
func (img *Image) areParentsOK() bool {
	p := img
	for p.needParent() {
		p = p.parent
		if p == nil {
			return false
		}
	}
	return true
}

func (img *Image) addError(msg string) {
	if img.errorMessage != "" {
		img.errorMessage += "\n"
	}
	img.errorMessage += msg
}

func (img *Image) updatePhySize(v uint64) {
	if img.phySize < v {
		img.phySize = v
	}
}

// readAt performs a bounds-checked physical read relative to this
// image's own archive-relative addressing (§4.5, §5: "always re-seeks
// ... never assumes sequential continuity"). Using io.ReaderAt instead
// of a manual position cache makes that guarantee structural rather
// than a bookkeeping discipline — see DESIGN.md.
func (img *Image) readAt(offset uint64, buf []byte) error {
	if offset+uint64(len(buf)) > img.posInArcLimit {
		return fmt.Errorf("%w: physical read at %d+%d exceeds archive limit %d", ErrInvalid, offset, len(buf), img.posInArcLimit)
	}
	n, err := img.stream.ReadAt(buf, int64(img.startOffset+offset))
	if n == len(buf) {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}

func streamSize(stream SourceStream) (uint64, error) {
	end, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("%w: seeking to end: %v", ErrIO, err)
	}
	if end < 0 {
		return 0, fmt.Errorf("%w: negative stream length", ErrIO)
	}
	return uint64(end), nil
}

// OpenImage opens a VHD image from stream, resolving its parent chain
// (if any) through cb (§4.5 Open3, §4.6). cb may be nil for images known
// in advance not to be Differencing; resolving a Differencing image
// with a nil cb records a "parent unavailable" annotation and leaves
// Parent() nil, same as a cb that returns ErrNotFound for everything.
func OpenImage(stream SourceStream, cb VolumeCallback) (*Image, error) {
	return openLevel(stream, nil, cb, 0)
}

// openLevel implements Open2: parse this level (open3), check lineage
// against the child that asked for us (expectedParentUID), then chase
// our own parent if we're Differencing.
func openLevel(stream SourceStream, expectedParentUID *[16]byte, cb VolumeCallback, level int) (*Image, error) {
	if level > MaxParentDepth {
		return nil, ErrDepthExceeded
	}
	img, err := open3(stream)
	if err != nil {
		return nil, err
	}
	if expectedParentUID != nil && img.footer.UID != *expectedParentUID {
		return nil, fmt.Errorf("%w: parent UID does not match child's recorded parent UID", ErrInvalid)
	}
	if !img.needParent() {
		return img, nil
	}
	img.resolveParent(cb, level)
	return img, nil
}

// open3 implements §4.5 Steps A-E: discover the footer (forward or
// backward), load the dynamic header and BAT for Dynamic/Differencing
// images, and verify the backup footer. It does not resolve a parent
// chain; that's openLevel's job once open3 succeeds.
func open3(stream SourceStream) (*Image, error) {
	startPos, err := stream.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if startPos < 0 {
		return nil, fmt.Errorf("%w: negative start position", ErrIO)
	}
	start := uint64(startPos)

	header := make([]byte, FooterSize)
	n, rerr := stream.ReadAt(header, startPos)
	headerReadOK := rerr == nil && n == FooterSize

	var headFooter *Footer
	if headerReadOK {
		if f, ferr := parseFooter(header); ferr == nil {
			headFooter = f
		}
	}

	// Step A: Fixed disk found at the head.
	if headFooter != nil && !headFooter.ThereIsDynamic() {
		if start < headFooter.CurrentSize {
			return nil, fmt.Errorf("%w: start offset precedes fixed payload", ErrInvalid)
		}
		return &Image{
			stream:        stream,
			footer:        headFooter,
			posInArcLimit: headFooter.CurrentSize,
			phySize:       headFooter.CurrentSize + FooterSize,
			startOffset:   start - headFooter.CurrentSize,
		}, nil
	}

	// Step B: determine file length and read the tail footer.
	fileSize, err := streamSize(stream)
	if err != nil {
		return nil, err
	}
	if fileSize < FooterSize {
		return nil, ErrNotMine
	}

	tail := make([]byte, FooterSize)
	if _, err := stream.ReadAt(tail, int64(fileSize-FooterSize)); err != nil {
		return nil, fmt.Errorf("%w: reading tail footer: %v", ErrIO, err)
	}

	if headFooter == nil {
		tailFooter, ferr := parseFooter(tail)
		if ferr != nil {
			return nil, ErrNotMine
		}
		if tailFooter.ThereIsDynamic() {
			return nil, fmt.Errorf("%w: cannot open dynamic image backward", ErrInvalid)
		}
		return &Image{
			stream:        stream,
			footer:        tailFooter,
			posInArcLimit: tailFooter.CurrentSize,
			phySize:       tailFooter.CurrentSize + FooterSize,
			startOffset:   fileSize - FooterSize - tailFooter.CurrentSize,
		}, nil
	}

	// Step C: head footer parsed and disk is Dynamic/Differencing.
	img := &Image{
		stream:      stream,
		footer:      headFooter,
		startOffset: start,
		phySize:     FooterSize,
	}
	img.posInArcLimit = (fileSize - start) - FooterSize

	headerAndFooterEqual := bytes.Equal(header, tail)
	if headerAndFooterEqual {
		img.phySize = fileSize - img.startOffset
	}

	dynBuf := make([]byte, DynHeaderSize)
	if err := img.readAt(headFooter.DataOffset, dynBuf); err != nil {
		return nil, err
	}
	dyn, err := parseDynHeader(dynBuf)
	if err != nil {
		return nil, err
	}
	img.dyn = dyn
	img.updatePhySize(headFooter.DataOffset + DynHeaderSize)

	const maxLocatorNameBuf = 1024
	for i := range dyn.ParentLocators {
		loc := dyn.ParentLocators[i]
		if loc.DataLen < maxLocatorNameBuf &&
			loc.DataOffset < img.posInArcLimit &&
			loc.DataOffset+uint64(loc.DataLen) <= img.posInArcLimit {
			if loc.Code == parentLocatorCodeW2ru && loc.DataLen%2 == 0 {
				nameBuf := make([]byte, loc.DataLen)
				if err := img.readAt(loc.DataOffset, nameBuf); err != nil {
					return nil, err
				}
				name := decodeParentNameUTF16LE(nameBuf)
				name = strings.TrimPrefix(name, `.\`)
				dyn.RelativeParentNameFromLocator = name
			}
		}
		if loc.DataLen != 0 {
			img.updatePhySize(loc.DataOffset + uint64(loc.DataLen))
		}
	}

	if dyn.NumBlocks >= 1<<31 {
		return nil, fmt.Errorf("%w: BAT entry count %d out of range", ErrInvalid, dyn.NumBlocks)
	}
	if headFooter.CurrentSize == 0 {
		if dyn.NumBlocks != 0 {
			return nil, fmt.Errorf("%w: empty image must have zero BAT entries", ErrInvalid)
		}
	} else if ((headFooter.CurrentSize-1)>>dyn.BlockSizeLog)+1 != uint64(dyn.NumBlocks) {
		return nil, fmt.Errorf("%w: BAT entry count inconsistent with logical size", ErrInvalid)
	}

	bat := make(BAT, 0, dyn.NumBlocks)
	bitmapSize := uint64(dyn.NumBitmapSectors()) << SectorSizeLog
	blockSize := uint64(dyn.BlockSize())
	sectorBuf := make([]byte, SectorSize)
	for uint32(len(bat)) < dyn.NumBlocks {
		off := dyn.TableOffset + uint64(len(bat))*4
		if err := img.readAt(off, sectorBuf); err != nil {
			return nil, err
		}
		img.updatePhySize(dyn.TableOffset + SectorSize)
		for j := 0; j < SectorSize; j += 4 {
			v := getBE32(sectorBuf, j)
			if v != UnusedBlock {
				img.updatePhySize(uint64(v)<<SectorSizeLog + bitmapSize + blockSize)
			}
			bat = append(bat, v)
			if uint32(len(bat)) >= dyn.NumBlocks {
				break
			}
		}
	}
	img.bat = bat

	if headerAndFooterEqual {
		return img, nil
	}

	// Step E: footer-backup verification.
	if img.startOffset+img.phySize+FooterSize > fileSize {
		img.posInArcLimit = img.phySize
		img.phySize += FooterSize
		img.addError(ErrTruncated.Error())
		return img, nil
	}

	backup := make([]byte, FooterSize)
	if err := img.readAt(img.phySize, backup); err != nil {
		return nil, err
	}
	if bytes.Equal(header, backup) {
		img.posInArcLimit = img.phySize
		img.phySize += FooterSize
		return img, nil
	}

	if img.phySize == 0x800 {
		allZero := true
		for _, b := range backup {
			if b != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			next := make([]byte, FooterSize)
			if err := img.readAt(img.phySize+SectorSize, next); err == nil && bytes.Equal(header, next) {
				img.phySize += SectorSize
				img.posInArcLimit = img.phySize
				img.phySize += FooterSize
				return img, nil
			}
		}
	}

	img.posInArcLimit = img.phySize
	img.phySize += FooterSize
	img.addError("Can't find footer")
	return img, nil
}

// resolveParent implements §4.6. Any failure to obtain a usable parent
// — not found, UID mismatch, depth exceeded, a malformed parent image —
// is recorded as a non-fatal annotation; it never fails the Open of the
// image asking for the parent.
func (img *Image) resolveParent(cb VolumeCallback, level int) {
	useRelative := img.dyn.RelativeParentNameFromLocator != ""
	name := img.dyn.ParentName
	if useRelative {
		name = img.dyn.RelativeParentNameFromLocator
	}
	img.dyn.RelativeNameWasUsed = useRelative

	if cb == nil {
		img.addError("Can't open parent VHD file:\n" + name)
		return
	}

	stream, err := cb.GetStream(name)
	if errors.Is(err, ErrNotFound) && useRelative && img.dyn.ParentName != img.dyn.RelativeParentNameFromLocator {
		if altStream, altErr := cb.GetStream(img.dyn.ParentName); altErr == nil {
			stream, err = altStream, nil
			img.dyn.RelativeNameWasUsed = false
			name = img.dyn.ParentName
		}
	}
	if err != nil {
		img.addError("Can't open parent VHD file:\n" + name)
		return
	}

	parentUID := img.dyn.ParentUID
	parent, perr := openLevel(stream, &parentUID, cb, level+1)
	if perr != nil {
		img.addError("Can't open parent VHD file:\n" + name)
		return
	}
	img.parent = parent
}

// Stream returns the exposed logical disk stream (§6, §4.7). For a
// Fixed image this is always available. For Dynamic/Differencing it
// requires a complete parent chain; a broken chain fails with
// ErrNotMine, matching the original's S_FALSE/NotMine convention for
// "can't hand out a readable stream right now".
func (img *Image) Stream() (LogicalStream, error) {
	if img.footer.IsFixed() {
		img.virtPos = 0
		return img, nil
	}
	if !img.footer.ThereIsDynamic() || !img.areParentsOK() {
		return nil, fmt.Errorf("%w: %w", ErrNotMine, ErrParentMissing)
	}
	if err := img.initAndSeek(); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) initAndSeek() error {
	if img.parent != nil {
		if err := img.parent.initAndSeek(); err != nil {
			return err
		}
	}
	img.virtPos = 0
	img.bitmapTag = UnusedBlock
	if img.dyn != nil {
		img.bitmap = make([]byte, uint64(img.dyn.NumBitmapSectors())*SectorSize)
	}
	return nil
}

// Close releases this image's own stream, then its parent's, and so on
// up the chain — leaf (the image the caller opened) to root, per §3
// Lifecycle.
func (img *Image) Close() error {
	var firstErr error
	if closer, ok := img.stream.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			firstErr = err
		}
	}
	if img.parent != nil {
		if err := img.parent.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
