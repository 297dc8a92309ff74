package vhd

import (
	"fmt"
	"io"
)

// Read implements LogicalStream over the decoded disk (§4.7). A Fixed
// image is a direct window onto the source stream; Dynamic and
// Differencing images resolve each read through the BAT, the block's
// sector bitmap, and (when the bit is clear) the parent chain.
func (img *Image) Read(p []byte) (int, error) {
	size, err := img.clipToEnd(len(p))
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, nil
	}
	if img.footer.IsFixed() {
		n, err := img.stream.ReadAt(p[:size], int64(img.startOffset+img.virtPos))
		img.virtPos += uint64(n)
		return n, err
	}
	return img.readSparse(p[:size])
}

// clipToEnd implements §4.7 steps 1-2: report EOF at or past the logical
// end (Seek may leave the position beyond it), and otherwise shrink a
// read so it never crosses current_size.
func (img *Image) clipToEnd(want int) (int, error) {
	if img.virtPos >= img.footer.CurrentSize {
		return 0, io.EOF
	}
	rem := img.footer.CurrentSize - img.virtPos
	if uint64(want) > rem {
		want = int(rem)
	}
	return want, nil
}

// readSparse implements §4.7 steps 3-5 for Dynamic/Differencing images.
// buf is already clipped to end-of-image; it's further clipped here to
// not cross a block boundary, so callers may see a short read.
func (img *Image) readSparse(buf []byte) (int, error) {
	blockSize := img.dyn.BlockSize()
	blockIndex := uint32(img.virtPos >> img.dyn.BlockSizeLog)
	offsetInBlock := uint32(img.virtPos & uint64(blockSize-1))
	if rem := blockSize - offsetInBlock; uint32(len(buf)) > rem {
		buf = buf[:rem]
	}

	blockSect := img.bat[blockIndex]
	var n int
	var err error
	if blockSect == UnusedBlock {
		n, err = img.readFromParentOrZero(img.virtPos, buf)
	} else {
		n, err = img.readAllocatedBlock(blockSect, blockIndex, offsetInBlock, buf)
	}
	img.virtPos += uint64(n)
	return n, err
}

// readAllocatedBlock reads buf out of an allocated block's data frame,
// then walks the frame's sector bitmap to zero-fill or parent-delegate
// any sector not marked present (§4.7 step 4, §8 property 7).
func (img *Image) readAllocatedBlock(blockSect uint32, blockIndex, offsetInBlock uint32, buf []byte) (int, error) {
	frameStart := uint64(blockSect) << SectorSizeLog
	bitmapLen := uint64(len(img.bitmap))

	if img.bitmapTag != blockIndex {
		if err := img.readAt(frameStart, img.bitmap); err != nil {
			return 0, err
		}
		img.bitmapTag = blockIndex
	}
	if err := img.readAt(frameStart+bitmapLen+uint64(offsetInBlock), buf); err != nil {
		return 0, err
	}

	size := uint32(len(buf))
	for cur := uint32(0); cur < size; {
		sectorOff := offsetInBlock & (SectorSize - 1)
		rem := uint32(SectorSize) - sectorOff
		if size-cur < rem {
			rem = size - cur
		}
		sectorIndex := offsetInBlock >> SectorSizeLog
		bit := (img.bitmap[sectorIndex>>3] >> (7 - sectorIndex%8)) & 1
		if bit == 0 {
			if err := img.fillFromParentOrVerifyZero(img.virtPos+uint64(cur), buf[cur:cur+rem]); err != nil {
				return 0, err
			}
		}
		offsetInBlock += rem
		cur += rem
	}
	return int(size), nil
}

// readFromParentOrZero handles an entirely unallocated block: the
// whole read comes from the parent at the same logical offset, or is
// zero-filled when there is no parent (§8 property 7, the
// "differencing law").
func (img *Image) readFromParentOrZero(virtPos uint64, buf []byte) (int, error) {
	if img.parent == nil {
		for i := range buf {
			buf[i] = 0
		}
		return len(buf), nil
	}
	if _, err := img.parent.Seek(int64(virtPos), io.SeekStart); err != nil {
		return 0, err
	}
	return img.parent.Read(buf)
}

// fillFromParentOrVerifyZero handles one bitmap-clear sector range
// within an otherwise-allocated block: delegate to the parent, or
// confirm the unbacked bytes really are zero.
func (img *Image) fillFromParentOrVerifyZero(virtPos uint64, buf []byte) error {
	if img.parent == nil {
		for _, b := range buf {
			if b != 0 {
				return ErrDataIntegrity
			}
		}
		return nil
	}
	if _, err := img.parent.Seek(int64(virtPos), io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(img.parent, buf)
	return err
}

// Seek implements LogicalStream's seek contract (§4.7): absolute,
// relative, and from-end positioning, with seeking past the end
// permitted (the next Read then returns EOF) and a negative resulting
// position rejected.
func (img *Image) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(img.virtPos) + offset
	case io.SeekEnd:
		abs = int64(img.footer.CurrentSize) + offset
	default:
		return 0, fmt.Errorf("%w: invalid whence %d", ErrInvalid, whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("%w: negative seek position", ErrInvalid)
	}
	img.virtPos = uint64(abs)
	return abs, nil
}
