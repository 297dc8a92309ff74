package vhd

import (
	"strings"
	"time"
)

// secondsSince2000 is the offset (in seconds) from the FILETIME epoch
// (1601-01-01) to 2000-01-01, against which Footer.CreationTime is
// recorded (§3, §6 GLOSSARY).
const secondsSince2000 = 3600 * 24 * (399*365 + 24*4)

var filetimeEpoch = time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC)

// creationTimeNaive reads CreationTime as a literal offset from the
// FILETIME epoch, with no timezone reinterpretation.
func (f *Footer) creationTimeNaive() time.Time {
	return filetimeEpoch.Add(time.Duration(secondsSince2000+uint64(f.CreationTime)) * time.Second)
}

// CreationTimeRaw returns the creation timestamp exactly as the bytes
// decode, UTC-labeled.
func (f *Footer) CreationTimeRaw() time.Time {
	return f.creationTimeNaive()
}

// CreationTimeAdjusted reinterprets the same wall-clock value as local
// time and converts it to true UTC. The Connectix/Microsoft tools that
// write this field run it through a local-time conversion when
// recording it, so the raw value is ordinarily local wall-clock time
// mislabeled as UTC; this method undoes that (Open Question, resolved
// in DESIGN.md: expose both and let callers pick).
func (f *Footer) CreationTimeAdjusted() time.Time {
	naive := f.creationTimeNaive()
	local := time.Date(naive.Year(), naive.Month(), naive.Day(),
		naive.Hour(), naive.Minute(), naive.Second(), naive.Nanosecond(), time.Local)
	return local.UTC()
}

// Properties is the archive-level metadata surface (§6), gathering
// everything a caller would otherwise have to re-derive from Footer/
// DynHeader/the parent chain by hand.
type Properties struct {
	Size                 uint64
	PackSize             uint64
	ClusterSize          uint64
	HasClusterSize       bool
	CreationTimeRaw      time.Time
	CreationTimeAdjusted time.Time
	Method               string
	ShortComment         string
	CreatorApp           string
	HostOS               string
	ID                   string
	SavedState           bool
	Parent               string
	HasParent            bool
	Offset               uint64
	PhySize              uint64
	Error                string
}

// Properties computes the archive-level property set for this image.
func (img *Image) Properties() Properties {
	f := img.footer
	p := Properties{
		Size:       f.CurrentSize,
		PackSize:   img.packSize(),
		CreatorApp: f.CreatorAppString() + " " + f.CreatorVersionString(),
		HostOS:     f.HostOSString(),
		ID:         f.IDHex(),
		SavedState: f.SavedState,
		Offset:     img.startOffset,
		PhySize:    img.phySize,
		Error:      img.errorMessage,
	}
	p.CreationTimeRaw = f.CreationTimeRaw()
	p.CreationTimeAdjusted = f.CreationTimeAdjusted()

	if f.ThereIsDynamic() {
		p.ClusterSize = uint64(img.dyn.BlockSize())
		p.HasClusterSize = true
	}

	method := f.Type.String()
	if img.needParent() {
		method += " -> " + img.rootAncestorTypeString()
		p.Parent = img.parentSequence()
		p.HasParent = true
	}
	p.Method = method
	p.ShortComment = method

	return p
}

// packSize is the sum of bytes this image itself actually stores: the
// full payload for Fixed, or num_used_blocks*block_size for Dynamic/
// Differencing (§6 kpidPackSize).
func (img *Image) packSize() uint64 {
	if img.footer.ThereIsDynamic() {
		return uint64(img.bat.NumUsed()) << img.dyn.BlockSizeLog
	}
	return img.footer.CurrentSize
}

// rootAncestorTypeString walks to the end of the resolved parent chain
// and names its disk type, for the "Differencing -> Dynamic" style
// Method string.
func (img *Image) rootAncestorTypeString() string {
	p := img
	for p != nil && p.needParent() {
		p = p.parent
	}
	if p == nil {
		return "?"
	}
	return p.footer.Type.String()
}

// parentSequence renders the resolved chain of ancestor names, each
// with its unused alternate name parenthesized, joined "a -> b -> c"
// (§6 kpidParent, grounded on GetParentSequence). GetParentSequence
// tests this.Dyn.RelativeNameWasUsed for every link in the chain, not
// each link's own flag, so a deeper level that resolved its parent
// differently from the top level still renders by the top level's
// convention; matched here rather than per-link.
func (img *Image) parentSequence() string {
	usedRelative := img.dyn.RelativeNameWasUsed
	var parts []string
	for p := img; p != nil && p.needParent(); p = p.parent {
		mainName, altName := p.dyn.ParentName, p.dyn.RelativeParentNameFromLocator
		if usedRelative {
			mainName, altName = altName, mainName
		}
		part := mainName
		if altName != "" && altName != mainName {
			part += " (" + altName + ")"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " -> ")
}
