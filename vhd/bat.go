package vhd

// BAT is the Block Allocation Table: one 32-bit sector pointer per logical
// block, in block order (§3). Entry UnusedBlock means the block carries no
// on-disk frame in this image; any other value is the absolute sector
// number (multiply by SectorSize for a byte offset) where the block's
// bitmap+data frame begins.
type BAT []uint32

// NumUsed counts the allocated (non-UnusedBlock) entries.
func (b BAT) NumUsed() uint32 {
	var n uint32
	for _, v := range b {
		if v != UnusedBlock {
			n++
		}
	}
	return n
}
