package vhd

// alignUp rounds v up to the next multiple of a (a must be nonzero).
func alignUp(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}
