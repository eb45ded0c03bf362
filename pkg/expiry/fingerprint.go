package expiry

// Fingerprint packs a tile's (z, x, y) coordinate into a 32-bit value
// dense enough to hold every coordinate a render can produce in a flat
// hash set, reproducing the original expiry service's bit layout
// exactly so fingerprints stay meaningful across zoom levels without
// ever colliding between them.
//
// z == 18 fingerprints are the bare metatile-aligned xy fragment. z in
// [14,17] tag the top 4 bits with 0b01 followed by (17-z); z <= 13 tag
// the top 6 bits with 0b10 followed by (13-z), leaving progressively
// more low bits free for x/y as zoom (and therefore coordinate range)
// shrinks.
func Fingerprint(z, x, y int) uint32 {
	xyFrag := uint32(x>>3)<<uint(z-3) | uint32(y>>3)
	switch {
	case z == 18:
		return xyFrag
	case z > 13:
		return uint32(4|(17-z))<<28 | xyFrag
	default:
		return uint32(32|(13-z))<<26 | xyFrag
	}
}

// ParseFingerprint reverses Fingerprint, recovering the zoom level from
// the tag bits and then the metatile-aligned x/y from the remaining
// low bits.
func ParseFingerprint(frag uint32) (z, x, y int) {
	highBits := frag >> 30
	switch highBits {
	case 0:
		z = 18
	case 1:
		z = 17 - int((frag>>28)&0x3)
	default:
		z = 13 - int((frag>>26)&0xf)
	}

	bits := z - 3
	if bits < 0 {
		bits = 0
	}
	mask := uint32(1)<<uint(bits) - 1
	x = int((frag>>uint(bits))&mask) << 3
	y = int(frag&mask) << 3
	return z, x, y
}
