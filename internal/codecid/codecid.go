// Package codecid maps Sesame wire codec types to decoder configuration
// strings, tracks codec identity for reconfigure detection, and rescales
// presentation timestamps between timebases. See SPEC_FULL.md component B.
package codecid

import (
	"fmt"
	"math/bits"

	"sesame/internal/wire"
)

// Timebase is a rational number whose units scale a packet's pts into
// seconds. Den must be > 0.
type Timebase struct {
	Num uint64
	Den uint64
}

// Microseconds is the timebase used throughout the player core.
var Microseconds = Timebase{Num: 1, Den: 1_000_000}

// Identity is the tuple that determines whether a decoder must be
// reconfigured.
type Identity struct {
	CodecType wire.CodecType
	Width     uint16
	Height    uint16
	Profile   uint16
	Level     uint16
}

// FromCodecData extracts the identity tuple from a wire codec-data block.
func FromCodecData(cd wire.CodecData) Identity {
	return Identity{
		CodecType: cd.CodecType,
		Width:     cd.Width,
		Height:    cd.Height,
		Profile:   cd.CodecProfile,
		Level:     cd.CodecLevel,
	}
}

// Changed reports whether the codec identity changed: true iff exactly one
// of a/b is nil, or any field of the tuple differs.
func Changed(a, b *Identity) bool {
	if (a == nil) != (b == nil) {
		return true
	}
	if a == nil {
		return false
	}
	return *a != *b
}

// String maps a codec type to the decoder's codec-config string. AVC is
// formatted as avc1.PPCCLL with profile/constraint/level defaulting to
// 0x42/0x00/0x1f when zero (Baseline profile, level 3.1), matching common
// WebRTC/ISOBMFF conventions. Unknown codec types return ok=false.
func String(cd wire.CodecData) (string, bool) {
	switch cd.CodecType {
	case wire.CodecVP8:
		return "vp8", true
	case wire.CodecVP9:
		return "vp09.00.10.08", true
	case wire.CodecAVC:
		profile := cd.CodecProfile
		if profile == 0 {
			profile = 0x42
		}
		constraint := uint16(0)
		level := cd.CodecLevel
		if level == 0 {
			level = 0x1f
		}
		return fmt.Sprintf("avc1.%02X%02X%02X", profile, constraint, level), true
	case wire.CodecHEVC:
		return "hvc1", true
	case wire.CodecAV1:
		return "av01.0.01M.08", true
	case wire.CodecOpus:
		return "opus", true
	case wire.CodecAAC:
		return "mp4a.40.2", true
	case wire.CodecPCM:
		return "pcm", true
	default:
		return "", false
	}
}

// Rescale converts pts from the src timebase to the dst timebase:
// pts * (src.Num * dst.Den) / (src.Den * dst.Num), computed in 128-bit wide
// arithmetic so it is exact for 64-bit pts values and never touches
// floating point.
func Rescale(pts uint64, src, dst Timebase) uint64 {
	if pts == 0 {
		return 0
	}
	if src == dst {
		return pts
	}

	numHi, numLo := bits.Mul64(pts, src.Num)
	numHi, numLo = mul128(numHi, numLo, dst.Den)

	denHi, denLo := bits.Mul64(src.Den, dst.Num)

	q, _ := div128(numHi, numLo, denHi, denLo)
	return q
}

// mul128 multiplies the 128-bit value (hi,lo) by a uint64, returning a new
// 128-bit value. It panics on overflow beyond 128 bits, which cannot occur
// for the timebase/pts magnitudes this package is used with (pts ≤ 2^64-1,
// timebase components ≤ 2^32-1).
func mul128(hi, lo uint64, m uint64) (uint64, uint64) {
	loHi, loLo := bits.Mul64(lo, m)
	hiHi, hiLo := bits.Mul64(hi, m)
	sum, carry := bits.Add64(loHi, hiLo, 0)
	if hiHi != 0 || carry != 0 {
		panic("codecid: rescale overflow")
	}
	return sum, loLo
}

// div128 divides the 128-bit numerator (numHi,numLo) by the 128-bit
// denominator (denHi,denLo), returning quotient and remainder. It requires
// the quotient to fit in 64 bits, which holds for this package's rescale
// use (timebase ratios close to 1 applied to 64-bit pts values).
func div128(numHi, numLo, denHi, denLo uint64) (q, r uint64) {
	if denHi == 0 {
		if numHi == 0 {
			return numLo / denLo, numLo % denLo
		}
		q, r = bits.Div64(numHi, numLo, denLo)
		return q, r
	}
	// Denominator doesn't fit in 64 bits: the ratio is necessarily < 1 for
	// any 64-bit pts, so with numHi == 0 the quotient is 0.
	if numHi == 0 {
		return 0, numLo
	}
	panic("codecid: rescale overflow")
}
