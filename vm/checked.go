package vm

import (
	"math"

	"github.com/holiman/uint256"

	"jitlower/irgen"
)

var (
	minInt64 = fromInt64(math.MinInt64)
	maxInt64 = fromInt64(math.MaxInt64)
)

func fromInt64(v int64) *uint256.Int {
	if v >= 0 {
		return uint256.NewInt(uint64(v))
	}
	return new(uint256.Int).Neg(uint256.NewInt(uint64(-v)))
}

// CheckedArithmetic evaluates one of the checked-arithmetic intrinsics on
// operands of the given width. It returns the wrapped result and whether the
// exact result did not fit.
func CheckedArithmetic(kind irgen.Intrinsic, a, b int64, bits int) (int64, bool) {
	x, y := fromInt64(a), fromInt64(b)
	exact := new(uint256.Int)
	switch kind {
	case irgen.AddWithOverflow32, irgen.AddWithOverflow64:
		exact.Add(x, y)
	case irgen.SubWithOverflow32, irgen.SubWithOverflow64:
		exact.Sub(x, y)
	case irgen.MulWithOverflow32, irgen.MulWithOverflow64:
		exact.Mul(x, y)
	}

	if bits == 32 {
		r := int64(exact.Uint64())
		return int64(int32(r)), r != int64(int32(r)) || exact.Slt(minInt64) || exact.Sgt(maxInt64)
	}
	return int64(exact.Uint64()), exact.Slt(minInt64) || exact.Sgt(maxInt64)
}
