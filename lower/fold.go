package lower

import (
	"math"

	"github.com/holiman/uint256"

	"jitlower/exit"
	"jitlower/mir"
	"jitlower/tir"
)

// intRange is an inclusive signed range, in two's complement over 256 bits
// so that no intermediate product can wrap.
type intRange struct {
	min, max *uint256.Int
}

var (
	int32Range = intRange{fromInt64(math.MinInt32), fromInt64(math.MaxInt32)}
	int52Range = intRange{fromInt64(-(1 << 51)), fromInt64(1<<51 - 1)}
)

func fromInt64(v int64) *uint256.Int {
	if v >= 0 {
		return uint256.NewInt(uint64(v))
	}
	return new(uint256.Int).Neg(uint256.NewInt(uint64(-v)))
}

// foldChecked evaluates a op b exactly. ok is false when the result leaves r.
func foldChecked(op mir.Opcode, a, b int64, r intRange) (result int64, ok bool) {
	x, y := fromInt64(a), fromInt64(b)
	z := new(uint256.Int)
	switch op {
	case mir.ArithAdd:
		z.Add(x, y)
	case mir.ArithSub:
		z.Sub(x, y)
	case mir.ArithMul:
		z.Mul(x, y)
	default:
		internalf("cannot fold %s", op)
	}
	if z.Slt(r.min) || z.Sgt(r.max) {
		return 0, false
	}
	return int64(z.Uint64()), true
}

// constantOperand returns e's value when it is an integer known at compile
// time, either as a constant node or as an earlier fold.
func (l *lowering) constantOperand(e mir.Edge) (int64, bool) {
	if e.Node.Op.IsConstant() {
		return constantInt(e.Node)
	}
	for _, r := range []repr{reprInt32, reprStrictInt52, reprInt52} {
		v, ok := l.get(e.Node, r)
		if !ok {
			continue
		}
		c, ok := tir.IsConst(v)
		if !ok {
			continue
		}
		if r == reprInt52 {
			return c.Int() >> exit.Int52Shift, true
		}
		return c.Int(), true
	}
	return 0, false
}
