package lower

import (
	"math"

	"jitlower/exit"
	"jitlower/irgen"
	"jitlower/mir"
	"jitlower/tir"
	"jitlower/vm"
)

// foldArith folds a checked add, sub or mul of two known integers. A result
// outside r always exits.
func (l *lowering) foldArith(n *mir.Node, r intRange, kind exit.Kind) bool {
	a, ok := l.constantOperand(n.Child(0))
	if !ok {
		return false
	}
	b, ok := l.constantOperand(n.Child(1))
	if !ok {
		return false
	}
	v, ok := foldChecked(n.Op, a, b, r)
	if !ok {
		l.terminate(kind, n, nil)
	}
	if n.Op == mir.ArithMul && n.Mode.ChecksNegativeZero() && v == 0 && (a < 0 || b < 0) {
		l.terminate(exit.NegativeZero, n, nil)
	}
	if n.Result == mir.ResultInt32 {
		l.set(n, reprInt32, l.out.Int32(int32(v)))
	} else {
		l.set(n, reprStrictInt52, l.out.Int64(v))
	}
	return true
}

// recoverInputs lets an exit at n's overflow check rebuild an input that n
// killed from n's result and the other input.
func (l *lowering) recoverInputs(n *mir.Node, a, b, result tir.Value, format exit.Format) {
	left, right := n.Child(0), n.Child(1)
	if left.Node == right.Node {
		return
	}
	l.recoveries = make(map[*mir.Node]recovery, 1)
	switch {
	case right.Kill && !right.Node.Op.IsConstant():
		if n.Op == mir.ArithAdd {
			l.recoveries[right.Node] = recovery{exit.RecoverSub, result, a, format}
		} else {
			l.recoveries[right.Node] = recovery{exit.RecoverSub, a, result, format}
		}
	case left.Kill && !left.Node.Op.IsConstant():
		if n.Op == mir.ArithAdd {
			l.recoveries[left.Node] = recovery{exit.RecoverSub, result, b, format}
		} else {
			l.recoveries[left.Node] = recovery{exit.RecoverAdd, result, b, format}
		}
	}
}

func lowerArithAddSub(l *lowering, n *mir.Node) {
	add := n.Op == mir.ArithAdd
	switch n.Result {
	case mir.ResultInt32, mir.ResultInt52:
		var a, b tir.Value
		kind, format, r := exit.Overflow, exit.FormatInt32, int32Range
		if n.Result == mir.ResultInt32 {
			a, b = l.lowInt32(n.Child(0)), l.lowInt32(n.Child(1))
		} else {
			a, b = l.lowInt52(n.Child(0)), l.lowInt52(n.Child(1))
			kind, format, r = exit.Int52Overflow, exit.FormatInt52, int52Range
		}
		if !n.Mode.ChecksOverflow() {
			if add {
				l.setResult(n, l.out.Add(a, b))
			} else {
				l.setResult(n, l.out.Sub(a, b))
			}
			return
		}
		if l.foldArith(n, r, kind) {
			return
		}
		var pair tir.Value
		if add {
			pair = l.out.CheckedAdd(a, b)
		} else {
			pair = l.out.CheckedSub(a, b)
		}
		result := l.out.ExtractValue(pair, 0)
		l.recoverInputs(n, a, b, result, format)
		l.speculate(kind, n, nil, l.out.ExtractValue(pair, 1))
		l.setResult(n, result)
	case mir.ResultDouble:
		a, b := l.lowDouble(n.Child(0)), l.lowDouble(n.Child(1))
		if add {
			l.setResult(n, l.out.FAdd(a, b))
		} else {
			l.setResult(n, l.out.FSub(a, b))
		}
	default:
		internalf("@%d: %s producing %s", n.Index, n.Op, n.Result)
	}
}

// negativeZeroCheck exits when result is zero and fail says it should have
// been -0.
func (l *lowering) negativeZeroCheck(n *mir.Node, result tir.Value, fail func() tir.Value) {
	slow := l.out.NewBlock(n.Op.String() + "ZeroResult")
	cont := l.out.NewBlock(n.Op.String() + "Continuation")
	l.out.Branch(l.out.IsZero(result), slow, cont, tir.WeightUnlikely)
	l.continueIn(slow)
	l.speculate(exit.NegativeZero, nil, nil, fail())
	l.out.Jump(cont)
	l.continueIn(cont)
}

func lowerArithMul(l *lowering, n *mir.Node) {
	switch n.Result {
	case mir.ResultInt32, mir.ResultInt52:
		var a, b tir.Value
		kind, r := exit.Overflow, int32Range
		if n.Result == mir.ResultInt32 {
			a, b = l.lowInt32(n.Child(0)), l.lowInt32(n.Child(1))
		} else {
			// shifted times strict stays shifted
			a, b = l.lowInt52(n.Child(0)), l.lowStrictInt52(n.Child(1))
			kind, r = exit.Int52Overflow, int52Range
		}
		if !n.Mode.ChecksOverflow() {
			l.setResult(n, l.out.Mul(a, b))
			return
		}
		if l.foldArith(n, r, kind) {
			return
		}
		pair := l.out.CheckedMul(a, b)
		result := l.out.ExtractValue(pair, 0)
		l.speculate(kind, n, nil, l.out.ExtractValue(pair, 1))
		if n.Mode.ChecksNegativeZero() {
			zero := tir.ConstInt(a.Type(), 0)
			l.negativeZeroCheck(n, result, func() tir.Value {
				return l.out.Or(l.out.LessThan(a, zero), l.out.LessThan(b, zero))
			})
		}
		l.setResult(n, result)
	case mir.ResultDouble:
		l.setResult(n, l.out.FMul(l.lowDouble(n.Child(0)), l.lowDouble(n.Child(1))))
	default:
		internalf("@%d: %s producing %s", n.Index, n.Op, n.Result)
	}
}

func lowerArithDiv(l *lowering, n *mir.Node) {
	switch n.Result {
	case mir.ResultInt32:
		a, b := l.lowInt32(n.Child(0)), l.lowInt32(n.Child(1))
		minInt, minusOne := l.out.Int32(math.MinInt32), l.out.Int32(-1)
		if !n.Mode.ChecksOverflow() {
			// x/0 is 0 and MinInt32/-1 wraps, as with (a / b) | 0
			unsafe := l.out.Or(l.out.IsZero(b), l.out.And(l.out.Equal(a, minInt), l.out.Equal(b, minusOne)))
			q := l.out.SDiv(a, l.out.Select(unsafe, l.out.Int32(1), b))
			l.setResult(n, l.out.Select(l.out.IsZero(b), l.out.Int32(0), q))
			return
		}
		if l.foldDiv(n) {
			return
		}
		if n.Mode.ChecksNegativeZero() {
			l.speculate(exit.NegativeZero, nil, nil, l.out.And(l.out.IsZero(a), l.out.LessThan(b, l.out.Int32(0))))
		}
		l.speculate(exit.Overflow, nil, nil, l.out.IsZero(b))
		l.speculate(exit.Overflow, nil, nil, l.out.And(l.out.Equal(a, minInt), l.out.Equal(b, minusOne)))
		q := l.out.SDiv(a, b)
		// a fractional quotient is not an int32
		l.speculate(exit.Overflow, nil, nil, l.out.NotEqual(l.out.Mul(q, b), a))
		l.setResult(n, q)
	case mir.ResultDouble:
		l.setResult(n, l.out.FDiv(l.lowDouble(n.Child(0)), l.lowDouble(n.Child(1))))
	default:
		internalf("@%d: %s producing %s", n.Index, n.Op, n.Result)
	}
}

func (l *lowering) foldDiv(n *mir.Node) bool {
	a, ok := l.constantOperand(n.Child(0))
	if !ok {
		return false
	}
	b, ok := l.constantOperand(n.Child(1))
	if !ok {
		return false
	}
	if n.Mode.ChecksNegativeZero() && a == 0 && b < 0 {
		l.terminate(exit.NegativeZero, n, nil)
	}
	if b == 0 || a%b != 0 || (a == math.MinInt32 && b == -1) {
		l.terminate(exit.Overflow, n, nil)
	}
	l.set(n, reprInt32, l.out.Int32(int32(a/b)))
	return true
}

func lowerArithMod(l *lowering, n *mir.Node) {
	switch n.Result {
	case mir.ResultInt32:
		a, b := l.lowInt32(n.Child(0)), l.lowInt32(n.Child(1))
		// MinInt32 % -1 is 0, as is MinInt32 % 1
		unsafe := l.out.And(l.out.Equal(a, l.out.Int32(math.MinInt32)), l.out.Equal(b, l.out.Int32(-1)))
		if !n.Mode.ChecksOverflow() {
			rem := l.out.SRem(a, l.out.Select(l.out.Or(unsafe, l.out.IsZero(b)), l.out.Int32(1), b))
			l.setResult(n, l.out.Select(l.out.IsZero(b), l.out.Int32(0), rem))
			return
		}
		// x % 0 is NaN
		l.speculate(exit.Overflow, nil, nil, l.out.IsZero(b))
		rem := l.out.SRem(a, l.out.Select(unsafe, l.out.Int32(1), b))
		if n.Mode.ChecksNegativeZero() {
			l.speculate(exit.NegativeZero, nil, nil, l.out.And(l.out.LessThan(a, l.out.Int32(0)), l.out.IsZero(rem)))
		}
		l.setResult(n, rem)
	case mir.ResultDouble:
		a, b := l.lowDouble(n.Child(0)), l.lowDouble(n.Child(1))
		l.setResult(n, l.callOperation(vm.OperationFmod, a, b))
	default:
		internalf("@%d: %s producing %s", n.Index, n.Op, n.Result)
	}
}

func lowerArithNegate(l *lowering, n *mir.Node) {
	switch n.Result {
	case mir.ResultInt32, mir.ResultInt52:
		var a tir.Value
		kind := exit.Overflow
		if n.Result == mir.ResultInt32 {
			a = l.lowInt32(n.Child(0))
		} else {
			a = l.lowInt52(n.Child(0))
			kind = exit.Int52Overflow
		}
		zero := tir.ConstInt(a.Type(), 0)
		if !n.Mode.ChecksOverflow() {
			l.setResult(n, l.out.Neg(a))
			return
		}
		if n.Mode.ChecksNegativeZero() {
			l.speculate(exit.NegativeZero, nil, nil, l.out.IsZero(a))
		}
		pair := l.out.CheckedSub(zero, a)
		result := l.out.ExtractValue(pair, 0)
		l.speculate(kind, n, nil, l.out.ExtractValue(pair, 1))
		l.setResult(n, result)
	case mir.ResultDouble:
		l.setResult(n, l.out.FNeg(l.lowDouble(n.Child(0))))
	default:
		internalf("@%d: %s producing %s", n.Index, n.Op, n.Result)
	}
}

func lowerArithAbs(l *lowering, n *mir.Node) {
	switch n.Result {
	case mir.ResultInt32:
		a := l.lowInt32(n.Child(0))
		mask := l.out.AShr(a, l.out.Int32(31))
		result := l.out.Xor(l.out.Add(a, mask), mask)
		if n.Mode.ChecksOverflow() {
			// only MinInt32 stays negative
			l.speculate(exit.Overflow, nil, nil, l.out.LessThan(result, l.out.Int32(0)))
		}
		l.setResult(n, result)
	case mir.ResultDouble:
		l.setResult(n, l.out.IntrinsicCall(irgen.FAbs, l.lowDouble(n.Child(0))))
	default:
		internalf("@%d: %s producing %s", n.Index, n.Op, n.Result)
	}
}

func lowerArithMinMax(l *lowering, n *mir.Node) {
	switch n.Result {
	case mir.ResultInt32:
		a, b := l.lowInt32(n.Child(0)), l.lowInt32(n.Child(1))
		pick := l.out.LessThan(a, b)
		if n.Op == mir.ArithMax {
			pick = l.out.GreaterThan(a, b)
		}
		l.setResult(n, l.out.Select(pick, a, b))
	case mir.ResultDouble:
		a, b := l.lowDouble(n.Child(0)), l.lowDouble(n.Child(1))
		pred := tir.PredOLT
		if n.Op == mir.ArithMax {
			pred = tir.PredOGT
		}
		// NaN in either operand wins
		other := l.out.Select(l.out.FCmp(tir.PredUNO, a, b), l.out.Double(math.NaN()), b)
		l.setResult(n, l.out.Select(l.out.FCmp(pred, a, b), a, other))
	default:
		internalf("@%d: %s producing %s", n.Index, n.Op, n.Result)
	}
}

func lowerBitOp(l *lowering, n *mir.Node) {
	a, b := l.lowInt32(n.Child(0)), l.lowInt32(n.Child(1))
	var result tir.Value
	switch n.Op {
	case mir.BitAnd:
		result = l.out.And(a, b)
	case mir.BitOr:
		result = l.out.Or(a, b)
	case mir.BitXor:
		result = l.out.Xor(a, b)
	default:
		count := l.out.And(b, l.out.Int32(31))
		switch n.Op {
		case mir.BitLShift:
			result = l.out.Shl(a, count)
		case mir.BitRShift:
			result = l.out.AShr(a, count)
		default:
			result = l.out.LShr(a, count)
		}
	}
	l.setResult(n, result)
}
