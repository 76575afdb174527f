package lower

import (
	"math"

	"jitlower/exit"
	"jitlower/mir"
	"jitlower/object"
	"jitlower/tir"
	"jitlower/types"
	"jitlower/vm"
)

// bits is the 64-bit constant with bit pattern v.
func (l *lowering) bits(v uint64) tir.Value {
	return l.out.Int64(int64(v))
}

// tag tests on boxed values

func (l *lowering) isInt32(v tir.Value) tir.Value {
	return l.out.AboveOrEqual(v, l.bits(object.TagTypeNumber))
}

func (l *lowering) isNotInt32(v tir.Value) tir.Value {
	return l.out.Below(v, l.bits(object.TagTypeNumber))
}

func (l *lowering) isNotNumber(v tir.Value) tir.Value {
	return l.out.TestIsZero(v, l.bits(object.TagTypeNumber))
}

func (l *lowering) isCell(v tir.Value) tir.Value {
	return l.out.TestIsZero(v, l.bits(object.TagMask))
}

func (l *lowering) isNotCell(v tir.Value) tir.Value {
	return l.out.TestNonZero(v, l.bits(object.TagMask))
}

func (l *lowering) isNotBoolean(v tir.Value) tir.Value {
	return l.out.TestNonZero(l.out.Xor(v, l.bits(uint64(object.ValueFalse))), l.bits(^uint64(1)))
}

func (l *lowering) isNotOther(v tir.Value) tir.Value {
	return l.out.NotEqual(l.out.And(v, l.bits(^uint64(object.TagBitUndefined))), l.bits(uint64(object.ValueNull)))
}

func (l *lowering) cellType(cell tir.Value) tir.Value {
	return l.out.Load8(l.out.FieldAddress(l.heaps.JSCellTypeInfoType, cell))
}

// boxing

func (l *lowering) boxInt32(v tir.Value) tir.Value {
	return l.out.Or(l.out.ZExt(v, tir.I64), l.bits(object.TagTypeNumber))
}

func (l *lowering) boxDouble(v tir.Value) tir.Value {
	pure := l.out.Select(l.out.FCmp(tir.PredUNO, v, v), l.out.Double(math.NaN()), v)
	return l.out.Add(l.out.BitCast(pure, tir.I64), l.bits(object.DoubleEncodeOffset))
}

func (l *lowering) boxBoolean(v tir.Value) tir.Value {
	return l.out.Add(l.out.ZExt(v, tir.I64), l.bits(uint64(object.ValueFalse)))
}

// boxInt52 boxes a strict int52, as an int32 when it fits.
func (l *lowering) boxInt52(v tir.Value) tir.Value {
	low := l.out.Trunc(v, tir.I32)
	fits := l.out.Equal(l.out.SExt(low, tir.I64), v)
	return l.out.Select(fits, l.boxInt32(low), l.boxDouble(l.out.SIToFP(v)))
}

func (l *lowering) unboxDouble(v tir.Value) tir.Value {
	return l.out.BitCast(l.out.Sub(v, l.bits(object.DoubleEncodeOffset)), tir.Double)
}

// numberToDouble converts a boxed number.
func (l *lowering) numberToDouble(v tir.Value) tir.Value {
	return l.out.Select(l.isInt32(v), l.out.SIToFP(l.out.Trunc(v, tir.I32)), l.unboxDouble(v))
}

// constants

func constantInt(n *mir.Node) (int64, bool) {
	switch n.Op {
	case mir.JSConstant:
		if n.Value.IsInt32() {
			return int64(n.Value.AsInt32()), true
		}
		if n.Value.IsDouble() {
			return integralDouble(n.Value.AsDouble())
		}
	case mir.Int52Constant:
		return n.Int52, true
	case mir.DoubleConstant:
		return integralDouble(n.Number)
	}
	return 0, false
}

func integralDouble(d float64) (int64, bool) {
	if d != math.Trunc(d) || math.Abs(d) >= 1<<51 || (d == 0 && math.Signbit(d)) {
		return 0, false
	}
	return int64(d), true
}

// lowInt32 returns e's value as an int32, checking it is one.
func (l *lowering) lowInt32(e mir.Edge) tir.Value {
	n := e.Node
	if v, ok := l.get(n, reprInt32); ok {
		return v
	}
	if n.Op.IsConstant() {
		if i, ok := constantInt(n); ok && i == int64(int32(i)) {
			return l.out.Int32(int32(i))
		}
		l.terminate(exit.BadType, n, nil)
	}
	for _, r := range []repr{reprStrictInt52, reprInt52} {
		v, ok := l.get(n, r)
		if !ok {
			continue
		}
		if r == reprInt52 {
			v = l.out.AShr(v, l.out.Int64(exit.Int52Shift))
		}
		result := l.out.Trunc(v, tir.I32)
		l.speculate(exit.Overflow, n, v, l.out.NotEqual(l.out.SExt(result, tir.I64), v))
		l.set(n, reprInt32, result)
		return result
	}
	if v, ok := l.get(n, reprJSValue); ok {
		l.typeCheck(e, types.SpecInt32, exit.BadType, v, func() tir.Value { return l.isNotInt32(v) })
		result := l.out.Trunc(v, tir.I32)
		l.set(n, reprInt32, result)
		return result
	}
	if _, ok := l.get(n, reprDouble); ok {
		l.terminate(exit.BadType, n, nil)
	}
	if _, ok := l.get(n, reprBoolean); ok {
		l.terminate(exit.BadType, n, nil)
	}
	return l.lazyValue(e, reprInt32)
}

// lowStrictInt52 returns e's value as a plain sign-extended int52.
func (l *lowering) lowStrictInt52(e mir.Edge) tir.Value {
	n := e.Node
	if v, ok := l.get(n, reprStrictInt52); ok {
		return v
	}
	if n.Op.IsConstant() {
		if i, ok := constantInt(n); ok {
			return l.out.Int64(i)
		}
		l.terminate(exit.BadType, n, nil)
	}
	if v, ok := l.get(n, reprInt52); ok {
		result := l.out.AShr(v, l.out.Int64(exit.Int52Shift))
		l.set(n, reprStrictInt52, result)
		return result
	}
	if v, ok := l.get(n, reprInt32); ok {
		result := l.out.SExt(v, tir.I64)
		l.set(n, reprStrictInt52, result)
		return result
	}
	if _, ok := l.get(n, reprJSValue); ok {
		// Boxed int52s that do not fit in an int32 are doubles; only the
		// int32 half is accepted here.
		result := l.out.SExt(l.lowInt32(mir.Edge{Node: n, Use: mir.Int32Use}), tir.I64)
		l.set(n, reprStrictInt52, result)
		return result
	}
	if _, ok := l.get(n, reprDouble); ok {
		l.terminate(exit.BadType, n, nil)
	}
	return l.lazyValue(e, reprStrictInt52)
}

// lowInt52 returns e's value in the shifted int52 representation.
func (l *lowering) lowInt52(e mir.Edge) tir.Value {
	n := e.Node
	if v, ok := l.get(n, reprInt52); ok {
		return v
	}
	if n.Op.IsConstant() {
		if i, ok := constantInt(n); ok {
			return l.out.Int64(i << exit.Int52Shift)
		}
		l.terminate(exit.BadType, n, nil)
	}
	result := l.out.Shl(l.lowStrictInt52(e), l.out.Int64(exit.Int52Shift))
	l.set(n, reprInt52, result)
	return result
}

// lowDouble returns e's value as a double, checking it is a number.
func (l *lowering) lowDouble(e mir.Edge) tir.Value {
	n := e.Node
	if v, ok := l.get(n, reprDouble); ok {
		return v
	}
	switch n.Op {
	case mir.DoubleConstant:
		return l.out.Double(n.Number)
	case mir.Int52Constant:
		return l.out.Double(float64(n.Int52))
	case mir.JSConstant:
		if !n.Value.IsNumber() {
			l.terminate(exit.BadType, n, nil)
		}
		return l.out.Double(n.Value.AsNumber())
	}

	var result tir.Value
	if v, ok := l.get(n, reprInt32); ok {
		result = l.out.SIToFP(v)
	} else if v, ok := l.get(n, reprStrictInt52); ok {
		result = l.out.SIToFP(v)
	} else if v, ok := l.get(n, reprInt52); ok {
		result = l.out.SIToFP(l.out.AShr(v, l.out.Int64(exit.Int52Shift)))
	} else if v, ok := l.get(n, reprJSValue); ok {
		t := types.SpecBytecodeNumber
		if e.Use == mir.RealNumberUse || e.Use == mir.DoubleRepRealUse {
			t = types.SpecBytecodeRealNumber
		}
		l.typeCheck(e, t, exit.BadType, v, func() tir.Value { return l.isNotNumber(v) })
		result = l.numberToDouble(v)
	} else if _, ok := l.get(n, reprBoolean); ok {
		l.terminate(exit.BadType, n, nil)
	} else {
		return l.lazyValue(e, reprDouble)
	}
	l.set(n, reprDouble, result)
	return result
}

// lowBoolean returns e's value as an i1. Untyped edges convert with the
// language's truthiness rules.
func (l *lowering) lowBoolean(e mir.Edge) tir.Value {
	n := e.Node
	if v, ok := l.get(n, reprBoolean); ok {
		return v
	}
	if n.Op == mir.JSConstant && n.Value.IsBoolean() {
		return l.out.Bool(n.Value.AsBoolean())
	}
	if e.Use == mir.UntypedUse {
		return l.truthiness(e)
	}
	if n.Op.IsConstant() {
		l.terminate(exit.BadType, n, nil)
	}
	if v, ok := l.get(n, reprJSValue); ok {
		l.typeCheck(e, types.SpecBoolean, exit.BadType, v, func() tir.Value { return l.isNotBoolean(v) })
		result := l.out.Equal(v, l.bits(uint64(object.ValueTrue)))
		l.set(n, reprBoolean, result)
		return result
	}
	for _, r := range []repr{reprInt32, reprInt52, reprStrictInt52, reprDouble} {
		if _, ok := l.get(n, r); ok {
			l.terminate(exit.BadType, n, nil)
		}
	}
	return l.lazyValue(e, reprBoolean)
}

// truthiness converts any value to a boolean without exiting.
func (l *lowering) truthiness(e mir.Edge) tir.Value {
	n := e.Node
	if v, ok := l.get(n, reprInt32); ok {
		return l.out.NotZero(v)
	}
	if v, ok := l.get(n, reprStrictInt52); ok {
		return l.out.NotZero(v)
	}
	if v, ok := l.get(n, reprInt52); ok {
		return l.out.NotZero(v)
	}
	if v, ok := l.get(n, reprDouble); ok {
		// false for NaN and both zeros
		return l.out.FCmp(tir.PredONE, v, l.out.Double(0))
	}
	v := l.lowJSValue(mir.Edge{Node: n, Use: mir.UntypedUse})
	result := l.out.NotZero(l.callOperation(vm.OperationValueToBoolean, v))
	l.set(n, reprBoolean, result)
	return result
}

// lowJSValue returns e's value boxed, then checks e's use kind against it.
func (l *lowering) lowJSValue(e mir.Edge) tir.Value {
	v := l.boxed(e)
	l.speculateEdge(e, v)
	return v
}

func (l *lowering) boxed(e mir.Edge) tir.Value {
	n := e.Node
	if v, ok := l.get(n, reprJSValue); ok {
		return v
	}
	if n.Op.IsConstant() {
		return l.bits(uint64(constantValue(n)))
	}

	var result tir.Value
	if v, ok := l.get(n, reprInt32); ok {
		result = l.boxInt32(v)
	} else if v, ok := l.get(n, reprStrictInt52); ok {
		result = l.boxInt52(v)
	} else if v, ok := l.get(n, reprInt52); ok {
		result = l.boxInt52(l.out.AShr(v, l.out.Int64(exit.Int52Shift)))
	} else if v, ok := l.get(n, reprBoolean); ok {
		result = l.boxBoolean(v)
	} else if v, ok := l.get(n, reprDouble); ok {
		result = l.boxDouble(v)
	} else if n.Op == mir.PhantomArguments {
		result = l.callOperation(vm.OperationCreateArguments)
	} else {
		return l.lazyValue(e, reprJSValue)
	}
	l.set(n, reprJSValue, result)
	return result
}

// speculateEdge checks e's use kind against its boxed value v.
func (l *lowering) speculateEdge(e mir.Edge, v tir.Value) {
	switch e.Use {
	case mir.Int32Use, mir.NumberUse, mir.RealNumberUse, mir.BooleanUse, mir.CellUse,
		mir.ObjectUse, mir.StringUse, mir.NotCellUse, mir.OtherUse:
	default:
		return
	}
	if !l.interp.NeedsCheck(e) {
		return
	}
	if l.interp.IsClearlyImpossible(e) {
		l.terminate(exit.BadType, e.Node, v)
	}

	switch e.Use {
	case mir.Int32Use:
		l.typeCheck(e, types.SpecInt32, exit.BadType, v, func() tir.Value { return l.isNotInt32(v) })
	case mir.NumberUse:
		l.typeCheck(e, types.SpecBytecodeNumber, exit.BadType, v, func() tir.Value { return l.isNotNumber(v) })
	case mir.RealNumberUse:
		l.typeCheck(e, types.SpecBytecodeRealNumber, exit.BadType, v, func() tir.Value { return l.isNotNumber(v) })
	case mir.BooleanUse:
		l.typeCheck(e, types.SpecBoolean, exit.BadType, v, func() tir.Value { return l.isNotBoolean(v) })
	case mir.CellUse:
		l.typeCheck(e, types.SpecCell, exit.BadType, v, func() tir.Value { return l.isNotCell(v) })
	case mir.ObjectUse:
		l.typeCheck(e, types.SpecCell, exit.BadType, v, func() tir.Value { return l.isNotCell(v) })
		l.typeCheck(e, types.SpecObject, exit.BadType, v, func() tir.Value {
			return l.out.Below(l.cellType(v), l.out.Int32(int32(object.ObjectType)))
		})
	case mir.StringUse:
		l.typeCheck(e, types.SpecCell, exit.BadType, v, func() tir.Value { return l.isNotCell(v) })
		l.typeCheck(e, types.SpecString, exit.BadType, v, func() tir.Value {
			return l.out.NotEqual(l.cellType(v), l.out.Int32(int32(object.StringType)))
		})
	case mir.NotCellUse:
		l.typeCheck(e, types.SpecNotCell, exit.BadType, v, func() tir.Value { return l.isCell(v) })
	case mir.OtherUse:
		l.typeCheck(e, types.SpecOther, exit.BadType, v, func() tir.Value { return l.isNotOther(v) })
	}
	l.interp.FilterEdge(e)
}

// speculateUse applies e's check without otherwise using the value.
func (l *lowering) speculateUse(e mir.Edge) {
	switch e.Use {
	case mir.UntypedUse:
	case mir.Int32Use, mir.KnownInt32Use:
		l.lowInt32(e)
	case mir.Int52RepUse, mir.MachineIntUse:
		l.lowStrictInt52(e)
	case mir.NumberUse, mir.RealNumberUse, mir.DoubleRepUse, mir.DoubleRepRealUse:
		l.lowDouble(e)
	case mir.BooleanUse, mir.KnownBooleanUse:
		l.lowBoolean(e)
	default:
		l.lowJSValue(e)
	}
}

func (l *lowering) lowStorage(e mir.Edge) tir.Value {
	if v, ok := l.get(e.Node, reprStorage); ok {
		return v
	}
	return l.lazyValue(e, reprStorage)
}

// lazyValue is reached when a node is used before it has any value visible
// from the current block.
func (l *lowering) lazyValue(e mir.Edge, r repr) tir.Value {
	internalf("@%d: %s use of @%d (%s), which has no value here", l.node.Index, r, e.Node.Index, e.Node.Op)
	return nil
}
