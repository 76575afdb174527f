package lower

import (
	"jitlower/exit"
	"jitlower/irgen"
	"jitlower/mir"
	"jitlower/tir"
	"jitlower/vm"
)

// rules maps each opcode to its lowering.
var rules [mir.NumOpcodes]func(*lowering, *mir.Node)

func init() {
	noop := func(*lowering, *mir.Node) {}
	for _, op := range []mir.Opcode{
		mir.JSConstant, mir.DoubleConstant, mir.Int52Constant,
		mir.Phantom, mir.MovHint, mir.ZombieHint, mir.KillStack,
		mir.PhantomArguments,
	} {
		rules[op] = noop
	}

	rules[mir.Check] = lowerCheck
	rules[mir.DoubleRep] = lowerDoubleRep
	rules[mir.ValueRep] = lowerValueRep
	rules[mir.Int52Rep] = lowerInt52Rep
	rules[mir.ValueToInt32] = lowerValueToInt32
	rules[mir.BooleanToNumber] = lowerBooleanToNumber
	rules[mir.UInt32ToNumber] = lowerUInt32ToNumber

	rules[mir.GetLocal] = lowerGetLocal
	rules[mir.SetLocal] = lowerSetLocal
	rules[mir.CheckArgumentsNotCreated] = lowerCheckArgumentsNotCreated
	rules[mir.Phi] = lowerPhi
	rules[mir.Upsilon] = lowerUpsilon

	rules[mir.ArithAdd] = lowerArithAddSub
	rules[mir.ArithSub] = lowerArithAddSub
	rules[mir.ArithMul] = lowerArithMul
	rules[mir.ArithDiv] = lowerArithDiv
	rules[mir.ArithMod] = lowerArithMod
	rules[mir.ArithNegate] = lowerArithNegate
	rules[mir.ArithAbs] = lowerArithAbs
	rules[mir.ArithMin] = lowerArithMinMax
	rules[mir.ArithMax] = lowerArithMinMax
	rules[mir.ValueAdd] = lowerValueAdd
	for _, op := range []mir.Opcode{mir.BitAnd, mir.BitOr, mir.BitXor, mir.BitLShift, mir.BitRShift, mir.BitURShift} {
		rules[op] = lowerBitOp
	}
	rules[mir.LogicalNot] = lowerLogicalNot
	for op := range comparisons {
		rules[op] = lowerCompare
	}

	rules[mir.CheckStructure] = lowerCheckStructure
	rules[mir.CheckCell] = lowerCheckCell
	rules[mir.CheckArray] = lowerCheckArray
	rules[mir.GetButterfly] = lowerGetButterfly
	rules[mir.GetArrayLength] = lowerGetArrayLength
	rules[mir.GetByVal] = lowerGetByVal
	rules[mir.PutByVal] = lowerPutByVal
	rules[mir.GetByOffset] = lowerGetByOffset
	rules[mir.PutByOffset] = lowerPutByOffset
	rules[mir.MultiGetByOffset] = lowerMultiGetByOffset
	rules[mir.GetById] = lowerGetByID
	rules[mir.PutById] = lowerPutByID
	rules[mir.Call] = lowerCall
	rules[mir.Construct] = lowerCall
	rules[mir.NewObject] = lowerNewObject
	rules[mir.GetGlobalVar] = lowerGetGlobalVar
	rules[mir.PutGlobalVar] = lowerPutGlobalVar
	rules[mir.StoreBarrier] = lowerStoreBarrier
	rules[mir.NotifyWrite] = lowerNotifyWrite
	rules[mir.ForceOSRExit] = lowerForceOSRExit
	rules[mir.InvalidationPoint] = lowerInvalidationPoint

	rules[mir.Jump] = lowerJump
	rules[mir.Branch] = lowerBranch
	rules[mir.Switch] = lowerSwitch
	rules[mir.Return] = lowerReturn
	rules[mir.Throw] = lowerThrow
	rules[mir.Unreachable] = lowerUnreachable
}

func lowerCheck(l *lowering, n *mir.Node) {
	for _, c := range n.Children {
		l.speculateUse(c)
	}
}

func lowerDoubleRep(l *lowering, n *mir.Node) {
	l.set(n, reprDouble, l.lowDouble(n.Child(0)))
}

func lowerValueRep(l *lowering, n *mir.Node) {
	e := n.Child(0)
	var v tir.Value
	switch e.Use {
	case mir.DoubleRepUse, mir.DoubleRepRealUse:
		v = l.boxDouble(l.lowDouble(e))
	case mir.Int52RepUse:
		v = l.boxInt52(l.lowStrictInt52(e))
	default:
		v = l.lowJSValue(e)
	}
	l.set(n, reprJSValue, v)
}

var maxInt52 = float64(int64(1) << 51)

func lowerInt52Rep(l *lowering, n *mir.Node) {
	e := n.Child(0)
	switch e.Use {
	case mir.Int32Use, mir.KnownInt32Use:
		l.set(n, reprStrictInt52, l.out.SExt(l.lowInt32(e), tir.I64))
	case mir.DoubleRepUse, mir.DoubleRepRealUse:
		d := l.lowDouble(e)
		abs := l.out.IntrinsicCall(irgen.FAbs, d)
		// NaN fails the ordered compare as well
		l.speculate(exit.Int52Overflow, e.Node, d, l.out.Not(l.out.FCmp(tir.PredOLT, abs, l.out.Double(maxInt52))))
		i := l.out.FPToSI(d, tir.I64)
		l.speculate(exit.BadType, e.Node, d, l.out.FCmp(tir.PredUNE, l.out.SIToFP(i), d))
		l.set(n, reprStrictInt52, i)
	default:
		l.set(n, reprStrictInt52, l.lowStrictInt52(e))
	}
}

func lowerValueToInt32(l *lowering, n *mir.Node) {
	e := n.Child(0)
	var result tir.Value
	switch e.Use {
	case mir.Int32Use, mir.KnownInt32Use:
		result = l.lowInt32(e)
	case mir.Int52RepUse, mir.MachineIntUse:
		result = l.out.Trunc(l.lowStrictInt52(e), tir.I32)
	case mir.DoubleRepUse, mir.DoubleRepRealUse:
		result = l.callOperation(vm.OperationToInt32, l.lowDouble(e))
	case mir.BooleanUse, mir.KnownBooleanUse:
		result = l.out.ZExt(l.lowBoolean(e), tir.I32)
	case mir.NumberUse, mir.RealNumberUse:
		result = l.numberToInt32(l.lowJSValue(e))
	default:
		if v, ok := l.get(e.Node, reprInt32); ok {
			result = v
		} else {
			result = l.callOperation(vm.OperationValueToInt32, l.lowJSValue(e))
		}
	}
	l.set(n, reprInt32, result)
}

// numberToInt32 truncates a boxed number, calling out only for doubles.
func (l *lowering) numberToInt32(v tir.Value) tir.Value {
	intCase := l.out.NewBlock("ValueToInt32Int")
	doubleCase := l.out.NewBlock("ValueToInt32Double")
	join := l.out.NewBlock("ValueToInt32Continuation")
	l.out.Branch(l.isInt32(v), intCase, doubleCase, tir.WeightLikely)

	l.continueIn(intCase)
	fast := l.out.Trunc(v, tir.I32)
	l.out.Jump(join)

	l.continueIn(doubleCase)
	slow := l.callOperation(vm.OperationToInt32, l.unboxDouble(v))
	slowBlock := l.out.InsertionBlock()
	l.out.Jump(join)

	l.continueIn(join)
	phi := l.out.Phi(tir.I32)
	l.out.AddIncoming(phi, fast, intCase)
	l.out.AddIncoming(phi, slow, slowBlock)
	return phi
}

func lowerBooleanToNumber(l *lowering, n *mir.Node) {
	l.set(n, reprInt32, l.out.ZExt(l.lowBoolean(n.Child(0)), tir.I32))
}

func lowerUInt32ToNumber(l *lowering, n *mir.Node) {
	e := n.Child(0)
	v := l.lowInt32(e)
	if n.Result == mir.ResultDouble {
		l.set(n, reprDouble, l.out.UIToFP(l.out.ZExt(v, tir.I64)))
		return
	}
	l.speculate(exit.Overflow, e.Node, v, l.out.LessThan(v, l.out.Int32(0)))
	l.set(n, reprInt32, v)
}

func lowerLogicalNot(l *lowering, n *mir.Node) {
	l.set(n, reprBoolean, l.out.Xor(l.lowBoolean(n.Child(0)), l.out.Bool(true)))
}

type comparison struct {
	integer, double tir.Predicate
	operation       string
}

var comparisons = map[mir.Opcode]comparison{
	mir.CompareLess:      {tir.PredSLT, tir.PredOLT, vm.OperationCompareLess},
	mir.CompareLessEq:    {tir.PredSLE, tir.PredOLE, vm.OperationCompareLessEq},
	mir.CompareGreater:   {tir.PredSGT, tir.PredOGT, vm.OperationCompareGreater},
	mir.CompareGreaterEq: {tir.PredSGE, tir.PredOGE, vm.OperationCompareGreaterEq},
	mir.CompareEq:        {tir.PredEQ, tir.PredOEQ, vm.OperationCompareEq},
	mir.CompareStrictEq:  {tir.PredEQ, tir.PredOEQ, vm.OperationCompareStrictEq},
}

func bothUse(a, b mir.Edge, uses ...mir.UseKind) bool {
	match := func(u mir.UseKind) bool {
		for _, x := range uses {
			if u == x {
				return true
			}
		}
		return false
	}
	return match(a.Use) && match(b.Use)
}

func lowerCompare(l *lowering, n *mir.Node) {
	c := comparisons[n.Op]
	a, b := n.Child(0), n.Child(1)
	equality := n.Op == mir.CompareEq || n.Op == mir.CompareStrictEq

	var result tir.Value
	switch {
	case bothUse(a, b, mir.Int32Use, mir.KnownInt32Use):
		result = l.out.ICmp(c.integer, l.lowInt32(a), l.lowInt32(b))
	case bothUse(a, b, mir.Int52RepUse, mir.MachineIntUse):
		result = l.out.ICmp(c.integer, l.lowStrictInt52(a), l.lowStrictInt52(b))
	case bothUse(a, b, mir.NumberUse, mir.RealNumberUse, mir.DoubleRepUse, mir.DoubleRepRealUse):
		result = l.out.FCmp(c.double, l.lowDouble(a), l.lowDouble(b))
	case equality && bothUse(a, b, mir.BooleanUse, mir.KnownBooleanUse):
		result = l.out.Equal(l.lowBoolean(a), l.lowBoolean(b))
	case equality && bothUse(a, b, mir.CellUse, mir.KnownCellUse, mir.ObjectUse):
		result = l.out.Equal(l.lowJSValue(a), l.lowJSValue(b))
	default:
		x, y := l.lowJSValue(a), l.lowJSValue(b)
		result = l.out.NotZero(l.callOperation(c.operation, x, y))
	}
	l.set(n, reprBoolean, result)
}

func lowerForceOSRExit(l *lowering, n *mir.Node) {
	l.terminate(exit.Uncountable, nil, nil)
}

func lowerInvalidationPoint(l *lowering, n *mir.Node) {
	l.invalidationPoint()
}

// phis and upsilons

func lowerPhi(l *lowering, n *mir.Node) {
	phi, ok := l.phis[n]
	if !ok {
		internalf("@%d: phi was not created", n.Index)
	}
	l.setResult(n, phi)
}

// lowerUpsilon defers the phi input to the block's terminal, where the
// predecessor block of the target IR is final.
func lowerUpsilon(l *lowering, n *mir.Node) {
	if n.Phi == nil {
		internalf("@%d: upsilon without a phi", n.Index)
	}
	if _, ok := l.phis[n.Phi]; !ok {
		internalf("@%d: upsilon into @%d, which is not a phi", n.Index, n.Phi.Index)
	}
	l.upsilons = append(l.upsilons, n)
}

func (l *lowering) lowAs(e mir.Edge, r repr) tir.Value {
	switch r {
	case reprInt32:
		return l.lowInt32(e)
	case reprInt52:
		return l.lowInt52(e)
	case reprStrictInt52:
		return l.lowStrictInt52(e)
	case reprDouble:
		return l.lowDouble(e)
	case reprBoolean:
		return l.lowBoolean(e)
	case reprStorage:
		return l.lowStorage(e)
	}
	return l.lowJSValue(e)
}

// flushUpsilons feeds the pending upsilons into their phis. All values are
// lowered first since lowering one may start a new block.
func (l *lowering) flushUpsilons() {
	values := make([]tir.Value, len(l.upsilons))
	for i, u := range l.upsilons {
		values[i] = l.lowAs(u.Child(0), reprOf(u.Phi.Result))
	}
	from := l.out.InsertionBlock()
	for i, u := range l.upsilons {
		l.out.AddIncoming(l.phis[u.Phi], values[i], from)
	}
	l.upsilons = l.upsilons[:0]
}

// terminals

func lowerJump(l *lowering, n *mir.Node) {
	l.flushUpsilons()
	l.out.Jump(l.blocks[n.Taken])
}

func (l *lowering) condition(e mir.Edge) tir.Value {
	switch e.Use {
	case mir.Int32Use, mir.KnownInt32Use:
		return l.out.NotZero(l.lowInt32(e))
	case mir.Int52RepUse, mir.MachineIntUse:
		return l.out.NotZero(l.lowStrictInt52(e))
	case mir.NumberUse, mir.RealNumberUse, mir.DoubleRepUse, mir.DoubleRepRealUse:
		return l.out.FCmp(tir.PredONE, l.lowDouble(e), l.out.Double(0))
	}
	return l.lowBoolean(e)
}

func lowerBranch(l *lowering, n *mir.Node) {
	cond := l.condition(n.Child(0))
	l.flushUpsilons()
	if n.Taken == n.NotTaken {
		l.out.Jump(l.blocks[n.Taken])
		return
	}
	l.out.Branch(cond, l.blocks[n.Taken], l.blocks[n.NotTaken], tir.WeightNone)
}

func lowerSwitch(l *lowering, n *mir.Node) {
	v := l.lowInt32(n.Child(0))
	l.flushUpsilons()
	cases := make([]irgen.SwitchCase, 0, len(n.SwitchCases))
	for _, c := range n.SwitchCases {
		cases = append(cases, irgen.SwitchCase{Value: int64(c.Value), Target: l.blocks[c.Target]})
	}
	l.out.Switch(v, l.blocks[n.FallThrough], cases)
}

func lowerReturn(l *lowering, n *mir.Node) {
	l.out.Ret(l.lowJSValue(n.Child(0)))
}

func lowerUnreachable(l *lowering, n *mir.Node) {
	l.out.Unreachable()
}
