package lower

import (
	"fmt"

	"jitlower/exit"
	"jitlower/irgen"
	"jitlower/mir"
	"jitlower/object"
	"jitlower/tir"
	"jitlower/types"
)

// recovery rebuilds a node that was consumed by a checked operation from the
// operation's result and its surviving input.
type recovery struct {
	op          exit.RecoveryOp
	left, right tir.Value
	format      exit.Format
}

// liveOuts collects the values an exit passes, each once, in first-use
// order.
type liveOuts struct {
	values []tir.Value
	index  map[tir.Value]int
}

func (lo *liveOuts) add(v tir.Value) int {
	if i, ok := lo.index[v]; ok {
		return i
	}
	if lo.index == nil {
		lo.index = make(map[tir.Value]int)
	}
	lo.index[v] = len(lo.values)
	lo.values = append(lo.values, v)
	return lo.index[v]
}

// constantValue boxes the value of a constant node.
func constantValue(n *mir.Node) object.Value {
	switch n.Op {
	case mir.DoubleConstant:
		return object.Double(n.Number)
	case mir.Int52Constant:
		return object.Number(n.Int52)
	}
	return n.Value
}

// buildExit describes the interpreter state at the current point. checked is
// the node whose speculation failed and high the value that was rejected;
// either may be nil.
func (l *lowering) buildExit(kind exit.Kind, checked *mir.Node, high tir.Value) (*exit.Descriptor, []tir.Value) {
	operands := l.graph.Operands()
	desc := &exit.Descriptor{
		ID:        l.ids.Next(),
		Kind:      kind,
		Origin:    l.node.Origin,
		Values:    make([]exit.Value, len(operands)),
		Operands:  operands,
		PatchSize: l.opts.PatchSize,
	}
	var lo liveOuts
	for i, o := range operands {
		desc.Values[i] = l.exitValue(o, l.avail.at(i), &lo)
	}
	if checked != nil {
		desc.Profile = &exit.Profile{Node: checked.Index, LiveOut: -1}
		if high != nil {
			desc.Profile.LiveOut = lo.add(high)
		}
	}
	desc.LiveOuts = len(lo.values)
	l.exits = append(l.exits, desc)
	return desc, lo.values
}

func (l *lowering) exitValue(o mir.Operand, s slot, lo *liveOuts) exit.Value {
	if s.isDead() {
		return exit.DeadValue()
	}
	if s.flushed {
		if s.format == mir.DeadFlush {
			return exit.DeadValue()
		}
		return exit.StackValue(o, exit.FormatOf(s.format))
	}

	n := s.node
	switch {
	case n.Op == mir.PhantomArguments:
		return exit.Value{Kind: exit.ArgumentsObjectNotMaterialized}
	case n.Op.IsConstant():
		return exit.ConstantValue(constantValue(n))
	}
	if r, ok := l.recoveries[n]; ok {
		return exit.RecoveryValue(r.op, lo.add(r.left), lo.add(r.right), r.format)
	}
	for _, r := range exitPriority {
		if v, ok := l.get(n, r); ok {
			return exit.ArgumentValue(lo.add(v), r.format())
		}
	}
	internalf("exit at @%d: %s holds @%d, which has no lowered value", l.node.Index, o, n.Index)
	return exit.Value{}
}

func (l *lowering) emitExit(desc *exit.Descriptor, values []tir.Value) {
	args := []tir.Value{
		l.out.Int64(int64(desc.ID)),
		l.out.Int32(int32(desc.PatchSize)),
		tir.Null(),
		l.out.Int32(int32(len(values))),
	}
	l.out.IntrinsicCall(irgen.Patchpoint, append(args, values...)...)
	l.out.Comment(fmt.Sprintf("exit #%d %s", desc.ID, desc.Kind))
	l.out.Unreachable()
}

// speculate exits when fail is true. A constant condition either emits
// nothing or ends the block.
func (l *lowering) speculate(kind exit.Kind, checked *mir.Node, high, fail tir.Value) {
	if c, ok := tir.IsConst(fail); ok {
		if c.Bits() == 0 {
			return
		}
		l.terminate(kind, checked, high)
	}

	desc, values := l.buildExit(kind, checked, high)
	exitBlock := l.out.NewBlock(fmt.Sprintf("%sExit", kind))
	cont := l.out.NewBlock("Continuation")
	l.out.Branch(fail, exitBlock, cont, tir.WeightUnlikely)
	prev := l.out.AppendTo(exitBlock, cont)
	l.emitExit(desc, values)
	l.out.AppendTo(cont, prev)
}

// terminate emits an exit that is always taken and abandons the rest of the
// block.
func (l *lowering) terminate(kind exit.Kind, checked *mir.Node, high tir.Value) {
	desc, values := l.buildExit(kind, checked, high)
	l.log.Debug("Speculation always fails", "node", l.node.Index, "block", l.block.Index, "kind", kind, "exit", desc.ID)
	l.emitExit(desc, values)
	l.interp.Invalidate()
	panic(bailout{})
}

// typeCheck proves that e's producer has type t, exiting with kind when
// fail is true. fail is only called when a check is needed.
func (l *lowering) typeCheck(e mir.Edge, t types.SpecType, kind exit.Kind, high tir.Value, fail func() tir.Value) {
	if e.Use.IsKnown() || !l.interp.NeedsCheckAgainst(e.Node, t) {
		return
	}
	if l.interp.IsImpossible(e.Node, t) {
		l.terminate(kind, e.Node, high)
	}
	l.speculate(kind, e.Node, high, fail())
	l.interp.Filter(e.Node, t)
}

// invalidationPoint records the state here under an exit that is reached
// only by patching, when a watchpoint the code relies on fires.
func (l *lowering) invalidationPoint() {
	desc, values := l.buildExit(exit.UncountableInvalidation, nil, nil)
	desc.Invalidation = true
	args := []tir.Value{
		l.out.Int64(int64(desc.ID)),
		l.out.Int32(int32(desc.PatchSize)),
	}
	l.out.IntrinsicCall(irgen.Stackmap, append(args, values...)...)
	l.out.Comment(fmt.Sprintf("exit #%d %s", desc.ID, desc.Kind))
}
