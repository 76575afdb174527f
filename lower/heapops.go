package lower

import (
	"jitlower/absint"
	"jitlower/exit"
	"jitlower/irgen"
	"jitlower/mir"
	"jitlower/object"
	"jitlower/tir"
	"jitlower/vm"
)

// slotAddress addresses an interpreter slot of the current call frame.
func (l *lowering) slotAddress(o mir.Operand) irgen.TypedPointer {
	layout := l.heaps.Layout()
	offset := layout.LocalSlotOffset(o.Index)
	if o.Argument {
		offset = layout.ArgumentSlotOffset(o.Index)
	}
	return l.out.Address(l.heaps.Variables.At(int64(l.graph.OperandIndex(o))), l.frame, offset)
}

func lowerGetLocal(l *lowering, n *mir.Node) {
	p := l.slotAddress(n.Operand)
	switch n.Format {
	case mir.FlushedInt32:
		l.set(n, reprInt32, l.out.Load32(p))
	case mir.FlushedInt52:
		l.set(n, reprInt52, l.out.Load64(p))
	case mir.FlushedDouble:
		l.set(n, reprDouble, l.out.LoadDouble(p))
	case mir.FlushedBoolean:
		v := l.out.Load64(p)
		l.set(n, reprJSValue, v)
		l.set(n, reprBoolean, l.out.Equal(v, l.bits(uint64(object.ValueTrue))))
	case mir.DeadFlush:
		internalf("@%d: GetLocal of dead %s", n.Index, n.Operand)
	default:
		l.set(n, reprJSValue, l.out.Load64(p))
	}
}

func lowerSetLocal(l *lowering, n *mir.Node) {
	e := n.Child(0)
	p := l.slotAddress(n.Operand)
	switch n.Format {
	case mir.FlushedInt32:
		l.out.Store32(l.lowInt32(e), p)
	case mir.FlushedInt52:
		l.out.Store64(l.lowInt52(e), p)
	case mir.FlushedDouble:
		l.out.StoreDouble(l.lowDouble(e), p)
	case mir.DeadFlush:
	default:
		l.out.Store64(l.lowJSValue(e), p)
	}
}

func lowerCheckArgumentsNotCreated(l *lowering, n *mir.Node) {
	reg := l.heaps.Layout().ArgumentsRegister
	if reg >= l.graph.NumLocals {
		internalf("@%d: no local for the arguments register %d", n.Index, reg)
	}
	v := l.out.Load64(l.slotAddress(mir.Local(reg)))
	l.speculate(exit.ArgumentsEscaped, nil, nil, l.out.NotZero(v))
}

func overlaps(a, b []int) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func lowerCheckStructure(l *lowering, n *mir.Node) {
	e := n.Child(0)
	if len(n.Structures) == 0 {
		internalf("@%d: CheckStructure with no structures", n.Index)
	}
	if known := l.interp.Structures(e.Node); known != nil {
		if absint.IsSubsetOf(known, n.Structures) {
			return
		}
		if !overlaps(known, n.Structures) {
			l.terminate(exit.BadCache, e.Node, nil)
		}
	}
	cell := l.lowJSValue(e)
	id := l.out.Load32(l.out.FieldAddress(l.heaps.JSCellStructureID, cell))
	var fail tir.Value
	for _, s := range n.Structures {
		ne := l.out.NotEqual(id, l.out.Int32(int32(s)))
		if fail == nil {
			fail = ne
		} else {
			fail = l.out.And(fail, ne)
		}
	}
	l.speculate(exit.BadCache, e.Node, cell, fail)
	l.interp.FilterStructures(e.Node, n.Structures)
}

func lowerCheckCell(l *lowering, n *mir.Node) {
	e := n.Child(0)
	v := l.lowJSValue(e)
	l.speculate(exit.BadCell, e.Node, v, l.out.NotEqual(v, l.bits(n.Cell)))
}

func lowerCheckArray(l *lowering, n *mir.Node) {
	e := n.Child(0)
	cell := l.lowJSValue(e)
	indexing := l.out.Load8(l.out.FieldAddress(l.heaps.JSCellIndexingType, cell))
	shape := l.out.And(indexing, l.out.Int32(int32(object.IndexingShapeMask)))
	l.speculate(exit.BadIndexingType, e.Node, cell, l.out.NotEqual(shape, l.out.Int32(int32(n.Array.Shape()))))
}

func lowerGetButterfly(l *lowering, n *mir.Node) {
	cell := l.lowJSValue(n.Child(0))
	l.set(n, reprStorage, l.out.Load64(l.out.FieldAddress(l.heaps.JSObjectButterfly, cell)))
}

func (l *lowering) publicLength(storage tir.Value) tir.Value {
	return l.out.Load32(l.out.FieldAddress(l.heaps.ButterflyPublicLength, storage))
}

func lowerGetArrayLength(l *lowering, n *mir.Node) {
	l.setResult(n, l.publicLength(l.lowStorage(n.Child(1))))
}

func lowerGetByVal(l *lowering, n *mir.Node) {
	index := l.lowInt32(n.Child(1))
	storage := l.lowStorage(n.Child(2))
	l.speculate(exit.OutOfBounds, nil, nil, l.out.AboveOrEqual(index, l.publicLength(storage)))

	switch n.Array {
	case mir.ArrayInt32:
		v := l.out.Load64(l.out.BaseIndex(l.heaps.IndexedInt32Properties, storage, index, 0))
		l.speculate(exit.LoadFromHole, nil, nil, l.out.IsZero(v))
		l.set(n, reprJSValue, v)
		l.set(n, reprInt32, l.out.Trunc(v, tir.I32))
	case mir.ArrayDouble:
		v := l.out.LoadDouble(l.out.BaseIndex(l.heaps.IndexedDoubleProperties, storage, index, 0))
		// holes are NaN
		l.speculate(exit.LoadFromHole, nil, nil, l.out.FCmp(tir.PredUNE, v, v))
		l.set(n, reprDouble, v)
	default:
		v := l.out.Load64(l.out.BaseIndex(l.heaps.IndexedContiguousProperties, storage, index, 0))
		l.speculate(exit.LoadFromHole, nil, nil, l.out.IsZero(v))
		l.set(n, reprJSValue, v)
	}
}

func lowerPutByVal(l *lowering, n *mir.Node) {
	index := l.lowInt32(n.Child(1))
	value := n.Child(2)
	storage := l.lowStorage(n.Child(3))

	var v tir.Value
	var p irgen.TypedPointer
	switch n.Array {
	case mir.ArrayInt32:
		v = l.boxInt32(l.lowInt32(value))
	case mir.ArrayDouble:
		v = l.lowDouble(value)
		// NaN would read back as a hole
		l.speculate(exit.BadType, value.Node, v, l.out.FCmp(tir.PredUNO, v, v))
	default:
		v = l.lowJSValue(value)
	}
	l.speculate(exit.OutOfBounds, nil, nil, l.out.AboveOrEqual(index, l.publicLength(storage)))
	switch n.Array {
	case mir.ArrayInt32:
		p = l.out.BaseIndex(l.heaps.IndexedInt32Properties, storage, index, 0)
	case mir.ArrayDouble:
		p = l.out.BaseIndex(l.heaps.IndexedDoubleProperties, storage, index, 0)
	default:
		p = l.out.BaseIndex(l.heaps.IndexedContiguousProperties, storage, index, 0)
	}
	l.out.Store(v, p)
}

// inlineCapacity is the inline property count of the structures a property
// access was compiled for.
func (l *lowering) inlineCapacity(n *mir.Node, base *mir.Node) int {
	ids := n.Structures
	if len(ids) == 0 {
		ids = l.interp.Structures(base)
	}
	if len(ids) == 0 {
		internalf("@%d: property offset %d with no known structure", n.Index, n.Offset)
	}
	s, ok := l.graph.Structures[ids[0]]
	if !ok {
		internalf("@%d: unknown structure %d", n.Index, ids[0])
	}
	return s.InlineCapacity
}

// propertyAddress addresses a named property in storage, which is the
// butterfly for out-of-line properties and the cell otherwise.
func (l *lowering) propertyAddress(n *mir.Node) irgen.TypedPointer {
	storage, base := n.Child(0), n.Child(1)
	offset, outOfLine := l.heaps.Layout().PropertyOffset(n.Offset, l.inlineCapacity(n, base.Node))
	if outOfLine != (storage.Node.Result == mir.ResultStorage) {
		internalf("@%d: property offset %d does not match its storage @%d", n.Index, n.Offset, storage.Node.Index)
	}
	var ptr tir.Value
	if outOfLine {
		ptr = l.lowStorage(storage)
	} else {
		ptr = l.lowJSValue(storage)
	}
	return l.out.OffsetAddress(l.heaps.Properties.At(int64(n.Property)).OffsetBy(offset), ptr)
}

func lowerGetByOffset(l *lowering, n *mir.Node) {
	l.set(n, reprJSValue, l.out.Load64(l.propertyAddress(n)))
}

func lowerPutByOffset(l *lowering, n *mir.Node) {
	v := l.lowJSValue(n.Child(2))
	l.out.Store64(v, l.propertyAddress(n))
}

// lowerMultiGetByOffset switches on the structure id, with one load per
// case and an exit for structures no case covers.
func lowerMultiGetByOffset(l *lowering, n *mir.Node) {
	e := n.Child(0)
	cell := l.lowJSValue(e)
	id := l.out.Load32(l.out.FieldAddress(l.heaps.JSCellStructureID, cell))

	// the exit state is the state before the switch
	desc, values := l.buildExit(exit.BadCache, e.Node, cell)
	blocks := make([]*tir.Block, len(n.Cases))
	for i := range n.Cases {
		blocks[i] = l.out.NewBlock("MultiGetByOffsetCase")
	}
	fail := l.out.NewBlock("MultiGetByOffsetFail")
	join := l.out.NewBlock("MultiGetByOffsetContinuation")

	var cases []irgen.SwitchCase
	var all []int
	for i, c := range n.Cases {
		for _, s := range c.Structures {
			cases = append(cases, irgen.SwitchCase{Value: int64(s), Target: blocks[i]})
			all = append(all, s)
		}
	}
	l.out.Switch(id, fail, cases)

	type incoming struct {
		value tir.Value
		from  *tir.Block
	}
	results := make([]incoming, 0, len(n.Cases))
	for i, c := range n.Cases {
		l.continueIn(blocks[i])
		s, ok := l.graph.Structures[c.Structures[0]]
		if !ok {
			internalf("@%d: unknown structure %d", n.Index, c.Structures[0])
		}
		offset, outOfLine := l.heaps.Layout().PropertyOffset(c.Offset, s.InlineCapacity)
		storage := cell
		if outOfLine {
			storage = l.out.Load64(l.out.FieldAddress(l.heaps.JSObjectButterfly, cell))
		}
		v := l.out.Load64(l.out.Address(l.heaps.Properties.At(int64(n.Property)), storage, offset))
		results = append(results, incoming{v, l.out.InsertionBlock()})
		l.out.Jump(join)
	}

	l.continueIn(fail)
	l.emitExit(desc, values)

	l.continueIn(join)
	phi := l.out.Phi(tir.I64)
	for _, r := range results {
		l.out.AddIncoming(phi, r.value, r.from)
	}
	l.interp.FilterStructures(e.Node, all)
	l.set(n, reprJSValue, phi)
}

func lowerGetGlobalVar(l *lowering, n *mir.Node) {
	l.set(n, reprJSValue, l.out.Load64(l.out.Absolute(n.Address)))
}

func lowerPutGlobalVar(l *lowering, n *mir.Node) {
	l.out.Store64(l.lowJSValue(n.Child(0)), l.out.Absolute(n.Address))
}

func lowerNotifyWrite(l *lowering, n *mir.Node) {
	state := l.out.Load8(l.out.FieldAddress(l.heaps.WatchpointSetState, l.out.Int64(int64(n.Address))))
	l.speculate(exit.NotifyWrite, nil, nil, l.out.NotEqual(state, l.out.Int32(int32(object.IsInvalidated))))
}

// lowerStoreBarrier emits the generational write barrier: cells already
// remembered skip it, others are appended to the barrier buffer and marked,
// and a full buffer is flushed by the runtime.
func lowerStoreBarrier(l *lowering, n *mir.Node) {
	e := n.Child(0)
	v := l.lowJSValue(e)
	cont := l.out.NewBlock("WriteBarrierContinuation")

	if !l.interp.ValueOf(e.Node).IsCell() {
		isCell := l.out.NewBlock("WriteBarrierIsCell")
		l.out.Branch(l.isCell(v), isCell, cont, tir.WeightLikely)
		l.continueIn(isCell)
	}

	slow := l.out.NewBlock("WriteBarrierSlowPath")
	mark := l.out.FieldAddress(l.heaps.JSCellGCData, v)
	l.out.Branch(l.out.NotZero(l.out.Load8(mark)), cont, slow, tir.WeightLikely)

	l.continueIn(slow)
	topAddress := l.out.FieldAddress(l.heaps.WriteBarrierBufferTop, l.out.Int64(vm.BarrierTopAddress))
	top := l.out.Load32(topAddress)
	flush := l.out.NewBlock("WriteBarrierFlush")
	record := l.out.NewBlock("WriteBarrierRecord")
	capacity := l.out.Int32(int32(l.runtime.BarrierCapacity))
	l.out.Branch(l.out.AboveOrEqual(top, capacity), flush, record, tir.WeightUnlikely)

	l.continueIn(flush)
	l.callOperation(vm.OperationFlushWriteBarrierBuffer, v)
	l.out.Jump(cont)

	l.continueIn(record)
	l.out.Store64(v, l.out.BaseIndex(l.heaps.WriteBarrierBufferContents, l.out.Int64(vm.BarrierBufferAddress), top, 0))
	l.out.Store32(l.out.Add(top, l.out.Int32(1)), topAddress)
	l.out.Store8(l.out.Int8(1), mark)
	l.out.Jump(cont)

	l.continueIn(cont)
}
