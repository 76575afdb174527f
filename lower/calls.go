package lower

import (
	"jitlower/exit"
	"jitlower/mir"
	"jitlower/tir"
	"jitlower/vm"
)

// exceptionFree lists operations that never leave an exception pending, so
// no check follows their calls.
var exceptionFree = map[string]bool{
	vm.OperationCompareStrictEq:         true,
	vm.OperationToInt32:                 true,
	vm.OperationValueToBoolean:          true,
	vm.OperationFmod:                    true,
	vm.OperationHandleException:         true,
	vm.OperationFlushWriteBarrierBuffer: true,
}

// operation declares the runtime operation name in the module.
func (l *lowering) operation(name string) *tir.Decl {
	if d, ok := l.out.Module().Decl(name); ok {
		return d
	}
	op, err := l.runtime.Resolve(name)
	if err != nil {
		internalf("@%d: %s", l.node.Index, err)
	}
	d := l.out.Operation(op.Name, op.Address, op.Ret, op.Params...)
	d.Variadic = op.Variadic
	return d
}

// callOperation calls a runtime operation with the call frame as the first
// argument. The current call-site index is stored first so the runtime can
// find its way back to the bytecode, and a pending exception is checked
// afterwards unless the operation cannot throw.
func (l *lowering) callOperation(name string, args ...tir.Value) tir.Value {
	decl := l.operation(name)
	l.out.Store32(l.out.Int32(int32(l.node.Origin.Semantic)), l.out.FieldAddress(l.heaps.CallFrameCallSiteIndex, l.frame))
	result := l.out.Call(decl, append([]tir.Value{l.frame}, args...)...)
	if !exceptionFree[name] {
		l.exceptionCheck()
	}
	return result
}

func (l *lowering) exceptionCheck() {
	pending := l.out.Load8(l.out.Absolute(vm.ExceptionAddress))
	cont := l.out.NewBlock("ExceptionCheckContinuation")
	l.out.Branch(l.out.NotZero(pending), l.exceptionHandler(), cont, tir.WeightUnlikely)
	l.continueIn(cont)
}

// continueIn moves emission to b without changing the placement hint.
func (l *lowering) continueIn(b *tir.Block) {
	hint := l.out.AppendTo(b, nil)
	l.out.AppendTo(b, hint)
}

// exceptionHandler is the function's shared unwind block, created the first
// time a call needs it.
func (l *lowering) exceptionHandler() *tir.Block {
	if l.handler != nil {
		return l.handler
	}
	l.handler = l.fn.NewBlock("ExceptionHandler", nil)
	block := l.out.InsertionBlock()
	hint := l.out.AppendTo(l.handler, nil)
	l.out.Call(l.operation(vm.OperationHandleException), l.frame)
	l.out.Ret(l.out.Int64(0))
	l.out.AppendTo(block, hint)
	return l.handler
}

// callSite registers a patchable site for the current node.
func (l *lowering) callSite(kind exit.CallKind, operands int, property string) *exit.CallSite {
	site := &exit.CallSite{
		ID:           l.ids.Next(),
		Kind:         kind,
		Origin:       l.node.Origin,
		OperandCount: operands,
		Property:     property,
		PatchSize:    l.opts.PatchSize,
	}
	l.callSites = append(l.callSites, site)
	return site
}

func lowerGetByID(l *lowering, n *mir.Node) {
	base := l.lowJSValue(n.Child(0))
	site := l.callSite(exit.GetByID, 1, l.graph.Identifier(n.Property))
	l.setResult(n, l.callOperation(vm.OperationGetById, l.out.Int64(int64(site.ID)), base))
}

func lowerPutByID(l *lowering, n *mir.Node) {
	base := l.lowJSValue(n.Child(0))
	value := l.lowJSValue(n.Child(1))
	site := l.callSite(exit.PutByID, 2, l.graph.Identifier(n.Property))
	l.callOperation(vm.OperationPutById, l.out.Int64(int64(site.ID)), base, value)
}

// lowerCall passes the callee, then this and the arguments.
func lowerCall(l *lowering, n *mir.Node) {
	if len(n.Children) == 0 {
		internalf("@%d: %s without a callee", n.Index, n.Op)
	}
	callee := l.lowJSValue(n.Child(0))
	args := make([]tir.Value, 0, len(n.Children)-1)
	for _, c := range n.Children[1:] {
		args = append(args, l.lowJSValue(c))
	}

	kind, name := exit.CallFunction, vm.OperationCall
	if n.Op == mir.Construct {
		kind, name = exit.ConstructFunction, vm.OperationConstruct
	}
	site := l.callSite(kind, len(n.Children), "")
	prefix := []tir.Value{l.out.Int64(int64(site.ID)), l.out.Int64(int64(len(args))), callee}
	l.setResult(n, l.callOperation(name, append(prefix, args...)...))
}

func lowerNewObject(l *lowering, n *mir.Node) {
	if len(n.Structures) != 1 {
		internalf("@%d: NewObject needs exactly one structure", n.Index)
	}
	l.setResult(n, l.callOperation(vm.OperationNewObject, l.out.Int64(int64(n.Structures[0]))))
}

func lowerValueAdd(l *lowering, n *mir.Node) {
	a := l.lowJSValue(n.Child(0))
	b := l.lowJSValue(n.Child(1))
	l.setResult(n, l.callOperation(vm.OperationValueAdd, a, b))
}

func lowerThrow(l *lowering, n *mir.Node) {
	v := l.lowJSValue(n.Child(0))
	l.callOperation(vm.OperationThrow, v)
	// the check after the call always unwinds
	l.out.Unreachable()
}
