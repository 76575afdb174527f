// Package irgen is the emission layer. It is the only code that constructs
// target-IR instructions, and it tags every load and store with a region.
package irgen

import (
	"fmt"
	"math/bits"

	"jitlower/heap"
	"jitlower/tir"
)

type Emitter struct {
	module *tir.Module
	fn     *tir.Function
	heaps  *heap.Repository

	block *tir.Block
	next  *tir.Block

	intrinsics map[Intrinsic]*tir.Decl
}

// New returns an emitter appending to fn. The module's aliasing metadata is
// taken from heaps.
func New(module *tir.Module, fn *tir.Function, heaps *heap.Repository) *Emitter {
	regions := heaps.Regions()
	names := make([]string, len(regions))
	parents := make([]int, len(regions))
	for i, r := range regions {
		names[i] = r.Name()
		parents[i] = -1
		if r.Parent() != nil {
			parents[i] = r.Parent().ID()
		}
	}
	module.SetRegions(names, parents)

	return &Emitter{
		module:     module,
		fn:         fn,
		heaps:      heaps,
		intrinsics: make(map[Intrinsic]*tir.Decl),
	}
}

func (e *Emitter) Module() *tir.Module        { return e.module }
func (e *Emitter) Function() *tir.Function    { return e.fn }
func (e *Emitter) Heaps() *heap.Repository    { return e.heaps }
func (e *Emitter) InsertionBlock() *tir.Block { return e.block }

// NewBlock creates a block placed before the current next-block hint so the
// printed function keeps the order blocks were planned in.
func (e *Emitter) NewBlock(name string) *tir.Block {
	return e.fn.NewBlock(name, e.next)
}

// AppendTo moves the insertion point to the end of block and makes next the
// placement hint for blocks created from now on. It returns the previous
// hint.
func (e *Emitter) AppendTo(block, next *tir.Block) *tir.Block {
	old := e.next
	e.block = block
	e.next = next
	return old
}

// IsTerminated reports whether the insertion block already has a terminator.
func (e *Emitter) IsTerminated() bool {
	return e.block == nil || e.block.IsTerminated()
}

func (e *Emitter) emit(op tir.Opcode, typ tir.Type, args ...tir.Value) *tir.Instr {
	if e.block == nil {
		panic(fmt.Sprintf("irgen: emit %s with no insertion block", op))
	}
	return e.block.Append(op, typ, args...)
}

// constants

func (e *Emitter) Int8(v int8) tir.Value   { return tir.ConstInt(tir.I8, int64(v)) }
func (e *Emitter) Int32(v int32) tir.Value { return tir.ConstInt(tir.I32, int64(v)) }
func (e *Emitter) Int64(v int64) tir.Value { return tir.ConstInt(tir.I64, v) }
func (e *Emitter) Double(v float64) tir.Value {
	return tir.ConstDouble(v)
}

func (e *Emitter) Bool(b bool) tir.Value {
	if b {
		return tir.ConstInt(tir.I1, 1)
	}
	return tir.ConstInt(tir.I1, 0)
}

// arithmetic

func (e *Emitter) binary(op tir.Opcode, a, b tir.Value) tir.Value {
	if a.Type() != b.Type() {
		panic(fmt.Sprintf("irgen: %s of %s and %s", op, a.Type(), b.Type()))
	}
	return e.emit(op, a.Type(), a, b)
}

func (e *Emitter) Add(a, b tir.Value) tir.Value  { return e.binary(tir.OpAdd, a, b) }
func (e *Emitter) Sub(a, b tir.Value) tir.Value  { return e.binary(tir.OpSub, a, b) }
func (e *Emitter) Mul(a, b tir.Value) tir.Value  { return e.binary(tir.OpMul, a, b) }
func (e *Emitter) SDiv(a, b tir.Value) tir.Value { return e.binary(tir.OpSDiv, a, b) }
func (e *Emitter) SRem(a, b tir.Value) tir.Value { return e.binary(tir.OpSRem, a, b) }
func (e *Emitter) And(a, b tir.Value) tir.Value  { return e.binary(tir.OpAnd, a, b) }
func (e *Emitter) Or(a, b tir.Value) tir.Value   { return e.binary(tir.OpOr, a, b) }
func (e *Emitter) Xor(a, b tir.Value) tir.Value  { return e.binary(tir.OpXor, a, b) }
func (e *Emitter) Shl(a, b tir.Value) tir.Value  { return e.binary(tir.OpShl, a, b) }
func (e *Emitter) AShr(a, b tir.Value) tir.Value { return e.binary(tir.OpAShr, a, b) }
func (e *Emitter) LShr(a, b tir.Value) tir.Value { return e.binary(tir.OpLShr, a, b) }
func (e *Emitter) FAdd(a, b tir.Value) tir.Value { return e.binary(tir.OpFAdd, a, b) }
func (e *Emitter) FSub(a, b tir.Value) tir.Value { return e.binary(tir.OpFSub, a, b) }
func (e *Emitter) FMul(a, b tir.Value) tir.Value { return e.binary(tir.OpFMul, a, b) }
func (e *Emitter) FDiv(a, b tir.Value) tir.Value { return e.binary(tir.OpFDiv, a, b) }

func (e *Emitter) Neg(a tir.Value) tir.Value {
	return e.Sub(tir.ConstInt(a.Type(), 0), a)
}

func (e *Emitter) FNeg(a tir.Value) tir.Value {
	return e.emit(tir.OpFNeg, tir.Double, a)
}

func (e *Emitter) Not(a tir.Value) tir.Value {
	return e.Xor(a, tir.ConstInt(a.Type(), -1))
}

// comparisons

func (e *Emitter) ICmp(pred tir.Predicate, a, b tir.Value) tir.Value {
	if a.Type() != b.Type() {
		panic(fmt.Sprintf("irgen: icmp %s of %s and %s", pred, a.Type(), b.Type()))
	}
	i := e.emit(tir.OpICmp, tir.I1, a, b)
	i.Pred = pred
	return i
}

func (e *Emitter) FCmp(pred tir.Predicate, a, b tir.Value) tir.Value {
	i := e.emit(tir.OpFCmp, tir.I1, a, b)
	i.Pred = pred
	return i
}

func (e *Emitter) Equal(a, b tir.Value) tir.Value       { return e.ICmp(tir.PredEQ, a, b) }
func (e *Emitter) NotEqual(a, b tir.Value) tir.Value    { return e.ICmp(tir.PredNE, a, b) }
func (e *Emitter) LessThan(a, b tir.Value) tir.Value    { return e.ICmp(tir.PredSLT, a, b) }
func (e *Emitter) LessOrEqual(a, b tir.Value) tir.Value { return e.ICmp(tir.PredSLE, a, b) }
func (e *Emitter) GreaterThan(a, b tir.Value) tir.Value { return e.ICmp(tir.PredSGT, a, b) }
func (e *Emitter) GreaterOrEqual(a, b tir.Value) tir.Value {
	return e.ICmp(tir.PredSGE, a, b)
}
func (e *Emitter) Below(a, b tir.Value) tir.Value        { return e.ICmp(tir.PredULT, a, b) }
func (e *Emitter) AboveOrEqual(a, b tir.Value) tir.Value { return e.ICmp(tir.PredUGE, a, b) }

func (e *Emitter) IsZero(a tir.Value) tir.Value {
	return e.Equal(a, tir.ConstInt(a.Type(), 0))
}

func (e *Emitter) NotZero(a tir.Value) tir.Value {
	return e.NotEqual(a, tir.ConstInt(a.Type(), 0))
}

// TestIsZero reports whether a & mask is zero.
func (e *Emitter) TestIsZero(a, mask tir.Value) tir.Value {
	return e.IsZero(e.And(a, mask))
}

func (e *Emitter) TestNonZero(a, mask tir.Value) tir.Value {
	return e.NotZero(e.And(a, mask))
}

func (e *Emitter) Select(cond, a, b tir.Value) tir.Value {
	return e.emit(tir.OpSelect, a.Type(), cond, a, b)
}

// casts

func (e *Emitter) cast(op tir.Opcode, v tir.Value, to tir.Type) tir.Value {
	return e.emit(op, to, v)
}

func (e *Emitter) ZExt(v tir.Value, to tir.Type) tir.Value   { return e.cast(tir.OpZExt, v, to) }
func (e *Emitter) SExt(v tir.Value, to tir.Type) tir.Value   { return e.cast(tir.OpSExt, v, to) }
func (e *Emitter) Trunc(v tir.Value, to tir.Type) tir.Value  { return e.cast(tir.OpTrunc, v, to) }
func (e *Emitter) SIToFP(v tir.Value) tir.Value              { return e.cast(tir.OpSIToFP, v, tir.Double) }
func (e *Emitter) UIToFP(v tir.Value) tir.Value              { return e.cast(tir.OpUIToFP, v, tir.Double) }
func (e *Emitter) FPToSI(v tir.Value, to tir.Type) tir.Value { return e.cast(tir.OpFPToSI, v, to) }
func (e *Emitter) IntToPtr(v tir.Value) tir.Value            { return e.cast(tir.OpIntToPtr, v, tir.Ptr) }
func (e *Emitter) PtrToInt(v tir.Value) tir.Value            { return e.cast(tir.OpPtrToInt, v, tir.I64) }

// BitCast reinterprets between i64 and double.
func (e *Emitter) BitCast(v tir.Value, to tir.Type) tir.Value {
	return e.cast(tir.OpBitCast, v, to)
}

// checked arithmetic

// CheckedAdd returns the { result, overflow } pair of a signed add of the
// operands' width.
func (e *Emitter) CheckedAdd(a, b tir.Value) tir.Value {
	return e.checked(AddWithOverflow32, AddWithOverflow64, a, b)
}

func (e *Emitter) CheckedSub(a, b tir.Value) tir.Value {
	return e.checked(SubWithOverflow32, SubWithOverflow64, a, b)
}

func (e *Emitter) CheckedMul(a, b tir.Value) tir.Value {
	return e.checked(MulWithOverflow32, MulWithOverflow64, a, b)
}

func (e *Emitter) checked(k32, k64 Intrinsic, a, b tir.Value) tir.Value {
	switch a.Type() {
	case tir.I32:
		return e.IntrinsicCall(k32, a, b)
	case tir.I64:
		return e.IntrinsicCall(k64, a, b)
	}
	panic(fmt.Sprintf("irgen: checked arithmetic on %s", a.Type()))
}

func (e *Emitter) ExtractValue(pair tir.Value, index int) tir.Value {
	t := pair.Type().Element()
	if index == 1 {
		t = tir.I1
	}
	i := e.emit(tir.OpExtractValue, t, pair)
	i.Index = index
	return i
}

// addressing

// Address is base plus a constant byte offset, tagged with region.
func (e *Emitter) Address(region *heap.Region, base tir.Value, offset int64) TypedPointer {
	addr := base
	if offset != 0 {
		addr = e.Add(base, e.Int64(offset))
	}
	return TypedPointer{Heap: region, Value: e.IntToPtr(addr)}
}

// FieldAddress addresses a field region relative to the object pointer base.
func (e *Emitter) FieldAddress(field *heap.Region, base tir.Value) TypedPointer {
	return e.Address(field, base, field.Offset())
}

// OffsetAddress addresses a field reached through an interior pointer that
// is extra bytes past the field's usual base.
func (e *Emitter) OffsetAddress(off heap.Offset, base tir.Value) TypedPointer {
	return e.Address(off.Region, base, off.Offset)
}

// BaseIndex addresses element index of an indexed heap starting at base. A
// constant index gets its own leaf region when one was pre-built.
func (e *Emitter) BaseIndex(h *heap.IndexedHeap, base, index tir.Value, offset int64) TypedPointer {
	offset += h.Offset()
	if c, ok := tir.IsConst(index); ok {
		return e.Address(h.At(c.Int()), base, offset+c.Int()*h.Scale())
	}
	if index.Type() != tir.I64 {
		index = e.SExt(index, tir.I64)
	}
	scaled := index
	if s := h.Scale(); s > 1 {
		if s&(s-1) == 0 {
			scaled = e.Shl(index, e.Int64(int64(bits.TrailingZeros64(uint64(s)))))
		} else {
			scaled = e.Mul(index, e.Int64(s))
		}
	}
	return e.Address(h.AtAnyIndex(), e.Add(base, scaled), offset)
}

// Absolute addresses a fixed process-global location.
func (e *Emitter) Absolute(address uint64) TypedPointer {
	p := e.IntToPtr(e.Int64(int64(address)))
	return TypedPointer{Heap: e.heaps.Absolute, Value: p, Address: address}
}

// memory

// Load reads a value of type t. Every load carries the pointer's region.
func (e *Emitter) Load(p TypedPointer, t tir.Type) tir.Value {
	if p.Heap == nil {
		panic(fmt.Sprintf("irgen: untagged load through %s", p.Value.Ref()))
	}
	i := e.emit(tir.OpLoad, t, p.Value)
	i.Heap = p.Heap
	i.Address = p.Address
	i.Width = t
	return i
}

func (e *Emitter) Store(v tir.Value, p TypedPointer) {
	if p.Heap == nil {
		panic(fmt.Sprintf("irgen: untagged store through %s", p.Value.Ref()))
	}
	i := e.emit(tir.OpStore, tir.Void, v, p.Value)
	i.Heap = p.Heap
	i.Address = p.Address
	i.Width = v.Type()
}

func (e *Emitter) Load8(p TypedPointer) tir.Value {
	return e.ZExt(e.Load(p, tir.I8), tir.I32)
}

func (e *Emitter) Load32(p TypedPointer) tir.Value     { return e.Load(p, tir.I32) }
func (e *Emitter) Load64(p TypedPointer) tir.Value     { return e.Load(p, tir.I64) }
func (e *Emitter) LoadDouble(p TypedPointer) tir.Value { return e.Load(p, tir.Double) }

func (e *Emitter) Store8(v tir.Value, p TypedPointer) {
	if v.Type() != tir.I8 {
		v = e.Trunc(v, tir.I8)
	}
	e.Store(v, p)
}

func (e *Emitter) Store32(v tir.Value, p TypedPointer)     { e.Store(v, p) }
func (e *Emitter) Store64(v tir.Value, p TypedPointer)     { e.Store(v, p) }
func (e *Emitter) StoreDouble(v tir.Value, p TypedPointer) { e.Store(v, p) }

// control flow

func (e *Emitter) Phi(t tir.Type) *tir.Instr {
	return e.emit(tir.OpPhi, t)
}

// AddIncoming adds an input to a phi created earlier in another block.
func (e *Emitter) AddIncoming(phi *tir.Instr, v tir.Value, from *tir.Block) {
	phi.AddIncoming(v, from)
}

func (e *Emitter) Jump(target *tir.Block) {
	i := e.emit(tir.OpBr, tir.Void)
	i.Targets = []*tir.Block{target}
}

func (e *Emitter) Branch(cond tir.Value, taken, notTaken *tir.Block, weight tir.Weight) {
	i := e.emit(tir.OpCondBr, tir.Void, cond)
	i.Targets = []*tir.Block{taken, notTaken}
	i.Weight = weight
}

func (e *Emitter) Switch(v tir.Value, fallThrough *tir.Block, cases []SwitchCase) {
	i := e.emit(tir.OpSwitch, tir.Void, v)
	i.Targets = []*tir.Block{fallThrough}
	for _, c := range cases {
		i.Cases = append(i.Cases, c.Value)
		i.Targets = append(i.Targets, c.Target)
	}
}

func (e *Emitter) Ret(v tir.Value) {
	e.emit(tir.OpRet, tir.Void, v)
}

func (e *Emitter) Unreachable() {
	e.emit(tir.OpUnreachable, tir.Void)
}

// Trap calls the trap intrinsic and terminates the block.
func (e *Emitter) Trap() {
	e.IntrinsicCall(Trap)
	e.Unreachable()
}

// calls

// Operation declares a runtime operation at a resolved address.
func (e *Emitter) Operation(name string, address uint64, ret tir.Type, params ...tir.Type) *tir.Decl {
	return e.module.Declare(&tir.Decl{
		Name:    name,
		Kind:    tir.DeclRuntime,
		Ret:     ret,
		Params:  params,
		Address: address,
	})
}

func (e *Emitter) Call(callee *tir.Decl, args ...tir.Value) tir.Value {
	i := e.emit(tir.OpCall, callee.Ret, args...)
	i.Callee = callee
	return i
}

func (e *Emitter) IntrinsicCall(kind Intrinsic, args ...tir.Value) tir.Value {
	return e.Call(e.intrinsic(kind), args...)
}

func (e *Emitter) intrinsic(kind Intrinsic) *tir.Decl {
	if d, ok := e.intrinsics[kind]; ok {
		return d
	}
	def, ok := intrinsics[kind]
	if !ok {
		panic(fmt.Sprintf("irgen: unknown intrinsic %d", kind))
	}
	d := e.module.Declare(&tir.Decl{
		Name:     def.Name,
		Kind:     tir.DeclIntrinsic,
		Ret:      def.Ret,
		Params:   def.Params,
		Variadic: def.Variadic,
		NoReturn: def.NoReturn,
	})
	e.intrinsics[kind] = d
	return d
}

// Comment annotates the most recent instruction of the insertion block.
func (e *Emitter) Comment(text string) {
	if e.block == nil || len(e.block.Instrs()) == 0 {
		return
	}
	instrs := e.block.Instrs()
	instrs[len(instrs)-1].Comment = text
}
