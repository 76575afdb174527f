package tir

import (
	"fmt"

	"jitlower/heap"
)

type Opcode int

const (
	OpAdd Opcode = iota
	OpSub
	OpMul
	OpSDiv
	OpSRem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpAShr
	OpLShr
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv
	OpFNeg
	OpICmp
	OpFCmp
	OpSelect
	OpZExt
	OpSExt
	OpTrunc
	OpSIToFP
	OpUIToFP
	OpFPToSI
	OpBitCast
	OpIntToPtr
	OpPtrToInt
	OpLoad
	OpStore
	OpCall
	OpExtractValue
	OpPhi

	// terminators
	OpBr
	OpCondBr
	OpSwitch
	OpRet
	OpUnreachable
)

var opNames = map[Opcode]string{
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpSDiv: "sdiv", OpSRem: "srem",
	OpAnd: "and", OpOr: "or", OpXor: "xor", OpShl: "shl", OpAShr: "ashr", OpLShr: "lshr",
	OpFAdd: "fadd", OpFSub: "fsub", OpFMul: "fmul", OpFDiv: "fdiv", OpFNeg: "fneg",
	OpICmp: "icmp", OpFCmp: "fcmp", OpSelect: "select",
	OpZExt: "zext", OpSExt: "sext", OpTrunc: "trunc", OpSIToFP: "sitofp", OpUIToFP: "uitofp",
	OpFPToSI: "fptosi", OpBitCast: "bitcast", OpIntToPtr: "inttoptr", OpPtrToInt: "ptrtoint",
	OpLoad: "load", OpStore: "store", OpCall: "call", OpExtractValue: "extractvalue", OpPhi: "phi",
	OpBr: "br", OpCondBr: "br", OpSwitch: "switch", OpRet: "ret", OpUnreachable: "unreachable",
}

func (op Opcode) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return fmt.Sprintf("op_%d", int(op))
}

func (op Opcode) IsTerminator() bool {
	return op >= OpBr
}

func (op Opcode) IsCast() bool {
	return op >= OpZExt && op <= OpPtrToInt
}

// Predicate is the condition of an icmp or fcmp.
type Predicate int

const (
	PredEQ Predicate = iota
	PredNE
	PredSLT
	PredSLE
	PredSGT
	PredSGE
	PredULT
	PredULE
	PredUGT
	PredUGE

	PredOEQ
	PredONE
	PredOLT
	PredOLE
	PredOGT
	PredOGE
	PredUEQ
	PredUNE
	PredUNO
	PredORD
)

var predNames = map[Predicate]string{
	PredEQ: "eq", PredNE: "ne", PredSLT: "slt", PredSLE: "sle", PredSGT: "sgt", PredSGE: "sge",
	PredULT: "ult", PredULE: "ule", PredUGT: "ugt", PredUGE: "uge",
	PredOEQ: "oeq", PredONE: "one", PredOLT: "olt", PredOLE: "ole", PredOGT: "ogt", PredOGE: "oge",
	PredUEQ: "ueq", PredUNE: "une", PredUNO: "uno", PredORD: "ord",
}

func (p Predicate) String() string {
	return predNames[p]
}

// Weight is a branch probability hint for a two-way branch.
type Weight int

const (
	WeightNone Weight = iota
	WeightLikely
	WeightUnlikely
)

// Incoming is one phi input.
type Incoming struct {
	Value Value
	Block *Block
}

// Instr is a single target-IR instruction. Instructions that produce a value
// are themselves Values.
type Instr struct {
	id    int
	op    Opcode
	typ   Type
	args  []Value
	block *Block

	Pred     Predicate
	Targets  []*Block // br: dest; condbr: taken, notTaken; switch: default, then one per case
	Cases    []int64
	Weight   Weight
	Callee   *Decl
	Index    int // extractvalue
	Incoming []Incoming

	// memory access tagging
	Heap    *heap.Region
	Address uint64 // absolute accesses only
	Width   Type   // width of the memory access for loads and stores

	Comment string
}

func (i *Instr) ID() int         { return i.id }
func (i *Instr) Op() Opcode      { return i.op }
func (i *Instr) Type() Type      { return i.typ }
func (i *Instr) Args() []Value   { return i.args }
func (i *Instr) Arg(n int) Value { return i.args[n] }
func (i *Instr) Block() *Block   { return i.block }

func (i *Instr) Ref() string {
	return fmt.Sprintf("%%%d", i.id)
}

func (i *Instr) HasResult() bool {
	return i.typ != Void
}

// AddIncoming appends a phi input.
func (i *Instr) AddIncoming(v Value, from *Block) {
	i.Incoming = append(i.Incoming, Incoming{Value: v, Block: from})
}

// IsMemoryAccess reports loads, stores and calls that touch memory through
// a tagged pointer.
func (i *Instr) IsMemoryAccess() bool {
	return i.op == OpLoad || i.op == OpStore
}

// Access returns the aliasing description of a load or store.
func (i *Instr) Access() heap.Access {
	return heap.Access{Region: i.Heap, Address: i.Address}
}

// DeclKind separates runtime operations from backend intrinsics.
type DeclKind int

const (
	DeclRuntime DeclKind = iota
	DeclIntrinsic
)

// Decl is a callee: either a runtime operation resolved to an address or a
// fixed backend intrinsic.
type Decl struct {
	Name     string
	Kind     DeclKind
	Ret      Type
	Params   []Type
	Variadic bool
	Address  uint64
	NoReturn bool
}

func (d *Decl) Type() Type  { return Ptr }
func (d *Decl) Ref() string { return "@" + d.Name }
