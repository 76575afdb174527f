package tir

import (
	"fmt"
)

// Block is a basic block. It is terminated once its last instruction is a
// terminator.
type Block struct {
	id     int
	name   string
	instrs []*Instr
	fn     *Function
}

func (b *Block) ID() int             { return b.id }
func (b *Block) Name() string        { return b.name }
func (b *Block) Instrs() []*Instr    { return b.instrs }
func (b *Block) Function() *Function { return b.fn }

func (b *Block) Label() string {
	return fmt.Sprintf("%s.%d", b.name, b.id)
}

func (b *Block) Terminator() *Instr {
	if len(b.instrs) == 0 {
		return nil
	}
	last := b.instrs[len(b.instrs)-1]
	if !last.op.IsTerminator() {
		return nil
	}
	return last
}

func (b *Block) IsTerminated() bool {
	return b.Terminator() != nil
}

// Successors lists the targets of the terminator.
func (b *Block) Successors() []*Block {
	if t := b.Terminator(); t != nil {
		return t.Targets
	}
	return nil
}

// Append adds an instruction at the end of the block. It panics if the block
// is already terminated.
func (b *Block) Append(op Opcode, typ Type, args ...Value) *Instr {
	if b.IsTerminated() {
		panic(fmt.Sprintf("tir: append %s to terminated block %s", op, b.Label()))
	}
	instr := &Instr{id: -1, op: op, typ: typ, args: args, block: b}
	if typ != Void {
		instr.id = b.fn.nextValue
		b.fn.nextValue++
	}
	b.instrs = append(b.instrs, instr)
	return instr
}

// Function is one target-IR function.
type Function struct {
	Name   string
	Ret    Type
	Params []*Param
	Blocks []*Block

	nextValue int
	nextBlock int
}

func NewFunction(name string, ret Type) *Function {
	return &Function{Name: name, Ret: ret}
}

func (f *Function) AddParam(name string, typ Type) *Param {
	p := &Param{typ: typ, name: name, index: len(f.Params)}
	f.Params = append(f.Params, p)
	return p
}

// NewBlock creates a block and inserts it before the given block, or at the
// end when before is nil.
func (f *Function) NewBlock(name string, before *Block) *Block {
	b := &Block{id: f.nextBlock, name: name, fn: f}
	f.nextBlock++
	if before == nil {
		f.Blocks = append(f.Blocks, b)
		return b
	}
	for i, existing := range f.Blocks {
		if existing == before {
			f.Blocks = append(f.Blocks[:i+1], f.Blocks[i:]...)
			f.Blocks[i] = b
			return b
		}
	}
	f.Blocks = append(f.Blocks, b)
	return b
}

func (f *Function) Entry() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// Instructions calls fn for every instruction in layout order.
func (f *Function) Instructions(fn func(*Instr)) {
	for _, b := range f.Blocks {
		for _, i := range b.instrs {
			fn(i)
		}
	}
}

// Module groups functions with the declarations and metadata they reference.
type Module struct {
	Name           string
	Functions      []*Function
	TargetFeatures []string

	decls     []*Decl
	declIndex map[string]*Decl
	regions   []regionMeta
}

type regionMeta struct {
	name   string
	parent int
}

func NewModule(name string) *Module {
	return &Module{Name: name, declIndex: make(map[string]*Decl)}
}

// Declare returns the declaration registered under d.Name, registering d if
// it is new.
func (m *Module) Declare(d *Decl) *Decl {
	if existing, ok := m.declIndex[d.Name]; ok {
		return existing
	}
	m.declIndex[d.Name] = d
	m.decls = append(m.decls, d)
	return d
}

func (m *Module) Decl(name string) (*Decl, bool) {
	d, ok := m.declIndex[name]
	return d, ok
}

func (m *Module) Decls() []*Decl {
	return m.decls
}

// SetRegions records the aliasing tree printed as TBAA metadata. parents[i]
// is the index of the parent of region i, or -1 for the root.
func (m *Module) SetRegions(names []string, parents []int) {
	m.regions = m.regions[:0]
	for i, n := range names {
		m.regions = append(m.regions, regionMeta{name: n, parent: parents[i]})
	}
}

func (m *Module) AddFunction(f *Function) {
	m.Functions = append(m.Functions, f)
}
