package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"jitlower/exit"
	"jitlower/irgen"
	"jitlower/mir"
	"jitlower/object"
	"jitlower/tir"
)

var (
	ErrTrap        = errors.New("trap")
	ErrUnreachable = errors.New("reached unreachable")
	ErrStepLimit   = errors.New("step limit exceeded")
)

const (
	pageSize  = 4096
	heapStart = 0x100000
)

// NativeFunction is a callee the runtime call operations can invoke.
type NativeFunction func(m *Machine, this object.Value, args []object.Value) (object.Value, error)

// Exit is a stop at a patchpoint or at an invalidated stackmap.
type Exit struct {
	ID       int
	LiveOuts []uint64
}

type Outcome struct {
	Value     uint64
	Exit      *Exit
	Exception bool // the shared exception handler ran
	Steps     int
}

// Machine interprets lowered target-IR against a byte-addressed memory. It
// is how lowered code is checked without an optimizing code generator.
type Machine struct {
	runtime *Runtime
	pages   map[uint64]*[pageSize]byte
	heapTop uint64
	frame   uint64

	Structures  map[int]*mir.Structure
	CallSites   map[int]*exit.CallSite
	Functions   map[uint64]NativeFunction
	Invalidated map[int]bool // stackmap ids that now behave as exits
	MaxSteps    int

	properties map[uint64]map[string]object.Value
	handled    bool

	// Operations lists the runtime operations called, in order.
	Operations []string
	Thrown     object.Value
}

func NewMachine(r *Runtime) *Machine {
	return &Machine{
		runtime:     r,
		pages:       make(map[uint64]*[pageSize]byte),
		heapTop:     heapStart,
		Structures:  make(map[int]*mir.Structure),
		CallSites:   make(map[int]*exit.CallSite),
		Functions:   make(map[uint64]NativeFunction),
		Invalidated: make(map[int]bool),
		MaxSteps:    1 << 20,
		properties:  make(map[uint64]map[string]object.Value),
	}
}

func (m *Machine) Runtime() *Runtime { return m.runtime }

// memory

func (m *Machine) page(addr uint64) *[pageSize]byte {
	key := addr / pageSize
	p, ok := m.pages[key]
	if !ok {
		p = new([pageSize]byte)
		m.pages[key] = p
	}
	return p
}

// Read returns size bytes at addr, little endian, zero-extended.
func (m *Machine) Read(addr uint64, size int) uint64 {
	var buf [8]byte
	for i := 0; i < size; i++ {
		a := addr + uint64(i)
		buf[i] = m.page(a)[a%pageSize]
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (m *Machine) Write(addr uint64, size int, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	for i := 0; i < size; i++ {
		a := addr + uint64(i)
		m.page(a)[a%pageSize] = buf[i]
	}
}

// Allocate returns size zeroed, 16-byte aligned bytes.
func (m *Machine) Allocate(size int64) uint64 {
	addr := m.heapTop
	m.heapTop += uint64(size+15) &^ 15
	return addr
}

// NewFrame allocates a call frame and makes it the current one. Locals sit
// below the handle, the header and arguments above it.
func (m *Machine) NewFrame(arguments, locals int) uint64 {
	l := m.runtime.Layout
	below := int64(locals) * l.SlotSize
	above := l.ArgumentSlotOffset(arguments)
	base := m.Allocate(below + above + l.SlotSize)
	m.frame = base + uint64(below) + uint64(l.SlotSize)
	return m.frame
}

func (m *Machine) Frame() uint64 { return m.frame }

// Slot reads the raw contents of an interpreter slot of the current frame.
func (m *Machine) Slot(o mir.Operand) uint64 {
	return m.Read(m.slotAddress(o), 8)
}

func (m *Machine) SetSlot(o mir.Operand, v uint64) {
	m.Write(m.slotAddress(o), 8, v)
}

func (m *Machine) slotAddress(o mir.Operand) uint64 {
	l := m.runtime.Layout
	if o.Argument {
		return uint64(int64(m.frame) + l.ArgumentSlotOffset(o.Index))
	}
	return uint64(int64(m.frame) + l.LocalSlotOffset(o.Index))
}

// NewObject allocates an object with structure s and no butterfly.
func (m *Machine) NewObject(s *mir.Structure) uint64 {
	l := m.runtime.Layout
	cell := m.Allocate(l.CellSize + int64(s.InlineCapacity)*l.SlotSize)
	m.Write(cell+uint64(l.StructureIDOffset), 4, uint64(s.ID))
	m.Write(cell+uint64(l.IndexingTypeOffset), 1, uint64(s.IndexingType))
	m.Write(cell+uint64(l.TypeInfoTypeOffset), 1, uint64(s.CellType))
	return cell
}

// NewArray allocates an object with structure s and a butterfly holding
// elements, already encoded for the structure's indexing shape.
func (m *Machine) NewArray(s *mir.Structure, elements []uint64) uint64 {
	l := m.runtime.Layout
	cell := m.NewObject(s)
	header := -l.PublicLengthOffset
	storage := m.Allocate(header + int64(len(elements))*l.SlotSize)
	butterfly := storage + uint64(header)
	m.Write(uint64(int64(butterfly)+l.PublicLengthOffset), 4, uint64(len(elements)))
	m.Write(uint64(int64(butterfly)+l.VectorLengthOffset), 4, uint64(len(elements)))
	for i, e := range elements {
		m.Write(butterfly+uint64(i)*uint64(l.SlotSize), 8, e)
	}
	m.Write(cell+uint64(l.ButterflyOffset), 8, butterfly)
	return cell
}

// Property reads a property stored by the runtime put operations.
func (m *Machine) Property(cell uint64, name string) (object.Value, bool) {
	v, ok := m.properties[cell][name]
	return v, ok
}

func (m *Machine) SetProperty(cell uint64, name string, v object.Value) {
	bag, ok := m.properties[cell]
	if !ok {
		bag = make(map[string]object.Value)
		m.properties[cell] = bag
	}
	bag[name] = v
}

// Remembered reports whether the cell's remembered mark is set.
func (m *Machine) Remembered(cell uint64) bool {
	return m.Read(cell+uint64(m.runtime.Layout.GCDataOffset), 1) != 0
}

// RaiseException sets the pending exception flag.
func (m *Machine) RaiseException(v object.Value) {
	m.Thrown = v
	m.Write(ExceptionAddress, 1, 1)
}

func (m *Machine) ExceptionPending() bool {
	return m.Read(ExceptionAddress, 1) != 0
}

// execution

type frameState struct {
	values map[tir.Value]uint64
	flags  map[*tir.Instr]bool
}

func (s *frameState) value(v tir.Value) uint64 {
	switch v := v.(type) {
	case *tir.Const:
		return v.Bits()
	case *tir.Decl:
		return v.Address
	}
	return s.values[v]
}

// Run interprets fn from its entry block until it returns, exits or fails.
func (m *Machine) Run(fn *tir.Function, args ...uint64) (*Outcome, error) {
	if len(args) != len(fn.Params) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", fn.Name, len(fn.Params), len(args))
	}
	s := &frameState{
		values: make(map[tir.Value]uint64),
		flags:  make(map[*tir.Instr]bool),
	}
	for i, p := range fn.Params {
		s.values[p] = args[i]
	}
	m.handled = false

	out := &Outcome{}
	var prev *tir.Block
	block := fn.Entry()
	for block != nil {
		instrs := block.Instrs()

		// phis read their inputs before any of them is written
		k := 0
		var incoming []uint64
		for ; k < len(instrs) && instrs[k].Op() == tir.OpPhi; k++ {
			v, err := phiInput(instrs[k], prev, s)
			if err != nil {
				return nil, err
			}
			incoming = append(incoming, v)
		}
		for i, v := range incoming {
			s.values[instrs[i]] = v
		}

		var next *tir.Block
		for _, in := range instrs[k:] {
			out.Steps++
			if m.MaxSteps > 0 && out.Steps > m.MaxSteps {
				return nil, ErrStepLimit
			}
			switch in.Op() {
			case tir.OpBr:
				next = in.Targets[0]
			case tir.OpCondBr:
				next = in.Targets[1]
				if s.value(in.Arg(0))&1 != 0 {
					next = in.Targets[0]
				}
			case tir.OpSwitch:
				v := tir.SignExtend(in.Arg(0).Type(), s.value(in.Arg(0)))
				next = in.Targets[0]
				for n, c := range in.Cases {
					if c == v {
						next = in.Targets[n+1]
						break
					}
				}
			case tir.OpRet:
				if len(in.Args()) > 0 {
					out.Value = s.value(in.Arg(0))
				}
				out.Exception = m.handled
				return out, nil
			case tir.OpUnreachable:
				return nil, fmt.Errorf("%s: %w", block.Label(), ErrUnreachable)
			case tir.OpCall:
				stop, err := m.call(in, s)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", block.Label(), err)
				}
				if stop != nil {
					out.Exit = stop
					return out, nil
				}
			default:
				if err := m.execute(in, s); err != nil {
					return nil, fmt.Errorf("%s: %s: %w", block.Label(), in.Op(), err)
				}
			}
		}
		if next == nil {
			return nil, fmt.Errorf("block %s has no terminator", block.Label())
		}
		prev, block = block, next
	}
	return nil, fmt.Errorf("%s has no blocks", fn.Name)
}

func phiInput(phi *tir.Instr, prev *tir.Block, s *frameState) (uint64, error) {
	for _, in := range phi.Incoming {
		if in.Block == prev {
			return s.value(in.Value), nil
		}
	}
	from := "entry"
	if prev != nil {
		from = prev.Label()
	}
	return 0, fmt.Errorf("phi %s has no input from %s", phi.Ref(), from)
}

func (m *Machine) execute(in *tir.Instr, s *frameState) error {
	t := in.Type()
	arg := func(n int) uint64 { return s.value(in.Arg(n)) }
	set := func(v uint64) { s.values[in] = tir.Truncate(t, v) }

	switch op := in.Op(); {
	case op >= tir.OpAdd && op <= tir.OpLShr:
		v, err := integerOp(op, t, arg(0), arg(1))
		if err != nil {
			return err
		}
		set(v)
	case op >= tir.OpFAdd && op <= tir.OpFDiv:
		a, b := math.Float64frombits(arg(0)), math.Float64frombits(arg(1))
		var r float64
		switch op {
		case tir.OpFAdd:
			r = a + b
		case tir.OpFSub:
			r = a - b
		case tir.OpFMul:
			r = a * b
		case tir.OpFDiv:
			r = a / b
		}
		set(math.Float64bits(r))
	case op == tir.OpFNeg:
		set(arg(0) ^ 1<<63)
	case op == tir.OpICmp:
		set(boolBits(compareInts(in.Pred, in.Arg(0).Type(), arg(0), arg(1))))
	case op == tir.OpFCmp:
		set(boolBits(compareDoubles(in.Pred, math.Float64frombits(arg(0)), math.Float64frombits(arg(1)))))
	case op == tir.OpSelect:
		if arg(0)&1 != 0 {
			set(arg(1))
		} else {
			set(arg(2))
		}
	case op == tir.OpZExt, op == tir.OpBitCast, op == tir.OpIntToPtr, op == tir.OpPtrToInt, op == tir.OpTrunc:
		set(arg(0))
	case op == tir.OpSExt:
		set(uint64(tir.SignExtend(in.Arg(0).Type(), arg(0))))
	case op == tir.OpSIToFP:
		set(math.Float64bits(float64(tir.SignExtend(in.Arg(0).Type(), arg(0)))))
	case op == tir.OpUIToFP:
		set(math.Float64bits(float64(arg(0))))
	case op == tir.OpFPToSI:
		f := math.Float64frombits(arg(0))
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("fptosi of %g", f)
		}
		set(uint64(int64(f)))
	case op == tir.OpLoad:
		set(m.Read(arg(0), width(t)))
	case op == tir.OpStore:
		m.Write(arg(1), width(in.Arg(0).Type()), arg(0))
	case op == tir.OpExtractValue:
		pair := in.Arg(0).(*tir.Instr)
		if in.Index == 1 {
			set(boolBits(s.flags[pair]))
		} else {
			set(s.values[pair])
		}
	default:
		return fmt.Errorf("cannot interpret %s", op)
	}
	return nil
}

func (m *Machine) call(in *tir.Instr, s *frameState) (*Exit, error) {
	args := make([]uint64, len(in.Args()))
	for i, a := range in.Args() {
		args[i] = s.value(a)
	}

	callee := in.Callee
	if callee.Kind == tir.DeclIntrinsic {
		return m.intrinsic(in, args, s)
	}

	op, ok := m.runtime.Lookup(callee.Address)
	if !ok {
		return nil, fmt.Errorf("call to unresolved %s at %#x", callee.Name, callee.Address)
	}
	m.Operations = append(m.Operations, op.Name)
	v, err := op.Fn(m, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op.Name, err)
	}
	if in.HasResult() {
		s.values[in] = tir.Truncate(in.Type(), v)
	}
	return nil, nil
}

func (m *Machine) intrinsic(in *tir.Instr, args []uint64, s *frameState) (*Exit, error) {
	kind, ok := irgen.IntrinsicByName(in.Callee.Name)
	if !ok {
		return nil, fmt.Errorf("unknown intrinsic %s", in.Callee.Name)
	}
	switch kind {
	case irgen.AddWithOverflow32, irgen.SubWithOverflow32, irgen.MulWithOverflow32,
		irgen.AddWithOverflow64, irgen.SubWithOverflow64, irgen.MulWithOverflow64:
		t := in.Type().Element()
		r, overflow := CheckedArithmetic(kind, tir.SignExtend(t, args[0]), tir.SignExtend(t, args[1]), t.Bits())
		s.values[in] = tir.Truncate(t, uint64(r))
		s.flags[in] = overflow
	case irgen.Trap:
		return nil, ErrTrap
	case irgen.FAbs:
		s.values[in] = args[0] &^ (1 << 63)
	case irgen.Patchpoint:
		return &Exit{ID: int(args[0]), LiveOuts: args[4:]}, nil
	case irgen.Stackmap:
		if id := int(args[0]); m.Invalidated[id] {
			return &Exit{ID: id, LiveOuts: args[2:]}, nil
		}
	default:
		return nil, fmt.Errorf("cannot interpret %s", in.Callee.Name)
	}
	return nil, nil
}

func width(t tir.Type) int {
	switch t {
	case tir.I1, tir.I8:
		return 1
	case tir.I16:
		return 2
	case tir.I32:
		return 4
	}
	return 8
}

func boolBits(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func integerOp(op tir.Opcode, t tir.Type, a, b uint64) (uint64, error) {
	sa, sb := tir.SignExtend(t, a), tir.SignExtend(t, b)
	bits := t.Bits()
	if bits == 0 {
		bits = 64
	}
	shift := b & uint64(bits-1)
	switch op {
	case tir.OpAdd:
		return a + b, nil
	case tir.OpSub:
		return a - b, nil
	case tir.OpMul:
		return a * b, nil
	case tir.OpSDiv, tir.OpSRem:
		if sb == 0 {
			return 0, errors.New("division by zero")
		}
		if sb == -1 && sa == tir.SignExtend(t, 1<<uint(bits-1)) {
			return 0, errors.New("division overflow")
		}
		if op == tir.OpSDiv {
			return uint64(sa / sb), nil
		}
		return uint64(sa % sb), nil
	case tir.OpAnd:
		return a & b, nil
	case tir.OpOr:
		return a | b, nil
	case tir.OpXor:
		return a ^ b, nil
	case tir.OpShl:
		return a << shift, nil
	case tir.OpAShr:
		return uint64(sa >> shift), nil
	case tir.OpLShr:
		return a >> shift, nil
	}
	return 0, fmt.Errorf("not an integer op: %s", op)
}

func compareInts(pred tir.Predicate, t tir.Type, a, b uint64) bool {
	sa, sb := tir.SignExtend(t, a), tir.SignExtend(t, b)
	switch pred {
	case tir.PredEQ:
		return a == b
	case tir.PredNE:
		return a != b
	case tir.PredSLT:
		return sa < sb
	case tir.PredSLE:
		return sa <= sb
	case tir.PredSGT:
		return sa > sb
	case tir.PredSGE:
		return sa >= sb
	case tir.PredULT:
		return a < b
	case tir.PredULE:
		return a <= b
	case tir.PredUGT:
		return a > b
	case tir.PredUGE:
		return a >= b
	}
	return false
}

func compareDoubles(pred tir.Predicate, a, b float64) bool {
	unordered := math.IsNaN(a) || math.IsNaN(b)
	switch pred {
	case tir.PredOEQ:
		return !unordered && a == b
	case tir.PredONE:
		return !unordered && a != b
	case tir.PredOLT:
		return !unordered && a < b
	case tir.PredOLE:
		return !unordered && a <= b
	case tir.PredOGT:
		return !unordered && a > b
	case tir.PredOGE:
		return !unordered && a >= b
	case tir.PredUEQ:
		return unordered || a == b
	case tir.PredUNE:
		return unordered || a != b
	case tir.PredUNO:
		return unordered
	case tir.PredORD:
		return !unordered
	}
	return false
}
