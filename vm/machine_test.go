package vm

import (
	"errors"
	"math"
	"testing"

	"jitlower/heap"
	"jitlower/irgen"
	"jitlower/object"
	"jitlower/tir"
)

func newTestRuntime() *Runtime {
	return NewRuntime(object.DefaultLayout(), 4, 16)
}

func newTestFunction(params ...tir.Type) (*irgen.Emitter, *tir.Function) {
	heaps := heap.New(object.DefaultLayout(), heap.Options{IndexedLeaves: 4, NumberedLeaves: 4})
	m := tir.NewModule("test")
	f := tir.NewFunction("f", tir.I64)
	for i, p := range params {
		f.AddParam(string(rune('a'+i)), p)
	}
	m.AddFunction(f)
	e := irgen.New(m, f, heaps)
	e.AppendTo(e.NewBlock("entry"), nil)
	return e, f
}

func operation(t *testing.T, r *Runtime, e *irgen.Emitter, name string) *tir.Decl {
	t.Helper()
	op, err := r.Resolve(name)
	if err != nil {
		t.Fatalf("resolve %s: %s", name, err)
	}
	d := e.Operation(op.Name, op.Address, op.Ret, op.Params...)
	d.Variadic = op.Variadic
	return d
}

func TestCheckedAddStopsAtPatchpoint(t *testing.T) {
	e, f := newTestFunction(tir.I32, tir.I32)
	a, b := f.Params[0], f.Params[1]

	pair := e.CheckedAdd(a, b)
	failed := e.ExtractValue(pair, 1)
	exitBlock := e.NewBlock("exit")
	cont := e.NewBlock("continuation")
	e.Branch(failed, exitBlock, cont, tir.WeightUnlikely)
	e.AppendTo(exitBlock, cont)
	e.IntrinsicCall(irgen.Patchpoint, e.Int64(7), e.Int32(0), tir.Null(), e.Int32(2), a, b)
	e.Unreachable()
	e.AppendTo(cont, nil)
	e.Ret(e.SExt(e.ExtractValue(pair, 0), tir.I64))

	tests := []struct {
		a, b     int32
		expected int64
		exits    bool
	}{
		{2, 3, 5, false},
		{-7, 3, -4, false},
		{math.MaxInt32, 1, 0, true},
		{math.MinInt32, -1, 0, true},
		{math.MaxInt32, 0, math.MaxInt32, false},
	}

	for _, tt := range tests {
		m := NewMachine(newTestRuntime())
		out, err := m.Run(f, uint64(uint32(tt.a)), uint64(uint32(tt.b)))
		if err != nil {
			t.Fatalf("%d + %d: %s", tt.a, tt.b, err)
		}
		if tt.exits {
			if out.Exit == nil || out.Exit.ID != 7 {
				t.Fatalf("%d + %d: expected exit #7, got %+v", tt.a, tt.b, out)
			}
			if len(out.Exit.LiveOuts) != 2 || out.Exit.LiveOuts[0] != uint64(uint32(tt.a)) || out.Exit.LiveOuts[1] != uint64(uint32(tt.b)) {
				t.Fatalf("%d + %d: expected the operands as live-outs, got %v", tt.a, tt.b, out.Exit.LiveOuts)
			}
			continue
		}
		if out.Exit != nil {
			t.Fatalf("%d + %d: unexpected exit #%d", tt.a, tt.b, out.Exit.ID)
		}
		if int64(out.Value) != tt.expected {
			t.Fatalf("%d + %d: expected %d, got %d", tt.a, tt.b, tt.expected, int64(out.Value))
		}
	}
}

func TestLoopWithPhis(t *testing.T) {
	e, f := newTestFunction(tir.I32)
	n := f.Params[0]
	entry := e.InsertionBlock()
	header := e.NewBlock("header")
	body := e.NewBlock("body")
	done := e.NewBlock("done")
	e.Jump(header)

	e.AppendTo(header, nil)
	i := e.Phi(tir.I32)
	acc := e.Phi(tir.I32)
	e.Branch(e.LessThan(i, n), body, done, tir.WeightLikely)

	e.AppendTo(body, nil)
	nextAcc := e.Add(acc, i)
	nextI := e.Add(i, e.Int32(1))
	e.Jump(header)

	e.AddIncoming(i, e.Int32(0), entry)
	e.AddIncoming(i, nextI, body)
	e.AddIncoming(acc, e.Int32(0), entry)
	e.AddIncoming(acc, nextAcc, body)

	e.AppendTo(done, nil)
	e.Ret(e.ZExt(acc, tir.I64))

	m := NewMachine(newTestRuntime())
	out, err := m.Run(f, 10)
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if out.Value != 45 {
		t.Fatalf("expected 45, got %d", out.Value)
	}
}

func TestMemoryAccesses(t *testing.T) {
	e, f := newTestFunction(tir.I64)
	base := f.Params[0]
	heaps := e.Heaps()

	e.Store64(e.Int64(-3), e.Absolute(0x3000))
	e.Store32(e.Int32(9), e.FieldAddress(heaps.JSCellStructureID, base))
	e.StoreDouble(e.Double(1.5), e.FieldAddress(heaps.JSObjectButterfly, base))
	id := e.ZExt(e.Load32(e.FieldAddress(heaps.JSCellStructureID, base)), tir.I64)
	abs := e.Load64(e.Absolute(0x3000))
	e.Ret(e.Add(id, abs))

	m := NewMachine(newTestRuntime())
	cell := m.Allocate(32)
	out, err := m.Run(f, cell)
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if int64(out.Value) != 6 {
		t.Fatalf("expected 6, got %d", int64(out.Value))
	}
	if got := math.Float64frombits(m.Read(cell+8, 8)); got != 1.5 {
		t.Fatalf("expected 1.5 in the butterfly slot, got %g", got)
	}
}

func TestRuntimeCalls(t *testing.T) {
	r := newTestRuntime()
	e, f := newTestFunction(tir.I64, tir.I64, tir.I64)
	add := operation(t, r, e, OperationValueAdd)
	e.Ret(e.Call(add, f.Params[0], f.Params[1], f.Params[2]))

	tests := []struct {
		a, b      object.Value
		expected  object.Value
		exception bool
	}{
		{object.Int32(2), object.Int32(3), object.Int32(5), false},
		{object.Int32(math.MaxInt32), object.Int32(1), object.Double(2147483648), false},
		{object.Double(0.5), object.Int32(1), object.Double(1.5), false},
		{object.ValueNull, object.Int32(1), object.ValueUndefined, true},
	}

	for _, tt := range tests {
		m := NewMachine(r)
		frame := m.NewFrame(0, 0)
		out, err := m.Run(f, frame, uint64(tt.a), uint64(tt.b))
		if err != nil {
			t.Fatalf("run: %s", err)
		}
		if object.Value(out.Value) != tt.expected {
			t.Fatalf("%s + %s: expected %s, got %s", tt.a, tt.b, tt.expected, object.Value(out.Value))
		}
		if m.ExceptionPending() != tt.exception {
			t.Fatalf("%s + %s: expected exception=%t", tt.a, tt.b, tt.exception)
		}
		if len(m.Operations) != 1 || m.Operations[0] != OperationValueAdd {
			t.Fatalf("expected one call to %s, got %v", OperationValueAdd, m.Operations)
		}
	}
}

func TestInvalidatedStackmap(t *testing.T) {
	e, f := newTestFunction(tir.I64)
	e.IntrinsicCall(irgen.Stackmap, e.Int64(3), e.Int32(0), f.Params[0])
	e.Ret(e.Int64(1))

	m := NewMachine(newTestRuntime())
	out, err := m.Run(f, 42)
	if err != nil || out.Exit != nil || out.Value != 1 {
		t.Fatalf("expected a plain return, got %+v, %v", out, err)
	}

	m.Invalidated[3] = true
	out, err = m.Run(f, 42)
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if out.Exit == nil || out.Exit.ID != 3 || out.Exit.LiveOuts[0] != 42 {
		t.Fatalf("expected exit #3 with live-out 42, got %+v", out)
	}
}

func TestTrapAndUnreachable(t *testing.T) {
	e, f := newTestFunction()
	e.Trap()

	m := NewMachine(newTestRuntime())
	if _, err := m.Run(f); !errors.Is(err, ErrTrap) {
		t.Fatalf("expected a trap, got %v", err)
	}

	e, f = newTestFunction()
	e.Unreachable()
	if _, err := m.Run(f); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestCheckedArithmetic(t *testing.T) {
	tests := []struct {
		kind     irgen.Intrinsic
		a, b     int64
		bits     int
		expected int64
		overflow bool
	}{
		{irgen.AddWithOverflow32, math.MaxInt32, 1, 32, math.MinInt32, true},
		{irgen.SubWithOverflow32, math.MinInt32, 1, 32, math.MaxInt32, true},
		{irgen.MulWithOverflow32, 1 << 16, 1 << 15, 32, math.MinInt32, true},
		{irgen.MulWithOverflow32, -(1 << 16), 1 << 15, 32, math.MinInt32, false},
		{irgen.AddWithOverflow64, math.MaxInt64, 1, 64, math.MinInt64, true},
		{irgen.SubWithOverflow64, math.MinInt64, 1, 64, math.MaxInt64, true},
		{irgen.MulWithOverflow64, math.MinInt64, -1, 64, math.MinInt64, true},
		{irgen.MulWithOverflow64, 1 << 31, 1 << 31, 64, 1 << 62, false},
		{irgen.AddWithOverflow64, -5, 3, 64, -2, false},
	}

	for _, tt := range tests {
		r, overflow := CheckedArithmetic(tt.kind, tt.a, tt.b, tt.bits)
		if r != tt.expected || overflow != tt.overflow {
			t.Fatalf("%d op %d (%d bits): expected (%d, %t), got (%d, %t)", tt.a, tt.b, tt.bits, tt.expected, tt.overflow, r, overflow)
		}
	}
}
