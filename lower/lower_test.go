package lower

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"jitlower/exit"
	"jitlower/mir"
	"jitlower/object"
	"jitlower/tir"
	"jitlower/vm"
)

func loadFixture(t *testing.T, name string) *mir.Graph {
	t.Helper()
	f, err := os.Open(filepath.Join("testdata", name+".yaml"))
	if err != nil {
		t.Fatalf("open %s: %s", name, err)
	}
	defer f.Close()
	g, err := mir.Load(f)
	if err != nil {
		t.Fatalf("load %s: %s", name, err)
	}
	return g
}

func newTestRuntime() *vm.Runtime {
	return vm.NewRuntime(object.DefaultLayout(), 4, 16)
}

func lowerGraph(t *testing.T, g *mir.Graph, rt *vm.Runtime) *Result {
	t.Helper()
	res, err := Lower(context.Background(), g, rt, &vm.IDSource{}, Options{PatchSize: 5})
	if err != nil {
		t.Fatalf("lower %s: %s", g.Name, err)
	}
	if err := tir.Verify(res.Function); err != nil {
		t.Fatalf("verify %s: %s\n%s", g.Name, err, res.Module)
	}
	return res
}

// run executes the lowered function on a fresh frame holding args.
func run(t *testing.T, res *Result, g *mir.Graph, m *vm.Machine, args ...object.Value) (*vm.Outcome, uint64) {
	t.Helper()
	frame := m.NewFrame(g.NumArguments, g.NumLocals)
	for i, a := range args {
		m.SetSlot(mir.Argument(i), uint64(a))
	}
	out, err := m.Run(res.Function, frame)
	if err != nil {
		t.Fatalf("run %s: %s\n%s", g.Name, err, res.Module)
	}
	return out, frame
}

func TestEveryOpcodeHasRule(t *testing.T) {
	for op := mir.Opcode(0); op < mir.NumOpcodes; op++ {
		if rules[op] == nil {
			t.Errorf("no lowering for %s", op)
		}
	}
}

func TestFixturesVerify(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("testdata", "*.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) == 0 {
		t.Fatalf("no fixtures")
	}
	for _, path := range matches {
		name := filepath.Base(path)
		name = name[:len(name)-len(".yaml")]
		t.Run(name, func(t *testing.T) {
			lowerGraph(t, loadFixture(t, name), newTestRuntime())
		})
	}
}

func TestOverflowExitRecoversKilledOperand(t *testing.T) {
	g := loadFixture(t, "add")
	rt := newTestRuntime()
	res := lowerGraph(t, g, rt)

	if len(res.Exits) != 1 {
		t.Fatalf("expected 1 exit, got %d", len(res.Exits))
	}
	desc := res.Exits[0]
	if desc.Kind != exit.Overflow {
		t.Fatalf("expected an Overflow exit, got %s", desc.Kind)
	}
	if desc.Origin.Semantic != 2 {
		t.Fatalf("expected origin 2, got %d", desc.Origin.Semantic)
	}
	if v := desc.Values[g.OperandIndex(mir.Local(0))]; v.Kind != exit.Recovery || v.Op != exit.RecoverSub {
		t.Fatalf("expected loc0 to be recovered by subtraction, got %s", v)
	}
	if text := res.Module.String(); !strings.Contains(text, fmt.Sprintf("; exit #%d Overflow", desc.ID)) {
		t.Fatalf("expected the exit call to be annotated\n%s", text)
	}

	tests := []struct {
		a, b  int32
		exits bool
		sum   int32
	}{
		{1, 2, false, 3},
		{-5, 5, false, 0},
		{math.MaxInt32, 1, true, 0},
		{math.MinInt32, -1, true, 0},
	}
	for _, tt := range tests {
		m := vm.NewMachine(rt)
		out, _ := run(t, res, g, m, object.Int32(tt.a), object.Int32(tt.b))
		if !tt.exits {
			if out.Exit != nil {
				t.Fatalf("%d+%d: unexpected exit #%d", tt.a, tt.b, out.Exit.ID)
			}
			if object.Value(out.Value) != object.Int32(tt.sum) {
				t.Fatalf("%d+%d: expected %d, got %s", tt.a, tt.b, tt.sum, object.Value(out.Value).Inspect())
			}
			if got := int32(uint32(m.Slot(mir.Local(0)))); got != tt.sum {
				t.Fatalf("%d+%d: expected loc0=%d, got %d", tt.a, tt.b, tt.sum, got)
			}
			continue
		}

		if out.Exit == nil {
			t.Fatalf("%d+%d: expected an exit", tt.a, tt.b)
		}
		d, ok := res.Exit(out.Exit.ID)
		if !ok {
			t.Fatalf("no descriptor for exit #%d", out.Exit.ID)
		}
		slots, err := m.Replay(d, out.Exit)
		if err != nil {
			t.Fatalf("replay: %s", err)
		}
		expected := []object.Value{object.Int32(tt.a), object.Int32(tt.b), object.Int32(tt.b)}
		for i, s := range slots {
			if s.Dead || s.Value != expected[i] {
				t.Fatalf("%d+%d: slot %s: expected %s, got %s", tt.a, tt.b, g.Operands()[i], expected[i].Inspect(), s)
			}
		}
	}
}

const recoveryGraph = `
name: %[1]s
arguments: 2
locals: 1
blocks:
  - nodes:
      - {id: a, op: GetLocal, operand: arg0, format: int32, prediction: Int32}
      - {id: b, op: GetLocal, operand: arg1, format: int32, prediction: Int32}
      - {op: MovHint, children: ["Untyped:%[2]s"], operand: loc0, origin: 1}
      - {id: r, op: %[1]s, children: ["Int32:a%[3]s", "Int32:b%[4]s"], mode: CheckOverflow, origin: 2}
      - {op: Return, children: ["Untyped:r"], origin: 3}
`

func TestKilledOperandRecovery(t *testing.T) {
	samples := []int32{0, 1, -1, math.MinInt32, math.MaxInt32}
	tests := []struct {
		op     string
		killed string
		apply  func(a, b int64) int64
	}{
		{"ArithAdd", "a", func(a, b int64) int64 { return a + b }},
		{"ArithAdd", "b", func(a, b int64) int64 { return a + b }},
		{"ArithSub", "a", func(a, b int64) int64 { return a - b }},
		{"ArithSub", "b", func(a, b int64) int64 { return a - b }},
	}

	for _, tt := range tests {
		killA, killB := "", "!"
		if tt.killed == "a" {
			killA, killB = "!", ""
		}
		g, err := mir.LoadString(fmt.Sprintf(recoveryGraph, tt.op, tt.killed, killA, killB))
		if err != nil {
			t.Fatalf("%s: %s", tt.op, err)
		}
		rt := newTestRuntime()
		res := lowerGraph(t, g, rt)

		loc0 := g.OperandIndex(mir.Local(0))
		desc := res.Exits[0]
		if v := desc.Values[loc0]; v.Kind != exit.Recovery {
			t.Fatalf("%s killing %s: expected loc0 to be recovered, got %s", tt.op, tt.killed, v)
		}

		for _, a := range samples {
			for _, b := range samples {
				exact := tt.apply(int64(a), int64(b))
				m := vm.NewMachine(rt)
				out, _ := run(t, res, g, m, object.Int32(a), object.Int32(b))

				if exact >= math.MinInt32 && exact <= math.MaxInt32 {
					if out.Exit != nil {
						t.Fatalf("%s(%d, %d): unexpected exit #%d", tt.op, a, b, out.Exit.ID)
					}
					if object.Value(out.Value) != object.Int32(int32(exact)) {
						t.Fatalf("%s(%d, %d): expected %d, got %s", tt.op, a, b, exact, object.Value(out.Value).Inspect())
					}
					continue
				}

				if out.Exit == nil {
					t.Fatalf("%s(%d, %d): expected an overflow exit", tt.op, a, b)
				}
				d, ok := res.Exit(out.Exit.ID)
				if !ok || d.Kind != exit.Overflow {
					t.Fatalf("%s(%d, %d): expected an Overflow exit, got %v", tt.op, a, b, d)
				}
				slots, err := m.Replay(d, out.Exit)
				if err != nil {
					t.Fatalf("%s(%d, %d): replay: %s", tt.op, a, b, err)
				}
				expected := b
				if tt.killed == "a" {
					expected = a
				}
				if slots[0].Value != object.Int32(a) || slots[1].Value != object.Int32(b) {
					t.Fatalf("%s(%d, %d): expected arguments unchanged, got %v", tt.op, a, b, slots)
				}
				if slots[loc0].Value != object.Int32(expected) {
					t.Fatalf("%s(%d, %d) killing %s: expected loc0=%d, got %s", tt.op, a, b, tt.killed, expected, slots[loc0])
				}
			}
		}
	}
}

func TestEdgeChecks(t *testing.T) {
	impossible, err := mir.LoadString(`
name: impossible
arguments: 1
locals: 0
blocks:
  - nodes:
      - {id: a, op: GetLocal, operand: arg0, format: int32, prediction: Int32}
      - {op: Check, children: ["Object:a"], origin: 1}
      - {op: Return, children: ["Untyped:a"], origin: 2}
`)
	if err != nil {
		t.Fatal(err)
	}
	rt := newTestRuntime()
	res := lowerGraph(t, impossible, rt)
	if len(res.Exits) != 1 || res.Exits[0].Kind != exit.BadType {
		t.Fatalf("expected one BadType exit, got %v", res.Exits)
	}
	out, _ := run(t, res, impossible, vm.NewMachine(rt), object.Int32(3))
	if out.Exit == nil || out.Exit.ID != res.Exits[0].ID {
		t.Fatalf("expected the int32 to always exit, got %+v", out)
	}

	repeated, err := mir.LoadString(`
name: repeated
arguments: 1
locals: 0
blocks:
  - nodes:
      - {id: c, op: GetLocal, operand: arg0, format: jsvalue}
      - {op: Check, children: ["Cell:c"], origin: 1}
      - {op: Check, children: ["Cell:c"], origin: 2}
      - {op: Return, children: ["Untyped:c"], origin: 3}
`)
	if err != nil {
		t.Fatal(err)
	}
	res = lowerGraph(t, repeated, rt)
	if len(res.Exits) != 1 || res.Exits[0].Origin.Semantic != 1 {
		t.Fatalf("expected only the first cell check, got %v", res.Exits)
	}

	m := vm.NewMachine(rt)
	cell := m.NewObject(&mir.Structure{ID: 1, CellType: object.FinalObjectType})
	if out, _ := run(t, res, repeated, m, object.Cell(cell)); out.Exit != nil {
		t.Fatalf("unexpected exit #%d for a cell", out.Exit.ID)
	}
	if out, _ := run(t, res, repeated, m, object.Int32(1)); out.Exit == nil {
		t.Fatalf("expected an exit for an int32")
	}
}

func TestPhiAndUnvisitedBlock(t *testing.T) {
	g := loadFixture(t, "diamond")
	rt := newTestRuntime()
	res := lowerGraph(t, g, rt)

	m := vm.NewMachine(rt)
	out, _ := run(t, res, g, m, object.Int32(1), object.Int32(2))
	if object.Value(out.Value) != object.ValueUndefined {
		t.Fatalf("expected undefined, got %s", object.Value(out.Value).Inspect())
	}
	if got := uint32(m.Slot(mir.Local(0))); got != 3 {
		t.Fatalf("expected loc0=3, got %d", got)
	}

	// the not-taken side was never reached by the type analysis
	frame := m.NewFrame(g.NumArguments, g.NumLocals)
	m.SetSlot(mir.Argument(0), uint64(object.Int32(2)))
	m.SetSlot(mir.Argument(1), uint64(object.Int32(1)))
	if _, err := m.Run(res.Function, frame); !errors.Is(err, vm.ErrTrap) {
		t.Fatalf("expected a trap, got %v", err)
	}
}

func TestUnvisitedBlockInvalidatesDominatedBlocks(t *testing.T) {
	g := loadFixture(t, "unvisited")
	rt := newTestRuntime()
	res := lowerGraph(t, g, rt)

	if len(res.Invalidated) != 2 || res.Invalidated[0] != g.Blocks[2] || res.Invalidated[1] != g.Blocks[3] {
		t.Fatalf("expected blocks #2 and #3 invalidated, got %v", res.Invalidated)
	}

	rets := 0
	res.Function.Instructions(func(in *tir.Instr) {
		if in.Op() == tir.OpRet {
			rets++
		}
	})
	if rets != 1 {
		t.Fatalf("expected only block #1 to return, got %d returns\n%s", rets, res.Module)
	}

	out, _ := run(t, res, g, vm.NewMachine(rt), object.Int32(1), object.Int32(2))
	if object.Value(out.Value) != object.Int32(1) {
		t.Fatalf("expected 1, got %s", object.Value(out.Value).Inspect())
	}

	m := vm.NewMachine(rt)
	frame := m.NewFrame(g.NumArguments, g.NumLocals)
	m.SetSlot(mir.Argument(0), uint64(object.Int32(2)))
	m.SetSlot(mir.Argument(1), uint64(object.Int32(1)))
	if _, err := m.Run(res.Function, frame); !errors.Is(err, vm.ErrTrap) {
		t.Fatalf("expected a trap, got %v", err)
	}
}

func TestLoop(t *testing.T) {
	g := loadFixture(t, "loop")
	rt := newTestRuntime()
	res := lowerGraph(t, g, rt)

	tests := []struct {
		n        int32
		expected int32
	}{
		{0, 0},
		{1, 0},
		{10, 45},
		{100, 4950},
	}
	for _, tt := range tests {
		out, _ := run(t, res, g, vm.NewMachine(rt), object.Int32(tt.n))
		if out.Exit != nil {
			t.Fatalf("n=%d: unexpected exit #%d", tt.n, out.Exit.ID)
		}
		if object.Value(out.Value) != object.Int32(tt.expected) {
			t.Fatalf("n=%d: expected %d, got %s", tt.n, tt.expected, object.Value(out.Value).Inspect())
		}
	}

	m := vm.NewMachine(rt)
	m.MaxSteps = 0
	out, _ := run(t, res, g, m, object.Int32(70000))
	if out.Exit == nil {
		t.Fatalf("expected the sum to overflow")
	}
	if d, _ := res.Exit(out.Exit.ID); d.Kind != exit.Overflow || d.Origin.Semantic != 1 {
		t.Fatalf("expected an Overflow exit at bc#1, got %s", d)
	}
}

func TestMultiGetByOffset(t *testing.T) {
	g := loadFixture(t, "multiget")
	rt := newTestRuntime()
	res := lowerGraph(t, g, rt)

	switches := 0
	res.Function.Instructions(func(i *tir.Instr) {
		if i.Op() == tir.OpSwitch {
			switches++
			if len(i.Cases) != 2 {
				t.Fatalf("expected 2 cases, got %d", len(i.Cases))
			}
		}
	})
	if switches != 1 {
		t.Fatalf("expected 1 switch, got %d", switches)
	}

	m := vm.NewMachine(rt)
	inline := m.NewObject(g.Structures[1])
	m.Write(inline+24, 8, uint64(object.Int32(11)))

	outOfLine := m.NewObject(g.Structures[2])
	storage := m.Allocate(32)
	butterfly := storage + 24
	m.Write(outOfLine+8, 8, butterfly)
	m.Write(butterfly-16, 8, uint64(object.Int32(22)))

	other := m.NewObject(&mir.Structure{ID: 3, CellType: object.FinalObjectType})

	tests := []struct {
		cell     uint64
		expected object.Value
	}{
		{inline, object.Int32(11)},
		{outOfLine, object.Int32(22)},
	}
	for _, tt := range tests {
		out, _ := run(t, res, g, m, object.Cell(tt.cell))
		if out.Exit != nil || object.Value(out.Value) != tt.expected {
			t.Fatalf("expected %s, got %+v", tt.expected.Inspect(), out)
		}
	}

	out, _ := run(t, res, g, m, object.Cell(other))
	if out.Exit == nil {
		t.Fatalf("expected an exit for an unknown structure")
	}
	d, _ := res.Exit(out.Exit.ID)
	if d.Kind != exit.BadCache {
		t.Fatalf("expected BadCache, got %s", d.Kind)
	}

	out, _ = run(t, res, g, m, object.Int32(1))
	if out.Exit == nil {
		t.Fatalf("expected an exit for a non-cell")
	}
	if d, _ := res.Exit(out.Exit.ID); d.Kind != exit.BadType {
		t.Fatalf("expected BadType, got %s", d.Kind)
	}
}

func TestForcedExitInvalidatesDominatedBlocks(t *testing.T) {
	g := loadFixture(t, "forceexit")
	rt := newTestRuntime()
	res := lowerGraph(t, g, rt)

	if len(res.Invalidated) != 1 || res.Invalidated[0] != g.Blocks[1] {
		t.Fatalf("expected block #1 invalidated, got %v", res.Invalidated)
	}
	if len(res.Exits) != 1 || res.Exits[0].Kind != exit.Uncountable {
		t.Fatalf("expected one Uncountable exit, got %v", res.Exits)
	}

	m := vm.NewMachine(rt)
	out, _ := run(t, res, g, m, object.Int32(9))
	if out.Exit == nil {
		t.Fatalf("expected an exit")
	}
	slots, err := m.Replay(res.Exits[0], out.Exit)
	if err != nil {
		t.Fatalf("replay: %s", err)
	}
	if loc := slots[g.OperandIndex(mir.Local(0))]; loc.Value != object.Int32(9) {
		t.Fatalf("expected loc0=9, got %s", loc)
	}
}

func TestExceptionCheck(t *testing.T) {
	g := loadFixture(t, "valueadd")
	rt := newTestRuntime()
	res := lowerGraph(t, g, rt)

	m := vm.NewMachine(rt)
	out, frame := run(t, res, g, m, object.Int32(1), object.Int32(2))
	if out.Exception || object.Value(out.Value) != object.Int32(3) {
		t.Fatalf("expected 3, got %+v", out)
	}
	site := m.Read(frame+uint64(rt.Layout.CallSiteIndexOffset), 4)
	if site != 7 {
		t.Fatalf("expected call site index 7, got %d", site)
	}

	out, _ = run(t, res, g, m, object.ValueUndefined, object.Int32(2))
	if !out.Exception || out.Value != 0 {
		t.Fatalf("expected the exception handler to return 0, got %+v", out)
	}
	last := m.Operations[len(m.Operations)-1]
	if last != vm.OperationHandleException {
		t.Fatalf("expected %s last, got %s", vm.OperationHandleException, last)
	}
}

func TestWriteBarrier(t *testing.T) {
	g := loadFixture(t, "barrier")
	rt := newTestRuntime()
	res := lowerGraph(t, g, rt)
	layout := rt.Layout

	m := vm.NewMachine(rt)
	cell := m.NewObject(g.Structures[1])
	run(t, res, g, m, object.Cell(cell), object.Int32(5))
	if v := m.Read(cell+uint64(layout.InlineStorageOffset), 8); object.Value(v) != object.Int32(5) {
		t.Fatalf("expected the property to be stored, got %#x", v)
	}
	if !m.Remembered(cell) {
		t.Fatalf("expected the cell to be remembered")
	}
	if top := m.Read(vm.BarrierTopAddress, 4); top != 1 {
		t.Fatalf("expected 1 buffered cell, got %d", top)
	}
	if buffered := m.Read(vm.BarrierBufferAddress, 8); buffered != cell {
		t.Fatalf("expected %#x buffered, got %#x", cell, buffered)
	}

	// already remembered
	run(t, res, g, m, object.Cell(cell), object.Int32(6))
	if top := m.Read(vm.BarrierTopAddress, 4); top != 1 {
		t.Fatalf("expected the buffer unchanged, got %d", top)
	}

	// a full buffer goes through the runtime
	second := m.NewObject(g.Structures[1])
	m.Write(vm.BarrierTopAddress, 4, uint64(rt.BarrierCapacity))
	run(t, res, g, m, object.Cell(second), object.Int32(7))
	if m.Operations[len(m.Operations)-1] != vm.OperationFlushWriteBarrierBuffer {
		t.Fatalf("expected a flush, got %v", m.Operations)
	}
	if top := m.Read(vm.BarrierTopAddress, 4); top != 0 || !m.Remembered(second) {
		t.Fatalf("expected an empty buffer and a remembered cell, got top=%d", top)
	}
}

func TestArrayLoad(t *testing.T) {
	g := loadFixture(t, "array")
	rt := newTestRuntime()
	res := lowerGraph(t, g, rt)

	m := vm.NewMachine(rt)
	cell := m.NewArray(g.Structures[4], []uint64{uint64(object.Int32(10)), uint64(object.Int32(20)), 0})

	out, _ := run(t, res, g, m, object.Cell(cell), object.Int32(1))
	if out.Exit != nil || object.Value(out.Value) != object.Int32(21) {
		t.Fatalf("expected 21, got %+v", out)
	}

	tests := []struct {
		index int32
		kind  exit.Kind
	}{
		{3, exit.OutOfBounds},
		{-1, exit.OutOfBounds},
		{2, exit.LoadFromHole},
	}
	for _, tt := range tests {
		out, _ := run(t, res, g, m, object.Cell(cell), object.Int32(tt.index))
		if out.Exit == nil {
			t.Fatalf("index %d: expected an exit", tt.index)
		}
		if d, _ := res.Exit(out.Exit.ID); d.Kind != tt.kind {
			t.Fatalf("index %d: expected %s, got %s", tt.index, tt.kind, d.Kind)
		}
	}

	double := m.NewArray(&mir.Structure{ID: 5, CellType: object.ArrayType, IndexingType: object.DoubleShape | object.IsArray}, nil)
	out, _ = run(t, res, g, m, object.Cell(double), object.Int32(0))
	if out.Exit == nil {
		t.Fatalf("expected an exit for a double array")
	}
	if d, _ := res.Exit(out.Exit.ID); d.Kind != exit.BadIndexingType {
		t.Fatalf("expected BadIndexingType, got %s", d.Kind)
	}
}

func TestDeterministicOutput(t *testing.T) {
	for _, name := range []string{"add", "diamond", "multiget", "barrier"} {
		g := loadFixture(t, name)
		first := lowerGraph(t, g, newTestRuntime())
		second := lowerGraph(t, loadFixture(t, name), newTestRuntime())
		if first.Module.String() != second.Module.String() {
			t.Fatalf("%s: lowering is not deterministic:\n%s\n---\n%s", name, first.Module, second.Module)
		}
		if len(first.Exits) != len(second.Exits) {
			t.Fatalf("%s: expected %d exits, got %d", name, len(first.Exits), len(second.Exits))
		}
		for i := range first.Exits {
			if first.Exits[i].String() != second.Exits[i].String() {
				t.Fatalf("%s: exit %d differs: %s vs %s", name, i, first.Exits[i], second.Exits[i])
			}
		}
	}
}

func TestInternalErrors(t *testing.T) {
	tests := []struct {
		name    string
		fixture string
	}{
		{"dead local", `
name: dead
arguments: 0
locals: 1
blocks:
  - nodes:
      - {id: x, op: GetLocal, operand: loc0, format: dead}
      - {op: Return, children: ["Untyped:x"]}
`},
		{"storage mismatch", `
name: storage
arguments: 1
locals: 0
structures:
  - {id: 1, type: 17, inline: 0}
blocks:
  - nodes:
      - {id: o, op: GetLocal, operand: arg0}
      - {id: v, op: GetByOffset, children: ["Cell:o", "Cell:o"], property: x, offset: 0, structures: [1]}
      - {op: Return, children: ["Untyped:v"]}
`},
	}
	for _, tt := range tests {
		g, err := mir.LoadString(tt.fixture)
		if err != nil {
			t.Fatalf("%s: %s", tt.name, err)
		}
		res, err := Lower(context.Background(), g, newTestRuntime(), &vm.IDSource{}, Options{})
		if !errors.Is(err, ErrInternal) {
			t.Fatalf("%s: expected an internal error, got %v", tt.name, err)
		}
		if res != nil {
			t.Fatalf("%s: expected no result", tt.name)
		}
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Lower(ctx, loadFixture(t, "add"), newTestRuntime(), &vm.IDSource{}, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSharedIDSource(t *testing.T) {
	ids := &vm.IDSource{}
	rt := newTestRuntime()
	first, err := Lower(context.Background(), loadFixture(t, "add"), rt, ids, Options{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := Lower(context.Background(), loadFixture(t, "multiget"), rt, ids, Options{})
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[int]bool)
	for _, d := range append(first.Exits, second.Exits...) {
		if seen[d.ID] {
			t.Fatalf("exit id %d handed out twice", d.ID)
		}
		seen[d.ID] = true
	}
}

// randomGraph builds a graph whose blocks are all reachable from the entry
// and reuse the entry's values, so lowered values cross block boundaries.
func randomGraph(r *rand.Rand, n int) *mir.Graph {
	g := mir.NewGraph("random", 1, 1)
	blocks := make([]*mir.Block, n)
	for i := range blocks {
		blocks[i] = g.NewBlock()
	}

	entry := blocks[0]
	a := g.Append(entry, mir.GetLocal)
	a.Operand = mir.Argument(0)
	a.Format = mir.FlushedJSValue
	a.Result = mir.ResultJS
	k := g.Append(entry, mir.JSConstant)
	k.Value = object.Int32(1)

	for i, b := range blocks {
		origin := mir.Origin{Semantic: i, ForExit: i}
		sum := g.Append(b, mir.ArithAdd, mir.Edge{Node: a, Use: mir.Int32Use}, mir.Edge{Node: k, Use: mir.Int32Use})
		sum.Mode = mir.CheckOverflow
		sum.Origin = origin
		hint := g.Append(b, mir.MovHint, mir.Edge{Node: sum})
		hint.Operand = mir.Local(0)
		hint.Origin = origin
		twice := g.Append(b, mir.ArithAdd, mir.Edge{Node: sum, Use: mir.Int32Use}, mir.Edge{Node: a, Use: mir.Int32Use})
		twice.Mode = mir.CheckOverflow
		twice.Origin = origin

		if i == n-1 {
			ret := g.Append(b, mir.Return, mir.Edge{Node: twice})
			ret.Origin = origin
			continue
		}
		// the next block is always a successor
		next, other := blocks[i+1], blocks[r.Intn(n)]
		if r.Intn(2) == 0 {
			j := g.Append(b, mir.Jump)
			j.Taken = next
			continue
		}
		cmp := g.Append(b, mir.CompareLess, mir.Edge{Node: twice, Use: mir.Int32Use}, mir.Edge{Node: a, Use: mir.Int32Use})
		cmp.Origin = origin
		br := g.Append(b, mir.Branch, mir.Edge{Node: cmp, Use: mir.KnownBooleanUse})
		br.Origin = origin
		br.Taken, br.NotTaken = next, other
		if r.Intn(2) == 0 {
			br.Taken, br.NotTaken = other, next
		}
	}
	g.Finalize()
	return g
}

func TestRandomGraphsLowerToDominatedUses(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	rt := newTestRuntime()
	for iter := 0; iter < 100; iter++ {
		g := randomGraph(r, 2+r.Intn(8))
		res, err := Lower(context.Background(), g, rt, &vm.IDSource{}, Options{PatchSize: 5})
		if err != nil {
			t.Fatalf("iteration %d: %s\n%s", iter, err, g)
		}
		if err := tir.Verify(res.Function); err != nil {
			t.Fatalf("iteration %d: %s\n%s", iter, err, res.Module)
		}
		for _, d := range res.Exits {
			if len(d.Values) != len(g.Operands()) {
				t.Fatalf("iteration %d: exit #%d has %d values for %d operands", iter, d.ID, len(d.Values), len(g.Operands()))
			}
			for _, v := range d.Values {
				switch v.Kind {
				case exit.Argument:
					if v.Left >= d.LiveOuts {
						t.Fatalf("iteration %d: exit #%d reads live-out %d of %d", iter, d.ID, v.Left, d.LiveOuts)
					}
				case exit.Recovery:
					if v.Left >= d.LiveOuts || v.Right >= d.LiveOuts {
						t.Fatalf("iteration %d: exit #%d recovers from live-outs %d,%d of %d", iter, d.ID, v.Left, v.Right, d.LiveOuts)
					}
				}
			}
		}
	}
}
