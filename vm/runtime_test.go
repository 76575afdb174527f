package vm

import (
	"math"
	"sync"
	"testing"

	"jitlower/exit"
	"jitlower/mir"
	"jitlower/object"
)

func TestResolve(t *testing.T) {
	r := newTestRuntime()

	add, err := r.Resolve(OperationValueAdd)
	if err != nil {
		t.Fatalf("resolve: %s", err)
	}
	if op, ok := r.Lookup(add.Address); !ok || op != add {
		t.Fatalf("expected %#x to map back to %s", add.Address, add.Name)
	}
	if _, err := r.Resolve("operationMissing"); err == nil {
		t.Fatalf("expected an unknown symbol to fail")
	}
	if again := r.Register(Operation{Name: OperationValueAdd}); again != add {
		t.Fatalf("expected re-registering to keep the first operation")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := r.Resolve(OperationThrow); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	if r.Resolutions() != 801 {
		t.Fatalf("expected 801 resolutions, got %d", r.Resolutions())
	}
}

func TestIDSource(t *testing.T) {
	var ids IDSource
	for i := 0; i < 3; i++ {
		if id := ids.Next(); id != i {
			t.Fatalf("expected %d, got %d", i, id)
		}
	}
	if ids.Peek() != 3 {
		t.Fatalf("expected 3, got %d", ids.Peek())
	}
}

func TestRememberedSet(t *testing.T) {
	set := NewRememberedSet(1000)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if !set.Append(uint64(g*1000 + i + 1)) {
					t.Error("unexpected full buffer")
				}
			}
		}(g)
	}
	wg.Wait()

	if set.Len() != 800 {
		t.Fatalf("expected 800 cells, got %d", set.Len())
	}
	seen := make(map[uint64]bool)
	n := set.Flush(func(cell uint64) { seen[cell] = true })
	if n != 800 || len(seen) != 800 {
		t.Fatalf("expected 800 distinct cells, got %d (%d distinct)", n, len(seen))
	}
	if set.Len() != 0 {
		t.Fatalf("expected an empty buffer after flush")
	}

	small := NewRememberedSet(2)
	small.Append(1)
	small.Append(2)
	if small.Append(3) {
		t.Fatalf("expected a full buffer to reject the append")
	}
}

func TestWriteBarrierFlush(t *testing.T) {
	r := newTestRuntime()
	m := NewMachine(r)
	cells := []uint64{m.Allocate(16), m.Allocate(16), m.Allocate(16)}
	for i, c := range cells[:2] {
		m.Write(BarrierBufferAddress+uint64(i)*8, 8, c)
	}
	m.Write(BarrierTopAddress, 4, 2)

	if _, err := flushWriteBarrierBuffer(m, []uint64{0, cells[2]}); err != nil {
		t.Fatalf("flush: %s", err)
	}
	if m.Read(BarrierTopAddress, 4) != 0 {
		t.Fatalf("expected the buffer to be empty")
	}
	if !m.Remembered(cells[2]) {
		t.Fatalf("expected the overflowing cell to be marked")
	}
	var flushed []uint64
	r.Remembered.Flush(func(c uint64) { flushed = append(flushed, c) })
	if len(flushed) != 3 || flushed[2] != cells[2] {
		t.Fatalf("expected the buffered cells then the new one, got %v", flushed)
	}
}

func TestToInt32(t *testing.T) {
	tests := []struct {
		input    float64
		expected int32
	}{
		{0, 0},
		{-1.9, -1},
		{2147483648, math.MinInt32},
		{4294967297, 1},
		{math.NaN(), 0},
		{math.Inf(-1), 0},
	}

	for _, tt := range tests {
		if got := ToInt32(tt.input); got != tt.expected {
			t.Fatalf("ToInt32(%g): expected %d, got %d", tt.input, tt.expected, got)
		}
	}
}

func TestReconstruct(t *testing.T) {
	desc := &exit.Descriptor{
		ID: 4,
		Values: []exit.Value{
			exit.DeadValue(),
			exit.ConstantValue(object.Int32(4)),
			exit.StackValue(mir.Local(0), exit.FormatInt32),
			exit.ArgumentValue(0, exit.FormatDouble),
			exit.RecoveryValue(exit.RecoverSub, 1, 2, exit.FormatInt32),
			exit.RecoveryValue(exit.RecoverAdd, 3, 4, exit.FormatInt52),
			exit.RecoveryValue(exit.RecoverSub, 5, 6, exit.FormatStrictInt52),
			{Kind: exit.ArgumentsObjectNotMaterialized},
		},
		Operands: []mir.Operand{
			mir.Argument(0), mir.Argument(1), mir.Local(0), mir.Local(1),
			mir.Local(2), mir.Local(3), mir.Local(4), mir.Local(5),
		},
		LiveOuts: 7,
	}
	bits32 := func(v int32) uint64 { return uint64(uint32(v)) }
	bits64 := func(v int64) uint64 { return uint64(v) }
	shifted := func(v int64) uint64 { return uint64(v << exit.Int52Shift) }
	stack := func(o mir.Operand) uint64 {
		if o == mir.Local(0) {
			return bits32(math.MinInt32)
		}
		return 0
	}
	liveOuts := []uint64{
		math.Float64bits(-0.5),
		// the checked add wrapped to MinInt32, undo "+ 1"
		bits32(math.MinInt32), 1,
		shifted(1<<50 - 3), shifted(5),
		bits64(-(1 << 51)), 1,
	}

	slots, err := Reconstruct(desc, stack, liveOuts)
	if err != nil {
		t.Fatalf("reconstruct: %s", err)
	}
	expected := []string{
		"dead", "4", "-2147483648", "-0.5", "2147483647",
		object.Double(1<<50 + 2).Inspect(),
		object.Double(-(1 << 51) - 1).Inspect(),
		"arguments",
	}
	for i, s := range slots {
		if s.String() != expected[i] {
			t.Fatalf("slot %s: expected %s, got %s", desc.Operands[i], expected[i], s)
		}
	}

	if _, err := Reconstruct(desc, stack, liveOuts[:3]); err == nil {
		t.Fatalf("expected a live-out count mismatch to fail")
	}
}
