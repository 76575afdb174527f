package vm

import (
	"fmt"
	"math"

	"jitlower/object"
	"jitlower/tir"
)

func registerOperations(r *Runtime) {
	for _, op := range []Operation{
		{Name: OperationValueAdd, Ret: tir.I64, Params: []tir.Type{tir.I64, tir.I64, tir.I64}, Fn: valueAdd},
		{Name: OperationCompareLess, Ret: tir.I64, Params: []tir.Type{tir.I64, tir.I64, tir.I64}, Fn: compare(func(a, b float64) bool { return a < b })},
		{Name: OperationCompareLessEq, Ret: tir.I64, Params: []tir.Type{tir.I64, tir.I64, tir.I64}, Fn: compare(func(a, b float64) bool { return a <= b })},
		{Name: OperationCompareGreater, Ret: tir.I64, Params: []tir.Type{tir.I64, tir.I64, tir.I64}, Fn: compare(func(a, b float64) bool { return a > b })},
		{Name: OperationCompareGreaterEq, Ret: tir.I64, Params: []tir.Type{tir.I64, tir.I64, tir.I64}, Fn: compare(func(a, b float64) bool { return a >= b })},
		{Name: OperationCompareEq, Ret: tir.I64, Params: []tir.Type{tir.I64, tir.I64, tir.I64}, Fn: compareEq},
		{Name: OperationCompareStrictEq, Ret: tir.I64, Params: []tir.Type{tir.I64, tir.I64, tir.I64}, Fn: compareStrictEq},
		{Name: OperationToInt32, Ret: tir.I32, Params: []tir.Type{tir.I64, tir.Double}, Fn: doubleToInt32},
		{Name: OperationValueToInt32, Ret: tir.I32, Params: []tir.Type{tir.I64, tir.I64}, Fn: valueToInt32},
		{Name: OperationValueToBoolean, Ret: tir.I64, Params: []tir.Type{tir.I64, tir.I64}, Fn: valueToBoolean},
		{Name: OperationFmod, Ret: tir.Double, Params: []tir.Type{tir.I64, tir.Double, tir.Double}, Fn: fmod},
		{Name: OperationGetById, Ret: tir.I64, Params: []tir.Type{tir.I64, tir.I64, tir.I64}, Fn: getByID},
		{Name: OperationPutById, Ret: tir.Void, Params: []tir.Type{tir.I64, tir.I64, tir.I64, tir.I64}, Fn: putByID},
		{Name: OperationCall, Ret: tir.I64, Params: []tir.Type{tir.I64, tir.I64, tir.I64, tir.I64}, Variadic: true, Fn: call(false)},
		{Name: OperationConstruct, Ret: tir.I64, Params: []tir.Type{tir.I64, tir.I64, tir.I64, tir.I64}, Variadic: true, Fn: call(true)},
		{Name: OperationNewObject, Ret: tir.I64, Params: []tir.Type{tir.I64, tir.I64}, Fn: newObject},
		{Name: OperationCreateArguments, Ret: tir.I64, Params: []tir.Type{tir.I64}, Fn: createArguments},
		{Name: OperationThrow, Ret: tir.Void, Params: []tir.Type{tir.I64, tir.I64}, Fn: throw},
		{Name: OperationHandleException, Ret: tir.Void, Params: []tir.Type{tir.I64}, Fn: handleException},
		{Name: OperationFlushWriteBarrierBuffer, Ret: tir.Void, Params: []tir.Type{tir.I64, tir.I64}, Fn: flushWriteBarrierBuffer},
	} {
		r.Register(op)
	}
}

func valueAdd(m *Machine, args []uint64) (uint64, error) {
	a, b := object.Value(args[1]), object.Value(args[2])
	if !a.IsNumber() || !b.IsNumber() {
		m.RaiseException(object.ValueUndefined)
		return uint64(object.ValueUndefined), nil
	}
	if a.IsInt32() && b.IsInt32() {
		return uint64(object.Number(int64(a.AsInt32()) + int64(b.AsInt32()))), nil
	}
	return uint64(object.Double(a.AsNumber() + b.AsNumber())), nil
}

func compare(fn func(a, b float64) bool) OperationFunc {
	return func(m *Machine, args []uint64) (uint64, error) {
		a, b := object.Value(args[1]), object.Value(args[2])
		if !a.IsNumber() || !b.IsNumber() {
			m.RaiseException(object.ValueUndefined)
			return 0, nil
		}
		return boolBits(fn(a.AsNumber(), b.AsNumber())), nil
	}
}

func compareEq(m *Machine, args []uint64) (uint64, error) {
	a, b := object.Value(args[1]), object.Value(args[2])
	if a.IsNumber() && b.IsNumber() {
		return boolBits(a.AsNumber() == b.AsNumber()), nil
	}
	if a.IsOther() && b.IsOther() {
		return 1, nil
	}
	return boolBits(a == b), nil
}

func compareStrictEq(m *Machine, args []uint64) (uint64, error) {
	a, b := object.Value(args[1]), object.Value(args[2])
	if a.IsNumber() && b.IsNumber() {
		return boolBits(a.AsNumber() == b.AsNumber()), nil
	}
	return boolBits(a == b), nil
}

// ToInt32 is the modular conversion used by the bitwise operators.
func ToInt32(f float64) int32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	r := math.Mod(math.Trunc(f), 1<<32)
	if r < 0 {
		r += 1 << 32
	}
	return int32(uint32(r))
}

func doubleToInt32(m *Machine, args []uint64) (uint64, error) {
	return uint64(uint32(ToInt32(math.Float64frombits(args[1])))), nil
}

func valueToInt32(m *Machine, args []uint64) (uint64, error) {
	v := object.Value(args[1])
	switch {
	case v.IsInt32():
		return uint64(uint32(v.AsInt32())), nil
	case v.IsNumber():
		return uint64(uint32(ToInt32(v.AsDouble()))), nil
	case v == object.ValueTrue:
		return 1, nil
	}
	return 0, nil
}

func valueToBoolean(m *Machine, args []uint64) (uint64, error) {
	v := object.Value(args[1])
	switch {
	case v.IsInt32():
		return boolBits(v.AsInt32() != 0), nil
	case v.IsNumber():
		f := v.AsDouble()
		return boolBits(f != 0 && !math.IsNaN(f)), nil
	case v.IsBoolean():
		return boolBits(v.AsBoolean()), nil
	case v.IsOther(), v == object.ValueEmpty:
		return 0, nil
	}
	return 1, nil
}

func fmod(m *Machine, args []uint64) (uint64, error) {
	a, b := math.Float64frombits(args[1]), math.Float64frombits(args[2])
	return math.Float64bits(math.Mod(a, b)), nil
}

func (m *Machine) property(callSiteID uint64) (string, error) {
	site, ok := m.CallSites[int(callSiteID)]
	if !ok {
		return "", fmt.Errorf("unknown call site %d", callSiteID)
	}
	return site.Property, nil
}

func getByID(m *Machine, args []uint64) (uint64, error) {
	name, err := m.property(args[1])
	if err != nil {
		return 0, err
	}
	base := object.Value(args[2])
	if !base.IsCell() {
		m.RaiseException(object.ValueUndefined)
		return uint64(object.ValueUndefined), nil
	}
	v, ok := m.Property(args[2], name)
	if !ok {
		return uint64(object.ValueUndefined), nil
	}
	return uint64(v), nil
}

func putByID(m *Machine, args []uint64) (uint64, error) {
	name, err := m.property(args[1])
	if err != nil {
		return 0, err
	}
	if !object.Value(args[2]).IsCell() {
		m.RaiseException(object.ValueUndefined)
		return 0, nil
	}
	m.SetProperty(args[2], name, object.Value(args[3]))
	return 0, nil
}

// call invokes a native function: frame, call site, argument count, callee,
// then the arguments with this first.
func call(construct bool) OperationFunc {
	return func(m *Machine, args []uint64) (uint64, error) {
		argc := int(args[2])
		if len(args) != 4+argc {
			return 0, fmt.Errorf("call with %d arguments, expected %d", len(args)-4, argc)
		}
		fn, ok := m.Functions[args[3]]
		if !ok {
			m.RaiseException(object.ValueUndefined)
			return uint64(object.ValueUndefined), nil
		}
		values := make([]object.Value, argc)
		for i := range values {
			values[i] = object.Value(args[4+i])
		}
		this := object.ValueUndefined
		if len(values) > 0 {
			this, values = values[0], values[1:]
		}
		result, err := fn(m, this, values)
		if err != nil {
			return 0, err
		}
		if construct && !result.IsCell() {
			return uint64(this), nil
		}
		return uint64(result), nil
	}
}

func newObject(m *Machine, args []uint64) (uint64, error) {
	s, ok := m.Structures[int(args[1])]
	if !ok {
		return 0, fmt.Errorf("unknown structure %d", args[1])
	}
	return m.NewObject(s), nil
}

func createArguments(m *Machine, args []uint64) (uint64, error) {
	l := m.runtime.Layout
	cell := m.Allocate(l.CellSize)
	m.Write(cell+uint64(l.TypeInfoTypeOffset), 1, uint64(object.ObjectType))
	return cell, nil
}

func throw(m *Machine, args []uint64) (uint64, error) {
	m.RaiseException(object.Value(args[1]))
	return 0, nil
}

func handleException(m *Machine, args []uint64) (uint64, error) {
	m.handled = true
	m.Write(ExceptionAddress, 1, 0)
	return 0, nil
}

// flushWriteBarrierBuffer moves the buffered cells into the remembered set,
// then remembers the cell whose store overflowed the buffer.
func flushWriteBarrierBuffer(m *Machine, args []uint64) (uint64, error) {
	top := m.Read(BarrierTopAddress, 4)
	for i := uint64(0); i < top; i++ {
		m.remember(m.Read(BarrierBufferAddress+i*8, 8))
	}
	m.Write(BarrierTopAddress, 4, 0)
	m.remember(args[1])
	m.Write(args[1]+uint64(m.runtime.Layout.GCDataOffset), 1, 1)
	return 0, nil
}

func (m *Machine) remember(cell uint64) {
	set := m.runtime.Remembered
	if !set.Append(cell) {
		set.Flush(func(uint64) {})
		set.Append(cell)
	}
}
