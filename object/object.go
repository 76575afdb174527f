package object

import (
	"fmt"
	"math"
)

// Value is a tagged dynamic value in its 64-bit boxed encoding.
//
// Integers are stored as TagTypeNumber | uint32(v). Doubles are stored with
// DoubleEncodeOffset added to their bit pattern so they never collide with
// pointers or integers. Cells are raw pointers (no tag bits). The remaining
// immediates use the TagBitTypeOther family.
type Value uint64

const (
	DoubleEncodeOffset = 1 << 48
	TagTypeNumber      = 0xffff000000000000
	TagBitTypeOther    = 0x2
	TagBitBool         = 0x4
	TagBitUndefined    = 0x8
	TagMask            = TagTypeNumber | TagBitTypeOther

	ValueEmpty     Value = 0x0
	ValueNull      Value = TagBitTypeOther
	ValueFalse     Value = TagBitTypeOther | TagBitBool
	ValueTrue      Value = ValueFalse | 1
	ValueUndefined Value = TagBitTypeOther | TagBitUndefined
	ValueDeleted   Value = 0x4
)

func Int32(v int32) Value {
	return Value(TagTypeNumber | uint64(uint32(v)))
}

func Double(v float64) Value {
	if math.IsNaN(v) {
		v = math.NaN()
	}
	return Value(math.Float64bits(v) + DoubleEncodeOffset)
}

func Boolean(b bool) Value {
	if b {
		return ValueTrue
	}
	return ValueFalse
}

func Cell(address uint64) Value {
	return Value(address)
}

// Number boxes an integer, using the int32 encoding when it fits.
func Number(v int64) Value {
	if v == int64(int32(v)) {
		return Int32(int32(v))
	}
	return Double(float64(v))
}

func (v Value) IsInt32() bool {
	return uint64(v)&TagTypeNumber == TagTypeNumber
}

func (v Value) IsNumber() bool {
	return uint64(v)&TagTypeNumber != 0
}

func (v Value) IsDouble() bool {
	return v.IsNumber() && !v.IsInt32()
}

func (v Value) IsCell() bool {
	return v != ValueEmpty && uint64(v)&TagMask == 0
}

func (v Value) IsBoolean() bool {
	return uint64(v)&^1 == uint64(ValueFalse)
}

func (v Value) IsOther() bool {
	return uint64(v)&^TagBitUndefined == uint64(ValueNull)
}

func (v Value) AsInt32() int32 {
	return int32(uint32(v))
}

func (v Value) AsDouble() float64 {
	return math.Float64frombits(uint64(v) - DoubleEncodeOffset)
}

func (v Value) AsBoolean() bool {
	return v == ValueTrue
}

// AsNumber returns the numeric value of an int32 or double.
func (v Value) AsNumber() float64 {
	if v.IsInt32() {
		return float64(v.AsInt32())
	}
	return v.AsDouble()
}

func (v Value) Inspect() string {
	switch {
	case v == ValueEmpty:
		return "<empty>"
	case v.IsInt32():
		return fmt.Sprintf("%d", v.AsInt32())
	case v.IsDouble():
		return fmt.Sprintf("%g", v.AsDouble())
	case v == ValueTrue:
		return "true"
	case v == ValueFalse:
		return "false"
	case v == ValueNull:
		return "null"
	case v == ValueUndefined:
		return "undefined"
	case v.IsCell():
		return fmt.Sprintf("cell@%#x", uint64(v))
	}
	return fmt.Sprintf("<%#x>", uint64(v))
}

func (v Value) String() string {
	return v.Inspect()
}
