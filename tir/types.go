// Package tir is the target-level SSA IR produced by the lowering and handed
// to the optimizing code generator. It prints as LLVM-style text.
package tir

import (
	"fmt"
	"math"
	"strconv"
)

type Type int

const (
	Void Type = iota
	I1
	I8
	I16
	I32
	I64
	Double
	Ptr
	PairI32 // { i32, i1 } returned by checked 32-bit arithmetic
	PairI64 // { i64, i1 } returned by checked 64-bit arithmetic
)

var typeNames = map[Type]string{
	Void:    "void",
	I1:      "i1",
	I8:      "i8",
	I16:     "i16",
	I32:     "i32",
	I64:     "i64",
	Double:  "double",
	Ptr:     "ptr",
	PairI32: "{ i32, i1 }",
	PairI64: "{ i64, i1 }",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type_%d", int(t))
}

// Bits is the width of an integer type, 0 for anything else.
func (t Type) Bits() int {
	switch t {
	case I1:
		return 1
	case I8:
		return 8
	case I16:
		return 16
	case I32:
		return 32
	case I64:
		return 64
	}
	return 0
}

func (t Type) IsInt() bool { return t.Bits() > 0 }

// Element is the first member of a checked-arithmetic pair.
func (t Type) Element() Type {
	switch t {
	case PairI32:
		return I32
	case PairI64:
		return I64
	}
	return Void
}

// Value is anything an instruction can use as an operand.
type Value interface {
	Type() Type
	Ref() string
}

// Const is an integer, double, null or undef constant.
type Const struct {
	typ   Type
	bits  uint64
	undef bool
}

func ConstInt(t Type, v int64) *Const {
	return &Const{typ: t, bits: truncate(t, uint64(v))}
}

func ConstDouble(v float64) *Const {
	return &Const{typ: Double, bits: math.Float64bits(v)}
}

func Null() *Const {
	return &Const{typ: Ptr}
}

func Undef(t Type) *Const {
	return &Const{typ: t, undef: true}
}

func (c *Const) Type() Type    { return c.typ }
func (c *Const) IsUndef() bool { return c.undef }

// Bits is the raw bit pattern, zero-extended to 64 bits.
func (c *Const) Bits() uint64 { return c.bits }

// Int is the value sign-extended from the constant's width.
func (c *Const) Int() int64 {
	return SignExtend(c.typ, c.bits)
}

func (c *Const) Float() float64 {
	return math.Float64frombits(c.bits)
}

func (c *Const) Ref() string {
	switch {
	case c.undef:
		return "undef"
	case c.typ == Ptr:
		if c.bits == 0 {
			return "null"
		}
		return fmt.Sprintf("inttoptr (i64 %d to ptr)", c.bits)
	case c.typ == I1:
		if c.bits != 0 {
			return "true"
		}
		return "false"
	case c.typ == Double:
		return formatDouble(c.Float())
	}
	return strconv.FormatInt(c.Int(), 10)
}

func formatDouble(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) >= 1e15 {
		return fmt.Sprintf("0x%016X", math.Float64bits(f))
	}
	if f == 0 && math.Signbit(f) {
		return "-0.000000e+00"
	}
	return strconv.FormatFloat(f, 'e', 6, 64)
}

// Param is a function parameter.
type Param struct {
	typ   Type
	name  string
	index int
}

func (p *Param) Type() Type   { return p.typ }
func (p *Param) Ref() string  { return "%" + p.name }
func (p *Param) Name() string { return p.name }
func (p *Param) Index() int   { return p.index }

// IsConst reports whether v is a non-undef constant and returns it.
func IsConst(v Value) (*Const, bool) {
	c, ok := v.(*Const)
	if !ok || c.undef {
		return nil, false
	}
	return c, true
}

func truncate(t Type, v uint64) uint64 {
	bits := t.Bits()
	if bits == 0 || bits == 64 {
		return v
	}
	return v & (1<<uint(bits) - 1)
}

// SignExtend interprets the low bits of v according to t.
func SignExtend(t Type, v uint64) int64 {
	bits := t.Bits()
	if bits == 0 || bits == 64 {
		return int64(v)
	}
	if bits == 1 {
		return int64(v & 1)
	}
	shift := uint(64 - bits)
	return int64(v<<shift) >> shift
}

// Truncate keeps the low bits of v that fit in t.
func Truncate(t Type, v uint64) uint64 {
	return truncate(t, v)
}
