package types

import (
	"bytes"
	"fmt"
)

// SpecType is a set of runtime types a value may have. The empty set means
// the value is never produced (the code that would produce it is unreachable).
type SpecType uint64

const SpecNone SpecType = 0

const (
	SpecFinalObject SpecType = 1 << iota
	SpecArray
	SpecFunction
	SpecObjectOther
	SpecString
	SpecSymbol
	SpecCellOther
	SpecBoolInt32 // int32 that happens to be 0 or 1
	SpecNonBoolInt32
	SpecInt52 // integer outside int32 range but inside 52 bits
	SpecDoubleReal
	SpecDoublePureNaN
	SpecDoubleImpureNaN
	SpecBoolean
	SpecOther // null and undefined
	SpecEmpty // the hole / empty value
)

const (
	SpecObject             = SpecFinalObject | SpecArray | SpecFunction | SpecObjectOther
	SpecCell               = SpecObject | SpecString | SpecSymbol | SpecCellOther
	SpecInt32              = SpecBoolInt32 | SpecNonBoolInt32
	SpecMachineInt         = SpecInt32 | SpecInt52
	SpecDoubleNaN          = SpecDoublePureNaN | SpecDoubleImpureNaN
	SpecBytecodeDouble     = SpecDoubleReal | SpecDoublePureNaN
	SpecFullDouble         = SpecDoubleReal | SpecDoubleNaN
	SpecBytecodeRealNumber = SpecInt32 | SpecDoubleReal
	SpecBytecodeNumber     = SpecInt32 | SpecBytecodeDouble
	SpecFullRealNumber     = SpecMachineInt | SpecDoubleReal
	SpecFullNumber         = SpecMachineInt | SpecFullDouble
	SpecNotCell            = SpecFullNumber | SpecBoolean | SpecOther
	SpecHeapTop            = SpecCell | SpecBytecodeNumber | SpecBoolean | SpecOther
	SpecTop                = SpecHeapTop | SpecInt52 | SpecDoubleImpureNaN | SpecEmpty
)

var names = []struct {
	t    SpecType
	name string
}{
	{SpecFinalObject, "Final"},
	{SpecArray, "Array"},
	{SpecFunction, "Function"},
	{SpecObjectOther, "ObjectOther"},
	{SpecString, "String"},
	{SpecSymbol, "Symbol"},
	{SpecCellOther, "CellOther"},
	{SpecBoolInt32, "BoolInt32"},
	{SpecNonBoolInt32, "NonBoolInt32"},
	{SpecInt52, "Int52"},
	{SpecDoubleReal, "DoubleReal"},
	{SpecDoublePureNaN, "DoublePureNaN"},
	{SpecDoubleImpureNaN, "DoubleImpureNaN"},
	{SpecBoolean, "Bool"},
	{SpecOther, "Other"},
	{SpecEmpty, "Empty"},
}

var abbreviations = []struct {
	t    SpecType
	name string
}{
	{SpecTop, "Top"},
	{SpecHeapTop, "HeapTop"},
	{SpecCell, "Cell"},
	{SpecObject, "Object"},
	{SpecFullNumber, "FullNumber"},
	{SpecBytecodeNumber, "BytecodeNumber"},
	{SpecFullDouble, "FullDouble"},
	{SpecMachineInt, "MachineInt"},
	{SpecInt32, "Int32"},
	{SpecDoubleNaN, "DoubleNaN"},
}

// IsSubtypeOf reports whether every type in t is also in other.
func (t SpecType) IsSubtypeOf(other SpecType) bool {
	return t&^other == 0
}

func (t SpecType) Overlaps(other SpecType) bool {
	return t&other != 0
}

func (t SpecType) Merge(other SpecType) SpecType {
	return t | other
}

func (t SpecType) Filter(other SpecType) SpecType {
	return t & other
}

func (t SpecType) IsInt32() bool      { return t != SpecNone && t.IsSubtypeOf(SpecInt32) }
func (t SpecType) IsMachineInt() bool { return t != SpecNone && t.IsSubtypeOf(SpecMachineInt) }
func (t SpecType) IsBoolean() bool    { return t != SpecNone && t.IsSubtypeOf(SpecBoolean) }
func (t SpecType) IsCell() bool       { return t != SpecNone && t.IsSubtypeOf(SpecCell) }
func (t SpecType) IsObject() bool     { return t != SpecNone && t.IsSubtypeOf(SpecObject) }
func (t SpecType) IsString() bool     { return t != SpecNone && t.IsSubtypeOf(SpecString) }
func (t SpecType) IsNotCell() bool    { return t != SpecNone && t.IsSubtypeOf(SpecNotCell) }
func (t SpecType) IsFullNumber() bool { return t != SpecNone && t.IsSubtypeOf(SpecFullNumber) }
func (t SpecType) IsBytecodeNumber() bool {
	return t != SpecNone && t.IsSubtypeOf(SpecBytecodeNumber)
}

// Signature returns a stable human readable rendering such as "Int32|Bool".
func (t SpecType) Signature() string {
	if t == SpecNone {
		return "None"
	}

	var out bytes.Buffer
	rest := t
	for _, a := range abbreviations {
		if rest&a.t == a.t {
			if out.Len() > 0 {
				out.WriteString("|")
			}
			out.WriteString(a.name)
			rest &^= a.t
		}
	}
	for _, n := range names {
		if rest&n.t != 0 {
			if out.Len() > 0 {
				out.WriteString("|")
			}
			out.WriteString(n.name)
			rest &^= n.t
		}
	}
	if rest != 0 {
		fmt.Fprintf(&out, "|0x%x", uint64(rest))
	}
	return out.String()
}

func (t SpecType) String() string {
	return t.Signature()
}

// Parse reads a Signature back. Unknown names are reported as an error.
func Parse(s string) (SpecType, error) {
	if s == "" || s == "None" {
		return SpecNone, nil
	}

	var result SpecType
	start := 0
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != '|' {
			continue
		}
		part := s[start:i]
		start = i + 1
		t, ok := lookup(part)
		if !ok {
			return SpecNone, fmt.Errorf("unknown speculated type %q", part)
		}
		result |= t
	}
	return result, nil
}

func lookup(name string) (SpecType, bool) {
	for _, a := range abbreviations {
		if a.name == name {
			return a.t, true
		}
	}
	for _, n := range names {
		if n.name == name {
			return n.t, true
		}
	}
	return SpecNone, false
}

// FromInt64 is the narrowest type of an integer value.
func FromInt64(v int64) SpecType {
	switch {
	case v == 0 || v == 1:
		return SpecBoolInt32
	case v >= -1<<31 && v < 1<<31:
		return SpecNonBoolInt32
	case v >= -1<<51 && v < 1<<51:
		return SpecInt52
	}
	return SpecDoubleReal
}
