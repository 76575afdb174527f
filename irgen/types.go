package irgen

import (
	"fmt"

	"jitlower/heap"
	"jitlower/tir"
)

// TypedPointer is an address paired with the region every access through it
// is tagged with.
type TypedPointer struct {
	Heap    *heap.Region
	Value   tir.Value
	Address uint64 // only for pointers into the absolute region
}

func (p TypedPointer) String() string {
	if p.Heap == nil {
		return fmt.Sprintf("untagged(%s)", p.Value.Ref())
	}
	return fmt.Sprintf("%s(%s)", p.Heap.Name(), p.Value.Ref())
}

// Intrinsic names one of the fixed backend intrinsics.
type Intrinsic int

const (
	AddWithOverflow32 Intrinsic = iota
	SubWithOverflow32
	MulWithOverflow32
	AddWithOverflow64
	SubWithOverflow64
	MulWithOverflow64
	Trap
	Patchpoint
	Stackmap
	FAbs
)

type intrinsicDefinition struct {
	Name     string
	Ret      tir.Type
	Params   []tir.Type
	Variadic bool
	NoReturn bool
}

var intrinsics = map[Intrinsic]*intrinsicDefinition{
	AddWithOverflow32: {"llvm.sadd.with.overflow.i32", tir.PairI32, []tir.Type{tir.I32, tir.I32}, false, false},
	SubWithOverflow32: {"llvm.ssub.with.overflow.i32", tir.PairI32, []tir.Type{tir.I32, tir.I32}, false, false},
	MulWithOverflow32: {"llvm.smul.with.overflow.i32", tir.PairI32, []tir.Type{tir.I32, tir.I32}, false, false},
	AddWithOverflow64: {"llvm.sadd.with.overflow.i64", tir.PairI64, []tir.Type{tir.I64, tir.I64}, false, false},
	SubWithOverflow64: {"llvm.ssub.with.overflow.i64", tir.PairI64, []tir.Type{tir.I64, tir.I64}, false, false},
	MulWithOverflow64: {"llvm.smul.with.overflow.i64", tir.PairI64, []tir.Type{tir.I64, tir.I64}, false, false},
	Trap:              {"llvm.trap", tir.Void, nil, false, true},
	Patchpoint:        {"llvm.experimental.patchpoint.void", tir.Void, []tir.Type{tir.I64, tir.I32, tir.Ptr, tir.I32}, true, false},
	Stackmap:          {"llvm.experimental.stackmap", tir.Void, []tir.Type{tir.I64, tir.I32}, true, false},
	FAbs:              {"llvm.fabs.f64", tir.Double, []tir.Type{tir.Double}, false, false},
}

// IntrinsicByName maps a declared intrinsic back to its kind.
func IntrinsicByName(name string) (Intrinsic, bool) {
	for kind, def := range intrinsics {
		if def.Name == name {
			return kind, true
		}
	}
	return 0, false
}

// SwitchCase is one non-default arm of a switch.
type SwitchCase struct {
	Value  int64
	Target *tir.Block
}
