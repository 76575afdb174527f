package tir

import (
	"strings"
	"testing"

	"jitlower/heap"
	"jitlower/object"
)

// diamond builds entry -> (left | right) -> join with a phi in join.
func diamond() (*Function, *Block, *Block, *Block, *Block, *Instr, *Instr) {
	f := NewFunction("diamond", I64)
	x := f.AddParam("x", I64)
	entry := f.NewBlock("entry", nil)
	left := f.NewBlock("left", nil)
	right := f.NewBlock("right", nil)
	join := f.NewBlock("join", nil)

	cond := entry.Append(OpICmp, I1, x, ConstInt(I64, 0))
	br := entry.Append(OpCondBr, Void, cond)
	br.Targets = []*Block{left, right}

	l := left.Append(OpAdd, I64, x, ConstInt(I64, 1))
	left.Append(OpBr, Void).Targets = []*Block{join}
	r := right.Append(OpSub, I64, x, ConstInt(I64, 1))
	right.Append(OpBr, Void).Targets = []*Block{join}

	phi := join.Append(OpPhi, I64)
	phi.AddIncoming(l, left)
	phi.AddIncoming(r, right)
	join.Append(OpRet, Void, phi)
	return f, entry, left, right, join, l, r
}

func TestVerifyAcceptsWellFormed(t *testing.T) {
	f, _, _, _, _, _, _ := diamond()
	if err := Verify(f); err != nil {
		t.Fatalf("expected a valid function, got %s", err)
	}
}

func TestVerifyRejects(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(f *Function, entry, left, right, join *Block, l, r *Instr)
		expected string
	}{
		{
			"use not dominated",
			func(f *Function, entry, left, right, join *Block, l, r *Instr) {
				join.instrs[1].args[0] = l
			},
			"before its definition dominates it",
		},
		{
			"phi missing an input",
			func(f *Function, entry, left, right, join *Block, l, r *Instr) {
				join.instrs[0].Incoming = join.instrs[0].Incoming[:1]
			},
			"has no input from right",
		},
		{
			"phi input from a non-predecessor",
			func(f *Function, entry, left, right, join *Block, l, r *Instr) {
				join.instrs[0].AddIncoming(l, entry)
			},
			"not a predecessor",
		},
		{
			"unterminated block",
			func(f *Function, entry, left, right, join *Block, l, r *Instr) {
				left.instrs = left.instrs[:1]
			},
			"is not terminated",
		},
		{
			"untagged load",
			func(f *Function, entry, left, right, join *Block, l, r *Instr) {
				load := &Instr{op: OpLoad, typ: I64, args: []Value{Null()}, block: right}
				right.instrs = append([]*Instr{load}, right.instrs...)
			},
			"untagged load",
		},
	}

	for _, tt := range tests {
		f, entry, left, right, join, l, r := diamond()
		tt.mutate(f, entry, left, right, join, l, r)
		err := Verify(f)
		if err == nil || !strings.Contains(err.Error(), tt.expected) {
			t.Fatalf("%s: expected an error containing %q, got %v", tt.name, tt.expected, err)
		}
	}
}

func TestVerifyLoopAndTaggedAccess(t *testing.T) {
	heaps := heap.New(object.DefaultLayout(), heap.Options{})
	f := NewFunction("loop", I64)
	p := f.AddParam("p", Ptr)
	entry := f.NewBlock("entry", nil)
	header := f.NewBlock("header", nil)
	body := f.NewBlock("body", nil)
	done := f.NewBlock("done", nil)

	entry.Append(OpBr, Void).Targets = []*Block{header}
	i := header.Append(OpPhi, I64)
	cond := header.Append(OpICmp, I1, i, ConstInt(I64, 10))
	header.Append(OpCondBr, Void, cond).Targets = []*Block{body, done}
	load := body.Append(OpLoad, I64, p)
	load.Heap = heaps.JSObjectButterfly
	next := body.Append(OpAdd, I64, i, load)
	body.Append(OpBr, Void).Targets = []*Block{header}
	i.AddIncoming(ConstInt(I64, 0), entry)
	i.AddIncoming(next, body)
	done.Append(OpRet, Void, i)

	// unreachable blocks are not checked
	dead := f.NewBlock("dead", nil)
	dead.Append(OpRet, Void, next)

	if err := Verify(f); err != nil {
		t.Fatalf("expected a valid loop, got %s", err)
	}
}
