package absint

import (
	"testing"

	"jitlower/mir"
	"jitlower/object"
	"jitlower/types"
)

func buildGraph() (*mir.Graph, *mir.Node, *mir.Node) {
	g := mir.NewGraph("test", 1, 0)
	entry := g.NewBlock()
	next := g.NewBlock()

	arg := g.Append(entry, mir.GetLocal)
	arg.Operand = mir.Argument(0)
	arg.Prediction = types.SpecInt32 | types.SpecString

	c := g.Append(entry, mir.JSConstant)
	c.Value = object.Int32(5)
	c.Prediction = types.SpecNonBoolInt32

	j := g.Append(entry, mir.Jump)
	j.Taken = next
	g.Append(next, mir.Return, mir.Edge{Node: arg})
	g.Finalize()
	return g, arg, c
}

func TestNeedsCheck(t *testing.T) {
	g, arg, c := buildGraph()
	in := New(g)
	in.BeginBlock(g.Blocks[0])

	tests := []struct {
		edge     mir.Edge
		expected bool
	}{
		{mir.Edge{Node: arg, Use: mir.Int32Use}, true},
		{mir.Edge{Node: arg, Use: mir.UntypedUse}, false},
		{mir.Edge{Node: arg, Use: mir.KnownInt32Use}, false},
		{mir.Edge{Node: c, Use: mir.Int32Use}, false},
		{mir.Edge{Node: c, Use: mir.NumberUse}, false},
		{mir.Edge{Node: c, Use: mir.CellUse}, true},
	}

	for _, tt := range tests {
		if in.NeedsCheck(tt.edge) != tt.expected {
			t.Fatalf("NeedsCheck(%s): expected %t", tt.edge, tt.expected)
		}
	}

	if !in.IsClearlyImpossible(mir.Edge{Node: c, Use: mir.CellUse}) {
		t.Fatalf("expected an int32 constant to never be a cell")
	}
	if in.IsClearlyImpossible(mir.Edge{Node: arg, Use: mir.StringUse}) {
		t.Fatalf("expected a string check on int32|string to be possible")
	}
}

func TestFilterAcrossBlocks(t *testing.T) {
	g, arg, _ := buildGraph()
	in := New(g)

	in.BeginBlock(g.Blocks[0])
	in.FilterEdge(mir.Edge{Node: arg, Use: mir.Int32Use})
	if in.NeedsCheck(mir.Edge{Node: arg, Use: mir.Int32Use}) {
		t.Fatalf("expected the int32 check to be proven after filtering")
	}
	in.EndBlock()

	in.BeginBlock(g.Blocks[1])
	if in.NeedsCheck(mir.Edge{Node: arg, Use: mir.Int32Use}) {
		t.Fatalf("expected the proof to flow into the only successor")
	}
	in.Filter(arg, types.SpecString)
	if in.IsValid() {
		t.Fatalf("expected an empty type to invalidate the block")
	}
}

func TestStructures(t *testing.T) {
	g, arg, _ := buildGraph()
	in := New(g)
	in.BeginBlock(g.Blocks[0])

	if in.Structures(arg) != nil {
		t.Fatalf("expected no structure knowledge at the start")
	}
	in.FilterStructures(arg, []int{1, 2})
	in.FilterStructures(arg, []int{2, 3})
	if s := in.Structures(arg); len(s) != 1 || s[0] != 2 {
		t.Fatalf("expected [2], got %v", s)
	}
	if !IsSubsetOf(in.Structures(arg), []int{2, 5}) {
		t.Fatalf("expected [2] to be a subset of [2 5]")
	}

	call := g.Append(g.Blocks[0], mir.Call)
	in.Execute(call)
	if in.Structures(arg) != nil {
		t.Fatalf("expected a call to clobber structure knowledge")
	}
}

func TestLoopHeaderUsesStaticTypes(t *testing.T) {
	g := mir.NewGraph("loop", 1, 0)
	entry := g.NewBlock()
	header := g.NewBlock()
	exit := g.NewBlock()

	arg := g.Append(entry, mir.GetLocal)
	arg.Operand = mir.Argument(0)
	arg.Prediction = types.SpecInt32 | types.SpecString
	g.Append(entry, mir.Jump).Taken = header
	cond := g.Append(header, mir.JSConstant)
	cond.Value = object.ValueTrue
	br := g.Append(header, mir.Branch, mir.Edge{Node: cond, Use: mir.BooleanUse})
	br.Taken = header
	br.NotTaken = exit
	g.Append(exit, mir.Return, mir.Edge{Node: arg})
	g.Finalize()

	in := New(g)
	in.BeginBlock(entry)
	in.Filter(arg, types.SpecInt32)
	in.EndBlock()

	in.BeginBlock(header)
	if !in.NeedsCheck(mir.Edge{Node: arg, Use: mir.Int32Use}) {
		t.Fatalf("expected a loop header with an unprocessed back edge to forget refinements")
	}
}
