package lower

import (
	"testing"

	"jitlower/exit"
	"jitlower/mir"
	"jitlower/object"
	"jitlower/tir"
	"jitlower/vm"
)

func TestCacheRespectsDominance(t *testing.T) {
	g := mir.NewGraph("diamond", 0, 0)
	b := []*mir.Block{g.NewBlock(), g.NewBlock(), g.NewBlock(), g.NewBlock()}
	c := g.Append(b[0], mir.JSConstant)
	c.Value = object.ValueTrue
	br := g.Append(b[0], mir.Branch, mir.Edge{Node: c, Use: mir.KnownBooleanUse})
	br.Taken, br.NotTaken = b[1], b[2]
	for _, side := range b[1:3] {
		j := g.Append(side, mir.Jump)
		j.Taken = b[3]
	}
	g.Append(b[3], mir.Return, mir.Edge{Node: c})
	g.Finalize()

	cache := newValueCache(g.Dominators())
	v := tir.ConstInt(tir.I32, 7)
	cache.set(c, reprInt32, v, b[1])

	tests := []struct {
		from     *mir.Block
		expected bool
	}{
		{b[1], true},
		{b[0], false},
		{b[2], false},
		{b[3], false},
	}
	for _, tt := range tests {
		got, ok := cache.get(c, reprInt32, tt.from)
		if ok != tt.expected {
			t.Fatalf("get from %s: expected %t, got %t", tt.from, tt.expected, ok)
		}
		if ok && got != v {
			t.Fatalf("get from %s: expected the cached value", tt.from)
		}
	}

	cache.set(c, reprInt32, v, b[0])
	if _, ok := cache.get(c, reprInt32, b[3]); !ok {
		t.Fatalf("expected an entry from the entry block to reach the merge")
	}
	if _, ok := cache.get(c, reprDouble, b[3]); ok {
		t.Fatalf("expected no double entry")
	}
}

func TestUnboxingIsRedoneAfterMerge(t *testing.T) {
	g := loadFixture(t, "remat")
	rt := newTestRuntime()
	res := lowerGraph(t, g, rt)

	checks := make(map[int]int)
	for _, d := range res.Exits {
		if d.Kind == exit.BadType {
			checks[d.Origin.Semantic]++
		}
	}
	if len(checks) != 2 || checks[2] != 1 || checks[4] != 1 {
		t.Fatalf("expected BadType checks at bc#2 and bc#4, got %v", checks)
	}

	tests := []struct {
		a, c     object.Value
		expected object.Value
	}{
		{object.Int32(5), object.ValueTrue, object.Int32(6)},
		{object.Int32(5), object.ValueFalse, object.Int32(6)},
		{object.Int32(-1), object.ValueFalse, object.Int32(0)},
	}
	for _, tt := range tests {
		out, _ := run(t, res, g, vm.NewMachine(rt), tt.a, tt.c)
		if out.Exit != nil || object.Value(out.Value) != tt.expected {
			t.Fatalf("a=%s c=%s: expected %s, got %+v", tt.a, tt.c, tt.expected, out)
		}
	}

	out, _ := run(t, res, g, vm.NewMachine(rt), object.ValueTrue, object.ValueFalse)
	if out.Exit == nil {
		t.Fatalf("expected an exit for a boolean a")
	}
	if d, _ := res.Exit(out.Exit.ID); d.Kind != exit.BadType || d.Origin.Semantic != 4 {
		t.Fatalf("expected the merge block's BadType check, got %s", d)
	}
}
