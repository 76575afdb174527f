package tir

import (
	"strings"
	"testing"

	"jitlower/heap"
	"jitlower/object"
)

func TestModuleString(t *testing.T) {
	m := NewModule("test")
	f := NewFunction("add", I64)
	a := f.AddParam("a", I64)
	b := f.AddParam("b", I64)
	entry := f.NewBlock("entry", nil)
	sum := entry.Append(OpAdd, I64, a, b)
	entry.Append(OpRet, Void, sum)
	m.AddFunction(f)

	expected := `; ModuleID = 'test'

define i64 @add(i64 %a, i64 %b) {
entry.0:
  %0 = add i64 %a, %b
  ret i64 %0
}

!0 = !{!"branch_weights", i32 2000, i32 1}
!1 = !{!"branch_weights", i32 1, i32 2000}
`

	if m.String() != expected {
		t.Fatalf("expected:\n%s\ngot:\n%s", expected, m.String())
	}
}

func TestBranchesAndPhi(t *testing.T) {
	f := NewFunction("pick", I64)
	x := f.AddParam("x", I64)
	entry := f.NewBlock("entry", nil)
	then := f.NewBlock("then", nil)
	join := f.NewBlock("join", nil)
	els := f.NewBlock("else", join)

	cmp := entry.Append(OpICmp, I1, x, ConstInt(I64, 0))
	cmp.Pred = PredSLT
	br := entry.Append(OpCondBr, Void, cmp)
	br.Targets = []*Block{then, els}
	br.Weight = WeightUnlikely

	neg := then.Append(OpSub, I64, ConstInt(I64, 0), x)
	then.Append(OpBr, Void).Targets = []*Block{join}
	els.Append(OpBr, Void).Targets = []*Block{join}

	phi := join.Append(OpPhi, I64)
	phi.AddIncoming(neg, then)
	phi.AddIncoming(x, els)
	join.Append(OpRet, Void, phi)

	expected := `define i64 @pick(i64 %x) {
entry.0:
  %0 = icmp slt i64 %x, 0
  br i1 %0, label %then.1, label %else.3, !prof !unlikely
then.1:
  %1 = sub i64 0, %x
  br label %join.2
else.3:
  br label %join.2
join.2:
  %2 = phi i64 [ %1, %then.1 ], [ %x, %else.3 ]
  ret i64 %2
}
`

	if f.String() != expected {
		t.Fatalf("expected:\n%s\ngot:\n%s", expected, f.String())
	}
	if len(entry.Successors()) != 2 || entry.Successors()[1] != els {
		t.Fatalf("expected entry to branch to then and else, got %v", entry.Successors())
	}
}

func TestMemoryTaggingAndSwitch(t *testing.T) {
	repo := heap.New(object.DefaultLayout(), heap.Options{})
	m := NewModule("shapes")
	m.TargetFeatures = []string{"+sse4.2"}

	var names []string
	var parents []int
	for _, r := range repo.Regions() {
		names = append(names, r.Name())
		if r.Parent() == nil {
			parents = append(parents, -1)
		} else {
			parents = append(parents, r.Parent().ID())
		}
	}
	m.SetRegions(names, parents)

	f := NewFunction("shape", I64)
	cell := f.AddParam("cell", I64)
	entry := f.NewBlock("entry", nil)
	bad := f.NewBlock("bad", nil)
	first := f.NewBlock("first", nil)
	second := f.NewBlock("second", nil)

	ptr := entry.Append(OpIntToPtr, Ptr, cell)
	id := entry.Append(OpLoad, I32, ptr)
	id.Heap = repo.JSCellStructureID
	sw := entry.Append(OpSwitch, Void, id)
	sw.Targets = []*Block{bad, first, second}
	sw.Cases = []int64{7, 9}

	bad.Append(OpUnreachable, Void)
	first.Append(OpRet, Void, ConstInt(I64, 1))
	top := second.Append(OpIntToPtr, Ptr, ConstInt(I64, 4096))
	store := second.Append(OpStore, Void, ConstInt(I8, 1), top)
	store.Heap = repo.Absolute
	store.Address = 4096
	second.Append(OpRet, Void, ConstInt(I64, 2))
	m.AddFunction(f)

	out := m.String()
	tests := []string{
		"define i64 @shape(i64 %cell) #0 {",
		"%0 = inttoptr i64 %cell to ptr",
		"%1 = load i32, ptr %0, !tbaa !3",
		"switch i32 %1, label %bad.1 [ i32 7, label %first.2 i32 9, label %second.3 ]",
		"store i8 1, ptr %2, !tbaa !1 ; @0x1000",
		`attributes #0 = { "target-features"="+sse4.2" }`,
		`!0 = !{!"root"}`,
		`!3 = !{!"JSCell_structureID", !2}`,
	}
	for _, expected := range tests {
		if !strings.Contains(out, expected) {
			t.Fatalf("expected output to contain %q, got:\n%s", expected, out)
		}
	}
	if !heap.MayAlias(store.Access(), store.Access()) {
		t.Fatalf("expected an access to alias itself")
	}
}

func TestConstRefs(t *testing.T) {
	tests := []struct {
		c        *Const
		expected string
	}{
		{ConstInt(I1, 1), "true"},
		{ConstInt(I1, 0), "false"},
		{ConstInt(I32, -1), "-1"},
		{ConstInt(I8, 300), "44"},
		{ConstInt(I64, -9223372036854775808), "-9223372036854775808"},
		{ConstDouble(2), "2.000000e+00"},
		{ConstDouble(1.5), "0x3FF8000000000000"},
		{Null(), "null"},
		{Undef(I64), "undef"},
	}

	for _, tt := range tests {
		if tt.c.Ref() != tt.expected {
			t.Fatalf("expected %s, got %s", tt.expected, tt.c.Ref())
		}
	}

	if c := ConstInt(I32, -1); c.Bits() != 0xffffffff || c.Int() != -1 {
		t.Fatalf("expected truncated bits and sign-extended value, got %#x and %d", c.Bits(), c.Int())
	}
	if _, ok := IsConst(Undef(I32)); ok {
		t.Fatalf("undef must not count as a constant")
	}
}

func TestDeclarations(t *testing.T) {
	m := NewModule("decls")
	first := m.Declare(&Decl{Name: "operationFlush", Kind: DeclRuntime, Ret: Void, Params: []Type{Ptr}, Address: 0x40})
	again := m.Declare(&Decl{Name: "operationFlush", Kind: DeclRuntime, Ret: I64})
	if first != again {
		t.Fatalf("expected declarations to be deduplicated by name")
	}
	m.Declare(&Decl{Name: "llvm.trap", Kind: DeclIntrinsic, Ret: Void, NoReturn: true})

	out := m.String()
	for _, expected := range []string{
		"declare void @operationFlush(ptr) ; 0x40",
		"declare void @llvm.trap() noreturn",
	} {
		if !strings.Contains(out, expected) {
			t.Fatalf("expected output to contain %q, got:\n%s", expected, out)
		}
	}
}

func TestAppendToTerminatedBlockPanics(t *testing.T) {
	f := NewFunction("f", Void)
	b := f.NewBlock("entry", nil)
	b.Append(OpRet, Void)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic when appending to a terminated block")
		}
	}()
	b.Append(OpAdd, I64, ConstInt(I64, 1), ConstInt(I64, 2))
}
