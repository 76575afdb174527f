// Package absint is the block-local abstract interpreter the lowering runs in
// lockstep with code generation. It answers whether an edge still needs a
// runtime check and records what each emitted check proved.
package absint

import (
	"jitlower/mir"
	"jitlower/object"
	"jitlower/types"
)

// State is the abstract state at one program point: a refined type per node
// and, for cells, the set of structures the node may have.
type State struct {
	values     map[*mir.Node]types.SpecType
	structures map[*mir.Node][]int
}

func newState() *State {
	return &State{
		values:     make(map[*mir.Node]types.SpecType),
		structures: make(map[*mir.Node][]int),
	}
}

func (s *State) clone() *State {
	c := newState()
	for n, t := range s.values {
		c.values[n] = t
	}
	for n, set := range s.structures {
		c.structures[n] = set
	}
	return c
}

// merge widens s with other. A node refined on only one side falls back to
// its static prediction.
func (s *State) merge(other *State) {
	for n, t := range s.values {
		if o, ok := other.values[n]; ok {
			s.values[n] = t.Merge(o)
		} else {
			delete(s.values, n)
		}
	}
	for n, set := range s.structures {
		o, ok := other.structures[n]
		if !ok {
			delete(s.structures, n)
			continue
		}
		s.structures[n] = union(set, o)
	}
}

type Interpreter struct {
	graph *mir.Graph
	tails map[*mir.Block]*State
	done  map[*mir.Block]bool

	block *mir.Block
	state *State
	valid bool
}

func New(g *mir.Graph) *Interpreter {
	return &Interpreter{
		graph: g,
		tails: make(map[*mir.Block]*State),
		done:  make(map[*mir.Block]bool),
	}
}

// BeginBlock starts b with the merge of the tail states of its predecessors.
// If some predecessor has not been processed yet (a loop back edge), only
// static predictions are known.
func (in *Interpreter) BeginBlock(b *mir.Block) {
	in.block = b
	in.valid = true
	in.state = nil
	for _, p := range b.Predecessors {
		if !in.done[p] {
			in.state = nil
			break
		}
		tail, ok := in.tails[p]
		if !ok {
			continue
		}
		if in.state == nil {
			in.state = tail.clone()
			continue
		}
		in.state.merge(tail)
	}
	if in.state == nil {
		in.state = newState()
	}
}

// EndBlock records the tail state of the current block for its successors.
// An invalidated block contributes nothing.
func (in *Interpreter) EndBlock() {
	in.done[in.block] = true
	if in.valid {
		in.tails[in.block] = in.state
	}
	in.block = nil
	in.state = nil
}

// Skip records a block that is never lowered; it contributes nothing to its
// successors.
func (in *Interpreter) Skip(b *mir.Block) {
	in.done[b] = true
}

func (in *Interpreter) IsValid() bool { return in.valid }

// Invalidate marks the rest of the block as unreachable.
func (in *Interpreter) Invalidate() { in.valid = false }

// ValueOf is the current type of n.
func (in *Interpreter) ValueOf(n *mir.Node) types.SpecType {
	if t, ok := in.state.values[n]; ok {
		return t
	}
	return staticType(n)
}

func staticType(n *mir.Node) types.SpecType {
	t := n.Prediction
	switch n.Result {
	case mir.ResultInt32:
		t = t.Filter(types.SpecInt32)
		if t == types.SpecNone {
			t = types.SpecInt32
		}
	case mir.ResultInt52:
		t = t.Filter(types.SpecMachineInt)
		if t == types.SpecNone {
			t = types.SpecMachineInt
		}
	case mir.ResultDouble:
		t = t.Filter(types.SpecFullNumber)
		if t == types.SpecNone {
			t = types.SpecFullNumber
		}
	case mir.ResultBoolean:
		t = types.SpecBoolean
	}
	if n.Op == mir.JSConstant {
		return constantType(n.Value)
	}
	return t
}

func constantType(v object.Value) types.SpecType {
	switch {
	case v.IsInt32():
		return types.FromInt64(int64(v.AsInt32()))
	case v.IsDouble():
		return types.SpecDoubleReal
	case v.IsBoolean():
		return types.SpecBoolean
	case v.IsOther():
		return types.SpecOther
	case v == object.ValueEmpty:
		return types.SpecEmpty
	}
	return types.SpecCellOther
}

// NeedsCheck reports whether the edge's use kind is not already implied by
// what is known about its producer.
func (in *Interpreter) NeedsCheck(e mir.Edge) bool {
	switch e.Use {
	case mir.UntypedUse, mir.Int52RepUse, mir.DoubleRepUse, mir.DoubleRepRealUse:
		return false
	}
	if e.Use.IsKnown() {
		return false
	}
	return !in.ValueOf(e.Node).IsSubtypeOf(e.Use.Type())
}

// NeedsCheckAgainst is NeedsCheck for an explicit type.
func (in *Interpreter) NeedsCheckAgainst(n *mir.Node, t types.SpecType) bool {
	return !in.ValueOf(n).IsSubtypeOf(t)
}

// IsClearlyImpossible reports an edge whose check can never pass.
func (in *Interpreter) IsClearlyImpossible(e mir.Edge) bool {
	return in.IsImpossible(e.Node, e.Use.Type())
}

func (in *Interpreter) IsImpossible(n *mir.Node, t types.SpecType) bool {
	return !in.ValueOf(n).Overlaps(t)
}

// Filter records that n is now known to have type t. Filtering to the empty
// set invalidates the block.
func (in *Interpreter) Filter(n *mir.Node, t types.SpecType) {
	result := in.ValueOf(n).Filter(t)
	in.state.values[n] = result
	if result == types.SpecNone {
		in.valid = false
	}
}

// FilterEdge filters the producer of e by its use kind.
func (in *Interpreter) FilterEdge(e mir.Edge) {
	if e.Use == mir.UntypedUse {
		return
	}
	in.Filter(e.Node, e.Use.Type())
}

// Structures returns the structures n may have, or nil when unknown.
func (in *Interpreter) Structures(n *mir.Node) []int {
	return in.state.structures[n]
}

// FilterStructures records that n has one of set.
func (in *Interpreter) FilterStructures(n *mir.Node, set []int) {
	known, ok := in.state.structures[n]
	if !ok {
		in.state.structures[n] = append([]int(nil), set...)
		return
	}
	result := intersect(known, set)
	in.state.structures[n] = result
	if len(result) == 0 {
		in.valid = false
	}
}

// Execute advances the state past n once it has been lowered.
func (in *Interpreter) Execute(n *mir.Node) {
	if !in.valid {
		return
	}
	if n.HasResult() {
		if _, ok := in.state.values[n]; !ok {
			in.state.values[n] = staticType(n)
		}
	}
	switch n.Op {
	case mir.CheckStructure, mir.CheckArray:
		in.Filter(n.Children[0].Node, types.SpecObject)
	case mir.CheckCell:
		in.Filter(n.Children[0].Node, types.SpecCell)
	case mir.NewObject:
		in.state.values[n] = types.SpecFinalObject
		if len(n.Structures) > 0 {
			in.state.structures[n] = []int{n.Structures[0]}
		}
	case mir.ForceOSRExit:
		in.valid = false
	}
	if clobbersWorld(n.Op) {
		for k := range in.state.structures {
			delete(in.state.structures, k)
		}
	}
}

// IsSubsetOf reports whether every structure in a is in b.
func IsSubsetOf(a, b []int) bool {
	for _, x := range a {
		if !contains(b, x) {
			return false
		}
	}
	return true
}

func clobbersWorld(op mir.Opcode) bool {
	switch op {
	case mir.Call, mir.Construct, mir.GetById, mir.PutById, mir.ValueAdd:
		return true
	}
	return false
}

func contains(set []int, x int) bool {
	for _, y := range set {
		if x == y {
			return true
		}
	}
	return false
}

func intersect(a, b []int) []int {
	var result []int
	for _, x := range a {
		if contains(b, x) {
			result = append(result, x)
		}
	}
	return result
}

func union(a, b []int) []int {
	result := append([]int(nil), a...)
	for _, x := range b {
		if !contains(result, x) {
			result = append(result, x)
		}
	}
	return result
}
