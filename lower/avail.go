package lower

import (
	"jitlower/mir"
)

// slot is what is known about one interpreter slot: the node whose value it
// logically holds, and whether that value has also been stored to the
// stack in format.
type slot struct {
	node    *mir.Node
	flushed bool
	format  mir.FlushFormat
}

func (s slot) isDead() bool { return s.node == nil && !s.flushed }

func mergeSlots(a, b slot) slot {
	if a == b {
		return a
	}
	var m slot
	if a.node == b.node {
		m.node = a.node
	}
	if a.flushed && b.flushed && a.format == b.format {
		m.flushed = true
		m.format = a.format
	}
	return m
}

// availability tracks, per operand, how its current value can be rebuilt at
// an exit. Block heads are the merge of their predecessors' tails.
type availability struct {
	graph   *mir.Graph
	heads   map[*mir.Block][]slot
	current []slot
}

func entryState(g *mir.Graph) []slot {
	state := make([]slot, g.NumArguments+g.NumLocals)
	for i := 0; i < g.NumArguments; i++ {
		state[i] = slot{flushed: true, format: mir.FlushedJSValue}
	}
	return state
}

// computeAvailability runs the forward analysis to a fixpoint over the
// blocks the type analysis reached.
func computeAvailability(g *mir.Graph, order []*mir.Block) *availability {
	a := &availability{graph: g, heads: make(map[*mir.Block][]slot)}
	tails := make(map[*mir.Block][]slot)
	entry := order[0]

	for changed := true; changed; {
		changed = false
		for _, b := range order {
			if !b.Visited {
				continue
			}
			var head []slot
			if b == entry {
				head = entryState(g)
			}
			for _, p := range b.Predecessors {
				tail, ok := tails[p]
				if !ok {
					continue
				}
				if head == nil {
					head = append([]slot(nil), tail...)
					continue
				}
				for i := range head {
					head[i] = mergeSlots(head[i], tail[i])
				}
			}
			if head == nil {
				continue
			}
			a.heads[b] = head

			a.current = append([]slot(nil), head...)
			for _, n := range b.Nodes {
				a.execute(n)
			}
			if old, ok := tails[b]; !ok || !equalSlots(old, a.current) {
				tails[b] = a.current
				changed = true
			}
		}
	}
	a.current = nil
	return a
}

func equalSlots(a, b []slot) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (a *availability) begin(b *mir.Block) {
	head, ok := a.heads[b]
	if !ok {
		// only reachable through blocks that are never lowered
		head = make([]slot, a.graph.NumArguments+a.graph.NumLocals)
	}
	a.current = append(a.current[:0], head...)
}

func (a *availability) execute(n *mir.Node) {
	switch n.Op {
	case mir.SetLocal:
		a.current[a.graph.OperandIndex(n.Operand)] = slot{node: n.Child(0).Node, flushed: true, format: n.Format}
	case mir.MovHint:
		a.current[a.graph.OperandIndex(n.Operand)] = slot{node: n.Child(0).Node}
	case mir.ZombieHint, mir.KillStack:
		a.current[a.graph.OperandIndex(n.Operand)] = slot{}
	}
}

// at is the state of operand i at the current point.
func (a *availability) at(i int) slot {
	return a.current[i]
}
