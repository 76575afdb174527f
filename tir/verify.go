package tir

import (
	"fmt"
)

// Verify checks the structural rules the code generator relies on: every
// block ends in exactly one terminator, phis come first and have one input
// per predecessor, every use is dominated by its definition and every
// memory access carries a region.
func Verify(f *Function) error {
	if len(f.Blocks) == 0 {
		return fmt.Errorf("%s: no blocks", f.Name)
	}

	index := make(map[*Block]int, len(f.Blocks))
	for i, b := range f.Blocks {
		index[b] = i
	}
	preds := make([][]*Block, len(f.Blocks))
	for _, b := range f.Blocks {
		t := b.Terminator()
		if t == nil {
			return fmt.Errorf("%s: block %s is not terminated", f.Name, b.Label())
		}
		for _, s := range t.Targets {
			i, ok := index[s]
			if !ok {
				return fmt.Errorf("%s: %s branches to a block outside the function", f.Name, b.Label())
			}
			if !containsBlock(preds[i], b) {
				preds[i] = append(preds[i], b)
			}
		}
	}

	idom := immediateDominators(f, index, preds)
	dominates := func(a, b *Block) bool {
		for i := index[b]; i >= 0; i = idom[i] {
			if i == index[a] {
				return true
			}
			if idom[i] == i {
				break
			}
		}
		return false
	}
	reachable := func(b *Block) bool { return idom[index[b]] >= 0 }

	position := make(map[*Instr]int)
	for _, b := range f.Blocks {
		for i, in := range b.instrs {
			position[in] = i
		}
	}

	// defined reports whether v is available just before position pos of b.
	defined := func(v Value, b *Block, pos int) bool {
		in, ok := v.(*Instr)
		if !ok {
			return true
		}
		if in.block == b {
			return position[in] < pos
		}
		return dominates(in.block, b)
	}

	for _, b := range f.Blocks {
		if !reachable(b) {
			continue
		}
		phis := true
		for i, in := range b.instrs {
			if in.op.IsTerminator() && i != len(b.instrs)-1 {
				return fmt.Errorf("%s: terminator in the middle of %s", f.Name, b.Label())
			}
			if in.op == OpPhi {
				if !phis {
					return fmt.Errorf("%s: phi %s after a non-phi in %s", f.Name, in.Ref(), b.Label())
				}
				if err := verifyPhi(in, preds[index[b]], reachable, func(v Value, from *Block) bool {
					return defined(v, from, len(from.instrs))
				}); err != nil {
					return fmt.Errorf("%s: %w", f.Name, err)
				}
				continue
			}
			phis = false
			for _, a := range in.args {
				if !defined(a, b, i) {
					return fmt.Errorf("%s: %s in %s uses %s before its definition dominates it", f.Name, in.op, b.Label(), a.Ref())
				}
			}
			if in.IsMemoryAccess() && in.Heap == nil {
				return fmt.Errorf("%s: untagged %s in %s", f.Name, in.op, b.Label())
			}
		}
	}
	return nil
}

func verifyPhi(phi *Instr, preds []*Block, reachable func(*Block) bool, defined func(Value, *Block) bool) error {
	for _, p := range preds {
		if !reachable(p) {
			continue
		}
		found := false
		for _, in := range phi.Incoming {
			if in.Block != p {
				continue
			}
			found = true
			if !defined(in.Value, p) {
				return fmt.Errorf("phi %s: input %s is not available at the end of %s", phi.Ref(), in.Value.Ref(), p.Label())
			}
		}
		if !found {
			return fmt.Errorf("phi %s has no input from %s", phi.Ref(), p.Label())
		}
	}
	for _, in := range phi.Incoming {
		if !containsBlock(preds, in.Block) {
			return fmt.Errorf("phi %s has an input from %s, which is not a predecessor", phi.Ref(), in.Block.Label())
		}
	}
	return nil
}

// immediateDominators returns, per block index, the index of its immediate
// dominator. The entry is its own dominator and unreachable blocks get -1.
func immediateDominators(f *Function, index map[*Block]int, preds [][]*Block) []int {
	n := len(f.Blocks)
	order := make([]int, 0, n) // postorder
	seen := make([]bool, n)
	var walk func(i int)
	walk = func(i int) {
		seen[i] = true
		for _, s := range f.Blocks[i].Successors() {
			if j := index[s]; !seen[j] {
				walk(j)
			}
		}
		order = append(order, i)
	}
	walk(0)

	rank := make([]int, n)
	for i := range rank {
		rank[i] = -1
	}
	for r, i := range order {
		rank[i] = r
	}

	idom := make([]int, n)
	for i := range idom {
		idom[i] = -1
	}
	idom[0] = 0
	intersect := func(a, b int) int {
		for a != b {
			for rank[a] < rank[b] {
				a = idom[a]
			}
			for rank[b] < rank[a] {
				b = idom[b]
			}
		}
		return a
	}

	for changed := true; changed; {
		changed = false
		for k := len(order) - 1; k >= 0; k-- {
			i := order[k]
			if i == 0 {
				continue
			}
			next := -1
			for _, p := range preds[i] {
				j := index[p]
				if idom[j] < 0 {
					continue
				}
				if next < 0 {
					next = j
				} else {
					next = intersect(j, next)
				}
			}
			if next != idom[i] {
				idom[i] = next
				changed = true
			}
		}
	}
	return idom
}

func containsBlock(blocks []*Block, b *Block) bool {
	for _, x := range blocks {
		if x == b {
			return true
		}
	}
	return false
}
