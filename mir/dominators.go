package mir

// Dominators is the dominator tree of a graph rooted at its first block,
// computed with the Cooper-Harvey-Kennedy iteration over reverse post-order.
type Dominators struct {
	idom     []int // -1 for the root and for unreachable blocks
	children [][]int
	pre      []int
	post     []int
	reached  []bool
}

func ComputeDominators(g *Graph) *Dominators {
	n := len(g.Blocks)
	d := &Dominators{
		idom:     make([]int, n),
		children: make([][]int, n),
		pre:      make([]int, n),
		post:     make([]int, n),
		reached:  make([]bool, n),
	}
	for i := range d.idom {
		d.idom[i] = -1
	}
	if n == 0 {
		return d
	}

	order := postOrder(g)
	rpoNumber := make([]int, n)
	for i := range rpoNumber {
		rpoNumber[i] = -1
	}
	for i, b := range order {
		rpoNumber[b.Index] = len(order) - 1 - i
		d.reached[b.Index] = true
	}

	root := g.Blocks[0].Index
	d.idom[root] = root

	intersect := func(a, b int) int {
		for a != b {
			for rpoNumber[a] > rpoNumber[b] {
				a = d.idom[a]
			}
			for rpoNumber[b] > rpoNumber[a] {
				b = d.idom[b]
			}
		}
		return a
	}

	for changed := true; changed; {
		changed = false
		for i := len(order) - 1; i >= 0; i-- {
			b := order[i]
			if b.Index == root {
				continue
			}
			newIdom := -1
			for _, p := range b.Predecessors {
				if !d.reached[p.Index] || d.idom[p.Index] == -1 {
					continue
				}
				if newIdom == -1 {
					newIdom = p.Index
					continue
				}
				newIdom = intersect(p.Index, newIdom)
			}
			if newIdom != -1 && d.idom[b.Index] != newIdom {
				d.idom[b.Index] = newIdom
				changed = true
			}
		}
	}

	d.idom[root] = -1
	for i, parent := range d.idom {
		if parent >= 0 {
			d.children[parent] = append(d.children[parent], i)
		}
	}

	counter := 0
	var number func(int)
	number = func(b int) {
		d.pre[b] = counter
		counter++
		for _, c := range d.children[b] {
			number(c)
		}
		d.post[b] = counter
		counter++
	}
	number(root)

	return d
}

func postOrder(g *Graph) []*Block {
	visited := make([]bool, len(g.Blocks))
	var order []*Block
	var walk func(*Block)
	walk = func(b *Block) {
		visited[b.Index] = true
		for _, s := range b.Successors {
			if !visited[s.Index] {
				walk(s)
			}
		}
		order = append(order, b)
	}
	walk(g.Blocks[0])
	return order
}

// Dominates reports whether every path from the root to b passes through a.
// A block dominates itself. Blocks unreachable from the root are dominated
// only by themselves.
func (d *Dominators) Dominates(a, b *Block) bool {
	if a == b {
		return true
	}
	if !d.reached[a.Index] || !d.reached[b.Index] {
		return false
	}
	return d.pre[a.Index] <= d.pre[b.Index] && d.post[b.Index] <= d.post[a.Index]
}

// StrictlyDominates is Dominates without the reflexive case.
func (d *Dominators) StrictlyDominates(a, b *Block) bool {
	return a != b && d.Dominates(a, b)
}

// ImmediateDominator returns the index of b's immediate dominator, or -1.
func (d *Dominators) ImmediateDominator(b *Block) int {
	return d.idom[b.Index]
}

func (d *Dominators) IsReachable(b *Block) bool {
	return d.reached[b.Index]
}

// DominatedBy lists b and every block it dominates, in dominator-tree
// pre-order.
func (d *Dominators) DominatedBy(g *Graph, b *Block) []*Block {
	result := []*Block{b}
	if !d.reached[b.Index] {
		return result
	}
	var walk func(int)
	walk = func(i int) {
		for _, c := range d.children[i] {
			result = append(result, g.Blocks[c])
			walk(c)
		}
	}
	walk(b.Index)
	return result
}

// PreOrder is a depth-first pre-order from the root that follows successors
// in order, so the output keeps roughly the input's block order. Every block
// comes after its dominators. Blocks unreachable from the root are appended
// in index order.
func (g *Graph) PreOrder() []*Block {
	if len(g.Blocks) == 0 {
		return nil
	}
	visited := make([]bool, len(g.Blocks))
	order := make([]*Block, 0, len(g.Blocks))
	stack := []*Block{g.Blocks[0]}
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[b.Index] {
			continue
		}
		visited[b.Index] = true
		order = append(order, b)
		for i := len(b.Successors) - 1; i >= 0; i-- {
			if s := b.Successors[i]; !visited[s.Index] {
				stack = append(stack, s)
			}
		}
	}
	for _, b := range g.Blocks {
		if !visited[b.Index] {
			order = append(order, b)
		}
	}
	return order
}
