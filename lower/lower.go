// Package lower translates a speculative mid-IR graph into target IR. It
// walks the blocks in dominator pre-order, keeps the abstract interpreter in
// lockstep so checks that are already proven are never emitted, and records
// an exit descriptor for every speculation it leaves in the code.
package lower

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/exp/slices"

	"jitlower/absint"
	"jitlower/exit"
	"jitlower/heap"
	"jitlower/irgen"
	"jitlower/mir"
	"jitlower/tir"
	"jitlower/vm"
)

// ErrInternal wraps every invariant violation found while lowering. A graph
// that triggers one is malformed; nothing partial is returned.
var ErrInternal = errors.New("lowering invariant violated")

type internalError struct {
	msg string
}

func internalf(format string, args ...interface{}) {
	panic(internalError{fmt.Sprintf(format, args...)})
}

// bailout unwinds the lowering of a node after a terminal exit.
type bailout struct{}

type Options struct {
	// PatchSize is the number of bytes reserved at each exit and call site.
	PatchSize int
	// TargetFeatures is copied into the module.
	TargetFeatures []string
	// Heaps is the region tree to tag accesses with. When nil a tree is
	// built from the runtime's layout.
	Heaps  *heap.Repository
	Logger log.Logger
}

type Result struct {
	Module    *tir.Module
	Function  *tir.Function
	Exits     []*exit.Descriptor
	CallSites []*exit.CallSite
	// Invalidated lists blocks that were replaced by a trap: blocks the type
	// analysis never reached, and every block such a block or an always
	// failing speculation dominates.
	Invalidated []*mir.Block
}

// Exit returns the descriptor with the given id.
func (r *Result) Exit(id int) (*exit.Descriptor, bool) {
	i, ok := slices.BinarySearchFunc(r.Exits, id, func(d *exit.Descriptor, id int) int { return d.ID - id })
	if !ok {
		return nil, false
	}
	return r.Exits[i], true
}

type lowering struct {
	graph   *mir.Graph
	runtime *vm.Runtime
	ids     *vm.IDSource
	opts    Options
	log     log.Logger

	heaps  *heap.Repository
	out    *irgen.Emitter
	fn     *tir.Function
	frame  tir.Value
	interp *absint.Interpreter
	doms   *mir.Dominators
	cache  *valueCache
	avail  *availability

	blocks   map[*mir.Block]*tir.Block
	phis     map[*mir.Node]*tir.Instr
	upsilons []*mir.Node

	block      *mir.Block
	node       *mir.Node
	recoveries map[*mir.Node]recovery

	handler     *tir.Block
	exits       []*exit.Descriptor
	callSites   []*exit.CallSite
	invalidated map[*mir.Block]bool
}

// Lower lowers g. Runtime operations are resolved through rt and exit and
// call-site ids are drawn from ids, so several lowerings may share both.
func Lower(ctx context.Context, g *mir.Graph, rt *vm.Runtime, ids *vm.IDSource, opts Options) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			ie, ok := r.(internalError)
			if !ok {
				panic(r)
			}
			result, err = nil, fmt.Errorf("%s: %w: %s", g.Name, ErrInternal, ie.msg)
		}
	}()

	l := &lowering{
		graph:       g,
		runtime:     rt,
		ids:         ids,
		opts:        opts,
		log:         opts.Logger,
		heaps:       opts.Heaps,
		blocks:      make(map[*mir.Block]*tir.Block),
		phis:        make(map[*mir.Node]*tir.Instr),
		invalidated: make(map[*mir.Block]bool),
	}
	if l.log == nil {
		l.log = log.Root()
	}
	if l.heaps == nil {
		l.heaps = heap.New(rt.Layout, heap.DefaultOptions())
	}
	return l.lower(ctx)
}

func (l *lowering) lower(ctx context.Context) (*Result, error) {
	g := l.graph
	if len(g.Blocks) == 0 {
		internalf("graph has no blocks")
	}

	module := tir.NewModule(g.Name)
	module.TargetFeatures = l.opts.TargetFeatures
	l.fn = tir.NewFunction(g.Name, tir.I64)
	l.frame = l.fn.AddParam("callFrame", tir.I64)
	module.AddFunction(l.fn)
	l.out = irgen.New(module, l.fn, l.heaps)

	l.doms = g.Dominators()
	l.cache = newValueCache(l.doms)
	l.interp = absint.New(g)

	order := g.PreOrder()
	prologue := l.fn.NewBlock("prologue", nil)
	for _, b := range order {
		l.blocks[b] = l.fn.NewBlock(fmt.Sprintf("Block%d", b.Index), nil)
	}
	l.avail = computeAvailability(g, order)

	// Phis go first in their blocks, before any lowering can append there.
	for _, b := range order {
		for _, n := range b.Nodes {
			if n.Op != mir.Phi {
				continue
			}
			l.out.AppendTo(l.blocks[b], nil)
			l.phis[n] = l.out.Phi(reprOf(n.Result).typ())
		}
	}

	l.out.AppendTo(prologue, l.blocks[order[0]])
	l.out.Jump(l.blocks[order[0]])

	l.log.Debug("Lowering graph", "name", g.Name, "blocks", len(order), "nodes", len(g.Nodes()))
	for i, b := range order {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s: lowering cancelled at block #%d: %w", g.Name, b.Index, err)
		}
		var next *tir.Block
		if i+1 < len(order) {
			next = l.blocks[order[i+1]]
		}
		l.lowerBlock(b, next)
	}

	result := &Result{
		Module:    module,
		Function:  l.fn,
		Exits:     l.exits,
		CallSites: l.callSites,
	}
	slices.SortFunc(result.Exits, func(a, b *exit.Descriptor) int { return a.ID - b.ID })
	slices.SortFunc(result.CallSites, func(a, b *exit.CallSite) int { return a.ID - b.ID })
	for _, b := range order {
		if l.invalidated[b] {
			result.Invalidated = append(result.Invalidated, b)
		}
	}
	l.log.Debug("Lowered graph", "name", g.Name, "exits", len(result.Exits), "callsites", len(result.CallSites), "invalidated", len(result.Invalidated))
	return result, nil
}

func (l *lowering) lowerBlock(b *mir.Block, next *tir.Block) {
	l.block = b
	l.out.AppendTo(l.blocks[b], next)

	if !b.Visited {
		l.invalidated[b] = true
		l.invalidateDominated(b)
	}
	if l.invalidated[b] {
		l.log.Trace("Trapping block", "block", b.Index, "visited", b.Visited)
		l.out.Trap()
		l.interp.Skip(b)
		return
	}

	l.interp.BeginBlock(b)
	l.avail.begin(b)
	l.upsilons = l.upsilons[:0]
	for _, n := range b.Nodes {
		if !l.interp.IsValid() {
			break
		}
		l.lowerNode(n)
	}
	if !l.interp.IsValid() {
		// A check proved the rest of the block dead without exiting on
		// every path itself.
		if !l.out.IsTerminated() {
			l.out.Trap()
		}
		l.invalidateDominated(b)
	}
	if !l.out.IsTerminated() {
		internalf("block #%d does not end in a terminal", b.Index)
	}
	l.interp.EndBlock()
}

func (l *lowering) lowerNode(n *mir.Node) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(bailout); !ok {
				panic(r)
			}
		}
	}()

	l.node = n
	l.recoveries = nil
	rule := rules[n.Op]
	if rule == nil {
		internalf("@%d: no lowering for %s", n.Index, n.Op)
	}
	l.log.Trace("Lowering node", "node", n)
	rule(l, n)
	l.interp.Execute(n)
	l.avail.execute(n)
}

// invalidateDominated replaces every block b dominates with a trap; control
// can only reach them through b, which always exits.
func (l *lowering) invalidateDominated(b *mir.Block) {
	for _, d := range l.doms.DominatedBy(l.graph, b) {
		if d != b {
			l.invalidated[d] = true
		}
	}
}

// set caches v as the value of n in representation r.
func (l *lowering) set(n *mir.Node, r repr, v tir.Value) {
	l.cache.set(n, r, v, l.block)
}

func (l *lowering) get(n *mir.Node, r repr) (tir.Value, bool) {
	return l.cache.get(n, r, l.block)
}

// setResult caches v in the representation n's result is produced in.
func (l *lowering) setResult(n *mir.Node, v tir.Value) {
	l.set(n, reprOf(n.Result), v)
}
