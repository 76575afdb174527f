// Package mir is the speculative mid-level IR the lowering consumes. Graphs
// are built by the front end (or loaded from a YAML fixture) and are
// read-only once Finalize has run.
package mir

import (
	"bytes"
	"fmt"
	"strings"

	"jitlower/object"
	"jitlower/types"
)

// UseKind is the contract an edge places on the value it reads.
type UseKind int

const (
	UntypedUse UseKind = iota
	Int32Use
	KnownInt32Use
	Int52RepUse
	MachineIntUse
	NumberUse
	RealNumberUse
	DoubleRepUse
	DoubleRepRealUse
	BooleanUse
	KnownBooleanUse
	CellUse
	KnownCellUse
	ObjectUse
	StringUse
	KnownStringUse
	NotCellUse
	OtherUse
)

var useKinds = []struct {
	name string
	typ  types.SpecType
}{
	UntypedUse:       {"Untyped", types.SpecTop},
	Int32Use:         {"Int32", types.SpecInt32},
	KnownInt32Use:    {"KnownInt32", types.SpecInt32},
	Int52RepUse:      {"Int52Rep", types.SpecMachineInt},
	MachineIntUse:    {"MachineInt", types.SpecMachineInt},
	NumberUse:        {"Number", types.SpecBytecodeNumber},
	RealNumberUse:    {"RealNumber", types.SpecBytecodeRealNumber},
	DoubleRepUse:     {"DoubleRep", types.SpecFullNumber},
	DoubleRepRealUse: {"DoubleRepReal", types.SpecFullRealNumber},
	BooleanUse:       {"Boolean", types.SpecBoolean},
	KnownBooleanUse:  {"KnownBoolean", types.SpecBoolean},
	CellUse:          {"Cell", types.SpecCell},
	KnownCellUse:     {"KnownCell", types.SpecCell},
	ObjectUse:        {"Object", types.SpecObject},
	StringUse:        {"String", types.SpecString},
	KnownStringUse:   {"KnownString", types.SpecString},
	NotCellUse:       {"NotCell", types.SpecNotCell},
	OtherUse:         {"Other", types.SpecOther},
}

func (u UseKind) String() string {
	if int(u) < len(useKinds) {
		return useKinds[u].name
	}
	return fmt.Sprintf("UseKind(%d)", int(u))
}

// Type is the set of types a value may have once the edge has been checked.
func (u UseKind) Type() types.SpecType {
	return useKinds[u].typ
}

// IsKnown reports use kinds whose type the producer already guarantees, so
// no check is ever emitted for them.
func (u UseKind) IsKnown() bool {
	switch u {
	case KnownInt32Use, KnownBooleanUse, KnownCellUse, KnownStringUse:
		return true
	}
	return false
}

// IsDouble reports use kinds that read the unboxed double representation.
func (u UseKind) IsDouble() bool {
	return u == DoubleRepUse || u == DoubleRepRealUse
}

func ParseUseKind(s string) (UseKind, error) {
	for i, u := range useKinds {
		if u.name == s {
			return UseKind(i), nil
		}
	}
	return UntypedUse, fmt.Errorf("unknown use kind %q", s)
}

// Edge is a typed reference to a producer. Kill means this is the last use
// of the producer, so its value is dead right after the consumer.
type Edge struct {
	Node *Node
	Use  UseKind
	Kill bool
}

func (e Edge) String() string {
	s := fmt.Sprintf("%s:@%d", e.Use, e.Node.Index)
	if e.Kill {
		s += "!"
	}
	return s
}

// Origin names the bytecode positions of a node. Semantic is where the
// speculation was made; ForExit is where the interpreter resumes.
type Origin struct {
	Semantic int
	ForExit  int
}

type ArithMode int

const (
	Unchecked ArithMode = iota
	CheckOverflow
	CheckOverflowAndNegativeZero
)

var arithModeNames = map[ArithMode]string{
	Unchecked:                    "Unchecked",
	CheckOverflow:                "CheckOverflow",
	CheckOverflowAndNegativeZero: "CheckOverflowAndNegativeZero",
}

func (m ArithMode) String() string { return arithModeNames[m] }

func (m ArithMode) ChecksOverflow() bool { return m != Unchecked }

func (m ArithMode) ChecksNegativeZero() bool { return m == CheckOverflowAndNegativeZero }

// FlushFormat is how a value is stored in an interpreter stack slot.
type FlushFormat int

const (
	DeadFlush FlushFormat = iota
	FlushedJSValue
	FlushedInt32
	FlushedInt52
	FlushedDouble
	FlushedCell
	FlushedBoolean
)

var flushFormatNames = map[FlushFormat]string{
	DeadFlush:      "dead",
	FlushedJSValue: "jsvalue",
	FlushedInt32:   "int32",
	FlushedInt52:   "int52",
	FlushedDouble:  "double",
	FlushedCell:    "cell",
	FlushedBoolean: "boolean",
}

func (f FlushFormat) String() string { return flushFormatNames[f] }

func ParseFlushFormat(s string) (FlushFormat, error) {
	if s == "" {
		return FlushedJSValue, nil
	}
	for f, name := range flushFormatNames {
		if name == s {
			return f, nil
		}
	}
	return DeadFlush, fmt.Errorf("unknown flush format %q", s)
}

// Result is the representation a value flushed in format f is read back as.
func (f FlushFormat) Result() Result {
	switch f {
	case FlushedInt32:
		return ResultInt32
	case FlushedInt52:
		return ResultInt52
	case FlushedDouble:
		return ResultDouble
	case FlushedBoolean:
		return ResultBoolean
	}
	return ResultJS
}

// Operand is an interpreter-visible slot.
type Operand struct {
	Argument bool
	Index    int
}

func Argument(i int) Operand { return Operand{Argument: true, Index: i} }
func Local(i int) Operand    { return Operand{Index: i} }

func (o Operand) String() string {
	if o.Argument {
		return fmt.Sprintf("arg%d", o.Index)
	}
	return fmt.Sprintf("loc%d", o.Index)
}

// ArrayMode is the indexing shape a GetByVal, PutByVal or CheckArray
// speculates on.
type ArrayMode int

const (
	ArrayInt32 ArrayMode = iota
	ArrayDouble
	ArrayContiguous
)

var arrayModeNames = map[ArrayMode]string{
	ArrayInt32:      "Int32",
	ArrayDouble:     "Double",
	ArrayContiguous: "Contiguous",
}

func (m ArrayMode) String() string { return arrayModeNames[m] }

// Shape is the indexing shape byte the mode expects.
func (m ArrayMode) Shape() byte {
	switch m {
	case ArrayInt32:
		return object.Int32Shape
	case ArrayDouble:
		return object.DoubleShape
	}
	return object.ContiguousShape
}

// Structure is a shape constant: every object with this structure has the
// same cell type, indexing type and property layout.
type Structure struct {
	ID             int
	CellType       byte
	IndexingType   byte
	InlineCapacity int
}

// GetByOffsetCase is one arm of a MultiGetByOffset.
type GetByOffsetCase struct {
	Structures []int
	Offset     int
}

// SwitchCase is one arm of a Switch terminator.
type SwitchCase struct {
	Value  int32
	Target *Block
}

type Node struct {
	Index      int
	Op         Opcode
	Children   []Edge
	Result     Result
	Prediction types.SpecType
	Origin     Origin
	Mode       ArithMode
	Block      *Block

	// constants
	Value  object.Value
	Int52  int64
	Number float64

	// locals
	Operand Operand
	Format  FlushFormat

	// heap access
	Structures []int
	Property   int
	Offset     int
	Array      ArrayMode
	Cases      []GetByOffsetCase
	Address    uint64
	Cell       uint64

	// control flow
	Phi         *Node
	Taken       *Block
	NotTaken    *Block
	SwitchCases []SwitchCase
	FallThrough *Block
}

func (n *Node) Child(i int) Edge { return n.Children[i] }

func (n *Node) HasResult() bool { return n.Result != ResultNone }

func (n *Node) String() string {
	var out bytes.Buffer
	fmt.Fprintf(&out, "@%d = %s(", n.Index, n.Op)
	parts := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		parts = append(parts, c.String())
	}
	out.WriteString(strings.Join(parts, ", "))
	out.WriteString(")")
	return out.String()
}

type Block struct {
	Index        int
	Nodes        []*Node
	Successors   []*Block
	Predecessors []*Block
	// Visited is false for blocks the type analysis never reached.
	Visited bool
}

func (b *Block) Terminal() *Node {
	if len(b.Nodes) == 0 {
		return nil
	}
	last := b.Nodes[len(b.Nodes)-1]
	if !last.Op.IsTerminal() {
		return nil
	}
	return last
}

func (b *Block) String() string {
	return fmt.Sprintf("#%d", b.Index)
}

type Graph struct {
	Name         string
	Blocks       []*Block
	NumArguments int
	NumLocals    int
	Structures   map[int]*Structure
	Identifiers  []string

	nodes      []*Node
	dominators *Dominators
}

func NewGraph(name string, arguments, locals int) *Graph {
	return &Graph{
		Name:         name,
		NumArguments: arguments,
		NumLocals:    locals,
		Structures:   make(map[int]*Structure),
	}
}

func (g *Graph) NewBlock() *Block {
	b := &Block{Index: len(g.Blocks), Visited: true}
	g.Blocks = append(g.Blocks, b)
	return b
}

// Append adds a node with the definition's result to the end of b.
func (g *Graph) Append(b *Block, op Opcode, children ...Edge) *Node {
	def, err := Lookup(op)
	if err != nil {
		panic(err)
	}
	n := &Node{
		Index:      len(g.nodes),
		Op:         op,
		Children:   children,
		Result:     def.Result,
		Prediction: types.SpecTop,
		Block:      b,
	}
	if def.Flags&Inferred != 0 {
		n.Result = inferResult(op, children, def.Result)
	}
	g.nodes = append(g.nodes, n)
	b.Nodes = append(b.Nodes, n)
	return n
}

func (g *Graph) Nodes() []*Node { return g.nodes }

func (g *Graph) Node(index int) *Node { return g.nodes[index] }

// Identifier returns the property name numbered id.
func (g *Graph) Identifier(id int) string {
	if id >= 0 && id < len(g.Identifiers) {
		return g.Identifiers[id]
	}
	return fmt.Sprintf("id%d", id)
}

// Operands lists every interpreter-visible slot in a stable order:
// arguments first, then locals.
func (g *Graph) Operands() []Operand {
	ops := make([]Operand, 0, g.NumArguments+g.NumLocals)
	for i := 0; i < g.NumArguments; i++ {
		ops = append(ops, Argument(i))
	}
	for i := 0; i < g.NumLocals; i++ {
		ops = append(ops, Local(i))
	}
	return ops
}

// OperandIndex is the position of o in Operands.
func (g *Graph) OperandIndex(o Operand) int {
	if o.Argument {
		return o.Index
	}
	return g.NumArguments + o.Index
}

// Finalize derives successors from terminals and predecessors from
// successors, and drops cached analyses.
func (g *Graph) Finalize() {
	for _, b := range g.Blocks {
		b.Successors = nil
		b.Predecessors = nil
	}
	for _, b := range g.Blocks {
		t := b.Terminal()
		if t == nil {
			continue
		}
		switch t.Op {
		case Jump:
			b.Successors = []*Block{t.Taken}
		case Branch:
			b.Successors = []*Block{t.Taken, t.NotTaken}
		case Switch:
			for _, c := range t.SwitchCases {
				b.Successors = appendUnique(b.Successors, c.Target)
			}
			b.Successors = appendUnique(b.Successors, t.FallThrough)
		}
		for _, s := range b.Successors {
			s.Predecessors = appendUnique(s.Predecessors, b)
		}
	}
	g.dominators = nil
}

func appendUnique(blocks []*Block, b *Block) []*Block {
	for _, existing := range blocks {
		if existing == b {
			return blocks
		}
	}
	return append(blocks, b)
}

// Dominators returns the dominator tree, computing it on first use.
func (g *Graph) Dominators() *Dominators {
	if g.dominators == nil {
		g.dominators = ComputeDominators(g)
	}
	return g.dominators
}

func (g *Graph) String() string {
	var out bytes.Buffer
	fmt.Fprintf(&out, "%s(args=%d, locals=%d)\n", g.Name, g.NumArguments, g.NumLocals)
	for _, b := range g.Blocks {
		fmt.Fprintf(&out, "%s", b)
		if !b.Visited {
			out.WriteString(" (not visited)")
		}
		out.WriteString(":\n")
		for _, n := range b.Nodes {
			fmt.Fprintf(&out, "  %s\n", n)
		}
	}
	return out.String()
}

// inferResult picks the representation of arithmetic nodes from the use
// kinds of their inputs.
func inferResult(op Opcode, children []Edge, fallback Result) Result {
	if len(children) == 0 {
		return fallback
	}
	switch children[0].Use {
	case Int32Use, KnownInt32Use:
		return ResultInt32
	case Int52RepUse, MachineIntUse:
		return ResultInt52
	case DoubleRepUse, DoubleRepRealUse, NumberUse, RealNumberUse:
		return ResultDouble
	case UntypedUse:
		return ResultJS
	}
	return fallback
}
