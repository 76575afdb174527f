package mir

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"jitlower/object"
	"jitlower/types"
)

// The fixture format is one document per graph:
//
//	name: add
//	arguments: 2
//	locals: 1
//	structures:
//	  - {id: 7, type: 17, indexing: 0, inline: 4}
//	blocks:
//	  - nodes:
//	      - {id: a, op: GetLocal, operand: arg0, format: int32}
//	      - {id: sum, op: ArithAdd, children: ["Int32:a", "Int32:b!"], mode: CheckOverflow, origin: 3}
//	      - {op: Return, children: ["Untyped:sum"]}
//
// A child is "UseKind:id", with a trailing "!" when the edge kills its
// producer. Block targets are block indices.
type graphSpec struct {
	Name       string          `yaml:"name"`
	Arguments  int             `yaml:"arguments"`
	Locals     int             `yaml:"locals"`
	Structures []structureSpec `yaml:"structures"`
	Blocks     []blockSpec     `yaml:"blocks"`
}

type structureSpec struct {
	ID       int  `yaml:"id"`
	Type     byte `yaml:"type"`
	Indexing byte `yaml:"indexing"`
	Inline   int  `yaml:"inline"`
}

type blockSpec struct {
	Visited *bool      `yaml:"visited"`
	Nodes   []nodeSpec `yaml:"nodes"`
}

type nodeSpec struct {
	ID         string     `yaml:"id"`
	Op         string     `yaml:"op"`
	Children   []string   `yaml:"children"`
	Result     string     `yaml:"result"`
	Prediction string     `yaml:"prediction"`
	Origin     int        `yaml:"origin"`
	ExitOrigin *int       `yaml:"exitOrigin"`
	Mode       string     `yaml:"mode"`
	Value      yaml.Node  `yaml:"value"`
	Operand    string     `yaml:"operand"`
	Format     string     `yaml:"format"`
	Structures []int      `yaml:"structures"`
	Property   string     `yaml:"property"`
	Offset     int        `yaml:"offset"`
	Array      string     `yaml:"array"`
	Cases      []caseSpec `yaml:"cases"`
	Address    uint64     `yaml:"address"`
	Cell       uint64     `yaml:"cell"`
	Phi        string     `yaml:"phi"`
	Targets    []int      `yaml:"targets"`
	Default    *int       `yaml:"default"`
}

type caseSpec struct {
	Structures []int `yaml:"structures"`
	Offset     int   `yaml:"offset"`
	Value      int32 `yaml:"value"`
	Target     int   `yaml:"target"`
}

// Load reads a YAML fixture and returns a finalized, validated graph.
func Load(r io.Reader) (*Graph, error) {
	var spec graphSpec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decoding graph: %w", err)
	}

	l := &loader{
		graph: NewGraph(spec.Name, spec.Arguments, spec.Locals),
		ids:   make(map[string]*Node),
		props: make(map[string]int),
	}
	return l.load(spec)
}

// LoadString is Load for an in-memory fixture.
func LoadString(s string) (*Graph, error) {
	return Load(strings.NewReader(s))
}

func LoadFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	g, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

type loader struct {
	graph *Graph
	ids   map[string]*Node
	props map[string]int
}

func (l *loader) load(spec graphSpec) (*Graph, error) {
	g := l.graph
	if len(spec.Blocks) == 0 {
		return nil, fmt.Errorf("graph %q has no blocks", spec.Name)
	}
	for _, s := range spec.Structures {
		if _, ok := g.Structures[s.ID]; ok {
			return nil, fmt.Errorf("duplicate structure %d", s.ID)
		}
		g.Structures[s.ID] = &Structure{ID: s.ID, CellType: s.Type, IndexingType: s.Indexing, InlineCapacity: s.Inline}
	}
	for _, bs := range spec.Blocks {
		b := g.NewBlock()
		if bs.Visited != nil {
			b.Visited = *bs.Visited
		}
	}

	for bi, bs := range spec.Blocks {
		for _, ns := range bs.Nodes {
			if ns.Op == "Phi" && ns.ID == "" {
				return nil, fmt.Errorf("block #%d: Phi needs an id", bi)
			}
		}
	}

	// upsilons may name a phi whose block has not been read yet
	var pendingUpsilons []struct {
		node *Node
		phi  string
	}
	for bi, bs := range spec.Blocks {
		b := g.Blocks[bi]
		for ni, ns := range bs.Nodes {
			n, err := l.node(b, ns)
			if err != nil {
				return nil, fmt.Errorf("block #%d node %d (%s): %w", bi, ni, ns.Op, err)
			}
			if n.Op == Upsilon {
				pendingUpsilons = append(pendingUpsilons, struct {
					node *Node
					phi  string
				}{n, ns.Phi})
			}
		}
	}
	for _, u := range pendingUpsilons {
		phi, ok := l.ids[u.phi]
		if !ok || phi.Op != Phi {
			return nil, fmt.Errorf("upsilon @%d: %q is not a phi", u.node.Index, u.phi)
		}
		u.node.Phi = phi
	}

	g.Finalize()
	if err := Validate(g); err != nil {
		return nil, err
	}
	return g, nil
}

func (l *loader) node(b *Block, ns nodeSpec) (*Node, error) {
	g := l.graph
	op, err := ParseOpcode(ns.Op)
	if err != nil {
		return nil, err
	}

	children := make([]Edge, 0, len(ns.Children))
	for _, c := range ns.Children {
		e, err := l.edge(c)
		if err != nil {
			return nil, err
		}
		children = append(children, e)
	}

	n := g.Append(b, op, children...)
	if ns.ID != "" {
		if _, ok := l.ids[ns.ID]; ok {
			return nil, fmt.Errorf("duplicate id %q", ns.ID)
		}
		l.ids[ns.ID] = n
	}

	n.Origin = Origin{Semantic: ns.Origin, ForExit: ns.Origin}
	if ns.ExitOrigin != nil {
		n.Origin.ForExit = *ns.ExitOrigin
	}
	if ns.Prediction != "" {
		if n.Prediction, err = types.Parse(ns.Prediction); err != nil {
			return nil, err
		}
	}
	if ns.Mode != "" {
		found := false
		for m, name := range arithModeNames {
			if name == ns.Mode {
				n.Mode, found = m, true
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown arith mode %q", ns.Mode)
		}
	}
	if ns.Operand != "" {
		if n.Operand, err = parseOperand(ns.Operand); err != nil {
			return nil, err
		}
	}
	if n.Format, err = ParseFlushFormat(ns.Format); err != nil {
		return nil, err
	}
	if op == GetLocal {
		n.Result = n.Format.Result()
	}
	if ns.Array != "" {
		found := false
		for m, name := range arrayModeNames {
			if name == ns.Array {
				n.Array, found = m, true
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown array mode %q", ns.Array)
		}
	}
	if op == GetByVal {
		switch n.Array {
		case ArrayInt32:
			n.Result = ResultInt32
		case ArrayDouble:
			n.Result = ResultDouble
		}
	}
	if ns.Result != "" {
		if n.Result, err = ParseResult(ns.Result); err != nil {
			return nil, err
		}
	}

	if err := l.constant(n, ns.Value); err != nil {
		return nil, err
	}

	n.Structures = ns.Structures
	n.Offset = ns.Offset
	n.Address = ns.Address
	if ns.Cell != 0 {
		n.Cell = ns.Cell
	}
	if ns.Property != "" {
		n.Property = l.identifier(ns.Property)
	}
	for _, c := range ns.Cases {
		switch op {
		case MultiGetByOffset:
			n.Cases = append(n.Cases, GetByOffsetCase{Structures: c.Structures, Offset: c.Offset})
		case Switch:
			target, err := l.block(c.Target)
			if err != nil {
				return nil, err
			}
			n.SwitchCases = append(n.SwitchCases, SwitchCase{Value: c.Value, Target: target})
		default:
			return nil, fmt.Errorf("cases on %s", op)
		}
	}

	switch op {
	case Jump:
		if len(ns.Targets) != 1 {
			return nil, fmt.Errorf("Jump needs one target")
		}
		if n.Taken, err = l.block(ns.Targets[0]); err != nil {
			return nil, err
		}
	case Branch:
		if len(ns.Targets) != 2 {
			return nil, fmt.Errorf("Branch needs two targets")
		}
		if n.Taken, err = l.block(ns.Targets[0]); err != nil {
			return nil, err
		}
		if n.NotTaken, err = l.block(ns.Targets[1]); err != nil {
			return nil, err
		}
	case Switch:
		if ns.Default == nil {
			return nil, fmt.Errorf("Switch needs a default")
		}
		if n.FallThrough, err = l.block(*ns.Default); err != nil {
			return nil, err
		}
	}

	return n, nil
}

func (l *loader) edge(s string) (Edge, error) {
	use, ref, ok := strings.Cut(s, ":")
	if !ok {
		use, ref = "Untyped", s
	}
	kind, err := ParseUseKind(use)
	if err != nil {
		return Edge{}, err
	}
	kill := strings.HasSuffix(ref, "!")
	ref = strings.TrimSuffix(ref, "!")
	n, ok := l.ids[ref]
	if !ok {
		return Edge{}, fmt.Errorf("unknown node %q", ref)
	}
	return Edge{Node: n, Use: kind, Kill: kill}, nil
}

func (l *loader) block(index int) (*Block, error) {
	if index < 0 || index >= len(l.graph.Blocks) {
		return nil, fmt.Errorf("block #%d out of range", index)
	}
	return l.graph.Blocks[index], nil
}

func (l *loader) identifier(name string) int {
	if id, ok := l.props[name]; ok {
		return id
	}
	id := len(l.graph.Identifiers)
	l.graph.Identifiers = append(l.graph.Identifiers, name)
	l.props[name] = id
	return id
}

// constant decodes the value of a constant node. JSConstant accepts
// integers, doubles, booleans, null, undefined and "cell:<address>".
func (l *loader) constant(n *Node, v yaml.Node) error {
	if !n.Op.IsConstant() {
		return nil
	}
	if v.Kind != yaml.ScalarNode {
		return fmt.Errorf("%s needs a scalar value", n.Op)
	}

	switch n.Op {
	case Int52Constant:
		i, err := strconv.ParseInt(v.Value, 0, 64)
		if err != nil {
			return err
		}
		n.Int52 = i
		n.Prediction = types.FromInt64(i)
		return nil
	case DoubleConstant:
		f, err := parseFloat(v.Value)
		if err != nil {
			return err
		}
		n.Number = f
		n.Prediction = types.SpecDoubleReal
		if math.IsNaN(f) {
			n.Prediction = types.SpecDoublePureNaN
		}
		return nil
	}

	switch v.ShortTag() {
	case "!!int":
		i, err := strconv.ParseInt(v.Value, 0, 64)
		if err != nil {
			return err
		}
		n.Value = object.Number(i)
		n.Prediction = types.FromInt64(i)
		if n.Prediction == types.SpecInt52 {
			n.Prediction = types.SpecDoubleReal
		}
	case "!!float":
		f, err := parseFloat(v.Value)
		if err != nil {
			return err
		}
		n.Value = object.Double(f)
		n.Prediction = types.SpecDoubleReal
	case "!!bool":
		n.Value = object.Boolean(v.Value == "true")
		n.Prediction = types.SpecBoolean
	case "!!null":
		n.Value = object.ValueNull
		n.Prediction = types.SpecOther
	default:
		switch {
		case v.Value == "undefined":
			n.Value = object.ValueUndefined
			n.Prediction = types.SpecOther
		case strings.HasPrefix(v.Value, "cell:"):
			addr, err := strconv.ParseUint(strings.TrimPrefix(v.Value, "cell:"), 0, 64)
			if err != nil {
				return err
			}
			n.Value = object.Cell(addr)
			n.Cell = addr
			n.Prediction = types.SpecCellOther
		default:
			return fmt.Errorf("cannot decode constant %q", v.Value)
		}
	}
	return nil
}

func parseFloat(s string) (float64, error) {
	switch s {
	case ".nan", ".NaN", ".NAN":
		return math.NaN(), nil
	case ".inf", "+.inf", ".Inf":
		return math.Inf(1), nil
	case "-.inf", "-.Inf":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseOperand(s string) (Operand, error) {
	switch {
	case strings.HasPrefix(s, "arg"):
		i, err := strconv.Atoi(s[3:])
		return Argument(i), err
	case strings.HasPrefix(s, "loc"):
		i, err := strconv.Atoi(s[3:])
		return Local(i), err
	}
	return Operand{}, fmt.Errorf("unknown operand %q", s)
}

// Validate checks the structural rules the lowering relies on: every block
// ends in exactly one terminal, child counts match their definitions,
// operands are in range and children are defined before they are used in
// the same block.
func Validate(g *Graph) error {
	for _, b := range g.Blocks {
		if len(b.Nodes) == 0 {
			return fmt.Errorf("block %s is empty", b)
		}
		seen := make(map[*Node]bool)
		for i, n := range b.Nodes {
			def, err := Lookup(n.Op)
			if err != nil {
				return err
			}
			if def.Children >= 0 && len(n.Children) != def.Children {
				return fmt.Errorf("%s: expected %d children, got %d", n, def.Children, len(n.Children))
			}
			if n.Op.IsTerminal() != (i == len(b.Nodes)-1) {
				return fmt.Errorf("block %s: terminal %s at position %d", b, n.Op, i)
			}
			for _, c := range n.Children {
				if c.Node.Block == b && !seen[c.Node] {
					return fmt.Errorf("%s uses @%d before it is defined", n, c.Node.Index)
				}
				if !c.Node.HasResult() {
					return fmt.Errorf("%s uses @%d which produces no value", n, c.Node.Index)
				}
			}
			switch n.Op {
			case GetLocal, SetLocal, MovHint, ZombieHint, KillStack:
				limit := g.NumLocals
				if n.Operand.Argument {
					limit = g.NumArguments
				}
				if n.Operand.Index < 0 || n.Operand.Index >= limit {
					return fmt.Errorf("%s: operand %s out of range", n, n.Operand)
				}
			case Upsilon:
				if n.Phi == nil {
					return fmt.Errorf("%s: upsilon without phi", n)
				}
			case CheckStructure, NewObject:
				for _, id := range n.Structures {
					if _, ok := g.Structures[id]; !ok {
						return fmt.Errorf("%s: unknown structure %d", n, id)
					}
				}
			case MultiGetByOffset:
				for _, c := range n.Cases {
					for _, id := range c.Structures {
						if _, ok := g.Structures[id]; !ok {
							return fmt.Errorf("%s: unknown structure %d", n, id)
						}
					}
				}
			}
			seen[n] = true
		}
	}
	return nil
}
