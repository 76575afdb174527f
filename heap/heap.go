// Package heap is the memory-region model. Every load and store emitted by the
// lowering is tagged with exactly one Region; two accesses may alias only if
// one region is an ancestor of the other.
package heap

import (
	"fmt"
	"strings"
)

type Kind int

const (
	KindRoot Kind = iota
	KindGroup
	KindField
	KindIndexed
	KindNumbered
	KindAbsolute
)

var kindNames = map[Kind]string{
	KindRoot:     "root",
	KindGroup:    "group",
	KindField:    "field",
	KindIndexed:  "indexed",
	KindNumbered: "numbered",
	KindAbsolute: "absolute",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind_%d", int(k))
}

// Region is a node of the region tree.
type Region struct {
	id       int
	name     string
	kind     Kind
	parent   *Region
	children []*Region
	depth    int

	// field regions
	offset int64
	size   int64

	// group regions may declare an extent their field children must fit in
	extent int64

	// indexed and numbered leaves
	index    int64
	anyIndex bool
}

func (r *Region) ID() int             { return r.id }
func (r *Region) Name() string        { return r.name }
func (r *Region) Kind() Kind          { return r.kind }
func (r *Region) Parent() *Region     { return r.parent }
func (r *Region) Children() []*Region { return r.children }
func (r *Region) Depth() int          { return r.depth }

// Offset is the byte offset of a field region relative to its base pointer.
func (r *Region) Offset() int64 { return r.offset }

// Size is the access width of a field region in bytes.
func (r *Region) Size() int64 { return r.size }

// Index is the constant index or key of an indexed or numbered leaf. It is
// meaningless when IsAnyIndex is true.
func (r *Region) Index() int64 { return r.index }

func (r *Region) IsAnyIndex() bool { return r.anyIndex }

// IsAncestorOf reports whether r is other or one of its ancestors.
func (r *Region) IsAncestorOf(other *Region) bool {
	for n := other; n != nil; n = n.parent {
		if n == r {
			return true
		}
		if n.depth < r.depth {
			return false
		}
	}
	return false
}

// Aliases reports whether accesses tagged with r and other may touch the same
// memory.
func (r *Region) Aliases(other *Region) bool {
	return r.IsAncestorOf(other) || other.IsAncestorOf(r)
}

// OffsetBy composes a region's own offset with an extra displacement, used
// when the region is reached through an interior pointer. Regions other than
// fields have no offset of their own.
func (r *Region) OffsetBy(extra int64) Offset {
	return Offset{Region: r, Offset: r.offset + extra}
}

// Path is the slash separated list of names from the root.
func (r *Region) Path() string {
	var parts []string
	for n := r; n != nil; n = n.parent {
		parts = append(parts, n.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

func (r *Region) String() string {
	return r.name
}

// Offset is a region paired with a byte displacement from some base.
type Offset struct {
	Region *Region
	Offset int64
}

// Access describes one tagged memory access. Address is only meaningful for
// absolute accesses, which alias each other only at equal addresses.
type Access struct {
	Region  *Region
	Address uint64
}

// MayAlias is the aliasing query the downstream optimizer relies on.
func MayAlias(a, b Access) bool {
	if a.Region.kind == KindAbsolute && b.Region.kind == KindAbsolute {
		return a.Address == b.Address
	}
	return a.Region.Aliases(b.Region)
}
