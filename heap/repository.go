package heap

import (
	"fmt"
	"strconv"

	"jitlower/object"
)

// IndexedHeap is a family of regions for an array-like backing store with a
// fixed element size.
type IndexedHeap struct {
	base    *Region
	scale   int64
	offset  int64
	atIndex []*Region
}

// Region returns the region covering every index.
func (h *IndexedHeap) Region() *Region { return h.base }

func (h *IndexedHeap) AtAnyIndex() *Region { return h.base }

func (h *IndexedHeap) Scale() int64 { return h.scale }

// Offset is the displacement of element zero from the storage pointer.
func (h *IndexedHeap) Offset() int64 { return h.offset }

// At returns the region for a constant index. Indices that were not
// pre-built fall back to the any-index region, which is their ancestor.
func (h *IndexedHeap) At(index int64) *Region {
	if index >= 0 && index < int64(len(h.atIndex)) {
		return h.atIndex[index]
	}
	return h.base
}

// NumberedHeap is a family of disjoint regions keyed by a small integer.
type NumberedHeap struct {
	base    *Region
	entries []*Region
}

func (h *NumberedHeap) Any() *Region { return h.base }

func (h *NumberedHeap) At(key int64) *Region {
	if key >= 0 && key < int64(len(h.entries)) {
		return h.entries[key]
	}
	return h.base
}

// Options controls how many constant-keyed leaves are pre-built.
type Options struct {
	IndexedLeaves  int
	NumberedLeaves int
}

func DefaultOptions() Options {
	return Options{IndexedLeaves: 16, NumberedLeaves: 64}
}

// Repository is the immutable region tree for one process. It is safe for
// concurrent readers once New has returned.
type Repository struct {
	root    *Region
	byName  map[string]*Region
	regions []*Region
	layout  object.Layout

	Absolute *Region

	JSCellHeaderAndNamedProperties *Region
	JSCellStructureID              *Region
	JSCellIndexingType             *Region
	JSCellTypeInfoType             *Region
	JSCellTypeInfoFlags            *Region
	JSCellGCData                   *Region
	JSObjectButterfly              *Region
	JSStringLength                 *Region
	JSStringValue                  *Region
	JSFunctionScope                *Region
	JSFunctionExecutable           *Region

	ButterflyPublicLength *Region
	ButterflyVectorLength *Region

	CallFrameCallSiteIndex *Region
	WatchpointSetState     *Region
	WriteBarrierBufferTop  *Region

	Properties *NumberedHeap
	Variables  *NumberedHeap

	IndexedInt32Properties      *IndexedHeap
	IndexedDoubleProperties     *IndexedHeap
	IndexedContiguousProperties *IndexedHeap
	WriteBarrierBufferContents  *IndexedHeap
}

func New(layout object.Layout, opts Options) *Repository {
	r := &Repository{byName: make(map[string]*Region), layout: layout}
	r.root = r.add(nil, "root", KindRoot)

	r.Absolute = r.add(r.root, "absolute", KindAbsolute)

	cell := r.group(r.root, "JSCellHeaderAndNamedProperties", 32)
	r.JSCellHeaderAndNamedProperties = cell
	r.JSCellStructureID = r.field(cell, "JSCell_structureID", layout.StructureIDOffset, 4)
	r.JSCellIndexingType = r.field(cell, "JSCell_indexingType", layout.IndexingTypeOffset, 1)
	r.JSCellTypeInfoType = r.field(cell, "JSCell_typeInfoType", layout.TypeInfoTypeOffset, 1)
	r.JSCellTypeInfoFlags = r.field(cell, "JSCell_typeInfoFlags", layout.TypeInfoFlagsOffset, 1)
	r.JSCellGCData = r.field(cell, "JSCell_gcData", layout.GCDataOffset, 1)
	r.JSObjectButterfly = r.field(cell, "JSObject_butterfly", layout.ButterflyOffset, 8)
	r.JSStringLength = r.field(cell, "JSString_length", layout.StringLengthOffset, 4)
	r.JSStringValue = r.field(cell, "JSString_value", layout.StringValueOffset, 8)
	r.JSFunctionScope = r.field(cell, "JSFunction_scope", layout.FunctionScopeOffset, 8)
	r.JSFunctionExecutable = r.field(cell, "JSFunction_executable", layout.FunctionExecutableOffset, 8)
	r.Properties = r.numbered(cell, "properties", opts.NumberedLeaves)

	butterfly := r.group(r.root, "Butterfly", 0)
	r.ButterflyPublicLength = r.field(butterfly, "Butterfly_publicLength", layout.PublicLengthOffset, 4)
	r.ButterflyVectorLength = r.field(butterfly, "Butterfly_vectorLength", layout.VectorLengthOffset, 4)

	r.IndexedInt32Properties = r.indexed(r.root, "indexedInt32Properties", 8, 0, opts.IndexedLeaves)
	r.IndexedDoubleProperties = r.indexed(r.root, "indexedDoubleProperties", 8, 0, opts.IndexedLeaves)
	r.IndexedContiguousProperties = r.indexed(r.root, "indexedContiguousProperties", 8, 0, opts.IndexedLeaves)

	frame := r.group(r.root, "CallFrame", 0)
	r.CallFrameCallSiteIndex = r.field(frame, "CallFrame_callSiteIndex", layout.CallSiteIndexOffset, 4)
	r.Variables = r.numbered(frame, "variables", opts.NumberedLeaves)

	r.WatchpointSetState = r.field(r.group(r.root, "WatchpointSet", 0), "WatchpointSet_state", 0, 1)

	barrier := r.group(r.root, "WriteBarrierBuffer", 0)
	r.WriteBarrierBufferTop = r.field(barrier, "WriteBarrierBuffer_top", 0, 4)
	r.WriteBarrierBufferContents = r.indexed(barrier, "WriteBarrierBuffer_contents", 8, 0, 0)

	return r
}

func (r *Repository) Root() *Region { return r.root }

func (r *Repository) Layout() object.Layout { return r.layout }

// Region looks a region up by its unique name.
func (r *Repository) Region(name string) (*Region, bool) {
	reg, ok := r.byName[name]
	return reg, ok
}

func (r *Repository) MustRegion(name string) *Region {
	reg, ok := r.byName[name]
	if !ok {
		panic(fmt.Sprintf("heap: no region named %q", name))
	}
	return reg
}

// Regions lists every region in pre-order; IDs are positions in this list.
func (r *Repository) Regions() []*Region {
	return r.regions
}

// Walk visits regions in pre-order.
func (r *Repository) Walk(fn func(*Region)) {
	var walk func(*Region)
	walk = func(n *Region) {
		fn(n)
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(r.root)
}

func (r *Repository) add(parent *Region, name string, kind Kind) *Region {
	if _, ok := r.byName[name]; ok {
		panic(fmt.Sprintf("heap: duplicate region name %q", name))
	}
	reg := &Region{id: len(r.regions), name: name, kind: kind, parent: parent}
	if parent != nil {
		reg.depth = parent.depth + 1
		parent.children = append(parent.children, reg)
	}
	r.byName[name] = reg
	r.regions = append(r.regions, reg)
	return reg
}

func (r *Repository) group(parent *Region, name string, extent int64) *Region {
	reg := r.add(parent, name, KindGroup)
	reg.extent = extent
	return reg
}

func (r *Repository) field(parent *Region, name string, offset, size int64) *Region {
	if parent.extent > 0 && (offset < 0 || offset+size > parent.extent) {
		panic(fmt.Sprintf("heap: field %q at [%d, %d) outside extent %d of %q", name, offset, offset+size, parent.extent, parent.name))
	}
	reg := r.add(parent, name, KindField)
	reg.offset = offset
	reg.size = size
	return reg
}

func (r *Repository) indexed(parent *Region, name string, scale, offset int64, leaves int) *IndexedHeap {
	base := r.add(parent, name, KindIndexed)
	base.anyIndex = true
	h := &IndexedHeap{base: base, scale: scale, offset: offset}
	for i := 0; i < leaves; i++ {
		leaf := r.add(base, name+"_"+strconv.Itoa(i), KindIndexed)
		leaf.index = int64(i)
		leaf.size = scale
		h.atIndex = append(h.atIndex, leaf)
	}
	return h
}

func (r *Repository) numbered(parent *Region, name string, leaves int) *NumberedHeap {
	base := r.add(parent, name, KindNumbered)
	base.anyIndex = true
	h := &NumberedHeap{base: base}
	for i := 0; i < leaves; i++ {
		leaf := r.add(base, name+"_"+strconv.Itoa(i), KindNumbered)
		leaf.index = int64(i)
		h.entries = append(h.entries, leaf)
	}
	return h
}
