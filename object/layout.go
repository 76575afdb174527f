package object

// Cell types stored in the JSCell_typeInfoType byte.
const (
	CellType        byte = 0
	StringType      byte = 1
	SymbolType      byte = 2
	ObjectType      byte = 16 // every type at or above this is an object
	FinalObjectType byte = 17
	ArrayType       byte = 18
	FunctionType    byte = 19
)

// Indexing shapes stored in the JSCell_indexingType byte.
const (
	NoIndexingShape   byte = 0
	Int32Shape        byte = 0x04
	DoubleShape       byte = 0x06
	ContiguousShape   byte = 0x08
	ArrayStorageShape byte = 0x0a
	IndexingShapeMask byte = 0x0e
	IsArray           byte = 0x01
)

// Watchpoint set states stored in a WatchpointSet_state byte.
const (
	ClearWatchpoint byte = 0
	IsWatched       byte = 1
	IsInvalidated   byte = 2
)

// Layout is the table of object layout constants the lowering needs. The real
// values belong to the runtime; DefaultLayout matches the runtime used by the
// tests and by the CLI.
type Layout struct {
	CellSize int64 // size of a cell with no inline storage

	StructureIDOffset   int64
	IndexingTypeOffset  int64
	TypeInfoTypeOffset  int64
	TypeInfoFlagsOffset int64
	GCDataOffset        int64
	ButterflyOffset     int64
	InlineStorageOffset int64

	StringLengthOffset int64
	StringValueOffset  int64

	FunctionScopeOffset      int64
	FunctionExecutableOffset int64

	// Butterfly header words sit below the butterfly pointer.
	PublicLengthOffset int64
	VectorLengthOffset int64

	// Call frame header, relative to the frame handle.
	CallSiteIndexOffset int64
	ArgumentsOffset     int64 // first argument slot
	LocalsOffset        int64 // first local slot; locals grow downward
	SlotSize            int64

	ArgumentsRegister int // local slot reserved for the lazily created arguments object
}

func DefaultLayout() Layout {
	return Layout{
		CellSize: 16,

		StructureIDOffset:   0,
		IndexingTypeOffset:  4,
		TypeInfoTypeOffset:  5,
		TypeInfoFlagsOffset: 6,
		GCDataOffset:        7,
		ButterflyOffset:     8,
		InlineStorageOffset: 16,

		StringLengthOffset: 12,
		StringValueOffset:  16,

		FunctionScopeOffset:      16,
		FunctionExecutableOffset: 24,

		PublicLengthOffset: -8,
		VectorLengthOffset: -4,

		CallSiteIndexOffset: 36,
		ArgumentsOffset:     48,
		LocalsOffset:        -8,
		SlotSize:            8,

		ArgumentsRegister: 0,
	}
}

// ArgumentSlotOffset is the byte offset of argument i from the frame handle.
func (l Layout) ArgumentSlotOffset(i int) int64 {
	return l.ArgumentsOffset + int64(i)*l.SlotSize
}

// LocalSlotOffset is the byte offset of local i from the frame handle.
func (l Layout) LocalSlotOffset(i int) int64 {
	return l.LocalsOffset - int64(i)*l.SlotSize
}

// PropertyOffset returns the byte offset of an inline or out-of-line property
// and whether it lives in the butterfly.
func (l Layout) PropertyOffset(offset int, inlineCapacity int) (int64, bool) {
	if offset < inlineCapacity {
		return l.InlineStorageOffset + int64(offset)*l.SlotSize, false
	}
	// out-of-line properties grow downward from the butterfly, below the header
	outOfLine := offset - inlineCapacity
	return l.PublicLengthOffset - int64(outOfLine+1)*l.SlotSize, true
}
