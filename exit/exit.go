// Package exit describes bail-out sites: why a speculation failed and how the
// interpreter-visible state is rebuilt when it does.
package exit

import (
	"bytes"
	"fmt"
	"strings"

	"jitlower/mir"
	"jitlower/object"
)

// Kind is why a check exists.
type Kind int

const (
	BadType Kind = iota
	BadCache
	BadConstantCache
	BadIndexingType
	BadCell
	Overflow
	NegativeZero
	Int52Overflow
	OutOfBounds
	LoadFromHole
	ArgumentsEscaped
	NotifyWrite
	Uncountable
	UncountableInvalidation
)

var kindNames = map[Kind]string{
	BadType:                 "BadType",
	BadCache:                "BadCache",
	BadConstantCache:        "BadConstantCache",
	BadIndexingType:         "BadIndexingType",
	BadCell:                 "BadCell",
	Overflow:                "Overflow",
	NegativeZero:            "NegativeZero",
	Int52Overflow:           "Int52Overflow",
	OutOfBounds:             "OutOfBounds",
	LoadFromHole:            "LoadFromHole",
	ArgumentsEscaped:        "ArgumentsEscaped",
	NotifyWrite:             "NotifyWrite",
	Uncountable:             "Uncountable",
	UncountableInvalidation: "UncountableInvalidation",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Format is how the interpreter must reinterpret a raw 64-bit value.
type Format int

const (
	FormatJSValue Format = iota
	FormatInt32
	FormatInt52       // shifted left by Int52Shift
	FormatStrictInt52 // plain sign-extended integer
	FormatDouble
	FormatBoolean
)

// Int52Shift is the left shift applied to values in the shifted int52 format.
const Int52Shift = 12

var formatNames = map[Format]string{
	FormatJSValue:     "jsvalue",
	FormatInt32:       "int32",
	FormatInt52:       "int52",
	FormatStrictInt52: "strictInt52",
	FormatDouble:      "double",
	FormatBoolean:     "boolean",
}

func (f Format) String() string { return formatNames[f] }

// FormatOf is the exit format of a value flushed to the stack as f. Cells
// and booleans are flushed boxed.
func FormatOf(f mir.FlushFormat) Format {
	switch f {
	case mir.FlushedInt32:
		return FormatInt32
	case mir.FlushedInt52:
		return FormatInt52
	case mir.FlushedDouble:
		return FormatDouble
	}
	return FormatJSValue
}

// ValueKind separates the ways an exit value can be reconstructed.
type ValueKind int

const (
	Dead ValueKind = iota
	Constant
	InJSStack
	Argument
	Recovery
	ArgumentsObjectNotMaterialized
)

// RecoveryOp is the inverse arithmetic a recovery performs.
type RecoveryOp int

const (
	RecoverAdd RecoveryOp = iota
	RecoverSub
)

// Value is how one interpreter slot is rebuilt.
type Value struct {
	Kind ValueKind

	Constant object.Value // Constant
	Slot     mir.Operand  // InJSStack
	Format   Format       // InJSStack, Argument, Recovery

	// Argument: index into the exit's live-outs. Recovery: the two inputs,
	// combined as Left op Right.
	Left  int
	Right int
	Op    RecoveryOp
}

func DeadValue() Value { return Value{Kind: Dead} }

func ConstantValue(v object.Value) Value {
	return Value{Kind: Constant, Constant: v}
}

func StackValue(slot mir.Operand, f Format) Value {
	return Value{Kind: InJSStack, Slot: slot, Format: f}
}

func ArgumentValue(index int, f Format) Value {
	return Value{Kind: Argument, Left: index, Format: f}
}

func RecoveryValue(op RecoveryOp, left, right int, f Format) Value {
	return Value{Kind: Recovery, Op: op, Left: left, Right: right, Format: f}
}

func (v Value) String() string {
	switch v.Kind {
	case Dead:
		return "dead"
	case Constant:
		return fmt.Sprintf("const(%s)", v.Constant)
	case InJSStack:
		return fmt.Sprintf("stack(%s, %s)", v.Slot, v.Format)
	case Argument:
		return fmt.Sprintf("arg#%d(%s)", v.Left, v.Format)
	case Recovery:
		op := "+"
		if v.Op == RecoverSub {
			op = "-"
		}
		return fmt.Sprintf("recover(arg#%d %s arg#%d, %s)", v.Left, op, v.Right, v.Format)
	case ArgumentsObjectNotMaterialized:
		return "arguments"
	}
	return "?"
}

// Profile points at the value whose check failed.
type Profile struct {
	Node    int // mir node index
	LiveOut int // index into the live-outs, or -1
}

// Descriptor is everything the installer needs for one bail-out site.
type Descriptor struct {
	ID        int
	Kind      Kind
	Origin    mir.Origin
	Values    []Value // one per operand, in mir.Graph.Operands order
	Operands  []mir.Operand
	PatchSize int

	Profile *Profile

	// Invalidation exits are reached by patching a jump over the site, not
	// by a branch.
	Invalidation bool

	// LiveOuts is the number of extra arguments passed to the exit call.
	LiveOuts int
}

func (d *Descriptor) String() string {
	var out bytes.Buffer
	fmt.Fprintf(&out, "exit #%d %s at bc#%d (resume bc#%d)", d.ID, d.Kind, d.Origin.Semantic, d.Origin.ForExit)
	if d.Invalidation {
		out.WriteString(" invalidation")
	}
	parts := make([]string, len(d.Values))
	for i, v := range d.Values {
		parts[i] = fmt.Sprintf("%s=%s", d.Operands[i], v)
	}
	fmt.Fprintf(&out, " [%s]", strings.Join(parts, " "))
	return out.String()
}

// CallKind is the flavour of an inline-cacheable operation.
type CallKind int

const (
	GetByID CallKind = iota
	PutByID
	CallFunction
	ConstructFunction
)

var callKindNames = map[CallKind]string{
	GetByID:           "GetById",
	PutByID:           "PutById",
	CallFunction:      "Call",
	ConstructFunction: "Construct",
}

func (k CallKind) String() string { return callKindNames[k] }

// CallSite describes a patchable inline-cache or call site.
type CallSite struct {
	ID           int
	Kind         CallKind
	Origin       mir.Origin
	OperandCount int
	Property     string
	PatchSize    int
}

func (c *CallSite) String() string {
	s := fmt.Sprintf("callsite #%d %s at bc#%d operands=%d", c.ID, c.Kind, c.Origin.Semantic, c.OperandCount)
	if c.Property != "" {
		s += " property=" + c.Property
	}
	return s
}
