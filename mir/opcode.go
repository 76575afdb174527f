package mir

import (
	"fmt"
)

type Opcode int

const (
	JSConstant Opcode = iota
	DoubleConstant
	Int52Constant
	Phantom
	Check
	DoubleRep
	ValueRep
	Int52Rep
	ValueToInt32
	BooleanToNumber
	UInt32ToNumber
	GetLocal
	SetLocal
	MovHint
	ZombieHint
	KillStack
	PhantomArguments
	CheckArgumentsNotCreated
	Phi
	Upsilon
	ArithAdd
	ArithSub
	ArithMul
	ArithDiv
	ArithMod
	ArithNegate
	ArithAbs
	ArithMin
	ArithMax
	ValueAdd
	BitAnd
	BitOr
	BitXor
	BitLShift
	BitRShift
	BitURShift
	LogicalNot
	CompareLess
	CompareLessEq
	CompareGreater
	CompareGreaterEq
	CompareEq
	CompareStrictEq
	CheckStructure
	CheckCell
	CheckArray
	GetButterfly
	GetArrayLength
	GetByVal
	PutByVal
	GetByOffset
	PutByOffset
	MultiGetByOffset
	GetById
	PutById
	Call
	Construct
	NewObject
	GetGlobalVar
	PutGlobalVar
	StoreBarrier
	NotifyWrite
	ForceOSRExit
	InvalidationPoint
	Jump
	Branch
	Switch
	Return
	Throw
	Unreachable

	NumOpcodes
)

// Result is the representation a node produces.
type Result int

const (
	ResultNone Result = iota
	ResultBoolean
	ResultInt32
	ResultInt52
	ResultDouble
	ResultJS
	ResultStorage
)

var resultNames = map[Result]string{
	ResultNone:    "none",
	ResultBoolean: "boolean",
	ResultInt32:   "int32",
	ResultInt52:   "int52",
	ResultDouble:  "double",
	ResultJS:      "js",
	ResultStorage: "storage",
}

func (r Result) String() string {
	return resultNames[r]
}

func ParseResult(s string) (Result, error) {
	for r, name := range resultNames {
		if name == s {
			return r, nil
		}
	}
	return ResultNone, fmt.Errorf("unknown result %q", s)
}

type Flags int

const (
	// Terminal nodes end their block.
	Terminal Flags = 1 << iota
	// Inferred nodes take their result from their use kinds.
	Inferred
	// Effects marks nodes the abstract interpreter must see even when they
	// produce nothing.
	Effects
)

type (
	Definition struct {
		Name     string
		Children int // -1 when variadic
		Result   Result
		Flags    Flags
	}
)

var definitions = map[Opcode]*Definition{
	JSConstant:               {"JSConstant", 0, ResultJS, 0},
	DoubleConstant:           {"DoubleConstant", 0, ResultDouble, 0},
	Int52Constant:            {"Int52Constant", 0, ResultInt52, 0},
	Phantom:                  {"Phantom", -1, ResultNone, 0},
	Check:                    {"Check", -1, ResultNone, 0},
	DoubleRep:                {"DoubleRep", 1, ResultDouble, 0},
	ValueRep:                 {"ValueRep", 1, ResultJS, 0},
	Int52Rep:                 {"Int52Rep", 1, ResultInt52, 0},
	ValueToInt32:             {"ValueToInt32", 1, ResultInt32, 0},
	BooleanToNumber:          {"BooleanToNumber", 1, ResultInt32, 0},
	UInt32ToNumber:           {"UInt32ToNumber", 1, ResultInt32, Inferred},
	GetLocal:                 {"GetLocal", 0, ResultJS, Inferred},
	SetLocal:                 {"SetLocal", 1, ResultNone, Effects},
	MovHint:                  {"MovHint", 1, ResultNone, 0},
	ZombieHint:               {"ZombieHint", 0, ResultNone, 0},
	KillStack:                {"KillStack", 0, ResultNone, 0},
	PhantomArguments:         {"PhantomArguments", 0, ResultJS, 0},
	CheckArgumentsNotCreated: {"CheckArgumentsNotCreated", 0, ResultNone, 0},
	Phi:                      {"Phi", 0, ResultJS, Inferred},
	Upsilon:                  {"Upsilon", 1, ResultNone, 0},
	ArithAdd:                 {"ArithAdd", 2, ResultInt32, Inferred},
	ArithSub:                 {"ArithSub", 2, ResultInt32, Inferred},
	ArithMul:                 {"ArithMul", 2, ResultInt32, Inferred},
	ArithDiv:                 {"ArithDiv", 2, ResultInt32, Inferred},
	ArithMod:                 {"ArithMod", 2, ResultInt32, Inferred},
	ArithNegate:              {"ArithNegate", 1, ResultInt32, Inferred},
	ArithAbs:                 {"ArithAbs", 1, ResultInt32, Inferred},
	ArithMin:                 {"ArithMin", 2, ResultInt32, Inferred},
	ArithMax:                 {"ArithMax", 2, ResultInt32, Inferred},
	ValueAdd:                 {"ValueAdd", 2, ResultJS, Effects},
	BitAnd:                   {"BitAnd", 2, ResultInt32, 0},
	BitOr:                    {"BitOr", 2, ResultInt32, 0},
	BitXor:                   {"BitXor", 2, ResultInt32, 0},
	BitLShift:                {"BitLShift", 2, ResultInt32, 0},
	BitRShift:                {"BitRShift", 2, ResultInt32, 0},
	BitURShift:               {"BitURShift", 2, ResultInt32, 0},
	LogicalNot:               {"LogicalNot", 1, ResultBoolean, 0},
	CompareLess:              {"CompareLess", 2, ResultBoolean, 0},
	CompareLessEq:            {"CompareLessEq", 2, ResultBoolean, 0},
	CompareGreater:           {"CompareGreater", 2, ResultBoolean, 0},
	CompareGreaterEq:         {"CompareGreaterEq", 2, ResultBoolean, 0},
	CompareEq:                {"CompareEq", 2, ResultBoolean, 0},
	CompareStrictEq:          {"CompareStrictEq", 2, ResultBoolean, 0},
	CheckStructure:           {"CheckStructure", 1, ResultNone, Effects},
	CheckCell:                {"CheckCell", 1, ResultNone, Effects},
	CheckArray:               {"CheckArray", 1, ResultNone, Effects},
	GetButterfly:             {"GetButterfly", 1, ResultStorage, 0},
	GetArrayLength:           {"GetArrayLength", 2, ResultInt32, 0},
	GetByVal:                 {"GetByVal", 3, ResultJS, Inferred},
	PutByVal:                 {"PutByVal", 4, ResultNone, Effects},
	GetByOffset:              {"GetByOffset", 2, ResultJS, 0},
	PutByOffset:              {"PutByOffset", 3, ResultNone, Effects},
	MultiGetByOffset:         {"MultiGetByOffset", 1, ResultJS, Effects},
	GetById:                  {"GetById", 1, ResultJS, Effects},
	PutById:                  {"PutById", 2, ResultNone, Effects},
	Call:                     {"Call", -1, ResultJS, Effects},
	Construct:                {"Construct", -1, ResultJS, Effects},
	NewObject:                {"NewObject", 0, ResultJS, Effects},
	GetGlobalVar:             {"GetGlobalVar", 0, ResultJS, 0},
	PutGlobalVar:             {"PutGlobalVar", 1, ResultNone, Effects},
	StoreBarrier:             {"StoreBarrier", 1, ResultNone, 0},
	NotifyWrite:              {"NotifyWrite", 0, ResultNone, Effects},
	ForceOSRExit:             {"ForceOSRExit", 0, ResultNone, Effects},
	InvalidationPoint:        {"InvalidationPoint", 0, ResultNone, 0},
	Jump:                     {"Jump", 0, ResultNone, Terminal},
	Branch:                   {"Branch", 1, ResultNone, Terminal},
	Switch:                   {"Switch", 1, ResultNone, Terminal},
	Return:                   {"Return", 1, ResultNone, Terminal},
	Throw:                    {"Throw", 1, ResultNone, Terminal},
	Unreachable:              {"Unreachable", 0, ResultNone, Terminal},
}

func Lookup(op Opcode) (*Definition, error) {
	def, ok := definitions[op]
	if !ok {
		return nil, fmt.Errorf("opcode %d undefined", op)
	}

	return def, nil
}

func ParseOpcode(name string) (Opcode, error) {
	for op, def := range definitions {
		if def.Name == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("opcode %q undefined", name)
}

func (op Opcode) String() string {
	if def, ok := definitions[op]; ok {
		return def.Name
	}
	return fmt.Sprintf("Opcode(%d)", int(op))
}

func (op Opcode) IsTerminal() bool {
	def, ok := definitions[op]
	return ok && def.Flags&Terminal != 0
}

func (op Opcode) IsConstant() bool {
	return op == JSConstant || op == DoubleConstant || op == Int52Constant
}
