// Package vm is the runtime side of the lowering: the symbol resolver and
// process-wide tables compiled code refers to, an interpreter for target-IR
// used to check lowered code, and exit replay.
package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"jitlower/object"
	"jitlower/tir"
)

// Runtime operation names. Every operation takes the call frame handle as its
// first argument.
const (
	OperationValueAdd                = "operationValueAdd"
	OperationCompareLess             = "operationCompareLess"
	OperationCompareLessEq           = "operationCompareLessEq"
	OperationCompareGreater          = "operationCompareGreater"
	OperationCompareGreaterEq        = "operationCompareGreaterEq"
	OperationCompareEq               = "operationCompareEq"
	OperationCompareStrictEq         = "operationCompareStrictEq"
	OperationToInt32                 = "operationToInt32"
	OperationValueToInt32            = "operationValueToInt32"
	OperationValueToBoolean          = "operationValueToBoolean"
	OperationFmod                    = "operationFmod"
	OperationGetById                 = "operationGetByIdOptimize"
	OperationPutById                 = "operationPutByIdOptimize"
	OperationCall                    = "operationLinkCall"
	OperationConstruct               = "operationLinkConstruct"
	OperationNewObject               = "operationNewObject"
	OperationCreateArguments         = "operationCreateArguments"
	OperationThrow                   = "operationThrow"
	OperationHandleException         = "operationHandleException"
	OperationFlushWriteBarrierBuffer = "operationFlushWriteBarrierBuffer"
)

// OperationFunc implements a runtime operation for the interpreter. Args
// are raw bits, frame handle first.
type OperationFunc func(m *Machine, args []uint64) (uint64, error)

type Operation struct {
	Name     string
	Address  uint64
	Ret      tir.Type
	Params   []tir.Type
	Variadic bool
	Fn       OperationFunc
}

// Fixed addresses of the process-wide words compiled code touches directly.
const (
	ExceptionAddress     = 0x1000
	BarrierTopAddress    = 0x1008
	BarrierBufferAddress = 0x2000

	operationBase   = 0x7f0000000000
	operationStride = 0x40
)

// Runtime is shared by every compilation in a process. Resolve may be called
// from concurrent lowerings.
type Runtime struct {
	mu          sync.RWMutex
	operations  map[string]*Operation
	byAddress   map[uint64]*Operation
	nextAddress uint64
	resolved    atomic.Int64

	Layout          object.Layout
	BarrierCapacity int
	Remembered      *RememberedSet
}

func NewRuntime(layout object.Layout, barrierCapacity, rememberedCapacity int) *Runtime {
	r := &Runtime{
		operations:      make(map[string]*Operation),
		byAddress:       make(map[uint64]*Operation),
		nextAddress:     operationBase,
		Layout:          layout,
		BarrierCapacity: barrierCapacity,
		Remembered:      NewRememberedSet(rememberedCapacity),
	}
	registerOperations(r)
	return r
}

// Register adds an operation and assigns it an address.
func (r *Runtime) Register(op Operation) *Operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.operations[op.Name]; ok {
		return existing
	}
	op.Address = r.nextAddress
	r.nextAddress += operationStride
	registered := &op
	r.operations[op.Name] = registered
	r.byAddress[op.Address] = registered
	return registered
}

// Resolve returns the operation registered under name.
func (r *Runtime) Resolve(name string) (*Operation, error) {
	r.mu.RLock()
	op, ok := r.operations[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unresolved runtime symbol %q", name)
	}
	r.resolved.Add(1)
	return op, nil
}

// Lookup finds the operation at a resolved address.
func (r *Runtime) Lookup(address uint64) (*Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.byAddress[address]
	return op, ok
}

// Resolutions counts successful Resolve calls.
func (r *Runtime) Resolutions() int64 {
	return r.resolved.Load()
}

// IDSource hands out identifiers shared by the exits and call sites of one
// compilation.
type IDSource struct {
	next atomic.Int64
}

func (s *IDSource) Next() int {
	return int(s.next.Add(1) - 1)
}

// Peek returns the identifier the next call to Next will return.
func (s *IDSource) Peek() int {
	return int(s.next.Load())
}
