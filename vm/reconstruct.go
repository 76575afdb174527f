package vm

import (
	"fmt"
	"math"

	"jitlower/exit"
	"jitlower/mir"
	"jitlower/object"
)

// Slot is one rebuilt interpreter slot.
type Slot struct {
	Value object.Value
	Dead  bool
	// Arguments marks a slot that needs a fresh arguments object.
	Arguments bool
}

func (s Slot) String() string {
	switch {
	case s.Dead:
		return "dead"
	case s.Arguments:
		return "arguments"
	}
	return s.Value.Inspect()
}

// Reconstruct replays an exit descriptor: stack reads a raw slot of the
// exiting frame, liveOuts are the extra arguments of the exit call.
func Reconstruct(desc *exit.Descriptor, stack func(mir.Operand) uint64, liveOuts []uint64) ([]Slot, error) {
	if len(liveOuts) != desc.LiveOuts {
		return nil, fmt.Errorf("exit #%d: expected %d live-outs, got %d", desc.ID, desc.LiveOuts, len(liveOuts))
	}
	arg := func(i int) (uint64, error) {
		if i < 0 || i >= len(liveOuts) {
			return 0, fmt.Errorf("exit #%d: live-out %d out of range", desc.ID, i)
		}
		return liveOuts[i], nil
	}

	slots := make([]Slot, len(desc.Values))
	for i, v := range desc.Values {
		switch v.Kind {
		case exit.Dead:
			slots[i] = Slot{Dead: true}
		case exit.Constant:
			slots[i] = Slot{Value: v.Constant}
		case exit.InJSStack:
			slots[i] = Slot{Value: Decode(stack(v.Slot), v.Format)}
		case exit.Argument:
			bits, err := arg(v.Left)
			if err != nil {
				return nil, err
			}
			slots[i] = Slot{Value: Decode(bits, v.Format)}
		case exit.Recovery:
			left, err := arg(v.Left)
			if err != nil {
				return nil, err
			}
			right, err := arg(v.Right)
			if err != nil {
				return nil, err
			}
			value, err := recoverValue(v, left, right)
			if err != nil {
				return nil, fmt.Errorf("exit #%d %s: %w", desc.ID, desc.Operands[i], err)
			}
			slots[i] = Slot{Value: value}
		case exit.ArgumentsObjectNotMaterialized:
			slots[i] = Slot{Arguments: true}
		default:
			return nil, fmt.Errorf("exit #%d: unknown value kind %d", desc.ID, v.Kind)
		}
	}
	return slots, nil
}

// Decode boxes raw bits held in format f.
func Decode(bits uint64, f exit.Format) object.Value {
	switch f {
	case exit.FormatInt32:
		return object.Int32(int32(uint32(bits)))
	case exit.FormatInt52:
		return object.Number(int64(bits) >> exit.Int52Shift)
	case exit.FormatStrictInt52:
		return object.Number(int64(bits))
	case exit.FormatDouble:
		return object.Double(math.Float64frombits(bits))
	case exit.FormatBoolean:
		return object.Boolean(bits&1 != 0)
	}
	return object.Value(bits)
}

// recoverValue undoes the arithmetic that overwrote an operand. The inputs are
// in the recovery's format and the result wraps the same way the checked
// operation did.
func recoverValue(v exit.Value, left, right uint64) (object.Value, error) {
	switch v.Format {
	case exit.FormatInt32:
		a, b := uint32(left), uint32(right)
		if v.Op == exit.RecoverAdd {
			return object.Int32(int32(a + b)), nil
		}
		return object.Int32(int32(a - b)), nil
	case exit.FormatInt52, exit.FormatStrictInt52:
		a, b := int64(left), int64(right)
		r := a - b
		if v.Op == exit.RecoverAdd {
			r = a + b
		}
		if v.Format == exit.FormatInt52 {
			r >>= exit.Int52Shift
		}
		return object.Number(r), nil
	}
	return object.ValueEmpty, fmt.Errorf("no recovery in format %s", v.Format)
}

// Replay reconstructs the state of the machine's current frame at an exit
// and materializes the arguments object where one is needed.
func (m *Machine) Replay(desc *exit.Descriptor, e *Exit) ([]Slot, error) {
	if desc.ID != e.ID {
		return nil, fmt.Errorf("descriptor #%d does not describe exit #%d", desc.ID, e.ID)
	}
	slots, err := Reconstruct(desc, m.Slot, e.LiveOuts)
	if err != nil {
		return nil, err
	}
	for i, s := range slots {
		if s.Arguments {
			cell, err := createArguments(m, []uint64{m.frame})
			if err != nil {
				return nil, err
			}
			slots[i] = Slot{Value: object.Cell(cell)}
		}
	}
	return slots, nil
}
