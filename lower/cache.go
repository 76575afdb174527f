package lower

import (
	"jitlower/exit"
	"jitlower/mir"
	"jitlower/tir"
)

// repr is one of the target-level representations a mid-IR value can be
// held in.
type repr int

const (
	reprInt32 repr = iota
	// reprInt52 values are shifted left by exit.Int52Shift.
	reprInt52
	reprStrictInt52
	reprDouble
	reprBoolean
	reprJSValue
	reprStorage

	numReprs
)

var reprNames = [numReprs]string{
	reprInt32:       "int32",
	reprInt52:       "int52",
	reprStrictInt52: "strictInt52",
	reprDouble:      "double",
	reprBoolean:     "boolean",
	reprJSValue:     "jsvalue",
	reprStorage:     "storage",
}

func (r repr) String() string { return reprNames[r] }

func (r repr) typ() tir.Type {
	switch r {
	case reprInt32:
		return tir.I32
	case reprDouble:
		return tir.Double
	case reprBoolean:
		return tir.I1
	}
	return tir.I64
}

func (r repr) format() exit.Format {
	switch r {
	case reprInt32:
		return exit.FormatInt32
	case reprInt52:
		return exit.FormatInt52
	case reprStrictInt52:
		return exit.FormatStrictInt52
	case reprDouble:
		return exit.FormatDouble
	case reprBoolean:
		return exit.FormatBoolean
	}
	return exit.FormatJSValue
}

// reprOf is the representation a node's result is produced in.
func reprOf(r mir.Result) repr {
	switch r {
	case mir.ResultInt32:
		return reprInt32
	case mir.ResultInt52:
		return reprInt52
	case mir.ResultDouble:
		return reprDouble
	case mir.ResultBoolean:
		return reprBoolean
	case mir.ResultStorage:
		return reprStorage
	}
	return reprJSValue
}

// exitPriority is the order representations are tried in when an exit needs
// a node that has no cheaper recipe.
var exitPriority = []repr{reprInt32, reprInt52, reprStrictInt52, reprBoolean, reprJSValue, reprDouble}

type cacheEntry struct {
	value tir.Value
	block *mir.Block
}

// valueCache maps a node to its lowered values, one slot per
// representation. An entry is only usable from blocks its defining block
// dominates.
type valueCache struct {
	entries    map[*mir.Node]*[numReprs]cacheEntry
	dominators *mir.Dominators
}

func newValueCache(d *mir.Dominators) *valueCache {
	return &valueCache{
		entries:    make(map[*mir.Node]*[numReprs]cacheEntry),
		dominators: d,
	}
}

func (c *valueCache) set(n *mir.Node, r repr, v tir.Value, in *mir.Block) {
	if v.Type() != r.typ() {
		internalf("@%d: %s value of type %s", n.Index, r, v.Type())
	}
	e, ok := c.entries[n]
	if !ok {
		e = new([numReprs]cacheEntry)
		c.entries[n] = e
	}
	e[r] = cacheEntry{value: v, block: in}
}

func (c *valueCache) get(n *mir.Node, r repr, from *mir.Block) (tir.Value, bool) {
	e, ok := c.entries[n]
	if !ok || e[r].value == nil {
		return nil, false
	}
	if !c.dominators.Dominates(e[r].block, from) {
		return nil, false
	}
	return e[r].value, true
}
