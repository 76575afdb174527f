package types

import (
	"testing"
)

func TestSignature(t *testing.T) {
	tests := []struct {
		t             SpecType
		expectedValue string
	}{
		{SpecNone, "None"},
		{SpecInt32, "Int32"},
		{SpecBoolInt32, "BoolInt32"},
		{SpecInt32 | SpecBoolean, "Int32|Bool"},
		{SpecCell, "Cell"},
		{SpecTop, "Top"},
		{SpecFinalObject | SpecString, "Final|String"},
	}

	for _, test := range tests {
		if test.t.Signature() != test.expectedValue {
			t.Fatalf("Signature mismatch: expected %s, got %s", test.expectedValue, test.t.Signature())
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []SpecType{
		SpecNone,
		SpecInt32,
		SpecInt32 | SpecBoolean,
		SpecObject | SpecOther,
		SpecFullNumber,
		SpecTop,
		SpecArray | SpecDoubleReal | SpecEmpty,
	}

	for _, tt := range tests {
		parsed, err := Parse(tt.Signature())
		if err != nil {
			t.Fatalf("unexpected error parsing %q: %s", tt.Signature(), err)
		}
		if parsed != tt {
			t.Fatalf("expected %s, got %s", tt, parsed)
		}
	}

	if _, err := Parse("Int32|Bogus"); err == nil {
		t.Fatalf("expected error for unknown type name")
	}
}

func TestSubtyping(t *testing.T) {
	if !SpecBoolInt32.IsSubtypeOf(SpecInt32) {
		t.Fatalf("BoolInt32 should be a subtype of Int32")
	}
	if SpecInt52.IsSubtypeOf(SpecInt32) {
		t.Fatalf("Int52 should not be a subtype of Int32")
	}
	if !SpecInt32.IsSubtypeOf(SpecBytecodeNumber) {
		t.Fatalf("Int32 should be a number")
	}
	if SpecNone.IsInt32() {
		t.Fatalf("the empty set proves nothing")
	}
	if (SpecCell | SpecInt32).IsNotCell() {
		t.Fatalf("a set containing cells is not NotCell")
	}
	if SpecObject.Filter(SpecString) != SpecNone {
		t.Fatalf("objects and strings are disjoint")
	}
}

func TestFromInt64(t *testing.T) {
	tests := []struct {
		value    int64
		expected SpecType
	}{
		{0, SpecBoolInt32},
		{1, SpecBoolInt32},
		{-1, SpecNonBoolInt32},
		{2147483647, SpecNonBoolInt32},
		{-2147483648, SpecNonBoolInt32},
		{2147483648, SpecInt52},
		{-(1 << 51), SpecInt52},
		{1 << 51, SpecDoubleReal},
	}

	for _, tt := range tests {
		if got := FromInt64(tt.value); got != tt.expected {
			t.Fatalf("FromInt64(%d): expected %s, got %s", tt.value, tt.expected, got)
		}
	}
}
