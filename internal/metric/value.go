// Package metric decides which decoded readings are worth publishing.
// Values publish on change; metrics in the throttled set additionally wait
// out a minimum interval between publishes. Suppressed candidates are
// dropped, not queued, so a fast oscillation only shows its value at the
// first evaluation past the window.
package metric

import (
	"strconv"
)

type Kind uint8

const (
	Invalid Kind = iota
	Bool
	Int
	Float
	String
)

// Value is a small tagged union. A metric keeps one kind for life, values
// of different kinds never compare equal.
type Value struct {
	kind Kind
	b    bool
	i    int
	f    float64
	s    string
}

func NewBool(b bool) Value     { return Value{kind: Bool, b: b} }
func NewInt(i int) Value       { return Value{kind: Int, i: i} }
func NewFloat(f float64) Value { return Value{kind: Float, f: f} }
func NewString(s string) Value { return Value{kind: String, s: s} }

func (v Value) Valid() bool        { return v.kind != Invalid }
func (v Value) Equal(o Value) bool { return v == o }

// String renders the wire payload form.
func (v Value) String() string {
	switch v.kind {
	case Bool:
		return strconv.FormatBool(v.b)
	case Int:
		return strconv.Itoa(v.i)
	case Float:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case String:
		return v.s
	}
	return ""
}
