// Package fixedpoint provides exact 8-decimal arithmetic for quantities,
// prices, and monetary values. Every value is truncated to 8 decimal places
// toward zero on construction and after multiplication/division, so results
// are reproducible and never drift the way binary floats do.
package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places carried by every Value.
const Scale = 8

// ErrDivisionByZero is returned by Div when the divisor is zero.
var ErrDivisionByZero = errors.New("fixedpoint: division by zero")

// Value is an exact decimal truncated to Scale places. The zero Value is 0.
type Value struct {
	d decimal.Decimal
}

var zero = Value{}

// Zero returns the zero value.
func Zero() Value { return zero }

// New builds a Value from an arbitrary decimal, truncating toward zero
// to Scale places.
func New(d decimal.Decimal) Value {
	return Value{d: d.Truncate(Scale)}
}

// FromString parses a decimal string into a Value.
func FromString(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return zero, fmt.Errorf("fixedpoint: parse %q: %w", s, err)
	}
	return New(d), nil
}

// MustFromString is FromString for literals in tests and config defaults.
func MustFromString(s string) Value {
	v, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromInt builds a Value from an integer amount.
func FromInt(n int64) Value {
	return Value{d: decimal.NewFromInt(n)}
}

// Add returns v + o. Addition of Scale-truncated values is exact.
func (v Value) Add(o Value) Value { return Value{d: v.d.Add(o.d)} }

// Sub returns v - o.
func (v Value) Sub(o Value) Value { return Value{d: v.d.Sub(o.d)} }

// Mul returns v * o truncated toward zero to Scale places. The truncation
// never increases the magnitude of the result.
func (v Value) Mul(o Value) Value { return Value{d: v.d.Mul(o.d).Truncate(Scale)} }

// Div returns v / o truncated toward zero to Scale places, or
// ErrDivisionByZero when o is zero.
func (v Value) Div(o Value) (Value, error) {
	if o.d.IsZero() {
		return zero, ErrDivisionByZero
	}
	// DivRound with Scale+1 then truncate: guarantees the quotient is
	// computed past the last kept digit so truncation is exact.
	q := v.d.DivRound(o.d, Scale+1).Truncate(Scale)
	return Value{d: q}, nil
}

// Neg returns -v.
func (v Value) Neg() Value { return Value{d: v.d.Neg()} }

// Abs returns |v|.
func (v Value) Abs() Value { return Value{d: v.d.Abs()} }

// Cmp compares v and o: -1 if v < o, 0 if equal, +1 if v > o.
func (v Value) Cmp(o Value) int { return v.d.Cmp(o.d) }

func (v Value) Equal(o Value) bool              { return v.d.Equal(o.d) }
func (v Value) LessThan(o Value) bool           { return v.d.LessThan(o.d) }
func (v Value) LessThanOrEqual(o Value) bool    { return v.d.LessThanOrEqual(o.d) }
func (v Value) GreaterThan(o Value) bool        { return v.d.GreaterThan(o.d) }
func (v Value) GreaterThanOrEqual(o Value) bool { return v.d.GreaterThanOrEqual(o.d) }

// IsZero reports whether v == 0.
func (v Value) IsZero() bool { return v.d.IsZero() }

// IsPositive reports whether v > 0.
func (v Value) IsPositive() bool { return v.d.IsPositive() }

// IsNegative reports whether v < 0.
func (v Value) IsNegative() bool { return v.d.IsNegative() }

// Min returns the smaller of v and o.
func (v Value) Min(o Value) Value {
	if v.d.LessThanOrEqual(o.d) {
		return v
	}
	return o
}

// Max returns the larger of v and o.
func (v Value) Max(o Value) Value {
	if v.d.GreaterThanOrEqual(o.d) {
		return v
	}
	return o
}

// Decimal exposes the underlying decimal for persistence and formatting.
func (v Value) Decimal() decimal.Decimal { return v.d }

// String renders the value without trailing zero padding.
func (v Value) String() string { return v.d.String() }

// MarshalJSON encodes the value as a JSON number string, matching the
// wire format used for all monetary fields.
func (v Value) MarshalJSON() ([]byte, error) { return v.d.MarshalJSON() }

// UnmarshalJSON decodes and truncates to Scale places.
func (v *Value) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	v.d = d.Truncate(Scale)
	return nil
}
