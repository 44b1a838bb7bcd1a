package fixedpoint

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSubRoundTrip(t *testing.T) {
	cases := []struct{ a, b string }{
		{"0", "0"},
		{"1", "0.00000001"},
		{"12345.6789", "0.00000001"},
		{"-5.5", "2.25"},
		{"99999999.99999999", "0.00000001"},
		{"0.1", "0.2"},
	}
	for _, tc := range cases {
		a := MustFromString(tc.a)
		b := MustFromString(tc.b)
		assert.True(t, a.Add(b).Sub(b).Equal(a), "(%s + %s) - %s != %s", tc.a, tc.b, tc.b, tc.a)
	}
}

func TestMulTruncatesTowardZero(t *testing.T) {
	a := MustFromString("0.00000001")
	b := MustFromString("0.5")
	// 5e-9 truncates to zero, never rounds up to 1e-8.
	assert.True(t, a.Mul(b).IsZero())

	neg := MustFromString("-0.00000001")
	assert.True(t, neg.Mul(b).IsZero(), "negative products truncate toward zero too")

	c := MustFromString("1.23456789")
	d := MustFromString("1.00000001")
	got := c.Mul(d)
	exact := decimal.RequireFromString("1.23456789").Mul(decimal.RequireFromString("1.00000001"))
	assert.True(t, got.Decimal().LessThanOrEqual(exact), "truncation must not round up")
	assert.True(t, exact.Sub(got.Decimal()).LessThan(decimal.New(1, -Scale)), "lost at most one ulp")
}

func TestDivByZero(t *testing.T) {
	_, err := FromInt(1).Div(Zero())
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestDivTruncates(t *testing.T) {
	q, err := FromInt(1).Div(FromInt(3))
	require.NoError(t, err)
	assert.Equal(t, "0.33333333", q.String())

	q, err = FromInt(2).Div(FromInt(3))
	require.NoError(t, err)
	// 0.666... truncates, never rounds to ...67.
	assert.Equal(t, "0.66666666", q.String())
}

func TestConstructionTruncates(t *testing.T) {
	v := New(decimal.RequireFromString("1.999999999"))
	assert.Equal(t, "1.99999999", v.String())

	v = New(decimal.RequireFromString("-1.999999999"))
	assert.Equal(t, "-1.99999999", v.String())
}

func TestComparisons(t *testing.T) {
	a := MustFromString("1.5")
	b := MustFromString("2.5")
	assert.Equal(t, -1, a.Cmp(b))
	assert.True(t, a.LessThan(b))
	assert.True(t, b.GreaterThan(a))
	assert.True(t, a.Min(b).Equal(a))
	assert.True(t, a.Max(b).Equal(b))
	assert.True(t, b.Sub(b).IsZero())
}

func TestFromStringRejectsGarbage(t *testing.T) {
	_, err := FromString("not-a-number")
	require.Error(t, err)
}
