package utils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestDecString(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1.50", "1.5"},
		{"1.5", "1.5"},
		{"100.00", "100"},
		{"100", "100"},
		{"0.00000001", "0.00000001"},
		{"-0.10", "-0.1"},
		{"-0.0", "0"},
		{"0", "0"},
		{"0.000", "0"},
	}
	for _, tc := range cases {
		got := DecString(decimal.RequireFromString(tc.in))
		assert.Equal(t, tc.want, got, "input %s", tc.in)
	}
}

func TestRoundEur(t *testing.T) {
	in := decimal.RequireFromString("1.234567895")
	assert.Equal(t, "1.2345679", RoundEur(in).String())

	exact := decimal.RequireFromString("1.25")
	assert.True(t, RoundEur(exact).Equal(exact))
}
