package models

import (
	"errors"
	"math/big"
	"strings"
)

var (
	ErrAmountInvalid     = errors.New("amount is not a base-10 integer string")
	ErrAmountNotPositive = errors.New("amount must be positive")
)

// ParseAmount parses a decimal-string token amount. Amounts travel as strings
// to avoid JSON float loss on 256-bit values (see CanonicalizeJSON).
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrAmountInvalid
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, ErrAmountInvalid
	}
	return v, nil
}

// ParsePositiveAmount parses and additionally requires amount > 0.
func ParsePositiveAmount(s string) (*big.Int, error) {
	v, err := ParseAmount(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() <= 0 {
		return nil, ErrAmountNotPositive
	}
	return v, nil
}

// AmountLTE reports a <= b for two decimal-string amounts. Malformed input
// counts as not-lte.
func AmountLTE(a, b string) bool {
	av, err := ParseAmount(a)
	if err != nil {
		return false
	}
	bv, err := ParseAmount(b)
	if err != nil {
		return false
	}
	return av.Cmp(bv) <= 0
}

// SubAmounts returns a - b as a decimal string, clamped at zero.
func SubAmounts(a, b string) string {
	av, err := ParseAmount(a)
	if err != nil {
		return "0"
	}
	bv, err := ParseAmount(b)
	if err != nil {
		return av.String()
	}
	diff := new(big.Int).Sub(av, bv)
	if diff.Sign() < 0 {
		return "0"
	}
	return diff.String()
}

// AddAmounts returns a + b as a decimal string.
func AddAmounts(a, b string) string {
	av, err := ParseAmount(a)
	if err != nil {
		av = big.NewInt(0)
	}
	bv, err := ParseAmount(b)
	if err != nil {
		bv = big.NewInt(0)
	}
	return new(big.Int).Add(av, bv).String()
}
