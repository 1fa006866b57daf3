// Package amount provides parsing and formatting for custody amounts.
//
// Amounts are unsigned integers in the asset's smallest indivisible unit and
// must fit in 128 bits. They travel as decimal strings on the wire because
// JSON numbers cannot hold them without loss.
package amount

import (
	"errors"
	"math/big"
	"strings"
)

var (
	ErrEmpty    = errors.New("amount: empty")
	ErrSyntax   = errors.New("amount: not a base-10 integer")
	ErrNegative = errors.New("amount: negative")
	ErrZero     = errors.New("amount: zero")
	ErrOverflow = errors.New("amount: exceeds 128 bits")
)

// Max is the largest representable amount (2^128 - 1).
var Max = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Parse converts a decimal integer string such as "1500000" into a positive
// amount. Leading '+' signs, fractions and exponents are rejected.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegative
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, ErrSyntax
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, ErrSyntax
	}
	if err := Validate(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate checks that v is in (0, Max].
func Validate(v *big.Int) error {
	switch {
	case v == nil || v.Sign() == 0:
		return ErrZero
	case v.Sign() < 0:
		return ErrNegative
	case v.Cmp(Max) > 0:
		return ErrOverflow
	}
	return nil
}

// Format renders v as a decimal string. A nil amount formats as "0".
func Format(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Clone returns an independent copy of v.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Sum adds all values, ignoring nils.
func Sum(values ...*big.Int) *big.Int {
	total := new(big.Int)
	for _, v := range values {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}
