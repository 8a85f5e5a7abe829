package escrow

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	maxAmount = decimal.NewFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1)), 0)
	minAmount = decimal.NewFromBigInt(new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127)), 0)
)

const (
	// maxIntegerDigits is the number of decimal digits in 2^127.
	maxIntegerDigits = 39
	// maxCoefficientDigits bounds the written digits, fractional zeros included.
	maxCoefficientDigits = 2 * maxIntegerDigits
)

var (
	errAmountNotIntegral = errors.New("amount is not integral")
	errAmountOverflow    = errors.New("amount overflows 128 bits")
	errAmountTooLong     = errors.New("amount has too many digits")
)

// ValidateAmount checks that d is an integral value representable as a signed 128-bit integer.
// Digit counts and the exponent are checked before any arithmetic, so huge exponents such as
// 1e10000000 are refused without being expanded.
func ValidateAmount(d decimal.Decimal) error {
	if d.IsZero() {
		return nil
	}
	digits := d.NumDigits()
	if digits > maxCoefficientDigits {
		return errAmountTooLong
	}
	exp := int(d.Exponent())
	if digits+exp > maxIntegerDigits {
		return errAmountOverflow
	}
	if exp < 0 && -exp >= digits {
		// a non-zero coefficient shorter than its scale always leaves a fraction
		return errAmountNotIntegral
	}
	if !d.Equal(d.Truncate(0)) {
		return errAmountNotIntegral
	}
	if d.GreaterThan(maxAmount) || d.LessThan(minAmount) {
		return errAmountOverflow
	}
	return nil
}

// ParseAmount parses a base-10 integer amount and validates its range.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse amount: %w", err)
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Decimal{}, err
	}
	return d, nil
}

// NewAmount wraps an int64 amount.
func NewAmount(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}
