// Package math holds overflow-checked arithmetic for base-unit amounts.
package math

import (
	"errors"
	stdmath "math"
	"math/bits"
)

var ErrOverflow = errors.New("arithmetic overflow")

// AddUint64 returns a + b or ErrOverflow.
func AddUint64(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// SubUint64 returns a - b or ErrOverflow when b > a.
func SubUint64(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

// MulUint64 returns a * b or ErrOverflow.
func MulUint64(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

// ToLedgerAmount converts a base-unit amount to the signed journal representation.
func ToLedgerAmount(v uint64) (int64, error) {
	if v > stdmath.MaxInt64 {
		return 0, ErrOverflow
	}
	return int64(v), nil
}
