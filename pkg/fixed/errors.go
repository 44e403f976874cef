package fixed

import "errors"

var (
	// ErrDivisionByZero is returned when a data-dependent denominator is
	// zero or negative.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrArithmetic is returned when an operand leaves the domain of a
	// formula, e.g. a fill that consumes the whole virtual reserve.
	ErrArithmetic = errors.New("arithmetic domain violation")
)
