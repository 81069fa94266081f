package money

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrInvalidAmount is returned when a decimal string cannot be parsed
	// into an integer number of cents.
	ErrInvalidAmount = errors.New("money: invalid amount string")
	// ErrNegativeAmount is returned by constructors that require a
	// non-negative quantity.
	ErrNegativeAmount = errors.New("money: amount must be non-negative")
	// ErrAmountOverflow is returned when an amount does not fit the target
	// column width.
	ErrAmountOverflow = errors.New("money: amount exceeds int64 cents")
	// ErrZeroDenominator is returned when a reimbursement rate carries a
	// zero denominator.
	ErrZeroDenominator = errors.New("money: rate denominator must be positive")
)

// Amount is an exact quantity of money expressed in integer cents. The zero
// value is zero cents. Amounts never hold fractional cents; every arithmetic
// operation stays in the integers. Callers must not mutate the embedded
// big.Int directly.
type Amount struct {
	cents *big.Int
}

// Zero returns the zero amount.
func Zero() Amount { return Amount{cents: big.NewInt(0)} }

// FromCents builds an amount from an int64 number of cents.
func FromCents(cents int64) Amount {
	return Amount{cents: big.NewInt(cents)}
}

// FromString parses a decimal string of cents (e.g. "15000" for $150.00).
// The canonical persistence form is an optional leading minus followed by
// ASCII digits; anything else is rejected.
func FromString(s string) (Amount, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Amount{}, ErrInvalidAmount
	}
	body := trimmed
	if body[0] == '-' {
		body = body[1:]
	}
	if body == "" {
		return Amount{}, ErrInvalidAmount
	}
	for _, r := range body {
		if r < '0' || r > '9' {
			return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{cents: v}, nil
}

// String renders the amount as a decimal string of cents, the form used in
// event payloads.
func (a Amount) String() string {
	if a.cents == nil {
		return "0"
	}
	return a.cents.String()
}

// Int64 converts the amount to int64 cents for tabular storage. Projections
// store money in native bigint columns; an amount outside int64 range is a
// hard error, never a silent truncation.
func (a Amount) Int64() (int64, error) {
	if a.cents == nil {
		return 0, nil
	}
	if !a.cents.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountOverflow, a.cents.String())
	}
	return a.cents.Int64(), nil
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{cents: new(big.Int).Add(a.value(), b.value())}
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return Amount{cents: new(big.Int).Sub(a.value(), b.value())}
}

// Neg returns -a.
func (a Amount) Neg() Amount {
	return Amount{cents: new(big.Int).Neg(a.value())}
}

// Cmp compares a against b, returning -1, 0 or 1.
func (a Amount) Cmp(b Amount) int { return a.value().Cmp(b.value()) }

// Sign reports the sign of the amount: -1, 0 or 1.
func (a Amount) Sign() int { return a.value().Sign() }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.value().Sign() == 0 }

// IsNegative reports whether the amount is below zero.
func (a Amount) IsNegative() bool { return a.value().Sign() < 0 }

// Equal reports whether two amounts hold the same number of cents.
func (a Amount) Equal(b Amount) bool { return a.Cmp(b) == 0 }

// Clone returns an independent copy of the amount.
func (a Amount) Clone() Amount {
	return Amount{cents: new(big.Int).Set(a.value())}
}

// MarshalJSON encodes the amount as its decimal string form.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON decodes the decimal string form.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Amount) value() *big.Int {
	if a.cents == nil {
		return big.NewInt(0)
	}
	return a.cents
}

// Rate is a reimbursement rate expressed as a cents ratio. Rates are applied
// only through Apply; there is no float path.
type Rate struct {
	Numerator   int64
	Denominator int64
}

// Apply computes floor(rate_num * charge / rate_den) as an exact integer.
func (r Rate) Apply(charge Amount) (Amount, error) {
	if r.Denominator <= 0 {
		return Amount{}, ErrZeroDenominator
	}
	if r.Numerator < 0 {
		return Amount{}, ErrNegativeAmount
	}
	product := new(big.Int).Mul(charge.value(), big.NewInt(r.Numerator))
	quotient := new(big.Int).Div(product, big.NewInt(r.Denominator))
	return Amount{cents: quotient}, nil
}
