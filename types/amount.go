package types

// amount.go defines the monetary amount object. One design goal of the
// amount type is immutability: amounts are safe to pass directly to other
// objects and packages, and every arithmetic method returns a new value. An
// amount can never be negative, and arithmetic on amounts of different
// currencies is an error rather than a silent wrong answer, because mixing
// wire-fee currencies is a condition the payment logic must report.

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/build"
)

const (
	// FractionBase is the number of units per currency whole. Eight decimal
	// digits of fraction are exact for every fee schedule the backend
	// handles.
	FractionBase = 100000000
	// FractionDigits is the number of decimal digits in FractionBase.
	FractionDigits = 8
)

var (
	// ErrAmountMalformed is returned when parsing an invalid amount string.
	ErrAmountMalformed = errors.New("malformed amount, expected CURRENCY:VALUE")
	// ErrCurrencyMismatch is returned by arithmetic on amounts of different
	// currencies.
	ErrCurrencyMismatch = errors.New("amounts have different currencies")
	// ErrNegativeAmount is returned when a subtraction would go below zero.
	ErrNegativeAmount = errors.New("negative amount not allowed")
	// ErrDivisorZero is returned when dividing an amount by zero.
	ErrDivisorZero = errors.New("cannot divide amount by zero")
)

// An Amount is a non-negative quantity of one currency. The internal value
// is unbounded and held in units of 1/FractionBase.
type Amount struct {
	currency string
	i        big.Int
}

// NewAmount creates an Amount from a whole value and a fractional part in
// units of 1/FractionBase.
func NewAmount(currency string, value uint64, fraction uint64) (a Amount) {
	a.currency = currency
	a.i.SetUint64(value)
	a.i.Mul(&a.i, big.NewInt(FractionBase))
	a.i.Add(&a.i, new(big.Int).SetUint64(fraction))
	return
}

// ZeroAmount returns the zero value of the given currency.
func ZeroAmount(currency string) Amount {
	return NewAmount(currency, 0, 0)
}

// ParseAmount parses a "CURRENCY:VALUE" string, e.g. "EUR:0.05".
func ParseAmount(s string) (a Amount, err error) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 || colon == len(s)-1 {
		return Amount{}, ErrAmountMalformed
	}
	a.currency = s[:colon]
	num := s[colon+1:]

	whole := num
	frac := ""
	if dot := strings.IndexByte(num, '.'); dot >= 0 {
		whole, frac = num[:dot], num[dot+1:]
		if len(frac) == 0 || len(frac) > FractionDigits {
			return Amount{}, ErrAmountMalformed
		}
	}
	if len(whole) == 0 {
		return Amount{}, ErrAmountMalformed
	}
	if _, ok := a.i.SetString(whole, 10); !ok || a.i.Sign() < 0 {
		return Amount{}, ErrAmountMalformed
	}
	a.i.Mul(&a.i, big.NewInt(FractionBase))
	if frac != "" {
		f, ok := new(big.Int).SetString(frac+strings.Repeat("0", FractionDigits-len(frac)), 10)
		if !ok || f.Sign() < 0 {
			return Amount{}, ErrAmountMalformed
		}
		a.i.Add(&a.i, f)
	}
	return a, nil
}

// Currency returns the currency code of the amount. The zero Amount has no
// currency and acts as the identity for Add in any currency.
func (a Amount) Currency() string {
	return a.currency
}

// IsZero returns true if the value is 0.
func (a Amount) IsZero() bool {
	return a.i.Sign() <= 0
}

// SameCurrency reports whether the two amounts can take part in arithmetic
// together.
func (a Amount) SameCurrency(x Amount) bool {
	return a.currency == "" || x.currency == "" || a.currency == x.currency
}

// Add returns a new amount y = a + x. The zero Amount adopts the currency of
// the other operand.
func (a Amount) Add(x Amount) (y Amount, err error) {
	if !a.SameCurrency(x) {
		return Amount{}, ErrCurrencyMismatch
	}
	y.currency = a.currency
	if y.currency == "" {
		y.currency = x.currency
	}
	y.i.Add(&a.i, &x.i)
	return y, nil
}

// Sub returns a new amount y = a - x.
func (a Amount) Sub(x Amount) (y Amount, err error) {
	if !a.SameCurrency(x) {
		return Amount{}, ErrCurrencyMismatch
	}
	if a.i.Cmp(&x.i) < 0 {
		return Amount{}, ErrNegativeAmount
	}
	y.currency = a.currency
	if y.currency == "" {
		y.currency = x.currency
	}
	y.i.Sub(&a.i, &x.i)
	return y, nil
}

// SubOrZero returns a - x, or zero if x exceeds a.
func (a Amount) SubOrZero(x Amount) (Amount, error) {
	y, err := a.Sub(x)
	if err == ErrNegativeAmount {
		return ZeroAmount(a.currency), nil
	}
	return y, err
}

// Div64 returns a new amount y = a / n, truncating toward zero.
func (a Amount) Div64(n uint64) (y Amount, err error) {
	if n == 0 {
		return Amount{}, ErrDivisorZero
	}
	y.currency = a.currency
	y.i.Div(&a.i, new(big.Int).SetUint64(n))
	return y, nil
}

// Cmp compares two amounts of the same currency. The return value follows
// the convention of math/big.
func (a Amount) Cmp(x Amount) (int, error) {
	if !a.SameCurrency(x) {
		return 0, ErrCurrencyMismatch
	}
	return a.i.Cmp(&x.i), nil
}

// Equals reports whether two amounts are the same currency and value.
func (a Amount) Equals(x Amount) bool {
	c, err := a.Cmp(x)
	return err == nil && c == 0
}

// String prints the amount in "CURRENCY:VALUE" form.
func (a Amount) String() string {
	whole, frac := new(big.Int).DivMod(&a.i, big.NewInt(FractionBase), new(big.Int))
	if frac.Sign() == 0 {
		return fmt.Sprintf("%s:%s", a.currency, whole)
	}
	digits := strings.TrimRight(fmt.Sprintf("%08d", frac), "0")
	return fmt.Sprintf("%s:%s.%s", a.currency, whole, digits)
}

// MarshalJSON encodes the amount as a "CURRENCY:VALUE" string.
func (a Amount) MarshalJSON() ([]byte, error) {
	if a.currency == "" && build.DEBUG {
		build.Critical("marshaling an amount without a currency")
	}
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON decodes a "CURRENCY:VALUE" string.
func (a *Amount) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return ErrAmountMalformed
	}
	parsed, err := ParseAmount(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
