package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Amount is an exact decimal quantity backed by a rational number. The zero
// value is usable and equal to Zero(). Amounts are immutable; every operation
// returns a new value.
type Amount struct {
	rat *big.Rat
}

// ErrInvalidAmount is returned when a textual amount cannot be parsed.
var ErrInvalidAmount = errors.New("amount: invalid amount")

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{rat: new(big.Rat)}
}

// FromInt converts an integer count of whole units.
func FromInt(n int64) Amount {
	return Amount{rat: new(big.Rat).SetInt64(n)}
}

// Parse accepts a decimal string ("123.456") or an exact rational rendering
// ("617/5") as produced by String for non-terminating values.
func Parse(raw string) (Amount, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Amount{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return Amount{rat: rat}, nil
}

// MustParse parses raw and panics on failure. Intended for constants and tests.
func MustParse(raw string) Amount {
	amt, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return amt
}

func (a Amount) value() *big.Rat {
	if a.rat == nil {
		return new(big.Rat)
	}
	return a.rat
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{rat: new(big.Rat).Add(a.value(), b.value())}
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return Amount{rat: new(big.Rat).Sub(a.value(), b.value())}
}

// Mul returns a * b.
func (a Amount) Mul(b Amount) Amount {
	return Amount{rat: new(big.Rat).Mul(a.value(), b.value())}
}

// MulRat returns a scaled by num/den. den must be non-zero.
func (a Amount) MulRat(num, den int64) Amount {
	return Amount{rat: new(big.Rat).Mul(a.value(), big.NewRat(num, den))}
}

// Cmp compares a and b, returning -1, 0, or +1.
func (a Amount) Cmp(b Amount) int {
	return a.value().Cmp(b.value())
}

// Sign reports the sign of the amount.
func (a Amount) Sign() int {
	return a.value().Sign()
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.value().Sign() == 0
}

func pow10(places int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(places)), nil)
}

// Truncate drops digits beyond the requested number of decimal places, rounding
// toward zero.
func (a Amount) Truncate(places int) Amount {
	if places < 0 {
		places = 0
	}
	scale := pow10(places)
	scaled := new(big.Rat).Mul(a.value(), new(big.Rat).SetInt(scale))
	whole := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	return Amount{rat: new(big.Rat).SetFrac(whole, scale)}
}

// Round rounds half away from zero to the requested number of decimal places.
func (a Amount) Round(places int) Amount {
	if places < 0 {
		places = 0
	}
	scale := pow10(places)
	scaled := new(big.Rat).Mul(a.value(), new(big.Rat).SetInt(scale))
	num := new(big.Int).Abs(scaled.Num())
	den := scaled.Denom()
	whole, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if new(big.Int).Lsh(rem, 1).Cmp(den) >= 0 {
		whole.Add(whole, big.NewInt(1))
	}
	if scaled.Sign() < 0 {
		whole.Neg(whole)
	}
	return Amount{rat: new(big.Rat).SetFrac(whole, scale)}
}

// Rat returns a copy of the underlying rational value.
func (a Amount) Rat() *big.Rat {
	return new(big.Rat).Set(a.value())
}

// BaseUnits converts the amount into integer base units at the given number
// of token decimals, truncating any precision finer than one base unit.
func (a Amount) BaseUnits(decimals uint8) *big.Int {
	scaled := new(big.Rat).Mul(a.value(), new(big.Rat).SetInt(pow10(int(decimals))))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}

// Float64 returns an approximate float representation, for metrics only.
func (a Amount) Float64() float64 {
	f, _ := a.value().Float64()
	return f
}

// String renders the amount as an exact decimal when the value terminates, or
// falls back to the num/den form otherwise. Parse accepts both renderings.
func (a Amount) String() string {
	rat := a.value()
	if places, ok := decimalPlaces(rat); ok {
		return trimDecimal(rat.FloatString(places))
	}
	return rat.RatString()
}

// decimalPlaces reports how many decimal digits are needed to render rat
// exactly, and whether an exact decimal rendering exists at all.
func decimalPlaces(rat *big.Rat) (int, bool) {
	den := new(big.Int).Set(rat.Denom())
	places := 0
	for _, p := range []int64{2, 5} {
		prime := big.NewInt(p)
		count := 0
		rem := new(big.Int)
		for {
			quo, r := new(big.Int).QuoRem(den, prime, rem)
			if r.Sign() != 0 {
				break
			}
			den.Set(quo)
			count++
		}
		if count > places {
			places = count
		}
	}
	if den.Cmp(big.NewInt(1)) != 0 {
		return 0, false
	}
	return places, true
}

func trimDecimal(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
