package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidDecimal marks a venue string that is not a decimal number.
	ErrInvalidDecimal = errors.New("invalid decimal")
	// ErrDecimalOverflow marks a value that does not fit the fixed-point range at its scale.
	ErrDecimalOverflow = errors.New("decimal overflow")
)

// MaxScale bounds the number of fractional digits a Decimal may carry.
const MaxScale = 18

// Decimal is a fixed-point number: Mantissa * 10^-Scale.
type Decimal struct {
	Mantissa int64
	Scale    int32
}

// ParseDecimal parses a venue string exactly, without passing through float64.
// The result keeps the precision the venue sent.
func ParseDecimal(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Decimal{}, fmt.Errorf("%w: empty", ErrInvalidDecimal)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	scale := -d.Exponent()
	if scale < 0 {
		scale = 0
	}
	if scale > MaxScale {
		d = d.RoundBank(MaxScale)
		scale = MaxScale
	}
	return fromShopspring(d, scale)
}

// MustDecimal parses s and panics on error. Intended for tests and constants.
func MustDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Rescale returns the value expressed with exactly scale fractional digits,
// rounding half to even when digits are removed.
func (d Decimal) Rescale(scale int32) (Decimal, error) {
	if scale < 0 || scale > MaxScale {
		return Decimal{}, fmt.Errorf("%w: scale %d out of range", ErrInvalidDecimal, scale)
	}
	if scale == d.Scale {
		return d, nil
	}
	return fromShopspring(d.shopspring().RoundBank(scale), scale)
}

// Sign returns -1, 0 or 1.
func (d Decimal) Sign() int {
	switch {
	case d.Mantissa < 0:
		return -1
	case d.Mantissa > 0:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether the value is zero.
func (d Decimal) IsZero() bool {
	return d.Mantissa == 0
}

// Equal compares numeric values regardless of scale.
func (d Decimal) Equal(o Decimal) bool {
	return d.shopspring().Equal(o.shopspring())
}

func (d Decimal) String() string {
	return d.shopspring().StringFixed(d.Scale)
}

// MarshalJSON encodes the value as a JSON string to keep every digit.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}

// UnmarshalJSON accepts both quoted and bare numbers.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		*d = Decimal{}
		return nil
	}
	v, err := ParseDecimal(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Decimal) shopspring() decimal.Decimal {
	return decimal.New(d.Mantissa, -d.Scale)
}

func fromShopspring(d decimal.Decimal, scale int32) (Decimal, error) {
	coeff := d.Shift(scale).BigInt()
	if !coeff.IsInt64() {
		return Decimal{}, fmt.Errorf("%w: %s at scale %d", ErrDecimalOverflow, d.String(), scale)
	}
	return Decimal{Mantissa: coeff.Int64(), Scale: scale}, nil
}
