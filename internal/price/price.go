// Package price implements the packed fixed-point encoding used for rent
// rates and collateral values. A price occupies 4 bytes: the high 16 bits
// carry the whole part and the low 16 bits the fractional part, each holding
// 0-9999 (four decimal digits). The representable range is therefore
// 0.0001 to 9999.9999 units of the payment token.
package price

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// ErrOutOfRange is returned by Encode for values outside 0.0001-9999.9999.
var ErrOutOfRange = errors.New("price out of encodable range")

const (
	maxField     = 9999
	fracDivisor  = 10000
	minScaledVal = 1        // 0.0001 in 1/10000 units
	maxScaledVal = 99999999 // 9999.9999 in 1/10000 units
)

// Price is the packed 4-byte representation.
type Price uint32

// Whole returns the whole-units field, clamped to 9999.
func (p Price) Whole() int64 {
	w := int64(p >> 16)
	if w > maxField {
		w = maxField
	}
	return w
}

// Frac returns the fractional field, clamped to 9999.
func (p Price) Frac() int64 {
	f := int64(p & 0xFFFF)
	if f > maxField {
		f = maxField
	}
	return f
}

// Decode expands the packed value into base units of a token with the given
// scale (10^decimals). Malformed fields above 9999 clamp to 9999, and the
// all-zero pattern decodes to the minimum nonzero amount (0.0001 units) so a
// zero-priced listing can never become a free rental or valueless collateral.
func (p Price) Decode(scale *big.Int) *big.Int {
	whole, frac := p.Whole(), p.Frac()
	if whole == 0 && frac == 0 {
		frac = minScaledVal
	}
	v := new(big.Int).Mul(big.NewInt(whole), scale)
	f := new(big.Int).Mul(big.NewInt(frac), scale)
	f.Div(f, big.NewInt(fracDivisor))
	return v.Add(v, f)
}

// Decimal returns the human-readable value, e.g. Price(0x0002_1388) -> 2.5.
// Clamping applies as in Decode; the all-zero pattern yields 0.0001.
func (p Price) Decimal() decimal.Decimal {
	whole, frac := p.Whole(), p.Frac()
	if whole == 0 && frac == 0 {
		frac = minScaledVal
	}
	return decimal.New(whole*fracDivisor+frac, -4)
}

// Encode packs a decimal amount. Digits beyond the fourth decimal place are
// truncated toward zero; the truncated value must fall within
// 0.0001-9999.9999 or ErrOutOfRange is returned.
func Encode(d decimal.Decimal) (Price, error) {
	scaled := d.Truncate(4).Shift(4)
	if !scaled.BigInt().IsInt64() {
		return 0, ErrOutOfRange
	}
	n := scaled.IntPart()
	if n < minScaledVal || n > maxScaledVal {
		return 0, ErrOutOfRange
	}
	return Price(uint32(n/fracDivisor)<<16 | uint32(n%fracDivisor)), nil
}
