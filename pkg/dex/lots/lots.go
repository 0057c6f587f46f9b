// Package lots converts human prices and sizes to the integer lots a market
// trades in, and back.
package lots

import (
	"fmt"
	"math"
	"math/big"

	gmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/serumdex/pkg/dex"
)

// Converter holds the market parameters the conversions depend on.
type Converter struct {
	BaseLotSize   uint64
	QuoteLotSize  uint64
	BaseDecimals  uint8
	QuoteDecimals uint8
}

// New validates the lot sizes and returns a converter.
func New(baseLotSize, quoteLotSize uint64, baseDecimals, quoteDecimals uint8) (Converter, error) {
	if baseLotSize == 0 || quoteLotSize == 0 {
		return Converter{}, fmt.Errorf("base lot %d, quote lot %d: %w", baseLotSize, quoteLotSize, dex.ErrInvalidLotSize)
	}
	return Converter{
		BaseLotSize:   baseLotSize,
		QuoteLotSize:  quoteLotSize,
		BaseDecimals:  baseDecimals,
		QuoteDecimals: quoteDecimals,
	}, nil
}

var maxUint64 = new(big.Int).SetUint64(math.MaxUint64)

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func u64(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

// floorDiv computes floor(value * num / den) for a non-negative decimal.
func floorDiv(value decimal.Decimal, num, den *big.Int) (uint64, error) {
	if value.Sign() <= 0 {
		return 0, nil
	}
	n := new(big.Int).Mul(value.Coefficient(), num)
	d := new(big.Int).Set(den)
	if exp := value.Exponent(); exp >= 0 {
		n.Mul(n, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil))
	} else {
		d.Mul(d, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-exp)), nil))
	}
	q := n.Quo(n, d)
	if q.Cmp(maxUint64) > 0 {
		return 0, fmt.Errorf("%s lots: %w", q, dex.ErrQuantityOverflow)
	}
	return q.Uint64(), nil
}

func fromFloat(v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, fmt.Errorf("%v: %w", v, dex.ErrInvalidQuantity)
	}
	return decimal.NewFromFloat(v), nil
}

// PriceToLots returns floor(price * 10^quoteDecimals * baseLotSize /
// (10^baseDecimals * quoteLotSize)). Negative prices yield zero.
func (c Converter) PriceToLots(price float64) (uint64, error) {
	d, err := fromFloat(price)
	if err != nil {
		return 0, err
	}
	return c.PriceDecimalToLots(d)
}

// PriceDecimalToLots is PriceToLots for an exact decimal input.
func (c Converter) PriceDecimalToLots(price decimal.Decimal) (uint64, error) {
	num := new(big.Int).Mul(pow10(c.QuoteDecimals), u64(c.BaseLotSize))
	den := new(big.Int).Mul(pow10(c.BaseDecimals), u64(c.QuoteLotSize))
	return floorDiv(price, num, den)
}

// SizeToLots returns floor(size * 10^baseDecimals / baseLotSize). Negative
// sizes yield zero.
func (c Converter) SizeToLots(size float64) (uint64, error) {
	d, err := fromFloat(size)
	if err != nil {
		return 0, err
	}
	return c.SizeDecimalToLots(d)
}

// SizeDecimalToLots is SizeToLots for an exact decimal input.
func (c Converter) SizeDecimalToLots(size decimal.Decimal) (uint64, error) {
	return floorDiv(size, pow10(c.BaseDecimals), u64(c.BaseLotSize))
}

// PriceLotsToNumber converts a lot price back to a human price.
func (c Converter) PriceLotsToNumber(lots uint64) decimal.Decimal {
	num := new(big.Int).Mul(u64(lots), u64(c.QuoteLotSize))
	return decimal.NewFromBigInt(num, int32(c.BaseDecimals)-int32(c.QuoteDecimals)).
		Div(decimal.NewFromBigInt(u64(c.BaseLotSize), 0))
}

// SizeLotsToNumber converts base lots back to a human size.
func (c Converter) SizeLotsToNumber(lots uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).Mul(u64(lots), u64(c.BaseLotSize)), -int32(c.BaseDecimals))
}

// BaseNativeToNumber converts native base token units to a human amount.
func (c Converter) BaseNativeToNumber(native uint64) decimal.Decimal {
	return decimal.NewFromBigInt(u64(native), -int32(c.BaseDecimals))
}

// QuoteNativeToNumber converts native quote token units to a human amount.
func (c Converter) QuoteNativeToNumber(native uint64) decimal.Decimal {
	return decimal.NewFromBigInt(u64(native), -int32(c.QuoteDecimals))
}

// MaxQuoteQuantity is the native quote a bid may lock:
// quoteLotSize * sizeLots * priceLots. Products above 2^64-1 are rejected.
func (c Converter) MaxQuoteQuantity(priceLots, sizeLots uint64) (uint64, error) {
	v, overflow := gmath.SafeMul(c.QuoteLotSize, sizeLots)
	if !overflow {
		v, overflow = gmath.SafeMul(v, priceLots)
	}
	if overflow {
		return 0, fmt.Errorf("quote lot %d * size %d * price %d: %w", c.QuoteLotSize, sizeLots, priceLots, dex.ErrQuantityOverflow)
	}
	return v, nil
}

// RequirePositive rejects a conversion that floored to zero lots.
func RequirePositive(what string, lots uint64) error {
	if lots == 0 {
		return fmt.Errorf("%s: %w", what, dex.ErrZeroLotSize)
	}
	return nil
}
