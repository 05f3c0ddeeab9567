package compliance

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FeeRate is a proportional fee numerator/denominator.
type FeeRate struct {
	Numerator   uint64
	Denominator uint64
}

// NoFee is the rate that never charges.
var NoFee = FeeRate{Numerator: 0, Denominator: 1}

// NewFeeRate validates and builds a rate.
func NewFeeRate(numerator, denominator uint64) (FeeRate, error) {
	rate := FeeRate{Numerator: numerator, Denominator: denominator}
	if err := rate.Validate(); err != nil {
		return FeeRate{}, err
	}
	return rate, nil
}

// Validate requires denominator > 0 and numerator <= denominator.
func (r FeeRate) Validate() error {
	if r.Denominator == 0 {
		return fmt.Errorf("%w: denominator must be greater than zero", ErrInvalidFeeRate)
	}
	if r.Numerator > r.Denominator {
		return fmt.Errorf("%w: numerator %d exceeds denominator %d", ErrInvalidFeeRate, r.Numerator, r.Denominator)
	}
	return nil
}

// IsZero reports whether the rate charges nothing.
func (r FeeRate) IsZero() bool {
	return r.Numerator == 0 || r.Denominator == 0
}

// Fee returns floor(gross * numerator / denominator).
func (r FeeRate) Fee(gross *uint256.Int) *uint256.Int {
	if gross == nil || gross.IsZero() || r.IsZero() {
		return new(uint256.Int)
	}
	// numerator <= denominator keeps the quotient below gross, so overflow cannot occur.
	fee, _ := new(uint256.Int).MulDivOverflow(gross, uint256.NewInt(r.Numerator), uint256.NewInt(r.Denominator))
	return fee
}

// Net returns gross minus Fee(gross).
func (r FeeRate) Net(gross *uint256.Int) *uint256.Int {
	if gross == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(gross, r.Fee(gross))
}

// Percent renders the rate as a percentage.
func (r FeeRate) Percent() decimal.Decimal {
	if r.Denominator == 0 {
		return decimal.Zero
	}
	num := decimal.NewFromBigInt(new(big.Int).SetUint64(r.Numerator), 0)
	den := decimal.NewFromBigInt(new(big.Int).SetUint64(r.Denominator), 0)
	return num.Mul(decimal.NewFromInt(100)).DivRound(den, 6)
}

func (r FeeRate) String() string {
	return fmt.Sprintf("%d/%d", r.Numerator, r.Denominator)
}
