/**
 * @description
 * This package turns a stablecoin deposit and a quoted rate into the local-currency
 * amounts of an off-ramp order. It is the only place the fee split is computed.
 *
 * @notes
 * - The provider is sent `total` and deducts nothing itself, so the split must
 *   satisfy recipient + fee == total exactly.
 * - Uses github.com/shopspring/decimal; floats are only accepted at the config edge.
 */

package fees

import (
	"fmt"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Breakdown is the result of a fee calculation, in whole local-currency units.
type Breakdown struct {
	DepositAmount   decimal.Decimal
	Rate            decimal.Decimal
	FeeFraction     decimal.Decimal
	Total           int64
	RecipientAmount int64
	PlatformFee     int64
}

// Calculate computes
//
//	total     = round(deposit * rate)
//	recipient = floor(total / (1 + feeFraction))
//	fee       = total - recipient
func Calculate(deposit, rate, feeFraction decimal.Decimal) (Breakdown, error) {
	if !deposit.IsPositive() {
		return Breakdown{}, fmt.Errorf("%w: deposit amount must be greater than zero", domain.ErrInvalidAmount)
	}
	if !rate.IsPositive() {
		return Breakdown{}, fmt.Errorf("%w: rate must be greater than zero", domain.ErrInvalidAmount)
	}
	if feeFraction.IsNegative() || feeFraction.GreaterThanOrEqual(one) {
		return Breakdown{}, fmt.Errorf("%w: fee fraction must be in [0, 1)", domain.ErrInvalidAmount)
	}

	total := deposit.Mul(rate).Round(0)
	if !total.IsPositive() {
		return Breakdown{}, fmt.Errorf("%w: converted amount rounds to zero", domain.ErrInvalidAmount)
	}

	// QuoRem with precision 0 truncates exactly; for positive operands that is floor.
	recipient, _ := total.QuoRem(one.Add(feeFraction), 0)
	fee := total.Sub(recipient)

	return Breakdown{
		DepositAmount:   deposit,
		Rate:            rate,
		FeeFraction:     feeFraction,
		Total:           total.IntPart(),
		RecipientAmount: recipient.IntPart(),
		PlatformFee:     fee.IntPart(),
	}, nil
}

// FractionFromPercent converts a configured percentage (1.5 meaning 1.5%) into the
// fraction used by Calculate.
func FractionFromPercent(percent float64) decimal.Decimal {
	return decimal.NewFromFloat(percent).Div(hundred)
}
