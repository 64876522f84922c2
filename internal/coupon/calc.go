package coupon

import (
	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	"github.com/shopspring/decimal"
)

// Calculation is the price effect of a coupon on a charge. Credits and
// free-period coupons leave the charge untouched and carry their effect in
// CreditGrant / FreePeriods instead.
type Calculation struct {
	Kind models.DiscountKind

	OriginalAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal

	CreditGrant decimal.Decimal
	FreePeriods int
}

// Calculate computes the discount a coupon applies to an amount.
func Calculate(cpn *models.Coupon, amount decimal.Decimal) Calculation {
	calc := Calculation{
		Kind:           cpn.DiscountKind,
		OriginalAmount: amount,
		FinalAmount:    amount,
	}

	switch cpn.DiscountKind {
	case models.DiscountPercent:
		calc.DiscountAmount = amount.Mul(cpn.Value).Div(decimal.NewFromInt(100))
		calc.FinalAmount = amount.Sub(calc.DiscountAmount)
	case models.DiscountFixed:
		calc.DiscountAmount = cpn.Value
		if calc.DiscountAmount.Cmp(amount) > 0 {
			calc.DiscountAmount = amount
		}
		calc.FinalAmount = amount.Sub(calc.DiscountAmount)
	case models.DiscountCredits:
		calc.CreditGrant = cpn.Value
	case models.DiscountFreePeriods:
		calc.FreePeriods = int(cpn.Value.IntPart())
	}
	return calc
}

// CampaignSpend returns the amount a redemption consumes from a campaign
// budget: the discount for price-affecting kinds, the grant for credits.
func (c Calculation) CampaignSpend() decimal.Decimal {
	if c.Kind == models.DiscountCredits {
		return c.CreditGrant
	}
	return c.DiscountAmount
}
