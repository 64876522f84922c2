package proration

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	"github.com/shopspring/decimal"
)

// Proration sentinel errors.
var (
	// ErrPeriodExpired rejects prorating a subscription past its period end.
	ErrPeriodExpired = errors.New("proration: billing period has ended")
	// ErrBadPeriod rejects a subscription with a non-positive period length.
	ErrBadPeriod = errors.New("proration: invalid billing period")
)

// Quote is a computed mid-cycle tier change before settlement.
type Quote struct {
	FromTier string
	ToTier   string

	DaysRemaining int
	DaysInCycle   int

	UnusedCredit   decimal.Decimal
	NewTierCost    decimal.Decimal
	CouponDiscount decimal.Decimal
	NetCharge      decimal.Decimal
}

// Compute prorates a tier change at the given time.
//
// Day counts come from the subscription's own billing period, so an annual
// subscription prorates against its annual day count and annual prices — a
// monthly price against an annual remainder would misstate both sides.
//
// The unused-credit side uses the subject's effective (post-discount) price
// for the outgoing tier, not its list price: the subject only paid the
// discounted amount, so crediting list price would overstate the refund. The
// incoming tier side uses list price, less any upgrade coupon discount.
func Compute(sub *models.Subscription, fromTier, toTier *models.SubscriptionTier, couponDiscount decimal.Decimal, at time.Time) (*Quote, error) {
	if sub == nil || fromTier == nil || toTier == nil {
		return nil, errors.New("proration: nil subscription or tier")
	}
	at = at.UTC()

	daysInCycle := wholeDays(sub.PeriodEnd.Sub(sub.PeriodStart))
	if daysInCycle <= 0 {
		return nil, fmt.Errorf("%w: %s to %s", ErrBadPeriod, sub.PeriodStart.Format(time.RFC3339), sub.PeriodEnd.Format(time.RFC3339))
	}
	if !at.Before(sub.PeriodEnd) {
		return nil, ErrPeriodExpired
	}
	daysRemaining := wholeDays(sub.PeriodEnd.Sub(at))
	if daysRemaining > daysInCycle {
		daysRemaining = daysInCycle
	}

	fraction := decimal.NewFromInt(int64(daysRemaining)).Div(decimal.NewFromInt(int64(daysInCycle)))

	unusedCredit := fraction.Mul(sub.EffectivePrice(fromTier))
	newTierCost := fraction.Mul(toTier.ListPrice(sub.Cycle))

	if couponDiscount.Sign() < 0 {
		couponDiscount = decimal.Zero
	}
	if couponDiscount.Cmp(newTierCost) > 0 {
		couponDiscount = newTierCost
	}

	return &Quote{
		FromTier:       fromTier.Name,
		ToTier:         toTier.Name,
		DaysRemaining:  daysRemaining,
		DaysInCycle:    daysInCycle,
		UnusedCredit:   unusedCredit,
		NewTierCost:    newTierCost,
		CouponDiscount: couponDiscount,
		NetCharge:      newTierCost.Sub(unusedCredit).Sub(couponDiscount),
	}, nil
}

// wholeDays converts a duration to whole days, rounding partial days up so a
// remainder of a few hours still counts as a usable day.
func wholeDays(d time.Duration) int {
	return int(math.Ceil(d.Hours() / 24))
}
