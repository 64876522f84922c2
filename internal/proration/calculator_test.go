package proration

import (
	"errors"
	"testing"
	"time"

	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	"github.com/shopspring/decimal"
)

func annualSubscription(start time.Time, discountPercent string) *models.Subscription {
	return &models.Subscription{
		SubjectID:       "sub-a",
		Cycle:           models.CycleAnnual,
		PeriodStart:     start,
		PeriodEnd:       start.AddDate(0, 0, 364),
		DiscountPercent: decimal.RequireFromString(discountPercent),
	}
}

func TestComputeAnnualUpgradeWithCoupon(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := annualSubscription(start, "0")
	from := &models.SubscriptionTier{Name: "pro", AnnualPrice: decimal.RequireFromString("228")}
	to := &models.SubscriptionTier{Name: "max", AnnualPrice: decimal.RequireFromString("588")}

	at := sub.PeriodEnd.AddDate(0, 0, -46)
	// 20% coupon on the prorated new tier cost.
	fraction := decimal.NewFromInt(46).Div(decimal.NewFromInt(364))
	newTierCost := decimal.RequireFromString("588").Mul(fraction)
	couponDiscount := newTierCost.Mul(decimal.RequireFromString("0.2"))

	quote, errCompute := Compute(sub, from, to, couponDiscount, at)
	if errCompute != nil {
		t.Fatalf("compute: %v", errCompute)
	}

	if quote.DaysRemaining != 46 || quote.DaysInCycle != 364 {
		t.Fatalf("days = %d/%d, want 46/364", quote.DaysRemaining, quote.DaysInCycle)
	}
	wantUnused := decimal.RequireFromString("228").Mul(fraction)
	if !quote.UnusedCredit.Equal(wantUnused) {
		t.Fatalf("unused credit = %s, want %s", quote.UnusedCredit, wantUnused)
	}
	if !quote.NewTierCost.Equal(newTierCost) {
		t.Fatalf("new tier cost = %s, want %s", quote.NewTierCost, newTierCost)
	}
	wantNet := newTierCost.Sub(wantUnused).Sub(couponDiscount)
	if !quote.NetCharge.Equal(wantNet) {
		t.Fatalf("net charge = %s, want %s", quote.NetCharge, wantNet)
	}
	// Sanity: roughly 74.31 - 28.81 - 14.86.
	if quote.NetCharge.Round(2).String() != "30.63" {
		t.Fatalf("net charge rounds to %s, want 30.63", quote.NetCharge.Round(2))
	}
}

func TestComputeUsesEffectivePriceForUnusedCredit(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// The subject pays 25% under list; crediting list price would refund
	// money they never spent.
	sub := annualSubscription(start, "25")
	from := &models.SubscriptionTier{Name: "pro", AnnualPrice: decimal.RequireFromString("200")}
	to := &models.SubscriptionTier{Name: "max", AnnualPrice: decimal.RequireFromString("400")}

	at := sub.PeriodEnd.AddDate(0, 0, -182)
	quote, errCompute := Compute(sub, from, to, decimal.Zero, at)
	if errCompute != nil {
		t.Fatalf("compute: %v", errCompute)
	}

	fraction := decimal.NewFromInt(182).Div(decimal.NewFromInt(364))
	wantUnused := decimal.RequireFromString("150").Mul(fraction)
	if !quote.UnusedCredit.Equal(wantUnused) {
		t.Fatalf("unused credit = %s, want %s (effective price basis)", quote.UnusedCredit, wantUnused)
	}
	// The incoming tier is charged at list price regardless.
	wantCost := decimal.RequireFromString("400").Mul(fraction)
	if !quote.NewTierCost.Equal(wantCost) {
		t.Fatalf("new tier cost = %s, want %s", quote.NewTierCost, wantCost)
	}
}

func TestComputeMonthlyCycleUsesItsOwnDayCount(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	sub := &models.Subscription{
		SubjectID:   "sub-a",
		Cycle:       models.CycleMonthly,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
	}
	from := &models.SubscriptionTier{Name: "pro", MonthlyPrice: decimal.RequireFromString("30")}
	to := &models.SubscriptionTier{Name: "max", MonthlyPrice: decimal.RequireFromString("60")}

	at := start.AddDate(0, 0, 20)
	quote, errCompute := Compute(sub, from, to, decimal.Zero, at)
	if errCompute != nil {
		t.Fatalf("compute: %v", errCompute)
	}
	if quote.DaysInCycle != 30 || quote.DaysRemaining != 10 {
		t.Fatalf("days = %d/%d, want 10/30", quote.DaysRemaining, quote.DaysInCycle)
	}
	// 10/30 of the 30-difference: upgrade nets 10.
	if !quote.NetCharge.Round(2).Equal(decimal.RequireFromString("10")) {
		t.Fatalf("net charge = %s", quote.NetCharge)
	}
}

func TestComputeDowngradeNetsNegative(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	sub := &models.Subscription{
		SubjectID:   "sub-a",
		Cycle:       models.CycleMonthly,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
	}
	from := &models.SubscriptionTier{Name: "max", MonthlyPrice: decimal.RequireFromString("60")}
	to := &models.SubscriptionTier{Name: "pro", MonthlyPrice: decimal.RequireFromString("30")}

	quote, errCompute := Compute(sub, from, to, decimal.Zero, start.AddDate(0, 0, 15))
	if errCompute != nil {
		t.Fatalf("compute: %v", errCompute)
	}
	if quote.NetCharge.Sign() >= 0 {
		t.Fatalf("downgrade net charge = %s, want negative", quote.NetCharge)
	}
}

func TestComputePartialDaysRoundUp(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	sub := &models.Subscription{
		SubjectID:   "sub-a",
		Cycle:       models.CycleMonthly,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
	}
	from := &models.SubscriptionTier{Name: "pro", MonthlyPrice: decimal.RequireFromString("30")}
	to := &models.SubscriptionTier{Name: "max", MonthlyPrice: decimal.RequireFromString("60")}

	// 9 days and 6 hours left count as 10 usable days.
	at := sub.PeriodEnd.Add(-(9*24 + 6) * time.Hour)
	quote, errCompute := Compute(sub, from, to, decimal.Zero, at)
	if errCompute != nil {
		t.Fatalf("compute: %v", errCompute)
	}
	if quote.DaysRemaining != 10 {
		t.Fatalf("days remaining = %d, want 10", quote.DaysRemaining)
	}
}

func TestComputeClampsCouponDiscount(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	sub := &models.Subscription{
		SubjectID:   "sub-a",
		Cycle:       models.CycleMonthly,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
	}
	from := &models.SubscriptionTier{Name: "pro", MonthlyPrice: decimal.RequireFromString("30")}
	to := &models.SubscriptionTier{Name: "max", MonthlyPrice: decimal.RequireFromString("60")}

	quote, errCompute := Compute(sub, from, to, decimal.RequireFromString("9999"), start.AddDate(0, 0, 15))
	if errCompute != nil {
		t.Fatalf("compute: %v", errCompute)
	}
	if !quote.CouponDiscount.Equal(quote.NewTierCost) {
		t.Fatalf("discount %s exceeds new tier cost %s", quote.CouponDiscount, quote.NewTierCost)
	}

	quote, errCompute = Compute(sub, from, to, decimal.RequireFromString("-5"), start.AddDate(0, 0, 15))
	if errCompute != nil {
		t.Fatalf("compute: %v", errCompute)
	}
	if !quote.CouponDiscount.IsZero() {
		t.Fatalf("negative discount not zeroed: %s", quote.CouponDiscount)
	}
}

func TestComputeOutsidePeriodFails(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	sub := &models.Subscription{
		SubjectID:   "sub-a",
		Cycle:       models.CycleMonthly,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
	}
	tier := &models.SubscriptionTier{Name: "pro", MonthlyPrice: decimal.RequireFromString("30")}

	_, errCompute := Compute(sub, tier, tier, decimal.Zero, sub.PeriodEnd)
	if !errors.Is(errCompute, ErrPeriodExpired) {
		t.Fatalf("expected ErrPeriodExpired, got %v", errCompute)
	}

	broken := &models.Subscription{Cycle: models.CycleMonthly, PeriodStart: start, PeriodEnd: start}
	_, errCompute = Compute(broken, tier, tier, decimal.Zero, start)
	if !errors.Is(errCompute, ErrBadPeriod) {
		t.Fatalf("expected ErrBadPeriod, got %v", errCompute)
	}
}
