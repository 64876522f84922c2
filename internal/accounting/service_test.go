package accounting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/router-for-me/CLIProxyAPILedger/internal/coupon"
	"github.com/router-for-me/CLIProxyAPILedger/internal/db"
	"github.com/router-for-me/CLIProxyAPILedger/internal/ledger"
	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	"github.com/router-for-me/CLIProxyAPILedger/internal/pricing"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	service := NewService(conn, nil)
	if errReload := service.Reload(context.Background()); errReload != nil {
		t.Fatalf("reload: %v", errReload)
	}
	return service, conn
}

func seedPricing(t *testing.T, s *Service, conn *gorm.DB) {
	t.Helper()
	price := models.UnitPrice{
		Provider:      "openai",
		Model:         "gpt-4o",
		InputPrice:    decimal.RequireFromString("2"),
		OutputPrice:   decimal.RequireFromString("8"),
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if errCreate := conn.Create(&price).Error; errCreate != nil {
		t.Fatalf("seed price: %v", errCreate)
	}
	rule := models.MarginRule{
		ScopeKind:      models.MarginScopeProvider,
		Provider:       "openai",
		Multiplier:     decimal.RequireFromString("1.5"),
		EffectiveFrom:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ApprovalStatus: models.ApprovalApproved,
	}
	if errCreate := conn.Create(&rule).Error; errCreate != nil {
		t.Fatalf("seed margin rule: %v", errCreate)
	}
	if errReload := s.Reload(context.Background()); errReload != nil {
		t.Fatalf("reload after seed: %v", errReload)
	}
}

func grantCredits(t *testing.T, s *Service, subjectID, amount string) {
	t.Helper()
	if _, errGrant := s.Ledger().Adjust(context.Background(), subjectID, decimal.RequireFromString(amount), ""); errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}
}

func seedSubscription(t *testing.T, conn *gorm.DB, subjectID string, tier models.SubscriptionTier, cycle string, start time.Time, periodDays int) models.Subscription {
	t.Helper()
	if errCreate := conn.Create(&tier).Error; errCreate != nil {
		t.Fatalf("seed tier %s: %v", tier.Name, errCreate)
	}
	sub := models.Subscription{
		SubjectID:   subjectID,
		TierID:      tier.ID,
		Cycle:       cycle,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 0, periodDays),
	}
	if errCreate := conn.Create(&sub).Error; errCreate != nil {
		t.Fatalf("seed subscription: %v", errCreate)
	}
	return sub
}

func couponTestContext(subjectID string) coupon.Context {
	return coupon.Context{
		SubjectID:      subjectID,
		Tier:           "pro",
		BillingCycle:   models.CycleMonthly,
		PurchaseAmount: decimal.RequireFromString("100"),
	}
}

func TestChargeForUsageRoundsTinyChargeToIncrement(t *testing.T) {
	service, conn := newTestService(t)
	seedPricing(t, service, conn)
	grantCredits(t, service, "sub-a", "1000")

	// 20 input tokens at $2/1M cost $0.00004; with the 1.5 multiplier the
	// raw charge is $0.00006 and rounds up to one increment.
	result, errCharge := service.ChargeForUsage(context.Background(), UsageEvent{
		SubjectID:   "sub-a",
		Provider:    "openai",
		Model:       "gpt-4o",
		InputTokens: 20,
		RequestID:   "req-tiny",
		Timestamp:   time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	if errCharge != nil {
		t.Fatalf("charge: %v", errCharge)
	}
	if !result.ChargeAmount.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("charge = %s, want 0.01", result.ChargeAmount)
	}
	if !result.BalanceAfter.Equal(decimal.RequireFromString("999.99")) {
		t.Fatalf("balance = %s, want 999.99", result.BalanceAfter)
	}

	// The persisted row keeps the pre-rounding unit economics.
	var usage models.UsageRecord
	if errFind := conn.Where("request_id = ?", "req-tiny").First(&usage).Error; errFind != nil {
		t.Fatalf("load usage: %v", errFind)
	}
	if !usage.VendorCost.Equal(decimal.RequireFromString("0.00004")) {
		t.Fatalf("vendor cost = %s", usage.VendorCost)
	}
	if !usage.MarginMultiplier.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("multiplier = %s", usage.MarginMultiplier)
	}
}

func TestChargeForUsageHonorsIncrementSetting(t *testing.T) {
	service, conn := newTestService(t)
	seedPricing(t, service, conn)
	grantCredits(t, service, "sub-a", "1000")

	if errUpdate := service.UpdateCreditIncrement(context.Background(), decimal.RequireFromString("0.1")); errUpdate != nil {
		t.Fatalf("update increment: %v", errUpdate)
	}
	if got := service.GetCreditIncrement(); !got.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("increment = %s", got)
	}

	result, errCharge := service.ChargeForUsage(context.Background(), UsageEvent{
		SubjectID:   "sub-a",
		Provider:    "openai",
		Model:       "gpt-4o",
		InputTokens: 20,
		RequestID:   "req-inc",
	})
	if errCharge != nil {
		t.Fatalf("charge: %v", errCharge)
	}
	if !result.ChargeAmount.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("charge = %s, want 0.1", result.ChargeAmount)
	}
}

func TestChargeForUsageDuplicateRequestID(t *testing.T) {
	service, conn := newTestService(t)
	seedPricing(t, service, conn)
	grantCredits(t, service, "sub-a", "1000")

	event := UsageEvent{
		SubjectID:   "sub-a",
		Provider:    "openai",
		Model:       "gpt-4o",
		InputTokens: 500000,
		RequestID:   "req-dup",
	}
	first, errFirst := service.ChargeForUsage(context.Background(), event)
	if errFirst != nil {
		t.Fatalf("first charge: %v", errFirst)
	}
	second, errSecond := service.ChargeForUsage(context.Background(), event)
	if errSecond != nil {
		t.Fatalf("duplicate charge: %v", errSecond)
	}
	if !second.Duplicate || second.UsageRecordID != first.UsageRecordID {
		t.Fatal("duplicate replay mismatch")
	}
	balance, _ := service.Ledger().Balance(context.Background(), "sub-a")
	if !balance.Equal(first.BalanceAfter) {
		t.Fatalf("balance moved twice: %s", balance)
	}
}

func TestChargeForUsageUnknownPriceFails(t *testing.T) {
	service, _ := newTestService(t)
	grantCredits(t, service, "sub-a", "1000")

	_, errCharge := service.ChargeForUsage(context.Background(), UsageEvent{
		SubjectID:   "sub-a",
		Provider:    "openai",
		Model:       "gpt-unpriced",
		InputTokens: 10,
		RequestID:   "req-nope",
	})
	var unavailable *pricing.PricingUnavailableError
	if !errors.As(errCharge, &unavailable) {
		t.Fatalf("expected PricingUnavailableError, got %v", errCharge)
	}
}

func TestChargeForUsageFailedEventRecordsAtZero(t *testing.T) {
	service, conn := newTestService(t)
	grantCredits(t, service, "sub-a", "10")

	// Failed requests need no price row and never touch the balance.
	result, errCharge := service.ChargeForUsage(context.Background(), UsageEvent{
		SubjectID:   "sub-a",
		Provider:    "openai",
		Model:       "gpt-4o",
		InputTokens: 10,
		RequestID:   "req-failed",
		Failed:      true,
		ErrorDetail: []byte(`{"status":429}`),
	})
	if errCharge != nil {
		t.Fatalf("record failed event: %v", errCharge)
	}
	if !result.ChargeAmount.IsZero() {
		t.Fatalf("failed event charged %s", result.ChargeAmount)
	}

	var usage models.UsageRecord
	if errFind := conn.Where("request_id = ?", "req-failed").First(&usage).Error; errFind != nil {
		t.Fatalf("load usage: %v", errFind)
	}
	if usage.Status != models.UsageStatusFailed {
		t.Fatalf("status = %s", usage.Status)
	}
	balance, _ := service.Ledger().Balance(context.Background(), "sub-a")
	if !balance.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("balance = %s", balance)
	}
}

func TestChargeForUsageAppliesTierScopedMargin(t *testing.T) {
	service, conn := newTestService(t)
	seedPricing(t, service, conn)
	grantCredits(t, service, "sub-pro", "1000")

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	seedSubscription(t, conn, "sub-pro",
		models.SubscriptionTier{Name: "pro", MonthlyPrice: decimal.RequireFromString("30"), IsEnabled: true},
		models.CycleMonthly, start, 30)

	combo := models.MarginRule{
		ScopeKind:      models.MarginScopeCombination,
		Tier:           "pro",
		Provider:       "openai",
		Model:          "gpt-4o",
		Multiplier:     decimal.RequireFromString("2"),
		EffectiveFrom:  start,
		ApprovalStatus: models.ApprovalApproved,
	}
	if errCreate := conn.Create(&combo).Error; errCreate != nil {
		t.Fatalf("seed combination rule: %v", errCreate)
	}
	if errReload := service.Reload(context.Background()); errReload != nil {
		t.Fatalf("reload: %v", errReload)
	}

	result, errCharge := service.ChargeForUsage(context.Background(), UsageEvent{
		SubjectID:   "sub-pro",
		Provider:    "openai",
		Model:       "gpt-4o",
		InputTokens: 1_000_000,
		RequestID:   "req-combo",
		Timestamp:   start.AddDate(0, 0, 5),
	})
	if errCharge != nil {
		t.Fatalf("charge: %v", errCharge)
	}
	// $2 vendor cost doubled by the combination rule, not the 1.5 provider rule.
	if !result.ChargeAmount.Equal(decimal.RequireFromString("4")) {
		t.Fatalf("charge = %s, want 4", result.ChargeAmount)
	}
}

func TestChargeForUsageGeneratesRequestID(t *testing.T) {
	service, conn := newTestService(t)
	seedPricing(t, service, conn)
	grantCredits(t, service, "sub-a", "10")

	result, errCharge := service.ChargeForUsage(context.Background(), UsageEvent{
		SubjectID:   "sub-a",
		Provider:    "openai",
		Model:       "gpt-4o",
		InputTokens: 100,
	})
	if errCharge != nil {
		t.Fatalf("charge: %v", errCharge)
	}
	var usage models.UsageRecord
	if errFind := conn.First(&usage, result.UsageRecordID).Error; errFind != nil {
		t.Fatalf("load usage: %v", errFind)
	}
	if usage.RequestID == "" {
		t.Fatal("request id not generated")
	}
}

func TestSettleTierChangeEndToEnd(t *testing.T) {
	service, conn := newTestService(t)
	ctx := context.Background()
	grantCredits(t, service, "sub-a", "100")

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	seedSubscription(t, conn, "sub-a",
		models.SubscriptionTier{Name: "pro", MonthlyPrice: decimal.RequireFromString("30"), IsEnabled: true},
		models.CycleMonthly, start, 30)
	max := models.SubscriptionTier{Name: "max", MonthlyPrice: decimal.RequireFromString("60"), IsEnabled: true}
	if errCreate := conn.Create(&max).Error; errCreate != nil {
		t.Fatalf("seed max tier: %v", errCreate)
	}

	result, errSettle := service.SettleTierChange(ctx, TierChangeInput{
		SubjectID: "sub-a",
		FromTier:  "pro",
		ToTier:    "max",
		At:        start.AddDate(0, 0, 15),
	})
	if errSettle != nil {
		t.Fatalf("settle tier change: %v", errSettle)
	}
	if result.Event.DaysRemaining != 15 || result.Event.DaysInCycle != 30 {
		t.Fatalf("days = %d/%d", result.Event.DaysRemaining, result.Event.DaysInCycle)
	}
	// Half of 60 minus half of 30.
	if !result.Event.NetCharge.Equal(decimal.RequireFromString("15")) {
		t.Fatalf("net charge = %s, want 15", result.Event.NetCharge)
	}
	if !result.BalanceAfter.Equal(decimal.RequireFromString("85")) {
		t.Fatalf("balance = %s, want 85", result.BalanceAfter)
	}

	var sub models.Subscription
	if errFind := conn.Preload("Tier").Where("subject_id = ?", "sub-a").First(&sub).Error; errFind != nil {
		t.Fatalf("reload subscription: %v", errFind)
	}
	if sub.Tier == nil || sub.Tier.Name != "max" {
		t.Fatal("subscription tier not moved")
	}
	if errChain := service.Ledger().VerifyChain(ctx, "sub-a"); errChain != nil {
		t.Fatalf("chain: %v", errChain)
	}
}

func TestSettleTierChangeWithPercentCoupon(t *testing.T) {
	service, conn := newTestService(t)
	ctx := context.Background()
	grantCredits(t, service, "sub-a", "100")

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	seedSubscription(t, conn, "sub-a",
		models.SubscriptionTier{Name: "pro", MonthlyPrice: decimal.RequireFromString("30"), IsEnabled: true},
		models.CycleMonthly, start, 30)
	max := models.SubscriptionTier{Name: "max", MonthlyPrice: decimal.RequireFromString("60"), IsEnabled: true}
	if errCreate := conn.Create(&max).Error; errCreate != nil {
		t.Fatalf("seed max tier: %v", errCreate)
	}
	cpn := models.Coupon{
		Code:         "UP20",
		DiscountKind: models.DiscountPercent,
		Value:        decimal.RequireFromString("20"),
		IsActive:     true,
	}
	if errCreate := conn.Create(&cpn).Error; errCreate != nil {
		t.Fatalf("seed coupon: %v", errCreate)
	}

	result, errSettle := service.SettleTierChange(ctx, TierChangeInput{
		SubjectID:  "sub-a",
		FromTier:   "pro",
		ToTier:     "max",
		CouponCode: "UP20",
		At:         start.AddDate(0, 0, 15),
	})
	if errSettle != nil {
		t.Fatalf("settle tier change: %v", errSettle)
	}
	// 30 prorated new cost, 20% off is 6: net = 30 - 15 - 6 = 9.
	if !result.Event.DiscountApplied.Equal(decimal.RequireFromString("6")) {
		t.Fatalf("discount = %s, want 6", result.Event.DiscountApplied)
	}
	if !result.Event.NetCharge.Equal(decimal.RequireFromString("9")) {
		t.Fatalf("net charge = %s, want 9", result.Event.NetCharge)
	}
	if result.Redemption == nil || result.Redemption.Record.Status != models.RedemptionSuccess {
		t.Fatal("redemption not recorded")
	}
	if !result.BalanceAfter.Equal(decimal.RequireFromString("91")) {
		t.Fatalf("balance = %s, want 91", result.BalanceAfter)
	}
}

func TestSettleTierChangeInsufficientCreditsAborts(t *testing.T) {
	service, conn := newTestService(t)
	ctx := context.Background()
	grantCredits(t, service, "sub-a", "5")

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	seedSubscription(t, conn, "sub-a",
		models.SubscriptionTier{Name: "pro", MonthlyPrice: decimal.RequireFromString("30"), IsEnabled: true},
		models.CycleMonthly, start, 30)
	max := models.SubscriptionTier{Name: "max", MonthlyPrice: decimal.RequireFromString("60"), IsEnabled: true}
	if errCreate := conn.Create(&max).Error; errCreate != nil {
		t.Fatalf("seed max tier: %v", errCreate)
	}

	_, errSettle := service.SettleTierChange(ctx, TierChangeInput{
		SubjectID: "sub-a",
		FromTier:  "pro",
		ToTier:    "max",
		At:        start.AddDate(0, 0, 15),
	})
	var insufficient *ledger.InsufficientCreditsError
	if !errors.As(errSettle, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", errSettle)
	}

	// Nothing moved: tier, balance and settled events are untouched, and the
	// rejection left a failed proration event for audit.
	var sub models.Subscription
	if errFind := conn.Preload("Tier").Where("subject_id = ?", "sub-a").First(&sub).Error; errFind != nil {
		t.Fatalf("reload subscription: %v", errFind)
	}
	if sub.Tier.Name != "pro" {
		t.Fatalf("tier moved to %s", sub.Tier.Name)
	}
	balance, _ := service.Ledger().Balance(ctx, "sub-a")
	if !balance.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("balance = %s", balance)
	}
	var failed models.ProrationEvent
	if errFind := conn.Where("status = ?", models.ProrationFailed).First(&failed).Error; errFind != nil {
		t.Fatalf("failed proration event missing: %v", errFind)
	}
	var settledCount int64
	if errCount := conn.Model(&models.ProrationEvent{}).Where("status = ?", models.ProrationSettled).Count(&settledCount).Error; errCount != nil {
		t.Fatalf("count settled events: %v", errCount)
	}
	if settledCount != 0 {
		t.Fatalf("settled events = %d after abort", settledCount)
	}
}

func TestSettleTierChangeWrongFromTier(t *testing.T) {
	service, conn := newTestService(t)
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	seedSubscription(t, conn, "sub-a",
		models.SubscriptionTier{Name: "pro", MonthlyPrice: decimal.RequireFromString("30"), IsEnabled: true},
		models.CycleMonthly, start, 30)

	_, errSettle := service.SettleTierChange(context.Background(), TierChangeInput{
		SubjectID: "sub-a",
		FromTier:  "max",
		ToTier:    "pro",
		At:        start.AddDate(0, 0, 5),
	})
	if !errors.Is(errSettle, ErrTierMismatch) {
		t.Fatalf("expected ErrTierMismatch, got %v", errSettle)
	}
}

func TestRedeemCouponCreditsKindGrantsBalance(t *testing.T) {
	service, conn := newTestService(t)
	ctx := context.Background()

	cpn := models.Coupon{
		Code:         "GIFT15",
		DiscountKind: models.DiscountCredits,
		Value:        decimal.RequireFromString("15"),
		IsActive:     true,
	}
	if errCreate := conn.Create(&cpn).Error; errCreate != nil {
		t.Fatalf("seed coupon: %v", errCreate)
	}

	redemption, errRedeem := service.RedeemCoupon(ctx, "GIFT15", couponTestContext("sub-a"))
	if errRedeem != nil {
		t.Fatalf("redeem: %v", errRedeem)
	}
	if !redemption.Result.Discount.CreditGrant.Equal(decimal.RequireFromString("15")) {
		t.Fatalf("grant = %s", redemption.Result.Discount.CreditGrant)
	}
	balance, _ := service.Ledger().Balance(ctx, "sub-a")
	if !balance.Equal(decimal.RequireFromString("15")) {
		t.Fatalf("balance = %s, want 15", balance)
	}

	var record models.DeductionRecord
	if errFind := conn.Where("reason = ?", models.ReasonCouponCredit).First(&record).Error; errFind != nil {
		t.Fatalf("coupon credit record missing: %v", errFind)
	}
	if !record.Amount.Equal(decimal.RequireFromString("-15")) {
		t.Fatalf("grant amount = %s, want -15", record.Amount)
	}
}

func TestRedeemCouponFreePeriodsExtendsSubscription(t *testing.T) {
	service, conn := newTestService(t)
	ctx := context.Background()

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	sub := seedSubscription(t, conn, "sub-a",
		models.SubscriptionTier{Name: "pro", MonthlyPrice: decimal.RequireFromString("30"), IsEnabled: true},
		models.CycleMonthly, start, 30)

	cpn := models.Coupon{
		Code:         "FREE2",
		DiscountKind: models.DiscountFreePeriods,
		Value:        decimal.RequireFromString("2"),
		IsActive:     true,
	}
	if errCreate := conn.Create(&cpn).Error; errCreate != nil {
		t.Fatalf("seed coupon: %v", errCreate)
	}

	if _, errRedeem := service.RedeemCoupon(ctx, "FREE2", couponTestContext("sub-a")); errRedeem != nil {
		t.Fatalf("redeem: %v", errRedeem)
	}

	var updated models.Subscription
	if errFind := conn.First(&updated, sub.ID).Error; errFind != nil {
		t.Fatalf("reload subscription: %v", errFind)
	}
	want := sub.PeriodEnd.AddDate(0, 2, 0)
	if !updated.PeriodEnd.Equal(want) {
		t.Fatalf("period end = %s, want %s", updated.PeriodEnd, want)
	}
}

func TestRedeemCouponFreePeriodsWithoutSubscriptionFails(t *testing.T) {
	service, conn := newTestService(t)

	cpn := models.Coupon{
		Code:         "FREE1",
		DiscountKind: models.DiscountFreePeriods,
		Value:        decimal.RequireFromString("1"),
		IsActive:     true,
	}
	if errCreate := conn.Create(&cpn).Error; errCreate != nil {
		t.Fatalf("seed coupon: %v", errCreate)
	}

	_, errRedeem := service.RedeemCoupon(context.Background(), "FREE1", couponTestContext("sub-none"))
	if !errors.Is(errRedeem, ErrNoSubscription) {
		t.Fatalf("expected ErrNoSubscription, got %v", errRedeem)
	}
	// The failed application rolled the redemption back with it.
	var count int64
	if errCount := conn.Model(&models.CouponRedemption{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count redemptions: %v", errCount)
	}
	if count != 0 {
		t.Fatalf("redemption rows = %d after rollback", count)
	}
}
