package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPILedger/internal/coupon"
	dbutil "github.com/router-for-me/CLIProxyAPILedger/internal/db"
	"github.com/router-for-me/CLIProxyAPILedger/internal/ledger"
	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	"github.com/router-for-me/CLIProxyAPILedger/internal/proration"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrTierMismatch rejects a tier change whose stated origin tier does not
// match the subject's current subscription.
var ErrTierMismatch = errors.New("accounting: subscription is not on the stated tier")

// ErrNoSubscription rejects a tier change for a subject without one.
var ErrNoSubscription = errors.New("accounting: subject has no subscription")

// TierChangeInput describes a requested mid-cycle tier change.
type TierChangeInput struct {
	SubjectID string
	FromTier  string
	ToTier    string

	// CouponCode optionally applies an upgrade coupon to the prorated cost
	// of the new tier.
	CouponCode        string
	UserAgent         string
	DeviceFingerprint string
	ClientIP          string

	At time.Time
}

// TierChangeResult reports a settled tier change.
type TierChangeResult struct {
	Event        models.ProrationEvent
	Redemption   *coupon.Redemption
	BalanceAfter decimal.Decimal
}

// SettleTierChange prorates and settles a mid-cycle tier change in one
// transaction: the optional coupon redemption, the proration record, the
// subscription update and the balance movement either all commit or none do.
// A positive net charge that the balance cannot cover aborts everything and
// leaves a failed proration event behind for audit.
func (s *Service) SettleTierChange(ctx context.Context, in TierChangeInput) (*TierChangeResult, error) {
	at := in.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var result *TierChangeResult
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var errSettle error
		result, errSettle = s.settleTierChangeTx(ctx, tx, in, at)
		return errSettle
	})
	if errTx != nil {
		s.recordFailedProration(ctx, in, at, errTx)
		if in.CouponCode != "" {
			s.redeemer.RecordBlocked(ctx, in.CouponCode, s.couponContext(in), errTx)
		}
		return nil, errTx
	}
	if result.Redemption != nil {
		s.validator.BumpVelocity(ctx, in.SubjectID)
	}
	return result, nil
}

func (s *Service) settleTierChangeTx(ctx context.Context, tx *gorm.DB, in TierChangeInput, at time.Time) (*TierChangeResult, error) {
	var sub models.Subscription
	errFind := dbutil.WithRowLock(tx).
		Where("subject_id = ?", in.SubjectID).
		First(&sub).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNoSubscription
		}
		return nil, errFind
	}

	fromTier, errFrom := loadTierByID(tx, sub.TierID)
	if errFrom != nil {
		return nil, errFrom
	}
	if !strings.EqualFold(fromTier.Name, in.FromTier) {
		return nil, ErrTierMismatch
	}
	toTier, errTo := loadEnabledTier(tx, in.ToTier)
	if errTo != nil {
		return nil, errTo
	}

	// Price the change once without a coupon so the redemption's
	// minimum-purchase check sees the prorated cost it discounts.
	baseQuote, errBase := proration.Compute(&sub, fromTier, toTier, decimal.Zero, at)
	if errBase != nil {
		return nil, errBase
	}

	couponDiscount := decimal.Zero
	freePeriods := 0
	var redemption *coupon.Redemption
	if in.CouponCode != "" {
		vctx := s.couponContext(in)
		vctx.Tier = fromTier.Name
		vctx.BillingCycle = sub.Cycle
		vctx.PurchaseAmount = baseQuote.NewTierCost
		vctx.Now = at

		var errRedeem error
		redemption, errRedeem = s.redeemer.RedeemTx(ctx, tx, in.CouponCode, vctx)
		if errRedeem != nil {
			return nil, errRedeem
		}
		discount := redemption.Result.Discount
		switch discount.Kind {
		case models.DiscountPercent, models.DiscountFixed:
			couponDiscount = discount.DiscountAmount
		case models.DiscountCredits:
			if _, errGrant := s.engine.AdjustTx(tx, in.SubjectID, discount.CreditGrant, models.ReasonCouponCredit); errGrant != nil {
				return nil, errGrant
			}
		case models.DiscountFreePeriods:
			freePeriods = discount.FreePeriods
		}
	}

	quote, errQuote := proration.Compute(&sub, fromTier, toTier, couponDiscount, at)
	if errQuote != nil {
		return nil, errQuote
	}

	event := models.ProrationEvent{
		SubjectID:         in.SubjectID,
		FromTier:          fromTier.Name,
		ToTier:            toTier.Name,
		DaysRemaining:     quote.DaysRemaining,
		DaysInCycle:       quote.DaysInCycle,
		UnusedCreditValue: quote.UnusedCredit,
		NewTierCost:       quote.NewTierCost,
		DiscountApplied:   quote.CouponDiscount,
		NetCharge:         quote.NetCharge,
		EffectiveDate:     at,
		Status:            models.ProrationSettled,
	}
	if errCreate := tx.Create(&event).Error; errCreate != nil {
		return nil, errCreate
	}

	updates := map[string]interface{}{
		"tier_id":    toTier.ID,
		"updated_at": time.Now().UTC(),
	}
	if freePeriods > 0 {
		updates["period_end"] = extendPeriod(sub.PeriodEnd, sub.Cycle, freePeriods)
	}
	if errUpdate := tx.Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(updates).Error; errUpdate != nil {
		return nil, errUpdate
	}

	// A positive net charge deducts; a downgrade's negative net charge lands
	// back on the balance as credit. The overage floor still applies to the
	// deduction side.
	balanceAfter := decimal.Zero
	if quote.NetCharge.Sign() != 0 {
		deduction, errAdjust := s.engine.AdjustTx(tx, in.SubjectID, quote.NetCharge.Neg(), models.ReasonTierChange)
		if errAdjust != nil {
			return nil, errAdjust
		}
		balanceAfter = deduction.BalanceAfter
	} else {
		balanceAfter = s.engine.ReadBalanceTx(tx, in.SubjectID)
	}

	log.WithFields(log.Fields{
		"subject_id": in.SubjectID,
		"from_tier":  fromTier.Name,
		"to_tier":    toTier.Name,
		"net_charge": quote.NetCharge.String(),
	}).Info("accounting: tier change settled")

	return &TierChangeResult{Event: event, Redemption: redemption, BalanceAfter: balanceAfter}, nil
}

func (s *Service) couponContext(in TierChangeInput) coupon.Context {
	return coupon.Context{
		SubjectID:         in.SubjectID,
		UserAgent:         in.UserAgent,
		DeviceFingerprint: in.DeviceFingerprint,
		ClientIP:          in.ClientIP,
		Now:               in.At,
	}
}

// recordFailedProration leaves an audit row when a tier change aborts on
// insufficient credits. Other failures (validation, mismatches) carry their
// detail in the returned error and are not persisted.
func (s *Service) recordFailedProration(ctx context.Context, in TierChangeInput, at time.Time, errSettle error) {
	var insufficient *ledger.InsufficientCreditsError
	if !errors.As(errSettle, &insufficient) {
		return
	}
	event := models.ProrationEvent{
		SubjectID:     in.SubjectID,
		FromTier:      in.FromTier,
		ToTier:        in.ToTier,
		NetCharge:     insufficient.Required,
		EffectiveDate: at,
		Status:        models.ProrationFailed,
	}
	if errCreate := s.db.WithContext(ctx).Create(&event).Error; errCreate != nil {
		log.WithError(errCreate).Warn("accounting: failed to record aborted tier change")
	}
}

func loadTierByID(tx *gorm.DB, id uint64) (*models.SubscriptionTier, error) {
	var tier models.SubscriptionTier
	errFind := tx.Where("id = ?", id).First(&tier).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("accounting: tier %d not found", id)
		}
		return nil, errFind
	}
	return &tier, nil
}

func loadEnabledTier(tx *gorm.DB, name string) (*models.SubscriptionTier, error) {
	var tier models.SubscriptionTier
	errFind := tx.Where("name = ? AND is_enabled = ?", name, true).First(&tier).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("accounting: tier %q not found or disabled", name)
		}
		return nil, errFind
	}
	return &tier, nil
}

// extendPeriod pushes a billing period end out by whole free periods.
func extendPeriod(end time.Time, cycle string, periods int) time.Time {
	if cycle == models.CycleAnnual {
		return end.AddDate(periods, 0, 0)
	}
	return end.AddDate(0, periods, 0)
}
