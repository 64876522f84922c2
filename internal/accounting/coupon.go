package accounting

import (
	"context"
	"errors"
	"time"

	"github.com/router-for-me/CLIProxyAPILedger/internal/coupon"
	dbutil "github.com/router-for-me/CLIProxyAPILedger/internal/db"
	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RedeemCoupon settles a standalone redemption and applies the coupon's
// effect in the same transaction: a credits coupon lands on the balance, a
// free-periods coupon pushes the subscription period end out. Percent and
// fixed coupons only record the redemption here; their discount belongs to
// the purchase that supplies the amount.
func (s *Service) RedeemCoupon(ctx context.Context, code string, vctx coupon.Context) (*coupon.Redemption, error) {
	var redemption *coupon.Redemption
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var errRedeem error
		redemption, errRedeem = s.redeemer.RedeemTx(ctx, tx, code, vctx)
		if errRedeem != nil {
			return errRedeem
		}
		return s.applyCouponEffect(tx, redemption, vctx.SubjectID)
	})
	if errTx != nil {
		s.redeemer.RecordBlocked(ctx, code, vctx, errTx)
		return nil, errTx
	}
	s.validator.BumpVelocity(ctx, vctx.SubjectID)

	log.WithFields(log.Fields{
		"subject_id": vctx.SubjectID,
		"coupon":     redemption.Record.CouponID,
		"kind":       string(redemption.Result.Discount.Kind),
	}).Info("accounting: coupon redeemed")
	return redemption, nil
}

func (s *Service) applyCouponEffect(tx *gorm.DB, redemption *coupon.Redemption, subjectID string) error {
	discount := redemption.Result.Discount
	switch discount.Kind {
	case models.DiscountCredits:
		_, errGrant := s.engine.AdjustTx(tx, subjectID, discount.CreditGrant, models.ReasonCouponCredit)
		return errGrant
	case models.DiscountFreePeriods:
		return s.extendSubscription(tx, subjectID, discount.FreePeriods)
	default:
		return nil
	}
}

// extendSubscription pushes the subject's current period end out by whole
// free periods under a row lock. A free-periods coupon without an active
// subscription has nothing to extend and fails the redemption.
func (s *Service) extendSubscription(tx *gorm.DB, subjectID string, periods int) error {
	if periods <= 0 {
		return nil
	}
	var sub models.Subscription
	errFind := dbutil.WithRowLock(tx).
		Where("subject_id = ?", subjectID).
		First(&sub).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return ErrNoSubscription
		}
		return errFind
	}
	return tx.Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]interface{}{
			"period_end": extendPeriod(sub.PeriodEnd, sub.Cycle, periods),
			"updated_at": time.Now().UTC(),
		}).Error
}
