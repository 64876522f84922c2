package coupon

import (
	"context"
	"errors"
	"strings"

	dbutil "github.com/router-for-me/CLIProxyAPILedger/internal/db"
	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Redemption is the outcome of a committed redemption.
type Redemption struct {
	Record models.CouponRedemption
	Result Result
}

// Redeemer settles coupon redemptions atomically: validation is re-run inside
// the same transaction as the writes, so a coupon cannot pass validation and
// then exceed a limit before its counters move.
type Redeemer struct {
	db        *gorm.DB
	validator *Validator
}

// NewRedeemer constructs a Redeemer.
func NewRedeemer(db *gorm.DB, validator *Validator) *Redeemer {
	return &Redeemer{db: db, validator: validator}
}

// Redeem runs a standalone redemption in its own transaction.
func (r *Redeemer) Redeem(ctx context.Context, code string, vctx Context) (*Redemption, error) {
	var redemption *Redemption
	errTx := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var errRedeem error
		redemption, errRedeem = r.RedeemTx(ctx, tx, code, vctx)
		return errRedeem
	})
	if errTx != nil {
		r.RecordBlocked(ctx, code, vctx, errTx)
		return nil, errTx
	}
	r.validator.BumpVelocity(ctx, vctx.SubjectID)
	return redemption, nil
}

// RedeemTx performs a redemption inside the caller's transaction so the
// discount settles atomically with the charge it modifies. Counter
// increments are conditional updates checked by rows affected; a limit race
// aborts the whole transaction with the matching validation error.
func (r *Redeemer) RedeemTx(ctx context.Context, tx *gorm.DB, code string, vctx Context) (*Redemption, error) {
	if tx == nil {
		return nil, errors.New("coupon: nil tx")
	}

	// Serialize concurrent redemptions of the same coupon before
	// re-validating, so the limit checks see committed counters.
	var locked models.Coupon
	errLock := dbutil.WithRowLock(tx).
		Where("code = ?", strings.TrimSpace(code)).
		First(&locked).Error
	if errLock != nil {
		if errors.Is(errLock, gorm.ErrRecordNotFound) {
			return nil, &ValidationError{Step: 1, Code: CodeNotFound, Message: "coupon does not exist"}
		}
		return nil, errLock
	}

	result, errValidate := r.validator.Validate(ctx, tx, code, vctx)
	if errValidate != nil {
		return nil, errValidate
	}
	cpn := result.Coupon

	if cpn.MaxUses > 0 {
		res := tx.Model(&models.Coupon{}).
			Where("id = ? AND times_redeemed < max_uses", cpn.ID).
			Update("times_redeemed", gorm.Expr("times_redeemed + 1"))
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, &ValidationError{Step: 5, Code: CodeGlobalLimit, Message: "coupon redemption limit reached"}
		}
	} else {
		if errBump := tx.Model(&models.Coupon{}).
			Where("id = ?", cpn.ID).
			Update("times_redeemed", gorm.Expr("times_redeemed + 1")).Error; errBump != nil {
			return nil, errBump
		}
	}

	if result.Campaign != nil {
		spend := result.Discount.CampaignSpend()
		if spend.Sign() > 0 {
			query := tx.Model(&models.Campaign{})
			if result.Campaign.Budget.Sign() > 0 {
				query = query.Where("id = ? AND spent + ? <= budget", result.Campaign.ID, spend)
			} else {
				query = query.Where("id = ?", result.Campaign.ID)
			}
			res := query.Update("spent", gorm.Expr("spent + ?", spend))
			if res.Error != nil {
				return nil, res.Error
			}
			if res.RowsAffected == 0 {
				return nil, &ValidationError{Step: 7, Code: CodeCampaignExhausted, Message: "campaign budget exhausted"}
			}
		}
	}

	record := models.CouponRedemption{
		CouponID:          cpn.ID,
		SubjectID:         vctx.SubjectID,
		DiscountApplied:   result.Discount.DiscountAmount,
		OriginalAmount:    result.Discount.OriginalAmount,
		FinalAmount:       result.Discount.FinalAmount,
		Status:            models.RedemptionSuccess,
		DeviceFingerprint: vctx.DeviceFingerprint,
		ClientIP:          vctx.ClientIP,
	}
	if errCreate := tx.Create(&record).Error; errCreate != nil {
		return nil, errCreate
	}

	for i := range result.FraudNotes {
		if errNote := tx.Create(&result.FraudNotes[i]).Error; errNote != nil {
			return nil, errNote
		}
	}

	return &Redemption{Record: record, Result: *result}, nil
}

// RecordBlocked persists the audit row for a fraud-refused redemption. The
// redemption transaction already rolled back, so this writes independently.
func (r *Redeemer) RecordBlocked(ctx context.Context, code string, vctx Context, errRedeem error) {
	var validationErr *ValidationError
	if !errors.As(errRedeem, &validationErr) || validationErr.Code != CodeFraudBlocked {
		return
	}
	event := models.FraudEvent{
		SubjectID:  vctx.SubjectID,
		CouponCode: strings.TrimSpace(code),
		Kind:       models.FraudVelocity,
		Blocking:   true,
	}
	if strings.Contains(validationErr.Message, "bot") {
		event.Kind = models.FraudBotSignature
	}
	if errCreate := r.db.WithContext(ctx).Create(&event).Error; errCreate != nil {
		log.WithError(errCreate).Warn("coupon: failed to record blocked redemption")
	}
}
