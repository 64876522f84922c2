package coupon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// velocityWindow is the trailing window for the redemption velocity check.
	velocityWindow = time.Hour
	// velocityLimit is the redemption count above which a subject is blocked.
	velocityLimit = 5
	// velocityKeyPrefix namespaces the redis velocity counters.
	velocityKeyPrefix = "coupon:velocity:"
)

// botSignatures are user-agent fragments treated as bot clients.
var botSignatures = []string{"bot", "curl/", "wget/", "python-requests", "headlesschrome", "phantomjs"}

// checkFraud evaluates the blocking fraud patterns and collects non-blocking
// signals for the redemption transaction to persist.
func (v *Validator) checkFraud(ctx context.Context, db *gorm.DB, cpn *models.Coupon, vctx Context, now time.Time) ([]models.FraudEvent, error) {
	count, errCount := v.redemptionVelocity(ctx, db, vctx.SubjectID, now)
	if errCount != nil {
		return nil, errCount
	}
	if count > velocityLimit {
		return nil, &ValidationError{
			Step:    11,
			Code:    CodeFraudBlocked,
			Message: fmt.Sprintf("too many redemptions in the trailing window (%d)", count),
		}
	}

	if ua := strings.ToLower(strings.TrimSpace(vctx.UserAgent)); ua != "" {
		for _, signature := range botSignatures {
			if strings.Contains(ua, signature) {
				return nil, &ValidationError{
					Step:    11,
					Code:    CodeFraudBlocked,
					Message: "bot client signature",
				}
			}
		}
	}

	var notes []models.FraudEvent
	if vctx.ClientIP != "" {
		if note := v.checkIPSwitch(ctx, db, cpn, vctx); note != nil {
			notes = append(notes, *note)
		}
	}
	return notes, nil
}

// redemptionVelocity returns the subject's redemption count in the trailing
// window, preferring the redis counter when one is configured.
func (v *Validator) redemptionVelocity(ctx context.Context, db *gorm.DB, subjectID string, now time.Time) (int64, error) {
	if v.rdb != nil {
		count, errGet := v.rdb.Get(ctx, velocityKeyPrefix+subjectID).Int64()
		if errGet == nil {
			return count, nil
		}
		// Fall through to the database on a miss or a redis outage; blocking
		// redemptions on cache availability is worse than a slower count.
		log.WithError(errGet).Debug("coupon: velocity counter miss, counting from db")
	}

	var count int64
	errCount := db.WithContext(ctx).Model(&models.CouponRedemption{}).
		Where("subject_id = ? AND status = ? AND created_at >= ?", subjectID, models.RedemptionSuccess, now.Add(-velocityWindow)).
		Count(&count).Error
	return count, errCount
}

// BumpVelocity advances the subject's redis velocity counter after a
// successful redemption. Best effort: a failure only degrades the check to
// database counting.
func (v *Validator) BumpVelocity(ctx context.Context, subjectID string) {
	if v.rdb == nil {
		return
	}
	key := velocityKeyPrefix + subjectID
	pipe := v.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, velocityWindow)
	if _, errExec := pipe.Exec(ctx); errExec != nil {
		log.WithError(errExec).Debug("coupon: velocity counter bump failed")
	}
}

// checkIPSwitch flags a client address change since the subject's last
// redemption. Log-only.
func (v *Validator) checkIPSwitch(ctx context.Context, db *gorm.DB, cpn *models.Coupon, vctx Context) *models.FraudEvent {
	last, ok := v.lastRedemption(ctx, db, vctx.SubjectID)
	if !ok || last.ClientIP == "" || last.ClientIP == vctx.ClientIP {
		return nil
	}
	detail, _ := json.Marshal(map[string]string{"previous_ip": last.ClientIP, "current_ip": vctx.ClientIP})
	return &models.FraudEvent{
		SubjectID:  vctx.SubjectID,
		CouponCode: cpn.Code,
		Kind:       models.FraudIPSwitch,
		Blocking:   false,
		Detail:     detail,
	}
}

// checkFingerprint flags an inconsistent device fingerprint. Log-only.
func (v *Validator) checkFingerprint(ctx context.Context, db *gorm.DB, cpn *models.Coupon, vctx Context) *models.FraudEvent {
	if vctx.DeviceFingerprint == "" {
		return nil
	}
	last, ok := v.lastRedemption(ctx, db, vctx.SubjectID)
	if !ok || last.DeviceFingerprint == "" || last.DeviceFingerprint == vctx.DeviceFingerprint {
		return nil
	}
	detail, _ := json.Marshal(map[string]string{
		"previous_fingerprint": last.DeviceFingerprint,
		"current_fingerprint":  vctx.DeviceFingerprint,
	})
	return &models.FraudEvent{
		SubjectID:  vctx.SubjectID,
		CouponCode: cpn.Code,
		Kind:       models.FraudDeviceMismatch,
		Blocking:   false,
		Detail:     detail,
	}
}

// lastRedemption returns the subject's most recent successful redemption.
func (v *Validator) lastRedemption(ctx context.Context, db *gorm.DB, subjectID string) (models.CouponRedemption, bool) {
	var row models.CouponRedemption
	errFind := db.WithContext(ctx).
		Where("subject_id = ? AND status = ?", subjectID, models.RedemptionSuccess).
		Order("id DESC").
		First(&row).Error
	if errFind != nil {
		return row, false
	}
	return row, true
}
