package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Coupon redemption statuses.
const (
	RedemptionSuccess  = "success"
	RedemptionFailed   = "failed"
	RedemptionReversed = "reversed"
)

// CouponRedemption is the immutable record of a coupon application.
// Per-subject and global usage limits are enforced transactionally when the
// row is inserted, never reconciled after the fact.
type CouponRedemption struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	CouponID uint64  `gorm:"not null;index"`        // Redeemed coupon.
	Coupon   *Coupon `gorm:"foreignKey:CouponID"`   // Coupon relation.

	SubjectID string `gorm:"type:varchar(255);not null;index"` // Redeeming subject.

	DiscountApplied decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Discount amount applied.
	OriginalAmount  decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Charge before the discount.
	FinalAmount     decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Charge after the discount.

	Status string `gorm:"type:varchar(32);not null;index"` // success, failed or reversed.

	DeviceFingerprint string `gorm:"type:varchar(255)"` // Client fingerprint captured at redemption.
	ClientIP          string `gorm:"type:varchar(64)"`  // Client address captured at redemption.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Redemption timestamp.
}
