package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Proration event statuses.
const (
	ProrationSettled = "settled"
	ProrationFailed  = "failed"
)

// ProrationEvent is the immutable record of a mid-cycle tier change
// settlement. DaysInCycle reflects the subject's own billing period length,
// so annual and monthly cycles prorate against different day counts.
type ProrationEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	SubjectID string `gorm:"type:varchar(255);not null;index"` // Subject changing tier.

	FromTier string `gorm:"type:varchar(255);not null"` // Tier before the change.
	ToTier   string `gorm:"type:varchar(255);not null"` // Tier after the change.

	DaysRemaining int `gorm:"not null"` // Whole days left in the billing cycle.
	DaysInCycle   int `gorm:"not null"` // Total days in the billing cycle.

	UnusedCreditValue decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Credit for the unused remainder, at the effective price.
	NewTierCost       decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Prorated list price of the new tier.
	DiscountApplied   decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Upgrade coupon discount, if any.
	NetCharge         decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // NewTierCost - UnusedCreditValue - DiscountApplied.

	EffectiveDate time.Time `gorm:"not null"` // When the tier change takes effect.

	Status string `gorm:"type:varchar(32);not null;index"` // settled or failed.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
