package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// DiscountKind defines how a coupon modifies a charge.
type DiscountKind string

// Coupon discount kinds.
const (
	// DiscountPercent reduces the charge by a percentage of its amount.
	DiscountPercent DiscountKind = "percent"
	// DiscountFixed reduces the charge by a fixed amount, capped at the charge.
	DiscountFixed DiscountKind = "fixed"
	// DiscountCredits grants credits to the balance without touching the charge.
	DiscountCredits DiscountKind = "credits"
	// DiscountFreePeriods extends the subscription period without touching the charge.
	DiscountFreePeriods DiscountKind = "free_periods"
)

// Coupon defines a redeemable discount.
type Coupon struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Code string `gorm:"type:varchar(255);not null;uniqueIndex"` // Redemption code.

	DiscountKind DiscountKind    `gorm:"type:varchar(32);not null"`    // Discount behavior.
	Value        decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Percent, amount, credits or period count.

	EligibleTiers datatypes.JSON `gorm:"type:jsonb"` // JSON array of eligible tier names; empty means all.
	BillingCycles datatypes.JSON `gorm:"type:jsonb"` // JSON array of eligible billing cycles; empty means all.

	MaxUses           int64 `gorm:"not null;default:0"` // Global redemption cap; 0 means unlimited.
	MaxUsesPerSubject int64 `gorm:"not null;default:0"` // Per-subject redemption cap; 0 means unlimited.
	TimesRedeemed     int64 `gorm:"not null;default:0"` // Successful redemption counter.

	MinimumPurchase decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Minimum qualifying amount.

	ValidFrom  *time.Time // Start of the validity window, if bounded.
	ValidUntil *time.Time // End of the validity window, if bounded.

	CampaignID *uint64   `gorm:"index"`                  // Owning campaign, when budgeted.
	Campaign   *Campaign `gorm:"foreignKey:CampaignID"`  // Campaign relation.
	IsActive   bool      `gorm:"not null;default:true"`  // Whether the coupon can be redeemed.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
