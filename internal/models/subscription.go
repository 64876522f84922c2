package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Billing cycles supported for subscriptions.
const (
	// CycleMonthly bills on a monthly period.
	CycleMonthly = "monthly"
	// CycleAnnual bills on an annual period.
	CycleAnnual = "annual"
)

// SubscriptionTier defines a purchasable plan with list prices per cycle.
type SubscriptionTier struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name string `gorm:"type:varchar(255);not null;uniqueIndex"` // Tier name, referenced by margin rules and coupons.

	MonthlyPrice decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // List price per monthly cycle.
	AnnualPrice  decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // List price per annual cycle.

	IsEnabled bool `gorm:"not null;default:true"` // Whether the tier can be subscribed to.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// ListPrice returns the tier list price for a billing cycle.
func (t *SubscriptionTier) ListPrice(cycle string) decimal.Decimal {
	if cycle == CycleAnnual {
		return t.AnnualPrice
	}
	return t.MonthlyPrice
}

// Subscription tracks a subject's current tier and billing period.
type Subscription struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	SubjectID string `gorm:"type:varchar(255);not null;uniqueIndex"` // Subscribed subject.

	TierID uint64            `gorm:"not null;index"`     // Current tier.
	Tier   *SubscriptionTier `gorm:"foreignKey:TierID"`  // Tier relation.

	Cycle string `gorm:"type:varchar(32);not null"` // monthly or annual.

	PeriodStart time.Time `gorm:"not null"` // Start of the current billing period.
	PeriodEnd   time.Time `gorm:"not null"` // End of the current billing period.

	DiscountPercent decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Active recurring discount on the subscription price.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// EffectivePrice returns the subscription's current price after its active
// discount. The unused-credit side of a proration must use this value, not
// the list price.
func (s *Subscription) EffectivePrice(tier *SubscriptionTier) decimal.Decimal {
	list := tier.ListPrice(s.Cycle)
	if s.DiscountPercent.IsZero() {
		return list
	}
	hundred := decimal.NewFromInt(100)
	return list.Mul(hundred.Sub(s.DiscountPercent)).Div(hundred)
}
