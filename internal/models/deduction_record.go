package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deduction reasons recorded on ledger rows.
const (
	// ReasonAPIUsage marks a deduction settled for a metered request.
	ReasonAPIUsage = "api_usage"
	// ReasonTierChange marks a proration net charge or credit.
	ReasonTierChange = "tier_change"
	// ReasonCouponCredit marks a credit grant from a credits-kind coupon.
	ReasonCouponCredit = "coupon_credit"
	// ReasonManualAdjustment marks an admin balance correction.
	ReasonManualAdjustment = "manual_adjustment"
	// ReasonReversal marks a compensating record restoring a prior deduction.
	ReasonReversal = "reversal"
)

// DeductionRecord is the immutable balance ledger row. Amount is the delta
// subtracted from the balance, so BalanceAfter = BalanceBefore - Amount holds
// for every row; credit grants carry a negative Amount. Rows are never
// edited, only marked reversed by a later compensating record.
type DeductionRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	SubjectID string `gorm:"type:varchar(255);not null;index"` // Charged subject.

	UsageRecordID *uint64 `gorm:"index"` // Settled usage record, when usage-driven.

	Amount        decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Delta subtracted from the balance.
	BalanceBefore decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Balance read under lock before the write.
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Balance persisted by the same transaction.

	Reason string `gorm:"type:varchar(64);not null;index"` // Deduction reason marker.

	ReversedAt *time.Time // Set when a compensating record reversed this row.
	ReversedBy string     `gorm:"type:varchar(255)"` // Actor that requested the reversal.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
