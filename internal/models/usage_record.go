package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Usage record settlement statuses.
const (
	// UsageStatusSettled marks a charge that committed against the balance.
	UsageStatusSettled = "settled"
	// UsageStatusFailed marks a failed upstream request recorded at zero charge.
	UsageStatusFailed = "failed"
)

// UsageRecord is the immutable metering ledger row for a single request.
// The unit economics in effect at settlement time (vendor cost, margin
// multiplier) are persisted on the row, so later price corrections never
// alter already-settled charges.
type UsageRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	SubjectID string `gorm:"type:varchar(255);not null;index"` // Charged subject.

	Provider string `gorm:"type:varchar(255);not null;index"` // Provider name.
	Model    string `gorm:"type:varchar(255);not null;index"` // Model name.

	InputTokens  int64 `gorm:"not null;default:0"` // Input token count.
	OutputTokens int64 `gorm:"not null;default:0"` // Output token count.
	CachedTokens int64 `gorm:"not null;default:0"` // Cached token count.

	VendorCost       decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Vendor cost before margin.
	MarginMultiplier decimal.Decimal `gorm:"type:decimal(20,10);not null;default:1"` // Multiplier applied at settlement.
	ChargeAmount     decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Rounded charge deducted.

	RequestID string `gorm:"type:varchar(255);not null;uniqueIndex"` // Idempotency key.

	Status      string         `gorm:"type:varchar(32);not null;index"` // settled or failed.
	ErrorDetail datatypes.JSON `gorm:"type:jsonb"`                      // Structured error detail for failed requests.

	RequestedAt time.Time `gorm:"not null;index"`          // Upstream request timestamp.
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TotalTokens returns the combined token count for the record.
func (u *UsageRecord) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CachedTokens
}

// GrossMargin returns the charge minus the vendor cost.
func (u *UsageRecord) GrossMargin() decimal.Decimal {
	return u.ChargeAmount.Sub(u.VendorCost)
}
