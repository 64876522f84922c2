package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnitPrice stores the vendor price history for a provider/model pair.
// Rows are time-partitioned: at most one row per (provider, model) has a
// nil EffectiveUntil, and superseded rows are never edited.
type UnitPrice struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Provider string `gorm:"type:varchar(255);not null;index:idx_unit_prices_lookup,priority:1"` // Provider name.
	Model    string `gorm:"type:varchar(255);not null;index:idx_unit_prices_lookup,priority:2"` // Model name.

	InputPrice      decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Input token price per 1M tokens.
	OutputPrice     decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Output token price per 1M tokens.
	CacheWritePrice decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Cache write token price per 1M tokens.
	CacheReadPrice  decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Cache read token price per 1M tokens.

	EffectiveFrom  time.Time  `gorm:"not null;index:idx_unit_prices_lookup,priority:3"` // Start of the validity window.
	EffectiveUntil *time.Time // End of the validity window; nil marks the current row.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// Covers reports whether the price row is effective at the given time.
func (p *UnitPrice) Covers(at time.Time) bool {
	if at.Before(p.EffectiveFrom) {
		return false
	}
	return p.EffectiveUntil == nil || at.Before(*p.EffectiveUntil)
}
