package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Campaign groups coupons under a shared discount budget.
type Campaign struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name string `gorm:"type:varchar(255);not null;uniqueIndex"` // Display name.

	Budget decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Total discount budget; 0 means unlimited.
	Spent  decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Discount applied so far.

	IsEnabled bool `gorm:"not null;default:true"` // Whether campaign coupons may redeem.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
