package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance holds the prepaid credit balance for a subject.
// Created lazily at zero on first reference and mutated only by the ledger
// engine inside its settlement transaction.
type Balance struct {
	SubjectID string `gorm:"type:varchar(255);primaryKey"` // Balance-holding subject.

	Amount decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Remaining credits.

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last mutation timestamp.
}
