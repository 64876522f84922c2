package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarginScope identifies which fields a margin rule matches on.
type MarginScope string

// Margin rule scopes, most to least specific.
const (
	// MarginScopeCombination matches tier, provider and model together.
	MarginScopeCombination MarginScope = "combination"
	// MarginScopeModel matches a model regardless of tier or provider.
	MarginScopeModel MarginScope = "model"
	// MarginScopeProvider matches a provider regardless of tier or model.
	MarginScopeProvider MarginScope = "provider"
	// MarginScopeTier matches a subscription tier only.
	MarginScopeTier MarginScope = "tier"
)

// ApprovalStatus tracks the admin approval workflow for margin rules.
type ApprovalStatus string

// Approval statuses for margin rules.
const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// MarginRule defines a margin multiplier for a pricing scope.
// Rules are additive history: a change closes the old row's window and
// creates a new row, never edits one in place.
type MarginRule struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ScopeKind MarginScope `gorm:"type:varchar(32);not null;index"` // Scope the rule matches on.
	Tier      string      `gorm:"type:varchar(255);index"`         // Tier filter, when scoped by tier.
	Provider  string      `gorm:"type:varchar(255);index"`         // Provider filter, when scoped by provider.
	Model     string      `gorm:"type:varchar(255);index"`         // Model filter, when scoped by model.

	Multiplier decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Margin multiplier applied to vendor cost.

	EffectiveFrom  time.Time  `gorm:"not null;index"` // Start of the validity window.
	EffectiveUntil *time.Time // End of the validity window; nil marks the current row.

	ApprovalStatus ApprovalStatus `gorm:"type:varchar(32);not null;default:'pending';index"` // Approval workflow state.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Covers reports whether the rule window contains the given time.
func (r *MarginRule) Covers(at time.Time) bool {
	if at.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveUntil == nil || at.Before(*r.EffectiveUntil)
}
