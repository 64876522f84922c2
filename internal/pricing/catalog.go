package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PricingUnavailableError reports that no unit-price row covers the charge
// time. The charge must fail; a missing price is never defaulted to zero cost.
type PricingUnavailableError struct {
	Provider string
	Model    string
	At       time.Time
}

// Error implements the error interface.
func (e *PricingUnavailableError) Error() string {
	return fmt.Sprintf("pricing: no unit price for %s/%s at %s", e.Provider, e.Model, e.At.UTC().Format(time.RFC3339))
}

// Catalog resolves vendor unit prices from the time-partitioned price history.
type Catalog struct {
	db *gorm.DB
}

// NewCatalog constructs a Catalog backed by GORM.
func NewCatalog(db *gorm.DB) *Catalog { return &Catalog{db: db} }

// Resolve returns the unit-price row for (provider, model) whose effective
// window contains the given time. Superseded rows stay resolvable for their
// historical windows; settled charges persist the price they used, so a later
// correction never re-prices history.
func (c *Catalog) Resolve(ctx context.Context, provider, model string, at time.Time) (*models.UnitPrice, error) {
	if c == nil || c.db == nil {
		return nil, errors.New("pricing: nil catalog")
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	if provider == "" || model == "" {
		return nil, &PricingUnavailableError{Provider: provider, Model: model, At: at}
	}

	at = at.UTC()
	var price models.UnitPrice
	errFind := c.db.WithContext(ctx).
		Where("LOWER(provider) = ? AND model = ?", provider, model).
		Where("effective_from <= ?", at).
		Where("effective_until IS NULL OR effective_until > ?", at).
		Order("effective_from DESC").
		First(&price).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, &PricingUnavailableError{Provider: provider, Model: model, At: at}
		}
		return nil, errFind
	}
	return &price, nil
}

// TokenUsage carries the token counts of a completed upstream request.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
}

// VendorCost computes the vendor cost of a request under a unit-price row.
// Prices are per 1,000,000 tokens.
//
// Many upstream providers report CachedTokens as a subset of InputTokens.
// Charging InputTokens in full AND CachedTokens again as cache-read would
// double-charge cache hits, so billable input is InputTokens - CachedTokens
// (when the subset relation holds) and CachedTokens are charged at the
// cache-read price.
func VendorCost(price *models.UnitPrice, usage TokenUsage) decimal.Decimal {
	million := decimal.NewFromInt(1_000_000)

	billableInput := usage.InputTokens
	if usage.CachedTokens > 0 && usage.CachedTokens <= billableInput {
		billableInput -= usage.CachedTokens
	}

	total := price.InputPrice.Mul(decimal.NewFromInt(billableInput))
	total = total.Add(price.OutputPrice.Mul(decimal.NewFromInt(usage.OutputTokens)))
	total = total.Add(price.CacheReadPrice.Mul(decimal.NewFromInt(usage.CachedTokens)))
	return total.Div(million)
}
