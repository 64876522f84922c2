package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/router-for-me/CLIProxyAPILedger/internal/db"
	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func newTestCatalog(t *testing.T) (*Catalog, *gorm.DB) {
	t.Helper()
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return NewCatalog(conn), conn
}

func seedPrice(t *testing.T, conn *gorm.DB, price models.UnitPrice) models.UnitPrice {
	t.Helper()
	if errCreate := conn.Create(&price).Error; errCreate != nil {
		t.Fatalf("seed price: %v", errCreate)
	}
	return price
}

func TestResolvePicksWindowContainingChargeTime(t *testing.T) {
	catalog, conn := newTestCatalog(t)
	ctx := context.Background()

	cut := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	old := seedPrice(t, conn, models.UnitPrice{
		Provider:       "openai",
		Model:          "gpt-4o",
		InputPrice:     decimal.RequireFromString("2.5"),
		OutputPrice:    decimal.RequireFromString("10"),
		EffectiveFrom:  cut.AddDate(-1, 0, 0),
		EffectiveUntil: &cut,
	})
	current := seedPrice(t, conn, models.UnitPrice{
		Provider:      "openai",
		Model:         "gpt-4o",
		InputPrice:    decimal.RequireFromString("2"),
		OutputPrice:   decimal.RequireFromString("8"),
		EffectiveFrom: cut,
	})

	got, errResolve := catalog.Resolve(ctx, "openai", "gpt-4o", cut.AddDate(0, 0, -10))
	if errResolve != nil {
		t.Fatalf("resolve historical: %v", errResolve)
	}
	if got.ID != old.ID {
		t.Fatalf("historical charge resolved row %d, want %d", got.ID, old.ID)
	}

	got, errResolve = catalog.Resolve(ctx, "openai", "gpt-4o", cut.AddDate(0, 0, 10))
	if errResolve != nil {
		t.Fatalf("resolve current: %v", errResolve)
	}
	if got.ID != current.ID {
		t.Fatalf("current charge resolved row %d, want %d", got.ID, current.ID)
	}

	// A charge at the exact cutover belongs to the new window: the old
	// row's until bound is exclusive, the new row's from bound inclusive.
	got, errResolve = catalog.Resolve(ctx, "openai", "gpt-4o", cut)
	if errResolve != nil {
		t.Fatalf("resolve at cutover: %v", errResolve)
	}
	if got.ID != current.ID {
		t.Fatalf("cutover charge resolved row %d, want %d", got.ID, current.ID)
	}
}

func TestResolveProviderIsCaseInsensitive(t *testing.T) {
	catalog, conn := newTestCatalog(t)
	ctx := context.Background()

	seeded := seedPrice(t, conn, models.UnitPrice{
		Provider:      "OpenAI",
		Model:         "gpt-4o-mini",
		InputPrice:    decimal.RequireFromString("0.15"),
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	got, errResolve := catalog.Resolve(ctx, "openai", "gpt-4o-mini", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	if errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if got.ID != seeded.ID {
		t.Fatalf("resolved row %d, want %d", got.ID, seeded.ID)
	}
}

func TestResolveMissingPriceFailsLoudly(t *testing.T) {
	catalog, _ := newTestCatalog(t)
	ctx := context.Background()

	_, errResolve := catalog.Resolve(ctx, "anthropic", "claude-unknown", time.Now().UTC())
	var unavailable *PricingUnavailableError
	if !errors.As(errResolve, &unavailable) {
		t.Fatalf("expected PricingUnavailableError, got %v", errResolve)
	}
	if unavailable.Provider != "anthropic" || unavailable.Model != "claude-unknown" {
		t.Fatalf("error identifies %s/%s", unavailable.Provider, unavailable.Model)
	}
}

func TestResolveBeforeFirstWindowFails(t *testing.T) {
	catalog, conn := newTestCatalog(t)
	ctx := context.Background()

	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	seedPrice(t, conn, models.UnitPrice{
		Provider:      "openai",
		Model:         "gpt-4o",
		InputPrice:    decimal.RequireFromString("2"),
		EffectiveFrom: from,
	})

	_, errResolve := catalog.Resolve(ctx, "openai", "gpt-4o", from.AddDate(0, 0, -1))
	var unavailable *PricingUnavailableError
	if !errors.As(errResolve, &unavailable) {
		t.Fatalf("expected PricingUnavailableError, got %v", errResolve)
	}
}

func TestVendorCostPerMillionTokens(t *testing.T) {
	price := &models.UnitPrice{
		InputPrice:     decimal.RequireFromString("2"),
		OutputPrice:    decimal.RequireFromString("8"),
		CacheReadPrice: decimal.RequireFromString("0.5"),
	}

	// 1000 input at $2/1M plus 500 output at $8/1M.
	cost := VendorCost(price, TokenUsage{InputTokens: 1000, OutputTokens: 500})
	if want := decimal.RequireFromString("0.006"); !cost.Equal(want) {
		t.Fatalf("cost = %s, want %s", cost, want)
	}

	// A tiny request still yields an exact sub-cent cost.
	cost = VendorCost(price, TokenUsage{InputTokens: 20})
	if want := decimal.RequireFromString("0.00004"); !cost.Equal(want) {
		t.Fatalf("cost = %s, want %s", cost, want)
	}
}

func TestVendorCostDoesNotDoubleChargeCachedInput(t *testing.T) {
	price := &models.UnitPrice{
		InputPrice:     decimal.RequireFromString("2"),
		CacheReadPrice: decimal.RequireFromString("0.5"),
	}

	// 800 of the 1000 input tokens were cache hits: 200 at the input price,
	// 800 at the cache-read price.
	cost := VendorCost(price, TokenUsage{InputTokens: 1000, CachedTokens: 800})
	want := decimal.RequireFromString("0.0008")
	if !cost.Equal(want) {
		t.Fatalf("cost = %s, want %s", cost, want)
	}
}
