package credits

import (
	"github.com/router-for-me/CLIProxyAPILedger/internal/settings"
	"github.com/shopspring/decimal"
)

// Round rounds a raw charge up to the next multiple of the increment.
// Rounding always goes up so a charge never undercuts the vendor cost plus
// margin; a zero raw charge stays zero.
func Round(raw, increment decimal.Decimal) decimal.Decimal {
	if raw.Sign() <= 0 {
		return decimal.Zero
	}
	if increment.Sign() <= 0 {
		return raw
	}
	return raw.Div(increment).Ceil().Mul(increment)
}

// Rounder rounds charges with the currently configured increment.
type Rounder struct {
	settings *settings.Store
}

// NewRounder constructs a Rounder bound to the settings store.
func NewRounder(store *settings.Store) *Rounder {
	return &Rounder{settings: store}
}

// Round applies the configured minimum increment to a raw charge.
func (r *Rounder) Round(raw decimal.Decimal) decimal.Decimal {
	return Round(raw, r.settings.CreditIncrement())
}
