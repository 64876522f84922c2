package settings

// DB config keys and defaults for engine settings.
const (
	// CreditIncrementKey is the DB config key for the minimum chargeable increment.
	CreditIncrementKey = "CREDIT_INCREMENT"
	// OverageFloorKey is the DB config key for the balance floor (zero or negative).
	OverageFloorKey = "OVERAGE_FLOOR"
	// MarginFallbackKey toggles falling back to the default multiplier when no rule resolves.
	MarginFallbackKey = "MARGIN_FALLBACK_ENABLED"
	// DefaultMarginMultiplierKey is the DB config key for the system default multiplier.
	DefaultMarginMultiplierKey = "DEFAULT_MARGIN_MULTIPLIER"

	// DefaultCreditIncrement is the fallback minimum chargeable increment.
	DefaultCreditIncrement = "0.01"
	// DefaultOverageFloor is the fallback balance floor.
	DefaultOverageFloor = "0"
	// DefaultMarginFallbackEnabled keeps the 1.0 fallback on unless disabled.
	DefaultMarginFallbackEnabled = true
	// DefaultMarginMultiplier is the fallback system multiplier.
	DefaultMarginMultiplier = "1"
)
