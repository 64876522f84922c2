package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllowedCreditIncrements enumerates the admin-settable minimum increments.
var AllowedCreditIncrements = []decimal.Decimal{
	decimal.RequireFromString("0.01"),
	decimal.RequireFromString("0.1"),
	decimal.RequireFromString("1"),
}

// ErrInvalidIncrement rejects increments outside the allowed set.
var ErrInvalidIncrement = errors.New("settings: invalid credit increment")

// snapshot holds the parsed in-memory settings values.
type snapshot struct {
	updatedAt             time.Time
	creditIncrement       decimal.Decimal
	overageFloor          decimal.Decimal
	marginFallbackEnabled bool
	defaultMargin         decimal.Decimal
}

// Store reads engine settings from the database and serves them from an
// in-process snapshot. The snapshot is replaced synchronously on every write
// through the store, so reads never hit durable storage and never observe a
// stale value past one update call.
type Store struct {
	db   *gorm.DB
	snap atomic.Value // stores snapshot
}

// NewStore constructs a Store with defaults applied until the first Reload.
func NewStore(db *gorm.DB) *Store {
	s := &Store{db: db}
	s.snap.Store(defaultSnapshot())
	return s
}

func defaultSnapshot() snapshot {
	return snapshot{
		creditIncrement:       decimal.RequireFromString(DefaultCreditIncrement),
		overageFloor:          decimal.RequireFromString(DefaultOverageFloor),
		marginFallbackEnabled: DefaultMarginFallbackEnabled,
		defaultMargin:         decimal.RequireFromString(DefaultMarginMultiplier),
	}
}

// Reload reads all settings rows and replaces the snapshot.
func (s *Store) Reload(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("settings: nil store")
	}

	var rows []models.Setting
	if errFind := s.db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return errFind
	}

	next := defaultSnapshot()
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		if row.UpdatedAt.UTC().After(next.updatedAt) {
			next.updatedAt = row.UpdatedAt.UTC()
		}
		switch key {
		case CreditIncrementKey:
			if value, ok := decodeDecimal(row.Value); ok {
				next.creditIncrement = value
			}
		case OverageFloorKey:
			if value, ok := decodeDecimal(row.Value); ok {
				next.overageFloor = value
			}
		case MarginFallbackKey:
			var enabled bool
			if errDecode := json.Unmarshal(row.Value, &enabled); errDecode == nil {
				next.marginFallbackEnabled = enabled
			}
		case DefaultMarginMultiplierKey:
			if value, ok := decodeDecimal(row.Value); ok {
				next.defaultMargin = value
			}
		}
	}

	s.snap.Store(next)
	return nil
}

// decodeDecimal parses a JSON-encoded decimal stored as string or number.
func decodeDecimal(raw json.RawMessage) (decimal.Decimal, bool) {
	if len(raw) == 0 {
		return decimal.Zero, false
	}
	var asString string
	if errDecode := json.Unmarshal(raw, &asString); errDecode == nil {
		value, errParse := decimal.NewFromString(strings.TrimSpace(asString))
		if errParse != nil {
			return decimal.Zero, false
		}
		return value, true
	}
	var asNumber json.Number
	if errDecode := json.Unmarshal(raw, &asNumber); errDecode == nil {
		value, errParse := decimal.NewFromString(asNumber.String())
		if errParse != nil {
			return decimal.Zero, false
		}
		return value, true
	}
	return decimal.Zero, false
}

func (s *Store) load() snapshot {
	v := s.snap.Load()
	snap, ok := v.(snapshot)
	if !ok {
		return defaultSnapshot()
	}
	return snap
}

// CreditIncrement returns the current minimum chargeable increment.
func (s *Store) CreditIncrement() decimal.Decimal {
	return s.load().creditIncrement
}

// OverageFloor returns the lowest balance a settlement may leave behind.
// Zero unless an overage policy explicitly permits negative balances.
func (s *Store) OverageFloor() decimal.Decimal {
	return s.load().overageFloor
}

// MarginFallbackEnabled reports whether an unresolvable margin falls back to
// the default multiplier instead of failing the charge.
func (s *Store) MarginFallbackEnabled() bool {
	return s.load().marginFallbackEnabled
}

// DefaultMarginMultiplier returns the system default multiplier.
func (s *Store) DefaultMarginMultiplier() decimal.Decimal {
	return s.load().defaultMargin
}

// UpdateCreditIncrement validates and persists a new increment, then
// refreshes the snapshot before returning. Invalid values are rejected, never
// clamped.
func (s *Store) UpdateCreditIncrement(ctx context.Context, increment decimal.Decimal) error {
	allowed := false
	for _, candidate := range AllowedCreditIncrements {
		if candidate.Equal(increment) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrInvalidIncrement, increment.String())
	}
	return s.upsert(ctx, CreditIncrementKey, increment.String())
}

// UpdateOverageFloor persists a new balance floor. The floor must not be
// positive; a positive floor would reject charges against covered balances.
func (s *Store) UpdateOverageFloor(ctx context.Context, floor decimal.Decimal) error {
	if floor.IsPositive() {
		return fmt.Errorf("settings: overage floor must be zero or negative, got %s", floor.String())
	}
	return s.upsert(ctx, OverageFloorKey, floor.String())
}

// UpdateMarginFallback toggles the default-multiplier fallback.
func (s *Store) UpdateMarginFallback(ctx context.Context, enabled bool) error {
	return s.upsertValue(ctx, MarginFallbackKey, enabled)
}

// UpdateDefaultMarginMultiplier persists the system default multiplier.
func (s *Store) UpdateDefaultMarginMultiplier(ctx context.Context, multiplier decimal.Decimal) error {
	if !multiplier.IsPositive() {
		return fmt.Errorf("settings: default margin multiplier must be positive, got %s", multiplier.String())
	}
	return s.upsert(ctx, DefaultMarginMultiplierKey, multiplier.String())
}

// upsert writes one string-valued setting row and synchronously reloads the
// snapshot.
func (s *Store) upsert(ctx context.Context, key, value string) error {
	return s.upsertValue(ctx, key, value)
}

func (s *Store) upsertValue(ctx context.Context, key string, value any) error {
	if s == nil || s.db == nil {
		return errors.New("settings: nil store")
	}
	encoded, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return errMarshal
	}
	row := models.Setting{Key: key, Value: encoded, UpdatedAt: time.Now().UTC()}
	if errUpsert := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&row).Error; errUpsert != nil {
		return errUpsert
	}
	return s.Reload(ctx)
}
