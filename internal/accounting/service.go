package accounting

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/CLIProxyAPILedger/internal/coupon"
	"github.com/router-for-me/CLIProxyAPILedger/internal/credits"
	"github.com/router-for-me/CLIProxyAPILedger/internal/ledger"
	"github.com/router-for-me/CLIProxyAPILedger/internal/margin"
	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	"github.com/router-for-me/CLIProxyAPILedger/internal/pricing"
	"github.com/router-for-me/CLIProxyAPILedger/internal/settings"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service composes the pricing, margin, rounding, ledger and discount
// components into the operations the rest of the system calls.
type Service struct {
	db       *gorm.DB
	settings *settings.Store
	catalog  *pricing.Catalog
	margins  *margin.Resolver
	rounder  *credits.Rounder
	engine   *ledger.Engine
	redeemer *coupon.Redeemer

	validator *coupon.Validator
}

// NewService wires a Service over one database connection. The redis client
// is optional and only feeds the coupon velocity counters; custom rules are
// appended to the coupon validation pipeline.
func NewService(db *gorm.DB, rdb *redis.Client, rules ...coupon.Rule) *Service {
	store := settings.NewStore(db)
	validator := coupon.NewValidator(rdb, rules...)
	return &Service{
		db:        db,
		settings:  store,
		catalog:   pricing.NewCatalog(db),
		margins:   margin.NewResolver(db, store),
		rounder:   credits.NewRounder(store),
		engine:    ledger.NewEngine(db, store),
		redeemer:  coupon.NewRedeemer(db, validator),
		validator: validator,
	}
}

// Reload refreshes the settings snapshot and the margin rule cache. The
// admin-write path must call it after changing rules or settings; normal
// operation never re-reads them from storage.
func (s *Service) Reload(ctx context.Context) error {
	if errSettings := s.settings.Reload(ctx); errSettings != nil {
		return errSettings
	}
	return s.margins.Reload(ctx)
}

// Ledger exposes the settlement engine for reversal and audit operations.
func (s *Service) Ledger() *ledger.Engine { return s.engine }

// UsageEvent is a validated, completed upstream request to charge for.
type UsageEvent struct {
	SubjectID string
	Provider  string
	Model     string

	InputTokens  int64
	OutputTokens int64
	CachedTokens int64

	RequestID string
	Timestamp time.Time

	Failed      bool
	ErrorDetail datatypes.JSON
}

// ChargeResult reports a settled charge.
type ChargeResult struct {
	UsageRecordID uint64
	ChargeAmount  decimal.Decimal
	BalanceAfter  decimal.Decimal
	Duplicate     bool
}

// ChargeForUsage prices a usage event, applies the margin and rounding
// policy, and settles the charge atomically against the subject's balance.
func (s *Service) ChargeForUsage(ctx context.Context, event UsageEvent) (*ChargeResult, error) {
	if strings.TrimSpace(event.SubjectID) == "" {
		return nil, errors.New("accounting: empty subject id")
	}
	requestID := strings.TrimSpace(event.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	at := event.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	input := ledger.SettleInput{
		SubjectID:        event.SubjectID,
		RequestID:        requestID,
		Provider:         strings.TrimSpace(event.Provider),
		Model:            strings.TrimSpace(event.Model),
		InputTokens:      event.InputTokens,
		OutputTokens:     event.OutputTokens,
		CachedTokens:     event.CachedTokens,
		MarginMultiplier: decimal.NewFromInt(1),
		RequestedAt:      at,
		Failed:           event.Failed,
		ErrorDetail:      event.ErrorDetail,
	}

	if !event.Failed {
		price, errPrice := s.catalog.Resolve(ctx, event.Provider, event.Model, at)
		if errPrice != nil {
			return nil, errPrice
		}

		tier, errTier := s.subjectTier(ctx, event.SubjectID)
		if errTier != nil {
			return nil, errTier
		}
		multiplier, errMargin := s.margins.Resolve(tier, event.Provider, event.Model, at)
		if errMargin != nil {
			return nil, errMargin
		}

		vendorCost := pricing.VendorCost(price, pricing.TokenUsage{
			InputTokens:  event.InputTokens,
			OutputTokens: event.OutputTokens,
			CachedTokens: event.CachedTokens,
		})
		input.VendorCost = vendorCost
		input.MarginMultiplier = multiplier
		input.ChargeAmount = s.rounder.Round(vendorCost.Mul(multiplier))
	}

	result, errSettle := s.engine.Settle(ctx, input)
	if errSettle != nil {
		return nil, errSettle
	}

	log.WithFields(log.Fields{
		"subject_id": event.SubjectID,
		"request_id": requestID,
		"charge":     result.Usage.ChargeAmount.String(),
		"duplicate":  result.Duplicate,
	}).Debug("accounting: usage charged")

	return &ChargeResult{
		UsageRecordID: result.Usage.ID,
		ChargeAmount:  result.Usage.ChargeAmount,
		BalanceAfter:  result.BalanceAfter,
		Duplicate:     result.Duplicate,
	}, nil
}

// subjectTier returns the subject's current tier name, empty when the
// subject has no subscription.
func (s *Service) subjectTier(ctx context.Context, subjectID string) (string, error) {
	var sub models.Subscription
	errFind := s.db.WithContext(ctx).
		Preload("Tier").
		Where("subject_id = ?", subjectID).
		First(&sub).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", errFind
	}
	if sub.Tier == nil {
		return "", nil
	}
	return sub.Tier.Name, nil
}

// GetCreditIncrement returns the configured minimum chargeable increment.
func (s *Service) GetCreditIncrement() decimal.Decimal {
	return s.settings.CreditIncrement()
}

// UpdateCreditIncrement validates and applies a new minimum increment.
func (s *Service) UpdateCreditIncrement(ctx context.Context, increment decimal.Decimal) error {
	return s.settings.UpdateCreditIncrement(ctx, increment)
}

// ValidateCoupon runs the validation pipeline without side effects.
func (s *Service) ValidateCoupon(ctx context.Context, code string, vctx coupon.Context) (*coupon.Result, error) {
	return s.validator.Validate(ctx, s.db, code, vctx)
}
