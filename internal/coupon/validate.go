package coupon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Validation failure codes, one per ordered check.
const (
	CodeNotFound          = "not_found"
	CodeInactive          = "inactive"
	CodeNotYetValid       = "not_yet_valid"
	CodeExpired           = "expired"
	CodeTierIneligible    = "tier_ineligible"
	CodeGlobalLimit       = "global_limit_reached"
	CodeSubjectLimit      = "subject_limit_reached"
	CodeCampaignExhausted = "campaign_budget_exhausted"
	CodeMinimumPurchase   = "minimum_purchase_not_met"
	CodeCycleIneligible   = "cycle_ineligible"
	CodeCustomRule        = "custom_rule_failed"
	CodeFraudBlocked      = "fraud_blocked"
)

// ValidationError reports the first failing check; later checks are skipped.
type ValidationError struct {
	Step    int
	Code    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("coupon: validation failed at step %d (%s): %s", e.Step, e.Code, e.Message)
}

// Context carries the redemption circumstances a coupon is validated against.
type Context struct {
	SubjectID         string
	Tier              string
	BillingCycle      string
	PurchaseAmount    decimal.Decimal
	UserAgent         string
	DeviceFingerprint string
	ClientIP          string
	Now               time.Time
}

func (c Context) now() time.Time {
	if c.Now.IsZero() {
		return time.Now().UTC()
	}
	return c.Now.UTC()
}

// Rule is a pluggable custom validation predicate; a non-nil error fails the
// coupon at the custom-rule step.
type Rule func(coupon *models.Coupon, vctx Context) error

// Result reports a passing validation with the computed discount.
type Result struct {
	Coupon     models.Coupon
	Campaign   *models.Campaign
	Discount   Calculation
	FraudNotes []models.FraudEvent
}

// Validator runs the ordered validation pipeline. It is side-effect-free
// against the database: fraud signals that are log-only are returned on the
// result for the redemption transaction to persist.
type Validator struct {
	rdb   *redis.Client
	rules []Rule
}

// NewValidator constructs a Validator. The redis client is optional; without
// it the velocity check counts recent redemptions in the database.
func NewValidator(rdb *redis.Client, rules ...Rule) *Validator {
	return &Validator{rdb: rdb, rules: rules}
}

// Validate runs every check strictly in order against the given connection
// (pass the redemption transaction to re-validate inside it) and returns the
// first failure as a *ValidationError.
func (v *Validator) Validate(ctx context.Context, db *gorm.DB, code string, vctx Context) (*Result, error) {
	if db == nil {
		return nil, errors.New("coupon: nil db")
	}
	now := vctx.now()

	// 1. Exists.
	var cpn models.Coupon
	errFind := db.WithContext(ctx).Where("code = ?", strings.TrimSpace(code)).First(&cpn).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, &ValidationError{Step: 1, Code: CodeNotFound, Message: "coupon does not exist"}
		}
		return nil, errFind
	}

	// 2. Active flag.
	if !cpn.IsActive {
		return nil, &ValidationError{Step: 2, Code: CodeInactive, Message: "coupon is disabled"}
	}

	// 3. Validity window.
	if cpn.ValidFrom != nil && now.Before(*cpn.ValidFrom) {
		return nil, &ValidationError{Step: 3, Code: CodeNotYetValid, Message: "coupon is not yet valid"}
	}
	if cpn.ValidUntil != nil && !now.Before(*cpn.ValidUntil) {
		return nil, &ValidationError{Step: 3, Code: CodeExpired, Message: "coupon has expired"}
	}

	// 4. Tier eligibility.
	eligibleTiers, errTiers := decodeStringSet(cpn.EligibleTiers)
	if errTiers != nil {
		return nil, errTiers
	}
	if len(eligibleTiers) > 0 {
		if _, ok := eligibleTiers[vctx.Tier]; !ok {
			return nil, &ValidationError{Step: 4, Code: CodeTierIneligible, Message: fmt.Sprintf("tier %q is not eligible", vctx.Tier)}
		}
	}

	// 5. Global usage limit.
	if cpn.MaxUses > 0 && cpn.TimesRedeemed >= cpn.MaxUses {
		return nil, &ValidationError{Step: 5, Code: CodeGlobalLimit, Message: "coupon redemption limit reached"}
	}

	// 6. Per-subject usage limit.
	if cpn.MaxUsesPerSubject > 0 {
		var used int64
		if errCount := db.WithContext(ctx).Model(&models.CouponRedemption{}).
			Where("coupon_id = ? AND subject_id = ? AND status = ?", cpn.ID, vctx.SubjectID, models.RedemptionSuccess).
			Count(&used).Error; errCount != nil {
			return nil, errCount
		}
		if used >= cpn.MaxUsesPerSubject {
			return nil, &ValidationError{Step: 6, Code: CodeSubjectLimit, Message: "subject redemption limit reached"}
		}
	}

	// 7. Campaign budget.
	var campaign *models.Campaign
	if cpn.CampaignID != nil {
		var row models.Campaign
		if errCampaign := db.WithContext(ctx).First(&row, *cpn.CampaignID).Error; errCampaign != nil {
			if !errors.Is(errCampaign, gorm.ErrRecordNotFound) {
				return nil, errCampaign
			}
		} else {
			campaign = &row
			if !row.IsEnabled || (row.Budget.Sign() > 0 && row.Spent.Cmp(row.Budget) >= 0) {
				return nil, &ValidationError{Step: 7, Code: CodeCampaignExhausted, Message: "campaign budget exhausted"}
			}
		}
	}

	// 8. Minimum purchase.
	if cpn.MinimumPurchase.Sign() > 0 && vctx.PurchaseAmount.Cmp(cpn.MinimumPurchase) < 0 {
		return nil, &ValidationError{Step: 8, Code: CodeMinimumPurchase, Message: fmt.Sprintf("purchase total below minimum %s", cpn.MinimumPurchase.String())}
	}

	// 9. Billing cycle eligibility.
	eligibleCycles, errCycles := decodeStringSet(cpn.BillingCycles)
	if errCycles != nil {
		return nil, errCycles
	}
	if len(eligibleCycles) > 0 {
		if _, ok := eligibleCycles[vctx.BillingCycle]; !ok {
			return nil, &ValidationError{Step: 9, Code: CodeCycleIneligible, Message: fmt.Sprintf("billing cycle %q is not eligible", vctx.BillingCycle)}
		}
	}

	// 10. Custom rule predicates.
	for _, rule := range v.rules {
		if errRule := rule(&cpn, vctx); errRule != nil {
			return nil, &ValidationError{Step: 10, Code: CodeCustomRule, Message: errRule.Error()}
		}
	}

	// 11. Fraud patterns. Velocity and bot signatures block; the rest are
	// recorded for review without altering the outcome.
	notes, errFraud := v.checkFraud(ctx, db, &cpn, vctx, now)
	if errFraud != nil {
		return nil, errFraud
	}

	// 12. Device fingerprint consistency. Logged for review, never blocking.
	if note := v.checkFingerprint(ctx, db, &cpn, vctx); note != nil {
		notes = append(notes, *note)
	}
	for i := range notes {
		log.WithFields(log.Fields{
			"subject_id": notes[i].SubjectID,
			"coupon":     notes[i].CouponCode,
			"kind":       notes[i].Kind,
		}).Warn("coupon: fraud signal recorded")
	}

	return &Result{
		Coupon:     cpn,
		Campaign:   campaign,
		Discount:   Calculate(&cpn, vctx.PurchaseAmount),
		FraudNotes: notes,
	}, nil
}

// decodeStringSet parses a JSON array column into a membership set.
// An empty or absent column means no restriction.
func decodeStringSet(raw []byte) (map[string]struct{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var values []string
	if errDecode := json.Unmarshal(raw, &values); errDecode != nil {
		return nil, fmt.Errorf("coupon: decode eligibility list: %w", errDecode)
	}
	if len(values) == 0 {
		return nil, nil
	}
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		set[strings.TrimSpace(value)] = struct{}{}
	}
	return set, nil
}
