package margin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	"github.com/router-for-me/CLIProxyAPILedger/internal/settings"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MarginMisconfiguredError reports that no approved rule covers the charge
// and the default-multiplier fallback is disabled. Treated as an operational
// alarm, not a user error.
type MarginMisconfiguredError struct {
	Tier     string
	Provider string
	Model    string
	At       time.Time
}

// Error implements the error interface.
func (e *MarginMisconfiguredError) Error() string {
	return fmt.Sprintf("margin: no approved rule for tier=%q provider=%q model=%q at %s and fallback disabled",
		e.Tier, e.Provider, e.Model, e.At.UTC().Format(time.RFC3339))
}

// scopePriority orders rule scopes from least to most specific; higher wins.
func scopePriority(scope models.MarginScope) int {
	switch scope {
	case models.MarginScopeCombination:
		return 3
	case models.MarginScopeModel:
		return 2
	case models.MarginScopeProvider:
		return 1
	case models.MarginScopeTier:
		return 0
	default:
		return -1
	}
}

// Resolver resolves margin multipliers from an in-memory snapshot of approved
// rules. The snapshot is replaced synchronously by Reload, which the
// admin-write path must invoke after changing rules; resolution itself never
// touches durable storage.
type Resolver struct {
	db       *gorm.DB
	settings *settings.Store
	rules    atomic.Value // stores []models.MarginRule
}

// NewResolver constructs a Resolver with an empty snapshot.
func NewResolver(db *gorm.DB, store *settings.Store) *Resolver {
	r := &Resolver{db: db, settings: store}
	r.rules.Store([]models.MarginRule{})
	return r
}

// Reload replaces the rule snapshot with all approved rules.
// Pending and rejected rules are invisible to resolution regardless of
// recency, so they are filtered at load time.
func (r *Resolver) Reload(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("margin: nil resolver")
	}
	var rules []models.MarginRule
	if errFind := r.db.WithContext(ctx).
		Where("approval_status = ?", models.ApprovalApproved).
		Order("id ASC").
		Find(&rules).Error; errFind != nil {
		return errFind
	}
	r.rules.Store(rules)
	return nil
}

// Resolve returns the effective multiplier for (tier, provider, model) at the
// given time. Precedence, first matching approved and time-covering rule
// wins: combination, then model, then provider, then tier, then the system
// default when the fallback policy allows it.
func (r *Resolver) Resolve(tier, provider, model string, at time.Time) (decimal.Decimal, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	tier = strings.TrimSpace(tier)
	at = at.UTC()

	rules, _ := r.rules.Load().([]models.MarginRule)

	bestPriority := -1
	bestFrom := time.Time{}
	var best *models.MarginRule

	consider := func(rule *models.MarginRule, priority int) {
		if priority > bestPriority {
			bestPriority = priority
			bestFrom = rule.EffectiveFrom
			best = rule
			return
		}
		if priority < bestPriority || best == nil {
			return
		}
		if rule.EffectiveFrom.After(bestFrom) {
			bestFrom = rule.EffectiveFrom
			best = rule
			return
		}
		if rule.EffectiveFrom.Equal(bestFrom) && rule.ID > best.ID {
			best = rule
		}
	}

	for i := range rules {
		rule := &rules[i]
		if !rule.Covers(at) {
			continue
		}

		ruleTier := strings.TrimSpace(rule.Tier)
		ruleProvider := strings.ToLower(strings.TrimSpace(rule.Provider))
		ruleModel := strings.TrimSpace(rule.Model)

		matched := false
		switch rule.ScopeKind {
		case models.MarginScopeCombination:
			matched = ruleTier == tier && ruleProvider == provider && ruleModel == model
		case models.MarginScopeModel:
			matched = ruleModel == model
		case models.MarginScopeProvider:
			matched = ruleProvider == provider
		case models.MarginScopeTier:
			matched = ruleTier == tier
		}
		if !matched {
			continue
		}
		consider(rule, scopePriority(rule.ScopeKind))
	}

	if best != nil {
		return best.Multiplier, nil
	}

	if r.settings != nil && r.settings.MarginFallbackEnabled() {
		fallback := r.settings.DefaultMarginMultiplier()
		log.WithFields(log.Fields{
			"tier":       tier,
			"provider":   provider,
			"model":      model,
			"multiplier": fallback.String(),
		}).Warn("margin: no approved rule resolved, using default multiplier")
		return fallback, nil
	}

	return decimal.Zero, &MarginMisconfiguredError{Tier: tier, Provider: provider, Model: model, At: at}
}
