package ledger

import (
	"context"
	"errors"
	"time"

	dbutil "github.com/router-for-me/CLIProxyAPILedger/internal/db"
	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	"github.com/router-for-me/CLIProxyAPILedger/internal/settings"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxSettleAttempts bounds the automatic retry of serialization conflicts.
const maxSettleAttempts = 3

// Engine is the atomic settlement core. Every balance mutation flows through
// it inside a single transaction per operation: ledger rows and the balance
// update commit together or not at all.
type Engine struct {
	db       *gorm.DB
	settings *settings.Store
}

// NewEngine constructs an Engine backed by GORM.
func NewEngine(db *gorm.DB, store *settings.Store) *Engine {
	return &Engine{db: db, settings: store}
}

// SettleInput carries a priced charge into settlement.
type SettleInput struct {
	SubjectID string
	RequestID string

	Provider string
	Model    string

	InputTokens  int64
	OutputTokens int64
	CachedTokens int64

	VendorCost       decimal.Decimal
	MarginMultiplier decimal.Decimal
	ChargeAmount     decimal.Decimal

	RequestedAt time.Time
	Failed      bool
	ErrorDetail datatypes.JSON
}

// SettleResult reports a committed (or replayed) settlement.
type SettleResult struct {
	Usage        models.UsageRecord
	Deduction    *models.DeductionRecord
	BalanceAfter decimal.Decimal
	Duplicate    bool
}

// Settle atomically deducts a charge from the subject's balance while
// appending the usage and deduction ledger rows.
//
// Retries of the same request ID return the prior result unchanged. A
// settlement that loses a serialization conflict is retried from the top,
// re-reading the balance rather than reapplying its delta.
func (e *Engine) Settle(ctx context.Context, in SettleInput) (*SettleResult, error) {
	if e == nil || e.db == nil {
		return nil, errors.New("ledger: nil engine")
	}
	if in.SubjectID == "" {
		return nil, errors.New("ledger: empty subject id")
	}
	if in.RequestID == "" {
		return nil, errors.New("ledger: empty request id")
	}

	var lastErr error
	for attempt := 0; attempt < maxSettleAttempts; attempt++ {
		result, err := e.settleOnce(ctx, in)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, errDuplicateRace) || dbutil.IsSerializationConflict(err) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// settleOnce runs one settlement attempt as a single transaction.
func (e *Engine) settleOnce(ctx context.Context, in SettleInput) (*SettleResult, error) {
	var result SettleResult

	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prior, errPrior := e.findPrior(tx, in.RequestID)
		if errPrior != nil {
			return errPrior
		}
		if prior != nil {
			result = *prior
			return nil
		}

		status := models.UsageStatusSettled
		charge := in.ChargeAmount
		if in.Failed {
			status = models.UsageStatusFailed
			charge = decimal.Zero
		}

		row := models.UsageRecord{
			SubjectID:        in.SubjectID,
			Provider:         in.Provider,
			Model:            in.Model,
			InputTokens:      in.InputTokens,
			OutputTokens:     in.OutputTokens,
			CachedTokens:     in.CachedTokens,
			VendorCost:       in.VendorCost,
			MarginMultiplier: in.MarginMultiplier,
			ChargeAmount:     charge,
			RequestID:        in.RequestID,
			Status:           status,
			ErrorDetail:      in.ErrorDetail,
			RequestedAt:      normalizeTime(in.RequestedAt),
		}

		if charge.Sign() <= 0 {
			if errCreate := tx.Create(&row).Error; errCreate != nil {
				if dbutil.IsUniqueViolation(errCreate) {
					return errDuplicateRace
				}
				return errCreate
			}
			result = SettleResult{Usage: row, BalanceAfter: e.readBalance(tx, in.SubjectID)}
			return nil
		}

		balance, errLock := lockBalance(tx, in.SubjectID)
		if errLock != nil {
			return errLock
		}

		after := balance.Amount.Sub(charge)
		if after.Cmp(e.floor()) < 0 {
			return &InsufficientCreditsError{
				SubjectID: in.SubjectID,
				Available: balance.Amount,
				Required:  charge,
			}
		}

		if errCreate := tx.Create(&row).Error; errCreate != nil {
			if dbutil.IsUniqueViolation(errCreate) {
				return errDuplicateRace
			}
			return errCreate
		}

		deduction := models.DeductionRecord{
			SubjectID:     in.SubjectID,
			UsageRecordID: &row.ID,
			Amount:        charge,
			BalanceBefore: balance.Amount,
			BalanceAfter:  after,
			Reason:        models.ReasonAPIUsage,
		}
		if errCreate := tx.Create(&deduction).Error; errCreate != nil {
			return errCreate
		}

		if errUpdate := tx.Model(&models.Balance{}).
			Where("subject_id = ?", in.SubjectID).
			Updates(map[string]any{
				"amount":     after,
				"updated_at": time.Now().UTC(),
			}).Error; errUpdate != nil {
			return errUpdate
		}

		result = SettleResult{Usage: row, Deduction: &deduction, BalanceAfter: after}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return &result, nil
}

// findPrior returns the prior settlement result for a request ID, if any.
func (e *Engine) findPrior(tx *gorm.DB, requestID string) (*SettleResult, error) {
	var row models.UsageRecord
	errFind := tx.Where("request_id = ?", requestID).First(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errFind
	}

	result := SettleResult{Usage: row, Duplicate: true}
	var deduction models.DeductionRecord
	errDeduction := tx.Where("usage_record_id = ?", row.ID).First(&deduction).Error
	if errDeduction == nil {
		result.Deduction = &deduction
		result.BalanceAfter = deduction.BalanceAfter
		return &result, nil
	}
	if !errors.Is(errDeduction, gorm.ErrRecordNotFound) {
		return nil, errDeduction
	}
	result.BalanceAfter = e.readBalance(tx, row.SubjectID)
	return &result, nil
}

// floor returns the lowest balance a settlement may leave behind.
func (e *Engine) floor() decimal.Decimal {
	if e.settings == nil {
		return decimal.Zero
	}
	return e.settings.OverageFloor()
}

// ReadBalanceTx returns the balance as seen by the caller's transaction.
func (e *Engine) ReadBalanceTx(tx *gorm.DB, subjectID string) decimal.Decimal {
	return e.readBalance(tx, subjectID)
}

// readBalance returns the current balance without locking; zero when absent.
func (e *Engine) readBalance(tx *gorm.DB, subjectID string) decimal.Decimal {
	var balance models.Balance
	if errFind := tx.Where("subject_id = ?", subjectID).First(&balance).Error; errFind != nil {
		return decimal.Zero
	}
	return balance.Amount
}

// lockBalance reads the subject balance under a row lock, creating the zero
// row on first reference. The create tolerates a concurrent creator and
// re-reads under the lock afterwards.
func lockBalance(tx *gorm.DB, subjectID string) (models.Balance, error) {
	var balance models.Balance
	errFind := dbutil.WithRowLock(tx).
		Where("subject_id = ?", subjectID).
		First(&balance).Error
	if errFind == nil {
		return balance, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return balance, errFind
	}

	seed := models.Balance{SubjectID: subjectID, Amount: decimal.Zero}
	if errCreate := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; errCreate != nil {
		if !dbutil.IsUniqueViolation(errCreate) {
			return balance, errCreate
		}
	}

	errRelock := dbutil.WithRowLock(tx).
		Where("subject_id = ?", subjectID).
		First(&balance).Error
	return balance, errRelock
}

// Reverse appends a compensating deduction restoring the original amount and
// marks the original record reversed. The original row is never edited beyond
// the reversal markers.
func (e *Engine) Reverse(ctx context.Context, deductionID uint64, reason, actor string) (*models.DeductionRecord, error) {
	if e == nil || e.db == nil {
		return nil, errors.New("ledger: nil engine")
	}
	if reason == "" {
		reason = models.ReasonReversal
	}

	var compensating models.DeductionRecord
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var original models.DeductionRecord
		if errFind := dbutil.WithRowLock(tx).
			Where("id = ?", deductionID).
			First(&original).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrDeductionNotFound
			}
			return errFind
		}
		if original.ReversedAt != nil {
			return ErrAlreadyReversed
		}

		balance, errLock := lockBalance(tx, original.SubjectID)
		if errLock != nil {
			return errLock
		}

		amount := original.Amount.Neg()
		compensating = models.DeductionRecord{
			SubjectID:     original.SubjectID,
			UsageRecordID: original.UsageRecordID,
			Amount:        amount,
			BalanceBefore: balance.Amount,
			BalanceAfter:  balance.Amount.Sub(amount),
			Reason:        reason,
		}
		if errCreate := tx.Create(&compensating).Error; errCreate != nil {
			return errCreate
		}

		now := time.Now().UTC()
		if errMark := tx.Model(&models.DeductionRecord{}).
			Where("id = ?", original.ID).
			Updates(map[string]any{
				"reversed_at": now,
				"reversed_by": actor,
			}).Error; errMark != nil {
			return errMark
		}

		return tx.Model(&models.Balance{}).
			Where("subject_id = ?", original.SubjectID).
			Updates(map[string]any{
				"amount":     compensating.BalanceAfter,
				"updated_at": now,
			}).Error
	})
	if errTx != nil {
		return nil, errTx
	}

	log.WithFields(log.Fields{
		"subject_id":   compensating.SubjectID,
		"deduction_id": deductionID,
		"reason":       reason,
	}).Info("ledger: deduction reversed")
	return &compensating, nil
}

// Adjust applies a standalone balance delta inside its own transaction.
// A positive delta grants credits; a negative delta deducts and respects the
// overage floor.
func (e *Engine) Adjust(ctx context.Context, subjectID string, delta decimal.Decimal, reason string) (*models.DeductionRecord, error) {
	var record *models.DeductionRecord
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var errAdjust error
		record, errAdjust = e.AdjustTx(tx, subjectID, delta, reason)
		return errAdjust
	})
	if errTx != nil {
		return nil, errTx
	}
	return record, nil
}

// AdjustTx applies a balance delta inside the caller's transaction, so a
// coupon redemption or proration can settle atomically with its own writes.
func (e *Engine) AdjustTx(tx *gorm.DB, subjectID string, delta decimal.Decimal, reason string) (*models.DeductionRecord, error) {
	if subjectID == "" {
		return nil, errors.New("ledger: empty subject id")
	}
	if reason == "" {
		reason = models.ReasonManualAdjustment
	}

	balance, errLock := lockBalance(tx, subjectID)
	if errLock != nil {
		return nil, errLock
	}

	amount := delta.Neg()
	after := balance.Amount.Sub(amount)
	if delta.Sign() < 0 && after.Cmp(e.floor()) < 0 {
		return nil, &InsufficientCreditsError{
			SubjectID: subjectID,
			Available: balance.Amount,
			Required:  delta.Neg(),
		}
	}

	record := models.DeductionRecord{
		SubjectID:     subjectID,
		Amount:        amount,
		BalanceBefore: balance.Amount,
		BalanceAfter:  after,
		Reason:        reason,
	}
	if errCreate := tx.Create(&record).Error; errCreate != nil {
		return nil, errCreate
	}

	if errUpdate := tx.Model(&models.Balance{}).
		Where("subject_id = ?", subjectID).
		Updates(map[string]any{
			"amount":     after,
			"updated_at": time.Now().UTC(),
		}).Error; errUpdate != nil {
		return nil, errUpdate
	}
	return &record, nil
}

// Balance returns the current balance for a subject; zero when absent.
func (e *Engine) Balance(ctx context.Context, subjectID string) (decimal.Decimal, error) {
	var balance models.Balance
	errFind := e.db.WithContext(ctx).Where("subject_id = ?", subjectID).First(&balance).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, errFind
	}
	return balance.Amount, nil
}

// normalizeTime returns a UTC timestamp, defaulting to now if zero.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
