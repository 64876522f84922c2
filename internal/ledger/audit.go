package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
)

// VerifyChain checks the deduction ledger continuity for a subject: every
// row must satisfy balance_after = balance_before - amount, and each row's
// balance_before must equal the prior row's balance_after in insert order.
func (e *Engine) VerifyChain(ctx context.Context, subjectID string) error {
	if e == nil || e.db == nil {
		return errors.New("ledger: nil engine")
	}

	var rows []models.DeductionRecord
	if errFind := e.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return errFind
	}

	for i := range rows {
		row := &rows[i]
		if !row.BalanceAfter.Equal(row.BalanceBefore.Sub(row.Amount)) {
			return fmt.Errorf("%w: record %d: %s != %s - %s",
				ErrChainBroken, row.ID, row.BalanceAfter.String(), row.BalanceBefore.String(), row.Amount.String())
		}
		if i > 0 && !row.BalanceBefore.Equal(rows[i-1].BalanceAfter) {
			return fmt.Errorf("%w: record %d balance_before %s does not continue record %d balance_after %s",
				ErrChainBroken, row.ID, row.BalanceBefore.String(), rows[i-1].ID, rows[i-1].BalanceAfter.String())
		}
	}
	return nil
}
