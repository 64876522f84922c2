package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// InsufficientCreditsError rejects a settlement that would take the balance
// below the configured floor. The whole transaction aborts; no partial ledger
// writes escape.
type InsufficientCreditsError struct {
	SubjectID string
	Available decimal.Decimal
	Required  decimal.Decimal
}

// Error implements the error interface.
func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("ledger: insufficient credits for %s: available=%s required=%s",
		e.SubjectID, e.Available.String(), e.Required.String())
}

// Ledger sentinel errors.
var (
	// ErrDeductionNotFound reports an unknown deduction record.
	ErrDeductionNotFound = errors.New("ledger: deduction record not found")
	// ErrAlreadyReversed rejects reversing a deduction twice.
	ErrAlreadyReversed = errors.New("ledger: deduction already reversed")
	// ErrChainBroken reports a balance continuity violation in the ledger.
	ErrChainBroken = errors.New("ledger: deduction chain broken")

	// errDuplicateRace signals that a concurrent settlement inserted the same
	// request ID first; the settlement retries and returns the prior result.
	errDuplicateRace = errors.New("ledger: concurrent duplicate request")
)
