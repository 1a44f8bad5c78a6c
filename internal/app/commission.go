/**
 * @description
 * This file contains the commission calculation logic. The calculation is pure
 * integer arithmetic over minor currency units; no floating point is involved
 * anywhere in the money path.
 */

package app

import (
	"errors"
	"fmt"
)

// ErrInvalidCommission indicates the inputs cannot yield a payable commission.
// A referral hitting this error is surfaced to operators rather than retried,
// since re-running the same inputs produces the same result.
var ErrInvalidCommission = errors.New("invalid commission")

// ComputeCommission returns the commission in minor units for a paid invoice
// amount and a rate in whole percent. Rounding is half-up.
func ComputeCommission(amountPaid int64, ratePercent int) (int64, error) {
	if amountPaid <= 0 {
		return 0, fmt.Errorf("%w: amount_paid=%d must be positive", ErrInvalidCommission, amountPaid)
	}
	if ratePercent <= 0 || ratePercent > 100 {
		return 0, fmt.Errorf("%w: rate=%d must be within (0, 100]", ErrInvalidCommission, ratePercent)
	}

	commission := (amountPaid*int64(ratePercent) + 50) / 100
	if commission <= 0 {
		return 0, fmt.Errorf("%w: computed commission %d for amount_paid=%d rate=%d", ErrInvalidCommission, commission, amountPaid, ratePercent)
	}
	return commission, nil
}
