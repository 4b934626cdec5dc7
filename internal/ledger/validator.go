package ledger

import (
	"fmt"
	"math/big"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateNoOverdraft checks, before the batch is applied, that every non-external
// account it debits would stay >= 0 afterwards.
func (v *InvariantValidator) ValidateNoOverdraft(batch *Batch) error {
	projected := make(map[AccountKey]*big.Int)
	get := func(key AccountKey) *big.Int {
		p, ok := projected[key]
		if !ok {
			p = v.tracker.GetBalance(key)
			projected[key] = p
		}
		return p
	}

	for _, j := range batch.Journals {
		get(j.DebitAccount).Add(get(j.DebitAccount), j.Amount)
		get(j.CreditAccount).Sub(get(j.CreditAccount), j.Amount)
	}

	for key, balance := range projected {
		if key.MayOverdraw() || balance.Sign() >= 0 {
			continue
		}
		return &OverdraftError{
			Account:   key,
			Available: v.tracker.GetBalance(key),
			Shortfall: new(big.Int).Neg(balance),
		}
	}
	return nil
}

// OverdraftError reports a transfer the source account cannot cover.
type OverdraftError struct {
	Account   AccountKey
	Available *big.Int
	Shortfall *big.Int
}

func (e *OverdraftError) Error() string {
	return fmt.Sprintf("insufficient balance in %s: have=%s, short by %s",
		e.Account.AccountPath(), e.Available, e.Shortfall)
}

// ValidateGlobalBalance verifies the system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total.Sign() != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total)
		}
	}

	return nil
}
