package state

import (
	"IRSLedger/internal/ledger"
	"math/big"
)

// InsuranceFund covers shortfalls: losses a closing position owes the swap
// pool beyond its margin. It also backs profit the pool cannot pay at close.
// Whatever the fund cannot cover is recorded on the close event.
type InsuranceFund struct {
	account ledger.AccountKey
	pool    ledger.AccountKey
}

func NewInsuranceFund(assetID ledger.AssetID) *InsuranceFund {
	return &InsuranceFund{
		account: ledger.InsuranceFundAccount(assetID),
		pool:    ledger.SwapPoolAccount(assetID),
	}
}

// Account returns the fund's ledger account.
func (f *InsuranceFund) Account() ledger.AccountKey {
	return f.account
}

// CanCoverDeficit checks if the fund balance covers the whole deficit.
func (f *InsuranceFund) CanCoverDeficit(fundBalance, deficit *big.Int) bool {
	return fundBalance.Cmp(deficit) >= 0
}

// ComputeCoverage returns how much the fund can cover and the remainder.
func (f *InsuranceFund) ComputeCoverage(fundBalance, deficit *big.Int) (covered, remaining *big.Int) {
	if deficit.Sign() <= 0 {
		return new(big.Int), new(big.Int)
	}
	if fundBalance.Sign() <= 0 {
		return new(big.Int), new(big.Int).Set(deficit)
	}
	if f.CanCoverDeficit(fundBalance, deficit) {
		return new(big.Int).Set(deficit), new(big.Int)
	}
	return new(big.Int).Set(fundBalance), new(big.Int).Sub(deficit, fundBalance)
}

// coverLeg pays the covered part of a shortfall into the swap pool.
func (f *InsuranceFund) coverLeg(covered *big.Int) ledger.Transfer {
	return ledger.Transfer{
		From:   f.account,
		To:     f.pool,
		Amount: covered,
		Type:   ledger.JournalTypeInsuranceCover,
	}
}

// profitLeg pays realized profit the swap pool could not cover into the vault.
func (f *InsuranceFund) profitLeg(vault ledger.AccountKey, amount *big.Int) ledger.Transfer {
	return ledger.Transfer{
		From:   f.account,
		To:     vault,
		Amount: amount,
		Type:   ledger.JournalTypeInsuranceCover,
	}
}
