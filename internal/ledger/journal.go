package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeMarginDeposit
	JournalTypeMarginRelease
	JournalTypeSwapPnL
	JournalTypeLiquidationSeize
	JournalTypeLiquidationReward
	JournalTypeLiquidationFee
	JournalTypeInsuranceCover
	JournalTypePoolFunding
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeMarginDeposit:
		return "margin_deposit"
	case JournalTypeMarginRelease:
		return "margin_release"
	case JournalTypeSwapPnL:
		return "swap_pnl"
	case JournalTypeLiquidationSeize:
		return "liquidation_seize"
	case JournalTypeLiquidationReward:
		return "liquidation_reward"
	case JournalTypeLiquidationFee:
		return "liquidation_fee"
	case JournalTypeInsuranceCover:
		return "insurance_cover"
	case JournalTypePoolFunding:
		return "pool_funding"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups the legs of one operation
	EventRef      string      // Reference of the originating operation
	Sequence      int64       // Ledger batch sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        *big.Int    // WAD amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Epoch microseconds
}

// Batch represents the balanced set of journal entries produced by one operation
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from credit to debit, so every entry
// is balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %v", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// Transfer is one leg requested by a caller: move Amount from From to To.
type Transfer struct {
	From   AccountKey
	To     AccountKey
	Amount *big.Int
	Type   JournalType
}
