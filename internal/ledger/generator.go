package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalGenerator turns requested transfers into sequenced journal batches.
// Not synchronized; Ledger serializes access.
type JournalGenerator struct {
	sequence int64
	assetID  AssetID
}

func NewJournalGenerator(startSequence int64, assetID AssetID) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
		assetID:  assetID,
	}
}

// Sequence returns the sequence the next batch will carry.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// Generate creates one batch with a journal per non-zero leg.
// Returns nil when every leg is zero.
func (jg *JournalGenerator) Generate(ref string, timestampMicros int64, legs []Transfer) (*Batch, error) {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  ref,
		Sequence:  jg.sequence,
		Timestamp: timestampMicros,
		Journals:  make([]Journal, 0, len(legs)),
	}

	for i, leg := range legs {
		if leg.Amount == nil || leg.Amount.Sign() == 0 {
			continue
		}
		if leg.Amount.Sign() < 0 {
			return nil, fmt.Errorf("leg %d (%s) has negative amount %s", i, leg.Type, leg.Amount)
		}
		if leg.From.AssetID != jg.assetID || leg.To.AssetID != jg.assetID {
			return nil, fmt.Errorf("leg %d (%s) is not denominated in asset %d", i, leg.Type, jg.assetID)
		}

		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      ref,
			Sequence:      jg.sequence,
			DebitAccount:  leg.To,
			CreditAccount: leg.From,
			AssetID:       jg.assetID,
			Amount:        new(big.Int).Set(leg.Amount),
			JournalType:   leg.Type,
			Timestamp:     timestampMicros,
		})
	}

	if len(batch.Journals) == 0 {
		return nil, nil
	}

	jg.sequence++
	return batch, nil
}

// Rewind gives back the sequence of a batch that was generated but rejected.
func (jg *JournalGenerator) Rewind() {
	jg.sequence--
}
