package core

import (
	"IRSLedger/internal/event"
	"errors"
	"fmt"
)

var (
	// ErrSequenceGap indicates a missing or repeated sequence in the event log.
	ErrSequenceGap = errors.New("event log sequence gap")

	// ErrChainBroken indicates an envelope whose hashes do not extend the chain.
	ErrChainBroken = errors.New("event log hash chain broken")
)

// SequenceValidator checks that stored envelopes form one unbroken chain:
// contiguous sequences, each PrevHash equal to the previous StateHash and
// each StateHash recomputable from its content.
type SequenceValidator struct {
	expected int64
	tip      [32]byte
	checked  int64
}

// NewSequenceValidator starts at sequence from with the given chain tip.
// Use 0 and GenesisHash() to verify a log from its beginning.
func NewSequenceValidator(from int64, tip [32]byte) *SequenceValidator {
	return &SequenceValidator{expected: from, tip: tip}
}

// Validate checks the next envelope and advances.
func (sv *SequenceValidator) Validate(env *event.EventEnvelope) error {
	if env.Sequence != sv.expected {
		return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, sv.expected, env.Sequence)
	}
	if env.PrevHash != sv.tip {
		return fmt.Errorf("%w: sequence %d prev hash %x, chain tip %x", ErrChainBroken, env.Sequence, env.PrevHash[:8], sv.tip[:8])
	}
	if want := chainHash(sv.tip, env.Sequence, EventDigest(env)); want != env.StateHash {
		return fmt.Errorf("%w: sequence %d state hash %x, recomputed %x", ErrChainBroken, env.Sequence, env.StateHash[:8], want[:8])
	}

	sv.tip = env.StateHash
	sv.expected++
	sv.checked++
	return nil
}

// Next returns the sequence expected next.
func (sv *SequenceValidator) Next() int64 {
	return sv.expected
}

// Tip returns the last validated hash.
func (sv *SequenceValidator) Tip() [32]byte {
	return sv.tip
}

// Checked returns how many envelopes passed.
func (sv *SequenceValidator) Checked() int64 {
	return sv.checked
}
