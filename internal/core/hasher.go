package core

import (
	"IRSLedger/internal/event"
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "IRSLedger:genesis:v1"

// GenesisHash is the PrevHash of sequence 0.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// StateHasher chains event hashes. Not safe for concurrent use; the
// dispatcher serializes access.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher continues the chain after tip. Pass GenesisHash() for an empty log.
func NewStateHasher(tip [32]byte) *StateHasher {
	return &StateHasher{prevHash: tip}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || digest)
// and advances the chain.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hash := chainHash(h.prevHash, sequence, digest)
	h.prevHash = hash
	return hash
}

// Tip returns the hash of the last chained event.
func (h *StateHasher) Tip() [32]byte {
	return h.prevHash
}

func chainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// EventDigest covers everything an envelope commits to except the chain fields.
func EventDigest(env *event.EventEnvelope) []byte {
	hasher := sha256.New()

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(env.EventType))
	hasher.Write(buf[:4])

	hasher.Write([]byte(env.IdempotencyKey))
	hasher.Write([]byte{0})

	if env.PositionID != nil {
		binary.LittleEndian.PutUint64(buf[:], *env.PositionID)
		hasher.Write([]byte{1})
		hasher.Write(buf[:])
	} else {
		hasher.Write([]byte{0})
	}

	binary.LittleEndian.PutUint64(buf[:], uint64(env.Timestamp.UnixMicro()))
	hasher.Write(buf[:])

	hasher.Write(env.Payload)
	return hasher.Sum(nil)
}
