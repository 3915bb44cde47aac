package core

import (
	"crypto/sha256"
	"encoding/binary"

	"PerpSim/internal/state"
)

const GenesisHashSeed = "PerpSim:genesis:v1"

// StateHasher chains a digest of the full simulation state per step:
// hash[t] = SHA-256(hash[t-1] || step || CanonicalBytes(pool, registry)).
// Two runs with the same seed and ticks produce the same chain.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// Chain hashes the current state for step and advances the tip.
func (h *StateHasher) Chain(step int64, pool *state.Pool, reg *state.Registry) [32]byte {
	return h.ComputeHash(step, state.CanonicalBytes(pool, reg))
}

// ComputeHash appends one digest to the chain.
func (h *StateHasher) ComputeHash(step int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var stepBuf [8]byte
	binary.LittleEndian.PutUint64(stepBuf[:], uint64(step))
	hasher.Write(stepBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// Tip returns the latest hash.
func (h *StateHasher) Tip() [32]byte {
	return h.prevHash
}
