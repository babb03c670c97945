package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "LoanLedger:genesis:v1"

// StateHasher chains a hash over every applied event
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

// NewStateHasherFrom resumes a chain from a persisted tip.
func NewStateHasherFrom(tip [32]byte) *StateHasher {
	return &StateHasher{prevHash: tip}
}

func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash

	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// VerifyChain recomputes a run of hashes starting from prev. It returns the
// index of the first link that does not match, or -1.
func VerifyChain(prev [32]byte, sequences []int64, digests [][]byte, hashes [][32]byte) int {
	h := NewStateHasherFrom(prev)
	for i := range sequences {
		if h.ComputeHash(sequences[i], digests[i]) != hashes[i] {
			return i
		}
	}
	return -1
}
