package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const (
	genesisSeed = "pdaledger/genesis/v1"
	chainDomain = "pdaledger/state/v1"
)

// GenesisHash is the chain tip before the first operation.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(genesisSeed))
}

// ChainHash is one link of the state hash chain:
//
//	state_hash[n] = SHA-256(domain || state_hash[n-1] || le64(n) || digest[n])
//
// The digest covers the journals and the touched account, so equal histories
// give equal chains on every node and on replay.
func ChainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(sequence))

	h := sha256.New()
	h.Write([]byte(chainDomain))
	h.Write(prev[:])
	h.Write(seq[:])
	h.Write(digest)

	var out [32]byte
	h.Sum(out[:0])
	return out
}

// StateHasher holds the chain tip. It is not safe for concurrent use; the
// core guards it with its writer lock.
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: GenesisHash()}
}

// Advance links the next operation onto the chain and returns the new tip.
func (h *StateHasher) Advance(sequence int64, digest []byte) [32]byte {
	h.tip = ChainHash(h.tip, sequence, digest)
	return h.tip
}

func (h *StateHasher) Tip() [32]byte {
	return h.tip
}

// Reset resumes the chain from a snapshot's tip.
func (h *StateHasher) Reset(tip [32]byte) {
	h.tip = tip
}
