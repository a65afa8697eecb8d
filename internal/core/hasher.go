package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// chainSeed anchors the hash chain. It is versioned together with the
// state digest layout: changing either forks every hash after genesis.
const chainSeed = "PerpVault:chain:v1"

// StateHasher maintains the rolling SHA-256 chain over applied commands:
// hash[n] = SHA-256(hash[n-1] || sequence || digest). The chain tip is
// also the anchor a snapshot is verified against on restore.
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	h := &StateHasher{}
	h.tip = sha256.Sum256([]byte(chainSeed))
	return h
}

// ComputeHash folds one applied command into the chain and returns the
// new tip.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	buf := make([]byte, 0, 32+8+len(digest))
	buf = append(buf, h.tip[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, digest...)
	h.tip = sha256.Sum256(buf)
	return h.tip
}

// GetPrevHash returns the current chain tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.tip
}

// SetPrevHash restores the chain tip from a snapshot.
func (h *StateHasher) SetPrevHash(tip [32]byte) {
	h.tip = tip
}
