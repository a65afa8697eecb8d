package oracle

import (
	"encoding/json"
	"fmt"

	"PerpVault/internal/fault"
)

// JSONVerifier accepts pre-verified proofs serialized as JSON price sets.
// Signature verification happens upstream of the command bus; this
// verifier only decodes and sanity-checks the payload.
type JSONVerifier struct{}

type jsonProof struct {
	Items []struct {
		PairID    uint32 `json:"pair_id"`
		Price     int64  `json:"price"`
		Expo      int32  `json:"expo"`
		Timestamp int64  `json:"timestamp"`
	} `json:"items"`
}

func (JSONVerifier) Verify(proof []byte) (PriceSet, error) {
	var decoded jsonProof
	if err := json.Unmarshal(proof, &decoded); err != nil {
		return PriceSet{}, fmt.Errorf("decode proof: %v: %w", err, fault.ErrValidation)
	}
	if len(decoded.Items) == 0 {
		return PriceSet{}, fmt.Errorf("empty proof: %w", fault.ErrValidation)
	}
	set := PriceSet{Items: make([]PriceItem, 0, len(decoded.Items))}
	for _, it := range decoded.Items {
		if it.Price <= 0 {
			return PriceSet{}, fmt.Errorf("non-positive price for pair %d: %w", it.PairID, fault.ErrValidation)
		}
		set.Items = append(set.Items, PriceItem{
			PairID:    it.PairID,
			Price:     it.Price,
			Expo:      it.Expo,
			Timestamp: it.Timestamp,
		})
	}
	return set, nil
}

// StaticVerifier returns a fixed price set regardless of the proof bytes.
// Test helper.
type StaticVerifier struct {
	Set PriceSet
	Err error
}

func (s StaticVerifier) Verify([]byte) (PriceSet, error) {
	if s.Err != nil {
		return PriceSet{}, s.Err
	}
	return s.Set, nil
}
