// Package oracle defines the consumed price-proof surface. Proof
// cryptography and transport are external; the engine only sees verified
// price sets and enforces freshness.
package oracle

import (
	"fmt"

	"PerpVault/internal/fault"
)

// MaxPriceAge is the staleness bound in seconds for single-asset calls.
const MaxPriceAge = 60

// PriceItem is one verified oracle entry.
type PriceItem struct {
	PairID    uint32
	Price     int64 // raw mantissa
	Expo      int32 // decimal exponent, price = Price x 10^Expo
	Timestamp int64 // unix seconds
}

// PriceSet is the result of verifying one proof blob.
type PriceSet struct {
	Items []PriceItem
}

// Verifier turns an opaque proof into a verified price set.
type Verifier interface {
	Verify(proof []byte) (PriceSet, error)
}

// Find locates the entry whose pair id equals the requested asset id.
// A missing pair is a hard error.
func (ps PriceSet) Find(pairID uint32) (PriceItem, error) {
	for _, item := range ps.Items {
		if item.PairID == pairID {
			return item, nil
		}
	}
	return PriceItem{}, fmt.Errorf("no oracle entry for pair %d: %w", pairID, fault.ErrValidation)
}

// CheckFresh rejects future-dated prices and prices older than maxAge.
func (item PriceItem) CheckFresh(now, maxAge int64) error {
	if item.Timestamp > now {
		return fmt.Errorf("oracle price for pair %d dated %d in the future of %d: %w",
			item.PairID, item.Timestamp, now, fault.ErrStale)
	}
	if now-item.Timestamp > maxAge {
		return fmt.Errorf("oracle price for pair %d is %ds old (max %d): %w",
			item.PairID, now-item.Timestamp, maxAge, fault.ErrStale)
	}
	return nil
}

var pow10 = [...]int64{1, 10, 100, 1_000, 10_000, 100_000, 1_000_000,
	10_000_000, 100_000_000, 1_000_000_000, 10_000_000_000, 100_000_000_000, 1_000_000_000_000}

// Price6 normalizes the mantissa/exponent pair into a 6-decimal price.
func (item PriceItem) Price6() (int64, error) {
	shift := 6 + int(item.Expo)
	switch {
	case shift >= 0:
		if shift >= len(pow10) {
			return 0, fmt.Errorf("oracle exponent %d out of range: %w", item.Expo, fault.ErrValidation)
		}
		return item.Price * pow10[shift], nil
	default:
		if -shift >= len(pow10) {
			return 0, fmt.Errorf("oracle exponent %d out of range: %w", item.Expo, fault.ErrValidation)
		}
		return item.Price / pow10[-shift], nil
	}
}

// FreshPrice verifies, locates and freshness-checks a single pair, and
// returns its 6-dec price. The common path for trade open/close calls.
func FreshPrice(v Verifier, proof []byte, pairID uint32, now int64) (int64, error) {
	set, err := v.Verify(proof)
	if err != nil {
		return 0, fmt.Errorf("verify proof: %w", err)
	}
	item, err := set.Find(pairID)
	if err != nil {
		return 0, err
	}
	if err := item.CheckFresh(now, MaxPriceAge); err != nil {
		return 0, err
	}
	return item.Price6()
}
