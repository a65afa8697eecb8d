package asset

import (
	"fmt"

	"PerpVault/internal/fault"
)

// ID is the stable integer identifier for a listed instrument. It doubles
// as the oracle pair id.
type ID uint32

// Asset holds the static per-instrument configuration.
// Lots are raw integer counts; RatioNum/RatioDen convert lots x price
// products into 6-dec USD notional, applied uniformly everywhere a lot
// count becomes money (margin, commission, LP-lock, liquidation price,
// PnL).
type Asset struct {
	ID       ID
	Symbol   string
	RatioNum int64
	RatioDen int64

	MaxLeverage int64

	SpreadRate     int64 // RateScale fraction applied to price at entry/exit
	CommissionRate int64 // RateScale fraction of notional

	BaseFundingRate    int64 // 6-dec USD per lot per hourly accrual
	WeekendFundingRate int64 // 6-dec USD per lot per week boundary crossed

	SecurityMultiplier int64 // RateScale fraction of margin capping LP-lock
	MaxPhysicalMove    int64 // RateScale fraction of price capping LP-lock

	Listed bool
}

// Round leverage set. Only these values are accepted at listing and at
// order placement.
var allowedLeverage = map[int64]bool{
	1: true, 2: true, 3: true, 5: true, 10: true,
	20: true, 25: true, 50: true, 100: true,
}

// LeverageAllowed reports whether lev belongs to the round set.
func LeverageAllowed(lev int64) bool {
	return allowedLeverage[lev]
}

// ExposureView is the slice of the exposure ledger the registry needs:
// parameters that reprice open positions may only change at zero exposure.
type ExposureView interface {
	Lots(assetID uint32) (longLots, shortLots int64)
}

// Registry owns the asset table. Callers are expected to gate mutations
// behind the administrator identity; the registry itself only enforces
// parameter validity and zero-exposure guards.
type Registry struct {
	assets   map[ID]*Asset
	exposure ExposureView
}

func NewRegistry(exposure ExposureView) *Registry {
	return &Registry{
		assets:   make(map[ID]*Asset),
		exposure: exposure,
	}
}

// Get returns the asset or an error if it is unknown or delisted.
func (r *Registry) Get(id ID) (*Asset, error) {
	a, ok := r.assets[id]
	if !ok || !a.Listed {
		return nil, fmt.Errorf("asset %d not listed: %w", id, fault.ErrValidation)
	}
	return a, nil
}

// Lookup returns the asset regardless of listed flag.
func (r *Registry) Lookup(id ID) (*Asset, bool) {
	a, ok := r.assets[id]
	return a, ok
}

// All returns every registered asset keyed by id.
func (r *Registry) All() map[ID]*Asset {
	out := make(map[ID]*Asset, len(r.assets))
	for k, v := range r.assets {
		out[k] = v
	}
	return out
}

// Count returns the number of listed assets.
func (r *Registry) Count() int {
	n := 0
	for _, a := range r.assets {
		if a.Listed {
			n++
		}
	}
	return n
}

// List registers a new asset. Rejects duplicate ids and out-of-range
// parameters.
func (r *Registry) List(a Asset) error {
	if _, exists := r.assets[a.ID]; exists {
		return fmt.Errorf("asset %d already listed: %w", a.ID, fault.ErrState)
	}
	if err := validateAsset(&a); err != nil {
		return err
	}
	a.Listed = true
	stored := a
	r.assets[a.ID] = &stored
	return nil
}

// Delist marks an asset unlisted. Requires zero exposure so no open trade
// is orphaned.
func (r *Registry) Delist(id ID) error {
	a, ok := r.assets[id]
	if !ok {
		return fmt.Errorf("asset %d unknown: %w", id, fault.ErrValidation)
	}
	if err := r.requireZeroExposure(id); err != nil {
		return err
	}
	a.Listed = false
	return nil
}

// UpdateLotRatio changes the lot ratio. Only legal at zero exposure,
// since the ratio reprices every open position.
func (r *Registry) UpdateLotRatio(id ID, num, den int64) error {
	a, ok := r.assets[id]
	if !ok {
		return fmt.Errorf("asset %d unknown: %w", id, fault.ErrValidation)
	}
	if num <= 0 || den < 1 {
		return fmt.Errorf("lot ratio %d/%d out of range: %w", num, den, fault.ErrValidation)
	}
	if err := r.requireZeroExposure(id); err != nil {
		return err
	}
	a.RatioNum = num
	a.RatioDen = den
	return nil
}

// UpdateFundingAndSpread changes funding and spread parameters. Only legal
// at zero exposure.
func (r *Registry) UpdateFundingAndSpread(id ID, spreadRate, baseFunding, weekendFunding int64) error {
	a, ok := r.assets[id]
	if !ok {
		return fmt.Errorf("asset %d unknown: %w", id, fault.ErrValidation)
	}
	if spreadRate < 0 || baseFunding < 0 || weekendFunding < 0 {
		return fmt.Errorf("negative funding/spread rate: %w", fault.ErrValidation)
	}
	if err := r.requireZeroExposure(id); err != nil {
		return err
	}
	a.SpreadRate = spreadRate
	a.BaseFundingRate = baseFunding
	a.WeekendFundingRate = weekendFunding
	return nil
}

// UpdateRiskParams changes leverage cap, commission, security multiplier
// and physical-move bound. These do not reprice open exposure, so no
// zero-exposure guard.
func (r *Registry) UpdateRiskParams(id ID, maxLeverage, commissionRate, securityMultiplier, maxPhysicalMove int64) error {
	a, ok := r.assets[id]
	if !ok {
		return fmt.Errorf("asset %d unknown: %w", id, fault.ErrValidation)
	}
	probe := *a
	probe.MaxLeverage = maxLeverage
	probe.CommissionRate = commissionRate
	probe.SecurityMultiplier = securityMultiplier
	probe.MaxPhysicalMove = maxPhysicalMove
	if err := validateAsset(&probe); err != nil {
		return err
	}
	*a = probe
	return nil
}

func (r *Registry) requireZeroExposure(id ID) error {
	long, short := r.exposure.Lots(uint32(id))
	if long != 0 || short != 0 {
		return fmt.Errorf("asset %d has open exposure (long=%d short=%d): %w",
			id, long, short, fault.ErrState)
	}
	return nil
}

// Snapshot returns a copy of the asset table by value.
func (r *Registry) Snapshot() map[ID]Asset {
	out := make(map[ID]Asset, len(r.assets))
	for k, v := range r.assets {
		out[k] = *v
	}
	return out
}

// Restore overwrites the asset table from a snapshot.
func (r *Registry) Restore(assets map[ID]Asset) {
	r.assets = make(map[ID]*Asset, len(assets))
	for k, v := range assets {
		a := v
		r.assets[k] = &a
	}
}

func validateAsset(a *Asset) error {
	if a.Symbol == "" {
		return fmt.Errorf("empty symbol: %w", fault.ErrValidation)
	}
	if a.RatioNum <= 0 || a.RatioDen < 1 {
		return fmt.Errorf("lot ratio %d/%d out of range: %w", a.RatioNum, a.RatioDen, fault.ErrValidation)
	}
	if !LeverageAllowed(a.MaxLeverage) {
		return fmt.Errorf("max leverage %d not in round set: %w", a.MaxLeverage, fault.ErrValidation)
	}
	if a.SpreadRate < 0 || a.CommissionRate < 0 {
		return fmt.Errorf("negative spread/commission rate: %w", fault.ErrValidation)
	}
	if a.BaseFundingRate < 0 || a.WeekendFundingRate < 0 {
		return fmt.Errorf("negative funding rate: %w", fault.ErrValidation)
	}
	if a.SecurityMultiplier <= 0 {
		return fmt.Errorf("security multiplier must be > 0: %w", fault.ErrValidation)
	}
	if a.MaxPhysicalMove <= 0 {
		return fmt.Errorf("max physical move must be > 0: %w", fault.ErrValidation)
	}
	return nil
}
