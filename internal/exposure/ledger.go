package exposure

import (
	"fmt"

	"PerpVault/internal/asset"
	"PerpVault/internal/fault"
	"PerpVault/internal/fixedpoint"
)

// fundingInterval is the minimum gap between funding accruals per asset.
const fundingInterval = 3600 // seconds

// Exposure is the per-asset aggregate book: lot counts, value sums for
// VWAP, and the two pairs of settlement caps (max payable profit per side,
// max payable loss per side).
type Exposure struct {
	LongLots  int64
	ShortLots int64

	// Sum of lots x openPrice per side, VWAP numerators.
	LongValue  int64
	ShortValue int64

	// Sum of per-trade LP-lock amounts (max payable profit).
	LpLockLong  int64
	LpLockShort int64

	// Sum of per-trade margin amounts (max payable loss).
	MarginLong  int64
	MarginShort int64
}

// FundingState carries the per-side monotone funding accumulators.
// A trade's funding cost is (index now - index at open) x lots.
type FundingState struct {
	LastUpdate int64 // unix seconds of last accrual, 0 = never
	LongIndex  int64 // 6-dec USD per lot
	ShortIndex int64
}

// Ledger owns exposure and funding state for every asset.
type Ledger struct {
	exposures map[asset.ID]*Exposure
	funding   map[asset.ID]*FundingState
}

func NewLedger() *Ledger {
	return &Ledger{
		exposures: make(map[asset.ID]*Exposure),
		funding:   make(map[asset.ID]*FundingState),
	}
}

func (l *Ledger) get(id asset.ID) *Exposure {
	e, ok := l.exposures[id]
	if !ok {
		e = &Exposure{}
		l.exposures[id] = e
	}
	return e
}

func (l *Ledger) fundingState(id asset.ID) *FundingState {
	f, ok := l.funding[id]
	if !ok {
		f = &FundingState{}
		l.funding[id] = f
	}
	return f
}

// Exposure returns a copy of the asset's aggregate book.
func (l *Ledger) Exposure(id asset.ID) Exposure {
	return *l.get(id)
}

// Lots implements asset.ExposureView.
func (l *Ledger) Lots(assetID uint32) (int64, int64) {
	e := l.get(asset.ID(assetID))
	return e.LongLots, e.ShortLots
}

// Update adds (increase=true) or removes lots and their lots x price value
// from one side of the book. A side never goes negative: every decrease
// corresponds exactly to a prior increase for the same trade.
func (l *Ledger) Update(id asset.ID, lots, price int64, isLong, increase bool) error {
	if lots <= 0 || price <= 0 {
		return fmt.Errorf("exposure update lots=%d price=%d: %w", lots, price, fault.ErrValidation)
	}

	e := l.get(id)
	value := fixedpoint.MulDiv(lots, price, 1)

	delta := lots
	valueDelta := value
	if !increase {
		delta = -lots
		valueDelta = -value
	}

	if isLong {
		if e.LongLots+delta < 0 {
			return fmt.Errorf("long lots would go negative for asset %d: %w", id, fault.ErrState)
		}
		e.LongLots += delta
		e.LongValue += valueDelta
	} else {
		if e.ShortLots+delta < 0 {
			return fmt.Errorf("short lots would go negative for asset %d: %w", id, fault.ErrState)
		}
		e.ShortLots += delta
		e.ShortValue += valueDelta
	}
	return nil
}

// AdjustLocks moves the per-side LP-lock and margin cap sums. Deltas are
// signed; sums never go negative.
func (l *Ledger) AdjustLocks(id asset.ID, isLong bool, lpLockDelta, marginDelta int64) error {
	e := l.get(id)
	if isLong {
		if e.LpLockLong+lpLockDelta < 0 || e.MarginLong+marginDelta < 0 {
			return fmt.Errorf("long lock sums would go negative for asset %d: %w", id, fault.ErrState)
		}
		e.LpLockLong += lpLockDelta
		e.MarginLong += marginDelta
	} else {
		if e.LpLockShort+lpLockDelta < 0 || e.MarginShort+marginDelta < 0 {
			return fmt.Errorf("short lock sums would go negative for asset %d: %w", id, fault.ErrState)
		}
		e.LpLockShort += lpLockDelta
		e.MarginShort += marginDelta
	}
	return nil
}

// imbalance returns p = r^2 where r = |L-S| / (L+S+2) as a RatioConfig
// fixed-point value. The +2 keeps the ratio defined and damped on an
// empty book.
func imbalance(longLots, shortLots int64) int64 {
	diff := longLots - shortLots
	if diff < 0 {
		diff = -diff
	}
	total := longLots + shortLots + 2
	r := fixedpoint.MulDiv(diff, fixedpoint.RatioConfig.Scale, total)
	return fixedpoint.MulDiv(r, r, fixedpoint.RatioConfig.Scale)
}

// Spread returns the effective spread rate (RateScale fraction) for a
// hypothetical change of `lots` on the requesting side. Opening further
// into the dominant side pays base x (1+3p); the minority side pays base.
func (l *Ledger) Spread(a *asset.Asset, isLong, isOpening bool, lots int64) int64 {
	e := l.get(a.ID)
	long, short := e.LongLots, e.ShortLots

	delta := lots
	if !isOpening {
		delta = -lots
	}
	if isLong {
		long += delta
	} else {
		short += delta
	}
	if long < 0 {
		long = 0
	}
	if short < 0 {
		short = 0
	}

	dominantLong := long > short
	if (isLong && !dominantLong) || (!isLong && dominantLong) || long == short {
		return a.SpreadRate
	}

	p := imbalance(long, short)
	// base x (1 + 3p)
	return fixedpoint.MulDiv(a.SpreadRate, fixedpoint.RatioConfig.Scale+3*p, fixedpoint.RatioConfig.Scale)
}

// SpreadOffset converts an effective spread rate into a price offset.
func SpreadOffset(price, spreadRate int64) int64 {
	return fixedpoint.ApplyRate(price, spreadRate)
}

// UpdateFundingRate advances the per-side funding indices. At most one
// accrual per hour per asset; the dominant side accrues base x (1+3p),
// the other side accrues base. Both indices are monotone.
func (l *Ledger) UpdateFundingRate(a *asset.Asset, now int64) error {
	f := l.fundingState(a.ID)
	if f.LastUpdate != 0 && now-f.LastUpdate < fundingInterval {
		return fmt.Errorf("funding for asset %d updated %ds ago: %w",
			a.ID, now-f.LastUpdate, fault.ErrStale)
	}

	e := l.get(a.ID)
	p := imbalance(e.LongLots, e.ShortLots)
	amplified := fixedpoint.MulDiv(a.BaseFundingRate, fixedpoint.RatioConfig.Scale+3*p, fixedpoint.RatioConfig.Scale)

	if e.LongLots >= e.ShortLots {
		f.LongIndex += amplified
		f.ShortIndex += a.BaseFundingRate
	} else {
		f.LongIndex += a.BaseFundingRate
		f.ShortIndex += amplified
	}
	f.LastUpdate = now
	return nil
}

// FundingIndex returns the current accumulator for one side.
func (l *Ledger) FundingIndex(id asset.ID, isLong bool) int64 {
	f := l.fundingState(id)
	if isLong {
		return f.LongIndex
	}
	return f.ShortIndex
}

// FundingCost is the accrued funding for a trade: index delta since open
// times lots.
func (l *Ledger) FundingCost(id asset.ID, isLong bool, indexAtOpen, lots int64) int64 {
	return fixedpoint.MulDiv(l.FundingIndex(id, isLong)-indexAtOpen, lots, 1)
}

// weekIndex counts weeks from a fixed offset so boundaries fall on
// Saturday 00:00 UTC (unix day 0 is a Thursday).
func weekIndex(ts int64) int64 {
	return (ts/86400 + 5) / 7
}

// WeekendFunding charges the weekend rate once per week boundary crossed
// between open and now. Zero if no Saturday has passed.
func WeekendFunding(a *asset.Asset, lots, openTs, now int64) int64 {
	weeks := weekIndex(now) - weekIndex(openTs)
	if weeks <= 0 {
		return 0
	}
	return fixedpoint.MulDiv3(weeks, a.WeekendFundingRate, lots, 1)
}

// Vwap returns the volume-weighted average open price for one side.
func (l *Ledger) Vwap(id asset.ID, isLong bool) int64 {
	e := l.get(id)
	if isLong {
		return fixedpoint.ComputeVwap(e.LongValue, e.LongLots)
	}
	return fixedpoint.ComputeVwap(e.ShortValue, e.ShortLots)
}

// Snapshot returns deep copies of all exposure and funding state.
func (l *Ledger) Snapshot() (map[asset.ID]Exposure, map[asset.ID]FundingState) {
	exp := make(map[asset.ID]Exposure, len(l.exposures))
	for k, v := range l.exposures {
		exp[k] = *v
	}
	fund := make(map[asset.ID]FundingState, len(l.funding))
	for k, v := range l.funding {
		fund[k] = *v
	}
	return exp, fund
}

// Restore overwrites ledger state from a snapshot.
func (l *Ledger) Restore(exp map[asset.ID]Exposure, fund map[asset.ID]FundingState) {
	l.exposures = make(map[asset.ID]*Exposure, len(exp))
	for k, v := range exp {
		e := v
		l.exposures[k] = &e
	}
	l.funding = make(map[asset.ID]*FundingState, len(fund))
	for k, v := range fund {
		f := v
		l.funding[k] = &f
	}
}
