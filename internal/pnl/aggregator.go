// Package pnl implements the resumable unrealized-PnL snapshot protocol.
// A run aggregates one capped PnL number per listed asset across multiple
// bounded calls; the finalized total feeds the epoch NAV.
package pnl

import (
	"fmt"

	"PerpVault/internal/asset"
	"PerpVault/internal/exposure"
	"PerpVault/internal/fault"
	"PerpVault/internal/fixedpoint"
	"PerpVault/internal/oracle"
)

const (
	// RunBudget is the wall-clock window, in seconds, a run has to visit
	// every asset before it is discarded and superseded.
	RunBudget = 120

	// itemMaxAge is the per-item proof freshness bound in seconds.
	itemMaxAge = 60
)

// Run is one bounded, resumable aggregation execution.
type Run struct {
	ID                 uint64
	Epoch              uint64
	StartedAt          int64
	AssetsProcessed    int64
	TotalAssetsAtStart int64 // snapshot at run start; mid-run listings don't block completion
	TotalPnl           int64 // vault-perspective: -(capped long + capped short trader PnL)
	Finalized          bool
}

// Aggregator owns the current run and the per-asset idempotence markers.
type Aggregator struct {
	registry *asset.Registry
	exposure *exposure.Ledger
	verifier oracle.Verifier

	run       *Run
	lastRunID uint64
	processed map[asset.ID]uint64 // asset -> run id it was last counted in
}

func NewAggregator(registry *asset.Registry, exp *exposure.Ledger, verifier oracle.Verifier) *Aggregator {
	return &Aggregator{
		registry:  registry,
		exposure:  exp,
		verifier:  verifier,
		processed: make(map[asset.ID]uint64),
	}
}

// CurrentRun returns a copy of the active run, if any.
func (g *Aggregator) CurrentRun() (Run, bool) {
	if g.run == nil {
		return Run{}, false
	}
	return *g.run, true
}

// FinalizedFor returns the finalized run targeting the given epoch.
func (g *Aggregator) FinalizedFor(epoch uint64) (Run, bool) {
	if g.run != nil && g.run.Finalized && g.run.Epoch == epoch {
		return *g.run, true
	}
	return Run{}, false
}

// Submit resumes the current run or starts a new one, then folds every
// proof item into the cumulative sum. Each asset counts at most once per
// run id, even across calls. Every item is validated before the first
// fold, so a rejected submission leaves the run untouched.
func (g *Aggregator) Submit(proof []byte, epoch uint64, now int64) error {
	set, err := g.verifier.Verify(proof)
	if err != nil {
		return fmt.Errorf("verify proof: %w", err)
	}
	if g.run != nil && g.run.Finalized && g.run.Epoch == epoch {
		return fmt.Errorf("run %d already finalized for epoch %d: %w", g.run.ID, epoch, fault.ErrState)
	}

	type priced struct {
		a    *asset.Asset
		mark int64
	}
	marks := make([]priced, 0, len(set.Items))
	for _, item := range set.Items {
		a, ok := g.registry.Lookup(asset.ID(item.PairID))
		if !ok || !a.Listed {
			return fmt.Errorf("proof carries unlisted pair %d: %w", item.PairID, fault.ErrValidation)
		}
		if err := item.CheckFresh(now, itemMaxAge); err != nil {
			return err
		}
		mark, err := item.Price6()
		if err != nil {
			return err
		}
		marks = append(marks, priced{a: a, mark: mark})
	}

	run := g.resumeOrStart(epoch, now)
	for _, m := range marks {
		if g.processed[m.a.ID] == run.ID {
			continue // already counted in this run
		}
		run.TotalPnl += g.assetContribution(m.a, m.mark)
		g.processed[m.a.ID] = run.ID
		run.AssetsProcessed++
	}

	if run.AssetsProcessed >= run.TotalAssetsAtStart {
		run.Finalized = true
	}
	return nil
}

// resumeOrStart returns the active run when it is still fresh and targets
// the same epoch; otherwise the stale run is superseded in place.
func (g *Aggregator) resumeOrStart(epoch uint64, now int64) *Run {
	r := g.run
	if r != nil && !r.Finalized && r.Epoch == epoch && now-r.StartedAt <= RunBudget {
		return r
	}

	g.lastRunID++
	g.run = &Run{
		ID:                 g.lastRunID,
		Epoch:              epoch,
		StartedAt:          now,
		TotalAssetsAtStart: int64(g.registry.Count()),
	}
	return g.run
}

// assetContribution computes -(cappedLongPnl + cappedShortPnl) for one
// asset at the given mark price. Each side's profit is capped at the
// aggregated LP-lock sum and its loss at the aggregated margin sum, so
// the reported liability never exceeds the collateral backing it.
func (g *Aggregator) assetContribution(a *asset.Asset, mark int64) int64 {
	e := g.exposure.Exposure(a.ID)

	var longPnl int64
	if e.LongLots > 0 {
		vwap := fixedpoint.ComputeVwap(e.LongValue, e.LongLots)
		longPnl = fixedpoint.ComputeSignedPnl(1, mark, vwap, e.LongLots, a.RatioNum, a.RatioDen)
		longPnl = clamp(longPnl, -e.MarginLong, e.LpLockLong)
	}

	var shortPnl int64
	if e.ShortLots > 0 {
		vwap := fixedpoint.ComputeVwap(e.ShortValue, e.ShortLots)
		shortPnl = fixedpoint.ComputeSignedPnl(-1, mark, vwap, e.ShortLots, a.RatioNum, a.RatioDen)
		shortPnl = clamp(shortPnl, -e.MarginShort, e.LpLockShort)
	}

	return -(longPnl + shortPnl)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Snapshot returns the run state and idempotence markers.
func (g *Aggregator) Snapshot() (run *Run, lastRunID uint64, processed map[asset.ID]uint64) {
	out := make(map[asset.ID]uint64, len(g.processed))
	for k, v := range g.processed {
		out[k] = v
	}
	if g.run == nil {
		return nil, g.lastRunID, out
	}
	r := *g.run
	return &r, g.lastRunID, out
}

// Restore overwrites aggregator state from a snapshot.
func (g *Aggregator) Restore(run *Run, lastRunID uint64, processed map[asset.ID]uint64) {
	g.lastRunID = lastRunID
	g.processed = make(map[asset.ID]uint64, len(processed))
	for k, v := range processed {
		g.processed[k] = v
	}
	if run == nil {
		g.run = nil
		return
	}
	r := *run
	g.run = &r
}
