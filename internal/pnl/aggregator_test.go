package pnl_test

import (
	"errors"
	"testing"

	"PerpVault/internal/asset"
	"PerpVault/internal/exposure"
	"PerpVault/internal/fault"
	"PerpVault/internal/oracle"
	"PerpVault/internal/pnl"
)

const testNow = int64(1_700_000_000)

// multiFeed returns whatever items the test loaded. Prices are 6-dec.
type multiFeed struct {
	items []oracle.PriceItem
}

func (f *multiFeed) Verify([]byte) (oracle.PriceSet, error) {
	return oracle.PriceSet{Items: f.items}, nil
}

func (f *multiFeed) set(pairID uint32, price, ts int64) {
	f.items = []oracle.PriceItem{{PairID: pairID, Price: price, Expo: -6, Timestamp: ts}}
}

func listTestAsset(t *testing.T, r *asset.Registry, id asset.ID) {
	t.Helper()
	err := r.List(asset.Asset{
		ID:                 id,
		Symbol:             "A",
		RatioNum:           1,
		RatioDen:           1,
		MaxLeverage:        100,
		CommissionRate:     10_000,
		SecurityMultiplier: 2_000_000,
		MaxPhysicalMove:    500_000,
	})
	if err != nil {
		t.Fatalf("list asset %d: %v", id, err)
	}
}

func newTestAggregator(t *testing.T, assetCount int) (*pnl.Aggregator, *exposure.Ledger, *multiFeed) {
	t.Helper()
	exp := exposure.NewLedger()
	registry := asset.NewRegistry(exp)
	feed := &multiFeed{}
	for i := 1; i <= assetCount; i++ {
		listTestAsset(t, registry, asset.ID(i))
	}
	return pnl.NewAggregator(registry, exp, feed), exp, feed
}

// openLong books 2 long lots @ 100 USD with margin 20 and lp-lock 40.
func openLong(t *testing.T, exp *exposure.Ledger, id asset.ID) {
	t.Helper()
	if err := exp.Update(id, 2, 100_000_000, true, true); err != nil {
		t.Fatalf("exposure update: %v", err)
	}
	if err := exp.AdjustLocks(id, true, 40_000_000, 20_000_000); err != nil {
		t.Fatalf("adjust locks: %v", err)
	}
}

func TestSubmitAccumulatesAcrossCalls(t *testing.T) {
	g, exp, feed := newTestAggregator(t, 2)
	openLong(t, exp, 1)

	// Asset 1 marked 10 USD above vwap: trader profit 20, vault -20
	feed.set(1, 110_000_000, testNow)
	if err := g.Submit(nil, 1, testNow); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	run, ok := g.CurrentRun()
	if !ok {
		t.Fatal("no current run")
	}
	if run.AssetsProcessed != 1 || run.Finalized {
		t.Errorf("after first submit: processed=%d finalized=%v", run.AssetsProcessed, run.Finalized)
	}
	if run.TotalPnl != -20_000_000 {
		t.Errorf("total pnl: got %d, want -20_000_000", run.TotalPnl)
	}

	// Asset 2 has no exposure: zero contribution, but completes the run
	feed.set(2, 50_000_000, testNow)
	if err := g.Submit(nil, 1, testNow+10); err != nil {
		t.Fatalf("second submit failed: %v", err)
	}

	run, _ = g.CurrentRun()
	if !run.Finalized || run.AssetsProcessed != 2 {
		t.Errorf("after second submit: processed=%d finalized=%v", run.AssetsProcessed, run.Finalized)
	}
	if run.TotalPnl != -20_000_000 {
		t.Errorf("final pnl: got %d, want -20_000_000", run.TotalPnl)
	}

	if _, ok := g.FinalizedFor(1); !ok {
		t.Error("FinalizedFor(1) should find the run")
	}
	if _, ok := g.FinalizedFor(2); ok {
		t.Error("FinalizedFor(2) should find nothing")
	}
}

func TestSubmitCountsAssetOncePerRun(t *testing.T) {
	g, exp, feed := newTestAggregator(t, 2)
	openLong(t, exp, 1)

	feed.set(1, 110_000_000, testNow)
	if err := g.Submit(nil, 1, testNow); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	// Same asset again, different price: idempotent within the run
	feed.set(1, 150_000_000, testNow)
	if err := g.Submit(nil, 1, testNow+5); err != nil {
		t.Fatalf("repeat submit failed: %v", err)
	}

	run, _ := g.CurrentRun()
	if run.AssetsProcessed != 1 {
		t.Errorf("processed: got %d, want 1", run.AssetsProcessed)
	}
	if run.TotalPnl != -20_000_000 {
		t.Errorf("pnl after repeat: got %d, want -20_000_000", run.TotalPnl)
	}
}

func TestStaleRunSuperseded(t *testing.T) {
	g, exp, feed := newTestAggregator(t, 2)
	openLong(t, exp, 1)

	feed.set(1, 110_000_000, testNow)
	if err := g.Submit(nil, 1, testNow); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	first, _ := g.CurrentRun()

	// Past the run budget: a fresh run starts and the asset counts again
	later := testNow + pnl.RunBudget + 1
	feed.set(1, 110_000_000, later)
	if err := g.Submit(nil, 1, later); err != nil {
		t.Fatalf("late submit failed: %v", err)
	}

	run, _ := g.CurrentRun()
	if run.ID == first.ID {
		t.Error("stale run should have been superseded")
	}
	if run.AssetsProcessed != 1 {
		t.Errorf("new run processed: got %d, want 1", run.AssetsProcessed)
	}
}

func TestEpochChangeStartsNewRun(t *testing.T) {
	g, exp, feed := newTestAggregator(t, 2)
	openLong(t, exp, 1)

	feed.set(1, 110_000_000, testNow)
	if err := g.Submit(nil, 1, testNow); err != nil {
		t.Fatalf("submit epoch 1 failed: %v", err)
	}
	first, _ := g.CurrentRun()

	if err := g.Submit(nil, 2, testNow+10); err != nil {
		t.Fatalf("submit epoch 2 failed: %v", err)
	}
	run, _ := g.CurrentRun()
	if run.ID == first.ID || run.Epoch != 2 {
		t.Errorf("epoch switch: id=%d epoch=%d", run.ID, run.Epoch)
	}
}

func TestProfitCappedAtLpLock(t *testing.T) {
	g, exp, feed := newTestAggregator(t, 1)
	openLong(t, exp, 1)

	// Raw trader profit would be 200 USD; lp-lock sum is 40
	feed.set(1, 200_000_000, testNow)
	if err := g.Submit(nil, 1, testNow); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	run, _ := g.CurrentRun()
	if run.TotalPnl != -40_000_000 {
		t.Errorf("capped pnl: got %d, want -40_000_000", run.TotalPnl)
	}
	if !run.Finalized {
		t.Error("single-asset run should be finalized")
	}
}

func TestLossCappedAtMargin(t *testing.T) {
	g, exp, feed := newTestAggregator(t, 1)
	openLong(t, exp, 1)

	// Raw trader loss would be 120 USD; margin sum is 20
	feed.set(1, 40_000_000, testNow)
	if err := g.Submit(nil, 1, testNow); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	run, _ := g.CurrentRun()
	if run.TotalPnl != 20_000_000 {
		t.Errorf("capped pnl: got %d, want 20_000_000", run.TotalPnl)
	}
}

func TestSubmitRejectsUnlistedPair(t *testing.T) {
	g, _, feed := newTestAggregator(t, 1)

	feed.set(9, 100_000_000, testNow)
	if err := g.Submit(nil, 1, testNow); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("unlisted pair: got %v, want ErrValidation", err)
	}
}

func TestSubmitRejectsStaleItem(t *testing.T) {
	g, _, feed := newTestAggregator(t, 1)

	feed.set(1, 100_000_000, testNow-61)
	if err := g.Submit(nil, 1, testNow); !errors.Is(err, fault.ErrStale) {
		t.Errorf("stale item: got %v, want ErrStale", err)
	}
}

func TestRejectedSubmitLeavesRunUntouched(t *testing.T) {
	g, exp, feed := newTestAggregator(t, 2)
	openLong(t, exp, 1)

	// One fresh item and one stale item in the same proof: the whole
	// submission aborts before any folding
	feed.items = []oracle.PriceItem{
		{PairID: 1, Price: 110_000_000, Expo: -6, Timestamp: testNow},
		{PairID: 2, Price: 50_000_000, Expo: -6, Timestamp: testNow - 61},
	}
	if err := g.Submit(nil, 1, testNow); !errors.Is(err, fault.ErrStale) {
		t.Fatalf("mixed submit: got %v, want ErrStale", err)
	}
	if run, ok := g.CurrentRun(); ok {
		t.Errorf("rejected submit started a run: processed=%d pnl=%d",
			run.AssetsProcessed, run.TotalPnl)
	}

	// Same for an unlisted pair behind a valid item
	feed.items = []oracle.PriceItem{
		{PairID: 1, Price: 110_000_000, Expo: -6, Timestamp: testNow},
		{PairID: 9, Price: 50_000_000, Expo: -6, Timestamp: testNow},
	}
	if err := g.Submit(nil, 1, testNow); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("unlisted submit: got %v, want ErrValidation", err)
	}
	if _, ok := g.CurrentRun(); ok {
		t.Error("rejected submit started a run")
	}

	// An established run survives a later rejected submission unchanged
	feed.set(1, 110_000_000, testNow)
	if err := g.Submit(nil, 1, testNow); err != nil {
		t.Fatalf("good submit failed: %v", err)
	}
	feed.set(2, 50_000_000, testNow-61)
	if err := g.Submit(nil, 1, testNow+5); !errors.Is(err, fault.ErrStale) {
		t.Fatalf("stale follow-up: got %v, want ErrStale", err)
	}
	run, _ := g.CurrentRun()
	if run.AssetsProcessed != 1 || run.TotalPnl != -20_000_000 {
		t.Errorf("run after rejection: processed=%d pnl=%d", run.AssetsProcessed, run.TotalPnl)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	g, exp, feed := newTestAggregator(t, 2)
	openLong(t, exp, 1)

	feed.set(1, 110_000_000, testNow)
	if err := g.Submit(nil, 1, testNow); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	run, lastID, processed := g.Snapshot()

	g2, exp2, feed2 := newTestAggregator(t, 2)
	openLong(t, exp2, 1)
	g2.Restore(run, lastID, processed)

	// The restored run resumes where the original left off: asset 1 is
	// already counted, asset 2 finalizes it.
	feed2.set(1, 150_000_000, testNow+5)
	if err := g2.Submit(nil, 1, testNow+5); err != nil {
		t.Fatalf("resumed submit failed: %v", err)
	}
	r, _ := g2.CurrentRun()
	if r.AssetsProcessed != 1 || r.TotalPnl != -20_000_000 {
		t.Errorf("resume idempotence: processed=%d pnl=%d", r.AssetsProcessed, r.TotalPnl)
	}

	feed2.set(2, 50_000_000, testNow+6)
	if err := g2.Submit(nil, 1, testNow+6); err != nil {
		t.Fatalf("finalizing submit failed: %v", err)
	}
	r, _ = g2.CurrentRun()
	if !r.Finalized {
		t.Error("restored run should finalize")
	}
}
