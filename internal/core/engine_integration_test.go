package core_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"PerpVault/internal/command"
	"PerpVault/internal/core"
	"PerpVault/internal/fault"
	"PerpVault/internal/oracle"
	"PerpVault/internal/trade"
)

const testNow = int64(1_700_000_000)

// Deterministic identities so state hashes are reproducible across runs.
var (
	adminID    = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	traderID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	providerID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	relayerID  = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

func ref(n byte) uuid.UUID {
	var u uuid.UUID
	u[15] = n
	u[0] = 0xfe
	return u
}

// testFeed is a mutable single-pair verifier; prices are 6-dec (Expo -6).
type testFeed struct {
	price int64
	ts    int64
}

func (f *testFeed) Verify([]byte) (oracle.PriceSet, error) {
	return oracle.PriceSet{Items: []oracle.PriceItem{
		{PairID: 1, Price: f.price, Expo: -6, Timestamp: f.ts},
	}}, nil
}

func newTestCore() (*core.Core, *testFeed, chan core.Output, chan core.Output) {
	persistChan := make(chan core.Output, 1024)
	publishChan := make(chan core.Output, 1024)
	feed := &testFeed{price: 100_000_000, ts: testNow}
	c := core.NewCore(core.Params{
		Admin:         adminID,
		AdminFeeShare: 500_000,
		EpochDuration: 3600,
		GenesisTime:   testNow,
		Verifier:      feed,
		PersistChan:   persistChan,
		PublishChan:   publishChan,
	})
	return c, feed, persistChan, publishChan
}

func listAssetCmd(caller uuid.UUID, r uuid.UUID) *command.ListAsset {
	return &command.ListAsset{
		Ref:    r,
		Caller: caller,
		Now:    testNow,
		Params: command.AssetParams{
			ID:                 1,
			Symbol:             "BTC",
			RatioNum:           1,
			RatioDen:           1,
			MaxLeverage:        100,
			SpreadRate:         0,
			CommissionRate:     10_000,
			BaseFundingRate:    500,
			WeekendFundingRate: 2_000,
			SecurityMultiplier: 2_000_000,
			MaxPhysicalMove:    500_000,
		},
	}
}

func drainOutputs(ch chan core.Output) []core.Output {
	var outputs []core.Output
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func mustApply(t *testing.T, c *core.Core, cmd command.Command) {
	t.Helper()
	if err := c.Apply(cmd); err != nil {
		t.Fatalf("apply %s: %v", cmd.CommandType(), err)
	}
}

// bootstrapVault lists the asset and integrates one LP deposit so market
// opens have capital to lock. Consumes timestamps up to testNow+3600.
func bootstrapVault(t *testing.T, c *core.Core, feed *testFeed, lpAmount int64) {
	t.Helper()
	mustApply(t, c, listAssetCmd(adminID, ref(1)))
	mustApply(t, c, &command.Deposit{Ref: ref(2), Caller: providerID, Amount: lpAmount, Now: testNow})
	mustApply(t, c, &command.LpDeposit{Ref: ref(3), Caller: providerID, Amount: lpAmount, Now: testNow})

	// Flat book: the run finalizes with zero PnL, pricing bootstrap shares
	// at par.
	feed.ts = testNow + 3600
	mustApply(t, c, &command.SubmitPnl{Ref: ref(4), Epoch: 1, Proof: []byte("{}"), Now: testNow + 3600})
	mustApply(t, c, &command.RollEpoch{Ref: ref(5), Now: testNow + 3600})
	mustApply(t, c, &command.IntegrateDeposits{Ref: ref(6), MaxSteps: 100, Now: testNow + 3600})
}

func TestApplyEmitsEnvelope(t *testing.T) {
	c, _, persistCh, publishCh := newTestCore()

	cmd := &command.Deposit{Ref: ref(1), Caller: traderID, Amount: 1_000_000, Now: testNow}
	mustApply(t, c, cmd)

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 persist output, got %d", len(outputs))
	}
	env := outputs[0].Envelope
	if env.Sequence != 0 {
		t.Errorf("sequence: got %d, want 0", env.Sequence)
	}
	if env.CommandType != command.TypeDeposit {
		t.Errorf("command type: got %v, want Deposit", env.CommandType)
	}
	if env.IdempotencyKey != cmd.IdempotencyKey() {
		t.Errorf("idempotency key: got %s, want %s", env.IdempotencyKey, cmd.IdempotencyKey())
	}
	if env.StateHash == ([32]byte{}) {
		t.Error("state hash should not be zero")
	}
	if len(env.Payload) == 0 {
		t.Error("payload should carry the serialized command")
	}

	published := drainOutputs(publishCh)
	if len(published) != 1 {
		t.Errorf("expected 1 publish output, got %d", len(published))
	}

	if got := c.Vault().Account(traderID).Free; got != 1_000_000 {
		t.Errorf("free balance: got %d, want 1_000_000", got)
	}
}

func TestDuplicateCommandIgnored(t *testing.T) {
	c, _, persistCh, _ := newTestCore()

	cmd := &command.Deposit{Ref: ref(1), Caller: traderID, Amount: 1_000_000, Now: testNow}
	mustApply(t, c, cmd)
	drainOutputs(persistCh)

	// Same ref: silently deduplicated, no state change, no emission
	mustApply(t, c, cmd)
	if got := drainOutputs(persistCh); len(got) != 0 {
		t.Errorf("duplicate emitted %d outputs", len(got))
	}
	if got := c.Vault().Account(traderID).Free; got != 1_000_000 {
		t.Errorf("balance after duplicate: got %d, want 1_000_000", got)
	}
	if c.GetSequence() != 1 {
		t.Errorf("sequence after duplicate: got %d, want 1", c.GetSequence())
	}
}

func TestAdminCommandsRequireAdmin(t *testing.T) {
	c, _, _, _ := newTestCore()

	err := c.Apply(listAssetCmd(traderID, ref(1)))
	if !errors.Is(err, fault.ErrValidation) {
		t.Errorf("non-admin list: got %v, want ErrValidation", err)
	}
	if c.GetSequence() != 0 {
		t.Errorf("rejected command advanced the sequence to %d", c.GetSequence())
	}
}

func TestDispatchErrorTaxonomy(t *testing.T) {
	c, _, _, _ := newTestCore()

	// Withdrawing from an empty account is a solvency failure
	err := c.Apply(&command.Withdraw{Ref: ref(1), Caller: traderID, Amount: 500, Now: testNow})
	if !errors.Is(err, fault.ErrSolvency) {
		t.Errorf("overdraw: got %v, want ErrSolvency", err)
	}
}

func TestFullTradeLifecycle(t *testing.T) {
	c, feed, persistCh, _ := newTestCore()
	bootstrapVault(t, c, feed, 1_000_000_000)
	drainOutputs(persistCh)

	now := testNow + 3700
	feed.ts = now
	mustApply(t, c, &command.Deposit{Ref: ref(10), Caller: traderID, Amount: 30_000_000, Now: now})
	mustApply(t, c, &command.OpenMarketPosition{
		Ref: ref(11), Caller: traderID, Asset: 1, IsLong: true,
		Leverage: 10, Lots: 2, Proof: []byte("{}"), Now: now,
	})

	// 2 lots @ 100 USD, 10x: margin 20, commission 2, lp-lock 40
	acct := c.Vault().Account(traderID)
	if acct.Free != 8_000_000 || acct.Locked != 20_000_000 {
		t.Errorf("after open: free=%d locked=%d", acct.Free, acct.Locked)
	}
	if got := c.Vault().Capital().LpLocked; got != 40_000_000 {
		t.Errorf("lp locked: got %d, want 40_000_000", got)
	}

	trades := c.Trades().TradesByTrader(traderID)
	if len(trades) != 1 || trades[0].State != trade.StatePosition {
		t.Fatalf("trade book: %+v", trades)
	}
	tradeID := uint64(trades[0].ID)

	// Close 10 USD up: profit 20
	feed.price = 110_000_000
	mustApply(t, c, &command.CloseMarket{
		Ref: ref(12), Caller: traderID, TradeID: tradeID, Proof: []byte("{}"), Now: now,
	})

	acct = c.Vault().Account(traderID)
	if acct.Free != 48_000_000 || acct.Locked != 0 {
		t.Errorf("after close: free=%d locked=%d", acct.Free, acct.Locked)
	}
	closed, err := c.Trades().Get(trade.ID(tradeID))
	if err != nil {
		t.Fatalf("get closed trade: %v", err)
	}
	if closed.RealizedPnl != 20_000_000 || closed.CloseReason != trade.CloseReasonMarket {
		t.Errorf("close record: pnl=%d reason=%s", closed.RealizedPnl, closed.CloseReason)
	}

	mustApply(t, c, &command.Withdraw{Ref: ref(13), Caller: traderID, Amount: 48_000_000, Now: now})
	if got := c.Vault().Account(traderID).Free; got != 0 {
		t.Errorf("after withdraw: free=%d, want 0", got)
	}
}

func TestSetRelayerAuthorizesClose(t *testing.T) {
	c, feed, _, _ := newTestCore()
	bootstrapVault(t, c, feed, 1_000_000_000)

	now := testNow + 3700
	feed.ts = now
	mustApply(t, c, &command.Deposit{Ref: ref(10), Caller: traderID, Amount: 30_000_000, Now: now})
	mustApply(t, c, &command.OpenMarketPosition{
		Ref: ref(11), Caller: traderID, Asset: 1, IsLong: true,
		Leverage: 10, Lots: 2, Proof: []byte("{}"), Now: now,
	})
	tradeID := uint64(c.Trades().TradesByTrader(traderID)[0].ID)

	// A stranger may not close the position
	stranger := uuid.MustParse("00000000-0000-0000-0000-0000000000ff")
	err := c.Apply(&command.CloseMarket{
		Ref: ref(12), Caller: stranger, TradeID: tradeID, Proof: []byte("{}"), Now: now,
	})
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("stranger close: got %v, want ErrValidation", err)
	}

	mustApply(t, c, &command.SetRelayer{Ref: ref(13), Caller: adminID, Relayer: relayerID, Now: now})
	if c.Relayer() != relayerID {
		t.Fatalf("relayer not set")
	}
	mustApply(t, c, &command.CloseMarket{
		Ref: ref(14), Caller: relayerID, TradeID: tradeID, Proof: []byte("{}"), Now: now,
	})
}

func TestHashChainLinksEnvelopes(t *testing.T) {
	c, _, persistCh, _ := newTestCore()

	mustApply(t, c, &command.Deposit{Ref: ref(1), Caller: traderID, Amount: 100, Now: testNow})
	mustApply(t, c, &command.Deposit{Ref: ref(2), Caller: traderID, Amount: 200, Now: testNow})
	mustApply(t, c, &command.Deposit{Ref: ref(3), Caller: traderID, Amount: 300, Now: testNow})

	outputs := drainOutputs(persistCh)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: sequence %d", i, o.Envelope.Sequence)
		}
		if i > 0 && !bytes.Equal(o.Envelope.PrevHash[:], outputs[i-1].Envelope.StateHash[:]) {
			t.Errorf("output %d: prev hash does not chain", i)
		}
	}
	if tip := c.GetStateHash(); !bytes.Equal(tip[:], outputs[2].Envelope.StateHash[:]) {
		t.Error("chain tip does not match last envelope")
	}
}

func TestStateHashDeterministic(t *testing.T) {
	runOnce := func() [32]byte {
		c, feed, persistCh, _ := newTestCore()
		bootstrapVault(t, c, feed, 1_000_000_000)
		now := testNow + 3700
		feed.ts = now
		mustApply(t, c, &command.Deposit{Ref: ref(10), Caller: traderID, Amount: 30_000_000, Now: now})
		mustApply(t, c, &command.OpenMarketPosition{
			Ref: ref(11), Caller: traderID, Asset: 1, IsLong: true,
			Leverage: 10, Lots: 2, Proof: []byte("{}"), Now: now,
		})
		drainOutputs(persistCh)
		return c.GetStateHash()
	}

	h1 := runOnce()
	h2 := runOnce()
	if h1 != h2 {
		t.Errorf("hashes differ: %x vs %x", h1, h2)
	}
}

func TestReplayModeSkipsEmission(t *testing.T) {
	c, _, persistCh, publishCh := newTestCore()

	c.SetReplaying(true)
	cmd := &command.Deposit{Ref: ref(1), Caller: traderID, Amount: 1_000_000, Now: testNow}
	mustApply(t, c, cmd)

	if got := drainOutputs(persistCh); len(got) != 0 {
		t.Errorf("replay emitted %d persist outputs", len(got))
	}
	if got := drainOutputs(publishCh); len(got) != 0 {
		t.Errorf("replay emitted %d publish outputs", len(got))
	}
	if c.GetSequence() != 1 {
		t.Errorf("sequence after replay: got %d, want 1", c.GetSequence())
	}
	if got := c.Vault().Account(traderID).Free; got != 1_000_000 {
		t.Errorf("state after replay: free=%d", got)
	}

	// Back live: the replayed command is in the LRU, a redelivery is a no-op
	c.SetReplaying(false)
	mustApply(t, c, cmd)
	if got := drainOutputs(persistCh); len(got) != 0 {
		t.Errorf("redelivery after replay emitted %d outputs", len(got))
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c, feed, persistCh, _ := newTestCore()
	bootstrapVault(t, c, feed, 1_000_000_000)
	now := testNow + 3700
	feed.ts = now
	mustApply(t, c, &command.Deposit{Ref: ref(10), Caller: traderID, Amount: 30_000_000, Now: now})
	mustApply(t, c, &command.OpenMarketPosition{
		Ref: ref(11), Caller: traderID, Asset: 1, IsLong: true,
		Leverage: 10, Lots: 2, Proof: []byte("{}"), Now: now,
	})
	drainOutputs(persistCh)

	snap := c.CreateSnapshotState()
	if snap.Sequence != c.GetSequence()-1 {
		t.Errorf("snapshot sequence: got %d, want %d", snap.Sequence, c.GetSequence()-1)
	}

	c2, feed2, _, _ := newTestCore()
	c2.RestoreFromSnapshot(snap)
	c2.WarmLRU(snap.IdempotencyKeys)

	if c2.GetSequence() != c.GetSequence() {
		t.Errorf("restored sequence: got %d, want %d", c2.GetSequence(), c.GetSequence())
	}
	if c2.GetStateHash() != c.GetStateHash() {
		t.Error("restored chain tip differs")
	}
	if got := c2.Vault().Account(traderID).Locked; got != 20_000_000 {
		t.Errorf("restored locked: got %d, want 20_000_000", got)
	}
	if got := c2.Epochs().TotalShares(); got != 1_000_000_000 {
		t.Errorf("restored shares: got %d", got)
	}

	// Warmed LRU: a replayed duplicate is dropped without a DB tier
	mustApply(t, c2, &command.Deposit{Ref: ref(10), Caller: traderID, Amount: 30_000_000, Now: now})
	if got := c2.Vault().Account(traderID).Free; got != 8_000_000 {
		t.Errorf("balance after warmed dedup: got %d, want 8_000_000", got)
	}

	// The restored core keeps processing where the original stopped
	feed2.price = 110_000_000
	feed2.ts = now
	tradeID := uint64(c2.Trades().TradesByTrader(traderID)[0].ID)
	mustApply(t, c2, &command.CloseMarket{
		Ref: ref(12), Caller: traderID, TradeID: tradeID, Proof: []byte("{}"), Now: now,
	})
	if got := c2.Vault().Account(traderID).Free; got != 48_000_000 {
		t.Errorf("free after restored close: got %d, want 48_000_000", got)
	}
}

func TestFundingAccrualCommand(t *testing.T) {
	c, feed, _, _ := newTestCore()
	bootstrapVault(t, c, feed, 1_000_000_000)

	now := testNow + 3700
	mustApply(t, c, &command.UpdateFundingRate{Ref: ref(10), Asset: 1, Now: now})

	// Second accrual inside the hour is stale
	err := c.Apply(&command.UpdateFundingRate{Ref: ref(11), Asset: 1, Now: now + 100})
	if !errors.Is(err, fault.ErrStale) {
		t.Errorf("early accrual: got %v, want ErrStale", err)
	}
	mustApply(t, c, &command.UpdateFundingRate{Ref: ref(12), Asset: 1, Now: now + 3600})
}
