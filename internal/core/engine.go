package core

import (
	"PerpVault/internal/asset"
	"PerpVault/internal/command"
	"PerpVault/internal/epoch"
	"PerpVault/internal/exposure"
	"PerpVault/internal/fault"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/pnl"
	"PerpVault/internal/trade"
	"PerpVault/internal/vault"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Core is the single-threaded command processor. All domain state lives
// behind it; nothing outside this goroutine mutates the ledgers.
type Core struct {
	sequence    int64
	hasher      *StateHasher
	registry    *asset.Registry
	exposure    *exposure.Ledger
	vault       *vault.Ledger
	trades      *trade.Engine
	aggregator  *pnl.Aggregator
	epochs      *epoch.Engine
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics

	admin   uuid.UUID
	relayer uuid.UUID

	persistChan chan<- Output
	publishChan chan<- Output

	// Replay mode: journal rows are already persisted, so dedup runs
	// LRU-only and nothing is re-emitted.
	replaying bool
}

// Output is what the core emits per applied command.
type Output struct {
	Envelope *command.Envelope
}

// Params bundles construction inputs for the core.
type Params struct {
	StartSequence int64
	Admin         uuid.UUID
	Relayer       uuid.UUID
	AdminFeeShare int64
	EpochDuration int64
	GenesisTime   int64
	LRUCapacity   int
	Verifier      oracle.Verifier
	Transferor    vault.Transferor
	DBChecker     DBIdempotencyChecker
	Metrics       *observability.Metrics
	PersistChan   chan<- Output
	PublishChan   chan<- Output
}

func NewCore(p Params) *Core {
	exp := exposure.NewLedger()
	registry := asset.NewRegistry(exp)

	transferor := p.Transferor
	if transferor == nil {
		transferor = vault.NopTransferor{}
	}
	vlt := vault.NewLedger(p.AdminFeeShare, transferor)

	lruCapacity := p.LRUCapacity
	if lruCapacity <= 0 {
		lruCapacity = 1_000_000
	}

	trades := trade.NewEngine(registry, exp, vlt, p.Verifier)
	aggregator := pnl.NewAggregator(registry, exp, p.Verifier)
	epochs := epoch.NewEngine(vlt, p.EpochDuration, p.GenesisTime)

	// LP free capital can only be locked while withdrawal escrow is covered.
	if err := vlt.BindReserveProvider(epochs); err != nil {
		panic(fmt.Sprintf("FATAL: reserve provider binding: %v", err))
	}

	c := &Core{
		sequence:    p.StartSequence,
		hasher:      NewStateHasher(),
		registry:    registry,
		exposure:    exp,
		vault:       vlt,
		trades:      trades,
		aggregator:  aggregator,
		epochs:      epochs,
		idempotency: NewIdempotencyChecker(lruCapacity, p.DBChecker),
		metrics:     p.Metrics,
		admin:       p.Admin,
		relayer:     p.Relayer,
		persistChan: p.PersistChan,
		publishChan: p.PublishChan,
	}
	trades.BindAuthorizer(c)
	return c
}

// SetReplaying toggles replay mode. Only call before the service goes
// live, from the goroutine that owns the core.
func (c *Core) SetReplaying(replaying bool) {
	c.replaying = replaying
}

// CanActFor implements trade.Authorizer: a trade may be acted on by its
// owner or by the bound relayer.
func (c *Core) CanActFor(caller, owner uuid.UUID) bool {
	return caller == owner || (c.relayer != uuid.Nil && caller == c.relayer)
}

// Apply is the main processing pipeline
func (c *Core) Apply(cmd command.Command) error {
	start := time.Now()
	commandType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()

	// Step 1: Idempotency check (two-tier; LRU-only during replay since
	// the journal itself is the Postgres tier)
	var duplicate bool
	dupTier := "lru"
	if c.replaying {
		duplicate = c.idempotency.IsDuplicateLRU(commandType, idempotencyKey)
	} else if c.idempotency.IsDuplicateLRU(commandType, idempotencyKey) {
		duplicate = true
	} else {
		duplicate = c.idempotency.IsDuplicate(commandType, idempotencyKey)
		dupTier = "postgres"
	}
	if duplicate {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "duplicate").Inc()
			c.metrics.IdempotencyDuplicates.WithLabelValues(commandType, dupTier).Inc()
		}
		return nil
	}

	// Step 2: Dispatch. Handlers are atomic: they either complete or
	// leave all ledgers untouched.
	if err := c.dispatch(cmd); err != nil {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, rejectReason(err)).Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 3: State digest and hash chain
	stateDigest := c.computeStateDigest()
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	payload, err := json.Marshal(cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: command payload not serializable: %v", err))
	}

	envelope := &command.Envelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		CommandType:    cmd.CommandType(),
		Timestamp:      cmd.At(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := Output{Envelope: envelope}
	c.sequence++

	// Step 4: Emit. Skipped during replay: the journal already holds
	// these rows and downstream consumers saw them the first time.
	if !c.replaying {
		// Persistence: blocking send. The core stalls until the persistence
		// worker drains, so no applied command is lost.
		c.persistChan <- output

		// Publish: non-blocking send, drop on full. Subscribers can rebuild
		// from the command journal if they fall behind.
		select {
		case c.publishChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PublishDrops.Inc()
			}
		}
	}

	// Step 5: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(commandType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
		c.metrics.DedupLRUEvictions.Set(float64(c.idempotency.lru.Evictions()))
	}

	return nil
}

// rejectReason maps the error taxonomy onto a metric label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, fault.ErrValidation):
		return "validation"
	case errors.Is(err, fault.ErrState):
		return "state"
	case errors.Is(err, fault.ErrStale):
		return "stale"
	case errors.Is(err, fault.ErrSolvency):
		return "solvency"
	default:
		return "error"
	}
}

func (c *Core) dispatch(cmd command.Command) error {
	switch m := cmd.(type) {
	case *command.OpenLimitOrder:
		return c.handleOpenLimitOrder(m)
	case *command.OpenMarketPosition:
		return c.handleOpenMarketPosition(m)
	case *command.ExecuteOrder:
		return c.handleExecuteOrder(m)
	case *command.CancelOrder:
		return c.handleCancelOrder(m)
	case *command.CloseMarket:
		return c.handleCloseMarket(m)
	case *command.CloseStopTakeProfit:
		return c.handleCloseStopTakeProfit(m)
	case *command.LiquidatePosition:
		return c.handleLiquidatePosition(m)
	case *command.UpdateStops:
		return c.handleUpdateStops(m)
	case *command.Deposit:
		return c.vault.Deposit(m.Caller, m.Amount)
	case *command.Withdraw:
		return c.vault.Withdraw(m.Caller, m.Amount)
	case *command.UpdateFundingRate:
		return c.handleUpdateFundingRate(m)
	case *command.SubmitPnl:
		return c.handleSubmitPnl(m)
	case *command.LpDeposit:
		_, err := c.epochs.RequestDeposit(m.Caller, m.Amount)
		return err
	case *command.LpWithdraw:
		_, err := c.epochs.RequestWithdrawal(m.Caller, m.Shares)
		return err
	case *command.ClaimWithdrawal:
		return c.handleClaimWithdrawal(m)
	case *command.RollEpoch:
		return c.handleRollEpoch(m)
	case *command.IntegrateDeposits:
		return c.handleIntegrateDeposits(m)
	case *command.FundWithdrawals:
		return c.handleFundWithdrawals(m)
	case *command.ListAsset:
		return c.handleListAsset(m)
	case *command.DelistAsset:
		return c.handleDelistAsset(m)
	case *command.UpdateLotRatio:
		return c.handleUpdateLotRatio(m)
	case *command.UpdateFundingSpread:
		return c.handleUpdateFundingSpread(m)
	case *command.UpdateRiskParams:
		return c.handleUpdateRiskParams(m)
	case *command.SetRelayer:
		return c.handleSetRelayer(m)
	case *command.WithdrawFees:
		return c.handleWithdrawFees(m)
	default:
		return fmt.Errorf("unknown command type %T: %w", cmd, fault.ErrValidation)
	}
}

// --- trading handlers ---

func sideLabel(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}

func assetLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

func (c *Core) handleOpenLimitOrder(m *command.OpenLimitOrder) error {
	_, err := c.trades.OpenLimitOrder(m.Caller, asset.ID(m.Asset), m.IsLong,
		m.Leverage, m.Lots, m.TargetPrice, m.StopLoss, m.TakeProfit, m.Now)
	return err
}

func (c *Core) handleOpenMarketPosition(m *command.OpenMarketPosition) error {
	id, err := c.trades.OpenMarketPosition(m.Caller, asset.ID(m.Asset), m.IsLong,
		m.Leverage, m.Lots, m.StopLoss, m.TakeProfit, m.Proof, m.Now)
	if err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.TradesOpened.WithLabelValues(assetLabel(m.Asset), sideLabel(m.IsLong)).Inc()
		if t, err := c.trades.Get(id); err == nil {
			c.metrics.CommissionTotal.Add(float64(t.Commission))
		}
	}
	return nil
}

func (c *Core) handleExecuteOrder(m *command.ExecuteOrder) error {
	if err := c.trades.ExecuteOrder(trade.ID(m.TradeID), m.Proof, m.Now); err != nil {
		return err
	}
	if c.metrics != nil {
		if t, err := c.trades.Get(trade.ID(m.TradeID)); err == nil {
			c.metrics.TradesOpened.WithLabelValues(assetLabel(uint32(t.Asset)), sideLabel(t.IsLong)).Inc()
			c.metrics.CommissionTotal.Add(float64(t.Commission))
		}
	}
	return nil
}

func (c *Core) handleCancelOrder(m *command.CancelOrder) error {
	if err := c.trades.CancelOrder(m.Caller, trade.ID(m.TradeID)); err != nil {
		return err
	}
	if c.metrics != nil {
		if t, err := c.trades.Get(trade.ID(m.TradeID)); err == nil {
			c.metrics.OrdersCancelled.WithLabelValues(assetLabel(uint32(t.Asset))).Inc()
		}
	}
	return nil
}

func (c *Core) recordClose(id trade.ID) {
	if c.metrics == nil {
		return
	}
	if t, err := c.trades.Get(id); err == nil {
		c.metrics.TradesClosed.WithLabelValues(
			assetLabel(uint32(t.Asset)), t.CloseReason.String()).Inc()
	}
}

func (c *Core) handleCloseMarket(m *command.CloseMarket) error {
	if err := c.trades.CloseMarket(m.Caller, trade.ID(m.TradeID), m.Proof, m.Now); err != nil {
		return err
	}
	c.recordClose(trade.ID(m.TradeID))
	return nil
}

func (c *Core) handleCloseStopTakeProfit(m *command.CloseStopTakeProfit) error {
	if err := c.trades.CloseOnStopOrTakeProfit(trade.ID(m.TradeID), m.Proof, m.Now); err != nil {
		return err
	}
	c.recordClose(trade.ID(m.TradeID))
	return nil
}

func (c *Core) handleLiquidatePosition(m *command.LiquidatePosition) error {
	if err := c.trades.LiquidatePosition(trade.ID(m.TradeID), m.Proof, m.Now); err != nil {
		return err
	}
	c.recordClose(trade.ID(m.TradeID))
	return nil
}

func (c *Core) handleUpdateStops(m *command.UpdateStops) error {
	id := trade.ID(m.TradeID)
	switch {
	case m.SetStopLoss && m.SetTakeProfit:
		return c.trades.UpdateStopLossTakeProfit(m.Caller, id, m.StopLoss, m.TakeProfit)
	case m.SetStopLoss:
		return c.trades.UpdateStopLoss(m.Caller, id, m.StopLoss)
	case m.SetTakeProfit:
		return c.trades.UpdateTakeProfit(m.Caller, id, m.TakeProfit)
	default:
		return fmt.Errorf("no protection level selected: %w", fault.ErrValidation)
	}
}

func (c *Core) handleUpdateFundingRate(m *command.UpdateFundingRate) error {
	a, err := c.registry.Get(asset.ID(m.Asset))
	if err != nil {
		return err
	}
	if err := c.exposure.UpdateFundingRate(a, m.Now); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.FundingAccruals.WithLabelValues(assetLabel(m.Asset)).Inc()
	}
	return nil
}

// --- vault / epoch handlers ---

func (c *Core) handleSubmitPnl(m *command.SubmitPnl) error {
	before, hadRun := c.aggregator.CurrentRun()
	if err := c.aggregator.Submit(m.Proof, m.Epoch, m.Now); err != nil {
		return err
	}
	if c.metrics != nil {
		after, ok := c.aggregator.CurrentRun()
		if ok {
			if !hadRun || after.ID != before.ID {
				c.metrics.PnlRunsStarted.Inc()
				if hadRun && !before.Finalized {
					c.metrics.PnlRunsSuperseded.Inc()
				}
			}
			delta := after.AssetsProcessed
			if hadRun && after.ID == before.ID {
				delta -= before.AssetsProcessed
			}
			c.metrics.PnlAssetsPriced.Add(float64(delta))
			if after.Finalized {
				c.metrics.PnlRunsFinalized.Inc()
			}
		}
	}
	return nil
}

func (c *Core) handleClaimWithdrawal(m *command.ClaimWithdrawal) error {
	if _, err := c.epochs.ClaimWithdrawal(m.Caller, m.WithdrawalID); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.WithdrawalsClaimed.Inc()
	}
	return nil
}

func (c *Core) handleRollEpoch(m *command.RollEpoch) error {
	current, _ := c.epochs.CurrentEpoch()
	run, ok := c.aggregator.FinalizedFor(current)
	if !ok {
		return fmt.Errorf("no finalized pnl run for epoch %d: %w", current, fault.ErrStale)
	}
	if err := c.epochs.RollEpoch(run, m.Now); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.EpochsRolled.Inc()
		c.metrics.EscrowOutstanding.Set(float64(c.epochs.RequiredReserve()))
		if rec, ok := c.epochs.EpochRecord(current); ok {
			c.metrics.SharePrice.Set(float64(rec.SharePrice))
		}
	}
	return nil
}

func (c *Core) handleIntegrateDeposits(m *command.IntegrateDeposits) error {
	n, err := c.epochs.IntegrateDeposits(m.MaxSteps)
	if err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.DepositsIntegrated.Add(float64(n))
	}
	return nil
}

func (c *Core) handleFundWithdrawals(m *command.FundWithdrawals) error {
	funded, err := c.epochs.FundNextWithdrawalEpochs(m.MaxSteps)
	if err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.WithdrawalsFunded.Add(float64(funded))
		c.metrics.EscrowOutstanding.Set(float64(c.epochs.RequiredReserve()))
	}
	return nil
}

// --- admin handlers ---

func (c *Core) requireAdmin(caller uuid.UUID) error {
	if caller != c.admin {
		return fmt.Errorf("caller %s is not the administrator: %w", caller, fault.ErrValidation)
	}
	return nil
}

func (c *Core) handleListAsset(m *command.ListAsset) error {
	if err := c.requireAdmin(m.Caller); err != nil {
		return err
	}
	p := m.Params
	return c.registry.List(asset.Asset{
		ID:                 asset.ID(p.ID),
		Symbol:             p.Symbol,
		RatioNum:           p.RatioNum,
		RatioDen:           p.RatioDen,
		MaxLeverage:        p.MaxLeverage,
		SpreadRate:         p.SpreadRate,
		CommissionRate:     p.CommissionRate,
		BaseFundingRate:    p.BaseFundingRate,
		WeekendFundingRate: p.WeekendFundingRate,
		SecurityMultiplier: p.SecurityMultiplier,
		MaxPhysicalMove:    p.MaxPhysicalMove,
		Listed:             true,
	})
}

func (c *Core) handleDelistAsset(m *command.DelistAsset) error {
	if err := c.requireAdmin(m.Caller); err != nil {
		return err
	}
	return c.registry.Delist(asset.ID(m.Asset))
}

func (c *Core) handleUpdateLotRatio(m *command.UpdateLotRatio) error {
	if err := c.requireAdmin(m.Caller); err != nil {
		return err
	}
	return c.registry.UpdateLotRatio(asset.ID(m.Asset), m.RatioNum, m.RatioDen)
}

func (c *Core) handleUpdateFundingSpread(m *command.UpdateFundingSpread) error {
	if err := c.requireAdmin(m.Caller); err != nil {
		return err
	}
	return c.registry.UpdateFundingAndSpread(asset.ID(m.Asset),
		m.SpreadRate, m.BaseFundingRate, m.WeekendFundingRate)
}

func (c *Core) handleUpdateRiskParams(m *command.UpdateRiskParams) error {
	if err := c.requireAdmin(m.Caller); err != nil {
		return err
	}
	return c.registry.UpdateRiskParams(asset.ID(m.Asset),
		m.MaxLeverage, m.CommissionRate, m.SecurityMultiplier, m.MaxPhysicalMove)
}

func (c *Core) handleSetRelayer(m *command.SetRelayer) error {
	if err := c.requireAdmin(m.Caller); err != nil {
		return err
	}
	c.relayer = m.Relayer
	return nil
}

func (c *Core) handleWithdrawFees(m *command.WithdrawFees) error {
	if err := c.requireAdmin(m.Caller); err != nil {
		return err
	}
	return c.vault.WithdrawAdminFees(m.Caller, m.Amount)
}

// --- state digest ---

// computeStateDigest serializes the balance-bearing state into canonical
// bytes: vault accounts sorted by trader id, pooled capital, per-asset
// exposure sorted by asset id, and epoch share totals.
func (c *Core) computeStateDigest() []byte {
	accounts, capital := c.vault.Snapshot()

	traders := make([]uuid.UUID, 0, len(accounts))
	for id := range accounts {
		traders = append(traders, id)
	}
	sort.Slice(traders, func(i, j int) bool {
		return traders[i].String() < traders[j].String()
	})

	digest := make([]byte, 0, len(traders)*32+256)

	for _, id := range traders {
		acct := accounts[id]
		digest = append(digest, id[:]...)
		digest = appendInt64LE(digest, acct.Free)
		digest = appendInt64LE(digest, acct.Locked)
	}

	digest = appendInt64LE(digest, capital.LpFree)
	digest = appendInt64LE(digest, capital.LpLocked)
	digest = appendInt64LE(digest, capital.AdminFee)

	exposures, funding := c.exposure.Snapshot()
	assetIDs := make([]asset.ID, 0, len(exposures))
	for id := range exposures {
		assetIDs = append(assetIDs, id)
	}
	sort.Slice(assetIDs, func(i, j int) bool { return assetIDs[i] < assetIDs[j] })

	for _, id := range assetIDs {
		exp := exposures[id]
		digest = appendInt64LE(digest, int64(id))
		digest = appendInt64LE(digest, exp.LongLots)
		digest = appendInt64LE(digest, exp.ShortLots)
		digest = appendInt64LE(digest, exp.LongValue)
		digest = appendInt64LE(digest, exp.ShortValue)
		digest = appendInt64LE(digest, exp.LpLockLong)
		digest = appendInt64LE(digest, exp.LpLockShort)
		digest = appendInt64LE(digest, exp.MarginLong)
		digest = appendInt64LE(digest, exp.MarginShort)

		fs := funding[id]
		digest = appendInt64LE(digest, fs.LastUpdate)
		digest = appendInt64LE(digest, fs.LongIndex)
		digest = appendInt64LE(digest, fs.ShortIndex)
	}

	currentEpoch, epochStart := c.epochs.CurrentEpoch()
	digest = appendInt64LE(digest, int64(currentEpoch))
	digest = appendInt64LE(digest, epochStart)
	digest = appendInt64LE(digest, c.epochs.TotalShares())
	digest = appendInt64LE(digest, c.epochs.RequiredReserve())

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// --- accessors ---

// GetSequence returns the current global sequence number.
func (c *Core) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *Core) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Registry exposes the asset table for read paths.
func (c *Core) Registry() *asset.Registry { return c.registry }

// Vault exposes the balance ledger for read paths.
func (c *Core) Vault() *vault.Ledger { return c.vault }

// Trades exposes the trade engine for read paths.
func (c *Core) Trades() *trade.Engine { return c.trades }

// Exposure exposes the per-asset exposure ledger for read paths.
func (c *Core) Exposure() *exposure.Ledger { return c.exposure }

// Epochs exposes the epoch engine for read paths.
func (c *Core) Epochs() *epoch.Engine { return c.epochs }

// Aggregator exposes the unrealized PnL aggregator for read paths.
func (c *Core) Aggregator() *pnl.Aggregator { return c.aggregator }

// Relayer returns the identity allowed to act for any trade owner.
func (c *Core) Relayer() uuid.UUID { return c.relayer }
