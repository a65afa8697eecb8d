package trade

import (
	"fmt"

	"github.com/google/uuid"

	"PerpVault/internal/asset"
	"PerpVault/internal/exposure"
	"PerpVault/internal/fault"
	"PerpVault/internal/fixedpoint"
	"PerpVault/internal/oracle"
	"PerpVault/internal/vault"
)

// liquidationMarginFraction is the share of margin that must be consumed
// by adverse price movement plus costs before liquidation is permitted.
const liquidationMarginFraction = 900_000 // 90% at RateScale

// Authorizer decides whether caller may act for owner. The core engine
// implements it with the owner-or-authorized-relayer rule.
type Authorizer interface {
	CanActFor(caller, owner uuid.UUID) bool
}

// ownerOnly is the default when no authorizer is bound.
type ownerOnly struct{}

func (ownerOnly) CanActFor(caller, owner uuid.UUID) bool { return caller == owner }

// Engine drives the trade lifecycle. Every operation is a single atomic
// step over the shared ledgers: validations run before any mutation, and
// mutations are ordered so an abort leaves no partial state.
type Engine struct {
	registry *asset.Registry
	exposure *exposure.Ledger
	vault    *vault.Ledger
	verifier oracle.Verifier
	auth     Authorizer

	trades map[ID]*Trade
	nextID ID
}

func NewEngine(registry *asset.Registry, exp *exposure.Ledger, vlt *vault.Ledger, verifier oracle.Verifier) *Engine {
	return &Engine{
		registry: registry,
		exposure: exp,
		vault:    vlt,
		verifier: verifier,
		auth:     ownerOnly{},
		trades:   make(map[ID]*Trade),
		nextID:   1,
	}
}

// BindAuthorizer replaces the default owner-only rule.
func (e *Engine) BindAuthorizer(a Authorizer) {
	e.auth = a
}

// Get returns a trade by id.
func (e *Engine) Get(id ID) (*Trade, error) {
	t, ok := e.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %d unknown: %w", id, fault.ErrValidation)
	}
	return t, nil
}

// --- sizing ---

func notional(a *asset.Asset, lots, price int64) int64 {
	return fixedpoint.ComputeNotional(lots, price, a.RatioNum, a.RatioDen)
}

// lockAmounts computes margin, commission and LP-lock for a fill at price.
// LP-lock is the smaller of the leverage-based cap (margin x security
// multiplier) and the physical-move cap (max move x price x lots),
// bounding the vault's maximum payable profit.
func lockAmounts(a *asset.Asset, lots, price, leverage int64) (margin, commission, lpLock int64) {
	n := notional(a, lots, price)
	margin = fixedpoint.MulDiv(n, 1, leverage)
	commission = fixedpoint.ApplyRate(n, a.CommissionRate)

	securityCap := fixedpoint.ApplyRate(margin, a.SecurityMultiplier)
	moveCap := notional(a, lots, fixedpoint.ApplyRate(price, a.MaxPhysicalMove))
	lpLock = securityCap
	if moveCap < lpLock {
		lpLock = moveCap
	}
	return margin, commission, lpLock
}

// validateStops checks stop/take-profit ordering relative to a reference
// price. Zero means unset.
func validateStops(isLong bool, price, stopLoss, takeProfit int64) error {
	if stopLoss < 0 || takeProfit < 0 {
		return fmt.Errorf("negative stop/take-profit: %w", fault.ErrValidation)
	}
	if isLong {
		if stopLoss != 0 && stopLoss >= price {
			return fmt.Errorf("long stop-loss %d >= price %d: %w", stopLoss, price, fault.ErrValidation)
		}
		if takeProfit != 0 && takeProfit <= price {
			return fmt.Errorf("long take-profit %d <= price %d: %w", takeProfit, price, fault.ErrValidation)
		}
		return nil
	}
	if stopLoss != 0 && stopLoss <= price {
		return fmt.Errorf("short stop-loss %d <= price %d: %w", stopLoss, price, fault.ErrValidation)
	}
	if takeProfit != 0 && takeProfit >= price {
		return fmt.Errorf("short take-profit %d >= price %d: %w", takeProfit, price, fault.ErrValidation)
	}
	return nil
}

func (e *Engine) validateOpen(a *asset.Asset, leverage, lots int64) error {
	if !asset.LeverageAllowed(leverage) {
		return fmt.Errorf("leverage %d not in round set: %w", leverage, fault.ErrValidation)
	}
	if leverage > a.MaxLeverage {
		return fmt.Errorf("leverage %d exceeds asset max %d: %w", leverage, a.MaxLeverage, fault.ErrValidation)
	}
	if lots <= 0 {
		return fmt.Errorf("lots %d: %w", lots, fault.ErrValidation)
	}
	return nil
}

// --- opening paths ---

// OpenLimitOrder creates a resting order and reserves margin+commission
// from the trader's free balance. No oracle call: the fill price is
// determined at execution time.
func (e *Engine) OpenLimitOrder(caller uuid.UUID, assetID asset.ID, isLong bool,
	leverage, lots, targetPrice, stopLoss, takeProfit, now int64) (ID, error) {

	a, err := e.registry.Get(assetID)
	if err != nil {
		return 0, err
	}
	if err := e.validateOpen(a, leverage, lots); err != nil {
		return 0, err
	}
	if targetPrice <= 0 {
		return 0, fmt.Errorf("target price %d: %w", targetPrice, fault.ErrValidation)
	}
	if err := validateStops(isLong, targetPrice, stopLoss, takeProfit); err != nil {
		return 0, err
	}

	margin, commission, lpLock := lockAmounts(a, lots, targetPrice, leverage)
	if err := e.vault.Lock(caller, margin+commission); err != nil {
		return 0, err
	}

	id := e.nextID
	e.nextID++
	e.trades[id] = &Trade{
		ID:          id,
		Trader:      caller,
		Asset:       assetID,
		IsLong:      isLong,
		Leverage:    leverage,
		Lots:        lots,
		State:       StateOrder,
		TargetPrice: targetPrice,
		OpenedAt:    now,
		StopLoss:    stopLoss,
		TakeProfit:  takeProfit,
		Margin:      margin,
		Commission:  commission,
		LpLock:      lpLock,
	}
	return id, nil
}

// OpenMarketPosition opens directly into Position at the oracle price
// plus spread (worse for the trader).
func (e *Engine) OpenMarketPosition(caller uuid.UUID, assetID asset.ID, isLong bool,
	leverage, lots, stopLoss, takeProfit int64, proof []byte, now int64) (ID, error) {

	a, err := e.registry.Get(assetID)
	if err != nil {
		return 0, err
	}
	if err := e.validateOpen(a, leverage, lots); err != nil {
		return 0, err
	}

	oraclePrice, err := oracle.FreshPrice(e.verifier, proof, uint32(assetID), now)
	if err != nil {
		return 0, err
	}

	spread := e.exposure.Spread(a, isLong, true, lots)
	entry := oraclePrice + e.entryOffset(oraclePrice, spread, isLong)
	if err := validateStops(isLong, entry, stopLoss, takeProfit); err != nil {
		return 0, err
	}

	margin, commission, lpLock := lockAmounts(a, lots, entry, leverage)

	// LP lock first: its inverse is clean if the trader-side lock fails.
	if err := e.vault.LpLock(lpLock); err != nil {
		return 0, err
	}
	if err := e.vault.Lock(caller, margin+commission); err != nil {
		_ = e.vault.LpUnlock(lpLock)
		return 0, err
	}
	if err := e.vault.CollectCommission(caller, commission); err != nil {
		_ = e.vault.Unlock(caller, margin+commission)
		_ = e.vault.LpUnlock(lpLock)
		return 0, err
	}
	if err := e.exposure.Update(assetID, lots, entry, isLong, true); err != nil {
		return 0, err
	}
	if err := e.exposure.AdjustLocks(assetID, isLong, lpLock, margin); err != nil {
		return 0, err
	}

	id := e.nextID
	e.nextID++
	e.trades[id] = &Trade{
		ID:                 id,
		Trader:             caller,
		Asset:              assetID,
		IsLong:             isLong,
		Leverage:           leverage,
		Lots:               lots,
		State:              StatePosition,
		OpenPrice:          entry,
		OpenedAt:           now,
		FundingIndexAtOpen: e.exposure.FundingIndex(assetID, isLong),
		StopLoss:           stopLoss,
		TakeProfit:         takeProfit,
		Margin:             margin,
		Commission:         commission,
		LpLock:             lpLock,
	}
	return id, nil
}

// entryOffset is the spread applied against the trader at entry: longs
// buy above oracle, shorts sell below it.
func (e *Engine) entryOffset(price, spreadRate int64, isLong bool) int64 {
	offset := exposure.SpreadOffset(price, spreadRate)
	if isLong {
		return offset
	}
	return -offset
}

// ExecuteOrder fills a resting order once the oracle price satisfies the
// limit condition. Any caller may execute; the fill price is the fresh
// oracle price with spread, not the stale target.
func (e *Engine) ExecuteOrder(id ID, proof []byte, now int64) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	if t.State != StateOrder {
		return fmt.Errorf("trade %d is %s, not Order: %w", id, t.State, fault.ErrState)
	}

	a, err := e.registry.Get(t.Asset)
	if err != nil {
		return err
	}
	oraclePrice, err := oracle.FreshPrice(e.verifier, proof, uint32(t.Asset), now)
	if err != nil {
		return err
	}

	if t.IsLong && oraclePrice > t.TargetPrice {
		return fmt.Errorf("long limit %d not reached at %d: %w", t.TargetPrice, oraclePrice, fault.ErrState)
	}
	if !t.IsLong && oraclePrice < t.TargetPrice {
		return fmt.Errorf("short limit %d not reached at %d: %w", t.TargetPrice, oraclePrice, fault.ErrState)
	}

	spread := e.exposure.Spread(a, t.IsLong, true, t.Lots)
	fill := oraclePrice + e.entryOffset(oraclePrice, spread, t.IsLong)
	if err := validateStops(t.IsLong, fill, t.StopLoss, t.TakeProfit); err != nil {
		return err
	}

	if err := e.vault.LpLock(t.LpLock); err != nil {
		return err
	}
	if err := e.vault.CollectCommission(t.Trader, t.Commission); err != nil {
		_ = e.vault.LpUnlock(t.LpLock)
		return err
	}
	if err := e.exposure.Update(t.Asset, t.Lots, fill, t.IsLong, true); err != nil {
		return err
	}
	if err := e.exposure.AdjustLocks(t.Asset, t.IsLong, t.LpLock, t.Margin); err != nil {
		return err
	}

	t.OpenPrice = fill
	t.OpenedAt = now
	t.FundingIndexAtOpen = e.exposure.FundingIndex(t.Asset, t.IsLong)
	t.State = StatePosition
	return nil
}

// CancelOrder voids a resting order and refunds the held margin and
// commission. Owner (or authorized relayer) only.
func (e *Engine) CancelOrder(caller uuid.UUID, id ID) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	if !e.auth.CanActFor(caller, t.Trader) {
		return fmt.Errorf("caller %s may not cancel trade %d: %w", caller, id, fault.ErrValidation)
	}
	if !t.State.CanTransitionTo(StateCancelled) {
		return fmt.Errorf("trade %d is %s, cannot cancel: %w", id, t.State, fault.ErrState)
	}

	if err := e.vault.Unlock(t.Trader, t.Margin+t.Commission); err != nil {
		return err
	}
	t.State = StateCancelled
	return nil
}

// --- closing paths ---

// CloseMarket closes an open position at the oracle price minus spread.
// Owner (or authorized relayer) only.
func (e *Engine) CloseMarket(caller uuid.UUID, id ID, proof []byte, now int64) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	if !e.auth.CanActFor(caller, t.Trader) {
		return fmt.Errorf("caller %s may not close trade %d: %w", caller, id, fault.ErrValidation)
	}
	return e.close(t, proof, now, CloseReasonMarket)
}

// CloseOnStopOrTakeProfit closes once the oracle price has crossed the
// stop-loss (adverse) or take-profit (favorable) level. Keeper-callable.
func (e *Engine) CloseOnStopOrTakeProfit(id ID, proof []byte, now int64) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	if t.State != StatePosition {
		return fmt.Errorf("trade %d is %s, not Position: %w", id, t.State, fault.ErrState)
	}

	oraclePrice, err := oracle.FreshPrice(e.verifier, proof, uint32(t.Asset), now)
	if err != nil {
		return err
	}

	var reason CloseReason
	switch {
	case t.StopLoss != 0 && t.IsLong && oraclePrice <= t.StopLoss,
		t.StopLoss != 0 && !t.IsLong && oraclePrice >= t.StopLoss:
		reason = CloseReasonStopLoss
	case t.TakeProfit != 0 && t.IsLong && oraclePrice >= t.TakeProfit,
		t.TakeProfit != 0 && !t.IsLong && oraclePrice <= t.TakeProfit:
		reason = CloseReasonTakeProfit
	default:
		return fmt.Errorf("trade %d stop/take-profit not triggered at %d: %w", id, oraclePrice, fault.ErrState)
	}

	return e.close(t, proof, now, reason)
}

// LiquidatePosition closes a position whose losses have consumed 90% of
// margin after costs. Keeper-callable; fails until the oracle price has
// reached the computed liquidation price.
func (e *Engine) LiquidatePosition(id ID, proof []byte, now int64) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	if t.State != StatePosition {
		return fmt.Errorf("trade %d is %s, not Position: %w", id, t.State, fault.ErrState)
	}

	a, err := e.registry.Get(t.Asset)
	if err != nil {
		return err
	}
	oraclePrice, err := oracle.FreshPrice(e.verifier, proof, uint32(t.Asset), now)
	if err != nil {
		return err
	}

	liqPrice := e.liquidationPrice(t, a, now)
	if t.IsLong && oraclePrice > liqPrice {
		return fmt.Errorf("trade %d not liquidatable: oracle %d above liquidation price %d: %w",
			id, oraclePrice, liqPrice, fault.ErrSolvency)
	}
	if !t.IsLong && oraclePrice < liqPrice {
		return fmt.Errorf("trade %d not liquidatable: oracle %d below liquidation price %d: %w",
			id, oraclePrice, liqPrice, fault.ErrSolvency)
	}

	return e.close(t, proof, now, CloseReasonLiquidation)
}

// liquidationPrice is openPrice moved against the trader far enough that
// 90% of margin plus exit spread, funding and weekend costs are consumed.
func (e *Engine) liquidationPrice(t *Trade, a *asset.Asset, now int64) int64 {
	spread := e.exposure.Spread(a, t.IsLong, false, t.Lots)
	spreadCost := notional(a, t.Lots, exposure.SpreadOffset(t.OpenPrice, spread))
	fundingCost := e.exposure.FundingCost(t.Asset, t.IsLong, t.FundingIndexAtOpen, t.Lots)
	weekendCost := exposure.WeekendFunding(a, t.Lots, t.OpenedAt, now)

	budget := fixedpoint.ApplyRate(t.Margin, liquidationMarginFraction) + spreadCost + fundingCost + weekendCost

	// USD back to price units: budget x den / (num x lots)
	priceMove := fixedpoint.MulDiv(budget, a.RatioDen, a.RatioNum*t.Lots)
	if t.IsLong {
		return t.OpenPrice - priceMove
	}
	return t.OpenPrice + priceMove
}

// close is the single internal close routine that every close path
// funnels through.
func (e *Engine) close(t *Trade, proof []byte, now int64, reason CloseReason) error {
	if !t.State.CanTransitionTo(StateClosed) {
		return fmt.Errorf("trade %d is %s, cannot close: %w", t.ID, t.State, fault.ErrState)
	}

	a, err := e.registry.Get(t.Asset)
	if err != nil {
		return err
	}
	oraclePrice, err := oracle.FreshPrice(e.verifier, proof, uint32(t.Asset), now)
	if err != nil {
		return err
	}

	spread := e.exposure.Spread(a, t.IsLong, false, t.Lots)
	exit := oraclePrice - e.entryOffset(oraclePrice, spread, t.IsLong)

	pnl := fixedpoint.ComputeSignedPnl(t.SideSign(), exit, t.OpenPrice, t.Lots, a.RatioNum, a.RatioDen)
	pnl -= e.exposure.FundingCost(t.Asset, t.IsLong, t.FundingIndexAtOpen, t.Lots)
	pnl -= exposure.WeekendFunding(a, t.Lots, t.OpenedAt, now)

	// Profit capped at the trade's LP-lock, loss at its margin.
	if pnl > t.LpLock {
		pnl = t.LpLock
	}
	if pnl < -t.Margin {
		pnl = -t.Margin
	}

	if err := e.exposure.Update(t.Asset, t.Lots, t.OpenPrice, t.IsLong, false); err != nil {
		return err
	}
	if err := e.exposure.AdjustLocks(t.Asset, t.IsLong, -t.LpLock, -t.Margin); err != nil {
		return err
	}
	if err := e.vault.LpUnlock(t.LpLock); err != nil {
		return err
	}
	if err := e.vault.SettleClose(t.Trader, t.Margin, pnl); err != nil {
		return err
	}

	t.State = StateClosed
	t.ClosePrice = exit
	t.ClosedAt = now
	t.RealizedPnl = pnl
	t.CloseReason = reason
	return nil
}

// --- stop management ---

// UpdateStopLossTakeProfit replaces both protective levels on an open
// position, re-validated against the stored open price.
func (e *Engine) UpdateStopLossTakeProfit(caller uuid.UUID, id ID, stopLoss, takeProfit int64) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	if !e.auth.CanActFor(caller, t.Trader) {
		return fmt.Errorf("caller %s may not update trade %d: %w", caller, id, fault.ErrValidation)
	}
	if t.State != StatePosition {
		return fmt.Errorf("trade %d is %s, not Position: %w", id, t.State, fault.ErrState)
	}
	if err := validateStops(t.IsLong, t.OpenPrice, stopLoss, takeProfit); err != nil {
		return err
	}
	t.StopLoss = stopLoss
	t.TakeProfit = takeProfit
	return nil
}

// UpdateStopLoss replaces only the stop-loss level.
func (e *Engine) UpdateStopLoss(caller uuid.UUID, id ID, stopLoss int64) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	return e.UpdateStopLossTakeProfit(caller, id, stopLoss, t.TakeProfit)
}

// UpdateTakeProfit replaces only the take-profit level.
func (e *Engine) UpdateTakeProfit(caller uuid.UUID, id ID, takeProfit int64) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	return e.UpdateStopLossTakeProfit(caller, id, t.StopLoss, takeProfit)
}

// --- snapshot ---

// Snapshot returns copies of all trades and the next id.
func (e *Engine) Snapshot() ([]Trade, ID) {
	trades := make([]Trade, 0, len(e.trades))
	for _, t := range e.trades {
		trades = append(trades, *t)
	}
	return trades, e.nextID
}

// Restore overwrites the trade book from a snapshot.
func (e *Engine) Restore(trades []Trade, nextID ID) {
	e.trades = make(map[ID]*Trade, len(trades))
	for _, t := range trades {
		stored := t
		e.trades[t.ID] = &stored
	}
	e.nextID = nextID
}

// TradesByTrader returns copies of a trader's trades.
func (e *Engine) TradesByTrader(trader uuid.UUID) []Trade {
	out := make([]Trade, 0)
	for _, t := range e.trades {
		if t.Trader == trader {
			out = append(out, *t)
		}
	}
	return out
}
