package core

import (
	"PerpVault/internal/asset"
	"PerpVault/internal/epoch"
	"PerpVault/internal/exposure"
	"PerpVault/internal/pnl"
	"PerpVault/internal/trade"
	"PerpVault/internal/vault"

	"github.com/google/uuid"
)

// SnapshotState holds the serializable in-memory state for restore.
// This mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence  int64
	StateHash [32]byte

	Relayer uuid.UUID

	Assets map[asset.ID]asset.Asset

	Exposures     map[asset.ID]exposure.Exposure
	FundingStates map[asset.ID]exposure.FundingState

	Accounts map[uuid.UUID]vault.Account
	Capital  vault.Capital

	Trades      []trade.Trade
	NextTradeID trade.ID

	PnlRun       *pnl.Run
	PnlLastRunID uint64
	PnlProcessed map[asset.ID]uint64

	Epochs epoch.Snapshot

	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *Core) CreateSnapshotState() *SnapshotState {
	exposures, funding := c.exposure.Snapshot()
	accounts, capital := c.vault.Snapshot()
	trades, nextTradeID := c.trades.Snapshot()
	run, lastRunID, processed := c.aggregator.Snapshot()

	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Relayer:         c.relayer,
		Assets:          c.registry.Snapshot(),
		Exposures:       exposures,
		FundingStates:   funding,
		Accounts:        accounts,
		Capital:         capital,
		Trades:          trades,
		NextTradeID:     nextTradeID,
		PnlRun:          run,
		PnlLastRunID:    lastRunID,
		PnlProcessed:    processed,
		Epochs:          c.epochs.Snapshot(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart, load the latest snapshot then replay the journal tail.
func (c *Core) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1 // Next sequence to assign
	c.hasher.SetPrevHash(snap.StateHash)
	c.relayer = snap.Relayer

	c.registry.Restore(snap.Assets)
	c.exposure.Restore(snap.Exposures, snap.FundingStates)
	c.vault.Restore(snap.Accounts, snap.Capital)
	c.trades.Restore(snap.Trades, snap.NextTradeID)
	c.aggregator.Restore(snap.PnlRun, snap.PnlLastRunID, snap.PnlProcessed)
	c.epochs.Restore(snap.Epochs)
}

// WarmLRU loads recent idempotency keys into the LRU cache, avoiding
// cold-path DB lookups for recently processed commands.
func (c *Core) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}
