package query

import (
	"github.com/google/uuid"

	"PerpVault/internal/asset"
	"PerpVault/internal/core"
	"PerpVault/internal/epoch"
	"PerpVault/internal/exposure"
	"PerpVault/internal/pnl"
	"PerpVault/internal/trade"
	"PerpVault/internal/vault"
)

// StateView is an immutable copy of the core's state, published by the
// command loop and read lock-free by the query service. Only the loop
// goroutine may touch the core, so queries always go through a view.
type StateView struct {
	Sequence  int64
	StateHash [32]byte

	Assets    map[asset.ID]asset.Asset
	Exposures map[asset.ID]exposure.Exposure
	Funding   map[asset.ID]exposure.FundingState

	Accounts        map[uuid.UUID]vault.Account
	Capital         vault.Capital
	RequiredReserve int64

	Trades []trade.Trade

	Epochs epoch.Snapshot

	Run    *pnl.Run
	RunSet bool
}

// BuildStateView copies the core state into a fresh view. Must be called
// from the goroutine that owns the core.
func BuildStateView(c *core.Core) *StateView {
	v := &StateView{
		Sequence:        c.GetSequence() - 1,
		StateHash:       c.GetStateHash(),
		Assets:          c.Registry().Snapshot(),
		RequiredReserve: c.Epochs().RequiredReserve(),
		Epochs:          c.Epochs().Snapshot(),
	}

	v.Exposures, v.Funding = c.Exposure().Snapshot()
	v.Accounts, v.Capital = c.Vault().Snapshot()
	v.Trades, _ = c.Trades().Snapshot()

	if run, ok := c.Aggregator().CurrentRun(); ok {
		v.Run = &run
		v.RunSet = true
	}

	return v
}
