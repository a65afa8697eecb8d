package query

import "github.com/google/uuid"

// Amounts in query responses are rendered as decimal strings ("12.500000")
// so API consumers never have to know about the 6-dec fixed-point encoding.

// AccountResponse is a trader's collateral balance.
type AccountResponse struct {
	Owner        uuid.UUID `json:"owner"`
	Free         string    `json:"free"`
	Locked       string    `json:"locked"`
	Total        string    `json:"total"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// CapitalResponse is the pooled LP side of the vault.
type CapitalResponse struct {
	LpFree          string `json:"lp_free"`
	LpLocked        string `json:"lp_locked"`
	AdminFee        string `json:"admin_fee"`
	RequiredReserve string `json:"required_reserve"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// TradeResponse is one order or position.
type TradeResponse struct {
	ID          uint64    `json:"id"`
	Trader      uuid.UUID `json:"trader"`
	Asset       uint32    `json:"asset"`
	Symbol      string    `json:"symbol"`
	IsLong      bool      `json:"is_long"`
	Leverage    int64     `json:"leverage"`
	Lots        int64     `json:"lots"`
	State       string    `json:"state"`
	TargetPrice string    `json:"target_price,omitempty"`
	OpenPrice   string    `json:"open_price,omitempty"`
	StopLoss    string    `json:"stop_loss,omitempty"`
	TakeProfit  string    `json:"take_profit,omitempty"`
	Margin      string    `json:"margin"`
	Commission  string    `json:"commission"`
	ClosePrice  string    `json:"close_price,omitempty"`
	RealizedPnl string    `json:"realized_pnl,omitempty"`
	CloseReason string    `json:"close_reason,omitempty"`
	OpenedAt    int64     `json:"opened_at,omitempty"`
	ClosedAt    int64     `json:"closed_at,omitempty"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// ExposureResponse is the per-asset open-interest aggregate.
type ExposureResponse struct {
	Asset        uint32 `json:"asset"`
	Symbol       string `json:"symbol"`
	LongLots     int64  `json:"long_lots"`
	ShortLots    int64  `json:"short_lots"`
	LongVwap     string `json:"long_vwap"`
	ShortVwap    string `json:"short_vwap"`
	MarginLong   string `json:"margin_long"`
	MarginShort  string `json:"margin_short"`
	LpLockLong   string `json:"lp_lock_long"`
	LpLockShort  string `json:"lp_lock_short"`
	FundingLong  string `json:"funding_index_long"`
	FundingShort string `json:"funding_index_short"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// EpochResponse summarizes the live epoch and share supply.
type EpochResponse struct {
	CurrentEpoch uint64 `json:"current_epoch"`
	EpochStart   int64  `json:"epoch_start"`
	TotalShares  int64  `json:"total_shares"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// EpochRecordResponse is one closed epoch.
type EpochRecordResponse struct {
	ID                 uint64 `json:"id"`
	StartTs            int64  `json:"start_ts"`
	EndTs              int64  `json:"end_ts"`
	SharePrice         string `json:"share_price"`
	CapitalAtEnd       string `json:"capital_at_end"`
	FinalizedPnl       string `json:"finalized_pnl"`
	DepositsIntegrated string `json:"deposits_integrated"`
	SharesMinted       int64  `json:"shares_minted"`
	WithdrawalShares   int64  `json:"withdrawal_shares"`
	RequiredUsd        string `json:"required_usd"`
	EscrowFunded       string `json:"escrow_funded"`
	EscrowClaimed      string `json:"escrow_claimed"`
	AsOfSequence       int64  `json:"as_of_sequence"`
}

// WithdrawalResponse is one LP withdrawal request.
type WithdrawalResponse struct {
	ID           uint64    `json:"id"`
	Owner        uuid.UUID `json:"owner"`
	Epoch        uint64    `json:"epoch"`
	Shares       int64     `json:"shares"`
	Processed    bool      `json:"processed"`
	RequiredUsd  string    `json:"required_usd,omitempty"`
	Claimed      bool      `json:"claimed"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// PnlRunResponse is the in-progress or finalized unrealized-PnL run.
type PnlRunResponse struct {
	ID              uint64 `json:"id"`
	Epoch           uint64 `json:"epoch"`
	StartedAt       int64  `json:"started_at"`
	AssetsProcessed int64  `json:"assets_processed"`
	TotalAssets     int64  `json:"total_assets"`
	TotalPnl        string `json:"total_pnl"`
	Finalized       bool   `json:"finalized"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// CommandHistoryEntry is one row of the applied-command journal.
type CommandHistoryEntry struct {
	Sequence       int64  `json:"sequence"`
	CommandType    string `json:"command_type"`
	IdempotencyKey string `json:"idempotency_key"`
	Payload        []byte `json:"payload"`
	StateHash      []byte `json:"state_hash"`
	Timestamp      int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
}
