// Package command defines the typed operations the serialized core
// applies. Every command carries a stable idempotency key so NATS
// redelivery and keeper retries are no-ops, and a versioned timestamp:
// the core never reads the wall clock.
package command

// Type discriminator for command payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeOpenLimitOrder
	TypeOpenMarketPosition
	TypeExecuteOrder
	TypeCancelOrder
	TypeCloseMarket
	TypeCloseStopTakeProfit
	TypeLiquidatePosition
	TypeUpdateStops
	TypeDeposit
	TypeWithdraw
	TypeUpdateFundingRate
	TypeSubmitPnl
	TypeLpDeposit
	TypeLpWithdraw
	TypeClaimWithdrawal
	TypeRollEpoch
	TypeIntegrateDeposits
	TypeFundWithdrawals
	TypeListAsset
	TypeDelistAsset
	TypeUpdateLotRatio
	TypeUpdateFundingSpread
	TypeUpdateRiskParams
	TypeSetRelayer
	TypeWithdrawFees
)

func (t Type) String() string {
	switch t {
	case TypeOpenLimitOrder:
		return "OpenLimitOrder"
	case TypeOpenMarketPosition:
		return "OpenMarketPosition"
	case TypeExecuteOrder:
		return "ExecuteOrder"
	case TypeCancelOrder:
		return "CancelOrder"
	case TypeCloseMarket:
		return "CloseMarket"
	case TypeCloseStopTakeProfit:
		return "CloseStopTakeProfit"
	case TypeLiquidatePosition:
		return "LiquidatePosition"
	case TypeUpdateStops:
		return "UpdateStops"
	case TypeDeposit:
		return "Deposit"
	case TypeWithdraw:
		return "Withdraw"
	case TypeUpdateFundingRate:
		return "UpdateFundingRate"
	case TypeSubmitPnl:
		return "SubmitPnl"
	case TypeLpDeposit:
		return "LpDeposit"
	case TypeLpWithdraw:
		return "LpWithdraw"
	case TypeClaimWithdrawal:
		return "ClaimWithdrawal"
	case TypeRollEpoch:
		return "RollEpoch"
	case TypeIntegrateDeposits:
		return "IntegrateDeposits"
	case TypeFundWithdrawals:
		return "FundWithdrawals"
	case TypeListAsset:
		return "ListAsset"
	case TypeDelistAsset:
		return "DelistAsset"
	case TypeUpdateLotRatio:
		return "UpdateLotRatio"
	case TypeUpdateFundingSpread:
		return "UpdateFundingSpread"
	case TypeUpdateRiskParams:
		return "UpdateRiskParams"
	case TypeSetRelayer:
		return "SetRelayer"
	case TypeWithdrawFees:
		return "WithdrawFees"
	default:
		return "Unknown"
	}
}

// Command is the interface all payloads implement.
type Command interface {
	// IdempotencyKey returns the stable dedup key.
	IdempotencyKey() string

	// CommandType returns the discriminator.
	CommandType() Type

	// At returns the versioned timestamp (unix seconds).
	At() int64
}

// Envelope wraps every applied command in the journal.
type Envelope struct {
	// Global monotonic sequence assigned by the core
	Sequence int64

	IdempotencyKey string

	CommandType Type

	// Versioned input timestamp (unix seconds, NOT wall-clock)
	Timestamp int64

	// JSON-encoded command payload
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}
