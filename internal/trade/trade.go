package trade

import (
	"github.com/google/uuid"

	"PerpVault/internal/asset"
)

// ID is the stable integer identifier for a trade. Trades are never
// deleted, only transitioned.
type ID uint64

// State is the trade lifecycle state machine.
type State int32

const (
	StateOrder State = iota
	StatePosition
	StateCancelled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOrder:
		return "Order"
	case StatePosition:
		return "Position"
	case StateCancelled:
		return "Cancelled"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions. Cancelled and Closed are
// terminal.
func (s State) CanTransitionTo(next State) bool {
	validTransitions := map[State][]State{
		StateOrder:    {StatePosition, StateCancelled},
		StatePosition: {StateClosed},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// CloseReason records which path closed a position.
type CloseReason int32

const (
	CloseReasonMarket CloseReason = iota
	CloseReasonStopLoss
	CloseReasonTakeProfit
	CloseReasonLiquidation
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonMarket:
		return "Market"
	case CloseReasonStopLoss:
		return "StopLoss"
	case CloseReasonTakeProfit:
		return "TakeProfit"
	case CloseReasonLiquidation:
		return "Liquidation"
	default:
		return "Unknown"
	}
}

// Trade is one order/position record. Prices and USD amounts are 6-dec
// fixed point; Lots is a raw count.
type Trade struct {
	ID       ID
	Trader   uuid.UUID
	Asset    asset.ID
	IsLong   bool
	Leverage int64
	Lots     int64
	State    State

	// Limit order target; zero for market opens.
	TargetPrice int64

	OpenPrice          int64
	OpenedAt           int64
	FundingIndexAtOpen int64

	// Zero means unset.
	StopLoss   int64
	TakeProfit int64

	Margin     int64 // max payable loss, held from the trader
	Commission int64
	LpLock     int64 // max payable profit, reserved from LP capital

	ClosePrice  int64
	ClosedAt    int64
	RealizedPnl int64
	CloseReason CloseReason
}

// SideSign returns +1 for long, -1 for short.
func (t *Trade) SideSign() int64 {
	if t.IsLong {
		return 1
	}
	return -1
}
