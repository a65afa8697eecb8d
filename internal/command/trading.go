package command

import (
	"fmt"

	"github.com/google/uuid"
)

// OpenLimitOrder places a resting order. Ref is the client-supplied
// request id used for deduplication.
type OpenLimitOrder struct {
	Ref         uuid.UUID `json:"ref"`
	Caller      uuid.UUID `json:"caller"`
	Asset       uint32    `json:"asset"`
	IsLong      bool      `json:"is_long"`
	Leverage    int64     `json:"leverage"`
	Lots        int64     `json:"lots"`
	TargetPrice int64     `json:"target_price"`
	StopLoss    int64     `json:"stop_loss"`
	TakeProfit  int64     `json:"take_profit"`
	Now         int64     `json:"now"`
}

func (c *OpenLimitOrder) IdempotencyKey() string { return fmt.Sprintf("open_limit:%s", c.Ref) }
func (c *OpenLimitOrder) CommandType() Type      { return TypeOpenLimitOrder }
func (c *OpenLimitOrder) At() int64              { return c.Now }

// OpenMarketPosition opens directly into a position at the proven oracle
// price plus spread.
type OpenMarketPosition struct {
	Ref        uuid.UUID `json:"ref"`
	Caller     uuid.UUID `json:"caller"`
	Asset      uint32    `json:"asset"`
	IsLong     bool      `json:"is_long"`
	Leverage   int64     `json:"leverage"`
	Lots       int64     `json:"lots"`
	StopLoss   int64     `json:"stop_loss"`
	TakeProfit int64     `json:"take_profit"`
	Proof      []byte    `json:"proof"`
	Now        int64     `json:"now"`
}

func (c *OpenMarketPosition) IdempotencyKey() string { return fmt.Sprintf("open_market:%s", c.Ref) }
func (c *OpenMarketPosition) CommandType() Type      { return TypeOpenMarketPosition }
func (c *OpenMarketPosition) At() int64              { return c.Now }

// ExecuteOrder fills a resting order. Keeper-callable.
type ExecuteOrder struct {
	Ref     uuid.UUID `json:"ref"`
	TradeID uint64    `json:"trade_id"`
	Proof   []byte    `json:"proof"`
	Now     int64     `json:"now"`
}

func (c *ExecuteOrder) IdempotencyKey() string { return fmt.Sprintf("execute:%d:%s", c.TradeID, c.Ref) }
func (c *ExecuteOrder) CommandType() Type      { return TypeExecuteOrder }
func (c *ExecuteOrder) At() int64              { return c.Now }

// CancelOrder voids a resting order. Owner or relayer.
type CancelOrder struct {
	Ref     uuid.UUID `json:"ref"`
	Caller  uuid.UUID `json:"caller"`
	TradeID uint64    `json:"trade_id"`
	Now     int64     `json:"now"`
}

func (c *CancelOrder) IdempotencyKey() string { return fmt.Sprintf("cancel:%d:%s", c.TradeID, c.Ref) }
func (c *CancelOrder) CommandType() Type      { return TypeCancelOrder }
func (c *CancelOrder) At() int64              { return c.Now }

// CloseMarket closes an open position. Owner or relayer.
type CloseMarket struct {
	Ref     uuid.UUID `json:"ref"`
	Caller  uuid.UUID `json:"caller"`
	TradeID uint64    `json:"trade_id"`
	Proof   []byte    `json:"proof"`
	Now     int64     `json:"now"`
}

func (c *CloseMarket) IdempotencyKey() string { return fmt.Sprintf("close:%d:%s", c.TradeID, c.Ref) }
func (c *CloseMarket) CommandType() Type      { return TypeCloseMarket }
func (c *CloseMarket) At() int64              { return c.Now }

// CloseStopTakeProfit closes a position whose protective level has been
// crossed. Keeper-callable.
type CloseStopTakeProfit struct {
	Ref     uuid.UUID `json:"ref"`
	TradeID uint64    `json:"trade_id"`
	Proof   []byte    `json:"proof"`
	Now     int64     `json:"now"`
}

func (c *CloseStopTakeProfit) IdempotencyKey() string {
	return fmt.Sprintf("close_sltp:%d:%s", c.TradeID, c.Ref)
}
func (c *CloseStopTakeProfit) CommandType() Type { return TypeCloseStopTakeProfit }
func (c *CloseStopTakeProfit) At() int64         { return c.Now }

// LiquidatePosition closes an underwater position. Keeper-callable.
type LiquidatePosition struct {
	Ref     uuid.UUID `json:"ref"`
	TradeID uint64    `json:"trade_id"`
	Proof   []byte    `json:"proof"`
	Now     int64     `json:"now"`
}

func (c *LiquidatePosition) IdempotencyKey() string {
	return fmt.Sprintf("liquidate:%d:%s", c.TradeID, c.Ref)
}
func (c *LiquidatePosition) CommandType() Type { return TypeLiquidatePosition }
func (c *LiquidatePosition) At() int64         { return c.Now }

// UpdateStops replaces stop-loss and/or take-profit on an open position.
// SetStopLoss/SetTakeProfit select which levels change.
type UpdateStops struct {
	Ref           uuid.UUID `json:"ref"`
	Caller        uuid.UUID `json:"caller"`
	TradeID       uint64    `json:"trade_id"`
	SetStopLoss   bool      `json:"set_stop_loss"`
	StopLoss      int64     `json:"stop_loss"`
	SetTakeProfit bool      `json:"set_take_profit"`
	TakeProfit    int64     `json:"take_profit"`
	Now           int64     `json:"now"`
}

func (c *UpdateStops) IdempotencyKey() string {
	return fmt.Sprintf("update_stops:%d:%s", c.TradeID, c.Ref)
}
func (c *UpdateStops) CommandType() Type { return TypeUpdateStops }
func (c *UpdateStops) At() int64         { return c.Now }

// UpdateFundingRate advances an asset's funding indices. Keeper-callable,
// at most once per hour per asset.
type UpdateFundingRate struct {
	Ref   uuid.UUID `json:"ref"`
	Asset uint32    `json:"asset"`
	Now   int64     `json:"now"`
}

func (c *UpdateFundingRate) IdempotencyKey() string {
	return fmt.Sprintf("funding:%d:%s", c.Asset, c.Ref)
}
func (c *UpdateFundingRate) CommandType() Type { return TypeUpdateFundingRate }
func (c *UpdateFundingRate) At() int64         { return c.Now }
