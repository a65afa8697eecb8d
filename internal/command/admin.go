package command

import (
	"fmt"

	"github.com/google/uuid"
)

// AssetParams carries the full parameter set for listing an asset.
type AssetParams struct {
	ID                 uint32 `json:"id"`
	Symbol             string `json:"symbol"`
	RatioNum           int64  `json:"ratio_num"`
	RatioDen           int64  `json:"ratio_den"`
	MaxLeverage        int64  `json:"max_leverage"`
	SpreadRate         int64  `json:"spread_rate"`
	CommissionRate     int64  `json:"commission_rate"`
	BaseFundingRate    int64  `json:"base_funding_rate"`
	WeekendFundingRate int64  `json:"weekend_funding_rate"`
	SecurityMultiplier int64  `json:"security_multiplier"`
	MaxPhysicalMove    int64  `json:"max_physical_move"`
}

// ListAsset registers a new tradable asset. Admin-only.
type ListAsset struct {
	Ref    uuid.UUID   `json:"ref"`
	Caller uuid.UUID   `json:"caller"`
	Params AssetParams `json:"params"`
	Now    int64       `json:"now"`
}

func (c *ListAsset) IdempotencyKey() string { return fmt.Sprintf("list:%d:%s", c.Params.ID, c.Ref) }
func (c *ListAsset) CommandType() Type      { return TypeListAsset }
func (c *ListAsset) At() int64              { return c.Now }

// DelistAsset removes an asset from trading. Admin-only.
type DelistAsset struct {
	Ref    uuid.UUID `json:"ref"`
	Caller uuid.UUID `json:"caller"`
	Asset  uint32    `json:"asset"`
	Now    int64     `json:"now"`
}

func (c *DelistAsset) IdempotencyKey() string { return fmt.Sprintf("delist:%d:%s", c.Asset, c.Ref) }
func (c *DelistAsset) CommandType() Type      { return TypeDelistAsset }
func (c *DelistAsset) At() int64              { return c.Now }

// UpdateLotRatio changes an asset's lot ratio. Admin-only, rejected
// while the asset carries open exposure.
type UpdateLotRatio struct {
	Ref      uuid.UUID `json:"ref"`
	Caller   uuid.UUID `json:"caller"`
	Asset    uint32    `json:"asset"`
	RatioNum int64     `json:"ratio_num"`
	RatioDen int64     `json:"ratio_den"`
	Now      int64     `json:"now"`
}

func (c *UpdateLotRatio) IdempotencyKey() string { return fmt.Sprintf("ratio:%d:%s", c.Asset, c.Ref) }
func (c *UpdateLotRatio) CommandType() Type      { return TypeUpdateLotRatio }
func (c *UpdateLotRatio) At() int64              { return c.Now }

// UpdateFundingSpread changes an asset's funding and spread rates.
// Admin-only, rejected while the asset carries open exposure.
type UpdateFundingSpread struct {
	Ref                uuid.UUID `json:"ref"`
	Caller             uuid.UUID `json:"caller"`
	Asset              uint32    `json:"asset"`
	SpreadRate         int64     `json:"spread_rate"`
	BaseFundingRate    int64     `json:"base_funding_rate"`
	WeekendFundingRate int64     `json:"weekend_funding_rate"`
	Now                int64     `json:"now"`
}

func (c *UpdateFundingSpread) IdempotencyKey() string {
	return fmt.Sprintf("funding_spread:%d:%s", c.Asset, c.Ref)
}
func (c *UpdateFundingSpread) CommandType() Type { return TypeUpdateFundingSpread }
func (c *UpdateFundingSpread) At() int64         { return c.Now }

// UpdateRiskParams changes leverage and protection bounds. Admin-only,
// allowed with open exposure since it affects new trades only.
type UpdateRiskParams struct {
	Ref                uuid.UUID `json:"ref"`
	Caller             uuid.UUID `json:"caller"`
	Asset              uint32    `json:"asset"`
	MaxLeverage        int64     `json:"max_leverage"`
	CommissionRate     int64     `json:"commission_rate"`
	SecurityMultiplier int64     `json:"security_multiplier"`
	MaxPhysicalMove    int64     `json:"max_physical_move"`
	Now                int64     `json:"now"`
}

func (c *UpdateRiskParams) IdempotencyKey() string { return fmt.Sprintf("risk:%d:%s", c.Asset, c.Ref) }
func (c *UpdateRiskParams) CommandType() Type      { return TypeUpdateRiskParams }
func (c *UpdateRiskParams) At() int64              { return c.Now }

// SetRelayer replaces the relayer identity. Admin-only.
type SetRelayer struct {
	Ref     uuid.UUID `json:"ref"`
	Caller  uuid.UUID `json:"caller"`
	Relayer uuid.UUID `json:"relayer"`
	Now     int64     `json:"now"`
}

func (c *SetRelayer) IdempotencyKey() string { return fmt.Sprintf("relayer:%s", c.Ref) }
func (c *SetRelayer) CommandType() Type      { return TypeSetRelayer }
func (c *SetRelayer) At() int64              { return c.Now }

// WithdrawFees moves accrued admin fees to the admin's free balance.
// Admin-only.
type WithdrawFees struct {
	Ref    uuid.UUID `json:"ref"`
	Caller uuid.UUID `json:"caller"`
	Amount int64     `json:"amount"`
	Now    int64     `json:"now"`
}

func (c *WithdrawFees) IdempotencyKey() string { return fmt.Sprintf("fees:%s", c.Ref) }
func (c *WithdrawFees) CommandType() Type      { return TypeWithdrawFees }
func (c *WithdrawFees) At() int64              { return c.Now }
