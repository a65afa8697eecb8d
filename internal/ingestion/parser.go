package ingestion

import (
	"PerpVault/internal/command"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command type
// string) into a typed command.Command. The ingestion shell validates
// and decodes before anything reaches the core; the same decoder runs
// during journal replay, so the wire format and the journal format are
// one and the same.
func ParseRawCommand(raw RawCommand, commandType string) (command.Command, error) {
	switch commandType {
	case "OpenLimitOrder":
		return decodeOpenLimitOrder(raw.Data)
	case "OpenMarketPosition":
		return decodeOpenMarketPosition(raw.Data)
	case "ExecuteOrder":
		return decodeInto(raw.Data, &command.ExecuteOrder{})
	case "CancelOrder":
		return decodeCancelOrder(raw.Data)
	case "CloseMarket":
		return decodeCloseMarket(raw.Data)
	case "CloseStopTakeProfit":
		return decodeInto(raw.Data, &command.CloseStopTakeProfit{})
	case "LiquidatePosition":
		return decodeInto(raw.Data, &command.LiquidatePosition{})
	case "UpdateStops":
		return decodeUpdateStops(raw.Data)
	case "Deposit":
		return decodeDeposit(raw.Data)
	case "Withdraw":
		return decodeWithdraw(raw.Data)
	case "UpdateFundingRate":
		return decodeInto(raw.Data, &command.UpdateFundingRate{})
	case "SubmitPnl":
		return decodeSubmitPnl(raw.Data)
	case "LpDeposit":
		return decodeLpDeposit(raw.Data)
	case "LpWithdraw":
		return decodeLpWithdraw(raw.Data)
	case "ClaimWithdrawal":
		return decodeClaimWithdrawal(raw.Data)
	case "RollEpoch":
		return decodeInto(raw.Data, &command.RollEpoch{})
	case "IntegrateDeposits":
		return decodeBoundedSteps(raw.Data, true)
	case "FundWithdrawals":
		return decodeBoundedSteps(raw.Data, false)
	case "ListAsset":
		return decodeCallerCmd(raw.Data, &command.ListAsset{})
	case "DelistAsset":
		return decodeCallerCmd(raw.Data, &command.DelistAsset{})
	case "UpdateLotRatio":
		return decodeCallerCmd(raw.Data, &command.UpdateLotRatio{})
	case "UpdateFundingSpread":
		return decodeCallerCmd(raw.Data, &command.UpdateFundingSpread{})
	case "UpdateRiskParams":
		return decodeCallerCmd(raw.Data, &command.UpdateRiskParams{})
	case "SetRelayer":
		return decodeCallerCmd(raw.Data, &command.SetRelayer{})
	case "WithdrawFees":
		return decodeCallerCmd(raw.Data, &command.WithdrawFees{})
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// decodeInto handles commands whose only envelope-level requirements are
// a ref and a timestamp.
func decodeInto(data []byte, cmd command.Command) (command.Command, error) {
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("parse %s: %w", cmd.CommandType(), err)
	}
	if err := requireEnvelope(cmd); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.CommandType(), err)
	}
	return cmd, nil
}

// requireEnvelope checks the fields every command must carry. The Ref is
// recovered from the idempotency key suffix, which always embeds it.
func requireEnvelope(cmd command.Command) error {
	if cmd.At() <= 0 {
		return fmt.Errorf("missing or non-positive timestamp")
	}
	key := cmd.IdempotencyKey()
	// Every key ends with the ref UUID; an unset ref renders as the nil UUID.
	if len(key) >= 36 && key[len(key)-36:] == uuid.Nil.String() {
		return fmt.Errorf("missing ref")
	}
	return nil
}

func requireCaller(caller uuid.UUID) error {
	if caller == uuid.Nil {
		return fmt.Errorf("missing caller")
	}
	return nil
}

func requirePositive(name string, v int64) error {
	if v <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, v)
	}
	return nil
}

func decodeOpenLimitOrder(data []byte) (command.Command, error) {
	var c command.OpenLimitOrder
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse OpenLimitOrder: %w", err)
	}
	if err := requireEnvelope(&c); err != nil {
		return nil, fmt.Errorf("OpenLimitOrder: %w", err)
	}
	if err := requireCaller(c.Caller); err != nil {
		return nil, fmt.Errorf("OpenLimitOrder: %w", err)
	}
	if err := requirePositive("lots", c.Lots); err != nil {
		return nil, fmt.Errorf("OpenLimitOrder: %w", err)
	}
	if err := requirePositive("target_price", c.TargetPrice); err != nil {
		return nil, fmt.Errorf("OpenLimitOrder: %w", err)
	}
	return &c, nil
}

func decodeOpenMarketPosition(data []byte) (command.Command, error) {
	var c command.OpenMarketPosition
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse OpenMarketPosition: %w", err)
	}
	if err := requireEnvelope(&c); err != nil {
		return nil, fmt.Errorf("OpenMarketPosition: %w", err)
	}
	if err := requireCaller(c.Caller); err != nil {
		return nil, fmt.Errorf("OpenMarketPosition: %w", err)
	}
	if err := requirePositive("lots", c.Lots); err != nil {
		return nil, fmt.Errorf("OpenMarketPosition: %w", err)
	}
	if len(c.Proof) == 0 {
		return nil, fmt.Errorf("OpenMarketPosition: missing price proof")
	}
	return &c, nil
}

func decodeCancelOrder(data []byte) (command.Command, error) {
	var c command.CancelOrder
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse CancelOrder: %w", err)
	}
	if err := requireEnvelope(&c); err != nil {
		return nil, fmt.Errorf("CancelOrder: %w", err)
	}
	if err := requireCaller(c.Caller); err != nil {
		return nil, fmt.Errorf("CancelOrder: %w", err)
	}
	return &c, nil
}

func decodeCloseMarket(data []byte) (command.Command, error) {
	var c command.CloseMarket
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse CloseMarket: %w", err)
	}
	if err := requireEnvelope(&c); err != nil {
		return nil, fmt.Errorf("CloseMarket: %w", err)
	}
	if err := requireCaller(c.Caller); err != nil {
		return nil, fmt.Errorf("CloseMarket: %w", err)
	}
	return &c, nil
}

func decodeUpdateStops(data []byte) (command.Command, error) {
	var c command.UpdateStops
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse UpdateStops: %w", err)
	}
	if err := requireEnvelope(&c); err != nil {
		return nil, fmt.Errorf("UpdateStops: %w", err)
	}
	if err := requireCaller(c.Caller); err != nil {
		return nil, fmt.Errorf("UpdateStops: %w", err)
	}
	if !c.SetStopLoss && !c.SetTakeProfit {
		return nil, fmt.Errorf("UpdateStops: no protection level selected")
	}
	return &c, nil
}

func decodeDeposit(data []byte) (command.Command, error) {
	var c command.Deposit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	if err := requireEnvelope(&c); err != nil {
		return nil, fmt.Errorf("Deposit: %w", err)
	}
	if err := requireCaller(c.Caller); err != nil {
		return nil, fmt.Errorf("Deposit: %w", err)
	}
	if err := requirePositive("amount", c.Amount); err != nil {
		return nil, fmt.Errorf("Deposit: %w", err)
	}
	return &c, nil
}

func decodeWithdraw(data []byte) (command.Command, error) {
	var c command.Withdraw
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	if err := requireEnvelope(&c); err != nil {
		return nil, fmt.Errorf("Withdraw: %w", err)
	}
	if err := requireCaller(c.Caller); err != nil {
		return nil, fmt.Errorf("Withdraw: %w", err)
	}
	if err := requirePositive("amount", c.Amount); err != nil {
		return nil, fmt.Errorf("Withdraw: %w", err)
	}
	return &c, nil
}

func decodeSubmitPnl(data []byte) (command.Command, error) {
	var c command.SubmitPnl
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse SubmitPnl: %w", err)
	}
	if err := requireEnvelope(&c); err != nil {
		return nil, fmt.Errorf("SubmitPnl: %w", err)
	}
	if len(c.Proof) == 0 {
		return nil, fmt.Errorf("SubmitPnl: missing price proof")
	}
	return &c, nil
}

func decodeLpDeposit(data []byte) (command.Command, error) {
	var c command.LpDeposit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse LpDeposit: %w", err)
	}
	if err := requireEnvelope(&c); err != nil {
		return nil, fmt.Errorf("LpDeposit: %w", err)
	}
	if err := requireCaller(c.Caller); err != nil {
		return nil, fmt.Errorf("LpDeposit: %w", err)
	}
	if err := requirePositive("amount", c.Amount); err != nil {
		return nil, fmt.Errorf("LpDeposit: %w", err)
	}
	return &c, nil
}

func decodeLpWithdraw(data []byte) (command.Command, error) {
	var c command.LpWithdraw
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse LpWithdraw: %w", err)
	}
	if err := requireEnvelope(&c); err != nil {
		return nil, fmt.Errorf("LpWithdraw: %w", err)
	}
	if err := requireCaller(c.Caller); err != nil {
		return nil, fmt.Errorf("LpWithdraw: %w", err)
	}
	if err := requirePositive("shares", c.Shares); err != nil {
		return nil, fmt.Errorf("LpWithdraw: %w", err)
	}
	return &c, nil
}

func decodeClaimWithdrawal(data []byte) (command.Command, error) {
	var c command.ClaimWithdrawal
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse ClaimWithdrawal: %w", err)
	}
	if err := requireEnvelope(&c); err != nil {
		return nil, fmt.Errorf("ClaimWithdrawal: %w", err)
	}
	if err := requireCaller(c.Caller); err != nil {
		return nil, fmt.Errorf("ClaimWithdrawal: %w", err)
	}
	return &c, nil
}

func decodeBoundedSteps(data []byte, integrate bool) (command.Command, error) {
	if integrate {
		var c command.IntegrateDeposits
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse IntegrateDeposits: %w", err)
		}
		if err := requireEnvelope(&c); err != nil {
			return nil, fmt.Errorf("IntegrateDeposits: %w", err)
		}
		if c.MaxSteps <= 0 {
			return nil, fmt.Errorf("IntegrateDeposits: max_steps must be positive")
		}
		return &c, nil
	}
	var c command.FundWithdrawals
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse FundWithdrawals: %w", err)
	}
	if err := requireEnvelope(&c); err != nil {
		return nil, fmt.Errorf("FundWithdrawals: %w", err)
	}
	if c.MaxSteps <= 0 {
		return nil, fmt.Errorf("FundWithdrawals: max_steps must be positive")
	}
	return &c, nil
}

// decodeCallerCmd decodes admin commands. They all carry a Caller field;
// reflection-free access goes through a type switch.
func decodeCallerCmd(data []byte, cmd command.Command) (command.Command, error) {
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("parse %s: %w", cmd.CommandType(), err)
	}
	if err := requireEnvelope(cmd); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.CommandType(), err)
	}
	var caller uuid.UUID
	switch c := cmd.(type) {
	case *command.ListAsset:
		caller = c.Caller
	case *command.DelistAsset:
		caller = c.Caller
	case *command.UpdateLotRatio:
		caller = c.Caller
	case *command.UpdateFundingSpread:
		caller = c.Caller
	case *command.UpdateRiskParams:
		caller = c.Caller
	case *command.SetRelayer:
		caller = c.Caller
	case *command.WithdrawFees:
		caller = c.Caller
	}
	if err := requireCaller(caller); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.CommandType(), err)
	}
	return cmd, nil
}
