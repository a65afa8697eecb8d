package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"PerpVault/internal/command"
	"PerpVault/internal/ingestion"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawCommand{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseOpenLimitOrder(t *testing.T) {
	payload := map[string]interface{}{
		"ref":          "550e8400-e29b-41d4-a716-446655440000",
		"caller":       "660e8400-e29b-41d4-a716-446655440001",
		"asset":        uint32(1),
		"is_long":      true,
		"leverage":     int64(10),
		"lots":         int64(5),
		"target_price": int64(50_000_000_000),
		"stop_loss":    int64(48_000_000_000),
		"take_profit":  int64(55_000_000_000),
		"now":          int64(1_700_000_000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "OpenLimitOrder")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	olo, ok := cmd.(*command.OpenLimitOrder)
	if !ok {
		t.Fatalf("expected *command.OpenLimitOrder, got %T", cmd)
	}
	if olo.Asset != 1 {
		t.Errorf("asset: got %d, want 1", olo.Asset)
	}
	if !olo.IsLong {
		t.Errorf("is_long: got false, want true")
	}
	if olo.Leverage != 10 {
		t.Errorf("leverage: got %d, want 10", olo.Leverage)
	}
	if olo.Lots != 5 {
		t.Errorf("lots: got %d, want 5", olo.Lots)
	}
	if olo.TargetPrice != 50_000_000_000 {
		t.Errorf("target_price: got %d, want 50_000_000_000", olo.TargetPrice)
	}
	wantKey := "open_limit:550e8400-e29b-41d4-a716-446655440000"
	if olo.IdempotencyKey() != wantKey {
		t.Errorf("idempotency key: got %s, want %s", olo.IdempotencyKey(), wantKey)
	}
}

func TestParseOpenLimitOrderMissingRef(t *testing.T) {
	payload := map[string]interface{}{
		"caller":       "660e8400-e29b-41d4-a716-446655440001",
		"asset":        uint32(1),
		"lots":         int64(5),
		"target_price": int64(50_000_000_000),
		"now":          int64(1_700_000_000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawCommand(raw, "OpenLimitOrder"); err == nil {
		t.Fatal("expected error for missing ref")
	}
}

func TestParseOpenLimitOrderZeroLots(t *testing.T) {
	payload := map[string]interface{}{
		"ref":          "550e8400-e29b-41d4-a716-446655440000",
		"caller":       "660e8400-e29b-41d4-a716-446655440001",
		"asset":        uint32(1),
		"lots":         int64(0),
		"target_price": int64(50_000_000_000),
		"now":          int64(1_700_000_000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawCommand(raw, "OpenLimitOrder"); err == nil {
		t.Fatal("expected error for zero lots")
	}
}

func TestParseOpenMarketPositionRequiresProof(t *testing.T) {
	payload := map[string]interface{}{
		"ref":     "550e8400-e29b-41d4-a716-446655440000",
		"caller":  "660e8400-e29b-41d4-a716-446655440001",
		"asset":   uint32(1),
		"is_long": false,
		"lots":    int64(2),
		"now":     int64(1_700_000_000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawCommand(raw, "OpenMarketPosition"); err == nil {
		t.Fatal("expected error for missing proof")
	}

	payload["proof"] = []byte(`{"items":[]}`)
	raw = rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "OpenMarketPosition")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	omp, ok := cmd.(*command.OpenMarketPosition)
	if !ok {
		t.Fatalf("expected *command.OpenMarketPosition, got %T", cmd)
	}
	if omp.IsLong {
		t.Errorf("is_long: got true, want false")
	}
}

func TestParseExecuteOrder(t *testing.T) {
	payload := map[string]interface{}{
		"ref":      "770e8400-e29b-41d4-a716-446655440002",
		"trade_id": uint64(42),
		"proof":    []byte(`{"items":[]}`),
		"now":      int64(1_700_000_000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "ExecuteOrder")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	eo, ok := cmd.(*command.ExecuteOrder)
	if !ok {
		t.Fatalf("expected *command.ExecuteOrder, got %T", cmd)
	}
	if eo.TradeID != 42 {
		t.Errorf("trade_id: got %d, want 42", eo.TradeID)
	}
	wantKey := "execute:42:770e8400-e29b-41d4-a716-446655440002"
	if eo.IdempotencyKey() != wantKey {
		t.Errorf("idempotency key: got %s, want %s", eo.IdempotencyKey(), wantKey)
	}
}

func TestParseUpdateStopsRequiresSelection(t *testing.T) {
	payload := map[string]interface{}{
		"ref":      "550e8400-e29b-41d4-a716-446655440000",
		"caller":   "660e8400-e29b-41d4-a716-446655440001",
		"trade_id": uint64(7),
		"now":      int64(1_700_000_000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawCommand(raw, "UpdateStops"); err == nil {
		t.Fatal("expected error when no protection level is selected")
	}

	payload["set_stop_loss"] = true
	payload["stop_loss"] = int64(48_000_000_000)
	raw = rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "UpdateStops")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	us := cmd.(*command.UpdateStops)
	if !us.SetStopLoss || us.SetTakeProfit {
		t.Errorf("selection flags: got sl=%v tp=%v, want sl=true tp=false", us.SetStopLoss, us.SetTakeProfit)
	}
}

func TestParseDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"ref":    "550e8400-e29b-41d4-a716-446655440000",
		"caller": "660e8400-e29b-41d4-a716-446655440001",
		"amount": int64(1_000_000_000),
		"now":    int64(1_700_000_000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "Deposit")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	dep := cmd.(*command.Deposit)
	if dep.Amount != 1_000_000_000 {
		t.Errorf("amount: got %d, want 1_000_000_000", dep.Amount)
	}
}

func TestParseDepositNonPositiveAmount(t *testing.T) {
	payload := map[string]interface{}{
		"ref":    "550e8400-e29b-41d4-a716-446655440000",
		"caller": "660e8400-e29b-41d4-a716-446655440001",
		"amount": int64(-5),
		"now":    int64(1_700_000_000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawCommand(raw, "Deposit"); err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestParseBoundedStepCommands(t *testing.T) {
	payload := map[string]interface{}{
		"ref":       "550e8400-e29b-41d4-a716-446655440000",
		"max_steps": 50,
		"now":       int64(1_700_000_000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "IntegrateDeposits")
	if err != nil {
		t.Fatalf("parse IntegrateDeposits failed: %v", err)
	}
	if got := cmd.(*command.IntegrateDeposits).MaxSteps; got != 50 {
		t.Errorf("max_steps: got %d, want 50", got)
	}

	cmd, err = ingestion.ParseRawCommand(raw, "FundWithdrawals")
	if err != nil {
		t.Fatalf("parse FundWithdrawals failed: %v", err)
	}
	if got := cmd.(*command.FundWithdrawals).MaxSteps; got != 50 {
		t.Errorf("max_steps: got %d, want 50", got)
	}

	payload["max_steps"] = 0
	raw = rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawCommand(raw, "IntegrateDeposits"); err == nil {
		t.Fatal("expected error for zero max_steps")
	}
}

func TestParseAdminCommandsRequireCaller(t *testing.T) {
	payload := map[string]interface{}{
		"ref": "550e8400-e29b-41d4-a716-446655440000",
		"now": int64(1_700_000_000),
	}

	for _, cmdType := range []string{
		"DelistAsset", "UpdateLotRatio", "UpdateFundingSpread",
		"UpdateRiskParams", "SetRelayer", "WithdrawFees",
	} {
		raw := rawFromJSON(t, payload)
		if _, err := ingestion.ParseRawCommand(raw, cmdType); err == nil {
			t.Errorf("%s: expected error for missing caller", cmdType)
		}
	}
}

func TestParseListAsset(t *testing.T) {
	payload := map[string]interface{}{
		"ref":    "550e8400-e29b-41d4-a716-446655440000",
		"caller": "660e8400-e29b-41d4-a716-446655440001",
		"now":    int64(1_700_000_000),
		"params": map[string]interface{}{
			"id":                   uint32(3),
			"symbol":               "XAU",
			"ratio_num":            int64(1),
			"ratio_den":            int64(10),
			"max_leverage":         int64(20),
			"spread_rate":          int64(500),
			"commission_rate":      int64(300),
			"base_funding_rate":    int64(1_000),
			"weekend_funding_rate": int64(5_000),
			"security_multiplier":  int64(1_000_000),
			"max_physical_move":    int64(200_000),
		},
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "ListAsset")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	la, ok := cmd.(*command.ListAsset)
	if !ok {
		t.Fatalf("expected *command.ListAsset, got %T", cmd)
	}
	if la.Params.Symbol != "XAU" {
		t.Errorf("symbol: got %s, want XAU", la.Params.Symbol)
	}
	if la.Params.RatioDen != 10 {
		t.Errorf("ratio_den: got %d, want 10", la.Params.RatioDen)
	}
}

func TestParseUnknownCommandType(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{})
	if _, err := ingestion.ParseRawCommand(raw, "NoSuchCommand"); err == nil {
		t.Fatal("expected error for unknown command type")
	}
}

func TestParseMissingTimestamp(t *testing.T) {
	payload := map[string]interface{}{
		"ref":    "550e8400-e29b-41d4-a716-446655440000",
		"caller": "660e8400-e29b-41d4-a716-446655440001",
		"amount": int64(100),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawCommand(raw, "Deposit"); err == nil {
		t.Fatal("expected error for missing timestamp")
	}
}
