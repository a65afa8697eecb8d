package fixedpoint

import "testing"

func TestMulDivExact(t *testing.T) {
	if got := MulDiv(6, 4, 3); got != 8 {
		t.Errorf("MulDiv(6,4,3): got %d, want 8", got)
	}
	if got := MulDiv(1_000_000, 1_000_000, 1_000_000); got != 1_000_000 {
		t.Errorf("MulDiv identity: got %d, want 1_000_000", got)
	}
}

func TestMulDivBankersRounding(t *testing.T) {
	// 15/2 = 7.5 rounds to 8 (7 is odd, round away)
	if got := MulDiv(3, 5, 2); got != 8 {
		t.Errorf("MulDiv(3,5,2): got %d, want 8", got)
	}
	// 25/2 = 12.5 rounds to 12 (12 is even, stays)
	if got := MulDiv(5, 5, 2); got != 12 {
		t.Errorf("MulDiv(5,5,2): got %d, want 12", got)
	}
}

func TestMulDivLargeIntermediate(t *testing.T) {
	// lots x price products overflow int64 for large books; the int128
	// intermediate must not.
	lots := int64(5_000_000)
	price := int64(5_000_000_000_000) // 5M USD 6-dec
	got := MulDiv(lots, price, 1_000_000)
	want := int64(25_000_000_000_000) // 25B USD 6-dec
	if got != want {
		t.Errorf("MulDiv large: got %d, want %d", got, want)
	}
}

func TestMulDiv3(t *testing.T) {
	if got := MulDiv3(2, 3, 4, 1); got != 24 {
		t.Errorf("MulDiv3(2,3,4,1): got %d, want 24", got)
	}
	if got := MulDiv3(10, 500, 1_000_000, 1_000_000); got != 5_000 {
		t.Errorf("MulDiv3 rate: got %d, want 5_000", got)
	}
}

func TestApplyRate(t *testing.T) {
	// 1% of 200 USD
	if got := ApplyRate(200_000_000, 10_000); got != 2_000_000 {
		t.Errorf("ApplyRate 1%%: got %d, want 2_000_000", got)
	}
	if got := ApplyRate(200_000_000, 0); got != 0 {
		t.Errorf("ApplyRate 0: got %d, want 0", got)
	}
	// 100% is the identity
	if got := ApplyRate(123_456, RateScale); got != 123_456 {
		t.Errorf("ApplyRate full: got %d, want 123_456", got)
	}
}

func TestRateScaleMatchesConfig(t *testing.T) {
	if RateScale != RateConfig.Scale {
		t.Errorf("RateScale %d diverged from RateConfig.Scale %d", RateScale, RateConfig.Scale)
	}
}

func TestComputeVwap(t *testing.T) {
	if got := ComputeVwap(0, 0); got != 0 {
		t.Errorf("empty book vwap: got %d, want 0", got)
	}
	// 2 lots @ 100 + 3 lots @ 200 -> 160
	if got := ComputeVwap(2*100+3*200, 5); got != 160 {
		t.Errorf("vwap: got %d, want 160", got)
	}
}

func TestComputeSignedPnl(t *testing.T) {
	// Long 5 lots, price 100 -> 110, ratio 1/1
	if got := ComputeSignedPnl(1, 110, 100, 5, 1, 1); got != 50 {
		t.Errorf("long pnl: got %d, want 50", got)
	}
	// Short side loses the same move
	if got := ComputeSignedPnl(-1, 110, 100, 5, 1, 1); got != -50 {
		t.Errorf("short pnl: got %d, want -50", got)
	}
	// Ratio scales lots into notional units
	if got := ComputeSignedPnl(1, 110, 100, 5, 1, 10); got != 5 {
		t.Errorf("ratio pnl: got %d, want 5", got)
	}
}

func TestComputeNotional(t *testing.T) {
	// 2 lots @ 50_000 USD with ratio 1/100
	got := ComputeNotional(2, 50_000_000_000, 1, 100)
	if got != 1_000_000_000 {
		t.Errorf("notional: got %d, want 1_000_000_000", got)
	}
	if got := ComputeNotional(3, 100, 1, 1); got != 300 {
		t.Errorf("unit ratio notional: got %d, want 300", got)
	}
}

func TestDivideInt128RoundingModes(t *testing.T) {
	num := MultiplyInt128(7, 1)
	defer putInt128(num)

	if got := DivideInt128(num, 2, RoundDown); got != 3 {
		t.Errorf("RoundDown 7/2: got %d, want 3", got)
	}
	num2 := MultiplyInt128(7, 1)
	defer putInt128(num2)
	if got := DivideInt128(num2, 2, RoundUp); got != 4 {
		t.Errorf("RoundUp 7/2: got %d, want 4", got)
	}
}
