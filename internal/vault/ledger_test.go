package vault_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"PerpVault/internal/fault"
	"PerpVault/internal/vault"
)

type fixedReserve struct{ required int64 }

func (f *fixedReserve) RequiredReserve() int64 { return f.required }

func TestDepositWithdraw(t *testing.T) {
	l := vault.NewLedger(0, nil)
	trader := uuid.New()

	if err := l.Deposit(trader, 1_000_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if got := l.Account(trader).Free; got != 1_000_000 {
		t.Errorf("free after deposit: got %d, want 1_000_000", got)
	}

	if err := l.Withdraw(trader, 400_000); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if got := l.Account(trader).Free; got != 600_000 {
		t.Errorf("free after withdraw: got %d, want 600_000", got)
	}

	if err := l.Withdraw(trader, 700_000); !errors.Is(err, fault.ErrSolvency) {
		t.Errorf("overdraw: got %v, want ErrSolvency", err)
	}
	if err := l.Deposit(trader, 0); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("zero deposit: got %v, want ErrValidation", err)
	}
}

func TestLockUnlockConservesTotal(t *testing.T) {
	l := vault.NewLedger(0, nil)
	trader := uuid.New()

	if err := l.Deposit(trader, 1_000_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := l.Lock(trader, 300_000); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	acct := l.Account(trader)
	if acct.Free != 700_000 || acct.Locked != 300_000 {
		t.Errorf("after lock: free=%d locked=%d", acct.Free, acct.Locked)
	}

	if err := l.Lock(trader, 800_000); !errors.Is(err, fault.ErrSolvency) {
		t.Errorf("overlock: got %v, want ErrSolvency", err)
	}
	if err := l.Unlock(trader, 400_000); !errors.Is(err, fault.ErrState) {
		t.Errorf("overunlock: got %v, want ErrState", err)
	}

	if err := l.Unlock(trader, 300_000); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	acct = l.Account(trader)
	if acct.Free != 1_000_000 || acct.Locked != 0 {
		t.Errorf("after unlock: free=%d locked=%d", acct.Free, acct.Locked)
	}
}

func TestCollectCommissionSplitsAdminShare(t *testing.T) {
	// 50% of commission routed to the admin fee balance
	l := vault.NewLedger(500_000, nil)
	trader := uuid.New()

	if err := l.Deposit(trader, 1_000_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := l.Lock(trader, 100_000); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if err := l.CollectCommission(trader, 100_000); err != nil {
		t.Fatalf("collect failed: %v", err)
	}

	cap := l.Capital()
	if cap.AdminFee != 50_000 {
		t.Errorf("admin fee: got %d, want 50_000", cap.AdminFee)
	}
	if cap.LpFree != 50_000 {
		t.Errorf("lp free: got %d, want 50_000", cap.LpFree)
	}
	if got := l.Account(trader).Locked; got != 0 {
		t.Errorf("locked after collect: got %d, want 0", got)
	}
}

func TestCollectCommissionZeroIsNoOp(t *testing.T) {
	l := vault.NewLedger(500_000, nil)
	trader := uuid.New()

	if err := l.Deposit(trader, 1_000_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := l.Lock(trader, 100_000); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	// A fill can legally round its commission down to zero; the collect
	// must succeed without touching any balance
	if err := l.CollectCommission(trader, 0); err != nil {
		t.Fatalf("zero collect failed: %v", err)
	}
	cap := l.Capital()
	if cap.AdminFee != 0 || cap.LpFree != 0 {
		t.Errorf("capital after zero collect: adminFee=%d lpFree=%d", cap.AdminFee, cap.LpFree)
	}
	if got := l.Account(trader).Locked; got != 100_000 {
		t.Errorf("locked after zero collect: got %d, want 100_000", got)
	}

	if err := l.CollectCommission(trader, -1); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("negative collect: got %v, want ErrValidation", err)
	}
}

func TestLpLockRespectsWithdrawalReserve(t *testing.T) {
	l := vault.NewLedger(0, nil)
	reserve := &fixedReserve{}
	if err := l.BindReserveProvider(reserve); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if err := l.BindReserveProvider(reserve); !errors.Is(err, fault.ErrState) {
		t.Errorf("double bind: got %v, want ErrState", err)
	}

	if err := l.AddLpCapital(1_000_000); err != nil {
		t.Fatalf("add capital failed: %v", err)
	}

	reserve.required = 800_000
	if err := l.LpLock(300_000); !errors.Is(err, fault.ErrSolvency) {
		t.Errorf("lock into reserve: got %v, want ErrSolvency", err)
	}
	if err := l.LpLock(200_000); err != nil {
		t.Fatalf("lock within reserve failed: %v", err)
	}

	cap := l.Capital()
	if cap.LpFree != 800_000 || cap.LpLocked != 200_000 {
		t.Errorf("capital: free=%d locked=%d", cap.LpFree, cap.LpLocked)
	}

	if err := l.LpUnlock(200_000); err != nil {
		t.Fatalf("lp unlock failed: %v", err)
	}
	if err := l.LpUnlock(1); !errors.Is(err, fault.ErrState) {
		t.Errorf("over lp unlock: got %v, want ErrState", err)
	}
}

func TestSettleCloseProfitAndLoss(t *testing.T) {
	l := vault.NewLedger(0, nil)
	trader := uuid.New()

	if err := l.AddLpCapital(1_000_000); err != nil {
		t.Fatalf("add capital failed: %v", err)
	}
	if err := l.Deposit(trader, 500_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := l.Lock(trader, 200_000); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	// Profit: margin back plus winnings from LP free capital
	if err := l.SettleClose(trader, 200_000, 50_000); err != nil {
		t.Fatalf("settle profit failed: %v", err)
	}
	acct := l.Account(trader)
	if acct.Free != 550_000 || acct.Locked != 0 {
		t.Errorf("after profit: free=%d locked=%d", acct.Free, acct.Locked)
	}
	if got := l.Capital().LpFree; got != 950_000 {
		t.Errorf("lp free after profit: got %d, want 950_000", got)
	}

	// Loss: capped at margin, flows to LP
	if err := l.Lock(trader, 200_000); err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	if err := l.SettleClose(trader, 200_000, -200_000); err != nil {
		t.Fatalf("settle loss failed: %v", err)
	}
	if got := l.Account(trader).Free; got != 350_000 {
		t.Errorf("after loss: free=%d, want 350_000", got)
	}
	if got := l.Capital().LpFree; got != 1_150_000 {
		t.Errorf("lp free after loss: got %d, want 1_150_000", got)
	}

	// Loss beyond margin is a state error, not a clamp
	if err := l.Lock(trader, 100_000); err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	if err := l.SettleClose(trader, 100_000, -150_000); !errors.Is(err, fault.ErrState) {
		t.Errorf("loss beyond margin: got %v, want ErrState", err)
	}
}

func TestSettleClampsNegativeToFree(t *testing.T) {
	l := vault.NewLedger(0, nil)
	trader := uuid.New()

	if err := l.Deposit(trader, 100_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	applied := l.Settle(trader, -250_000)
	if applied != -100_000 {
		t.Errorf("clamped settle: got %d, want -100_000", applied)
	}
	if got := l.Account(trader).Free; got != 0 {
		t.Errorf("free after clamp: got %d, want 0", got)
	}
}

func TestEscrowOut(t *testing.T) {
	l := vault.NewLedger(0, nil)
	if err := l.AddLpCapital(500_000); err != nil {
		t.Fatalf("add capital failed: %v", err)
	}

	if err := l.EscrowOut(600_000); !errors.Is(err, fault.ErrSolvency) {
		t.Errorf("over escrow: got %v, want ErrSolvency", err)
	}
	if err := l.EscrowOut(500_000); err != nil {
		t.Fatalf("escrow failed: %v", err)
	}
	if got := l.Capital().LpFree; got != 0 {
		t.Errorf("lp free after escrow: got %d, want 0", got)
	}
}

func TestWithdrawAdminFees(t *testing.T) {
	l := vault.NewLedger(1_000_000, nil) // all commission to admin
	trader := uuid.New()
	admin := uuid.New()

	if err := l.Deposit(trader, 100_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := l.Lock(trader, 100_000); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if err := l.CollectCommission(trader, 100_000); err != nil {
		t.Fatalf("collect failed: %v", err)
	}

	if err := l.WithdrawAdminFees(admin, 200_000); !errors.Is(err, fault.ErrSolvency) {
		t.Errorf("fee overdraw: got %v, want ErrSolvency", err)
	}
	if err := l.WithdrawAdminFees(admin, 100_000); err != nil {
		t.Fatalf("fee withdrawal failed: %v", err)
	}
	if got := l.Capital().AdminFee; got != 0 {
		t.Errorf("admin fee after withdrawal: got %d, want 0", got)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	l := vault.NewLedger(500_000, nil)
	trader := uuid.New()

	if err := l.Deposit(trader, 750_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := l.Lock(trader, 250_000); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if err := l.AddLpCapital(2_000_000); err != nil {
		t.Fatalf("add capital failed: %v", err)
	}

	accounts, capital := l.Snapshot()

	l2 := vault.NewLedger(500_000, nil)
	l2.Restore(accounts, capital)

	acct := l2.Account(trader)
	if acct.Free != 500_000 || acct.Locked != 250_000 {
		t.Errorf("restored account: free=%d locked=%d", acct.Free, acct.Locked)
	}
	if got := l2.LpCapital(); got != 2_000_000 {
		t.Errorf("restored lp capital: got %d, want 2_000_000", got)
	}
}
