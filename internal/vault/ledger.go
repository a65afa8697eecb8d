package vault

import (
	"fmt"

	"github.com/google/uuid"

	"PerpVault/internal/fault"
	"PerpVault/internal/fixedpoint"
)

// Account is a trader's balance pair. Free+Locked only ever changes
// through Deposit/Withdraw/Settle; Lock/Unlock conserve the sum.
type Account struct {
	Free   int64
	Locked int64
}

// Capital is the pooled LP side of the vault plus the administrator fee
// balance. The epoch engine's withdrawal reserve buckets live outside
// this struct and are funded through EscrowOut.
type Capital struct {
	LpFree   int64
	LpLocked int64
	AdminFee int64
}

// Transferor moves value across the external token boundary. The ledger's
// internal balances, not the token balance, are authoritative.
type Transferor interface {
	Pull(owner uuid.UUID, amount int64) error
	Push(owner uuid.UUID, amount int64) error
}

// NopTransferor satisfies Transferor for tests and replay.
type NopTransferor struct{}

func (NopTransferor) Pull(uuid.UUID, int64) error { return nil }
func (NopTransferor) Push(uuid.UUID, int64) error { return nil }

// ReserveProvider reports how much LP free capital must stay liquid for
// not-yet-funded withdrawal epochs. LpLock may never dip below it.
type ReserveProvider interface {
	RequiredReserve() int64
}

type zeroReserve struct{}

func (zeroReserve) RequiredReserve() int64 { return 0 }

// Ledger is the only component permitted to move value between balance
// buckets.
type Ledger struct {
	accounts map[uuid.UUID]*Account
	capital  Capital

	adminFeeShare int64 // RateScale fraction of commission routed to admin
	transferor    Transferor
	reserve       ReserveProvider
}

func NewLedger(adminFeeShare int64, transferor Transferor) *Ledger {
	if transferor == nil {
		transferor = NopTransferor{}
	}
	return &Ledger{
		accounts:      make(map[uuid.UUID]*Account),
		adminFeeShare: adminFeeShare,
		transferor:    transferor,
		reserve:       zeroReserve{},
	}
}

// BindReserveProvider wires the epoch engine's withdrawal reserve into
// LP lock checks. One-time binding.
func (l *Ledger) BindReserveProvider(rp ReserveProvider) error {
	if _, bound := l.reserve.(zeroReserve); !bound {
		return fmt.Errorf("reserve provider already bound: %w", fault.ErrState)
	}
	l.reserve = rp
	return nil
}

func (l *Ledger) account(trader uuid.UUID) *Account {
	acct, ok := l.accounts[trader]
	if !ok {
		acct = &Account{}
		l.accounts[trader] = acct
	}
	return acct
}

// Account returns a copy of the trader's balances.
func (l *Ledger) Account(trader uuid.UUID) Account {
	return *l.account(trader)
}

// Capital returns a copy of the LP capital buckets.
func (l *Ledger) Capital() Capital {
	return l.capital
}

// LpCapital is the total LP capital, free plus locked.
func (l *Ledger) LpCapital() int64 {
	return l.capital.LpFree + l.capital.LpLocked
}

// Deposit pulls external funds and credits the trader's free balance.
func (l *Ledger) Deposit(trader uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount %d: %w", amount, fault.ErrValidation)
	}
	if err := l.transferor.Pull(trader, amount); err != nil {
		return fmt.Errorf("deposit transfer: %w", err)
	}
	l.account(trader).Free += amount
	return nil
}

// Withdraw debits the trader's free balance and pushes funds out.
func (l *Ledger) Withdraw(trader uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount %d: %w", amount, fault.ErrValidation)
	}
	acct := l.account(trader)
	if acct.Free < amount {
		return fmt.Errorf("withdraw %d exceeds free balance %d: %w", amount, acct.Free, fault.ErrSolvency)
	}
	if err := l.transferor.Push(trader, amount); err != nil {
		return fmt.Errorf("withdraw transfer: %w", err)
	}
	acct.Free -= amount
	return nil
}

// Lock reserves free balance. Used for margin+commission at order time.
func (l *Ledger) Lock(trader uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("lock amount %d: %w", amount, fault.ErrValidation)
	}
	acct := l.account(trader)
	if acct.Free < amount {
		return fmt.Errorf("lock %d exceeds free balance %d: %w", amount, acct.Free, fault.ErrSolvency)
	}
	acct.Free -= amount
	acct.Locked += amount
	return nil
}

// Unlock releases locked balance back to free.
func (l *Ledger) Unlock(trader uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("unlock amount %d: %w", amount, fault.ErrValidation)
	}
	acct := l.account(trader)
	if acct.Locked < amount {
		return fmt.Errorf("unlock %d exceeds locked balance %d: %w", amount, acct.Locked, fault.ErrState)
	}
	acct.Locked -= amount
	acct.Free += amount
	return nil
}

// Settle applies a signed amount to the trader's free balance. A negative
// settlement is clamped so it cannot take more than what is available.
func (l *Ledger) Settle(trader uuid.UUID, amount int64) int64 {
	acct := l.account(trader)
	if amount < 0 && acct.Free+amount < 0 {
		amount = -acct.Free
	}
	acct.Free += amount
	return amount
}

// DebitFree removes funds from a trader's free balance without an external
// transfer. Used by the epoch engine to move a deposit request into the
// pending bucket.
func (l *Ledger) DebitFree(trader uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount %d: %w", amount, fault.ErrValidation)
	}
	acct := l.account(trader)
	if acct.Free < amount {
		return fmt.Errorf("debit %d exceeds free balance %d: %w", amount, acct.Free, fault.ErrSolvency)
	}
	acct.Free -= amount
	return nil
}

// LpLock reserves LP free capital as max payable profit for a trade.
// Locking may never push free capital below the withdrawal reserve.
func (l *Ledger) LpLock(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("lp lock amount %d: %w", amount, fault.ErrValidation)
	}
	if l.capital.LpFree-amount < l.reserve.RequiredReserve() {
		return fmt.Errorf("lp lock %d would breach withdrawal reserve %d (free=%d): %w",
			amount, l.reserve.RequiredReserve(), l.capital.LpFree, fault.ErrSolvency)
	}
	l.capital.LpFree -= amount
	l.capital.LpLocked += amount
	return nil
}

// LpUnlock releases locked LP capital back to free.
func (l *Ledger) LpUnlock(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("lp unlock amount %d: %w", amount, fault.ErrValidation)
	}
	if l.capital.LpLocked < amount {
		return fmt.Errorf("lp unlock %d exceeds locked capital %d: %w", amount, l.capital.LpLocked, fault.ErrState)
	}
	l.capital.LpLocked -= amount
	l.capital.LpFree += amount
	return nil
}

// CollectCommission takes a held commission out of the trader's locked
// balance, routing the admin share to the fee balance and the remainder
// into LP free capital. Zero is a no-op: a zero commission rate, or a
// positive rate on a small notional rounding down, is a legal fill and
// must not abort an open after margin and LP locks have been taken.
func (l *Ledger) CollectCommission(trader uuid.UUID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("commission amount %d: %w", amount, fault.ErrValidation)
	}
	if amount == 0 {
		return nil
	}
	acct := l.account(trader)
	if acct.Locked < amount {
		return fmt.Errorf("commission %d exceeds locked balance %d: %w", amount, acct.Locked, fault.ErrState)
	}
	acct.Locked -= amount

	adminCut := fixedpoint.ApplyRate(amount, l.adminFeeShare)
	l.capital.AdminFee += adminCut
	l.capital.LpFree += amount - adminCut
	return nil
}

// SettleClose releases a closed trade's margin and applies the signed PnL.
// Profit is paid out of LP free capital (the engine unlocks the trade's
// LP-lock first and caps profit at it); loss flows into LP free capital
// and is capped at the margin.
func (l *Ledger) SettleClose(trader uuid.UUID, margin, pnl int64) error {
	if margin <= 0 {
		return fmt.Errorf("margin %d: %w", margin, fault.ErrValidation)
	}
	if pnl < -margin {
		return fmt.Errorf("loss %d exceeds margin %d: %w", -pnl, margin, fault.ErrState)
	}
	acct := l.account(trader)
	if acct.Locked < margin {
		return fmt.Errorf("release %d exceeds locked balance %d: %w", margin, acct.Locked, fault.ErrState)
	}
	if pnl > 0 && l.capital.LpFree < pnl {
		return fmt.Errorf("profit %d exceeds LP free capital %d: %w", pnl, l.capital.LpFree, fault.ErrSolvency)
	}

	acct.Locked -= margin
	acct.Free += margin + pnl
	l.capital.LpFree -= pnl
	return nil
}

// AddLpCapital credits LP free capital. Used when deposit batches are
// integrated at epoch roll.
func (l *Ledger) AddLpCapital(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("lp capital amount %d: %w", amount, fault.ErrValidation)
	}
	l.capital.LpFree += amount
	return nil
}

// EscrowOut moves LP free capital into the epoch engine's withdrawal
// escrow. The FIFO funder is the only caller.
func (l *Ledger) EscrowOut(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("escrow amount %d: %w", amount, fault.ErrValidation)
	}
	if l.capital.LpFree < amount {
		return fmt.Errorf("escrow %d exceeds LP free capital %d: %w", amount, l.capital.LpFree, fault.ErrSolvency)
	}
	l.capital.LpFree -= amount
	return nil
}

// WithdrawAdminFees pays accumulated commission fees out to the
// administrator.
func (l *Ledger) WithdrawAdminFees(admin uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("fee amount %d: %w", amount, fault.ErrValidation)
	}
	if l.capital.AdminFee < amount {
		return fmt.Errorf("fee withdrawal %d exceeds balance %d: %w", amount, l.capital.AdminFee, fault.ErrSolvency)
	}
	if err := l.transferor.Push(admin, amount); err != nil {
		return fmt.Errorf("fee transfer: %w", err)
	}
	l.capital.AdminFee -= amount
	return nil
}

// Snapshot returns a deep copy of all accounts and the capital buckets.
func (l *Ledger) Snapshot() (map[uuid.UUID]Account, Capital) {
	accounts := make(map[uuid.UUID]Account, len(l.accounts))
	for k, v := range l.accounts {
		accounts[k] = *v
	}
	return accounts, l.capital
}

// Restore overwrites ledger state from a snapshot.
func (l *Ledger) Restore(accounts map[uuid.UUID]Account, capital Capital) {
	l.accounts = make(map[uuid.UUID]*Account, len(accounts))
	for k, v := range accounts {
		a := v
		l.accounts[k] = &a
	}
	l.capital = capital
}
