// Package epoch implements the vault's discrete settlement windows: one
// share price fixed per epoch, deposit minting, withdrawal burning, and
// the FIFO escrow queue that funds withdrawal obligations as liquidity
// frees up.
package epoch

import (
	"fmt"

	"github.com/google/uuid"

	"PerpVault/internal/fault"
	"PerpVault/internal/fixedpoint"
	"PerpVault/internal/pnl"
	"PerpVault/internal/vault"
)

// PriceScale is the fixed-point scale of the per-epoch share price;
// bootstrap price is exactly 1.0.
const PriceScale = 1_000_000

// Deposit is a pending LP deposit. USD is debited from the owner's free
// balance at request time and held outside LP capital until integration.
type Deposit struct {
	ID        uint64
	Owner     uuid.UUID
	Epoch     uint64
	Amount    int64
	Processed bool
	Shares    int64
}

// Withdrawal is a pending share redemption. Shares leave the owner's
// balance at request time and burn at the requesting epoch's close.
type Withdrawal struct {
	ID          uint64
	Owner       uuid.UUID
	Epoch       uint64
	Shares      int64
	Processed   bool // burned at epoch close
	RequiredUsd int64
	Claimed     bool
}

// Record is the closed-epoch ledger entry.
type Record struct {
	ID                 uint64
	StartTs            int64
	EndTs              int64
	TotalSharesAtStart int64
	SharePrice         int64
	CapitalAtEnd       int64
	FinalizedPnl       int64 // vault-perspective unrealized PnL at close
	DepositsIntegrated int64 // USD
	SharesMinted       int64
	WithdrawalShares   int64
	RequiredUsd        int64
	EscrowFunded       int64
	EscrowClaimed      int64
}

// Engine drives epochs. Like every other component it executes whole
// operations atomically; the multi-step parts (deposit integration, FIFO
// funding) are explicit bounded protocols resumed across calls.
type Engine struct {
	vault    *vault.Ledger
	duration int64 // seconds

	currentEpoch uint64
	epochStart   int64

	totalShares int64
	shares      map[uuid.UUID]int64

	nextDepositID    uint64
	nextWithdrawalID uint64
	deposits         map[uint64]*Deposit
	withdrawals      map[uint64]*Withdrawal

	// Requests made in the open epoch, in request order. RollEpoch
	// consumes these so a roll costs the open epoch, not all history.
	pendingDeposits    []uint64
	pendingWithdrawals []uint64

	epochs map[uint64]*Record

	// Deposits of the last closed epoch awaiting bounded integration.
	integrationQueue []uint64
	integrationEpoch uint64

	// FIFO of closed epochs whose withdrawal obligation is not yet fully
	// escrowed, oldest first.
	unfundedEpochs []uint64
	outstanding    int64 // total required USD not yet escrowed
}

func NewEngine(vlt *vault.Ledger, duration, genesisTs int64) *Engine {
	return &Engine{
		vault:        vlt,
		duration:     duration,
		currentEpoch: 1,
		epochStart:   genesisTs,
		shares:       make(map[uuid.UUID]int64),
		deposits:     make(map[uint64]*Deposit),
		withdrawals:  make(map[uint64]*Withdrawal),
		epochs:       make(map[uint64]*Record),
	}
}

// RequiredReserve implements vault.ReserveProvider: LP free capital may
// not be locked away below the unfunded withdrawal obligation.
func (e *Engine) RequiredReserve() int64 {
	return e.outstanding
}

// CurrentEpoch returns the open epoch id and its start timestamp.
func (e *Engine) CurrentEpoch() (uint64, int64) {
	return e.currentEpoch, e.epochStart
}

// TotalShares returns the outstanding share supply.
func (e *Engine) TotalShares() int64 {
	return e.totalShares
}

// Shares returns one owner's share balance.
func (e *Engine) Shares(owner uuid.UUID) int64 {
	return e.shares[owner]
}

// EpochRecord returns the closed-epoch entry.
func (e *Engine) EpochRecord(id uint64) (Record, bool) {
	r, ok := e.epochs[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// RequestDeposit moves USD from the owner's free balance into the pending
// bucket. Shares mint at this epoch's close price.
func (e *Engine) RequestDeposit(owner uuid.UUID, amount int64) (uint64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("deposit amount %d: %w", amount, fault.ErrValidation)
	}
	if err := e.vault.DebitFree(owner, amount); err != nil {
		return 0, err
	}
	e.nextDepositID++
	id := e.nextDepositID
	e.deposits[id] = &Deposit{
		ID:     id,
		Owner:  owner,
		Epoch:  e.currentEpoch,
		Amount: amount,
	}
	e.pendingDeposits = append(e.pendingDeposits, id)
	return id, nil
}

// RequestWithdrawal moves shares out of the owner's balance. They burn at
// this epoch's close price.
func (e *Engine) RequestWithdrawal(owner uuid.UUID, shares int64) (uint64, error) {
	if shares <= 0 {
		return 0, fmt.Errorf("withdrawal shares %d: %w", shares, fault.ErrValidation)
	}
	if e.shares[owner] < shares {
		return 0, fmt.Errorf("withdrawal %d exceeds share balance %d: %w",
			shares, e.shares[owner], fault.ErrSolvency)
	}
	e.shares[owner] -= shares
	e.nextWithdrawalID++
	id := e.nextWithdrawalID
	e.withdrawals[id] = &Withdrawal{
		ID:     id,
		Owner:  owner,
		Epoch:  e.currentEpoch,
		Shares: shares,
	}
	e.pendingWithdrawals = append(e.pendingWithdrawals, id)
	return id, nil
}

// RollEpoch closes the current epoch: fixes the share price from NAV and
// the finalized PnL run, burns this epoch's withdrawal shares into a USD
// obligation on the FIFO queue, and queues this epoch's deposits for
// integration at the fixed price.
//
// Preconditions, all-or-nothing: the epoch has elapsed, the aggregator
// has a finalized run for exactly this epoch, and the previous epoch's
// deposits are fully integrated (no deposit may be priced at an epoch
// later than the one it was requested in).
func (e *Engine) RollEpoch(run pnl.Run, now int64) error {
	if now-e.epochStart < e.duration {
		return fmt.Errorf("epoch %d has %ds of %ds elapsed: %w",
			e.currentEpoch, now-e.epochStart, e.duration, fault.ErrStale)
	}
	if !run.Finalized || run.Epoch != e.currentEpoch {
		return fmt.Errorf("no finalized PnL run for epoch %d: %w", e.currentEpoch, fault.ErrStale)
	}
	if len(e.integrationQueue) > 0 {
		return fmt.Errorf("epoch %d deposits not yet integrated: %w", e.integrationEpoch, fault.ErrState)
	}

	var price int64
	if e.totalShares == 0 {
		if run.TotalPnl != 0 {
			return fmt.Errorf("bootstrap epoch with nonzero PnL %d: %w", run.TotalPnl, fault.ErrState)
		}
		price = PriceScale
	} else {
		// NAV subtracts the not-yet-escrowed withdrawal obligations of
		// prior epochs; already-escrowed funds left LP capital when the
		// FIFO funder moved them. run.TotalPnl is vault-perspective, so
		// trader profit enters as a negative term.
		nav := e.vault.LpCapital() - e.outstanding + run.TotalPnl
		if nav <= 0 {
			return fmt.Errorf("non-positive NAV %d at epoch %d: %w", nav, e.currentEpoch, fault.ErrSolvency)
		}
		price = fixedpoint.MulDiv(nav, PriceScale, e.totalShares)
	}

	rec := &Record{
		ID:                 e.currentEpoch,
		StartTs:            e.epochStart,
		EndTs:              now,
		TotalSharesAtStart: e.totalShares,
		SharePrice:         price,
		CapitalAtEnd:       e.vault.LpCapital(),
		FinalizedPnl:       run.TotalPnl,
	}

	// Burn this epoch's withdrawal requests at the just-fixed price.
	for _, id := range e.pendingWithdrawals {
		w := e.withdrawals[id]
		w.RequiredUsd = fixedpoint.MulDiv(w.Shares, price, PriceScale)
		w.Processed = true
		e.totalShares -= w.Shares
		rec.WithdrawalShares += w.Shares
		rec.RequiredUsd += w.RequiredUsd
	}
	e.pendingWithdrawals = nil
	if rec.RequiredUsd > 0 {
		e.unfundedEpochs = append(e.unfundedEpochs, e.currentEpoch)
		e.outstanding += rec.RequiredUsd
	}

	// Queue this epoch's deposits; IntegrateDeposits mints at this price.
	e.integrationQueue = append(e.integrationQueue, e.pendingDeposits...)
	e.pendingDeposits = nil
	e.integrationEpoch = e.currentEpoch

	e.epochs[e.currentEpoch] = rec
	e.currentEpoch++
	e.epochStart = now
	return nil
}

// IntegrateDeposits processes up to maxSteps queued deposits of the last
// closed epoch: mint shares at its fixed price and move the USD into LP
// free capital. Returns the number processed; callers repeat until the
// queue drains.
func (e *Engine) IntegrateDeposits(maxSteps int) (int, error) {
	if maxSteps <= 0 {
		return 0, fmt.Errorf("maxSteps %d: %w", maxSteps, fault.ErrValidation)
	}
	rec, ok := e.epochs[e.integrationEpoch]
	if !ok && len(e.integrationQueue) > 0 {
		return 0, fmt.Errorf("no record for integration epoch %d: %w", e.integrationEpoch, fault.ErrState)
	}

	done := 0
	for done < maxSteps && len(e.integrationQueue) > 0 {
		id := e.integrationQueue[0]
		d := e.deposits[id]

		shares := fixedpoint.MulDiv(d.Amount, PriceScale, rec.SharePrice)
		if err := e.vault.AddLpCapital(d.Amount); err != nil {
			return done, err
		}
		d.Shares = shares
		d.Processed = true
		e.shares[d.Owner] += shares
		e.totalShares += shares
		rec.DepositsIntegrated += d.Amount
		rec.SharesMinted += shares

		e.integrationQueue = e.integrationQueue[1:]
		done++
	}
	return done, nil
}

// FundNextWithdrawalEpochs moves available LP free capital into per-epoch
// escrow, oldest unfunded epoch first, advancing the FIFO pointer once an
// epoch is fully escrowed. Bounded by maxSteps; stops when free liquidity
// runs out.
func (e *Engine) FundNextWithdrawalEpochs(maxSteps int) (int64, error) {
	if maxSteps <= 0 {
		return 0, fmt.Errorf("maxSteps %d: %w", maxSteps, fault.ErrValidation)
	}

	var funded int64
	for step := 0; step < maxSteps && len(e.unfundedEpochs) > 0; step++ {
		rec := e.epochs[e.unfundedEpochs[0]]
		remaining := rec.RequiredUsd - rec.EscrowFunded

		free := e.vault.Capital().LpFree
		amount := remaining
		if free < amount {
			amount = free
		}
		if amount <= 0 {
			break // no liquidity; resume on a later call
		}

		if err := e.vault.EscrowOut(amount); err != nil {
			return funded, err
		}
		rec.EscrowFunded += amount
		e.outstanding -= amount
		funded += amount

		if rec.EscrowFunded >= rec.RequiredUsd {
			e.unfundedEpochs = e.unfundedEpochs[1:]
		}
	}
	return funded, nil
}

// ClaimWithdrawal pays a burned withdrawal out of its epoch's escrow into
// the owner's free balance. Fails with a solvency error until the
// requesting epoch is fully escrowed.
func (e *Engine) ClaimWithdrawal(owner uuid.UUID, id uint64) (int64, error) {
	w, ok := e.withdrawals[id]
	if !ok {
		return 0, fmt.Errorf("withdrawal %d unknown: %w", id, fault.ErrValidation)
	}
	if w.Owner != owner {
		return 0, fmt.Errorf("withdrawal %d is not owned by %s: %w", id, owner, fault.ErrValidation)
	}
	if !w.Processed {
		return 0, fmt.Errorf("withdrawal %d not yet burned: %w", id, fault.ErrState)
	}
	if w.Claimed {
		return 0, fmt.Errorf("withdrawal %d already claimed: %w", id, fault.ErrState)
	}

	rec := e.epochs[w.Epoch]
	if rec.EscrowFunded < rec.RequiredUsd {
		return 0, fmt.Errorf("epoch %d escrow %d of %d funded: %w",
			w.Epoch, rec.EscrowFunded, rec.RequiredUsd, fault.ErrSolvency)
	}

	w.Claimed = true
	rec.EscrowClaimed += w.RequiredUsd
	e.vault.Settle(owner, w.RequiredUsd)
	return w.RequiredUsd, nil
}

// Snapshot captures the full engine state.
type Snapshot struct {
	CurrentEpoch       uint64
	EpochStart         int64
	TotalShares        int64
	Shares             map[uuid.UUID]int64
	NextDepositID      uint64
	NextWithdrawalID   uint64
	Deposits           map[uint64]Deposit
	Withdrawals        map[uint64]Withdrawal
	PendingDeposits    []uint64
	PendingWithdrawals []uint64
	Epochs             map[uint64]Record
	IntegrationQueue   []uint64
	IntegrationEpoch   uint64
	UnfundedEpochs     []uint64
	Outstanding        int64
}

// Snapshot returns a deep copy of all engine state.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		CurrentEpoch:       e.currentEpoch,
		EpochStart:         e.epochStart,
		TotalShares:        e.totalShares,
		Shares:             make(map[uuid.UUID]int64, len(e.shares)),
		NextDepositID:      e.nextDepositID,
		NextWithdrawalID:   e.nextWithdrawalID,
		Deposits:           make(map[uint64]Deposit, len(e.deposits)),
		Withdrawals:        make(map[uint64]Withdrawal, len(e.withdrawals)),
		PendingDeposits:    append([]uint64(nil), e.pendingDeposits...),
		PendingWithdrawals: append([]uint64(nil), e.pendingWithdrawals...),
		Epochs:             make(map[uint64]Record, len(e.epochs)),
		IntegrationQueue:   append([]uint64(nil), e.integrationQueue...),
		IntegrationEpoch:   e.integrationEpoch,
		UnfundedEpochs:     append([]uint64(nil), e.unfundedEpochs...),
		Outstanding:        e.outstanding,
	}
	for k, v := range e.shares {
		s.Shares[k] = v
	}
	for k, v := range e.deposits {
		s.Deposits[k] = *v
	}
	for k, v := range e.withdrawals {
		s.Withdrawals[k] = *v
	}
	for k, v := range e.epochs {
		s.Epochs[k] = *v
	}
	return s
}

// Restore overwrites engine state from a snapshot.
func (e *Engine) Restore(s Snapshot) {
	e.currentEpoch = s.CurrentEpoch
	e.epochStart = s.EpochStart
	e.totalShares = s.TotalShares
	e.nextDepositID = s.NextDepositID
	e.nextWithdrawalID = s.NextWithdrawalID
	e.pendingDeposits = append([]uint64(nil), s.PendingDeposits...)
	e.pendingWithdrawals = append([]uint64(nil), s.PendingWithdrawals...)
	e.integrationQueue = append([]uint64(nil), s.IntegrationQueue...)
	e.integrationEpoch = s.IntegrationEpoch
	e.unfundedEpochs = append([]uint64(nil), s.UnfundedEpochs...)
	e.outstanding = s.Outstanding

	e.shares = make(map[uuid.UUID]int64, len(s.Shares))
	for k, v := range s.Shares {
		e.shares[k] = v
	}
	e.deposits = make(map[uint64]*Deposit, len(s.Deposits))
	for k, v := range s.Deposits {
		d := v
		e.deposits[k] = &d
	}
	e.withdrawals = make(map[uint64]*Withdrawal, len(s.Withdrawals))
	for k, v := range s.Withdrawals {
		w := v
		e.withdrawals[k] = &w
	}
	e.epochs = make(map[uint64]*Record, len(s.Epochs))
	for k, v := range s.Epochs {
		r := v
		e.epochs[k] = &r
	}
}
