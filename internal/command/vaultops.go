package command

import (
	"fmt"

	"github.com/google/uuid"
)

// Deposit credits a trader's free balance from the external transferor.
type Deposit struct {
	Ref    uuid.UUID `json:"ref"`
	Caller uuid.UUID `json:"caller"`
	Amount int64     `json:"amount"`
	Now    int64     `json:"now"`
}

func (c *Deposit) IdempotencyKey() string { return fmt.Sprintf("deposit:%s", c.Ref) }
func (c *Deposit) CommandType() Type      { return TypeDeposit }
func (c *Deposit) At() int64              { return c.Now }

// Withdraw pays out a trader's free balance through the transferor.
type Withdraw struct {
	Ref    uuid.UUID `json:"ref"`
	Caller uuid.UUID `json:"caller"`
	Amount int64     `json:"amount"`
	Now    int64     `json:"now"`
}

func (c *Withdraw) IdempotencyKey() string { return fmt.Sprintf("withdraw:%s", c.Ref) }
func (c *Withdraw) CommandType() Type      { return TypeWithdraw }
func (c *Withdraw) At() int64              { return c.Now }

// SubmitPnl feeds one batch of proven prices into the current
// unrealized-PnL run for the given epoch. Keeper-callable.
type SubmitPnl struct {
	Ref   uuid.UUID `json:"ref"`
	Epoch uint64    `json:"epoch"`
	Proof []byte    `json:"proof"`
	Now   int64     `json:"now"`
}

func (c *SubmitPnl) IdempotencyKey() string { return fmt.Sprintf("pnl:%d:%s", c.Epoch, c.Ref) }
func (c *SubmitPnl) CommandType() Type      { return TypeSubmitPnl }
func (c *SubmitPnl) At() int64              { return c.Now }

// LpDeposit queues a liquidity deposit for share pricing at the next
// epoch roll. Funds leave the caller's free balance immediately.
type LpDeposit struct {
	Ref    uuid.UUID `json:"ref"`
	Caller uuid.UUID `json:"caller"`
	Amount int64     `json:"amount"`
	Now    int64     `json:"now"`
}

func (c *LpDeposit) IdempotencyKey() string { return fmt.Sprintf("lp_deposit:%s", c.Ref) }
func (c *LpDeposit) CommandType() Type      { return TypeLpDeposit }
func (c *LpDeposit) At() int64              { return c.Now }

// LpWithdraw queues a share redemption. Shares are deducted now and
// priced at the next epoch roll.
type LpWithdraw struct {
	Ref    uuid.UUID `json:"ref"`
	Caller uuid.UUID `json:"caller"`
	Shares int64     `json:"shares"`
	Now    int64     `json:"now"`
}

func (c *LpWithdraw) IdempotencyKey() string { return fmt.Sprintf("lp_withdraw:%s", c.Ref) }
func (c *LpWithdraw) CommandType() Type      { return TypeLpWithdraw }
func (c *LpWithdraw) At() int64              { return c.Now }

// ClaimWithdrawal pays out a processed, fully escrowed redemption.
type ClaimWithdrawal struct {
	Ref          uuid.UUID `json:"ref"`
	Caller       uuid.UUID `json:"caller"`
	WithdrawalID uint64    `json:"withdrawal_id"`
	Now          int64     `json:"now"`
}

func (c *ClaimWithdrawal) IdempotencyKey() string {
	return fmt.Sprintf("claim:%d:%s", c.WithdrawalID, c.Ref)
}
func (c *ClaimWithdrawal) CommandType() Type { return TypeClaimWithdrawal }
func (c *ClaimWithdrawal) At() int64         { return c.Now }

// RollEpoch closes the current epoch against its finalized PnL run.
// Keeper-callable.
type RollEpoch struct {
	Ref uuid.UUID `json:"ref"`
	Now int64     `json:"now"`
}

func (c *RollEpoch) IdempotencyKey() string { return fmt.Sprintf("roll:%s", c.Ref) }
func (c *RollEpoch) CommandType() Type      { return TypeRollEpoch }
func (c *RollEpoch) At() int64              { return c.Now }

// IntegrateDeposits mints shares for up to MaxSteps queued deposits from
// the last rolled epoch. Keeper-callable.
type IntegrateDeposits struct {
	Ref      uuid.UUID `json:"ref"`
	MaxSteps int       `json:"max_steps"`
	Now      int64     `json:"now"`
}

func (c *IntegrateDeposits) IdempotencyKey() string { return fmt.Sprintf("integrate:%s", c.Ref) }
func (c *IntegrateDeposits) CommandType() Type      { return TypeIntegrateDeposits }
func (c *IntegrateDeposits) At() int64              { return c.Now }

// FundWithdrawals moves free LP capital into escrow for up to MaxSteps
// unfunded withdrawal epochs, oldest first. Keeper-callable.
type FundWithdrawals struct {
	Ref      uuid.UUID `json:"ref"`
	MaxSteps int       `json:"max_steps"`
	Now      int64     `json:"now"`
}

func (c *FundWithdrawals) IdempotencyKey() string { return fmt.Sprintf("fund:%s", c.Ref) }
func (c *FundWithdrawals) CommandType() Type      { return TypeFundWithdrawals }
func (c *FundWithdrawals) At() int64              { return c.Now }
