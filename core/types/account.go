package types

import "math/big"

// AccountRole enumerates the withdrawal/deposit permissions granted to a
// market participant.
type AccountRole uint8

const (
	// RoleNone marks an account that has never been authorized on the
	// market. It cannot deposit or request withdrawals.
	RoleNone AccountRole = iota
	// RoleDepositAndWithdraw marks a fully authorized lender.
	RoleDepositAndWithdraw
	// RoleWithdrawOnly marks an account whose authorization was revoked;
	// the existing position may still be unwound.
	RoleWithdrawOnly
)

// Account maintains the lending position for an individual participant.
// Balances are held in scaled units so accrued interest never requires
// per-account writes.
type Account struct {
	Role          AccountRole `json:"role"`
	ScaledBalance *big.Int    `json:"scaledBalance"`
	// IsBlocked flags a sanctioned account. Blocked accounts cannot act
	// except to have their balance moved to escrow.
	IsBlocked bool `json:"isBlocked"`
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Role: a.Role, IsBlocked: a.IsBlocked}
	if a.ScaledBalance != nil {
		clone.ScaledBalance = new(big.Int).Set(a.ScaledBalance)
	}
	return clone
}
