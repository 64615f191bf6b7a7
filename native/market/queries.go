package market

import (
	"math/big"

	"creditmarket/crypto"
)

// projectedView builds a throwaway working set rolled forward to now without
// persisting anything. The read surface below is served from it.
func (e *Engine) projectedView() (*view, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	v, err := e.beginView()
	if err != nil {
		return nil, err
	}
	if err := e.projectState(v, e.now()); err != nil {
		return nil, err
	}
	return v, nil
}

// CurrentState returns a projection of the market record at the current
// timestamp. The persisted record is not modified.
func (e *Engine) CurrentState() (*MarketState, error) {
	v, err := e.projectedView()
	if err != nil {
		return nil, err
	}
	return v.state, nil
}

// HeldAssets returns the market's current asset balance.
func (e *Engine) HeldAssets() (*big.Int, error) {
	if e == nil || e.asset == nil {
		return nil, errNilAsset
	}
	return e.asset.BalanceOf(e.marketAddress)
}

// BalanceOf returns a lender's balance in normalized token units at the
// projected scale.
func (e *Engine) BalanceOf(lender crypto.Address) (*big.Int, error) {
	v, err := e.projectedView()
	if err != nil {
		return nil, err
	}
	acct, err := v.account(lender)
	if err != nil {
		return nil, err
	}
	return v.state.NormalizeAmount(acct.ScaledBalance), nil
}

// ScaledBalanceOf returns a lender's interest-invariant claim balance.
func (e *Engine) ScaledBalanceOf(lender crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	acct, err := e.state.GetAccount(lender)
	if err != nil {
		return nil, err
	}
	if acct == nil || acct.ScaledBalance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(acct.ScaledBalance), nil
}

// BorrowableAssets returns the amount the borrower could draw right now.
func (e *Engine) BorrowableAssets() (*big.Int, error) {
	v, err := e.projectedView()
	if err != nil {
		return nil, err
	}
	return v.state.BorrowableAssets(v.held), nil
}

// WithdrawableFees returns the protocol fee amount currently collectable
// without touching withdrawal reserves.
func (e *Engine) WithdrawableFees() (*big.Int, error) {
	v, err := e.projectedView()
	if err != nil {
		return nil, err
	}
	st := v.state
	unavailable := new(big.Int).Add(st.ReservedAssets, st.NormalizeAmount(st.ScaledPendingWithdrawals))
	return minBig(st.AccruedProtocolFees, satSub(v.held, unavailable)), nil
}

// BatchStatus returns the projected record of a withdrawal batch.
func (e *Engine) BatchStatus(expiry uint64) (*WithdrawalBatch, error) {
	v, err := e.projectedView()
	if err != nil {
		return nil, err
	}
	batch, err := v.batch(expiry)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, ErrUnknownBatch
	}
	return batch, nil
}

// ClaimableWithdrawal returns what a lender could pull from a batch right now.
func (e *Engine) ClaimableWithdrawal(lender crypto.Address, expiry uint64) (*big.Int, error) {
	v, err := e.projectedView()
	if err != nil {
		return nil, err
	}
	batch, err := v.batch(expiry)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, ErrUnknownBatch
	}
	status, err := v.status(expiry, lender)
	if err != nil {
		return nil, err
	}
	if status == nil || status.ScaledAmount == nil || status.ScaledAmount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	share := new(big.Int).Mul(batch.NormalizedAmountPaid, status.ScaledAmount)
	share.Quo(share, batch.ScaledTotalAmount)
	return satSub(share, status.NormalizedAmountWithdrawn), nil
}

// UnpaidBatches returns the expiries of batches still owed payment, oldest
// first.
func (e *Engine) UnpaidBatches() ([]uint64, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	queue, err := e.state.GetUnpaidQueue()
	if err != nil {
		return nil, err
	}
	return append([]uint64(nil), queue...), nil
}
