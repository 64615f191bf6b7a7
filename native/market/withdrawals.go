package market

import (
	"math/big"

	"creditmarket/core/types"
	"creditmarket/crypto"
)

// WithdrawRequest adds a lender claim to the pending withdrawal batch,
// opening a new batch when none is open, and immediately applies whatever
// liquidity is currently available. A sanctioned caller has their position
// escrowed instead of queued.
func (e *Engine) WithdrawRequest(lender crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	v, err := e.beginView()
	if err != nil {
		return err
	}
	now := e.now()
	if err := e.projectState(v, now); err != nil {
		return err
	}
	st := v.state

	if e.isSanctioned(lender) {
		if err := e.escrowSanctioned(v, lender); err != nil {
			return err
		}
		if err := v.commit(); err != nil {
			return err
		}
		e.emitAll(v)
		return nil
	}

	acct, err := v.account(lender)
	if err != nil {
		return err
	}
	if acct.IsBlocked {
		return ErrAccountBlocked
	}
	if acct.Role == types.RoleNone {
		return ErrNotAuthorizedLender
	}

	scaled := st.ScaleAmount(amount)
	if scaled.Sign() == 0 {
		return ErrNullBurnAmount
	}
	if scaled.Cmp(acct.ScaledBalance) > 0 {
		return ErrInsufficientBalance
	}

	var batch *WithdrawalBatch
	if st.PendingWithdrawalExpiry == 0 {
		expiry := now + e.params.WithdrawalBatchDuration
		st.PendingWithdrawalExpiry = expiry
		batch = &WithdrawalBatch{Expiry: expiry}
		batch.EnsureDefaults()
		v.putBatch(batch)
		v.emit(NewBatchCreatedEvent(expiry))
	} else {
		batch, err = v.batch(st.PendingWithdrawalExpiry)
		if err != nil {
			return err
		}
		if batch == nil {
			return ErrUnknownBatch
		}
	}

	// The claim moves from the lender's balance into the pending bucket;
	// scaled total supply is untouched until payment burns the claim.
	acct.ScaledBalance = satSub(acct.ScaledBalance, scaled)
	v.markAccount(lender)
	batch.ScaledTotalAmount = new(big.Int).Add(batch.ScaledTotalAmount, scaled)
	v.markBatch(batch.Expiry)
	st.ScaledPendingWithdrawals = new(big.Int).Add(st.ScaledPendingWithdrawals, scaled)

	status, err := v.ensureStatus(batch.Expiry, lender)
	if err != nil {
		return err
	}
	status.ScaledAmount = new(big.Int).Add(status.ScaledAmount, scaled)
	v.markStatus(batch.Expiry, lender)
	v.emit(NewWithdrawalQueuedEvent(batch.Expiry, lender, scaled))

	if _, err := e.applyBatchPayment(v, batch); err != nil {
		return err
	}
	e.refreshDelinquency(st, v.held)

	if err := v.commit(); err != nil {
		return err
	}
	e.emitAll(v)
	return nil
}

// ExecuteWithdrawal pays out the caller's currently claimable pro-rata share
// of an expired batch. Repeated calls stream further payments as the batch
// receives them; a call with nothing newly claimable returns zero.
func (e *Engine) ExecuteWithdrawal(lender crypto.Address, expiry uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	v, err := e.beginView()
	if err != nil {
		return nil, err
	}
	now := e.now()
	if err := e.projectState(v, now); err != nil {
		return nil, err
	}
	st := v.state

	batch, err := v.batch(expiry)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, ErrUnknownBatch
	}
	if expiry >= now {
		return nil, ErrBatchNotExpired
	}
	status, err := v.status(expiry, lender)
	if err != nil {
		return nil, err
	}
	if status == nil || status.ScaledAmount == nil || status.ScaledAmount.Sign() == 0 {
		return nil, ErrNoWithdrawalClaim
	}

	share := new(big.Int).Mul(batch.NormalizedAmountPaid, status.ScaledAmount)
	share.Quo(share, batch.ScaledTotalAmount)
	claimable := satSub(share, status.NormalizedAmountWithdrawn)

	if claimable.Sign() > 0 {
		status.NormalizedAmountWithdrawn = new(big.Int).Add(status.NormalizedAmountWithdrawn, claimable)
		v.markStatus(expiry, lender)
		st.ReservedAssets = satSub(st.ReservedAssets, claimable)

		dest := lender
		if e.isSanctioned(lender) {
			escrowAddr, err := e.auth.CreateEscrow(e.params.Borrower, lender)
			if err != nil {
				return nil, err
			}
			acct, err := v.account(lender)
			if err != nil {
				return nil, err
			}
			acct.IsBlocked = true
			v.markAccount(lender)
			dest = escrowAddr
			v.emit(NewAccountSanctionedEvent(lender, escrowAddr, big.NewInt(0)))
		}

		if err := e.asset.Transfer(dest, claimable); err != nil {
			return nil, err
		}
		v.held = satSub(v.held, claimable)
		v.emit(NewTransferEvent(e.marketAddress, dest, claimable))
	}

	if batch.IsPaid() && satSub(share, status.NormalizedAmountWithdrawn).Sign() == 0 {
		v.deleteStatus(expiry, lender)
	}
	e.refreshDelinquency(st, v.held)

	if err := v.commit(); err != nil {
		return nil, err
	}
	e.emitAll(v)
	return claimable, nil
}

// applyBatchPayment burns as much of the batch's outstanding claim as current
// liquidity allows. Liquidity already owed to reserves, accrued fees or other
// batches is out of reach.
func (e *Engine) applyBatchPayment(v *view, batch *WithdrawalBatch) (*big.Int, error) {
	st := v.state
	owed := batch.ScaledAmountOwed()
	if owed.Sign() == 0 {
		return big.NewInt(0), nil
	}

	othersPending := satSub(st.ScaledPendingWithdrawals, owed)
	unavailable := new(big.Int).Add(st.ReservedAssets, st.AccruedProtocolFees)
	unavailable.Add(unavailable, st.NormalizeAmount(othersPending))
	available := satSub(v.held, unavailable)

	scaledPay := minBig(st.ScaleAmount(available), owed)
	if scaledPay.Sign() == 0 {
		return big.NewInt(0), nil
	}
	// Half-up normalization must not reserve more than is available.
	normalizedPay := minBig(st.NormalizeAmount(scaledPay), available)

	batch.ScaledAmountBurned = new(big.Int).Add(batch.ScaledAmountBurned, scaledPay)
	batch.NormalizedAmountPaid = new(big.Int).Add(batch.NormalizedAmountPaid, normalizedPay)
	v.markBatch(batch.Expiry)

	st.ScaledPendingWithdrawals = satSub(st.ScaledPendingWithdrawals, scaledPay)
	st.ReservedAssets = new(big.Int).Add(st.ReservedAssets, normalizedPay)
	// Interest stops accruing on the paid portion.
	st.ScaledTotalSupply = satSub(st.ScaledTotalSupply, scaledPay)

	v.emit(NewBatchPaymentEvent(batch.Expiry, scaledPay, normalizedPay))
	if batch.IsPaid() {
		v.emit(NewBatchClosedEvent(batch.Expiry))
	}
	return scaledPay, nil
}

// processExpiredBatch settles the pending batch at its maturity: pay what
// liquidity allows, and push any shortfall onto the unpaid FIFO queue. The
// caller has already advanced the scale to the expiry timestamp.
func (e *Engine) processExpiredBatch(v *view) error {
	st := v.state
	expiry := st.PendingWithdrawalExpiry
	batch, err := v.batch(expiry)
	if err != nil {
		return err
	}
	if batch == nil {
		return nil
	}
	if _, err := e.applyBatchPayment(v, batch); err != nil {
		return err
	}
	v.emit(NewBatchExpiredEvent(batch))
	if !batch.IsPaid() {
		queue, err := v.unpaidQueue()
		if err != nil {
			return err
		}
		v.setQueue(append(append([]uint64(nil), queue...), expiry))
	}
	return nil
}

// drainUnpaidQueue walks the unpaid batches oldest-first, re-applying payment
// and popping each batch that becomes fully paid. It stops at the first batch
// liquidity cannot finish.
func (e *Engine) drainUnpaidQueue(v *view) error {
	queue, err := v.unpaidQueue()
	if err != nil {
		return err
	}
	paid := 0
	for _, expiry := range queue {
		batch, err := v.batch(expiry)
		if err != nil {
			return err
		}
		if batch == nil {
			return ErrUnknownBatch
		}
		if _, err := e.applyBatchPayment(v, batch); err != nil {
			return err
		}
		if !batch.IsPaid() {
			break
		}
		paid++
	}
	if paid > 0 {
		v.setQueue(append([]uint64(nil), queue[paid:]...))
	}
	return nil
}
