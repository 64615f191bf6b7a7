package market

import (
	"math/big"
	"testing"
)

func TestWithdrawRoundTripWithImmediateLiquidity(t *testing.T) {
	m := newTestMarket(t, defaultParams())
	if err := m.engine.Deposit(aliceAddress, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	m.clock.advance(secondsPerYear)
	if err := m.engine.UpdateState(); err != nil {
		t.Fatalf("update state: %v", err)
	}

	if err := m.engine.WithdrawRequest(aliceAddress, big.NewInt(500)); err != nil {
		t.Fatalf("withdraw request: %v", err)
	}
	st := m.state.state
	expiry := st.PendingWithdrawalExpiry
	if expiry == 0 {
		t.Fatalf("expected a pending batch")
	}
	batch := m.state.batches[expiry]
	if batch == nil {
		t.Fatalf("batch not stored")
	}
	// 500 normalized at roughly 1.1x scale is ~455 scaled units.
	if batch.ScaledTotalAmount.Cmp(big.NewInt(450)) < 0 || batch.ScaledTotalAmount.Cmp(big.NewInt(460)) > 0 {
		t.Fatalf("unexpected scaled batch total: %s", batch.ScaledTotalAmount)
	}
	// Liquidity covered the batch in full at request time.
	if !batch.IsPaid() {
		t.Fatalf("expected batch paid immediately, owed %s", batch.ScaledAmountOwed())
	}
	if st.ReservedAssets.Sign() <= 0 {
		t.Fatalf("expected reserved assets, got %s", st.ReservedAssets)
	}
	if st.ScaledPendingWithdrawals.Sign() != 0 {
		t.Fatalf("expected no pending scaled claims, got %s", st.ScaledPendingWithdrawals)
	}
	m.checkSupplyInvariant(t)
	m.checkReserveInvariant(t)

	// Claims pay out only after maturity.
	if _, err := m.engine.ExecuteWithdrawal(aliceAddress, expiry); err != ErrBatchNotExpired {
		t.Fatalf("expected ErrBatchNotExpired, got %v", err)
	}

	m.clock.advance(m.engine.Params().WithdrawalBatchDuration + 1)
	paid, err := m.engine.ExecuteWithdrawal(aliceAddress, expiry)
	if err != nil {
		t.Fatalf("execute withdrawal: %v", err)
	}
	if paid.Cmp(batch.NormalizedAmountPaid) != 0 {
		t.Fatalf("expected full payout %s, got %s", batch.NormalizedAmountPaid, paid)
	}
	if m.state.state.ReservedAssets.Sign() != 0 {
		t.Fatalf("expected reserves drained, got %s", m.state.state.ReservedAssets)
	}
	if _, ok := m.state.statuses[m.state.statusID(expiry, aliceAddress)]; ok {
		t.Fatalf("expected claim record removed after full payout")
	}
	m.checkReserveInvariant(t)
}

func TestPartialBatchQueuedAndDrainedByRepay(t *testing.T) {
	m := newTestMarket(t, defaultParams())
	if err := m.engine.Deposit(aliceAddress, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := m.engine.Borrow(borrowerAddress, big.NewInt(800)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	m.clock.advance(secondsPerYear)

	balance, err := m.engine.BalanceOf(aliceAddress)
	if err != nil {
		t.Fatalf("balance of: %v", err)
	}
	if err := m.engine.WithdrawRequest(aliceAddress, balance); err != nil {
		t.Fatalf("withdraw request: %v", err)
	}
	st := m.state.state
	expiry := st.PendingWithdrawalExpiry
	batch := m.state.batches[expiry]
	if batch.IsPaid() {
		t.Fatalf("batch cannot be paid from 200 held assets")
	}
	// Only the 200 held normalized units were applied.
	if batch.NormalizedAmountPaid.Cmp(big.NewInt(190)) < 0 || batch.NormalizedAmountPaid.Cmp(big.NewInt(201)) > 0 {
		t.Fatalf("unexpected partial payment: %s", batch.NormalizedAmountPaid)
	}
	m.checkSupplyInvariant(t)
	m.checkReserveInvariant(t)

	// Maturity passes without fresh liquidity: the batch joins the unpaid
	// queue.
	m.clock.advance(m.engine.Params().WithdrawalBatchDuration + 1)
	if err := m.engine.UpdateState(); err != nil {
		t.Fatalf("update state: %v", err)
	}
	if m.state.state.PendingWithdrawalExpiry != 0 {
		t.Fatalf("pending expiry should clear after processing")
	}
	if len(m.state.queue) != 1 || m.state.queue[0] != expiry {
		t.Fatalf("expected unpaid queue [%d], got %v", expiry, m.state.queue)
	}

	if err := m.engine.Close(controllerAddress); err != ErrCloseMarketWithUnpaidWithdrawals {
		t.Fatalf("expected ErrCloseMarketWithUnpaidWithdrawals, got %v", err)
	}

	// Repayment drains the queue oldest-first.
	if err := m.engine.Repay(borrowerAddress, big.NewInt(900)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	batch = m.state.batches[expiry]
	if !batch.IsPaid() {
		t.Fatalf("expected batch fully paid after repay, owed %s", batch.ScaledAmountOwed())
	}
	if len(m.state.queue) != 0 {
		t.Fatalf("expected empty unpaid queue, got %v", m.state.queue)
	}
	m.checkSupplyInvariant(t)
	m.checkReserveInvariant(t)

	paid, err := m.engine.ExecuteWithdrawal(aliceAddress, expiry)
	if err != nil {
		t.Fatalf("execute withdrawal: %v", err)
	}
	if paid.Cmp(batch.NormalizedAmountPaid) != 0 {
		t.Fatalf("expected payout %s, got %s", batch.NormalizedAmountPaid, paid)
	}
}

func TestExecuteWithdrawalStreamsPartialPayments(t *testing.T) {
	m := newTestMarket(t, defaultParams())
	if err := m.engine.Deposit(aliceAddress, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := m.engine.Borrow(borrowerAddress, big.NewInt(1000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := m.engine.WithdrawRequest(aliceAddress, big.NewInt(1000)); err != nil {
		t.Fatalf("withdraw request: %v", err)
	}
	expiry := m.state.state.PendingWithdrawalExpiry
	m.clock.advance(m.engine.Params().WithdrawalBatchDuration + 1)
	if err := m.engine.UpdateState(); err != nil {
		t.Fatalf("update state: %v", err)
	}

	// Nothing paid yet: executing yields zero without error.
	paid, err := m.engine.ExecuteWithdrawal(aliceAddress, expiry)
	if err != nil {
		t.Fatalf("execute on empty batch: %v", err)
	}
	if paid.Sign() != 0 {
		t.Fatalf("expected zero payout, got %s", paid)
	}

	if err := m.engine.Repay(borrowerAddress, big.NewInt(400)); err != nil {
		t.Fatalf("first repay: %v", err)
	}
	first, err := m.engine.ExecuteWithdrawal(aliceAddress, expiry)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if first.Sign() <= 0 {
		t.Fatalf("expected partial payout, got %s", first)
	}

	if err := m.engine.Repay(borrowerAddress, big.NewInt(700)); err != nil {
		t.Fatalf("second repay: %v", err)
	}
	second, err := m.engine.ExecuteWithdrawal(aliceAddress, expiry)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	batch := m.state.batches[expiry]
	total := new(big.Int).Add(first, second)
	if total.Cmp(batch.NormalizedAmountPaid) != 0 {
		t.Fatalf("streamed payouts %s must equal batch payment %s", total, batch.NormalizedAmountPaid)
	}
	m.checkReserveInvariant(t)
}

func TestSecondRequestJoinsOpenBatch(t *testing.T) {
	m := newTestMarket(t, defaultParams())
	if err := m.engine.Deposit(aliceAddress, big.NewInt(600)); err != nil {
		t.Fatalf("deposit alice: %v", err)
	}
	if err := m.engine.Deposit(bobAddress, big.NewInt(400)); err != nil {
		t.Fatalf("deposit bob: %v", err)
	}
	if err := m.engine.Borrow(borrowerAddress, big.NewInt(1000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if err := m.engine.WithdrawRequest(aliceAddress, big.NewInt(600)); err != nil {
		t.Fatalf("alice request: %v", err)
	}
	expiry := m.state.state.PendingWithdrawalExpiry
	m.clock.advance(100)
	if err := m.engine.WithdrawRequest(bobAddress, big.NewInt(400)); err != nil {
		t.Fatalf("bob request: %v", err)
	}
	if m.state.state.PendingWithdrawalExpiry != expiry {
		t.Fatalf("second request must join the open batch")
	}
	batch := m.state.batches[expiry]
	if batch.ScaledTotalAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected combined scaled total 1000, got %s", batch.ScaledTotalAmount)
	}

	// Pro-rata distribution across both lenders after a partial repay.
	m.clock.advance(m.engine.Params().WithdrawalBatchDuration + 1)
	if err := m.engine.Repay(borrowerAddress, big.NewInt(500)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	alicePaid, err := m.engine.ExecuteWithdrawal(aliceAddress, expiry)
	if err != nil {
		t.Fatalf("alice execute: %v", err)
	}
	bobPaid, err := m.engine.ExecuteWithdrawal(bobAddress, expiry)
	if err != nil {
		t.Fatalf("bob execute: %v", err)
	}
	// Alice holds 60% of the batch, Bob 40%.
	if alicePaid.Cmp(bobPaid) <= 0 {
		t.Fatalf("pro-rata shares inverted: alice=%s bob=%s", alicePaid, bobPaid)
	}
	total := new(big.Int).Add(alicePaid, bobPaid)
	batch = m.state.batches[expiry]
	diff := new(big.Int).Sub(batch.NormalizedAmountPaid, total)
	if diff.Sign() < 0 || diff.Cmp(big.NewInt(2)) > 0 {
		t.Fatalf("distributed %s of %s paid", total, batch.NormalizedAmountPaid)
	}
}
