package market

import "math/big"

// projectState rolls the market forward to now. Ordering is mandatory: a
// matured pending batch is processed at the scale as of its expiry, then the
// remainder of the interval accrues, then delinquency is recomputed against
// held assets. Running the projection twice at one timestamp is a no-op the
// second time.
func (e *Engine) projectState(v *view, now uint64) error {
	st := v.state
	if expiry := st.PendingWithdrawalExpiry; expiry != 0 && now >= expiry {
		if err := e.accrueTo(st, expiry); err != nil {
			return err
		}
		if err := e.processExpiredBatch(v); err != nil {
			return err
		}
		st.PendingWithdrawalExpiry = 0
	}
	if err := e.accrueTo(st, now); err != nil {
		return err
	}
	e.refreshDelinquency(st, v.held)
	return nil
}

// accrueTo advances the scale factor and fee accumulators to the target
// timestamp. The protocol fee is carved out of base interest before the scale
// update, at the pre-update scale, so it never compounds into lender claims.
func (e *Engine) accrueTo(st *MarketState, now uint64) error {
	if now <= st.LastInterestAccrued {
		return nil
	}
	elapsed := now - st.LastInterestAccrued

	baseDelta := new(big.Int).Mul(
		annualBipsToRayPerSecond(st.AnnualInterestBips),
		new(big.Int).SetUint64(elapsed),
	)

	if st.ProtocolFeeBips > 0 && baseDelta.Sign() > 0 {
		feeRay := mulBips(baseDelta, st.ProtocolFeeBips)
		scaledFee := rayMul(st.ScaledTotalSupply, feeRay)
		fee := st.NormalizeAmount(scaledFee)
		st.AccruedProtocolFees = new(big.Int).Add(st.AccruedProtocolFees, fee)
	}

	penaltySeconds := st.updateTimeDelinquent(elapsed)
	delinquencyDelta := big.NewInt(0)
	if penaltySeconds > 0 && st.DelinquencyFeeBips > 0 {
		delinquencyDelta = new(big.Int).Mul(
			annualBipsToRayPerSecond(st.DelinquencyFeeBips),
			new(big.Int).SetUint64(penaltySeconds),
		)
	}

	netInterest := mulBips(baseDelta, 10_000-st.ProtocolFeeBips)
	netInterest.Add(netInterest, delinquencyDelta)
	if netInterest.Sign() > 0 {
		growth := rayMul(st.ScaleFactor, netInterest)
		st.ScaleFactor = new(big.Int).Add(st.ScaleFactor, growth)
	}

	st.LastInterestAccrued = now
	return st.checkWidths()
}

// updateTimeDelinquent advances the running delinquency counter by elapsed
// seconds and returns how many of those seconds accrue the penalty fee. While
// delinquent the counter climbs and seconds past the grace period are
// penalized; while healthy the counter decays, and seconds spent above the
// grace line on the way down still carry the penalty.
func (s *MarketState) updateTimeDelinquent(elapsed uint64) uint64 {
	previous := s.TimeDelinquent
	grace := s.DelinquencyGracePeriod

	if s.IsDelinquent {
		s.TimeDelinquent = previous + elapsed
		if previous >= grace {
			return elapsed
		}
		free := grace - previous
		if elapsed <= free {
			return 0
		}
		return elapsed - free
	}

	if elapsed >= previous {
		s.TimeDelinquent = 0
	} else {
		s.TimeDelinquent = previous - elapsed
	}
	if previous <= grace {
		return 0
	}
	over := previous - grace
	if elapsed < over {
		return elapsed
	}
	return over
}

// refreshDelinquency recomputes the delinquency flag against the held asset
// balance.
func (e *Engine) refreshDelinquency(st *MarketState, held *big.Int) {
	st.IsDelinquent = st.LiquidityRequired().Cmp(held) > 0
}
