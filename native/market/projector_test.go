package market

import (
	"math/big"
	"testing"
)

func TestInterestAccrualOverOneYear(t *testing.T) {
	m := newTestMarket(t, defaultParams())
	if err := m.engine.Deposit(aliceAddress, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	m.clock.advance(secondsPerYear)
	if err := m.engine.UpdateState(); err != nil {
		t.Fatalf("update state: %v", err)
	}

	st := m.state.state
	// 10% APR compounds linearly within one projection: the scale factor
	// lands within truncation distance below 1.1 RAY.
	upper := new(big.Int).Add(ray, new(big.Int).Quo(ray, big.NewInt(10)))
	lower := new(big.Int).Sub(upper, big.NewInt(1_000_000_000_000))
	if st.ScaleFactor.Cmp(upper) > 0 || st.ScaleFactor.Cmp(lower) < 0 {
		t.Fatalf("scale factor out of range: %s", st.ScaleFactor)
	}

	balance, err := m.engine.BalanceOf(aliceAddress)
	if err != nil {
		t.Fatalf("balance of: %v", err)
	}
	if balance.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("expected balance 1100, got %s", balance)
	}
}

func TestScaleFactorNeverDecreases(t *testing.T) {
	m := newTestMarket(t, defaultParams())
	if err := m.engine.Deposit(aliceAddress, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	previous := new(big.Int).Set(m.state.state.ScaleFactor)
	for i := 0; i < 10; i++ {
		m.clock.advance(3600)
		if err := m.engine.UpdateState(); err != nil {
			t.Fatalf("update state: %v", err)
		}
		if m.state.state.ScaleFactor.Cmp(previous) < 0 {
			t.Fatalf("scale factor decreased: %s -> %s", previous, m.state.state.ScaleFactor)
		}
		previous = new(big.Int).Set(m.state.state.ScaleFactor)
	}
}

func TestProjectionIdempotentAtFixedTimestamp(t *testing.T) {
	m := newTestMarket(t, defaultParams())
	if err := m.engine.Deposit(aliceAddress, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	m.clock.advance(12_345)
	if err := m.engine.UpdateState(); err != nil {
		t.Fatalf("first update: %v", err)
	}
	first := m.state.state.Clone()
	if err := m.engine.UpdateState(); err != nil {
		t.Fatalf("second update: %v", err)
	}
	second := m.state.state
	if first.ScaleFactor.Cmp(second.ScaleFactor) != 0 ||
		first.AccruedProtocolFees.Cmp(second.AccruedProtocolFees) != 0 ||
		first.TimeDelinquent != second.TimeDelinquent ||
		first.LastInterestAccrued != second.LastInterestAccrued {
		t.Fatalf("projection not idempotent: %+v vs %+v", first, second)
	}
}

func TestProtocolFeeDivertedFromScaleGrowth(t *testing.T) {
	params := defaultParams()
	params.ProtocolFeeBips = 1000
	m := newTestMarket(t, params)
	if err := m.engine.Deposit(aliceAddress, big.NewInt(100_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	m.clock.advance(secondsPerYear)
	if err := m.engine.UpdateState(); err != nil {
		t.Fatalf("update state: %v", err)
	}

	st := m.state.state
	if st.AccruedProtocolFees.Sign() <= 0 {
		t.Fatalf("expected protocol fees to accrue, got %s", st.AccruedProtocolFees)
	}
	// 10% of 10% APR on 100k supply is ~1000 in fees.
	if st.AccruedProtocolFees.Cmp(big.NewInt(900)) < 0 || st.AccruedProtocolFees.Cmp(big.NewInt(1100)) > 0 {
		t.Fatalf("unexpected protocol fees: %s", st.AccruedProtocolFees)
	}

	// The scale factor grows by the net 9% only.
	netUpper := new(big.Int).Add(ray, new(big.Int).Quo(new(big.Int).Mul(ray, big.NewInt(9)), big.NewInt(100)))
	if st.ScaleFactor.Cmp(netUpper) > 0 {
		t.Fatalf("scale factor should exclude the diverted fee: %s", st.ScaleFactor)
	}
}

func TestDelinquencyFeeEngagesAfterGrace(t *testing.T) {
	params := defaultParams()
	params.DelinquencyFeeBips = 500
	params.ReserveRatioBips = 2000
	params.DelinquencyGracePeriod = 3600
	m := newTestMarket(t, params)

	if err := m.engine.Deposit(aliceAddress, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := m.engine.Borrow(borrowerAddress, big.NewInt(800_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Held assets exactly cover the 20% reserve at the borrow instant;
	// one hour of interest tips the requirement over.
	m.clock.advance(3600)
	if err := m.engine.UpdateState(); err != nil {
		t.Fatalf("update state: %v", err)
	}
	if !m.state.state.IsDelinquent {
		t.Fatalf("expected market to turn delinquent")
	}

	baseline := m.state.state.Clone()

	// First hour falls entirely inside the grace window.
	m.clock.advance(3600)
	if err := m.engine.UpdateState(); err != nil {
		t.Fatalf("update state: %v", err)
	}
	afterGraceHour := m.state.state.Clone()

	// Second hour accrues base plus penalty interest.
	m.clock.advance(3600)
	if err := m.engine.UpdateState(); err != nil {
		t.Fatalf("update state: %v", err)
	}
	afterPenaltyHour := m.state.state

	if afterPenaltyHour.TimeDelinquent < 7200 {
		t.Fatalf("expected at least 7200s delinquent, got %d", afterPenaltyHour.TimeDelinquent)
	}
	graceGrowth := new(big.Int).Sub(afterGraceHour.ScaleFactor, baseline.ScaleFactor)
	penaltyGrowth := new(big.Int).Sub(afterPenaltyHour.ScaleFactor, afterGraceHour.ScaleFactor)
	if penaltyGrowth.Cmp(graceGrowth) <= 0 {
		t.Fatalf("penalty hour must outgrow grace hour: grace=%s penalty=%s", graceGrowth, penaltyGrowth)
	}
}

func TestTimeDelinquentDecaysWhileHealthy(t *testing.T) {
	st := &MarketState{
		IsDelinquent:           false,
		TimeDelinquent:         5000,
		DelinquencyGracePeriod: 3600,
	}
	// 1400s above the grace line keep the penalty while decaying.
	if penalty := st.updateTimeDelinquent(1000); penalty != 1000 {
		t.Fatalf("expected 1000 penalty seconds, got %d", penalty)
	}
	if st.TimeDelinquent != 4000 {
		t.Fatalf("expected counter 4000, got %d", st.TimeDelinquent)
	}
	if penalty := st.updateTimeDelinquent(2000); penalty != 400 {
		t.Fatalf("expected 400 penalty seconds, got %d", penalty)
	}
	if st.TimeDelinquent != 2000 {
		t.Fatalf("expected counter 2000, got %d", st.TimeDelinquent)
	}
	if penalty := st.updateTimeDelinquent(5000); penalty != 0 {
		t.Fatalf("expected no penalty below grace, got %d", penalty)
	}
	if st.TimeDelinquent != 0 {
		t.Fatalf("expected counter drained, got %d", st.TimeDelinquent)
	}
}

func TestTimeDelinquentClimbsWhileDelinquent(t *testing.T) {
	st := &MarketState{
		IsDelinquent:           true,
		TimeDelinquent:         0,
		DelinquencyGracePeriod: 3600,
	}
	if penalty := st.updateTimeDelinquent(3600); penalty != 0 {
		t.Fatalf("grace window must be free, got %d penalty seconds", penalty)
	}
	if penalty := st.updateTimeDelinquent(3600); penalty != 3600 {
		t.Fatalf("past grace every second is penalized, got %d", penalty)
	}
	if st.TimeDelinquent != 7200 {
		t.Fatalf("expected counter 7200, got %d", st.TimeDelinquent)
	}
}
