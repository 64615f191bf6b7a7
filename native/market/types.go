package market

import (
	"math"
	"math/big"

	"creditmarket/crypto"
)

// MarketState captures the global accounting record for a single market.
// Amount fields are denominated in underlying token units ("normalized") or
// interest-invariant claim units ("scaled"); the two are related by
// ScaleFactor at ray precision.
type MarketState struct {
	// MaxTotalSupply caps the total normalized supply new deposits may
	// reach.
	MaxTotalSupply *big.Int
	// AccruedProtocolFees is the normalized fee balance owed to the fee
	// recipient. It is not redeemable by lenders.
	AccruedProtocolFees *big.Int
	// ReservedAssets is the normalized asset amount earmarked for paid
	// portions of withdrawal batches.
	ReservedAssets *big.Int
	// ScaledTotalSupply is the sum of all lender scaled balances plus
	// scaled pending withdrawals.
	ScaledTotalSupply *big.Int
	// ScaledPendingWithdrawals is the scaled claim total awaiting payment
	// across the pending batch and all unpaid batches.
	ScaledPendingWithdrawals *big.Int
	// PendingWithdrawalExpiry is the maturity timestamp of the open batch;
	// zero means no batch is open.
	PendingWithdrawalExpiry uint64
	// IsDelinquent records whether the last projection found reserves
	// short of required liquidity.
	IsDelinquent bool
	// TimeDelinquent is the running delinquency counter in seconds used to
	// gate the penalty fee against the grace period.
	TimeDelinquent uint64
	// AnnualInterestBips is the base APR in basis points.
	AnnualInterestBips uint64
	// ReserveRatioBips is the required reserve fraction of active
	// normalized supply.
	ReserveRatioBips uint64
	// ProtocolFeeBips is the fraction of base interest diverted to
	// protocol fees.
	ProtocolFeeBips uint64
	// DelinquencyFeeBips is the penalty APR applied while delinquency
	// outlasts the grace period.
	DelinquencyFeeBips uint64
	// DelinquencyGracePeriod is the number of delinquent seconds tolerated
	// before the penalty engages.
	DelinquencyGracePeriod uint64
	// ScaleFactor converts scaled units to normalized assets at ray
	// precision. It never decreases.
	ScaleFactor *big.Int
	// LastInterestAccrued is the timestamp of the last projection.
	LastInterestAccrued uint64
	// IsClosed marks the terminal state.
	IsClosed bool
}

// Clone returns a deep copy of the state record.
func (s *MarketState) Clone() *MarketState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.MaxTotalSupply = cloneBigInt(s.MaxTotalSupply)
	clone.AccruedProtocolFees = cloneBigInt(s.AccruedProtocolFees)
	clone.ReservedAssets = cloneBigInt(s.ReservedAssets)
	clone.ScaledTotalSupply = cloneBigInt(s.ScaledTotalSupply)
	clone.ScaledPendingWithdrawals = cloneBigInt(s.ScaledPendingWithdrawals)
	clone.ScaleFactor = cloneBigInt(s.ScaleFactor)
	return &clone
}

// EnsureDefaults populates nil big.Int fields so serialization handling is safe.
func (s *MarketState) EnsureDefaults() {
	if s.MaxTotalSupply == nil {
		s.MaxTotalSupply = big.NewInt(0)
	}
	if s.AccruedProtocolFees == nil {
		s.AccruedProtocolFees = big.NewInt(0)
	}
	if s.ReservedAssets == nil {
		s.ReservedAssets = big.NewInt(0)
	}
	if s.ScaledTotalSupply == nil {
		s.ScaledTotalSupply = big.NewInt(0)
	}
	if s.ScaledPendingWithdrawals == nil {
		s.ScaledPendingWithdrawals = big.NewInt(0)
	}
	if s.ScaleFactor == nil || s.ScaleFactor.Sign() == 0 {
		s.ScaleFactor = new(big.Int).Set(ray)
	}
}

// NormalizeAmount converts a scaled amount to normalized token units at the
// current scale factor.
func (s *MarketState) NormalizeAmount(scaled *big.Int) *big.Int {
	return rayMul(scaled, s.ScaleFactor)
}

// ScaleAmount converts a normalized token amount to scaled units at the
// current scale factor.
func (s *MarketState) ScaleAmount(normalized *big.Int) *big.Int {
	return rayDiv(normalized, s.ScaleFactor)
}

// LiquidityRequired returns the normalized asset amount the borrower must
// leave in the market: reserved assets, accrued fees, and the reserve-ratio
// share of active (non-pending) supply.
func (s *MarketState) LiquidityRequired() *big.Int {
	active := satSub(s.ScaledTotalSupply, s.ScaledPendingWithdrawals)
	required := mulBips(s.NormalizeAmount(active), s.ReserveRatioBips)
	required.Add(required, s.ReservedAssets)
	required.Add(required, s.AccruedProtocolFees)
	return required
}

// TotalDebts returns the full normalized liability of the market: lender
// claims at the current scale plus accrued protocol fees.
func (s *MarketState) TotalDebts() *big.Int {
	debts := s.NormalizeAmount(s.ScaledTotalSupply)
	return debts.Add(debts, s.AccruedProtocolFees)
}

// BorrowableAssets returns the normalized amount the borrower may withdraw
// given the held asset balance.
func (s *MarketState) BorrowableAssets(held *big.Int) *big.Int {
	return satSub(held, s.LiquidityRequired())
}

// checkWidths enforces the packed-record field ceilings after a mutation.
func (s *MarketState) checkWidths() error {
	if !fits(s.MaxTotalSupply, maxUint128) ||
		!fits(s.AccruedProtocolFees, maxUint128) ||
		!fits(s.ReservedAssets, maxUint128) {
		return ErrArithmeticOverflow
	}
	if !fits(s.ScaledTotalSupply, maxUint104) ||
		!fits(s.ScaledPendingWithdrawals, maxUint104) {
		return ErrArithmeticOverflow
	}
	if !fits(s.ScaleFactor, maxUint112) {
		return ErrArithmeticOverflow
	}
	if s.ScaleFactor == nil || s.ScaleFactor.Sign() <= 0 {
		return ErrScaleFactorUnderflow
	}
	if s.PendingWithdrawalExpiry > math.MaxUint32 || s.LastInterestAccrued > math.MaxUint32 {
		return ErrArithmeticOverflow
	}
	return nil
}

// WithdrawalBatch aggregates the withdrawal requests opened at one instant and
// matured together. A batch is paid once ScaledAmountBurned equals
// ScaledTotalAmount.
type WithdrawalBatch struct {
	Expiry               uint64
	ScaledTotalAmount    *big.Int
	ScaledAmountBurned   *big.Int
	NormalizedAmountPaid *big.Int
}

// Clone returns a deep copy of the batch.
func (b *WithdrawalBatch) Clone() *WithdrawalBatch {
	if b == nil {
		return nil
	}
	return &WithdrawalBatch{
		Expiry:               b.Expiry,
		ScaledTotalAmount:    cloneBigInt(b.ScaledTotalAmount),
		ScaledAmountBurned:   cloneBigInt(b.ScaledAmountBurned),
		NormalizedAmountPaid: cloneBigInt(b.NormalizedAmountPaid),
	}
}

// EnsureDefaults populates nil amount fields.
func (b *WithdrawalBatch) EnsureDefaults() {
	if b.ScaledTotalAmount == nil {
		b.ScaledTotalAmount = big.NewInt(0)
	}
	if b.ScaledAmountBurned == nil {
		b.ScaledAmountBurned = big.NewInt(0)
	}
	if b.NormalizedAmountPaid == nil {
		b.NormalizedAmountPaid = big.NewInt(0)
	}
}

// ScaledAmountOwed returns the scaled claim amount not yet burned.
func (b *WithdrawalBatch) ScaledAmountOwed() *big.Int {
	return satSub(b.ScaledTotalAmount, b.ScaledAmountBurned)
}

// IsPaid reports whether the batch has burned its entire scaled total.
func (b *WithdrawalBatch) IsPaid() bool {
	return b.ScaledAmountOwed().Sign() == 0
}

// AccountStatus records a single lender's share of a withdrawal batch and how
// much of it has already been withdrawn.
type AccountStatus struct {
	Expiry                    uint64
	Lender                    crypto.Address
	ScaledAmount              *big.Int
	NormalizedAmountWithdrawn *big.Int
}

// Clone returns a deep copy of the status record.
func (s *AccountStatus) Clone() *AccountStatus {
	if s == nil {
		return nil
	}
	return &AccountStatus{
		Expiry:                    s.Expiry,
		Lender:                    s.Lender,
		ScaledAmount:              cloneBigInt(s.ScaledAmount),
		NormalizedAmountWithdrawn: cloneBigInt(s.NormalizedAmountWithdrawn),
	}
}

// MarketParams groups the construction-time parameters of a market. They are
// frozen thereafter except through controller operations.
type MarketParams struct {
	Borrower     crypto.Address
	Controller   crypto.Address
	FeeRecipient crypto.Address
	Sentinel     crypto.Address

	MaxTotalSupply          *big.Int
	AnnualInterestBips      uint64
	ReserveRatioBips        uint64
	ProtocolFeeBips         uint64
	DelinquencyFeeBips      uint64
	DelinquencyGracePeriod  uint64
	WithdrawalBatchDuration uint64
}

// Validate checks the basis-point fields stay within 100%.
func (p MarketParams) Validate() error {
	if p.AnnualInterestBips > 10_000 || p.ReserveRatioBips > 10_000 ||
		p.ProtocolFeeBips > 10_000 || p.DelinquencyFeeBips > 10_000 {
		return errInvalidBips
	}
	if p.MaxTotalSupply != nil && !fits(p.MaxTotalSupply, maxUint128) {
		return ErrArithmeticOverflow
	}
	return nil
}

// GenesisState builds the initial market record at creation time.
func (p MarketParams) GenesisState(now uint64) *MarketState {
	st := &MarketState{
		MaxTotalSupply:          cloneBigInt(p.MaxTotalSupply),
		AnnualInterestBips:      p.AnnualInterestBips,
		ReserveRatioBips:        p.ReserveRatioBips,
		ProtocolFeeBips:         p.ProtocolFeeBips,
		DelinquencyFeeBips:      p.DelinquencyFeeBips,
		DelinquencyGracePeriod:  p.DelinquencyGracePeriod,
		LastInterestAccrued:     now,
	}
	st.EnsureDefaults()
	return st
}
