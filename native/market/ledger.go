package market

import (
	"math/big"
	"sync/atomic"
	"time"

	"creditmarket/core/events"
	"creditmarket/core/types"
	"creditmarket/crypto"
)

// engineState is the persistence boundary of the market. Get methods return
// nil (not an error) when a record is absent.
type engineState interface {
	GetMarketState() (*MarketState, error)
	PutMarketState(*MarketState) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
	GetWithdrawalBatch(expiry uint64) (*WithdrawalBatch, error)
	PutWithdrawalBatch(*WithdrawalBatch) error
	GetAccountStatus(expiry uint64, lender crypto.Address) (*AccountStatus, error)
	PutAccountStatus(*AccountStatus) error
	DeleteAccountStatus(expiry uint64, lender crypto.Address) error
	GetUnpaidQueue() ([]uint64, error)
	PutUnpaidQueue([]uint64) error
}

// AssetBackend is the underlying token consumed by the market. Transfers are
// exact-amount and report failure through the error return; the engine never
// interprets a nil error as anything but a full transfer.
type AssetBackend interface {
	BalanceOf(addr crypto.Address) (*big.Int, error)
	Transfer(to crypto.Address, amount *big.Int) error
	TransferFrom(from, to crypto.Address, amount *big.Int) error
}

// AuthBackend exposes the sanction and escrow predicates consumed by the
// engine. Predicates are called synchronously inside entry points.
type AuthBackend interface {
	IsSanctioned(borrower, account crypto.Address) bool
	IsFlagged(account crypto.Address) bool
	CreateEscrow(borrower, account crypto.Address) (crypto.Address, error)
}

// Engine orchestrates the state transitions of a single undercollateralized
// lending market. Every public entry point projects the state to the current
// timestamp, validates, mutates a working copy and persists it atomically.
type Engine struct {
	state         engineState
	asset         AssetBackend
	auth          AuthBackend
	emitter       events.Emitter
	params        MarketParams
	marketAddress crypto.Address
	nowFn         func() uint64
	entered       atomic.Bool
}

// NewEngine constructs a market engine for the given market address and
// frozen construction parameters.
func NewEngine(marketAddress crypto.Address, params MarketParams) *Engine {
	return &Engine{
		marketAddress: marketAddress,
		params:        params,
		emitter:       events.NoopEmitter{},
		nowFn:         func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAsset wires the engine to the underlying token backend.
func (e *Engine) SetAsset(asset AssetBackend) { e.asset = asset }

// SetAuth wires the engine to the authorization collaborator.
func (e *Engine) SetAuth(auth AuthBackend) { e.auth = auth }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	e.nowFn = now
}

// Params returns the construction parameters of the market.
func (e *Engine) Params() MarketParams { return e.params }

// MarketAddress returns the address holding the market's asset balance.
func (e *Engine) MarketAddress() crypto.Address { return e.marketAddress }

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return e.nowFn()
}

// enter takes the reentrancy guard. External asset transfers interleave with
// state writes, so a guarded call re-entering any entry point must fail.
func (e *Engine) enter() error {
	if !e.entered.CompareAndSwap(false, true) {
		return ErrReentrancy
	}
	return nil
}

func (e *Engine) exit() { e.entered.Store(false) }

func (e *Engine) isSanctioned(account crypto.Address) bool {
	return e.auth != nil && e.auth.IsSanctioned(e.params.Borrower, account)
}

func (e *Engine) emitAll(v *view) {
	if e.emitter == nil {
		return
	}
	for _, evt := range v.events {
		e.emitter.Emit(marketEvent{evt: evt})
	}
}

// EnsureGenesis writes the initial market record if none exists yet.
func (e *Engine) EnsureGenesis() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.params.Validate(); err != nil {
		return err
	}
	st, err := e.state.GetMarketState()
	if err != nil {
		return err
	}
	if st != nil {
		return nil
	}
	return e.state.PutMarketState(e.params.GenesisState(e.now()))
}

func (e *Engine) beginView() (*view, error) {
	if e.asset == nil {
		return nil, errNilAsset
	}
	st, err := e.state.GetMarketState()
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errNilMarket
	}
	st = st.Clone()
	st.EnsureDefaults()
	held, err := e.asset.BalanceOf(e.marketAddress)
	if err != nil {
		return nil, err
	}
	v := newView(e.state)
	v.state = st
	v.held = cloneBigInt(held)
	return v, nil
}

// UpdateState projects the market to the current timestamp and persists the
// result. Calling it twice at one timestamp is a no-op the second time.
func (e *Engine) UpdateState() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	v, err := e.beginView()
	if err != nil {
		return err
	}
	if err := e.projectState(v, e.now()); err != nil {
		return err
	}
	if err := v.commit(); err != nil {
		return err
	}
	e.emitAll(v)
	return nil
}

// DepositUpTo transfers up to amount into the market, clamped to the supply
// cap, and mints the corresponding scaled balance. The deposited normalized
// amount is returned; a sanctioned caller has their position escrowed and
// receives zero.
func (e *Engine) DepositUpTo(lender crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	return e.deposit(lender, amount, false)
}

// Deposit transfers exactly amount into the market. It fails with
// ErrMaxSupplyExceeded when the supply cap does not leave room for the full
// amount.
func (e *Engine) Deposit(lender crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	_, err := e.deposit(lender, amount, true)
	return err
}

func (e *Engine) deposit(lender crypto.Address, amount *big.Int, exact bool) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	v, err := e.beginView()
	if err != nil {
		return nil, err
	}
	if err := e.projectState(v, e.now()); err != nil {
		return nil, err
	}
	st := v.state
	if st.IsClosed {
		return nil, ErrDepositToClosedMarket
	}
	if e.isSanctioned(lender) {
		if err := e.escrowSanctioned(v, lender); err != nil {
			return nil, err
		}
		if err := v.commit(); err != nil {
			return nil, err
		}
		e.emitAll(v)
		return big.NewInt(0), nil
	}
	acct, err := v.account(lender)
	if err != nil {
		return nil, err
	}
	if acct.IsBlocked {
		return nil, ErrAccountBlocked
	}
	if acct.Role != types.RoleDepositAndWithdraw {
		return nil, ErrNotAuthorizedLender
	}

	capacity := satSub(st.MaxTotalSupply, st.NormalizeAmount(st.ScaledTotalSupply))
	actual := minBig(amount, capacity)
	if exact && actual.Cmp(amount) != 0 {
		return nil, ErrMaxSupplyExceeded
	}
	scaled := st.ScaleAmount(actual)
	if scaled.Sign() == 0 {
		return nil, ErrNullMintAmount
	}

	if err := e.asset.TransferFrom(lender, e.marketAddress, actual); err != nil {
		return nil, err
	}

	acct.ScaledBalance = new(big.Int).Add(acct.ScaledBalance, scaled)
	v.markAccount(lender)
	st.ScaledTotalSupply = new(big.Int).Add(st.ScaledTotalSupply, scaled)
	v.held.Add(v.held, actual)
	e.refreshDelinquency(st, v.held)

	v.emit(NewTransferEvent(lender, e.marketAddress, actual))
	v.emit(NewDepositEvent(lender, actual, scaled))
	if err := v.commit(); err != nil {
		return nil, err
	}
	e.emitAll(v)
	return actual, nil
}

// Borrow transfers amount to the borrower, bounded by held assets minus the
// required liquidity buffer.
func (e *Engine) Borrow(caller crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if !caller.Equal(e.params.Borrower) {
		return ErrNotBorrower
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	v, err := e.beginView()
	if err != nil {
		return err
	}
	if err := e.projectState(v, e.now()); err != nil {
		return err
	}
	st := v.state
	if st.IsClosed {
		return ErrBorrowFromClosedMarket
	}
	if e.isSanctioned(e.params.Borrower) {
		return ErrBorrowWhileSanctioned
	}
	borrowable := st.BorrowableAssets(v.held)
	if amount.Cmp(borrowable) > 0 {
		return ErrBorrowAmountTooHigh
	}

	if err := e.asset.Transfer(e.params.Borrower, amount); err != nil {
		return err
	}
	v.held = satSub(v.held, amount)
	e.refreshDelinquency(st, v.held)

	v.emit(NewBorrowEvent(amount))
	v.emit(NewTransferEvent(e.marketAddress, e.params.Borrower, amount))
	if err := v.commit(); err != nil {
		return err
	}
	e.emitAll(v)
	return nil
}

// Repay transfers amount from the payer into the market and drains the unpaid
// withdrawal queue with the fresh liquidity.
func (e *Engine) Repay(payer crypto.Address, amount *big.Int) error {
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
	if e.asset == nil {
		return errNilAsset
	}
	stored, err := e.state.GetMarketState()
	if err != nil {
		return err
	}
	if stored == nil {
		return errNilMarket
	}
	if stored.IsClosed {
		return ErrRepayToClosedMarket
	}

	// Funds move first so the projection and queue drain below see the
	// repaid balance.
	if err := e.asset.TransferFrom(payer, e.marketAddress, amount); err != nil {
		return err
	}

	v, err := e.beginView()
	if err != nil {
		return err
	}
	now := e.now()
	if err := e.projectState(v, now); err != nil {
		return err
	}
	if err := e.drainUnpaidQueue(v); err != nil {
		return err
	}
	e.refreshDelinquency(v.state, v.held)

	v.emit(NewTransferEvent(payer, e.marketAddress, amount))
	v.emit(NewRepaymentEvent(payer, amount, now))
	if err := v.commit(); err != nil {
		return err
	}
	e.emitAll(v)
	return nil
}

// CollectFees transfers accrued protocol fees to the fee recipient, bounded
// by liquidity not reserved for withdrawals. The collected amount is returned.
func (e *Engine) CollectFees() (*big.Int, error) {
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
	if err := e.projectState(v, e.now()); err != nil {
		return nil, err
	}
	st := v.state
	if st.AccruedProtocolFees.Sign() == 0 {
		return nil, ErrNullFeeAmount
	}
	unavailable := new(big.Int).Add(st.ReservedAssets, st.NormalizeAmount(st.ScaledPendingWithdrawals))
	withdrawable := minBig(st.AccruedProtocolFees, satSub(v.held, unavailable))
	if withdrawable.Sign() == 0 {
		return nil, ErrInsufficientReservesForFeeWithdrawal
	}

	if err := e.asset.Transfer(e.params.FeeRecipient, withdrawable); err != nil {
		return nil, err
	}
	st.AccruedProtocolFees = satSub(st.AccruedProtocolFees, withdrawable)
	v.held = satSub(v.held, withdrawable)
	e.refreshDelinquency(st, v.held)

	v.emit(NewFeesCollectedEvent(withdrawable))
	v.emit(NewTransferEvent(e.marketAddress, e.params.FeeRecipient, withdrawable))
	if err := v.commit(); err != nil {
		return nil, err
	}
	e.emitAll(v)
	return withdrawable, nil
}

// Close moves the market to its terminal state: interest stops, the reserve
// ratio pins to 100%, and the debt position settles against the borrower in
// whichever direction it is open.
func (e *Engine) Close(caller crypto.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if !caller.Equal(e.params.Controller) {
		return ErrNotController
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
	if st.IsClosed {
		return ErrMarketAlreadyClosed
	}
	queue, err := v.unpaidQueue()
	if err != nil {
		return err
	}
	if len(queue) > 0 {
		return ErrCloseMarketWithUnpaidWithdrawals
	}

	st.AnnualInterestBips = 0
	st.ReserveRatioBips = 10_000
	st.TimeDelinquent = 0
	st.IsClosed = true

	debts := st.TotalDebts()
	switch v.held.Cmp(debts) {
	case -1:
		shortfall := new(big.Int).Sub(debts, v.held)
		if err := e.asset.TransferFrom(e.params.Borrower, e.marketAddress, shortfall); err != nil {
			return err
		}
		v.held = cloneBigInt(debts)
		v.emit(NewTransferEvent(e.params.Borrower, e.marketAddress, shortfall))
	case 1:
		excess := new(big.Int).Sub(v.held, debts)
		if err := e.asset.Transfer(e.params.Borrower, excess); err != nil {
			return err
		}
		v.held = cloneBigInt(debts)
		v.emit(NewTransferEvent(e.marketAddress, e.params.Borrower, excess))
	}
	e.refreshDelinquency(st, v.held)

	v.emit(NewMarketClosedEvent(now))
	if err := v.commit(); err != nil {
		return err
	}
	e.emitAll(v)
	return nil
}

// SetMaxTotalSupply adjusts the deposit cap. The cap only limits new
// deposits; it may drop below the current supply.
func (e *Engine) SetMaxTotalSupply(caller crypto.Address, amount *big.Int) error {
	return e.controllerUpdate(caller, func(st *MarketState) error {
		if amount == nil || amount.Sign() < 0 || !fits(amount, maxUint128) {
			return ErrArithmeticOverflow
		}
		st.MaxTotalSupply = cloneBigInt(amount)
		return nil
	})
}

// SetAnnualInterestBips adjusts the base APR. Past time accrues at the old
// rate because the projection runs before the update.
func (e *Engine) SetAnnualInterestBips(caller crypto.Address, bips uint64) error {
	return e.controllerUpdate(caller, func(st *MarketState) error {
		if bips > 10_000 {
			return errInvalidBips
		}
		st.AnnualInterestBips = bips
		return nil
	})
}

// SetReserveRatioBips adjusts the required reserve fraction.
func (e *Engine) SetReserveRatioBips(caller crypto.Address, bips uint64) error {
	return e.controllerUpdate(caller, func(st *MarketState) error {
		if bips > 10_000 {
			return errInvalidBips
		}
		st.ReserveRatioBips = bips
		return nil
	})
}

func (e *Engine) controllerUpdate(caller crypto.Address, mutate func(*MarketState) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if !caller.Equal(e.params.Controller) {
		return ErrNotController
	}
	v, err := e.beginView()
	if err != nil {
		return err
	}
	if err := e.projectState(v, e.now()); err != nil {
		return err
	}
	if v.state.IsClosed {
		return ErrMarketAlreadyClosed
	}
	if err := mutate(v.state); err != nil {
		return err
	}
	e.refreshDelinquency(v.state, v.held)
	if err := v.commit(); err != nil {
		return err
	}
	e.emitAll(v)
	return nil
}

// AuthorizeLender grants an account deposit-and-withdraw rights.
func (e *Engine) AuthorizeLender(caller, lender crypto.Address) error {
	return e.setLenderRole(caller, lender, types.RoleDepositAndWithdraw)
}

// RevokeLender downgrades an account to withdraw-only so the existing
// position may still be unwound.
func (e *Engine) RevokeLender(caller, lender crypto.Address) error {
	return e.setLenderRole(caller, lender, types.RoleWithdrawOnly)
}

func (e *Engine) setLenderRole(caller, lender crypto.Address, role types.AccountRole) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if !caller.Equal(e.params.Controller) {
		return ErrNotController
	}
	acct, err := e.state.GetAccount(lender)
	if err != nil {
		return err
	}
	if acct == nil {
		acct = &types.Account{ScaledBalance: big.NewInt(0)}
	}
	acct.Role = role
	return e.state.PutAccount(lender, acct)
}

// NukeFromOrbit escrows the full position of a sanctioned account. Anyone may
// trigger it; the sanction itself comes from the authorization collaborator.
func (e *Engine) NukeFromOrbit(account crypto.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if !e.isSanctioned(account) {
		return ErrAccountNotSanctioned
	}
	v, err := e.beginView()
	if err != nil {
		return err
	}
	if err := e.projectState(v, e.now()); err != nil {
		return err
	}
	if err := e.escrowSanctioned(v, account); err != nil {
		return err
	}
	if err := v.commit(); err != nil {
		return err
	}
	e.emitAll(v)
	return nil
}

// escrowSanctioned moves a blocked account's entire scaled balance into an
// escrow account obtained from the authorization collaborator.
func (e *Engine) escrowSanctioned(v *view, account crypto.Address) error {
	if e.auth == nil {
		return errNilAuth
	}
	acct, err := v.account(account)
	if err != nil {
		return err
	}
	escrowAddr, err := e.auth.CreateEscrow(e.params.Borrower, account)
	if err != nil {
		return err
	}
	scaled := cloneBigInt(acct.ScaledBalance)
	if scaled.Sign() > 0 {
		escrowAcct, err := v.account(escrowAddr)
		if err != nil {
			return err
		}
		escrowAcct.ScaledBalance = new(big.Int).Add(escrowAcct.ScaledBalance, scaled)
		if escrowAcct.Role == types.RoleNone {
			escrowAcct.Role = types.RoleWithdrawOnly
		}
		v.markAccount(escrowAddr)
		acct.ScaledBalance = big.NewInt(0)
	}
	acct.IsBlocked = true
	v.markAccount(account)
	v.emit(NewAccountSanctionedEvent(account, escrowAddr, scaled))
	return nil
}
