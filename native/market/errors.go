package market

import "errors"

var (
	errNilState      = errors.New("market engine: state not configured")
	errNilAsset      = errors.New("market engine: asset backend not configured")
	errNilAuth       = errors.New("market engine: authorization backend not configured")
	errNilMarket     = errors.New("market engine: market not initialised")
	errInvalidAmount = errors.New("market engine: amount must be positive")
	errInvalidBips   = errors.New("market engine: basis points exceed 10000")
)

// The closed error enumeration surfaced by ledger entry points. Every error
// aborts the entry point atomically; no partial mutation is observable.
var (
	// Input validity.
	ErrNullMintAmount      = errors.New("market engine: null mint amount")
	ErrNullBurnAmount      = errors.New("market engine: null burn amount")
	ErrNullFeeAmount       = errors.New("market engine: null fee amount")
	ErrMaxSupplyExceeded   = errors.New("market engine: max supply exceeded")
	ErrBorrowAmountTooHigh = errors.New("market engine: borrow amount too high")
	ErrInsufficientBalance = errors.New("market engine: insufficient balance")

	// State-gated.
	ErrDepositToClosedMarket                = errors.New("market engine: deposit to closed market")
	ErrBorrowFromClosedMarket               = errors.New("market engine: borrow from closed market")
	ErrRepayToClosedMarket                  = errors.New("market engine: repay to closed market")
	ErrMarketAlreadyClosed                  = errors.New("market engine: market already closed")
	ErrCloseMarketWithUnpaidWithdrawals     = errors.New("market engine: close market with unpaid withdrawals")
	ErrInsufficientReservesForFeeWithdrawal = errors.New("market engine: insufficient reserves for fee withdrawal")

	// Withdrawal claims.
	ErrUnknownBatch      = errors.New("market engine: unknown withdrawal batch")
	ErrBatchNotExpired   = errors.New("market engine: withdrawal batch not expired")
	ErrNoWithdrawalClaim = errors.New("market engine: no withdrawal claim recorded")

	// Authorization.
	ErrNotAuthorizedLender   = errors.New("market engine: lender not authorized")
	ErrNotBorrower           = errors.New("market engine: caller is not the borrower")
	ErrNotController         = errors.New("market engine: caller is not the controller")
	ErrBorrowWhileSanctioned = errors.New("market engine: borrower is sanctioned")
	ErrAccountBlocked        = errors.New("market engine: account blocked")
	ErrAccountNotSanctioned  = errors.New("market engine: account not sanctioned")

	// Arithmetic.
	ErrArithmeticOverflow   = errors.New("market engine: arithmetic overflow")
	ErrScaleFactorUnderflow = errors.New("market engine: scale factor underflow")

	// Concurrency.
	ErrReentrancy = errors.New("market engine: reentrant call")
)
