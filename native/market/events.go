package market

import (
	"math/big"
	"strconv"

	"creditmarket/core/types"
	"creditmarket/crypto"
)

const (
	EventTypeTransfer          = "market.transfer"
	EventTypeDeposit           = "market.deposit"
	EventTypeBorrow            = "market.borrow"
	EventTypeRepayment         = "market.repayment"
	EventTypeFeesCollected     = "market.fees_collected"
	EventTypeMarketClosed      = "market.closed"
	EventTypeBatchCreated      = "market.withdrawal.batch_created"
	EventTypeWithdrawalQueued  = "market.withdrawal.queued"
	EventTypeBatchPayment      = "market.withdrawal.payment"
	EventTypeBatchExpired      = "market.withdrawal.batch_expired"
	EventTypeBatchClosed       = "market.withdrawal.batch_closed"
	EventTypeAccountSanctioned = "market.account.sanctioned"
)

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// NewTransferEvent reports a normalized asset movement observed at the
// contract surface.
func NewTransferEvent(from, to crypto.Address, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeTransfer,
		Attributes: map[string]string{
			"from":   from.String(),
			"to":     to.String(),
			"amount": formatAmount(amount),
		},
	}
}

// NewDepositEvent reports a lender deposit with both unit systems.
func NewDepositEvent(lender crypto.Address, normalized, scaled *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeDeposit,
		Attributes: map[string]string{
			"lender":           lender.String(),
			"normalizedAmount": formatAmount(normalized),
			"scaledAmount":     formatAmount(scaled),
		},
	}
}

// NewBorrowEvent reports a borrower draw.
func NewBorrowEvent(amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeBorrow,
		Attributes: map[string]string{
			"amount": formatAmount(amount),
		},
	}
}

// NewRepaymentEvent reports funds returned to the market.
func NewRepaymentEvent(payer crypto.Address, amount *big.Int, timestamp uint64) *types.Event {
	return &types.Event{
		Type: EventTypeRepayment,
		Attributes: map[string]string{
			"payer":     payer.String(),
			"amount":    formatAmount(amount),
			"timestamp": formatUint(timestamp),
		},
	}
}

// NewFeesCollectedEvent reports a protocol fee withdrawal.
func NewFeesCollectedEvent(amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeFeesCollected,
		Attributes: map[string]string{
			"amount": formatAmount(amount),
		},
	}
}

// NewMarketClosedEvent reports the terminal transition.
func NewMarketClosedEvent(timestamp uint64) *types.Event {
	return &types.Event{
		Type: EventTypeMarketClosed,
		Attributes: map[string]string{
			"timestamp": formatUint(timestamp),
		},
	}
}

// NewBatchCreatedEvent reports a new pending withdrawal batch.
func NewBatchCreatedEvent(expiry uint64) *types.Event {
	return &types.Event{
		Type: EventTypeBatchCreated,
		Attributes: map[string]string{
			"expiry": formatUint(expiry),
		},
	}
}

// NewWithdrawalQueuedEvent reports a lender claim added to the pending batch.
func NewWithdrawalQueuedEvent(expiry uint64, lender crypto.Address, scaled *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeWithdrawalQueued,
		Attributes: map[string]string{
			"expiry":       formatUint(expiry),
			"lender":       lender.String(),
			"scaledAmount": formatAmount(scaled),
		},
	}
}

// NewBatchPaymentEvent reports liquidity applied to a batch.
func NewBatchPaymentEvent(expiry uint64, scaledBurned, normalizedPaid *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeBatchPayment,
		Attributes: map[string]string{
			"expiry":         formatUint(expiry),
			"scaledBurned":   formatAmount(scaledBurned),
			"normalizedPaid": formatAmount(normalizedPaid),
		},
	}
}

// NewBatchExpiredEvent reports a batch reaching maturity.
func NewBatchExpiredEvent(b *WithdrawalBatch) *types.Event {
	return &types.Event{
		Type: EventTypeBatchExpired,
		Attributes: map[string]string{
			"expiry":         formatUint(b.Expiry),
			"scaledTotal":    formatAmount(b.ScaledTotalAmount),
			"scaledBurned":   formatAmount(b.ScaledAmountBurned),
			"normalizedPaid": formatAmount(b.NormalizedAmountPaid),
		},
	}
}

// NewBatchClosedEvent reports a batch whose scaled total is fully burned.
func NewBatchClosedEvent(expiry uint64) *types.Event {
	return &types.Event{
		Type: EventTypeBatchClosed,
		Attributes: map[string]string{
			"expiry": formatUint(expiry),
		},
	}
}

// NewAccountSanctionedEvent reports a blocked account whose position moved to
// escrow.
func NewAccountSanctionedEvent(account, escrow crypto.Address, scaled *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeAccountSanctioned,
		Attributes: map[string]string{
			"account":      account.String(),
			"escrow":       escrow.String(),
			"scaledAmount": formatAmount(scaled),
		},
	}
}
