package market

import (
	"math/big"
	"sort"

	"creditmarket/core/types"
	"creditmarket/crypto"
)

type statusKey struct {
	expiry uint64
	lender string
}

// view is the working set of one entry point: cloned records loaded lazily
// from the state backend, mutated in memory, and written back in a single
// commit. An entry point that fails before commit leaves the persisted state
// untouched.
type view struct {
	store engineState

	state *MarketState
	held  *big.Int

	batches      map[uint64]*WithdrawalBatch
	dirtyBatches map[uint64]struct{}

	statuses        map[statusKey]*AccountStatus
	dirtyStatuses   map[statusKey]struct{}
	deletedStatuses map[statusKey]struct{}

	accounts      map[string]*types.Account
	accountAddrs  map[string]crypto.Address
	dirtyAccounts map[string]struct{}

	queue       []uint64
	queueLoaded bool
	queueDirty  bool

	events []*types.Event
}

func newView(store engineState) *view {
	return &view{
		store:           store,
		batches:         make(map[uint64]*WithdrawalBatch),
		dirtyBatches:    make(map[uint64]struct{}),
		statuses:        make(map[statusKey]*AccountStatus),
		dirtyStatuses:   make(map[statusKey]struct{}),
		deletedStatuses: make(map[statusKey]struct{}),
		accounts:        make(map[string]*types.Account),
		accountAddrs:    make(map[string]crypto.Address),
		dirtyAccounts:   make(map[string]struct{}),
	}
}

func (v *view) batch(expiry uint64) (*WithdrawalBatch, error) {
	if batch, ok := v.batches[expiry]; ok {
		return batch, nil
	}
	batch, err := v.store.GetWithdrawalBatch(expiry)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, nil
	}
	batch = batch.Clone()
	batch.EnsureDefaults()
	v.batches[expiry] = batch
	return batch, nil
}

func (v *view) putBatch(batch *WithdrawalBatch) {
	v.batches[batch.Expiry] = batch
	v.dirtyBatches[batch.Expiry] = struct{}{}
}

func (v *view) markBatch(expiry uint64) {
	v.dirtyBatches[expiry] = struct{}{}
}

func (v *view) status(expiry uint64, lender crypto.Address) (*AccountStatus, error) {
	key := statusKey{expiry: expiry, lender: string(lender.Bytes())}
	if _, dead := v.deletedStatuses[key]; dead {
		return nil, nil
	}
	if status, ok := v.statuses[key]; ok {
		return status, nil
	}
	status, err := v.store.GetAccountStatus(expiry, lender)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, nil
	}
	status = status.Clone()
	v.statuses[key] = status
	return status, nil
}

func (v *view) ensureStatus(expiry uint64, lender crypto.Address) (*AccountStatus, error) {
	status, err := v.status(expiry, lender)
	if err != nil {
		return nil, err
	}
	if status == nil {
		status = &AccountStatus{
			Expiry:                    expiry,
			Lender:                    lender,
			ScaledAmount:              big.NewInt(0),
			NormalizedAmountWithdrawn: big.NewInt(0),
		}
		key := statusKey{expiry: expiry, lender: string(lender.Bytes())}
		delete(v.deletedStatuses, key)
		v.statuses[key] = status
	}
	return status, nil
}

func (v *view) markStatus(expiry uint64, lender crypto.Address) {
	key := statusKey{expiry: expiry, lender: string(lender.Bytes())}
	v.dirtyStatuses[key] = struct{}{}
}

func (v *view) deleteStatus(expiry uint64, lender crypto.Address) {
	key := statusKey{expiry: expiry, lender: string(lender.Bytes())}
	delete(v.statuses, key)
	delete(v.dirtyStatuses, key)
	v.deletedStatuses[key] = struct{}{}
}

func (v *view) account(addr crypto.Address) (*types.Account, error) {
	key := string(addr.Bytes())
	if acct, ok := v.accounts[key]; ok {
		return acct, nil
	}
	acct, err := v.store.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		acct = &types.Account{Role: types.RoleNone, ScaledBalance: big.NewInt(0)}
	} else {
		acct = acct.Clone()
		if acct.ScaledBalance == nil {
			acct.ScaledBalance = big.NewInt(0)
		}
	}
	v.accounts[key] = acct
	v.accountAddrs[key] = addr
	return acct, nil
}

func (v *view) markAccount(addr crypto.Address) {
	v.dirtyAccounts[string(addr.Bytes())] = struct{}{}
}

func (v *view) unpaidQueue() ([]uint64, error) {
	if v.queueLoaded {
		return v.queue, nil
	}
	queue, err := v.store.GetUnpaidQueue()
	if err != nil {
		return nil, err
	}
	v.queue = append([]uint64(nil), queue...)
	v.queueLoaded = true
	return v.queue, nil
}

func (v *view) setQueue(queue []uint64) {
	v.queue = queue
	v.queueLoaded = true
	v.queueDirty = true
}

func (v *view) emit(evt *types.Event) {
	if evt == nil {
		return
	}
	v.events = append(v.events, evt)
}

// commit validates field widths and writes every dirty record back to the
// state backend in deterministic order.
func (v *view) commit() error {
	if err := v.state.checkWidths(); err != nil {
		return err
	}
	if err := v.store.PutMarketState(v.state); err != nil {
		return err
	}

	expiries := make([]uint64, 0, len(v.dirtyBatches))
	for expiry := range v.dirtyBatches {
		expiries = append(expiries, expiry)
	}
	sort.Slice(expiries, func(i, j int) bool { return expiries[i] < expiries[j] })
	for _, expiry := range expiries {
		if err := v.store.PutWithdrawalBatch(v.batches[expiry]); err != nil {
			return err
		}
	}

	statusKeys := make([]statusKey, 0, len(v.dirtyStatuses))
	for key := range v.dirtyStatuses {
		statusKeys = append(statusKeys, key)
	}
	sort.Slice(statusKeys, func(i, j int) bool {
		if statusKeys[i].expiry != statusKeys[j].expiry {
			return statusKeys[i].expiry < statusKeys[j].expiry
		}
		return statusKeys[i].lender < statusKeys[j].lender
	})
	for _, key := range statusKeys {
		if err := v.store.PutAccountStatus(v.statuses[key]); err != nil {
			return err
		}
	}
	for key := range v.deletedStatuses {
		lender := crypto.NewAddress(crypto.CreditPrefix, []byte(key.lender))
		if err := v.store.DeleteAccountStatus(key.expiry, lender); err != nil {
			return err
		}
	}

	acctKeys := make([]string, 0, len(v.dirtyAccounts))
	for key := range v.dirtyAccounts {
		acctKeys = append(acctKeys, key)
	}
	sort.Strings(acctKeys)
	for _, key := range acctKeys {
		if err := v.store.PutAccount(v.accountAddrs[key], v.accounts[key]); err != nil {
			return err
		}
	}

	if v.queueDirty {
		if err := v.store.PutUnpaidQueue(v.queue); err != nil {
			return err
		}
	}
	return nil
}
