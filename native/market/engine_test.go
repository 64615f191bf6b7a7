package market

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"creditmarket/core/types"
	"creditmarket/crypto"
)

type mockEngineState struct {
	state    *MarketState
	accounts map[string]*types.Account
	batches  map[uint64]*WithdrawalBatch
	statuses map[string]*AccountStatus
	queue    []uint64
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		accounts: make(map[string]*types.Account),
		batches:  make(map[uint64]*WithdrawalBatch),
		statuses: make(map[string]*AccountStatus),
	}
}

func (m *mockEngineState) key(addr crypto.Address) string {
	return string(addr.Bytes())
}

func (m *mockEngineState) statusID(expiry uint64, lender crypto.Address) string {
	return fmt.Sprintf("%d/%s", expiry, m.key(lender))
}

func (m *mockEngineState) GetMarketState() (*MarketState, error) {
	return m.state, nil
}

func (m *mockEngineState) PutMarketState(st *MarketState) error {
	m.state = st
	return nil
}

func (m *mockEngineState) GetAccount(addr crypto.Address) (*types.Account, error) {
	if acct, ok := m.accounts[m.key(addr)]; ok {
		return acct, nil
	}
	return nil, nil
}

func (m *mockEngineState) PutAccount(addr crypto.Address, acct *types.Account) error {
	m.accounts[m.key(addr)] = acct
	return nil
}

func (m *mockEngineState) GetWithdrawalBatch(expiry uint64) (*WithdrawalBatch, error) {
	if batch, ok := m.batches[expiry]; ok {
		return batch, nil
	}
	return nil, nil
}

func (m *mockEngineState) PutWithdrawalBatch(batch *WithdrawalBatch) error {
	if batch == nil {
		return nil
	}
	m.batches[batch.Expiry] = batch
	return nil
}

func (m *mockEngineState) GetAccountStatus(expiry uint64, lender crypto.Address) (*AccountStatus, error) {
	if status, ok := m.statuses[m.statusID(expiry, lender)]; ok {
		return status, nil
	}
	return nil, nil
}

func (m *mockEngineState) PutAccountStatus(status *AccountStatus) error {
	if status == nil {
		return nil
	}
	m.statuses[m.statusID(status.Expiry, status.Lender)] = status
	return nil
}

func (m *mockEngineState) DeleteAccountStatus(expiry uint64, lender crypto.Address) error {
	delete(m.statuses, m.statusID(expiry, lender))
	return nil
}

func (m *mockEngineState) GetUnpaidQueue() ([]uint64, error) {
	return m.queue, nil
}

func (m *mockEngineState) PutUnpaidQueue(queue []uint64) error {
	m.queue = queue
	return nil
}

type mockAsset struct {
	balances     map[string]*big.Int
	transferHook func()
}

func newMockAsset() *mockAsset {
	return &mockAsset{balances: make(map[string]*big.Int)}
}

func (a *mockAsset) balance(addr crypto.Address) *big.Int {
	if bal, ok := a.balances[string(addr.Bytes())]; ok {
		return bal
	}
	return big.NewInt(0)
}

func (a *mockAsset) mint(addr crypto.Address, amount int64) {
	a.balances[string(addr.Bytes())] = new(big.Int).Add(a.balance(addr), big.NewInt(amount))
}

func (a *mockAsset) BalanceOf(addr crypto.Address) (*big.Int, error) {
	return new(big.Int).Set(a.balance(addr)), nil
}

func (a *mockAsset) Transfer(to crypto.Address, amount *big.Int) error {
	return a.TransferFrom(marketTestAddress, to, amount)
}

func (a *mockAsset) TransferFrom(from, to crypto.Address, amount *big.Int) error {
	if a.transferHook != nil {
		a.transferHook()
	}
	fromBal := a.balance(from)
	if fromBal.Cmp(amount) < 0 {
		return errors.New("mock asset: insufficient balance")
	}
	a.balances[string(from.Bytes())] = new(big.Int).Sub(fromBal, amount)
	a.balances[string(to.Bytes())] = new(big.Int).Add(a.balance(to), amount)
	return nil
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.CreditPrefix, raw)
}

var (
	marketTestAddress = makeAddress(0x01)
	borrowerAddress   = makeAddress(0x02)
	controllerAddress = makeAddress(0x03)
	feeRecipientAddr  = makeAddress(0x04)
	sentinelAddress   = makeAddress(0x05)
	aliceAddress      = makeAddress(0x0A)
	bobAddress        = makeAddress(0x0B)
)

type testClock struct {
	now uint64
}

func (c *testClock) Now() uint64 { return c.now }

func (c *testClock) advance(seconds uint64) { c.now += seconds }

type testMarket struct {
	engine *Engine
	state  *mockEngineState
	asset  *mockAsset
	auth   *StaticAuth
	clock  *testClock
}

func defaultParams() MarketParams {
	return MarketParams{
		Borrower:                borrowerAddress,
		Controller:              controllerAddress,
		FeeRecipient:            feeRecipientAddr,
		Sentinel:                sentinelAddress,
		MaxTotalSupply:          big.NewInt(1_000_000),
		AnnualInterestBips:      1000,
		WithdrawalBatchDuration: 86_400,
	}
}

func newTestMarket(t *testing.T, params MarketParams) *testMarket {
	t.Helper()
	clock := &testClock{now: 1_700_000_000}
	state := newMockEngineState()
	asset := newMockAsset()
	auth := NewStaticAuth()

	engine := NewEngine(marketTestAddress, params)
	engine.SetState(state)
	engine.SetAsset(asset)
	engine.SetAuth(auth)
	engine.SetNowFunc(clock.Now)

	if err := engine.EnsureGenesis(); err != nil {
		t.Fatalf("ensure genesis: %v", err)
	}
	for _, lender := range []crypto.Address{aliceAddress, bobAddress} {
		state.accounts[state.key(lender)] = &types.Account{
			Role:          types.RoleDepositAndWithdraw,
			ScaledBalance: big.NewInt(0),
		}
	}
	asset.mint(aliceAddress, 1_000_000)
	asset.mint(bobAddress, 1_000_000)
	asset.mint(borrowerAddress, 1_000_000)

	return &testMarket{engine: engine, state: state, asset: asset, auth: auth, clock: clock}
}

// checkSupplyInvariant asserts that lender balances plus pending withdrawals
// always add up to the scaled total supply.
func (m *testMarket) checkSupplyInvariant(t *testing.T) {
	t.Helper()
	sum := big.NewInt(0)
	for _, acct := range m.state.accounts {
		if acct.ScaledBalance != nil {
			sum.Add(sum, acct.ScaledBalance)
		}
	}
	sum.Add(sum, m.state.state.ScaledPendingWithdrawals)
	if sum.Cmp(m.state.state.ScaledTotalSupply) != 0 {
		t.Fatalf("supply invariant broken: accounts+pending=%s total=%s", sum, m.state.state.ScaledTotalSupply)
	}
}

// checkReserveInvariant asserts reserved assets never exceed held assets.
func (m *testMarket) checkReserveInvariant(t *testing.T) {
	t.Helper()
	held := m.asset.balance(marketTestAddress)
	if m.state.state.ReservedAssets.Cmp(held) > 0 {
		t.Fatalf("reserve invariant broken: reserved=%s held=%s", m.state.state.ReservedAssets, held)
	}
}
