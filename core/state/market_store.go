package state

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"creditmarket/core/types"
	"creditmarket/crypto"
	"creditmarket/native/market"
	"creditmarket/storage"
)

var (
	marketStateKey = []byte("market/state")
	unpaidQueueKey = []byte("market/queue")

	accountPrefix = []byte("market/acct/")
	batchPrefix   = []byte("market/batch/")
	statusPrefix  = []byte("market/status/")
)

// MarketStore persists the market record, accounts, withdrawal batches,
// per-lender batch statuses and the unpaid queue as RLP blobs over a
// key-value database.
type MarketStore struct {
	db storage.Database
}

// NewMarketStore creates a market store backed by the provided database.
func NewMarketStore(db storage.Database) *MarketStore {
	return &MarketStore{db: db}
}

func accountKey(addr crypto.Address) []byte {
	return append(append([]byte(nil), accountPrefix...), addr.Bytes()...)
}

func batchKey(expiry uint64) []byte {
	key := append([]byte(nil), batchPrefix...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], expiry)
	return append(key, buf[:]...)
}

func statusKey(expiry uint64, lender crypto.Address) []byte {
	key := append([]byte(nil), statusPrefix...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], expiry)
	key = append(key, buf[:]...)
	return append(key, lender.Bytes()...)
}

func (s *MarketStore) get(key []byte, out interface{}) (bool, error) {
	raw, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MarketStore) put(key []byte, in interface{}) error {
	encoded, err := rlp.EncodeToBytes(in)
	if err != nil {
		return err
	}
	return s.db.Put(key, encoded)
}

// GetMarketState implements the engine state interface; it returns nil when
// no record has been written yet.
func (s *MarketStore) GetMarketState() (*market.MarketState, error) {
	st := new(market.MarketState)
	ok, err := s.get(marketStateKey, st)
	if err != nil || !ok {
		return nil, err
	}
	st.EnsureDefaults()
	return st, nil
}

// PutMarketState persists the market record.
func (s *MarketStore) PutMarketState(st *market.MarketState) error {
	if st == nil {
		return nil
	}
	st.EnsureDefaults()
	return s.put(marketStateKey, st)
}

// GetAccount returns the stored account or nil when absent.
func (s *MarketStore) GetAccount(addr crypto.Address) (*types.Account, error) {
	acct := new(types.Account)
	ok, err := s.get(accountKey(addr), acct)
	if err != nil || !ok {
		return nil, err
	}
	if acct.ScaledBalance == nil {
		acct.ScaledBalance = big.NewInt(0)
	}
	return acct, nil
}

// PutAccount persists an account record.
func (s *MarketStore) PutAccount(addr crypto.Address, acct *types.Account) error {
	if acct == nil {
		return nil
	}
	if acct.ScaledBalance == nil {
		acct.ScaledBalance = big.NewInt(0)
	}
	return s.put(accountKey(addr), acct)
}

type storedBatch struct {
	ScaledTotalAmount    *big.Int
	ScaledAmountBurned   *big.Int
	NormalizedAmountPaid *big.Int
}

// GetWithdrawalBatch returns the stored batch or nil when absent.
func (s *MarketStore) GetWithdrawalBatch(expiry uint64) (*market.WithdrawalBatch, error) {
	stored := new(storedBatch)
	ok, err := s.get(batchKey(expiry), stored)
	if err != nil || !ok {
		return nil, err
	}
	batch := &market.WithdrawalBatch{
		Expiry:               expiry,
		ScaledTotalAmount:    stored.ScaledTotalAmount,
		ScaledAmountBurned:   stored.ScaledAmountBurned,
		NormalizedAmountPaid: stored.NormalizedAmountPaid,
	}
	batch.EnsureDefaults()
	return batch, nil
}

// PutWithdrawalBatch persists a batch keyed by its expiry.
func (s *MarketStore) PutWithdrawalBatch(batch *market.WithdrawalBatch) error {
	if batch == nil {
		return nil
	}
	batch.EnsureDefaults()
	return s.put(batchKey(batch.Expiry), &storedBatch{
		ScaledTotalAmount:    batch.ScaledTotalAmount,
		ScaledAmountBurned:   batch.ScaledAmountBurned,
		NormalizedAmountPaid: batch.NormalizedAmountPaid,
	})
}

type storedStatus struct {
	ScaledAmount              *big.Int
	NormalizedAmountWithdrawn *big.Int
}

// GetAccountStatus returns a lender's share record for a batch, nil when
// absent.
func (s *MarketStore) GetAccountStatus(expiry uint64, lender crypto.Address) (*market.AccountStatus, error) {
	stored := new(storedStatus)
	ok, err := s.get(statusKey(expiry, lender), stored)
	if err != nil || !ok {
		return nil, err
	}
	status := &market.AccountStatus{
		Expiry:                    expiry,
		Lender:                    lender,
		ScaledAmount:              stored.ScaledAmount,
		NormalizedAmountWithdrawn: stored.NormalizedAmountWithdrawn,
	}
	if status.ScaledAmount == nil {
		status.ScaledAmount = big.NewInt(0)
	}
	if status.NormalizedAmountWithdrawn == nil {
		status.NormalizedAmountWithdrawn = big.NewInt(0)
	}
	return status, nil
}

// PutAccountStatus persists a lender's share record.
func (s *MarketStore) PutAccountStatus(status *market.AccountStatus) error {
	if status == nil {
		return nil
	}
	return s.put(statusKey(status.Expiry, status.Lender), &storedStatus{
		ScaledAmount:              status.ScaledAmount,
		NormalizedAmountWithdrawn: status.NormalizedAmountWithdrawn,
	})
}

// DeleteAccountStatus removes a settled share record.
func (s *MarketStore) DeleteAccountStatus(expiry uint64, lender crypto.Address) error {
	return s.db.Delete(statusKey(expiry, lender))
}

// GetUnpaidQueue returns the ordered unpaid batch expiries.
func (s *MarketStore) GetUnpaidQueue() ([]uint64, error) {
	var queue []uint64
	ok, err := s.get(unpaidQueueKey, &queue)
	if err != nil || !ok {
		return nil, err
	}
	return queue, nil
}

// PutUnpaidQueue persists the ordered unpaid batch expiries.
func (s *MarketStore) PutUnpaidQueue(queue []uint64) error {
	return s.put(unpaidQueueKey, queue)
}
