package state

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"creditmarket/crypto"
	"creditmarket/storage"
)

var tokenPrefix = []byte("token/bal/")

var (
	errTokenInvalidAmount = errors.New("token store: amount must be positive")
	errTokenInsufficient  = errors.New("token store: insufficient balance")
)

// LedgerToken is the balance-carrying asset backend consumed by the market
// engine: a plain mapping of address to balance with exact-amount transfers.
type LedgerToken struct {
	db     storage.Database
	market crypto.Address
}

// NewLedgerToken constructs the token ledger. Transfers without an explicit
// source draw from the market address.
func NewLedgerToken(db storage.Database, marketAddr crypto.Address) *LedgerToken {
	return &LedgerToken{db: db, market: marketAddr}
}

func tokenKey(addr crypto.Address) []byte {
	return append(append([]byte(nil), tokenPrefix...), addr.Bytes()...)
}

// BalanceOf returns the balance of an address, zero when unseen.
func (t *LedgerToken) BalanceOf(addr crypto.Address) (*big.Int, error) {
	raw, err := t.db.Get(tokenKey(addr))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(raw, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func (t *LedgerToken) setBalance(addr crypto.Address, balance *big.Int) error {
	encoded, err := rlp.EncodeToBytes(balance)
	if err != nil {
		return err
	}
	return t.db.Put(tokenKey(addr), encoded)
}

// Mint credits freshly issued tokens to an address.
func (t *LedgerToken) Mint(addr crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errTokenInvalidAmount
	}
	balance, err := t.BalanceOf(addr)
	if err != nil {
		return err
	}
	return t.setBalance(addr, new(big.Int).Add(balance, amount))
}

// Transfer moves tokens from the market address to the recipient.
func (t *LedgerToken) Transfer(to crypto.Address, amount *big.Int) error {
	return t.TransferFrom(t.market, to, amount)
}

// TransferFrom moves an exact amount between two addresses, failing when the
// source balance cannot cover it.
func (t *LedgerToken) TransferFrom(from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errTokenInvalidAmount
	}
	fromBalance, err := t.BalanceOf(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return errTokenInsufficient
	}
	toBalance, err := t.BalanceOf(to)
	if err != nil {
		return err
	}
	if err := t.setBalance(from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return t.setBalance(to, new(big.Int).Add(toBalance, amount))
}
