package market

import (
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"creditmarket/crypto"
)

// StaticAuth is an AuthBackend backed by in-process sets. The daemon seeds it
// from configuration; tests drive it directly. Escrow addresses are derived
// deterministically so repeated calls for one (borrower, account) pair return
// the same escrow.
type StaticAuth struct {
	mu         sync.RWMutex
	sanctioned map[string]bool
	flagged    map[string]bool
}

// NewStaticAuth constructs an empty authorization backend.
func NewStaticAuth() *StaticAuth {
	return &StaticAuth{
		sanctioned: make(map[string]bool),
		flagged:    make(map[string]bool),
	}
}

// Sanction marks an account as sanctioned.
func (a *StaticAuth) Sanction(account crypto.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sanctioned[string(account.Bytes())] = true
}

// ClearSanction removes a sanction mark.
func (a *StaticAuth) ClearSanction(account crypto.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sanctioned, string(account.Bytes()))
}

// Flag marks an account for review without sanctioning it.
func (a *StaticAuth) Flag(account crypto.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flagged[string(account.Bytes())] = true
}

// IsSanctioned implements AuthBackend.
func (a *StaticAuth) IsSanctioned(_, account crypto.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sanctioned[string(account.Bytes())]
}

// IsFlagged implements AuthBackend.
func (a *StaticAuth) IsFlagged(account crypto.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.flagged[string(account.Bytes())]
}

// CreateEscrow implements AuthBackend. The escrow address is the keccak of
// the (borrower, account) pair, so the mapping is stable across restarts.
func (a *StaticAuth) CreateEscrow(borrower, account crypto.Address) (crypto.Address, error) {
	preimage := make([]byte, 0, 6+40)
	preimage = append(preimage, []byte("escrow")...)
	preimage = append(preimage, borrower.Bytes()...)
	preimage = append(preimage, account.Bytes()...)
	digest := ethcrypto.Keccak256(preimage)
	return crypto.NewAddress(crypto.CreditPrefix, digest[12:]), nil
}
