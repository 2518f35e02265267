package ledger

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Keyring holds the signers the orchestrator may submit with, indexed by address.
type Keyring struct {
	mu      sync.RWMutex
	signers map[common.Address]Signer
}

// NewKeyring returns a keyring holding the given signers.
func NewKeyring(signers ...Signer) *Keyring {
	k := &Keyring{signers: make(map[common.Address]Signer, len(signers))}
	for _, s := range signers {
		k.signers[s.Address()] = s
	}

	return k
}

// Add registers a signer, replacing any signer for the same address.
func (k *Keyring) Add(s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.signers[s.Address()] = s
}

// Get returns the signer for addr.
func (k *Keyring) Get(addr common.Address) (Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	s, ok := k.signers[addr]
	if !ok {
		return nil, fmt.Errorf("no signer for %s", addr.Hex())
	}

	return s, nil
}

// Has reports whether a signer for addr is held.
func (k *Keyring) Has(addr common.Address) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()

	_, ok := k.signers[addr]

	return ok
}
