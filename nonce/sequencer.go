// Package nonce serializes nonce assignment for sender accounts.
//
// A Sequencer is seeded from the chain once and afterwards hands out nonces from an in-memory
// counter, so concurrent submissions from the same sender receive unique and contiguous
// values regardless of the order in which they complete.
//
// A reserved nonce that never makes it into the network leaves a gap which blocks every later
// nonce of the sender. The Sequencer never reuses such a nonce on its own. The owner either
// submits a replacement at the same nonce, or burns it explicitly with [Sequencer.Burn].
package nonce

import (
	"context"
	"fmt"
	"math/big"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

// Sequencer hands out nonces for one sender.
type Sequencer struct {
	mu sync.Mutex

	sender  common.Address
	gateway ledger.Gateway
	lggr    logger.Logger

	seeded     bool
	next       uint64
	unresolved map[uint64]struct{}
}

// NewSequencer returns an unseeded Sequencer. The first Reserve seeds it from the chain.
func NewSequencer(lggr logger.Logger, gateway ledger.Gateway, sender common.Address) *Sequencer {
	return &Sequencer{
		sender:     sender,
		gateway:    gateway,
		lggr:       lggr.Named("nonce").With("sender", sender.Hex()),
		unresolved: make(map[uint64]struct{}),
	}
}

// Sender returns the account the sequencer serves.
func (s *Sequencer) Sender() common.Address {
	return s.sender
}

// Seed initialises the counter from the chain's pending nonce. Calling Seed again is a no-op.
func (s *Sequencer) Seed(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.seedLocked(ctx)
}

func (s *Sequencer) seedLocked(ctx context.Context) error {
	if s.seeded {
		return nil
	}

	n, err := s.gateway.GetNonce(ctx, s.sender)
	if err != nil {
		return fmt.Errorf("seed nonce for %s: %w", s.sender.Hex(), ledger.Classify(err))
	}
	s.next = n
	s.seeded = true
	s.lggr.Debugw("Seeded nonce counter", "nonce", n)

	return nil
}

// Reserve atomically returns the next nonce and advances the counter.
func (s *Sequencer) Reserve(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.seedLocked(ctx); err != nil {
		return 0, err
	}

	n := s.next
	s.next++
	s.lggr.Debugw("Reserved nonce", "nonce", n)

	return n, nil
}

// Peek returns the nonce the next Reserve would hand out.
func (s *Sequencer) Peek() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.next, s.seeded
}

// Sync advances the counter to the chain's pending nonce if the chain is ahead, which happens
// when another process submitted from the same sender. The counter never moves backwards.
func (s *Sequencer) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.gateway.GetNonce(ctx, s.sender)
	if err != nil {
		return fmt.Errorf("sync nonce for %s: %w", s.sender.Hex(), ledger.Classify(err))
	}
	if !s.seeded || n > s.next {
		s.lggr.Infow("Advancing nonce counter to chain", "from", s.next, "to", n)
		s.next = n
		s.seeded = true
	}
	for u := range s.unresolved {
		if u < n {
			delete(s.unresolved, u)
		}
	}

	return nil
}

// MarkUnresolved records that a reserved nonce was never accepted by the network. The nonce
// stays reserved; it is reported by Unresolved until it is burned or the chain moves past it.
func (s *Sequencer) MarkUnresolved(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unresolved[n] = struct{}{}
	s.lggr.Warnw("Nonce left unresolved, later transactions from this sender are blocked until it is replaced or burned",
		"nonce", n)
}

// Resolve clears an unresolved mark, e.g. after a replacement transaction was accepted.
func (s *Sequencer) Resolve(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.unresolved, n)
}

// Unresolved returns the reserved nonces that were never accepted, sorted ascending.
func (s *Sequencer) Unresolved() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]uint64, 0, len(s.unresolved))
	for n := range s.unresolved {
		out = append(out, n)
	}
	slices.Sort(out)

	return out
}

// Burn fills a nonce with a zero value self-transfer so that later nonces can be mined. It
// is an explicit operator action and is never invoked automatically. gasPrice must exceed
// the price of any transaction still pending at that nonce.
func (s *Sequencer) Burn(
	ctx context.Context, signer ledger.Signer, n uint64, gasPrice *big.Int,
) (common.Hash, error) {
	if signer.Address() != s.sender {
		return common.Hash{}, fmt.Errorf("signer %s does not match sender %s", signer.Address().Hex(), s.sender.Hex())
	}

	chainID, err := s.gateway.ChainID(ctx)
	if err != nil {
		return common.Hash{}, ledger.Classify(err)
	}

	to := s.sender
	signed, err := signer.Sign(ctx, ledger.TxRequest{
		Call:     ledger.Call{From: s.sender, To: &to, Value: new(big.Int)},
		ChainID:  chainID,
		Nonce:    n,
		GasLimit: 21_000,
		GasPrice: gasPrice,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign nonce burn: %w", err)
	}

	hash, err := s.gateway.Submit(ctx, signed)
	if err != nil {
		return common.Hash{}, fmt.Errorf("submit nonce burn: %w", ledger.Classify(err))
	}
	s.Resolve(n)
	s.lggr.Infow("Burned nonce", "nonce", n, "txHash", hash.Hex())

	return hash, nil
}

// Manager owns one Sequencer per sender.
type Manager struct {
	mu         sync.Mutex
	lggr       logger.Logger
	gateway    ledger.Gateway
	sequencers map[common.Address]*Sequencer
}

// NewManager returns an empty Manager.
func NewManager(lggr logger.Logger, gateway ledger.Gateway) *Manager {
	return &Manager{
		lggr:       lggr,
		gateway:    gateway,
		sequencers: make(map[common.Address]*Sequencer),
	}
}

// For returns the Sequencer for sender, creating it on first use.
func (m *Manager) For(sender common.Address) *Sequencer {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sequencers[sender]
	if !ok {
		s = NewSequencer(m.lggr, m.gateway, sender)
		m.sequencers[sender] = s
	}

	return s
}

// Unresolved returns the unresolved nonces of every known sender.
func (m *Manager) Unresolved() map[common.Address][]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[common.Address][]uint64)
	for addr, s := range m.sequencers {
		if u := s.Unresolved(); len(u) > 0 {
			out[addr] = u
		}
	}

	return out
}
