// Package ledgertest provides an in-memory ledger.Gateway and ledger.Signer for tests.
//
// The Gateway behaves like a well-formed node by default: every call estimates at DefaultGas,
// every submission is accepted and mined successfully, and contract creations receive the
// address derived from the sender and nonce. Hooks override behavior per call.
package ledgertest

import (
	"context"
	"encoding/json"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/smartcontractkit/deployment-orchestrator/ledger"
)

// DefaultGas is the estimate returned when no EstimateHook is set.
const DefaultGas uint64 = 100_000

// Gateway is a scriptable in-memory ledger.Gateway.
type Gateway struct {
	mu sync.Mutex

	chainID  *big.Int
	gasPrice *big.Int
	nonces   map[common.Address]uint64
	base     map[common.Address]uint64
	used     map[common.Address]map[uint64]bool
	mined    map[common.Hash]ledger.Receipt
	block    uint64

	submissions []ledger.SignedTx
	estimates   []ledger.Call
	reads       []ledger.Call

	// EstimateHook overrides gas estimation. Returning an error fails the estimate.
	EstimateHook func(call ledger.Call) (uint64, error)
	// SubmitHook runs before a transaction is accepted. Returning an error rejects it and the
	// transaction is not recorded as a submission.
	SubmitHook func(tx ledger.SignedTx) error
	// ReceiptHook may alter the receipt of an accepted transaction or fail the wait.
	ReceiptHook func(tx ledger.SignedTx, receipt *ledger.Receipt) error
	// ReadHook answers ReadState calls. Without it ReadState returns 32 zero bytes.
	ReadHook func(call ledger.Call) ([]byte, error)
}

var _ ledger.Gateway = (*Gateway)(nil)

// NewGateway returns a Gateway for chain 1337 with a 1 gwei gas price.
func NewGateway() *Gateway {
	return &Gateway{
		chainID:  big.NewInt(1337),
		gasPrice: big.NewInt(1_000_000_000),
		nonces:   make(map[common.Address]uint64),
		base:     make(map[common.Address]uint64),
		used:     make(map[common.Address]map[uint64]bool),
		mined:    make(map[common.Hash]ledger.Receipt),
	}
}

// SetNonce seeds the chain nonce of an account.
func (g *Gateway) SetNonce(addr common.Address, nonce uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nonces[addr] = nonce
	g.base[addr] = nonce
}

// SetGasPrice sets the suggested gas price.
func (g *Gateway) SetGasPrice(price *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.gasPrice = price
}

// UsedNonces returns the sorted nonces of addr consumed by accepted transactions.
func (g *Gateway) UsedNonces(addr common.Address) []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []uint64
	for n := range g.used[addr] {
		out = append(out, n)
	}
	slices.Sort(out)

	return out
}

// Submissions returns the accepted transactions in acceptance order.
func (g *Gateway) Submissions() []ledger.SignedTx {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]ledger.SignedTx(nil), g.submissions...)
}

// Estimates returns every call passed to EstimateGas.
func (g *Gateway) Estimates() []ledger.Call {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]ledger.Call(nil), g.estimates...)
}

// Reads returns every call passed to ReadState.
func (g *Gateway) Reads() []ledger.Call {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]ledger.Call(nil), g.reads...)
}

func (g *Gateway) ChainID(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(g.chainID), nil
}

func (g *Gateway) EstimateGas(ctx context.Context, call ledger.Call) (ledger.GasEstimate, error) {
	if err := ctx.Err(); err != nil {
		return ledger.GasEstimate{}, err
	}

	g.mu.Lock()
	g.estimates = append(g.estimates, call)
	hook := g.EstimateHook
	price := new(big.Int).Set(g.gasPrice)
	g.mu.Unlock()

	gas := DefaultGas
	if hook != nil {
		var err error
		if gas, err = hook(call); err != nil {
			return ledger.GasEstimate{}, err
		}
	}

	return ledger.GasEstimate{Gas: gas, GasPrice: price}, nil
}

func (g *Gateway) GetNonce(ctx context.Context, sender common.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	return g.nonces[sender], nil
}

func (g *Gateway) Submit(ctx context.Context, tx ledger.SignedTx) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}

	g.mu.Lock()
	hook := g.SubmitHook
	g.mu.Unlock()
	if hook != nil {
		if err := hook(tx); err != nil {
			return common.Hash{}, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, known := g.mined[tx.Hash]; known {
		return tx.Hash, nil
	}

	from := tx.Request.From
	if g.used[from] == nil {
		g.used[from] = make(map[uint64]bool)
	}
	if tx.Request.Nonce < g.base[from] || g.used[from][tx.Request.Nonce] {
		return common.Hash{}, ledger.ErrNonceTooLow
	}
	g.used[from][tx.Request.Nonce] = true
	for g.used[from][g.nonces[from]] {
		g.nonces[from]++
	}

	g.block++
	receipt := ledger.Receipt{
		TxHash:            tx.Hash,
		Status:            ledger.ReceiptStatusSuccessful,
		BlockNumber:       g.block,
		GasUsed:           tx.Request.GasLimit * 3 / 4,
		EffectiveGasPrice: tx.Request.GasPrice,
	}
	if tx.Request.IsCreate() {
		receipt.ContractAddress = crypto.CreateAddress(from, tx.Request.Nonce)
	}
	g.mined[tx.Hash] = receipt
	g.submissions = append(g.submissions, tx)

	return tx.Hash, nil
}

func (g *Gateway) WaitForReceipt(
	ctx context.Context, hash common.Hash, confirmations uint64, _ time.Duration,
) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}

	g.mu.Lock()
	receipt, ok := g.mined[hash]
	var tx ledger.SignedTx
	for _, s := range g.submissions {
		if s.Hash == hash {
			tx = s
		}
	}
	hook := g.ReceiptHook
	g.mu.Unlock()

	if !ok {
		return ledger.Receipt{}, ledger.ErrReceiptTimeout
	}
	receipt.Confirmations = confirmations
	if hook != nil {
		if err := hook(tx, &receipt); err != nil {
			return ledger.Receipt{}, err
		}
	}

	return receipt, nil
}

func (g *Gateway) ReadState(ctx context.Context, call ledger.Call) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.reads = append(g.reads, call)
	hook := g.ReadHook
	g.mu.Unlock()

	if hook != nil {
		return hook(call)
	}

	return make([]byte, 32), nil
}

// Signer is a deterministic fake signer. The hash commits to the full request so replacement
// transactions with a bumped gas price get a distinct hash.
type Signer struct {
	addr common.Address
}

var _ ledger.Signer = Signer{}

// NewSigner returns a Signer for addr.
func NewSigner(addr common.Address) Signer {
	return Signer{addr: addr}
}

func (s Signer) Address() common.Address {
	return s.addr
}

func (s Signer) Sign(_ context.Context, req ledger.TxRequest) (ledger.SignedTx, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return ledger.SignedTx{}, err
	}

	return ledger.SignedTx{Request: req, Hash: crypto.Keccak256Hash(raw), Raw: raw}, nil
}
