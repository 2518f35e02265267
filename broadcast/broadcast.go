// Package broadcast sends transactions through a ledger.Gateway and waits for them to be
// confirmed.
//
// A [Tx] is one logical transaction. Sending it again after a timeout reuses its nonce with
// a bumped gas price, so at most one of its submissions can ever be mined. If the nonce turns
// out to be consumed, the previous submissions are checked for a receipt before a fresh nonce
// is reserved.
package broadcast

import (
	"context"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/nonce"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

// Config controls confirmation and replacement behavior.
type Config struct {
	// Confirmations is the number of blocks a receipt must be buried under.
	Confirmations uint64
	// ReceiptTimeout bounds a single wait for a receipt.
	ReceiptTimeout time.Duration
	// GasBumpPercent raises the gas price of a replacement submission.
	GasBumpPercent uint64
}

// DefaultConfig is used for zero fields of a Config.
var DefaultConfig = Config{
	Confirmations:  1,
	ReceiptTimeout: 5 * time.Minute,
	GasBumpPercent: 13,
}

func (c Config) withDefaults() Config {
	if c.Confirmations == 0 {
		c.Confirmations = DefaultConfig.Confirmations
	}
	if c.ReceiptTimeout == 0 {
		c.ReceiptTimeout = DefaultConfig.ReceiptTimeout
	}
	if c.GasBumpPercent == 0 {
		c.GasBumpPercent = DefaultConfig.GasBumpPercent
	}

	return c
}

// Tx is a logical transaction tracked across submission attempts.
type Tx struct {
	From     common.Address
	To       *common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int

	nonce    uint64
	reserved bool
	hashes   []common.Hash
	attempts int
}

// Nonce returns the nonce reserved for the transaction, if any.
func (t *Tx) Nonce() (uint64, bool) {
	return t.nonce, t.reserved
}

// Hashes returns the hashes of every accepted submission, oldest first.
func (t *Tx) Hashes() []common.Hash {
	return slices.Clone(t.hashes)
}

// Attempts returns how many times Send was called for the transaction.
func (t *Tx) Attempts() int {
	return t.attempts
}

// Broadcaster submits transactions for the senders held in its keyring.
type Broadcaster struct {
	lggr    logger.Logger
	gateway ledger.Gateway
	keyring *ledger.Keyring
	nonces  *nonce.Manager
	cfg     Config

	mu      sync.Mutex
	chainID *big.Int
}

// New returns a Broadcaster.
func New(
	lggr logger.Logger, gateway ledger.Gateway, keyring *ledger.Keyring, nonces *nonce.Manager, cfg Config,
) *Broadcaster {
	return &Broadcaster{
		lggr:    lggr.Named("broadcast"),
		gateway: gateway,
		keyring: keyring,
		nonces:  nonces,
		cfg:     cfg.withDefaults(),
	}
}

// Send makes one attempt at getting tx mined. A retryable error means Send may be called again
// with the same tx; the second call replaces the earlier submission rather than adding one.
func (b *Broadcaster) Send(ctx context.Context, tx *Tx) (ledger.Receipt, error) {
	tx.attempts++
	if tx.GasPrice == nil {
		return ledger.Receipt{}, faults.New(faults.InvalidArgument, "transaction from %s has no gas price", tx.From.Hex())
	}

	signer, err := b.keyring.Get(tx.From)
	if err != nil {
		return ledger.Receipt{}, faults.Wrap(faults.InvalidArgument, err)
	}
	seq := b.nonces.For(tx.From)

	switch {
	case !tx.reserved:
		n, rerr := seq.Reserve(ctx)
		if rerr != nil {
			return ledger.Receipt{}, rerr
		}
		tx.nonce, tx.reserved = n, true
	case len(tx.hashes) > 0:
		tx.GasPrice = ledger.BumpGasPrice(tx.GasPrice, b.cfg.GasBumpPercent)
		b.lggr.Infow("Replacing pending transaction",
			"from", tx.From.Hex(), "nonce", tx.nonce, "gasPrice", tx.GasPrice.String())
	}

	hash, err := b.submit(ctx, signer, tx)
	if err != nil {
		if !ledger.IsNonceTooLow(err) {
			return ledger.Receipt{}, ledger.Classify(err)
		}

		return b.recoverConsumedNonce(ctx, signer, seq, tx)
	}

	return b.await(ctx, tx, hash)
}

// Abandon gives up on tx. A nonce reserved for it that never reached the network is reported
// as unresolved.
func (b *Broadcaster) Abandon(tx *Tx) {
	if tx.reserved && len(tx.hashes) == 0 {
		b.nonces.For(tx.From).MarkUnresolved(tx.nonce)
	}
}

func (b *Broadcaster) submit(ctx context.Context, signer ledger.Signer, tx *Tx) (common.Hash, error) {
	chainID, err := b.getChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	signed, err := signer.Sign(ctx, ledger.TxRequest{
		Call: ledger.Call{
			From:  tx.From,
			To:    tx.To,
			Data:  tx.Data,
			Value: tx.Value,
		},
		ChainID:  chainID,
		Nonce:    tx.nonce,
		GasLimit: tx.GasLimit,
		GasPrice: tx.GasPrice,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	hash, err := b.gateway.Submit(ctx, signed)
	if err != nil {
		return common.Hash{}, err
	}
	tx.hashes = append(tx.hashes, hash)
	b.lggr.Infow("Submitted transaction",
		"from", tx.From.Hex(), "nonce", tx.nonce, "txHash", hash.Hex(), "gasLimit", tx.GasLimit)

	return hash, nil
}

// recoverConsumedNonce handles a nonce the chain has already seen. Either one of our earlier
// submissions was mined, or another process used the nonce and a fresh one is needed.
func (b *Broadcaster) recoverConsumedNonce(
	ctx context.Context, signer ledger.Signer, seq *nonce.Sequencer, tx *Tx,
) (ledger.Receipt, error) {
	for _, h := range slices.Backward(tx.hashes) {
		receipt, err := b.gateway.WaitForReceipt(ctx, h, b.cfg.Confirmations, b.cfg.ReceiptTimeout)
		if err == nil {
			b.lggr.Infow("Earlier submission was mined", "txHash", h.Hex(), "nonce", tx.nonce)
			return b.check(tx, receipt)
		}
	}

	if err := seq.Sync(ctx); err != nil {
		return ledger.Receipt{}, err
	}
	n, err := seq.Reserve(ctx)
	if err != nil {
		return ledger.Receipt{}, err
	}
	b.lggr.Warnw("Nonce consumed outside this transaction, reserved a new one",
		"from", tx.From.Hex(), "old", tx.nonce, "new", n)
	tx.nonce = n
	tx.hashes = nil

	hash, err := b.submit(ctx, signer, tx)
	if err != nil {
		return ledger.Receipt{}, ledger.Classify(err)
	}

	return b.await(ctx, tx, hash)
}

func (b *Broadcaster) await(ctx context.Context, tx *Tx, hash common.Hash) (ledger.Receipt, error) {
	receipt, err := b.gateway.WaitForReceipt(ctx, hash, b.cfg.Confirmations, b.cfg.ReceiptTimeout)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("wait for %s: %w", hash.Hex(), ledger.Classify(err))
	}

	return b.check(tx, receipt)
}

func (b *Broadcaster) check(tx *Tx, receipt ledger.Receipt) (ledger.Receipt, error) {
	if !receipt.Succeeded() {
		return receipt, faults.Wrap(faults.Revert, fmt.Errorf("transaction %s from %s: %w",
			receipt.TxHash.Hex(), tx.From.Hex(), &ledger.RevertError{Reason: receipt.RevertReason}))
	}
	b.lggr.Infow("Transaction confirmed",
		"txHash", receipt.TxHash.Hex(), "block", receipt.BlockNumber, "gasUsed", receipt.GasUsed)

	return receipt, nil
}

func (b *Broadcaster) getChainID(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.chainID != nil {
		return b.chainID, nil
	}
	id, err := b.gateway.ChainID(ctx)
	if err != nil {
		return nil, ledger.Classify(err)
	}
	b.chainID = id

	return id, nil
}
