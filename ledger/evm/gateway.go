// Package evm implements the ledger contract over a go-ethereum JSON-RPC client.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

// Client is the part of a geth client the gateway uses. *ethclient.Client and the client of a
// simulated backend satisfy it.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DefaultTickInterval matches the polling interval of bind.WaitMined.
const DefaultTickInterval = 1 * time.Second

// Gateway is a ledger.Gateway backed by an EVM node.
type Gateway struct {
	lggr   logger.Logger
	client Client
	tick   time.Duration
}

var _ ledger.Gateway = (*Gateway)(nil)

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithTickInterval sets how often receipts and block heights are polled. Networks with instant
// blocks want a short interval.
func WithTickInterval(interval time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.tick = interval
	}
}

// NewGateway wraps client.
func NewGateway(lggr logger.Logger, client Client, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		lggr:   lggr.Named("evm"),
		client: client,
		tick:   DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

func (g *Gateway) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := g.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", connErr(err))
	}

	return id, nil
}

func (g *Gateway) EstimateGas(ctx context.Context, call ledger.Call) (ledger.GasEstimate, error) {
	gas, err := g.client.EstimateGas(ctx, callMsg(call))
	if err != nil {
		return ledger.GasEstimate{}, asRevert(err)
	}
	price, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return ledger.GasEstimate{}, fmt.Errorf("suggest gas price: %w", connErr(err))
	}

	return ledger.GasEstimate{Gas: gas, GasPrice: price}, nil
}

func (g *Gateway) GetNonce(ctx context.Context, sender common.Address) (uint64, error) {
	n, err := g.client.PendingNonceAt(ctx, sender)
	if err != nil {
		return 0, fmt.Errorf("get pending nonce of %s: %w", sender.Hex(), connErr(err))
	}

	return n, nil
}

func (g *Gateway) Submit(ctx context.Context, signed ledger.SignedTx) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return common.Hash{}, fmt.Errorf("decode signed transaction: %w", err)
	}
	if err := g.client.SendTransaction(ctx, tx); err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "nonce too low"):
			return common.Hash{}, fmt.Errorf("%w: %s", ledger.ErrNonceTooLow, err.Error())
		case strings.Contains(msg, "replacement transaction underpriced"):
			return common.Hash{}, fmt.Errorf("%w: %s", ledger.ErrReplacementUnderpriced, err.Error())
		case strings.Contains(msg, "already known"):
			// the node has the exact transaction in its pool
			return tx.Hash(), nil
		}

		return common.Hash{}, asRevert(err)
	}
	g.lggr.Debugw("Transaction sent", "txHash", tx.Hash().Hex(), "nonce", tx.Nonce())

	return tx.Hash(), nil
}

// WaitForReceipt polls for the receipt, then for the block height to reach the requested
// number of confirmations. A reverted transaction is returned with its decoded revert reason
// when the node gives one.
func (g *Gateway) WaitForReceipt(
	ctx context.Context, hash common.Hash, confirmations uint64, timeout time.Duration,
) (ledger.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rcpt, err := waitMinedWithInterval(waitCtx, g.tick, g.client, hash)
	if err != nil {
		return ledger.Receipt{}, g.waitErr(ctx, hash, err)
	}

	out := ledger.Receipt{
		TxHash:            rcpt.TxHash,
		Status:            rcpt.Status,
		BlockNumber:       rcpt.BlockNumber.Uint64(),
		GasUsed:           rcpt.GasUsed,
		EffectiveGasPrice: rcpt.EffectiveGasPrice,
		ContractAddress:   rcpt.ContractAddress,
	}

	if confirmations == 0 {
		confirmations = 1
	}
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()
	for {
		head, herr := g.client.BlockNumber(waitCtx)
		if herr == nil && head >= out.BlockNumber {
			out.Confirmations = head - out.BlockNumber + 1
			if out.Confirmations >= confirmations {
				break
			}
		}
		select {
		case <-waitCtx.Done():
			return out, g.waitErr(ctx, hash, waitCtx.Err())
		case <-ticker.C:
		}
	}

	if !out.Succeeded() {
		out.RevertReason = g.revertReason(ctx, hash, rcpt)
	}

	return out, nil
}

func (g *Gateway) waitErr(parent context.Context, hash common.Hash, err error) error {
	if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ledger.ErrReceiptTimeout, hash.Hex())
	}

	return err
}

func (g *Gateway) ReadState(ctx context.Context, call ledger.Call) ([]byte, error) {
	out, err := g.client.CallContract(ctx, callMsg(call), nil)
	if err != nil {
		return nil, asRevert(err)
	}

	return out, nil
}

// revertReason replays a reverted transaction at its block to recover the reason.
func (g *Gateway) revertReason(ctx context.Context, hash common.Hash, rcpt *types.Receipt) string {
	tx, ok := g.client.(interface {
		TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	})
	if !ok {
		return ""
	}
	mined, _, err := tx.TransactionByHash(ctx, hash)
	if err != nil {
		g.lggr.Debugw("Could not load reverted transaction", "txHash", hash.Hex(), "error", err)
		return ""
	}
	from, err := types.Sender(types.LatestSignerForChainID(mined.ChainId()), mined)
	if err != nil {
		return ""
	}

	_, err = g.client.CallContract(ctx, ethereum.CallMsg{
		From:     from,
		To:       mined.To(),
		Data:     mined.Data(),
		Value:    mined.Value(),
		Gas:      mined.Gas(),
		GasPrice: mined.GasPrice(),
	}, rcpt.BlockNumber)
	var revert *ledger.RevertError
	if errors.As(asRevert(err), &revert) {
		return revert.Reason
	}

	return ""
}

// waitMinedWithInterval polls for a receipt until ctx ends.
func waitMinedWithInterval(ctx context.Context, tick time.Duration, c Client, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		rcpt, err := c.TransactionReceipt(ctx, hash)
		if err == nil {
			return rcpt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func callMsg(call ledger.Call) ethereum.CallMsg {
	return ethereum.CallMsg{
		From:  call.From,
		To:    call.To,
		Data:  call.Data,
		Value: call.Value,
		Gas:   call.Gas,
	}
}

// asRevert turns a node's "execution reverted" error into a *ledger.RevertError, decoding the
// Error(string) payload when present.
func asRevert(err error) error {
	if err == nil {
		return nil
	}
	if !strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return connErr(err)
	}

	revert := &ledger.RevertError{}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				revert.Data = data
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					revert.Reason = reason
				}
			}
		}
	}
	if revert.Reason == "" {
		_, after, found := strings.Cut(err.Error(), "execution reverted: ")
		if found {
			revert.Reason = after
		}
	}

	return revert
}

// connErr marks transport failures so they are classified as transient.
func connErr(err error) error {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) || errors.Is(err, rpc.ErrClientQuit) {
		return fmt.Errorf("%w: %w", ledger.ErrConnection, err)
	}

	return err
}
