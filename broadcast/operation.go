package broadcast

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/operations"
	"github.com/smartcontractkit/deployment-orchestrator/simulator"
)

// Caller is an operation input describing one transaction.
type Caller interface {
	Call() ledger.Call
}

// PriceFunc picks the gas price of a transaction from the gateway's suggestion.
type PriceFunc func(suggested *big.Int) (*big.Int, error)

// TxDeps are the collaborators of a transaction sending operation. Tx carries the nonce and
// submission history across retries of the same operation.
type TxDeps struct {
	Simulator   *simulator.Simulator
	Broadcaster *Broadcaster
	// Price defaults to the gateway's suggestion.
	Price PriceFunc
	// GasCeiling fails the simulation when the buffered estimate exceeds it. Zero means none.
	GasCeiling uint64
	// Guard runs immediately before every submission, retries included. An error stops the
	// operation without further attempts.
	Guard func(context.Context) error
	Tx    *Tx
}

// TxOutput is the confirmed outcome of a transaction.
type TxOutput struct {
	Address       common.Address `json:"address,omitempty"`
	TxHash        common.Hash    `json:"txHash"`
	Nonce         uint64         `json:"nonce"`
	RawGas        uint64         `json:"rawGas"`
	GasLimit      uint64         `json:"gasLimit"`
	GasUsed       uint64         `json:"gasUsed"`
	Cost          *big.Int       `json:"cost"`
	Confirmations uint64         `json:"confirmations"`
	BlockNumber   uint64         `json:"blockNumber"`
}

// Send is an operation handler making one attempt at a transaction. A transaction that was
// submitted before is not simulated again: its effects may already be on chain, and the
// broadcaster resolves it by nonce. A predicted revert is a SimulationFailure, which is never
// retried.
func Send[IN Caller](b operations.Bundle, deps TxDeps, input IN) (TxOutput, error) {
	ctx := b.GetContext()
	tx := deps.Tx
	out := TxOutput{}

	if len(tx.Hashes()) == 0 {
		est, err := deps.Simulator.Estimate(ctx, input.Call(), deps.GasCeiling)
		if err != nil {
			return TxOutput{}, err
		}
		if !est.Success {
			return TxOutput{}, faults.New(faults.SimulationFailure, "%s", est.RevertReason)
		}
		if tx.GasPrice == nil {
			price, perr := priceOf(deps.Price, est.GasPrice)
			if perr != nil {
				return TxOutput{}, faults.Wrap(faults.InvalidArgument, perr)
			}
			tx.GasPrice = price
		}
		tx.GasLimit = max(tx.GasLimit, est.Gas)
		out.RawGas = est.RawGas
		b.Logger.Debugw("Simulation passed", "rawGas", est.RawGas, "gasLimit", tx.GasLimit)
	}

	if deps.Guard != nil {
		if err := deps.Guard(ctx); err != nil {
			return TxOutput{}, operations.NewUnrecoverableError(err)
		}
	}

	receipt, err := deps.Broadcaster.Send(ctx, tx)
	if err != nil {
		return TxOutput{}, err
	}
	n, _ := tx.Nonce()

	out.Address = receipt.ContractAddress
	out.TxHash = receipt.TxHash
	out.Nonce = n
	out.GasLimit = tx.GasLimit
	out.GasUsed = receipt.GasUsed
	out.Cost = receipt.Cost()
	out.Confirmations = receipt.Confirmations
	out.BlockNumber = receipt.BlockNumber

	return out, nil
}

func priceOf(fn PriceFunc, suggested *big.Int) (*big.Int, error) {
	if fn != nil {
		return fn(suggested)
	}
	if suggested == nil {
		return nil, faults.New(faults.InvalidArgument, "gateway returned no gas price")
	}

	return new(big.Int).Set(suggested), nil
}
