// Package ledger defines the contract between the orchestrator and the chain it deploys to.
//
// The orchestrator never talks to a node directly. Everything that crosses the network goes
// through a [Gateway]: gas estimation, nonce lookup, submission, receipt polling and read-only
// calls. Signing is kept separate behind [Signer] so that the same gateway can serve several
// sender accounts (deployer, escrow counterparties).
package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Call is a message against current chain state. A nil To denotes contract creation.
type Call struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Data  []byte          `json:"data,omitempty"`
	Value *big.Int        `json:"value,omitempty"`
	// Gas caps the call; zero lets the gateway pick.
	Gas uint64 `json:"gas,omitempty"`
}

// IsCreate reports whether the call deploys a contract.
func (c Call) IsCreate() bool {
	return c.To == nil
}

// GasEstimate is the raw gas prediction for a call together with the gateway's current
// gas price suggestion.
type GasEstimate struct {
	Gas      uint64   `json:"gas"`
	GasPrice *big.Int `json:"gasPrice"`
}

// TxRequest is an unsigned transaction fully specified by the orchestrator.
type TxRequest struct {
	Call

	ChainID  *big.Int `json:"chainId"`
	Nonce    uint64   `json:"nonce"`
	GasLimit uint64   `json:"gasLimit"`
	GasPrice *big.Int `json:"gasPrice"`
}

// SignedTx is a transaction ready for submission.
type SignedTx struct {
	Request TxRequest   `json:"request"`
	Hash    common.Hash `json:"hash"`
	Raw     []byte      `json:"raw"`
}

// Receipt is the outcome of a mined transaction.
type Receipt struct {
	TxHash            common.Hash    `json:"txHash"`
	Status            uint64         `json:"status"`
	BlockNumber       uint64         `json:"blockNumber"`
	GasUsed           uint64         `json:"gasUsed"`
	EffectiveGasPrice *big.Int       `json:"effectiveGasPrice"`
	ContractAddress   common.Address `json:"contractAddress"`
	Confirmations     uint64         `json:"confirmations"`
	RevertReason      string         `json:"revertReason,omitempty"`
}

// ReceiptStatusSuccessful matches the EVM receipt status of a successful transaction.
const ReceiptStatusSuccessful = 1

// Succeeded reports whether the transaction executed without reverting.
func (r Receipt) Succeeded() bool {
	return r.Status == ReceiptStatusSuccessful
}

// Cost returns gasUsed * effectiveGasPrice in wei.
func (r Receipt) Cost() *big.Int {
	if r.EffectiveGasPrice == nil {
		return new(big.Int)
	}

	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
}

// Gateway is the RPC-capable node connection consumed by the orchestrator.
type Gateway interface {
	// ChainID returns the chain ID transactions must be signed for.
	ChainID(ctx context.Context) (*big.Int, error)
	// EstimateGas predicts the gas a call consumes. A predicted revert is returned as a
	// *RevertError.
	EstimateGas(ctx context.Context, call Call) (GasEstimate, error)
	// GetNonce returns the next nonce the chain expects from sender, counting pending
	// transactions.
	GetNonce(ctx context.Context, sender common.Address) (uint64, error)
	// Submit broadcasts a signed transaction.
	Submit(ctx context.Context, tx SignedTx) (common.Hash, error)
	// WaitForReceipt blocks until the transaction has the requested number of confirmations,
	// or returns ErrReceiptTimeout once timeout elapses.
	WaitForReceipt(ctx context.Context, hash common.Hash, confirmations uint64, timeout time.Duration) (Receipt, error)
	// ReadState executes a read-only call against the latest state.
	ReadState(ctx context.Context, call Call) ([]byte, error)
}

// Signer signs transactions for a single sender account.
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, req TxRequest) (SignedTx, error)
}

// ApplyGasBuffer scales a raw gas estimate by (100+percent)/100, rounding up. The result is
// never below the raw estimate.
func ApplyGasBuffer(gas uint64, percent uint64) uint64 {
	buffered := new(big.Int).Mul(new(big.Int).SetUint64(gas), new(big.Int).SetUint64(100+percent))
	buffered.Add(buffered, big.NewInt(99))
	buffered.Div(buffered, big.NewInt(100))
	if !buffered.IsUint64() {
		return ^uint64(0)
	}

	return buffered.Uint64()
}

// BumpGasPrice returns price increased by percent, rounding up. Used for replacement
// transactions that reuse a nonce.
func BumpGasPrice(price *big.Int, percent uint64) *big.Int {
	if price == nil {
		return nil
	}
	bumped := new(big.Int).Mul(price, new(big.Int).SetUint64(100+percent))
	bumped.Add(bumped, big.NewInt(99))

	return bumped.Div(bumped, big.NewInt(100))
}
