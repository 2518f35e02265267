package calldata

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Multicall3Address is the canonical deployment address of Multicall3 on most EVM chains.
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

const batchExecutorABI = `[
  {"type":"function","name":"aggregate3Value","stateMutability":"payable",
   "inputs":[{"name":"calls","type":"tuple[]","components":[
     {"name":"target","type":"address"},
     {"name":"allowFailure","type":"bool"},
     {"name":"value","type":"uint256"},
     {"name":"callData","type":"bytes"}]}],
   "outputs":[{"name":"returnData","type":"tuple[]","components":[
     {"name":"success","type":"bool"},
     {"name":"returnData","type":"bytes"}]}]}
]`

const escrowABI = `[
  {"type":"function","name":"createOrder","stateMutability":"nonpayable","inputs":[
    {"name":"orderId","type":"bytes32"},
    {"name":"counterparty","type":"address"},
    {"name":"giveToken","type":"address"},
    {"name":"giveAmount","type":"uint256"},
    {"name":"wantToken","type":"address"},
    {"name":"wantAmount","type":"uint256"},
    {"name":"deadline","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"fulfill","stateMutability":"nonpayable","inputs":[
    {"name":"orderId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"settle","stateMutability":"nonpayable","inputs":[
    {"name":"orderId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"cancel","stateMutability":"nonpayable","inputs":[
    {"name":"orderId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"orderState","stateMutability":"view","inputs":[
    {"name":"orderId","type":"bytes32"}],"outputs":[{"name":"","type":"uint8"}]}
]`

var (
	batchExecutor = mustParseABI(batchExecutorABI)
	escrow        = mustParseABI(escrowABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded abi: %v", err))
	}

	return parsed
}

// BatchCall is one call inside a batch executor transaction.
type BatchCall struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

// aggregate3Value mirrors the Multicall3 Call3Value struct. Field names must match the ABI
// component names for the packer.
type aggregate3Value struct {
	Target       common.Address
	AllowFailure bool
	Value        *big.Int
	CallData     []byte
}

// PackBatch encodes calls for a Multicall3-compatible aggregate3Value. Every call is marked
// allowFailure=false so a single revert reverts the whole batch.
func PackBatch(calls []BatchCall) ([]byte, error) {
	packed := make([]aggregate3Value, 0, len(calls))
	for _, c := range calls {
		value := c.Value
		if value == nil {
			value = new(big.Int)
		}
		packed = append(packed, aggregate3Value{
			Target:       c.Target,
			AllowFailure: false,
			Value:        value,
			CallData:     c.CallData,
		})
	}

	return batchExecutor.Pack("aggregate3Value", packed)
}

// BatchValue sums the value forwarded by all calls.
func BatchValue(calls []BatchCall) *big.Int {
	total := new(big.Int)
	for _, c := range calls {
		if c.Value != nil {
			total.Add(total, c.Value)
		}
	}

	return total
}

// EscrowOrderState is the on-chain state of an escrow order.
type EscrowOrderState uint8

const (
	EscrowOrderNone EscrowOrderState = iota
	EscrowOrderOpen
	EscrowOrderFulfilled
	EscrowOrderSettled
	EscrowOrderCancelled
)

func (s EscrowOrderState) String() string {
	switch s {
	case EscrowOrderNone:
		return "none"
	case EscrowOrderOpen:
		return "open"
	case EscrowOrderFulfilled:
		return "fulfilled"
	case EscrowOrderSettled:
		return "settled"
	case EscrowOrderCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// EscrowOrder are the terms of a cross-party swap held by an escrow contract.
type EscrowOrder struct {
	ID           common.Hash
	Counterparty common.Address
	GiveToken    common.Address
	GiveAmount   *big.Int
	WantToken    common.Address
	WantAmount   *big.Int
	Deadline     *big.Int
}

// PackCreateOrder encodes escrow.createOrder.
func PackCreateOrder(o EscrowOrder) ([]byte, error) {
	return escrow.Pack("createOrder", [32]byte(o.ID), o.Counterparty, o.GiveToken, o.GiveAmount,
		o.WantToken, o.WantAmount, o.Deadline)
}

// PackFulfill encodes escrow.fulfill.
func PackFulfill(orderID common.Hash) ([]byte, error) {
	return escrow.Pack("fulfill", [32]byte(orderID))
}

// PackSettle encodes escrow.settle.
func PackSettle(orderID common.Hash) ([]byte, error) {
	return escrow.Pack("settle", [32]byte(orderID))
}

// PackCancel encodes escrow.cancel.
func PackCancel(orderID common.Hash) ([]byte, error) {
	return escrow.Pack("cancel", [32]byte(orderID))
}

// PackOrderState encodes the escrow.orderState view call.
func PackOrderState(orderID common.Hash) ([]byte, error) {
	return escrow.Pack("orderState", [32]byte(orderID))
}

// UnpackOrderState decodes the escrow.orderState return value.
func UnpackOrderState(ret []byte) (EscrowOrderState, error) {
	out, err := escrow.Unpack("orderState", ret)
	if err != nil {
		return EscrowOrderNone, err
	}
	if len(out) != 1 {
		return EscrowOrderNone, fmt.Errorf("orderState returned %d values", len(out))
	}
	v, ok := out[0].(uint8)
	if !ok {
		return EscrowOrderNone, fmt.Errorf("orderState returned %T", out[0])
	}

	return EscrowOrderState(v), nil
}
