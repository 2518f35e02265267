package broadcast

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/ledger/ledgertest"
	"github.com/smartcontractkit/deployment-orchestrator/operations"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
	"github.com/smartcontractkit/deployment-orchestrator/simulator"
)

type callInput struct {
	To   common.Address `json:"to"`
	Data []byte         `json:"data"`
}

func (in callInput) Call() ledger.Call {
	to := in.To
	return ledger.Call{From: sender, To: &to, Data: in.Data}
}

func sendDeps(t *testing.T, b *Broadcaster, gw *ledgertest.Gateway) (operations.Bundle, TxDeps) {
	t.Helper()

	lggr := logger.Test(t)
	bundle := operations.NewBundle(t.Context, lggr, operations.NewMemoryReporter())

	return bundle, TxDeps{Simulator: simulator.New(lggr, gw), Broadcaster: b}
}

func Test_SendHandler_EstimatesAndPrices(t *testing.T) {
	t.Parallel()

	b, gw, _ := setup(t)
	bundle, deps := sendDeps(t, b, gw)
	input := callInput{To: common.HexToAddress("0x0b"), Data: []byte{0x01}}
	deps.Tx = &Tx{From: sender, To: &input.To, Data: input.Data}

	out, err := Send(bundle, deps, input)
	require.NoError(t, err)
	assert.Equal(t, ledgertest.DefaultGas, out.RawGas)
	assert.Equal(t, uint64(120_000), out.GasLimit)
	assert.Equal(t, uint64(90_000), out.GasUsed)
	assert.Equal(t, "90000000000000", out.Cost.String())
	assert.Equal(t, uint64(0), out.Nonce)

	subs := gw.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, big.NewInt(1_000_000_000), subs[0].Request.GasPrice)
}

func Test_SendHandler_PriceFunc(t *testing.T) {
	t.Parallel()

	b, gw, _ := setup(t)
	bundle, deps := sendDeps(t, b, gw)
	input := callInput{To: common.HexToAddress("0x0b")}

	deps.Tx = &Tx{From: sender, To: &input.To}
	deps.Price = func(suggested *big.Int) (*big.Int, error) {
		return new(big.Int).Mul(suggested, big.NewInt(2)), nil
	}
	_, err := Send(bundle, deps, input)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2_000_000_000), gw.Submissions()[0].Request.GasPrice)

	deps.Tx = &Tx{From: sender, To: &input.To}
	deps.Price = func(*big.Int) (*big.Int, error) { return nil, errors.New("price above cap") }
	_, err = Send(bundle, deps, input)
	require.ErrorIs(t, err, faults.InvalidArgument)
	assert.Len(t, gw.Submissions(), 1)
}

func Test_SendHandler_PredictedRevertSubmitsNothing(t *testing.T) {
	t.Parallel()

	b, gw, _ := setup(t)
	gw.EstimateHook = func(ledger.Call) (uint64, error) {
		return 0, ledger.NewRevertError("insufficient allowance")
	}
	bundle, deps := sendDeps(t, b, gw)
	input := callInput{To: common.HexToAddress("0x0b")}
	deps.Tx = &Tx{From: sender, To: &input.To}

	_, err := Send(bundle, deps, input)
	require.ErrorIs(t, err, faults.SimulationFailure)
	require.ErrorContains(t, err, "insufficient allowance")
	assert.False(t, faults.Retryable(err))
	assert.Empty(t, gw.Submissions())
}

func Test_SendHandler_GasCeiling(t *testing.T) {
	t.Parallel()

	b, gw, _ := setup(t)
	bundle, deps := sendDeps(t, b, gw)
	deps.GasCeiling = 100_000
	input := callInput{To: common.HexToAddress("0x0b")}
	deps.Tx = &Tx{From: sender, To: &input.To}

	_, err := Send(bundle, deps, input)
	require.ErrorIs(t, err, faults.SimulationFailure)
	assert.Empty(t, gw.Submissions())
}

func Test_SendHandler_ResubmissionSkipsSimulation(t *testing.T) {
	t.Parallel()

	b, gw, _ := setup(t)
	bundle, deps := sendDeps(t, b, gw)
	input := callInput{To: common.HexToAddress("0x0b")}
	deps.Tx = &Tx{From: sender, To: &input.To}

	fail := true
	gw.ReceiptHook = func(_ ledger.SignedTx, _ *ledger.Receipt) error {
		if fail {
			fail = false
			return ledger.ErrReceiptTimeout
		}
		return nil
	}

	_, err := Send(bundle, deps, input)
	require.Error(t, err)
	assert.True(t, faults.Retryable(err))
	estimates := len(gw.Estimates())

	out, err := Send(bundle, deps, input)
	require.NoError(t, err)
	assert.Len(t, gw.Estimates(), estimates)
	assert.Zero(t, out.RawGas)
	assert.Equal(t, uint64(0), out.Nonce)
}
