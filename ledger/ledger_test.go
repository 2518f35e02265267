package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/deployment-orchestrator/faults"
)

func Test_ApplyGasBuffer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		giveGas     uint64
		givePercent uint64
		want        uint64
	}{
		{name: "default buffer", giveGas: 21000, givePercent: 20, want: 25200},
		{name: "rounds up", giveGas: 101, givePercent: 20, want: 122},
		{name: "no buffer", giveGas: 50000, givePercent: 0, want: 50000},
		{name: "zero gas", giveGas: 0, givePercent: 20, want: 0},
		{name: "saturates", giveGas: ^uint64(0), givePercent: 20, want: ^uint64(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := ApplyGasBuffer(tt.giveGas, tt.givePercent)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, tt.giveGas)
		})
	}
}

func Test_BumpGasPrice(t *testing.T) {
	t.Parallel()

	assert.Equal(t, big.NewInt(1120), BumpGasPrice(big.NewInt(1000), 12))
	assert.Equal(t, big.NewInt(1000), BumpGasPrice(big.NewInt(1000), 0))
	assert.Nil(t, BumpGasPrice(nil, 10))
}

func Test_Classify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		give error
		want faults.Kind
	}{
		{name: "nonce too low", give: fmt.Errorf("submit: %w", ErrNonceTooLow), want: faults.TransientNetwork},
		{name: "connection", give: ErrConnection, want: faults.TransientNetwork},
		{name: "node message", give: errors.New("dial tcp: connection refused"), want: faults.TransientNetwork},
		{name: "receipt timeout", give: ErrReceiptTimeout, want: faults.Timeout},
		{name: "revert", give: NewRevertError("ERC20: insufficient balance"), want: faults.Revert},
		{name: "revert message", give: errors.New("execution reverted: paused"), want: faults.Revert},
		{name: "keeps kind", give: faults.New(faults.SimulationFailure, "x"), want: faults.SimulationFailure},
		{name: "unclassified", give: errors.New("invalid sender"), want: faults.Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, faults.KindOf(Classify(tt.give)))
		})
	}

	require.NoError(t, Classify(nil))
}

func Test_Receipt(t *testing.T) {
	t.Parallel()

	r := Receipt{Status: ReceiptStatusSuccessful, GasUsed: 21000, EffectiveGasPrice: big.NewInt(2)}
	assert.True(t, r.Succeeded())
	assert.Equal(t, big.NewInt(42000), r.Cost())
	assert.Equal(t, new(big.Int), Receipt{}.Cost())

	to := common.HexToAddress("0x01")
	assert.False(t, Call{To: &to}.IsCreate())
	assert.True(t, Call{}.IsCreate())
}
