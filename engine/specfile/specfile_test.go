package specfile

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/deployment-orchestrator/atomicop"
	"github.com/smartcontractkit/deployment-orchestrator/calldata"
	"github.com/smartcontractkit/deployment-orchestrator/deployment"
	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/simulator"
)

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()

	n, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok)

	return n
}

func Test_ReadPlan_YAML(t *testing.T) {
	t.Parallel()

	p, err := ReadPlan(filepath.Join("testdata", "plan.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "tokens", p.Name)
	assert.Equal(t, uint64(3379446385462418246), p.ChainSelector)
	assert.Equal(t, common.HexToAddress("0xd0"), p.Deployer)
	assert.Equal(t, uint64(2), p.Params.Confirmations)
	assert.Equal(t, deployment.Duration(90*time.Second), p.Params.Timeout)
	assert.Equal(t, deployment.GasFixed, p.Params.GasPolicy.Kind)
	assert.Equal(t, "2000000000", p.Params.GasPolicy.FixedWei)
	require.Len(t, p.Nodes, 2)

	token, ok := p.Node("TokenA")
	require.True(t, ok)
	supply, err := calldata.ToBig(token.Args[2].Value)
	require.NoError(t, err)
	assert.Equal(t, mustBig(t, "1000000000000000000000000"), supply)
	require.Len(t, token.PostDeploy, 1)
	assert.Equal(t, "0", token.PostDeploy[0].Value)
	assert.Equal(t, []string{"Registry"}, token.References())

	registry, ok := p.Node("Registry")
	require.True(t, ok)
	assert.True(t, registry.Args[0].IsRef())

	// the post-deploy mint makes TokenA and Registry depend on each other
	res := deployment.Validate(p, deployment.NewBuiltinRegistry())
	assert.True(t, res.HasKind(faults.CyclicDependency))
}

func Test_ReadOperation_YAMLSwap(t *testing.T) {
	t.Parallel()

	op, err := ReadOperation(filepath.Join("testdata", "swap.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "op-swap", op.ID)
	assert.Equal(t, atomicop.KindSwap, op.Kind)
	assert.True(t, op.UsesEscrow())
	assert.Equal(t, mustBig(t, "250000000000000000000000"), op.Escrow.GiveAmount)
	assert.Equal(t, big.NewInt(1000), op.Escrow.WantAmount)
	assert.Equal(t, time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC), op.Safeguards.Deadline.UTC())
	assert.Equal(t, uint(2), op.Safeguards.MaxRetries)
	require.Len(t, op.Requirements, 1)
	assert.Equal(t, simulator.RequireBalance, op.Requirements[0].Kind)
	assert.Equal(t, mustBig(t, "250000000000000000000000"), op.Requirements[0].Min)
}

func Test_ReadOperation_TOMLBatch(t *testing.T) {
	t.Parallel()

	op, err := ReadOperation(filepath.Join("testdata", "batch.toml"))
	require.NoError(t, err)

	assert.Empty(t, op.ID)
	assert.Equal(t, atomicop.KindBatch, op.Kind)
	require.Len(t, op.Steps, 2)

	approve := op.Steps[0]
	assert.Equal(t, common.HexToAddress("0xc0"), approve.Target)
	require.Len(t, approve.Args, 2)
	maxUint, err := calldata.ToBig(approve.Args[1])
	require.NoError(t, err)
	assert.Equal(t, mustBig(t, "115792089237316195423570985008687907853269984665640564039457584007913129639935"), maxUint)
	_, err = calldata.EncodeCall(approve.Signature, approve.Args...)
	require.NoError(t, err)

	deposit := op.Steps[1]
	assert.Equal(t, "1000", deposit.Value)
	require.NotNil(t, deposit.Condition)
	assert.Equal(t, simulator.GreaterOrEqual, deposit.Condition.Comparator)
	assert.Equal(t, big.NewInt(1000), deposit.Condition.Value)
}

func Test_FormatOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path    string
		want    Format
		wantErr string
	}{
		{path: "plan.yaml", want: FormatYAML},
		{path: "plan.YML", want: FormatYAML},
		{path: "op.toml", want: FormatTOML},
		{path: "op.json", want: FormatJSON},
		{path: "op.txt", wantErr: "unsupported spec file extension"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()

			got, err := FormatOf(tt.path)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_DecodeOperation_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		give    string
		format  Format
		wantErr string
	}{
		{name: "bad yaml", give: "kind: [", format: FormatYAML, wantErr: "failed to parse yaml"},
		{name: "bad toml", give: "kind = ", format: FormatTOML, wantErr: "failed to parse toml"},
		{name: "fractional amount", give: "escrow:\n  giveAmount: 1.5\n", format: FormatYAML, wantErr: ".escrow.giveAmount"},
		{name: "non-numeric wei", give: "steps:\n  - value: lots\n", format: FormatYAML, wantErr: "invalid integer"},
		{name: "unknown format", give: "{}", format: "xml", wantErr: "unsupported format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := DecodeOperation([]byte(tt.give), tt.format)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func Test_stringToBigIntIfOverflowInt64(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		wantOK bool
	}{
		{"fits int64", "12345", false},
		{"fits uint64 but not int64", "18446744073709551615", false},
		{"overflows uint64", "18446744073709551616", true},
		{"non-numeric string", "hello", false},
		{"hex address", "0x00000000000000000000000000000000000000a1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := stringToBigIntIfOverflowInt64(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.input, got.String())
			}
		})
	}
}
