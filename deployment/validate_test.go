package deployment

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/resolver"
)

func Test_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(p *Plan)
		wantKinds []faults.Kind
		wantWarn  bool
	}{
		{
			name:   "valid plan",
			mutate: func(*Plan) {},
		},
		{
			name:      "missing deployer",
			mutate:    func(p *Plan) { p.Deployer = common.Address{} },
			wantKinds: []faults.Kind{faults.MissingArgument},
		},
		{
			name:      "no nodes",
			mutate:    func(p *Plan) { p.Nodes = nil },
			wantKinds: []faults.Kind{faults.InvalidArgument},
		},
		{
			name:      "unknown chain selector",
			mutate:    func(p *Plan) { p.ChainSelector = 42 },
			wantKinds: []faults.Kind{faults.InvalidArgument},
		},
		{
			name:      "duplicate node id",
			mutate:    func(p *Plan) { p.Nodes = append(p.Nodes, erc20("TokenA")) },
			wantKinds: []faults.Kind{faults.InvalidArgument},
		},
		{
			name: "cycle",
			mutate: func(p *Plan) {
				p.Edges = []resolver.Edge{{From: "Registry", To: "TokenA"}}
			},
			wantKinds: []faults.Kind{faults.CyclicDependency},
		},
		{
			name:      "unknown type",
			mutate:    func(p *Plan) { p.Nodes[0].Type = "Vault" },
			wantKinds: []faults.Kind{faults.UnknownResourceType},
		},
		{
			name:      "unsatisfiable version",
			mutate:    func(p *Plan) { p.Nodes[0].Version = "^2" },
			wantKinds: []faults.Kind{faults.UnknownResourceType},
		},
		{
			name:      "required argument missing",
			mutate:    func(p *Plan) { p.Nodes[1].Args = nil },
			wantKinds: []faults.Kind{faults.MissingArgument},
		},
		{
			name: "literal does not fit its type",
			mutate: func(p *Plan) {
				p.Nodes[0].Args = append(p.Nodes[0].Args, Literal("decimals", 300))
			},
			wantKinds: []faults.Kind{faults.InvalidArgument},
		},
		{
			name: "reference to unknown node",
			mutate: func(p *Plan) {
				p.Nodes[1].Args = []Argument{AddressOf("token", "Missing")}
			},
			wantKinds: []faults.Kind{faults.UnknownDependency},
		},
		{
			name: "reference into a non-address parameter",
			mutate: func(p *Plan) {
				p.Nodes[0].Args[0] = AddressOf("name", "Registry")
			},
			wantKinds: []faults.Kind{faults.InvalidArgument, faults.CyclicDependency},
		},
		{
			name: "action with too few arguments",
			mutate: func(p *Plan) {
				p.Nodes[0].PostDeploy = []Action{{Signature: "transfer(address,uint256)", Args: []Argument{Deployer("to")}}}
			},
			wantKinds: []faults.Kind{faults.MissingArgument},
		},
		{
			name: "compensation targets unknown node",
			mutate: func(p *Plan) {
				p.Nodes[0].Compensations = []Action{{Target: "Missing", Signature: "pause()"}}
			},
			wantKinds: []faults.Kind{faults.UnknownDependency},
		},
		{
			name: "redundant edge only warns",
			mutate: func(p *Plan) {
				p.Edges = []resolver.Edge{{From: "TokenA", To: "Registry"}}
			},
			wantWarn: true,
		},
		{
			name: "low multiplier only warns",
			mutate: func(p *Plan) {
				p.Params.GasPolicy = GasPolicy{Kind: GasMultiplier, Percent: 90}
			},
			wantWarn: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := tokenPlan()
			tt.mutate(p)
			res := Validate(p, testTypes(t))

			if len(tt.wantKinds) == 0 {
				require.True(t, res.Valid, "errors: %v", res.Err())
				require.NoError(t, res.Err())
				assert.NotEmpty(t, res.Waves)
			} else {
				require.False(t, res.Valid)
				require.Error(t, res.Err())
				assert.Empty(t, res.Waves)
				for _, k := range tt.wantKinds {
					assert.True(t, res.HasKind(k), "want %s in %v", k, res.Err())
				}
			}
			assert.Equal(t, tt.wantWarn, len(res.Warnings) > 0, "warnings: %v", res.Warnings)
		})
	}
}

func Test_Validate_ReportsEveryError(t *testing.T) {
	t.Parallel()

	p := tokenPlan()
	p.Name = ""
	p.Nodes[0].Args = nil
	p.Nodes[1].Type = "Vault"

	res := Validate(p, testTypes(t))
	require.False(t, res.Valid)
	assert.Len(t, res.Errors, 4)
	for _, e := range res.Errors {
		assert.Equal(t, p.ID, e.Entity)
	}
}

func Test_Validate_Waves(t *testing.T) {
	t.Parallel()

	p := &Plan{
		ID:       "p",
		Name:     "waves",
		Deployer: deployer,
		Nodes: []*ContractNode{
			erc20("A"),
			erc20("B"),
			{ID: "RA", Type: TypeNameRegistry, Args: []Argument{AddressOf("token", "A")}},
			{ID: "RB", Type: TypeNameRegistry, Args: []Argument{AddressOf("token", "B")}},
			{ID: "S", Type: TypeNameSettlement, Args: []Argument{AddressOf("registry", "RA")}},
		},
		Edges: []resolver.Edge{{From: "RB", To: "S"}},
	}

	res := Validate(p, testTypes(t))
	require.True(t, res.Valid, "errors: %v", res.Err())
	assert.Equal(t, [][]string{{"A", "B"}, {"RA", "RB"}, {"S"}}, res.Waves)
}

func Test_Validate_MissingBytecode(t *testing.T) {
	t.Parallel()

	res := Validate(tokenPlan(), NewBuiltinRegistry())
	require.False(t, res.Valid)
	assert.True(t, res.HasKind(faults.InvalidArgument))
}
