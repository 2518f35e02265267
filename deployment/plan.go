package deployment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/resolver"
)

// PlanStatus is the lifecycle state of a Plan.
type PlanStatus string

const (
	PlanDraft      PlanStatus = "draft"
	PlanValidating PlanStatus = "validating"
	PlanDeploying  PlanStatus = "deploying"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
	PlanRolledBack PlanStatus = "rolled_back"
	PlanCancelled  PlanStatus = "cancelled"
)

// planTransitions lists the statuses reachable from each status.
var planTransitions = map[PlanStatus][]PlanStatus{
	PlanDraft:      {PlanValidating, PlanCancelled},
	PlanValidating: {PlanDraft, PlanDeploying, PlanCancelled},
	PlanDeploying:  {PlanCompleted, PlanFailed, PlanCancelled},
	PlanFailed:     {PlanRolledBack},
	PlanCancelled:  {PlanRolledBack},
}

// Terminal reports whether no further execution happens in this status.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanCompleted, PlanFailed, PlanRolledBack, PlanCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a plan may move from s to next.
func (s PlanStatus) CanTransition(next PlanStatus) bool {
	return slices.Contains(planTransitions[s], next)
}

// NodeStatus is the state of a single ContractNode.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeDeploying NodeStatus = "deploying"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// Reference points at an output of another node. Field is "address", the only output a node
// has.
type Reference struct {
	DependsOn string `json:"dependsOn" yaml:"dependsOn" toml:"dependsOn"`
	Field     string `json:"field" yaml:"field" toml:"field"`
}

// FieldAddress is the resolved contract address of a node.
const FieldAddress = "address"

// Argument is a named constructor or action argument holding either a literal Value or a Ref.
type Argument struct {
	Name  string     `json:"name" yaml:"name" toml:"name"`
	Value any        `json:"value,omitempty" yaml:"value,omitempty" toml:"value,omitempty"`
	Ref   *Reference `json:"ref,omitempty" yaml:"ref,omitempty" toml:"ref,omitempty"`
}

// Literal returns a literal argument.
func Literal(name string, value any) Argument {
	return Argument{Name: name, Value: value}
}

// AddressOf returns an argument resolved to the address of node.
func AddressOf(name, node string) Argument {
	return Argument{Name: name, Ref: &Reference{DependsOn: node, Field: FieldAddress}}
}

// IsRef reports whether the argument is resolved at execution time.
func (a Argument) IsRef() bool {
	return a.Ref != nil
}

// Action is a function call run against a deployed contract: a post-deploy action or a
// compensation. Target names the node whose contract is called; empty means the owning node.
// Args are positional and matched to the signature's types.
type Action struct {
	Name      string     `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Target    string     `json:"target,omitempty" yaml:"target,omitempty" toml:"target,omitempty"`
	Signature string     `json:"signature" yaml:"signature" toml:"signature"`
	Args      []Argument `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Value     string     `json:"value,omitempty" yaml:"value,omitempty" toml:"value,omitempty"`
}

// Label returns the action name or, lacking one, its signature.
func (a Action) Label() string {
	if a.Name != "" {
		return a.Name
	}

	return a.Signature
}

// ValueWei parses Value. An empty value is zero.
func (a Action) ValueWei() (*big.Int, error) {
	if a.Value == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(a.Value, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("action %s: invalid value %q", a.Label(), a.Value)
	}

	return v, nil
}

// ContractNode is one deployable resource of a plan.
type ContractNode struct {
	ID   string `json:"id" yaml:"id" toml:"id"`
	Type string `json:"type" yaml:"type" toml:"type"`
	// Version pins the resource type version, the latest registered one when empty.
	Version       string     `json:"version,omitempty" yaml:"version,omitempty" toml:"version,omitempty"`
	Args          []Argument `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	PostDeploy    []Action   `json:"postDeploy,omitempty" yaml:"postDeploy,omitempty" toml:"postDeploy,omitempty"`
	Compensations []Action   `json:"compensations,omitempty" yaml:"compensations,omitempty" toml:"compensations,omitempty"`

	// Resolved is the resource type version the node was deployed with.
	Resolved string         `json:"resolved,omitempty" yaml:"-" toml:"-"`
	Address  common.Address `json:"address,omitempty" yaml:"-" toml:"-"`
	TxHash   common.Hash    `json:"txHash,omitempty" yaml:"-" toml:"-"`
	Status   NodeStatus     `json:"status,omitempty" yaml:"-" toml:"-"`
	Attempts uint           `json:"attempts,omitempty" yaml:"-" toml:"-"`
	GasUsed  uint64         `json:"gasUsed,omitempty" yaml:"-" toml:"-"`
	CostWei  *big.Int       `json:"costWei,omitempty" yaml:"-" toml:"-"`
	// ActionsDone counts the post-deploy actions confirmed so far.
	ActionsDone int           `json:"actionsDone,omitempty" yaml:"-" toml:"-"`
	Error       *faults.Error `json:"error,omitempty" yaml:"-" toml:"-"`
}

// Deployed reports whether the node's contract exists on chain.
func (n *ContractNode) Deployed() bool {
	return n.Address != (common.Address{})
}

// References returns the nodes this node's constructor and post-deploy arguments refer to,
// excluding itself, in first-seen order.
func (n *ContractNode) References() []string {
	var out []string
	add := func(id string) {
		if id != "" && id != n.ID && id != DeployerRef && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	for _, a := range n.Args {
		if a.Ref != nil {
			add(a.Ref.DependsOn)
		}
	}
	for _, act := range n.PostDeploy {
		add(act.Target)
		for _, a := range act.Args {
			if a.Ref != nil {
				add(a.Ref.DependsOn)
			}
		}
	}

	return out
}

// GasPolicyKind selects how the gas price of plan transactions is chosen.
type GasPolicyKind string

const (
	// GasNetwork uses the gateway's suggestion.
	GasNetwork GasPolicyKind = "network"
	// GasFixed uses FixedWei for every transaction.
	GasFixed GasPolicyKind = "fixed"
	// GasMultiplier scales the gateway's suggestion by Percent.
	GasMultiplier GasPolicyKind = "multiplier"
)

// GasPolicy picks the gas price of plan transactions.
type GasPolicy struct {
	Kind     GasPolicyKind `json:"kind" yaml:"kind" toml:"kind"`
	FixedWei string        `json:"fixedWei,omitempty" yaml:"fixedWei,omitempty" toml:"fixedWei,omitempty"`
	Percent  uint64        `json:"percent,omitempty" yaml:"percent,omitempty" toml:"percent,omitempty"`
}

// Price returns the gas price for a transaction given the network suggestion.
func (p GasPolicy) Price(suggested *big.Int) (*big.Int, error) {
	switch p.Kind {
	case "", GasNetwork:
		if suggested == nil {
			return nil, fmt.Errorf("gateway returned no gas price")
		}

		return new(big.Int).Set(suggested), nil
	case GasFixed:
		v, ok := new(big.Int).SetString(p.FixedWei, 0)
		if !ok || v.Sign() <= 0 {
			return nil, fmt.Errorf("fixed gas policy needs a positive fixedWei, got %q", p.FixedWei)
		}

		return v, nil
	case GasMultiplier:
		if suggested == nil {
			return nil, fmt.Errorf("gateway returned no gas price")
		}
		if p.Percent == 0 {
			return nil, fmt.Errorf("multiplier gas policy needs a positive percent")
		}
		v := new(big.Int).Mul(suggested, new(big.Int).SetUint64(p.Percent))

		return v.Div(v, big.NewInt(100)), nil
	default:
		return nil, fmt.Errorf("unknown gas policy %q", p.Kind)
	}
}

// Duration is a time.Duration that reads and writes as a Go duration string in plan files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)

	return nil
}

// Params are the plan-wide execution parameters. They may only change while the plan is a
// draft.
type Params struct {
	GasPolicy     GasPolicy `json:"gasPolicy" yaml:"gasPolicy" toml:"gasPolicy"`
	Confirmations uint64    `json:"confirmations,omitempty" yaml:"confirmations,omitempty" toml:"confirmations,omitempty"`
	// Timeout bounds each wait for a receipt.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	// Concurrency bounds the nodes of a wave deployed at once. Zero uses the executor default.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty" toml:"concurrency,omitempty"`
}

// Plan is a set of contracts to deploy and the dependencies between them.
type Plan struct {
	ID            string          `json:"id" yaml:"id,omitempty" toml:"id,omitempty"`
	Name          string          `json:"name" yaml:"name" toml:"name"`
	ChainSelector uint64          `json:"chainSelector,omitempty" yaml:"chainSelector,omitempty" toml:"chainSelector,omitempty"`
	Deployer      common.Address  `json:"deployer" yaml:"deployer" toml:"deployer"`
	Nodes         []*ContractNode `json:"nodes" yaml:"nodes" toml:"nodes"`
	Edges         []resolver.Edge `json:"edges,omitempty" yaml:"edges,omitempty" toml:"edges,omitempty"`
	Params        Params          `json:"params" yaml:"params" toml:"params"`

	Status    PlanStatus      `json:"status" yaml:"-" toml:"-"`
	Errors    []*faults.Error `json:"errors,omitempty" yaml:"-" toml:"-"`
	CreatedAt time.Time       `json:"createdAt" yaml:"-" toml:"-"`
	UpdatedAt time.Time       `json:"updatedAt" yaml:"-" toml:"-"`
}

// Node returns the node with the given ID.
func (p *Plan) Node(id string) (*ContractNode, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}

	return nil, false
}

// NodeIDs returns node IDs in declaration order.
func (p *Plan) NodeIDs() []string {
	ids := make([]string, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		ids = append(ids, n.ID)
	}

	return ids
}

// DependencyEdges returns the declared edges plus one edge per argument reference.
func (p *Plan) DependencyEdges() []resolver.Edge {
	edges := slices.Clone(p.Edges)
	for _, n := range p.Nodes {
		for _, dep := range n.References() {
			e := resolver.Edge{From: dep, To: n.ID}
			if !slices.Contains(edges, e) {
				edges = append(edges, e)
			}
		}
	}

	return edges
}

// Graph builds the dependency graph of the plan.
func (p *Plan) Graph() (*resolver.Graph, []*faults.Error) {
	g, errs := resolver.NewGraph(p.NodeIDs(), p.DependencyEdges())
	for i, e := range errs {
		errs[i] = e.WithNode(p.ID, e.Node)
	}

	return g, errs
}

// SetStatus moves the plan to next, failing if the state machine does not allow it.
func (p *Plan) SetStatus(next PlanStatus) error {
	if !p.Status.CanTransition(next) {
		return faults.New(faults.InvalidState, "plan %s cannot move from %s to %s", p.ID, p.Status, next)
	}
	p.Status = next
	p.UpdatedAt = time.Now().UTC()

	return nil
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	b, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("plan %s is not serializable: %v", p.ID, err))
	}
	cp, err := DecodePlan(b)
	if err != nil {
		panic(fmt.Sprintf("plan %s does not round trip: %v", p.ID, err))
	}

	return cp
}

// DecodePlan reads a plan written with encoding/json. Numeric literals are kept as
// json.Number so that uint256 arguments survive without float rounding.
func DecodePlan(data []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}

	return &p, nil
}
