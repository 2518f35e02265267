package deployment

import (
	"errors"
	"fmt"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	chainsel "github.com/smartcontractkit/chain-selectors"

	"github.com/smartcontractkit/deployment-orchestrator/calldata"
	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/resolver"
)

// ValidationResult lists every problem found in a plan, not only the first.
type ValidationResult struct {
	Valid    bool            `json:"isValid"`
	Errors   []*faults.Error `json:"errors,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
	// Waves is the execution order of a valid plan.
	Waves [][]string `json:"waves,omitempty"`
}

// Err joins the errors, or returns nil for a valid plan.
func (r ValidationResult) Err() error {
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}

	return errors.Join(errs...)
}

// HasKind reports whether any error is of kind k.
func (r ValidationResult) HasKind(k faults.Kind) bool {
	for _, e := range r.Errors {
		if e.Kind == k {
			return true
		}
	}

	return false
}

type validator struct {
	plan  *Plan
	types *TypeRegistry
	res   ValidationResult
}

func (v *validator) fail(node string, kind faults.Kind, format string, args ...any) {
	v.res.Errors = append(v.res.Errors, faults.New(kind, format, args...).WithNode(v.plan.ID, node))
}

func (v *validator) warn(format string, args ...any) {
	v.res.Warnings = append(v.res.Warnings, fmt.Sprintf(format, args...))
}

// Validate runs the dependency resolver and the static checks of every node: the resource
// type is known, required constructor arguments are present, literals fit their ABI types and
// references point at existing nodes.
func Validate(p *Plan, types *TypeRegistry) ValidationResult {
	v := &validator{plan: p, types: types}

	v.checkPlan()
	if slices.Contains(p.Nodes, nil) {
		v.fail("", faults.InvalidArgument, "plan contains a nil node")
		return v.res
	}

	g, graphErrs := p.Graph()
	v.res.Errors = append(v.res.Errors, graphErrs...)
	if len(graphErrs) == 0 {
		waves, err := g.Waves()
		if err != nil {
			v.res.Errors = append(v.res.Errors, faults.Wrap(faults.CyclicDependency, err).WithNode(p.ID, ""))
		} else {
			v.res.Waves = waves
		}
	}

	for _, n := range p.Nodes {
		if n.ID != "" {
			v.checkNode(n)
		}
	}
	v.checkRedundantEdges()

	v.res.Valid = len(v.res.Errors) == 0
	if !v.res.Valid {
		v.res.Waves = nil
	}

	return v.res
}

func (v *validator) checkPlan() {
	p := v.plan
	if p.Name == "" {
		v.fail("", faults.InvalidArgument, "plan name is required")
	}
	if p.Deployer == (common.Address{}) {
		v.fail("", faults.MissingArgument, "plan deployer is required")
	}
	if len(p.Nodes) == 0 {
		v.fail("", faults.InvalidArgument, "plan has no nodes")
	}
	if p.ChainSelector != 0 {
		family, err := chainsel.GetSelectorFamily(p.ChainSelector)
		switch {
		case err != nil:
			v.fail("", faults.InvalidArgument, "unknown chain selector %d", p.ChainSelector)
		case family != chainsel.FamilyEVM:
			v.fail("", faults.InvalidArgument, "chain selector %d is a %s chain, only evm is supported", p.ChainSelector, family)
		}
	}
	if _, err := p.Params.GasPolicy.Price(big.NewInt(100)); err != nil {
		v.fail("", faults.InvalidArgument, "gas policy: %v", err)
	}
	if p.Params.GasPolicy.Kind == GasMultiplier && p.Params.GasPolicy.Percent < 100 {
		v.warn("gas policy multiplier %d%% prices below the network suggestion", p.Params.GasPolicy.Percent)
	}
	if p.Params.Concurrency < 0 {
		v.fail("", faults.InvalidArgument, "concurrency must not be negative")
	}
	if p.Params.Timeout < 0 {
		v.fail("", faults.InvalidArgument, "timeout must not be negative")
	}
}

func (v *validator) checkNode(n *ContractNode) {
	typ, err := v.types.Lookup(n.Type, n.Version)
	if err != nil {
		v.fail(n.ID, faults.UnknownResourceType, "node %q: %v", n.ID, err)
		return
	}
	if len(typ.Bytecode) == 0 {
		v.fail(n.ID, faults.InvalidArgument, "node %q: %s has no bytecode", n.ID, typ.TypeAndVersion())
	}

	given := make(map[string]bool, len(n.Args))
	for _, a := range n.Args {
		if given[a.Name] {
			v.fail(n.ID, faults.InvalidArgument, "node %q: argument %q given twice", n.ID, a.Name)
			continue
		}
		given[a.Name] = true

		param, ok := typ.param(a.Name)
		if !ok {
			v.fail(n.ID, faults.InvalidArgument, "node %q: %s has no constructor parameter %q", n.ID, typ.Name, a.Name)
			continue
		}
		if a.Ref != nil && a.Ref.DependsOn == n.ID {
			v.fail(n.ID, faults.UnknownDependency, "node %q: argument %q references the node itself", n.ID, a.Name)
			continue
		}
		v.checkArgument(n.ID, fmt.Sprintf("argument %q", a.Name), param.Type, a)
	}
	for _, param := range typ.Constructor {
		if param.Required && !given[param.Name] {
			v.fail(n.ID, faults.MissingArgument, "node %q: required argument %q missing", n.ID, param.Name)
		}
	}

	for i, act := range slices.Concat(typ.PostDeploy, n.PostDeploy) {
		v.checkAction(n.ID, fmt.Sprintf("post-deploy action %d (%s)", i, act.Label()), act)
	}
	for i, act := range slices.Concat(typ.Compensations, n.Compensations) {
		v.checkAction(n.ID, fmt.Sprintf("compensation %d (%s)", i, act.Label()), act)
		for _, a := range act.Args {
			if a.Ref != nil && a.Ref.DependsOn != DeployerRef && a.Ref.DependsOn != n.ID {
				if _, ok := v.plan.Node(a.Ref.DependsOn); !ok {
					v.fail(n.ID, faults.UnknownDependency, "node %q: compensation references unknown node %q", n.ID, a.Ref.DependsOn)
				}
			}
		}
		if act.Target != "" {
			if _, ok := v.plan.Node(act.Target); !ok {
				v.fail(n.ID, faults.UnknownDependency, "node %q: compensation targets unknown node %q", n.ID, act.Target)
			}
		}
	}
}

func (v *validator) checkAction(node, what string, act Action) {
	m, err := calldata.ParseSignature(act.Signature)
	if err != nil {
		v.fail(node, faults.InvalidArgument, "node %q: %s: %v", node, what, err)
		return
	}
	if len(act.Args) != len(m.Types) {
		v.fail(node, faults.MissingArgument, "node %q: %s: %s takes %d arguments, got %d",
			node, what, m.Signature(), len(m.Types), len(act.Args))
		return
	}
	for i, typ := range m.Types {
		if !calldata.SupportedType(typ) {
			v.fail(node, faults.InvalidArgument, "node %q: %s: %q: %v", node, what, typ, calldata.ErrUnsupportedType)
			continue
		}
		v.checkArgument(node, fmt.Sprintf("%s argument %d", what, i), typ, act.Args[i])
	}
	if _, err := act.ValueWei(); err != nil {
		v.fail(node, faults.InvalidArgument, "node %q: %v", node, err)
	}
}

func (v *validator) checkArgument(node, what, typ string, a Argument) {
	if a.Ref == nil {
		if _, err := calldata.Coerce(typ, a.Value); err != nil {
			v.fail(node, faults.InvalidArgument, "node %q: %s: %v", node, what, err)
		}

		return
	}
	if a.Ref.Field != FieldAddress {
		v.fail(node, faults.InvalidArgument, "node %q: %s: unsupported reference field %q", node, what, a.Ref.Field)
	}
	if typ != "address" {
		v.fail(node, faults.InvalidArgument, "node %q: %s: reference resolves to an address, parameter is %s", node, what, typ)
	}
}

func (v *validator) checkRedundantEdges() {
	implied := make(map[resolver.Edge]bool)
	for _, n := range v.plan.Nodes {
		for _, dep := range n.References() {
			implied[resolver.Edge{From: dep, To: n.ID}] = true
		}
	}
	for _, e := range v.plan.Edges {
		if implied[e] {
			v.warn("edge %s -> %s is implied by an argument reference", e.From, e.To)
		}
	}
}
