package deployment

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-orchestrator/calldata"
	"github.com/smartcontractkit/deployment-orchestrator/faults"
)

// resolveRef returns the address a reference points at. self is the node owning the
// reference; its own address is available to post-deploy actions and compensations.
func resolveRef(p *Plan, self *ContractNode, ref *Reference) (common.Address, error) {
	if ref.Field != FieldAddress {
		return common.Address{}, faults.New(faults.InvalidArgument, "unsupported reference field %q", ref.Field)
	}
	if ref.DependsOn == DeployerRef {
		return p.Deployer, nil
	}

	target := self
	if ref.DependsOn != self.ID {
		n, ok := p.Node(ref.DependsOn)
		if !ok {
			return common.Address{}, faults.New(faults.UnknownDependency, "reference to unknown node %q", ref.DependsOn)
		}
		target = n
	}
	if !target.Deployed() {
		return common.Address{}, faults.New(faults.InvalidState,
			"node %q references %q which has no resolved address", self.ID, target.ID)
	}

	return target.Address, nil
}

// ResolveArgs returns the constructor argument values of n keyed by name with every
// reference replaced by the resolved address.
func ResolveArgs(p *Plan, n *ContractNode) (map[string]any, error) {
	values := make(map[string]any, len(n.Args))
	for _, a := range n.Args {
		if a.Ref == nil {
			values[a.Name] = a.Value
			continue
		}
		addr, err := resolveRef(p, n, a.Ref)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", a.Name, err)
		}
		values[a.Name] = addr
	}

	return values, nil
}

// ResolvedAction is an action ready to be sent.
type ResolvedAction struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// ResolveAction encodes act owned by node n. The target defaults to n itself.
func ResolveAction(p *Plan, n *ContractNode, act Action) (ResolvedAction, error) {
	targetRef := &Reference{DependsOn: n.ID, Field: FieldAddress}
	if act.Target != "" {
		targetRef.DependsOn = act.Target
	}
	to, err := resolveRef(p, n, targetRef)
	if err != nil {
		return ResolvedAction{}, fmt.Errorf("%s target: %w", act.Label(), err)
	}

	args := make([]any, 0, len(act.Args))
	for i, a := range act.Args {
		if a.Ref == nil {
			args = append(args, a.Value)
			continue
		}
		addr, err := resolveRef(p, n, a.Ref)
		if err != nil {
			return ResolvedAction{}, fmt.Errorf("%s argument %d: %w", act.Label(), i, err)
		}
		args = append(args, addr)
	}

	data, err := calldata.EncodeCall(act.Signature, args...)
	if err != nil {
		return ResolvedAction{}, faults.Wrap(faults.InvalidArgument, fmt.Errorf("%s: %w", act.Label(), err))
	}
	value, err := act.ValueWei()
	if err != nil {
		return ResolvedAction{}, faults.Wrap(faults.InvalidArgument, err)
	}

	return ResolvedAction{To: to, Data: data, Value: value}, nil
}

// PostDeployActions returns the actions run after n is deployed: those of its type first.
func PostDeployActions(typ ResourceType, n *ContractNode) []Action {
	out := make([]Action, 0, len(typ.PostDeploy)+len(n.PostDeploy))
	out = append(out, typ.PostDeploy...)

	return append(out, n.PostDeploy...)
}

// CompensationActions returns the compensations rollback attempts for n: those of its type
// first.
func CompensationActions(typ ResourceType, n *ContractNode) []Action {
	out := make([]Action, 0, len(typ.Compensations)+len(n.Compensations))
	out = append(out, typ.Compensations...)

	return append(out, n.Compensations...)
}
