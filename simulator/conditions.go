package simulator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-orchestrator/calldata"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
)

// Comparator compares a read value against a threshold.
type Comparator string

const (
	Equal          Comparator = "eq"
	NotEqual       Comparator = "ne"
	Greater        Comparator = "gt"
	GreaterOrEqual Comparator = "gte"
	Less           Comparator = "lt"
	LessOrEqual    Comparator = "lte"
)

// Compare applies c to a and b.
func (c Comparator) Compare(a, b *big.Int) (bool, error) {
	cmp := a.Cmp(b)
	switch c {
	case Equal:
		return cmp == 0, nil
	case NotEqual:
		return cmp != 0, nil
	case Greater:
		return cmp > 0, nil
	case GreaterOrEqual:
		return cmp >= 0, nil
	case Less:
		return cmp < 0, nil
	case LessOrEqual:
		return cmp <= 0, nil
	default:
		return false, fmt.Errorf("unknown comparator %q", c)
	}
}

// Condition gates a step on a view call returning a single uint256.
type Condition struct {
	Target     common.Address `json:"target"`
	Signature  string         `json:"signature"`
	Args       []any          `json:"args,omitempty"`
	Comparator Comparator     `json:"comparator"`
	Value      *big.Int       `json:"value"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s.%s %s %s", c.Target.Hex(), c.Signature, c.Comparator, c.Value)
}

// EvaluateCondition reads the condition's value and compares it. It returns the read value.
func (s *Simulator) EvaluateCondition(ctx context.Context, c Condition) (bool, *big.Int, error) {
	if c.Value == nil {
		return false, nil, fmt.Errorf("condition %s has no value", c.Signature)
	}
	data, err := calldata.EncodeCall(c.Signature, c.Args...)
	if err != nil {
		return false, nil, err
	}

	target := c.Target
	ret, err := s.gateway.ReadState(ctx, ledger.Call{To: &target, Data: data})
	if err != nil {
		return false, nil, ledger.Classify(err)
	}
	got, err := calldata.DecodeUint256(ret)
	if err != nil {
		return false, nil, fmt.Errorf("condition %s: %w", c, err)
	}

	ok, err := c.Comparator.Compare(got, c.Value)
	if err != nil {
		return false, got, err
	}
	s.lggr.Debugw("Evaluated condition", "condition", c.String(), "actual", got.String(), "holds", ok)

	return ok, got, nil
}
