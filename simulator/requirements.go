package simulator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-orchestrator/calldata"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
)

// RequirementKind names a precondition checked against chain state.
type RequirementKind string

const (
	// RequireBalance: Token.balanceOf(Account) >= Min.
	RequireBalance RequirementKind = "balance"
	// RequireAllowance: Token.allowance(Account, Spender) >= Min.
	RequireAllowance RequirementKind = "allowance"
	// RequireOwnership: Token.owner() == Account.
	RequireOwnership RequirementKind = "ownership"
)

// Requirement is a precondition of an atomic operation.
type Requirement struct {
	Kind    RequirementKind `json:"kind"`
	Token   common.Address  `json:"token"`
	Account common.Address  `json:"account"`
	Spender common.Address  `json:"spender,omitempty"`
	Min     *big.Int        `json:"min,omitempty"`
}

func (r Requirement) String() string {
	switch r.Kind {
	case RequireBalance:
		return fmt.Sprintf("balance of %s in %s >= %s", r.Account.Hex(), r.Token.Hex(), r.Min)
	case RequireAllowance:
		return fmt.Sprintf("allowance of %s to %s in %s >= %s", r.Account.Hex(), r.Spender.Hex(), r.Token.Hex(), r.Min)
	case RequireOwnership:
		return fmt.Sprintf("owner of %s == %s", r.Token.Hex(), r.Account.Hex())
	default:
		return string(r.Kind)
	}
}

// Validate checks the requirement is well formed.
func (r Requirement) Validate() error {
	switch r.Kind {
	case RequireBalance, RequireAllowance:
		if r.Min == nil || r.Min.Sign() < 0 {
			return fmt.Errorf("%s requirement needs a non-negative min", r.Kind)
		}
	case RequireOwnership:
	default:
		return fmt.Errorf("unknown requirement kind %q", r.Kind)
	}

	return nil
}

// RequirementResult is the outcome of checking one requirement.
type RequirementResult struct {
	Requirement Requirement `json:"requirement"`
	Met         bool        `json:"met"`
	Actual      string      `json:"actual,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// CheckRequirement reads the state a requirement is about. Unreadable state fails the
// requirement; gateway failures are returned as errors.
func (s *Simulator) CheckRequirement(ctx context.Context, req Requirement) (RequirementResult, error) {
	res := RequirementResult{Requirement: req}
	if err := req.Validate(); err != nil {
		res.Reason = err.Error()
		return res, nil
	}

	var (
		data []byte
		err  error
	)
	switch req.Kind {
	case RequireBalance:
		data, err = calldata.EncodeCall("balanceOf(address)", req.Account)
	case RequireAllowance:
		data, err = calldata.EncodeCall("allowance(address,address)", req.Account, req.Spender)
	case RequireOwnership:
		data, err = calldata.EncodeCall("owner()")
	}
	if err != nil {
		return res, err
	}

	token := req.Token
	ret, err := s.gateway.ReadState(ctx, ledger.Call{To: &token, Data: data})
	if err != nil {
		if reason, ok := revertReason(err); ok {
			res.Reason = fmt.Sprintf("%s: read failed: %s", req, reason)
			return res, nil
		}

		return res, ledger.Classify(err)
	}

	if req.Kind == RequireOwnership {
		owner, err := calldata.DecodeAddress(ret)
		if err != nil {
			res.Reason = fmt.Sprintf("%s: %v", req, err)
			return res, nil
		}
		res.Actual = owner.Hex()
		res.Met = owner == req.Account
	} else {
		amount, err := calldata.DecodeUint256(ret)
		if err != nil {
			res.Reason = fmt.Sprintf("%s: %v", req, err)
			return res, nil
		}
		res.Actual = amount.String()
		res.Met = amount.Cmp(req.Min) >= 0
	}
	if !res.Met {
		res.Reason = fmt.Sprintf("requirement not met: %s (actual %s)", req, res.Actual)
	}

	return res, nil
}
