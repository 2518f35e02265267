package deployment

import (
	"math/big"

	"github.com/Masterminds/semver/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/smartcontractkit/deployment-orchestrator/broadcast"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/operations"
)

// DeployInput identifies one contract creation. Equal inputs are the same deployment, so a
// node whose deployment already succeeded is never deployed again.
type DeployInput struct {
	PlanID string         `json:"planId"`
	NodeID string         `json:"nodeId"`
	Type   string         `json:"type"`
	From   common.Address `json:"from"`
	Code   hexutil.Bytes  `json:"code"`
}

// Call returns the creation call.
func (in DeployInput) Call() ledger.Call {
	return ledger.Call{From: in.From, Data: in.Code}
}

// ActionInput identifies one call made on behalf of a plan node: a post-deploy action or a
// compensation.
type ActionInput struct {
	PlanID string         `json:"planId"`
	NodeID string         `json:"nodeId"`
	Index  int            `json:"index"`
	Name   string         `json:"name"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Data   hexutil.Bytes  `json:"data"`
	Value  *big.Int       `json:"value,omitempty"`
}

// Call returns the contract call.
func (in ActionInput) Call() ledger.Call {
	to := in.To

	return ledger.Call{From: in.From, To: &to, Data: in.Data, Value: in.Value}
}

var (
	// DeployContract simulates and deploys the creation code of a node.
	DeployContract = operations.NewOperation(
		"deployment/deploy-contract",
		semver.MustParse("1.0.0"),
		"Simulates and deploys a contract",
		broadcast.Send[DeployInput],
	)

	// CallContract simulates and sends a post-deploy action or compensation.
	CallContract = operations.NewOperation(
		"deployment/call-contract",
		semver.MustParse("1.0.0"),
		"Simulates and sends a contract call",
		broadcast.Send[ActionInput],
	)
)
