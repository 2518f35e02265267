package deployment

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-orchestrator/faults"
)

// NodeResult is the outcome of one node.
type NodeResult struct {
	ID       string         `json:"id"`
	Status   NodeStatus     `json:"status"`
	Address  common.Address `json:"address,omitempty"`
	TxHash   common.Hash    `json:"txHash,omitempty"`
	Attempts uint           `json:"attempts"`
	GasUsed  uint64         `json:"gasUsed"`
	CostWei  *big.Int       `json:"costWei,omitempty"`
	Error    *faults.Error  `json:"error,omitempty"`
}

// Result is the outcome of executing a plan. Node failures are reported here rather than as
// an error.
type Result struct {
	PlanID  string       `json:"planId"`
	Status  PlanStatus   `json:"status"`
	Success bool         `json:"success"`
	Nodes   []NodeResult `json:"nodes"`
	// Errors lists the error of every failed or skipped node.
	Errors []*faults.Error `json:"errors,omitempty"`
	// Validation is set when the plan failed validation and was not deployed.
	Validation   *ValidationResult `json:"validation,omitempty"`
	TotalGasUsed uint64            `json:"totalGasUsed"`
	TotalCostWei *big.Int          `json:"totalCostWei"`
}

// Node returns the result of node id.
func (r Result) Node(id string) (NodeResult, bool) {
	for _, n := range r.Nodes {
		if n.ID == id {
			return n, true
		}
	}

	return NodeResult{}, false
}

func newResult(p *Plan) Result {
	out := Result{
		PlanID:       p.ID,
		Status:       p.Status,
		Success:      p.Status == PlanCompleted,
		Nodes:        make([]NodeResult, 0, len(p.Nodes)),
		TotalCostWei: new(big.Int),
	}
	for _, n := range p.Nodes {
		status := n.Status
		if status == "" {
			status = NodePending
		}
		out.Nodes = append(out.Nodes, NodeResult{
			ID:       n.ID,
			Status:   status,
			Address:  n.Address,
			TxHash:   n.TxHash,
			Attempts: n.Attempts,
			GasUsed:  n.GasUsed,
			CostWei:  n.CostWei,
			Error:    n.Error,
		})
		if n.Error != nil {
			out.Errors = append(out.Errors, n.Error)
		}
		out.TotalGasUsed += n.GasUsed
		if n.CostWei != nil {
			out.TotalCostWei.Add(out.TotalCostWei, n.CostWei)
		}
	}

	return out
}
