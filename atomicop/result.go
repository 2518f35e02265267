package atomicop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/simulator"
)

// SimulationResult is the prediction for a whole operation. It is a decision input only.
type SimulationResult struct {
	OperationID  string                        `json:"operationId"`
	Success      bool                          `json:"success"`
	Mode         Mode                          `json:"mode,omitempty"`
	Steps        []simulator.StepResult        `json:"steps"`
	Requirements []simulator.RequirementResult `json:"requirements,omitempty"`
	// Gas is the buffered estimate of the compiled transaction, or of createOrder for an
	// escrow swap.
	Gas   uint64        `json:"gas"`
	Error *faults.Error `json:"error,omitempty"`
}

// StepStatus is the outcome of one step or escrow stage.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepOmitted   StepStatus = "omitted"
)

// StepOutcome is the outcome of one step. For escrow swaps the outcomes are the escrow calls
// made, named after the escrow function.
type StepOutcome struct {
	Index  int         `json:"index"`
	Name   string      `json:"name"`
	Status StepStatus  `json:"status"`
	TxHash common.Hash `json:"txHash,omitempty"`
}

// ExecutionResult is the outcome of executing an operation.
type ExecutionResult struct {
	OperationID string        `json:"operationId"`
	Status      Status        `json:"status"`
	Success     bool          `json:"success"`
	Mode        Mode          `json:"mode,omitempty"`
	TxHashes    []common.Hash `json:"txHashes,omitempty"`
	GasUsed     uint64        `json:"gasUsed"`
	CostWei     *big.Int      `json:"costWei"`
	// Confirmations is the lowest confirmation count observed across the transactions.
	Confirmations uint64            `json:"confirmations"`
	Attempts      uint              `json:"attempts"`
	Steps         []StepOutcome     `json:"steps"`
	Simulation    *SimulationResult `json:"simulation,omitempty"`
	Errors        []*faults.Error   `json:"errors,omitempty"`
}

func newExecutionResult(op *Operation) *ExecutionResult {
	res := &ExecutionResult{
		OperationID: op.ID,
		Status:      op.Status,
		CostWei:     new(big.Int),
	}
	if !op.UsesEscrow() {
		for i, st := range op.Steps {
			res.Steps = append(res.Steps, StepOutcome{Index: i, Name: st.Label(), Status: StepPending})
		}
	}

	return res
}
