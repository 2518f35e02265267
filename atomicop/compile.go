package atomicop

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-orchestrator/calldata"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/simulator"
)

// Mode is how an operation reaches the chain.
type Mode string

const (
	// ModeNone means every step was omitted by its condition; nothing is sent.
	ModeNone Mode = "none"
	// ModeDirect sends the only included step as is.
	ModeDirect Mode = "direct"
	// ModeBatch sends all included steps in one batch executor transaction.
	ModeBatch Mode = "batch"
	// ModeEscrow drives an escrow contract through createOrder, fulfill and settle.
	ModeEscrow Mode = "escrow"
)

// Compiled is the transaction an operation was compiled into.
type Compiled struct {
	Mode Mode
	// Included lists the indexes of the steps carried by Call.
	Included []int
	Call     ledger.Call
}

// Compile turns the steps that passed simulation into the fewest transactions that keep them
// atomic: none, the single step itself, or one batch executor call. Steps whose condition
// evaluated false are left out. In a batch every call is made by the batch executor, so
// msg.sender inside the steps is the executor, not the operation sender.
func Compile(op *Operation, sim simulator.Result, batchExecutor common.Address) (Compiled, error) {
	if op.UsesEscrow() {
		return Compiled{Mode: ModeEscrow}, nil
	}

	omitted := make(map[int]bool, len(sim.Steps))
	for _, st := range sim.Steps {
		if st.Omitted {
			omitted[st.Index] = true
		}
	}

	var (
		included []int
		calls    []ledger.Call
	)
	for i, st := range op.Steps {
		if omitted[i] {
			continue
		}
		call, err := st.Call(op.Sender)
		if err != nil {
			return Compiled{}, fmt.Errorf("step %d (%s): %w", i, st.Label(), err)
		}
		included = append(included, i)
		calls = append(calls, call)
	}

	switch len(calls) {
	case 0:
		return Compiled{Mode: ModeNone}, nil
	case 1:
		return Compiled{Mode: ModeDirect, Included: included, Call: calls[0]}, nil
	}

	batch := make([]calldata.BatchCall, 0, len(calls))
	for _, c := range calls {
		batch = append(batch, calldata.BatchCall{Target: *c.To, Value: c.Value, CallData: c.Data})
	}
	data, err := calldata.PackBatch(batch)
	if err != nil {
		return Compiled{}, fmt.Errorf("pack batch: %w", err)
	}
	to := batchExecutor

	return Compiled{
		Mode:     ModeBatch,
		Included: included,
		Call:     ledger.Call{From: op.Sender, To: &to, Data: data, Value: calldata.BatchValue(batch)},
	}, nil
}
