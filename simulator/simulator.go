// Package simulator predicts the outcome and cost of calls before they are submitted.
//
// Every prediction is read-only: the simulator only ever calls EstimateGas and ReadState on
// the gateway, so running a simulation can never put a transaction on chain.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

// DefaultGasBufferPercent is added on top of every raw estimate.
const DefaultGasBufferPercent = 20

// Simulator runs preflight simulations against a gateway.
type Simulator struct {
	lggr          logger.Logger
	gateway       ledger.Gateway
	bufferPercent uint64
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithGasBuffer sets the safety margin added to raw gas estimates.
func WithGasBuffer(percent uint64) Option {
	return func(s *Simulator) {
		s.bufferPercent = percent
	}
}

// New returns a Simulator with a 20% gas buffer unless overridden.
func New(lggr logger.Logger, gateway ledger.Gateway, opts ...Option) *Simulator {
	s := &Simulator{
		lggr:          lggr.Named("simulator"),
		gateway:       gateway,
		bufferPercent: DefaultGasBufferPercent,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// GasBufferPercent returns the configured safety margin.
func (s *Simulator) GasBufferPercent() uint64 {
	return s.bufferPercent
}

// Step is one call to simulate.
type Step struct {
	Call ledger.Call
	// GasCeiling fails the step when the buffered estimate exceeds it. Zero means no ceiling.
	GasCeiling uint64
	// Condition, when set, is evaluated first; a false condition omits the step.
	Condition *Condition
}

// Delta is a predicted change of a token balance.
type Delta struct {
	Token   common.Address `json:"token"`
	Account common.Address `json:"account"`
	Amount  *big.Int       `json:"amount"`
}

// StepResult is the prediction for one step.
type StepResult struct {
	Index   int  `json:"index"`
	Success bool `json:"success"`
	// Omitted is set when the step's condition evaluated to false.
	Omitted bool `json:"omitted,omitempty"`
	// RawGas is the gateway's estimate, Gas the estimate including the buffer.
	RawGas       uint64   `json:"rawGas"`
	Gas          uint64   `json:"gas"`
	GasPrice     *big.Int `json:"gasPrice,omitempty"`
	Deltas       []Delta  `json:"deltas,omitempty"`
	RevertReason string   `json:"revertReason,omitempty"`
}

func (r *StepResult) fail(format string, args ...any) {
	r.Success = false
	r.RevertReason = fmt.Sprintf(format, args...)
}

// Result is the prediction for a whole deployment node or atomic operation.
type Result struct {
	Success      bool                `json:"success"`
	Steps        []StepResult        `json:"steps"`
	Requirements []RequirementResult `json:"requirements,omitempty"`
	TotalGas     uint64              `json:"totalGas"`
}

// FirstFailure returns a classified error describing the first failed requirement or step,
// or nil when the simulation succeeded.
func (r Result) FirstFailure() error {
	for _, req := range r.Requirements {
		if !req.Met {
			return faults.New(faults.RequirementUnmet, "%s", req.Reason)
		}
	}
	for _, st := range r.Steps {
		if !st.Success && !st.Omitted {
			return faults.New(faults.SimulationFailure, "step %d: %s", st.Index, st.RevertReason)
		}
	}

	return nil
}

// Estimate predicts a single call. A predicted revert is reported in the result, not as an
// error; the error return carries gateway failures only, classified for retry decisions.
func (s *Simulator) Estimate(ctx context.Context, call ledger.Call, gasCeiling uint64) (StepResult, error) {
	res := StepResult{Success: true}

	est, err := s.gateway.EstimateGas(ctx, call)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			res.fail("%s", reason)
			s.lggr.Debugw("Simulated call reverts", "to", call.To, "reason", reason)

			return res, nil
		}

		return res, ledger.Classify(err)
	}

	res.RawGas = est.Gas
	res.Gas = ledger.ApplyGasBuffer(est.Gas, s.bufferPercent)
	res.GasPrice = est.GasPrice
	if gasCeiling > 0 && res.Gas > gasCeiling {
		res.fail("estimated gas %d exceeds ceiling %d", res.Gas, gasCeiling)
	}

	return res, nil
}

// Simulate predicts steps sent in order by the same sender. Token transfers are tracked on a
// balance overlay so that a later step sees the balances left by earlier ones. Requirements
// are checked first; the overlay starts from the chain state.
func (s *Simulator) Simulate(ctx context.Context, steps []Step, reqs []Requirement) (Result, error) {
	out := Result{Success: true}

	for _, req := range reqs {
		rr, err := s.CheckRequirement(ctx, req)
		if err != nil {
			return Result{}, err
		}
		out.Requirements = append(out.Requirements, rr)
		if !rr.Met {
			out.Success = false
		}
	}

	ov := newOverlay(s.gateway)
	for i, st := range steps {
		if st.Condition != nil {
			ok, _, err := s.EvaluateCondition(ctx, *st.Condition)
			if err != nil {
				return Result{}, fmt.Errorf("step %d condition: %w", i, err)
			}
			if !ok {
				out.Steps = append(out.Steps, StepResult{Index: i, Success: true, Omitted: true})
				continue
			}
		}

		res, err := s.Estimate(ctx, st.Call, st.GasCeiling)
		if err != nil {
			return Result{}, fmt.Errorf("step %d: %w", i, err)
		}
		res.Index = i

		if res.Success {
			deltas, reason, err := ov.apply(ctx, st.Call)
			if err != nil {
				return Result{}, fmt.Errorf("step %d: %w", i, err)
			}
			res.Deltas = deltas
			if reason != "" {
				res.fail("%s", reason)
			}
		}
		if !res.Success {
			out.Success = false
		}
		out.TotalGas += res.Gas
		out.Steps = append(out.Steps, res)
	}

	s.lggr.Debugw("Simulation finished", "steps", len(steps), "success", out.Success, "totalGas", out.TotalGas)

	return out, nil
}

func revertReason(err error) (string, bool) {
	var rev *ledger.RevertError
	if errors.As(err, &rev) {
		return rev.Error(), true
	}
	if faults.KindOf(ledger.Classify(err)) == faults.Revert {
		return err.Error(), true
	}

	return "", false
}
