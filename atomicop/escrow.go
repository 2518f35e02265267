package atomicop

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-orchestrator/calldata"
	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/simulator"
)

// Escrow stages, named after the escrow contract functions.
const (
	stageCreateOrder = "createOrder"
	stageFulfill     = "fulfill"
	stageSettle      = "settle"
	stageCancel      = "cancel"
)

// escrowRequirements are the balances and allowances the sender needs to fund the order.
func escrowRequirements(sender common.Address, t *EscrowTerms) []simulator.Requirement {
	return []simulator.Requirement{
		{Kind: simulator.RequireBalance, Token: t.GiveToken, Account: sender, Min: t.GiveAmount},
		{Kind: simulator.RequireAllowance, Token: t.GiveToken, Account: sender, Spender: t.Contract, Min: t.GiveAmount},
	}
}

// escrowCall encodes the call of one escrow stage made by from.
func (r *run) escrowCall(from common.Address, stage string) (ledger.Call, error) {
	t := r.op.Escrow
	id := r.op.OrderID()

	var (
		data []byte
		err  error
	)
	switch stage {
	case stageCreateOrder:
		data, err = calldata.PackCreateOrder(calldata.EscrowOrder{
			ID:           id,
			Counterparty: t.Counterparty,
			GiveToken:    t.GiveToken,
			GiveAmount:   t.GiveAmount,
			WantToken:    t.WantToken,
			WantAmount:   t.WantAmount,
			Deadline:     big.NewInt(r.op.Safeguards.Deadline.Unix()),
		})
	case stageFulfill:
		data, err = calldata.PackFulfill(id)
	case stageSettle:
		data, err = calldata.PackSettle(id)
	case stageCancel:
		data, err = calldata.PackCancel(id)
	default:
		return ledger.Call{}, fmt.Errorf("unknown escrow stage %q", stage)
	}
	if err != nil {
		return ledger.Call{}, fmt.Errorf("encode %s: %w", stage, err)
	}
	to := t.Contract

	return ledger.Call{From: from, To: &to, Data: data}, nil
}

// driveEscrow opens the order, gets it fulfilled and settles it. The counterparty fulfills
// with its own key when the keyring holds it; otherwise the order is polled until fulfilled or
// the deadline passes. An order that cannot be completed is cancelled so the escrow refunds
// the sender.
func (r *run) driveEscrow(ctx context.Context) *faults.Error {
	t := r.op.Escrow
	lggr := r.lggr.With("orderID", r.op.OrderID().Hex(), "escrow", t.Contract.Hex())

	if fault := r.escrowStage(ctx, r.op.Sender, stageCreateOrder); fault != nil {
		return fault
	}
	lggr.Infow("Escrow order created")

	var fault *faults.Error
	if r.e.deps.Keyring != nil && r.e.deps.Keyring.Has(t.Counterparty) {
		fault = r.escrowStage(ctx, t.Counterparty, stageFulfill)
	} else {
		lggr.Infow("Waiting for the counterparty to fulfill", "counterparty", t.Counterparty.Hex(),
			"deadline", r.op.Safeguards.Deadline)
		fault = r.awaitFulfillment(ctx)
	}
	if fault != nil {
		r.cancelOrder(ctx)
		return fault
	}

	if fault := r.escrowStage(ctx, r.op.Sender, stageSettle); fault != nil {
		if fault.Kind == faults.SafeguardViolation {
			r.cancelOrder(ctx)
		}

		return fault
	}
	lggr.Infow("Escrow order settled")

	return nil
}

func (r *run) escrowStage(ctx context.Context, from common.Address, stage string) *faults.Error {
	call, err := r.escrowCall(from, stage)
	if err != nil {
		return faults.Wrap(faults.InvalidArgument, err)
	}

	idx := len(r.res.Steps)
	out, fault := r.send(ctx, stage, call)
	status := StepCompleted
	if fault != nil {
		status = StepFailed
	}
	r.res.Steps = append(r.res.Steps, StepOutcome{Index: idx, Name: stage, Status: status, TxHash: out.TxHash})

	meta := map[string]string{"stage": stage}
	errText := ""
	if fault != nil {
		errText = fault.Error()
	} else {
		meta["txHash"] = out.TxHash.Hex()
	}
	if err := r.recordStep(ctx, idx, string(StepPending), string(status), meta, errText); err != nil {
		return faults.Wrap(faults.Unknown, err)
	}
	if fault != nil {
		return faults.Wrap(fault.Kind, fmt.Errorf("escrow %s: %w", stage, fault.Err))
	}

	return nil
}

// awaitFulfillment polls the order state until the counterparty fulfilled it.
func (r *run) awaitFulfillment(ctx context.Context) *faults.Error {
	query, err := calldata.PackOrderState(r.op.OrderID())
	if err != nil {
		return faults.Wrap(faults.InvalidArgument, err)
	}
	contract := r.op.Escrow.Contract
	deadline := r.op.Safeguards.Deadline

	for {
		ret, err := r.e.deps.Gateway.ReadState(ctx, ledger.Call{To: &contract, Data: query})
		if err != nil {
			if !faults.Retryable(ledger.Classify(err)) {
				return faults.Wrap(faults.Unknown, fmt.Errorf("read order state: %w", ledger.Classify(err)))
			}
			r.lggr.Warnw("Failed to read order state", "error", err)
		} else {
			state, err := calldata.UnpackOrderState(ret)
			if err != nil {
				return faults.Wrap(faults.Unknown, fmt.Errorf("decode order state: %w", err))
			}
			switch state {
			case calldata.EscrowOrderFulfilled, calldata.EscrowOrderSettled:
				return nil
			case calldata.EscrowOrderCancelled:
				return faults.New(faults.InvalidState, "escrow order was cancelled")
			}
		}

		now := r.e.clock.Now()
		if !now.Before(deadline) {
			return faults.New(faults.SafeguardViolation, "counterparty did not fulfill before the deadline %s",
				deadline.UTC().Format(time.RFC3339))
		}
		wait := min(r.e.cfg.PollInterval, deadline.Sub(now))
		select {
		case <-ctx.Done():
			return faults.Wrap(faults.Cancelled, ctx.Err())
		case <-r.e.clock.After(wait):
		}
	}
}

// cancelOrder asks the escrow to refund the sender. A failure is logged; the order stays
// cancellable by the sender.
func (r *run) cancelOrder(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if fault := r.escrowStage(ctx, r.op.Sender, stageCancel); fault != nil {
		r.lggr.Errorw("Failed to cancel escrow order", "orderID", r.op.OrderID().Hex(), "error", fault)
		return
	}
	r.lggr.Infow("Escrow order cancelled", "orderID", r.op.OrderID().Hex())
}
