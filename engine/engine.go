// Package engine is the entry point of the orchestrator. It owns the shared collaborators
// (nonce sequencers, simulator, event bus) and exposes plan and atomic operation lifecycles by
// ID, persisting every entity in the status store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/deployment-orchestrator/atomicop"
	"github.com/smartcontractkit/deployment-orchestrator/datastore"
	"github.com/smartcontractkit/deployment-orchestrator/deployment"
	"github.com/smartcontractkit/deployment-orchestrator/events"
	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/nonce"
	"github.com/smartcontractkit/deployment-orchestrator/operations"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
	"github.com/smartcontractkit/deployment-orchestrator/rollback"
	"github.com/smartcontractkit/deployment-orchestrator/simulator"
)

// Config holds the settings of every component.
type Config struct {
	Deployment deployment.Config
	Atomic     atomicop.Config
	// GasBufferPercent is added to every raw gas estimate.
	GasBufferPercent uint64
}

// DefaultConfig returns the component defaults and a 20% gas buffer.
func DefaultConfig() Config {
	return Config{
		Deployment:       deployment.DefaultConfig(),
		Atomic:           atomicop.DefaultConfig(),
		GasBufferPercent: simulator.DefaultGasBufferPercent,
	}
}

// Deps are the external collaborators of the engine.
type Deps struct {
	Gateway ledger.Gateway
	Keyring *ledger.Keyring
	Store   datastore.Datastore
	// Types defaults to the built-in resource types.
	Types *deployment.TypeRegistry
	// Reporter defaults to an in-memory reporter.
	Reporter operations.Reporter
}

// Engine creates, validates, executes and compensates plans and atomic operations.
type Engine struct {
	lggr   logger.Logger
	deps   Deps
	bus    *events.Bus
	nonces *nonce.Manager

	plans    *deployment.Executor
	ops      *atomicop.Executor
	rollback *rollback.Coordinator
}

type options struct {
	clock atomicop.Clock
	timer retry.Timer
}

// Option configures an Engine.
type Option func(*options)

// WithClock replaces the clock of atomic operations.
func WithClock(c atomicop.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithRetryTimer replaces the clock retry backoff waits on.
func WithRetryTimer(t retry.Timer) Option {
	return func(o *options) {
		o.timer = t
	}
}

// New wires an Engine. All executors share one nonce manager, so a sender is sequenced the
// same way whether it deploys a plan or executes an operation.
func New(lggr logger.Logger, deps Deps, cfg Config, opts ...Option) *Engine {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if deps.Types == nil {
		deps.Types = deployment.NewBuiltinRegistry()
	}
	if deps.Reporter == nil {
		deps.Reporter = operations.NewMemoryReporter()
	}

	e := &Engine{
		lggr:   lggr.Named("engine"),
		deps:   deps,
		bus:    events.NewBus(lggr),
		nonces: nonce.NewManager(lggr, deps.Gateway),
	}
	sim := simulator.New(lggr, deps.Gateway, simulator.WithGasBuffer(cfg.GasBufferPercent))

	var planOpts []deployment.ExecutorOption
	var opOpts []atomicop.ExecutorOption
	var rbOpts []rollback.Option
	if o.timer != nil {
		planOpts = append(planOpts, deployment.WithRetryTimer(o.timer))
		opOpts = append(opOpts, atomicop.WithRetryTimer(o.timer))
		rbOpts = append(rbOpts, rollback.WithRetryTimer(o.timer))
	}
	if o.clock != nil {
		opOpts = append(opOpts, atomicop.WithClock(o.clock))
	}

	e.plans = deployment.NewExecutor(lggr, deployment.Deps{
		Gateway:   deps.Gateway,
		Keyring:   deps.Keyring,
		Nonces:    e.nonces,
		Simulator: sim,
		Types:     deps.Types,
		Store:     deps.Store,
		Events:    e.bus,
		Reporter:  deps.Reporter,
	}, cfg.Deployment, planOpts...)
	e.ops = atomicop.NewExecutor(lggr, atomicop.Deps{
		Gateway:   deps.Gateway,
		Keyring:   deps.Keyring,
		Nonces:    e.nonces,
		Simulator: sim,
		Store:     deps.Store,
		Events:    e.bus,
		Reporter:  deps.Reporter,
	}, cfg.Atomic, opOpts...)
	e.rollback = rollback.NewCoordinator(lggr, rollback.Deps{
		Gateway:   deps.Gateway,
		Keyring:   deps.Keyring,
		Nonces:    e.nonces,
		Simulator: sim,
		Types:     deps.Types,
		Store:     deps.Store,
		Events:    e.bus,
		Reporter:  deps.Reporter,
	}, cfg.Deployment, rbOpts...)

	return e
}

// Subscribe returns a channel of progress events and a function to unsubscribe.
func (e *Engine) Subscribe(size int) (<-chan events.Event, func()) {
	return e.bus.Subscribe(size)
}

// Close stops event delivery. Subscriber channels are closed.
func (e *Engine) Close() {
	e.bus.Close()
}

// Types returns the resource type registry plans are validated against.
func (e *Engine) Types() *deployment.TypeRegistry {
	return e.deps.Types
}

// CreatePlan stores spec as a new draft plan. An ID is generated when spec has none;
// execution state carried by spec is discarded.
func (e *Engine) CreatePlan(ctx context.Context, spec *deployment.Plan) (*deployment.Plan, error) {
	p := spec.Clone()
	if p.ID == "" {
		p.ID = newPlanID()
	}
	if err := e.ensureAbsent(ctx, datastore.KindPlan, p.ID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p.Status = deployment.PlanDraft
	p.Errors = nil
	p.CreatedAt, p.UpdatedAt = now, now
	for _, n := range p.Nodes {
		*n = deployment.ContractNode{
			ID:            n.ID,
			Type:          n.Type,
			Version:       n.Version,
			Args:          n.Args,
			PostDeploy:    n.PostDeploy,
			Compensations: n.Compensations,
		}
	}

	if err := deployment.SavePlan(ctx, e.deps.Store, p); err != nil {
		return nil, err
	}
	if err := e.recordPlan(ctx, p, "", nil); err != nil {
		return nil, err
	}
	e.lggr.Infow("Plan created", "planID", p.ID, "nodes", len(p.Nodes))

	return p, nil
}

// GetPlan loads a plan.
func (e *Engine) GetPlan(ctx context.Context, id string) (*deployment.Plan, error) {
	p, err := deployment.LoadPlan(ctx, e.deps.Store, id)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", id, err)
	}

	return p, nil
}

// ListPlans returns every stored plan ordered by ID.
func (e *Engine) ListPlans(ctx context.Context) ([]*deployment.Plan, error) {
	docs, err := e.deps.Store.List(ctx, datastore.KindPlan)
	if err != nil {
		return nil, err
	}
	out := make([]*deployment.Plan, 0, len(docs))
	for _, doc := range docs {
		p, err := deployment.DecodePlan(doc.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	return out, nil
}

// UpdatePlanParams replaces the execution parameters of a draft plan.
func (e *Engine) UpdatePlanParams(ctx context.Context, id string, params deployment.Params) (*deployment.Plan, error) {
	p, err := e.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != deployment.PlanDraft {
		return nil, faults.New(faults.InvalidState, "plan %s is %s, parameters change only while draft", id, p.Status)
	}
	p.Params = params
	p.UpdatedAt = time.Now().UTC()

	return p, deployment.SavePlan(ctx, e.deps.Store, p)
}

// ValidatePlan validates a plan. A valid draft goes through validating and ends deploying; an
// invalid draft stays draft with the errors attached. Other plans are checked without changing
// status.
func (e *Engine) ValidatePlan(ctx context.Context, id string) (deployment.ValidationResult, error) {
	c, err := e.plans.Begin(id)
	if err != nil {
		// a plan being deployed can still be checked
		if p, gerr := e.GetPlan(ctx, id); gerr == nil && p.Status != deployment.PlanDraft {
			return deployment.Validate(p, e.deps.Types), nil
		}

		return deployment.ValidationResult{}, err
	}
	defer c.Release()

	p, err := e.GetPlan(ctx, id)
	if err != nil {
		return deployment.ValidationResult{}, err
	}
	if p.Status != deployment.PlanDraft {
		return deployment.Validate(p, e.deps.Types), nil
	}

	return c.Validate(ctx, p)
}

// ExecutePlan deploys a plan and blocks until it reaches a terminal status. Progress is
// published to subscribers as it happens.
func (e *Engine) ExecutePlan(ctx context.Context, id string) (deployment.Result, error) {
	c, p, err := e.beginPlan(ctx, id)
	if err != nil {
		return deployment.Result{}, err
	}

	return c.Execute(ctx, p)
}

// PlanOutcome is delivered once an asynchronous execution ends.
type PlanOutcome struct {
	Result deployment.Result
	Err    error
}

// StartPlan deploys a plan in the background. The plan counts as running, and can be
// cancelled, as soon as StartPlan returns. The returned channel receives exactly one outcome.
func (e *Engine) StartPlan(ctx context.Context, id string) (<-chan PlanOutcome, error) {
	c, p, err := e.beginPlan(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make(chan PlanOutcome, 1)
	go func() {
		res, err := c.Execute(ctx, p)
		out <- PlanOutcome{Result: res, Err: err}
		close(out)
	}()

	return out, nil
}

// beginPlan claims a plan and loads it under the claim, so the copy executed is the one a
// concurrent cancellation would have written.
func (e *Engine) beginPlan(ctx context.Context, id string) (*deployment.Claim, *deployment.Plan, error) {
	c, err := e.plans.Begin(id)
	if err != nil {
		return nil, nil, err
	}
	p, err := e.GetPlan(ctx, id)
	if err != nil {
		c.Release()
		return nil, nil, err
	}

	return c, p, nil
}

// RollbackPlan compensates a failed or cancelled plan.
func (e *Engine) RollbackPlan(ctx context.Context, id string) (rollback.Result, error) {
	c, err := e.plans.Hold(id)
	if err != nil {
		return rollback.Result{}, err
	}
	defer c.Release()

	p, err := e.GetPlan(ctx, id)
	if err != nil {
		return rollback.Result{}, err
	}

	return e.rollback.Rollback(ctx, p)
}

// CancelPlan cancels a plan. A running plan stops scheduling nodes and ends cancelled once the
// nodes already submitted resolve. A plan that is not running is cancelled at once if its
// status allows it.
func (e *Engine) CancelPlan(ctx context.Context, id string) error {
	if e.plans.Cancel(id) {
		e.lggr.Infow("Cancellation requested", "planID", id)
		return nil
	}
	c, err := e.plans.Hold(id)
	if err != nil {
		// started in the meantime
		if e.plans.Cancel(id) {
			e.lggr.Infow("Cancellation requested", "planID", id)
			return nil
		}

		return err
	}
	defer c.Release()

	p, err := e.GetPlan(ctx, id)
	if err != nil {
		return err
	}
	prev := p.Status
	if err := p.SetStatus(deployment.PlanCancelled); err != nil {
		return err
	}
	if err := deployment.SavePlan(ctx, e.deps.Store, p); err != nil {
		return err
	}

	return e.recordPlan(ctx, p, prev, nil)
}

// DeletePlan removes a plan that is not deploying. Its history is kept.
func (e *Engine) DeletePlan(ctx context.Context, id string) error {
	c, err := e.plans.Hold(id)
	if err != nil {
		return err
	}
	defer c.Release()

	p, err := e.GetPlan(ctx, id)
	if err != nil {
		return err
	}
	if p.Status == deployment.PlanDeploying && planStarted(p) {
		return faults.New(faults.InvalidState, "plan %s is deploying; cancel it first", id)
	}

	return e.deps.Store.Delete(ctx, datastore.KindPlan, id)
}

// planStarted reports whether any node of p got past pending.
func planStarted(p *deployment.Plan) bool {
	for _, n := range p.Nodes {
		if n.Status != "" && n.Status != deployment.NodePending {
			return true
		}
	}

	return false
}

// CreateAtomicOperation stores spec as a new pending operation. The stored operation shares
// nothing with spec.
func (e *Engine) CreateAtomicOperation(ctx context.Context, spec *atomicop.Operation) (*atomicop.Operation, error) {
	op := spec.Clone()
	if op.ID == "" {
		op.ID = newOperationID()
	}
	if err := e.ensureAbsent(ctx, datastore.KindOperation, op.ID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	op.Status = atomicop.StatusPending
	op.Simulation, op.Result, op.Error = nil, nil, nil
	op.CreatedAt, op.UpdatedAt = now, now

	if err := atomicop.SaveOperation(ctx, e.deps.Store, op); err != nil {
		return nil, err
	}
	if err := e.recordOperation(ctx, op, ""); err != nil {
		return nil, err
	}
	e.lggr.Infow("Operation created", "operationID", op.ID, "kind", op.Kind, "steps", len(op.Steps))

	return op, nil
}

// GetOperation loads an operation.
func (e *Engine) GetOperation(ctx context.Context, id string) (*atomicop.Operation, error) {
	op, err := atomicop.LoadOperation(ctx, e.deps.Store, id)
	if err != nil {
		return nil, fmt.Errorf("load operation %s: %w", id, err)
	}

	return op, nil
}

// SimulateOperation predicts the outcome of a pending operation. Nothing is submitted.
func (e *Engine) SimulateOperation(ctx context.Context, id string) (atomicop.SimulationResult, error) {
	c, op, err := e.beginOperation(ctx, id)
	if err != nil {
		return atomicop.SimulationResult{}, err
	}
	defer c.Release()

	return c.Simulate(ctx, op)
}

// ExecuteOperation simulates and, when the prediction holds, executes a pending operation.
func (e *Engine) ExecuteOperation(ctx context.Context, id string) (atomicop.ExecutionResult, error) {
	c, op, err := e.beginOperation(ctx, id)
	if err != nil {
		return atomicop.ExecutionResult{}, err
	}

	return c.Execute(ctx, op)
}

// beginOperation claims an operation and loads it under the claim.
func (e *Engine) beginOperation(ctx context.Context, id string) (*atomicop.Claim, *atomicop.Operation, error) {
	c, err := e.ops.Begin(id)
	if err != nil {
		return nil, nil, err
	}
	op, err := e.GetOperation(ctx, id)
	if err != nil {
		c.Release()
		return nil, nil, err
	}

	return c, op, nil
}

// CancelOperation cancels an operation that has not started executing. A running simulation
// or timelock wait is interrupted; a stored pending operation is cancelled directly.
func (e *Engine) CancelOperation(ctx context.Context, id string) error {
	if e.ops.Cancel(id) {
		e.lggr.Infow("Cancellation requested", "operationID", id)
		return nil
	}
	c, err := e.ops.Hold(id)
	if err != nil {
		if e.ops.Cancel(id) {
			e.lggr.Infow("Cancellation requested", "operationID", id)
			return nil
		}

		return faults.New(faults.InvalidState, "operation %s is running and can no longer be cancelled", id)
	}
	defer c.Release()

	op, err := e.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if !op.Status.Cancellable() {
		return faults.New(faults.InvalidState, "operation %s is %s and can no longer be cancelled", id, op.Status)
	}
	prev := op.Status
	if err := op.SetStatus(atomicop.StatusCancelled); err != nil {
		return err
	}
	op.Error = faults.New(faults.Cancelled, "operation cancelled").WithNode(op.ID, "")
	if err := atomicop.SaveOperation(ctx, e.deps.Store, op); err != nil {
		return err
	}

	return e.recordOperation(ctx, op, prev)
}

// History returns the status transitions of a plan or operation, oldest first.
func (e *Engine) History(ctx context.Context, id string) ([]datastore.Transition, error) {
	return e.deps.Store.ListHistory(ctx, id)
}

// Contracts returns the contract registry.
func (e *Engine) Contracts() datastore.ContractRefStore {
	return e.deps.Store.Contracts()
}

// UnresolvedNonces lists, per sender, nonces that were reserved but never accepted by the
// network. Later transactions of that sender stall until each is burned or replaced.
func (e *Engine) UnresolvedNonces() map[common.Address][]uint64 {
	return e.nonces.Unresolved()
}

// BurnNonce fills nonce n of sender with a zero value self-transfer. A nil gasPrice uses the
// gateway's suggestion.
func (e *Engine) BurnNonce(ctx context.Context, sender common.Address, n uint64, gasPrice *big.Int) (common.Hash, error) {
	signer, err := e.deps.Keyring.Get(sender)
	if err != nil {
		return common.Hash{}, err
	}
	if gasPrice == nil {
		est, err := e.deps.Gateway.EstimateGas(ctx, ledger.Call{From: sender, To: &sender})
		if err != nil {
			return common.Hash{}, ledger.Classify(err)
		}
		gasPrice = est.GasPrice
	}

	return e.nonces.For(sender).Burn(ctx, signer, n, gasPrice)
}

func (e *Engine) ensureAbsent(ctx context.Context, kind datastore.Kind, id string) error {
	_, err := e.deps.Store.Get(ctx, kind, id)
	switch {
	case err == nil:
		return faults.New(faults.InvalidArgument, "%s %s already exists", kind, id)
	case errors.Is(err, datastore.ErrNotFound):
		return nil
	default:
		return err
	}
}

func (e *Engine) recordPlan(ctx context.Context, p *deployment.Plan, from deployment.PlanStatus, meta map[string]string) error {
	if err := e.deps.Store.AppendTransition(ctx, datastore.Transition{
		EntityID: p.ID,
		From:     string(from),
		To:       string(p.Status),
		Metadata: meta,
	}); err != nil {
		return fmt.Errorf("append transition of plan %s: %w", p.ID, err)
	}
	e.bus.Publish(events.Event{
		Kind:     events.EntityPlan,
		EntityID: p.ID,
		Step:     -1,
		From:     string(from),
		To:       string(p.Status),
	})

	return nil
}

func (e *Engine) recordOperation(ctx context.Context, op *atomicop.Operation, from atomicop.Status) error {
	if err := e.deps.Store.AppendTransition(ctx, datastore.Transition{
		EntityID: op.ID,
		From:     string(from),
		To:       string(op.Status),
	}); err != nil {
		return fmt.Errorf("append transition of operation %s: %w", op.ID, err)
	}
	errText := ""
	if op.Error != nil {
		errText = op.Error.Error()
	}
	e.bus.Publish(events.Event{
		Kind:     events.EntityOperation,
		EntityID: op.ID,
		Step:     -1,
		From:     string(from),
		To:       string(op.Status),
		Error:    errText,
	})

	return nil
}
