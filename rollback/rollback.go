// Package rollback compensates a deployment plan that failed or was cancelled.
//
// Mined transactions cannot be undone, so nothing here reverses chain state. Rollback is a
// saga: every contract the plan deployed is marked inactive in the contract registry, so
// that nothing outside the plan treats it as canonical, and the compensating actions declared
// for it (returning escrowed funds, revoking roles) are attempted. Nodes are compensated in
// reverse dependency order. A compensation that fails is recorded as CompensationFailed and
// does not stop the others; the plan ends rolled_back either way.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/multierr"

	"github.com/smartcontractkit/deployment-orchestrator/broadcast"
	"github.com/smartcontractkit/deployment-orchestrator/datastore"
	"github.com/smartcontractkit/deployment-orchestrator/deployment"
	"github.com/smartcontractkit/deployment-orchestrator/events"
	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/nonce"
	"github.com/smartcontractkit/deployment-orchestrator/operations"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
	"github.com/smartcontractkit/deployment-orchestrator/simulator"
)

// ActionOutcome is the outcome of one compensating action.
type ActionOutcome struct {
	Index  int           `json:"index"`
	Name   string        `json:"name"`
	TxHash common.Hash   `json:"txHash,omitempty"`
	Error  *faults.Error `json:"error,omitempty"`
}

// NodeOutcome is what rollback did for one deployed node.
type NodeOutcome struct {
	NodeID      string          `json:"nodeId"`
	Address     common.Address  `json:"address"`
	Deactivated bool            `json:"deactivated"`
	Actions     []ActionOutcome `json:"actions,omitempty"`
}

// Result describes a rollback. Success means every compensation succeeded.
type Result struct {
	PlanID  string                `json:"planId"`
	Status  deployment.PlanStatus `json:"status"`
	Success bool                  `json:"success"`
	Nodes   []NodeOutcome         `json:"nodes"`
	Errors  []*faults.Error       `json:"errors,omitempty"`
}

// Err combines the compensation failures, or returns nil.
func (r Result) Err() error {
	var err error
	for _, e := range r.Errors {
		err = multierr.Append(err, e)
	}

	return err
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Gateway   ledger.Gateway
	Keyring   *ledger.Keyring
	Nonces    *nonce.Manager
	Simulator *simulator.Simulator
	Types     *deployment.TypeRegistry
	Store     datastore.Datastore
	Events    events.Publisher
	Reporter  operations.Reporter
}

// Coordinator runs compensations for failed plans.
type Coordinator struct {
	lggr  logger.Logger
	deps  Deps
	cfg   deployment.Config
	timer retry.Timer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetryTimer replaces the clock backoff delays wait on.
func WithRetryTimer(t retry.Timer) Option {
	return func(c *Coordinator) {
		c.timer = t
	}
}

// NewCoordinator returns a Coordinator sending compensations with the executor's retry and
// broadcast settings.
func NewCoordinator(lggr logger.Logger, deps Deps, cfg deployment.Config, opts ...Option) *Coordinator {
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Reporter == nil {
		deps.Reporter = operations.NewMemoryReporter()
	}
	c := &Coordinator{
		lggr: lggr.Named("rollback"),
		deps: deps,
		cfg:  cfg,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Rollback compensates p, which must be failed or cancelled, and moves it to rolled_back.
// The returned error is reserved for store failures and invalid states; compensation failures
// are in the result.
func (c *Coordinator) Rollback(ctx context.Context, p *deployment.Plan) (Result, error) {
	if !p.Status.CanTransition(deployment.PlanRolledBack) {
		return Result{}, faults.New(faults.InvalidState, "plan %s is %s, only failed or cancelled plans are rolled back", p.ID, p.Status)
	}

	lggr := c.lggr.With("planID", p.ID)
	bcfg := c.cfg.Broadcast
	if p.Params.Confirmations > 0 {
		bcfg.Confirmations = p.Params.Confirmations
	}
	if p.Params.Timeout > 0 {
		bcfg.ReceiptTimeout = time.Duration(p.Params.Timeout)
	}
	bcast := broadcast.New(lggr, c.deps.Gateway, c.deps.Keyring, c.deps.Nonces, bcfg)

	res := Result{PlanID: p.ID}
	for _, n := range compensationOrder(p) {
		if !n.Deployed() {
			continue
		}
		out := NodeOutcome{NodeID: n.ID, Address: n.Address}
		nlggr := lggr.With("nodeID", n.ID, "address", n.Address.Hex())

		for i, act := range c.actions(p, n, nlggr) {
			ao := ActionOutcome{Index: i, Name: act.Label()}
			hash, err := c.compensate(ctx, nlggr, bcast, p, n, i, act)
			if err != nil {
				ao.Error = faults.New(faults.CompensationFailed, "compensation %d (%s): %v", i, act.Label(), err).WithNode(p.ID, n.ID)
				res.Errors = append(res.Errors, ao.Error)
				nlggr.Errorw("Compensation failed", "action", act.Label(), "error", err)
			} else {
				ao.TxHash = hash
				nlggr.Infow("Compensation confirmed", "action", act.Label(), "txHash", hash.Hex())
			}
			out.Actions = append(out.Actions, ao)
		}

		if err := c.deactivate(ctx, p, n); err != nil {
			fe := faults.New(faults.CompensationFailed, "mark contract inactive: %v", err).WithNode(p.ID, n.ID)
			res.Errors = append(res.Errors, fe)
			nlggr.Errorw("Failed to mark contract inactive", "error", err)
		} else {
			out.Deactivated = true
		}
		res.Nodes = append(res.Nodes, out)
	}

	ctx = context.WithoutCancel(ctx)
	prev := p.Status
	p.Errors = append(p.Errors, res.Errors...)
	if err := p.SetStatus(deployment.PlanRolledBack); err != nil {
		return Result{}, err
	}
	if err := deployment.SavePlan(ctx, c.deps.Store, p); err != nil {
		return Result{}, err
	}
	meta := map[string]string{"compensationFailures": strconv.Itoa(len(res.Errors))}
	if err := c.deps.Store.AppendTransition(ctx, datastore.Transition{
		EntityID: p.ID,
		From:     string(prev),
		To:       string(p.Status),
		Metadata: meta,
	}); err != nil {
		return Result{}, fmt.Errorf("append transition of plan %s: %w", p.ID, err)
	}
	errText := ""
	if err := res.Err(); err != nil {
		errText = err.Error()
	}
	c.deps.Events.Publish(events.Event{
		Kind:     events.EntityPlan,
		EntityID: p.ID,
		Step:     -1,
		From:     string(prev),
		To:       string(p.Status),
		Error:    errText,
	})

	res.Status = p.Status
	res.Success = len(res.Errors) == 0
	lggr.Infow("Plan rolled back", "nodes", len(res.Nodes), "failures", len(res.Errors))

	return res, nil
}

// compensationOrder returns the nodes dependents first. A plan whose graph cannot be built
// never deployed anything; its nodes are returned in reverse declaration order.
func compensationOrder(p *deployment.Plan) []*deployment.ContractNode {
	var ids []string
	g, errs := p.Graph()
	if len(errs) == 0 {
		if waves, err := g.Waves(); err == nil {
			ids = slices.Concat(waves...)
		}
	}
	if ids == nil {
		ids = p.NodeIDs()
	}
	slices.Reverse(ids)

	out := make([]*deployment.ContractNode, 0, len(ids))
	for _, id := range ids {
		if n, ok := p.Node(id); ok {
			out = append(out, n)
		}
	}

	return out
}

func (c *Coordinator) actions(p *deployment.Plan, n *deployment.ContractNode, lggr logger.Logger) []deployment.Action {
	version := n.Resolved
	if version == "" {
		version = n.Version
	}
	typ, err := c.deps.Types.Lookup(n.Type, version)
	if err != nil {
		lggr.Warnw("Resource type unknown, running only the node's own compensations", "type", n.Type, "error", err)
		return n.Compensations
	}

	return deployment.CompensationActions(typ, n)
}

// compensate sends one compensating action as an operation. Compensations are retried like
// any other transaction; a compensation confirmed by an earlier rollback attempt is not sent
// again.
func (c *Coordinator) compensate(
	ctx context.Context, lggr logger.Logger, bcast *broadcast.Broadcaster,
	p *deployment.Plan, n *deployment.ContractNode, i int, act deployment.Action,
) (common.Hash, error) {
	resolved, err := deployment.ResolveAction(p, n, act)
	if err != nil {
		return common.Hash{}, err
	}

	input := deployment.ActionInput{
		PlanID: p.ID,
		NodeID: n.ID,
		Index:  i,
		Name:   "compensate " + act.Label(),
		From:   p.Deployer,
		To:     resolved.To,
		Data:   resolved.Data,
		Value:  resolved.Value,
	}
	tx := &broadcast.Tx{From: p.Deployer, To: &input.To, Data: resolved.Data, Value: resolved.Value}
	deps := broadcast.TxDeps{
		Simulator:   c.deps.Simulator,
		Broadcaster: bcast,
		Price:       p.Params.GasPolicy.Price,
		Tx:          tx,
	}
	opts := []operations.ExecuteOption[deployment.ActionInput, broadcast.TxDeps]{
		operations.WithRetryConfig(operations.RetryConfig[deployment.ActionInput, broadcast.TxDeps]{
			Enabled: true,
			Policy:  c.cfg.Retry,
		}),
	}
	if c.timer != nil {
		opts = append(opts, operations.WithTimer[deployment.ActionInput, broadcast.TxDeps](c.timer))
	}

	b := operations.NewBundle(func() context.Context { return ctx }, lggr, c.deps.Reporter)
	report, err := operations.ExecuteOperation(b, deployment.CallContract, deps, input, opts...)
	if err != nil {
		bcast.Abandon(tx)
		return common.Hash{}, err
	}

	return report.Output.TxHash, nil
}

// deactivate labels the node's contract inactive, registering it first if the deployment
// could not.
func (c *Coordinator) deactivate(ctx context.Context, p *deployment.Plan, n *deployment.ContractNode) error {
	refs := c.deps.Store.Contracts()
	key := datastore.NewContractRefKey(p.ChainSelector, n.Address.Hex())

	err := datastore.AddLabels(ctx, refs, key, datastore.LabelInactive)
	if !errors.Is(err, datastore.ErrNotFound) {
		return err
	}

	ref := datastore.ContractRef{
		ChainSelector: p.ChainSelector,
		Address:       n.Address.Hex(),
		Type:          n.Type,
		PlanID:        p.ID,
		NodeID:        n.ID,
		TxHash:        n.TxHash.Hex(),
		Labels:        datastore.NewLabelSet(datastore.LabelInactive),
	}
	if typ, lerr := c.deps.Types.Lookup(n.Type, n.Resolved); lerr == nil {
		ref.Version = typ.Version
	}

	return refs.Upsert(ctx, ref)
}
