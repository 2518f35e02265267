// Package deployment deploys a plan of interdependent contracts.
//
// A plan is validated, ordered into waves by the dependency resolver and deployed wave by
// wave. Nodes of a wave run concurrently up to a limit; a wave starts only after the previous
// one finished. Every contract creation and call runs as an operation, so transient failures
// are retried with backoff and a confirmed step is never executed twice.
//
// A node that fails terminally takes all its transitive dependents with it: they are marked
// skipped and never submitted, and the plan ends failed. Deployed contracts are never removed;
// see package rollback for the compensating actions that follow a failure.
package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/smartcontractkit/deployment-orchestrator/broadcast"
	"github.com/smartcontractkit/deployment-orchestrator/datastore"
	"github.com/smartcontractkit/deployment-orchestrator/events"
	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/nonce"
	"github.com/smartcontractkit/deployment-orchestrator/operations"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
	"github.com/smartcontractkit/deployment-orchestrator/resolver"
	"github.com/smartcontractkit/deployment-orchestrator/simulator"
)

// DefaultConcurrency bounds the nodes of a wave deployed at once.
const DefaultConcurrency = 4

// Config tunes the executor. Plan parameters override Concurrency, confirmations and the
// receipt timeout per plan.
type Config struct {
	Concurrency int                    `mapstructure:"concurrency" yaml:"concurrency"`
	Retry       operations.RetryPolicy `mapstructure:",squash" yaml:",inline"`
	Broadcast   broadcast.Config       `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns a concurrency of 4 and the default retry policy.
func DefaultConfig() Config {
	return Config{
		Concurrency: DefaultConcurrency,
		Retry:       operations.DefaultRetryPolicy(),
		Broadcast:   broadcast.DefaultConfig,
	}
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Gateway   ledger.Gateway
	Keyring   *ledger.Keyring
	Nonces    *nonce.Manager
	Simulator *simulator.Simulator
	Types     *TypeRegistry
	Store     datastore.Datastore
	Events    events.Publisher
	Reporter  operations.Reporter
}

// Executor drives plans from draft to a terminal status.
type Executor struct {
	lggr  logger.Logger
	deps  Deps
	cfg   Config
	timer retry.Timer

	mu      sync.Mutex
	running map[string]*Claim
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRetryTimer replaces the clock backoff delays wait on.
func WithRetryTimer(t retry.Timer) ExecutorOption {
	return func(e *Executor) {
		e.timer = t
	}
}

// NewExecutor returns an Executor. Missing optional collaborators are defaulted: events are
// discarded and reports kept in memory.
func NewExecutor(lggr logger.Logger, deps Deps, cfg Config, opts ...ExecutorOption) *Executor {
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Reporter == nil {
		deps.Reporter = operations.NewMemoryReporter()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	e := &Executor{
		lggr:    lggr.Named("executor"),
		deps:    deps,
		cfg:     cfg,
		running: make(map[string]*Claim),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Claim marks a plan as busy in an Executor. While a plan is claimed no other claim on it
// succeeds, so loading, validating, deploying and cancelling it are serialized. A claim taken
// with Begin can be cancelled from the moment Begin returns.
type Claim struct {
	e          *Executor
	planID     string
	cancelable bool
	stop       atomic.Bool
	once       sync.Once
}

// Begin claims a plan for validation or execution. It fails when the plan is already claimed.
func (e *Executor) Begin(planID string) (*Claim, error) {
	return e.claim(planID, true)
}

// Hold claims a plan for a change that cannot be cancelled, such as cancelling or deleting a
// plan that is not running.
func (e *Executor) Hold(planID string) (*Claim, error) {
	return e.claim(planID, false)
}

func (e *Executor) claim(planID string, cancelable bool) (*Claim, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.running[planID]; busy {
		return nil, faults.New(faults.InvalidState, "plan %s is already executing", planID)
	}
	c := &Claim{e: e, planID: planID, cancelable: cancelable}
	e.running[planID] = c

	return c, nil
}

// Release ends the claim. It is safe to call more than once.
func (c *Claim) Release() {
	c.once.Do(func() {
		c.e.mu.Lock()
		defer c.e.mu.Unlock()
		delete(c.e.running, c.planID)
	})
}

// Validate checks a draft plan. A valid plan moves through validating to deploying; an invalid
// one stays draft with the errors attached. The plan is persisted either way. A plan cancelled
// while being validated ends cancelled.
func (e *Executor) Validate(ctx context.Context, p *Plan) (ValidationResult, error) {
	c, err := e.Begin(p.ID)
	if err != nil {
		return ValidationResult{}, err
	}
	defer c.Release()

	return c.Validate(ctx, p)
}

// Validate is Executor.Validate under the claim. The claim is kept.
func (c *Claim) Validate(ctx context.Context, p *Plan) (ValidationResult, error) {
	if p.ID != c.planID {
		return ValidationResult{}, fmt.Errorf("claim on plan %s used for plan %s", c.planID, p.ID)
	}
	if p.Status != PlanDraft {
		return ValidationResult{}, faults.New(faults.InvalidState, "plan %s is %s, only draft plans are validated", p.ID, p.Status)
	}
	r := c.e.newRun(p, nil)

	res := Validate(p, c.e.deps.Types)
	p.Errors = res.Errors
	if !res.Valid {
		// an invalid plan never leaves draft; the errors are recorded on the plan
		r.lggr.Warnw("Plan is invalid", "errors", len(res.Errors))
		if c.stop.Load() {
			return res, r.setPlanStatus(context.WithoutCancel(ctx), PlanCancelled, nil)
		}

		return res, r.save(ctx)
	}

	if err := r.setPlanStatus(ctx, PlanValidating, nil); err != nil {
		return ValidationResult{}, err
	}
	next := PlanDeploying
	if c.stop.Load() {
		next = PlanCancelled
	}
	if err := r.setPlanStatus(context.WithoutCancel(ctx), next, nil); err != nil {
		return ValidationResult{}, err
	}

	return res, nil
}

// Execute deploys p. A draft plan is validated first; a plan already deploying is resumed,
// skipping nodes that completed. The returned Result describes the outcome; the error is
// reserved for failures of the executor itself, such as an unreachable store.
func (e *Executor) Execute(ctx context.Context, p *Plan) (Result, error) {
	c, err := e.Begin(p.ID)
	if err != nil {
		return Result{}, err
	}

	return c.Execute(ctx, p)
}

// Execute is Executor.Execute under the claim. The claim is released when it returns.
func (c *Claim) Execute(ctx context.Context, p *Plan) (Result, error) {
	defer c.Release()

	if p.Status == PlanDraft {
		res, err := c.Validate(ctx, p)
		if err != nil {
			return Result{}, err
		}
		if !res.Valid {
			out := newResult(p)
			out.Validation = &res

			return out, nil
		}
		if p.Status == PlanCancelled {
			return newResult(p), nil
		}
	}
	if p.Status != PlanDeploying {
		return Result{}, faults.New(faults.InvalidState, "plan %s is %s and cannot be executed", p.ID, p.Status)
	}

	g, errs := p.Graph()
	if len(errs) > 0 {
		return Result{}, errs[0]
	}
	waves, err := g.Waves()
	if err != nil {
		return Result{}, err
	}

	r := c.e.newRun(p, g)
	r.stop = &c.stop
	if err := r.deployWaves(ctx, waves); err != nil {
		return Result{}, err
	}

	return newResult(p), nil
}

// Cancel stops scheduling further nodes of a plan claimed with Begin. Nodes already submitted
// finish. It reports whether such a claim existed.
func (e *Executor) Cancel(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.running[planID]
	if !ok || !c.cancelable {
		return false
	}
	c.stop.Store(true)

	return true
}

// Running reports whether the plan is claimed.
func (e *Executor) Running(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.running[planID]

	return ok
}

// run is the state of one plan execution. mu guards every node and plan field the workers
// write, and the persisted plan document.
type run struct {
	e     *Executor
	plan  *Plan
	graph *resolver.Graph
	lggr  logger.Logger
	bcast *broadcast.Broadcaster
	stop  *atomic.Bool

	mu sync.Mutex
}

func (e *Executor) newRun(p *Plan, g *resolver.Graph) *run {
	bcfg := e.cfg.Broadcast
	if p.Params.Confirmations > 0 {
		bcfg.Confirmations = p.Params.Confirmations
	}
	if p.Params.Timeout > 0 {
		bcfg.ReceiptTimeout = time.Duration(p.Params.Timeout)
	}
	lggr := e.lggr.With("planID", p.ID)

	return &run{
		e:     e,
		plan:  p,
		graph: g,
		lggr:  lggr,
		bcast: broadcast.New(lggr, e.deps.Gateway, e.deps.Keyring, e.deps.Nonces, bcfg),
		stop:  &atomic.Bool{},
	}
}

func (r *run) concurrency() int {
	if r.plan.Params.Concurrency > 0 {
		return r.plan.Params.Concurrency
	}

	return r.e.cfg.Concurrency
}

func (r *run) deployWaves(ctx context.Context, waves [][]string) error {
	r.lggr.Infow("Deploying plan", "waves", len(waves), "nodes", len(r.plan.Nodes))

	for i, wave := range waves {
		if r.cancelled(ctx) {
			break
		}
		r.lggr.Debugw("Starting wave", "wave", i, "nodes", wave)

		grp, gctx := errgroup.WithContext(ctx)
		grp.SetLimit(r.concurrency())
		for _, id := range wave {
			n, _ := r.plan.Node(id)
			grp.Go(func() error {
				return r.deployNode(gctx, n)
			})
		}
		if err := grp.Wait(); err != nil {
			return err
		}
	}

	return r.finish(ctx)
}

func (r *run) cancelled(ctx context.Context) bool {
	return r.stop.Load() || ctx.Err() != nil
}

// finish marks nodes never started as cancelled and settles the plan status.
func (r *run) finish(ctx context.Context) error {
	// the caller's context may be done; the outcome is still recorded
	ctx = context.WithoutCancel(ctx)

	failed, cancelled := false, false
	for _, n := range r.plan.Nodes {
		switch n.Status {
		case NodeFailed:
			failed = true
		case NodeCancelled:
			cancelled = true
		case "", NodePending:
			if err := r.setNodeStatus(ctx, n, NodeCancelled, nil); err != nil {
				return err
			}
			cancelled = true
		}
	}

	next := PlanCompleted
	switch {
	case failed:
		next = PlanFailed
	case cancelled:
		next = PlanCancelled
	}

	return r.setPlanStatus(ctx, next, nil)
}

// deployNode deploys one node and its post-deploy actions. Node failures are recorded on the
// node; only store failures are returned.
func (r *run) deployNode(ctx context.Context, n *ContractNode) error {
	switch n.Status {
	case NodeCompleted, NodeSkipped, NodeFailed, NodeCancelled:
		return nil
	}
	if r.cancelled(ctx) {
		return r.setNodeStatus(context.WithoutCancel(ctx), n, NodeCancelled, nil)
	}
	for _, dep := range r.graph.Dependencies(n.ID) {
		if d, _ := r.plan.Node(dep); d.Status != NodeCompleted {
			return r.setNodeStatus(ctx, n, NodeSkipped, faults.New(faults.InvalidState,
				"dependency %q is %s", dep, d.Status).WithNode(r.plan.ID, n.ID))
		}
	}

	lggr := r.lggr.With("nodeID", n.ID)
	if err := r.setNodeStatus(ctx, n, NodeDeploying, nil); err != nil {
		return err
	}

	fault := r.deployContract(ctx, lggr, n)
	if fault == nil {
		fault = r.runPostDeploy(ctx, lggr, n)
	}
	if fault == nil {
		return r.setNodeStatus(ctx, n, NodeCompleted, nil)
	}

	fault = fault.WithNode(r.plan.ID, n.ID)
	if fault.Kind == faults.Cancelled {
		lggr.Warnw("Node cancelled", "error", fault)
		return r.setNodeStatus(context.WithoutCancel(ctx), n, NodeCancelled, fault)
	}

	lggr.Errorw("Node failed", "error", fault)
	if err := r.setNodeStatus(ctx, n, NodeFailed, fault); err != nil {
		return err
	}

	return r.skipDependents(ctx, n)
}

func (r *run) skipDependents(ctx context.Context, failed *ContractNode) error {
	for _, id := range r.graph.TransitiveDependents(failed.ID) {
		dep, _ := r.plan.Node(id)
		if dep.Status != "" && dep.Status != NodePending {
			continue
		}
		cause := faults.New(faults.InvalidState, "dependency %q failed", failed.ID).WithNode(r.plan.ID, id)
		if err := r.setNodeStatus(ctx, dep, NodeSkipped, cause); err != nil {
			return err
		}
	}

	return nil
}

func (r *run) bundle(ctx context.Context, lggr logger.Logger) operations.Bundle {
	return operations.NewBundle(func() context.Context { return ctx }, lggr, r.e.deps.Reporter)
}

func (r *run) deployContract(ctx context.Context, lggr logger.Logger, n *ContractNode) *faults.Error {
	if n.Deployed() {
		return nil
	}

	typ, err := r.e.deps.Types.Lookup(n.Type, n.Version)
	if err != nil {
		return faults.Wrap(faults.UnknownResourceType, err)
	}
	values, err := ResolveArgs(r.plan, n)
	if err != nil {
		return faults.Wrap(faults.InvalidState, err)
	}
	code, err := typ.CreationCode(values)
	if err != nil {
		return faults.Wrap(faults.InvalidArgument, err)
	}

	input := DeployInput{
		PlanID: r.plan.ID,
		NodeID: n.ID,
		Type:   typ.TypeAndVersion(),
		From:   r.plan.Deployer,
		Code:   code,
	}
	tx := &broadcast.Tx{From: r.plan.Deployer, Data: code}
	report, err := operations.ExecuteOperation(r.bundle(ctx, lggr), DeployContract, r.txDeps(tx), input,
		executeOptions[DeployInput](r, n)...)
	r.recordAttempts(n, report.Attempts)
	if err != nil {
		r.bcast.Abandon(tx)
		return classify(err)
	}

	out := report.Output
	r.mu.Lock()
	n.Resolved = typ.Version.String()
	n.Address = out.Address
	n.TxHash = out.TxHash
	r.addCost(n, out)
	r.mu.Unlock()

	lggr.Infow("Contract deployed", "address", out.Address.Hex(), "txHash", out.TxHash.Hex(), "attempts", report.Attempts)

	if err := r.e.deps.Store.Contracts().Upsert(ctx, datastore.ContractRef{
		ChainSelector: r.plan.ChainSelector,
		Address:       out.Address.Hex(),
		Type:          typ.Name,
		Version:       typ.Version,
		PlanID:        r.plan.ID,
		NodeID:        n.ID,
		TxHash:        out.TxHash.Hex(),
	}); err != nil {
		// the contract exists on chain; the registry entry can be repaired from the plan
		lggr.Errorw("Failed to register deployed contract", "address", out.Address.Hex(), "error", err)
	}

	return nil
}

func (r *run) runPostDeploy(ctx context.Context, lggr logger.Logger, n *ContractNode) *faults.Error {
	typ, err := r.e.deps.Types.Lookup(n.Type, n.Resolved)
	if err != nil {
		return faults.Wrap(faults.UnknownResourceType, err)
	}

	actions := PostDeployActions(typ, n)
	for i := n.ActionsDone; i < len(actions); i++ {
		act := actions[i]
		resolved, err := ResolveAction(r.plan, n, act)
		if err != nil {
			return faults.Wrap(faults.InvalidState, err)
		}

		input := ActionInput{
			PlanID: r.plan.ID,
			NodeID: n.ID,
			Index:  i,
			Name:   act.Label(),
			From:   r.plan.Deployer,
			To:     resolved.To,
			Data:   resolved.Data,
			Value:  resolved.Value,
		}
		tx := &broadcast.Tx{From: r.plan.Deployer, To: &input.To, Data: resolved.Data, Value: resolved.Value}
		report, err := operations.ExecuteOperation(r.bundle(ctx, lggr.With("action", act.Label())), CallContract,
			r.txDeps(tx), input, executeOptions[ActionInput](r, n)...)
		if err != nil {
			r.bcast.Abandon(tx)
			cause := classify(err)

			return &faults.Error{Kind: cause.Kind, Err: fmt.Errorf("post-deploy action %d (%s): %w", i, act.Label(), cause.Err)}
		}

		r.mu.Lock()
		r.addCost(n, report.Output)
		n.ActionsDone = i + 1
		r.mu.Unlock()
		if err := r.save(ctx); err != nil {
			return faults.Wrap(faults.Unknown, err)
		}
		lggr.Infow("Post-deploy action confirmed", "action", act.Label(), "txHash", report.Output.TxHash.Hex())
	}

	return nil
}

func (r *run) txDeps(tx *broadcast.Tx) broadcast.TxDeps {
	return broadcast.TxDeps{
		Simulator:   r.e.deps.Simulator,
		Broadcaster: r.bcast,
		Price:       r.plan.Params.GasPolicy.Price,
		Tx:          tx,
	}
}

// executeOptions enables retries with the executor's policy and logs every failed attempt.
func executeOptions[IN any](r *run, n *ContractNode) []operations.ExecuteOption[IN, broadcast.TxDeps] {
	opts := []operations.ExecuteOption[IN, broadcast.TxDeps]{
		operations.WithRetryConfig(operations.RetryConfig[IN, broadcast.TxDeps]{
			Enabled: true,
			Policy:  r.e.cfg.Retry,
			OnRetry: func(attempt uint, err error) {
				r.lggr.Warnw("Attempt failed", "nodeID", n.ID, "attempt", attempt, "error", err)
			},
		}),
	}
	if r.e.timer != nil {
		opts = append(opts, operations.WithTimer[IN, broadcast.TxDeps](r.e.timer))
	}

	return opts
}

// recordAttempts stores the attempts of the node's deployment transaction.
func (r *run) recordAttempts(n *ContractNode, attempts uint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n.Attempts = attempts
}

// addCost accumulates gas and cost of a confirmed transaction. The caller holds r.mu.
func (r *run) addCost(n *ContractNode, out broadcast.TxOutput) {
	n.GasUsed += out.GasUsed
	if out.Cost != nil {
		if n.CostWei == nil {
			n.CostWei = new(big.Int)
		}
		n.CostWei.Add(n.CostWei, out.Cost)
	}
}

func classify(err error) *faults.Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.Cancelled, err)
	}

	return faults.Wrap(faults.Unknown, err)
}

func (r *run) setNodeStatus(ctx context.Context, n *ContractNode, next NodeStatus, cause *faults.Error) error {
	meta := map[string]string{}
	errText := ""

	r.mu.Lock()
	prev := n.Status
	if prev == "" {
		prev = NodePending
	}
	n.Status = next
	if cause != nil {
		n.Error = cause
		errText = cause.Error()
		meta["error"] = errText
	}
	if n.TxHash != (common.Hash{}) {
		meta["txHash"] = n.TxHash.Hex()
	}
	if n.Attempts > 0 {
		meta["attempts"] = strconv.FormatUint(uint64(n.Attempts), 10)
	}
	r.mu.Unlock()

	return r.record(ctx, n.ID, string(prev), string(next), meta, errText)
}

func (r *run) setPlanStatus(ctx context.Context, next PlanStatus, meta map[string]string) error {
	r.mu.Lock()
	prev := r.plan.Status
	err := r.plan.SetStatus(next)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.lggr.Infow("Plan status changed", "from", prev, "to", next)

	return r.record(ctx, "", string(prev), string(next), meta, "")
}

// record persists the plan document, appends the transition and publishes the event.
func (r *run) record(ctx context.Context, nodeID, from, to string, meta map[string]string, errText string) error {
	if err := r.save(ctx); err != nil {
		return err
	}
	if err := r.e.deps.Store.AppendTransition(ctx, datastore.Transition{
		EntityID: r.plan.ID,
		Scope:    nodeID,
		From:     from,
		To:       to,
		Metadata: meta,
	}); err != nil {
		return fmt.Errorf("append transition of plan %s: %w", r.plan.ID, err)
	}
	r.e.deps.Events.Publish(events.Event{
		Kind:     events.EntityPlan,
		EntityID: r.plan.ID,
		NodeID:   nodeID,
		Step:     -1,
		From:     from,
		To:       to,
		Error:    errText,
	})

	return nil
}

func (r *run) save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return SavePlan(ctx, r.e.deps.Store, r.plan)
}

// SavePlan persists p as a plan document.
func SavePlan(ctx context.Context, s datastore.Store, p *Plan) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", p.ID, err)
	}
	if err := s.Put(ctx, datastore.Document{
		Kind:   datastore.KindPlan,
		ID:     p.ID,
		Status: string(p.Status),
		Body:   body,
	}); err != nil {
		return fmt.Errorf("save plan %s: %w", p.ID, err)
	}

	return nil
}

// LoadPlan reads a plan document.
func LoadPlan(ctx context.Context, s datastore.Store, id string) (*Plan, error) {
	doc, err := s.Get(ctx, datastore.KindPlan, id)
	if err != nil {
		return nil, err
	}

	return DecodePlan(doc.Body)
}
