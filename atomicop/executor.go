package atomicop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/smartcontractkit/deployment-orchestrator/broadcast"
	"github.com/smartcontractkit/deployment-orchestrator/calldata"
	"github.com/smartcontractkit/deployment-orchestrator/datastore"
	"github.com/smartcontractkit/deployment-orchestrator/events"
	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/ledger"
	"github.com/smartcontractkit/deployment-orchestrator/nonce"
	"github.com/smartcontractkit/deployment-orchestrator/operations"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
	"github.com/smartcontractkit/deployment-orchestrator/simulator"
)

// DefaultPollInterval is how often an escrow order is polled for fulfillment.
const DefaultPollInterval = 5 * time.Second

// Config tunes the executor.
type Config struct {
	// BatchExecutor is the Multicall3-compatible contract batches are sent to.
	BatchExecutor common.Address         `mapstructure:"batch_executor" yaml:"batch_executor"`
	PollInterval  time.Duration          `mapstructure:"poll_interval" yaml:"poll_interval"`
	Retry         operations.RetryPolicy `mapstructure:",squash" yaml:",inline"`
	Broadcast     broadcast.Config       `mapstructure:"-" yaml:"-"`
}

// DefaultConfig batches through the canonical Multicall3 deployment.
func DefaultConfig() Config {
	return Config{
		BatchExecutor: calldata.Multicall3Address,
		PollInterval:  DefaultPollInterval,
		Retry:         operations.DefaultRetryPolicy(),
		Broadcast:     broadcast.DefaultConfig,
	}
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Gateway   ledger.Gateway
	Keyring   *ledger.Keyring
	Nonces    *nonce.Manager
	Simulator *simulator.Simulator
	Store     datastore.Store
	Events    events.Publisher
	Reporter  operations.Reporter
}

// Clock is the time source for deadlines, timelocks and escrow polling.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// TxInput identifies one transaction of an operation. Stage names it: the compiled direct or
// batch call, or an escrow function.
type TxInput struct {
	OperationID string         `json:"operationId"`
	Stage       string         `json:"stage"`
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Data        hexutil.Bytes  `json:"data"`
	Value       *big.Int       `json:"value,omitempty"`
}

// Call returns the transaction as a call.
func (in TxInput) Call() ledger.Call {
	to := in.To

	return ledger.Call{From: in.From, To: &to, Data: in.Data, Value: in.Value}
}

// SendTransaction simulates and sends one transaction of an atomic operation.
var SendTransaction = operations.NewOperation(
	"atomic/send-transaction",
	semver.MustParse("1.0.0"),
	"Simulates and sends a transaction of an atomic operation",
	broadcast.Send[TxInput],
)

// Executor simulates and executes atomic operations.
type Executor struct {
	lggr  logger.Logger
	deps  Deps
	cfg   Config
	clock Clock
	timer retry.Timer
	bcast *broadcast.Broadcaster

	mu      sync.Mutex
	running map[string]*Claim
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithClock replaces the system clock.
func WithClock(c Clock) ExecutorOption {
	return func(e *Executor) {
		e.clock = c
	}
}

// WithRetryTimer replaces the clock backoff delays wait on.
func WithRetryTimer(t retry.Timer) ExecutorOption {
	return func(e *Executor) {
		e.timer = t
	}
}

// NewExecutor returns an Executor. Events are discarded and reports kept in memory unless
// given.
func NewExecutor(lggr logger.Logger, deps Deps, cfg Config, opts ...ExecutorOption) *Executor {
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Reporter == nil {
		deps.Reporter = operations.NewMemoryReporter()
	}
	if cfg.BatchExecutor == (common.Address{}) {
		cfg.BatchExecutor = calldata.Multicall3Address
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	lggr = lggr.Named("atomic")
	e := &Executor{
		lggr:    lggr,
		deps:    deps,
		cfg:     cfg,
		clock:   systemClock{},
		bcast:   broadcast.New(lggr, deps.Gateway, deps.Keyring, deps.Nonces, cfg.Broadcast),
		running: make(map[string]*Claim),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

type canceller struct {
	once sync.Once
	ch   chan struct{}
	// sealed is set once the operation is executing. Guarded by Executor.mu.
	sealed bool
}

func (c *canceller) cancel() {
	c.once.Do(func() { close(c.ch) })
}

// Claim marks an operation as busy in an Executor. While an operation is claimed no other
// claim on it succeeds, so loading, simulating, executing and cancelling it are serialized. A
// claim taken with Begin can be cancelled from the moment Begin returns.
type Claim struct {
	e          *Executor
	id         string
	cancelable bool
	stop       *canceller
	once       sync.Once
}

// Begin claims an operation for simulation or execution. It fails when the operation is
// already claimed.
func (e *Executor) Begin(id string) (*Claim, error) {
	return e.claim(id, true)
}

// Hold claims an operation for a change that cannot be cancelled itself, such as cancelling an
// operation that is not running.
func (e *Executor) Hold(id string) (*Claim, error) {
	return e.claim(id, false)
}

func (e *Executor) claim(id string, cancelable bool) (*Claim, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.running[id]; busy {
		return nil, faults.New(faults.InvalidState, "operation %s is already running", id)
	}
	c := &Claim{e: e, id: id, cancelable: cancelable, stop: &canceller{ch: make(chan struct{})}}
	e.running[id] = c

	return c, nil
}

// Release ends the claim. It is safe to call more than once.
func (c *Claim) Release() {
	c.once.Do(func() {
		c.e.mu.Lock()
		defer c.e.mu.Unlock()
		delete(c.e.running, c.id)
	})
}

func (c *Claim) check(op *Operation) error {
	if op.ID != c.id {
		return fmt.Errorf("claim on operation %s used for operation %s", c.id, op.ID)
	}

	return nil
}

// Simulate predicts op without sending anything. The operation passes through simulating and
// returns to pending; the prediction is attached to it and persisted.
func (e *Executor) Simulate(ctx context.Context, op *Operation) (SimulationResult, error) {
	c, err := e.Begin(op.ID)
	if err != nil {
		return SimulationResult{}, err
	}
	defer c.Release()

	return c.Simulate(ctx, op)
}

// Simulate is Executor.Simulate under the claim. The claim is kept. An operation cancelled
// while being simulated ends cancelled.
func (c *Claim) Simulate(ctx context.Context, op *Operation) (SimulationResult, error) {
	if err := c.check(op); err != nil {
		return SimulationResult{}, err
	}
	if op.Status != StatusPending {
		return SimulationResult{}, faults.New(faults.InvalidState, "operation %s is %s, only pending operations are simulated", op.ID, op.Status)
	}

	r := c.e.newRun(op, c.stop)
	if errs := Validate(op); len(errs) > 0 {
		res := SimulationResult{OperationID: op.ID, Error: errs[0]}
		r.op.Simulation = &res
		if err := r.save(ctx); err != nil {
			return SimulationResult{}, err
		}

		return res, nil
	}

	res, err := r.simulate(ctx)
	if err != nil {
		return SimulationResult{}, err
	}
	if r.cancelled(ctx) {
		return res, r.finish(ctx, StatusCancelled, faults.New(faults.Cancelled, "operation cancelled"))
	}
	if err := r.setStatus(ctx, StatusPending, nil); err != nil {
		return SimulationResult{}, err
	}

	return res, nil
}

// Execute simulates op and, if the simulation passes, sends it. Nothing is submitted when a
// step, requirement or safeguard fails. The returned error is reserved for failures of the
// executor itself; the outcome of the operation is in the result.
func (e *Executor) Execute(ctx context.Context, op *Operation) (ExecutionResult, error) {
	c, err := e.Begin(op.ID)
	if err != nil {
		return ExecutionResult{}, err
	}

	return c.Execute(ctx, op)
}

// Execute is Executor.Execute under the claim. The claim is released when it returns.
func (c *Claim) Execute(ctx context.Context, op *Operation) (ExecutionResult, error) {
	defer c.Release()

	if err := c.check(op); err != nil {
		return ExecutionResult{}, err
	}
	if op.Status != StatusPending {
		return ExecutionResult{}, faults.New(faults.InvalidState, "operation %s is %s and cannot be executed", op.ID, op.Status)
	}

	r := c.e.newRun(op, c.stop)
	if r.cancelled(ctx) {
		if err := r.finish(ctx, StatusCancelled, faults.New(faults.Cancelled, "operation cancelled")); err != nil {
			return ExecutionResult{}, err
		}

		return *op.Result, nil
	}
	if err := r.execute(ctx); err != nil {
		return ExecutionResult{}, err
	}

	return *op.Result, nil
}

// Cancel requests cancellation of an operation claimed with Begin. It takes effect until the
// operation starts executing; a submitted transaction is never abandoned. It reports whether
// such a claim existed.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.running[id]
	if !ok || !c.cancelable || c.stop.sealed {
		return false
	}
	c.stop.cancel()

	return true
}

// seal ends the window in which Cancel takes effect. It reports false when cancellation was
// requested before.
func (e *Executor) seal(stop *canceller) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-stop.ch:
		return false
	default:
	}
	stop.sealed = true

	return true
}

// Running reports whether the operation is claimed.
func (e *Executor) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.running[id]

	return ok
}

// run is the state of one simulation or execution.
type run struct {
	e    *Executor
	op   *Operation
	lggr logger.Logger
	stop *canceller
	res  *ExecutionResult
}

func (e *Executor) newRun(op *Operation, stop *canceller) *run {
	return &run{
		e:    e,
		op:   op,
		lggr: e.lggr.With("operationID", op.ID, "kind", op.Kind),
		stop: stop,
		res:  newExecutionResult(op),
	}
}

func (r *run) cancelled(ctx context.Context) bool {
	select {
	case <-r.stop.ch:
		return true
	default:
		return ctx.Err() != nil
	}
}

func (r *run) execute(ctx context.Context) error {
	if errs := Validate(r.op); len(errs) > 0 {
		r.res.Errors = errs
		return r.finish(ctx, StatusFailed, errs[0])
	}

	if r.op.Kind == KindTimelocked {
		if fault := r.waitUntil(ctx, r.op.NotBefore); fault != nil {
			return r.finish(ctx, StatusCancelled, fault)
		}
	}
	if r.cancelled(ctx) {
		return r.finish(ctx, StatusCancelled, faults.New(faults.Cancelled, "operation cancelled"))
	}

	sim, err := r.simulate(ctx)
	if err != nil {
		return err
	}
	r.res.Simulation = &sim
	r.res.Mode = sim.Mode
	if !sim.Success {
		return r.finish(ctx, StatusFailed, sim.Error)
	}
	if r.cancelled(ctx) {
		return r.finish(ctx, StatusCancelled, faults.New(faults.Cancelled, "operation cancelled"))
	}

	compiled, err := r.compile(sim)
	if err != nil {
		return r.finish(ctx, StatusFailed, faults.Wrap(faults.InvalidArgument, err))
	}
	for _, st := range sim.Steps {
		if st.Omitted && st.Index < len(r.res.Steps) {
			r.res.Steps[st.Index].Status = StepOmitted
		}
	}

	// the chain may have moved since the simulation
	if fault := r.checkSafeguards(ctx); fault != nil {
		return r.finish(ctx, StatusFailed, fault)
	}

	if !r.e.seal(r.stop) {
		return r.finish(ctx, StatusCancelled, faults.New(faults.Cancelled, "operation cancelled"))
	}
	if err := r.setStatus(ctx, StatusExecuting, nil); err != nil {
		return err
	}

	var fault *faults.Error
	switch compiled.Mode {
	case ModeNone:
		r.lggr.Infow("Every step was omitted, nothing to send")
	case ModeDirect, ModeBatch:
		fault = r.sendCompiled(ctx, compiled)
	case ModeEscrow:
		fault = r.driveEscrow(ctx)
	}
	if fault != nil {
		return r.finish(ctx, StatusFailed, fault)
	}

	return r.finish(ctx, StatusCompleted, nil)
}

func (r *run) compile(sim SimulationResult) (Compiled, error) {
	return Compile(r.op, simulator.Result{Steps: sim.Steps}, r.e.cfg.BatchExecutor)
}

// waitUntil blocks until t. Cancellation and the context end the wait with a Cancelled fault.
func (r *run) waitUntil(ctx context.Context, t time.Time) *faults.Error {
	for {
		d := t.Sub(r.e.clock.Now())
		if d <= 0 {
			return nil
		}
		r.lggr.Infow("Waiting for timelock", "notBefore", t, "remaining", d)
		select {
		case <-r.stop.ch:
			return faults.New(faults.Cancelled, "operation cancelled while timelocked")
		case <-ctx.Done():
			return faults.Wrap(faults.Cancelled, ctx.Err())
		case <-r.e.clock.After(d):
		}
	}
}

// simulate moves the operation to simulating and predicts it in aggregate: requirements, every
// step on a shared balance overlay, the compiled transaction and the safeguards. The returned
// error is reserved for store failures; gateway failures are reported as a failed simulation.
func (r *run) simulate(ctx context.Context) (SimulationResult, error) {
	if err := r.setStatus(ctx, StatusSimulating, nil); err != nil {
		return SimulationResult{}, err
	}

	res, fault := r.predict(ctx)
	res.OperationID = r.op.ID
	if fault != nil {
		res.Success = false
		res.Error = fault.WithNode(r.op.ID, fault.Node)
		r.lggr.Warnw("Simulation failed", "error", res.Error)
	} else {
		res.Success = true
		r.lggr.Infow("Simulation passed", "mode", res.Mode, "gas", res.Gas)
	}
	r.op.Simulation = &res

	for _, st := range res.Steps {
		meta := map[string]string{"gas": strconv.FormatUint(st.Gas, 10)}
		to := "simulated"
		switch {
		case st.Omitted:
			to = "omitted"
		case !st.Success:
			to = "reverted"
			meta["reason"] = st.RevertReason
		}
		if err := r.recordStep(ctx, st.Index, "pending", to, meta, meta["reason"]); err != nil {
			return SimulationResult{}, err
		}
	}

	return res, nil
}

func (r *run) predict(ctx context.Context) (SimulationResult, *faults.Error) {
	var res SimulationResult
	sim := r.e.deps.Simulator

	steps, reqs, err := r.simulationSteps()
	if err != nil {
		return res, faults.Wrap(faults.InvalidArgument, err)
	}
	out, err := sim.Simulate(ctx, steps, reqs)
	if err != nil {
		return res, faults.Wrap(faults.SimulationFailure, err)
	}
	res.Steps = out.Steps
	res.Requirements = out.Requirements
	if err := out.FirstFailure(); err != nil {
		fault := faults.Wrap(faults.SimulationFailure, err)
		if fault.Kind == faults.SimulationFailure {
			for _, st := range out.Steps {
				if !st.Success && !st.Omitted {
					fault = fault.WithNode(r.op.ID, stepScope(st.Index))
					break
				}
			}
		}

		return res, fault
	}

	if r.op.UsesEscrow() {
		res.Mode = ModeEscrow
		res.Gas = out.TotalGas
	} else {
		compiled, err := Compile(r.op, out, r.e.cfg.BatchExecutor)
		if err != nil {
			return res, faults.Wrap(faults.InvalidArgument, err)
		}
		res.Mode = compiled.Mode
		if compiled.Mode != ModeNone {
			// per-step estimates cannot see interactions inside one transaction
			est, err := sim.Estimate(ctx, compiled.Call, 0)
			if err != nil {
				return res, faults.Wrap(faults.SimulationFailure, err)
			}
			if !est.Success {
				return res, faults.New(faults.SimulationFailure, "compiled %s transaction: %s", compiled.Mode, est.RevertReason)
			}
			res.Gas = est.Gas
		}
	}

	return res, r.checkSafeguards(ctx)
}

func (r *run) simulationSteps() ([]simulator.Step, []simulator.Requirement, error) {
	reqs := r.op.Requirements
	if r.op.UsesEscrow() {
		call, err := r.escrowCall(r.op.Sender, "createOrder")
		if err != nil {
			return nil, nil, err
		}
		t := r.op.Escrow
		reqs = append(escrowRequirements(r.op.Sender, t), reqs...)

		return []simulator.Step{{Call: call}}, reqs, nil
	}

	steps := make([]simulator.Step, 0, len(r.op.Steps))
	for i, st := range r.op.Steps {
		call, err := st.Call(r.op.Sender)
		if err != nil {
			return nil, nil, fmt.Errorf("step %d (%s): %w", i, st.Label(), err)
		}
		steps = append(steps, simulator.Step{Call: call, GasCeiling: st.GasCeiling, Condition: st.Condition})
	}

	return steps, reqs, nil
}

// checkSafeguards verifies the deadline has not passed and the slippage quote is within
// tolerance.
func (r *run) checkSafeguards(ctx context.Context) *faults.Error {
	sg := r.op.Safeguards
	if !sg.Deadline.IsZero() && !r.e.clock.Now().Before(sg.Deadline) {
		return faults.New(faults.SafeguardViolation, "deadline %s has passed", sg.Deadline.UTC().Format(time.RFC3339)).WithNode(r.op.ID, "")
	}
	if sg.Slippage != nil {
		cond := sg.Slippage.Condition()
		ok, got, err := r.e.deps.Simulator.EvaluateCondition(ctx, cond)
		if err != nil {
			return faults.Wrap(faults.SafeguardViolation, fmt.Errorf("slippage quote: %w", err)).WithNode(r.op.ID, "")
		}
		if !ok {
			return faults.New(faults.SafeguardViolation, "quote %s is below the slippage floor %s", got, cond.Value).WithNode(r.op.ID, "")
		}
	}

	return nil
}

// guard re-checks the safeguards before a submission. Cancelling an escrow order is exempt:
// the refund has to go through after the deadline.
func (r *run) guard(stage string) func(context.Context) error {
	if stage == stageCancel {
		return nil
	}

	return func(ctx context.Context) error {
		if fault := r.checkSafeguards(ctx); fault != nil {
			return fault
		}

		return nil
	}
}

func (r *run) sendCompiled(ctx context.Context, c Compiled) *faults.Error {
	out, fault := r.send(ctx, string(c.Mode), c.Call)
	status := StepCompleted
	if fault != nil {
		status = StepFailed
	}
	for _, i := range c.Included {
		r.res.Steps[i].Status = status
		r.res.Steps[i].TxHash = out.TxHash
		if err := r.recordStep(ctx, i, "simulated", string(status), map[string]string{"txHash": out.TxHash.Hex()}, ""); err != nil {
			return faults.Wrap(faults.Unknown, err)
		}
	}

	return fault
}

// send runs one transaction as an operation, retried with the executor's policy.
func (r *run) send(ctx context.Context, stage string, call ledger.Call) (broadcast.TxOutput, *faults.Error) {
	input := TxInput{
		OperationID: r.op.ID,
		Stage:       stage,
		From:        call.From,
		To:          *call.To,
		Data:        call.Data,
		Value:       call.Value,
	}
	tx := &broadcast.Tx{From: call.From, To: call.To, Data: call.Data, Value: call.Value}
	deps := broadcast.TxDeps{
		Simulator:   r.e.deps.Simulator,
		Broadcaster: r.e.bcast,
		Guard:       r.guard(stage),
		Tx:          tx,
	}
	lggr := r.lggr.With("stage", stage)
	b := operations.NewBundle(func() context.Context { return ctx }, lggr, r.e.deps.Reporter)

	report, err := operations.ExecuteOperation(b, SendTransaction, deps, input, r.executeOptions(lggr)...)
	r.res.Attempts += report.Attempts
	if err != nil {
		r.e.bcast.Abandon(tx)
		lggr.Errorw("Transaction failed", "error", err)

		return broadcast.TxOutput{}, classify(err)
	}

	out := report.Output
	r.res.TxHashes = append(r.res.TxHashes, out.TxHash)
	r.res.GasUsed += out.GasUsed
	if out.Cost != nil {
		r.res.CostWei.Add(r.res.CostWei, out.Cost)
	}
	if len(r.res.TxHashes) == 1 || out.Confirmations < r.res.Confirmations {
		r.res.Confirmations = out.Confirmations
	}
	lggr.Infow("Transaction confirmed", "txHash", out.TxHash.Hex(), "gasUsed", out.GasUsed, "attempts", report.Attempts)

	return out, nil
}

func (r *run) executeOptions(lggr logger.Logger) []operations.ExecuteOption[TxInput, broadcast.TxDeps] {
	policy := r.e.cfg.Retry
	if n := r.op.Safeguards.MaxRetries; n > 0 {
		policy.MaxAttempts = n + 1
	}
	opts := []operations.ExecuteOption[TxInput, broadcast.TxDeps]{
		operations.WithRetryConfig(operations.RetryConfig[TxInput, broadcast.TxDeps]{
			Enabled: true,
			Policy:  policy,
			OnRetry: func(attempt uint, err error) {
				lggr.Warnw("Attempt failed", "attempt", attempt, "error", err)
			},
		}),
	}
	if r.e.timer != nil {
		opts = append(opts, operations.WithTimer[TxInput, broadcast.TxDeps](r.e.timer))
	}

	return opts
}

func classify(err error) *faults.Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.Cancelled, err)
	}

	return faults.Wrap(faults.Unknown, err)
}

// finish settles the operation in a terminal status and persists the result.
func (r *run) finish(ctx context.Context, next Status, fault *faults.Error) error {
	ctx = context.WithoutCancel(ctx)

	if fault != nil {
		if fault.Entity == "" {
			fault = fault.WithNode(r.op.ID, fault.Node)
		}
		r.op.Error = fault
		if len(r.res.Errors) == 0 {
			r.res.Errors = []*faults.Error{fault}
		}
	}
	r.res.Status = next
	r.res.Success = next == StatusCompleted
	r.op.Result = r.res

	errText := ""
	if fault != nil {
		errText = fault.Error()
		r.lggr.Errorw("Operation ended", "status", next, "error", fault)
	} else {
		r.lggr.Infow("Operation ended", "status", next, "txHashes", len(r.res.TxHashes))
	}

	return r.setStatus(ctx, next, map[string]string{"error": errText})
}

func (r *run) setStatus(ctx context.Context, next Status, meta map[string]string) error {
	prev := r.op.Status
	if err := r.op.SetStatus(next); err != nil {
		return err
	}
	if meta["error"] == "" {
		delete(meta, "error")
	}
	if err := r.save(ctx); err != nil {
		return err
	}

	return r.record(ctx, "", -1, string(prev), string(next), meta, meta["error"])
}

func (r *run) recordStep(ctx context.Context, index int, from, to string, meta map[string]string, errText string) error {
	return r.record(ctx, stepScope(index), index, from, to, meta, errText)
}

// record appends the transition and publishes the event.
func (r *run) record(ctx context.Context, scope string, step int, from, to string, meta map[string]string, errText string) error {
	if err := r.e.deps.Store.AppendTransition(ctx, datastore.Transition{
		EntityID: r.op.ID,
		Scope:    scope,
		From:     from,
		To:       to,
		Metadata: meta,
	}); err != nil {
		return fmt.Errorf("append transition of operation %s: %w", r.op.ID, err)
	}
	r.e.deps.Events.Publish(events.Event{
		Kind:     events.EntityOperation,
		EntityID: r.op.ID,
		Step:     step,
		From:     from,
		To:       to,
		Error:    errText,
	})

	return nil
}

func (r *run) save(ctx context.Context) error {
	return SaveOperation(ctx, r.e.deps.Store, r.op)
}

// SaveOperation persists op as an operation document.
func SaveOperation(ctx context.Context, s datastore.Store, op *Operation) error {
	body, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	if err := s.Put(ctx, datastore.Document{
		Kind:   datastore.KindOperation,
		ID:     op.ID,
		Status: string(op.Status),
		Body:   body,
	}); err != nil {
		return fmt.Errorf("save operation %s: %w", op.ID, err)
	}

	return nil
}

// LoadOperation reads an operation document.
func LoadOperation(ctx context.Context, s datastore.Store, id string) (*Operation, error) {
	doc, err := s.Get(ctx, datastore.KindOperation, id)
	if err != nil {
		return nil, err
	}

	return DecodeOperation(doc.Body)
}
